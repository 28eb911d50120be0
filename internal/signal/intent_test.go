package signal

import "testing"

func TestValidateNormalizes(t *testing.T) {
	in := TradeIntent{Action: "entry", Symbol: " btcusdt ", Side: "long", EntryPrice: 95000, StopLoss: 93000}
	if err := in.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if in.Action != ActionEntry || in.Symbol != "BTCUSDT" || in.Side != Long {
		t.Fatalf("normalization failed: %+v", in)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		intent TradeIntent
		want   error
	}{
		{"unknown action", TradeIntent{Action: "YOLO", Symbol: "BTCUSDT"}, ErrBadAction},
		{"missing symbol", TradeIntent{Action: ActionEntry, Side: Long}, ErrSymbolRequired},
		{"entry without side", TradeIntent{Action: ActionEntry, Symbol: "BTCUSDT"}, ErrBadSide},
		{"bad side", TradeIntent{Action: ActionClose, Symbol: "BTCUSDT", Side: "UP"}, ErrBadSide},
		{"ratio above one", TradeIntent{Action: ActionClose, Symbol: "BTCUSDT", CloseRatio: 1.5}, ErrBadCloseRatio},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.intent.Validate(); err != tt.want {
				t.Fatalf("got %v, expected %v", err, tt.want)
			}
		})
	}
}

func TestFingerprintStability(t *testing.T) {
	a := TradeIntent{Action: ActionEntry, Symbol: "BTCUSDT", Side: Long, EntryPrice: 95000, StopLoss: 93000}
	b := a
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("identical intents must fingerprint identically")
	}

	b.StopLoss = 92000
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("different stop loss must change the fingerprint")
	}
}

func TestDCAFingerprintDiffersFromEntry(t *testing.T) {
	entry := TradeIntent{Action: ActionEntry, Symbol: "ETHUSDT", Side: Long, EntryPrice: 3000, StopLoss: 2900}
	dca := TradeIntent{Action: ActionDCAEntry, Symbol: "ETHUSDT", Side: Long, EntryPrice: 3000, StopLoss: 2900}
	if entry.Fingerprint() == dca.Fingerprint() {
		t.Fatal("DCA must hash under the DCA literal, not the side")
	}
}

func TestUserFingerprintBindsUser(t *testing.T) {
	in := TradeIntent{Action: ActionEntry, Symbol: "BTCUSDT", Side: Short, EntryPrice: 95000, StopLoss: 97000}
	if in.UserFingerprint("u1") == in.UserFingerprint("u2") {
		t.Fatal("per-user fingerprints must differ across users")
	}
	if in.UserFingerprint("u1") == in.Fingerprint() {
		t.Fatal("per-user fingerprint must differ from the signal-layer one")
	}
}
