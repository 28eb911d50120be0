package binance

import (
	"errors"
	"testing"
)

func TestSignMatchesKnownVector(t *testing.T) {
	// Vector from the exchange API documentation.
	payload := "symbol=LTCBTC&side=BUY&type=LIMIT&timeInForce=GTC&quantity=1&price=0.1&recvWindow=5000&timestamp=1499827319559"
	secret := "NhqPtmdSJYdKjVHjA7PZj4Mge3R5YNiP1e3UZjInClVN65XAbvqqM6A7H5fATj0j"
	want := "c8db56825ae71d6d79447849e617115f4a920fa2acdcab2b053c4b2838bd6b71"

	if got := sign(payload, secret); got != want {
		t.Fatalf("sign() = %s, expected %s", got, want)
	}
}

func TestRoundToStep(t *testing.T) {
	tests := []struct {
		v, step, want float64
	}{
		{0.1056, 0.001, 0.105},
		{0.0999, 0.001, 0.099},
		{95000.37, 0.1, 95000.3},
		{3.0, 1, 3},
		{0.0947368, 0.001, 0.094},
		{5, 0, 5}, // zero step leaves the value alone
	}
	for _, tt := range tests {
		if got := roundToStep(tt.v, tt.step); got != tt.want {
			t.Fatalf("roundToStep(%v, %v) = %v, expected %v", tt.v, tt.step, got, tt.want)
		}
	}
}

func TestFormatByStep(t *testing.T) {
	tests := []struct {
		v, step float64
		want    string
	}{
		{0.105, 0.001, "0.105"},
		{95000.3, 0.1, "95000.3"},
		{3, 1, "3"},
	}
	for _, tt := range tests {
		if got := formatByStep(tt.v, tt.step); got != tt.want {
			t.Fatalf("formatByStep(%v, %v) = %q, expected %q", tt.v, tt.step, got, tt.want)
		}
	}
}

func TestFilterRounding(t *testing.T) {
	f := SymbolFilters{TickSize: 0.1, StepSize: 0.001}
	if got := f.RoundQty(0.0505); got != 0.05 {
		t.Fatalf("RoundQty = %v", got)
	}
	if got := f.RoundPrice(93000.17); got != 93000.1 {
		t.Fatalf("RoundPrice = %v", got)
	}
}

func TestParseStreamEventOrderTradeUpdate(t *testing.T) {
	msg := []byte(`{
		"e": "ORDER_TRADE_UPDATE",
		"E": 1700000000000,
		"o": {
			"s": "BTCUSDT",
			"S": "SELL",
			"o": "STOP_MARKET",
			"X": "FILLED",
			"x": "TRADE",
			"i": 2002,
			"c": "sr-client-1",
			"t": 555,
			"ap": "93000.0",
			"L": "93000.0",
			"l": "0.1",
			"z": "0.1",
			"n": "0.7",
			"rp": "-200.0",
			"R": true
		}
	}`)

	u, err := ParseStreamEvent(msg)
	if err != nil {
		t.Fatalf("ParseStreamEvent: %v", err)
	}
	if u == nil {
		t.Fatal("expected an order trade update")
	}
	if u.Symbol != "BTCUSDT" || u.OrderType != "STOP_MARKET" || u.Status != "FILLED" {
		t.Fatalf("unexpected decode: %+v", u)
	}
	if u.OrderID != 2002 || u.TradeID != 555 {
		t.Fatalf("ids not decoded: %+v", u)
	}
	if u.LastQty != 0.1 || u.AvgPrice != 93000 || u.Commission != 0.7 {
		t.Fatalf("numerics not decoded: %+v", u)
	}
	if u.EventTime != 1700000000000 {
		t.Fatalf("event time not decoded: %d", u.EventTime)
	}
}

func TestParseStreamEventIgnoresOtherTypes(t *testing.T) {
	u, err := ParseStreamEvent([]byte(`{"e": "ACCOUNT_UPDATE", "E": 1}`))
	if err != nil {
		t.Fatalf("ParseStreamEvent: %v", err)
	}
	if u != nil {
		t.Fatal("non-order events must decode to nil")
	}
}

func TestErrorClassification(t *testing.T) {
	apiErr := &APIError{HTTPStatus: 400, Code: -1111, Message: "Precision is over the maximum defined for this asset."}
	if !IsAPIError(apiErr) || IsIOError(apiErr) {
		t.Fatal("APIError misclassified")
	}

	ioErr := &IOError{Op: "POST /fapi/v1/order", Err: errors.New("i/o timeout")}
	if !IsIOError(ioErr) || IsAPIError(ioErr) {
		t.Fatal("IOError misclassified")
	}

	wrapped := errors.Join(errors.New("ctx"), ioErr)
	if !IsIOError(wrapped) {
		t.Fatal("wrapped IOError must classify through errors.As")
	}
}

func TestStreamURL(t *testing.T) {
	c := NewClient(Config{APIKey: "k", APISecret: "s"})
	want := "wss://fstream.binance.com/ws/abc123"
	if got := c.StreamURL("abc123"); got != want {
		t.Fatalf("StreamURL = %q, expected %q", got, want)
	}

	test := NewClient(Config{APIKey: "k", APISecret: "s", Testnet: true})
	if got := test.StreamURL("abc"); got != "wss://fstream.binancefuture.com/ws/abc" {
		t.Fatalf("testnet StreamURL = %q", got)
	}
}
