package risk

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"signal-relay/pkg/db"
)

func testQueries(t *testing.T) *db.UserQueries {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	return db.NewUserQueries(database.DB)
}

func TestEffectiveUsesGlobalDefaults(t *testing.T) {
	src, err := NewConfigSource("", testQueries(t), true)
	if err != nil {
		t.Fatalf("NewConfigSource: %v", err)
	}

	cfg, err := src.Effective(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("Effective: %v", err)
	}
	if cfg.RiskPercent != 0.20 || cfg.Leverage != 20 || cfg.MaxDcaPerSymbol != 3 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestEffectiveAppliesOverrides(t *testing.T) {
	queries := testQueries(t)
	src, err := NewConfigSource("", queries, true)
	if err != nil {
		t.Fatalf("NewConfigSource: %v", err)
	}

	risk := 0.05
	lev := 5
	err = queries.UpsertOverrides(context.Background(), db.Overrides{
		UserID:         "u1",
		RiskPercent:    &risk,
		Leverage:       &lev,
		AllowedSymbols: []string{"SOLUSDT"},
	})
	if err != nil {
		t.Fatalf("UpsertOverrides: %v", err)
	}

	cfg, err := src.Effective(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Effective: %v", err)
	}
	if cfg.RiskPercent != 0.05 || cfg.Leverage != 5 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if !cfg.SymbolAllowed("SOLUSDT") || cfg.SymbolAllowed("BTCUSDT") {
		t.Fatalf("symbol whitelist override not applied: %+v", cfg.AllowedSymbols)
	}
	// Unset fields keep globals.
	if cfg.MaxDailyLossUSDT != 2000 {
		t.Fatalf("MaxDailyLossUSDT=%v, expected global 2000", cfg.MaxDailyLossUSDT)
	}
}

func TestSingleUserModeIgnoresOverrides(t *testing.T) {
	queries := testQueries(t)
	src, err := NewConfigSource("", queries, false)
	if err != nil {
		t.Fatalf("NewConfigSource: %v", err)
	}

	risk := 0.99
	_ = queries.UpsertOverrides(context.Background(), db.Overrides{UserID: "u1", RiskPercent: &risk})

	cfg, err := src.Effective(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Effective: %v", err)
	}
	if cfg.RiskPercent != 0.20 {
		t.Fatalf("single-user mode must ignore overrides, got %v", cfg.RiskPercent)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "risk.yaml")
	content := `
risk_percent: 0.10
max_position_usdt: 25000
allowed_symbols: [BTCUSDT]
default_symbol: BTCUSDT
dedup_enabled: false
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}

	src, err := NewConfigSource(path, nil, true)
	if err != nil {
		t.Fatalf("NewConfigSource: %v", err)
	}
	g := src.Globals()
	if g.RiskPercent != 0.10 || g.MaxPositionUSDT != 25000 {
		t.Fatalf("yaml not applied: %+v", g)
	}
	if src.DedupEnabled() {
		t.Fatal("dedup_enabled: false not honored")
	}
	// Fields missing from the file keep defaults.
	if g.MaxDcaPerSymbol != 3 {
		t.Fatalf("MaxDcaPerSymbol=%d, expected default 3", g.MaxDcaPerSymbol)
	}
}
