// Package risk computes effective per-user configuration and runs the
// pre-trade gate that decides whether and how much to trade.
package risk

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"signal-relay/pkg/db"
)

// Globals are the system-wide risk defaults. DefaultSymbol and DedupEnabled
// are global-only; everything else can be overridden per user.
type Globals struct {
	RiskPercent       float64  `yaml:"risk_percent"`
	MaxPositionUSDT   float64  `yaml:"max_position_usdt"`
	MaxDailyLossUSDT  float64  `yaml:"max_daily_loss_usdt"`
	MaxDcaPerSymbol   int      `yaml:"max_dca_per_symbol"`
	DcaRiskMultiplier float64  `yaml:"dca_risk_multiplier"`
	Leverage          int      `yaml:"leverage"`
	AllowedSymbols    []string `yaml:"allowed_symbols"`
	DefaultSymbol     string   `yaml:"default_symbol"`
	DedupEnabled      *bool    `yaml:"dedup_enabled"`
}

// DefaultGlobals returns the built-in defaults.
func DefaultGlobals() Globals {
	enabled := true
	return Globals{
		RiskPercent:       0.20,
		MaxPositionUSDT:   50000,
		MaxDailyLossUSDT:  2000,
		MaxDcaPerSymbol:   3,
		DcaRiskMultiplier: 2.0,
		Leverage:          20,
		AllowedSymbols:    []string{"BTCUSDT", "ETHUSDT"},
		DefaultSymbol:     "BTCUSDT",
		DedupEnabled:      &enabled,
	}
}

// EffectiveConfig is the resolved configuration for one user at evaluation
// time: user override if set, else global default.
type EffectiveConfig struct {
	UserID            string
	RiskPercent       float64
	MaxPositionUSDT   float64
	MaxDailyLossUSDT  float64
	MaxDcaPerSymbol   int
	DcaRiskMultiplier float64
	Leverage          int
	AllowedSymbols    map[string]bool // empty means no whitelist restriction
	DefaultSymbol     string
}

// SymbolAllowed checks the whitelist.
func (c *EffectiveConfig) SymbolAllowed(symbol string) bool {
	if len(c.AllowedSymbols) == 0 {
		return true
	}
	return c.AllowedSymbols[symbol]
}

// ConfigSource holds the current globals and resolves per-user overrides.
// It is safe for concurrent use; Watch hot-reloads the YAML file.
type ConfigSource struct {
	mu        sync.RWMutex
	globals   Globals
	path      string
	queries   *db.UserQueries
	multiUser bool
}

// NewConfigSource loads globals from path (falling back to defaults when the
// file is absent). When multiUser is false, per-user overrides are ignored.
func NewConfigSource(path string, queries *db.UserQueries, multiUser bool) (*ConfigSource, error) {
	s := &ConfigSource{
		globals:   DefaultGlobals(),
		path:      path,
		queries:   queries,
		multiUser: multiUser,
	}
	if path != "" {
		if err := s.loadFile(); err != nil {
			if os.IsNotExist(err) {
				log.Printf("risk config %s not found, using defaults", path)
			} else {
				return nil, err
			}
		}
	}
	return s, nil
}

func (s *ConfigSource) loadFile() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	g := DefaultGlobals()
	if err := yaml.Unmarshal(data, &g); err != nil {
		return fmt.Errorf("parse risk config %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.globals = g
	s.mu.Unlock()
	log.Printf("risk config loaded: risk=%.2f%% max_pos=%.0f max_daily_loss=%.0f",
		g.RiskPercent*100, g.MaxPositionUSDT, g.MaxDailyLossUSDT)
	return nil
}

// Watch hot-reloads the YAML on file change until ctx is done.
func (s *ConfigSource) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory: editors replace files, which drops a file watch.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", s.path, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(s.path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := s.loadFile(); err != nil {
					log.Printf("risk config reload failed: %v", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("risk config watcher error: %v", err)
			}
		}
	}()
	return nil
}

// Globals returns a copy of the current globals.
func (s *ConfigSource) Globals() Globals {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.globals
}

// DedupEnabled reports the global dedup flag.
func (s *ConfigSource) DedupEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.globals.DedupEnabled == nil || *s.globals.DedupEnabled
}

// Effective resolves the configuration for one user.
func (s *ConfigSource) Effective(ctx context.Context, userID string) (EffectiveConfig, error) {
	g := s.Globals()

	cfg := EffectiveConfig{
		UserID:            userID,
		RiskPercent:       g.RiskPercent,
		MaxPositionUSDT:   g.MaxPositionUSDT,
		MaxDailyLossUSDT:  g.MaxDailyLossUSDT,
		MaxDcaPerSymbol:   g.MaxDcaPerSymbol,
		DcaRiskMultiplier: g.DcaRiskMultiplier,
		Leverage:          g.Leverage,
		AllowedSymbols:    symbolSet(g.AllowedSymbols),
		DefaultSymbol:     g.DefaultSymbol,
	}

	if !s.multiUser || s.queries == nil || userID == "" {
		return cfg, nil
	}

	o, err := s.queries.GetOverrides(ctx, userID)
	if err != nil {
		return cfg, fmt.Errorf("load overrides for %s: %w", userID, err)
	}
	if o.RiskPercent != nil {
		cfg.RiskPercent = *o.RiskPercent
	}
	if o.MaxPositionUSDT != nil {
		cfg.MaxPositionUSDT = *o.MaxPositionUSDT
	}
	if o.MaxDailyLossUSDT != nil {
		cfg.MaxDailyLossUSDT = *o.MaxDailyLossUSDT
	}
	if o.MaxDcaPerSymbol != nil {
		cfg.MaxDcaPerSymbol = *o.MaxDcaPerSymbol
	}
	if o.DcaRiskMultiplier != nil {
		cfg.DcaRiskMultiplier = *o.DcaRiskMultiplier
	}
	if o.Leverage != nil {
		cfg.Leverage = *o.Leverage
	}
	if o.AllowedSymbols != nil {
		cfg.AllowedSymbols = symbolSet(o.AllowedSymbols)
	}
	return cfg, nil
}

func symbolSet(symbols []string) map[string]bool {
	set := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		set[s] = true
	}
	return set
}
