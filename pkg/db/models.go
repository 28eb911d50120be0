package db

import "time"

// User is a subscriber of the relay.
type User struct {
	ID                 string    `json:"id"`
	Email              string    `json:"email"`
	PasswordHash       string    `json:"-"`
	AutoTrade          bool      `json:"auto_trade"`
	SubscriptionActive bool      `json:"subscription_active"`
	WebhookURL         string    `json:"webhook_url,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Credentials holds a user's encrypted exchange API keys.
type Credentials struct {
	UserID             string    `json:"user_id"`
	APIKeyEncrypted    string    `json:"-"`
	APISecretEncrypted string    `json:"-"`
	KeyVersion         int       `json:"key_version"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Overrides carries a user's risk overrides. Nil fields mean "use the
// global default".
type Overrides struct {
	UserID            string   `json:"user_id"`
	RiskPercent       *float64 `json:"risk_percent,omitempty"`
	MaxPositionUSDT   *float64 `json:"max_position_usdt,omitempty"`
	MaxDailyLossUSDT  *float64 `json:"max_daily_loss_usdt,omitempty"`
	MaxDcaPerSymbol   *int     `json:"max_dca_per_symbol,omitempty"`
	DcaRiskMultiplier *float64 `json:"dca_risk_multiplier,omitempty"`
	Leverage          *int     `json:"leverage,omitempty"`
	AllowedSymbols    []string `json:"allowed_symbols,omitempty"`
}
