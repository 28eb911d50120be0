// Package db provides user-isolated database access for the relay's
// multi-tenant tables (users, credentials, per-user overrides).
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUserIDRequired = errors.New("user_id is required for data isolation")
	ErrNotFound       = errors.New("record not found")
)

// UserQueries provides user-isolated database queries.
type UserQueries struct {
	db *sql.DB
}

// NewUserQueries creates a new UserQueries instance.
func NewUserQueries(db *sql.DB) *UserQueries {
	return &UserQueries{db: db}
}

// ----------------------------------------
// Users
// ----------------------------------------

// CreateUser inserts a new user row.
func (q *UserQueries) CreateUser(ctx context.Context, u User) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, auto_trade, subscription_active, webhook_url)
		VALUES (?, ?, ?, ?, ?, ?)
	`, u.ID, u.Email, u.PasswordHash, boolToInt(u.AutoTrade), boolToInt(u.SubscriptionActive), u.WebhookURL)
	return err
}

// GetUserByEmail returns a user by email.
func (q *UserQueries) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return q.scanUser(q.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, auto_trade, subscription_active, COALESCE(webhook_url, ''), created_at, updated_at
		FROM users WHERE email = ?
	`, email))
}

// GetUserByID returns a user by id.
func (q *UserQueries) GetUserByID(ctx context.Context, userID string) (*User, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	return q.scanUser(q.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, auto_trade, subscription_active, COALESCE(webhook_url, ''), created_at, updated_at
		FROM users WHERE id = ?
	`, userID))
}

func (q *UserQueries) scanUser(row *sql.Row) (*User, error) {
	var u User
	var autoTrade, subActive int
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &autoTrade, &subActive, &u.WebhookURL, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	u.AutoTrade = autoTrade == 1
	u.SubscriptionActive = subActive == 1
	return &u, nil
}

// SetAutoTrade toggles auto-trading for a user.
func (q *UserQueries) SetAutoTrade(ctx context.Context, userID string, enabled bool) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	_, err := q.db.ExecContext(ctx, `
		UPDATE users SET auto_trade = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, boolToInt(enabled), userID)
	return err
}

// SetWebhookURL updates the notification webhook for a user.
func (q *UserQueries) SetWebhookURL(ctx context.Context, userID, url string) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	_, err := q.db.ExecContext(ctx, `
		UPDATE users SET webhook_url = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, url, userID)
	return err
}

// ListTradableUsers returns users eligible for signal fan-out: auto-trade
// enabled, subscription active, and exchange credentials on file.
func (q *UserQueries) ListTradableUsers(ctx context.Context) ([]User, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT u.id, u.email, u.password_hash, u.auto_trade, u.subscription_active, COALESCE(u.webhook_url, ''), u.created_at, u.updated_at
		FROM users u
		JOIN credentials c ON c.user_id = u.id
		WHERE u.auto_trade = 1 AND u.subscription_active = 1
		ORDER BY u.created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("query tradable users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		var autoTrade, subActive int
		if err := rows.Scan(&u.ID, &u.Email, &u.PasswordHash, &autoTrade, &subActive, &u.WebhookURL, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u.AutoTrade = autoTrade == 1
		u.SubscriptionActive = subActive == 1
		users = append(users, u)
	}
	return users, rows.Err()
}

// ----------------------------------------
// Credentials
// ----------------------------------------

// UpsertCredentials stores (or replaces) a user's encrypted API keys.
func (q *UserQueries) UpsertCredentials(ctx context.Context, c Credentials) error {
	if c.UserID == "" {
		return ErrUserIDRequired
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO credentials (user_id, api_key_encrypted, api_secret_encrypted, key_version, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET
			api_key_encrypted = excluded.api_key_encrypted,
			api_secret_encrypted = excluded.api_secret_encrypted,
			key_version = excluded.key_version,
			updated_at = CURRENT_TIMESTAMP
	`, c.UserID, c.APIKeyEncrypted, c.APISecretEncrypted, c.KeyVersion)
	return err
}

// GetCredentials returns a user's encrypted API keys.
func (q *UserQueries) GetCredentials(ctx context.Context, userID string) (*Credentials, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	var c Credentials
	err := q.db.QueryRowContext(ctx, `
		SELECT user_id, api_key_encrypted, api_secret_encrypted, COALESCE(key_version, 1), updated_at
		FROM credentials WHERE user_id = ?
	`, userID).Scan(&c.UserID, &c.APIKeyEncrypted, &c.APISecretEncrypted, &c.KeyVersion, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	return &c, nil
}

// DeleteCredentials removes a user's API keys.
func (q *UserQueries) DeleteCredentials(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	_, err := q.db.ExecContext(ctx, `DELETE FROM credentials WHERE user_id = ?`, userID)
	return err
}

// ----------------------------------------
// Per-user risk overrides
// ----------------------------------------

// GetOverrides returns a user's risk overrides; all-nil when none stored.
func (q *UserQueries) GetOverrides(ctx context.Context, userID string) (*Overrides, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	var (
		o       = Overrides{UserID: userID}
		symbols sql.NullString
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT risk_percent, max_position_usdt, max_daily_loss_usdt,
		       max_dca_per_symbol, dca_risk_multiplier, leverage, allowed_symbols
		FROM user_settings WHERE user_id = ?
	`, userID).Scan(&o.RiskPercent, &o.MaxPositionUSDT, &o.MaxDailyLossUSDT,
		&o.MaxDcaPerSymbol, &o.DcaRiskMultiplier, &o.Leverage, &symbols)
	if err == sql.ErrNoRows {
		return &o, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query overrides: %w", err)
	}
	if symbols.Valid && symbols.String != "" {
		for _, s := range strings.Split(symbols.String, ",") {
			if t := strings.TrimSpace(s); t != "" {
				o.AllowedSymbols = append(o.AllowedSymbols, t)
			}
		}
	}
	return &o, nil
}

// UpsertOverrides stores a user's risk overrides.
func (q *UserQueries) UpsertOverrides(ctx context.Context, o Overrides) error {
	if o.UserID == "" {
		return ErrUserIDRequired
	}
	var symbols interface{}
	if o.AllowedSymbols != nil {
		symbols = strings.Join(o.AllowedSymbols, ",")
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO user_settings (user_id, risk_percent, max_position_usdt, max_daily_loss_usdt,
			max_dca_per_symbol, dca_risk_multiplier, leverage, allowed_symbols, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET
			risk_percent = excluded.risk_percent,
			max_position_usdt = excluded.max_position_usdt,
			max_daily_loss_usdt = excluded.max_daily_loss_usdt,
			max_dca_per_symbol = excluded.max_dca_per_symbol,
			dca_risk_multiplier = excluded.dca_risk_multiplier,
			leverage = excluded.leverage,
			allowed_symbols = excluded.allowed_symbols,
			updated_at = CURRENT_TIMESTAMP
	`, o.UserID, o.RiskPercent, o.MaxPositionUSDT, o.MaxDailyLossUSDT,
		o.MaxDcaPerSymbol, o.DcaRiskMultiplier, o.Leverage, symbols)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
