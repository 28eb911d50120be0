package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    auto_trade INTEGER DEFAULT 0,
    subscription_active INTEGER DEFAULT 1,
    webhook_url TEXT DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS credentials (
    user_id TEXT PRIMARY KEY,
    api_key_encrypted TEXT NOT NULL,
    api_secret_encrypted TEXT NOT NULL,
    key_version INTEGER DEFAULT 1,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(user_id) REFERENCES users(id)
);

-- Per-user risk overrides. NULL means "no override, use the global default".
CREATE TABLE IF NOT EXISTS user_settings (
    user_id TEXT PRIMARY KEY,
    risk_percent REAL,
    max_position_usdt REAL,
    max_daily_loss_usdt REAL,
    max_dca_per_symbol INTEGER,
    dca_risk_multiplier REAL,
    leverage INTEGER,
    allowed_symbols TEXT,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(user_id) REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS trades (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    entry_price REAL NOT NULL DEFAULT 0,
    entry_qty REAL NOT NULL DEFAULT 0,
    entry_time DATETIME,
    entry_order_id TEXT DEFAULT '',
    entry_commission REAL DEFAULT 0,
    exit_price REAL DEFAULT 0,
    exit_qty REAL DEFAULT 0,
    exit_time DATETIME,
    exit_order_id TEXT DEFAULT '',
    exit_reason TEXT DEFAULT '',
    total_closed_qty REAL DEFAULT 0,
    gross_profit REAL DEFAULT 0,
    commission REAL DEFAULT 0,
    net_profit REAL DEFAULT 0,
    stop_loss REAL DEFAULT 0,
    take_profit REAL DEFAULT 0,
    dca_count INTEGER DEFAULT 0,
    signal_hash TEXT DEFAULT '',
    source_platform TEXT DEFAULT '',
    source_channel TEXT DEFAULT '',
    source_author TEXT DEFAULT '',
    source_message_id TEXT DEFAULT '',
    status TEXT NOT NULL DEFAULT 'OPEN',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_trades_user_symbol_status ON trades(user_id, symbol, status);
CREATE INDEX IF NOT EXISTS idx_trades_signal_hash ON trades(signal_hash, created_at);
CREATE INDEX IF NOT EXISTS idx_trades_user_exit_time ON trades(user_id, status, exit_time);

CREATE TABLE IF NOT EXISTS trade_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    trade_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    exchange_order_id TEXT DEFAULT '',
    fill_id TEXT DEFAULT '',
    side TEXT DEFAULT '',
    order_type TEXT DEFAULT '',
    price REAL DEFAULT 0,
    qty REAL DEFAULT 0,
    success INTEGER DEFAULT 1,
    error_message TEXT DEFAULT '',
    detail TEXT DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(trade_id) REFERENCES trades(id)
);

CREATE INDEX IF NOT EXISTS idx_trade_events_trade ON trade_events(trade_id, created_at);

-- Stream-delivered events are deduplicated by this key so that redelivered
-- ORDER_TRADE_UPDATE messages never double-count quantity or commission.
CREATE UNIQUE INDEX IF NOT EXISTS uq_trade_events_stream
    ON trade_events(trade_id, event_type, exchange_order_id, fill_id)
    WHERE fill_id != '';
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Lightweight, idempotent migrations for older DB files. Schema evolution
	// is additive only: new columns are nullable or defaulted.
	if err := ensureColumn(d.DB, "users", "webhook_url", "TEXT DEFAULT ''"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "trades", "dca_count", "INTEGER DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "trades", "signal_hash", "TEXT DEFAULT ''"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "trade_events", "fill_id", "TEXT DEFAULT ''"); err != nil {
		return err
	}

	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
