package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrIntegrity flags a write that would violate a ledger invariant; the
// operation is aborted and the caller escalates.
var ErrIntegrity = errors.New("ledger integrity violation")

const tradeColumns = `
	id, user_id, symbol, side,
	entry_price, entry_qty, entry_time, COALESCE(entry_order_id, ''), entry_commission,
	exit_price, exit_qty, exit_time, COALESCE(exit_order_id, ''), COALESCE(exit_reason, ''),
	total_closed_qty, gross_profit, commission, net_profit,
	stop_loss, take_profit, dca_count, COALESCE(signal_hash, ''),
	COALESCE(source_platform, ''), COALESCE(source_channel, ''), COALESCE(source_author, ''), COALESCE(source_message_id, ''),
	status, created_at, updated_at`

// Store persists trades and trade events.
type Store struct {
	db *sql.DB
}

// NewStore creates a ledger store over the shared DB handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ----------------------------------------
// Writes
// ----------------------------------------

// InsertTrade creates a trade row and its first event in one transaction.
func (s *Store) InsertTrade(ctx context.Context, t *Trade, ev *Event) error {
	if err := checkInvariants(t); err != nil {
		return err
	}
	t.RecomputeNet()

	// Bound from Go rather than CURRENT_TIMESTAMP so the fingerprint-window
	// query compares values in one time format.
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.UpdatedAt = t.CreatedAt

	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO trades (
				id, user_id, symbol, side,
				entry_price, entry_qty, entry_time, entry_order_id, entry_commission,
				exit_price, exit_qty, exit_time, exit_order_id, exit_reason,
				total_closed_qty, gross_profit, commission, net_profit,
				stop_loss, take_profit, dca_count, signal_hash,
				source_platform, source_channel, source_author, source_message_id,
				status, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			t.ID, t.UserID, t.Symbol, t.Side,
			t.EntryPrice, t.EntryQty, nullTime(t.EntryTime), t.EntryOrderID, t.EntryCommission,
			t.ExitPrice, t.ExitQty, nullTime(t.ExitTime), t.ExitOrderID, string(t.ExitReason),
			t.TotalClosedQty, t.GrossProfit, t.Commission, t.NetProfit,
			t.StopLoss, t.TakeProfit, t.DCACount, t.SignalHash,
			t.SourcePlatform, t.SourceChannel, t.SourceAuthor, t.SourceMessageID,
			string(t.Status), t.CreatedAt.UTC(), t.UpdatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert trade: %w", err)
		}
		if ev != nil {
			if err := insertEvent(ctx, tx, ev); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateTrade writes the mutable trade fields and an optional event in one
// transaction. NetProfit is recomputed before the write.
func (s *Store) UpdateTrade(ctx context.Context, t *Trade, ev *Event) error {
	if err := checkInvariants(t); err != nil {
		return err
	}
	t.RecomputeNet()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := updateTrade(ctx, tx, t); err != nil {
			return err
		}
		if ev != nil {
			if err := insertEvent(ctx, tx, ev); err != nil {
				return err
			}
		}
		return nil
	})
}

// ApplyStreamEvent records a stream-delivered event and, only when the event
// was not seen before, writes the updated trade in the same transaction.
// Redelivered events return applied=false and change nothing (the idempotence
// key is the uq_trade_events_stream index).
func (s *Store) ApplyStreamEvent(ctx context.Context, t *Trade, ev *Event) (applied bool, err error) {
	if ev.FillID == "" {
		return false, fmt.Errorf("stream event requires a fill id")
	}
	if err := checkInvariants(t); err != nil {
		return false, err
	}
	t.RecomputeNet()

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO trade_events
				(trade_id, event_type, exchange_order_id, fill_id, side, order_type, price, qty, success, error_message, detail)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, ev.TradeID, string(ev.Type), ev.ExchangeOrderID, ev.FillID, ev.Side, ev.OrderType,
			ev.Price, ev.Qty, boolToInt(ev.Success), ev.ErrorMessage, ev.Detail)
		if err != nil {
			return fmt.Errorf("insert stream event: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil // duplicate delivery
		}
		applied = true
		return updateTrade(ctx, tx, t)
	})
	return applied, err
}

// AppendEvent records one event outside any trade update.
func (s *Store) AppendEvent(ctx context.Context, ev *Event) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return insertEvent(ctx, tx, ev)
	})
}

func updateTrade(ctx context.Context, tx *sql.Tx, t *Trade) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE trades SET
			entry_price = ?, entry_qty = ?, entry_time = ?, entry_order_id = ?, entry_commission = ?,
			exit_price = ?, exit_qty = ?, exit_time = ?, exit_order_id = ?, exit_reason = ?,
			total_closed_qty = ?, gross_profit = ?, commission = ?, net_profit = ?,
			stop_loss = ?, take_profit = ?, dca_count = ?,
			status = ?, updated_at = ?
		WHERE id = ?
	`,
		t.EntryPrice, t.EntryQty, nullTime(t.EntryTime), t.EntryOrderID, t.EntryCommission,
		t.ExitPrice, t.ExitQty, nullTime(t.ExitTime), t.ExitOrderID, string(t.ExitReason),
		t.TotalClosedQty, t.GrossProfit, t.Commission, t.NetProfit,
		t.StopLoss, t.TakeProfit, t.DCACount,
		string(t.Status), time.Now().UTC(), t.ID,
	)
	if err != nil {
		return fmt.Errorf("update trade: %w", err)
	}
	return nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, ev *Event) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO trade_events
			(trade_id, event_type, exchange_order_id, fill_id, side, order_type, price, qty, success, error_message, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.TradeID, string(ev.Type), ev.ExchangeOrderID, ev.FillID, ev.Side, ev.OrderType,
		ev.Price, ev.Qty, boolToInt(ev.Success), ev.ErrorMessage, ev.Detail)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// checkInvariants guards I1-adjacent arithmetic before any write.
func checkInvariants(t *Trade) error {
	const eps = 1e-9
	if t.TotalClosedQty > t.EntryQty+eps {
		return fmt.Errorf("%w: total closed %.10f exceeds entry %.10f on trade %s",
			ErrIntegrity, t.TotalClosedQty, t.EntryQty, t.ID)
	}
	if t.RemainingQty() < -eps {
		return fmt.Errorf("%w: negative remaining quantity on trade %s", ErrIntegrity, t.ID)
	}
	return nil
}

// ----------------------------------------
// Reads
// ----------------------------------------

// FindOpenBySymbol returns the single OPEN trade for (user, symbol), or nil.
func (s *Store) FindOpenBySymbol(ctx context.Context, userID, symbol string) (*Trade, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE user_id = ? AND symbol = ? AND status = 'OPEN'
		ORDER BY created_at DESC LIMIT 1
	`, userID, symbol)
	t, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// FindByStatus returns a user's trades in the given status, newest first.
func (s *Store) FindByStatus(ctx context.Context, userID string, status Status) ([]Trade, error) {
	return s.queryTrades(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE user_id = ? AND status = ?
		ORDER BY created_at DESC
	`, userID, string(status))
}

// FindAllOpen returns every OPEN trade across users, for reconciliation.
func (s *Store) FindAllOpen(ctx context.Context) ([]Trade, error) {
	return s.queryTrades(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE status = 'OPEN'
		ORDER BY user_id, symbol
	`)
}

// FindClosedInRange returns a user's trades closed within [from, to).
func (s *Store) FindClosedInRange(ctx context.Context, userID string, from, to time.Time) ([]Trade, error) {
	return s.queryTrades(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE user_id = ? AND status = 'CLOSED' AND exit_time >= ? AND exit_time < ?
		ORDER BY exit_time
	`, userID, from.UTC(), to.UTC())
}

// ExistsByFingerprintSince reports whether any trade carries the fingerprint
// with created_at at or after since. This is the persistent dedup tier.
func (s *Store) ExistsByFingerprintSince(ctx context.Context, hash string, since time.Time) (bool, error) {
	if hash == "" {
		return false, nil
	}
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM trades WHERE signal_hash = ? AND created_at >= ?
	`, hash, since.UTC()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("fingerprint query: %w", err)
	}
	return n > 0, nil
}

// RealizedNetBetween sums net profit of a user's trades closed within
// [from, to). The daily circuit breaker is this range aggregate; midnight
// resets are implicit in the window.
func (s *Store) RealizedNetBetween(ctx context.Context, userID string, from, to time.Time) (float64, error) {
	var sum float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(net_profit), 0) FROM trades
		WHERE user_id = ? AND status = 'CLOSED' AND exit_time >= ? AND exit_time < ?
	`, userID, from.UTC(), to.UTC()).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("realized pnl query: %w", err)
	}
	return sum, nil
}

// EventsByTrade returns a trade's events in insertion order.
func (s *Store) EventsByTrade(ctx context.Context, tradeID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trade_id, event_type, COALESCE(exchange_order_id, ''), COALESCE(fill_id, ''),
		       COALESCE(side, ''), COALESCE(order_type, ''), price, qty, success,
		       COALESCE(error_message, ''), COALESCE(detail, ''), created_at
		FROM trade_events WHERE trade_id = ? ORDER BY id
	`, tradeID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var success int
		if err := rows.Scan(&ev.ID, &ev.TradeID, &ev.Type, &ev.ExchangeOrderID, &ev.FillID,
			&ev.Side, &ev.OrderType, &ev.Price, &ev.Qty, &success,
			&ev.ErrorMessage, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Success = success == 1
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ----------------------------------------
// Helpers
// ----------------------------------------

func (s *Store) queryTrades(ctx context.Context, query string, args ...any) ([]Trade, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrade(row rowScanner) (*Trade, error) {
	var (
		t                   Trade
		entryTime, exitTime sql.NullTime
		exitReason          string
		status              string
	)
	err := row.Scan(
		&t.ID, &t.UserID, &t.Symbol, &t.Side,
		&t.EntryPrice, &t.EntryQty, &entryTime, &t.EntryOrderID, &t.EntryCommission,
		&t.ExitPrice, &t.ExitQty, &exitTime, &t.ExitOrderID, &exitReason,
		&t.TotalClosedQty, &t.GrossProfit, &t.Commission, &t.NetProfit,
		&t.StopLoss, &t.TakeProfit, &t.DCACount, &t.SignalHash,
		&t.SourcePlatform, &t.SourceChannel, &t.SourceAuthor, &t.SourceMessageID,
		&status, &t.CreatedAt, &t.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan trade: %w", err)
	}
	if entryTime.Valid {
		t.EntryTime = entryTime.Time
	}
	if exitTime.Valid {
		t.ExitTime = exitTime.Time
	}
	t.ExitReason = ExitReason(exitReason)
	t.Status = Status(status)
	return &t, nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
