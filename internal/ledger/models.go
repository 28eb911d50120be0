// Package ledger is the authoritative record of trades and their append-only
// event log.
package ledger

import "time"

// Status is the lifecycle state of a trade.
type Status string

const (
	StatusOpen      Status = "OPEN"
	StatusClosed    Status = "CLOSED"
	StatusCancelled Status = "CANCELLED"
)

// ExitReason explains why a trade left OPEN.
type ExitReason string

const (
	ExitStopLoss     ExitReason = "STOP_LOSS"
	ExitTakeProfit   ExitReason = "TAKE_PROFIT"
	ExitSignalClose  ExitReason = "SIGNAL_CLOSE"
	ExitManualClose  ExitReason = "MANUAL_CLOSE"
	ExitFailSafe     ExitReason = "FAIL_SAFE"
	ExitStaleCleanup ExitReason = "STALE_CLEANUP"
)

// EventType labels one trade event.
type EventType string

const (
	EventEntryPlaced        EventType = "ENTRY_PLACED"
	EventDCAEntry           EventType = "DCA_ENTRY"
	EventSLPlaced           EventType = "SL_PLACED"
	EventTPPlaced           EventType = "TP_PLACED"
	EventMoveSL             EventType = "MOVE_SL"
	EventCancel             EventType = "CANCEL"
	EventClosePlaced        EventType = "CLOSE_PLACED"
	EventPartialClose       EventType = "PARTIAL_CLOSE"
	EventStreamClose        EventType = "STREAM_CLOSE"
	EventStreamPartialClose EventType = "STREAM_PARTIAL_CLOSE"
	EventSLLost             EventType = "SL_LOST"
	EventTPLost             EventType = "TP_LOST"
	EventFailSafe           EventType = "FAIL_SAFE"
	EventStaleCleanup       EventType = "STALE_CLEANUP"
)

// Trade is one ledger row covering an open -> (partial closes)* -> close
// lifecycle. Monetary values are stored raw; rounding happens only at the
// exchange boundary.
type Trade struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Symbol string `json:"symbol"`
	Side   string `json:"side"` // LONG or SHORT

	EntryPrice      float64   `json:"entry_price"`
	EntryQty        float64   `json:"entry_qty"`
	EntryTime       time.Time `json:"entry_time"`
	EntryOrderID    string    `json:"entry_order_id"`
	EntryCommission float64   `json:"entry_commission"`

	ExitPrice   float64    `json:"exit_price,omitempty"`
	ExitQty     float64    `json:"exit_qty,omitempty"`
	ExitTime    time.Time  `json:"exit_time,omitempty"`
	ExitOrderID string     `json:"exit_order_id,omitempty"`
	ExitReason  ExitReason `json:"exit_reason,omitempty"`

	TotalClosedQty float64 `json:"total_closed_qty"`

	GrossProfit float64 `json:"gross_profit"`
	Commission  float64 `json:"commission"`
	NetProfit   float64 `json:"net_profit"`

	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`

	DCACount   int    `json:"dca_count"`
	SignalHash string `json:"signal_hash,omitempty"`

	SourcePlatform  string `json:"source_platform,omitempty"`
	SourceChannel   string `json:"source_channel,omitempty"`
	SourceAuthor    string `json:"source_author,omitempty"`
	SourceMessageID string `json:"source_message_id,omitempty"`

	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RemainingQty is the not-yet-closed part of the position.
func (t *Trade) RemainingQty() float64 {
	return t.EntryQty - t.TotalClosedQty
}

// RecomputeNet refreshes NetProfit from GrossProfit and Commission. Called on
// every write that touches either, so the stored value is never stale.
func (t *Trade) RecomputeNet() {
	t.NetProfit = t.GrossProfit - t.Commission
}

// Event is one append-only trade event. FillID carries the exchange fill
// sequence for stream events; together with (TradeID, Type, ExchangeOrderID)
// it forms the idempotence key for stream redelivery.
type Event struct {
	ID              int64     `json:"id"`
	TradeID         string    `json:"trade_id"`
	Type            EventType `json:"event_type"`
	ExchangeOrderID string    `json:"exchange_order_id,omitempty"`
	FillID          string    `json:"fill_id,omitempty"`
	Side            string    `json:"side,omitempty"`
	OrderType       string    `json:"order_type,omitempty"`
	Price           float64   `json:"price,omitempty"`
	Qty             float64   `json:"qty,omitempty"`
	Success         bool      `json:"success"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	Detail          string    `json:"detail,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}
