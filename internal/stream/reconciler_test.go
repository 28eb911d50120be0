package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-relay/internal/ledger"
	"signal-relay/internal/notify"
	"signal-relay/internal/symlock"
	"signal-relay/pkg/db"
	"signal-relay/pkg/exchanges/binance"
)

func newTestReconciler(t *testing.T) (*Reconciler, *ledger.Store) {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, db.ApplyMigrations(database))

	store := ledger.NewStore(database.DB)
	rec := NewReconciler(store, symlock.NewRegistry(), notify.NewBus(64), nil, 1)
	return rec, store
}

func seedOpenTrade(t *testing.T, store *ledger.Store) *ledger.Trade {
	t.Helper()
	tr := &ledger.Trade{
		ID: "t1", UserID: "u1", Symbol: "BTCUSDT", Side: "LONG",
		EntryPrice: 95000, EntryQty: 0.1, EntryTime: time.Now(),
		EntryOrderID: "1001", EntryCommission: 1.9, Commission: 1.9,
		StopLoss: 93000, TakeProfit: 98000,
		Status: ledger.StatusOpen,
	}
	require.NoError(t, store.InsertTrade(context.Background(), tr, nil))
	return tr
}

func slFill() *binance.OrderTradeUpdate {
	return &binance.OrderTradeUpdate{
		Symbol:        "BTCUSDT",
		Side:          binance.SideSell,
		OrderType:     "STOP_MARKET",
		Status:        "FILLED",
		ExecutionType: "TRADE",
		OrderID:       2002,
		TradeID:       555,
		LastQty:       0.1,
		LastPrice:     93000,
		CumQty:        0.1,
		AvgPrice:      93000,
		Commission:    0.7,
	}
}

func TestStopFillClosesTrade(t *testing.T) {
	rec, store := newTestReconciler(t)
	ctx := context.Background()
	seedOpenTrade(t, store)

	rec.handle(ctx, "u1", slFill())

	closed, err := store.FindByStatus(ctx, "u1", ledger.StatusClosed)
	require.NoError(t, err)
	require.Len(t, closed, 1)

	tr := closed[0]
	assert.Equal(t, ledger.ExitStopLoss, tr.ExitReason)
	assert.InDelta(t, 93000.0, tr.ExitPrice, 1e-9)
	assert.InDelta(t, 1.9+0.7, tr.Commission, 1e-9)
	assert.InDelta(t, (93000-95000)*0.1-(1.9+0.7), tr.NetProfit, 1e-9)

	events, err := store.EventsByTrade(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ledger.EventStreamClose, events[0].Type)
}

func TestStopFillRedeliveryIsIdempotent(t *testing.T) {
	rec, store := newTestReconciler(t)
	ctx := context.Background()
	seedOpenTrade(t, store)

	rec.handle(ctx, "u1", slFill())
	first, err := store.FindByStatus(ctx, "u1", ledger.StatusClosed)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Redelivery after reconnect: same order id and fill sequence.
	rec.handle(ctx, "u1", slFill())

	second, err := store.FindByStatus(ctx, "u1", ledger.StatusClosed)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].Commission, second[0].Commission, "commission must not double-count")
	assert.Equal(t, first[0].NetProfit, second[0].NetProfit)

	events, err := store.EventsByTrade(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, events, 1, "exactly one STREAM_CLOSE row after redelivery")
}

func TestTakeProfitFill(t *testing.T) {
	rec, store := newTestReconciler(t)
	ctx := context.Background()
	seedOpenTrade(t, store)

	u := slFill()
	u.OrderType = "TAKE_PROFIT_MARKET"
	u.LastPrice = 98000
	u.AvgPrice = 98000
	rec.handle(ctx, "u1", u)

	closed, err := store.FindByStatus(ctx, "u1", ledger.StatusClosed)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, ledger.ExitTakeProfit, closed[0].ExitReason)
	assert.Greater(t, closed[0].NetProfit, 0.0)
}

func TestPartialStopFillKeepsTradeOpen(t *testing.T) {
	rec, store := newTestReconciler(t)
	ctx := context.Background()
	seedOpenTrade(t, store)

	u := slFill()
	u.Status = "PARTIALLY_FILLED"
	u.LastQty = 0.04
	u.CumQty = 0.04
	rec.handle(ctx, "u1", u)

	open, err := store.FindOpenBySymbol(ctx, "u1", "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, open, "partially filled stop keeps the trade OPEN")
	assert.InDelta(t, 0.06, open.RemainingQty(), 1e-9)

	events, err := store.EventsByTrade(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ledger.EventStreamPartialClose, events[0].Type)
}

func TestCancelledStopRaisesSLLost(t *testing.T) {
	rec, store := newTestReconciler(t)
	ctx := context.Background()
	seedOpenTrade(t, store)

	u := slFill()
	u.Status = "CANCELED"
	u.ExecutionType = "CANCELED"
	u.LastQty = 0
	u.CumQty = 0
	rec.handle(ctx, "u1", u)
	rec.handle(ctx, "u1", u) // redelivery

	open, err := store.FindOpenBySymbol(ctx, "u1", "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, open, "a lost stop does not close the trade")

	events, err := store.EventsByTrade(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, events, 1, "SL_LOST recorded once despite redelivery")
	assert.Equal(t, ledger.EventSLLost, events[0].Type)
}

func TestEntryFillConfirmsRealPriceAndCommission(t *testing.T) {
	rec, store := newTestReconciler(t)
	ctx := context.Background()
	seedOpenTrade(t, store)

	u := &binance.OrderTradeUpdate{
		Symbol:        "BTCUSDT",
		Side:          binance.SideBuy,
		OrderType:     "LIMIT",
		Status:        "FILLED",
		ExecutionType: "TRADE",
		OrderID:       1001, // matches EntryOrderID
		TradeID:       700,
		CumQty:        0.1,
		AvgPrice:      94990,
		Commission:    1.5,
	}
	rec.handle(ctx, "u1", u)

	open, err := store.FindOpenBySymbol(ctx, "u1", "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.InDelta(t, 94990.0, open.EntryPrice, 1e-9, "entry price updated to the real fill")
	assert.InDelta(t, 1.5, open.EntryCommission, 1e-9, "estimate replaced by the real commission")
	assert.InDelta(t, 1.5, open.Commission, 1e-9)

	// Redelivery changes nothing.
	rec.handle(ctx, "u1", u)
	again, err := store.FindOpenBySymbol(ctx, "u1", "BTCUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 1.5, again.Commission, 1e-9)
}

func TestMarketEchoesAreIgnored(t *testing.T) {
	rec, store := newTestReconciler(t)
	ctx := context.Background()
	seedOpenTrade(t, store)

	u := slFill()
	u.OrderType = "MARKET"
	rec.handle(ctx, "u1", u)

	open, err := store.FindOpenBySymbol(ctx, "u1", "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, open, "MARKET echoes are accounted at placement, not from the stream")

	events, err := store.EventsByTrade(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestEventForUnknownSymbolIsNoOp(t *testing.T) {
	rec, store := newTestReconciler(t)
	ctx := context.Background()

	rec.handle(ctx, "u1", slFill())

	open, err := store.FindAllOpen(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}
