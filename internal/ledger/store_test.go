package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-relay/pkg/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, db.ApplyMigrations(database))
	return NewStore(database.DB)
}

func openTrade(userID, symbol string) *Trade {
	return &Trade{
		ID:              uuid.NewString(),
		UserID:          userID,
		Symbol:          symbol,
		Side:            "LONG",
		EntryPrice:      95000,
		EntryQty:        0.1,
		EntryTime:       time.Now(),
		EntryOrderID:    "1001",
		EntryCommission: 1.9,
		StopLoss:        93000,
		TakeProfit:      98000,
		SignalHash:      "hash-" + uuid.NewString(),
		Status:          StatusOpen,
	}
}

func TestInsertAndFindOpen(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tr := openTrade("u1", "BTCUSDT")
	ev := &Event{TradeID: tr.ID, Type: EventEntryPlaced, ExchangeOrderID: "1001", Side: "BUY", OrderType: "LIMIT", Price: 95000, Qty: 0.1, Success: true}
	require.NoError(t, s.InsertTrade(ctx, tr, ev))

	got, err := s.FindOpenBySymbol(ctx, "u1", "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, tr.ID, got.ID)
	assert.Equal(t, 0.1, got.EntryQty)
	assert.Equal(t, StatusOpen, got.Status)
	assert.InDelta(t, 0.1, got.RemainingQty(), 1e-12)

	none, err := s.FindOpenBySymbol(ctx, "u1", "ETHUSDT")
	require.NoError(t, err)
	assert.Nil(t, none)

	events, err := s.EventsByTrade(ctx, tr.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventEntryPlaced, events[0].Type)
}

func TestIntegrityGuardRejectsOverclose(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tr := openTrade("u1", "BTCUSDT")
	require.NoError(t, s.InsertTrade(ctx, tr, nil))

	tr.TotalClosedQty = 0.2 // more than entry 0.1
	err := s.UpdateTrade(ctx, tr, nil)
	require.ErrorIs(t, err, ErrIntegrity)
}

func TestCloseTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tr := openTrade("u1", "BTCUSDT")
	require.NoError(t, s.InsertTrade(ctx, tr, nil))

	tr.TotalClosedQty = 0.1
	tr.ExitPrice = 98000
	tr.ExitQty = 0.1
	tr.ExitTime = time.Now()
	tr.ExitReason = ExitTakeProfit
	tr.GrossProfit = (98000 - 95000) * 0.1
	tr.Commission = 2.5
	tr.Status = StatusClosed
	require.NoError(t, s.UpdateTrade(ctx, tr, &Event{TradeID: tr.ID, Type: EventStreamClose, Success: true}))

	// Net profit must have been recomputed on write.
	closed, err := s.FindByStatus(ctx, "u1", StatusClosed)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.InDelta(t, 300-2.5, closed[0].NetProfit, 1e-9)
	assert.Equal(t, ExitTakeProfit, closed[0].ExitReason)

	open, err := s.FindOpenBySymbol(ctx, "u1", "BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, open)
}

func TestApplyStreamEventIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tr := openTrade("u1", "BTCUSDT")
	require.NoError(t, s.InsertTrade(ctx, tr, nil))

	ev := &Event{
		TradeID:         tr.ID,
		Type:            EventStreamClose,
		ExchangeOrderID: "2002",
		FillID:          "555",
		Price:           93000,
		Qty:             0.1,
		Success:         true,
	}
	tr.TotalClosedQty = 0.1
	tr.ExitPrice = 93000
	tr.ExitTime = time.Now()
	tr.ExitReason = ExitStopLoss
	tr.Commission = tr.EntryCommission + 0.7
	tr.GrossProfit = (93000 - 95000) * 0.1
	tr.Status = StatusClosed

	applied, err := s.ApplyStreamEvent(ctx, tr, ev)
	require.NoError(t, err)
	assert.True(t, applied, "first delivery must apply")

	// Redelivery: same key, mutated trade must NOT be written again.
	mutated := *tr
	mutated.Commission += 0.7 // would double-count
	applied, err = s.ApplyStreamEvent(ctx, &mutated, ev)
	require.NoError(t, err)
	assert.False(t, applied, "redelivery must be suppressed")

	closed, err := s.FindByStatus(ctx, "u1", StatusClosed)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.InDelta(t, tr.EntryCommission+0.7, closed[0].Commission, 1e-9, "commission must not double-count")

	events, err := s.EventsByTrade(ctx, tr.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1, "exactly one STREAM_CLOSE row")
}

func TestApplyStreamEventRequiresFillID(t *testing.T) {
	s := newTestStore(t)
	tr := openTrade("u1", "BTCUSDT")
	_, err := s.ApplyStreamEvent(context.Background(), tr, &Event{TradeID: tr.ID, Type: EventStreamClose})
	require.Error(t, err)
}

func TestFingerprintWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tr := openTrade("u1", "BTCUSDT")
	tr.SignalHash = "fp-1"
	require.NoError(t, s.InsertTrade(ctx, tr, nil))

	hit, err := s.ExistsByFingerprintSince(ctx, "fp-1", time.Now().Add(-5*time.Minute))
	require.NoError(t, err)
	assert.True(t, hit)

	hit, err = s.ExistsByFingerprintSince(ctx, "fp-1", time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, hit, "fingerprint outside the window must not match")

	hit, err = s.ExistsByFingerprintSince(ctx, "", time.Now().Add(-5*time.Minute))
	require.NoError(t, err)
	assert.False(t, hit, "empty hash never matches")
}

func TestRealizedNetBetween(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	for i, pnl := range []float64{-120, -80, 45} {
		tr := openTrade("u1", "BTCUSDT")
		tr.Status = StatusClosed
		tr.TotalClosedQty = tr.EntryQty
		tr.ExitTime = now.Add(time.Duration(i) * time.Minute)
		tr.GrossProfit = pnl
		require.NoError(t, s.InsertTrade(ctx, tr, nil))
	}
	// One trade closed yesterday: outside the window.
	old := openTrade("u1", "ETHUSDT")
	old.Status = StatusClosed
	old.TotalClosedQty = old.EntryQty
	old.ExitTime = now.Add(-26 * time.Hour)
	old.GrossProfit = -999
	require.NoError(t, s.InsertTrade(ctx, old, nil))

	sum, err := s.RealizedNetBetween(ctx, "u1", now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, -155, sum, 1e-9)
}

func TestFindAllOpenCrossUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertTrade(ctx, openTrade("u1", "BTCUSDT"), nil))
	require.NoError(t, s.InsertTrade(ctx, openTrade("u2", "ETHUSDT"), nil))
	closed := openTrade("u3", "SOLUSDT")
	closed.Status = StatusClosed
	closed.TotalClosedQty = closed.EntryQty
	require.NoError(t, s.InsertTrade(ctx, closed, nil))

	open, err := s.FindAllOpen(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 2)
}
