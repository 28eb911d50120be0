// Package stream consumes the exchange user-data stream and reconciles real
// fills, stop triggers, and cancellations back into the ledger.
package stream

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"signal-relay/internal/ledger"
	"signal-relay/internal/monitor"
	"signal-relay/internal/notify"
	"signal-relay/internal/symlock"
	"signal-relay/pkg/exchanges/binance"
)

const defaultQueueSize = 1024

type userEvent struct {
	userID string
	update *binance.OrderTradeUpdate
}

// Reconciler applies ORDER_TRADE_UPDATE events to the ledger under the same
// per-(user, symbol) lock the orchestrator uses. A small worker pool keeps a
// slow DB write on one symbol from back-pressuring another.
type Reconciler struct {
	ledger   *ledger.Store
	locks    *symlock.Registry
	notifier *notify.Bus
	metrics  *monitor.Metrics

	queue   chan userEvent
	workers int
	wg      sync.WaitGroup
}

// NewReconciler creates a reconciler with the given worker count.
func NewReconciler(store *ledger.Store, locks *symlock.Registry, notifier *notify.Bus, metrics *monitor.Metrics, workers int) *Reconciler {
	if workers <= 0 {
		workers = 4
	}
	return &Reconciler{
		ledger:   store,
		locks:    locks,
		notifier: notifier,
		metrics:  metrics,
		queue:    make(chan userEvent, defaultQueueSize),
		workers:  workers,
	}
}

// Start launches the worker pool.
func (r *Reconciler) Start(ctx context.Context) {
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev := <-r.queue:
					r.handle(ctx, ev.userID, ev.update)
				}
			}
		}()
	}
}

// Wait blocks until the workers exit.
func (r *Reconciler) Wait() { r.wg.Wait() }

// Enqueue hands one decoded event to the pool. On overflow the oldest queued
// event is dropped with a warning: positions are authoritative on the
// exchange and the daily cleanup heals missed events.
func (r *Reconciler) Enqueue(userID string, update *binance.OrderTradeUpdate) {
	ev := userEvent{userID: userID, update: update}
	select {
	case r.queue <- ev:
		return
	default:
	}

	select {
	case dropped := <-r.queue:
		log.Printf("stream: queue full, dropped event for user %s %s", dropped.userID, dropped.update.Symbol)
		if r.metrics != nil {
			r.metrics.StreamDrops.Inc()
		}
	default:
	}
	select {
	case r.queue <- ev:
	default:
		if r.metrics != nil {
			r.metrics.StreamDrops.Inc()
		}
	}
}

// handle applies one event. Only trade executions and terminal cancellations
// of the relay's own order types matter; everything else is ignored.
func (r *Reconciler) handle(ctx context.Context, userID string, u *binance.OrderTradeUpdate) {
	if r.metrics != nil {
		r.metrics.StreamEvents.WithLabelValues(u.OrderType).Inc()
	}

	switch u.OrderType {
	case string(binance.OrderTypeStopMarket), string(binance.OrderTypeTakeProfitMarket), string(binance.OrderTypeLimit):
	default:
		// MARKET closes are accounted for by the orchestrator at placement;
		// counting their stream echoes too would double-book.
		return
	}

	unlock := r.locks.Lock(userID, u.Symbol)
	pending := r.apply(ctx, userID, u)
	unlock()

	for _, n := range pending {
		r.notifier.Publish(n)
	}
}

// apply mutates the ledger under the symbol lock and returns notifications to
// publish after it is released.
func (r *Reconciler) apply(ctx context.Context, userID string, u *binance.OrderTradeUpdate) []notify.Notification {
	trade, err := r.ledger.FindOpenBySymbol(ctx, userID, u.Symbol)
	if err != nil {
		log.Printf("stream: ledger lookup for user %s %s failed: %v", userID, u.Symbol, err)
		return nil
	}
	if trade == nil {
		return nil
	}

	isProtective := u.OrderType == string(binance.OrderTypeStopMarket) ||
		u.OrderType == string(binance.OrderTypeTakeProfitMarket)

	switch {
	case isProtective && u.Status == string(binance.StatusFilled):
		return r.protectiveFilled(ctx, trade, u)
	case isProtective && u.Status == string(binance.StatusPartiallyFilled):
		return r.protectivePartial(ctx, trade, u)
	case isProtective && (u.Status == string(binance.StatusCanceled) || u.Status == string(binance.StatusExpired)):
		return r.protectiveLost(ctx, trade, u)
	case u.OrderType == string(binance.OrderTypeLimit) && u.Status == string(binance.StatusFilled):
		return r.entryFilled(ctx, trade, u)
	}
	return nil
}

// protectiveFilled closes the trade on a full stop or take-profit fill.
func (r *Reconciler) protectiveFilled(ctx context.Context, trade *ledger.Trade, u *binance.OrderTradeUpdate) []notify.Notification {
	exitPrice := u.AvgPrice
	if exitPrice <= 0 {
		exitPrice = u.LastPrice
	}
	fillQty := u.CumQty
	if fillQty <= 0 {
		fillQty = trade.RemainingQty()
	}
	closable := trade.RemainingQty()
	if fillQty > closable {
		fillQty = closable
	}

	eventType := ledger.EventStreamClose
	reason := ledger.ExitStopLoss
	severity := notify.SeverityError
	title := "Stop loss hit"
	if u.OrderType == string(binance.OrderTypeTakeProfitMarket) {
		reason = ledger.ExitTakeProfit
		severity = notify.SeveritySuccess
		title = "Take profit hit"
	}

	trade.TotalClosedQty += fillQty
	trade.GrossProfit += closePnL(trade.Side, trade.EntryPrice, exitPrice, fillQty)
	trade.Commission += u.Commission // authoritative, replaces nothing: exits were not estimated on this path
	trade.ExitPrice = exitPrice
	trade.ExitQty = trade.TotalClosedQty
	trade.ExitTime = eventTime(u)
	trade.ExitOrderID = strconv.FormatInt(u.OrderID, 10)
	trade.ExitReason = reason
	trade.Status = ledger.StatusClosed

	applied, err := r.ledger.ApplyStreamEvent(ctx, trade, &ledger.Event{
		TradeID: trade.ID, Type: eventType,
		ExchangeOrderID: strconv.FormatInt(u.OrderID, 10),
		FillID:          strconv.FormatInt(u.TradeID, 10),
		Side:            string(u.Side), OrderType: u.OrderType,
		Price: exitPrice, Qty: fillQty, Success: true,
	})
	if err != nil {
		log.Printf("stream: close update for trade %s failed: %v", trade.ID, err)
		return nil
	}
	if !applied {
		return nil // redelivery
	}

	return []notify.Notification{{
		UserID:   trade.UserID,
		Title:    title,
		Body:     fmt.Sprintf("%s closed %.6f @ %.2f, net P&L %.2f USDT", trade.Symbol, fillQty, exitPrice, trade.NetProfit),
		Severity: severity,
		Tags:     []string{"stream", string(reason)},
	}}
}

// protectivePartial decrements the remaining quantity and keeps the trade OPEN.
func (r *Reconciler) protectivePartial(ctx context.Context, trade *ledger.Trade, u *binance.OrderTradeUpdate) []notify.Notification {
	fillQty := u.LastQty
	if fillQty <= 0 || fillQty > trade.RemainingQty() {
		fillQty = trade.RemainingQty()
	}
	exitPrice := u.LastPrice
	if exitPrice <= 0 {
		exitPrice = u.AvgPrice
	}

	trade.TotalClosedQty += fillQty
	trade.GrossProfit += closePnL(trade.Side, trade.EntryPrice, exitPrice, fillQty)
	trade.Commission += u.Commission

	if _, err := r.ledger.ApplyStreamEvent(ctx, trade, &ledger.Event{
		TradeID: trade.ID, Type: ledger.EventStreamPartialClose,
		ExchangeOrderID: strconv.FormatInt(u.OrderID, 10),
		FillID:          strconv.FormatInt(u.TradeID, 10),
		Side:            string(u.Side), OrderType: u.OrderType,
		Price: exitPrice, Qty: fillQty, Success: true,
		Detail: fmt.Sprintf("remaining %.6f", trade.RemainingQty()),
	}); err != nil {
		log.Printf("stream: partial close update for trade %s failed: %v", trade.ID, err)
	}
	return nil
}

// protectiveLost flags a cancelled or expired protective order on an open
// position.
func (r *Reconciler) protectiveLost(ctx context.Context, trade *ledger.Trade, u *binance.OrderTradeUpdate) []notify.Notification {
	eventType := ledger.EventSLLost
	severity := notify.SeverityCritical
	title := "Stop loss lost"
	body := fmt.Sprintf("%s: stop order %d was %s; the position is naked", trade.Symbol, u.OrderID, u.Status)
	if u.OrderType == string(binance.OrderTypeTakeProfitMarket) {
		eventType = ledger.EventTPLost
		severity = notify.SeverityWarn
		title = "Take profit lost"
		body = fmt.Sprintf("%s: take-profit order %d was %s", trade.Symbol, u.OrderID, u.Status)
	}

	// No fill sequence on cancellations; key by the order id instead so
	// redeliveries stay idempotent.
	applied, err := r.ledger.ApplyStreamEvent(ctx, trade, &ledger.Event{
		TradeID: trade.ID, Type: eventType,
		ExchangeOrderID: strconv.FormatInt(u.OrderID, 10),
		FillID:          "c" + strconv.FormatInt(u.OrderID, 10),
		OrderType:       u.OrderType, Success: false,
		ErrorMessage: u.Status,
	})
	if err != nil {
		log.Printf("stream: protective-lost update for trade %s failed: %v", trade.ID, err)
		return nil
	}
	if !applied {
		return nil
	}

	return []notify.Notification{{
		UserID:   trade.UserID,
		Title:    title,
		Body:     body,
		Severity: severity,
		Tags:     []string{"stream", string(eventType)},
	}}
}

// entryFilled confirms the entry with the real fill price and commission.
// Updates are idempotent by value: a redelivery writes the same numbers.
func (r *Reconciler) entryFilled(ctx context.Context, trade *ledger.Trade, u *binance.OrderTradeUpdate) []notify.Notification {
	if trade.EntryOrderID != strconv.FormatInt(u.OrderID, 10) {
		return nil
	}

	changed := false
	if u.AvgPrice > 0 && u.AvgPrice != trade.EntryPrice {
		trade.EntryPrice = u.AvgPrice
		changed = true
	}
	if u.Commission > 0 && u.Commission != trade.EntryCommission {
		// The maker estimate gives way to the real commission.
		trade.Commission += u.Commission - trade.EntryCommission
		trade.EntryCommission = u.Commission
		changed = true
	}
	if !changed {
		return nil
	}

	if err := r.ledger.UpdateTrade(ctx, trade, nil); err != nil {
		log.Printf("stream: entry confirmation for trade %s failed: %v", trade.ID, err)
	}
	return nil
}

func closePnL(side string, entry, exit, qty float64) float64 {
	if side == "SHORT" {
		return (entry - exit) * qty
	}
	return (exit - entry) * qty
}

func eventTime(u *binance.OrderTradeUpdate) time.Time {
	if u.EventTime > 0 {
		return time.UnixMilli(u.EventTime)
	}
	return time.Now()
}
