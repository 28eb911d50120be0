// Package scheduler runs the relay's clock-driven jobs: the morning
// stale-position cleanup and the daily per-user report. The daily loss reset
// needs no job at all: the circuit breaker is a time-windowed ledger query,
// so midnight advances the window by itself.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"signal-relay/internal/ledger"
	"signal-relay/internal/notify"
	"signal-relay/internal/risk"
	"signal-relay/internal/symlock"
	"signal-relay/pkg/db"
)

const qtyEpsilon = 1e-9

// Gateway is the position-query slice of the exchange client.
type Gateway interface {
	PositionAmount(ctx context.Context, symbol string) (float64, error)
}

// GatewayProvider resolves a user's gateway.
type GatewayProvider interface {
	ForUser(ctx context.Context, userID string) (Gateway, error)
}

// Scheduler owns the daily jobs.
type Scheduler struct {
	ledger   *ledger.Store
	queries  *db.UserQueries
	config   *risk.ConfigSource
	locks    *symlock.Registry
	provider GatewayProvider
	notifier *notify.Bus

	cleanupHour, cleanupMinute int
	reportHour, reportMinute   int

	now func() time.Time
}

// New creates a scheduler with the standard 07:55 cleanup and 08:00 report.
func New(store *ledger.Store, queries *db.UserQueries, cfg *risk.ConfigSource,
	locks *symlock.Registry, provider GatewayProvider, notifier *notify.Bus) *Scheduler {
	return &Scheduler{
		ledger:        store,
		queries:       queries,
		config:        cfg,
		locks:         locks,
		provider:      provider,
		notifier:      notifier,
		cleanupHour:   7,
		cleanupMinute: 55,
		reportHour:    8,
		reportMinute:  0,
		now:           time.Now,
	}
}

// Start launches both daily jobs.
func (s *Scheduler) Start(ctx context.Context) {
	go s.runDaily(ctx, s.cleanupHour, s.cleanupMinute, "stale cleanup", s.RunCleanup)
	go s.runDaily(ctx, s.reportHour, s.reportMinute, "daily report", s.RunReport)
}

func (s *Scheduler) runDaily(ctx context.Context, hour, minute int, name string, job func(context.Context)) {
	for {
		wait := time.Until(nextOccurrence(s.now(), hour, minute))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		log.Printf("🔄 scheduler: running %s", name)
		job(ctx)
	}
}

// RunCleanup closes ledger trades whose exchange position is gone. Stream
// gaps (reconnects do not replay history) are healed here.
func (s *Scheduler) RunCleanup(ctx context.Context) {
	open, err := s.ledger.FindAllOpen(ctx)
	if err != nil {
		log.Printf("❌ scheduler: list open trades failed: %v", err)
		return
	}

	for i := range open {
		trade := open[i]
		gw, err := s.provider.ForUser(ctx, trade.UserID)
		if err != nil {
			log.Printf("scheduler: no gateway for user %s: %v", trade.UserID, err)
			continue
		}
		pos, err := gw.PositionAmount(ctx, trade.Symbol)
		if err != nil {
			log.Printf("❌ scheduler: position query %s/%s failed: %v", trade.UserID, trade.Symbol, err)
			continue
		}

		s.reconcileOne(ctx, &trade, pos)
	}
}

func (s *Scheduler) reconcileOne(ctx context.Context, trade *ledger.Trade, exchangeQty float64) {
	unlock := s.locks.Lock(trade.UserID, trade.Symbol)
	defer unlock()

	// Re-read under the lock: a stream event may have closed it meanwhile.
	current, err := s.ledger.FindOpenBySymbol(ctx, trade.UserID, trade.Symbol)
	if err != nil || current == nil {
		return
	}

	if math.Abs(exchangeQty) <= qtyEpsilon {
		current.Status = ledger.StatusClosed
		current.ExitReason = ledger.ExitStaleCleanup
		current.ExitTime = s.now()
		current.TotalClosedQty = current.EntryQty
		current.ExitQty = current.EntryQty
		if err := s.ledger.UpdateTrade(ctx, current, &ledger.Event{
			TradeID: current.ID, Type: ledger.EventStaleCleanup, Success: true,
			Detail: "exchange reports no position",
		}); err != nil {
			log.Printf("❌ scheduler: stale close for trade %s failed: %v", current.ID, err)
			return
		}
		s.notifier.User(current.UserID, notify.SeverityWarn, "Stale trade closed",
			fmt.Sprintf("%s: exchange reports no position; ledger trade closed", current.Symbol),
			"cleanup", string(ledger.ExitStaleCleanup))
		return
	}

	if math.Abs(math.Abs(exchangeQty)-current.RemainingQty()) > qtyEpsilon {
		s.notifier.User(current.UserID, notify.SeverityWarn, "Position mismatch",
			fmt.Sprintf("%s: ledger remaining %.6f but exchange holds %.6f; left open for review",
				current.Symbol, current.RemainingQty(), math.Abs(exchangeQty)),
			"cleanup")
	}
}

// RunReport publishes yesterday's summary to every tradable user.
func (s *Scheduler) RunReport(ctx context.Context) {
	users, err := s.queries.ListTradableUsers(ctx)
	if err != nil {
		log.Printf("❌ scheduler: list users failed: %v", err)
		return
	}

	for _, user := range users {
		body, err := s.buildReport(ctx, user.ID)
		if err != nil {
			log.Printf("scheduler: report for user %s failed: %v", user.ID, err)
			continue
		}
		s.notifier.User(user.ID, notify.SeverityInfo, "Daily report", body, "report")
	}
}

func (s *Scheduler) buildReport(ctx context.Context, userID string) (string, error) {
	now := s.now()
	todayStart := startOfDay(now)
	yesterdayStart := todayStart.AddDate(0, 0, -1)

	closed, err := s.ledger.FindClosedInRange(ctx, userID, yesterdayStart, todayStart)
	if err != nil {
		return "", err
	}
	open, err := s.ledger.FindByStatus(ctx, userID, ledger.StatusOpen)
	if err != nil {
		return "", err
	}
	realizedToday, err := s.ledger.RealizedNetBetween(ctx, userID, todayStart, now)
	if err != nil {
		return "", err
	}
	cfg, err := s.config.Effective(ctx, userID)
	if err != nil {
		return "", err
	}

	var pnl float64
	wins := 0
	for _, t := range closed {
		pnl += t.NetProfit
		if t.NetProfit > 0 {
			wins++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Yesterday: %d trades closed, net P&L %.2f USDT", len(closed), pnl)
	if len(closed) > 0 {
		fmt.Fprintf(&b, " (%d wins, %.0f%% win rate)", wins, float64(wins)/float64(len(closed))*100)
	}
	fmt.Fprintf(&b, "\nOpen positions: %d", len(open))
	for _, t := range open {
		fmt.Fprintf(&b, "\n  %s %s %.6f @ %.2f (SL %.2f)", t.Symbol, t.Side, t.RemainingQty(), t.EntryPrice, t.StopLoss)
	}
	budgetUsed := 0.0
	if realizedToday < 0 && cfg.MaxDailyLossUSDT > 0 {
		budgetUsed = -realizedToday / cfg.MaxDailyLossUSDT * 100
	}
	fmt.Fprintf(&b, "\nLoss budget used today: %.0f%% of %.0f USDT", budgetUsed, cfg.MaxDailyLossUSDT)
	return b.String(), nil
}

// nextOccurrence returns the next local time at hour:minute strictly after t.
func nextOccurrence(t time.Time, hour, minute int) time.Time {
	t = t.Local()
	next := time.Date(t.Year(), t.Month(), t.Day(), hour, minute, 0, 0, time.Local)
	if !next.After(t) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Local().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.Local)
}
