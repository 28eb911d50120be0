// Package orchestrator executes one trade intent for one user: entry and
// protective orders with fail-safe rollback, position closes, stop moves, and
// cancels. Every branch runs inside the per-(user, symbol) lock; notifications
// are published only after the lock is released.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"signal-relay/internal/dedup"
	"signal-relay/internal/ledger"
	"signal-relay/internal/monitor"
	"signal-relay/internal/notify"
	"signal-relay/internal/risk"
	"signal-relay/internal/signal"
	"signal-relay/internal/symlock"
	"signal-relay/pkg/exchanges/binance"
)

// Fee estimates applied until the stream reports the real commission.
const (
	makerFeeRate = 0.0002
	takerFeeRate = 0.0004
)

// Gateway is the slice of the exchange client the orchestrator drives.
type Gateway interface {
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	AvailableBalance(ctx context.Context) (float64, error)
	PositionAmount(ctx context.Context, symbol string) (float64, error)
	MarkPrice(ctx context.Context, symbol string) (float64, error)
	OpenOrders(ctx context.Context, symbol string) ([]binance.OpenOrder, error)
	PlaceOrder(ctx context.Context, req binance.OrderRequest) (binance.OrderAck, error)
	PlaceProtective(ctx context.Context, req binance.OrderRequest) (binance.OrderAck, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelAllOrders(ctx context.Context, symbol string) error
	SymbolFilters(ctx context.Context, symbol string) (binance.SymbolFilters, error)
}

// GatewayProvider resolves the gateway bound to one user's credentials.
type GatewayProvider interface {
	ForUser(ctx context.Context, userID string) (Gateway, error)
}

// Status classifies the terminal outcome of one per-user execution.
type Status string

const (
	StatusExecuted Status = "EXECUTED"
	StatusRejected Status = "REJECTED"
	StatusFailed   Status = "FAILED"
	StatusSkipped  Status = "SKIPPED"
	StatusNoOp     Status = "NO_OP"
)

// Outcome is the per-user result reported back to the dispatcher.
type Outcome struct {
	UserID string `json:"user_id"`
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Orchestrator executes intents against the exchange and the ledger.
type Orchestrator struct {
	ledger   *ledger.Store
	locks    *symlock.Registry
	dedup    *dedup.Registry
	risk     *risk.Evaluator
	config   *risk.ConfigSource
	gateways GatewayProvider
	notifier *notify.Bus
	metrics  *monitor.Metrics

	levMu       sync.Mutex
	leverageSet map[string]int // userID|symbol -> leverage already applied

	now func() time.Time
}

// New creates an orchestrator. metrics may be nil.
func New(store *ledger.Store, locks *symlock.Registry, registry *dedup.Registry,
	evaluator *risk.Evaluator, cfg *risk.ConfigSource, gateways GatewayProvider,
	notifier *notify.Bus, metrics *monitor.Metrics) *Orchestrator {
	return &Orchestrator{
		ledger:      store,
		locks:       locks,
		dedup:       registry,
		risk:        evaluator,
		config:      cfg,
		gateways:    gateways,
		notifier:    notifier,
		metrics:     metrics,
		leverageSet: make(map[string]int),
		now:         time.Now,
	}
}

// ExecuteForUser runs one intent for one user and returns the terminal
// outcome. Notifications queued during the run are published after the
// symbol lock is released.
func (o *Orchestrator) ExecuteForUser(ctx context.Context, userID string, intent *signal.TradeIntent) Outcome {
	if intent.Action == signal.ActionInfo {
		return Outcome{UserID: userID, Status: StatusNoOp, Detail: "informational signal"}
	}

	start := o.now()
	outcome := o.run(ctx, userID, intent)
	if o.metrics != nil {
		o.metrics.Executions.WithLabelValues(string(outcome.Status)).Inc()
		o.metrics.ExecLatency.Observe(o.now().Sub(start).Seconds())
	}
	return outcome
}

func (o *Orchestrator) run(ctx context.Context, userID string, intent *signal.TradeIntent) Outcome {
	cfg, err := o.config.Effective(ctx, userID)
	if err != nil {
		return o.fail(userID, intent, "config resolution failed", err)
	}

	gw, err := o.gateways.ForUser(ctx, userID)
	if err != nil {
		return o.fail(userID, intent, "no exchange gateway", err)
	}

	// Symbol fallback preprocessing for CLOSE / MOVE_SL on the default symbol.
	intent, notes, out := o.resolveSymbol(ctx, userID, intent, cfg)
	if out != nil {
		o.flush(notes)
		return *out
	}

	unlock := o.locks.Lock(userID, intent.Symbol)
	outcome := o.dispatch(ctx, gw, userID, intent, cfg, notes)
	unlock()

	o.flush(notes)
	return outcome
}

func (o *Orchestrator) dispatch(ctx context.Context, gw Gateway, userID string, intent *signal.TradeIntent, cfg risk.EffectiveConfig, notes *notices) Outcome {
	switch intent.Action {
	case signal.ActionEntry:
		return o.executeEntry(ctx, gw, userID, intent, cfg, notes)
	case signal.ActionDCAEntry:
		return o.executeDCA(ctx, gw, userID, intent, cfg, notes)
	case signal.ActionClose:
		return o.executeClose(ctx, gw, userID, intent, cfg, notes)
	case signal.ActionMoveSL:
		return o.executeMoveSL(ctx, gw, userID, intent, notes)
	case signal.ActionCancel:
		return o.executeCancel(ctx, gw, userID, intent, notes)
	default:
		return Outcome{UserID: userID, Status: StatusRejected, Detail: "unsupported action"}
	}
}

// resolveSymbol rewrites CLOSE / MOVE_SL intents aimed at the configured
// default symbol when the user's only open position is elsewhere. With zero
// candidates and an earlier closed trade on the default symbol, the intent
// passes through unchanged and ends as a no-op; otherwise zero or several
// candidates reject the intent as ambiguous.
func (o *Orchestrator) resolveSymbol(ctx context.Context, userID string, intent *signal.TradeIntent, cfg risk.EffectiveConfig) (*signal.TradeIntent, *notices, *Outcome) {
	notes := &notices{}

	if intent.Action != signal.ActionClose && intent.Action != signal.ActionMoveSL {
		return intent, notes, nil
	}
	if intent.Symbol != cfg.DefaultSymbol {
		return intent, notes, nil
	}

	open, err := o.ledger.FindOpenBySymbol(ctx, userID, intent.Symbol)
	if err != nil {
		out := o.fail(userID, intent, "ledger lookup failed", err)
		return intent, notes, &out
	}
	if open != nil {
		return intent, notes, nil
	}

	candidates, err := o.ledger.FindByStatus(ctx, userID, ledger.StatusOpen)
	if err != nil {
		out := o.fail(userID, intent, "ledger lookup failed", err)
		return intent, notes, &out
	}
	if len(candidates) == 0 {
		// A repeated CLOSE / MOVE_SL after the trade on this symbol closed
		// falls through to the benign "no open position" outcome.
		closed, err := o.ledger.FindByStatus(ctx, userID, ledger.StatusClosed)
		if err != nil {
			out := o.fail(userID, intent, "ledger lookup failed", err)
			return intent, notes, &out
		}
		for _, t := range closed {
			if t.Symbol == intent.Symbol {
				return intent, notes, nil
			}
		}
	}
	if len(candidates) != 1 {
		detail := fmt.Sprintf("no open position on %s and %d open positions elsewhere", intent.Symbol, len(candidates))
		notes.add(userID, notify.SeverityWarn, "Intent rejected",
			fmt.Sprintf("%s %s: %s", intent.Action, intent.Symbol, detail), "risk", string(risk.CodeAmbiguousSymbol))
		o.countRejection(risk.CodeAmbiguousSymbol)
		out := Outcome{UserID: userID, Status: StatusRejected, Detail: string(risk.CodeAmbiguousSymbol) + ": " + detail}
		return intent, notes, &out
	}

	corrected := *intent
	corrected.Symbol = candidates[0].Symbol
	notes.add(userID, notify.SeverityInfo, "Symbol auto-corrected",
		fmt.Sprintf("%s retargeted from %s to %s (only open position)", intent.Action, intent.Symbol, corrected.Symbol))
	return &corrected, notes, nil
}

// ensureLeverage sets the symbol leverage once per (user, symbol, value).
func (o *Orchestrator) ensureLeverage(ctx context.Context, gw Gateway, userID, symbol string, leverage int) error {
	key := userID + "|" + symbol

	o.levMu.Lock()
	current, ok := o.leverageSet[key]
	o.levMu.Unlock()
	if ok && current == leverage {
		return nil
	}

	if err := gw.SetLeverage(ctx, symbol, leverage); err != nil {
		return err
	}
	o.levMu.Lock()
	o.leverageSet[key] = leverage
	o.levMu.Unlock()
	return nil
}

// clientOrderID derives a stable idempotency key for one leg of one intent,
// so network retries and redeliveries cannot double-place.
func clientOrderID(fingerprint, leg string) string {
	sum := sha256.Sum256([]byte(fingerprint + "|" + leg))
	return "sr" + hex.EncodeToString(sum[:])[:28]
}

func (o *Orchestrator) fail(userID string, intent *signal.TradeIntent, title string, err error) Outcome {
	log.Printf("❌ orchestrator: user %s %s %s: %s: %v", userID, intent.Action, intent.Symbol, title, err)
	o.notifier.User(userID, notify.SeverityError, title,
		fmt.Sprintf("%s %s: %v", intent.Action, intent.Symbol, err), "execution", errorTag(err))
	return Outcome{UserID: userID, Status: StatusFailed, Detail: err.Error()}
}

// failNote is fail for code paths holding the symbol lock: the notification
// is queued on notes instead of published inline.
func (o *Orchestrator) failNote(notes *notices, userID string, intent *signal.TradeIntent, title string, err error) Outcome {
	log.Printf("❌ orchestrator: user %s %s %s: %s: %v", userID, intent.Action, intent.Symbol, title, err)
	notes.add(userID, notify.SeverityError, title,
		fmt.Sprintf("%s %s: %v", intent.Action, intent.Symbol, err), "execution", errorTag(err))
	return Outcome{UserID: userID, Status: StatusFailed, Detail: err.Error()}
}

func (o *Orchestrator) countRejection(code risk.Code) {
	if o.metrics != nil {
		o.metrics.RiskRejections.WithLabelValues(string(code)).Inc()
	}
}

func (o *Orchestrator) countOrder(orderType binance.OrderType) {
	if o.metrics != nil {
		o.metrics.OrdersPlaced.WithLabelValues(string(orderType)).Inc()
	}
}

func (o *Orchestrator) flush(notes *notices) {
	for _, n := range notes.list {
		o.notifier.Publish(n)
		if o.metrics != nil {
			o.metrics.Notifications.WithLabelValues(string(n.Severity)).Inc()
		}
	}
	notes.list = nil
}

// errorTag distinguishes the exchange error classes for notifications.
func errorTag(err error) string {
	switch {
	case binance.IsAPIError(err):
		return "EXCHANGE_HTTP_ERROR"
	case binance.IsIOError(err):
		return "EXCHANGE_IO_ERROR"
	default:
		return "INTERNAL"
	}
}

// notices accumulates notifications to publish after the symbol lock is
// released.
type notices struct {
	list []notify.Notification
}

func (n *notices) add(userID string, sev notify.Severity, title, body string, tags ...string) {
	n.list = append(n.list, notify.Notification{
		UserID: userID, Title: title, Body: body, Severity: sev, Tags: tags,
	})
}
