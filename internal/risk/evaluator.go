package risk

import (
	"context"
	"fmt"
	"math"
	"time"

	"signal-relay/internal/dedup"
	"signal-relay/internal/ledger"
	"signal-relay/internal/signal"
	"signal-relay/pkg/exchanges/binance"
)

// Code is a deterministic rejection sub-reason.
type Code string

const (
	CodeWhitelist          Code = "WHITELIST"
	CodeNoStopLoss         Code = "NO_SL"
	CodeWrongDirection     Code = "WRONG_DIRECTION"
	CodePriceDeviation     Code = "PRICE_DEVIATION"
	CodeCircuitBreaker     Code = "CIRCUIT_BREAKER"
	CodeDCALimit           Code = "DCA_LIMIT"
	CodeDuplicateOpenOrder Code = "DUPLICATE_OPEN_ORDER"
	CodeSignalDedup        Code = "SIGNAL_DEDUP"
	CodeMinNotional        Code = "MIN_NOTIONAL"
	CodeAmbiguousSymbol    Code = "AMBIGUOUS_SYMBOL"
	CodeNoPosition         Code = "NO_POSITION"
)

// maxPriceDeviation rejects entries whose price strayed too far from the
// current mark, usually a stale or fat-fingered signal.
const maxPriceDeviation = 0.10

// minNotionalUSDT is the exchange's minimum order value.
const minNotionalUSDT = 5.0

// marginHeadroom caps required margin at this fraction of free balance.
const marginHeadroom = 0.9

// Rejection is a deterministic refusal with a human-readable sub-reason.
type Rejection struct {
	Code   Code   `json:"code"`
	Detail string `json:"detail"`
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("risk rejected (%s): %s", r.Code, r.Detail)
}

// Decision is the outcome of the pre-trade gate.
type Decision struct {
	Allowed    bool
	Quantity   float64
	RiskAmount float64
	Rationale  string
	Rejection  *Rejection
}

func deny(code Code, detail string) Decision {
	return Decision{Rejection: &Rejection{Code: code, Detail: detail}}
}

// Exchange is the slice of the gateway the evaluator needs. Query failures
// abort evaluation; the gate never substitutes defaults for account state.
type Exchange interface {
	AvailableBalance(ctx context.Context) (float64, error)
	MarkPrice(ctx context.Context, symbol string) (float64, error)
	OpenOrders(ctx context.Context, symbol string) ([]binance.OpenOrder, error)
}

// Evaluator runs the ordered pre-trade gate and sizes positions.
type Evaluator struct {
	ledger *ledger.Store
	dedup  *dedup.Registry
	now    func() time.Time
}

// NewEvaluator creates an evaluator over the ledger and dedup registry.
func NewEvaluator(store *ledger.Store, registry *dedup.Registry) *Evaluator {
	return &Evaluator{ledger: store, dedup: registry, now: time.Now}
}

// Evaluate runs the ordered gate for one (user, intent) pair. open is the
// user's OPEN trade on the symbol, already fetched under the symbol lock (nil
// when flat). The returned error is reserved for infrastructure faults —
// deterministic refusals come back as a denied Decision.
func (e *Evaluator) Evaluate(ctx context.Context, ex Exchange, intent *signal.TradeIntent, cfg EffectiveConfig, open *ledger.Trade) (Decision, error) {
	isDCA := intent.IsDCA()

	// 1. Whitelist.
	if !cfg.SymbolAllowed(intent.Symbol) {
		return deny(CodeWhitelist, fmt.Sprintf("%s is not in the allowed symbols", intent.Symbol)), nil
	}

	// 2. Balance probe. Fail loud: trading on a guessed balance is uncapped risk.
	balance, err := ex.AvailableBalance(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("balance query: %w", err)
	}

	// 3. Daily loss circuit breaker over the session day.
	dayStart := startOfDay(e.now())
	realized, err := e.ledger.RealizedNetBetween(ctx, cfg.UserID, dayStart, e.now())
	if err != nil {
		return Decision{}, fmt.Errorf("daily loss query: %w", err)
	}
	if cfg.MaxDailyLossUSDT > 0 && realized <= -cfg.MaxDailyLossUSDT {
		return deny(CodeCircuitBreaker,
			fmt.Sprintf("daily realized loss %.2f exceeds limit %.2f", -realized, cfg.MaxDailyLossUSDT)), nil
	}

	// 4. Per-symbol DCA cap.
	if isDCA {
		if open == nil {
			return deny(CodeNoPosition, "no open position to DCA into"), nil
		}
		if open.DCACount+1 > cfg.MaxDcaPerSymbol {
			return deny(CodeDCALimit,
				fmt.Sprintf("DCA layer %d exceeds limit %d", open.DCACount+1, cfg.MaxDcaPerSymbol)), nil
		}
	} else if open != nil {
		// One OPEN trade per (user, symbol): a fresh entry on an open position
		// is a duplicate, not a second trade.
		return deny(CodeDuplicateOpenOrder, fmt.Sprintf("position already open on %s", intent.Symbol)), nil
	}

	// 5. Duplicate open order: a resting unfilled LIMIT on the symbol blocks
	// a fresh entry.
	if !isDCA {
		orders, err := ex.OpenOrders(ctx, intent.Symbol)
		if err != nil {
			return Decision{}, fmt.Errorf("open orders query: %w", err)
		}
		for _, o := range orders {
			if o.Type == "LIMIT" && !o.ReduceOnly {
				return deny(CodeDuplicateOpenOrder,
					fmt.Sprintf("unfilled LIMIT order %d resting on %s", o.OrderID, intent.Symbol)), nil
			}
		}
	}

	// 6. Per-user signal dedup.
	if e.dedup.CheckUser(intent.UserFingerprint(cfg.UserID)) {
		return deny(CodeSignalDedup, "identical signal already executed for this user"), nil
	}

	// 7. Stop-loss presence.
	if !isDCA && intent.StopLoss <= 0 {
		return deny(CodeNoStopLoss, "entry without a stop loss"), nil
	}

	// 8. Direction validity.
	if intent.StopLoss > 0 && intent.EntryPrice > 0 {
		switch intent.Side {
		case signal.Long:
			if intent.StopLoss >= intent.EntryPrice {
				return deny(CodeWrongDirection, "LONG requires stop loss below entry"), nil
			}
		case signal.Short:
			if intent.StopLoss <= intent.EntryPrice {
				return deny(CodeWrongDirection, "SHORT requires stop loss above entry"), nil
			}
		}
	}

	// 9. Price-deviation guard.
	mark, err := ex.MarkPrice(ctx, intent.Symbol)
	if err != nil {
		return Decision{}, fmt.Errorf("mark price query: %w", err)
	}
	if dev := math.Abs(intent.EntryPrice-mark) / mark; dev > maxPriceDeviation {
		return deny(CodePriceDeviation,
			fmt.Sprintf("entry %.2f deviates %.1f%% from mark %.2f", intent.EntryPrice, dev*100, mark)), nil
	}

	// 10. Position sizing with the three-tier cap.
	return e.size(intent, cfg, balance, isDCA)
}

// size computes the risk-defined quantity, applies the notional and margin
// caps, and enforces the exchange minimum. All caps are computed and the
// minimum quantity wins.
func (e *Evaluator) size(intent *signal.TradeIntent, cfg EffectiveConfig, balance float64, isDCA bool) (Decision, error) {
	riskAmount := balance * cfg.RiskPercent
	if isDCA {
		riskAmount *= cfg.DcaRiskMultiplier
	}

	stopDistance := math.Abs(intent.EntryPrice - intent.StopLoss)
	if stopDistance <= 0 {
		return deny(CodeNoStopLoss, "stop loss equals entry price"), nil
	}
	qty := riskAmount / stopDistance

	// Notional cap.
	if notional := intent.EntryPrice * qty; cfg.MaxPositionUSDT > 0 && notional > cfg.MaxPositionUSDT {
		qty = cfg.MaxPositionUSDT / intent.EntryPrice
	}

	// Margin cap: required margin must leave headroom on the free balance.
	if cfg.Leverage > 0 {
		if margin := intent.EntryPrice * qty / float64(cfg.Leverage); margin > marginHeadroom*balance {
			qty = marginHeadroom * balance * float64(cfg.Leverage) / intent.EntryPrice
		}
	}

	if intent.EntryPrice*qty < minNotionalUSDT {
		return deny(CodeMinNotional,
			fmt.Sprintf("order notional %.2f below exchange minimum %.0f USDT", intent.EntryPrice*qty, minNotionalUSDT)), nil
	}

	return Decision{
		Allowed:    true,
		Quantity:   qty,
		RiskAmount: riskAmount,
		Rationale: fmt.Sprintf("risk %.2f USDT over stop distance %.2f -> qty %.6f (balance %.2f)",
			riskAmount, stopDistance, qty, balance),
	}, nil
}

// startOfDay returns local midnight; the session day is the deployment's
// local zone.
func startOfDay(t time.Time) time.Time {
	y, m, d := t.Local().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.Local)
}
