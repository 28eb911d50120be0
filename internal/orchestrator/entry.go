package orchestrator

import (
	"context"
	"fmt"
	"log"
	"math"

	"github.com/google/uuid"

	"signal-relay/internal/ledger"
	"signal-relay/internal/notify"
	"signal-relay/internal/risk"
	"signal-relay/internal/signal"
	"signal-relay/pkg/exchanges/binance"
)

// executeEntry places the LIMIT entry, records the trade, and attaches
// protective orders with fail-safe rollback.
func (o *Orchestrator) executeEntry(ctx context.Context, gw Gateway, userID string, intent *signal.TradeIntent, cfg risk.EffectiveConfig, notes *notices) Outcome {
	open, err := o.ledger.FindOpenBySymbol(ctx, userID, intent.Symbol)
	if err != nil {
		return o.failNote(notes, userID, intent, "ledger lookup failed", err)
	}

	dec, err := o.risk.Evaluate(ctx, gw, intent, cfg, open)
	if err != nil {
		return o.failNote(notes, userID, intent, "pre-trade check failed", err)
	}
	if !dec.Allowed {
		return o.reject(notes, userID, intent, dec.Rejection)
	}

	if err := o.ensureLeverage(ctx, gw, userID, intent.Symbol, cfg.Leverage); err != nil {
		return o.failNote(notes, userID, intent, "leverage setup failed", err)
	}

	filters, err := gw.SymbolFilters(ctx, intent.Symbol)
	if err != nil {
		return o.failNote(notes, userID, intent, "symbol filters unavailable", err)
	}
	qty := filters.RoundQty(dec.Quantity)

	fp := intent.UserFingerprint(userID)
	entrySide := orderSide(intent.Side)

	entryAck, err := gw.PlaceOrder(ctx, binance.OrderRequest{
		Symbol:   intent.Symbol,
		Side:     entrySide,
		Type:     binance.OrderTypeLimit,
		Qty:      qty,
		Price:    intent.EntryPrice,
		ClientID: clientOrderID(fp, "entry"),
	})
	if err != nil {
		// No protective orders were placed; nothing to roll back.
		return o.failNote(notes, userID, intent, "entry order failed", err)
	}
	o.countOrder(binance.OrderTypeLimit)

	trade := &ledger.Trade{
		ID:              uuid.NewString(),
		UserID:          userID,
		Symbol:          intent.Symbol,
		Side:            string(intent.Side),
		EntryPrice:      intent.EntryPrice,
		EntryQty:        qty,
		EntryTime:       o.now(),
		EntryOrderID:    entryAck.OrderID,
		EntryCommission: intent.EntryPrice * qty * makerFeeRate,
		Commission:      intent.EntryPrice * qty * makerFeeRate,
		StopLoss:        intent.StopLoss,
		TakeProfit:      intent.TakeProfit,
		SignalHash:      intent.Fingerprint(),
		SourcePlatform:  intent.Source.Platform,
		SourceChannel:   intent.Source.ChannelID,
		SourceAuthor:    intent.Source.AuthorName,
		SourceMessageID: intent.Source.MessageID,
		Status:          ledger.StatusOpen,
	}
	if err := o.ledger.InsertTrade(ctx, trade, &ledger.Event{
		TradeID: trade.ID, Type: ledger.EventEntryPlaced,
		ExchangeOrderID: entryAck.OrderID, Side: string(entrySide), OrderType: string(binance.OrderTypeLimit),
		Price: intent.EntryPrice, Qty: qty, Success: true,
	}); err != nil {
		// The order is live; keep going so the position still gets its stop.
		log.Printf("orchestrator: store entry trade failed for user %s: %v", userID, err)
	}

	slAck, err := gw.PlaceProtective(ctx, binance.OrderRequest{
		Symbol:     intent.Symbol,
		Side:       entrySide.Opposite(),
		Type:       binance.OrderTypeStopMarket,
		Qty:        qty,
		StopPrice:  intent.StopLoss,
		ClientID:   clientOrderID(fp, "sl"),
		ReduceOnly: true,
	})
	if err != nil {
		o.rollbackEntry(ctx, gw, trade, entryAck, fp, notes, err)
		return Outcome{UserID: userID, Status: StatusFailed, Detail: "FAIL_SAFE: stop loss placement failed: " + err.Error()}
	}
	o.countOrder(binance.OrderTypeStopMarket)
	o.appendEvent(ctx, &ledger.Event{
		TradeID: trade.ID, Type: ledger.EventSLPlaced,
		ExchangeOrderID: slAck.OrderID, Side: string(entrySide.Opposite()), OrderType: string(binance.OrderTypeStopMarket),
		Price: intent.StopLoss, Qty: qty, Success: true,
	})

	tpNote := ""
	if intent.TakeProfit > 0 {
		tpAck, tpErr := gw.PlaceProtective(ctx, binance.OrderRequest{
			Symbol:     intent.Symbol,
			Side:       entrySide.Opposite(),
			Type:       binance.OrderTypeTakeProfitMarket,
			Qty:        qty,
			StopPrice:  intent.TakeProfit,
			ClientID:   clientOrderID(fp, "tp"),
			ReduceOnly: true,
		})
		if tpErr != nil {
			// TP failure is non-fatal: the stop loss is in place.
			o.appendEvent(ctx, &ledger.Event{
				TradeID: trade.ID, Type: ledger.EventTPLost,
				OrderType: string(binance.OrderTypeTakeProfitMarket), Price: intent.TakeProfit,
				Success: false, ErrorMessage: tpErr.Error(),
			})
			notes.add(userID, notify.SeverityWarn, "Take profit not placed",
				fmt.Sprintf("%s: entry and stop loss are live, TP at %.2f failed: %v", intent.Symbol, intent.TakeProfit, tpErr),
				"execution")
			tpNote = ", TP failed"
		} else {
			o.countOrder(binance.OrderTypeTakeProfitMarket)
			o.appendEvent(ctx, &ledger.Event{
				TradeID: trade.ID, Type: ledger.EventTPPlaced,
				ExchangeOrderID: tpAck.OrderID, Side: string(entrySide.Opposite()), OrderType: string(binance.OrderTypeTakeProfitMarket),
				Price: intent.TakeProfit, Qty: qty, Success: true,
			})
		}
	}

	notes.add(userID, notify.SeveritySuccess, "Entry placed",
		fmt.Sprintf("%s %s %.6f @ %.2f, SL %.2f, TP %.2f%s (%s)",
			intent.Symbol, intent.Side, qty, intent.EntryPrice, intent.StopLoss, intent.TakeProfit, tpNote, dec.Rationale),
		"execution")
	return Outcome{UserID: userID, Status: StatusExecuted,
		Detail: fmt.Sprintf("entry %.6f @ %.2f", qty, intent.EntryPrice)}
}

// executeDCA adds a layer to an existing position: place the LIMIT, merge the
// layer into the trade row, then cancel and re-place the protective orders.
func (o *Orchestrator) executeDCA(ctx context.Context, gw Gateway, userID string, intent *signal.TradeIntent, cfg risk.EffectiveConfig, notes *notices) Outcome {
	open, err := o.ledger.FindOpenBySymbol(ctx, userID, intent.Symbol)
	if err != nil {
		return o.failNote(notes, userID, intent, "ledger lookup failed", err)
	}

	// Infer direction from the held position when the signal omits it.
	eval := *intent
	if eval.Side == "" && open != nil {
		eval.Side = signal.PositionSide(open.Side)
	}
	// Replacement stop: new_stop_loss when provided, else stop_loss promoted.
	newSL := eval.NewStopLoss
	if newSL <= 0 {
		newSL = eval.StopLoss
	}
	if newSL > 0 {
		eval.StopLoss = newSL
	} else if open != nil {
		eval.StopLoss = open.StopLoss
	}

	dec, err := o.risk.Evaluate(ctx, gw, &eval, cfg, open)
	if err != nil {
		return o.failNote(notes, userID, intent, "pre-trade check failed", err)
	}
	if !dec.Allowed {
		return o.reject(notes, userID, intent, dec.Rejection)
	}

	if err := o.ensureLeverage(ctx, gw, userID, intent.Symbol, cfg.Leverage); err != nil {
		return o.failNote(notes, userID, intent, "leverage setup failed", err)
	}
	filters, err := gw.SymbolFilters(ctx, intent.Symbol)
	if err != nil {
		return o.failNote(notes, userID, intent, "symbol filters unavailable", err)
	}
	qty := filters.RoundQty(dec.Quantity)

	fp := intent.UserFingerprint(userID)
	entrySide := orderSide(eval.Side)

	ack, err := gw.PlaceOrder(ctx, binance.OrderRequest{
		Symbol:   intent.Symbol,
		Side:     entrySide,
		Type:     binance.OrderTypeLimit,
		Qty:      qty,
		Price:    intent.EntryPrice,
		ClientID: clientOrderID(fp, "dca"),
	})
	if err != nil {
		return o.failNote(notes, userID, intent, "DCA order failed", err)
	}
	o.countOrder(binance.OrderTypeLimit)

	// Merge the layer: quantity-weighted average entry over old + new.
	prevQty := open.EntryQty
	open.EntryPrice = (open.EntryPrice*prevQty + intent.EntryPrice*qty) / (prevQty + qty)
	open.EntryQty += qty
	open.EntryCommission += intent.EntryPrice * qty * makerFeeRate
	open.Commission += intent.EntryPrice * qty * makerFeeRate
	open.DCACount++
	if newSL > 0 {
		open.StopLoss = newSL
	}
	if eval.NewTakeProfit > 0 {
		open.TakeProfit = eval.NewTakeProfit
	}
	if err := o.ledger.UpdateTrade(ctx, open, &ledger.Event{
		TradeID: open.ID, Type: ledger.EventDCAEntry,
		ExchangeOrderID: ack.OrderID, Side: string(entrySide), OrderType: string(binance.OrderTypeLimit),
		Price: intent.EntryPrice, Qty: qty, Success: true,
		Detail: fmt.Sprintf("layer %d, avg entry %.2f", open.DCACount, open.EntryPrice),
	}); err != nil {
		log.Printf("orchestrator: store DCA layer failed for user %s: %v", userID, err)
	}

	// Replace protective orders for the merged position.
	if err := o.cancelProtectives(ctx, gw, intent.Symbol); err != nil {
		log.Printf("orchestrator: cancel protectives on %s failed: %v", intent.Symbol, err)
	}
	if open.StopLoss > 0 {
		slAck, slErr := gw.PlaceProtective(ctx, binance.OrderRequest{
			Symbol:     intent.Symbol,
			Side:       entrySide.Opposite(),
			Type:       binance.OrderTypeStopMarket,
			Qty:        open.RemainingQty(),
			StopPrice:  open.StopLoss,
			ClientID:   clientOrderID(fp, "dca-sl"),
			ReduceOnly: true,
		})
		if slErr != nil {
			o.rollbackPosition(ctx, gw, open, fp, notes, slErr)
			return Outcome{UserID: userID, Status: StatusFailed, Detail: "FAIL_SAFE: replacement stop loss failed: " + slErr.Error()}
		}
		o.countOrder(binance.OrderTypeStopMarket)
		o.appendEvent(ctx, &ledger.Event{
			TradeID: open.ID, Type: ledger.EventSLPlaced,
			ExchangeOrderID: slAck.OrderID, OrderType: string(binance.OrderTypeStopMarket),
			Price: open.StopLoss, Qty: open.RemainingQty(), Success: true,
		})
	}
	if open.TakeProfit > 0 {
		tpAck, tpErr := gw.PlaceProtective(ctx, binance.OrderRequest{
			Symbol:     intent.Symbol,
			Side:       entrySide.Opposite(),
			Type:       binance.OrderTypeTakeProfitMarket,
			Qty:        open.RemainingQty(),
			StopPrice:  open.TakeProfit,
			ClientID:   clientOrderID(fp, "dca-tp"),
			ReduceOnly: true,
		})
		if tpErr != nil {
			o.appendEvent(ctx, &ledger.Event{
				TradeID: open.ID, Type: ledger.EventTPLost,
				OrderType: string(binance.OrderTypeTakeProfitMarket), Price: open.TakeProfit,
				Success: false, ErrorMessage: tpErr.Error(),
			})
			notes.add(userID, notify.SeverityWarn, "Take profit not replaced",
				fmt.Sprintf("%s: DCA layer live, TP at %.2f failed: %v", intent.Symbol, open.TakeProfit, tpErr), "execution")
		} else {
			o.countOrder(binance.OrderTypeTakeProfitMarket)
			o.appendEvent(ctx, &ledger.Event{
				TradeID: open.ID, Type: ledger.EventTPPlaced,
				ExchangeOrderID: tpAck.OrderID, OrderType: string(binance.OrderTypeTakeProfitMarket),
				Price: open.TakeProfit, Qty: open.RemainingQty(), Success: true,
			})
		}
	}

	notes.add(userID, notify.SeveritySuccess, "DCA layer added",
		fmt.Sprintf("%s layer %d: %.6f @ %.2f, avg entry now %.2f, SL %.2f",
			intent.Symbol, open.DCACount, qty, intent.EntryPrice, open.EntryPrice, open.StopLoss),
		"execution")
	return Outcome{UserID: userID, Status: StatusExecuted,
		Detail: fmt.Sprintf("DCA layer %d: %.6f @ %.2f", open.DCACount, qty, intent.EntryPrice)}
}

// rollbackEntry is the fail-safe for a fresh entry whose stop loss could not
// be placed: cancel the entry; close any filled amount at market; escalate
// when even that fails. The trade never lingers OPEN without protection.
func (o *Orchestrator) rollbackEntry(ctx context.Context, gw Gateway, trade *ledger.Trade, entryAck binance.OrderAck, fp string, notes *notices, cause error) {
	if o.metrics != nil {
		o.metrics.FailSafes.Inc()
	}

	cancelErr := gw.CancelOrder(ctx, trade.Symbol, trade.EntryOrderID)

	filled := entryAck.ExecutedQty
	if cancelErr != nil && filled == 0 {
		// Cancel can fail because the order filled in the meantime.
		if pos, posErr := gw.PositionAmount(ctx, trade.Symbol); posErr == nil {
			filled = math.Abs(pos)
		} else {
			filled = trade.EntryQty
		}
	}

	if filled <= 0 {
		// Never filled: the cancel un-did the whole entry.
		trade.Status = ledger.StatusCancelled
		if err := o.ledger.UpdateTrade(ctx, trade, &ledger.Event{
			TradeID: trade.ID, Type: ledger.EventFailSafe, Success: true,
			ErrorMessage: cause.Error(), Detail: "entry cancelled before fill",
		}); err != nil {
			log.Printf("orchestrator: fail-safe ledger update failed: %v", err)
		}
		notes.add(trade.UserID, notify.SeverityCritical, "Fail-safe: entry rolled back",
			fmt.Sprintf("%s: stop loss placement failed (%v); unfilled entry cancelled", trade.Symbol, cause),
			"failsafe", "FAIL_SAFE_TRIGGERED")
		return
	}

	closeAck, closeErr := gw.PlaceOrder(ctx, binance.OrderRequest{
		Symbol:     trade.Symbol,
		Side:       orderSide(signal.PositionSide(trade.Side)).Opposite(),
		Type:       binance.OrderTypeMarket,
		Qty:        filled,
		ClientID:   clientOrderID(fp, "failsafe"),
		ReduceOnly: true,
	})

	trade.Status = ledger.StatusClosed
	trade.ExitReason = ledger.ExitFailSafe
	trade.ExitTime = o.now()
	trade.TotalClosedQty = trade.EntryQty
	trade.ExitQty = filled
	if closeErr == nil {
		trade.ExitPrice = closeAck.AvgPrice
		trade.ExitOrderID = closeAck.OrderID
		trade.GrossProfit = positionPnL(trade.Side, trade.EntryPrice, trade.ExitPrice, filled)
		trade.Commission += trade.ExitPrice * filled * takerFeeRate
	}

	ev := &ledger.Event{
		TradeID: trade.ID, Type: ledger.EventFailSafe,
		Qty: filled, Success: closeErr == nil, ErrorMessage: cause.Error(),
	}
	if closeErr != nil {
		ev.Detail = "market close also failed: " + closeErr.Error()
	}
	if err := o.ledger.UpdateTrade(ctx, trade, ev); err != nil {
		log.Printf("orchestrator: fail-safe ledger update failed: %v", err)
	}

	if closeErr != nil {
		notes.add(trade.UserID, notify.SeverityCritical, "Fail-safe exhausted",
			fmt.Sprintf("%s: stop loss failed (%v) and market close failed (%v); manual intervention required",
				trade.Symbol, cause, closeErr),
			"failsafe", "FAIL_SAFE_EXHAUSTED")
		return
	}
	notes.add(trade.UserID, notify.SeverityCritical, "Fail-safe: position closed",
		fmt.Sprintf("%s: stop loss placement failed (%v); filled %.6f closed at market %.2f",
			trade.Symbol, cause, filled, trade.ExitPrice),
		"failsafe", "FAIL_SAFE_TRIGGERED")
}

// rollbackPosition closes an already-held position whose replacement stop
// loss could not be placed (DCA, MOVE_SL, partial-close re-placement).
func (o *Orchestrator) rollbackPosition(ctx context.Context, gw Gateway, trade *ledger.Trade, fp string, notes *notices, cause error) {
	if o.metrics != nil {
		o.metrics.FailSafes.Inc()
	}

	remaining := trade.RemainingQty()
	closeAck, closeErr := gw.PlaceOrder(ctx, binance.OrderRequest{
		Symbol:     trade.Symbol,
		Side:       orderSide(signal.PositionSide(trade.Side)).Opposite(),
		Type:       binance.OrderTypeMarket,
		Qty:        remaining,
		ClientID:   clientOrderID(fp, "failsafe"),
		ReduceOnly: true,
	})

	trade.Status = ledger.StatusClosed
	trade.ExitReason = ledger.ExitFailSafe
	trade.ExitTime = o.now()
	trade.TotalClosedQty = trade.EntryQty
	trade.ExitQty = remaining
	if closeErr == nil {
		trade.ExitPrice = closeAck.AvgPrice
		trade.ExitOrderID = closeAck.OrderID
		trade.GrossProfit += positionPnL(trade.Side, trade.EntryPrice, trade.ExitPrice, remaining)
		trade.Commission += trade.ExitPrice * remaining * takerFeeRate
	}

	ev := &ledger.Event{
		TradeID: trade.ID, Type: ledger.EventFailSafe,
		Qty: remaining, Success: closeErr == nil, ErrorMessage: cause.Error(),
	}
	if closeErr != nil {
		ev.Detail = "market close also failed: " + closeErr.Error()
	}
	if err := o.ledger.UpdateTrade(ctx, trade, ev); err != nil {
		log.Printf("orchestrator: fail-safe ledger update failed: %v", err)
	}

	if closeErr != nil {
		notes.add(trade.UserID, notify.SeverityCritical, "Fail-safe exhausted",
			fmt.Sprintf("%s: replacement stop loss failed (%v) and market close failed (%v); manual intervention required",
				trade.Symbol, cause, closeErr),
			"failsafe", "FAIL_SAFE_EXHAUSTED")
		return
	}
	notes.add(trade.UserID, notify.SeverityCritical, "Fail-safe: position closed",
		fmt.Sprintf("%s: replacement stop loss failed (%v); remaining %.6f closed at market",
			trade.Symbol, cause, remaining),
		"failsafe", "FAIL_SAFE_TRIGGERED")
}

func (o *Orchestrator) reject(notes *notices, userID string, intent *signal.TradeIntent, rej *risk.Rejection) Outcome {
	o.countRejection(rej.Code)
	notes.add(userID, notify.SeverityWarn, "Intent rejected",
		fmt.Sprintf("%s %s: %s (%s)", intent.Action, intent.Symbol, rej.Detail, rej.Code), "risk", string(rej.Code))
	return Outcome{UserID: userID, Status: StatusRejected, Detail: string(rej.Code) + ": " + rej.Detail}
}

func (o *Orchestrator) appendEvent(ctx context.Context, ev *ledger.Event) {
	if err := o.ledger.AppendEvent(ctx, ev); err != nil {
		log.Printf("orchestrator: append event %s failed: %v", ev.Type, err)
	}
}

func orderSide(side signal.PositionSide) binance.Side {
	if side == signal.Short {
		return binance.SideSell
	}
	return binance.SideBuy
}

// positionPnL is the gross profit of closing qty at exit for a position
// entered at entry.
func positionPnL(side string, entry, exit, qty float64) float64 {
	if side == string(signal.Short) {
		return (entry - exit) * qty
	}
	return (exit - entry) * qty
}
