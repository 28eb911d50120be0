package orchestrator

import (
	"context"
	"fmt"
	"log"
	"math"
	"strconv"

	"signal-relay/internal/ledger"
	"signal-relay/internal/notify"
	"signal-relay/internal/risk"
	"signal-relay/internal/signal"
	"signal-relay/pkg/exchanges/binance"
)

const qtyEpsilon = 1e-9

// executeClose closes the position fully or partially at market, re-placing
// protective orders for the remainder.
func (o *Orchestrator) executeClose(ctx context.Context, gw Gateway, userID string, intent *signal.TradeIntent, cfg risk.EffectiveConfig, notes *notices) Outcome {
	open, err := o.ledger.FindOpenBySymbol(ctx, userID, intent.Symbol)
	if err != nil {
		return o.failNote(notes, userID, intent, "ledger lookup failed", err)
	}
	if open == nil {
		notes.add(userID, notify.SeverityInfo, "Nothing to close",
			fmt.Sprintf("no open position on %s", intent.Symbol))
		return Outcome{UserID: userID, Status: StatusNoOp, Detail: "no open position"}
	}

	filters, err := gw.SymbolFilters(ctx, intent.Symbol)
	if err != nil {
		return o.failNote(notes, userID, intent, "symbol filters unavailable", err)
	}

	remaining := open.RemainingQty()
	closeQty := remaining
	if intent.CloseRatio > 0 && intent.CloseRatio < 1 {
		closeQty = filters.RoundQty(remaining * intent.CloseRatio)
		if closeQty < filters.StepSize {
			closeQty = filters.StepSize // at least one tick of quantity
		}
		if closeQty > remaining {
			closeQty = remaining
		}
	}

	// Outstanding protective orders would race the market close.
	if err := o.cancelProtectives(ctx, gw, intent.Symbol); err != nil {
		log.Printf("orchestrator: cancel protectives on %s failed: %v", intent.Symbol, err)
	}

	fp := intent.UserFingerprint(userID)
	posSide := signal.PositionSide(open.Side)
	ack, err := gw.PlaceOrder(ctx, binance.OrderRequest{
		Symbol:     intent.Symbol,
		Side:       orderSide(posSide).Opposite(),
		Type:       binance.OrderTypeMarket,
		Qty:        closeQty,
		ClientID:   clientOrderID(fp, "close"),
		ReduceOnly: true,
	})
	if err != nil {
		return o.failNote(notes, userID, intent, "close order failed", err)
	}
	o.countOrder(binance.OrderTypeMarket)

	filled := ack.ExecutedQty
	if filled <= 0 {
		filled = closeQty
	}
	exitPrice := ack.AvgPrice
	if exitPrice <= 0 {
		if mark, markErr := gw.MarkPrice(ctx, intent.Symbol); markErr == nil {
			exitPrice = mark
		} else {
			exitPrice = open.EntryPrice
		}
	}

	open.TotalClosedQty += filled
	open.GrossProfit += positionPnL(open.Side, open.EntryPrice, exitPrice, filled)
	// Taker estimate; the stream-reported commission replaces it on reconciliation.
	open.Commission += exitPrice * filled * takerFeeRate
	open.ExitPrice = exitPrice
	open.ExitOrderID = ack.OrderID

	if open.RemainingQty() > qtyEpsilon {
		return o.finishPartialClose(ctx, gw, userID, intent, open, fp, filled, exitPrice, notes)
	}

	open.Status = ledger.StatusClosed
	open.ExitQty = open.TotalClosedQty
	open.ExitTime = o.now()
	open.ExitReason = ledger.ExitSignalClose
	if intent.Source.Platform == "manual" {
		open.ExitReason = ledger.ExitManualClose
	}
	if err := o.ledger.UpdateTrade(ctx, open, &ledger.Event{
		TradeID: open.ID, Type: ledger.EventClosePlaced,
		ExchangeOrderID: ack.OrderID, OrderType: string(binance.OrderTypeMarket),
		Price: exitPrice, Qty: filled, Success: true,
	}); err != nil {
		return o.failNote(notes, userID, intent, "ledger close update failed", err)
	}

	notes.add(userID, notify.SeveritySuccess, "Position closed",
		fmt.Sprintf("%s closed %.6f @ %.2f, net P&L %.2f USDT", intent.Symbol, filled, exitPrice, open.NetProfit),
		"execution")
	return Outcome{UserID: userID, Status: StatusExecuted,
		Detail: fmt.Sprintf("closed %.6f @ %.2f", filled, exitPrice)}
}

// finishPartialClose re-arms protection for the remainder of the position.
// Stop precedence: intent.new_stop_loss, else entry price (cost protection),
// else the previous stop.
func (o *Orchestrator) finishPartialClose(ctx context.Context, gw Gateway, userID string, intent *signal.TradeIntent, open *ledger.Trade, fp string, filled, exitPrice float64, notes *notices) Outcome {
	newSL := intent.NewStopLoss
	if newSL <= 0 {
		newSL = open.EntryPrice
	}
	if newSL <= 0 {
		newSL = open.StopLoss
	}
	open.StopLoss = newSL
	if intent.NewTakeProfit > 0 {
		open.TakeProfit = intent.NewTakeProfit
	}

	if err := o.ledger.UpdateTrade(ctx, open, &ledger.Event{
		TradeID: open.ID, Type: ledger.EventPartialClose,
		ExchangeOrderID: open.ExitOrderID, OrderType: string(binance.OrderTypeMarket),
		Price: exitPrice, Qty: filled, Success: true,
		Detail: fmt.Sprintf("remaining %.6f", open.RemainingQty()),
	}); err != nil {
		return o.failNote(notes, userID, intent, "ledger partial-close update failed", err)
	}

	posSide := signal.PositionSide(open.Side)
	slAck, slErr := gw.PlaceProtective(ctx, binance.OrderRequest{
		Symbol:     intent.Symbol,
		Side:       orderSide(posSide).Opposite(),
		Type:       binance.OrderTypeStopMarket,
		Qty:        open.RemainingQty(),
		StopPrice:  open.StopLoss,
		ClientID:   clientOrderID(fp, "resl"),
		ReduceOnly: true,
	})
	if slErr != nil {
		o.rollbackPosition(ctx, gw, open, fp, notes, slErr)
		return Outcome{UserID: userID, Status: StatusFailed, Detail: "FAIL_SAFE: re-placed stop loss failed: " + slErr.Error()}
	}
	o.countOrder(binance.OrderTypeStopMarket)
	o.appendEvent(ctx, &ledger.Event{
		TradeID: open.ID, Type: ledger.EventSLPlaced,
		ExchangeOrderID: slAck.OrderID, OrderType: string(binance.OrderTypeStopMarket),
		Price: open.StopLoss, Qty: open.RemainingQty(), Success: true,
	})

	if open.TakeProfit > 0 {
		tpAck, tpErr := gw.PlaceProtective(ctx, binance.OrderRequest{
			Symbol:     intent.Symbol,
			Side:       orderSide(posSide).Opposite(),
			Type:       binance.OrderTypeTakeProfitMarket,
			Qty:        open.RemainingQty(),
			StopPrice:  open.TakeProfit,
			ClientID:   clientOrderID(fp, "retp"),
			ReduceOnly: true,
		})
		if tpErr != nil {
			o.appendEvent(ctx, &ledger.Event{
				TradeID: open.ID, Type: ledger.EventTPLost,
				OrderType: string(binance.OrderTypeTakeProfitMarket), Price: open.TakeProfit,
				Success: false, ErrorMessage: tpErr.Error(),
			})
			notes.add(userID, notify.SeverityWarn, "Take profit not re-placed",
				fmt.Sprintf("%s: TP at %.2f failed after partial close: %v", intent.Symbol, open.TakeProfit, tpErr), "execution")
		} else {
			o.countOrder(binance.OrderTypeTakeProfitMarket)
			o.appendEvent(ctx, &ledger.Event{
				TradeID: open.ID, Type: ledger.EventTPPlaced,
				ExchangeOrderID: tpAck.OrderID, OrderType: string(binance.OrderTypeTakeProfitMarket),
				Price: open.TakeProfit, Qty: open.RemainingQty(), Success: true,
			})
		}
	}

	notes.add(userID, notify.SeveritySuccess, "Position partially closed",
		fmt.Sprintf("%s closed %.6f @ %.2f, remaining %.6f protected by SL %.2f",
			intent.Symbol, filled, exitPrice, open.RemainingQty(), open.StopLoss),
		"execution")
	return Outcome{UserID: userID, Status: StatusExecuted,
		Detail: fmt.Sprintf("partial close %.6f @ %.2f, remaining %.6f", filled, exitPrice, open.RemainingQty())}
}

// executeMoveSL relocates the stop loss without changing position size.
// Target precedence: intent.new_stop_loss, else entry price, else previous.
func (o *Orchestrator) executeMoveSL(ctx context.Context, gw Gateway, userID string, intent *signal.TradeIntent, notes *notices) Outcome {
	open, err := o.ledger.FindOpenBySymbol(ctx, userID, intent.Symbol)
	if err != nil {
		return o.failNote(notes, userID, intent, "ledger lookup failed", err)
	}
	if open == nil {
		notes.add(userID, notify.SeverityInfo, "No position for stop move",
			fmt.Sprintf("no open position on %s", intent.Symbol))
		return Outcome{UserID: userID, Status: StatusNoOp, Detail: "no open position"}
	}

	target := intent.NewStopLoss
	if target <= 0 {
		target = open.EntryPrice // cost-protection fallback
	}
	if target <= 0 {
		target = open.StopLoss
	}

	if err := o.cancelProtectives(ctx, gw, intent.Symbol, binance.OrderTypeStopMarket); err != nil {
		log.Printf("orchestrator: cancel stop orders on %s failed: %v", intent.Symbol, err)
	}

	fp := intent.UserFingerprint(userID)
	posSide := signal.PositionSide(open.Side)
	slAck, slErr := gw.PlaceProtective(ctx, binance.OrderRequest{
		Symbol:     intent.Symbol,
		Side:       orderSide(posSide).Opposite(),
		Type:       binance.OrderTypeStopMarket,
		Qty:        open.RemainingQty(),
		StopPrice:  target,
		ClientID:   clientOrderID(fp, "movesl"),
		ReduceOnly: true,
	})
	if slErr != nil {
		o.rollbackPosition(ctx, gw, open, fp, notes, slErr)
		return Outcome{UserID: userID, Status: StatusFailed, Detail: "FAIL_SAFE: moved stop loss failed: " + slErr.Error()}
	}
	o.countOrder(binance.OrderTypeStopMarket)

	prevSL := open.StopLoss
	open.StopLoss = target

	if intent.NewTakeProfit > 0 {
		if err := o.cancelProtectives(ctx, gw, intent.Symbol, binance.OrderTypeTakeProfitMarket); err != nil {
			log.Printf("orchestrator: cancel TP orders on %s failed: %v", intent.Symbol, err)
		}
		tpAck, tpErr := gw.PlaceProtective(ctx, binance.OrderRequest{
			Symbol:     intent.Symbol,
			Side:       orderSide(posSide).Opposite(),
			Type:       binance.OrderTypeTakeProfitMarket,
			Qty:        open.RemainingQty(),
			StopPrice:  intent.NewTakeProfit,
			ClientID:   clientOrderID(fp, "movetp"),
			ReduceOnly: true,
		})
		if tpErr != nil {
			notes.add(userID, notify.SeverityWarn, "Take profit not replaced",
				fmt.Sprintf("%s: TP at %.2f failed: %v", intent.Symbol, intent.NewTakeProfit, tpErr), "execution")
		} else {
			o.countOrder(binance.OrderTypeTakeProfitMarket)
			o.appendEvent(ctx, &ledger.Event{
				TradeID: open.ID, Type: ledger.EventTPPlaced,
				ExchangeOrderID: tpAck.OrderID, OrderType: string(binance.OrderTypeTakeProfitMarket),
				Price: intent.NewTakeProfit, Qty: open.RemainingQty(), Success: true,
			})
			open.TakeProfit = intent.NewTakeProfit
		}
	}

	if err := o.ledger.UpdateTrade(ctx, open, &ledger.Event{
		TradeID: open.ID, Type: ledger.EventMoveSL,
		ExchangeOrderID: slAck.OrderID, OrderType: string(binance.OrderTypeStopMarket),
		Price: target, Qty: open.RemainingQty(), Success: true,
		Detail: fmt.Sprintf("from %.2f to %.2f", prevSL, target),
	}); err != nil {
		return o.failNote(notes, userID, intent, "ledger update failed", err)
	}

	notes.add(userID, notify.SeveritySuccess, "Stop loss moved",
		fmt.Sprintf("%s stop moved from %.2f to %.2f", intent.Symbol, prevSL, target), "execution")
	return Outcome{UserID: userID, Status: StatusExecuted,
		Detail: fmt.Sprintf("stop loss moved to %.2f", target)}
}

// executeCancel cancels all open orders for the symbol and, when the entry
// never filled, cancels the trade row with no P&L.
func (o *Orchestrator) executeCancel(ctx context.Context, gw Gateway, userID string, intent *signal.TradeIntent, notes *notices) Outcome {
	if o.dedup.CheckCancel(intent.CancelFingerprint()) {
		return Outcome{UserID: userID, Status: StatusSkipped, Detail: "duplicate cancel within window"}
	}

	if err := gw.CancelAllOrders(ctx, intent.Symbol); err != nil {
		return o.failNote(notes, userID, intent, "cancel failed", err)
	}

	open, err := o.ledger.FindOpenBySymbol(ctx, userID, intent.Symbol)
	if err != nil {
		return o.failNote(notes, userID, intent, "ledger lookup failed", err)
	}
	if open == nil {
		// Orders cancelled, nothing on the ledger: a no-op there.
		notes.add(userID, notify.SeverityInfo, "Orders cancelled",
			fmt.Sprintf("all open orders on %s cancelled", intent.Symbol))
		return Outcome{UserID: userID, Status: StatusExecuted, Detail: "orders cancelled, no ledger change"}
	}

	neverFilled := open.TotalClosedQty == 0
	if neverFilled {
		if pos, posErr := gw.PositionAmount(ctx, intent.Symbol); posErr == nil && math.Abs(pos) > qtyEpsilon {
			neverFilled = false
		}
	}
	if neverFilled {
		open.Status = ledger.StatusCancelled
		open.Commission = 0 // nothing filled: no fee, no P&L
		if err := o.ledger.UpdateTrade(ctx, open, &ledger.Event{
			TradeID: open.ID, Type: ledger.EventCancel, Success: true,
			Detail: "entry cancelled before fill",
		}); err != nil {
			return o.failNote(notes, userID, intent, "ledger update failed", err)
		}
		notes.add(userID, notify.SeverityInfo, "Entry cancelled",
			fmt.Sprintf("%s entry cancelled before fill", intent.Symbol))
		return Outcome{UserID: userID, Status: StatusExecuted, Detail: "unfilled entry cancelled"}
	}

	o.appendEvent(ctx, &ledger.Event{
		TradeID: open.ID, Type: ledger.EventCancel, Success: true,
		Detail: "open orders cancelled, position retained",
	})
	notes.add(userID, notify.SeverityWarn, "Orders cancelled",
		fmt.Sprintf("open orders on %s cancelled; the filled position is now unprotected", intent.Symbol))
	return Outcome{UserID: userID, Status: StatusExecuted, Detail: "orders cancelled, position retained"}
}

// cancelProtectives cancels resting protective orders on the symbol. With no
// types given, both stop and take-profit orders are cancelled.
func (o *Orchestrator) cancelProtectives(ctx context.Context, gw Gateway, symbol string, types ...binance.OrderType) error {
	orders, err := gw.OpenOrders(ctx, symbol)
	if err != nil {
		return err
	}
	wanted := map[string]bool{}
	if len(types) == 0 {
		wanted[string(binance.OrderTypeStopMarket)] = true
		wanted[string(binance.OrderTypeTakeProfitMarket)] = true
	} else {
		for _, t := range types {
			wanted[string(t)] = true
		}
	}

	var firstErr error
	for _, ord := range orders {
		if !wanted[ord.Type] {
			continue
		}
		if err := gw.CancelOrder(ctx, symbol, strconv.FormatInt(ord.OrderID, 10)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
