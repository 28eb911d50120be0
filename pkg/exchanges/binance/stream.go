package binance

import (
	"encoding/json"
	"fmt"
	"strings"
)

// OrderTradeUpdate is the decoded ORDER_TRADE_UPDATE payload from the user
// data stream. Delivery is best-effort at-least-once; the TradeID field (the
// exchange fill sequence) keys idempotent handling downstream.
type OrderTradeUpdate struct {
	Symbol        string
	Side          Side
	OrderType     string
	Status        string
	ExecutionType string
	OrderID       int64
	ClientOrderID string
	TradeID       int64 // fill sequence
	LastQty       float64
	LastPrice     float64
	CumQty        float64
	AvgPrice      float64
	Commission    float64
	RealizedPnL   float64
	ReduceOnly    bool
	EventTime     int64
}

// ParseStreamEvent decodes one raw websocket frame. It returns (nil, nil) for
// event types the relay does not consume.
func ParseStreamEvent(msg []byte) (*OrderTradeUpdate, error) {
	var probe struct {
		EventType string `json:"e"`
		EventTime int64  `json:"E"` // claims "E" so it does not case-fold into "e"
	}
	if err := json.Unmarshal(msg, &probe); err != nil {
		return nil, fmt.Errorf("parse stream frame: %w", err)
	}
	if probe.EventType != "ORDER_TRADE_UPDATE" {
		return nil, nil
	}

	var wrap struct {
		EventType string `json:"e"` // claims "e" so it does not case-fold into "E"
		EventTime int64  `json:"E"`
		Data      struct {
			Symbol        string `json:"s"`
			Side          string `json:"S"`
			OrderType     string `json:"o"`
			Status        string `json:"X"`
			ExecutionType string `json:"x"`
			OrderID       int64  `json:"i"`
			ClientOrderID string `json:"c"`
			TradeID       int64  `json:"t"`
			AvgPrice      string `json:"ap"`
			LastPrice     string `json:"L"`
			LastQty       string `json:"l"`
			CumQty        string `json:"z"`
			Commission    string `json:"n"`
			RealizedPnL   string `json:"rp"`
			ReduceOnly    bool   `json:"R"`
		} `json:"o"`
	}
	if err := json.Unmarshal(msg, &wrap); err != nil {
		return nil, fmt.Errorf("parse order update: %w", err)
	}

	d := wrap.Data
	return &OrderTradeUpdate{
		Symbol:        d.Symbol,
		Side:          Side(strings.ToUpper(d.Side)),
		OrderType:     strings.ToUpper(d.OrderType),
		Status:        strings.ToUpper(d.Status),
		ExecutionType: strings.ToUpper(d.ExecutionType),
		OrderID:       d.OrderID,
		ClientOrderID: d.ClientOrderID,
		TradeID:       d.TradeID,
		LastQty:       toFloat(d.LastQty),
		LastPrice:     toFloat(d.LastPrice),
		CumQty:        toFloat(d.CumQty),
		AvgPrice:      toFloat(d.AvgPrice),
		Commission:    toFloat(d.Commission),
		RealizedPnL:   toFloat(d.RealizedPnL),
		ReduceOnly:    d.ReduceOnly,
		EventTime:     wrap.EventTime,
	}, nil
}
