package binance

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side for a position opened with s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType denotes the futures order types the relay places.
type OrderType string

const (
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeLimit            OrderType = "LIMIT"
	OrderTypeStopMarket       OrderType = "STOP_MARKET"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
)

// OrderRequest captures an order to be sent to the exchange.
type OrderRequest struct {
	Symbol       string
	Side         Side
	Type         OrderType
	Qty          float64
	Price        float64 // required for LIMIT
	StopPrice    float64 // required for STOP_MARKET / TAKE_PROFIT_MARKET
	ClientID     string  // idempotency key; the exchange dedupes by it
	ReduceOnly   bool
	TimeInForce  string // defaults to GTC for LIMIT
	WorkingType  string // MARK_PRICE or CONTRACT_PRICE
	PriceProtect bool
}

// OrderAck is the exchange acknowledgement of a placed order.
type OrderAck struct {
	OrderID       string
	ClientOrderID string
	Status        OrderStatus
	ExecutedQty   float64
	AvgPrice      float64
}

// OpenOrder is one resting order as reported by the exchange.
type OpenOrder struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Price         string `json:"price"`
	StopPrice     string `json:"stopPrice"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	Status        string `json:"status"`
	ReduceOnly    bool   `json:"reduceOnly"`
}

// SymbolFilters holds the exchange-reported precision limits for one symbol.
type SymbolFilters struct {
	Symbol      string
	TickSize    float64 // price increment
	StepSize    float64 // quantity increment
	MinQty      float64
	MinNotional float64
}

// RoundQty rounds a quantity toward zero to the symbol's step size.
func (f SymbolFilters) RoundQty(q float64) float64 {
	return roundToStep(q, f.StepSize)
}

// RoundPrice rounds a price toward zero to the symbol's tick size.
func (f SymbolFilters) RoundPrice(p float64) float64 {
	return roundToStep(p, f.TickSize)
}
