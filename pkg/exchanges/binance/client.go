// Package binance is a signed REST + user-data-stream client for Binance
// USDT-M perpetual futures. One Client carries one user's credentials; the
// relay keeps a pool of them, one per subscribed user.
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Config holds Binance USDT-M futures credentials and endpoints.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	BaseURL    string // optional REST base override
	WSHost     string // optional stream host override
	RecvWindow int64  // ms
}

// Client handles Binance USDT-M futures for a single set of credentials.
// It is safe for concurrent use.
type Client struct {
	cfg        Config
	baseURL    string
	wsHost     string
	httpClient *http.Client
	timeSync   *timeSync
	weights    *weightTracker

	filtersMu sync.RWMutex
	filters   map[string]SymbolFilters
}

// NewClient creates a futures client. Timeouts follow the relay's per-call
// budget: 10s connect / 15s read.
func NewClient(cfg Config) *Client {
	base := "https://fapi.binance.com"
	wsHost := "fstream.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binancefuture.com"
		wsHost = "fstream.binancefuture.com"
	}
	if cfg.BaseURL != "" {
		base = cfg.BaseURL
	}
	if cfg.WSHost != "" {
		wsHost = cfg.WSHost
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	c := &Client{
		cfg:     cfg,
		baseURL: base,
		wsHost:  wsHost,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 15 * time.Second,
			},
		},
		weights: newWeightTracker(2400, time.Minute), // 2400 weight/min for futures
		filters: make(map[string]SymbolFilters),
	}
	c.timeSync = newTimeSync(c.ServerTime)
	return c
}

// ----------------------------------------
// Account queries
// ----------------------------------------

// AvailableBalance returns the free USDT margin balance. Failures are
// returned as-is; callers must never substitute zero.
func (c *Client) AvailableBalance(ctx context.Context) (float64, error) {
	params := url.Values{}
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/balance", params)
	if err != nil {
		return 0, err
	}
	var balances []struct {
		Asset            string `json:"asset"`
		AvailableBalance string `json:"availableBalance"`
	}
	if err := json.Unmarshal(body, &balances); err != nil {
		return 0, fmt.Errorf("decode balance: %w", err)
	}
	for _, b := range balances {
		if b.Asset == "USDT" {
			return toFloat(b.AvailableBalance), nil
		}
	}
	return 0, errors.New("binance: no USDT balance entry")
}

// PositionAmount returns the signed position size for symbol (negative for
// short, zero when flat).
func (c *Client) PositionAmount(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/positionRisk", params)
	if err != nil {
		return 0, err
	}
	var positions []struct {
		Symbol      string `json:"symbol"`
		PositionAmt string `json:"positionAmt"`
	}
	if err := json.Unmarshal(body, &positions); err != nil {
		return 0, fmt.Errorf("decode positions: %w", err)
	}
	for _, p := range positions {
		if p.Symbol == symbol {
			return toFloat(p.PositionAmt), nil
		}
	}
	return 0, nil
}

// MarkPrice returns the current mark price for symbol.
func (c *Client) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	u := c.baseURL + "/fapi/v1/premiumIndex?symbol=" + url.QueryEscape(symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, fmt.Errorf("build mark price request: %w", err)
	}
	body, err := c.do(req, "markPrice")
	if err != nil {
		return 0, err
	}
	var out struct {
		MarkPrice string `json:"markPrice"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, fmt.Errorf("decode mark price: %w", err)
	}
	price := toFloat(out.MarkPrice)
	if price <= 0 {
		return 0, errors.New("binance: zero mark price")
	}
	return price, nil
}

// OpenOrders returns resting orders; symbol optional.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v1/openOrders", params)
	if err != nil {
		return nil, err
	}
	var orders []OpenOrder
	if err := json.Unmarshal(body, &orders); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}
	return orders, nil
}

// SetLeverage sets leverage for a symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	_, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/leverage", params)
	return err
}

// ----------------------------------------
// Orders
// ----------------------------------------

// PlaceOrder submits an order. Prices and quantities are rounded toward zero
// to the symbol's exchange-reported precision before formatting.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return OrderAck{}, errors.New("binance: API key/secret required")
	}

	filters, err := c.SymbolFilters(ctx, req.Symbol)
	if err != nil {
		return OrderAck{}, err
	}

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("quantity", formatByStep(roundToStep(req.Qty, filters.StepSize), filters.StepSize))

	if req.Type == OrderTypeLimit {
		params.Set("price", formatByStep(roundToStep(req.Price, filters.TickSize), filters.TickSize))
		tif := req.TimeInForce
		if tif == "" {
			tif = "GTC"
		}
		params.Set("timeInForce", tif)
	}
	if req.Type == OrderTypeStopMarket || req.Type == OrderTypeTakeProfitMarket {
		params.Set("stopPrice", formatByStep(roundToStep(req.StopPrice, filters.TickSize), filters.TickSize))
		if req.WorkingType != "" {
			params.Set("workingType", req.WorkingType)
		}
		if req.PriceProtect {
			params.Set("priceProtect", "TRUE")
		}
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	params.Set("newOrderRespType", "RESULT")

	body, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return OrderAck{}, err
	}
	var resp struct {
		OrderID       int64  `json:"orderId"`
		ClientOrderID string `json:"clientOrderId"`
		Status        string `json:"status"`
		ExecutedQty   string `json:"executedQty"`
		AvgPrice      string `json:"avgPrice"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return OrderAck{}, fmt.Errorf("decode order: %w", err)
	}
	return OrderAck{
		OrderID:       strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: resp.ClientOrderID,
		Status:        OrderStatus(resp.Status),
		ExecutedQty:   toFloat(resp.ExecutedQty),
		AvgPrice:      toFloat(resp.AvgPrice),
	}, nil
}

// PlaceProtective submits a STOP_MARKET or TAKE_PROFIT_MARKET order, retrying
// I/O faults at most twice (1s then 3s). The caller-provided ClientID makes
// retries idempotent: the exchange dedupes by it. HTTP error responses are
// surfaced immediately.
func (c *Client) PlaceProtective(ctx context.Context, req OrderRequest) (OrderAck, error) {
	delays := []time.Duration{time.Second, 3 * time.Second}

	ack, err := c.PlaceOrder(ctx, req)
	for attempt := 0; err != nil && IsIOError(err) && attempt < len(delays); attempt++ {
		select {
		case <-ctx.Done():
			return OrderAck{}, ctx.Err()
		case <-time.After(delays[attempt]):
		}
		ack, err = c.PlaceOrder(ctx, req)
	}
	return ack, err
}

// CancelOrder cancels an order by symbol and exchange order id.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	_, err := c.doSigned(ctx, http.MethodDelete, "/fapi/v1/order", params)
	return err
}

// CancelAllOrders cancels all open orders for a symbol.
func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	_, err := c.doSigned(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders", params)
	return err
}

// ----------------------------------------
// Symbol filters
// ----------------------------------------

// SymbolFilters returns precision limits for symbol, cached after the first
// exchangeInfo fetch.
func (c *Client) SymbolFilters(ctx context.Context, symbol string) (SymbolFilters, error) {
	c.filtersMu.RLock()
	f, ok := c.filters[symbol]
	c.filtersMu.RUnlock()
	if ok {
		return f, nil
	}

	u := c.baseURL + "/fapi/v1/exchangeInfo"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return SymbolFilters{}, fmt.Errorf("build exchangeInfo request: %w", err)
	}
	body, err := c.do(req, "exchangeInfo")
	if err != nil {
		return SymbolFilters{}, err
	}

	var info struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType  string `json:"filterType"`
				TickSize    string `json:"tickSize"`
				StepSize    string `json:"stepSize"`
				MinQty      string `json:"minQty"`
				MinNotional string `json:"notional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return SymbolFilters{}, fmt.Errorf("decode exchangeInfo: %w", err)
	}

	c.filtersMu.Lock()
	for _, s := range info.Symbols {
		sf := SymbolFilters{Symbol: s.Symbol}
		for _, flt := range s.Filters {
			switch flt.FilterType {
			case "PRICE_FILTER":
				sf.TickSize = toFloat(flt.TickSize)
			case "LOT_SIZE":
				sf.StepSize = toFloat(flt.StepSize)
				sf.MinQty = toFloat(flt.MinQty)
			case "MIN_NOTIONAL":
				sf.MinNotional = toFloat(flt.MinNotional)
			}
		}
		c.filters[s.Symbol] = sf
	}
	f, ok = c.filters[symbol]
	c.filtersMu.Unlock()

	if !ok {
		return SymbolFilters{}, fmt.Errorf("binance: unknown symbol %s", symbol)
	}
	return f, nil
}

// ----------------------------------------
// User data stream
// ----------------------------------------

// CreateListenKey opens a user data stream and returns its listen key.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	body, err := c.doKeyed(ctx, http.MethodPost, "/fapi/v1/listenKey")
	if err != nil {
		return "", err
	}
	var out struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode listen key: %w", err)
	}
	return out.ListenKey, nil
}

// KeepAliveListenKey extends the listen key's life; call every 30 minutes.
func (c *Client) KeepAliveListenKey(ctx context.Context) error {
	_, err := c.doKeyed(ctx, http.MethodPut, "/fapi/v1/listenKey")
	return err
}

// CloseListenKey closes the user data stream at shutdown.
func (c *Client) CloseListenKey(ctx context.Context) error {
	_, err := c.doKeyed(ctx, http.MethodDelete, "/fapi/v1/listenKey")
	return err
}

// StreamURL returns the websocket URL embedding the listen key.
func (c *Client) StreamURL(listenKey string) string {
	u := url.URL{Scheme: "wss", Host: c.wsHost, Path: "/ws/" + listenKey}
	return u.String()
}

// ServerTime fetches the exchange server time in milliseconds.
func (c *Client) ServerTime() (int64, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/fapi/v1/time")
	if err != nil {
		return 0, &IOError{Op: "serverTime", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return 0, apiErrorFrom(resp.StatusCode, resp.Body)
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return 0, fmt.Errorf("decode server time: %w", err)
	}
	return res.ServerTime, nil
}

// ----------------------------------------
// Transport
// ----------------------------------------

// doSigned signs params with the canonical-query HMAC and sends the request.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return nil, errors.New("binance: API key/secret required")
	}

	params.Set("timestamp", strconv.FormatInt(c.timeSync.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	params.Set("signature", sign(params.Encode(), c.cfg.APISecret))

	var (
		req *http.Request
		err error
	)
	encoded := params.Encode()
	endpoint := c.baseURL + path
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", path, err)
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)

	return c.do(req, method+" "+path)
}

// doKeyed sends a request that needs only the API key header (listen keys).
func (c *Client) doKeyed(ctx context.Context, method, path string) ([]byte, error) {
	if c.cfg.APIKey == "" {
		return nil, errors.New("binance: API key required")
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", path, err)
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	return c.do(req, method+" "+path)
}

func (c *Client) do(req *http.Request, op string) ([]byte, error) {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &IOError{Op: op, Err: err}
	}
	defer res.Body.Close()

	c.weights.updateFromHeader(res.Header.Get("X-MBX-USED-WEIGHT-1M"))

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &IOError{Op: op, Err: err}
	}
	if res.StatusCode >= 300 {
		return nil, apiErrorFromBytes(res.StatusCode, body)
	}
	return body, nil
}

func apiErrorFrom(status int, body io.Reader) error {
	b, _ := io.ReadAll(body)
	return apiErrorFromBytes(status, b)
}

func apiErrorFromBytes(status int, body []byte) error {
	apiErr := &APIError{HTTPStatus: status}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = string(body)
	}
	return apiErr
}
