package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/google/uuid"

	"trailbot/models"
)

// AmendStatus classifies the outcome of amending or cancelling a live
// trigger order.
type AmendStatus int

const (
	AmendOK AmendStatus = iota
	// AmendGone means the order no longer exists on the books, usually
	// because the trigger already fired (ErrCode 170213).
	AmendGone
	// AmendUnsupported means the exchange rejected the parameter
	// change as such (ErrCode 10001).
	AmendUnsupported
	// AmendTransient is a timeout on the exchange side (ErrCode
	// 12940); the next tick simply tries again.
	AmendTransient
	// AmendCritical is any other failure; the caller should stop
	// trading rather than guess.
	AmendCritical
)

func (s AmendStatus) String() string {
	switch s {
	case AmendOK:
		return "ok"
	case AmendGone:
		return "gone"
	case AmendUnsupported:
		return "unsupported"
	case AmendTransient:
		return "transient"
	default:
		return "critical"
	}
}

const (
	errOrderNotExists = 170213
	errBadRequest     = 10001
	errTimeout        = 12940
)

func classifyAmend(retCode int) AmendStatus {
	switch retCode {
	case 0:
		return AmendOK
	case errOrderNotExists:
		return AmendGone
	case errBadRequest:
		return AmendUnsupported
	case errTimeout:
		return AmendTransient
	default:
		return AmendCritical
	}
}

// classifyOutcome maps a call result onto an AmendStatus. A failure
// without a decoded envelope (network error, unparseable body) leaves
// the order state on the exchange unknown; that must surface as a
// transient failure, never as success.
func classifyOutcome(retCode int, err error) (AmendStatus, error) {
	if err != nil && retCode == 0 {
		return AmendTransient, err
	}
	status := classifyAmend(retCode)
	if status != AmendCritical {
		err = nil
	}
	return status, err
}

// rawOrder is one row of the v5 order list response.
type rawOrder struct {
	OrderID      string `json:"orderId"`
	OrderLinkID  string `json:"orderLinkId"`
	Symbol       string `json:"symbol"`
	Side         string `json:"side"`
	OrderStatus  string `json:"orderStatus"`
	CreatedTime  string `json:"createdTime"`
	UpdatedTime  string `json:"updatedTime"`
	Price        string `json:"price"`
	AvgPrice     string `json:"avgPrice"`
	Qty          string `json:"qty"`
	CumExecQty   string `json:"cumExecQty"`
	CumExecValue string `json:"cumExecValue"`
	CumExecFee   string `json:"cumExecFee"`
	TriggerPrice string `json:"triggerPrice"`
}

func (r rawOrder) toTransaction() models.Transaction {
	t := models.Transaction{
		OrderID:      r.OrderID,
		OrderLinkID:  r.OrderLinkID,
		Symbol:       r.Symbol,
		Side:         r.Side,
		OrderStatus:  r.OrderStatus,
		Price:        models.ParseFloat(r.Price),
		AvgPrice:     models.ParseFloat(r.AvgPrice),
		Qty:          models.ParseFloat(r.Qty),
		CumExecQty:   models.ParseFloat(r.CumExecQty),
		CumExecValue: models.ParseFloat(r.CumExecValue),
		CumExecFee:   models.ParseFloat(r.CumExecFee),
		TriggerPrice: models.ParseFloat(r.TriggerPrice),
		Status:       models.StatusOpen,
	}
	t.CreatedTime, _ = strconv.ParseInt(r.CreatedTime, 10, 64)
	t.UpdatedTime, _ = strconv.ParseInt(r.UpdatedTime, 10, 64)
	if r.OrderStatus == "Filled" {
		t.Status = models.StatusClosed
	}
	return t
}

// PlaceTriggerOrder places a market order armed with a trigger price.
// qty is a pre-formatted amount: base coin for sells, quote coin for
// buys, per spot market order convention. Returns the exchange order id.
func (c *Client) PlaceTriggerOrder(ctx context.Context, side string, qty, trigger string) (string, error) {
	body, err := json.Marshal(map[string]interface{}{
		"category":     "spot",
		"symbol":       c.cfg.Symbol,
		"side":         side,
		"orderType":    "Market",
		"orderFilter":  "tpslOrder",
		"orderLinkId":  uuid.NewString(),
		"qty":          qty,
		"triggerPrice": trigger,
	})
	if err != nil {
		return "", err
	}

	result, _, err := c.call(ctx, "POST", "/v5/order/create", nil, body)
	if err != nil {
		return "", err
	}

	var out struct {
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal(result, &out); err != nil || out.OrderID == "" {
		return "", fmt.Errorf("exchange: order create returned no order id")
	}
	c.logger.Info("Exchange: placed %s trigger order %s, qty %s, trigger %s", side, out.OrderID, qty, trigger)
	return out.OrderID, nil
}

// AmendTrigger moves the trigger price of a live order.
func (c *Client) AmendTrigger(ctx context.Context, orderID, trigger string) (AmendStatus, error) {
	body, err := json.Marshal(map[string]interface{}{
		"category":     "spot",
		"symbol":       c.cfg.Symbol,
		"orderId":      orderID,
		"triggerPrice": trigger,
	})
	if err != nil {
		return AmendCritical, err
	}
	_, retCode, err := c.call(ctx, "POST", "/v5/order/amend", nil, body)
	return classifyOutcome(retCode, err)
}

// AmendQty changes the quantity of a live order.
func (c *Client) AmendQty(ctx context.Context, orderID, qty string) (AmendStatus, error) {
	body, err := json.Marshal(map[string]interface{}{
		"category": "spot",
		"symbol":   c.cfg.Symbol,
		"orderId":  orderID,
		"qty":      qty,
	})
	if err != nil {
		return AmendCritical, err
	}
	_, retCode, err := c.call(ctx, "POST", "/v5/order/amend", nil, body)
	return classifyOutcome(retCode, err)
}

// CancelOrder cancels a live trigger order. AmendGone means the order
// already left the books, which callers usually treat as success.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (AmendStatus, error) {
	body, err := json.Marshal(map[string]interface{}{
		"category": "spot",
		"symbol":   c.cfg.Symbol,
		"orderId":  orderID,
	})
	if err != nil {
		return AmendCritical, err
	}
	_, retCode, err := c.call(ctx, "POST", "/v5/order/cancel", nil, body)
	return classifyOutcome(retCode, err)
}

// OrderByID fetches one order, trying the realtime book first and
// falling back to history once the order has left the books.
func (c *Client) OrderByID(ctx context.Context, orderID string) (*models.Transaction, error) {
	for _, path := range []string{"/v5/order/realtime", "/v5/order/history"} {
		q := url.Values{}
		q.Set("category", "spot")
		q.Set("orderId", orderID)

		result, _, err := c.call(ctx, "GET", path, q, nil)
		if err != nil {
			return nil, err
		}
		var out struct {
			List []rawOrder `json:"list"`
		}
		if err := json.Unmarshal(result, &out); err != nil {
			return nil, fmt.Errorf("exchange: parse order list: %w", err)
		}
		if len(out.List) > 0 {
			t := out.List[0].toTransaction()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("exchange: order %s not found in realtime or history", orderID)
}

// OpenOrderByID looks an order up on the realtime books only. A nil
// transaction with a nil error means the order has left the books,
// which for a trigger order means it fired.
func (c *Client) OpenOrderByID(ctx context.Context, orderID string) (*models.Transaction, error) {
	q := url.Values{}
	q.Set("category", "spot")
	q.Set("symbol", c.cfg.Symbol)
	q.Set("orderId", orderID)

	result, _, err := c.call(ctx, "GET", "/v5/order/realtime", q, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		List []rawOrder `json:"list"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("exchange: parse order list: %w", err)
	}
	if len(out.List) == 0 {
		return nil, nil
	}
	t := out.List[0].toTransaction()
	return &t, nil
}

// OpenOrders lists the live trigger orders for the configured symbol.
func (c *Client) OpenOrders(ctx context.Context) ([]models.Transaction, error) {
	q := url.Values{}
	q.Set("category", "spot")
	q.Set("symbol", c.cfg.Symbol)
	q.Set("orderFilter", "tpslOrder")

	result, _, err := c.call(ctx, "GET", "/v5/order/realtime", q, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		List []rawOrder `json:"list"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("exchange: parse open orders: %w", err)
	}
	orders := make([]models.Transaction, 0, len(out.List))
	for _, row := range out.List {
		orders = append(orders, row.toTransaction())
	}
	return orders, nil
}

// WalletBalance returns the equity of one coin in the unified account.
func (c *Client) WalletBalance(ctx context.Context, coin string) (float64, error) {
	q := url.Values{}
	q.Set("accountType", "UNIFIED")
	q.Set("coin", coin)

	result, _, err := c.call(ctx, "GET", "/v5/account/wallet-balance", q, nil)
	if err != nil {
		return 0, err
	}
	var out struct {
		List []struct {
			Coin []struct {
				Coin   string `json:"coin"`
				Equity string `json:"equity"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return 0, fmt.Errorf("exchange: parse wallet balance: %w", err)
	}
	for _, acct := range out.List {
		for _, row := range acct.Coin {
			if row.Coin == coin {
				return models.ParseFloat(row.Equity), nil
			}
		}
	}
	return 0, fmt.Errorf("exchange: coin %s not found in wallet", coin)
}

// InstrumentInfo fetches the trading rules of the symbol. The minimum
// order sizes are padded by 10 percent and the configured multiplier so
// a rounded-down quantity still clears the exchange minimum.
func (c *Client) InstrumentInfo(ctx context.Context) (*models.InstrumentInfo, error) {
	q := url.Values{}
	q.Set("category", "spot")
	q.Set("symbol", c.cfg.Symbol)

	result, _, err := c.call(ctx, "GET", "/v5/market/instruments-info", q, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		List []struct {
			Symbol        string `json:"symbol"`
			BaseCoin      string `json:"baseCoin"`
			QuoteCoin     string `json:"quoteCoin"`
			LotSizeFilter struct {
				BasePrecision  string `json:"basePrecision"`
				QuotePrecision string `json:"quotePrecision"`
				MinOrderQty    string `json:"minOrderQty"`
				MinOrderAmt    string `json:"minOrderAmt"`
			} `json:"lotSizeFilter"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &out); err != nil || len(out.List) == 0 {
		return nil, fmt.Errorf("exchange: no instrument info for %s", c.cfg.Symbol)
	}

	it := out.List[0]
	info := &models.InstrumentInfo{
		Symbol:         it.Symbol,
		BaseCoin:       it.BaseCoin,
		QuoteCoin:      it.QuoteCoin,
		BasePrecision:  models.ParseFloat(it.LotSizeFilter.BasePrecision),
		QuotePrecision: models.ParseFloat(it.LotSizeFilter.QuotePrecision),
		MinOrderQty:    models.ParseFloat(it.LotSizeFilter.MinOrderQty),
		MinOrderAmt:    models.ParseFloat(it.LotSizeFilter.MinOrderAmt),
		TickSize:       models.ParseFloat(it.PriceFilter.TickSize),
	}
	info.MinBuyBase = info.MinOrderQty * 1.1 * c.cfg.Multiplier
	info.MinBuyQuote = info.MinOrderAmt * 1.1 * c.cfg.Multiplier
	return info, nil
}

// LastPrice returns the spot last traded price of the symbol.
func (c *Client) LastPrice(ctx context.Context) (float64, error) {
	q := url.Values{}
	q.Set("category", "spot")
	q.Set("symbol", c.cfg.Symbol)

	result, _, err := c.call(ctx, "GET", "/v5/market/tickers", q, nil)
	if err != nil {
		return 0, err
	}
	var out struct {
		List []struct {
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &out); err != nil || len(out.List) == 0 {
		return 0, fmt.Errorf("exchange: no ticker for %s", c.cfg.Symbol)
	}
	return models.ParseFloat(out.List[0].LastPrice), nil
}

// Klines fetches up to limit historical candles of one interval,
// returned oldest first.
func (c *Client) Klines(ctx context.Context, interval int, limit int) ([]models.Kline, error) {
	q := url.Values{}
	q.Set("category", "spot")
	q.Set("symbol", c.cfg.Symbol)
	q.Set("interval", strconv.Itoa(interval))
	q.Set("limit", strconv.Itoa(limit))

	result, _, err := c.call(ctx, "GET", "/v5/market/kline", q, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		List [][]string `json:"list"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("exchange: parse klines: %w", err)
	}

	// The exchange returns newest first.
	klines := make([]models.Kline, 0, len(out.List))
	for i := len(out.List) - 1; i >= 0; i-- {
		row := out.List[i]
		if len(row) < 7 {
			continue
		}
		t, _ := strconv.ParseInt(row[0], 10, 64)
		klines = append(klines, models.Kline{
			Time:     t,
			Open:     models.ParseFloat(row[1]),
			High:     models.ParseFloat(row[2]),
			Low:      models.ParseFloat(row[3]),
			Close:    models.ParseFloat(row[4]),
			Volume:   models.ParseFloat(row[5]),
			Turnover: models.ParseFloat(row[6]),
			Confirm:  true,
		})
	}
	return klines, nil
}
