package models

import (
	"math"
	"strconv"
)

// Side of an order. None means no trailing order is in flight.
type Side int

const (
	None Side = iota
	Buy
	Sell
)

// String returns the exchange spelling of the side.
func (s Side) String() string {
	switch s {
	case Buy:
		return "Buy"
	case Sell:
		return "Sell"
	default:
		return "None"
	}
}

// Wiggle selects the algorithm computing the trailing trigger distance.
type Wiggle int

const (
	Fixed Wiggle = iota
	Spot
	Wave
	EMA
	Hybrid
	ATR
)

// ParseWiggle maps a configured mode name onto a Wiggle. Unknown names
// fall back to Fixed.
func ParseWiggle(s string) Wiggle {
	switch s {
	case "Spot":
		return Spot
	case "Wave":
		return Wave
	case "EMA":
		return EMA
	case "Hybrid":
		return Hybrid
	case "ATR":
		return ATR
	default:
		return Fixed
	}
}

func (w Wiggle) String() string {
	switch w {
	case Spot:
		return "Spot"
	case Wave:
		return "Wave"
	case EMA:
		return "EMA"
	case Hybrid:
		return "Hybrid"
	case ATR:
		return "ATR"
	default:
		return "Fixed"
	}
}

// ActiveOrder is the single mutable trailing-order record. It is owned
// exclusively by the trailing state machine; other components only read
// Active. Distance, Fluctuation and Wave are percentages, price fields
// are quoted in the quote coin.
type ActiveOrder struct {
	Side     Side
	Active   bool
	Start    float64 // price when the trail began
	Previous float64 // price at the previous admitted tick
	Current  float64 // price at this tick

	Wiggle      Wiggle
	Distance    float64 // configured minimum trailing distance, percent
	Fluctuation float64 // distance actually in force after clamping, percent
	Wave        float64 // raw momentum signal before clamping, percent

	OrderID        string
	Trigger        float64
	TriggerInitial float64
	Qty            float64
	QtyNew         float64
}

// Reset returns the order to its inert state after a fill, cancel or spike.
func (o *ActiveOrder) Reset() {
	o.Side = None
	o.Active = false
	o.Start, o.Previous, o.Current = 0, 0, 0
	o.OrderID = ""
	o.Trigger, o.TriggerInitial = 0, 0
	o.Qty, o.QtyNew = 0, 0
}

// PriceDistance is the percent move from the trail origin to the current
// price, signed (positive means the price rose).
func (o *ActiveOrder) PriceDistance() float64 {
	if o.Start == 0 {
		return 0
	}
	return (o.Current - o.Start) / o.Start * 100
}

// Transaction statuses carried in the ledger.
const (
	StatusOpen   = "Open"
	StatusClosed = "Closed"
)

// Transaction is one decoded exchange order, used both for in-flight
// order inspection and as the persisted buy record.
type Transaction struct {
	OrderID      string  `json:"orderId"`
	OrderLinkID  string  `json:"orderLinkId"`
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"`
	OrderStatus  string  `json:"orderStatus"`
	CreatedTime  int64   `json:"createdTime"`
	UpdatedTime  int64   `json:"updatedTime"`
	Price        float64 `json:"price"`
	AvgPrice     float64 `json:"avgPrice"`
	Qty          float64 `json:"qty"`
	CumExecQty   float64 `json:"cumExecQty"`
	CumExecValue float64 `json:"cumExecValue"`
	CumExecFee   float64 `json:"cumExecFee"`
	TriggerPrice float64 `json:"triggerPrice"`
	Status       string  `json:"status"`
}

// InstrumentInfo holds the symbol metadata the engine sizes and rounds with.
type InstrumentInfo struct {
	Symbol         string
	BaseCoin       string
	QuoteCoin      string
	BasePrecision  float64
	QuotePrecision float64
	MinOrderQty    float64
	MinOrderAmt    float64
	TickSize       float64
	MinBuyBase     float64 // minimum buy in base coin, multiplier applied
	MinBuyQuote    float64 // minimum buy in quote coin, multiplier applied
}

// RoundStep rounds value down to the nearest multiple of step. Step 0
// leaves the value untouched.
func RoundStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	var factor float64
	if step < 1 {
		decimals := int(math.Round(-math.Log10(step)))
		factor = math.Pow(10, float64(decimals))
	} else {
		factor = 1 / step
	}
	return math.Floor(value*factor) / factor
}

// FormatStep formats value with exactly the decimals implied by step.
func FormatStep(value, step float64) string {
	dec := 0
	for step > 0 && step < 1 {
		step *= 10
		dec++
	}
	return strconv.FormatFloat(value, 'f', dec, 64)
}

// Ticker is one price update from the feed. Simulated marks the local
// heartbeat tick generated when the stream goes quiet.
type Ticker struct {
	Time      int64
	LastPrice float64
	Simulated bool
}

// Kline is one candle from the feed. Confirm is true once the candle closed.
type Kline struct {
	Time     int64
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
	Turnover float64
	Confirm  bool
}

// Trade is one public execution from the trade stream.
type Trade struct {
	Time  int64
	Side  string
	Size  float64
	Price float64
}

// OrderbookMsg is the raw orderbook push frame.
type OrderbookMsg struct {
	Topic string        `json:"topic"`
	Type  string        `json:"type"` // snapshot | delta
	Data  OrderbookData `json:"data"`
}

// OrderbookData carries price levels as [price, size] string pairs.
type OrderbookData struct {
	B [][]string `json:"b"`
	A [][]string `json:"a"`
}

// KlineMsg is the raw kline push frame.
type KlineMsg struct {
	Topic string `json:"topic"`
	Data  []struct {
		Start    int64  `json:"start"`
		Open     string `json:"open"`
		High     string `json:"high"`
		Low      string `json:"low"`
		Close    string `json:"close"`
		Volume   string `json:"volume"`
		Turnover string `json:"turnover"`
		Confirm  bool   `json:"confirm"`
	} `json:"data"`
}

// TickerMsg is the raw ticker push frame.
type TickerMsg struct {
	Topic string `json:"topic"`
	TS    int64  `json:"ts"`
	Data  struct {
		LastPrice string `json:"lastPrice"`
	} `json:"data"`
}

// TradeMsg is the raw trade push frame.
type TradeMsg struct {
	Topic string `json:"topic"`
	Data  []struct {
		T int64  `json:"T"`
		S string `json:"S"`
		V string `json:"v"`
		P string `json:"p"`
	} `json:"data"`
}

// ParseFloat is a tolerant string-to-float for exchange payloads.
func ParseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
