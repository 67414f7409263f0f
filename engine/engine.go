// Package engine drives the trading loop: it consumes market data
// events, runs the buy decision matrix, and trails live trigger orders
// until they fill.
package engine

import (
	"context"
	"sync"
	"time"

	"trailbot/config"
	"trailbot/exchange"
	"trailbot/ledger"
	"trailbot/logging"
	"trailbot/metrics"
	"trailbot/models"
	"trailbot/prices"

	"trailbot/distance"
)

// Exchange is the slice of the REST client the engine needs. Tests
// plug in a fake.
type Exchange interface {
	PlaceTriggerOrder(ctx context.Context, side, qty, trigger string) (string, error)
	AmendTrigger(ctx context.Context, orderID, trigger string) (exchange.AmendStatus, error)
	AmendQty(ctx context.Context, orderID, qty string) (exchange.AmendStatus, error)
	CancelOrder(ctx context.Context, orderID string) (exchange.AmendStatus, error)
	OrderByID(ctx context.Context, orderID string) (*models.Transaction, error)
	OpenOrderByID(ctx context.Context, orderID string) (*models.Transaction, error)
	WalletBalance(ctx context.Context, coin string) (float64, error)
	Klines(ctx context.Context, interval, limit int) ([]models.Kline, error)
}

// Notifier pushes user-facing messages.
type Notifier interface {
	Notify(level int, format string, args ...interface{})
}

type nopNotifier struct{}

func (nopNotifier) Notify(int, string, ...interface{}) {}

// adviceState is the latest verdict of one buy input.
type adviceState struct {
	Value  float64
	Result bool
}

type depthPoint struct {
	timeMs   int64
	buyPerc  float64
	sellPerc float64
}

// Engine holds the full trading state. All event entry points are safe
// to call from the feed goroutines.
type Engine struct {
	cfg      *config.Config
	logger   logging.LoggerInterface
	client   Exchange
	book     *ledger.Ledger
	dist     *distance.Engine
	notifier Notifier
	metrics  *metrics.Metrics
	ctx      context.Context

	Info models.InstrumentInfo

	// Tick lock: at most one tick is processed at a time; a tick that
	// arrives while busy only refreshes the pending price, so the
	// engine always catches up to the latest price, never a stale one.
	tickMu   sync.Mutex
	tickBusy bool
	pending  float64

	stateMu sync.Mutex
	spot    float64
	order   models.ActiveOrder
	sellSet []models.Transaction // buys matched to the live trailing sell

	window  *prices.Window
	candles map[int]*prices.Candles

	adviceMu   sync.Mutex
	indAdvice  map[int]adviceState
	obAdvice   adviceState
	obHistory  []depthPoint
	trAdvice   adviceState
	trades     []models.Trade
	delayUntil int64 // no buys before this time after a sell fill

	// Trailing bookkeeping.
	stuckFresh   bool
	stuckSince   int64
	spikeCount   int
	distFailures int

	buyBusy  bool
	sellBusy bool

	haltMu     sync.Mutex
	halted     bool
	haltReason string

	// now is swappable for tests.
	now func() int64
}

// New wires an engine. notifier and m may be nil.
func New(ctx context.Context, cfg *config.Config, logger logging.LoggerInterface, client Exchange,
	book *ledger.Ledger, notifier Notifier, m *metrics.Metrics) *Engine {

	params := distance.DefaultParams()
	params.WaveTimeframeMs = cfg.WaveTimeframeMs
	params.WaveMultiplier = cfg.WaveMultiplier

	if notifier == nil {
		notifier = nopNotifier{}
	}

	e := &Engine{
		cfg:        cfg,
		logger:     logger,
		client:     client,
		book:       book,
		dist:       distance.NewEngine(params, logger),
		notifier:   notifier,
		metrics:    m,
		ctx:        ctx,
		window:     prices.NewWindow(cfg.PriceLimit),
		candles:    make(map[int]*prices.Candles),
		indAdvice:  make(map[int]adviceState),
		stuckFresh: true,
		now:        func() int64 { return time.Now().UnixMilli() },
	}
	e.order.Reset()
	e.order.Wiggle = models.ParseWiggle(cfg.Wiggle)
	e.order.Distance = cfg.Distance
	e.order.Fluctuation = cfg.Distance

	for _, iv := range cfg.Intervals() {
		e.candles[iv] = prices.NewCandles(cfg.KlineLimit)
	}
	return e
}

// SeedKlines preloads historical candles for one interval.
func (e *Engine) SeedKlines(interval int, rows []models.Kline) {
	if c, ok := e.candles[interval]; ok {
		c.Seed(rows)
	}
}

// SeedPrices preloads the price window, oldest first.
func (e *Engine) SeedPrices(times []int64, vals []float64) {
	for i := range vals {
		e.window.Push(times[i], vals[i])
	}
}

// AdoptOrder resumes trailing an open trigger order found on the
// exchange after a restart.
func (e *Engine) AdoptOrder(tx models.Transaction, spot float64) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	e.order.Side = models.Buy
	if tx.Side == "Sell" {
		e.order.Side = models.Sell
	}
	e.order.Active = true
	e.order.Start = spot
	e.order.Previous = spot
	e.order.Current = spot
	e.order.OrderID = tx.OrderID
	e.order.Trigger = tx.TriggerPrice
	e.order.TriggerInitial = tx.TriggerPrice
	e.order.Qty = tx.Qty
	e.order.QtyNew = tx.Qty

	// A resumed sell needs its backing buys again for settlement.
	if e.order.Side == models.Sell {
		el := e.book.CheckSell(spot, e.cfg.Profit, e.order.Distance, e.Info.BasePrecision)
		e.sellSet = e.matchedBuys(el.Orders)
	}
	e.logger.Info("Engine: adopted open %s order %s with trigger %v", tx.Side, tx.OrderID, tx.TriggerPrice)
}

// SetSpot sets the starting spot price before the stream takes over.
func (e *Engine) SetSpot(price float64) {
	e.stateMu.Lock()
	e.spot = price
	e.stateMu.Unlock()
}

// Halt stops all trading decisions. The event loops keep consuming
// market data, but no orders leave the engine anymore.
func (e *Engine) Halt(reason string) {
	e.haltMu.Lock()
	already := e.halted
	e.halted = true
	e.haltReason = reason
	e.haltMu.Unlock()
	if !already {
		e.logger.Error("Engine: halted: %s", reason)
		e.notifier.Notify(1, "Trading halted: %s", reason)
	}
}

// Halted reports whether trading is stopped and why.
func (e *Engine) Halted() (bool, string) {
	e.haltMu.Lock()
	defer e.haltMu.Unlock()
	return e.halted, e.haltReason
}

// OnTicker is the main entry point, one call per price update.
func (e *Engine) OnTicker(t models.Ticker) {
	// The window feeds the distance strategies and is updated for
	// every tick, admitted or not.
	e.window.Push(t.Time, t.LastPrice)

	e.tickMu.Lock()
	if e.tickBusy {
		// Busy: remember the newest price and let the running tick
		// finish; it catches up before releasing the lock. Older
		// pending prices are overwritten, only the latest matters.
		e.pending = t.LastPrice
		e.tickMu.Unlock()
		e.logger.Debug("Engine: tick busy, catching up afterwards")
		return
	}
	e.tickBusy = true
	e.tickMu.Unlock()

	price := t.LastPrice
	for {
		e.processTick(price)

		e.tickMu.Lock()
		if e.pending == 0 || e.pending == price {
			e.tickBusy = false
			e.pending = 0
			e.tickMu.Unlock()
			return
		}
		price = e.pending
		e.pending = 0
		e.tickMu.Unlock()
	}
}

func (e *Engine) processTick(price float64) {
	if halted, _ := e.Halted(); halted {
		return
	}
	if e.metrics != nil {
		e.metrics.TicksTotal.Inc()
		e.metrics.SpotPrice.Set(price)
	}

	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	// Trail the live order first so a fill is detected before any new
	// decision is made.
	if e.order.Active {
		e.order.Current = price
		e.trail()
	}

	if e.spot != price {
		e.onPriceChange(price)
	}
	e.spot = price
}

// onPriceChange runs the sell-side logic. Caller holds stateMu.
func (e *Engine) onPriceChange(newSpot float64) {
	el := e.book.CheckSell(newSpot, e.cfg.Profit, e.order.Distance, e.Info.BasePrecision)
	e.reportTicker(newSpot, el)

	// Buying while the book is sellable loses money: cancel the
	// trailing buy and let the sell happen instead.
	if e.order.Active && e.order.Side == models.Buy && el.CanSell {
		e.cancelBuyForSell()
	}

	if !e.order.Active && el.CanSell {
		e.startSell(newSpot, el)
	}

	// Keep the live sell quantity in sync with the book as more buys
	// become profitable.
	if e.order.Active && e.order.Side == models.Sell {
		e.order.QtyNew = el.Qty
		if el.Qty > 0 && el.Qty != e.order.Qty {
			e.amendSellQty(el)
		}
	}

	// Pure gridbot mode runs the matrix on every price change since
	// there are no klines to piggyback on.
	if e.cfg.SpreadEnabled && !e.cfg.IndicatorsEnabled && !e.order.Active {
		e.runBuyMatrix(newSpot, 0)
	}
}

// reportTicker writes the one-line heartbeat summary.
func (e *Engine) reportTicker(newSpot float64, el ledger.Eligibility) {
	dir := "down"
	if newSpot > e.spot {
		dir = "up"
	}
	line := "Engine: price went " + dir
	if e.order.Active {
		d := e.order.Trigger - newSpot
		if d < 0 {
			d = -d
		}
		e.logger.Info("%s from %v to %v %s, trigger distance %s %s",
			line, e.spot, newSpot, e.Info.QuoteCoin,
			models.FormatStep(d, e.Info.TickSize), e.Info.QuoteCoin)
		return
	}
	if el.CanSell {
		e.logger.Info("%s from %v to %v %s, SELL", line, e.spot, newSpot, e.Info.QuoteCoin)
	} else if el.RiseTo > 0 {
		e.logger.Info("%s from %v to %v %s, needs to rise %s %s, NO SELL",
			line, e.spot, newSpot, e.Info.QuoteCoin,
			models.FormatStep(el.RiseTo, e.Info.TickSize), e.Info.QuoteCoin)
	} else {
		e.logger.Info("%s from %v to %v %s", line, e.spot, newSpot, e.Info.QuoteCoin)
	}
}

// OnKline keeps the candle history current and runs the matrix when a
// candle confirms.
func (e *Engine) OnKline(interval int, k models.Kline) {
	c, ok := e.candles[interval]
	if !ok {
		return
	}
	c.Update(k)

	if k.Confirm {
		// Backfill if the stream dropped candles.
		if c.Len() < e.cfg.KlineLimit {
			if rows, err := e.client.Klines(e.ctx, interval, e.cfg.KlineLimit); err == nil {
				c.Seed(rows)
			} else {
				e.logger.Warning("Engine: kline backfill %dm: %v", interval, err)
			}
		}
		e.updateIndicatorAdvice(interval)
	}

	e.stateMu.Lock()
	if !e.order.Active && e.spot > 0 {
		e.runBuyMatrix(e.spot, interval)
	}
	e.stateMu.Unlock()
}

// OnOrderbook folds one book frame into the depth imbalance advice.
func (e *Engine) OnOrderbook(m models.OrderbookMsg) {
	e.stateMu.Lock()
	spot := e.spot
	e.stateMu.Unlock()
	if spot <= 0 {
		return
	}
	e.updateOrderbookAdvice(spot, m.Data)
}

// OnTrade folds one public execution into the buy-ratio advice.
func (e *Engine) OnTrade(t models.Trade) {
	e.updateTradeAdvice(t)
}

// Snapshot is the state served by the status endpoint.
type Snapshot struct {
	Symbol      string             `json:"symbol"`
	Spot        float64            `json:"spot"`
	Halted      bool               `json:"halted"`
	HaltReason  string             `json:"haltReason,omitempty"`
	Order       models.ActiveOrder `json:"order"`
	LedgerRows  int                `json:"ledgerRows"`
	LedgerQty   float64            `json:"ledgerQty"`
	DelayActive bool               `json:"buyDelayActive"`
}

// Status returns a point-in-time copy of the engine state.
func (e *Engine) Status() Snapshot {
	e.stateMu.Lock()
	snap := Snapshot{
		Symbol:     e.cfg.Symbol,
		Spot:       e.spot,
		Order:      e.order,
		LedgerRows: e.book.Count(),
		LedgerQty:  e.book.TotalQty(),
	}
	e.stateMu.Unlock()

	snap.Halted, snap.HaltReason = e.Halted()

	e.adviceMu.Lock()
	snap.DelayActive = e.now() < e.delayUntil
	e.adviceMu.Unlock()
	return snap
}
