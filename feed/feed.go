// Package feed maintains the public market data stream. It subscribes
// only to the topics the configured advices actually need, keeps the
// connection alive with pings, and synthesizes heartbeat ticks so the
// trailing logic keeps moving through quiet markets.
package feed

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"trailbot/config"
	"trailbot/logging"
	"trailbot/models"
)

// Sink receives parsed stream events. Implementations must not block;
// the read loop is single-threaded.
type Sink interface {
	OnTicker(t models.Ticker)
	OnKline(interval int, k models.Kline)
	OnOrderbook(m models.OrderbookMsg)
	OnTrade(t models.Trade)
}

// Hub owns the public WebSocket connection.
type Hub struct {
	cfg    *config.Config
	logger logging.LoggerInterface
	sink   Sink

	connMu sync.Mutex
	conn   *websocket.Conn

	tickMu   sync.Mutex
	lastTick models.Ticker
}

// NewHub creates a feed hub delivering events to sink.
func NewHub(cfg *config.Config, logger logging.LoggerInterface, sink Sink) *Hub {
	return &Hub{cfg: cfg, logger: logger, sink: sink}
}

// topics builds the subscription list from the enabled advices.
func (h *Hub) topics() []string {
	out := []string{"tickers." + h.cfg.Symbol}
	if h.cfg.IndicatorsEnabled {
		for _, iv := range h.cfg.Intervals() {
			out = append(out, "kline."+strconv.Itoa(iv)+"."+h.cfg.Symbol)
		}
	}
	if h.cfg.OrderbookEnabled {
		out = append(out, "orderbook."+strconv.Itoa(h.cfg.OrderbookLimit)+"."+h.cfg.Symbol)
	}
	if h.cfg.TradeEnabled {
		out = append(out, "publicTrade."+h.cfg.Symbol)
	}
	return out
}

// connect dials the public endpoint and subscribes.
func (h *Hub) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(h.cfg.WSPublicURL, nil)
	if err != nil {
		return err
	}
	conn.SetReadDeadline(time.Now().Add(time.Duration(h.cfg.PongWait) * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(time.Duration(h.cfg.PongWait) * time.Second))
		return nil
	})

	if err := conn.WriteJSON(map[string]interface{}{
		"op":   "subscribe",
		"args": h.topics(),
	}); err != nil {
		conn.Close()
		return err
	}
	conn.ReadMessage() // sub ack

	h.connMu.Lock()
	h.conn = conn
	h.connMu.Unlock()

	h.logger.Info("Feed: connected, subscribed to %s", strings.Join(h.topics(), ", "))
	return nil
}

func (h *Hub) closeConn() {
	h.connMu.Lock()
	if h.conn != nil {
		h.conn.Close()
		h.conn = nil
	}
	h.connMu.Unlock()
}

// Run connects and pumps events until ctx is cancelled, reconnecting
// with a capped backoff after stream errors.
func (h *Hub) Run(ctx context.Context) {
	go h.pingLoop(ctx)
	go h.heartbeatLoop(ctx)

	backoff := time.Second
	for ctx.Err() == nil {
		if err := h.connect(); err != nil {
			h.logger.Error("Feed: connect failed: %v, retrying in %s", err, backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		h.readLoop(ctx)
		h.closeConn()
	}
}

func (h *Hub) readLoop(ctx context.Context) {
	for ctx.Err() == nil {
		h.connMu.Lock()
		conn := h.conn
		h.connMu.Unlock()
		if conn == nil {
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			h.logger.Error("Feed: read: %v, reconnecting", err)
			return
		}
		h.dispatch(raw)
	}
}

// dispatch routes one raw frame by topic prefix.
func (h *Hub) dispatch(raw []byte) {
	var peek struct {
		Topic string `json:"topic"`
	}
	if err := json.Unmarshal(raw, &peek); err != nil || peek.Topic == "" {
		return // op acks and pongs
	}

	switch {
	case strings.HasPrefix(peek.Topic, "tickers."):
		var tm models.TickerMsg
		if err := json.Unmarshal(raw, &tm); err != nil {
			h.logger.Error("Feed: bad ticker frame: %v", err)
			return
		}
		tick := models.Ticker{Time: tm.TS, LastPrice: models.ParseFloat(tm.Data.LastPrice)}
		if tick.LastPrice <= 0 {
			return
		}
		h.tickMu.Lock()
		h.lastTick = tick
		h.tickMu.Unlock()
		h.sink.OnTicker(tick)

	case strings.HasPrefix(peek.Topic, "kline."):
		var km models.KlineMsg
		if err := json.Unmarshal(raw, &km); err != nil {
			h.logger.Error("Feed: bad kline frame: %v", err)
			return
		}
		interval := klineInterval(km.Topic)
		for _, d := range km.Data {
			h.sink.OnKline(interval, models.Kline{
				Time:     d.Start,
				Open:     models.ParseFloat(d.Open),
				High:     models.ParseFloat(d.High),
				Low:      models.ParseFloat(d.Low),
				Close:    models.ParseFloat(d.Close),
				Volume:   models.ParseFloat(d.Volume),
				Turnover: models.ParseFloat(d.Turnover),
				Confirm:  d.Confirm,
			})
		}

	case strings.HasPrefix(peek.Topic, "orderbook."):
		var om models.OrderbookMsg
		if err := json.Unmarshal(raw, &om); err != nil {
			h.logger.Error("Feed: bad orderbook frame: %v", err)
			return
		}
		h.sink.OnOrderbook(om)

	case strings.HasPrefix(peek.Topic, "publicTrade."):
		var tm models.TradeMsg
		if err := json.Unmarshal(raw, &tm); err != nil {
			h.logger.Error("Feed: bad trade frame: %v", err)
			return
		}
		for _, d := range tm.Data {
			h.sink.OnTrade(models.Trade{
				Time:  d.T,
				Side:  d.S,
				Size:  models.ParseFloat(d.V),
				Price: models.ParseFloat(d.P),
			})
		}
	}
}

// klineInterval extracts the interval from a topic like kline.1.BTCUSDT.
func klineInterval(topic string) int {
	parts := strings.Split(topic, ".")
	if len(parts) < 3 {
		return 0
	}
	iv, _ := strconv.Atoi(parts[1])
	return iv
}

func (h *Hub) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(h.cfg.PingPeriod) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.connMu.Lock()
			if h.conn != nil {
				h.conn.WriteMessage(websocket.PingMessage, nil)
			}
			h.connMu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}

// heartbeatLoop re-emits the last known price once per second when the
// market goes quiet, so stuck-order and spike checks still run.
func (h *Hub) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.tickMu.Lock()
			last := h.lastTick
			h.tickMu.Unlock()
			if last.LastPrice <= 0 {
				continue
			}
			now := time.Now().UnixMilli()
			if now-last.Time >= 1000 {
				h.sink.OnTicker(models.Ticker{Time: now, LastPrice: last.LastPrice, Simulated: true})
			}
		case <-ctx.Done():
			return
		}
	}
}
