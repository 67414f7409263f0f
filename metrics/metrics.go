// Package metrics exposes the trading counters and gauges on a
// Prometheus registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all instruments of the bot.
type Metrics struct {
	Registry *prometheus.Registry

	TicksTotal    prometheus.Counter
	OrdersPlaced  *prometheus.CounterVec
	OrdersFilled  *prometheus.CounterVec
	AmendsTotal   *prometheus.CounterVec
	SpikesTotal   prometheus.Counter
	EvictedTotal  prometheus.Counter
	ProfitTotal   prometheus.Counter
	SpotPrice     prometheus.Gauge
	TriggerPrice  prometheus.Gauge
	Fluctuation   prometheus.Gauge
	LedgerRows    prometheus.Gauge
	LedgerQty     prometheus.Gauge
	QuotaRatio    prometheus.Gauge
}

// New creates and registers all instruments on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trailbot_ticks_total",
			Help: "Price ticks admitted into the engine.",
		}),
		OrdersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trailbot_orders_placed_total",
			Help: "Trigger orders placed, by side.",
		}, []string{"side"}),
		OrdersFilled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trailbot_orders_filled_total",
			Help: "Trigger orders confirmed filled, by side.",
		}, []string{"side"}),
		AmendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trailbot_amends_total",
			Help: "Amend attempts, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		SpikesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trailbot_spikes_total",
			Help: "Trailing orders cancelled after a price spike.",
		}),
		EvictedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trailbot_ledger_evicted_total",
			Help: "Ledger rows evicted by rebalancing.",
		}),
		ProfitTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trailbot_profit_quote_total",
			Help: "Cumulative realized profit in quote coin.",
		}),
		SpotPrice: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trailbot_spot_price",
			Help: "Last spot price.",
		}),
		TriggerPrice: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trailbot_trigger_price",
			Help: "Trigger price of the active trailing order, 0 when idle.",
		}),
		Fluctuation: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trailbot_fluctuation_percent",
			Help: "Trailing distance currently in force.",
		}),
		LedgerRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trailbot_ledger_rows",
			Help: "Open buys in the ledger.",
		}),
		LedgerQty: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trailbot_ledger_base_qty",
			Help: "Total base quantity booked in the ledger.",
		}),
		QuotaRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trailbot_api_quota_ratio",
			Help: "Last observed API quota usage ratio.",
		}),
	}

	reg.MustRegister(
		m.TicksTotal, m.OrdersPlaced, m.OrdersFilled, m.AmendsTotal,
		m.SpikesTotal, m.EvictedTotal, m.ProfitTotal,
		m.SpotPrice, m.TriggerPrice, m.Fluctuation,
		m.LedgerRows, m.LedgerQty, m.QuotaRatio,
	)
	return m
}
