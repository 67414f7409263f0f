package exchange

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"trailbot/logging"
)

// QuotaGuard watches the per-request API quota headers and converts
// quota pressure into a pacing delay. Exceeding the quota outright
// trips the halt callback so the caller can stop before the exchange
// issues a ban.
type QuotaGuard struct {
	mu     sync.Mutex
	ratio  float64
	delay  time.Duration
	logger logging.LoggerInterface
	onHalt func(reason string)
}

// NewQuotaGuard creates a guard. onHalt may be nil.
func NewQuotaGuard(logger logging.LoggerInterface, onHalt func(reason string)) *QuotaGuard {
	return &QuotaGuard{logger: logger, onHalt: onHalt}
}

// Observe inspects the quota headers of a response. Public endpoints
// carry no quota headers and are skipped silently.
func (g *QuotaGuard) Observe(h http.Header) {
	status, err1 := strconv.ParseFloat(h.Get("X-Bapi-Limit-Status"), 64)
	limit, err2 := strconv.ParseFloat(h.Get("X-Bapi-Limit"), 64)
	if err1 != nil || err2 != nil || limit <= 0 {
		return
	}
	g.observeRatio((limit - status) / limit)
}

func (g *QuotaGuard) observeRatio(ratio float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.ratio = ratio

	// Pressure thresholds stack: the closer to the quota, the longer
	// the pause before the next private call.
	var delay time.Duration
	if ratio > 0.5 {
		delay += 100 * time.Millisecond
	}
	if ratio > 0.7 {
		delay += 300 * time.Millisecond
	}
	if ratio > 0.8 {
		delay += 600 * time.Millisecond
	}
	if ratio > 0.9 {
		delay += time.Second
	}
	g.delay = delay

	if delay > 0 {
		g.logger.Warning("Exchange: API quota at %.0f%%, delaying %s between calls", ratio*100, delay)
	}
	if ratio > 1 {
		g.logger.Error("Exchange: API quota exceeded, halting to avoid a ban")
		if g.onHalt != nil {
			g.onHalt("API rate limit exceeded")
		}
	}
}

// Delay returns the pause currently in force.
func (g *QuotaGuard) Delay() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.delay
}

// Ratio returns the last observed quota usage ratio.
func (g *QuotaGuard) Ratio() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ratio
}
