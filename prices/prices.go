package prices

import (
	"sync"

	"trailbot/models"
)

// Window is a fixed-capacity rolling buffer of timestamped prices fed by
// the ticker stream. Appends happen outside the engine's tick lock so no
// tick is ever lost; the window carries its own mutex instead.
type Window struct {
	mu    sync.Mutex
	caps  int
	times []int64 // unix ms
	vals  []float64
}

// NewWindow creates a window holding at most capacity samples.
func NewWindow(capacity int) *Window {
	if capacity < 2 {
		capacity = 2
	}
	return &Window{caps: capacity}
}

// Push appends a sample, evicting the oldest once the window is full.
func (w *Window) Push(timeMs int64, price float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.times = append(w.times, timeMs)
	w.vals = append(w.vals, price)
	if len(w.vals) > w.caps {
		w.times = w.times[1:]
		w.vals = w.vals[1:]
	}
}

// Len returns the number of samples currently held.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.vals)
}

// Prices returns a copy of the price series, oldest first.
func (w *Window) Prices() []float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]float64(nil), w.vals...)
}

// Last returns the most recent sample, or zeros for an empty window.
func (w *Window) Last() (int64, float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.vals) == 0 {
		return 0, 0
	}
	return w.times[len(w.times)-1], w.vals[len(w.vals)-1]
}

// ChangePercent returns the percent price change over roughly the last
// lookbackMs milliseconds, using the sample whose timestamp is closest
// to the lookback origin. Returns 0 when the window does not span the
// requested timeframe yet.
func (w *Window) ChangePercent(lookbackMs int64) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.vals)
	if n < 2 {
		return 0
	}
	latest := w.times[n-1]
	span := latest - lookbackMs

	closest := -1
	var minDiff int64 = 1<<63 - 1
	for i, t := range w.times {
		diff := t - span
		if diff < 0 {
			diff = -diff
		}
		if diff < minDiff {
			minDiff = diff
			closest = i
		}
	}
	if closest < 0 || latest <= span || w.vals[closest] == 0 {
		return 0
	}
	return (w.vals[n-1] - w.vals[closest]) / w.vals[closest] * 100
}

// Candles is a fixed-capacity ring of klines for one interval. The live
// (unconfirmed) candle keeps replacing the last slot until it confirms,
// after which a fresh slot is appended; that mirrors how the exchange
// pushes kline frames.
type Candles struct {
	mu   sync.Mutex
	caps int
	rows []models.Kline
}

// NewCandles creates a ring holding at most capacity candles.
func NewCandles(capacity int) *Candles {
	if capacity < 1 {
		capacity = 1
	}
	return &Candles{caps: capacity}
}

// Seed replaces the whole ring with preloaded history, oldest first.
func (c *Candles) Seed(rows []models.Kline) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(rows) > c.caps {
		rows = rows[len(rows)-c.caps:]
	}
	c.rows = append([]models.Kline(nil), rows...)
}

// Update applies one pushed kline frame.
func (c *Candles) Update(k models.Kline) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.rows)
	if n > 0 && c.rows[n-1].Time == k.Time {
		c.rows[n-1] = k
		return
	}
	c.rows = append(c.rows, k)
	if len(c.rows) > c.caps {
		c.rows = c.rows[1:]
	}
}

// Len returns the number of candles currently held.
func (c *Candles) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rows)
}

// Snapshot returns a copy of the candle series, oldest first.
func (c *Candles) Snapshot() []models.Kline {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Kline(nil), c.rows...)
}

// Closes returns the close series, oldest first.
func (c *Candles) Closes() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]float64, len(c.rows))
	for i, r := range c.rows {
		out[i] = r.Close
	}
	return out
}
