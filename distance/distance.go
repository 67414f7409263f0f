package distance

import (
	"fmt"
	"math"

	"trailbot/logging"
	"trailbot/models"
	"trailbot/prices"
)

// Params are the tuning constants of the distance strategies. The
// defaults are empirically chosen; they are deliberately configuration,
// not hard-coded invariants.
type Params struct {
	SpotCoefficient float64 // weight of the power-law term in Spot mode
	SpotExponent    float64 // exponent of the power-law term in Spot mode
	Scaler          float64 // divides the normalized vol score in EMA/Hybrid
	Span            int     // EWMA span for EMA mode, base span for Hybrid
	WaveTimeframeMs int64   // lookback for the Wave momentum signal
	WaveMultiplier  float64
	ATRPeriod       int
}

// DefaultParams returns the reference tuning.
func DefaultParams() Params {
	return Params{
		SpotCoefficient: 0.49,
		SpotExponent:    1 / 1.2,
		Scaler:          4,
		Span:            10,
		WaveTimeframeMs: 10000,
		WaveMultiplier:  1.0,
		ATRPeriod:       14,
	}
}

// Engine computes the trailing trigger distance for the active order.
type Engine struct {
	params Params
	logger logging.LoggerInterface
}

// NewEngine creates a distance engine with the given tuning.
func NewEngine(params Params, logger logging.LoggerInterface) *Engine {
	return &Engine{params: params, logger: logger}
}

// Calculate updates order.Fluctuation (and order.Wave for the momentum
// strategies) from the selected wiggle mode. It never fails: short or
// degenerate inputs fall back to the configured base distance. The
// returned error only reports a numeric breakdown (NaN/Inf) that was
// already repaired; callers may count those toward a retry budget.
func (e *Engine) Calculate(order *models.ActiveOrder, window *prices.Window, candles []models.Kline) error {
	previous := order.Fluctuation
	order.Fluctuation = order.Distance

	var numErr error
	switch order.Wiggle {
	case models.Fixed:
		// Base distance as-is.
	case models.Spot:
		numErr = e.spot(order)
	case models.EMA:
		numErr = e.ewmVol(order, window, e.params.Span)
	case models.Hybrid:
		numErr = e.hybrid(order, window)
	case models.Wave:
		e.wave(order, window, 1.0)
	case models.ATR:
		e.wave(order, window, e.atrRatio(candles))
	}

	// A strategy must never tighten the trigger past the current price.
	if order.Fluctuation < 0 {
		e.logger.Warning("Distance: %s produced negative fluctuation %.4f%%, forcing 0",
			order.Wiggle, order.Fluctuation)
		order.Fluctuation = 0
	}
	if math.IsNaN(order.Fluctuation) || math.IsInf(order.Fluctuation, 0) {
		numErr = fmt.Errorf("distance: %s produced non-finite fluctuation", order.Wiggle)
		order.Fluctuation = order.Distance
	}

	if previous != order.Fluctuation {
		e.logger.Debug("Distance: %s trigger distance changed to %.4f%%", order.Wiggle, order.Fluctuation)
	}
	return numErr
}

// spot widens the distance with a power-law of the favorable move since
// the trail origin, so a fast run-up is given room to breathe.
func (e *Engine) spot(order *models.ActiveOrder) error {
	priceDistance := order.PriceDistance()

	// Adverse moves contribute nothing.
	var d float64
	if order.Side == models.Sell {
		d = priceDistance
		if priceDistance < 0 {
			d = 0
		}
	} else {
		d = -priceDistance
		if priceDistance > 0 {
			d = 0
		}
	}

	fluctuation := e.params.SpotCoefficient*math.Pow(d, e.params.SpotExponent) + order.Distance
	if math.IsNaN(fluctuation) || math.IsInf(fluctuation, 0) {
		return fmt.Errorf("distance: spot curve broke down at d=%.4f", d)
	}
	if fluctuation > order.Distance {
		order.Fluctuation = fluctuation
	}
	return nil
}

// wave derives the raw momentum signal from the price window, scales it,
// and runs the shared profit-protection clamp.
func (e *Engine) wave(order *models.ActiveOrder, window *prices.Window, scale float64) {
	raw := window.ChangePercent(e.params.WaveTimeframeMs) * e.params.WaveMultiplier * scale
	order.Wave = raw
	e.protect(order)
}

// protect is the shared guard of the momentum strategies: it refuses to
// ratchet a sell into guaranteed-loss territory and floors a drifting
// wave at the base distance.
func (e *Engine) protect(order *models.ActiveOrder) {
	wave := order.Wave
	priceDistance := order.PriceDistance()

	if order.Side == models.Buy {
		// Buying mirrors selling with both signals inverted.
		wave = -wave
		priceDistance = -priceDistance
	}

	order.Fluctuation = wave

	if order.Side == models.Sell {
		// Selling below breakeven is never allowed, however hard the
		// wave pushes.
		profitable := priceDistance + order.Distance
		if wave > profitable {
			order.Fluctuation = profitable
		}
	}

	if wave < order.Distance {
		if priceDistance > order.Distance && wave > 0 {
			order.Fluctuation = wave
		} else if priceDistance <= order.Distance {
			order.Fluctuation = order.Distance
		}
	}
}

// ewmVol normalizes the exponentially weighted std-dev of percent
// returns against its running maximum and widens the base distance by
// the resulting 0-1 score.
func (e *Engine) ewmVol(order *models.ActiveOrder, window *prices.Window, span int) error {
	vol, ok := NormalizedVol(window.Prices(), span)
	if !ok {
		// Not enough data yet; base distance stands.
		return nil
	}
	fluctuation := vol/e.params.Scaler + order.Distance
	if math.IsNaN(fluctuation) || math.IsInf(fluctuation, 0) {
		return fmt.Errorf("distance: ewm vol broke down (vol=%.6f)", vol)
	}
	order.Fluctuation = fluctuation
	return nil
}

// hybrid is ewmVol with the span itself adapting to realized volatility:
// quiet markets use the base span, nervous markets stretch it.
func (e *Engine) hybrid(order *models.ActiveOrder, window *prices.Window) error {
	base := e.params.Span
	vol, ok := NormalizedVol(window.Prices(), base)
	if !ok {
		return nil
	}
	span := int(float64(base) * (1 + vol))
	if span < 5 {
		span = 5
	}
	return e.ewmVol(order, window, span)
}

// atrRatio scales the wave by how choppy the latest candle is relative
// to the window average. Returns 1 when the candles cannot support ATR.
func (e *Engine) atrRatio(candles []models.Kline) float64 {
	period := e.params.ATRPeriod
	if len(candles) < period+1 {
		return 1
	}

	atr := make([]float64, 0, len(candles)-period)
	// Wilder-style simple mean of true ranges per rolling window.
	for end := period; end < len(candles); end++ {
		var trSum float64
		for i := end - period + 1; i <= end; i++ {
			high, low, prevClose := candles[i].High, candles[i].Low, candles[i-1].Close
			tr := math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
			trSum += tr
		}
		if c := candles[end].Close; c > 0 {
			atr = append(atr, trSum/float64(period)/c*100)
		}
	}
	if len(atr) == 0 {
		return 1
	}

	var sum float64
	for _, v := range atr {
		sum += v
	}
	avg := sum / float64(len(atr))
	if avg == 0 {
		return 1
	}
	return atr[len(atr)-1] / avg
}

// NormalizedVol computes the exponentially weighted std-dev of percent
// returns over the series and normalizes the latest value against the
// running maximum, yielding a 0-1 volatility score. ok is false when the
// series is too short or entirely flat.
func NormalizedVol(series []float64, span int) (float64, bool) {
	if len(series) < 3 || span < 1 {
		return 0, false
	}

	alpha := 2.0 / (float64(span) + 1)
	var mean, variance, maxStd float64
	var lastStd float64
	started := false

	for i := 1; i < len(series); i++ {
		if series[i-1] == 0 {
			continue
		}
		r := (series[i] - series[i-1]) / series[i-1]
		if !started {
			mean, variance = r, 0
			started = true
			continue
		}
		delta := r - mean
		mean += alpha * delta
		variance = (1 - alpha) * (variance + alpha*delta*delta)
		lastStd = math.Sqrt(variance)
		if lastStd > maxStd {
			maxStd = lastStd
		}
	}

	if !started || maxStd == 0 || math.IsNaN(lastStd) {
		return 0, false
	}
	return lastStd / maxStd, true
}
