// Package indicators computes the technical signals that feed the buy
// advice. All functions operate on chronological series, oldest first.
package indicators

import (
	"math"

	"trailbot/models"
)

// SMA returns the simple moving average of the last period values, or
// NaN when the series is too short.
func SMA(series []float64, period int) float64 {
	if period <= 0 || len(series) < period {
		return math.NaN()
	}
	var sum float64
	for _, v := range series[len(series)-period:] {
		sum += v
	}
	return sum / float64(period)
}

// EMA returns the exponential moving average over the whole series,
// seeded with an SMA of the first period values.
func EMA(series []float64, period int) float64 {
	if period <= 0 || len(series) < period {
		return math.NaN()
	}
	var seed float64
	for _, v := range series[:period] {
		seed += v
	}
	ema := seed / float64(period)
	k := 2.0 / (float64(period) + 1)
	for _, v := range series[period:] {
		ema = v*k + ema*(1-k)
	}
	return ema
}

// RSI is Wilder's relative strength index.
func RSI(series []float64, period int) float64 {
	if period <= 0 || len(series) < period+1 {
		return math.NaN()
	}
	var gain, loss float64
	for i := 1; i <= period; i++ {
		diff := series[i] - series[i-1]
		if diff > 0 {
			gain += diff
		} else {
			loss -= diff
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)
	for i := period + 1; i < len(series); i++ {
		diff := series[i] - series[i-1]
		g, l := 0.0, 0.0
		if diff > 0 {
			g = diff
		} else {
			l = -diff
		}
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
	}
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// CCI is the commodity channel index over typical prices.
func CCI(klines []models.Kline, period int) float64 {
	if period <= 0 || len(klines) < period {
		return math.NaN()
	}
	tp := make([]float64, period)
	var sum float64
	for i, k := range klines[len(klines)-period:] {
		tp[i] = (k.High + k.Low + k.Close) / 3
		sum += tp[i]
	}
	mean := sum / float64(period)
	var dev float64
	for _, v := range tp {
		dev += math.Abs(v - mean)
	}
	dev /= float64(period)
	if dev == 0 {
		return 0
	}
	return (tp[period-1] - mean) / (0.015 * dev)
}

// AO is the awesome oscillator: SMA(5) minus SMA(34) of median prices.
func AO(klines []models.Kline) float64 {
	if len(klines) < 34 {
		return math.NaN()
	}
	med := make([]float64, len(klines))
	for i, k := range klines {
		med[i] = (k.High + k.Low) / 2
	}
	return SMA(med, 5) - SMA(med, 34)
}

// Momentum is the close-to-close change over period candles.
func Momentum(series []float64, period int) float64 {
	if period <= 0 || len(series) < period+1 {
		return math.NaN()
	}
	return series[len(series)-1] - series[len(series)-1-period]
}

var maPeriods = []int{10, 20, 30, 50, 100, 200}

// Strength condenses the oscillators and the moving-average ladder into
// a single buy score in [-1, 1]. Each available signal votes +1 (buy),
// -1 (sell) or 0 (neutral); the score is the mean vote. Signals without
// enough history abstain. A series too short for any signal scores 0.
func Strength(klines []models.Kline) float64 {
	closes := make([]float64, len(klines))
	for i, k := range klines {
		closes[i] = k.Close
	}

	var votes, count float64
	tally := func(v float64) {
		votes += v
		count++
	}

	if rsi := RSI(closes, 14); !math.IsNaN(rsi) {
		switch {
		case rsi < 30:
			tally(1)
		case rsi > 70:
			tally(-1)
		default:
			tally(0)
		}
	}
	if cci := CCI(klines, 20); !math.IsNaN(cci) {
		switch {
		case cci < -100:
			tally(1)
		case cci > 100:
			tally(-1)
		default:
			tally(0)
		}
	}
	if ao := AO(klines); !math.IsNaN(ao) {
		switch {
		case ao > 0:
			tally(1)
		case ao < 0:
			tally(-1)
		default:
			tally(0)
		}
	}
	if mom := Momentum(closes, 10); !math.IsNaN(mom) {
		switch {
		case mom > 0:
			tally(1)
		case mom < 0:
			tally(-1)
		default:
			tally(0)
		}
	}

	last := 0.0
	if len(closes) > 0 {
		last = closes[len(closes)-1]
	}
	for _, p := range maPeriods {
		for _, ma := range []float64{SMA(closes, p), EMA(closes, p)} {
			if math.IsNaN(ma) {
				continue
			}
			if last > ma {
				tally(1)
			} else if last < ma {
				tally(-1)
			} else {
				tally(0)
			}
		}
	}

	if count == 0 {
		return 0
	}
	return votes / count
}
