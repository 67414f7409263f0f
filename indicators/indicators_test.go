package indicators

import (
	"math"
	"testing"

	"trailbot/models"
)

func klinesFromCloses(closes []float64) []models.Kline {
	out := make([]models.Kline, len(closes))
	for i, c := range closes {
		out[i] = models.Kline{
			Time:  int64(i) * 60000,
			Open:  c,
			High:  c + 0.5,
			Low:   c - 0.5,
			Close: c,
		}
	}
	return out
}

func ramp(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

func TestSMA(t *testing.T) {
	got := SMA([]float64{1, 2, 3, 4, 5}, 3)
	if got != 4 {
		t.Errorf("SMA = %v, want 4", got)
	}
	if !math.IsNaN(SMA([]float64{1, 2}, 3)) {
		t.Error("short series should be NaN")
	}
}

func TestEMAConvergesToConstant(t *testing.T) {
	series := make([]float64, 50)
	for i := range series {
		series[i] = 42
	}
	if got := EMA(series, 10); math.Abs(got-42) > 1e-9 {
		t.Errorf("EMA of constant series = %v, want 42", got)
	}
}

func TestRSIExtremes(t *testing.T) {
	up := ramp(30, 100, 1)
	if got := RSI(up, 14); got != 100 {
		t.Errorf("RSI of pure uptrend = %v, want 100", got)
	}
	down := ramp(30, 130, -1)
	if got := RSI(down, 14); got > 1 {
		t.Errorf("RSI of pure downtrend = %v, want ~0", got)
	}
	if !math.IsNaN(RSI(ramp(10, 100, 1), 14)) {
		t.Error("short series should be NaN")
	}
}

func TestCCISign(t *testing.T) {
	up := klinesFromCloses(ramp(30, 100, 1))
	if got := CCI(up, 20); got <= 0 {
		t.Errorf("CCI of uptrend = %v, want > 0", got)
	}
	down := klinesFromCloses(ramp(30, 130, -1))
	if got := CCI(down, 20); got >= 0 {
		t.Errorf("CCI of downtrend = %v, want < 0", got)
	}
}

func TestAOSign(t *testing.T) {
	up := klinesFromCloses(ramp(40, 100, 1))
	if got := AO(up); got <= 0 {
		t.Errorf("AO of uptrend = %v, want > 0", got)
	}
	if !math.IsNaN(AO(klinesFromCloses(ramp(20, 100, 1)))) {
		t.Error("short series should be NaN")
	}
}

func TestMomentum(t *testing.T) {
	if got := Momentum(ramp(20, 100, 2), 10); got != 20 {
		t.Errorf("Momentum = %v, want 20", got)
	}
}

func TestStrengthBounds(t *testing.T) {
	cases := map[string][]float64{
		"uptrend":   ramp(250, 100, 0.5),
		"downtrend": ramp(250, 225, -0.5),
		"flat":      ramp(250, 100, 0),
	}
	for name, closes := range cases {
		got := Strength(klinesFromCloses(closes))
		if got < -1 || got > 1 {
			t.Errorf("%s: strength %v out of [-1, 1]", name, got)
		}
	}
}

func TestStrengthDirection(t *testing.T) {
	// A long steady downtrend leaves price under every moving average
	// and momentum negative, so the ladder votes sell.
	down := Strength(klinesFromCloses(ramp(250, 225, -0.5)))
	if down >= 0 {
		t.Errorf("downtrend strength = %v, want < 0", down)
	}
	up := Strength(klinesFromCloses(ramp(250, 100, 0.5)))
	if up <= 0 {
		t.Errorf("uptrend strength = %v, want > 0", up)
	}
}

func TestStrengthEmptySeries(t *testing.T) {
	if got := Strength(nil); got != 0 {
		t.Errorf("strength of empty series = %v, want 0", got)
	}
}
