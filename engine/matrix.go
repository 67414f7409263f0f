package engine

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"trailbot/indicators"
	"trailbot/models"
)

// updateIndicatorAdvice recomputes the technical score for one interval
// after its candle confirmed.
func (e *Engine) updateIndicatorAdvice(interval int) {
	c, ok := e.candles[interval]
	if !ok {
		return
	}
	value := indicators.Strength(c.Snapshot())

	e.adviceMu.Lock()
	e.indAdvice[interval] = adviceState{
		Value:  value,
		Result: value >= e.cfg.IndicatorsMinimum && value <= e.cfg.IndicatorsMaximum,
	}
	e.adviceMu.Unlock()
	e.logger.Debug("Engine: %dm indicator advice %.2f", interval, value)
}

// updateOrderbookAdvice computes the buy depth share around the spot
// price, optionally averaged over the configured timeframe.
func (e *Engine) updateOrderbookAdvice(spot float64, data models.OrderbookData) {
	depthN := (2 * e.cfg.Depth / 100) * spot

	var buyQty, sellQty float64
	for _, lv := range data.B {
		if len(lv) < 2 {
			continue
		}
		price, qty := models.ParseFloat(lv[0]), models.ParseFloat(lv[1])
		if price >= spot-depthN && price <= spot {
			buyQty += qty
		}
	}
	for _, lv := range data.A {
		if len(lv) < 2 {
			continue
		}
		price, qty := models.ParseFloat(lv[0]), models.ParseFloat(lv[1])
		if price >= spot && price <= spot+depthN {
			sellQty += qty
		}
	}

	total := buyQty + sellQty
	var buyPerc, sellPerc float64
	if total > 0 {
		buyPerc = buyQty / total * 100
		sellPerc = sellQty / total * 100
	}

	e.adviceMu.Lock()
	defer e.adviceMu.Unlock()

	e.obHistory = append(e.obHistory, depthPoint{timeMs: e.now(), buyPerc: buyPerc, sellPerc: sellPerc})
	if len(e.obHistory) > e.cfg.OrderbookLimit {
		e.obHistory = e.obHistory[len(e.obHistory)-e.cfg.OrderbookLimit:]
	}

	value := buyPerc
	if e.cfg.OrderbookAverage {
		value, _ = e.averageDepthLocked()
	}
	e.obAdvice = adviceState{
		Value:  value,
		Result: value >= e.cfg.OrderbookMinimum && value <= e.cfg.OrderbookMaximum,
	}
}

// averageDepthLocked means the depth points inside the configured
// timeframe. Caller holds adviceMu.
func (e *Engine) averageDepthLocked() (float64, float64) {
	cutoff := e.now() - e.cfg.OrderbookTimeframeMs
	var buySum, sellSum float64
	var n int
	for _, p := range e.obHistory {
		if p.timeMs >= cutoff {
			buySum += p.buyPerc
			sellSum += p.sellPerc
			n++
		}
	}
	if n == 0 {
		return 0, 0
	}
	return buySum / float64(n), sellSum / float64(n)
}

// updateTradeAdvice folds one public execution into the rolling buy
// ratio over the configured timeframe.
func (e *Engine) updateTradeAdvice(t models.Trade) {
	e.adviceMu.Lock()
	defer e.adviceMu.Unlock()

	e.trades = append(e.trades, t)
	if len(e.trades) > e.cfg.TradeLimit {
		e.trades = e.trades[len(e.trades)-e.cfg.TradeLimit:]
	}

	cutoff := t.Time - e.cfg.TradeTimeframeMs
	var buyVol, totalVol float64
	for _, tr := range e.trades {
		if tr.Time < cutoff {
			continue
		}
		totalVol += tr.Size
		if tr.Side == "Buy" {
			buyVol += tr.Size
		}
	}

	var ratio float64
	if totalVol > 0 {
		ratio = buyVol / totalVol * 100
	}
	e.trAdvice = adviceState{
		Value:  ratio,
		Result: ratio >= e.cfg.TradeMinimum && ratio <= e.cfg.TradeMaximum,
	}
}

// checkSpread refuses a buy when an existing buy sits within the
// configured percent band around spot; stacking orders at the same
// level defeats the grid.
func (e *Engine) checkSpread(spot float64) (bool, float64) {
	minPrice := spot * (1 - e.cfg.SpreadDistance/100)
	maxPrice := spot * (1 + e.cfg.SpreadDistance/100)

	for _, row := range e.book.All() {
		if row.AvgPrice >= minPrice && row.AvgPrice <= maxPrice {
			near := math.Min(
				math.Abs(row.AvgPrice/minPrice*100-100),
				math.Abs(row.AvgPrice/maxPrice*100-100))
			return false, near
		}
	}
	return true, 0
}

func passFail(ok bool) string {
	if ok {
		return "(Pass)"
	}
	return "(Fail)"
}

// decideBuy evaluates every enabled input. All of them must pass; a
// disabled input always passes. Returns the verdict and a one-line
// rationale for the log.
func (e *Engine) decideBuy(spot float64, interval int) (bool, string) {
	var sb strings.Builder
	if interval != 0 {
		fmt.Fprintf(&sb, "Update %dm: ", interval)
	}
	canBuy := true

	e.adviceMu.Lock()
	indAdvice := make(map[int]adviceState, len(e.indAdvice))
	for k, v := range e.indAdvice {
		indAdvice[k] = v
	}
	obAdvice := e.obAdvice
	trAdvice := e.trAdvice
	delayUntil := e.delayUntil
	e.adviceMu.Unlock()

	if e.cfg.IndicatorsEnabled {
		if e.cfg.IndicatorsAverage {
			// Mean mode: one verdict on the average score across the
			// enabled intervals.
			var sum float64
			var n int
			for _, iv := range e.cfg.Intervals() {
				if a, ok := indAdvice[iv]; ok {
					sum += a.Value
					n++
				}
			}
			mean := 0.0
			if n > 0 {
				mean = sum / float64(n)
			}
			ok := n > 0 && mean >= e.cfg.IndicatorsMinimum && mean <= e.cfg.IndicatorsMaximum
			fmt.Fprintf(&sb, "Mean: %.2f %s, ", mean, passFail(ok))
			canBuy = canBuy && ok
		} else {
			for _, iv := range e.cfg.Intervals() {
				a, ok := indAdvice[iv]
				ok = ok && a.Result
				fmt.Fprintf(&sb, "%dm: %.2f %s, ", iv, a.Value, passFail(ok))
				canBuy = canBuy && ok
			}
		}
	}

	if e.cfg.SpreadEnabled {
		ok, near := e.checkSpread(spot)
		fmt.Fprintf(&sb, "Spread: %s%% %s, ", strconv.FormatFloat(near, 'f', 2, 64), passFail(ok))
		canBuy = canBuy && ok
	}

	if e.cfg.OrderbookEnabled {
		fmt.Fprintf(&sb, "Orderbook: %.2f%% %s, ", obAdvice.Value, passFail(obAdvice.Result))
		canBuy = canBuy && obAdvice.Result
	}

	if e.cfg.TradeEnabled {
		fmt.Fprintf(&sb, "Trades: %.2f%% %s, ", trAdvice.Value, passFail(trAdvice.Result))
		canBuy = canBuy && trAdvice.Result
	}

	if e.cfg.PriceCeilingEnabled && e.cfg.PriceCeiling > 0 {
		ok := spot <= e.cfg.PriceCeiling
		fmt.Fprintf(&sb, "Ceiling: %v %s, ", e.cfg.PriceCeiling, passFail(ok))
		canBuy = canBuy && ok
	}

	if e.cfg.BuyDelayEnabled && e.now() < delayUntil {
		sb.WriteString("Delay: active (Fail), ")
		canBuy = false
	}

	if canBuy {
		sb.WriteString("BUY!")
	} else {
		sb.WriteString("NO BUY")
	}
	return canBuy, sb.String()
}

// runBuyMatrix evaluates the matrix and fires a buy when every input
// agrees. Caller holds stateMu.
func (e *Engine) runBuyMatrix(spot float64, interval int) {
	if e.order.Active {
		return
	}
	if halted, _ := e.Halted(); halted {
		return
	}

	canBuy, rationale := e.decideBuy(spot, interval)
	e.logger.Info("Engine: %s", rationale)
	if canBuy {
		e.startBuy(spot)
	}
}
