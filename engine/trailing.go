package engine

import (
	"trailbot/exchange"
	"trailbot/ledger"
	"trailbot/models"
)

// maxDistanceFailures is the retry budget for numeric breakdowns in the
// distance engine before the engine refuses to keep trading.
const maxDistanceFailures = 3

// trail advances the trailing state machine one tick. Caller holds
// stateMu and has set order.Current.
func (e *Engine) trail() {
	if !e.checkOrder() {
		return
	}
	if !e.order.Active {
		return
	}

	e.order.Previous = e.order.Current

	if err := e.dist.Calculate(&e.order, e.window, e.candlesFor(e.cfg.Interval1)); err != nil {
		e.distFailures++
		e.logger.Warning("Engine: distance failure %d/%d: %v", e.distFailures, maxDistanceFailures, err)
		if e.distFailures >= maxDistanceFailures {
			e.Halt("distance engine failed repeatedly")
			return
		}
	} else {
		e.distFailures = 0
	}
	if e.metrics != nil {
		e.metrics.Fluctuation.Set(e.order.Fluctuation)
	}

	// New trigger candidate from the current price and distance.
	var triggerNew float64
	if e.order.Side == models.Sell {
		triggerNew = models.RoundStep(e.order.Current*(1-e.order.Fluctuation/100), e.Info.TickSize)
	} else {
		triggerNew = models.RoundStep(e.order.Current*(1+e.order.Fluctuation/100), e.Info.TickSize)
	}

	// The trigger only ratchets in the favorable direction: up for
	// sells, down for buys. Anything else is left alone.
	doAmend := (e.order.Side == models.Sell && triggerNew > e.order.Trigger) ||
		(e.order.Side == models.Buy && triggerNew < e.order.Trigger)
	if !doAmend {
		return
	}

	status, err := e.client.AmendTrigger(e.ctx, e.order.OrderID, models.FormatStep(triggerNew, e.Info.TickSize))
	if e.metrics != nil {
		e.metrics.AmendsTotal.WithLabelValues("trigger", status.String()).Inc()
	}
	switch status {
	case exchange.AmendOK:
		e.logger.Info("Engine: adjusted trigger price from %v to %v %s in %s order",
			e.order.Trigger, triggerNew, e.Info.QuoteCoin, e.order.Side)
		e.notifier.Notify(0, "Adjusted trigger price from %v to %v %s in %s order for %s",
			e.order.Trigger, triggerNew, e.Info.QuoteCoin, e.order.Side, e.cfg.Symbol)
		e.order.Trigger = triggerNew
		if e.metrics != nil {
			e.metrics.TriggerPrice.Set(triggerNew)
		}
	case exchange.AmendGone:
		// The trigger fired between our check and the amend.
		e.logger.Info("Engine: %s order slipped, closing trail", e.order.Side)
		e.notifier.Notify(1, "%s order slipped, closing trail for %s", e.order.Side, e.cfg.Symbol)
		e.closeTrail()
	case exchange.AmendUnsupported:
		e.logger.Warning("Engine: trigger amend rejected as unsupported, leaving order as is")
	case exchange.AmendTransient:
		e.logger.Warning("Engine: trigger amend did not complete, retrying on the next tick")
	default:
		e.logger.Error("Engine: critical error amending trigger: %v", err)
		e.Halt("critical error amending trigger price")
	}
}

// checkOrder decides whether the live order needs an existence check
// and performs it. Returns false when the tick is fully handled (the
// order filled or spiked away).
func (e *Engine) checkOrder() bool {
	doCheck := false

	// Fast path: the price crossed the trigger, the order probably
	// fired.
	if e.order.Side == models.Sell && e.order.Current <= e.order.Trigger {
		doCheck = true
	}
	if e.order.Side == models.Buy && e.order.Current >= e.order.Trigger {
		doCheck = true
	}

	// Slow path: orders occasionally fill without the price crossing
	// our trigger copy, so re-check on a timer regardless.
	if e.stuckFresh {
		e.stuckFresh = false
		e.stuckSince = e.now()
	}
	if e.now()-e.stuckSince > e.cfg.StuckIntervalMs {
		e.logger.Debug("Engine: periodic existence check on trailing order")
		e.stuckFresh = true
		e.stuckSince = 0
		doCheck = true
	}

	if !doCheck {
		return true
	}

	live, err := e.client.OpenOrderByID(e.ctx, e.order.OrderID)
	if err != nil {
		e.logger.Error("Engine: order existence check: %v", err)
		return false
	}

	if live == nil {
		// Gone from the books: the trigger fired.
		e.logger.Info("Engine: trailing %s: order has been filled", e.order.Side)
		e.stuckFresh = true
		e.stuckSince = 0
		e.spikeCount = 0
		e.closeTrail()
		return false
	}

	e.checkSpike(live)
	return true
}

// checkSpike detects a trigger stranded on the wrong side of the price
// after a spike. Three consecutive sightings cancel the order; a lone
// observation may just be feed jitter.
func (e *Engine) checkSpike(live *models.Transaction) {
	stranded := (e.order.Side == models.Sell && live.TriggerPrice > e.order.Current) ||
		(e.order.Side == models.Buy && live.TriggerPrice < e.order.Current)
	if !stranded {
		return
	}

	e.spikeCount++
	if e.spikeCount < e.cfg.SpikeConfirms {
		return
	}
	e.spikeCount = 0

	e.logger.Warning("Engine: %s order stranded by a price spike, cancelling", e.order.Side)
	e.notifier.Notify(1, "%s order stranded by a price spike, cancelling for %s", e.order.Side, e.cfg.Symbol)
	if e.metrics != nil {
		e.metrics.SpikesTotal.Inc()
	}

	side := e.order.Side
	orderID := e.order.OrderID
	e.order.Reset()

	if _, err := e.client.CancelOrder(e.ctx, orderID); err != nil {
		e.logger.Error("Engine: cancel after spike: %v", err)
	}
	if side == models.Buy {
		// The pending buy never filled; it must not linger in the book.
		if err := e.book.Remove(orderID); err != nil {
			e.logger.Error("Engine: ledger remove after spike: %v", err)
		}
	}
	e.syncLedgerMetrics()
}

// closeTrail finalizes a filled trailing order: fetch the fill, settle
// the ledger and reset the trailing state. Caller holds stateMu.
func (e *Engine) closeTrail() {
	side := e.order.Side
	orderID := e.order.OrderID
	qty := e.order.Qty
	trigger := e.order.Trigger
	e.order.Reset()
	if e.metrics != nil {
		e.metrics.TriggerPrice.Set(0)
		e.metrics.OrdersFilled.WithLabelValues(side.String()).Inc()
	}

	tx, err := e.client.OrderByID(e.ctx, orderID)
	if err != nil {
		e.logger.Error("Engine: fetch filled order %s: %v", orderID, err)
		e.Halt("could not fetch a filled order, ledger would drift")
		return
	}
	tx.Status = models.StatusClosed

	switch side {
	case models.Buy:
		if err := e.book.RegisterBuy(*tx); err != nil {
			e.logger.Error("Engine: register buy: %v", err)
		}
		e.notifier.Notify(1, "Buy order closed for %v %s with trigger price %v and average fill price %v %s for %s",
			qty, e.Info.QuoteCoin, trigger, tx.AvgPrice, e.Info.QuoteCoin, e.cfg.Symbol)

	case models.Sell:
		profit := e.settleSell(tx)
		e.notifier.Notify(1, "Sell order closed for %v %s with trigger price %v, average fill price %v %s and profit %s %s for %s",
			qty, e.Info.BaseCoin, trigger, tx.AvgPrice, e.Info.QuoteCoin,
			models.FormatStep(profit, e.Info.QuotePrecision), e.Info.QuoteCoin, e.cfg.Symbol)

		// Hold off buying right after a sell; prices that just paid
		// out tend to keep running.
		if e.cfg.BuyDelayEnabled {
			e.adviceMu.Lock()
			e.delayUntil = e.now() + e.cfg.BuyDelayMs
			e.adviceMu.Unlock()
		}
	}
	e.syncLedgerMetrics()
}

// settleSell books a filled sell: removes the matched buys, reconciles
// against the wallet and reports the realized profit.
func (e *Engine) settleSell(tx *models.Transaction) float64 {
	var buys float64
	ids := make([]string, 0, len(e.sellSet))
	for _, b := range e.sellSet {
		buys += b.CumExecValue
		ids = append(ids, b.OrderID)
	}
	profit := tx.CumExecValue - buys
	e.logger.Info("Engine: sells were %v, buys were %v, profit %v %s",
		tx.CumExecValue, buys, profit, e.Info.QuoteCoin)
	if e.metrics != nil && profit > 0 {
		e.metrics.ProfitTotal.Add(profit)
	}

	if err := e.book.RegisterSell(ids); err != nil {
		e.logger.Error("Engine: register sell: %v", err)
	}
	e.sellSet = nil

	e.RebalanceLedger()
	return profit
}

// RebalanceLedger reconciles the book against the wallet equity.
func (e *Engine) RebalanceLedger() {
	equity, err := e.client.WalletBalance(e.ctx, e.Info.BaseCoin)
	if err != nil {
		e.logger.Error("Engine: wallet balance: %v", err)
		return
	}
	evicted, err := e.book.Rebalance(equity)
	if err != nil {
		e.logger.Error("Engine: rebalance: %v", err)
		return
	}
	if evicted > 0 {
		e.notifier.Notify(1, "Rebalanced ledger against wallet, evicted %d buy(s) for %s", evicted, e.cfg.Symbol)
		if e.metrics != nil {
			e.metrics.EvictedTotal.Add(float64(evicted))
		}
	}
}

// cancelBuyForSell cancels a trailing buy because the book became
// sellable. Caller holds stateMu.
func (e *Engine) cancelBuyForSell() {
	e.logger.Warning("Engine: buying while selling is possible, cancelling buy order")
	e.notifier.Notify(1, "Buying whilst selling is possible, cancelling buy order for %s", e.cfg.Symbol)

	orderID := e.order.OrderID
	status, err := e.client.CancelOrder(e.ctx, orderID)
	switch status {
	case exchange.AmendOK:
		e.logger.Info("Engine: buy order cancelled")
		e.order.Reset()
		if err := e.book.Remove(orderID); err != nil {
			e.logger.Error("Engine: ledger remove: %v", err)
		}
	case exchange.AmendGone:
		// Beat us to it: the buy filled, book it properly.
		e.logger.Info("Engine: buy order already filled, closing trail instead")
		e.closeTrail()
	case exchange.AmendTransient:
		// Leave the order armed; the next price change tries again.
		e.logger.Warning("Engine: cancel did not complete, retrying on the next tick")
	default:
		e.logger.Error("Engine: cancel buy: %v", err)
		e.order.Reset()
		e.Halt("critical error cancelling a buy order")
	}
	e.syncLedgerMetrics()
}

// startSell opens a trailing sell for the eligible quantity. Caller
// holds stateMu.
func (e *Engine) startSell(spot float64, el ledger.Eligibility) {
	if e.sellBusy {
		e.logger.Debug("Engine: sell already starting, skipping")
		return
	}
	e.sellBusy = true
	defer func() { e.sellBusy = false }()

	e.logger.Info("Engine: starting trailing sell for %v %s", el.Qty, e.Info.BaseCoin)

	e.order.Side = models.Sell
	e.order.Active = true
	e.order.Start = spot
	e.order.Previous = spot
	e.order.Current = spot
	e.order.Qty = el.Qty
	e.order.QtyNew = el.Qty

	if err := e.dist.Calculate(&e.order, e.window, e.candlesFor(e.cfg.Interval1)); err != nil {
		e.logger.Warning("Engine: distance at sell start: %v", err)
	}
	e.order.Trigger = models.RoundStep(spot*(1-e.order.Fluctuation/100), e.Info.TickSize)
	e.order.TriggerInitial = e.order.Trigger

	orderID, err := e.client.PlaceTriggerOrder(e.ctx, "Sell",
		models.FormatStep(el.Qty, e.Info.BasePrecision),
		models.FormatStep(e.order.Trigger, e.Info.TickSize))
	if err != nil {
		e.logger.Error("Engine: place sell: %v", err)
		e.order.Reset()
		return
	}
	e.order.OrderID = orderID
	e.sellSet = e.matchedBuys(el.Orders)
	if e.metrics != nil {
		e.metrics.OrdersPlaced.WithLabelValues("Sell").Inc()
		e.metrics.TriggerPrice.Set(e.order.Trigger)
	}
	e.notifier.Notify(1, "Sell order opened for %v %s with trigger price %v %s for %s",
		el.Qty, e.Info.BaseCoin, e.order.Trigger, e.Info.QuoteCoin, e.cfg.Symbol)
}

// matchedBuys resolves the ledger rows backing a sell set.
func (e *Engine) matchedBuys(ids []string) []models.Transaction {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []models.Transaction
	for _, row := range e.book.All() {
		if want[row.OrderID] {
			out = append(out, row)
		}
	}
	return out
}

// amendSellQty grows the live sell to cover newly profitable buys.
// Caller holds stateMu.
func (e *Engine) amendSellQty(el ledger.Eligibility) {
	status, err := e.client.AmendQty(e.ctx, e.order.OrderID,
		models.FormatStep(e.order.QtyNew, e.Info.BasePrecision))
	if e.metrics != nil {
		e.metrics.AmendsTotal.WithLabelValues("qty", status.String()).Inc()
	}
	switch status {
	case exchange.AmendOK:
		e.logger.Info("Engine: adjusted quantity from %v to %v %s in sell order",
			e.order.Qty, e.order.QtyNew, e.Info.BaseCoin)
		e.notifier.Notify(0, "Adjusted quantity from %v to %v %s in sell order for %s",
			e.order.Qty, e.order.QtyNew, e.Info.BaseCoin, e.cfg.Symbol)
		e.order.Qty = e.order.QtyNew
		e.sellSet = e.matchedBuys(el.Orders)
	case exchange.AmendGone:
		e.logger.Info("Engine: quantity amend impossible, sell order already hit")
	case exchange.AmendUnsupported:
		e.logger.Info("Engine: sell quantity could not be changed, leaving order as is")
	case exchange.AmendTransient:
		e.logger.Info("Engine: quantity amend did not complete, retrying on the next tick")
	default:
		e.logger.Error("Engine: critical error amending quantity: %v", err)
		e.Halt("critical error amending sell quantity")
	}
}

// startBuy opens a trailing buy for the minimum order amount. Caller
// holds stateMu.
func (e *Engine) startBuy(spot float64) {
	if e.buyBusy {
		e.logger.Debug("Engine: buy already starting, skipping")
		return
	}
	e.buyBusy = true
	defer func() { e.buyBusy = false }()

	e.logger.Info("Engine: buy matrix fired, starting trailing buy")

	e.order.Side = models.Buy
	e.order.Active = true
	e.order.Start = spot
	e.order.Previous = spot
	e.order.Current = spot
	e.order.Qty = e.Info.MinBuyQuote

	if err := e.dist.Calculate(&e.order, e.window, e.candlesFor(e.cfg.Interval1)); err != nil {
		e.logger.Warning("Engine: distance at buy start: %v", err)
	}
	e.order.Trigger = models.RoundStep(spot*(1+e.order.Fluctuation/100), e.Info.TickSize)
	e.order.TriggerInitial = e.order.Trigger

	orderID, err := e.client.PlaceTriggerOrder(e.ctx, "Buy",
		models.FormatStep(e.order.Qty, e.Info.QuotePrecision),
		models.FormatStep(e.order.Trigger, e.Info.TickSize))
	if err != nil {
		e.logger.Error("Engine: place buy: %v", err)
		e.order.Reset()
		return
	}
	e.order.OrderID = orderID
	if e.metrics != nil {
		e.metrics.OrdersPlaced.WithLabelValues("Buy").Inc()
		e.metrics.TriggerPrice.Set(e.order.Trigger)
	}

	// Book the pending buy immediately so a restart knows about it.
	if tx, err := e.client.OrderByID(e.ctx, orderID); err == nil {
		tx.Status = models.StatusOpen
		if err := e.book.RegisterBuy(*tx); err != nil {
			e.logger.Error("Engine: register pending buy: %v", err)
		}
	} else {
		e.logger.Error("Engine: fetch pending buy: %v", err)
	}
	e.syncLedgerMetrics()

	e.notifier.Notify(1, "Buy order opened for %v %s with trigger price %v %s for %s",
		e.order.Qty, e.Info.QuoteCoin, e.order.Trigger, e.Info.QuoteCoin, e.cfg.Symbol)
}

func (e *Engine) candlesFor(interval int) []models.Kline {
	if c, ok := e.candles[interval]; ok {
		return c.Snapshot()
	}
	return nil
}

func (e *Engine) syncLedgerMetrics() {
	if e.metrics == nil {
		return
	}
	e.metrics.LedgerRows.Set(float64(e.book.Count()))
	e.metrics.LedgerQty.Set(e.book.TotalQty())
}
