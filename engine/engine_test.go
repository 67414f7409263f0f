package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"trailbot/config"
	"trailbot/exchange"
	"trailbot/ledger"
	"trailbot/logging"
	"trailbot/models"
)

// fakeExchange records calls and plays back configured responses.
type fakeExchange struct {
	placedSides    []string
	placedTriggers []string
	nextOrderID    string

	// Optional gate: PlaceTriggerOrder signals entry and blocks until
	// released, letting tests hold a tick mid-flight.
	placeEntered chan struct{}
	placeGate    chan struct{}

	amendTriggerStatus exchange.AmendStatus
	amendedTriggers    []string
	amendQtyStatus     exchange.AmendStatus
	amendedQtys        []string

	cancelStatus exchange.AmendStatus
	cancelled    []string

	openOrder *models.Transaction // nil means gone from the books
	byID      map[string]*models.Transaction
	wallet    float64
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		nextOrderID: "oid-1",
		byID:        make(map[string]*models.Transaction),
		wallet:      1e9,
	}
}

func (f *fakeExchange) PlaceTriggerOrder(_ context.Context, side, qty, trigger string) (string, error) {
	if f.placeGate != nil {
		f.placeEntered <- struct{}{}
		<-f.placeGate
	}
	f.placedSides = append(f.placedSides, side)
	f.placedTriggers = append(f.placedTriggers, trigger)
	return f.nextOrderID, nil
}

func (f *fakeExchange) AmendTrigger(_ context.Context, orderID, trigger string) (exchange.AmendStatus, error) {
	f.amendedTriggers = append(f.amendedTriggers, trigger)
	return f.amendTriggerStatus, nil
}

func (f *fakeExchange) AmendQty(_ context.Context, orderID, qty string) (exchange.AmendStatus, error) {
	f.amendedQtys = append(f.amendedQtys, qty)
	return f.amendQtyStatus, nil
}

func (f *fakeExchange) CancelOrder(_ context.Context, orderID string) (exchange.AmendStatus, error) {
	f.cancelled = append(f.cancelled, orderID)
	return f.cancelStatus, nil
}

func (f *fakeExchange) OrderByID(_ context.Context, orderID string) (*models.Transaction, error) {
	if tx, ok := f.byID[orderID]; ok {
		cp := *tx
		return &cp, nil
	}
	return &models.Transaction{OrderID: orderID}, nil
}

func (f *fakeExchange) OpenOrderByID(_ context.Context, orderID string) (*models.Transaction, error) {
	if f.openOrder == nil {
		return nil, nil
	}
	cp := *f.openOrder
	return &cp, nil
}

func (f *fakeExchange) WalletBalance(_ context.Context, coin string) (float64, error) {
	return f.wallet, nil
}

func (f *fakeExchange) Klines(_ context.Context, interval, limit int) ([]models.Kline, error) {
	return nil, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Symbol:          "BTCUSDT",
		Wiggle:          "Fixed",
		Distance:        1.0,
		Profit:          1.0,
		StuckIntervalMs: 60000,
		SpikeConfirms:   3,
		PriceLimit:      100,
		KlineLimit:      50,
	}
}

func newTestEngine(t *testing.T, cfg *config.Config, ledgerJSON string) (*Engine, *fakeExchange, *ledger.Ledger) {
	t.Helper()
	file := filepath.Join(t.TempDir(), "ledger.json")
	if err := os.WriteFile(file, []byte(ledgerJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	book := ledger.New(file, logging.Nop{})
	if err := book.Load(); err != nil {
		t.Fatal(err)
	}

	fake := newFakeExchange()
	e := New(context.Background(), cfg, logging.Nop{}, fake, book, nil, nil)
	e.Info = models.InstrumentInfo{
		Symbol: "BTCUSDT", BaseCoin: "BTC", QuoteCoin: "USDT",
		BasePrecision: 0.000001, QuotePrecision: 0.01,
		TickSize: 0.01, MinBuyQuote: 10,
	}
	clock := int64(1_700_000_000_000)
	e.now = func() int64 { return clock }
	return e, fake, book
}

// arm puts a live trailing order into the engine directly.
func arm(e *Engine, side models.Side, trigger, spot float64) {
	e.order.Side = side
	e.order.Active = true
	e.order.Start = spot
	e.order.Previous = spot
	e.order.Current = spot
	e.order.OrderID = "live-1"
	e.order.Trigger = trigger
	e.order.TriggerInitial = trigger
	e.order.Qty = 0.5
	e.spot = spot
}

func tick(e *Engine, ts int64, price float64) {
	e.OnTicker(models.Ticker{Time: ts, LastPrice: price})
}

func TestSellTriggerRatchetsUpOnly(t *testing.T) {
	e, fake, _ := newTestEngine(t, testConfig(), "[]")
	arm(e, models.Sell, 99, 100)
	fake.openOrder = &models.Transaction{OrderID: "live-1", TriggerPrice: 99}

	// Price rises: trigger follows at 1% distance.
	tick(e, 1, 102)
	if len(fake.amendedTriggers) != 1 || fake.amendedTriggers[0] != "100.98" {
		t.Fatalf("amends = %v, want one amend to 100.98", fake.amendedTriggers)
	}
	if e.order.Trigger != 100.98 {
		t.Errorf("trigger = %v, want 100.98", e.order.Trigger)
	}

	// Price dips without crossing: a lower candidate is never applied.
	tick(e, 2, 101.5)
	if len(fake.amendedTriggers) != 1 {
		t.Errorf("amends = %v, trigger must never ratchet down", fake.amendedTriggers)
	}
	if e.order.Trigger != 100.98 {
		t.Errorf("trigger = %v, want unchanged 100.98", e.order.Trigger)
	}
}

func TestBuyTriggerRatchetsDownOnly(t *testing.T) {
	e, fake, _ := newTestEngine(t, testConfig(), "[]")
	arm(e, models.Buy, 101, 100)
	fake.openOrder = &models.Transaction{OrderID: "live-1", TriggerPrice: 101}

	tick(e, 1, 98)
	if len(fake.amendedTriggers) != 1 || fake.amendedTriggers[0] != "98.98" {
		t.Fatalf("amends = %v, want one amend to 98.98", fake.amendedTriggers)
	}

	tick(e, 2, 99)
	if len(fake.amendedTriggers) != 1 {
		t.Errorf("amends = %v, buy trigger must never ratchet up", fake.amendedTriggers)
	}
}

func TestSellFillSettlesLedger(t *testing.T) {
	rows := `[{"orderId":"b1","side":"Buy","avgPrice":90,"cumExecQty":0.5,"cumExecValue":45,"status":"Closed"}]`
	e, fake, book := newTestEngine(t, testConfig(), rows)
	arm(e, models.Sell, 99, 100)
	e.sellSet = book.All()
	fake.openOrder = nil // gone: the trigger fired
	fake.byID["live-1"] = &models.Transaction{
		OrderID: "live-1", Side: "Sell", OrderStatus: "Filled",
		AvgPrice: 99, CumExecQty: 0.5, CumExecValue: 49.5,
	}

	tick(e, 1, 98.9) // crosses the trigger
	if e.order.Active {
		t.Fatal("order should be closed after the fill")
	}
	if book.Count() != 0 {
		t.Errorf("ledger rows = %d, want 0 after the matched buy is consumed", book.Count())
	}
	if e.sellSet != nil {
		t.Error("sell set should be cleared")
	}
}

func TestBuyFillRegistersInLedger(t *testing.T) {
	e, fake, book := newTestEngine(t, testConfig(), "[]")
	arm(e, models.Buy, 101, 100)
	fake.openOrder = nil
	fake.byID["live-1"] = &models.Transaction{
		OrderID: "live-1", Side: "Buy", OrderStatus: "Filled",
		AvgPrice: 101.2, CumExecQty: 0.1, CumExecValue: 10.12,
	}

	tick(e, 1, 101.5)
	if e.order.Active {
		t.Fatal("order should be closed after the fill")
	}
	rows := book.All()
	if len(rows) != 1 || rows[0].Status != models.StatusClosed {
		t.Fatalf("ledger rows = %+v, want one closed buy", rows)
	}
}

func TestSpikeCancelsSellAfterConfirms(t *testing.T) {
	e, fake, _ := newTestEngine(t, testConfig(), "[]")
	arm(e, models.Sell, 99, 100)
	// Live trigger stranded above the market: it should have fired.
	fake.openOrder = &models.Transaction{OrderID: "live-1", TriggerPrice: 99}

	tick(e, 1, 98)
	tick(e, 2, 97.9)
	if len(fake.cancelled) != 0 {
		t.Fatal("cancel must wait for the confirmation count")
	}
	tick(e, 3, 97.8)
	if len(fake.cancelled) != 1 || fake.cancelled[0] != "live-1" {
		t.Fatalf("cancelled = %v, want live-1 after 3 confirms", fake.cancelled)
	}
	if e.order.Active {
		t.Error("order should be inactive after the spike cancel")
	}
}

func TestSpikeOnBuyRemovesPendingLedgerRow(t *testing.T) {
	rows := `[{"orderId":"live-1","side":"Buy","avgPrice":0,"cumExecQty":0,"status":"Open"}]`
	e, fake, book := newTestEngine(t, testConfig(), rows)
	arm(e, models.Buy, 102, 100)
	fake.openOrder = &models.Transaction{OrderID: "live-1", TriggerPrice: 102}

	tick(e, 1, 103)
	tick(e, 2, 103.1)
	tick(e, 3, 103.2)
	if len(fake.cancelled) != 1 {
		t.Fatalf("cancelled = %v, want 1", fake.cancelled)
	}
	if book.Count() != 0 {
		t.Errorf("ledger rows = %d, the pending buy must be removed", book.Count())
	}
}

func TestStuckTimerForcesExistenceCheck(t *testing.T) {
	e, fake, _ := newTestEngine(t, testConfig(), "[]")
	arm(e, models.Sell, 90, 100) // trigger far away, fast path never fires
	fake.openOrder = nil
	fake.byID["live-1"] = &models.Transaction{
		OrderID: "live-1", Side: "Sell", OrderStatus: "Filled", CumExecValue: 45,
	}

	base := int64(1_700_000_000_000)
	clock := base
	e.now = func() int64 { return clock }

	tick(e, 1, 100.5) // arms the stuck timer
	if !e.order.Active {
		t.Fatal("order must survive the first tick")
	}

	clock = base + e.cfg.StuckIntervalMs + 1
	tick(e, 2, 100.6)
	if e.order.Active {
		t.Error("stuck timer should have detected the silent fill")
	}
}

func TestSellStartsWhenBookIsProfitable(t *testing.T) {
	rows := `[{"orderId":"b1","side":"Buy","avgPrice":90,"cumExecQty":0.5,"cumExecValue":45,"status":"Closed"}]`
	cfg := testConfig()
	e, fake, _ := newTestEngine(t, cfg, rows)
	e.SetSpot(99)

	// 100 >= 90 * 1.02, so the buy is profitable with trigger room.
	tick(e, 1, 100)
	if len(fake.placedSides) != 1 || fake.placedSides[0] != "Sell" {
		t.Fatalf("placed = %v, want one sell", fake.placedSides)
	}
	if !e.order.Active || e.order.Side != models.Sell {
		t.Fatal("expected an active trailing sell")
	}
	if e.order.Trigger != 99 { // 100 * (1 - 1%)
		t.Errorf("trigger = %v, want 99", e.order.Trigger)
	}
	if len(e.sellSet) != 1 || e.sellSet[0].OrderID != "b1" {
		t.Errorf("sellSet = %+v, want the matched buy", e.sellSet)
	}
}

func TestTrailingBuyCancelledWhenSellable(t *testing.T) {
	rows := `[` +
		`{"orderId":"b1","side":"Buy","avgPrice":90,"cumExecQty":0.5,"cumExecValue":45,"status":"Closed"},` +
		`{"orderId":"live-1","side":"Buy","avgPrice":0,"cumExecQty":0,"status":"Open"}]`
	e, fake, book := newTestEngine(t, testConfig(), rows)
	arm(e, models.Buy, 101, 100)
	fake.openOrder = &models.Transaction{OrderID: "live-1", TriggerPrice: 101}

	// Price pushes the cheap buy into profit while the buy trails.
	tick(e, 1, 100.5)
	if len(fake.cancelled) != 1 || fake.cancelled[0] != "live-1" {
		t.Fatalf("cancelled = %v, want the trailing buy", fake.cancelled)
	}
	// The pending row is gone, the profitable one stays, and a sell
	// takes over.
	if book.Count() != 1 {
		t.Errorf("ledger rows = %d, want 1", book.Count())
	}
	if !e.order.Active || e.order.Side != models.Sell {
		t.Error("expected the sell to take over after the cancel")
	}
}

func TestSellQtyAmendFollowsBook(t *testing.T) {
	rows := `[` +
		`{"orderId":"b1","side":"Buy","avgPrice":90,"cumExecQty":0.5,"cumExecValue":45,"status":"Closed"},` +
		`{"orderId":"b2","side":"Buy","avgPrice":98,"cumExecQty":0.25,"cumExecValue":24.5,"status":"Closed"}]`
	e, fake, book := newTestEngine(t, testConfig(), rows)
	arm(e, models.Sell, 99.5, 100)
	e.order.Qty = 0.5
	e.sellSet = book.All()[:1]
	fake.openOrder = &models.Transaction{OrderID: "live-1", TriggerPrice: 99.5}

	// At 101 the second buy clears 98*1.02 = 99.96 as well.
	tick(e, 1, 101)
	if len(fake.amendedQtys) != 1 || fake.amendedQtys[0] != "0.750000" {
		t.Fatalf("qty amends = %v, want one amend to 0.750000", fake.amendedQtys)
	}
	if e.order.Qty != 0.75 {
		t.Errorf("qty = %v, want 0.75", e.order.Qty)
	}
	if len(e.sellSet) != 2 {
		t.Errorf("sellSet = %d rows, want 2", len(e.sellSet))
	}
}

func TestBusyTickCatchesUpToLatestPrice(t *testing.T) {
	rows := `[{"orderId":"b1","side":"Buy","avgPrice":90,"cumExecQty":0.5,"cumExecValue":45,"status":"Closed"}]`
	e, fake, _ := newTestEngine(t, testConfig(), rows)
	e.SetSpot(99)
	fake.placeEntered = make(chan struct{})
	fake.placeGate = make(chan struct{})
	fake.openOrder = &models.Transaction{OrderID: "oid-1", TriggerPrice: 99}

	// The first tick starts a sell and blocks inside the placement.
	done := make(chan struct{})
	go func() {
		tick(e, 1, 100)
		close(done)
	}()
	<-fake.placeEntered

	// A newer price arrives while the tick is in flight; it must not
	// be lost when the running tick finishes.
	tick(e, 2, 101)
	close(fake.placeGate)
	<-done

	if e.spot != 101 {
		t.Errorf("spot = %v, want the caught-up price 101", e.spot)
	}
	if len(fake.placedSides) != 1 {
		t.Errorf("placed = %v, catch-up must reuse the live order", fake.placedSides)
	}
}

func TestHaltStopsTrading(t *testing.T) {
	rows := `[{"orderId":"b1","side":"Buy","avgPrice":90,"cumExecQty":0.5,"cumExecValue":45,"status":"Closed"}]`
	e, fake, _ := newTestEngine(t, testConfig(), rows)
	e.SetSpot(99)
	e.Halt("test")

	tick(e, 1, 100)
	if len(fake.placedSides) != 0 {
		t.Errorf("placed = %v, halted engine must not trade", fake.placedSides)
	}
	if halted, reason := e.Halted(); !halted || reason != "test" {
		t.Errorf("halted = %v %q", halted, reason)
	}
}

func TestTransientAmendKeepsLocalTrigger(t *testing.T) {
	e, fake, _ := newTestEngine(t, testConfig(), "[]")
	arm(e, models.Sell, 99, 100)
	fake.openOrder = &models.Transaction{OrderID: "live-1", TriggerPrice: 99}
	fake.amendTriggerStatus = exchange.AmendTransient

	tick(e, 1, 102)
	if len(fake.amendedTriggers) != 1 {
		t.Fatalf("amends = %v, want one attempt", fake.amendedTriggers)
	}
	// The exchange state is unknown, so the local trigger must not
	// advance and trading must not halt.
	if e.order.Trigger != 99 {
		t.Errorf("trigger = %v, want unchanged 99", e.order.Trigger)
	}
	if halted, _ := e.Halted(); halted {
		t.Error("a transient amend failure must not halt the engine")
	}

	// Once the exchange answers again the ratchet resumes.
	fake.amendTriggerStatus = exchange.AmendOK
	tick(e, 2, 102.5)
	if e.order.Trigger != 101.47 { // 102.5 * (1 - 1%)
		t.Errorf("trigger = %v, want 101.47 after recovery", e.order.Trigger)
	}
}

func TestTransientCancelKeepsOrderAndLedger(t *testing.T) {
	rows := `[` +
		`{"orderId":"b1","side":"Buy","avgPrice":90,"cumExecQty":0.5,"cumExecValue":45,"status":"Closed"},` +
		`{"orderId":"live-1","side":"Buy","avgPrice":0,"cumExecQty":0,"status":"Open"}]`
	e, fake, book := newTestEngine(t, testConfig(), rows)
	arm(e, models.Buy, 101, 100)
	fake.openOrder = &models.Transaction{OrderID: "live-1", TriggerPrice: 101}
	fake.cancelStatus = exchange.AmendTransient

	tick(e, 1, 100.5)
	if len(fake.cancelled) != 1 {
		t.Fatalf("cancelled = %v, want one attempt", fake.cancelled)
	}
	// The buy may still be live on the exchange: keep trailing it, keep
	// its ledger row, and do not open a competing sell.
	if !e.order.Active || e.order.Side != models.Buy {
		t.Fatal("order must stay armed after a transient cancel failure")
	}
	if book.Count() != 2 {
		t.Errorf("ledger rows = %d, want 2", book.Count())
	}
	if len(fake.placedSides) != 0 {
		t.Errorf("placed = %v, no sell while the buy might be live", fake.placedSides)
	}
	if halted, _ := e.Halted(); halted {
		t.Error("a transient cancel failure must not halt the engine")
	}
}

func TestCriticalAmendHaltsEngine(t *testing.T) {
	e, fake, _ := newTestEngine(t, testConfig(), "[]")
	arm(e, models.Sell, 99, 100)
	fake.openOrder = &models.Transaction{OrderID: "live-1", TriggerPrice: 99}
	fake.amendTriggerStatus = exchange.AmendCritical

	tick(e, 1, 102)
	if halted, _ := e.Halted(); !halted {
		t.Error("a critical amend failure must halt the engine")
	}
}

func TestStatusSnapshot(t *testing.T) {
	e, _, _ := newTestEngine(t, testConfig(), "[]")
	e.SetSpot(123.45)
	snap := e.Status()
	if snap.Symbol != "BTCUSDT" || snap.Spot != 123.45 {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.Halted {
		t.Error("fresh engine should not be halted")
	}
}
