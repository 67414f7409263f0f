package ledger

import (
	"os"
	"path/filepath"
	"testing"

	"trailbot/logging"
	"trailbot/models"
)

func newTestLedger(t *testing.T, contents string) *Ledger {
	t.Helper()
	file := filepath.Join(t.TempDir(), "ledger.json")
	if err := os.WriteFile(file, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	l := New(file, logging.Nop{})
	if err := l.Load(); err != nil {
		t.Fatal(err)
	}
	return l
}

func buy(id string, price, qty float64) models.Transaction {
	return models.Transaction{
		OrderID:    id,
		Side:       "Buy",
		AvgPrice:   price,
		CumExecQty: qty,
		Status:     models.StatusClosed,
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "nope.json"), logging.Nop{})
	if err := l.Load(); err == nil {
		t.Fatal("expected an error for a missing ledger file")
	}
}

func TestLoadMalformedFileStartsEmpty(t *testing.T) {
	l := newTestLedger(t, "{not json")
	if l.Count() != 0 {
		t.Errorf("rows = %d, want 0", l.Count())
	}
	// The store must still be writable afterwards.
	if err := l.RegisterBuy(buy("a", 100, 1)); err != nil {
		t.Fatal(err)
	}
	if l.Count() != 1 {
		t.Errorf("rows = %d, want 1", l.Count())
	}
}

func TestRegisterBuyUpsertsByOrderID(t *testing.T) {
	l := newTestLedger(t, "[]")

	pending := buy("o1", 100, 0)
	pending.Status = models.StatusOpen
	if err := l.RegisterBuy(pending); err != nil {
		t.Fatal(err)
	}
	filled := buy("o1", 100, 0.5)
	if err := l.RegisterBuy(filled); err != nil {
		t.Fatal(err)
	}

	rows := l.All()
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	if rows[0].Status != models.StatusClosed || rows[0].CumExecQty != 0.5 {
		t.Errorf("row not updated in place: %+v", rows[0])
	}
}

func TestRegisterBuyPersists(t *testing.T) {
	file := filepath.Join(t.TempDir(), "ledger.json")
	if err := os.WriteFile(file, []byte("[]"), 0o644); err != nil {
		t.Fatal(err)
	}
	l := New(file, logging.Nop{})
	if err := l.Load(); err != nil {
		t.Fatal(err)
	}
	if err := l.RegisterBuy(buy("o1", 100, 1)); err != nil {
		t.Fatal(err)
	}

	reloaded := New(file, logging.Nop{})
	if err := reloaded.Load(); err != nil {
		t.Fatal(err)
	}
	if reloaded.Count() != 1 {
		t.Errorf("reloaded rows = %d, want 1", reloaded.Count())
	}
}

func TestRegisterSellRemovesConsumedBuys(t *testing.T) {
	l := newTestLedger(t, "[]")
	for _, b := range []models.Transaction{buy("a", 100, 1), buy("b", 101, 1), buy("c", 102, 1)} {
		if err := l.RegisterBuy(b); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.RegisterSell([]string{"a", "c"}); err != nil {
		t.Fatal(err)
	}
	rows := l.All()
	if len(rows) != 1 || rows[0].OrderID != "b" {
		t.Errorf("rows = %+v, want only b", rows)
	}
}

func TestRemoveDropsPendingBuy(t *testing.T) {
	l := newTestLedger(t, "[]")
	if err := l.RegisterBuy(buy("a", 100, 1)); err != nil {
		t.Fatal(err)
	}
	if err := l.Remove("a"); err != nil {
		t.Fatal(err)
	}
	if err := l.Remove("ghost"); err != nil {
		t.Fatal(err)
	}
	if l.Count() != 0 {
		t.Errorf("rows = %d, want 0", l.Count())
	}
}

func TestCheckSell(t *testing.T) {
	l := newTestLedger(t, "[]")
	for _, b := range []models.Transaction{
		buy("cheap", 100, 1.0),
		buy("mid", 105, 2.0),
		buy("dear", 120, 1.5),
	} {
		if err := l.RegisterBuy(b); err != nil {
			t.Fatal(err)
		}
	}
	open := buy("pending", 90, 3.0)
	open.Status = models.StatusOpen
	if err := l.RegisterBuy(open); err != nil {
		t.Fatal(err)
	}

	// profit 1%, distance 1%: threshold factor 1.02.
	el := l.CheckSell(108, 1, 1, 0.001)
	if !el.CanSell {
		t.Fatal("expected sellable inventory at 108")
	}
	if el.Qty != 3.0 {
		t.Errorf("qty = %v, want 3.0 (cheap + mid)", el.Qty)
	}
	if len(el.Orders) != 2 {
		t.Errorf("orders = %v, want cheap and mid", el.Orders)
	}

	// Below every threshold: report how far the price must rise.
	el = l.CheckSell(100, 1, 1, 0.001)
	if el.CanSell {
		t.Fatal("nothing should be sellable at 100")
	}
	if el.RiseTo != 2 {
		t.Errorf("riseTo = %v, want 2 (cheapest breakeven is 102)", el.RiseTo)
	}
}

func TestCheckSellRoundsDownToPrecision(t *testing.T) {
	l := newTestLedger(t, "[]")
	if err := l.RegisterBuy(buy("a", 100, 0.123456)); err != nil {
		t.Fatal(err)
	}
	el := l.CheckSell(200, 1, 1, 0.001)
	if el.Qty != 0.123 {
		t.Errorf("qty = %v, want 0.123", el.Qty)
	}
}

func TestRebalanceEvictsMostExpensiveFirst(t *testing.T) {
	l := newTestLedger(t, "[]")
	for _, b := range []models.Transaction{
		buy("low", 95, 1.0),
		buy("mid", 100, 1.0),
		buy("high", 110, 1.0),
	} {
		if err := l.RegisterBuy(b); err != nil {
			t.Fatal(err)
		}
	}

	// Wallet only backs 1.5 of the booked 3.0: the two most expensive
	// rows must go.
	evicted, err := l.Rebalance(1.5)
	if err != nil {
		t.Fatal(err)
	}
	if evicted != 2 {
		t.Errorf("evicted = %d, want 2", evicted)
	}
	rows := l.All()
	if len(rows) != 1 || rows[0].OrderID != "low" {
		t.Errorf("rows = %+v, want only the cheapest buy", rows)
	}
}

func TestRebalanceNoOpWhenBacked(t *testing.T) {
	l := newTestLedger(t, "[]")
	if err := l.RegisterBuy(buy("a", 100, 1)); err != nil {
		t.Fatal(err)
	}
	evicted, err := l.Rebalance(5)
	if err != nil {
		t.Fatal(err)
	}
	if evicted != 0 || l.Count() != 1 {
		t.Errorf("evicted = %d rows = %d, want 0 and 1", evicted, l.Count())
	}
}
