// Package ledger keeps the local book of unsold buy fills. It is the
// source of truth for what the bot believes it owns; every mutation is
// flushed to a JSON file so a restart resumes exactly where it stopped.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"trailbot/logging"
	"trailbot/models"
)

// Ledger is a whole-file JSON store of buy transactions. All methods
// are safe for concurrent use.
type Ledger struct {
	mu     sync.Mutex
	file   string
	rows   []models.Transaction
	logger logging.LoggerInterface
}

// New creates a ledger backed by the given file. Call Load before use.
func New(file string, logger logging.LoggerInterface) *Ledger {
	return &Ledger{file: file, logger: logger}
}

// Load reads the ledger file. A missing file is a hard error: trading
// against an absent book risks double-buying, so the operator must
// create the file (empty array) deliberately. A file that exists but
// does not parse is treated as empty with a warning.
func (l *Ledger) Load() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.file)
	if err != nil {
		return fmt.Errorf("ledger: cannot read %s: %w", l.file, err)
	}

	var rows []models.Transaction
	if err := json.Unmarshal(data, &rows); err != nil {
		l.logger.Warning("Ledger: %s is malformed, starting with an empty book: %v", l.file, err)
		l.rows = nil
		return nil
	}
	l.rows = rows
	l.logger.Info("Ledger: loaded %d open buy(s) from %s", len(rows), l.file)
	return nil
}

// save writes the whole book. Caller holds the lock.
func (l *Ledger) save() error {
	data, err := json.MarshalIndent(l.rows, "", "  ")
	if err != nil {
		return fmt.Errorf("ledger: marshal: %w", err)
	}
	if err := os.WriteFile(l.file, data, 0o644); err != nil {
		return fmt.Errorf("ledger: write %s: %w", l.file, err)
	}
	return nil
}

// RegisterBuy upserts a buy transaction keyed by order id. The same
// order reported twice (pending then filled) updates in place, so
// replays are harmless.
func (l *Ledger) RegisterBuy(t models.Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, row := range l.rows {
		if row.OrderID == t.OrderID {
			l.rows[i] = t
			l.logger.Debug("Ledger: updated buy %s (status %s)", t.OrderID, t.Status)
			return l.save()
		}
	}
	l.rows = append(l.rows, t)
	l.logger.Info("Ledger: registered buy %s, qty %v at %v", t.OrderID, t.CumExecQty, t.AvgPrice)
	return l.save()
}

// RegisterSell removes the buy rows consumed by a filled sell.
func (l *Ledger) RegisterSell(buyOrderIDs []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	consumed := make(map[string]bool, len(buyOrderIDs))
	for _, id := range buyOrderIDs {
		consumed[id] = true
	}

	kept := l.rows[:0]
	removed := 0
	for _, row := range l.rows {
		if consumed[row.OrderID] {
			removed++
			continue
		}
		kept = append(kept, row)
	}
	l.rows = kept
	l.logger.Info("Ledger: sell consumed %d buy(s), %d remain", removed, len(l.rows))
	return l.save()
}

// Remove drops a single row, used when a pending buy is cancelled
// before it ever filled.
func (l *Ledger) Remove(orderID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, row := range l.rows {
		if row.OrderID == orderID {
			l.rows = append(l.rows[:i], l.rows[i+1:]...)
			l.logger.Info("Ledger: removed cancelled buy %s", orderID)
			return l.save()
		}
	}
	return nil
}

// All returns a copy of the book.
func (l *Ledger) All() []models.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.Transaction, len(l.rows))
	copy(out, l.rows)
	return out
}

// Count returns the number of rows in the book.
func (l *Ledger) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rows)
}

// TotalQty sums the executed base quantity across the book.
func (l *Ledger) TotalQty() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var sum float64
	for _, row := range l.rows {
		sum += row.CumExecQty
	}
	return sum
}

// Eligibility is the outcome of a sell scan at one spot price.
type Eligibility struct {
	CanSell bool
	Qty     float64  // sellable base qty, rounded down to base precision
	Orders  []string // buy order ids backing that qty
	RiseTo  float64  // smallest rise in quote coin before anything sells; 0 if CanSell
}

// CheckSell scans the book for buys that would close at a profit if
// sold at spot. A buy qualifies when it is filled and
// spot >= avgPrice * (1 + (profit+distance)/100), reserving trigger
// room on top of the profit target. When nothing qualifies, RiseTo
// reports how far the price has to rise before the nearest buy does.
func (l *Ledger) CheckSell(spot, profitPct, distancePct, basePrecision float64) Eligibility {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := 1 + (profitPct+distancePct)/100
	var out Eligibility
	minGap := 0.0

	for _, row := range l.rows {
		if row.Status != models.StatusClosed {
			continue
		}
		breakeven := row.AvgPrice * threshold
		if spot >= breakeven {
			out.Qty += row.CumExecQty
			out.Orders = append(out.Orders, row.OrderID)
		} else if gap := breakeven - spot; minGap == 0 || gap < minGap {
			minGap = gap
		}
	}

	out.Qty = models.RoundStep(out.Qty, basePrecision)
	out.CanSell = out.Qty > 0
	if !out.CanSell {
		out.Qty = 0
		out.Orders = nil
		out.RiseTo = minGap
	}
	return out
}

// Rebalance reconciles the book with what the exchange actually holds:
// while the book claims more base coin than the wallet has, the most
// expensive buy is evicted first, keeping the cheap inventory that is
// closest to profitability.
func (l *Ledger) Rebalance(walletBase float64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	byPrice := make([]int, len(l.rows))
	for i := range byPrice {
		byPrice[i] = i
	}
	sort.Slice(byPrice, func(a, b int) bool {
		return l.rows[byPrice[a]].AvgPrice > l.rows[byPrice[b]].AvgPrice
	})

	var total float64
	for _, row := range l.rows {
		total += row.CumExecQty
	}

	evict := make(map[string]bool)
	for _, i := range byPrice {
		if total <= walletBase {
			break
		}
		row := l.rows[i]
		total -= row.CumExecQty
		evict[row.OrderID] = true
		l.logger.Warning("Ledger: rebalance evicting buy %s, qty %v at %v", row.OrderID, row.CumExecQty, row.AvgPrice)
	}
	if len(evict) == 0 {
		return 0, nil
	}

	kept := l.rows[:0]
	for _, row := range l.rows {
		if !evict[row.OrderID] {
			kept = append(kept, row)
		}
	}
	l.rows = kept
	return len(evict), l.save()
}
