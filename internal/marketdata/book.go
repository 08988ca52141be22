// Package marketdata implements the Market-Data Hub (C2): a local mirror
// of every subscribed venue order book, ticker, trade tape, and candle
// series, kept consistent via the venue's documented update-ID sequencing
// and re-synced from a fresh snapshot on any detected gap. The local book
// generalizes the reference bot's per-market Book (two hardcoded YES/NO
// token sides, string-encoded prices) to one decimal order book per
// (venue, symbol), diff-applied instead of only full-snapshot-applied.
package marketdata

import (
	"sort"
	"sync"
	"time"

	"github.com/titancore/futurescore/pkg/types"
)

// Book maintains a local mirror of one venue/symbol's order book,
// applying the venue's documented diff-depth sequencing: a depth diff
// covering [U, u] can be applied only once the book's lastUpdateId is
// within [U-1, u]; anything older is stale, anything with a gap forces a
// re-snapshot.
type Book struct {
	mu        sync.RWMutex
	venue     string
	symbol    string
	snapshot  types.OrderBook
	updated   time.Time
	desynced  bool
}

// NewBook creates an empty local book for (venue, symbol).
func NewBook(venue, symbol string) *Book {
	return &Book{venue: venue, symbol: symbol}
}

// ApplySnapshot replaces the book wholesale — called on first subscribe
// and after any ApplyDiff reports a sequence gap.
func (b *Book) ApplySnapshot(book types.OrderBook) {
	b.mu.Lock()
	defer b.mu.Unlock()

	book.Venue = b.venue
	book.Symbol = b.symbol
	sortLevels(book.Bids, book.Asks)
	b.snapshot = book
	b.updated = time.Now().UTC()
	b.desynced = false
}

// ApplyDiff folds an incremental depth update into the book. It returns
// false if the diff cannot be applied because of a sequence gap, in which
// case the caller must fetch a fresh snapshot.
func (b *Book) ApplyDiff(diff types.DepthDiff) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.snapshot.LastUpdateID == 0 {
		b.desynced = true
		return false
	}
	if diff.FinalUpdateID <= b.snapshot.LastUpdateID {
		return true // stale diff, already applied, not a gap
	}
	if diff.FirstUpdateID > b.snapshot.LastUpdateID+1 {
		b.desynced = true
		return false
	}

	b.snapshot.Bids = mergeLevels(b.snapshot.Bids, diff.Bids, true)
	b.snapshot.Asks = mergeLevels(b.snapshot.Asks, diff.Asks, false)
	b.snapshot.LastUpdateID = diff.FinalUpdateID
	b.snapshot.EventTime = diff.EventTime
	b.updated = time.Now().UTC()
	return true
}

// mergeLevels applies price-level updates (qty 0 = remove) and keeps the
// result sorted descending for bids, ascending for asks.
func mergeLevels(levels []types.PriceLevel, updates []types.PriceLevel, descending bool) []types.PriceLevel {
	byPrice := make(map[string]types.PriceLevel, len(levels))
	order := make([]string, 0, len(levels))
	for _, l := range levels {
		k := l.Price.String()
		if _, exists := byPrice[k]; !exists {
			order = append(order, k)
		}
		byPrice[k] = l
	}
	for _, u := range updates {
		k := u.Price.String()
		if u.Qty.IsZero() {
			delete(byPrice, k)
			continue
		}
		if _, exists := byPrice[k]; !exists {
			order = append(order, k)
		}
		byPrice[k] = u
	}

	out := make([]types.PriceLevel, 0, len(byPrice))
	for _, k := range order {
		if lvl, ok := byPrice[k]; ok {
			out = append(out, lvl)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}

func sortLevels(bids, asks []types.PriceLevel) {
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price.GreaterThan(bids[j].Price) })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price.LessThan(asks[j].Price) })
}

// Snapshot returns a copy of the current book state.
func (b *Book) Snapshot() types.OrderBook {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshot
}

// MidPrice returns (bestBid+bestAsk)/2, or false if either side is empty.
func (b *Book) MidPrice() (types.D, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.snapshot.Bids) == 0 || len(b.snapshot.Asks) == 0 {
		return types.Zero, false
	}
	sum := b.snapshot.Bids[0].Price.Add(b.snapshot.Asks[0].Price)
	return sum.Div(decimalTwo()), true
}

func decimalTwo() types.D { return types.One.Add(types.One) }

// IsStale reports whether the book hasn't been updated within maxAge.
func (b *Book) IsStale(maxAge time.Duration) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.updated.IsZero() {
		return true
	}
	return time.Since(b.updated) > maxAge
}

// NeedsResnapshot reports whether a gap was detected and the caller must
// re-fetch a full snapshot before further diffs can be applied.
func (b *Book) NeedsResnapshot() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.desynced
}
