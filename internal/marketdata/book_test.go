package marketdata

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/titancore/futurescore/pkg/types"
)

func level(price, qty string) types.PriceLevel {
	p, _ := decimal.NewFromString(price)
	q, _ := decimal.NewFromString(qty)
	return types.PriceLevel{Price: p, Qty: q}
}

func TestApplySnapshotSortsLevels(t *testing.T) {
	t.Parallel()
	b := NewBook("binance-futures", "BTCUSDT")
	b.ApplySnapshot(types.OrderBook{
		Bids:         []types.PriceLevel{level("100", "1"), level("102", "1")},
		Asks:         []types.PriceLevel{level("105", "1"), level("103", "1")},
		LastUpdateID: 10,
	})

	snap := b.Snapshot()
	require.True(t, snap.Bids[0].Price.GreaterThan(snap.Bids[1].Price))
	require.True(t, snap.Asks[0].Price.LessThan(snap.Asks[1].Price))
}

func TestApplyDiffWithinSequenceUpdatesBook(t *testing.T) {
	t.Parallel()
	b := NewBook("binance-futures", "BTCUSDT")
	b.ApplySnapshot(types.OrderBook{
		Bids:         []types.PriceLevel{level("100", "1")},
		Asks:         []types.PriceLevel{level("101", "1")},
		LastUpdateID: 10,
	})

	ok := b.ApplyDiff(types.DepthDiff{
		FirstUpdateID: 11,
		FinalUpdateID: 12,
		Bids:          []types.PriceLevel{level("100", "2")},
		EventTime:     time.Now(),
	})
	require.True(t, ok)
	require.False(t, b.NeedsResnapshot())

	snap := b.Snapshot()
	require.True(t, snap.Bids[0].Qty.Equal(decimal.RequireFromString("2")))
}

func TestApplyDiffGapTriggersResnapshot(t *testing.T) {
	t.Parallel()
	b := NewBook("binance-futures", "BTCUSDT")
	b.ApplySnapshot(types.OrderBook{LastUpdateID: 10})

	ok := b.ApplyDiff(types.DepthDiff{FirstUpdateID: 50, FinalUpdateID: 55})
	require.False(t, ok)
	require.True(t, b.NeedsResnapshot())
}

func TestMidPrice(t *testing.T) {
	t.Parallel()
	b := NewBook("binance-futures", "BTCUSDT")
	b.ApplySnapshot(types.OrderBook{
		Bids: []types.PriceLevel{level("100", "1")},
		Asks: []types.PriceLevel{level("102", "1")},
	})

	mid, ok := b.MidPrice()
	require.True(t, ok)
	require.True(t, mid.Equal(decimal.RequireFromString("101")))
}

func TestIsStale(t *testing.T) {
	t.Parallel()
	b := NewBook("binance-futures", "BTCUSDT")
	require.True(t, b.IsStale(time.Second))

	b.ApplySnapshot(types.OrderBook{})
	require.False(t, b.IsStale(time.Minute))
}
