package exchange

import (
	"context"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/titancore/futurescore/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestClientDryRunPlaceOrderNeverCallsNetwork(t *testing.T) {
	t.Parallel()
	c := NewClient("binance-futures", "https://127.0.0.1:0", nil, true, discardLogger())

	price := decimal.NewFromFloat(50000)
	order := types.Order{
		Symbol:        "BTCUSDT",
		Side:          types.Buy,
		Type:          types.OrderLimit,
		Quantity:      decimal.NewFromFloat(0.01),
		Price:         &price,
		ClientOrderID: "cid-1",
	}

	venueID, status, err := c.PlaceOrder(context.Background(), order)
	require.NoError(t, err)
	require.Equal(t, "dry-run-cid-1", venueID)
	require.Equal(t, types.OrderNew, status)
}

func TestClientDryRunCancelAllNeverErrors(t *testing.T) {
	t.Parallel()
	c := NewClient("binance-futures", "https://127.0.0.1:0", nil, true, discardLogger())
	require.NoError(t, c.CancelAllOrders(context.Background(), "BTCUSDT"))
}

func TestBackoffWithJitterRespectsCapAndFloor(t *testing.T) {
	t.Parallel()
	for attempt := 0; attempt < 10; attempt++ {
		d := backoffWithJitter(attempt)
		require.Greater(t, d.Seconds(), 0.0)
		require.LessOrEqual(t, d.Seconds(), (retryCap.Seconds())*1.25)
	}
}

func TestVenueStatusMapping(t *testing.T) {
	t.Parallel()
	require.Equal(t, types.OrderFilled, mapVenueStatus("FILLED"))
	require.Equal(t, types.OrderCancelled, mapVenueStatus("CANCELED"))
	require.Equal(t, types.OrderPending, mapVenueStatus("SOMETHING_NEW"))
}
