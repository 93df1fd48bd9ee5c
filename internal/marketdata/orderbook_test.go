package marketdata

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewOrderBookSortsAndAggregates(t *testing.T) {
	book := NewOrderBook("BTC-USD",
		[]Level{{Price: 49990, Quantity: 20}, {Price: 50000, Quantity: 10}},
		[]Level{{Price: 50020, Quantity: 20}, {Price: 50010, Quantity: 10}},
	)

	assert.Equal(t, 50000.0, book.Bids[0].Price)
	assert.Equal(t, 50010.0, book.Asks[0].Price)
	assert.Equal(t, 50000.0, book.BestBid)
	assert.Equal(t, 50010.0, book.BestAsk)
	assert.InDelta(t, 10, book.Spread, 1e-9)
	assert.InDelta(t, 50005, book.MidPrice, 1e-9)
	assert.InDelta(t, 10.0/50005*100, book.SpreadPct, 1e-9)
	assert.InDelta(t, 30, book.BidTotal, 1e-9)
	assert.InDelta(t, 30, book.AskTotal, 1e-9)
	assert.Zero(t, book.Imbalance)
}

func TestOrderBookImbalance(t *testing.T) {
	book := NewOrderBook("ETH-USD",
		[]Level{{Price: 3000, Quantity: 30}},
		[]Level{{Price: 3001, Quantity: 10}},
	)

	assert.InDelta(t, 0.5, book.Imbalance, 1e-9)
}

func TestOrderBookOneSided(t *testing.T) {
	book := NewOrderBook("X", []Level{{Price: 100, Quantity: 1}}, nil)

	assert.Equal(t, 100.0, book.BestBid)
	assert.Zero(t, book.BestAsk)
	assert.Zero(t, book.MidPrice)
	assert.Zero(t, book.Spread)
	assert.False(t, book.IsEmpty())
}

func TestOrderBookIsEmpty(t *testing.T) {
	book := NewOrderBook("X", nil, nil)
	assert.True(t, book.IsEmpty())
}
