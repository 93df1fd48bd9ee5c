package marketdata

import (
	"sort"
	"time"
)

// Level is one aggregated price level of an order book side.
type Level struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// OrderBook is an aggregated depth snapshot. Bids are sorted descending,
// asks ascending; the aggregates are computed once at construction.
type OrderBook struct {
	Symbol    string    `json:"symbol"`
	Bids      []Level   `json:"bids"`
	Asks      []Level   `json:"asks"`
	BidTotal  float64   `json:"bid_total"`
	AskTotal  float64   `json:"ask_total"`
	Imbalance float64   `json:"imbalance"`
	BestBid   float64   `json:"best_bid"`
	BestAsk   float64   `json:"best_ask"`
	Spread    float64   `json:"spread"`
	SpreadPct float64   `json:"spread_pct"`
	MidPrice  float64   `json:"mid_price"`
	Timestamp time.Time `json:"timestamp"`
}

func NewOrderBook(symbol string, bids, asks []Level) OrderBook {
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price > bids[j].Price })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price < asks[j].Price })

	book := OrderBook{
		Symbol:    symbol,
		Bids:      bids,
		Asks:      asks,
		Timestamp: time.Now().UTC(),
	}

	for _, l := range bids {
		book.BidTotal += l.Quantity
	}
	for _, l := range asks {
		book.AskTotal += l.Quantity
	}
	if total := book.BidTotal + book.AskTotal; total > 0 {
		book.Imbalance = (book.BidTotal - book.AskTotal) / total
	}

	if len(bids) > 0 {
		book.BestBid = bids[0].Price
	}
	if len(asks) > 0 {
		book.BestAsk = asks[0].Price
	}
	if book.BestBid > 0 && book.BestAsk > 0 {
		book.Spread = book.BestAsk - book.BestBid
		book.MidPrice = (book.BestBid + book.BestAsk) / 2
		if book.MidPrice > 0 {
			book.SpreadPct = book.Spread / book.MidPrice * 100
		}
	}
	return book
}

// IsEmpty reports whether the snapshot carries no depth at all.
func (b *OrderBook) IsEmpty() bool {
	return len(b.Bids) == 0 && len(b.Asks) == 0
}
