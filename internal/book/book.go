// Package book maintains the normalized, keyed-map order book per token and
// an LRU+TTL cache over all tracked tokens.
//
// Unlike a naive book that stores levels as an array and reads bestBid/
// bestAsk off index 0, the normalized book keeps bids and asks as
// price-micros -> size-micros maps and computes best bid / best ask as the
// max / min of surviving keys on query. An unsorted upstream payload can
// never produce an "impossible" spread here.
package book

import (
	"sort"
	"time"

	"polycopy/internal/money"
	"polycopy/pkg/types"
)

// Source tags where a book snapshot came from.
type Source string

const (
	SourceREST Source = "REST"
	SourceWS   Source = "WS"
)

// NormalizedBook is a point-in-time queryable view of one token's book.
type NormalizedBook struct {
	AssetID   string
	Bids      []types.OrderBookLevel // sorted descending by price
	Asks      []types.OrderBookLevel // sorted ascending by price
	Source    Source
	UpdatedAt time.Time
}

// BestBid returns the highest surviving bid price, or 0 if there are no bids.
func (b NormalizedBook) BestBid() types.PriceMicros {
	if len(b.Bids) == 0 {
		return 0
	}
	return b.Bids[0].PriceMicros
}

// BestAsk returns the lowest surviving ask price, or 1_000_000 if there are
// no asks.
func (b NormalizedBook) BestAsk() types.PriceMicros {
	if len(b.Asks) == 0 {
		return money.MaxPriceMicros
	}
	return b.Asks[0].PriceMicros
}

// Mid returns (bestBid + bestAsk) / 2, or 0 if either side is empty.
func (b NormalizedBook) Mid() types.PriceMicros {
	if len(b.Bids) == 0 || len(b.Asks) == 0 {
		return 0
	}
	return types.PriceMicros((int64(b.BestBid()) + int64(b.BestAsk())) / 2)
}

// Spread returns bestAsk - bestBid, or 0 if either side is empty.
func (b NormalizedBook) Spread() types.PriceMicros {
	if len(b.Bids) == 0 || len(b.Asks) == 0 {
		return 0
	}
	return b.BestAsk() - b.BestBid()
}

// book is the mutable per-token state: two keyed maps, price micros -> size
// micros, plus bookkeeping for the cache.
type book struct {
	assetID    string
	bids       map[types.PriceMicros]types.ShareMicros
	asks       map[types.PriceMicros]types.ShareMicros
	source     Source
	updatedAt  time.Time
	lastAccess time.Time
}

func newBook(assetID string) *book {
	return &book{
		assetID: assetID,
		bids:    make(map[types.PriceMicros]types.ShareMicros),
		asks:    make(map[types.PriceMicros]types.ShareMicros),
	}
}

// applyDelta sets or removes a single level. size == 0 removes the key.
func (bk *book) applyDelta(side types.Side, price types.PriceMicros, size types.ShareMicros) {
	m := bk.sideMap(side)
	if size <= 0 {
		delete(m, price)
		return
	}
	m[price] = size
}

// replaceSnapshot discards a side and replaces it wholesale.
func (bk *book) replaceSnapshot(side types.Side, levels []types.OrderBookLevel) {
	m := make(map[types.PriceMicros]types.ShareMicros, len(levels))
	for _, lvl := range levels {
		if lvl.SizeMicros <= 0 {
			continue
		}
		m[lvl.PriceMicros] = lvl.SizeMicros
	}
	if side == types.BUY {
		bk.bids = m
	} else {
		bk.asks = m
	}
}

func (bk *book) sideMap(side types.Side) map[types.PriceMicros]types.ShareMicros {
	if side == types.BUY {
		return bk.bids
	}
	return bk.asks
}

// materialize drops out-of-range/zero-size levels and sorts bids descending,
// asks ascending. Best bid/ask are read off index 0 of these sorted slices
// only after sorting — never off the raw, possibly-unsorted upstream order.
func (bk *book) materialize() NormalizedBook {
	bids := make([]types.OrderBookLevel, 0, len(bk.bids))
	for p, s := range bk.bids {
		if s <= 0 || p <= 0 || p >= money.MaxPriceMicros {
			continue
		}
		bids = append(bids, types.OrderBookLevel{PriceMicros: p, SizeMicros: s})
	}
	sort.Slice(bids, func(i, j int) bool { return bids[i].PriceMicros > bids[j].PriceMicros })

	asks := make([]types.OrderBookLevel, 0, len(bk.asks))
	for p, s := range bk.asks {
		if s <= 0 || p <= 0 || p >= money.MaxPriceMicros {
			continue
		}
		asks = append(asks, types.OrderBookLevel{PriceMicros: p, SizeMicros: s})
	}
	sort.Slice(asks, func(i, j int) bool { return asks[i].PriceMicros < asks[j].PriceMicros })

	return NormalizedBook{
		AssetID:   bk.assetID,
		Bids:      bids,
		Asks:      asks,
		Source:    bk.source,
		UpdatedAt: bk.updatedAt,
	}
}
