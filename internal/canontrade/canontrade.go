// Package canontrade is the canonical trade writer (C5): it upserts raw
// on-chain TradeEvents from internal/chainfeed into the trade_events table
// keyed on (txHash, logIndex), resolves the block timestamp through a
// bounded LRU with singleflight-deduplicated lookups, and forwards each
// newly-written (never a duplicate replay) trade downstream to the grouper.
//
// Grounded on store.Store's atomic-write-then-rename idempotency intent,
// reimplemented against sqlite's INSERT ... ON CONFLICT DO NOTHING: a JSON
// file can express "don't clobber an existing file" but not "never insert
// this logical row twice across process restarts" the way a UNIQUE
// constraint can.
package canontrade

import (
	"container/list"
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"polycopy/pkg/types"
)

// BlockTimestampLookup resolves a block number to its timestamp, e.g. via
// ethclient.HeaderByNumber.
type BlockTimestampLookup func(ctx context.Context, blockNumber uint64) (time.Time, error)

// Writer upserts TradeEvents and forwards newly-written ones downstream.
type Writer struct {
	db     *sql.DB
	lookup BlockTimestampLookup
	out    chan types.TradeEvent

	tsMu    sync.Mutex
	tsCache map[uint64]time.Time
	tsLRU   *list.List
	tsElem  map[uint64]*list.Element
	tsMax   int

	sf singleflight.Group
}

// New creates a canonical trade writer backed by db, using lookup to
// resolve block timestamps (cached up to maxBlocks entries).
func New(db *sql.DB, lookup BlockTimestampLookup, maxBlocks int) *Writer {
	return &Writer{
		db:      db,
		lookup:  lookup,
		out:     make(chan types.TradeEvent, 256),
		tsCache: make(map[uint64]time.Time),
		tsLRU:   list.New(),
		tsElem:  make(map[uint64]*list.Element),
		tsMax:   maxBlocks,
	}
}

// Out returns the channel of newly-canonicalized trades (duplicates never
// appear here).
func (w *Writer) Out() <-chan types.TradeEvent {
	return w.out
}

// Write upserts evt. If evt.EventTime is zero and blockNumber > 0, the
// block timestamp is resolved (falling back to DetectTime on lookup
// failure) before the row is written. Returns whether this call actually
// inserted a new row — a duplicate delivery of the same (txHash, logIndex)
// is a no-op and returns false.
func (w *Writer) Write(ctx context.Context, evt types.TradeEvent, blockNumber uint64) (bool, error) {
	if evt.EventTime.IsZero() {
		evt.EventTime = w.resolveEventTime(ctx, blockNumber, evt.DetectTime)
	}

	res, err := w.db.ExecContext(ctx, `
		INSERT INTO trade_events
			(tx_hash, log_index, event_time, detect_time, profile_address, proxy_address,
			 raw_token_id, side, price_micros, share_micros, notional_micros, fee_micros,
			 enrichment, market_id, condition_id, asset_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tx_hash, log_index) DO NOTHING
	`,
		evt.TxHash, evt.LogIndex, evt.EventTime.Format(time.RFC3339Nano), evt.DetectTime.Format(time.RFC3339Nano),
		evt.ProfileAddress, evt.ProxyAddress, evt.RawTokenID, string(evt.Side),
		int64(evt.PriceMicros), int64(evt.ShareMicros), int64(evt.NotionalMicros), int64(evt.FeeMicros),
		string(evt.Enrichment), evt.MarketID, evt.ConditionID, evt.AssetID,
	)
	if err != nil {
		return false, fmt.Errorf("upsert trade event %s: %w", evt.Key(), err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected for %s: %w", evt.Key(), err)
	}
	if n == 0 {
		return false, nil
	}

	select {
	case w.out <- evt:
	default:
		// A slow downstream consumer must not block the on-chain read loop;
		// the row is already durable, so a dropped notification only delays
		// grouping, it never loses the trade.
	}
	return true, nil
}

func (w *Writer) resolveEventTime(ctx context.Context, blockNumber uint64, fallback time.Time) time.Time {
	if blockNumber == 0 || w.lookup == nil {
		return fallback
	}
	if ts, ok := w.cachedTimestamp(blockNumber); ok {
		return ts
	}

	key := fmt.Sprintf("block:%d", blockNumber)
	v, err, _ := w.sf.Do(key, func() (interface{}, error) {
		return w.lookup(ctx, blockNumber)
	})
	if err != nil {
		return fallback
	}
	ts := v.(time.Time)
	w.cacheTimestamp(blockNumber, ts)
	return ts
}

func (w *Writer) cachedTimestamp(blockNumber uint64) (time.Time, bool) {
	w.tsMu.Lock()
	defer w.tsMu.Unlock()
	if el, ok := w.tsElem[blockNumber]; ok {
		w.tsLRU.MoveToFront(el)
		return w.tsCache[blockNumber], true
	}
	return time.Time{}, false
}

func (w *Writer) cacheTimestamp(blockNumber uint64, ts time.Time) {
	w.tsMu.Lock()
	defer w.tsMu.Unlock()
	if el, ok := w.tsElem[blockNumber]; ok {
		w.tsLRU.MoveToFront(el)
		w.tsCache[blockNumber] = ts
		return
	}
	w.tsCache[blockNumber] = ts
	w.tsElem[blockNumber] = w.tsLRU.PushFront(blockNumber)

	for w.tsMax > 0 && w.tsLRU.Len() > w.tsMax {
		back := w.tsLRU.Back()
		bn := back.Value.(uint64)
		w.tsLRU.Remove(back)
		delete(w.tsElem, bn)
		delete(w.tsCache, bn)
	}
}
