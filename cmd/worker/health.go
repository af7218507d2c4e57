package main

import (
	"context"
	"sync/atomic"
	"time"

	"polycopy/internal/book"
	"polycopy/internal/bookfeed"
	"polycopy/internal/chainfeed"
	"polycopy/internal/queue"
	"polycopy/internal/storage"
)

// reporter implements healthapi.Reporter by reading the live state already
// held by the components it wraps — it owns no state of its own besides the
// last-processed-event clock, which nothing else tracks.
type reporter struct {
	db         *storage.DB
	chainFeed  *chainfeed.Feed
	bookFeed   *bookfeed.Feed
	books      *book.Cache
	queueStore *queue.Store

	lastEventUnixNano atomic.Int64
}

// markEvent records that a trade event was just processed, for the
// health report's staleness signal.
func (r *reporter) markEvent(t time.Time) {
	r.lastEventUnixNano.Store(t.UnixNano())
}

func (r *reporter) LastEventTime() time.Time {
	ns := r.lastEventUnixNano.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (r *reporter) ChainFeedLive() bool {
	return r.chainFeed.State() == chainfeed.Live
}

func (r *reporter) BookFeedLive() bool {
	return r.bookFeed.State() == bookfeed.Connected
}

func (r *reporter) BookCacheStats() book.Stats {
	return r.books.Stats()
}

func (r *reporter) QueueDepths(ctx context.Context) (map[string]int, error) {
	depths := make(map[string]int, 3)
	for _, name := range []string{queue.Reconcile, queue.IngestPostproc, queue.CopyAttempt} {
		d, err := r.queueStore.Depth(ctx, name)
		if err != nil {
			return nil, err
		}
		depths[name] = d
	}
	return depths, nil
}

func (r *reporter) DBConnected(ctx context.Context) bool {
	return r.db.SQL().PingContext(ctx) == nil
}
