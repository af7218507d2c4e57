package book

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"polycopy/pkg/types"
)

// EventKind enumerates the cache's event-bus vocabulary. The cache and the
// book WS client (internal/bookfeed) reference each other conceptually but
// never hold a pointer to one another — they exchange these typed events
// instead, breaking the cyclic reference.
type EventKind string

const (
	EventSubscribe   EventKind = "subscribe"
	EventUnsubscribe EventKind = "unsubscribe"
	EventUpdate      EventKind = "update"
	EventEvict       EventKind = "evict"
)

// Event is emitted on the Cache's event channel for bookfeed and
// observability to consume.
type Event struct {
	Kind    EventKind
	AssetID string
}

// Cache is an LRU+TTL cache of NormalizedBooks, one per token id. It is
// safe for concurrent use: updates arrive serially from a single WS reader,
// reads come from many goroutines.
type Cache struct {
	mu         sync.Mutex
	maxEntries int
	ttl        time.Duration
	freshness  time.Duration

	books      map[string]*book
	lru        *list.List
	lruElem    map[string]*list.Element
	subscribed map[string]bool
	waiters    map[string][]chan struct{}

	events chan Event
	sf     singleflight.Group

	stopped bool
}

// NewCache builds a cache bounded to maxEntries tokens, evicting entries
// unused for longer than ttl. freshness is the staleness threshold
// GetFreshOrWait uses to decide whether a book needs a refresh wait.
func NewCache(maxEntries int, ttl, freshness time.Duration) *Cache {
	return &Cache{
		maxEntries: maxEntries,
		ttl:        ttl,
		freshness:  freshness,
		books:      make(map[string]*book),
		lru:        list.New(),
		lruElem:    make(map[string]*list.Element),
		subscribed: make(map[string]bool),
		waiters:    make(map[string][]chan struct{}),
		events:     make(chan Event, 256),
	}
}

// Events returns the channel bookfeed and observability consume.
func (c *Cache) Events() <-chan Event {
	return c.events
}

func (c *Cache) emit(kind EventKind, assetID string) {
	if c.stopped {
		return
	}
	select {
	case c.events <- Event{Kind: kind, AssetID: assetID}:
	default:
		// Slow consumer: drop rather than block the book-update path.
	}
}

// touch marks assetID as most-recently-used, creating its entry (and
// emitting a subscribe event) if it doesn't exist yet. Caller holds c.mu.
func (c *Cache) touchLocked(assetID string) *book {
	if el, ok := c.lruElem[assetID]; ok {
		c.lru.MoveToFront(el)
		bk := c.books[assetID]
		bk.lastAccess = time.Now()
		return bk
	}

	bk := newBook(assetID)
	bk.lastAccess = time.Now()
	c.books[assetID] = bk
	c.lruElem[assetID] = c.lru.PushFront(assetID)

	if !c.subscribed[assetID] {
		c.subscribed[assetID] = true
		c.emit(EventSubscribe, assetID)
	}

	c.evictOverflowLocked()
	return bk
}

// evictOverflowLocked evicts the least-recently-used entries beyond
// maxEntries, and anything past its TTL since last access. Caller holds c.mu.
func (c *Cache) evictOverflowLocked() {
	now := time.Now()
	for el := c.lru.Back(); el != nil; {
		assetID := el.Value.(string)
		bk := c.books[assetID]
		overflow := c.maxEntries > 0 && c.lru.Len() > c.maxEntries
		expired := c.ttl > 0 && now.Sub(bk.lastAccess) > c.ttl
		if !overflow && !expired {
			break
		}
		prev := el.Prev()
		c.evictLocked(assetID, el)
		el = prev
	}
}

func (c *Cache) evictLocked(assetID string, el *list.Element) {
	c.lru.Remove(el)
	delete(c.lruElem, assetID)
	delete(c.books, assetID)
	if c.subscribed[assetID] {
		delete(c.subscribed, assetID)
		c.emit(EventUnsubscribe, assetID)
	}
	c.emit(EventEvict, assetID)
	c.notifyWaitersLocked(assetID)
}

// ApplyBookSnapshot replaces both sides' levels wholesale (a full "book" WS
// message or REST fallback response).
func (c *Cache) ApplyBookSnapshot(assetID string, source Source, bids, asks []types.OrderBookLevel, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bk := c.touchLocked(assetID)
	bk.replaceSnapshot(types.BUY, bids)
	bk.replaceSnapshot(types.SELL, asks)
	bk.source = source
	bk.updatedAt = now

	c.emit(EventUpdate, assetID)
	c.notifyWaitersLocked(assetID)
}

// ApplyDelta applies a single incremental price-level change ("price_change"
// WS message). size 0 removes the level.
func (c *Cache) ApplyDelta(assetID string, source Source, side types.Side, price types.PriceMicros, size types.ShareMicros, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bk := c.touchLocked(assetID)
	bk.applyDelta(side, price, size)
	bk.source = source
	bk.updatedAt = now

	c.emit(EventUpdate, assetID)
	c.notifyWaitersLocked(assetID)
}

// GetNoWait returns the current book for assetID without blocking, and
// whether an entry exists at all. It never triggers a subscription.
func (c *Cache) GetNoWait(assetID string) (NormalizedBook, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bk, ok := c.books[assetID]
	if !ok {
		return NormalizedBook{}, false
	}
	if el, ok := c.lruElem[assetID]; ok {
		c.lru.MoveToFront(el)
	}
	return bk.materialize(), true
}

// GetFreshOrWait ensures a subscription exists for assetID, returns
// immediately if the book is fresh (updated within the cache's freshness
// threshold), otherwise registers a waiter and blocks until the next update,
// ctx cancellation, or the cache stopping — returning whatever book is
// available (stale or empty) at that point.
func (c *Cache) GetFreshOrWait(ctx context.Context, assetID string) NormalizedBook {
	c.mu.Lock()
	bk := c.touchLocked(assetID)
	if c.isFreshLocked(bk) {
		mat := bk.materialize()
		c.mu.Unlock()
		return mat
	}

	ch := make(chan struct{}, 1)
	c.waiters[assetID] = append(c.waiters[assetID], ch)
	c.mu.Unlock()

	// Collapse concurrent waiters for the same token into one logical wait:
	// singleflight ensures only one goroutine actually blocks on the
	// channel while the rest share its result via the shared key.
	_, _, _ = c.sf.Do(assetID+":wait", func() (interface{}, error) {
		select {
		case <-ch:
		case <-ctx.Done():
		}
		return nil, nil
	})

	return c.currentOrStale(assetID)
}

func (c *Cache) currentOrStale(assetID string) NormalizedBook {
	c.mu.Lock()
	defer c.mu.Unlock()
	bk, ok := c.books[assetID]
	if !ok {
		return NormalizedBook{AssetID: assetID}
	}
	return bk.materialize()
}

func (c *Cache) isFreshLocked(bk *book) bool {
	if bk.updatedAt.IsZero() {
		return false
	}
	return time.Since(bk.updatedAt) <= c.freshness
}

func (c *Cache) notifyWaitersLocked(assetID string) {
	for _, ch := range c.waiters[assetID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	delete(c.waiters, assetID)
}

// Stop resolves every pending waiter (with whatever book is currently
// cached, possibly stale) and stops emitting events. Safe to call once.
func (c *Cache) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	for assetID := range c.waiters {
		c.notifyWaitersLocked(assetID)
	}
	close(c.events)
}

// Subscribed reports whether assetID currently has an active subscription.
func (c *Cache) Subscribed(assetID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed[assetID]
}

// Stats is a point-in-time snapshot of cache occupancy, for health
// reporting only.
type Stats struct {
	Entries    int
	Subscribed int
	MaxEntries int
}

// Stats reports current cache occupancy.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	subscribed := 0
	for _, ok := range c.subscribed {
		if ok {
			subscribed++
		}
	}
	return Stats{Entries: len(c.books), Subscribed: subscribed, MaxEntries: c.maxEntries}
}
