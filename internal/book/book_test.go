package book

import (
	"context"
	"testing"
	"time"

	"polycopy/pkg/types"
)

func lvl(price, size int64) types.OrderBookLevel {
	return types.OrderBookLevel{PriceMicros: types.PriceMicros(price), SizeMicros: types.ShareMicros(size)}
}

// TestUnsortedBookNormalization is spec Scenario 1: an unsorted upstream
// payload must still yield the correct best bid/ask/mid/spread.
func TestUnsortedBookNormalization(t *testing.T) {
	t.Parallel()

	c := NewCache(100, time.Minute, 100*time.Millisecond)
	bids := []types.OrderBookLevel{lvl(10_000, 1000), lvl(500_000, 5000), lvl(490_000, 3000), lvl(480_000, 2000)}
	asks := []types.OrderBookLevel{lvl(990_000, 1000), lvl(520_000, 5000), lvl(530_000, 3000), lvl(540_000, 2000)}

	c.ApplyBookSnapshot("tok1", SourceWS, bids, asks, time.Now())

	nb, ok := c.GetNoWait("tok1")
	if !ok {
		t.Fatal("expected book to exist")
	}
	if nb.BestBid() != 500_000 {
		t.Errorf("BestBid = %d, want 500_000", nb.BestBid())
	}
	if nb.BestAsk() != 520_000 {
		t.Errorf("BestAsk = %d, want 520_000", nb.BestAsk())
	}
	if nb.Spread() != 20_000 {
		t.Errorf("Spread = %d, want 20_000", nb.Spread())
	}
	if nb.Mid() != 510_000 {
		t.Errorf("Mid = %d, want 510_000", nb.Mid())
	}
}

func TestBestBidAskEmpty(t *testing.T) {
	t.Parallel()

	c := NewCache(100, time.Minute, time.Second)
	c.ApplyBookSnapshot("tok1", SourceWS, nil, nil, time.Now())

	nb, _ := c.GetNoWait("tok1")
	if nb.BestBid() != 0 {
		t.Errorf("BestBid with no bids = %d, want 0", nb.BestBid())
	}
	if nb.BestAsk() != 1_000_000 {
		t.Errorf("BestAsk with no asks = %d, want 1_000_000", nb.BestAsk())
	}
	if nb.Mid() != 0 {
		t.Errorf("Mid with one-sided book = %d, want 0", nb.Mid())
	}
}

func TestApplyDeltaRemovesZeroSizeLevel(t *testing.T) {
	t.Parallel()

	c := NewCache(100, time.Minute, time.Second)
	c.ApplyBookSnapshot("tok1", SourceWS, []types.OrderBookLevel{lvl(500_000, 100)}, nil, time.Now())
	c.ApplyDelta("tok1", SourceWS, types.BUY, 500_000, 0, time.Now())

	nb, _ := c.GetNoWait("tok1")
	if nb.BestBid() != 0 {
		t.Errorf("BestBid after zero-size delta = %d, want 0", nb.BestBid())
	}
}

func TestApplyDeltaDropsExtremePrices(t *testing.T) {
	t.Parallel()

	c := NewCache(100, time.Minute, time.Second)
	c.ApplyBookSnapshot("tok1", SourceWS, []types.OrderBookLevel{lvl(0, 100), lvl(1_000_000, 100), lvl(500_000, 50)}, nil, time.Now())

	nb, _ := c.GetNoWait("tok1")
	if len(nb.Bids) != 1 {
		t.Fatalf("expected 1 surviving bid level, got %d", len(nb.Bids))
	}
	if nb.BestBid() != 500_000 {
		t.Errorf("BestBid = %d, want 500_000", nb.BestBid())
	}
}

func TestGetFreshOrWaitReturnsFreshImmediately(t *testing.T) {
	t.Parallel()

	c := NewCache(100, time.Minute, time.Second)
	c.ApplyBookSnapshot("tok1", SourceWS, []types.OrderBookLevel{lvl(500_000, 100)}, []types.OrderBookLevel{lvl(520_000, 100)}, time.Now())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	nb := c.GetFreshOrWait(ctx, "tok1")
	if nb.BestBid() != 500_000 {
		t.Errorf("BestBid = %d, want 500_000", nb.BestBid())
	}
}

func TestGetFreshOrWaitEmitsSubscribeOnce(t *testing.T) {
	t.Parallel()

	c := NewCache(100, time.Minute, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	go c.GetFreshOrWait(ctx, "tok1")

	select {
	case ev := <-c.Events():
		if ev.Kind != EventSubscribe || ev.AssetID != "tok1" {
			t.Errorf("got event %+v, want subscribe for tok1", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscribe event")
	}
}

func TestCacheEvictsOverLRUBound(t *testing.T) {
	t.Parallel()

	c := NewCache(1, time.Minute, time.Second)
	c.ApplyBookSnapshot("tok1", SourceWS, []types.OrderBookLevel{lvl(500_000, 1)}, nil, time.Now())
	c.ApplyBookSnapshot("tok2", SourceWS, []types.OrderBookLevel{lvl(500_000, 1)}, nil, time.Now())

	if _, ok := c.GetNoWait("tok1"); ok {
		t.Error("expected tok1 to be evicted once the cache exceeded its bound")
	}
	if _, ok := c.GetNoWait("tok2"); !ok {
		t.Error("expected tok2 to remain cached")
	}
}

func TestStatsReportsEntriesAndSubscribedCount(t *testing.T) {
	t.Parallel()

	c := NewCache(100, time.Minute, time.Second)
	// ApplyBookSnapshot subscribes tok1 as a side effect of first touching it.
	c.ApplyBookSnapshot("tok1", SourceWS, []types.OrderBookLevel{lvl(500_000, 1)}, nil, time.Now())
	// GetFreshOrWait on a never-seen token subscribes it too; with no update
	// arriving it returns once ctx times out.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	c.GetFreshOrWait(ctx, "tok2")

	got := c.Stats()
	if got.Entries != 2 {
		t.Errorf("Entries = %d, want 2", got.Entries)
	}
	if got.MaxEntries != 100 {
		t.Errorf("MaxEntries = %d, want 100", got.MaxEntries)
	}
	if got.Subscribed != 2 {
		t.Errorf("Subscribed = %d, want 2 (both tokens touched for the first time)", got.Subscribed)
	}
}

func TestStopResolvesWaiters(t *testing.T) {
	t.Parallel()

	c := NewCache(100, time.Minute, time.Hour) // never fresh
	c.ApplyBookSnapshot("tok1", SourceWS, nil, nil, time.Now().Add(-time.Hour))

	done := make(chan struct{})
	go func() {
		c.GetFreshOrWait(context.Background(), "tok1")
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	c.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("GetFreshOrWait did not return after Stop")
	}
}
