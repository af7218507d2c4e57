package grouper

import (
	"context"
	"testing"
	"time"

	"polycopy/pkg/types"
)

func trade(addr, asset string, side types.Side, shares, notional int64, at time.Time) types.TradeEvent {
	return types.TradeEvent{
		TxHash:         "0xtx",
		LogIndex:       time.Now().UnixNano(),
		ProfileAddress: addr,
		AssetID:        asset,
		Side:           side,
		ShareMicros:    types.ShareMicros(shares),
		NotionalMicros: types.CashMicros(notional),
		EventTime:      at,
	}
}

func TestAddTradeAccumulatesSameGroup(t *testing.T) {
	t.Parallel()

	g := New(time.Hour, time.Hour)
	now := time.Now()
	g.AddTrade(trade("0xabc", "tok1", types.BUY, 100, 60, now))
	g.AddTrade(trade("0xabc", "tok1", types.BUY, 200, 120, now.Add(time.Second)))

	select {
	case <-g.Out():
		t.Fatal("did not expect a close yet")
	default:
	}

	g.mu.Lock()
	open := g.open[groupKey("0xabc", "tok1", types.BUY)]
	g.mu.Unlock()
	if open.shareMicros != 300 || open.notionalMicros != 180 {
		t.Errorf("accumulated shares/notional = %d/%d, want 300/180", open.shareMicros, open.notionalMicros)
	}
}

func TestOppositeSideClosesExistingGroup(t *testing.T) {
	t.Parallel()

	g := New(time.Hour, time.Hour)
	now := time.Now()
	g.AddTrade(trade("0xabc", "tok1", types.BUY, 100, 60, now))
	g.AddTrade(trade("0xabc", "tok1", types.SELL, 50, 30, now.Add(time.Second)))

	select {
	case closed := <-g.Out():
		if closed.Side != types.BUY {
			t.Errorf("closed group side = %v, want BUY", closed.Side)
		}
		if closed.CloseReason != CloseOppositeSide {
			t.Errorf("CloseReason = %v, want oppositeSide", closed.CloseReason)
		}
	default:
		t.Fatal("expected opposite-side arrival to close the BUY group")
	}
}

func TestSweepClosesOnQuietPeriod(t *testing.T) {
	t.Parallel()

	g := New(10*time.Millisecond, time.Hour)
	g.AddTrade(trade("0xabc", "tok1", types.BUY, 100, 60, time.Now()))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go g.Run(ctx, 5*time.Millisecond)

	select {
	case closed := <-g.Out():
		if closed.CloseReason != CloseQuiet {
			t.Errorf("CloseReason = %v, want quiet", closed.CloseReason)
		}
	case <-time.After(time.Second):
		t.Fatal("expected quiet-period sweep to close the group")
	}
}

func TestSweepClosesOnMaxWindow(t *testing.T) {
	t.Parallel()

	g := New(time.Hour, 10*time.Millisecond)
	g.AddTrade(trade("0xabc", "tok1", types.BUY, 100, 60, time.Now()))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go g.Run(ctx, 5*time.Millisecond)

	select {
	case closed := <-g.Out():
		if closed.CloseReason != CloseMaxWindow {
			t.Errorf("CloseReason = %v, want maxWindow", closed.CloseReason)
		}
	case <-time.After(time.Second):
		t.Fatal("expected max-window sweep to close the group")
	}
}

func TestShutdownFlushesAllOpenGroups(t *testing.T) {
	t.Parallel()

	g := New(time.Hour, time.Hour)
	g.AddTrade(trade("0xabc", "tok1", types.BUY, 100, 60, time.Now()))
	g.AddTrade(trade("0xdef", "tok2", types.SELL, 50, 25, time.Now()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		g.Run(ctx, time.Hour)
		close(done)
	}()
	cancel()
	<-done

	count := 0
	for {
		select {
		case closed := <-g.Out():
			if closed.CloseReason != CloseShutdown {
				t.Errorf("CloseReason = %v, want shutdown", closed.CloseReason)
			}
			count++
		default:
			if count != 2 {
				t.Errorf("expected both open groups flushed on shutdown, got %d", count)
			}
			return
		}
	}
}
