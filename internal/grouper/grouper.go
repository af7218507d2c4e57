// Package grouper is the event grouper (C7): it collapses a burst of fills
// from the same (followed wallet, asset, side) into a single decision unit
// before it reaches the copy-attempt queue.
//
// Adapted from strategy.FlowTracker's rolling-window idiom — a mutex-
// protected map of in-flight state, lazily evicted on the access path —
// but grouped by close trigger (opposite-side arrival, quiet period, max
// window) rather than scored for toxicity.
package grouper

import (
	"context"
	"sync"
	"time"

	"polycopy/internal/money"
	"polycopy/pkg/types"
)

// CloseReason records why a group closed, for observability.
type CloseReason string

const (
	CloseOppositeSide CloseReason = "oppositeSide"
	CloseQuiet        CloseReason = "quiet"
	CloseMaxWindow    CloseReason = "maxWindow"
	CloseShutdown     CloseReason = "shutdown"
)

// Group is one collapsed decision unit: the aggregate of every contributing
// fill plus its notional-weighted (VWAP) reference price.
type Group struct {
	FollowedAddress string // the wallet address the trades came from
	AssetID         string
	Side            types.Side

	ShareMicros     types.ShareMicros
	NotionalMicros  types.CashMicros
	VWAPPriceMicros types.PriceMicros

	FirstEventTime time.Time
	LastEventTime  time.Time
	TradeKeys      []string

	CloseReason CloseReason
}

type openGroup struct {
	followedAddress string
	assetID         string
	side            types.Side
	shareMicros     types.ShareMicros
	notionalMicros  types.CashMicros
	firstEventTime  time.Time
	lastEventTime   time.Time
	lastAddedAt     time.Time // wall clock, for the quiet-period trigger
	tradeKeys       []string
}

// Grouper tracks in-flight groups and closes them on trigger.
type Grouper struct {
	quietPeriod time.Duration
	maxWindow   time.Duration

	mu   sync.Mutex
	open map[string]*openGroup

	out chan Group
}

// New creates a grouper. quietPeriod and maxWindow are the (b) and (c)
// close triggers from the spec's group-closing rule; (a) (opposite-side
// arrival) is checked synchronously on every AddTrade.
func New(quietPeriod, maxWindow time.Duration) *Grouper {
	return &Grouper{
		quietPeriod: quietPeriod,
		maxWindow:   maxWindow,
		open:        make(map[string]*openGroup),
		out:         make(chan Group, 256),
	}
}

// Out returns the channel of closed groups, ready for the copy-attempt queue.
func (g *Grouper) Out() <-chan Group {
	return g.out
}

func groupKey(address, assetID string, side types.Side) string {
	return address + "|" + assetID + "|" + string(side)
}

// AddTrade folds evt into its (address, asset, side) group, closing the
// opposite-side group for the same (address, asset) first if one is open.
func (g *Grouper) AddTrade(evt types.TradeEvent) {
	g.mu.Lock()
	defer g.mu.Unlock()

	oppKey := groupKey(evt.ProfileAddress, evt.AssetID, evt.Side.Opposite())
	if opp, ok := g.open[oppKey]; ok {
		g.closeLocked(oppKey, opp, CloseOppositeSide)
	}

	key := groupKey(evt.ProfileAddress, evt.AssetID, evt.Side)
	grp, ok := g.open[key]
	if !ok {
		grp = &openGroup{
			followedAddress: evt.ProfileAddress,
			assetID:         evt.AssetID,
			side:            evt.Side,
			firstEventTime:  evt.EventTime,
		}
		g.open[key] = grp
	}
	grp.shareMicros += evt.ShareMicros
	grp.notionalMicros += evt.NotionalMicros
	grp.lastEventTime = evt.EventTime
	grp.lastAddedAt = time.Now()
	grp.tradeKeys = append(grp.tradeKeys, evt.Key())
}

func (g *Grouper) closeLocked(key string, grp *openGroup, reason CloseReason) {
	delete(g.open, key)
	out := Group{
		FollowedAddress: grp.followedAddress,
		AssetID:         grp.assetID,
		Side:            grp.side,
		ShareMicros:     grp.shareMicros,
		NotionalMicros:  grp.notionalMicros,
		VWAPPriceMicros: money.VWAP(grp.notionalMicros, grp.shareMicros),
		FirstEventTime:  grp.firstEventTime,
		LastEventTime:   grp.lastEventTime,
		TradeKeys:       grp.tradeKeys,
		CloseReason:     reason,
	}
	select {
	case g.out <- out:
	default:
		// Downstream queue consumer must not block ingestion; the group's
		// trade keys remain durable in trade_events regardless.
	}
}

// Run sweeps open groups on a short interval, closing any that have gone
// quiet or exceeded their max window. Blocks until ctx is cancelled.
func (g *Grouper) Run(ctx context.Context, sweepInterval time.Duration) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.closeAll(CloseShutdown)
			return
		case <-ticker.C:
			g.sweep()
		}
	}
}

func (g *Grouper) sweep() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	for key, grp := range g.open {
		quiet := g.quietPeriod > 0 && now.Sub(grp.lastAddedAt) >= g.quietPeriod
		expired := g.maxWindow > 0 && now.Sub(grp.firstEventTime) >= g.maxWindow
		switch {
		case expired:
			g.closeLocked(key, grp, CloseMaxWindow)
		case quiet:
			g.closeLocked(key, grp, CloseQuiet)
		}
	}
}

func (g *Grouper) closeAll(reason CloseReason) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key, grp := range g.open {
		g.closeLocked(key, grp, reason)
	}
}
