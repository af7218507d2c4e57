// Package decision is the copy-trading hot path (C8): given a closed group
// from internal/grouper, it runs the staged kill-switch/sizing/guardrail/
// simulation pipeline from spec.md §4.8 and commits a CopyAttempt plus its
// ledger entries.
//
// Grounded on risk.Manager's staged-check sequencing — each stage can short-
// circuit the report to a kill reason rather than raising an error — and on
// strategy.Inventory's weighted-average-cost accounting, generalized here to
// a single linear pipeline that accumulates []types.ReasonCode instead of
// emitting a KillSignal. No stage ever panics or returns a Go error for a
// guardrail breach; errors are reserved for infrastructure failure (book
// cache, portfolio reads, ledger commit).
package decision

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"polycopy/internal/book"
	"polycopy/internal/money"
	"polycopy/pkg/types"
)

// Config is the fully-resolved (global-merged-with-per-leader) guardrail and
// sizing configuration for one group evaluation. internal/configstore (C14)
// is the only producer of this type; decision only consumes it.
type Config struct {
	Paused            bool
	UserDisabled      bool
	MarketBlacklisted bool

	SizingMode          types.SizingMode
	CopyPctNotionalBps  int64 // FIXED_RATE rate
	BudgetMicros        types.CashMicros // BUDGETED_DYNAMIC per-leader budget B
	RateMinBps          int64
	RateMaxBps          int64

	MinTradeNotionalMicros types.CashMicros
	MaxTradeNotionalMicros types.CashMicros // 0 == unbounded
	MaxTradeBankrollBps    int64

	NotionalThresholdMicros types.CashMicros // below this, route to the small-trade buffer
	MinExecNotionalMicros   types.CashMicros // below this on a buffer flush, skip instead of executing

	MaxWorseningVsTheirFillMicros types.PriceMicros
	MaxOverMidMicros              types.PriceMicros
	MaxSpreadMicros               types.PriceMicros
	MinDepthMultiplierBps         int64 // e.g. 15_000 == 150% of target notional must be reachable
	MaxBuyCostPerShareMicros      types.PriceMicros // 0 == unset

	MaxTotalExposureBps     int64
	MaxExposurePerMarketBps int64
	MaxExposurePerUserBps   int64

	NoNewOpensWithinMinutesToClose int64

	CircuitBreakerDailyPnLBps    int64 // negative bps of equity; breaker trips below this
	CircuitBreakerWeeklyPnLBps   int64
	CircuitBreakerDrawdownBps    int64

	DecisionLatencyMs int64
	JitterMsMax       int64
}

// ConfigProvider resolves the merged guardrail config applicable to a group.
type ConfigProvider interface {
	ForGroup(ctx context.Context, g Group) (Config, error)
}

// Portfolio answers the ledger-derived exposure/PnL questions the pipeline
// needs. internal/ledger (C10) is the intended implementation.
type Portfolio interface {
	Equity(ctx context.Context, scope types.PortfolioScope) (types.CashMicros, error)
	ExposureTotal(ctx context.Context, scope types.PortfolioScope) (types.CashMicros, error)
	ExposureMarket(ctx context.Context, scope types.PortfolioScope, marketID string) (types.CashMicros, error)
	ExposureUser(ctx context.Context, scope types.PortfolioScope, followedUserID string) (types.CashMicros, error)
	PositionShares(ctx context.Context, scope types.PortfolioScope, followedUserID, assetID string) (types.ShareMicros, error)
	PnLBps(ctx context.Context, scope types.PortfolioScope, window time.Duration) (int64, error)
	DrawdownBps(ctx context.Context, scope types.PortfolioScope) (int64, error)
}

// LedgerWriter commits a decided attempt and its double-entry rows in one
// transaction. internal/ledger (C10) is the intended implementation.
type LedgerWriter interface {
	Commit(ctx context.Context, attempt types.CopyAttempt, entries []types.LedgerEntry) error
}

// Buffer receives small-trade groups that fall below NotionalThresholdMicros.
// internal/buffer (C9) is the intended implementation. A nil Buffer disables
// buffering entirely — every group runs the full pipeline regardless of size.
type Buffer interface {
	Enqueue(ctx context.Context, g Group) error
}

// Group is the decision engine's input: a grouper.Group enriched with the
// fields the pipeline needs but the grouper doesn't carry — the resolved
// portfolio user id, market metadata, and the scope/source-type the queue
// layer (C13) assigns when dispatching it.
type Group struct {
	GroupKey        string // deterministic; used to derive ledger refIds
	FollowedUserID  string
	FollowedAddress string
	MarketID        string
	AssetID         string
	CloseTime       time.Time // zero means "unknown, don't filter on it"

	Side            types.Side
	ShareMicros     types.ShareMicros
	NotionalMicros  types.CashMicros
	RefPriceMicros  types.PriceMicros // their VWAP fill price

	Scope              types.PortfolioScope
	SourceType         types.SourceType
	BufferedTradeCount int
}

// Engine runs the 12-stage pipeline. One Engine instance is shared by every
// per-scope worker goroutine in C13's copy-attempt pool; it holds no mutable
// per-call state.
type Engine struct {
	config    ConfigProvider
	books     *book.Cache
	portfolio Portfolio
	ledger    LedgerWriter
	buffer    Buffer
	logger    *slog.Logger
	sleep     func(time.Duration) // overridable in tests; defaults to time.Sleep
}

// New creates a decision engine. buffer may be nil to disable small-trade
// buffering (every group then always runs the full pipeline).
func New(config ConfigProvider, books *book.Cache, portfolio Portfolio, ledger LedgerWriter, buffer Buffer, logger *slog.Logger) *Engine {
	return &Engine{
		config:    config,
		books:     books,
		portfolio: portfolio,
		ledger:    ledger,
		buffer:    buffer,
		logger:    logger.With("component", "decision"),
		sleep:     time.Sleep,
	}
}

// Evaluate runs the full pipeline for g and returns the resulting
// CopyAttempt. The only errors returned are infrastructure failures
// (portfolio/ledger unreachable); guardrail breaches are reasons on the
// attempt, not errors.
func (e *Engine) Evaluate(ctx context.Context, g Group) (types.CopyAttempt, error) {
	attempt := types.CopyAttempt{
		ID:             g.GroupKey + "@" + time.Now().UTC().Format(time.RFC3339Nano),
		Scope:          g.Scope,
		FollowedUserID: g.FollowedUserID,
		RefPriceMicros: g.RefPriceMicros,
		SourceType:     g.SourceType,
		BufferedTradeCount: g.BufferedTradeCount,
		CreatedAt:      time.Now(),
	}

	cfg, err := e.config.ForGroup(ctx, g)
	if err != nil {
		return attempt, fmt.Errorf("resolve config: %w", err)
	}

	// Stage 1: kill-switches.
	if cfg.Paused {
		return e.skip(ctx, g, attempt, types.ReasonEnginePaused)
	}
	if cfg.UserDisabled {
		return e.skip(ctx, g, attempt, types.ReasonUserDisabled)
	}
	if cfg.MarketBlacklisted {
		return e.skip(ctx, g, attempt, types.ReasonMarketBlacklisted)
	}

	// Stage 2: sizing.
	target, effectiveRateBps, err := e.size(ctx, g, cfg)
	if err != nil {
		return attempt, fmt.Errorf("size group: %w", err)
	}
	attempt.TargetNotionalMicros = target

	if g.SourceType != types.SourceBuffer && e.buffer != nil && target < cfg.NotionalThresholdMicros {
		sized := g
		sized.NotionalMicros = target
		sized.ShareMicros = sharesFromNotional(target, g.RefPriceMicros)
		if err := e.buffer.Enqueue(ctx, sized); err != nil {
			return attempt, fmt.Errorf("enqueue to buffer: %w", err)
		}
		return e.skip(ctx, g, attempt, types.ReasonBuffered)
	}
	if g.SourceType == types.SourceBuffer && target < cfg.MinExecNotionalMicros {
		return e.skip(ctx, g, attempt, types.ReasonBufferFlushBelowMin)
	}

	if g.Side == types.SELL {
		held, err := e.portfolio.PositionShares(ctx, g.Scope, g.FollowedUserID, g.AssetID)
		if err != nil {
			return attempt, fmt.Errorf("read position: %w", err)
		}
		if held <= 0 {
			return e.skip(ctx, g, attempt, types.ReasonNotEnoughPosition)
		}
	}

	// Stage 3: price bounds.
	nb := e.books.GetFreshOrWait(ctx, g.AssetID)
	mid := nb.Mid()
	var maxPrice, minPrice types.PriceMicros
	if g.Side == types.BUY {
		maxPrice = minPriceMicros(g.RefPriceMicros+cfg.MaxWorseningVsTheirFillMicros, mid+cfg.MaxOverMidMicros)
	} else {
		minPrice = maxPriceMicros(g.RefPriceMicros-cfg.MaxWorseningVsTheirFillMicros, mid-cfg.MaxOverMidMicros)
	}

	// Stage 4: spread filter.
	if cfg.MaxSpreadMicros > 0 && nb.Spread() > cfg.MaxSpreadMicros {
		return e.skip(ctx, g, attempt, types.ReasonSpreadTooWide)
	}

	// Stage 5: simulation.
	levels := nb.Asks
	if g.Side == types.SELL {
		levels = nb.Bids
	}
	inBound := make([]types.OrderBookLevel, 0, len(levels))
	for _, lvl := range levels {
		if g.Side == types.BUY && lvl.PriceMicros > maxPrice {
			break
		}
		if g.Side == types.SELL && lvl.PriceMicros < minPrice {
			break
		}
		inBound = append(inBound, lvl)
	}

	var availableNotional types.CashMicros
	for _, lvl := range inBound {
		availableNotional += money.Notional(lvl.SizeMicros, lvl.PriceMicros)
	}

	effectivePrice := g.RefPriceMicros
	targetShares := sharesFromNotional(target, effectivePrice)

	var filledShares types.ShareMicros
	var filledNotional types.CashMicros
	var fills []types.ExecutableFill
	for _, lvl := range inBound {
		remaining := targetShares - filledShares
		if remaining <= 0 {
			break
		}
		take := lvl.SizeMicros
		if take > remaining {
			take = remaining
		}
		n := money.Notional(take, lvl.PriceMicros)
		filledShares += take
		filledNotional += n
		fills = append(fills, types.ExecutableFill{PriceMicros: lvl.PriceMicros, ShareMicros: take, NotionalMicros: n})
	}
	attempt.Fills = fills
	attempt.FilledNotionalMicros = filledNotional
	attempt.FilledRatioBps = money.FilledRatioBps(filledShares, targetShares)

	// Stage 6: depth requirement.
	if availableNotional < money.BpsOf(target, cfg.MinDepthMultiplierBps) {
		return e.skip(ctx, g, attempt, types.ReasonInsufficientDepth)
	}

	// Stage 7: post-simulation price checks.
	if len(fills) == 0 {
		return e.skip(ctx, g, attempt, types.ReasonNoLiquidityWithin)
	}
	vwap := money.VWAP(filledNotional, filledShares)
	attempt.VWAPPriceMicros = vwap

	var worsening types.PriceMicros
	if g.Side == types.BUY {
		worsening = vwap - g.RefPriceMicros
	} else {
		worsening = g.RefPriceMicros - vwap
	}
	if worsening > cfg.MaxWorseningVsTheirFillMicros {
		return e.skip(ctx, g, attempt, types.ReasonPriceWorseThanFill)
	}
	if g.Side == types.BUY && vwap > mid+cfg.MaxOverMidMicros {
		return e.skip(ctx, g, attempt, types.ReasonPriceTooFarOverMid)
	}
	if g.Side == types.SELL && vwap < mid-cfg.MaxOverMidMicros {
		return e.skip(ctx, g, attempt, types.ReasonPriceTooFarOverMid)
	}
	if g.Side == types.BUY && cfg.MaxBuyCostPerShareMicros > 0 && vwap >= cfg.MaxBuyCostPerShareMicros {
		return e.skip(ctx, g, attempt, types.ReasonBuyCostPerShareHigh)
	}

	// Stage 8: exposure caps.
	equity, err := e.portfolio.Equity(ctx, g.Scope)
	if err != nil {
		return attempt, fmt.Errorf("read equity: %w", err)
	}
	totalExposure, err := e.portfolio.ExposureTotal(ctx, g.Scope)
	if err != nil {
		return attempt, fmt.Errorf("read total exposure: %w", err)
	}
	marketExposure, err := e.portfolio.ExposureMarket(ctx, g.Scope, g.MarketID)
	if err != nil {
		return attempt, fmt.Errorf("read market exposure: %w", err)
	}
	userExposure, err := e.portfolio.ExposureUser(ctx, g.Scope, g.FollowedUserID)
	if err != nil {
		return attempt, fmt.Errorf("read user exposure: %w", err)
	}
	addedExposure := filledNotional
	if totalExposure+addedExposure > money.BpsOf(equity, cfg.MaxTotalExposureBps) {
		return e.skip(ctx, g, attempt, types.ReasonRiskCapTotal)
	}
	if marketExposure+addedExposure > money.BpsOf(equity, cfg.MaxExposurePerMarketBps) {
		return e.skip(ctx, g, attempt, types.ReasonRiskCapMarket)
	}
	if userExposure+addedExposure > money.BpsOf(equity, cfg.MaxExposurePerUserBps) {
		return e.skip(ctx, g, attempt, types.ReasonRiskCapUser)
	}

	// Stage 9: close-time filter. SELLs reduce exposure and are always allowed.
	if g.Side == types.BUY && !g.CloseTime.IsZero() {
		closesWithin := time.Duration(cfg.NoNewOpensWithinMinutesToClose) * time.Minute
		if time.Until(g.CloseTime) <= closesWithin {
			return e.skip(ctx, g, attempt, types.ReasonMarketTooCloseToClose)
		}
	}

	// Stage 10: circuit breakers.
	dailyPnLBps, err := e.portfolio.PnLBps(ctx, g.Scope, 24*time.Hour)
	if err != nil {
		return attempt, fmt.Errorf("read daily pnl: %w", err)
	}
	weeklyPnLBps, err := e.portfolio.PnLBps(ctx, g.Scope, 7*24*time.Hour)
	if err != nil {
		return attempt, fmt.Errorf("read weekly pnl: %w", err)
	}
	drawdownBps, err := e.portfolio.DrawdownBps(ctx, g.Scope)
	if err != nil {
		return attempt, fmt.Errorf("read drawdown: %w", err)
	}
	if dailyPnLBps < cfg.CircuitBreakerDailyPnLBps ||
		weeklyPnLBps < cfg.CircuitBreakerWeeklyPnLBps ||
		drawdownBps >= cfg.CircuitBreakerDrawdownBps {
		return e.skip(ctx, g, attempt, types.ReasonCircuitBreakerTripped)
	}

	// Stage 11: realism delay.
	delay := time.Duration(cfg.DecisionLatencyMs) * time.Millisecond
	if cfg.JitterMsMax > 0 {
		delay += time.Duration(rand.Int63n(cfg.JitterMsMax+1)) * time.Millisecond
	}
	e.sleep(delay)

	// Stage 12: commit.
	attempt.Decision = types.DecisionExecute
	entries := e.buildLedgerEntries(g, attempt)
	if err := e.ledger.Commit(ctx, attempt, entries); err != nil {
		return attempt, fmt.Errorf("commit ledger: %w", err)
	}

	e.logger.Info("copy attempt executed",
		"group_key", g.GroupKey, "scope", g.Scope, "target_notional", target,
		"filled_notional", filledNotional, "vwap", vwap, "effective_rate_bps", effectiveRateBps)

	return attempt, nil
}

// skip finalizes attempt as a SKIP with reason appended, still writing the
// shadow ledger entries so the leader's notional curve stays accurate, per
// spec.md §4.8's "SKIP attempts still create a CopyAttempt row" rule.
func (e *Engine) skip(ctx context.Context, g Group, attempt types.CopyAttempt, reason types.ReasonCode) (types.CopyAttempt, error) {
	attempt.Decision = types.DecisionSkip
	attempt.Reasons = append(attempt.Reasons, reason)

	entries := e.shadowOnlyEntries(g, attempt)
	if len(entries) > 0 {
		if err := e.ledger.Commit(ctx, attempt, entries); err != nil {
			return attempt, fmt.Errorf("commit skip ledger: %w", err)
		}
	}
	return attempt, nil
}

// shadowOnlyEntries builds the SHADOW_USER leg for a SKIP attempt, using the
// group's full notional at its reference price so the hypothetical mirror of
// the leader stays accurate even when the copy itself didn't execute. There
// is nothing to post for EXEC_USER/EXEC_GLOBAL on a skip.
func (e *Engine) shadowOnlyEntries(g Group, attempt types.CopyAttempt) []types.LedgerEntry {
	if g.RefPriceMicros <= 0 || g.ShareMicros <= 0 {
		return nil
	}
	entryType := types.EntryTradeBuy
	shareSign := types.ShareMicros(1)
	cashSign := types.CashMicros(-1)
	if g.Side == types.SELL {
		entryType = types.EntryTradeSell
		shareSign = -1
		cashSign = 1
	}
	return []types.LedgerEntry{{
		Scope:            types.ScopeShadowUser,
		FollowedUserID:   g.FollowedUserID,
		MarketID:         g.MarketID,
		AssetID:          g.AssetID,
		EntryType:        entryType,
		ShareDeltaMicros: shareSign * g.ShareMicros,
		CashDeltaMicros:  cashSign * g.NotionalMicros,
		PriceMicros:      g.RefPriceMicros,
		RefID:            refID(g.GroupKey, types.ScopeShadowUser, entryType),
		CreatedAt:        time.Now(),
	}}
}

// buildLedgerEntries produces the three double-entry rows (SHADOW_USER,
// EXEC_USER, EXEC_GLOBAL) for an executed attempt, each with a deterministic
// refId derived from the group key, scope, and entry type so a retried
// commit is a no-op at the storage layer's unique constraint.
func (e *Engine) buildLedgerEntries(g Group, attempt types.CopyAttempt) []types.LedgerEntry {
	entryType := types.EntryTradeBuy
	shareSign := types.ShareMicros(1)
	cashSign := types.CashMicros(-1)
	if g.Side == types.SELL {
		entryType = types.EntryTradeSell
		shareSign = -1
		cashSign = 1
	}

	now := time.Now()
	mk := func(scope types.PortfolioScope, shares types.ShareMicros, cash types.CashMicros, price types.PriceMicros) types.LedgerEntry {
		return types.LedgerEntry{
			Scope:            scope,
			FollowedUserID:   g.FollowedUserID,
			MarketID:         g.MarketID,
			AssetID:          g.AssetID,
			EntryType:        entryType,
			ShareDeltaMicros: shareSign * shares,
			CashDeltaMicros:  cashSign * cash,
			PriceMicros:      price,
			RefID:            refID(g.GroupKey, scope, entryType),
			CreatedAt:        now,
		}
	}

	filledShares := sumShares(attempt.Fills)
	return []types.LedgerEntry{
		mk(types.ScopeShadowUser, g.ShareMicros, g.NotionalMicros, g.RefPriceMicros),
		mk(types.ScopeExecUser, filledShares, attempt.FilledNotionalMicros, attempt.VWAPPriceMicros),
		mk(types.ScopeExecGlobal, filledShares, attempt.FilledNotionalMicros, attempt.VWAPPriceMicros),
	}
}

func refID(groupKey string, scope types.PortfolioScope, entryType types.LedgerEntryType) string {
	return groupKey + "|" + string(scope) + "|" + string(entryType)
}

func sumShares(fills []types.ExecutableFill) types.ShareMicros {
	var total types.ShareMicros
	for _, f := range fills {
		total += f.ShareMicros
	}
	return total
}

// size implements stage 2: sizing mode selection, then the floor → ceiling →
// bankroll-ceiling-with-floor-override clamp order from spec.md §4.8.
func (e *Engine) size(ctx context.Context, g Group, cfg Config) (types.CashMicros, int64, error) {
	var raw types.CashMicros
	effectiveRateBps := cfg.CopyPctNotionalBps

	switch {
	case g.SourceType == types.SourceBuffer:
		// A buffer flush's NotionalMicros is already the netted, sized
		// copy-notional C9 accumulated across its bucket — sizing was
		// applied once per contributing trade before buffering, so it is
		// not reapplied here. Only the floor/ceiling/bankroll clamps below
		// still run, as a guardrail rather than a leader-notional scaling.
		raw = g.NotionalMicros
		effectiveRateBps = 10_000
	case cfg.SizingMode == types.SizingBudgetedDynamic:
		leaderExposure, err := e.portfolio.ExposureUser(ctx, types.ScopeShadowUser, g.FollowedUserID)
		if err != nil {
			return 0, 0, fmt.Errorf("read leader exposure: %w", err)
		}
		rateBps := cfg.RateMaxBps
		if leaderExposure > 0 {
			rateBps = int64(cfg.BudgetMicros) * 10_000 / int64(leaderExposure)
			rateBps = clampBps(rateBps, cfg.RateMinBps, cfg.RateMaxBps)
		}
		effectiveRateBps = rateBps
		raw = money.BpsOf(g.NotionalMicros, rateBps)
	default: // types.SizingFixedRate
		raw = money.BpsOf(g.NotionalMicros, cfg.CopyPctNotionalBps)
	}

	target := raw
	if target < cfg.MinTradeNotionalMicros {
		target = cfg.MinTradeNotionalMicros
	}
	if cfg.MaxTradeNotionalMicros > 0 && target > cfg.MaxTradeNotionalMicros {
		target = cfg.MaxTradeNotionalMicros
	}

	equity, err := e.portfolio.Equity(ctx, g.Scope)
	if err != nil {
		return 0, 0, fmt.Errorf("read equity for bankroll ceiling: %w", err)
	}
	if cfg.MaxTradeBankrollBps > 0 {
		bankrollCeiling := money.BpsOf(equity, cfg.MaxTradeBankrollBps)
		if target > bankrollCeiling {
			target = bankrollCeiling
			if target < cfg.MinTradeNotionalMicros {
				// The bankroll ceiling would force the size below the
				// trade floor — the floor wins and the bankroll clamp is
				// un-flagged, per spec.md §4.8 stage 2.
				target = cfg.MinTradeNotionalMicros
			}
		}
	}

	return target, effectiveRateBps, nil
}

func clampBps(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func sharesFromNotional(notional types.CashMicros, price types.PriceMicros) types.ShareMicros {
	if price <= 0 {
		return 0
	}
	return types.ShareMicros(int64(notional) * money.Scale / int64(price))
}

func minPriceMicros(a, b types.PriceMicros) types.PriceMicros {
	if a < b {
		return a
	}
	return b
}

func maxPriceMicros(a, b types.PriceMicros) types.PriceMicros {
	if a > b {
		return a
	}
	return b
}
