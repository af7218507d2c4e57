// Package types defines the shared vocabulary for the copy-trading engine —
// fixed-point money/price/share units, ledger and decision domain types, and
// the wire shapes for the upstream book and chain feeds. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"strconv"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Fixed-point micros
// ————————————————————————————————————————————————————————————————————————
//
// All money, price, and share quantities are fixed-point integers expressed
// in micros: 1 USD = 1,000,000 micros. Prices additionally are constrained
// to (0, 1_000_000), i.e. $0.00–$1.00 exclusive. No floating-point value
// appears anywhere past the parsing boundary in internal/money.

// PriceMicros is a price in [0, 1_000_000], 1_000_000 == $1.00.
type PriceMicros int32

// ShareMicros is a share quantity in micro-shares.
type ShareMicros int64

// CashMicros is a signed cash/notional quantity in micros.
type CashMicros int64

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side is BUY or SELL from the followed wallet's perspective.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// PortfolioScope distinguishes the three ledger scopes.
type PortfolioScope string

const (
	ScopeShadowUser  PortfolioScope = "SHADOW_USER"  // hypothetical full-notional mirror of a leader
	ScopeExecUser    PortfolioScope = "EXEC_USER"    // per-leader attributed slice of the paper book
	ScopeExecGlobal  PortfolioScope = "EXEC_GLOBAL"  // the paper portfolio we actually copy into
)

// LedgerEntryType enumerates the append-only ledger row kinds.
type LedgerEntryType string

const (
	EntryTradeBuy   LedgerEntryType = "TRADE_BUY"
	EntryTradeSell  LedgerEntryType = "TRADE_SELL"
	EntryMerge      LedgerEntryType = "MERGE"
	EntrySplit      LedgerEntryType = "SPLIT"
	EntryRedeem     LedgerEntryType = "REDEEM"
	EntrySettlement LedgerEntryType = "SETTLEMENT"
	EntryDeposit    LedgerEntryType = "DEPOSIT"
)

// Decision is the outcome of a CopyAttempt.
type Decision string

const (
	DecisionExecute Decision = "EXECUTE"
	DecisionSkip    Decision = "SKIP"
)

// SourceType identifies what produced a CopyAttempt's triggering group.
type SourceType string

const (
	SourceImmediate SourceType = "IMMEDIATE"
	SourceBuffer    SourceType = "BUFFER"
	SourceAggregator SourceType = "AGGREGATOR"
)

// ReasonCode enumerates the guardrail/skip reasons the decision engine can
// accumulate. A tagged enum, matched exhaustively — not exceptions (see
// DESIGN_NOTES: exceptions as control flow).
type ReasonCode string

const (
	ReasonEnginePaused          ReasonCode = "ENGINE_PAUSED"
	ReasonUserDisabled          ReasonCode = "USER_DISABLED"
	ReasonMarketBlacklisted     ReasonCode = "MARKET_BLACKLISTED"
	ReasonSpreadTooWide         ReasonCode = "SPREAD_TOO_WIDE"
	ReasonInsufficientDepth     ReasonCode = "INSUFFICIENT_DEPTH"
	ReasonPriceWorseThanFill    ReasonCode = "PRICE_WORSE_THAN_THEIR_FILL"
	ReasonPriceTooFarOverMid    ReasonCode = "PRICE_TOO_FAR_OVER_MID"
	ReasonBuyCostPerShareHigh   ReasonCode = "BUY_COST_PER_SHARE_TOO_HIGH"
	ReasonNoLiquidityWithin     ReasonCode = "NO_LIQUIDITY_WITHIN_BOUNDS"
	ReasonRiskCapTotal          ReasonCode = "RISK_CAP_TOTAL_EXPOSURE"
	ReasonRiskCapMarket         ReasonCode = "RISK_CAP_PER_MARKET"
	ReasonRiskCapUser           ReasonCode = "RISK_CAP_PER_USER"
	ReasonMarketTooCloseToClose ReasonCode = "MARKET_TOO_CLOSE_TO_CLOSE"
	ReasonCircuitBreakerTripped ReasonCode = "CIRCUIT_BREAKER_TRIPPED"
	ReasonBuffered              ReasonCode = "BUFFERED"
	ReasonBufferFlushBelowMin  ReasonCode = "BUFFER_FLUSH_BELOW_MIN_EXEC"
	ReasonNotEnoughPosition     ReasonCode = "NOT_ENOUGH_POSITION_TO_SELL"
)

// SizingMode selects the sizing algorithm in the decision engine (C8 stage 2).
type SizingMode string

const (
	SizingFixedRate       SizingMode = "FIXED_RATE"
	SizingBudgetedDynamic SizingMode = "BUDGETED_DYNAMIC"
)

// NettingMode selects how the small-trade buffer (C9) nets buys vs sells.
type NettingMode string

const (
	NettingSameSideOnly NettingMode = "SAME_SIDE_ONLY"
	NettingNetBuySell   NettingMode = "NET_BUY_SELL"
)

// FlushReason enumerates why a buffer bucket flushed (C9).
type FlushReason string

const (
	FlushThreshold    FlushReason = "threshold"
	FlushQuiet        FlushReason = "quiet"
	FlushMaxTime      FlushReason = "maxTime"
	FlushOppositeSide FlushReason = "oppositeSide"
	FlushShutdown     FlushReason = "shutdown"
)

// EnrichmentStatus tracks canonical-trade market/asset enrichment (C5).
type EnrichmentStatus string

const (
	EnrichmentPending  EnrichmentStatus = "pending"
	EnrichmentEnriched EnrichmentStatus = "enriched"
	EnrichmentFailed   EnrichmentStatus = "failed"
)

// ————————————————————————————————————————————————————————————————————————
// Domain entities (§3 DATA MODEL)
// ————————————————————————————————————————————————————————————————————————

// FollowedUser is a trader the engine observes and optionally copies.
type FollowedUser struct {
	ID        string
	Address   string   // the primary on-chain address observed
	Proxies   []string // alias/proxy addresses for the same trader
	Label     string
	Enabled   bool
	CreatedAt time.Time
}

// TradeEvent is one row per decoded on-chain fill — the canonical trade.
// Unique by (TxHash, LogIndex); append-only, never deleted.
type TradeEvent struct {
	TxHash      string
	LogIndex    int64
	BlockNumber uint64    // 0 if unknown (e.g. a reconcile-sourced event)
	EventTime   time.Time // block timestamp
	DetectTime  time.Time // local wall-clock detection time

	ProfileAddress string
	ProxyAddress   string // empty if same as ProfileAddress

	RawTokenID string
	Side       Side

	PriceMicros    PriceMicros
	ShareMicros    ShareMicros
	NotionalMicros CashMicros
	FeeMicros      CashMicros

	Enrichment  EnrichmentStatus
	MarketID    string // denormalised once enriched
	ConditionID string
	AssetID     string
}

// Key returns the idempotency key for this trade.
func (t TradeEvent) Key() string {
	return t.TxHash + ":" + strconv.FormatInt(t.LogIndex, 10)
}

// LedgerEntry is an append-only double-entry row.
type LedgerEntry struct {
	Scope          PortfolioScope
	FollowedUserID string // optional, empty for scopes that don't carry one
	MarketID       string // optional
	AssetID        string // optional
	EntryType      LedgerEntryType

	ShareDeltaMicros ShareMicros // signed
	CashDeltaMicros  CashMicros  // signed
	PriceMicros      PriceMicros // optional, 0 if not applicable

	RefID     string // deterministic; (Scope, RefID, EntryType) is unique
	CreatedAt time.Time
}

// ExecutableFill is a single simulated book-level fill backing an EXECUTE
// CopyAttempt.
type ExecutableFill struct {
	PriceMicros    PriceMicros
	ShareMicros    ShareMicros
	NotionalMicros CashMicros
}

// CopyAttempt is one row per decision made over an event group.
type CopyAttempt struct {
	ID             string
	Scope          PortfolioScope
	FollowedUserID string
	Decision       Decision
	Reasons        []ReasonCode // insertion order

	TargetNotionalMicros CashMicros
	FilledNotionalMicros CashMicros
	FilledRatioBps       int64 // 0..10_000

	VWAPPriceMicros   PriceMicros // 0 when skipped
	RefPriceMicros    PriceMicros // the group's reference (their) fill price
	SourceType        SourceType
	BufferedTradeCount int

	Fills []ExecutableFill

	CreatedAt time.Time
}

// OrderBookLevel is a single price level with aggregate size, both in
// micros. Used for the materialized sorted view of a NormalizedBook.
type OrderBookLevel struct {
	PriceMicros PriceMicros
	SizeMicros  ShareMicros
}

// MarketPriceSnapshot is one row per (AssetID, BucketTime) at a fixed cadence.
type MarketPriceSnapshot struct {
	AssetID     string
	BucketTime  time.Time
	MidMicros   PriceMicros
}

// PortfolioSnapshot is one row per (Scope, FollowedUserID-or-empty, BucketTime).
type PortfolioSnapshot struct {
	Scope              PortfolioScope
	FollowedUserID      string // empty = NULL per spec.md's accepted duplicate-NULL semantics
	BucketTime         time.Time
	EquityMicros       CashMicros
	CashMicros         CashMicros
	ExposureMicros     CashMicros
	UnrealizedPnLMicros CashMicros
	RealizedPnLMicros  CashMicros
	UpdatedAt          time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Upstream book WS wire shapes (consumed by internal/bookfeed)
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single bid or ask level as delivered over the wire.
// Price and Size are strings to preserve decimal precision from upstream.
type PriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// WSBookEvent is a full order book snapshot from the market WS channel.
type WSBookEvent struct {
	EventType string       `json:"event_type"` // always "book"
	AssetID   string       `json:"asset_id"`
	Market    string       `json:"market"`
	Timestamp string       `json:"timestamp"`
	Hash      string       `json:"hash"`
	Buys      []PriceLevel `json:"buys"`
	Sells     []PriceLevel `json:"sells"`
}

// WSPriceChange is a single price-level delta within a price_change event.
type WSPriceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"` // new size at this level; 0 removes it
	Side    string `json:"side"`
	Hash    string `json:"hash"`
}

// WSPriceChangeEvent is an incremental order book update.
type WSPriceChangeEvent struct {
	EventType    string          `json:"event_type"` // always "price_change"
	Market       string          `json:"market"`
	Timestamp    string          `json:"timestamp"`
	PriceChanges []WSPriceChange `json:"price_changes"`
}

// WSSubscribeMsg is the initial subscription message for a book WS channel.
type WSSubscribeMsg struct {
	Type     string   `json:"type"` // "market"
	AssetIDs []string `json:"assets_ids,omitempty"`
}

// WSUpdateMsg dynamically subscribes/unsubscribes after connect.
type WSUpdateMsg struct {
	AssetIDs  []string `json:"assets_ids,omitempty"`
	Operation string   `json:"operation"` // "subscribe" or "unsubscribe"
}

// BookResponse is the REST fallback response for GET /book for a token.
type BookResponse struct {
	AssetID   string       `json:"asset_id"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Hash      string       `json:"hash"`
	Timestamp string       `json:"timestamp"`
}
