// Package reconcile is the safety net (C6): a periodic and
// reconnect-triggered catch-up ingest from the secondary trade REST API,
// for anything internal/chainfeed's WS path missed. It is never the
// primary detector — in steady state its write count should sit at zero.
//
// Adapts market.Scanner's resty-ticker-poll idiom (ticker-driven Run loop,
// resty client with retry, offset-paginated fetch loop) from market
// discovery to per-user time-paginated trade history, and writes through
// the same idempotency key internal/canontrade uses so a trade already
// seen on-chain is silently ignored here.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"polycopy/internal/money"
	"polycopy/pkg/types"
)

// TradeWriter is the subset of internal/canontrade.Writer reconcile needs.
type TradeWriter interface {
	Write(ctx context.Context, evt types.TradeEvent, blockNumber uint64) (bool, error)
}

// CursorStore persists the latest-seen trade timestamp per followed user,
// so the periodic short-window poll doesn't re-scan the same trades.
type CursorStore interface {
	LoadCursor(ctx context.Context, userID string) (time.Time, error)
	SaveCursor(ctx context.Context, userID string, cursor time.Time) error
}

// UserSource supplies the current set of followed users to reconcile.
type UserSource interface {
	FollowedUsers() []types.FollowedUser
}

// remoteTrade is the JSON shape of one row from the secondary trade API.
type remoteTrade struct {
	TransactionHash string `json:"transactionHash"`
	LogIndex        int64  `json:"logIndex"`
	Timestamp       int64  `json:"timestamp"` // unix seconds
	Price           string `json:"price"`
	Size            string `json:"size"`
	Side            string `json:"side"`
	Asset           string `json:"asset"`
	ConditionID     string `json:"conditionId"`
	ProxyWallet     string `json:"proxyWallet"`
}

const pageLimit = 100

// requestsPerSecond and requestBurst bound how fast reconcileUser's
// per-user fan-out hits the secondary trade API during a sweep across
// many followed users.
const (
	requestBurst      = 20
	requestsPerSecond = 5
)

// Reconciler polls the secondary trade API per followed user.
type Reconciler struct {
	httpClient *resty.Client
	limiter    *tokenBucket
	writer     TradeWriter
	cursors    CursorStore
	users      UserSource
	logger     *slog.Logger
}

// New creates a reconciler pointed at baseURL (the secondary trade API).
func New(baseURL string, writer TradeWriter, cursors CursorStore, users UserSource, logger *slog.Logger) *Reconciler {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &Reconciler{
		httpClient: client,
		limiter:    newTokenBucket(requestBurst, requestsPerSecond),
		writer:     writer,
		cursors:    cursors,
		users:      users,
		logger:     logger.With("component", "reconcile"),
	}
}

// Run drives the periodic short-window poll on interval. This is the
// "periodic cadence" trigger; the "reconnect" trigger reaches Reconcile
// through internal/chainfeed's Reconciler hook, which cmd/worker routes
// through the reconcile queue.
func (r *Reconciler) Run(ctx context.Context, interval, window time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Reconcile(ctx, window)
		}
	}
}

// Reconcile pulls window's worth of trade history for every followed user,
// writing any trade not already seen via internal/canontrade's idempotency
// key. Satisfies internal/chainfeed.Reconciler.
func (r *Reconciler) Reconcile(ctx context.Context, window time.Duration) {
	for _, u := range r.users.FollowedUsers() {
		if err := r.reconcileUser(ctx, u, window); err != nil {
			r.logger.Error("reconcile user failed", "error", err, "user", u.ID)
		}
	}
}

func (r *Reconciler) reconcileUser(ctx context.Context, u types.FollowedUser, window time.Duration) error {
	since := time.Now().Add(-window)
	if r.cursors != nil {
		if cursor, err := r.cursors.LoadCursor(ctx, u.ID); err == nil && cursor.After(since) {
			since = cursor
		}
	}

	trades, err := r.fetchUserTrades(ctx, u.Address, since)
	if err != nil {
		return fmt.Errorf("fetch trades for %s: %w", u.ID, err)
	}

	latest := since
	written := 0
	for _, rt := range trades {
		evt := toTradeEvent(rt)
		ok, err := r.writer.Write(ctx, evt, 0)
		if err != nil {
			r.logger.Error("reconcile write failed", "error", err, "tx", evt.TxHash)
			continue
		}
		if ok {
			written++
		}
		if evt.EventTime.After(latest) {
			latest = evt.EventTime
		}
	}

	if written > 0 {
		r.logger.Warn("reconcile recovered trades missed by the primary detector", "user", u.ID, "count", written)
	}

	if r.cursors != nil && latest.After(since) {
		if err := r.cursors.SaveCursor(ctx, u.ID, latest); err != nil {
			return fmt.Errorf("save cursor: %w", err)
		}
	}
	return nil
}

func (r *Reconciler) fetchUserTrades(ctx context.Context, userAddress string, since time.Time) ([]remoteTrade, error) {
	var all []remoteTrade
	offset := 0

	for {
		if err := r.limiter.wait(ctx); err != nil {
			return nil, err
		}

		var page []remoteTrade
		resp, err := r.httpClient.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"user":   userAddress,
				"after":  strconv.FormatInt(since.Unix(), 10),
				"limit":  strconv.Itoa(pageLimit),
				"offset": strconv.Itoa(offset),
			}).
			SetResult(&page).
			Get("/trades")
		if err != nil {
			return nil, fmt.Errorf("fetch trades page offset=%d: %w", offset, err)
		}
		if resp.StatusCode() != 200 {
			return nil, fmt.Errorf("fetch trades: status %d", resp.StatusCode())
		}

		all = append(all, page...)
		if len(page) < pageLimit {
			break
		}
		offset += pageLimit
	}

	return all, nil
}

func toTradeEvent(rt remoteTrade) types.TradeEvent {
	side := types.BUY
	if rt.Side == "SELL" {
		side = types.SELL
	}
	price := money.ParsePriceMicros(rt.Price)
	shares := money.ParseShareMicros(rt.Size)

	return types.TradeEvent{
		TxHash:         rt.TransactionHash,
		LogIndex:       rt.LogIndex,
		EventTime:      time.Unix(rt.Timestamp, 0),
		DetectTime:     time.Now(),
		ProfileAddress: rt.ProxyWallet,
		RawTokenID:     rt.Asset,
		Side:           side,
		PriceMicros:    price,
		ShareMicros:    shares,
		NotionalMicros: money.Notional(shares, price),
		ConditionID:    rt.ConditionID,
		AssetID:        rt.Asset,
		Enrichment:     types.EnrichmentEnriched,
	}
}
