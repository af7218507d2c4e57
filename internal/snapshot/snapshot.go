// Package snapshot runs the two periodic recording loops (C11): per-N-second
// market price snapshots and per-minute portfolio snapshots. Both are pure
// readers of internal/ledger plus internal/book — this package is the sole
// writer of price_snapshots and portfolio_snapshots, per spec.md §3's
// ownership rule.
//
// Grounded on market.Scanner's ticker-loop shape: an immediate first pass on
// startup, then a ticker-driven loop that blocks until ctx is cancelled.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"polycopy/internal/book"
	"polycopy/internal/ledger"
	"polycopy/internal/storage"
	"polycopy/pkg/types"
)

// Loops owns both ticker loops. One instance is started from cmd/worker with
// two goroutines (one per loop), following the same fan-out the teacher's
// engine uses for its Scanner/Market goroutines.
type Loops struct {
	db            *storage.DB
	books         *book.Cache
	ledger        *ledger.Store
	priceInterval time.Duration
	logger        *slog.Logger
}

// New wires a Loops instance. priceInterval is the P-second cadence for
// market price snapshots; portfolio snapshots are fixed at one minute per
// spec.md §4.11.
func New(db *storage.DB, books *book.Cache, ledgerStore *ledger.Store, priceInterval time.Duration, logger *slog.Logger) *Loops {
	return &Loops{
		db:            db,
		books:         books,
		ledger:        ledgerStore,
		priceInterval: priceInterval,
		logger:        logger.With("component", "snapshot"),
	}
}

// RunPriceSnapshots blocks until ctx is cancelled, recording a midpoint row
// for every asset with an open ledger position at each P-second tick.
func (l *Loops) RunPriceSnapshots(ctx context.Context) {
	l.snapshotPrices(ctx)

	ticker := time.NewTicker(l.priceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.snapshotPrices(ctx)
		}
	}
}

// RunPortfolioSnapshots blocks until ctx is cancelled, recomputing and
// inserting one row per (scope, followedUserId-or-null) slice every minute.
func (l *Loops) RunPortfolioSnapshots(ctx context.Context) {
	l.snapshotPortfolios(ctx)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.snapshotPortfolios(ctx)
		}
	}
}

func bucketTime(now time.Time, interval time.Duration) time.Time {
	return now.Truncate(interval)
}

func (l *Loops) snapshotPrices(ctx context.Context) {
	assets, err := l.ledger.AssetsWithOpenPosition(ctx)
	if err != nil {
		l.logger.Error("list assets with open position", "error", err)
		return
	}
	if len(assets) == 0 {
		return
	}

	bucket := bucketTime(time.Now(), l.priceInterval)
	written := 0
	for _, assetID := range assets {
		bk, ok := l.books.GetNoWait(assetID)
		if !ok {
			continue
		}
		mid := bk.Mid()
		if mid <= 0 {
			continue
		}
		if err := l.upsertPriceSnapshot(ctx, assetID, bucket, mid); err != nil {
			l.logger.Error("upsert price snapshot", "asset_id", assetID, "error", err)
			continue
		}
		written++
	}
	l.logger.Info("price snapshot tick", "assets", len(assets), "written", written, "bucket", bucket)
}

func (l *Loops) upsertPriceSnapshot(ctx context.Context, assetID string, bucket time.Time, mid types.PriceMicros) error {
	_, err := l.db.SQL().ExecContext(ctx, `
		INSERT INTO price_snapshots (asset_id, bucket_time, mid_micros)
		VALUES (?, ?, ?)
		ON CONFLICT (asset_id, bucket_time) DO UPDATE SET mid_micros = excluded.mid_micros`,
		assetID, bucket.UTC().Format(time.RFC3339), int64(mid),
	)
	if err != nil {
		return fmt.Errorf("insert price_snapshots: %w", err)
	}
	return nil
}

type slice struct {
	scope          types.PortfolioScope
	followedUserID string // empty means the scope's global/null-user row
}

func (l *Loops) snapshotPortfolios(ctx context.Context) {
	slices := []slice{{scope: types.ScopeExecGlobal}}

	execUsers, err := l.ledger.DistinctFollowedUsers(ctx, types.ScopeExecGlobal)
	if err != nil {
		l.logger.Error("list EXEC_GLOBAL leaders", "error", err)
	}
	for _, u := range execUsers {
		slices = append(slices, slice{scope: types.ScopeExecGlobal, followedUserID: u})
	}

	shadowUsers, err := l.ledger.DistinctFollowedUsers(ctx, types.ScopeShadowUser)
	if err != nil {
		l.logger.Error("list SHADOW_USER leaders", "error", err)
	}
	for _, u := range shadowUsers {
		slices = append(slices, slice{scope: types.ScopeShadowUser, followedUserID: u})
	}

	bucket := bucketTime(time.Now(), time.Minute)
	for _, sl := range slices {
		if err := l.snapshotOne(ctx, sl, bucket); err != nil {
			l.logger.Error("snapshot portfolio slice", "scope", sl.scope, "followed_user_id", sl.followedUserID, "error", err)
		}
	}
	l.logger.Info("portfolio snapshot tick", "slices", len(slices), "bucket", bucket)
}

func (l *Loops) snapshotOne(ctx context.Context, sl slice, bucket time.Time) error {
	equity, err := l.ledger.EquityForUser(ctx, sl.scope, sl.followedUserID)
	if err != nil {
		return fmt.Errorf("equity: %w", err)
	}
	cash, err := l.ledger.Cash(ctx, sl.scope, sl.followedUserID)
	if err != nil {
		return fmt.Errorf("cash: %w", err)
	}
	var exposure types.CashMicros
	if sl.followedUserID == "" {
		exposure, err = l.ledger.ExposureTotal(ctx, sl.scope)
	} else {
		exposure, err = l.ledger.ExposureUser(ctx, sl.scope, sl.followedUserID)
	}
	if err != nil {
		return fmt.Errorf("exposure: %w", err)
	}
	unrealized, err := l.ledger.UnrealizedPnL(ctx, sl.scope, sl.followedUserID)
	if err != nil {
		return fmt.Errorf("unrealized pnl: %w", err)
	}
	realized, err := l.ledger.RealizedPnLForUser(ctx, sl.scope, sl.followedUserID)
	if err != nil {
		return fmt.Errorf("realized pnl: %w", err)
	}

	// Plain insert: per spec.md §4.11's accepted Open Question resolution,
	// NULL followedUserId rows are allowed to duplicate across ticks rather
	// than forcing a synthetic non-null key. The in-tree readers
	// (ledger.PnLBps, ledger.DrawdownBps) select by bucket_time or by peak
	// equity, not by updated_at.
	var userID any
	if sl.followedUserID != "" {
		userID = sl.followedUserID
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = l.db.SQL().ExecContext(ctx, `
		INSERT INTO portfolio_snapshots
			(scope, followed_user_id, bucket_time, equity_micros, cash_micros,
			 exposure_micros, unrealized_pnl_micros, realized_pnl_micros, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(sl.scope), userID, bucket.UTC().Format(time.RFC3339),
		int64(equity), int64(cash), int64(exposure), int64(unrealized), int64(realized), now,
	)
	if err != nil {
		return fmt.Errorf("insert portfolio_snapshots: %w", err)
	}
	return nil
}
