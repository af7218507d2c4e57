// Package settlement runs the two-minute settlement loop (C12): it closes
// EXEC_GLOBAL positions on markets that have resolved, crediting the
// per-share payout and zeroing the position via idempotent SETTLEMENT
// ledger rows.
//
// Grounded on market.Scanner's ticker-loop shape, same as internal/snapshot,
// and on internal/ledger's refId-based idempotency — resolving a payout
// metadata service is out of scope (the same way block-timestamp lookups are
// out of scope for C4), so PayoutProvider is forward-declared here the way
// canontrade.BlockTimestampLookup forward-declares its dependency.
package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"polycopy/internal/ledger"
	"polycopy/internal/money"
	"polycopy/pkg/types"
)

// PayoutProvider resolves a market's per-share payout once it has settled.
// ok is false until the asset's market resolves.
type PayoutProvider interface {
	ResolvedPayoutMicros(ctx context.Context, assetID string) (payoutPerShare types.PriceMicros, ok bool, err error)
}

// Loop owns the settlement ticker.
type Loop struct {
	ledger   *ledger.Store
	payouts  PayoutProvider
	interval time.Duration
	logger   *slog.Logger
}

// New wires a settlement Loop. interval is the poll cadence; callers
// typically default it to two minutes.
func New(ledgerStore *ledger.Store, payouts PayoutProvider, interval time.Duration, logger *slog.Logger) *Loop {
	return &Loop{ledger: ledgerStore, payouts: payouts, interval: interval, logger: logger.With("component", "settlement")}
}

// Run blocks until ctx is cancelled, settling resolved markets on interval
// (with an immediate pass on startup).
func (l *Loop) Run(ctx context.Context) {
	l.settle(ctx)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.settle(ctx)
		}
	}
}

func (l *Loop) settle(ctx context.Context) {
	positions, err := l.ledger.OpenPositions(ctx, types.ScopeExecGlobal)
	if err != nil {
		l.logger.Error("list open EXEC_GLOBAL positions", "error", err)
		return
	}
	if len(positions) == 0 {
		return
	}

	settled := 0
	for assetID, netShares := range positions {
		payoutPerShare, resolved, err := l.payouts.ResolvedPayoutMicros(ctx, assetID)
		if err != nil {
			l.logger.Error("resolve payout", "asset_id", assetID, "error", err)
			continue
		}
		if !resolved {
			continue
		}
		if err := l.settleAsset(ctx, assetID, netShares, payoutPerShare); err != nil {
			l.logger.Error("settle asset", "asset_id", assetID, "error", err)
			continue
		}
		settled++
	}
	if settled > 0 {
		l.logger.Info("settlement tick", "resolved_assets", settled)
	}
}

// settleAsset writes the zero-out-position row and, unless the payout is
// zero, the cash-credit row, both SETTLEMENT entries with deterministic
// refIds so a repeated pass over an already-settled asset is a no-op at the
// storage layer's unique constraint.
func (l *Loop) settleAsset(ctx context.Context, assetID string, netShares types.ShareMicros, payoutPerShare types.PriceMicros) error {
	now := time.Now()
	refBase := "settlement|" + assetID

	entries := []types.LedgerEntry{{
		Scope:            types.ScopeExecGlobal,
		AssetID:          assetID,
		EntryType:        types.EntrySettlement,
		ShareDeltaMicros: -netShares,
		RefID:            refBase + "|zero",
		CreatedAt:        now,
	}}

	cashCredit := money.Notional(netShares, payoutPerShare)
	if cashCredit != 0 {
		entries = append(entries, types.LedgerEntry{
			Scope:           types.ScopeExecGlobal,
			AssetID:         assetID,
			EntryType:       types.EntrySettlement,
			CashDeltaMicros: cashCredit,
			PriceMicros:     payoutPerShare,
			RefID:           refBase + "|credit",
			CreatedAt:       now,
		})
	}

	attempt := types.CopyAttempt{
		ID:         refBase + "@" + now.UTC().Format(time.RFC3339Nano),
		Scope:      types.ScopeExecGlobal,
		Decision:   types.DecisionExecute,
		SourceType: types.SourceAggregator,
		CreatedAt:  now,
	}
	if err := l.ledger.Commit(ctx, attempt, entries); err != nil {
		return fmt.Errorf("commit settlement entries: %w", err)
	}
	return nil
}
