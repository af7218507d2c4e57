package settlement

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"polycopy/internal/book"
	"polycopy/internal/ledger"
	"polycopy/internal/storage"
	"polycopy/pkg/types"
)

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, nil))
}

type fakePayouts struct {
	resolved map[string]types.PriceMicros
}

func (f *fakePayouts) ResolvedPayoutMicros(ctx context.Context, assetID string) (types.PriceMicros, bool, error) {
	payout, ok := f.resolved[assetID]
	return payout, ok, nil
}

func newTestLoop(t *testing.T, payouts *fakePayouts) (*Loop, *ledger.Store) {
	t.Helper()
	dir := t.TempDir()
	db, err := storage.Open(filepath.Join(dir, "settlement_test.db"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	books := book.NewCache(100, time.Hour, time.Hour)
	t.Cleanup(books.Stop)

	ledgerStore := ledger.NewStore(db, books, 1_000_000_000)
	return New(ledgerStore, payouts, time.Minute, testLogger()), ledgerStore
}

func openPosition(t *testing.T, ctx context.Context, l *ledger.Store, assetID string, shares types.ShareMicros) {
	t.Helper()
	entry := types.LedgerEntry{
		Scope:            types.ScopeExecGlobal,
		FollowedUserID:   "u1",
		MarketID:         "m1",
		AssetID:          assetID,
		EntryType:        types.EntryTradeBuy,
		ShareDeltaMicros: shares,
		CashDeltaMicros:  -shares / 2,
		PriceMicros:      500_000,
		RefID:            "open|" + assetID,
		CreatedAt:        time.Now(),
	}
	attempt := types.CopyAttempt{ID: "a-open-" + assetID, Scope: types.ScopeExecGlobal, Decision: types.DecisionExecute, CreatedAt: time.Now()}
	if err := l.Commit(ctx, attempt, []types.LedgerEntry{entry}); err != nil {
		t.Fatalf("open position commit: %v", err)
	}
}

func TestUnresolvedAssetIsSkipped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	payouts := &fakePayouts{resolved: map[string]types.PriceMicros{}}
	loop, l := newTestLoop(t, payouts)

	openPosition(t, ctx, l, "tok1", 100_000_000)
	loop.settle(ctx)

	shares, err := l.PositionShares(ctx, types.ScopeExecGlobal, "u1", "tok1")
	if err != nil {
		t.Fatalf("PositionShares: %v", err)
	}
	if shares != 100_000_000 {
		t.Errorf("position should be untouched while unresolved, got %d", shares)
	}
}

func TestSettleZeroesPositionAndCreditsCash(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	payouts := &fakePayouts{resolved: map[string]types.PriceMicros{"tok1": 1_000_000}}
	loop, l := newTestLoop(t, payouts)

	openPosition(t, ctx, l, "tok1", 100_000_000)
	loop.settle(ctx)

	shares, err := l.PositionShares(ctx, types.ScopeExecGlobal, "u1", "tok1")
	if err != nil {
		t.Fatalf("PositionShares: %v", err)
	}
	if shares != 0 {
		t.Errorf("position after settlement = %d, want 0", shares)
	}

	positions, err := l.OpenPositions(ctx, types.ScopeExecGlobal)
	if err != nil {
		t.Fatalf("OpenPositions: %v", err)
	}
	if _, stillOpen := positions["tok1"]; stillOpen {
		t.Errorf("tok1 should no longer be an open position after settlement")
	}
}

func TestSettlementIsIdempotentAcrossRepeatedPasses(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	payouts := &fakePayouts{resolved: map[string]types.PriceMicros{"tok1": 1_000_000}}
	loop, l := newTestLoop(t, payouts)

	openPosition(t, ctx, l, "tok1", 100_000_000)

	cashBefore, err := l.Cash(ctx, types.ScopeExecGlobal, "")
	if err != nil {
		t.Fatalf("Cash before: %v", err)
	}

	loop.settle(ctx)
	cashAfterFirst, err := l.Cash(ctx, types.ScopeExecGlobal, "")
	if err != nil {
		t.Fatalf("Cash after first settle: %v", err)
	}
	wantCredit := types.CashMicros(100_000_000) // 100 shares * 1,000,000 payout / 1,000,000
	if cashAfterFirst != cashBefore+wantCredit {
		t.Errorf("cash after first settlement = %d, want %d", cashAfterFirst, cashBefore+wantCredit)
	}

	// A second pass over the now-closed position must be a pure no-op.
	loop.settle(ctx)
	cashAfterSecond, err := l.Cash(ctx, types.ScopeExecGlobal, "")
	if err != nil {
		t.Fatalf("Cash after second settle: %v", err)
	}
	if cashAfterSecond != cashAfterFirst {
		t.Errorf("second settlement pass changed cash: %d -> %d", cashAfterFirst, cashAfterSecond)
	}

	shares, err := l.PositionShares(ctx, types.ScopeExecGlobal, "u1", "tok1")
	if err != nil {
		t.Fatalf("PositionShares: %v", err)
	}
	if shares != 0 {
		t.Errorf("position after repeated settlement = %d, want 0", shares)
	}
}

func TestZeroPayoutWritesOnlyTheZeroingRow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	payouts := &fakePayouts{resolved: map[string]types.PriceMicros{"tok1": 0}}
	loop, l := newTestLoop(t, payouts)

	openPosition(t, ctx, l, "tok1", 100_000_000)
	loop.settle(ctx)

	shares, err := l.PositionShares(ctx, types.ScopeExecGlobal, "u1", "tok1")
	if err != nil {
		t.Fatalf("PositionShares: %v", err)
	}
	if shares != 0 {
		t.Errorf("position after zero-payout settlement = %d, want 0", shares)
	}
}
