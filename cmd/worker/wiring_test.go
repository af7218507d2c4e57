package main

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"polycopy/internal/book"
	"polycopy/internal/decision"
	"polycopy/internal/directory"
	"polycopy/internal/grouper"
	"polycopy/internal/healthapi"
	"polycopy/internal/queue"
	"polycopy/internal/storage"
	"polycopy/pkg/types"
)

type fakeConfigProvider struct{ cfg decision.Config }

func (f fakeConfigProvider) ForGroup(ctx context.Context, g decision.Group) (decision.Config, error) {
	return f.cfg, nil
}

type fakePortfolio struct{ equity types.CashMicros }

func (p fakePortfolio) Equity(ctx context.Context, scope types.PortfolioScope) (types.CashMicros, error) {
	return p.equity, nil
}
func (p fakePortfolio) ExposureTotal(ctx context.Context, scope types.PortfolioScope) (types.CashMicros, error) {
	return 0, nil
}
func (p fakePortfolio) ExposureMarket(ctx context.Context, scope types.PortfolioScope, marketID string) (types.CashMicros, error) {
	return 0, nil
}
func (p fakePortfolio) ExposureUser(ctx context.Context, scope types.PortfolioScope, followedUserID string) (types.CashMicros, error) {
	return 0, nil
}
func (p fakePortfolio) PositionShares(ctx context.Context, scope types.PortfolioScope, followedUserID, assetID string) (types.ShareMicros, error) {
	return 0, nil
}
func (p fakePortfolio) PnLBps(ctx context.Context, scope types.PortfolioScope, window time.Duration) (int64, error) {
	return 0, nil
}
func (p fakePortfolio) DrawdownBps(ctx context.Context, scope types.PortfolioScope) (int64, error) {
	return 0, nil
}

type countingLedger struct{ commits int }

func (l *countingLedger) Commit(ctx context.Context, attempt types.CopyAttempt, entries []types.LedgerEntry) error {
	l.commits++
	return nil
}

func testEngine(t *testing.T, ledger *countingLedger) *decision.Engine {
	t.Helper()
	books := book.NewCache(100, time.Minute, time.Hour)
	t.Cleanup(books.Stop)
	books.ApplyBookSnapshot("tok1", book.SourceWS,
		[]types.OrderBookLevel{{PriceMicros: 550_000, SizeMicros: 1_000_000_000}},
		[]types.OrderBookLevel{{PriceMicros: 600_000, SizeMicros: 1_000_000_000}},
		time.Now())

	cfg := decision.Config{
		SizingMode:                    types.SizingFixedRate,
		CopyPctNotionalBps:            10_000,
		MaxTradeBankrollBps:           10_000,
		MaxWorseningVsTheirFillMicros: 50_000,
		MaxOverMidMicros:              100_000,
		MaxSpreadMicros:               1_000_000,
		MinDepthMultiplierBps:         10_000,
		MaxTotalExposureBps:           1_000_000_000,
		MaxExposurePerMarketBps:       1_000_000_000,
		MaxExposurePerUserBps:         1_000_000_000,
		CircuitBreakerDailyPnLBps:     -1_000_000_000,
		CircuitBreakerWeeklyPnLBps:    -1_000_000_000,
		CircuitBreakerDrawdownBps:     1_000_000_000,
	}
	return decision.New(fakeConfigProvider{cfg: cfg}, books, fakePortfolio{equity: 10_000_000}, ledger, nil, testWiringLogger())
}

func testWiringLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testGrouperGroup() grouper.Group {
	return grouper.Group{
		FollowedAddress: "0xabc",
		AssetID:         "tok1",
		Side:            types.BUY,
		ShareMicros:     1_000_000,
		NotionalMicros:  600_000,
		VWAPPriceMicros: 600_000,
		TradeKeys:       []string{"tx1:0"},
	}
}

func openWiringTestDir(t *testing.T, followedAddr string) *directory.Store {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "wiring_test.db"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	dir := directory.NewStore(db)
	if err := dir.Put(context.Background(), types.FollowedUser{ID: "u1", Address: followedAddr, Enabled: true, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	return dir
}

func TestCopyHandlerDryRunSkipsLedger(t *testing.T) {
	t.Parallel()
	ledger := &countingLedger{}
	engine := testEngine(t, ledger)
	dir := openWiringTestDir(t, "0xabc")

	metrics := healthapi.NewMetrics(prometheus.NewRegistry())
	handler := copyHandler(dir, engine, metrics, true, testWiringLogger())

	payload, err := encodeCopyAttempt(testGrouperGroup())
	if err != nil {
		t.Fatalf("encodeCopyAttempt: %v", err)
	}

	if err := handler(context.Background(), queue.Job{Payload: payload}); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if ledger.commits != 0 {
		t.Errorf("dry-run handler committed to the ledger %d times, want 0", ledger.commits)
	}
}

func TestCopyHandlerLiveRunCommitsToLedger(t *testing.T) {
	t.Parallel()
	ledger := &countingLedger{}
	engine := testEngine(t, ledger)
	dir := openWiringTestDir(t, "0xabc")

	metrics := healthapi.NewMetrics(prometheus.NewRegistry())
	handler := copyHandler(dir, engine, metrics, false, testWiringLogger())

	payload, err := encodeCopyAttempt(testGrouperGroup())
	if err != nil {
		t.Fatalf("encodeCopyAttempt: %v", err)
	}

	if err := handler(context.Background(), queue.Job{Payload: payload}); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if ledger.commits == 0 {
		t.Error("expected a live-run handler to commit to the ledger")
	}
}
