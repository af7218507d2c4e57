// Package ledger is the double-entry ledger (C10): an append-only store of
// LedgerEntry rows plus the CopyAttempt audit trail that produced them,
// backed by the shared sqlite database opened by internal/storage.
//
// Grounded on stadam23-Eve-flipper/internal/db's migration idiom (the schema
// itself lives in internal/storage, which already follows that idiom) and on
// strategy.Inventory's position/PnL math: weighted-average cost basis and
// realized-on-reduction, generalized here from an in-memory struct to
// SQL aggregates computed on demand. Position, cash, exposure, and PnL are
// never cached in this package — every read re-derives from ledger_entries,
// per spec.md §4.10's "all reads are grouped queries parametrised by scope
// and optional followedUserId" rule.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"polycopy/internal/book"
	"polycopy/internal/money"
	"polycopy/internal/storage"
	"polycopy/pkg/types"
)

// Store implements decision.Portfolio and decision.LedgerWriter.
type Store struct {
	db    *storage.DB
	books *book.Cache

	// InitialBankrollMicros is EXEC_GLOBAL's starting cash before any trade
	// or deposit row — a config constant, not derived from the ledger.
	InitialBankrollMicros types.CashMicros
}

// NewStore wires a Store to the shared database and the live book cache
// exposure/PnL queries use for mark-to-market pricing.
func NewStore(db *storage.DB, books *book.Cache, initialBankrollMicros types.CashMicros) *Store {
	return &Store{db: db, books: books, InitialBankrollMicros: initialBankrollMicros}
}

// Commit implements decision.LedgerWriter: the CopyAttempt row and every
// ledger entry it produced land in one transaction, so a crash between the
// two never leaves one without the other. Both inserts are OR IGNORE against
// their respective primary/unique keys — a retried commit with the same
// attempt ID and the same (scope, refId, entryType) tuples is a no-op, which
// is what makes refId-based idempotency actually hold under at-least-once
// delivery from C13's queue.
func (s *Store) Commit(ctx context.Context, attempt types.CopyAttempt, entries []types.LedgerEntry) error {
	tx, err := s.db.SQL().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertAttempt(ctx, tx, attempt); err != nil {
		return err
	}
	for _, e := range entries {
		if err := insertEntry(ctx, tx, e); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertAttempt(ctx context.Context, tx *sql.Tx, a types.CopyAttempt) error {
	reasons, err := json.Marshal(a.Reasons)
	if err != nil {
		return fmt.Errorf("marshal reasons: %w", err)
	}
	fills, err := json.Marshal(a.Fills)
	if err != nil {
		return fmt.Errorf("marshal fills: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO copy_attempts
			(id, scope, followed_user_id, decision, reasons, target_notional_micros,
			 filled_notional_micros, filled_ratio_bps, vwap_price_micros, ref_price_micros,
			 source_type, buffered_trade_count, fills, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, string(a.Scope), a.FollowedUserID, string(a.Decision), string(reasons),
		int64(a.TargetNotionalMicros), int64(a.FilledNotionalMicros), a.FilledRatioBps,
		int64(a.VWAPPriceMicros), int64(a.RefPriceMicros), string(a.SourceType),
		a.BufferedTradeCount, string(fills), a.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert copy_attempts: %w", err)
	}
	return nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, e types.LedgerEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO ledger_entries
			(scope, followed_user_id, market_id, asset_id, entry_type,
			 share_delta_micros, cash_delta_micros, price_micros, ref_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(e.Scope), e.FollowedUserID, e.MarketID, e.AssetID, string(e.EntryType),
		int64(e.ShareDeltaMicros), int64(e.CashDeltaMicros), int64(e.PriceMicros),
		e.RefID, e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert ledger_entries: %w", err)
	}
	return nil
}

// Cash sums cash_delta_micros for scope, optionally narrowed to one
// followed user, plus the initial bankroll and deposits for EXEC_GLOBAL's
// aggregate cash line (spec.md §4.10).
func (s *Store) Cash(ctx context.Context, scope types.PortfolioScope, followedUserID string) (types.CashMicros, error) {
	query := `SELECT COALESCE(SUM(cash_delta_micros), 0) FROM ledger_entries WHERE scope = ?`
	args := []any{string(scope)}
	if followedUserID != "" {
		query += ` AND followed_user_id = ?`
		args = append(args, followedUserID)
	}

	var sum int64
	if err := s.db.SQL().QueryRowContext(ctx, query, args...).Scan(&sum); err != nil {
		return 0, fmt.Errorf("sum cash deltas: %w", err)
	}

	cash := types.CashMicros(sum)
	if scope == types.ScopeExecGlobal && followedUserID == "" {
		cash += s.InitialBankrollMicros
	}
	return cash, nil
}

// PositionShares implements decision.Portfolio.
func (s *Store) PositionShares(ctx context.Context, scope types.PortfolioScope, followedUserID, assetID string) (types.ShareMicros, error) {
	var sum int64
	err := s.db.SQL().QueryRowContext(ctx, `
		SELECT COALESCE(SUM(share_delta_micros), 0) FROM ledger_entries
		WHERE scope = ? AND followed_user_id = ? AND asset_id = ?`,
		string(scope), followedUserID, assetID,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum position shares: %w", err)
	}
	return types.ShareMicros(sum), nil
}

type assetPosition struct {
	assetID     string
	netShares   types.ShareMicros
	costBasis   types.CashMicros // -sum(cashDelta) for this asset's rows
	lastPrice   types.PriceMicros
}

func (s *Store) assetPositions(ctx context.Context, scope types.PortfolioScope, followedUserID, marketID string) ([]assetPosition, error) {
	query := `
		SELECT asset_id,
		       COALESCE(SUM(share_delta_micros), 0),
		       COALESCE(SUM(cash_delta_micros), 0),
		       MAX(CASE WHEN price_micros > 0 THEN price_micros END)
		FROM ledger_entries
		WHERE scope = ? AND asset_id != ''`
	args := []any{string(scope)}
	if followedUserID != "" {
		query += ` AND followed_user_id = ?`
		args = append(args, followedUserID)
	}
	if marketID != "" {
		query += ` AND market_id = ?`
		args = append(args, marketID)
	}
	query += ` GROUP BY asset_id`

	rows, err := s.db.SQL().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query asset positions: %w", err)
	}
	defer rows.Close()

	var out []assetPosition
	for rows.Next() {
		var assetID string
		var netShares, negCashSum int64
		var lastPrice sql.NullInt64
		if err := rows.Scan(&assetID, &netShares, &negCashSum, &lastPrice); err != nil {
			return nil, fmt.Errorf("scan asset position: %w", err)
		}
		p := assetPosition{
			assetID:   assetID,
			netShares: types.ShareMicros(netShares),
			costBasis: types.CashMicros(-negCashSum),
		}
		if lastPrice.Valid {
			p.lastPrice = types.PriceMicros(lastPrice.Int64)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// markPrice returns the live mid price if the book is cached and fresh
// enough to answer without blocking, falling back to the asset's most
// recently recorded ledger price so exposure/PnL never error out just
// because the book cache hasn't warmed up yet.
func (s *Store) markPrice(assetID string, fallback types.PriceMicros) types.PriceMicros {
	if s.books != nil {
		if bk, ok := s.books.GetNoWait(assetID); ok {
			if mid := bk.Mid(); mid > 0 {
				return mid
			}
		}
	}
	return fallback
}

func (s *Store) exposure(ctx context.Context, scope types.PortfolioScope, followedUserID, marketID string) (types.CashMicros, error) {
	positions, err := s.assetPositions(ctx, scope, followedUserID, marketID)
	if err != nil {
		return 0, err
	}

	var total types.CashMicros
	for _, p := range positions {
		if p.netShares == 0 {
			continue
		}
		price := s.markPrice(p.assetID, p.lastPrice)
		total += absCash(money.Notional(absShares(p.netShares), price))
	}
	return total, nil
}

// ExposureTotal implements decision.Portfolio.
func (s *Store) ExposureTotal(ctx context.Context, scope types.PortfolioScope) (types.CashMicros, error) {
	return s.exposure(ctx, scope, "", "")
}

// ExposureMarket implements decision.Portfolio.
func (s *Store) ExposureMarket(ctx context.Context, scope types.PortfolioScope, marketID string) (types.CashMicros, error) {
	return s.exposure(ctx, scope, "", marketID)
}

// ExposureUser implements decision.Portfolio.
func (s *Store) ExposureUser(ctx context.Context, scope types.PortfolioScope, followedUserID string) (types.CashMicros, error) {
	return s.exposure(ctx, scope, followedUserID, "")
}

// UnrealizedPnL sums (netShares * markPrice - costBasis) across every asset
// held under scope, per spec.md §4.10's unrealized-PnL formula. followedUserID
// empty means the scope's full aggregate; non-empty narrows to one leader's
// attributed slice (used by C11's per-leader portfolio snapshots).
func (s *Store) UnrealizedPnL(ctx context.Context, scope types.PortfolioScope, followedUserID string) (types.CashMicros, error) {
	positions, err := s.assetPositions(ctx, scope, followedUserID, "")
	if err != nil {
		return 0, err
	}

	var total types.CashMicros
	for _, p := range positions {
		price := s.markPrice(p.assetID, p.lastPrice)
		value := money.Notional(absShares(p.netShares), price)
		if p.netShares < 0 {
			value = -value
		}
		total += value - p.costBasis
	}
	return total, nil
}

// Equity implements decision.Portfolio: cash plus the mark-to-market value
// of every open position under scope.
func (s *Store) Equity(ctx context.Context, scope types.PortfolioScope) (types.CashMicros, error) {
	return s.EquityForUser(ctx, scope, "")
}

// EquityForUser is Equity narrowed to one leader's attributed slice.
func (s *Store) EquityForUser(ctx context.Context, scope types.PortfolioScope, followedUserID string) (types.CashMicros, error) {
	cash, err := s.Cash(ctx, scope, followedUserID)
	if err != nil {
		return 0, err
	}
	positions, err := s.assetPositions(ctx, scope, followedUserID, "")
	if err != nil {
		return 0, err
	}

	equity := cash
	for _, p := range positions {
		price := s.markPrice(p.assetID, p.lastPrice)
		value := money.Notional(absShares(p.netShares), price)
		if p.netShares < 0 {
			value = -value
		}
		equity += value
	}
	return equity, nil
}

// RealizedPnL implements the realized-PnL derivation: equity minus (initial
// bankroll plus net deposits) minus unrealized PnL.
func (s *Store) RealizedPnL(ctx context.Context, scope types.PortfolioScope) (types.CashMicros, error) {
	return s.RealizedPnLForUser(ctx, scope, "")
}

// RealizedPnLForUser is RealizedPnL narrowed to one leader's attributed slice.
func (s *Store) RealizedPnLForUser(ctx context.Context, scope types.PortfolioScope, followedUserID string) (types.CashMicros, error) {
	equity, err := s.EquityForUser(ctx, scope, followedUserID)
	if err != nil {
		return 0, err
	}
	unrealized, err := s.UnrealizedPnL(ctx, scope, followedUserID)
	if err != nil {
		return 0, err
	}
	deposits, err := s.netDeposits(ctx, scope, followedUserID)
	if err != nil {
		return 0, err
	}

	base := deposits
	if scope == types.ScopeExecGlobal && followedUserID == "" {
		base += s.InitialBankrollMicros
	}
	return equity - base - unrealized, nil
}

func (s *Store) netDeposits(ctx context.Context, scope types.PortfolioScope, followedUserID string) (types.CashMicros, error) {
	query := `SELECT COALESCE(SUM(cash_delta_micros), 0) FROM ledger_entries WHERE scope = ? AND entry_type = ?`
	args := []any{string(scope), string(types.EntryDeposit)}
	if followedUserID != "" {
		query += ` AND followed_user_id = ?`
		args = append(args, followedUserID)
	}

	var sum int64
	if err := s.db.SQL().QueryRowContext(ctx, query, args...).Scan(&sum); err != nil {
		return 0, fmt.Errorf("sum deposits: %w", err)
	}
	return types.CashMicros(sum), nil
}

// DistinctFollowedUsers lists the followed-user ids with at least one
// ledger_entries row under scope, for C11's per-leader snapshot fan-out.
func (s *Store) DistinctFollowedUsers(ctx context.Context, scope types.PortfolioScope) ([]string, error) {
	rows, err := s.db.SQL().QueryContext(ctx, `
		SELECT DISTINCT followed_user_id FROM ledger_entries
		WHERE scope = ? AND followed_user_id != ''`,
		string(scope),
	)
	if err != nil {
		return nil, fmt.Errorf("query distinct followed users: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan followed user: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// AssetsWithOpenPosition lists every asset id with a non-zero net position in
// any scope, for C11's per-N-second price snapshot loop.
func (s *Store) AssetsWithOpenPosition(ctx context.Context) ([]string, error) {
	rows, err := s.db.SQL().QueryContext(ctx, `
		SELECT asset_id FROM ledger_entries
		WHERE asset_id != ''
		GROUP BY asset_id
		HAVING SUM(share_delta_micros) != 0`)
	if err != nil {
		return nil, fmt.Errorf("query assets with open position: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan asset id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// OpenPositions returns every (assetId, netShares) pair with a non-zero net
// position under scope, for C12's settlement loop ("enumerate open
// EXEC_GLOBAL positions").
func (s *Store) OpenPositions(ctx context.Context, scope types.PortfolioScope) (map[string]types.ShareMicros, error) {
	rows, err := s.db.SQL().QueryContext(ctx, `
		SELECT asset_id, SUM(share_delta_micros) FROM ledger_entries
		WHERE scope = ? AND asset_id != ''
		GROUP BY asset_id
		HAVING SUM(share_delta_micros) != 0`,
		string(scope),
	)
	if err != nil {
		return nil, fmt.Errorf("query open positions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]types.ShareMicros)
	for rows.Next() {
		var assetID string
		var netShares int64
		if err := rows.Scan(&assetID, &netShares); err != nil {
			return nil, fmt.Errorf("scan open position: %w", err)
		}
		out[assetID] = types.ShareMicros(netShares)
	}
	return out, rows.Err()
}

// PnLBps implements decision.Portfolio: equity change versus the newest
// portfolio snapshot that is at least window old, in bps of that baseline equity.
// Returns 0 with no error when no snapshot is old enough to measure against
// yet (startup grace period) rather than tripping a circuit breaker on
// insufficient history.
func (s *Store) PnLBps(ctx context.Context, scope types.PortfolioScope, window time.Duration) (int64, error) {
	cutoff := time.Now().Add(-window).UTC().Format(time.RFC3339Nano)

	var baseline int64
	err := s.db.SQL().QueryRowContext(ctx, `
		SELECT equity_micros FROM portfolio_snapshots
		WHERE scope = ? AND followed_user_id IS NULL AND bucket_time <= ?
		ORDER BY bucket_time DESC LIMIT 1`,
		string(scope), cutoff,
	).Scan(&baseline)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query pnl baseline: %w", err)
	}
	if baseline == 0 {
		return 0, nil
	}

	equity, err := s.Equity(ctx, scope)
	if err != nil {
		return 0, err
	}

	delta := int64(equity) - baseline
	return delta * 10_000 / baseline, nil
}

// DrawdownBps implements decision.Portfolio: current equity versus the
// all-time high-water mark recorded in portfolio_snapshots.
func (s *Store) DrawdownBps(ctx context.Context, scope types.PortfolioScope) (int64, error) {
	var peak sql.NullInt64
	err := s.db.SQL().QueryRowContext(ctx, `
		SELECT MAX(equity_micros) FROM portfolio_snapshots
		WHERE scope = ? AND followed_user_id IS NULL`,
		string(scope),
	).Scan(&peak)
	if err != nil {
		return 0, fmt.Errorf("query equity peak: %w", err)
	}
	if !peak.Valid || peak.Int64 <= 0 {
		return 0, nil
	}

	equity, err := s.Equity(ctx, scope)
	if err != nil {
		return 0, err
	}

	drawdown := peak.Int64 - int64(equity)
	if drawdown <= 0 {
		return 0, nil
	}
	return drawdown * 10_000 / peak.Int64, nil
}

func absCash(v types.CashMicros) types.CashMicros {
	if v < 0 {
		return -v
	}
	return v
}

func absShares(v types.ShareMicros) types.ShareMicros {
	if v < 0 {
		return -v
	}
	return v
}
