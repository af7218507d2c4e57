package storage

import (
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenCreatesAllTables(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	for _, table := range []string{
		"schema_version", "trade_events", "ledger_entries", "checkpoints",
		"price_snapshots", "portfolio_snapshots", "buffer_state", "queue_jobs",
		"config_versions", "copy_attempts", "followed_users",
	} {
		ok, err := db.TableExists(table)
		if err != nil {
			t.Fatalf("TableExists(%s): %v", table, err)
		}
		if !ok {
			t.Errorf("expected table %s to exist after migration", table)
		}
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	db1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	db1.Close()

	db2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open (re-migrate existing db): %v", err)
	}
	defer db2.Close()
}

func TestEnsureColumnIsIdempotent(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	if err := db.EnsureColumn("trade_events", "fee_micros", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		t.Fatalf("EnsureColumn on existing column: %v", err)
	}
	if err := db.EnsureColumn("checkpoints", "note", "TEXT"); err != nil {
		t.Fatalf("EnsureColumn adding new column: %v", err)
	}
	if err := db.EnsureColumn("checkpoints", "note", "TEXT"); err != nil {
		t.Fatalf("EnsureColumn re-applied: %v", err)
	}
}

func TestLedgerEntriesUniqueConstraint(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	insert := `INSERT INTO ledger_entries
		(scope, followed_user_id, market_id, asset_id, entry_type, share_delta_micros, cash_delta_micros, price_micros, ref_id, created_at)
		VALUES ('EXEC_GLOBAL', 'u1', 'm1', 'a1', 'TRADE_BUY', 100, -60, 600000, 'ref-1', '2026-01-01T00:00:00Z')`

	if _, err := db.SQL().Exec(insert); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if _, err := db.SQL().Exec(insert); err == nil {
		t.Error("expected UNIQUE(scope, ref_id, entry_type) to reject a duplicate insert")
	}
}
