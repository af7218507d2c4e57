// Package storage wraps the single embedded sqlite database backing every
// persistent component: the canonical trade log (C5), the ledger (C10),
// buffer/queue/config state (C9/C13/C14), and periodic snapshots (C11/C12).
//
// One file, one schema, migrated incrementally the way
// stadam23-Eve-flipper/internal/db does it: a schema_version table, each
// migration gated by "if version < N", additive columns applied with
// ALTER TABLE ... ADD COLUMN (EnsureColumn is the check-first form) so an
// upgrade never has to drop and recreate a table.
package storage

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// DB wraps the shared *sql.DB connection.
type DB struct {
	sql *sql.DB
}

// Open opens (or creates) the sqlite database at path and runs migrations.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	// A single writer connection avoids SQLITE_BUSY under WAL with many
	// concurrent goroutines; reads still happen concurrently under WAL.
	sqlDB.SetMaxOpenConns(1)

	d := &DB{sql: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate db: %w", err)
	}
	return d, nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	return d.sql.Close()
}

// SQL returns the underlying *sql.DB for packages that run their own
// queries against shared tables.
func (d *DB) SQL() *sql.DB {
	return d.sql
}

func (d *DB) migrate() error {
	version := 0
	d.sql.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)

	if version < 1 {
		_, err := d.sql.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

			CREATE TABLE IF NOT EXISTS trade_events (
				tx_hash          TEXT NOT NULL,
				log_index        INTEGER NOT NULL,
				event_time       TEXT,
				detect_time      TEXT NOT NULL,
				profile_address  TEXT NOT NULL,
				proxy_address    TEXT,
				raw_token_id     TEXT NOT NULL,
				side             TEXT NOT NULL,
				price_micros     INTEGER NOT NULL,
				share_micros     INTEGER NOT NULL,
				notional_micros  INTEGER NOT NULL,
				fee_micros       INTEGER NOT NULL,
				enrichment       TEXT NOT NULL DEFAULT 'pending',
				market_id        TEXT,
				condition_id     TEXT,
				asset_id         TEXT,
				PRIMARY KEY (tx_hash, log_index)
			);
			CREATE INDEX IF NOT EXISTS idx_trade_events_profile ON trade_events(profile_address, event_time);
			CREATE INDEX IF NOT EXISTS idx_trade_events_enrichment ON trade_events(enrichment) WHERE enrichment != 'enriched';

			INSERT OR IGNORE INTO schema_version (version) VALUES (1);
		`)
		if err != nil {
			return fmt.Errorf("migration v1: %w", err)
		}
	}

	if version < 2 {
		_, err := d.sql.Exec(`
			CREATE TABLE IF NOT EXISTS ledger_entries (
				id                 INTEGER PRIMARY KEY AUTOINCREMENT,
				scope              TEXT NOT NULL,
				followed_user_id   TEXT NOT NULL DEFAULT '',
				market_id          TEXT NOT NULL DEFAULT '',
				asset_id           TEXT NOT NULL DEFAULT '',
				entry_type         TEXT NOT NULL,
				share_delta_micros INTEGER NOT NULL,
				cash_delta_micros  INTEGER NOT NULL,
				price_micros       INTEGER NOT NULL DEFAULT 0,
				ref_id             TEXT NOT NULL,
				created_at         TEXT NOT NULL,
				UNIQUE (scope, ref_id, entry_type)
			);
			CREATE INDEX IF NOT EXISTS idx_ledger_scope_user ON ledger_entries(scope, followed_user_id);
			CREATE INDEX IF NOT EXISTS idx_ledger_asset ON ledger_entries(asset_id);

			INSERT OR IGNORE INTO schema_version (version) VALUES (2);
		`)
		if err != nil {
			return fmt.Errorf("migration v2: %w", err)
		}
	}

	if version < 3 {
		_, err := d.sql.Exec(`
			CREATE TABLE IF NOT EXISTS checkpoints (
				key        TEXT PRIMARY KEY,
				value      TEXT NOT NULL,
				updated_at TEXT NOT NULL
			);

			CREATE TABLE IF NOT EXISTS price_snapshots (
				asset_id    TEXT NOT NULL,
				bucket_time TEXT NOT NULL,
				mid_micros  INTEGER NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_price_snapshots ON price_snapshots(asset_id, bucket_time);

			CREATE TABLE IF NOT EXISTS portfolio_snapshots (
				scope            TEXT NOT NULL,
				followed_user_id TEXT,
				bucket_time      TEXT NOT NULL,
				equity_micros    INTEGER NOT NULL,
				cash_micros      INTEGER NOT NULL,
				exposure_micros  INTEGER NOT NULL,
				unrealized_pnl_micros INTEGER NOT NULL,
				realized_pnl_micros   INTEGER NOT NULL,
				updated_at       TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_portfolio_snapshots ON portfolio_snapshots(scope, followed_user_id, bucket_time);

			INSERT OR IGNORE INTO schema_version (version) VALUES (3);
		`)
		if err != nil {
			return fmt.Errorf("migration v3: %w", err)
		}
	}

	if version < 4 {
		_, err := d.sql.Exec(`
			CREATE TABLE IF NOT EXISTS buffer_state (
				bucket_key    TEXT PRIMARY KEY,
				netting_mode  TEXT NOT NULL,
				opened_at     TEXT NOT NULL,
				last_trade_at TEXT NOT NULL,
				side          TEXT NOT NULL,
				notional_micros INTEGER NOT NULL,
				share_micros    INTEGER NOT NULL,
				trade_count     INTEGER NOT NULL
			);

			INSERT OR IGNORE INTO schema_version (version) VALUES (4);
		`)
		if err != nil {
			return fmt.Errorf("migration v4: %w", err)
		}
	}

	if version < 5 {
		_, err := d.sql.Exec(`
			CREATE TABLE IF NOT EXISTS queue_jobs (
				id           TEXT PRIMARY KEY,
				scope_key    TEXT NOT NULL,
				payload      TEXT NOT NULL,
				status       TEXT NOT NULL DEFAULT 'pending',
				attempts     INTEGER NOT NULL DEFAULT 0,
				available_at TEXT NOT NULL,
				created_at   TEXT NOT NULL,
				updated_at   TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_queue_jobs_poll ON queue_jobs(status, scope_key, available_at);

			INSERT OR IGNORE INTO schema_version (version) VALUES (5);
		`)
		if err != nil {
			return fmt.Errorf("migration v5: %w", err)
		}
	}

	if version < 6 {
		_, err := d.sql.Exec(`
			CREATE TABLE IF NOT EXISTS config_versions (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				leader_id   TEXT,
				payload     TEXT NOT NULL,
				updated_at  TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_config_versions ON config_versions(leader_id, updated_at);

			INSERT OR IGNORE INTO schema_version (version) VALUES (6);
		`)
		if err != nil {
			return fmt.Errorf("migration v6: %w", err)
		}
	}

	if version < 7 {
		_, err := d.sql.Exec(`
			CREATE TABLE IF NOT EXISTS copy_attempts (
				id                     TEXT PRIMARY KEY,
				scope                  TEXT NOT NULL,
				followed_user_id       TEXT NOT NULL DEFAULT '',
				decision               TEXT NOT NULL,
				reasons                TEXT NOT NULL DEFAULT '[]',
				target_notional_micros INTEGER NOT NULL DEFAULT 0,
				filled_notional_micros INTEGER NOT NULL DEFAULT 0,
				filled_ratio_bps       INTEGER NOT NULL DEFAULT 0,
				vwap_price_micros      INTEGER NOT NULL DEFAULT 0,
				ref_price_micros       INTEGER NOT NULL DEFAULT 0,
				source_type            TEXT NOT NULL,
				buffered_trade_count   INTEGER NOT NULL DEFAULT 0,
				fills                  TEXT NOT NULL DEFAULT '[]',
				created_at             TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_copy_attempts_user ON copy_attempts(followed_user_id, created_at);

			INSERT OR IGNORE INTO schema_version (version) VALUES (7);
		`)
		if err != nil {
			return fmt.Errorf("migration v7: %w", err)
		}
	}

	if version < 8 {
		_, err := d.sql.Exec(`
			CREATE UNIQUE INDEX IF NOT EXISTS idx_price_snapshots_unique
				ON price_snapshots(asset_id, bucket_time);

			INSERT OR IGNORE INTO schema_version (version) VALUES (8);
		`)
		if err != nil {
			return fmt.Errorf("migration v8: %w", err)
		}
	}

	if version < 9 {
		_, err := d.sql.Exec(`
			ALTER TABLE queue_jobs ADD COLUMN queue_name TEXT NOT NULL DEFAULT '';
			CREATE INDEX IF NOT EXISTS idx_queue_jobs_name_poll
				ON queue_jobs(queue_name, status, scope_key, available_at);

			INSERT OR IGNORE INTO schema_version (version) VALUES (9);
		`)
		if err != nil {
			return fmt.Errorf("migration v9: %w", err)
		}
	}

	if version < 10 {
		_, err := d.sql.Exec(`
			CREATE TABLE IF NOT EXISTS followed_users (
				id         TEXT PRIMARY KEY,
				address    TEXT NOT NULL UNIQUE,
				label      TEXT NOT NULL DEFAULT '',
				enabled    INTEGER NOT NULL DEFAULT 1,
				created_at TEXT NOT NULL
			);

			INSERT OR IGNORE INTO schema_version (version) VALUES (10);
		`)
		if err != nil {
			return fmt.Errorf("migration v10: %w", err)
		}
	}

	return nil
}

// TableExists reports whether tableName exists, for additive migrations
// that need to branch on legacy schema state.
func (d *DB) TableExists(tableName string) (bool, error) {
	var name string
	err := d.sql.QueryRow(
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ? LIMIT 1`,
		tableName,
	).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// EnsureColumn adds columnName to tableName if it doesn't already exist.
func (d *DB) EnsureColumn(tableName, columnName, columnDef string) error {
	rows, err := d.sql.Query("PRAGMA table_info(" + tableName + ")")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, typ string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return err
		}
		if strings.EqualFold(name, columnName) {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = d.sql.Exec("ALTER TABLE " + tableName + " ADD COLUMN " + columnName + " " + columnDef)
	return err
}
