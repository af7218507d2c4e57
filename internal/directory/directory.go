// Package directory holds the followed-user roster and the small pieces of
// shared checkpoint state that wire the ingestion components together: the
// chain feed's last-processed-block cursor, reconcile's per-user catch-up
// cursor, and the followed-user list itself. None of this is a named
// component on its own — it is the sqlite-backed glue between C4, C6, and
// C7 that cmd/worker assembles — grounded on the same checkpoints table C14's
// pause flag lives in and on stadam23-Eve-flipper's migration idiom for the
// new followed_users table.
package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"polycopy/internal/storage"
	"polycopy/pkg/types"
)

const lastBlockKey = "last_block"

// Store is the sqlite-backed followed-user roster plus checkpoint reads
// chainfeed.Checkpointer and reconcile.CursorStore need.
type Store struct {
	db *storage.DB
}

// NewStore wraps db for directory use. Migrating the followed_users table
// is the caller's job via storage's schema_version idiom — see migration
// v10 in internal/storage.
func NewStore(db *storage.DB) *Store {
	return &Store{db: db}
}

// Put upserts a followed user by address, keyed so re-adding an already
// tracked address updates its label/enabled flag rather than duplicating it.
func (s *Store) Put(ctx context.Context, u types.FollowedUser) error {
	_, err := s.db.SQL().ExecContext(ctx, `
		INSERT INTO followed_users (id, address, label, enabled, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET label = excluded.label, enabled = excluded.enabled`,
		u.ID, u.Address, u.Label, u.Enabled, u.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("put followed user: %w", err)
	}
	return nil
}

// FollowedUsers returns every enabled followed user, satisfying
// reconcile.UserSource.
func (s *Store) FollowedUsers() []types.FollowedUser {
	rows, err := s.db.SQL().Query(`SELECT id, address, label, enabled, created_at FROM followed_users WHERE enabled = 1`)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var out []types.FollowedUser
	for rows.Next() {
		var u types.FollowedUser
		var createdAt string
		var enabled bool
		if err := rows.Scan(&u.ID, &u.Address, &u.Label, &enabled, &createdAt); err != nil {
			continue
		}
		u.Enabled = enabled
		u.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, u)
	}
	return out
}

// ByAddress resolves the followed user owning addr, for turning a raw
// on-chain fill's profile address into a FollowedUserID the rest of the
// pipeline keys on.
func (s *Store) ByAddress(ctx context.Context, addr string) (types.FollowedUser, bool) {
	var u types.FollowedUser
	var createdAt string
	var enabled bool
	err := s.db.SQL().QueryRowContext(ctx, `
		SELECT id, address, label, enabled, created_at FROM followed_users WHERE address = ?`, addr,
	).Scan(&u.ID, &u.Address, &u.Label, &enabled, &createdAt)
	if err != nil {
		return types.FollowedUser{}, false
	}
	u.Enabled = enabled
	u.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return u, true
}

// LoadLastBlock satisfies chainfeed.Checkpointer, reading the last block
// number processed before the previous shutdown (0 if never set).
func (s *Store) LoadLastBlock(ctx context.Context) (uint64, error) {
	var value string
	err := s.db.SQL().QueryRowContext(ctx, `SELECT value FROM checkpoints WHERE key = ?`, lastBlockKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load last block: %w", err)
	}
	n, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse last block checkpoint %q: %w", value, err)
	}
	return n, nil
}

// SaveLastBlock satisfies chainfeed.Checkpointer.
func (s *Store) SaveLastBlock(ctx context.Context, block uint64) error {
	_, err := s.db.SQL().ExecContext(ctx, `
		INSERT INTO checkpoints (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		lastBlockKey, strconv.FormatUint(block, 10), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save last block: %w", err)
	}
	return nil
}

// LoadCursor satisfies reconcile.CursorStore.
func (s *Store) LoadCursor(ctx context.Context, userID string) (time.Time, error) {
	var value string
	err := s.db.SQL().QueryRowContext(ctx, `SELECT value FROM checkpoints WHERE key = ?`, cursorKey(userID)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("load cursor for %s: %w", userID, err)
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cursor for %s: %w", userID, err)
	}
	return t, nil
}

// SaveCursor satisfies reconcile.CursorStore.
func (s *Store) SaveCursor(ctx context.Context, userID string, cursor time.Time) error {
	_, err := s.db.SQL().ExecContext(ctx, `
		INSERT INTO checkpoints (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		cursorKey(userID), cursor.UTC().Format(time.RFC3339Nano), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save cursor for %s: %w", userID, err)
	}
	return nil
}

func cursorKey(userID string) string {
	return "reconcile_cursor:" + userID
}

// MarketForAsset looks up the most recently recorded market id for assetID
// off trade_events, for groups whose originating trades
// already carry enrichment (market metadata enrichment itself is out of
// scope; this only reads what the upstream event already denormalised).
func (s *Store) MarketForAsset(ctx context.Context, assetID string) (marketID string, ok bool) {
	err := s.db.SQL().QueryRowContext(ctx, `
		SELECT market_id FROM trade_events
		WHERE asset_id = ? AND market_id IS NOT NULL AND market_id != ''
		ORDER BY event_time DESC LIMIT 1`, assetID,
	).Scan(&marketID)
	if err != nil {
		return "", false
	}
	return marketID, true
}
