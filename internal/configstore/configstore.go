// Package configstore implements the versioned, sqlite-backed guardrail and
// sizing configuration (C14): typed rows in config_versions, compare-on-
// latest writes, and a field-by-field merge of a global (leader_id NULL) row
// with an optional per-leader override row. The distinct engine-wide pause
// switch lives as a single key in the checkpoints table, the same table C4
// uses for its block-height cursor.
//
// Grounded on internal/config's viper-loaded struct-of-knobs shape (kept
// here as the payload's field list) and on stadam23-Eve-flipper's
// migration-table idiom already embodied by internal/storage.
package configstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"polycopy/internal/decision"
	"polycopy/internal/storage"
	"polycopy/pkg/types"
)

const pauseCheckpointKey = "engine_paused"

// Payload is the versioned, mergeable half of decision.Config. Every numeric
// field is a pointer so a per-leader row can override only the fields it
// sets and fall back to the global row for the rest; nil means "inherit."
type Payload struct {
	SizingMode         *types.SizingMode `json:"sizingMode,omitempty"`
	CopyPctNotionalBps *int64            `json:"copyPctNotionalBps,omitempty"`
	BudgetMicros       *types.CashMicros `json:"budgetMicros,omitempty"`
	RateMinBps         *int64            `json:"rateMinBps,omitempty"`
	RateMaxBps         *int64            `json:"rateMaxBps,omitempty"`

	MinTradeNotionalMicros *types.CashMicros `json:"minTradeNotionalMicros,omitempty"`
	MaxTradeNotionalMicros *types.CashMicros `json:"maxTradeNotionalMicros,omitempty"`
	MaxTradeBankrollBps    *int64            `json:"maxTradeBankrollBps,omitempty"`

	NotionalThresholdMicros *types.CashMicros `json:"notionalThresholdMicros,omitempty"`
	MinExecNotionalMicros   *types.CashMicros `json:"minExecNotionalMicros,omitempty"`

	MaxWorseningVsTheirFillMicros *types.PriceMicros `json:"maxWorseningVsTheirFillMicros,omitempty"`
	MaxOverMidMicros              *types.PriceMicros `json:"maxOverMidMicros,omitempty"`
	MaxSpreadMicros               *types.PriceMicros `json:"maxSpreadMicros,omitempty"`
	MinDepthMultiplierBps         *int64             `json:"minDepthMultiplierBps,omitempty"`
	MaxBuyCostPerShareMicros      *types.PriceMicros `json:"maxBuyCostPerShareMicros,omitempty"`

	MaxTotalExposureBps     *int64 `json:"maxTotalExposureBps,omitempty"`
	MaxExposurePerMarketBps *int64 `json:"maxExposurePerMarketBps,omitempty"`
	MaxExposurePerUserBps   *int64 `json:"maxExposurePerUserBps,omitempty"`

	NoNewOpensWithinMinutesToClose *int64 `json:"noNewOpensWithinMinutesToClose,omitempty"`

	CircuitBreakerDailyPnLBps  *int64 `json:"circuitBreakerDailyPnLBps,omitempty"`
	CircuitBreakerWeeklyPnLBps *int64 `json:"circuitBreakerWeeklyPnLBps,omitempty"`
	CircuitBreakerDrawdownBps  *int64 `json:"circuitBreakerDrawdownBps,omitempty"`

	DecisionLatencyMs *int64 `json:"decisionLatencyMs,omitempty"`
	JitterMsMax       *int64 `json:"jitterMsMax,omitempty"`

	// DisabledUserIDs and BlacklistedMarketIDs are only meaningful on the
	// global row; a per-leader row overriding them would be self-defeating,
	// so ForGroup reads these two fields exclusively off the global payload.
	DisabledUserIDs      []string `json:"disabledUserIds,omitempty"`
	BlacklistedMarketIDs []string `json:"blacklistedMarketIds,omitempty"`
}

// Store is the sqlite-backed config provider satisfying decision.ConfigProvider.
type Store struct {
	db *storage.DB
}

// NewStore wraps db for config use.
func NewStore(db *storage.DB) *Store {
	return &Store{db: db}
}

var _ decision.ConfigProvider = (*Store)(nil)

// PutGlobal writes a new global config version (leader_id NULL).
func (s *Store) PutGlobal(ctx context.Context, p Payload) error {
	return s.put(ctx, "", p)
}

// PutLeader writes a new per-leader override version.
func (s *Store) PutLeader(ctx context.Context, leaderID string, p Payload) error {
	if leaderID == "" {
		return fmt.Errorf("leader id must not be empty")
	}
	return s.put(ctx, leaderID, p)
}

func (s *Store) put(ctx context.Context, leaderID string, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal config payload: %w", err)
	}
	var leaderCol any
	if leaderID != "" {
		leaderCol = leaderID
	}
	_, err = s.db.SQL().ExecContext(ctx, `
		INSERT INTO config_versions (leader_id, payload, updated_at) VALUES (?, ?, ?)`,
		leaderCol, string(body), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert config version: %w", err)
	}
	return nil
}

func (s *Store) latest(ctx context.Context, leaderID string) (Payload, bool, error) {
	var leaderCol any
	var where string
	if leaderID == "" {
		where = "leader_id IS NULL"
	} else {
		where = "leader_id = ?"
		leaderCol = leaderID
	}

	var row *sql.Row
	if leaderCol == nil {
		row = s.db.SQL().QueryRowContext(ctx, `
			SELECT payload FROM config_versions WHERE `+where+` ORDER BY updated_at DESC LIMIT 1`)
	} else {
		row = s.db.SQL().QueryRowContext(ctx, `
			SELECT payload FROM config_versions WHERE `+where+` ORDER BY updated_at DESC LIMIT 1`, leaderCol)
	}

	var body string
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Payload{}, false, nil
		}
		return Payload{}, false, fmt.Errorf("query config version: %w", err)
	}
	var p Payload
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return Payload{}, false, fmt.Errorf("unmarshal config payload: %w", err)
	}
	return p, true, nil
}

// Paused reports the engine-wide pause switch from the checkpoints table.
func (s *Store) Paused(ctx context.Context) (bool, error) {
	var value string
	err := s.db.SQL().QueryRowContext(ctx, `SELECT value FROM checkpoints WHERE key = ?`, pauseCheckpointKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query pause checkpoint: %w", err)
	}
	return value == "true", nil
}

// SetPaused flips the engine-wide pause switch.
func (s *Store) SetPaused(ctx context.Context, paused bool) error {
	value := "false"
	if paused {
		value = "true"
	}
	_, err := s.db.SQL().ExecContext(ctx, `
		INSERT INTO checkpoints (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		pauseCheckpointKey, value, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("set pause checkpoint: %w", err)
	}
	return nil
}

// ForGroup resolves the merged decision.Config for g: global row as the
// base, per-leader row's set fields taking precedence, kill-switch flags
// computed from the global row's deny lists and the pause checkpoint.
func (s *Store) ForGroup(ctx context.Context, g decision.Group) (decision.Config, error) {
	global, _, err := s.latest(ctx, "")
	if err != nil {
		return decision.Config{}, err
	}
	var leader Payload
	if g.FollowedUserID != "" {
		leader, _, err = s.latest(ctx, g.FollowedUserID)
		if err != nil {
			return decision.Config{}, err
		}
	}

	paused, err := s.Paused(ctx)
	if err != nil {
		return decision.Config{}, err
	}

	cfg := merge(global, leader)
	cfg.Paused = paused
	cfg.UserDisabled = contains(global.DisabledUserIDs, g.FollowedUserID)
	cfg.MarketBlacklisted = contains(global.BlacklistedMarketIDs, g.MarketID)
	return cfg, nil
}

func merge(base, override Payload) decision.Config {
	var cfg decision.Config

	cfg.SizingMode = pick(base.SizingMode, override.SizingMode, "")
	cfg.CopyPctNotionalBps = pick(base.CopyPctNotionalBps, override.CopyPctNotionalBps, 0)
	cfg.BudgetMicros = pick(base.BudgetMicros, override.BudgetMicros, 0)
	cfg.RateMinBps = pick(base.RateMinBps, override.RateMinBps, 0)
	cfg.RateMaxBps = pick(base.RateMaxBps, override.RateMaxBps, 0)

	cfg.MinTradeNotionalMicros = pick(base.MinTradeNotionalMicros, override.MinTradeNotionalMicros, 0)
	cfg.MaxTradeNotionalMicros = pick(base.MaxTradeNotionalMicros, override.MaxTradeNotionalMicros, 0)
	cfg.MaxTradeBankrollBps = pick(base.MaxTradeBankrollBps, override.MaxTradeBankrollBps, 0)

	cfg.NotionalThresholdMicros = pick(base.NotionalThresholdMicros, override.NotionalThresholdMicros, 0)
	cfg.MinExecNotionalMicros = pick(base.MinExecNotionalMicros, override.MinExecNotionalMicros, 0)

	cfg.MaxWorseningVsTheirFillMicros = pick(base.MaxWorseningVsTheirFillMicros, override.MaxWorseningVsTheirFillMicros, 0)
	cfg.MaxOverMidMicros = pick(base.MaxOverMidMicros, override.MaxOverMidMicros, 0)
	cfg.MaxSpreadMicros = pick(base.MaxSpreadMicros, override.MaxSpreadMicros, 0)
	cfg.MinDepthMultiplierBps = pick(base.MinDepthMultiplierBps, override.MinDepthMultiplierBps, 0)
	cfg.MaxBuyCostPerShareMicros = pick(base.MaxBuyCostPerShareMicros, override.MaxBuyCostPerShareMicros, 0)

	cfg.MaxTotalExposureBps = pick(base.MaxTotalExposureBps, override.MaxTotalExposureBps, 0)
	cfg.MaxExposurePerMarketBps = pick(base.MaxExposurePerMarketBps, override.MaxExposurePerMarketBps, 0)
	cfg.MaxExposurePerUserBps = pick(base.MaxExposurePerUserBps, override.MaxExposurePerUserBps, 0)

	cfg.NoNewOpensWithinMinutesToClose = pick(base.NoNewOpensWithinMinutesToClose, override.NoNewOpensWithinMinutesToClose, 0)

	cfg.CircuitBreakerDailyPnLBps = pick(base.CircuitBreakerDailyPnLBps, override.CircuitBreakerDailyPnLBps, 0)
	cfg.CircuitBreakerWeeklyPnLBps = pick(base.CircuitBreakerWeeklyPnLBps, override.CircuitBreakerWeeklyPnLBps, 0)
	cfg.CircuitBreakerDrawdownBps = pick(base.CircuitBreakerDrawdownBps, override.CircuitBreakerDrawdownBps, 0)

	cfg.DecisionLatencyMs = pick(base.DecisionLatencyMs, override.DecisionLatencyMs, 0)
	cfg.JitterMsMax = pick(base.JitterMsMax, override.JitterMsMax, 0)

	return cfg
}

// pick returns the override value if set, else the base value, else dflt.
func pick[T any](base, override *T, dflt T) T {
	if override != nil {
		return *override
	}
	if base != nil {
		return *base
	}
	return dflt
}

func contains(list []string, id string) bool {
	if id == "" {
		return false
	}
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}
