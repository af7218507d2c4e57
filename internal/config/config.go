// Package config loads the engine's static infrastructure settings: DB
// path, upstream WS URLs, REST base URLs, queue worker counts, and
// logging. Tunable guardrail/sizing knobs are NOT here — those live in
// internal/configstore's versioned sqlite rows, reloadable without a
// restart. This package only ever loads once, at startup, the way the
// teacher's internal/config does for its own YAML file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level static configuration. Maps directly to the YAML
// file structure.
type Config struct {
	DryRun     bool             `mapstructure:"dry_run"`
	ChainFeed  ChainFeedConfig  `mapstructure:"chain_feed"`
	BookFeed   BookFeedConfig   `mapstructure:"book_feed"`
	Reconcile  ReconcileConfig  `mapstructure:"reconcile"`
	Store      StoreConfig      `mapstructure:"store"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Snapshot   SnapshotConfig   `mapstructure:"snapshot"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Health     HealthConfig     `mapstructure:"health"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ChainFeedConfig points at the on-chain log subscription (C4) and its
// tracked exchange contracts.
type ChainFeedConfig struct {
	RPCWSURL       string        `mapstructure:"rpc_ws_url"`
	ExchangeAddrs  []string      `mapstructure:"exchange_addrs"`
	TrackedAddrs   []string      `mapstructure:"tracked_addrs"`
	BackfillWindow time.Duration `mapstructure:"backfill_window"`
}

// BookFeedConfig points at the order-book WS feed (C3).
type BookFeedConfig struct {
	WSURL string `mapstructure:"ws_url"`
}

// ReconcileConfig points at the REST catch-up source (C6).
type ReconcileConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	Interval time.Duration `mapstructure:"interval"`
	Window   time.Duration `mapstructure:"window"`
}

// StoreConfig sets where the sqlite database lives.
type StoreConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// LedgerConfig seeds the EXEC_GLOBAL paper portfolio's starting cash.
type LedgerConfig struct {
	InitialBankrollMicros int64 `mapstructure:"initial_bankroll_micros"`
}

// QueueConfig sets per-queue worker pool sizing and polling cadence. The
// queue itself always lives in the same sqlite database as everything
// else — there is no separate broker to point at.
type QueueConfig struct {
	ReconcileWorkers      int           `mapstructure:"reconcile_workers"`
	IngestPostprocWorkers int           `mapstructure:"ingest_postproc_workers"`
	CopyAttemptWorkers    int           `mapstructure:"copy_attempt_workers"`
	PollInterval          time.Duration `mapstructure:"poll_interval"`
}

// SnapshotConfig sets the price-snapshot cadence (C11); portfolio
// snapshots are fixed at one minute.
type SnapshotConfig struct {
	PriceInterval time.Duration `mapstructure:"price_interval"`
}

// SettlementConfig sets the settlement loop's poll cadence (C12).
type SettlementConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// HealthConfig controls the /health and /metrics HTTP surface.
type HealthConfig struct {
	Port int `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive/deployment-specific fields use env vars: POLYCOPY_DB_PATH,
// POLYCOPY_CHAIN_FEED_RPC_WS_URL, POLYCOPY_BOOK_FEED_WS_URL,
// POLYCOPY_RECONCILE_BASE_URL, POLYCOPY_HEALTH_PORT.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("POLYCOPY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if url := os.Getenv("POLYCOPY_DB_PATH"); url != "" {
		cfg.Store.DBPath = url
	}
	if url := os.Getenv("POLYCOPY_CHAIN_FEED_RPC_WS_URL"); url != "" {
		cfg.ChainFeed.RPCWSURL = url
	}
	if url := os.Getenv("POLYCOPY_BOOK_FEED_WS_URL"); url != "" {
		cfg.BookFeed.WSURL = url
	}
	if url := os.Getenv("POLYCOPY_RECONCILE_BASE_URL"); url != "" {
		cfg.Reconcile.BaseURL = url
	}
	if port := os.Getenv("POLYCOPY_HEALTH_PORT"); port != "" {
		fmt.Sscanf(port, "%d", &cfg.Health.Port)
	}
	if os.Getenv("POLYCOPY_DRY_RUN") == "true" || os.Getenv("POLYCOPY_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ChainFeed.BackfillWindow == 0 {
		cfg.ChainFeed.BackfillWindow = 5 * time.Minute
	}
	if cfg.Reconcile.Interval == 0 {
		cfg.Reconcile.Interval = 30 * time.Second
	}
	if cfg.Reconcile.Window == 0 {
		cfg.Reconcile.Window = 5 * time.Minute
	}
	if cfg.Queue.ReconcileWorkers == 0 {
		cfg.Queue.ReconcileWorkers = 1
	}
	if cfg.Queue.IngestPostprocWorkers == 0 {
		cfg.Queue.IngestPostprocWorkers = 2
	}
	if cfg.Queue.CopyAttemptWorkers == 0 {
		cfg.Queue.CopyAttemptWorkers = 2
	}
	if cfg.Queue.PollInterval == 0 {
		cfg.Queue.PollInterval = 2 * time.Second
	}
	if cfg.Snapshot.PriceInterval == 0 {
		cfg.Snapshot.PriceInterval = 10 * time.Second
	}
	if cfg.Settlement.PollInterval == 0 {
		cfg.Settlement.PollInterval = 2 * time.Minute
	}
	if cfg.Health.Port == 0 {
		cfg.Health.Port = 8080
	}
	if cfg.Ledger.InitialBankrollMicros == 0 {
		cfg.Ledger.InitialBankrollMicros = 1_000 * 1_000_000 // $1,000 paper bankroll
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Store.DBPath == "" {
		return fmt.Errorf("store.db_path is required (set POLYCOPY_DB_PATH)")
	}
	if c.ChainFeed.RPCWSURL == "" {
		return fmt.Errorf("chain_feed.rpc_ws_url is required (set POLYCOPY_CHAIN_FEED_RPC_WS_URL)")
	}
	if len(c.ChainFeed.ExchangeAddrs) == 0 {
		return fmt.Errorf("chain_feed.exchange_addrs is required")
	}
	if c.BookFeed.WSURL == "" {
		return fmt.Errorf("book_feed.ws_url is required (set POLYCOPY_BOOK_FEED_WS_URL)")
	}
	if c.Reconcile.BaseURL == "" {
		return fmt.Errorf("reconcile.base_url is required (set POLYCOPY_RECONCILE_BASE_URL)")
	}
	if c.Queue.ReconcileWorkers <= 0 || c.Queue.IngestPostprocWorkers <= 0 || c.Queue.CopyAttemptWorkers <= 0 {
		return fmt.Errorf("queue worker counts must be > 0")
	}
	return nil
}
