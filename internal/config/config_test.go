package config

import (
	"os"
	"path/filepath"
	"testing"
)

const testYAML = `
store:
  db_path: /data/polycopy.db
chain_feed:
  rpc_ws_url: wss://chain.example/ws
  exchange_addrs:
    - "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
book_feed:
  ws_url: wss://book.example/ws
reconcile:
  base_url: https://reconcile.example
logging:
  level: info
  format: json
`

func writeTestConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaultsForUnsetKnobs(t *testing.T) {
	t.Parallel()
	path := writeTestConfig(t, testYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ChainFeed.BackfillWindow == 0 {
		t.Error("expected a default backfill window")
	}
	if cfg.Queue.CopyAttemptWorkers <= 0 {
		t.Error("expected a default copy-attempt worker count")
	}
	if cfg.Health.Port != 8080 {
		t.Errorf("Health.Port = %d, want default 8080", cfg.Health.Port)
	}
}

func TestLoadEnvOverridesWinOverFile(t *testing.T) {
	path := writeTestConfig(t, testYAML)
	t.Setenv("POLYCOPY_DB_PATH", "/override/polycopy.db")
	t.Setenv("POLYCOPY_HEALTH_PORT", "9999")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.DBPath != "/override/polycopy.db" {
		t.Errorf("Store.DBPath = %q, want env override", cfg.Store.DBPath)
	}
	if cfg.Health.Port != 9999 {
		t.Errorf("Health.Port = %d, want env override 9999", cfg.Health.Port)
	}
}

func TestValidateRejectsMissingRequiredFields(t *testing.T) {
	t.Parallel()
	cfg := &Config{}
	if err := cfg.Validate(); err == nil {
		t.Error("expected Validate to reject an empty config")
	}
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	t.Parallel()
	path := writeTestConfig(t, testYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate rejected a complete config: %v", err)
	}
}
