package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"meridian/internal/domain"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meridian.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
storage:
  data_dir: "/tmp/meridian/data"
  sqlite_path: "/tmp/meridian/meridian.db"
server:
  host: "0.0.0.0"
  port: 8080
alpaca:
  api_key: "test-key"
  api_secret: "test-secret"
  base_url: "https://paper-api.alpaca.markets"
logging:
  level: "info"
  format: "json"
trading:
  allowed_modes: [shadow, paper]
  live_enable: false
  default_venue: "sim"
  snapshot_max_age: 5s
  adapter_timeout: 10s
  venue_rate_per_min: 120
risk:
  limits:
    - id: "max_order_notional"
      kind: "max_order_notional"
      threshold: "5000"
      scope: "global"
    - id: "max_total_exposure"
      kind: "max_total_exposure"
      threshold: "100000"
      scope: "global"
retry:
  max_attempts: 5
  base_delay: 250ms
  max_elapsed: 2m
`)

	// Clear any environment overrides that might interfere.
	os.Unsetenv("ALPACA_API_KEY")
	os.Unsetenv("APCA_API_KEY_ID")
	os.Unsetenv("MERIDIAN_LIVE_ENABLE")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Storage.DataDir != "/tmp/meridian/data" {
		t.Errorf("DataDir = %q, want /tmp/meridian/data", cfg.Storage.DataDir)
	}
	if cfg.Alpaca.APIKey != "test-key" {
		t.Errorf("APIKey = %q, want test-key", cfg.Alpaca.APIKey)
	}
	if cfg.Trading.LiveEnable {
		t.Error("LiveEnable = true, want false")
	}
	if cfg.Trading.SnapshotMaxAge.Std() != 5*time.Second {
		t.Errorf("SnapshotMaxAge = %v, want 5s", cfg.Trading.SnapshotMaxAge.Std())
	}
	limits, err := cfg.RiskLimits()
	if err != nil {
		t.Fatalf("RiskLimits returned error: %v", err)
	}
	if len(limits) != 2 {
		t.Fatalf("len(limits) = %d, want 2", len(limits))
	}
	if limits[0].Kind != domain.LimitMaxOrderNotional {
		t.Errorf("limits[0].Kind = %q, want max_order_notional", limits[0].Kind)
	}
	if !limits[0].Threshold.Equal(decimal.NewFromInt(5000)) {
		t.Errorf("limits[0].Threshold = %s, want 5000", limits[0].Threshold)
	}
	if cfg.Retry.MaxAttempts != 5 {
		t.Errorf("Retry.MaxAttempts = %d, want 5", cfg.Retry.MaxAttempts)
	}
	if !cfg.ModeAllowed(domain.ModePaper) {
		t.Error("ModeAllowed(paper) = false, want true")
	}
	if cfg.ModeAllowed(domain.ModeLive) {
		t.Error("ModeAllowed(live) = true, want false")
	}
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
storage:
  data_dir: "/tmp/meridian"
`)
	os.Unsetenv("MERIDIAN_LIVE_ENABLE")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if got := cfg.Trading.AllowedModes; len(got) != 2 || got[0] != domain.ModeShadow || got[1] != domain.ModePaper {
		t.Errorf("default AllowedModes = %v, want [shadow paper]", got)
	}
	if cfg.Trading.LiveEnable {
		t.Error("default LiveEnable = true, want false")
	}
	if cfg.Retry.MaxAttempts != 5 {
		t.Errorf("default Retry.MaxAttempts = %d, want 5", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.BaseDelay.Std() != 250*time.Millisecond {
		t.Errorf("default Retry.BaseDelay = %v, want 250ms", cfg.Retry.BaseDelay.Std())
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
alpaca:
  api_key: "file-key"
`)
	t.Setenv("ALPACA_API_KEY", "env-key")
	t.Setenv("APCA_API_KEY_ID", "apca-key")
	t.Setenv("MERIDIAN_LIVE_ENABLE", "yes") // only "true" arms live

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Alpaca.APIKey != "apca-key" {
		t.Errorf("APIKey = %q, want apca-key (APCA var wins)", cfg.Alpaca.APIKey)
	}
	if cfg.Trading.LiveEnable {
		t.Error(`LiveEnable armed by MERIDIAN_LIVE_ENABLE="yes"; only "true" may arm it`)
	}

	t.Setenv("MERIDIAN_LIVE_ENABLE", "true")
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !cfg.Trading.LiveEnable {
		t.Error(`LiveEnable = false with MERIDIAN_LIVE_ENABLE="true", want true`)
	}
}

func TestValidateRejectsBadLimits(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{
			name: "duplicate id",
			yaml: `
risk:
  limits:
    - {id: "a", kind: "max_order_notional", threshold: "1", scope: "global"}
    - {id: "a", kind: "max_daily_loss", threshold: "1", scope: "global"}
`,
		},
		{
			name: "unknown kind",
			yaml: `
risk:
  limits:
    - {id: "a", kind: "max_profit", threshold: "1", scope: "global"}
`,
		},
		{
			name: "non-positive threshold",
			yaml: `
risk:
  limits:
    - {id: "a", kind: "max_order_notional", threshold: "0", scope: "global"}
`,
		},
		{
			name: "unknown mode",
			yaml: `
trading:
  allowed_modes: [production]
`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.yaml)
			if _, err := Load(path); err == nil {
				t.Errorf("Load accepted invalid config %q", tc.name)
			}
		})
	}
}
