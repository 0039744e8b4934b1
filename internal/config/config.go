// Package config loads the meridian engine configuration from YAML with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"meridian/internal/domain"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the meridian engine.
type Config struct {
	Storage Storage       `yaml:"storage"`
	Server  Server        `yaml:"server"`
	Alpaca  Alpaca        `yaml:"alpaca"`
	Logging Logging       `yaml:"logging"`
	Trading TradingConfig `yaml:"trading"`
	Risk    RiskConfig    `yaml:"risk"`
	Retry   RetryConfig   `yaml:"retry"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds network listener configuration.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TradingConfig defines execution mode gating and dispatch parameters.
type TradingConfig struct {
	// AllowedModes is the set of modes this deployment accepts. Live must
	// additionally be enabled via LiveEnable.
	AllowedModes []domain.Mode `yaml:"allowed_modes"`
	// LiveEnable is the separately reviewed flag that lets live orders
	// reach a real venue. Off by default.
	LiveEnable   bool   `yaml:"live_enable"`
	DefaultVenue string `yaml:"default_venue"`
	// SnapshotMaxAge bounds how old a portfolio snapshot may be before the
	// risk gate fails closed.
	SnapshotMaxAge Duration `yaml:"snapshot_max_age"`
	// AdapterTimeout bounds each venue call.
	AdapterTimeout Duration `yaml:"adapter_timeout"`
	// VenueRatePerMin throttles dispatches per venue. Zero disables.
	VenueRatePerMin int `yaml:"venue_rate_per_min"`
}

// RiskConfig carries the declarative limit set, loaded once per session.
type RiskConfig struct {
	Limits []RiskLimit `yaml:"limits"`
}

// RiskLimit is the YAML shape of one configured constraint. Threshold is a
// string so decimal values round-trip exactly.
type RiskLimit struct {
	ID        string `yaml:"id"`
	Kind      string `yaml:"kind"`
	Threshold string `yaml:"threshold"`
	Scope     string `yaml:"scope"`
	Symbol    string `yaml:"symbol"`
}

// RetryConfig bounds adapter retry behaviour.
type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay"`
	MaxElapsed  Duration `yaml:"max_elapsed"`
}

// Duration wraps time.Duration so YAML values like "250ms" and "2m" decode.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides, and validates the
// result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Live enablement requires the exact value "true" so a stray non-empty
	// variable cannot arm live trading.
	if v := os.Getenv("MERIDIAN_LIVE_ENABLE"); strings.EqualFold(v, "true") {
		cfg.Trading.LiveEnable = true
	}

	// Standard Alpaca env vars take highest priority; these are the
	// canonical names the SDK itself reads.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

// applyDefaults fills zero values with conservative defaults.
func applyDefaults(cfg *Config) {
	if len(cfg.Trading.AllowedModes) == 0 {
		cfg.Trading.AllowedModes = []domain.Mode{domain.ModeShadow, domain.ModePaper}
	}
	if cfg.Trading.SnapshotMaxAge == 0 {
		cfg.Trading.SnapshotMaxAge = Duration(5 * time.Second)
	}
	if cfg.Trading.AdapterTimeout == 0 {
		cfg.Trading.AdapterTimeout = Duration(10 * time.Second)
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 5
	}
	if cfg.Retry.BaseDelay == 0 {
		cfg.Retry.BaseDelay = Duration(250 * time.Millisecond)
	}
	if cfg.Retry.MaxElapsed == 0 {
		cfg.Retry.MaxElapsed = Duration(2 * time.Minute)
	}
}

// Validate rejects configurations that could silently disable the safety
// gates.
func (c *Config) Validate() error {
	for _, m := range c.Trading.AllowedModes {
		if !m.Valid() {
			return fmt.Errorf("config: unknown mode %q in allowed_modes", m)
		}
	}
	if _, err := c.RiskLimits(); err != nil {
		return err
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config: retry max_attempts must be at least 1")
	}
	return nil
}

// RiskLimits parses the configured limit set into domain limits.
func (c *Config) RiskLimits() ([]domain.RiskLimit, error) {
	limits := make([]domain.RiskLimit, 0, len(c.Risk.Limits))
	seen := make(map[string]bool, len(c.Risk.Limits))
	for _, l := range c.Risk.Limits {
		if l.ID == "" {
			return nil, fmt.Errorf("config: risk limit with kind %q has no id", l.Kind)
		}
		if seen[l.ID] {
			return nil, fmt.Errorf("config: duplicate risk limit id %q", l.ID)
		}
		seen[l.ID] = true

		kind := domain.LimitKind(l.Kind)
		switch kind {
		case domain.LimitMaxTotalExposure, domain.LimitMaxSymbolExposure,
			domain.LimitMaxDailyLoss, domain.LimitMaxOpenPositions,
			domain.LimitMaxOrderNotional:
		default:
			return nil, fmt.Errorf("config: risk limit %q has unknown kind %q", l.ID, l.Kind)
		}

		threshold, err := decimal.NewFromString(l.Threshold)
		if err != nil {
			return nil, fmt.Errorf("config: risk limit %q threshold: %w", l.ID, err)
		}
		if threshold.Sign() <= 0 {
			return nil, fmt.Errorf("config: risk limit %q threshold must be positive", l.ID)
		}

		scope := domain.LimitScope(l.Scope)
		if scope == "" {
			scope = domain.ScopeGlobal
		}
		if scope != domain.ScopeGlobal && scope != domain.ScopePerSymbol {
			return nil, fmt.Errorf("config: risk limit %q has unknown scope %q", l.ID, l.Scope)
		}

		limits = append(limits, domain.RiskLimit{
			ID:        l.ID,
			Kind:      kind,
			Threshold: threshold,
			Scope:     scope,
			Symbol:    l.Symbol,
		})
	}
	return limits, nil
}

// ModeAllowed reports whether m is in the deployment's allowed set.
func (c *Config) ModeAllowed(m domain.Mode) bool {
	for _, a := range c.Trading.AllowedModes {
		if a == m {
			return true
		}
	}
	return false
}
