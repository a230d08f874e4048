package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level pipeline configuration loaded from YAML, per the
// enumerated fields the run needs plus the ambient provider stanzas that
// configure the two upstreams (events, prices).
type Config struct {
	BucketName      string `yaml:"bucket_name"`
	ProcessedPrefix string `yaml:"processed_prefix"`
	ModelsPrefix    string `yaml:"models_prefix"`
	ModelRunID      string `yaml:"model_run_id"`

	LookbackDays             int     `yaml:"lookback_days"`
	EventBundleConcurrency   int     `yaml:"event_bundle_concurrency"`
	MinEventBundlesFraction  float64 `yaml:"min_event_bundles_fraction"`
	PredictionTemperature    float64 `yaml:"prediction_temperature"`
	TopCountriesCount        int     `yaml:"top_countries_count"`

	// PriceAPIKeyEnv names the environment variable holding the price
	// provider's API key; the key itself is never stored in the config file.
	PriceAPIKeyEnv string `yaml:"price_api_key_env"`

	Providers ProvidersConfig `yaml:"providers"`

	Database   DatabaseConfig   `yaml:"database"`
	HTTP       HTTPConfig       `yaml:"http"`
	Logging    LoggingConfig    `yaml:"logging"`
	DistLock   DistLockConfig   `yaml:"dist_lock"`
}

// DistLockConfig configures the optional Redis-backed cross-process run
// guard; when Enabled is false the orchestrator falls back to its
// process-local lock only.
type DistLockConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	PassEnv  string `yaml:"pass_env"`
	DB       int    `yaml:"db"`
	TTLSecs  int    `yaml:"ttl_secs"`
}

// Password reads the Redis password from the environment variable named in
// PassEnv.
func (d *DistLockConfig) Password() string {
	if d.PassEnv == "" {
		return ""
	}
	return os.Getenv(d.PassEnv)
}

// DatabaseConfig configures the optional Postgres run ledger.
type DatabaseConfig struct {
	DSNEnv  string `yaml:"dsn_env"`
	Enabled bool   `yaml:"enabled"`
}

// HTTPConfig configures the read-only health/metrics listener.
type HTTPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LoggingConfig configures the zerolog sink.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

// PriceAPIKey reads the price provider API key from the environment variable
// named in PriceAPIKeyEnv.
func (c *Config) PriceAPIKey() string {
	if c.PriceAPIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.PriceAPIKeyEnv)
}

// DatabaseDSN reads the Postgres DSN from the environment variable named in
// Database.DSNEnv.
func (c *Config) DatabaseDSN() string {
	if c.Database.DSNEnv == "" {
		return ""
	}
	return os.Getenv(c.Database.DSNEnv)
}

// Load reads and validates a Config from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the enumerated run parameters and delegates to
// ProvidersConfig.Validate for the upstream stanzas.
func (c *Config) Validate() error {
	if c.BucketName == "" {
		return fmt.Errorf("bucket_name cannot be empty")
	}
	if c.ProcessedPrefix == "" {
		return fmt.Errorf("processed_prefix cannot be empty")
	}
	if c.ModelsPrefix == "" {
		return fmt.Errorf("models_prefix cannot be empty")
	}
	if c.LookbackDays <= 0 {
		return fmt.Errorf("lookback_days must be positive, got %d", c.LookbackDays)
	}
	if c.EventBundleConcurrency <= 0 {
		return fmt.Errorf("event_bundle_concurrency must be positive, got %d", c.EventBundleConcurrency)
	}
	if c.MinEventBundlesFraction <= 0 || c.MinEventBundlesFraction > 1 {
		return fmt.Errorf("min_event_bundles_fraction must be in (0,1], got %f", c.MinEventBundlesFraction)
	}
	if c.PredictionTemperature <= 0 {
		return fmt.Errorf("prediction_temperature must be positive, got %f", c.PredictionTemperature)
	}
	if c.TopCountriesCount < 0 {
		return fmt.Errorf("top_countries_count cannot be negative, got %d", c.TopCountriesCount)
	}
	if err := c.Providers.Validate(); err != nil {
		return fmt.Errorf("providers: %w", err)
	}
	return nil
}
