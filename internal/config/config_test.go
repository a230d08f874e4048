package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleConfig = `
bucket_name: oilsignal-artifacts
processed_prefix: processed_data/
models_prefix: models/
model_run_id: v1
lookback_days: 120
event_bundle_concurrency: 8
min_event_bundles_fraction: 0.75
prediction_temperature: 1.5
top_countries_count: 5
price_api_key_env: PRICE_API_KEY
providers:
  providers:
    events:
      host: events.example.com
      rps: 5
      burst: 10
      daily_budget: 5000
      ttl_secs: 3600
      base_url: https://events.example.com
      enabled: true
      backoff_ms:
        base: 200
        max: 5000
        jitter: true
      circuit:
        failure_threshold: 5
        success_threshold: 2
        timeout_ms: 10000
    prices:
      host: prices.example.com
      rps: 2
      burst: 4
      daily_budget: 1000
      ttl_secs: 86400
      base_url: https://prices.example.com
      enabled: true
      backoff_ms:
        base: 200
        max: 5000
        jitter: true
      circuit:
        failure_threshold: 5
        success_threshold: 2
        timeout_ms: 10000
  budget:
    warn_threshold: 0.8
    reset_hour: 0
  global:
    max_concurrent_per_host: 4
    user_agent: oilsignal/1.0
`

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.LookbackDays != 120 {
		t.Fatalf("expected lookback_days 120, got %d", cfg.LookbackDays)
	}
	if !cfg.Providers.IsProviderEnabled("events") {
		t.Fatal("expected events provider enabled")
	}
}

func TestLoadRejectsMissingBucket(t *testing.T) {
	path := writeTempConfig(t, "lookback_days: 1\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for missing bucket_name")
	}
}

func TestPriceAPIKeyFromEnv(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	t.Setenv("PRICE_API_KEY", "secret123")
	if got := cfg.PriceAPIKey(); got != "secret123" {
		t.Fatalf("expected secret123, got %q", got)
	}
}
