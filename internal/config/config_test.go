package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(name, "LIVETAP_") {
			t.Setenv(name, "")
		}
	}
	for _, name := range []string{"TWITCH_CLIENT_ID", "TWITCH_CLIENT_SECRET", "TWITCH_TOKEN", "YOUTUBE_API_KEY"} {
		t.Setenv(name, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Sink.Driver != "sqlite" || cfg.Sink.SQLitePath != "livetap.db" {
		t.Fatalf("unexpected sink defaults: %+v", cfg.Sink)
	}
	if cfg.Batch() != 1 {
		t.Fatalf("expected default batch size 1, got %d", cfg.Batch())
	}
	if cfg.FlushInterval() != 0 {
		t.Fatalf("expected zero flush interval, got %s", cfg.FlushInterval())
	}
	if cfg.Tracker.BackoffBase() != time.Second || cfg.Tracker.BackoffMax() != time.Minute {
		t.Fatalf("unexpected backoff defaults: %+v", cfg.Tracker)
	}
	if cfg.Tracker.MaxAttempts != 5 {
		t.Fatalf("expected 5 attempts, got %d", cfg.Tracker.MaxAttempts)
	}
	if cfg.WriteTimeout() != 2*time.Second {
		t.Fatalf("expected 2s write timeout, got %s", cfg.WriteTimeout())
	}
	if cfg.HasRedis() {
		t.Fatalf("redis should be off without an address")
	}
	if !cfg.HTTP.Metrics || !cfg.Classifier.Enabled {
		t.Fatalf("metrics and classifier should default on")
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Fatalf("unexpected log defaults: %+v", cfg.Log)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("LIVETAP_SINK_BATCH_SIZE", "50")
	t.Setenv("LIVETAP_SINK_FLUSH_MAX_MS", "250")
	t.Setenv("LIVETAP_TRACKER_MAX_ATTEMPTS", "9")
	t.Setenv("LIVETAP_TRACKER_METADATA_REFRESH_SECS", "0")
	t.Setenv("LIVETAP_HTTP_CORS_ORIGINS", "https://b.example, https://a.example;https://a.example")
	t.Setenv("LIVETAP_HTTP_METRICS", "false")
	t.Setenv("LIVETAP_REDIS_ADDR", "127.0.0.1:6379")
	t.Setenv("LIVETAP_TRACK", "twitch:Shroud, tiktok:someone")
	t.Setenv("LIVETAP_LOG_FORMAT", "JSON")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Batch() != 50 {
		t.Fatalf("expected batch 50, got %d", cfg.Batch())
	}
	if cfg.FlushInterval() != 250*time.Millisecond {
		t.Fatalf("expected 250ms flush, got %s", cfg.FlushInterval())
	}
	if cfg.Tracker.MaxAttempts != 9 {
		t.Fatalf("expected 9 attempts, got %d", cfg.Tracker.MaxAttempts)
	}
	if cfg.Tracker.MetadataRefresh() != 0 {
		t.Fatalf("zero refresh should disable polling, got %s", cfg.Tracker.MetadataRefresh())
	}
	if got := strings.Join(cfg.HTTP.CORSOrigins, ","); got != "https://a.example,https://b.example" {
		t.Fatalf("unexpected cors origins: %s", got)
	}
	if cfg.HTTP.Metrics {
		t.Fatalf("metrics should be disabled")
	}
	if !cfg.HasRedis() || cfg.Redis.Stream != "livetap:events" {
		t.Fatalf("unexpected redis config: %+v", cfg.Redis)
	}
	if cfg.Log.Format != "json" {
		t.Fatalf("expected lowercased log format, got %q", cfg.Log.Format)
	}

	targets, err := cfg.Targets()
	if err != nil {
		t.Fatalf("targets: %v", err)
	}
	if len(targets) != 2 {
		t.Fatalf("expected 2 targets, got %d", len(targets))
	}
	if targets[1].StreamerID != "shroud" {
		t.Fatalf("expected twitch login lowercased, got %q", targets[1].StreamerID)
	}
}

func TestLoadIgnoresInvalidNumbers(t *testing.T) {
	clearEnv(t)
	t.Setenv("LIVETAP_SINK_BATCH_SIZE", "lots")
	t.Setenv("LIVETAP_TRACKER_QUEUE_CAPACITY", "-3")
	t.Setenv("LIVETAP_HTTP_ACCESS_LOG", "maybe")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Batch() != 1 {
		t.Fatalf("expected fallback batch 1, got %d", cfg.Batch())
	}
	if cfg.Tracker.QueueCapacity != 1024 {
		t.Fatalf("expected fallback queue capacity, got %d", cfg.Tracker.QueueCapacity)
	}
	if !cfg.HTTP.AccessLog {
		t.Fatalf("invalid bool should keep the default")
	}
}

func TestLoadYAMLThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "livetap.yaml")
	body := `
sink:
  driver: postgres
  postgres_dsn: postgres://user:pw@localhost/livetap
  batch_size: 20
http:
  addr: ":9000"
  rate_rps: 5
tracker:
  backoff_base_ms: 500
track:
  - youtube:UC1234567890123456789012
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("LIVETAP_CONFIG", path)
	t.Setenv("LIVETAP_HTTP_ADDR", ":9100")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Source != path {
		t.Fatalf("expected source %q, got %q", path, cfg.Source)
	}
	if cfg.Sink.Driver != "postgres" || cfg.Batch() != 20 {
		t.Fatalf("yaml sink not applied: %+v", cfg.Sink)
	}
	if cfg.HTTP.Addr != ":9100" {
		t.Fatalf("env should override yaml addr, got %q", cfg.HTTP.Addr)
	}
	if cfg.HTTP.RateRPS != 5 {
		t.Fatalf("expected rate 5 from yaml, got %d", cfg.HTTP.RateRPS)
	}
	if cfg.Tracker.BackoffBase() != 500*time.Millisecond {
		t.Fatalf("expected 500ms backoff, got %s", cfg.Tracker.BackoffBase())
	}
	if cfg.Tracker.MaxAttempts != 5 {
		t.Fatalf("unset yaml keys should keep defaults, got %d", cfg.Tracker.MaxAttempts)
	}
	if len(cfg.Track) != 1 {
		t.Fatalf("expected one target, got %v", cfg.Track)
	}
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{name: "unknown driver", env: map[string]string{"LIVETAP_SINK_DRIVER": "mongo"}},
		{name: "postgres without dsn", env: map[string]string{"LIVETAP_SINK_DRIVER": "postgres"}},
		{name: "bad target", env: map[string]string{"LIVETAP_TRACK": "kick:someone"}},
		{name: "target without platform", env: map[string]string{"LIVETAP_TRACK": "someone"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := Load(""); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestLegacyEnvFallback(t *testing.T) {
	clearEnv(t)
	t.Setenv("TWITCH_CLIENT_ID", "legacy-id")
	t.Setenv("TWITCH_TOKEN", "legacy-token")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Twitch.ClientID != "legacy-id" || cfg.Twitch.LegacyClientIDEnv != "TWITCH_CLIENT_ID" {
		t.Fatalf("legacy client id not applied: %+v", cfg.Twitch)
	}
	if cfg.Twitch.Token != "legacy-token" || cfg.Twitch.LegacyTokenEnv != "TWITCH_TOKEN" {
		t.Fatalf("legacy token not applied: %+v", cfg.Twitch)
	}
}

func TestRedactedHidesSecrets(t *testing.T) {
	cfg := Default()
	cfg.Twitch.ClientSecret = "supersecret"
	cfg.Twitch.Token = "oauth:abc"
	cfg.Redis.Password = "hunter2"
	cfg.Sink.PostgresDSN = "postgres://u:p@h/db"

	data := string(cfg.RedactedJSON())
	for _, secret := range []string{"supersecret", "oauth:abc", "hunter2", "u:p@h"} {
		if strings.Contains(data, secret) {
			t.Fatalf("redacted config leaks %q: %s", secret, data)
		}
	}
	if !strings.Contains(data, "***REDACTED*** (len=11)") {
		t.Fatalf("expected redaction marker: %s", data)
	}

	var summary struct {
		Config Summary `json:"config_summary"`
	}
	if err := json.Unmarshal(cfg.SummaryJSON(), &summary); err != nil {
		t.Fatalf("summary json: %v", err)
	}
	if summary.Config.Twitch.Token != "***REDACTED*** (len=9)" {
		t.Fatalf("unexpected token summary %q", summary.Config.Twitch.Token)
	}
	if summary.Config.SinkDriver != "sqlite" {
		t.Fatalf("unexpected sink in summary %q", summary.Config.SinkDriver)
	}
}
