package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
logging:
  level: debug
  console: true
ratelimit:
  enabled: true
  burst_enabled: true
  auto_block:
    enabled: true
    threshold: 5
    duration: "30m"
  operations:
    create_post:
      per_minute: 5
      per_hour: 50
      per_day: 200
      burst_threshold: 3
      burst_protect: true
queue:
  tick: "15s"
  max_attempts: 3
  expiry:
    critical: "168h"
delivery:
  rate_per_sec: 10
`)

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.RateLimit.Enabled || !cfg.RateLimit.AutoBlock.Enabled {
		t.Fatal("ratelimit flags not decoded")
	}
	if cfg.RateLimit.AutoBlock.Threshold != 5 {
		t.Fatalf("threshold = %d, want 5", cfg.RateLimit.AutoBlock.Threshold)
	}
	op, ok := cfg.RateLimit.Operations["create_post"]
	if !ok || op.PerMinute != 5 || op.BurstThreshold != 3 {
		t.Fatalf("create_post limits = %+v", op)
	}
	if cfg.Queue.Tick != "15s" || cfg.Queue.MaxAttempts != 3 {
		t.Fatalf("queue = %+v", cfg.Queue)
	}
	if cfg.Delivery.RatePerSec != 10 {
		t.Fatalf("rate_per_sec = %d, want 10", cfg.Delivery.RatePerSec)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
logging:
  level: info
ratelimit:
  enabled: true
  not_a_real_field: 1
queue: {}
delivery: {}
`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("unknown field must be rejected")
	}
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json",
		`{"logging":{"level":"info","console":true},"ratelimit":{"enabled":false,"burst_enabled":false,"trust_enabled":false,"auto_block":{"enabled":false}},"queue":{},"delivery":{}}`)
	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("level = %q, want info", cfg.Logging.Level)
	}
}

func TestDurationHelpers(t *testing.T) {
	t.Parallel()
	if _, err := ParseDurationField("x", "nonsense"); err == nil {
		t.Fatal("bad duration must error")
	}
	d, err := ParseDurationOrDefault("x", "", 30*time.Second)
	if err != nil || d != 30*time.Second {
		t.Fatalf("default = %v (%v), want 30s", d, err)
	}
	d, err = ParseDurationOrDefault("x", "2m", time.Second)
	if err != nil || d != 2*time.Minute {
		t.Fatalf("parsed = %v (%v), want 2m", d, err)
	}
}

func TestSubscribePublishDropsOldest(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b) // buffer full: oldest dropped, newest delivered

	got := <-ch
	if got != b {
		t.Fatal("subscriber should observe the newest config")
	}
}
