package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Scheduler.Interval != 5*time.Minute {
		t.Fatalf("interval = %v, want 5m", cfg.Scheduler.Interval)
	}
	if cfg.Alerting.DedupWindow != time.Hour {
		t.Fatalf("dedup window = %v, want 1h", cfg.Alerting.DedupWindow)
	}
	if cfg.Snapshot.Quote != "KRW" || len(cfg.Snapshot.Tracked) != 4 {
		t.Fatalf("unexpected snapshot defaults: %+v", cfg.Snapshot)
	}
	if cfg.Rates.Pivot != "USD" {
		t.Fatalf("pivot = %q", cfg.Rates.Pivot)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	path := filepath.Join(dir, "fxwatch.yaml")
	content := `
scheduler:
  interval: 30s
snapshot:
  quote: krw
  tracked: [usd, eur]
alerting:
  dedup_window: 2h
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FXWATCH_RATES_PIVOT", "eur")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Scheduler.Interval != 30*time.Second {
		t.Fatalf("interval = %v", cfg.Scheduler.Interval)
	}
	if cfg.Alerting.DedupWindow != 2*time.Hour {
		t.Fatalf("dedup window = %v", cfg.Alerting.DedupWindow)
	}
	if cfg.Snapshot.Quote != "KRW" || cfg.Snapshot.Tracked[0] != "USD" || cfg.Snapshot.Tracked[1] != "EUR" {
		t.Fatalf("codes should be upper-cased: %+v", cfg.Snapshot)
	}
	if cfg.Rates.Pivot != "EUR" {
		t.Fatalf("env override not applied: %q", cfg.Rates.Pivot)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Scheduler: SchedulerConfig{Interval: time.Minute, Workers: 1},
			Rates:     RatesConfig{Pivot: "USD"},
			Snapshot:  SnapshotConfig{Quote: "KRW", Tracked: []string{"USD"}, Timezone: "UTC"},
			Alerting:  AlertingConfig{DedupWindow: time.Hour, Channels: []string{"log"}},
			Export:    ExportConfig{MaxDataPoints: 10},
		}
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid", func(c *Config) {}, true},
		{"zero interval", func(c *Config) { c.Scheduler.Interval = 0 }, false},
		{"zero dedup", func(c *Config) { c.Alerting.DedupWindow = 0 }, false},
		{"bad pivot", func(c *Config) { c.Rates.Pivot = "US" }, false},
		{"bad tracked", func(c *Config) { c.Snapshot.Tracked = []string{"usd"} }, false},
		{"unknown channel", func(c *Config) { c.Alerting.Channels = []string{"pager"} }, false},
		{"telegram without token", func(c *Config) { c.Alerting.Channels = []string{"telegram"} }, false},
		{"kafka without brokers", func(c *Config) { c.Alerting.Channels = []string{"kafka"} }, false},
		{"bad timezone", func(c *Config) { c.Snapshot.Timezone = "Mars/Olympus" }, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
