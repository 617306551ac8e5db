package config

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

const sampleYAML = `logging:
  level: debug
  console: true
store:
  driver: memory
concurrency:
  enabled: true
  global_max: 25
  platform_max:
    tiktok: 5
  lease: 2m
  wait_budgets:
    global: 5s
tasks:
  retention: 72h
  retry_max: 2
workers:
  count: 8
  queue_size: 128
  platform_rps:
    tiktok: 0.5
maintenance:
  janitor_interval: 30s
telemetry:
  enabled: true
  export_interval: 15s
`

func TestLoadYAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, sampleYAML)

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("Logging = %+v, want debug/console", cfg.Logging)
	}
	if cfg.Store.Driver != "memory" {
		t.Fatalf("Store.Driver = %q, want memory", cfg.Store.Driver)
	}
	if cfg.Concurrency == nil || cfg.Concurrency.GlobalMax != 25 {
		t.Fatalf("Concurrency = %+v, want global_max 25", cfg.Concurrency)
	}
	if cfg.Concurrency.PlatformMax["tiktok"] != 5 {
		t.Fatalf("PlatformMax[tiktok] = %d, want 5", cfg.Concurrency.PlatformMax["tiktok"])
	}
	if cfg.Tasks.Retention != "72h" || cfg.Tasks.RetryMax != 2 {
		t.Fatalf("Tasks = %+v, want 72h retention, retry_max 2", cfg.Tasks)
	}
	if cfg.Workers == nil || cfg.Workers.Count != 8 || cfg.Workers.PlatformRPS["tiktok"] != 0.5 {
		t.Fatalf("Workers = %+v, want count 8 and tiktok rps 0.5", cfg.Workers)
	}
	if cfg.Telemetry == nil || !cfg.Telemetry.Enabled {
		t.Fatalf("Telemetry = %+v, want enabled", cfg.Telemetry)
	}
	if got := m.Get(); !reflect.DeepEqual(got, cfg) {
		t.Fatalf("Get() did not return the committed config")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "store:\n  driver: memory\nscheduler:\n  enabled: true\n")

	if _, err := NewManager(path).Load(); err == nil {
		t.Fatalf("Load() accepted unknown section, want error")
	}
}

func TestLoadRejectsTrailingJSON(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"store":{"driver":"memory"}} {"extra":true}`)

	_, err := NewManager(path).Load()
	if err == nil || !strings.Contains(err.Error(), "trailing") {
		t.Fatalf("Load() error = %v, want trailing data rejection", err)
	}
}

func validConfig() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Store:   StoreConfig{Driver: "memory"},
		Concurrency: &ConcurrencyConfig{
			GlobalMax:   10,
			Lease:       "2m",
			WaitBudgets: map[string]string{"global": "5s"},
		},
		Tasks:       TasksConfig{Retention: "168h", RetryMax: 3},
		Workers:     &WorkersConfig{Count: 4, QueueSize: 256, ExecTimeout: "5m", RetryJitter: 0.2},
		Maintenance: &MaintenanceConfig{JanitorInterval: "1m", StatsInterval: "5m"},
		Telemetry:   &TelemetryConfig{Enabled: true, ExportInterval: "1m"},
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"driver defaults to memory", func(c *Config) { c.Store.Driver = "" }, false},
		{"unknown driver", func(c *Config) { c.Store.Driver = "voltdb" }, true},
		{"sqlite without path", func(c *Config) { c.Store.Driver = "sqlite" }, true},
		{"redis without addr", func(c *Config) { c.Store.Driver = "redis" }, true},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres" }, true},
		{"bad retention", func(c *Config) { c.Tasks.Retention = "fortnight" }, true},
		{"negative retry max", func(c *Config) { c.Tasks.RetryMax = -1 }, true},
		{"negative global max", func(c *Config) { c.Concurrency.GlobalMax = -2 }, true},
		{"negative platform limit", func(c *Config) {
			c.Concurrency.PlatformMax = map[string]int64{"tiktok": -1}
		}, true},
		{"unknown budget kind", func(c *Config) {
			c.Concurrency.WaitBudgets = map[string]string{"tenant": "5s"}
		}, true},
		{"bad budget duration", func(c *Config) {
			c.Concurrency.WaitBudgets = map[string]string{"global": "soon"}
		}, true},
		{"jitter above one", func(c *Config) { c.Workers.RetryJitter = 1.5 }, true},
		{"negative pacing", func(c *Config) {
			c.Workers.PlatformRPS = map[string]float64{"tiktok": -0.5}
		}, true},
		{"bad janitor interval", func(c *Config) { c.Maintenance.JanitorInterval = "often" }, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()

	if d, err := ParseDurationField("x", " 90s "); err != nil || d != 90*time.Second {
		t.Fatalf("ParseDurationField(90s) = %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("ParseDurationField(empty) = %v, %v, want 0", d, err)
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatalf("ParseDurationField(-5s) accepted, want error")
	}
	if d, err := ParseDurationOrDefault("x", "", 3*time.Second); err != nil || d != 3*time.Second {
		t.Fatalf("ParseDurationOrDefault(empty) = %v, %v, want default", d, err)
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "store:\n  driver: memory\ntasks:\n  retry_max: 1\n")

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	// Give the watcher a beat to attach before the first edit.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, "store:\n  driver: memory\ntasks:\n  retry_max: 7\n")

	select {
	case cfg := <-sub:
		if cfg.Tasks.RetryMax != 7 {
			t.Fatalf("published retry_max = %d, want 7", cfg.Tasks.RetryMax)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for reload publish")
	}
	if got := m.Get().Tasks.RetryMax; got != 7 {
		t.Fatalf("Get().Tasks.RetryMax = %d, want 7", got)
	}

	// Identical rewrite must be deduplicated by content hash.
	writeFile(t, path, "store:\n  driver: memory\ntasks:\n  retry_max: 7\n")
	select {
	case cfg := <-sub:
		t.Fatalf("unexpected publish for unchanged content: %+v", cfg)
	case <-time.After(600 * time.Millisecond):
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Watch did not stop after cancel")
	}
}

func TestWatchValidatorBlocksBadEdit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "store:\n  driver: memory\n")

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		return cfg.Validate()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, "store:\n  driver: voltdb\n")

	select {
	case cfg := <-sub:
		t.Fatalf("rejected config was published: %+v", cfg)
	case <-time.After(800 * time.Millisecond):
	}
	if got := m.Get().Store.Driver; got != "memory" {
		t.Fatalf("Get().Store.Driver = %q, want previous value kept", got)
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()

	oldCfg := validConfig()
	newCfg := validConfig()
	newCfg.Logging.Level = "warn"
	newCfg.Store.Password = "hunter2"
	newCfg.Concurrency.GlobalMax = 50

	sections, attrs := SummarizeChange(oldCfg, newCfg)
	want := []string{"concurrency", "logging", "store"}
	if !reflect.DeepEqual(sections, want) {
		t.Fatalf("sections = %v, want %v", sections, want)
	}
	if len(attrs) == 0 {
		t.Fatalf("attrs empty, want structured summary fields")
	}

	sections, _ = SummarizeChange(oldCfg, oldCfg)
	if len(sections) != 0 {
		t.Fatalf("sections for identical configs = %v, want none", sections)
	}
}
