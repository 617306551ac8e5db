// Package config loads, validates and hot-reloads the scheduler
// configuration file. YAML and JSON are both accepted: YAML is coerced
// to JSON so a single strict decoder serves both formats.
package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Store   StoreConfig   `json:"store"`

	// Concurrency holds the admission policy pushed to the shared store.
	// Omitted means admission enabled with no limits.
	Concurrency *ConcurrencyConfig `json:"concurrency,omitempty"`

	Tasks TasksConfig `json:"tasks"`

	Workers     *WorkersConfig     `json:"workers,omitempty"`
	Maintenance *MaintenanceConfig `json:"maintenance,omitempty"`
	Telemetry   *TelemetryConfig   `json:"telemetry,omitempty"`
	Pprof       *PprofConfig       `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StoreConfig selects the shared state store backend.
//
// Example:
//
//	"store": { "driver": "redis", "addr": "127.0.0.1:6379" }
type StoreConfig struct {
	Driver      string `json:"driver"`                 // memory | redis | sqlite | postgres
	Addr        string `json:"addr,omitempty"`         // redis
	Password    string `json:"password,omitempty"`     // redis (do not log)
	DB          int    `json:"db,omitempty"`           // redis
	Path        string `json:"path,omitempty"`         // sqlite
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	DSN         string `json:"dsn,omitempty"`          // postgres (may embed credentials; do not log)
}

// ConcurrencyConfig maps onto the shared admission policy.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "2m").
// Limits of 0 (or omitted) mean unlimited for that scope.
//
// Enabled is a pointer so "omitted" (defaults to true) can be told apart
// from an explicit false.
type ConcurrencyConfig struct {
	Enabled     *bool            `json:"enabled,omitempty"`
	GlobalMax   int64            `json:"global_max,omitempty"`
	AccountMax  int64            `json:"account_max,omitempty"`
	PlatformMax map[string]int64 `json:"platform_max,omitempty"`
	TaskTypeMax map[string]int64 `json:"task_type_max,omitempty"`

	// Lease bounds how long an acquired slot stays live without release.
	Lease string `json:"lease,omitempty"`

	// PollInterval is the retry cadence while waiting on a full scope;
	// CacheTTL is how long a fetched policy is reused before re-reading
	// the store.
	PollInterval string `json:"poll_interval,omitempty"`
	CacheTTL     string `json:"cache_ttl,omitempty"`

	// WaitBudgets caps how long an acquire waits per scope kind before
	// giving up. Keys: global, platform, task_type, account.
	WaitBudgets map[string]string `json:"wait_budgets,omitempty"`
}

// TasksConfig controls task records.
type TasksConfig struct {
	// Retention is how long task records are kept after creation.
	Retention string `json:"retention,omitempty"`
	// RetryMax bounds retries after the first attempt.
	RetryMax int `json:"retry_max,omitempty"`
}

// WorkersConfig controls the execution pool.
//
// Defaults (when fields are omitted/zero):
//   - count: 4
//   - queue_size: 256
//   - exec_timeout: "5m"
//   - retry_base: "500ms"
//   - retry_max_delay: "15s"
//   - retry_jitter: 0.2
//   - platform_burst: 1
type WorkersConfig struct {
	Count     int `json:"count,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	ExecTimeout   string  `json:"exec_timeout,omitempty"`
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	RetryJitter   float64 `json:"retry_jitter,omitempty"`

	// PlatformRPS paces task execution per platform in requests/second;
	// platforms without an entry run unpaced.
	PlatformRPS   map[string]float64 `json:"platform_rps,omitempty"`
	PlatformBurst int                `json:"platform_burst,omitempty"`
}

// MaintenanceConfig controls the background janitor.
type MaintenanceConfig struct {
	Enabled *bool `json:"enabled,omitempty"`

	// JanitorInterval paces lease eviction and index drift repair;
	// StatsInterval paces the periodic usage/queue log line.
	JanitorInterval string `json:"janitor_interval,omitempty"`
	StatsInterval   string `json:"stats_interval,omitempty"`

	// BatchIndexAge is how old a batch index must be before it is dropped.
	BatchIndexAge string `json:"batch_index_age,omitempty"`

	Timezone string `json:"timezone,omitempty"` // IANA TZ, e.g. "Asia/Jakarta"
}

type TelemetryConfig struct {
	Enabled        bool   `json:"enabled"`
	ExportInterval string `json:"export_interval,omitempty"`
}

// PprofConfig controls the optional profiling listener. Binding beyond
// loopback requires token or allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

// budgetKinds are the accepted wait_budgets keys.
var budgetKinds = map[string]bool{
	"global":    true,
	"platform":  true,
	"task_type": true,
	"account":   true,
}

// Validate rejects configs that must never be committed: unknown
// enumerations, unparseable durations, negative bounds. Called by the
// watcher before publish so a bad edit cannot take down a running
// daemon.
func (c *Config) Validate() error {
	switch d := strings.ToLower(strings.TrimSpace(c.Store.Driver)); d {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Store.Addr) == "" {
			return fmt.Errorf("store.addr is required when store.driver=redis")
		}
	case "sqlite", "sqlite3":
		if strings.TrimSpace(c.Store.Path) == "" {
			return fmt.Errorf("store.path is required when store.driver=sqlite")
		}
	case "postgres", "postgresql":
		if strings.TrimSpace(c.Store.DSN) == "" {
			return fmt.Errorf("store.dsn is required when store.driver=postgres")
		}
	default:
		return fmt.Errorf("unknown store.driver: %s", c.Store.Driver)
	}
	if _, err := ParseDurationField("store.busy_timeout", c.Store.BusyTimeout); err != nil {
		return err
	}

	if cc := c.Concurrency; cc != nil {
		if cc.GlobalMax < 0 || cc.AccountMax < 0 {
			return fmt.Errorf("concurrency limits must be >= 0")
		}
		for k, v := range cc.PlatformMax {
			if v < 0 {
				return fmt.Errorf("concurrency.platform_max[%s] must be >= 0", k)
			}
		}
		for k, v := range cc.TaskTypeMax {
			if v < 0 {
				return fmt.Errorf("concurrency.task_type_max[%s] must be >= 0", k)
			}
		}
		if _, err := ParseDurationField("concurrency.lease", cc.Lease); err != nil {
			return err
		}
		if _, err := ParseDurationField("concurrency.poll_interval", cc.PollInterval); err != nil {
			return err
		}
		if _, err := ParseDurationField("concurrency.cache_ttl", cc.CacheTTL); err != nil {
			return err
		}
		for k, v := range cc.WaitBudgets {
			if !budgetKinds[k] {
				return fmt.Errorf("concurrency.wait_budgets: unknown scope kind %q", k)
			}
			if _, err := ParseDurationField("concurrency.wait_budgets."+k, v); err != nil {
				return err
			}
		}
	}

	if _, err := ParseDurationField("tasks.retention", c.Tasks.Retention); err != nil {
		return err
	}
	if c.Tasks.RetryMax < 0 {
		return fmt.Errorf("tasks.retry_max must be >= 0")
	}

	if w := c.Workers; w != nil {
		if w.Count < 0 {
			return fmt.Errorf("workers.count must be >= 0")
		}
		if w.QueueSize < 0 {
			return fmt.Errorf("workers.queue_size must be >= 0")
		}
		if w.PlatformBurst < 0 {
			return fmt.Errorf("workers.platform_burst must be >= 0")
		}
		if w.RetryJitter < 0 || w.RetryJitter > 1 {
			return fmt.Errorf("workers.retry_jitter must be within [0, 1]")
		}
		for k, v := range w.PlatformRPS {
			if v < 0 {
				return fmt.Errorf("workers.platform_rps[%s] must be >= 0", k)
			}
		}
		for _, f := range []struct{ path, raw string }{
			{"workers.exec_timeout", w.ExecTimeout},
			{"workers.retry_base", w.RetryBase},
			{"workers.retry_max_delay", w.RetryMaxDelay},
		} {
			if _, err := ParseDurationField(f.path, f.raw); err != nil {
				return err
			}
		}
	}

	if m := c.Maintenance; m != nil {
		for _, f := range []struct{ path, raw string }{
			{"maintenance.janitor_interval", m.JanitorInterval},
			{"maintenance.stats_interval", m.StatsInterval},
			{"maintenance.batch_index_age", m.BatchIndexAge},
		} {
			if _, err := ParseDurationField(f.path, f.raw); err != nil {
				return err
			}
		}
		if tz := strings.TrimSpace(m.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("maintenance.timezone: invalid %q: %w", tz, err)
			}
		}
	}

	if tl := c.Telemetry; tl != nil {
		if _, err := ParseDurationField("telemetry.export_interval", tl.ExportInterval); err != nil {
			return err
		}
	}

	if p := c.Pprof; p != nil {
		for _, f := range []struct{ path, raw string }{
			{"pprof.read_timeout", p.ReadTimeout},
			{"pprof.write_timeout", p.WriteTimeout},
			{"pprof.idle_timeout", p.IdleTimeout},
		} {
			if _, err := ParseDurationField(f.path, f.raw); err != nil {
				return err
			}
		}
		if p.MutexProfileFraction < 0 || p.BlockProfileRate < 0 || p.MemProfileRate < 0 {
			return fmt.Errorf("pprof profile rates must be >= 0")
		}
	}
	return nil
}

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
