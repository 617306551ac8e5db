package app

import (
	"fmt"
	"strings"
	"time"

	"pubfleet/internal/admission"
	"pubfleet/internal/config"
	"pubfleet/internal/maintenance"
	"pubfleet/internal/observability/pprof"
	"pubfleet/internal/store"
	"pubfleet/internal/telemetry"
	"pubfleet/internal/worker"
	"pubfleet/pkg/logx"
)

// Mapping functions translate the file config into component configs.
// Each one re-parses its duration fields so the watch validator can run
// them against a candidate config before commit.

func mapLoggingConfig(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
	}
}

func mapStoreConfig(cfg *config.Config) (store.Config, error) {
	busy, err := config.ParseDurationField("store.busy_timeout", cfg.Store.BusyTimeout)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{
		Driver:      cfg.Store.Driver,
		Addr:        cfg.Store.Addr,
		Password:    cfg.Store.Password,
		DB:          cfg.Store.DB,
		Path:        cfg.Store.Path,
		BusyTimeout: busy,
		DSN:         cfg.Store.DSN,
	}, nil
}

// mapPolicy builds the shared admission policy from the concurrency
// section. The section being present at all is what triggers a policy
// push; a nil section leaves the store's policy alone.
func mapPolicy(cc *config.ConcurrencyConfig) (admission.Policy, error) {
	if cc == nil {
		return admission.Policy{Enabled: true}, nil
	}
	lease, err := config.ParseDurationField("concurrency.lease", cc.Lease)
	if err != nil {
		return admission.Policy{}, err
	}
	enabled := true
	if cc.Enabled != nil {
		enabled = *cc.Enabled
	}
	return admission.Policy{
		Enabled:     enabled,
		GlobalMax:   cc.GlobalMax,
		AccountMax:  cc.AccountMax,
		PlatformMax: cc.PlatformMax,
		TaskTypeMax: cc.TaskTypeMax,
		LeaseMillis: lease.Milliseconds(),
	}, nil
}

var budgetKinds = map[string]admission.Kind{
	"global":    admission.KindGlobal,
	"platform":  admission.KindPlatform,
	"task_type": admission.KindTaskType,
	"account":   admission.KindAccount,
}

// admissionOptions maps the boot-time limiter knobs: poll cadence,
// policy cache TTL and per-kind wait budgets. Limits themselves travel
// through the policy record instead.
func admissionOptions(cc *config.ConcurrencyConfig) ([]admission.Option, error) {
	if cc == nil {
		return nil, nil
	}
	var opts []admission.Option

	poll, err := config.ParseDurationField("concurrency.poll_interval", cc.PollInterval)
	if err != nil {
		return nil, err
	}
	if poll > 0 {
		opts = append(opts, admission.WithPollInterval(poll))
	}
	ttl, err := config.ParseDurationField("concurrency.cache_ttl", cc.CacheTTL)
	if err != nil {
		return nil, err
	}
	if ttl > 0 {
		opts = append(opts, admission.WithCacheTTL(ttl))
	}
	for key, raw := range cc.WaitBudgets {
		kind, ok := budgetKinds[key]
		if !ok {
			return nil, fmt.Errorf("concurrency.wait_budgets: unknown scope kind %q", key)
		}
		d, err := config.ParseDurationField("concurrency.wait_budgets."+key, raw)
		if err != nil {
			return nil, err
		}
		if d > 0 {
			opts = append(opts, admission.WithBudget(kind, d))
		}
	}
	return opts, nil
}

func mapWorkerConfig(cfg *config.Config) (worker.Config, error) {
	out := worker.Config{MaxRetries: cfg.Tasks.RetryMax}
	w := cfg.Workers
	if w == nil {
		return out, nil
	}

	execTimeout, err := config.ParseDurationField("workers.exec_timeout", w.ExecTimeout)
	if err != nil {
		return worker.Config{}, err
	}
	retryBase, err := config.ParseDurationField("workers.retry_base", w.RetryBase)
	if err != nil {
		return worker.Config{}, err
	}
	retryMax, err := config.ParseDurationField("workers.retry_max_delay", w.RetryMaxDelay)
	if err != nil {
		return worker.Config{}, err
	}

	out.Workers = w.Count
	out.ExecTimeout = execTimeout
	out.RetryBase = retryBase
	out.RetryMaxDelay = retryMax
	out.RetryJitter = w.RetryJitter
	out.PlatformRPS = w.PlatformRPS
	out.PlatformBurst = w.PlatformBurst
	return out, nil
}

func queueSize(cfg *config.Config) int {
	if cfg.Workers != nil && cfg.Workers.QueueSize > 0 {
		return cfg.Workers.QueueSize
	}
	return 256
}

func taskRetention(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationField("tasks.retention", cfg.Tasks.Retention)
}

// mapMaintenanceConfig defaults the janitor to enabled; an omitted
// section must not leave leases and indices unswept.
func mapMaintenanceConfig(m *config.MaintenanceConfig) (maintenance.Config, error) {
	if m == nil {
		return maintenance.Config{Enabled: true}, nil
	}
	janitor, err := config.ParseDurationField("maintenance.janitor_interval", m.JanitorInterval)
	if err != nil {
		return maintenance.Config{}, err
	}
	stats, err := config.ParseDurationField("maintenance.stats_interval", m.StatsInterval)
	if err != nil {
		return maintenance.Config{}, err
	}
	age, err := config.ParseDurationField("maintenance.batch_index_age", m.BatchIndexAge)
	if err != nil {
		return maintenance.Config{}, err
	}
	enabled := true
	if m.Enabled != nil {
		enabled = *m.Enabled
	}
	return maintenance.Config{
		Enabled:         enabled,
		JanitorInterval: janitor,
		StatsInterval:   stats,
		BatchIndexAge:   age,
		Timezone:        m.Timezone,
	}, nil
}

func mapTelemetryConfig(t *config.TelemetryConfig) (telemetry.Config, error) {
	if t == nil {
		return telemetry.Config{}, nil
	}
	interval, err := config.ParseDurationField("telemetry.export_interval", t.ExportInterval)
	if err != nil {
		return telemetry.Config{}, err
	}
	return telemetry.Config{Enabled: t.Enabled, ExportInterval: interval}, nil
}

func mapPprofConfig(p *config.PprofConfig) (pprof.Config, error) {
	if p == nil {
		return pprof.Config{}, nil
	}
	read, err := config.ParseDurationField("pprof.read_timeout", p.ReadTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	write, err := config.ParseDurationField("pprof.write_timeout", p.WriteTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	idle, err := config.ParseDurationField("pprof.idle_timeout", p.IdleTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	return pprof.Config{
		Enabled:              p.Enabled,
		Addr:                 strings.TrimSpace(p.Addr),
		Token:                p.Token,
		AllowInsecure:        p.AllowInsecure,
		ReadTimeout:          read,
		WriteTimeout:         write,
		IdleTimeout:          idle,
		MutexProfileFraction: p.MutexProfileFraction,
		BlockProfileRate:     p.BlockProfileRate,
		MemProfileRate:       p.MemProfileRate,
	}, nil
}

// concurrencyRuntimeChanged reports whether boot-only limiter knobs
// differ between two concurrency sections.
func concurrencyRuntimeChanged(a, b *config.ConcurrencyConfig) bool {
	av, bv := derefConc(a), derefConc(b)
	if av.PollInterval != bv.PollInterval || av.CacheTTL != bv.CacheTTL {
		return true
	}
	if len(av.WaitBudgets) != len(bv.WaitBudgets) {
		return true
	}
	for k, v := range av.WaitBudgets {
		if bv.WaitBudgets[k] != v {
			return true
		}
	}
	return false
}

func derefConc(c *config.ConcurrencyConfig) config.ConcurrencyConfig {
	if c == nil {
		return config.ConcurrencyConfig{}
	}
	return *c
}
