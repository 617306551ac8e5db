package config

import (
	"reflect"
	"sort"
	"strings"

	"pubfleet/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (store password, DSN) are never
// included, only presence flags.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Store, newCfg.Store) {
		changed = append(changed, "store")
		attrs = append(attrs,
			logx.String("store.driver", strings.TrimSpace(newCfg.Store.Driver)),
			logx.Bool("store.password_set", strings.TrimSpace(newCfg.Store.Password) != ""),
			logx.Bool("store.dsn_set", strings.TrimSpace(newCfg.Store.DSN) != ""),
		)
	}

	oCC, nCC := derefConcurrency(oldCfg.Concurrency), derefConcurrency(newCfg.Concurrency)
	if (oldCfg.Concurrency != nil) != (newCfg.Concurrency != nil) || !reflect.DeepEqual(oCC, nCC) {
		changed = append(changed, "concurrency")
		enabled := true
		if newCfg.Concurrency != nil && newCfg.Concurrency.Enabled != nil {
			enabled = *newCfg.Concurrency.Enabled
		}
		attrs = append(attrs,
			logx.Bool("concurrency.enabled", enabled),
			logx.Int64("concurrency.global_max", nCC.GlobalMax),
			logx.Int64("concurrency.account_max", nCC.AccountMax),
			logx.Int("concurrency.platform_rules", len(nCC.PlatformMax)),
			logx.Int("concurrency.task_type_rules", len(nCC.TaskTypeMax)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Tasks, newCfg.Tasks) {
		changed = append(changed, "tasks")
		attrs = append(attrs,
			logx.String("tasks.retention", strings.TrimSpace(newCfg.Tasks.Retention)),
			logx.Int("tasks.retry_max", newCfg.Tasks.RetryMax),
		)
	}

	oW, nW := derefWorkers(oldCfg.Workers), derefWorkers(newCfg.Workers)
	if (oldCfg.Workers != nil) != (newCfg.Workers != nil) || !reflect.DeepEqual(oW, nW) {
		changed = append(changed, "workers")
		attrs = append(attrs,
			logx.Int("workers.count", nW.Count),
			logx.Int("workers.queue_size", nW.QueueSize),
			logx.Int("workers.paced_platforms", len(nW.PlatformRPS)),
		)
	}

	oM, nM := derefMaintenance(oldCfg.Maintenance), derefMaintenance(newCfg.Maintenance)
	if (oldCfg.Maintenance != nil) != (newCfg.Maintenance != nil) || !reflect.DeepEqual(oM, nM) {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.String("maintenance.janitor_interval", strings.TrimSpace(nM.JanitorInterval)),
			logx.String("maintenance.stats_interval", strings.TrimSpace(nM.StatsInterval)),
		)
	}

	oT, nT := derefTelemetry(oldCfg.Telemetry), derefTelemetry(newCfg.Telemetry)
	if (oldCfg.Telemetry != nil) != (newCfg.Telemetry != nil) || !reflect.DeepEqual(oT, nT) {
		changed = append(changed, "telemetry")
		attrs = append(attrs,
			logx.Bool("telemetry.enabled", nT.Enabled),
			logx.String("telemetry.export_interval", strings.TrimSpace(nT.ExportInterval)),
		)
	}

	oP, nP := derefPprof(oldCfg.Pprof), derefPprof(newCfg.Pprof)
	if (oldCfg.Pprof != nil) != (newCfg.Pprof != nil) || !reflect.DeepEqual(oP, nP) {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", nP.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(nP.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(nP.Token) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefConcurrency(c *ConcurrencyConfig) ConcurrencyConfig {
	if c == nil {
		return ConcurrencyConfig{}
	}
	return *c
}

func derefWorkers(w *WorkersConfig) WorkersConfig {
	if w == nil {
		return WorkersConfig{}
	}
	return *w
}

func derefMaintenance(m *MaintenanceConfig) MaintenanceConfig {
	if m == nil {
		return MaintenanceConfig{}
	}
	return *m
}

func derefTelemetry(t *TelemetryConfig) TelemetryConfig {
	if t == nil {
		return TelemetryConfig{}
	}
	return *t
}

func derefPprof(p *PprofConfig) PprofConfig {
	if p == nil {
		return PprofConfig{}
	}
	return *p
}
