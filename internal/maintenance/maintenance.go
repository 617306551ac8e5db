// Package maintenance runs the background janitor and stats reporter.
//
// The janitor evicts expired admission leases, repairs status-index drift,
// trims stale batch indices and asks the store driver to drop expired keys.
// The stats job periodically logs queue depth and scope usage so operators
// can see fleet pressure without an external metrics pipeline.
package maintenance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pubfleet/internal/admission"
	"pubfleet/internal/store"
	"pubfleet/internal/taskstore"
	"pubfleet/pkg/logx"
)

// jobTimeout bounds a single janitor or stats run; jobs touching a slow
// store must not pile up behind each other.
const jobTimeout = 30 * time.Second

type Config struct {
	Enabled bool

	// JanitorInterval is how often expired leases and index drift are
	// cleaned. StatsInterval is how often queue/usage stats are logged.
	JanitorInterval time.Duration
	StatsInterval   time.Duration

	// BatchIndexAge is how long a fully terminal batch keeps its index
	// before the janitor trims it.
	BatchIndexAge time.Duration

	Timezone string // IANA TZ, e.g. "Asia/Jakarta"
}

func (c Config) withDefaults() Config {
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = time.Minute
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = 5 * time.Minute
	}
	if c.BatchIndexAge <= 0 {
		c.BatchIndexAge = 24 * time.Hour
	}
	return c
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	tasks *taskstore.Store
	adm   *admission.Limiter
	kv    store.Store

	started bool
	c       *cron.Cron
}

func New(cfg Config, tasks *taskstore.Store, adm *admission.Limiter, kv store.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg.withDefaults(),
		log:   log,
		tasks: tasks,
		adm:   adm,
		kv:    kv,
	}
}

// Enabled reports the current config flag. (Thread-safe; Apply() may run concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Start begins cron triggering. Calling Start while disabled records the
// intent; a later Apply() with Enabled=true brings the jobs up.
func (s *Service) Start(ctx context.Context) {
	_ = ctx // reserved for context-driven stop policies

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	if !s.cfg.Enabled {
		s.log.Debug("start requested while disabled")
		return
	}
	s.startCronLocked()
}

// Stop halts cron triggering and waits for in-flight jobs, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	s.started = false
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			// best-effort
		}
		s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
	}
}

// Apply reconfigures the service in place. Interval or timezone changes
// restart the cron runner; enable/disable transitions bring it up or down.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cfg
	s.cfg = cfg

	if !s.started {
		return
	}
	switch {
	case !cfg.Enabled:
		s.stopCronLocked()
	case s.c == nil:
		s.startCronLocked()
	case prev.JanitorInterval != cfg.JanitorInterval ||
		prev.StatsInterval != cfg.StatsInterval ||
		strings.TrimSpace(prev.Timezone) != strings.TrimSpace(cfg.Timezone):
		s.stopCronLocked()
		s.startCronLocked()
	}
}

func (s *Service) startCronLocked() {
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithLocation(loc))

	now := time.Now().In(loc)
	janitor, janJitter := intervalSchedule(s.cfg.JanitorInterval, now, "janitor")
	s.c.Schedule(janitor, cron.FuncJob(s.runJanitor))
	stats, statJitter := intervalSchedule(s.cfg.StatsInterval, now, "stats")
	s.c.Schedule(stats, cron.FuncJob(s.runStats))

	s.c.Start()
	s.log.Info("service started",
		logx.String("tz", loc.String()),
		logx.Duration("janitor_every", s.cfg.JanitorInterval),
		logx.Duration("stats_every", s.cfg.StatsInterval),
		logx.Duration("janitor_spread", janJitter),
		logx.Duration("stats_spread", statJitter),
	)
}

func (s *Service) stopCronLocked() {
	if s.c == nil {
		return
	}
	<-s.c.Stop().Done()
	s.c = nil
	s.log.Info("jobs halted")
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// RunJanitorOnce performs a single janitor pass outside the cron cadence.
// Startup calls it so a crashed process doesn't wait a full interval to
// reclaim orphaned leases.
func (s *Service) RunJanitorOnce(ctx context.Context) {
	s.janitorPass(ctx)
}

func (s *Service) runJanitor() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	s.janitorPass(ctx)
}

func (s *Service) janitorPass(ctx context.Context) {
	start := time.Now()

	var evicted, repaired, trimmed, pruned int64
	var err error

	if evicted, err = s.adm.EvictExpired(ctx); err != nil {
		s.log.Warn("lease eviction failed", logx.Err(err))
	}
	if repaired, err = s.tasks.RepairDrift(ctx); err != nil {
		s.log.Warn("index repair failed", logx.Err(err))
	}
	if trimmed, err = s.tasks.PruneBatchIndices(ctx, s.batchIndexAge()); err != nil {
		s.log.Warn("batch index trim failed", logx.Err(err))
	}
	if p, ok := s.kv.(store.Pruner); ok {
		if pruned, err = p.Prune(ctx); err != nil {
			s.log.Warn("store prune failed", logx.Err(err))
		}
	}

	fields := []logx.Field{
		logx.Int64("leases_evicted", evicted),
		logx.Int64("index_repaired", repaired),
		logx.Int64("batches_trimmed", trimmed),
		logx.Int64("keys_pruned", pruned),
		logx.Duration("took", time.Since(start)),
	}
	if evicted+repaired+trimmed+pruned > 0 {
		s.log.Info("janitor pass", fields...)
	} else {
		s.log.Debug("janitor pass", fields...)
	}
}

func (s *Service) runStats() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	fields := make([]logx.Field, 0, 16)

	qs, err := s.tasks.QueueStats(ctx)
	if err != nil {
		s.log.Warn("queue stats unavailable", logx.Err(err))
	} else {
		fields = append(fields, logx.Int64("tasks_total", qs.Total))
		for _, st := range taskstore.AllStatuses {
			if n := qs.ByStatus[st]; n > 0 {
				fields = append(fields, logx.Int64("tasks_"+string(st), n))
			}
		}
	}

	usage, err := s.adm.Usage(ctx)
	if err != nil {
		s.log.Warn("scope usage unavailable", logx.Err(err))
	} else {
		var busiest admission.ScopeUsage
		var live int64
		for _, u := range usage {
			live += u.Live
			if u.Live > busiest.Live {
				busiest = u
			}
		}
		fields = append(fields,
			logx.Int("scopes", len(usage)),
			logx.Int64("leases_live", live),
		)
		if busiest.Live > 0 {
			fields = append(fields, logx.String("busiest_scope", busiest.Scope.String()))
		}
	}

	s.log.Info("fleet stats", fields...)
}

func (s *Service) batchIndexAge() time.Duration {
	s.mu.Lock()
	age := s.cfg.BatchIndexAge
	s.mu.Unlock()
	return age
}

// Snapshot is a point-in-time maintenance view for diagnostics.
type Snapshot struct {
	Enabled         bool
	Timezone        string
	JanitorInterval time.Duration
	StatsInterval   time.Duration
	BatchIndexAge   time.Duration
	Running         bool
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" && s.loc != nil {
		tz = s.loc.String()
	}
	return Snapshot{
		Enabled:         s.cfg.Enabled,
		Timezone:        tz,
		JanitorInterval: s.cfg.JanitorInterval,
		StatsInterval:   s.cfg.StatsInterval,
		BatchIndexAge:   s.cfg.BatchIndexAge,
		Running:         s.c != nil,
	}
}

func (s *Service) String() string {
	snap := s.Snapshot()
	return fmt.Sprintf("maintenance(enabled=%v running=%v janitor=%s stats=%s)",
		snap.Enabled, snap.Running, snap.JanitorInterval, snap.StatsInterval)
}
