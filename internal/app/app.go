// Package app wires the scheduler together: store, admission limiter,
// task store, dispatch queue, worker pool, batch orchestrator, janitor,
// telemetry and the optional pprof listener, all driven by one hot-
// reloadable config file.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pubfleet/internal/admission"
	"pubfleet/internal/batch"
	"pubfleet/internal/config"
	"pubfleet/internal/dispatch"
	"pubfleet/internal/eventbus"
	"pubfleet/internal/maintenance"
	"pubfleet/internal/observability/pprof"
	"pubfleet/internal/runtime/supervisor"
	"pubfleet/internal/store"
	"pubfleet/internal/taskstore"
	"pubfleet/internal/telemetry"
	"pubfleet/internal/worker"
	"pubfleet/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	st      store.Store
	adm     *admission.Limiter
	tasks   *taskstore.Store
	queue   *dispatch.Queue
	reg     *worker.Registry
	pool    *worker.Pool
	batches *batch.Service
	maint   *maintenance.Service
	tel     *telemetry.Service
	pprof   *pprof.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg.Logging))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	stCfg, err := mapStoreConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(stCfg, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}
	log.Info("store opened", logx.String("driver", effectiveDriver(stCfg.Driver)))

	admOpts, err := admissionOptions(cfg.Concurrency)
	if err != nil {
		return nil, err
	}
	defaultPolicy, err := mapPolicy(cfg.Concurrency)
	if err != nil {
		return nil, err
	}
	admOpts = append(admOpts,
		admission.WithLogger(log.With(logx.String("comp", "admission"))),
		admission.WithBus(bus),
		admission.WithDefaultPolicy(defaultPolicy),
	)
	adm := admission.New(st, admOpts...)

	queue := dispatch.NewQueue(queueSize(cfg))

	retention, err := taskRetention(cfg)
	if err != nil {
		return nil, err
	}
	tasks := taskstore.New(st,
		taskstore.WithLogger(log.With(logx.String("comp", "taskstore"))),
		taskstore.WithBus(bus),
		taskstore.WithRevoker(queue),
		taskstore.WithRetention(retention),
	)

	workerCfg, err := mapWorkerConfig(cfg)
	if err != nil {
		return nil, err
	}
	reg := worker.NewRegistry()
	pool := worker.New(workerCfg, queue, tasks, adm, reg,
		worker.WithLogger(log.With(logx.String("comp", "worker"))),
		worker.WithBus(bus),
	)

	batches := batch.New(tasks, queue,
		batch.WithLogger(log.With(logx.String("comp", "batch"))),
		batch.WithBus(bus),
	)

	maintCfg, err := mapMaintenanceConfig(cfg.Maintenance)
	if err != nil {
		return nil, err
	}
	maint := maintenance.New(maintCfg, tasks, adm, st,
		log.With(logx.String("comp", "maintenance")))

	telCfg, err := mapTelemetryConfig(cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	tel := telemetry.New(telCfg, bus,
		telemetry.WithLogger(log.With(logx.String("comp", "telemetry"))))

	pprofCfg, err := mapPprofConfig(cfg.Pprof)
	if err != nil {
		return nil, err
	}
	pprofSvc := pprof.New(pprofCfg, log.With(logx.String("comp", "pprof")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		st:      st,
		adm:     adm,
		tasks:   tasks,
		queue:   queue,
		reg:     reg,
		pool:    pool,
		batches: batches,
		maint:   maint,
		tel:     tel,
		pprof:   pprofSvc,
	}, nil
}

// Embedding surface: executors register before Start; batches and task
// state are how callers drive and observe work.

func (a *App) Executors() *worker.Registry { return a.reg }
func (a *App) Batches() *batch.Service     { return a.batches }
func (a *App) Tasks() *taskstore.Store     { return a.tasks }
func (a *App) Admission() *admission.Limiter {
	return a.adm
}
func (a *App) Bus() eventbus.Bus { return a.bus }

// Done is closed when the app supervisor context is canceled (fatal
// error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// Transactional config reload: a candidate config must map cleanly
	// into every component config before it is committed and published.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		if _, err := mapStoreConfig(cfg); err != nil {
			return err
		}
		if _, err := mapPolicy(cfg.Concurrency); err != nil {
			return err
		}
		if _, err := admissionOptions(cfg.Concurrency); err != nil {
			return err
		}
		if _, err := taskRetention(cfg); err != nil {
			return err
		}
		if _, err := mapWorkerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapMaintenanceConfig(cfg.Maintenance); err != nil {
			return err
		}
		if _, err := mapTelemetryConfig(cfg.Telemetry); err != nil {
			return err
		}
		if _, err := mapPprofConfig(cfg.Pprof); err != nil {
			return err
		}
		return nil
	})

	cfg := a.cfgm.Get()

	if err := a.st.Ping(ctx); err != nil {
		a.log.Warn("store unreachable at startup; admission fails open until it recovers", logx.Err(err))
	}

	if err := a.tel.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	// The concurrency section is authoritative when present: push it so
	// every instance sharing the store converges on the same limits.
	if cfg.Concurrency != nil {
		pol, err := mapPolicy(cfg.Concurrency)
		if err != nil {
			return err
		}
		if err := a.adm.SetPolicy(ctx, pol); err != nil {
			a.log.Warn("admission policy push failed; store default applies", logx.Err(err))
		}
	}

	// Dispatch handles died with the previous process; re-feed the
	// backlog before any worker starts pulling.
	requeued, err := a.pool.RequeuePending(ctx)
	if err != nil {
		a.log.Warn("pending requeue incomplete", logx.Int("requeued", requeued), logx.Err(err))
	} else if requeued > 0 {
		a.log.Info("pending backlog requeued", logx.Int("requeued", requeued))
	}

	a.pool.Start(a.sup.Context())
	a.maint.Start(a.sup.Context())
	if a.maint.Enabled() {
		a.sup.Go0("maintenance.boot-sweep", func(c context.Context) {
			a.maint.RunJanitorOnce(c)
		})
	}
	if a.pprof.Enabled() {
		a.pprof.Start(a.sup.Context())
	}

	// Event visibility for debugging; components subscribe themselves
	// for real work (telemetry counters).
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("scheduler started",
		logx.String("store", effectiveDriver(cfg.Store.Driver)),
		logx.Int("queue_size", queueSize(cfg)))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// step bounds one shutdown phase so a stuck component cannot stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	step("workers", 5*time.Second, func(c context.Context) error { return a.pool.Stop(c) })
	step("dispatch", time.Second, func(context.Context) error { a.queue.Close(); return nil })
	step("pprof", time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	step("telemetry", 2*time.Second, func(c context.Context) error { return a.tel.Stop(c) })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("store", time.Second, func(context.Context) error { return a.st.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// reloadLoop applies committed config changes to live components.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the newest config.
			for {
				select {
				case newer, more := <-sub:
					if !more {
						goto APPLY
					}
					newCfg = newer
				default:
					goto APPLY
				}
			}
		APPLY:
			sections, attrs := config.SummarizeChange(lastApplied, newCfg)
			if len(sections) == 0 {
				a.log.Info("config reloaded (no changes)")
				lastApplied = newCfg
				continue
			}
			a.log.Debug("config change summary",
				append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

			a.applyReload(ctx, lastApplied, newCfg, sections)
			lastApplied = newCfg

			a.log.Info("config reloaded",
				append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
		}
	}
}

func (a *App) applyReload(ctx context.Context, prev, next *config.Config, sections []string) {
	changed := func(name string) bool {
		for _, s := range sections {
			if s == name {
				return true
			}
		}
		return false
	}

	if changed("logging") {
		a.logs.Apply(mapLoggingConfig(next.Logging))
	}

	// The store is plumbing under every component; swapping drivers
	// needs a restart.
	if changed("store") {
		a.log.Warn("store config changed; restart required for changes to take effect")
	}

	if changed("concurrency") {
		pol, err := mapPolicy(next.Concurrency)
		if err != nil {
			a.log.Warn("invalid concurrency config; keeping previous", logx.Err(err))
		} else if next.Concurrency != nil {
			if err := a.adm.SetPolicy(ctx, pol); err != nil {
				a.log.Warn("admission policy push failed", logx.Err(err))
			}
		}
		if concurrencyRuntimeChanged(prev.Concurrency, next.Concurrency) {
			a.log.Warn("concurrency poll/cache/budget knobs changed; restart required for those")
		}
	}

	if changed("tasks") && prev.Tasks.Retention != next.Tasks.Retention {
		a.log.Warn("tasks.retention changed; restart required for changes to take effect")
	}

	if changed("workers") || changed("tasks") {
		wcfg, err := mapWorkerConfig(next)
		if err != nil {
			a.log.Warn("invalid workers config; keeping previous", logx.Err(err))
		} else {
			a.pool.Apply(ctx, wcfg)
		}
		if queueSize(prev) != queueSize(next) {
			a.log.Warn("workers.queue_size changed; restart required for changes to take effect")
		}
	}

	if changed("maintenance") {
		mcfg, err := mapMaintenanceConfig(next.Maintenance)
		if err != nil {
			a.log.Warn("invalid maintenance config; keeping previous", logx.Err(err))
		} else {
			a.maint.Apply(mcfg)
		}
	}

	if changed("telemetry") {
		a.log.Warn("telemetry config changed; restart required for changes to take effect")
	}

	if changed("pprof") {
		pcfg, err := mapPprofConfig(next.Pprof)
		if err != nil {
			a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
		} else {
			a.pprof.Reconfigure(ctx, pcfg)
		}
	}
}

func effectiveDriver(driver string) string {
	d := strings.ToLower(strings.TrimSpace(driver))
	if d == "" {
		return "memory"
	}
	return d
}
