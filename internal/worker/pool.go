// Package worker executes dispatched tasks: N pool goroutines pull from
// the queue, gate each task through pacing and admission, drive the
// record through its lifecycle and classify failures into retry or
// failed.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pubfleet/internal/admission"
	"pubfleet/internal/dispatch"
	"pubfleet/internal/eventbus"
	"pubfleet/internal/runtime/supervisor"
	"pubfleet/internal/taskstore"
	"pubfleet/pkg/logx"
)

// Queue is the slice of dispatch the pool consumes: submit for
// resubmission, Next for intake.
type Queue interface {
	dispatch.Dispatcher
	Next(ctx context.Context) (dispatch.Item, error)
}

// Config tunes the pool.
type Config struct {
	// Workers is the number of concurrent executors. Default 4.
	Workers int
	// MaxRetries bounds attempts after the first; past it the task
	// fails. Default 3.
	MaxRetries int
	// ExecTimeout bounds one executor run. Default 5m.
	ExecTimeout time.Duration

	RetryBase     time.Duration // first backoff step, default 500ms
	RetryMaxDelay time.Duration // backoff ceiling, default 15s
	RetryJitter   float64       // +-fraction applied to delays, default 0.2

	// PlatformRPS paces execution per platform (tokens per second);
	// platforms without an entry run unpaced.
	PlatformRPS   map[string]float64
	PlatformBurst int // default 1
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = 5 * time.Minute
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.PlatformBurst <= 0 {
		c.PlatformBurst = 1
	}
	return c
}

// TaskEvent is the payload on task.* events.
type TaskEvent struct {
	TaskID   string           `json:"task_id"`
	TaskType string           `json:"task_type"`
	BatchID  string           `json:"batch_id,omitempty"`
	Status   taskstore.Status `json:"status"`
	WorkerID string           `json:"worker_id,omitempty"`
	Attempt  int              `json:"attempt"`
	Error    string           `json:"error,omitempty"`
}

// payloadMeta is the envelope slice the pool understands. Payloads are
// otherwise opaque; missing fields just omit the corresponding scope.
type payloadMeta struct {
	Platform string `json:"platform"`
	Account  string `json:"account_ref"`
}

func decodeMeta(payload json.RawMessage) payloadMeta {
	var m payloadMeta
	if len(payload) > 0 {
		_ = json.Unmarshal(payload, &m)
	}
	return m
}

// Pool owns the worker goroutines.
type Pool struct {
	queue Queue
	tasks *taskstore.Store
	adm   *admission.Limiter
	reg   *Registry
	bus   eventbus.Bus
	log   logx.Logger

	mu     sync.Mutex
	cfg    Config
	sup    *supervisor.Supervisor
	pacers map[string]*rate.Limiter
}

type Option func(*Pool)

func WithLogger(log logx.Logger) Option {
	return func(p *Pool) { p.log = log }
}

func WithBus(bus eventbus.Bus) Option {
	return func(p *Pool) { p.bus = bus }
}

func New(cfg Config, queue Queue, tasks *taskstore.Store, adm *admission.Limiter, reg *Registry, opts ...Option) *Pool {
	p := &Pool{
		cfg:    cfg.withDefaults(),
		queue:  queue,
		tasks:  tasks,
		adm:    adm,
		reg:    reg,
		log:    logx.Nop(),
		pacers: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the workers under a supervisor tied to ctx. Idempotent
// while running.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.sup != nil {
		p.mu.Unlock()
		return
	}
	workers := p.cfg.Workers
	sup := supervisor.New(ctx, supervisor.WithLogger(p.log))
	p.sup = sup
	p.mu.Unlock()

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker-%d", idx), func(ctx context.Context) error {
			return p.run(ctx, idx)
		})
	}
	p.log.Info("worker: pool started", logx.Int("workers", workers))
}

// Stop waits for in-flight tasks to finish or ctx to give up.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	sup := p.sup
	p.sup = nil
	p.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

// Apply swaps the runtime tuning. A worker-count change restarts the
// pool goroutines; everything else takes effect from the next task.
func (p *Pool) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()

	p.mu.Lock()
	prev := p.cfg
	p.cfg = cfg
	if !maps.Equal(prev.PlatformRPS, cfg.PlatformRPS) || prev.PlatformBurst != cfg.PlatformBurst {
		p.pacers = make(map[string]*rate.Limiter)
	}
	running := p.sup != nil
	p.mu.Unlock()

	if running && prev.Workers != cfg.Workers {
		if err := p.Stop(ctx); err != nil {
			p.log.Warn("worker: stop during resize", logx.Err(err))
		}
		p.Start(ctx)
	}
}

// config returns a copy safe to read off-lock. The pacing map is
// replaced wholesale on Apply, never mutated.
func (p *Pool) config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

func (p *Pool) run(ctx context.Context, idx int) error {
	// Per-worker RNG keeps retry jitter off the global lock.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))
	workerID := fmt.Sprintf("worker-%d", idx)

	for {
		item, err := p.queue.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		p.execOne(ctx, item, workerID, rng)
	}
}

func (p *Pool) execOne(ctx context.Context, item dispatch.Item, workerID string, rng *rand.Rand) {
	task, err := p.tasks.Get(ctx, item.TaskID)
	if errors.Is(err, taskstore.ErrNotFound) {
		// Deleted or expired while queued.
		p.log.Debug("worker: task record missing", logx.String("task", item.TaskID))
		return
	}
	if err != nil {
		// Substrate hiccup: put the item back and let the backlog retry.
		p.log.Warn("worker: task fetch failed", logx.String("task", item.TaskID), logx.Err(err))
		p.pause(ctx, time.Second)
		p.resubmit(ctx, item.TaskID, item.Payload, item.Priority, "fetch-error")
		return
	}
	if task.Status != taskstore.StatusPending {
		// Cancelled or already picked up elsewhere.
		p.log.Debug("worker: skipping task",
			logx.String("task", task.ID), logx.String("status", string(task.Status)))
		p.publish(eventbus.TypeTaskSkipped, task, workerID, "")
		return
	}

	ex, ok := p.reg.Lookup(task.Type)
	if !ok {
		p.finish(ctx, task, workerID, taskstore.StatusFailed,
			fmt.Sprintf("no executor registered for type %q", task.Type), nil)
		return
	}

	meta := decodeMeta(task.Payload)
	if pacer := p.pacer(meta.Platform); pacer != nil {
		if err := pacer.Wait(ctx); err != nil {
			p.resubmit(context.WithoutCancel(ctx), task.ID, task.Payload, task.Priority, "shutdown")
			return
		}
	}

	guard, err := p.adm.Acquire(ctx, p.scopesFor(task, meta), 0)
	if err != nil {
		if admission.IsCapacity(err) {
			// Contention is not an attempt; requeue and let capacity
			// free up. Acquire already waited out the scope budget, so
			// this loop cannot spin hot.
			p.resubmit(ctx, task.ID, task.Payload, task.Priority, "capacity")
			return
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			p.resubmit(context.WithoutCancel(ctx), task.ID, task.Payload, task.Priority, "shutdown")
			return
		}
		p.log.Warn("worker: admission failed", logx.String("task", task.ID), logx.Err(err))
		p.resubmit(ctx, task.ID, task.Payload, task.Priority, "admission-error")
		return
	}
	defer guard.Release(context.WithoutCancel(ctx))

	started, err := p.tasks.Update(ctx, task.ID,
		taskstore.SetStatus(taskstore.StatusRunning),
		taskstore.SetWorkerID(workerID))
	if err != nil {
		if errors.Is(err, taskstore.ErrTerminalState) {
			// Cancel won the race.
			p.publish(eventbus.TypeTaskSkipped, task, workerID, "")
			return
		}
		p.log.Warn("worker: start update failed", logx.String("task", task.ID), logx.Err(err))
		return
	}
	p.publish(eventbus.TypeTaskStarted, started, workerID, "")

	result, execErr := p.execute(ctx, ex, started)
	switch {
	case execErr == nil:
		p.finish(ctx, started, workerID, taskstore.StatusSuccess, "", result)

	case IsFatal(execErr):
		p.finish(ctx, started, workerID, taskstore.StatusFailed, execErr.Error(), nil)

	default:
		p.retry(ctx, started, workerID, execErr, guard, rng)
	}
}

// execute runs one attempt with a timeout and a panic guard, so one bad
// executor cannot take down the worker.
func (p *Pool) execute(ctx context.Context, ex Executor, task taskstore.Task) (result json.RawMessage, err error) {
	runCtx, cancel := context.WithTimeout(ctx, p.config().ExecTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			p.log.Error("worker: executor panic",
				logx.String("task", task.ID),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()
	return ex.Execute(runCtx, task)
}

func (p *Pool) retry(ctx context.Context, task taskstore.Task, workerID string, execErr error, guard *admission.Guard, rng *rand.Rand) {
	cfg := p.config()
	attempt := task.RetryCount + 1
	if task.RetryCount >= cfg.MaxRetries {
		p.finish(ctx, task, workerID, taskstore.StatusFailed,
			fmt.Sprintf("retries exhausted after %d attempts: %v", attempt, execErr), nil)
		return
	}

	if _, err := p.tasks.Update(ctx, task.ID,
		taskstore.SetStatus(taskstore.StatusRetry),
		taskstore.SetError(execErr.Error())); err != nil {
		p.log.Warn("worker: retry update failed", logx.String("task", task.ID), logx.Err(err))
		return
	}
	p.publish(eventbus.TypeTaskRetried, task, workerID, execErr.Error())

	// retry -> pending bumps the attempt counter in the record.
	if _, err := p.tasks.Update(ctx, task.ID,
		taskstore.SetStatus(taskstore.StatusPending)); err != nil {
		p.log.Warn("worker: requeue update failed", logx.String("task", task.ID), logx.Err(err))
		return
	}

	// Free the scopes before backing off; holding capacity through the
	// delay would starve other tasks for nothing.
	guard.Release(context.WithoutCancel(ctx))

	delay := backoffDelay(cfg, attempt, execErr, rng)
	p.log.Debug("worker: retry scheduled",
		logx.String("task", task.ID),
		logx.Int("attempt", attempt+1),
		logx.Duration("delay", delay),
		logx.Err(execErr))
	p.pause(ctx, delay)
	p.resubmit(context.WithoutCancel(ctx), task.ID, task.Payload, task.Priority, "retry")
}

func (p *Pool) finish(ctx context.Context, task taskstore.Task, workerID string, status taskstore.Status, errMsg string, result json.RawMessage) {
	muts := []taskstore.Mutation{taskstore.SetStatus(status)}
	if errMsg != "" {
		muts = append(muts, taskstore.SetError(errMsg))
	}
	if result != nil {
		muts = append(muts, taskstore.SetResult(result))
	}
	updated, err := p.tasks.Update(ctx, task.ID, muts...)
	if err != nil {
		if errors.Is(err, taskstore.ErrTerminalState) {
			p.log.Debug("worker: outcome lost to earlier terminal state",
				logx.String("task", task.ID), logx.String("outcome", string(status)))
			return
		}
		p.log.Warn("worker: outcome update failed", logx.String("task", task.ID), logx.Err(err))
		return
	}

	switch status {
	case taskstore.StatusSuccess:
		p.publish(eventbus.TypeTaskSucceeded, updated, workerID, "")
	case taskstore.StatusFailed:
		p.publish(eventbus.TypeTaskFailed, updated, workerID, errMsg)
	}
}

func (p *Pool) resubmit(ctx context.Context, taskID string, payload json.RawMessage, priority int, reason string) {
	handle, err := p.queue.Submit(ctx, taskID, payload, priority)
	if err != nil {
		// The record stays pending; RequeuePending picks it up after the
		// next start.
		p.log.Warn("worker: resubmit failed",
			logx.String("task", taskID), logx.String("reason", reason), logx.Err(err))
		return
	}
	if _, err := p.tasks.Update(ctx, taskID, taskstore.SetDispatchHandle(handle)); err != nil {
		p.log.Debug("worker: handle update failed", logx.String("task", taskID), logx.Err(err))
	}
}

func (p *Pool) pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (p *Pool) scopesFor(task taskstore.Task, meta payloadMeta) []admission.Scope {
	scopes := []admission.Scope{admission.Global(), admission.TaskType(task.Type)}
	if meta.Platform != "" {
		scopes = append(scopes, admission.Platform(meta.Platform))
	}
	if meta.Account != "" {
		scopes = append(scopes, admission.Account(meta.Account))
	}
	return scopes
}

func (p *Pool) pacer(platform string) *rate.Limiter {
	if platform == "" {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	rps, ok := p.cfg.PlatformRPS[platform]
	if !ok || rps <= 0 {
		return nil
	}
	if lim, ok := p.pacers[platform]; ok {
		return lim
	}
	lim := rate.NewLimiter(rate.Limit(rps), p.cfg.PlatformBurst)
	p.pacers[platform] = lim
	return lim
}

func (p *Pool) publish(typ string, task taskstore.Task, workerID, errMsg string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{
		Type: typ,
		Data: TaskEvent{
			TaskID:   task.ID,
			TaskType: task.Type,
			BatchID:  task.ParentBatchID,
			Status:   task.Status,
			WorkerID: workerID,
			Attempt:  task.RetryCount + 1,
			Error:    errMsg,
		},
	})
}

// RequeuePending resubmits every pending task. Dispatch handles do not
// survive a restart of the in-process queue, so the composition root
// calls this once before starting the pool.
func (p *Pool) RequeuePending(ctx context.Context) (int, error) {
	const page = 200
	var requeued int
	for offset := int64(0); ; offset += page {
		tasks, err := p.tasks.List(ctx, taskstore.Filter{Status: taskstore.StatusPending}, page, offset)
		if err != nil {
			return requeued, err
		}
		if len(tasks) == 0 {
			return requeued, nil
		}
		for _, t := range tasks {
			handle, err := p.queue.Submit(ctx, t.ID, t.Payload, t.Priority)
			if err != nil {
				return requeued, fmt.Errorf("worker: requeue %s: %w", t.ID, err)
			}
			if _, err := p.tasks.Update(ctx, t.ID, taskstore.SetDispatchHandle(handle)); err != nil {
				p.log.Debug("worker: handle update failed", logx.String("task", t.ID), logx.Err(err))
			}
			requeued++
		}
	}
}

// backoffDelay is exponential with jitter; RetryAfter hints win, bounded
// by the configured ceiling.
func backoffDelay(cfg Config, attempt int, err error, rng *rand.Rand) time.Duration {
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d := ra.RetryAfter()
		if d < 0 {
			d = 0
		}
		if d > cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
		}
		return jitter(d, cfg.RetryJitter, rng)
	}

	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > cfg.RetryMaxDelay {
			break
		}
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return jitter(d, cfg.RetryJitter, rng)
}

func jitter(d time.Duration, frac float64, rng *rand.Rand) time.Duration {
	if d <= 0 || frac <= 0 || rng == nil {
		return d
	}
	r := (rng.Float64()*2 - 1) * frac
	out := time.Duration(float64(d) * (1 + r))
	if out < 0 {
		out = 0
	}
	return out
}
