package worker

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"pubfleet/internal/admission"
	"pubfleet/internal/dispatch"
	"pubfleet/internal/eventbus"
	"pubfleet/internal/store"
	"pubfleet/internal/taskstore"
)

type poolHarness struct {
	tasks *taskstore.Store
	queue *dispatch.Queue
	adm   *admission.Limiter
	reg   *Registry
	bus   eventbus.Bus
	pool  *Pool
}

func newPoolHarness(t *testing.T, cfg Config) *poolHarness {
	t.Helper()
	mem := store.NewMemory()
	h := &poolHarness{
		tasks: taskstore.New(mem),
		queue: dispatch.NewQueue(64),
		adm: admission.New(mem,
			admission.WithPollInterval(5*time.Millisecond),
			admission.WithBudget(admission.KindGlobal, 100*time.Millisecond),
			admission.WithBudget(admission.KindPlatform, 100*time.Millisecond),
			admission.WithBudget(admission.KindTaskType, 100*time.Millisecond),
			admission.WithBudget(admission.KindAccount, 100*time.Millisecond)),
		reg: NewRegistry(),
		bus: eventbus.New(),
	}
	h.pool = New(cfg, h.queue, h.tasks, h.adm, h.reg, WithBus(h.bus))
	return h
}

// fastRetries keeps backoff delays negligible in tests.
func fastRetries(workers, maxRetries int) Config {
	return Config{
		Workers:       workers,
		MaxRetries:    maxRetries,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 2 * time.Millisecond,
	}
}

func (h *poolHarness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.pool.Start(ctx)
	t.Cleanup(func() {
		cancel()
		stopCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
		defer stop()
		_ = h.pool.Stop(stopCtx)
	})
}

func (h *poolHarness) createAndSubmit(t *testing.T, id, typ, payload string) taskstore.Task {
	t.Helper()
	ctx := context.Background()
	task, err := h.tasks.Create(ctx, taskstore.Task{ID: id, Type: typ, Payload: json.RawMessage(payload)})
	if err != nil {
		t.Fatalf("Create(%s) error = %v", id, err)
	}
	handle, err := h.queue.Submit(ctx, task.ID, task.Payload, task.Priority)
	if err != nil {
		t.Fatalf("Submit(%s) error = %v", id, err)
	}
	if _, err := h.tasks.Update(ctx, task.ID, taskstore.SetDispatchHandle(handle)); err != nil {
		t.Fatalf("SetDispatchHandle(%s) error = %v", id, err)
	}
	return task
}

func waitStatus(t *testing.T, tasks *taskstore.Store, id string, want taskstore.Status) taskstore.Task {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		task, err := tasks.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get(%s) error = %v", id, err)
		}
		if task.Status == want {
			return task
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s status = %s, want %s (error %q)", id, task.Status, want, task.Error)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitEvent(t *testing.T, events <-chan eventbus.Event, typ string) eventbus.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type == typ {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", typ)
		}
	}
}

func TestPoolExecutesTaskToSuccess(t *testing.T) {
	t.Parallel()

	h := newPoolHarness(t, Config{Workers: 2})
	if err := h.reg.Register("publish_video", ExecutorFunc(func(_ context.Context, task taskstore.Task) (json.RawMessage, error) {
		return json.RawMessage(`{"url":"https://example.com/v/1"}`), nil
	})); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	events, unsub := h.bus.Subscribe(16)
	defer unsub()

	h.createAndSubmit(t, "t-ok", "publish_video", `{"platform":"tiktok","account_ref":"acc-1"}`)
	h.start(t)

	task := waitStatus(t, h.tasks, "t-ok", taskstore.StatusSuccess)
	if string(task.Result) != `{"url":"https://example.com/v/1"}` {
		t.Fatalf("Result = %s, want executor output", task.Result)
	}
	if task.WorkerID == "" {
		t.Fatalf("WorkerID empty, want worker name")
	}
	if task.StartedAt == nil || task.CompletedAt == nil {
		t.Fatalf("StartedAt/CompletedAt = %v/%v, want both set", task.StartedAt, task.CompletedAt)
	}
	if task.RetryCount != 0 {
		t.Fatalf("RetryCount = %d, want 0", task.RetryCount)
	}

	e := waitEvent(t, events, eventbus.TypeTaskSucceeded)
	if data, ok := e.Data.(TaskEvent); !ok || data.TaskID != "t-ok" {
		t.Fatalf("succeeded event data = %#v, want TaskEvent for t-ok", e.Data)
	}
}

func TestPoolFatalErrorFailsWithoutRetry(t *testing.T) {
	t.Parallel()

	h := newPoolHarness(t, fastRetries(1, 3))
	var calls atomic.Int32
	if err := h.reg.Register("publish_video", ExecutorFunc(func(context.Context, taskstore.Task) (json.RawMessage, error) {
		calls.Add(1)
		return nil, Fatal(errors.New("account suspended"))
	})); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	h.createAndSubmit(t, "t-fatal", "publish_video", `{"platform":"tiktok"}`)
	h.start(t)

	task := waitStatus(t, h.tasks, "t-fatal", taskstore.StatusFailed)
	if task.RetryCount != 0 {
		t.Fatalf("RetryCount = %d, want 0", task.RetryCount)
	}
	if !strings.Contains(task.Error, "account suspended") {
		t.Fatalf("Error = %q, want the executor message", task.Error)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("executor calls = %d, want 1", n)
	}
}

func TestPoolRetriesUntilExhausted(t *testing.T) {
	t.Parallel()

	h := newPoolHarness(t, fastRetries(1, 2))
	var calls atomic.Int32
	if err := h.reg.Register("publish_video", ExecutorFunc(func(context.Context, taskstore.Task) (json.RawMessage, error) {
		calls.Add(1)
		return nil, errors.New("upstream 503")
	})); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	h.createAndSubmit(t, "t-flaky", "publish_video", `{}`)
	h.start(t)

	task := waitStatus(t, h.tasks, "t-flaky", taskstore.StatusFailed)
	if task.RetryCount != 2 {
		t.Fatalf("RetryCount = %d, want 2", task.RetryCount)
	}
	if !strings.Contains(task.Error, "retries exhausted") {
		t.Fatalf("Error = %q, want retries exhausted", task.Error)
	}
	if n := calls.Load(); n != 3 {
		t.Fatalf("executor calls = %d, want 3 (initial + 2 retries)", n)
	}
}

func TestPoolRetryThenSucceeds(t *testing.T) {
	t.Parallel()

	h := newPoolHarness(t, fastRetries(1, 3))
	var calls atomic.Int32
	if err := h.reg.Register("publish_video", ExecutorFunc(func(context.Context, taskstore.Task) (json.RawMessage, error) {
		if calls.Add(1) == 1 {
			return nil, RetryAfter(errors.New("rate limited"), time.Millisecond)
		}
		return json.RawMessage(`{"ok":true}`), nil
	})); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	h.createAndSubmit(t, "t-second-try", "publish_video", `{}`)
	h.start(t)

	task := waitStatus(t, h.tasks, "t-second-try", taskstore.StatusSuccess)
	if task.RetryCount != 1 {
		t.Fatalf("RetryCount = %d, want 1", task.RetryCount)
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("executor calls = %d, want 2", n)
	}
}

func TestPoolRecoversFromExecutorPanic(t *testing.T) {
	t.Parallel()

	h := newPoolHarness(t, fastRetries(1, 3))
	var calls atomic.Int32
	if err := h.reg.Register("publish_video", ExecutorFunc(func(context.Context, taskstore.Task) (json.RawMessage, error) {
		if calls.Add(1) == 1 {
			panic("nil dereference in upload client")
		}
		return json.RawMessage(`{"ok":true}`), nil
	})); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	h.createAndSubmit(t, "t-panics", "publish_video", `{}`)
	h.start(t)

	task := waitStatus(t, h.tasks, "t-panics", taskstore.StatusSuccess)
	if task.RetryCount != 1 {
		t.Fatalf("RetryCount = %d, want 1 (panic counts as an attempt)", task.RetryCount)
	}
}

func TestPoolUnknownTypeFails(t *testing.T) {
	t.Parallel()

	h := newPoolHarness(t, Config{Workers: 1})
	h.createAndSubmit(t, "t-unknown", "mystery_type", `{}`)
	h.start(t)

	task := waitStatus(t, h.tasks, "t-unknown", taskstore.StatusFailed)
	if !strings.Contains(task.Error, "no executor registered") {
		t.Fatalf("Error = %q, want missing-executor message", task.Error)
	}
}

func TestPoolSkipsCancelledTask(t *testing.T) {
	t.Parallel()

	h := newPoolHarness(t, Config{Workers: 1})
	var calls atomic.Int32
	if err := h.reg.Register("publish_video", ExecutorFunc(func(context.Context, taskstore.Task) (json.RawMessage, error) {
		calls.Add(1)
		return nil, nil
	})); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	events, unsub := h.bus.Subscribe(16)
	defer unsub()

	h.createAndSubmit(t, "t-cancelled", "publish_video", `{}`)
	if _, err := h.tasks.Cancel(context.Background(), "t-cancelled"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	h.start(t)

	waitEvent(t, events, eventbus.TypeTaskSkipped)
	task, err := h.tasks.Get(context.Background(), "t-cancelled")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if task.Status != taskstore.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", task.Status)
	}
	if n := calls.Load(); n != 0 {
		t.Fatalf("executor calls = %d, want 0", n)
	}
}

func TestPoolCapacityDenialRequeuesWithoutAttempt(t *testing.T) {
	t.Parallel()

	h := newPoolHarness(t, Config{Workers: 1})
	if err := h.adm.SetPolicy(context.Background(), admission.Policy{Enabled: true, GlobalMax: 1}); err != nil {
		t.Fatalf("SetPolicy() error = %v", err)
	}
	if err := h.reg.Register("publish_video", ExecutorFunc(func(context.Context, taskstore.Task) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	})); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	// Occupy the single global slot so the worker's acquire times out.
	guard, err := h.adm.Acquire(context.Background(), []admission.Scope{admission.Global()}, time.Minute)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	h.createAndSubmit(t, "t-capacity", "publish_video", `{}`)
	h.start(t)

	// Let at least one full acquire budget elapse while the slot is held.
	time.Sleep(200 * time.Millisecond)
	blocked, err := h.tasks.Get(context.Background(), "t-capacity")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if blocked.Status != taskstore.StatusPending {
		t.Fatalf("status while blocked = %s, want pending", blocked.Status)
	}

	guard.Release(context.Background())

	task := waitStatus(t, h.tasks, "t-capacity", taskstore.StatusSuccess)
	if task.RetryCount != 0 {
		t.Fatalf("RetryCount = %d, want 0 (capacity waits are not attempts)", task.RetryCount)
	}
}

func TestRequeuePending(t *testing.T) {
	t.Parallel()

	h := newPoolHarness(t, Config{Workers: 1})
	ctx := context.Background()
	for _, id := range []string{"t-r1", "t-r2", "t-r3"} {
		if _, err := h.tasks.Create(ctx, taskstore.Task{ID: id, Type: "publish_video"}); err != nil {
			t.Fatalf("Create(%s) error = %v", id, err)
		}
	}

	n, err := h.pool.RequeuePending(ctx)
	if err != nil {
		t.Fatalf("RequeuePending() error = %v", err)
	}
	if n != 3 {
		t.Fatalf("RequeuePending() = %d, want 3", n)
	}
	if _, _, _, total := h.queue.Depth(); total != 3 {
		t.Fatalf("queue depth = %d, want 3", total)
	}

	task, err := h.tasks.Get(ctx, "t-r1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if task.DispatchHandle == "" {
		t.Fatalf("DispatchHandle empty after requeue")
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}.withDefaults()
	rng := rand.New(rand.NewSource(1))

	tests := []struct {
		name    string
		attempt int
		err     error
		min     time.Duration
		max     time.Duration
	}{
		{"first attempt", 1, errors.New("x"), 80 * time.Millisecond, 120 * time.Millisecond},
		{"third attempt doubles twice", 3, errors.New("x"), 320 * time.Millisecond, 480 * time.Millisecond},
		{"capped at max", 10, errors.New("x"), 800 * time.Millisecond, 1200 * time.Millisecond},
		{"retry-after hint wins", 1, RetryAfter(errors.New("x"), 500*time.Millisecond), 400 * time.Millisecond, 600 * time.Millisecond},
		{"retry-after clamped to max", 1, RetryAfter(errors.New("x"), time.Hour), 800 * time.Millisecond, 1200 * time.Millisecond},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := backoffDelay(cfg, tt.attempt, tt.err, rng)
			if got < tt.min || got > tt.max {
				t.Fatalf("backoffDelay() = %v, want within [%v, %v]", got, tt.min, tt.max)
			}
		})
	}
}

func TestPoolApplyResizesWorkers(t *testing.T) {
	t.Parallel()

	h := newPoolHarness(t, Config{Workers: 1})
	if err := h.reg.Register("publish_video", ExecutorFunc(func(_ context.Context, _ taskstore.Task) (json.RawMessage, error) {
		return nil, nil
	})); err != nil {
		t.Fatalf("Register error = %v", err)
	}
	h.start(t)

	h.createAndSubmit(t, "t-before", "publish_video", `{}`)
	waitStatus(t, h.tasks, "t-before", taskstore.StatusSuccess)

	h.pool.Apply(context.Background(), Config{Workers: 3})
	if got := h.pool.config().Workers; got != 3 {
		t.Fatalf("workers after Apply = %d, want 3", got)
	}

	// The restarted pool keeps consuming from the same queue.
	h.createAndSubmit(t, "t-after", "publish_video", `{}`)
	waitStatus(t, h.tasks, "t-after", taskstore.StatusSuccess)
}

func TestPoolApplyRebuildsPacers(t *testing.T) {
	t.Parallel()

	h := newPoolHarness(t, Config{Workers: 1, PlatformRPS: map[string]float64{"tiktok": 100}})
	if p := h.pool.pacer("tiktok"); p == nil {
		t.Fatal("expected a pacer for configured platform")
	}

	h.pool.Apply(context.Background(), Config{Workers: 1})
	if p := h.pool.pacer("tiktok"); p != nil {
		t.Fatal("pacer should be gone after the rule was removed")
	}
}
