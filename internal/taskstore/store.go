// Package taskstore persists task records and keeps the status, type and
// batch indices consistent with them. Every scheduler instance and worker
// shares one Store through the state substrate; no process holds task
// state in memory.
package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"pubfleet/internal/eventbus"
	"pubfleet/internal/store"
	"pubfleet/pkg/logx"
)

const (
	statsKey        = "tasks:stats"
	typeRegistryKey = "tasks:types"
	batchRegistry   = "tasks:batches"

	defaultRetention = 7 * 24 * time.Hour
	defaultListLimit = 100
)

func recordKey(id string) string     { return "task:" + id }
func statusKey(s Status) string      { return "tasks:status:" + string(s) }
func typeKey(taskType string) string { return "tasks:type:" + taskType }
func batchKey(batchID string) string { return "tasks:batch:" + batchID }

// Revoker is the slice of Work Dispatch that Cancel needs. The dispatch
// queue implements it; tests stub it.
type Revoker interface {
	Revoke(ctx context.Context, handle string) bool
}

// Store is the task state store.
type Store struct {
	store     store.Store
	log       logx.Logger
	bus       eventbus.Bus
	revoker   Revoker
	retention time.Duration

	now func() time.Time
}

type Option func(*Store)

func WithLogger(log logx.Logger) Option {
	return func(s *Store) { s.log = log }
}

// WithBus enables task.cancelled events. Workers publish the rest of the
// lifecycle; Cancel is the one transition the store performs itself.
func WithBus(bus eventbus.Bus) Option {
	return func(s *Store) { s.bus = bus }
}

// WithRevoker wires the dispatcher used for best-effort revocation on
// Cancel. Without it, Cancel only flips state.
func WithRevoker(r Revoker) Option {
	return func(s *Store) { s.revoker = r }
}

// WithRetention bounds how long task records stay readable. Indices are
// swept by the maintenance janitor as records expire.
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.retention = d
		}
	}
}

func New(st store.Store, opts ...Option) *Store {
	s := &Store{
		store:     st,
		log:       logx.Nop(),
		retention: defaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create persists a new record with status pending and indexes it. The id
// is caller-chosen; resubmitting the same id fails with ErrDuplicateTask,
// which makes retries of the submission path idempotent.
func (s *Store) Create(ctx context.Context, t Task) (Task, error) {
	if t.ID == "" {
		return Task{}, errors.New("taskstore: task id is required")
	}
	if t.Type == "" {
		return Task{}, errors.New("taskstore: task type is required")
	}

	t.Status = StatusPending
	t.CreatedAt = s.now().UTC()
	t.StartedAt = nil
	t.CompletedAt = nil
	t.RetryCount = 0

	data, err := json.Marshal(t)
	if err != nil {
		return Task{}, fmt.Errorf("taskstore: encode %s: %w", t.ID, err)
	}
	ok, err := s.store.SetNX(ctx, recordKey(t.ID), data, s.retention)
	if err != nil {
		return Task{}, err
	}
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
	}

	score := float64(t.CreatedAt.UnixMilli())
	if err := s.index(ctx, t, score); err != nil {
		// Roll the record back so a retry of Create is not a duplicate.
		if derr := s.store.Delete(ctx, recordKey(t.ID)); derr != nil {
			s.log.Warn("taskstore: rollback after index failure",
				logx.String("task", t.ID), logx.Err(derr))
		}
		return Task{}, err
	}

	if _, err := s.store.HIncrBy(ctx, statsKey, "created", 1); err != nil {
		s.log.Debug("taskstore: stats update failed", logx.Err(err))
	}
	return t, nil
}

func (s *Store) index(ctx context.Context, t Task, score float64) error {
	if err := s.store.ZAdd(ctx, statusKey(t.Status), t.ID, score); err != nil {
		return err
	}
	if err := s.store.ZAdd(ctx, typeKey(t.Type), t.ID, score); err != nil {
		return err
	}
	if err := s.store.ZAdd(ctx, typeRegistryKey, t.Type, score); err != nil {
		return err
	}
	if t.ParentBatchID != "" {
		if err := s.store.ZAdd(ctx, batchKey(t.ParentBatchID), t.ID, score); err != nil {
			return err
		}
		if err := s.store.ZAdd(ctx, batchRegistry, t.ParentBatchID, score); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the task record.
func (s *Store) Get(ctx context.Context, id string) (Task, error) {
	raw, err := s.store.Get(ctx, recordKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Task{}, err
	}
	var t Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return Task{}, fmt.Errorf("taskstore: decode %s: %w", id, err)
	}
	return t, nil
}

// Update applies mutations to the record, enforcing the lifecycle. Status
// changes move the id between status indices atomically with respect to
// other writers. A missing record gets a synthesized pending placeholder
// so out-of-order at-least-once updates are not lost.
//
// Terminal records reject every mutation with ErrTerminalState.
func (s *Store) Update(ctx context.Context, id string, muts ...Mutation) (Task, error) {
	cur, err := s.Get(ctx, id)
	placeholder := false
	if errors.Is(err, ErrNotFound) {
		placeholder = true
		cur = Task{
			ID:        id,
			Status:    StatusPending,
			CreatedAt: s.now().UTC(),
		}
	} else if err != nil {
		return Task{}, err
	}

	if cur.Status.Terminal() {
		return Task{}, fmt.Errorf("%w: %s is %s", ErrTerminalState, id, cur.Status)
	}

	next := cur
	for _, m := range muts {
		m(&next)
	}
	next.ID = cur.ID
	next.CreatedAt = cur.CreatedAt

	if next.Status != cur.Status {
		if !next.Status.Valid() {
			return Task{}, fmt.Errorf("%w: %s -> %q", ErrInvalidTransition, cur.Status, next.Status)
		}
		if !CanTransition(cur.Status, next.Status) {
			return Task{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, next.Status)
		}
		now := s.now().UTC()
		if next.Status == StatusRunning && next.StartedAt == nil {
			next.StartedAt = &now
		}
		if next.Status.Terminal() && next.CompletedAt == nil {
			next.CompletedAt = &now
		}
		// A new attempt out of retry.
		if cur.Status == StatusRetry && next.Status == StatusPending {
			next.RetryCount = cur.RetryCount + 1
		}
	}

	data, err := json.Marshal(next)
	if err != nil {
		return Task{}, fmt.Errorf("taskstore: encode %s: %w", id, err)
	}
	if err := s.store.Set(ctx, recordKey(id), data, s.retention); err != nil {
		return Task{}, err
	}

	score := float64(next.CreatedAt.UnixMilli())
	switch {
	case next.Status != cur.Status:
		// ZMove inserts into the destination even when the source never
		// held the id, which covers placeholders in one step.
		if err := s.store.ZMove(ctx, statusKey(cur.Status), statusKey(next.Status), id, score); err != nil {
			return Task{}, err
		}
	case placeholder:
		if err := s.store.ZAdd(ctx, statusKey(next.Status), id, score); err != nil {
			return Task{}, err
		}
	}
	if placeholder && next.Type != "" {
		if err := s.store.ZAdd(ctx, typeKey(next.Type), id, score); err != nil {
			return Task{}, err
		}
	}

	if next.Status != cur.Status {
		s.count(ctx, next.Status)
	}
	return next, nil
}

func (s *Store) count(ctx context.Context, to Status) {
	var field string
	switch {
	case to.Terminal():
		field = string(to)
	case to == StatusRetry:
		field = "retries"
	default:
		return
	}
	if _, err := s.store.HIncrBy(ctx, statsKey, field, 1); err != nil {
		s.log.Debug("taskstore: stats update failed", logx.Err(err))
	}
}

// Filter narrows List to one dimension. Zero value lists everything.
type Filter struct {
	Status Status
	Type   string
}

// List pages through tasks in creation order. A status or type filter
// reads one index; unfiltered reads merge every status index and sort,
// which costs more, so paginate conservatively.
func (s *Store) List(ctx context.Context, f Filter, limit, offset int64) ([]Task, error) {
	if f.Status != "" && f.Type != "" {
		return nil, errors.New("taskstore: filter by status or type, not both")
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	var members []store.Member
	switch {
	case f.Status != "":
		if !f.Status.Valid() {
			return nil, fmt.Errorf("taskstore: unknown status %q", f.Status)
		}
		m, err := s.store.ZRange(ctx, statusKey(f.Status), offset, limit)
		if err != nil {
			return nil, err
		}
		members = m
	case f.Type != "":
		m, err := s.store.ZRange(ctx, typeKey(f.Type), offset, limit)
		if err != nil {
			return nil, err
		}
		members = m
	default:
		all, err := s.mergeStatusIndices(ctx)
		if err != nil {
			return nil, err
		}
		if offset >= int64(len(all)) {
			return nil, nil
		}
		all = all[offset:]
		if limit < int64(len(all)) {
			all = all[:limit]
		}
		members = all
	}

	out := make([]Task, 0, len(members))
	for _, m := range members {
		t, err := s.Get(ctx, m.Value)
		if errors.Is(err, ErrNotFound) {
			// Record expired under the index entry; the janitor will
			// sweep it.
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) mergeStatusIndices(ctx context.Context) ([]store.Member, error) {
	var all []store.Member
	for _, st := range AllStatuses {
		m, err := s.store.ZRange(ctx, statusKey(st), 0, -1)
		if err != nil {
			return nil, err
		}
		all = append(all, m...)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Score != all[j].Score {
			return all[i].Score < all[j].Score
		}
		return all[i].Value < all[j].Value
	})
	return all, nil
}

// QueueStats is a point-in-time census plus cumulative counters.
type QueueStats struct {
	ByStatus map[Status]int64 `json:"by_status"`
	Total    int64            `json:"total"`

	// Counters accumulate across the deployment lifetime: created,
	// success, failed, cancelled, retries.
	Counters map[string]int64 `json:"counters"`
}

func (s *Store) QueueStats(ctx context.Context) (QueueStats, error) {
	qs := QueueStats{ByStatus: make(map[Status]int64, len(AllStatuses))}
	for _, st := range AllStatuses {
		n, err := s.store.ZCard(ctx, statusKey(st))
		if err != nil {
			return QueueStats{}, err
		}
		qs.ByStatus[st] = n
		qs.Total += n
	}
	counters, err := s.store.HGetAll(ctx, statsKey)
	if err != nil {
		return QueueStats{}, err
	}
	qs.Counters = counters
	return qs, nil
}

// CancelledEvent is the payload on task.cancelled events.
type CancelledEvent struct {
	TaskID   string `json:"task_id"`
	TaskType string `json:"task_type"`
	BatchID  string `json:"batch_id,omitempty"`
	Status   Status `json:"status"`
}

// Cancel force-moves a pending or running task to cancelled. The dispatch
// revoke is best-effort; the status flip is authoritative either way, and
// a worker that already picked the task up will fail its terminal update.
func (s *Store) Cancel(ctx context.Context, id string) (Task, error) {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return Task{}, err
	}
	if cur.Status.Terminal() {
		return Task{}, fmt.Errorf("%w: %s is %s", ErrTerminalState, id, cur.Status)
	}
	if cur.Status != StatusPending && cur.Status != StatusRunning {
		return Task{}, fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, cur.Status)
	}

	if s.revoker != nil && cur.DispatchHandle != "" {
		if revoked := s.revoker.Revoke(ctx, cur.DispatchHandle); revoked {
			s.log.Debug("taskstore: dispatch revoked", logx.String("task", id))
		}
	}
	cancelled, err := s.Update(ctx, id, SetStatus(StatusCancelled))
	if err != nil {
		return Task{}, err
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Type: eventbus.TypeTaskCancelled,
			Data: CancelledEvent{
				TaskID:   cancelled.ID,
				TaskType: cancelled.Type,
				BatchID:  cancelled.ParentBatchID,
				Status:   cancelled.Status,
			},
		})
	}
	return cancelled, nil
}

// Delete removes the record and every index entry. Retention TTL handles
// the common case; Delete is for operators who want a task gone now.
func (s *Store) Delete(ctx context.Context, id string) error {
	cur, err := s.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		// Sweep any stale index entries left behind by record expiry.
		for _, st := range AllStatuses {
			if rerr := s.store.ZRem(ctx, statusKey(st), id); rerr != nil {
				return rerr
			}
		}
		return err
	}
	if err != nil {
		return err
	}

	if err := s.store.ZRem(ctx, statusKey(cur.Status), id); err != nil {
		return err
	}
	if cur.Type != "" {
		if err := s.store.ZRem(ctx, typeKey(cur.Type), id); err != nil {
			return err
		}
	}
	if cur.ParentBatchID != "" {
		if err := s.store.ZRem(ctx, batchKey(cur.ParentBatchID), id); err != nil {
			return err
		}
	}
	return s.store.Delete(ctx, recordKey(id))
}

// ListBatch returns every task created under one batch id, in creation
// order. Tasks whose records have expired are skipped.
func (s *Store) ListBatch(ctx context.Context, batchID string) ([]Task, error) {
	members, err := s.store.ZRange(ctx, batchKey(batchID), 0, -1)
	if err != nil {
		return nil, err
	}
	out := make([]Task, 0, len(members))
	for _, m := range members {
		t, err := s.Get(ctx, m.Value)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// RepairDrift removes index members whose record has expired: status
// indices, plus every type index reachable through the type registry.
// Returns how many entries were dropped.
func (s *Store) RepairDrift(ctx context.Context) (int64, error) {
	var removed int64

	keys := make([]string, 0, len(AllStatuses)+8)
	for _, st := range AllStatuses {
		keys = append(keys, statusKey(st))
	}
	types, err := s.store.ZRange(ctx, typeRegistryKey, 0, -1)
	if err != nil {
		return 0, err
	}
	for _, tm := range types {
		keys = append(keys, typeKey(tm.Value))
	}

	for _, key := range keys {
		members, err := s.store.ZRange(ctx, key, 0, -1)
		if err != nil {
			return removed, err
		}
		for _, m := range members {
			_, err := s.store.Get(ctx, recordKey(m.Value))
			if err == nil {
				continue
			}
			if !errors.Is(err, store.ErrNotFound) {
				return removed, err
			}
			if err := s.store.ZRem(ctx, key, m.Value); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

// PruneBatchIndices drops whole batch indices older than the cutoff. The
// member tasks expired with the retention TTL long before.
func (s *Store) PruneBatchIndices(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := float64(s.now().Add(-olderThan).UnixMilli())
	batches, err := s.store.ZRange(ctx, batchRegistry, 0, -1)
	if err != nil {
		return 0, err
	}
	var removed int64
	for _, b := range batches {
		if b.Score > cutoff {
			continue
		}
		if err := s.store.Delete(ctx, batchKey(b.Value)); err != nil {
			return removed, err
		}
		if err := s.store.ZRem(ctx, batchRegistry, b.Value); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
