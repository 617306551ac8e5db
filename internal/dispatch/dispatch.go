// Package dispatch hands accepted tasks to whatever executes them. The
// scheduler only depends on the Dispatcher interface; Queue is the
// in-process implementation used by the single-binary deployment, and
// remote transports implement the same contract elsewhere.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// Priority bands. Anything above high is clamped to high, anything below
// low to low.
const (
	PriorityLow    = -1
	PriorityNormal = 0
	PriorityHigh   = 1
)

// Item is one queued unit of work.
type Item struct {
	TaskID   string
	Payload  json.RawMessage
	Priority int
	Handle   string
}

// Dispatcher accepts tasks for execution.
//
// Submit must not block; a full transport reports ErrQueueFull and the
// caller decides whether that fails the task or retries later. Revoke is
// best-effort: true means the task will not be handed to a worker, false
// means it may already be running.
type Dispatcher interface {
	Submit(ctx context.Context, taskID string, payload json.RawMessage, priority int) (handle string, err error)
	Revoke(ctx context.Context, handle string) bool
}

// ErrQueueFull reports that the dispatch backlog is at capacity.
var ErrQueueFull = errors.New("dispatch: queue full")

// ErrClosed reports a Submit after Close.
var ErrClosed = errors.New("dispatch: queue closed")

// Queue is the in-process Dispatcher: three buffered bands drained
// high-first by workers. Revoked handles become tombstones that Next
// silently drops, so a cancel does not have to hunt through channels.
type Queue struct {
	high   chan Item
	normal chan Item
	low    chan Item

	mu        sync.Mutex
	tombstone map[string]struct{}
	closed    bool
}

// NewQueue sizes each band at capacity. capacity <= 0 defaults to 256.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 256
	}
	return &Queue{
		high:      make(chan Item, capacity),
		normal:    make(chan Item, capacity),
		low:       make(chan Item, capacity),
		tombstone: make(map[string]struct{}),
	}
}

func (q *Queue) band(priority int) chan Item {
	switch {
	case priority >= PriorityHigh:
		return q.high
	case priority <= PriorityLow:
		return q.low
	default:
		return q.normal
	}
}

func (q *Queue) Submit(_ context.Context, taskID string, payload json.RawMessage, priority int) (string, error) {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return "", ErrClosed
	}

	item := Item{
		TaskID:   taskID,
		Payload:  payload,
		Priority: priority,
		Handle:   uuid.NewString(),
	}
	select {
	case q.band(priority) <- item:
		return item.Handle, nil
	default:
		return "", ErrQueueFull
	}
}

func (q *Queue) Revoke(_ context.Context, handle string) bool {
	if handle == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.tombstone[handle] = struct{}{}
	return true
}

// Next blocks until an item is available or ctx ends. Higher bands win
// whenever they hold work; revoked items are consumed and skipped.
func (q *Queue) Next(ctx context.Context) (Item, error) {
	for {
		item, err := q.next(ctx)
		if err != nil {
			return Item{}, err
		}
		if q.revoked(item.Handle) {
			continue
		}
		return item, nil
	}
}

func (q *Queue) next(ctx context.Context) (Item, error) {
	// Drain priority order without blocking first.
	select {
	case item := <-q.high:
		return item, nil
	default:
	}
	select {
	case item := <-q.high:
		return item, nil
	case item := <-q.normal:
		return item, nil
	default:
	}
	select {
	case <-ctx.Done():
		return Item{}, ctx.Err()
	case item := <-q.high:
		return item, nil
	case item := <-q.normal:
		return item, nil
	case item := <-q.low:
		return item, nil
	}
}

func (q *Queue) revoked(handle string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.tombstone[handle]; ok {
		delete(q.tombstone, handle)
		return true
	}
	return false
}

// Depth reports queued items per band plus total, for observability.
func (q *Queue) Depth() (high, normal, low, total int) {
	high, normal, low = len(q.high), len(q.normal), len(q.low)
	return high, normal, low, high + normal + low
}

// Close stops accepting submissions. Queued items remain drainable via
// Next so workers can finish the backlog during shutdown.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}
