package taskstore

import (
	"encoding/json"
	"errors"
	"time"
)

// Status is the task lifecycle state.
//
//	pending -> running -> {success, failed, retry, cancelled}
//	retry   -> pending  (new attempt, retry_count+1)
//
// success, failed and cancelled are terminal. pending and running may be
// force-moved to cancelled; pending may be failed directly when dispatch
// never accepted the task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusRetry     Status = "retry"
	StatusCancelled Status = "cancelled"
)

// AllStatuses lists every lifecycle state, in index-scan order.
var AllStatuses = []Status{
	StatusPending, StatusRunning, StatusSuccess,
	StatusFailed, StatusRetry, StatusCancelled,
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSuccess,
		StatusFailed, StatusRetry, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning: {StatusSuccess, StatusFailed, StatusRetry, StatusCancelled},
	StatusRetry:   {StatusPending},
}

// CanTransition reports whether from -> to is a legal move. Same-status
// writes are always legal so at-least-once updates stay idempotent.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Task is the persistent record of one unit of work. Payload is opaque to
// the scheduler; executors decode it.
type Task struct {
	ID            string          `json:"task_id"`
	Type          string          `json:"task_type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Priority      int             `json:"priority"`
	ParentBatchID string          `json:"parent_batch_id,omitempty"`

	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Error      string          `json:"error,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	RetryCount int             `json:"retry_count"`

	// DispatchHandle is the Work Dispatch receipt, kept so Cancel can
	// attempt a revoke. WorkerID records who executed the task.
	DispatchHandle string `json:"dispatch_handle,omitempty"`
	WorkerID       string `json:"worker_id,omitempty"`
}

var (
	ErrDuplicateTask     = errors.New("taskstore: duplicate task id")
	ErrNotFound          = errors.New("taskstore: task not found")
	ErrTerminalState     = errors.New("taskstore: task is in a terminal state")
	ErrInvalidTransition = errors.New("taskstore: illegal status transition")
)

// Mutation edits a task draft inside Update.
type Mutation func(*Task)

func SetStatus(s Status) Mutation {
	return func(t *Task) { t.Status = s }
}

func SetError(msg string) Mutation {
	return func(t *Task) { t.Error = msg }
}

func SetResult(raw json.RawMessage) Mutation {
	return func(t *Task) { t.Result = raw }
}

func SetDispatchHandle(handle string) Mutation {
	return func(t *Task) { t.DispatchHandle = handle }
}

func SetWorkerID(id string) Mutation {
	return func(t *Task) { t.WorkerID = id }
}
