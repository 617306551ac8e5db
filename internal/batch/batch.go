// Package batch fans a publish request out into one task per planned
// assignment and aggregates per-batch progress.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"pubfleet/internal/assign"
	"pubfleet/internal/dispatch"
	"pubfleet/internal/eventbus"
	"pubfleet/internal/taskstore"
	"pubfleet/pkg/logx"
)

// Request describes one batch submission.
type Request struct {
	Contents []string
	Accounts []assign.Account
	Assign   assign.Config
	TaskType string
	Priority int
}

// Payload is the task payload envelope written for every fanned-out
// task. Workers read platform and account_ref for scoping; executors
// get the rest.
type Payload struct {
	Platform     string `json:"platform,omitempty"`
	AccountRef   string `json:"account_ref"`
	ContentRef   string `json:"content_ref"`
	AccountIndex int    `json:"account_index"`
	ContentIndex int    `json:"content_index"`
}

// FailedTask records one assignment that could not be handed off.
type FailedTask struct {
	TaskID string `json:"task_id"`
	Err    string `json:"error"`
}

// Result reports the fan-out outcome. Submitted+len(Failed) == TotalCount.
type Result struct {
	BatchID    string       `json:"batch_id"`
	TaskIDs    []string     `json:"task_ids"`
	TotalCount int          `json:"total_count"`
	Submitted  int          `json:"submitted"`
	Failed     []FailedTask `json:"failed,omitempty"`
}

// Aggregate is a point-in-time view over one batch.
type Aggregate struct {
	Counts map[taskstore.Status]int `json:"counts"`
	Tasks  []taskstore.Task         `json:"tasks"`
	Done   bool                     `json:"done"`
}

// SubmittedEvent is the payload on batch.submitted events.
type SubmittedEvent struct {
	BatchID    string `json:"batch_id"`
	TaskType   string `json:"task_type"`
	TotalCount int    `json:"total_count"`
	Submitted  int    `json:"submitted"`
	Failed     int    `json:"failed"`
}

// Service orchestrates batch fan-out over the task store and dispatcher.
type Service struct {
	tasks *taskstore.Store
	disp  dispatch.Dispatcher
	bus   eventbus.Bus
	log   logx.Logger
}

type Option func(*Service)

func WithLogger(log logx.Logger) Option {
	return func(s *Service) { s.log = log }
}

func WithBus(bus eventbus.Bus) Option {
	return func(s *Service) { s.bus = bus }
}

func New(tasks *taskstore.Store, disp dispatch.Dispatcher, opts ...Option) *Service {
	s := &Service{
		tasks: tasks,
		disp:  disp,
		log:   logx.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit plans the request, creates one task per assignment and hands
// each to the dispatcher. Individual hand-off failures do not stop the
// fan-out; they are collected so the result stays truthful about what
// actually reached the queue.
func (s *Service) Submit(ctx context.Context, req Request) (Result, error) {
	if req.TaskType == "" {
		return Result{}, errors.New("batch: task type is required")
	}
	plan, err := assign.Plan(req.Contents, req.Accounts, req.Assign)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		BatchID:    uuid.NewString(),
		TotalCount: len(plan),
	}
	for i, a := range plan {
		id := fmt.Sprintf("%s-%d", res.BatchID, i)
		payload, err := json.Marshal(Payload{
			Platform:     a.Platform,
			AccountRef:   a.AccountRef,
			ContentRef:   a.ContentRef,
			AccountIndex: a.AccountIndex,
			ContentIndex: a.ContentIndex,
		})
		if err != nil {
			res.Failed = append(res.Failed, FailedTask{TaskID: id, Err: err.Error()})
			continue
		}

		if _, err := s.tasks.Create(ctx, taskstore.Task{
			ID:            id,
			Type:          req.TaskType,
			Payload:       payload,
			Priority:      req.Priority,
			ParentBatchID: res.BatchID,
		}); err != nil {
			// Never dispatched, so there is nothing to clean up.
			s.log.Warn("batch: task create failed",
				logx.String("batch", res.BatchID), logx.String("task", id), logx.Err(err))
			res.Failed = append(res.Failed, FailedTask{TaskID: id, Err: err.Error()})
			continue
		}

		handle, err := s.disp.Submit(ctx, id, payload, req.Priority)
		if err != nil {
			// The record exists but no worker will ever see it; fail it
			// so the batch aggregate does not hang on a ghost.
			s.log.Warn("batch: dispatch failed",
				logx.String("batch", res.BatchID), logx.String("task", id), logx.Err(err))
			if _, uerr := s.tasks.Update(ctx, id,
				taskstore.SetStatus(taskstore.StatusFailed),
				taskstore.SetError(fmt.Sprintf("dispatch: %v", err))); uerr != nil {
				s.log.Warn("batch: failed-state update failed",
					logx.String("task", id), logx.Err(uerr))
			}
			res.Failed = append(res.Failed, FailedTask{TaskID: id, Err: err.Error()})
			continue
		}

		if _, err := s.tasks.Update(ctx, id, taskstore.SetDispatchHandle(handle)); err != nil {
			s.log.Debug("batch: handle update failed", logx.String("task", id), logx.Err(err))
		}
		res.TaskIDs = append(res.TaskIDs, id)
		res.Submitted++
	}

	s.log.Info("batch: submitted",
		logx.String("batch", res.BatchID),
		logx.String("type", req.TaskType),
		logx.Int("total", res.TotalCount),
		logx.Int("submitted", res.Submitted),
		logx.Int("failed", len(res.Failed)))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Type: eventbus.TypeBatchSubmitted,
			Data: SubmittedEvent{
				BatchID:    res.BatchID,
				TaskType:   req.TaskType,
				TotalCount: res.TotalCount,
				Submitted:  res.Submitted,
				Failed:     len(res.Failed),
			},
		})
	}
	return res, nil
}

// Status aggregates the batch's tasks. Unknown batches (no index
// members) return taskstore.ErrNotFound.
func (s *Service) Status(ctx context.Context, batchID string) (Aggregate, error) {
	tasks, err := s.tasks.ListBatch(ctx, batchID)
	if err != nil {
		return Aggregate{}, err
	}
	if len(tasks) == 0 {
		return Aggregate{}, fmt.Errorf("batch %s: %w", batchID, taskstore.ErrNotFound)
	}

	agg := Aggregate{
		Counts: make(map[taskstore.Status]int, len(taskstore.AllStatuses)),
		Tasks:  tasks,
		Done:   true,
	}
	for _, t := range tasks {
		agg.Counts[t.Status]++
		if !t.Status.Terminal() {
			agg.Done = false
		}
	}
	return agg, nil
}
