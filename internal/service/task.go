// Package service implements TaskForge business logic on top of the ports.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/evecore/taskforge/internal/adapter/otel"
	"github.com/evecore/taskforge/internal/adapter/ws"
	"github.com/evecore/taskforge/internal/domain"
	"github.com/evecore/taskforge/internal/domain/assignment"
	"github.com/evecore/taskforge/internal/domain/task"
	"github.com/evecore/taskforge/internal/logger"
	"github.com/evecore/taskforge/internal/port/broadcast"
	"github.com/evecore/taskforge/internal/port/database"
	"github.com/evecore/taskforge/internal/port/messagequeue"
	"github.com/evecore/taskforge/internal/queue"
	"github.com/evecore/taskforge/internal/registry"
)

// TaskService handles task lifecycle operations: creation, querying,
// cancellation and manual retries.
type TaskService struct {
	store    database.Store
	queue    *queue.Queue
	registry *registry.Registry
	mq       messagequeue.Queue
	hub      broadcast.Broadcaster
	metrics  *otel.Metrics
}

// NewTaskService creates a new TaskService.
func NewTaskService(
	store database.Store,
	q *queue.Queue,
	reg *registry.Registry,
	mq messagequeue.Queue,
	hub broadcast.Broadcaster,
	metrics *otel.Metrics,
) *TaskService {
	return &TaskService{store: store, queue: q, registry: reg, mq: mq, hub: hub, metrics: metrics}
}

// Create validates the request, persists the task and admits it to the
// dispatch queue. The caller identity from the request context becomes the
// task owner.
func (s *TaskService) Create(ctx context.Context, req task.CreateRequest) (*task.Task, error) {
	if err := req.Normalize(); err != nil {
		return nil, err
	}

	t, err := s.store.CreateTask(ctx, logger.CallerID(ctx), req)
	if err != nil {
		return nil, err
	}
	s.metrics.TasksCreated.Add(ctx, 1)

	if err := s.admit(ctx, t); err != nil {
		// The task exists in pending state; surface the admission error.
		return t, err
	}

	slog.Info("task created", "task_id", t.ID, "type", t.Type, "priority", t.Priority, "owner", t.OwnerID)
	return t, nil
}

// CreateBatch creates up to the request's limit of independent tasks
// atomically. Each member is validated before any row is written.
func (s *TaskService) CreateBatch(ctx context.Context, req task.BatchRequest) ([]task.Task, error) {
	if err := req.Normalize(); err != nil {
		return nil, err
	}

	tasks, err := s.store.CreateTasks(ctx, logger.CallerID(ctx), req.Tasks)
	if err != nil {
		return nil, err
	}
	s.metrics.TasksCreated.Add(ctx, int64(len(tasks)))

	for i := range tasks {
		if err := s.admit(ctx, &tasks[i]); err != nil {
			slog.Error("batch task admission failed", "task_id", tasks[i].ID, "error", err)
		}
	}

	slog.Info("task batch created", "count", len(tasks), "owner", logger.CallerID(ctx))
	return tasks, nil
}

// admit moves a freshly created task from pending to queued and pushes it
// into the in-memory priority queue.
func (s *TaskService) admit(ctx context.Context, t *task.Task) error {
	if err := s.store.MarkQueued(ctx, t.ID); err != nil {
		return fmt.Errorf("admit task %s: %w", t.ID, err)
	}
	t.Status = task.StatusQueued
	s.queue.Push(t.ID, t.Type, t.Priority, time.Time{})

	s.hub.BroadcastEvent(ctx, ws.EventTaskStatus, ws.TaskStatusEvent{
		TaskID:  t.ID,
		OwnerID: t.OwnerID,
		Status:  string(task.StatusQueued),
	})
	return nil
}

// Get returns a task by ID.
func (s *TaskService) Get(ctx context.Context, id string) (*task.Task, error) {
	return s.store.GetTask(ctx, id)
}

// List returns a filtered page of tasks and the total match count.
func (s *TaskService) List(ctx context.Context, f task.Filter) ([]task.Task, int, error) {
	if err := f.Normalize(); err != nil {
		return nil, 0, err
	}
	return s.store.ListTasks(ctx, f)
}

// Update mutates a task that has not been dispatched yet. A priority
// change also reorders the task's queue entry.
func (s *TaskService) Update(ctx context.Context, id string, req task.UpdateRequest) (*task.Task, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	t, err := s.store.UpdateTask(ctx, id, req)
	if err != nil {
		return nil, err
	}

	if req.Priority != nil {
		s.queue.Reprioritize(id, *req.Priority)
	}
	return t, nil
}

// checkOwnership rejects mutations of owned tasks by other callers.
// Tasks created without an owner are open to everyone.
func (s *TaskService) checkOwnership(ctx context.Context, id string) error {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if t.OwnerID != "" && t.OwnerID != logger.CallerID(ctx) {
		return fmt.Errorf("task %s belongs to %s: %w", id, t.OwnerID, domain.ErrForbidden)
	}
	return nil
}

// Cancel terminates a task from any non-terminal state. An assigned or
// processing task has its worker released and receives a cooperative
// cancel signal; the in-flight attempt's result will be ignored.
func (s *TaskService) Cancel(ctx context.Context, id, reason string) (*task.Task, error) {
	if err := s.checkOwnership(ctx, id); err != nil {
		return nil, err
	}

	t, workerID, err := s.store.CancelTask(ctx, id, reason)
	if err != nil {
		return nil, err
	}

	s.queue.Remove(id)
	s.metrics.TasksCancelled.Add(ctx, 1)

	if workerID != "" {
		s.registry.Release(workerID)
		s.signalCancel(ctx, id, workerID, reason)
	}

	s.hub.BroadcastEvent(ctx, ws.EventTaskStatus, ws.TaskStatusEvent{
		TaskID:  t.ID,
		OwnerID: t.OwnerID,
		Status:  string(task.StatusCancelled),
	})

	slog.Info("task cancelled", "task_id", id, "reason", reason, "worker_id", workerID)
	return t, nil
}

// signalCancel tells the worker to stop an in-flight attempt. Best-effort:
// the task is already terminal and any late result is discarded.
func (s *TaskService) signalCancel(ctx context.Context, taskID, workerID, reason string) {
	data, err := json.Marshal(messagequeue.TaskCancelPayload{
		TaskID:   taskID,
		WorkerID: workerID,
		Reason:   reason,
	})
	if err != nil {
		slog.Error("marshal cancel payload", "task_id", taskID, "error", err)
		return
	}
	if err := s.mq.Publish(ctx, messagequeue.SubjectTaskCancel, data); err != nil {
		slog.Error("publish cancel signal", "task_id", taskID, "worker_id", workerID, "error", err)
	}
}

// Retry manually requeues a failed task. Without Force the task must have
// attempts remaining; Force bypasses the limit once. Either way the retry
// consumes an attempt for audit purposes.
func (s *TaskService) Retry(ctx context.Context, id string, req task.RetryRequest) (*task.Task, error) {
	if err := s.checkOwnership(ctx, id); err != nil {
		return nil, err
	}

	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusFailed {
		return nil, fmt.Errorf("retry task %s: status is %s: %w", id, t.Status, domain.ErrConflict)
	}
	if !req.Force && t.AttemptCount >= t.MaxAttempts {
		return nil, fmt.Errorf("retry task %s: %d/%d attempts used: %w",
			id, t.AttemptCount, t.MaxAttempts, domain.ErrConflict)
	}

	t, err = s.store.RequeueTask(ctx, id, true)
	if err != nil {
		return nil, err
	}

	// Manual retries skip the backoff window.
	s.queue.Push(t.ID, t.Type, t.Priority, time.Time{})
	s.metrics.TasksRetried.Add(ctx, 1)

	s.hub.BroadcastEvent(ctx, ws.EventTaskStatus, ws.TaskStatusEvent{
		TaskID:  t.ID,
		OwnerID: t.OwnerID,
		Status:  string(task.StatusQueued),
		Attempt: t.AttemptCount,
	})

	slog.Info("task retried", "task_id", id, "attempt", t.AttemptCount, "force", req.Force, "reason", req.Reason)
	return t, nil
}

// BulkResult reports the outcome of one member of a bulk operation.
type BulkResult struct {
	TaskID string `json:"task_id"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

// BulkCancel cancels several tasks. Failures are reported per task and do
// not abort the rest of the batch.
func (s *TaskService) BulkCancel(ctx context.Context, req task.BulkRequest) []BulkResult {
	results := make([]BulkResult, 0, len(req.TaskIDs))
	for _, id := range req.TaskIDs {
		if _, err := s.Cancel(ctx, id, req.Reason); err != nil {
			results = append(results, BulkResult{TaskID: id, Error: err.Error()})
			continue
		}
		results = append(results, BulkResult{TaskID: id, OK: true})
	}
	return results
}

// BulkRetry retries several failed tasks with per-task outcomes.
func (s *TaskService) BulkRetry(ctx context.Context, req task.BulkRequest) []BulkResult {
	results := make([]BulkResult, 0, len(req.TaskIDs))
	for _, id := range req.TaskIDs {
		if _, err := s.Retry(ctx, id, task.RetryRequest{Force: req.Force, Reason: req.Reason}); err != nil {
			results = append(results, BulkResult{TaskID: id, Error: err.Error()})
			continue
		}
		results = append(results, BulkResult{TaskID: id, OK: true})
	}
	return results
}

// QueuePosition returns the task's 1-based position in the dispatch queue.
// Tasks that are not currently queued yield domain.ErrConflict.
func (s *TaskService) QueuePosition(ctx context.Context, id string) (int, error) {
	if _, err := s.store.GetTask(ctx, id); err != nil {
		return 0, err
	}
	pos, ok := s.queue.PositionOf(id)
	if !ok {
		return 0, fmt.Errorf("task %s is not queued: %w", id, domain.ErrConflict)
	}
	return pos, nil
}

// Assignments returns the dispatch history of a task, oldest first.
func (s *TaskService) Assignments(ctx context.Context, id string) ([]assignment.Assignment, error) {
	if _, err := s.store.GetTask(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListAssignmentsByTask(ctx, id)
}
