package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/evecore/taskforge/internal/adapter/otel"
	"github.com/evecore/taskforge/internal/adapter/ws"
	"github.com/evecore/taskforge/internal/config"
	"github.com/evecore/taskforge/internal/domain"
	"github.com/evecore/taskforge/internal/domain/task"
	"github.com/evecore/taskforge/internal/domain/worker"
	"github.com/evecore/taskforge/internal/port/broadcast"
	"github.com/evecore/taskforge/internal/port/database"
	"github.com/evecore/taskforge/internal/port/messagequeue"
	"github.com/evecore/taskforge/internal/queue"
	"github.com/evecore/taskforge/internal/registry"
	"github.com/evecore/taskforge/internal/resilience"
)

// Dispatcher drives the task state machine: it drains the priority queue
// into available workers, consumes worker events from the message queue,
// and requeues failed tasks with exponential backoff until their attempts
// run out.
type Dispatcher struct {
	store    database.Store
	queue    *queue.Queue
	registry *registry.Registry
	mq       messagequeue.Queue
	breakers *resilience.Group
	hub      broadcast.Broadcaster
	metrics  *otel.Metrics
	waits    *WaitTracker
	cfg      config.Dispatch

	now func() time.Time // for testing
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(
	store database.Store,
	q *queue.Queue,
	reg *registry.Registry,
	mq messagequeue.Queue,
	breakers *resilience.Group,
	hub broadcast.Broadcaster,
	metrics *otel.Metrics,
	waits *WaitTracker,
	cfg config.Dispatch,
) *Dispatcher {
	return &Dispatcher{
		store:    store,
		queue:    q,
		registry: reg,
		mq:       mq,
		breakers: breakers,
		hub:      hub,
		metrics:  metrics,
		waits:    waits,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Rebuild replays queued tasks from the store into the in-memory queue.
// Called once on startup so a restart does not strand queued work.
func (d *Dispatcher) Rebuild(ctx context.Context) error {
	tasks, err := d.store.ListQueuedTasks(ctx)
	if err != nil {
		return fmt.Errorf("rebuild queue: %w", err)
	}
	for i := range tasks {
		d.queue.Push(tasks[i].ID, tasks[i].Type, tasks[i].Priority, time.Time{})
	}
	slog.Info("queue rebuilt", "tasks", len(tasks))
	return nil
}

// Run is the dispatch loop. It wakes on queue activity or on the ticker,
// whichever comes first, and assigns as many tasks as workers can take.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-d.queue.Wake():
		}
		d.dispatch(ctx)
	}
}

// dispatch drains the queue until no task has an eligible worker pool.
// A task whose pool is saturated is skipped, not blocking tasks behind it
// that target other pools.
func (d *Dispatcher) dispatch(ctx context.Context) {
	for {
		e := d.queue.PopNext(d.now(), d.poolEligible)
		if e == nil {
			return
		}
		d.assign(ctx, e)
	}
}

// poolEligible reports whether the pool serving a task type can accept
// work right now.
func (d *Dispatcher) poolEligible(tt task.Type) bool {
	pool := worker.PoolFor(tt)
	return d.registry.HasCapacity(pool) && d.breakers.Get(string(pool)).Ready()
}

// assign moves one popped queue entry to a worker. The pop is tentative:
// the compare-and-set in MarkAssigned is the serialization point, and an
// entry that loses a race against cancel is simply dropped.
func (d *Dispatcher) assign(ctx context.Context, e *queue.Entry) {
	t, err := d.store.GetTask(ctx, e.TaskID)
	if err != nil {
		slog.Error("load popped task", "task_id", e.TaskID, "error", err)
		return
	}
	if t.Status != task.StatusQueued {
		// Cancelled or already picked up elsewhere; drop the entry.
		return
	}

	pool := worker.PoolFor(t.Type)
	w := d.registry.Available(pool)
	if w == nil {
		// Capacity raced away between the eligibility check and now.
		d.queue.Push(t.ID, t.Type, t.Priority, time.Time{})
		return
	}
	if err := d.registry.Acquire(w.ID); err != nil {
		d.queue.Push(t.ID, t.Type, t.Priority, time.Time{})
		return
	}

	a, err := d.store.MarkAssigned(ctx, t.ID, w.ID)
	if err != nil {
		d.registry.Release(w.ID)
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
			// A concurrent transition owns this task now.
			return
		}
		slog.Error("mark assigned", "task_id", t.ID, "error", err)
		d.queue.Push(t.ID, t.Type, t.Priority, time.Time{})
		return
	}

	if err := d.publishAssignment(ctx, t, a.ID, w.ID, pool); err != nil {
		// The worker never saw the task; count the attempt as failed so
		// the retry controller takes over.
		slog.Error("publish assignment", "task_id", t.ID, "worker_id", w.ID, "error", err)
		d.registry.Release(w.ID)
		ft, ferr := d.store.FailTask(ctx, t.ID, "assignment delivery failed: "+err.Error())
		if ferr != nil {
			slog.Error("fail undelivered task", "task_id", t.ID, "error", ferr)
			return
		}
		d.metrics.TasksFailed.Add(ctx, 1)
		d.maybeRequeue(ctx, ft)
		return
	}

	wait := d.now().Sub(t.UpdatedAt)
	d.waits.Observe(wait)
	d.metrics.TasksDispatched.Add(ctx, 1)
	d.metrics.DispatchLatency.Record(ctx, wait.Seconds())

	d.hub.BroadcastEvent(ctx, ws.EventTaskStatus, ws.TaskStatusEvent{
		TaskID:   t.ID,
		OwnerID:  t.OwnerID,
		Status:   string(task.StatusAssigned),
		WorkerID: w.ID,
		Attempt:  t.AttemptCount + 1,
	})
	slog.Info("task assigned", "task_id", t.ID, "worker_id", w.ID, "pool", pool, "wait", wait)
}

// publishAssignment sends the attempt to the pool's subject through its
// circuit breaker.
func (d *Dispatcher) publishAssignment(ctx context.Context, t *task.Task, assignmentID, workerID string, pool worker.Type) error {
	spanCtx, span := otel.StartDispatchSpan(ctx, t.ID, workerID, t.AttemptCount+1)
	defer span.End()

	data, err := json.Marshal(messagequeue.AssignmentPayload{
		AssignmentID: assignmentID,
		TaskID:       t.ID,
		WorkerID:     workerID,
		Description:  t.Description,
		Type:         string(t.Type),
		Metadata:     t.Metadata,
		ContextData:  t.ContextData,
		Attempt:      t.AttemptCount + 1,
	})
	if err != nil {
		return fmt.Errorf("marshal assignment: %w", err)
	}

	return d.breakers.Execute(string(pool), func() error {
		return d.mq.Publish(spanCtx, messagequeue.AssignSubject(string(pool)), data)
	})
}

// Subscribe wires the worker-facing message queue subjects to their
// handlers. The returned stop function cancels all subscriptions.
func (d *Dispatcher) Subscribe(ctx context.Context) (func(), error) {
	var stops []func()
	stopAll := func() {
		for _, stop := range stops {
			stop()
		}
	}

	subs := []struct {
		subject string
		handler messagequeue.Handler
	}{
		{messagequeue.SubjectTaskStarted, d.handleStarted},
		{messagequeue.SubjectTaskResult, d.handleResult},
		{messagequeue.SubjectWorkerHeartbeat, d.handleHeartbeat},
	}
	for _, sub := range subs {
		stop, err := d.mq.Subscribe(ctx, sub.subject, sub.handler)
		if err != nil {
			stopAll()
			return nil, fmt.Errorf("subscribe %s: %w", sub.subject, err)
		}
		stops = append(stops, stop)
	}
	return stopAll, nil
}

// handleStarted marks a task processing when the worker acknowledges it.
func (d *Dispatcher) handleStarted(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.TaskStartedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		slog.Error("malformed started payload", "error", err)
		return nil // unparseable: ack, redelivery cannot help
	}

	if err := d.store.MarkProcessing(ctx, p.TaskID); err != nil {
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
			// Lost a race against cancel; the worker will get the signal.
			slog.Debug("stale started event", "task_id", p.TaskID, "error", err)
			return nil
		}
		return err
	}

	d.hub.BroadcastEvent(ctx, ws.EventTaskStatus, ws.TaskStatusEvent{
		TaskID:   p.TaskID,
		Status:   string(task.StatusProcessing),
		WorkerID: p.WorkerID,
	})
	return nil
}

// handleResult resolves a worker's attempt outcome. A result arriving
// after the task was cancelled loses the compare-and-set and is dropped;
// only a committed transition releases the worker's load, since the race
// winner released it already.
func (d *Dispatcher) handleResult(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.TaskResultPayload
	if err := json.Unmarshal(data, &p); err != nil {
		slog.Error("malformed result payload", "error", err)
		return nil
	}

	if p.Success {
		return d.completeTask(ctx, p)
	}
	return d.failTask(ctx, p)
}

func (d *Dispatcher) completeTask(ctx context.Context, p messagequeue.TaskResultPayload) error {
	err := d.store.CompleteTask(ctx, p.TaskID, task.Result{
		Output:     p.Output,
		WorkerID:   p.WorkerID,
		DurationMS: p.DurationMS,
		CostUSD:    p.CostUSD,
	})
	if err != nil {
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
			// Whoever won the race already released the worker's load.
			slog.Info("late result discarded", "task_id", p.TaskID, "error", err)
			return nil
		}
		return err
	}

	d.registry.Release(p.WorkerID)
	d.metrics.TasksCompleted.Add(ctx, 1)
	d.metrics.TaskDuration.Record(ctx, float64(p.DurationMS)/1000)

	d.hub.BroadcastEvent(ctx, ws.EventTaskStatus, ws.TaskStatusEvent{
		TaskID:   p.TaskID,
		Status:   string(task.StatusCompleted),
		WorkerID: p.WorkerID,
	})
	slog.Info("task completed", "task_id", p.TaskID, "worker_id", p.WorkerID, "duration_ms", p.DurationMS)
	return nil
}

func (d *Dispatcher) failTask(ctx context.Context, p messagequeue.TaskResultPayload) error {
	ft, err := d.store.FailTask(ctx, p.TaskID, p.Error)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
			slog.Info("late failure discarded", "task_id", p.TaskID, "error", err)
			return nil
		}
		return err
	}

	d.registry.Release(p.WorkerID)
	d.metrics.TasksFailed.Add(ctx, 1)
	slog.Warn("task attempt failed", "task_id", p.TaskID, "worker_id", p.WorkerID,
		"attempt", ft.AttemptCount, "max_attempts", ft.MaxAttempts, "error", p.Error)

	d.maybeRequeue(ctx, ft)
	return nil
}

// maybeRequeue applies the retry policy to a freshly failed task: requeue
// with exponential backoff while attempts remain, otherwise leave it
// failed for a manual retry.
func (d *Dispatcher) maybeRequeue(ctx context.Context, t *task.Task) {
	if t == nil {
		return
	}

	if t.AttemptCount >= t.MaxAttempts {
		d.hub.BroadcastEvent(ctx, ws.EventTaskStatus, ws.TaskStatusEvent{
			TaskID:  t.ID,
			OwnerID: t.OwnerID,
			Status:  string(task.StatusFailed),
			Attempt: t.AttemptCount,
		})
		slog.Warn("task attempts exhausted", "task_id", t.ID, "attempts", t.AttemptCount)
		return
	}

	_, span := otel.StartRetrySpan(ctx, t.ID, t.AttemptCount)
	defer span.End()

	rt, err := d.store.RequeueTask(ctx, t.ID, false)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
			return // cancelled or manually retried in the meantime
		}
		slog.Error("requeue failed task", "task_id", t.ID, "error", err)
		return
	}

	delay := d.backoff(rt.AttemptCount)
	d.queue.Push(rt.ID, rt.Type, rt.Priority, d.now().Add(delay))
	d.metrics.TasksRetried.Add(ctx, 1)

	d.hub.BroadcastEvent(ctx, ws.EventTaskStatus, ws.TaskStatusEvent{
		TaskID:  rt.ID,
		OwnerID: rt.OwnerID,
		Status:  string(task.StatusQueued),
		Attempt: rt.AttemptCount,
	})
	slog.Info("task requeued", "task_id", rt.ID, "attempt", rt.AttemptCount, "backoff", delay)
}

// backoff returns the delay before attempt n+1 may dispatch: base doubled
// per consumed attempt, capped at the configured maximum.
func (d *Dispatcher) backoff(attempts int) time.Duration {
	delay := d.cfg.BackoffBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= d.cfg.BackoffMax {
			return d.cfg.BackoffMax
		}
	}
	if delay > d.cfg.BackoffMax {
		delay = d.cfg.BackoffMax
	}
	return delay
}

// handleHeartbeat refreshes a worker's liveness and reported load.
func (d *Dispatcher) handleHeartbeat(_ context.Context, _ string, data []byte) error {
	var p messagequeue.WorkerHeartbeatPayload
	if err := json.Unmarshal(data, &p); err != nil {
		slog.Error("malformed heartbeat payload", "error", err)
		return nil
	}

	if err := d.registry.Heartbeat(p.WorkerID, p.Load); err != nil {
		// Unknown worker, likely registered with a previous instance.
		slog.Warn("heartbeat from unknown worker", "worker_id", p.WorkerID)
	}
	return nil
}

// RunSweeper periodically declares workers lost after missed heartbeats
// and recovers their in-flight tasks through the retry policy.
func (d *Dispatcher) RunSweeper(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.sweep(ctx)
		}
	}
}

// sweep fails the active assignments of every worker that missed its
// heartbeat window. Sweeping is idempotent: a worker already declared
// unreachable is not reported again.
func (d *Dispatcher) sweep(ctx context.Context) {
	for _, workerID := range d.registry.Sweep() {
		slog.Warn("worker lost", "worker_id", workerID)

		d.hub.BroadcastEvent(ctx, ws.EventWorkerStatus, ws.WorkerStatusEvent{
			WorkerID: workerID,
			Health:   string(worker.Unreachable),
		})

		assignments, err := d.store.ListActiveAssignmentsByWorker(ctx, workerID)
		if err != nil {
			slog.Error("list assignments of lost worker", "worker_id", workerID, "error", err)
			continue
		}
		for i := range assignments {
			ft, err := d.store.FailTask(ctx, assignments[i].TaskID, "worker lost")
			if err != nil {
				if !errors.Is(err, domain.ErrConflict) && !errors.Is(err, domain.ErrNotFound) {
					slog.Error("fail orphaned task", "task_id", assignments[i].TaskID, "error", err)
				}
				continue
			}
			d.metrics.TasksFailed.Add(ctx, 1)
			d.maybeRequeue(ctx, ft)
		}
		d.registry.ResetLoad(workerID)
	}
}
