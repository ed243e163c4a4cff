package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/evecore/taskforge/internal/config"
	"github.com/evecore/taskforge/internal/domain/task"
	"github.com/evecore/taskforge/internal/domain/worker"
	"github.com/evecore/taskforge/internal/port/messagequeue"
	"github.com/evecore/taskforge/internal/queue"
	"github.com/evecore/taskforge/internal/registry"
	"github.com/evecore/taskforge/internal/resilience"
)

func testDispatchConfig() config.Dispatch {
	return config.Dispatch{
		Interval:    time.Second,
		BackoffBase: time.Second,
		BackoffMax:  time.Minute,
	}
}

type dispatcherHarness struct {
	d     *Dispatcher
	store *mockStore
	q     *queue.Queue
	reg   *registry.Registry
	mq    *mockQueue
	clock time.Time
}

func newDispatcherHarness(t *testing.T) *dispatcherHarness {
	t.Helper()
	h := &dispatcherHarness{
		store: newMockStore(),
		q:     queue.New(),
		reg:   registry.New(30 * time.Second),
		mq:    &mockQueue{},
		clock: time.Now(),
	}
	h.d = NewDispatcher(
		h.store, h.q, h.reg, h.mq,
		resilience.NewGroup(5, time.Minute),
		&mockBroadcaster{}, testMetrics(t), NewWaitTracker(16),
		testDispatchConfig(),
	)
	h.d.now = func() time.Time { return h.clock }
	return h
}

// queueTask creates a task in the store and admits it to the queue, the
// state a freshly created task is in when the dispatcher sees it.
func (h *dispatcherHarness) queueTask(t *testing.T, req task.CreateRequest) *task.Task {
	t.Helper()
	ctx := context.Background()
	if err := req.Normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	created, err := h.store.CreateTask(ctx, "user-1", req)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := h.store.MarkQueued(ctx, created.ID); err != nil {
		t.Fatalf("mark queued: %v", err)
	}
	h.q.Push(created.ID, created.Type, created.Priority, time.Time{})
	return created
}

// lastAssignment decodes the most recent published assignment payload.
func (h *dispatcherHarness) lastAssignment(t *testing.T) messagequeue.AssignmentPayload {
	t.Helper()
	h.mq.mu.Lock()
	defer h.mq.mu.Unlock()
	for i := len(h.mq.published) - 1; i >= 0; i-- {
		if strings.HasPrefix(h.mq.published[i].subject, messagequeue.SubjectAssignPrefix) {
			var p messagequeue.AssignmentPayload
			if err := json.Unmarshal(h.mq.published[i].data, &p); err != nil {
				t.Fatalf("unmarshal assignment: %v", err)
			}
			return p
		}
	}
	t.Fatal("no assignment published")
	return messagequeue.AssignmentPayload{}
}

// reportResult simulates a worker's tasks.result message.
func (h *dispatcherHarness) reportResult(t *testing.T, p messagequeue.TaskResultPayload) {
	t.Helper()
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	if err := h.d.handleResult(context.Background(), messagequeue.SubjectTaskResult, data); err != nil {
		t.Fatalf("handle result: %v", err)
	}
}

func TestDispatchAssignsTask(t *testing.T) {
	h := newDispatcherHarness(t)
	w, _ := h.reg.Register(worker.RegisterRequest{Type: worker.TypeGeneral, Capacity: 1})
	created := h.queueTask(t, task.CreateRequest{Description: "first"})

	h.d.dispatch(context.Background())

	if got := h.store.status(t, created.ID); got != task.StatusAssigned {
		t.Fatalf("expected assigned, got %s", got)
	}
	p := h.lastAssignment(t)
	if p.TaskID != created.ID || p.WorkerID != w.ID {
		t.Fatalf("unexpected assignment payload: %+v", p)
	}
	if p.Attempt != 1 {
		t.Fatalf("expected attempt 1, got %d", p.Attempt)
	}
	got, _ := h.reg.Get(w.ID)
	if got.CurrentLoad != 1 {
		t.Fatalf("expected worker load 1, got %d", got.CurrentLoad)
	}
	if h.q.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", h.q.Len())
	}
}

func TestDispatchPicksLeastLoadedWorker(t *testing.T) {
	h := newDispatcherHarness(t)
	busy, _ := h.reg.Register(worker.RegisterRequest{Type: worker.TypeGeneral, Capacity: 3})
	idle, _ := h.reg.Register(worker.RegisterRequest{Type: worker.TypeGeneral, Capacity: 3})
	_ = h.reg.Acquire(busy.ID)
	_ = h.reg.Acquire(busy.ID)

	h.queueTask(t, task.CreateRequest{Description: "work"})
	h.d.dispatch(context.Background())

	if p := h.lastAssignment(t); p.WorkerID != idle.ID {
		t.Fatalf("expected least-loaded worker %s, got %s", idle.ID, p.WorkerID)
	}
}

func TestDispatchLeavesTaskWhenPoolSaturated(t *testing.T) {
	h := newDispatcherHarness(t)
	created := h.queueTask(t, task.CreateRequest{Description: "waits"})

	h.d.dispatch(context.Background())

	if got := h.store.status(t, created.ID); got != task.StatusQueued {
		t.Fatalf("expected still queued, got %s", got)
	}
	if !h.q.Contains(created.ID) {
		t.Fatal("expected task kept in queue")
	}
}

func TestDispatchDropsCancelledEntry(t *testing.T) {
	h := newDispatcherHarness(t)
	_, _ = h.reg.Register(worker.RegisterRequest{Type: worker.TypeGeneral, Capacity: 1})
	created := h.queueTask(t, task.CreateRequest{Description: "cancelled under us"})

	// Cancelled through the store but the queue entry is still live.
	if _, _, err := h.store.CancelTask(context.Background(), created.ID, "bored"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	h.d.dispatch(context.Background())

	if got := h.store.status(t, created.ID); got != task.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got)
	}
	if h.mq.publishedTo(messagequeue.AssignSubject(string(worker.TypeGeneral))) != 0 {
		t.Fatal("cancelled task must not be published")
	}
}

func TestResultCompletesTask(t *testing.T) {
	h := newDispatcherHarness(t)
	w, _ := h.reg.Register(worker.RegisterRequest{Type: worker.TypeGeneral, Capacity: 1})
	created := h.queueTask(t, task.CreateRequest{Description: "succeeds"})

	ctx := context.Background()
	h.d.dispatch(ctx)

	data, _ := json.Marshal(messagequeue.TaskStartedPayload{TaskID: created.ID, WorkerID: w.ID})
	if err := h.d.handleStarted(ctx, messagequeue.SubjectTaskStarted, data); err != nil {
		t.Fatalf("handle started: %v", err)
	}
	if got := h.store.status(t, created.ID); got != task.StatusProcessing {
		t.Fatalf("expected processing, got %s", got)
	}

	h.reportResult(t, messagequeue.TaskResultPayload{
		TaskID: created.ID, WorkerID: w.ID, Success: true, Output: "done", DurationMS: 1200,
	})

	if got := h.store.status(t, created.ID); got != task.StatusCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
	stored, _ := h.store.GetTask(ctx, created.ID)
	if stored.Result == nil || stored.Result.Output != "done" {
		t.Fatalf("expected result recorded, got %+v", stored.Result)
	}
	got, _ := h.reg.Get(w.ID)
	if got.CurrentLoad != 0 {
		t.Fatalf("expected load released, got %d", got.CurrentLoad)
	}
}

func TestRetryExhaustion(t *testing.T) {
	h := newDispatcherHarness(t)
	w, _ := h.reg.Register(worker.RegisterRequest{Type: worker.TypeGeneral, Capacity: 1})
	created := h.queueTask(t, task.CreateRequest{Description: "always fails", MaxAttempts: 3})

	ctx := context.Background()
	for attempt := 1; attempt <= 3; attempt++ {
		h.d.dispatch(ctx)
		p := h.lastAssignment(t)
		if p.Attempt != attempt {
			t.Fatalf("expected attempt %d, got %d", attempt, p.Attempt)
		}
		h.reportResult(t, messagequeue.TaskResultPayload{
			TaskID: created.ID, WorkerID: w.ID, Success: false, Error: "simulated crash",
		})
		// The retry is hidden behind its backoff window.
		h.clock = h.clock.Add(testDispatchConfig().BackoffMax)
	}

	if got := h.store.status(t, created.ID); got != task.StatusFailed {
		t.Fatalf("expected terminal failed, got %s", got)
	}
	if got := h.store.attempts(t, created.ID); got != 3 {
		t.Fatalf("expected 3 attempts consumed, got %d", got)
	}
	if h.q.Len() != 0 {
		t.Fatal("exhausted task must not requeue")
	}
	// No fourth assignment even with a free worker.
	h.d.dispatch(ctx)
	if n := h.mq.publishedTo(messagequeue.AssignSubject(string(worker.TypeGeneral))); n != 3 {
		t.Fatalf("expected exactly 3 assignments, got %d", n)
	}
}

func TestFailureRequeuesWithBackoff(t *testing.T) {
	h := newDispatcherHarness(t)
	w, _ := h.reg.Register(worker.RegisterRequest{Type: worker.TypeGeneral, Capacity: 1})
	created := h.queueTask(t, task.CreateRequest{Description: "flaky"})

	ctx := context.Background()
	h.d.dispatch(ctx)
	h.reportResult(t, messagequeue.TaskResultPayload{
		TaskID: created.ID, WorkerID: w.ID, Success: false, Error: "timeout",
	})

	if got := h.store.status(t, created.ID); got != task.StatusQueued {
		t.Fatalf("expected requeued, got %s", got)
	}
	// Still inside the backoff window: no dispatch.
	h.d.dispatch(ctx)
	if got := h.store.status(t, created.ID); got != task.StatusQueued {
		t.Fatalf("expected queued during backoff, got %s", got)
	}

	h.clock = h.clock.Add(2 * testDispatchConfig().BackoffBase)
	h.d.dispatch(ctx)
	if got := h.store.status(t, created.ID); got != task.StatusAssigned {
		t.Fatalf("expected assigned after backoff, got %s", got)
	}
	if p := h.lastAssignment(t); p.Attempt != 2 {
		t.Fatalf("expected attempt 2, got %d", p.Attempt)
	}
}

func TestCancelBeatsLateResult(t *testing.T) {
	h := newDispatcherHarness(t)
	w, _ := h.reg.Register(worker.RegisterRequest{Type: worker.TypeGeneral, Capacity: 1})
	created := h.queueTask(t, task.CreateRequest{Description: "cancelled mid-flight"})

	ctx := context.Background()
	h.d.dispatch(ctx)
	if _, _, err := h.store.CancelTask(ctx, created.ID, "user cancelled"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// The worker's success arrives after the cancel won the race. The
	// result is discarded and the message acked, not redelivered.
	h.reportResult(t, messagequeue.TaskResultPayload{
		TaskID: created.ID, WorkerID: w.ID, Success: true, Output: "too late",
	})

	if got := h.store.status(t, created.ID); got != task.StatusCancelled {
		t.Fatalf("expected cancelled to stand, got %s", got)
	}
	stored, _ := h.store.GetTask(ctx, created.ID)
	if stored.Result != nil && stored.Result.Output == "too late" {
		t.Fatal("late result must not overwrite a cancelled task")
	}
}

func TestLateResultDoesNotReleaseLoadTwice(t *testing.T) {
	h := newDispatcherHarness(t)
	w, _ := h.reg.Register(worker.RegisterRequest{Type: worker.TypeGeneral, Capacity: 1})
	first := h.queueTask(t, task.CreateRequest{Description: "cancelled mid-flight"})

	ctx := context.Background()
	h.d.dispatch(ctx)

	// Cancel releases the worker's load, as the task service does.
	_, workerID, err := h.store.CancelTask(ctx, first.ID, "user cancelled")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	h.reg.Release(workerID)

	// The freed slot goes to a second task.
	second := h.queueTask(t, task.CreateRequest{Description: "in flight"})
	h.d.dispatch(ctx)
	if got := h.store.status(t, second.ID); got != task.StatusAssigned {
		t.Fatalf("expected second task assigned, got %s", got)
	}

	// The first task's result straggles in. It lost the race, so it must
	// not release the load the second task is holding.
	h.reportResult(t, messagequeue.TaskResultPayload{
		TaskID: first.ID, WorkerID: w.ID, Success: true, Output: "too late",
	})

	got, _ := h.reg.Get(w.ID)
	if got.CurrentLoad != 1 {
		t.Fatalf("expected load 1 while second task in flight, got %d", got.CurrentLoad)
	}

	// A third task must wait: the capacity-1 worker is genuinely busy.
	third := h.queueTask(t, task.CreateRequest{Description: "must wait"})
	h.d.dispatch(ctx)
	if got := h.store.status(t, third.ID); got != task.StatusQueued {
		t.Fatalf("expected third task queued, got %s", got)
	}
}

func TestPublishFailureConsumesAttempt(t *testing.T) {
	h := newDispatcherHarness(t)
	w, _ := h.reg.Register(worker.RegisterRequest{Type: worker.TypeGeneral, Capacity: 1})
	created := h.queueTask(t, task.CreateRequest{Description: "undeliverable"})
	h.mq.publishErr = errors.New("nats down")

	h.d.dispatch(context.Background())

	// The worker never saw the task: attempt consumed, retry scheduled.
	if got := h.store.status(t, created.ID); got != task.StatusQueued {
		t.Fatalf("expected requeued, got %s", got)
	}
	if got := h.store.attempts(t, created.ID); got != 1 {
		t.Fatalf("expected 1 attempt consumed, got %d", got)
	}
	got, _ := h.reg.Get(w.ID)
	if got.CurrentLoad != 0 {
		t.Fatalf("expected load released, got %d", got.CurrentLoad)
	}
}

func TestConcurrentDispatchRespectsCapacity(t *testing.T) {
	h := newDispatcherHarness(t)
	w, _ := h.reg.Register(worker.RegisterRequest{Type: worker.TypeGeneral, Capacity: 2})
	for i := 0; i < 20; i++ {
		h.queueTask(t, task.CreateRequest{Description: "storm"})
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.d.dispatch(ctx)
		}()
	}
	wg.Wait()

	got, _ := h.reg.Get(w.ID)
	if got.CurrentLoad > 2 {
		t.Fatalf("capacity-2 worker oversubscribed: load %d", got.CurrentLoad)
	}
	assigned, _, err := h.store.ListTasks(ctx, task.Filter{Status: task.StatusAssigned})
	if err != nil {
		t.Fatalf("list assigned: %v", err)
	}
	if len(assigned) != 2 {
		t.Fatalf("expected exactly 2 in-flight tasks, got %d", len(assigned))
	}
	if h.q.Len() != 18 {
		t.Fatalf("expected 18 tasks still queued, got %d", h.q.Len())
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	h := newDispatcherHarness(t)
	h.d.cfg = config.Dispatch{BackoffBase: time.Second, BackoffMax: 10 * time.Second}

	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{9, 10 * time.Second},
	}
	for _, tc := range cases {
		if got := h.d.backoff(tc.attempts); got != tc.want {
			t.Errorf("backoff(%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}

func TestSweepRecoversOrphanedTasks(t *testing.T) {
	h := newDispatcherHarness(t)
	h.reg = registry.New(time.Millisecond)
	h.d.registry = h.reg

	w, _ := h.reg.Register(worker.RegisterRequest{Type: worker.TypeGeneral, Capacity: 1})
	created := h.queueTask(t, task.CreateRequest{Description: "orphaned"})

	ctx := context.Background()
	h.d.dispatch(ctx)
	if got := h.store.status(t, created.ID); got != task.StatusAssigned {
		t.Fatalf("expected assigned, got %s", got)
	}

	time.Sleep(5 * time.Millisecond) // let the heartbeat window lapse
	h.d.sweep(ctx)

	// The orphaned attempt failed and the retry policy requeued it.
	if got := h.store.status(t, created.ID); got != task.StatusQueued {
		t.Fatalf("expected requeued, got %s", got)
	}
	if got := h.store.attempts(t, created.ID); got != 1 {
		t.Fatalf("expected 1 attempt consumed, got %d", got)
	}
	lost, _ := h.reg.Get(w.ID)
	if lost.Health != worker.Unreachable {
		t.Fatalf("expected unreachable, got %s", lost.Health)
	}
	if lost.CurrentLoad != 0 {
		t.Fatalf("expected load reset, got %d", lost.CurrentLoad)
	}
}

func TestHandleHeartbeat(t *testing.T) {
	h := newDispatcherHarness(t)
	w, _ := h.reg.Register(worker.RegisterRequest{Type: worker.TypeCoding, Capacity: 2})

	data, _ := json.Marshal(messagequeue.WorkerHeartbeatPayload{WorkerID: w.ID, Load: 1})
	if err := h.d.handleHeartbeat(context.Background(), messagequeue.SubjectWorkerHeartbeat, data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := h.reg.Get(w.ID)
	if got.CurrentLoad != 1 {
		t.Fatalf("expected load 1, got %d", got.CurrentLoad)
	}

	// A heartbeat from an unknown worker is logged and acked, never NAKed.
	data, _ = json.Marshal(messagequeue.WorkerHeartbeatPayload{WorkerID: "ghost"})
	if err := h.d.handleHeartbeat(context.Background(), messagequeue.SubjectWorkerHeartbeat, data); err != nil {
		t.Fatalf("expected nil for unknown worker, got %v", err)
	}
}

func TestRebuildRestoresQueue(t *testing.T) {
	h := newDispatcherHarness(t)
	ctx := context.Background()

	for _, desc := range []string{"one", "two"} {
		created, _ := h.store.CreateTask(ctx, "user-1", task.CreateRequest{
			Description: desc, Type: task.TypeGeneral, Priority: task.PriorityMedium, MaxAttempts: 3,
		})
		if err := h.store.MarkQueued(ctx, created.ID); err != nil {
			t.Fatalf("mark queued: %v", err)
		}
	}

	if err := h.d.Rebuild(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.q.Len() != 2 {
		t.Fatalf("expected 2 entries after rebuild, got %d", h.q.Len())
	}
}
