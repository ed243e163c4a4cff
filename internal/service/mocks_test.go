package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/evecore/taskforge/internal/adapter/otel"
	"github.com/evecore/taskforge/internal/domain"
	"github.com/evecore/taskforge/internal/domain/assignment"
	"github.com/evecore/taskforge/internal/domain/task"
	"github.com/evecore/taskforge/internal/port/broadcast"
	"github.com/evecore/taskforge/internal/port/database"
	"github.com/evecore/taskforge/internal/port/messagequeue"
)

// Ensure mock types implement their interfaces at compile time.
var (
	_ database.Store        = (*mockStore)(nil)
	_ messagequeue.Queue    = (*mockQueue)(nil)
	_ broadcast.Broadcaster = (*mockBroadcaster)(nil)
)

// mockStore is an in-memory implementation of database.Store with the
// same compare-and-set transition semantics as the postgres adapter.
type mockStore struct {
	mu          sync.Mutex
	tasks       map[string]*task.Task
	assignments []assignment.Assignment
	nextID      int

	// Error hooks, set these to inject failures.
	createErr       error
	markQueuedErr   error
	markAssignedErr error
	completeErr     error
	failErr         error
	requeueErr      error
}

func newMockStore() *mockStore {
	return &mockStore{tasks: make(map[string]*task.Task)}
}

func (m *mockStore) newTask(ownerID string, req task.CreateRequest) *task.Task {
	m.nextID++
	now := time.Now()
	t := &task.Task{
		ID:          fmt.Sprintf("task-%d", m.nextID),
		OwnerID:     ownerID,
		Description: req.Description,
		Type:        req.Type,
		Priority:    req.Priority,
		Status:      task.StatusPending,
		Metadata:    req.Metadata,
		ContextData: req.ContextData,
		MaxAttempts: req.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.tasks[t.ID] = t
	return t
}

func (m *mockStore) CreateTask(_ context.Context, ownerID string, req task.CreateRequest) (*task.Task, error) {
	if m.createErr != nil {
		return nil, m.createErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.newTask(ownerID, req)
	return &cp, nil
}

func (m *mockStore) CreateTasks(_ context.Context, ownerID string, reqs []task.CreateRequest) ([]task.Task, error) {
	if m.createErr != nil {
		return nil, m.createErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]task.Task, 0, len(reqs))
	for _, req := range reqs {
		out = append(out, *m.newTask(ownerID, req))
	}
	return out, nil
}

func (m *mockStore) GetTask(_ context.Context, id string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (m *mockStore) ListTasks(_ context.Context, f task.Filter) ([]task.Task, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []task.Task
	for _, t := range m.tasks {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.OwnerID != "" && t.OwnerID != f.OwnerID {
			continue
		}
		if f.Query != "" && !strings.Contains(strings.ToLower(t.Description), strings.ToLower(f.Query)) {
			continue
		}
		out = append(out, *t)
	}
	return out, len(out), nil
}

func (m *mockStore) UpdateTask(_ context.Context, id string, req task.UpdateRequest) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	if t.Status != task.StatusPending && t.Status != task.StatusQueued {
		return nil, fmt.Errorf("task %s is %s: %w", id, t.Status, domain.ErrConflict)
	}
	if req.Description != nil {
		t.Description = *req.Description
	}
	if req.Type != nil {
		t.Type = *req.Type
	}
	if req.Priority != nil {
		t.Priority = *req.Priority
	}
	if req.Metadata != nil {
		t.Metadata = req.Metadata
	}
	t.UpdatedAt = time.Now()
	cp := *t
	return &cp, nil
}

// cas moves a task between statuses, failing the way the real store does.
func (m *mockStore) cas(id string, from []task.Status, to task.Status) (*task.Task, error) {
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	for _, s := range from {
		if t.Status == s {
			t.Status = to
			t.UpdatedAt = time.Now()
			return t, nil
		}
	}
	return nil, fmt.Errorf("task %s is %s, not %v: %w", id, t.Status, from, domain.ErrConflict)
}

func (m *mockStore) MarkQueued(_ context.Context, id string) error {
	if m.markQueuedErr != nil {
		return m.markQueuedErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.cas(id, []task.Status{task.StatusPending}, task.StatusQueued)
	return err
}

func (m *mockStore) MarkAssigned(_ context.Context, id, workerID string) (*assignment.Assignment, error) {
	if m.markAssignedErr != nil {
		return nil, m.markAssignedErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.cas(id, []task.Status{task.StatusQueued}, task.StatusAssigned); err != nil {
		return nil, err
	}
	a := assignment.Assignment{
		ID:         fmt.Sprintf("assign-%d", len(m.assignments)+1),
		TaskID:     id,
		WorkerID:   workerID,
		Outcome:    assignment.OutcomePending,
		AssignedAt: time.Now(),
	}
	m.assignments = append(m.assignments, a)
	return &a, nil
}

func (m *mockStore) MarkProcessing(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.cas(id, []task.Status{task.StatusAssigned}, task.StatusProcessing)
	return err
}

// closeAssignment resolves the task's active assignment, if any, and
// returns the worker it was bound to.
func (m *mockStore) closeAssignment(taskID string, outcome assignment.Outcome, detail string) string {
	for i := range m.assignments {
		if m.assignments[i].TaskID == taskID && m.assignments[i].Active() {
			now := time.Now()
			m.assignments[i].Outcome = outcome
			m.assignments[i].Detail = detail
			m.assignments[i].CompletedAt = &now
			return m.assignments[i].WorkerID
		}
	}
	return ""
}

func (m *mockStore) CompleteTask(_ context.Context, id string, res task.Result) error {
	if m.completeErr != nil {
		return m.completeErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.cas(id, []task.Status{task.StatusProcessing}, task.StatusCompleted)
	if err != nil {
		return err
	}
	t.Result = &res
	m.closeAssignment(id, assignment.OutcomeSuccess, "")
	return nil
}

func (m *mockStore) FailTask(_ context.Context, id, detail string) (*task.Task, error) {
	if m.failErr != nil {
		return nil, m.failErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.cas(id, []task.Status{task.StatusAssigned, task.StatusProcessing}, task.StatusFailed)
	if err != nil {
		return nil, err
	}
	t.AttemptCount++
	t.Result = &task.Result{Error: detail}
	m.closeAssignment(id, assignment.OutcomeFailure, detail)
	cp := *t
	return &cp, nil
}

func (m *mockStore) RequeueTask(_ context.Context, id string, bumpAttempt bool) (*task.Task, error) {
	if m.requeueErr != nil {
		return nil, m.requeueErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.cas(id, []task.Status{task.StatusFailed}, task.StatusQueued)
	if err != nil {
		return nil, err
	}
	if bumpAttempt {
		t.AttemptCount++
	}
	cp := *t
	return &cp, nil
}

func (m *mockStore) CancelTask(_ context.Context, id, reason string) (*task.Task, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.cas(id, []task.Status{
		task.StatusPending, task.StatusQueued, task.StatusAssigned, task.StatusProcessing,
	}, task.StatusCancelled)
	if err != nil {
		return nil, "", err
	}
	t.CancelReason = reason
	workerID := m.closeAssignment(id, assignment.OutcomeFailure, "cancelled")
	cp := *t
	return &cp, workerID, nil
}

func (m *mockStore) ListAssignmentsByTask(_ context.Context, taskID string) ([]assignment.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []assignment.Assignment
	for i := range m.assignments {
		if m.assignments[i].TaskID == taskID {
			out = append(out, m.assignments[i])
		}
	}
	return out, nil
}

func (m *mockStore) ListActiveAssignmentsByWorker(_ context.Context, workerID string) ([]assignment.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []assignment.Assignment
	for i := range m.assignments {
		if m.assignments[i].WorkerID == workerID && m.assignments[i].Active() {
			out = append(out, m.assignments[i])
		}
	}
	return out, nil
}

func (m *mockStore) ListQueuedTasks(_ context.Context) ([]task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []task.Task
	for _, t := range m.tasks {
		if t.Status == task.StatusQueued {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (m *mockStore) CountByStatus(_ context.Context) (database.StatusCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(database.StatusCounts)
	for _, t := range m.tasks {
		counts[t.Status]++
	}
	return counts, nil
}

func (m *mockStore) CountQueuedByPriority(_ context.Context) (map[task.Priority]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[task.Priority]int)
	for _, t := range m.tasks {
		if t.Status == task.StatusQueued {
			counts[t.Priority]++
		}
	}
	return counts, nil
}

func (m *mockStore) StatsByType(_ context.Context, _ time.Time) (map[task.Type]database.TypeStats, error) {
	return map[task.Type]database.TypeStats{}, nil
}

// status returns the current status straight from the store.
func (m *mockStore) status(t *testing.T, id string) task.Status {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	tk, ok := m.tasks[id]
	if !ok {
		t.Fatalf("task %s not in store", id)
	}
	return tk.Status
}

// attempts returns the current attempt count straight from the store.
func (m *mockStore) attempts(t *testing.T, id string) int {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	tk, ok := m.tasks[id]
	if !ok {
		t.Fatalf("task %s not in store", id)
	}
	return tk.AttemptCount
}

// mockQueue implements messagequeue.Queue for testing.
type mockQueue struct {
	mu        sync.Mutex
	published []struct {
		subject string
		data    []byte
	}
	publishErr error
}

func (q *mockQueue) Publish(_ context.Context, subject string, data []byte) error {
	if q.publishErr != nil {
		return q.publishErr
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.published = append(q.published, struct {
		subject string
		data    []byte
	}{subject, data})
	return nil
}

func (q *mockQueue) Subscribe(_ context.Context, _ string, _ messagequeue.Handler) (func(), error) {
	return func() {}, nil
}

func (q *mockQueue) Drain() error      { return nil }
func (q *mockQueue) Close() error      { return nil }
func (q *mockQueue) IsConnected() bool { return true }

func (q *mockQueue) publishedTo(subject string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, p := range q.published {
		if p.subject == subject {
			n++
		}
	}
	return n
}

type mockBroadcaster struct {
	mu     sync.Mutex
	events []struct {
		eventType string
		payload   any
	}
}

func (m *mockBroadcaster) BroadcastEvent(_ context.Context, eventType string, payload any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, struct {
		eventType string
		payload   any
	}{eventType, payload})
}

// testMetrics builds metrics against the global no-op meter provider.
func testMetrics(t *testing.T) *otel.Metrics {
	t.Helper()
	m, err := otel.NewMetrics()
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	return m
}
