// Package database defines the database store port (interface).
package database

import (
	"context"
	"time"

	"github.com/evecore/taskforge/internal/domain/assignment"
	"github.com/evecore/taskforge/internal/domain/task"
)

// StatusCounts maps a task status to the number of tasks in it.
type StatusCounts map[task.Status]int

// TypeStats aggregates completed-attempt outcomes for one task type.
type TypeStats struct {
	Completed     int     `json:"completed"`
	Failed        int     `json:"failed"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
}

// Store is the port interface for durable task and assignment state.
// Every transition method is a compare-and-set on the task's current
// status: domain.ErrConflict when the state machine forbids the move,
// domain.ErrNotFound when the task does not exist. Each successful
// transition bumps updated_at and appends an audit entry in the same
// transaction.
type Store interface {
	// Tasks
	CreateTask(ctx context.Context, ownerID string, req task.CreateRequest) (*task.Task, error)
	CreateTasks(ctx context.Context, ownerID string, reqs []task.CreateRequest) ([]task.Task, error)
	GetTask(ctx context.Context, id string) (*task.Task, error)
	ListTasks(ctx context.Context, f task.Filter) ([]task.Task, int, error)
	UpdateTask(ctx context.Context, id string, req task.UpdateRequest) (*task.Task, error)

	// Transitions
	MarkQueued(ctx context.Context, id string) error
	MarkAssigned(ctx context.Context, id, workerID string) (*assignment.Assignment, error)
	MarkProcessing(ctx context.Context, id string) error
	CompleteTask(ctx context.Context, id string, res task.Result) error
	FailTask(ctx context.Context, id, detail string) (*task.Task, error)
	RequeueTask(ctx context.Context, id string, bumpAttempt bool) (*task.Task, error)
	// CancelTask also closes the active assignment, if any, and returns
	// the worker it was bound to so the caller can release load and send
	// the cooperative cancel signal.
	CancelTask(ctx context.Context, id, reason string) (*task.Task, string, error)

	// Assignments
	ListAssignmentsByTask(ctx context.Context, taskID string) ([]assignment.Assignment, error)
	ListActiveAssignmentsByWorker(ctx context.Context, workerID string) ([]assignment.Assignment, error)

	// Projections
	ListQueuedTasks(ctx context.Context) ([]task.Task, error)
	CountByStatus(ctx context.Context) (StatusCounts, error)
	CountQueuedByPriority(ctx context.Context) (map[task.Priority]int, error)
	StatsByType(ctx context.Context, since time.Time) (map[task.Type]TypeStats, error)
}
