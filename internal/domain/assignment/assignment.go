// Package assignment defines the Assignment domain entity: one task bound
// to one worker at a point in time.
package assignment

import "time"

// Outcome is the result of an assignment.
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Assignment relates a task to a worker for one attempt. A task has at
// most one active (pending-outcome) assignment at any instant; closed
// assignments are retained as the attempt history.
type Assignment struct {
	ID          string     `json:"id"`
	TaskID      string     `json:"task_id"`
	WorkerID    string     `json:"worker_id"`
	Outcome     Outcome    `json:"outcome"`
	Detail      string     `json:"detail,omitempty"`
	AssignedAt  time.Time  `json:"assigned_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Active reports whether the assignment is still in flight.
func (a *Assignment) Active() bool {
	return a.Outcome == OutcomePending
}
