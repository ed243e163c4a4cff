package postgres

import (
	"context"
	"fmt"

	"github.com/evecore/taskforge/internal/domain/assignment"
)

const assignmentColumns = `id, task_id, worker_id, outcome, detail, assigned_at, started_at, completed_at`

// ListAssignmentsByTask returns every dispatch attempt for a task, oldest
// first, forming its assignment history.
func (s *Store) ListAssignmentsByTask(ctx context.Context, taskID string) ([]assignment.Assignment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+assignmentColumns+` FROM assignments WHERE task_id = $1 ORDER BY assigned_at ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list assignments for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []assignment.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListActiveAssignmentsByWorker returns the open assignments currently
// bound to a worker, used to recover tasks when the worker is declared lost.
func (s *Store) ListActiveAssignmentsByWorker(ctx context.Context, workerID string) ([]assignment.Assignment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+assignmentColumns+` FROM assignments
		 WHERE worker_id = $1 AND outcome = 'pending' ORDER BY assigned_at ASC`, workerID)
	if err != nil {
		return nil, fmt.Errorf("list active assignments for worker %s: %w", workerID, err)
	}
	defer rows.Close()

	var out []assignment.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
