package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/evecore/taskforge/internal/domain/assignment"
	"github.com/evecore/taskforge/internal/domain/task"
)

// Every transition below is a compare-and-set: the UPDATE only matches
// when the task's current status permits the move, so two racing events
// resolve deterministically — the loser sees domain.ErrConflict. The row
// update, assignment side effects, and audit entry commit atomically.

const casReturning = ` RETURNING t.id, t.owner_id, t.description, t.task_type, t.priority, t.status,
	t.metadata, t.context_data, t.result, t.cancel_reason, t.attempt_count, t.max_attempts,
	t.created_at, t.updated_at, cur.prev`

// MarkQueued transitions pending → queued.
func (s *Store) MarkQueued(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	row := tx.QueryRow(ctx,
		`UPDATE tasks t SET status = 'queued', updated_at = now()
		 FROM (SELECT id, status AS prev FROM tasks WHERE id = $1 FOR UPDATE) cur
		 WHERE t.id = cur.id AND cur.prev = 'pending'`+casReturning, id)

	_, prev, err := scanTaskPrev(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s.explainMiss(ctx, id, "queue task")
		}
		return fmt.Errorf("queue task %s: %w", id, err)
	}

	if err := appendAudit(ctx, tx, id, prev, task.StatusQueued, ""); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// MarkAssigned transitions queued → assigned and creates the active
// assignment in the same transaction, so a popped queue entry cannot be
// dispatched twice.
func (s *Store) MarkAssigned(ctx context.Context, id, workerID string) (*assignment.Assignment, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	row := tx.QueryRow(ctx,
		`UPDATE tasks t SET status = 'assigned', updated_at = now()
		 FROM (SELECT id, status AS prev FROM tasks WHERE id = $1 FOR UPDATE) cur
		 WHERE t.id = cur.id AND cur.prev = 'queued'`+casReturning, id)

	_, prev, err := scanTaskPrev(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.explainMiss(ctx, id, "assign task")
		}
		return nil, fmt.Errorf("assign task %s: %w", id, err)
	}

	var a assignment.Assignment
	err = tx.QueryRow(ctx,
		`INSERT INTO assignments (id, task_id, worker_id)
		 VALUES ($1, $2, $3)
		 RETURNING id, task_id, worker_id, outcome, detail, assigned_at, started_at, completed_at`,
		uuid.NewString(), id, workerID,
	).Scan(&a.ID, &a.TaskID, &a.WorkerID, &a.Outcome, &a.Detail, &a.AssignedAt, &a.StartedAt, &a.CompletedAt)
	if err != nil {
		return nil, fmt.Errorf("create assignment for task %s: %w", id, err)
	}

	if err := appendAudit(ctx, tx, id, prev, task.StatusAssigned, "worker "+workerID); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit assign: %w", err)
	}
	return &a, nil
}

// MarkProcessing transitions assigned → processing when the worker
// acknowledges the attempt, stamping started_at on the assignment.
func (s *Store) MarkProcessing(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	row := tx.QueryRow(ctx,
		`UPDATE tasks t SET status = 'processing', updated_at = now()
		 FROM (SELECT id, status AS prev FROM tasks WHERE id = $1 FOR UPDATE) cur
		 WHERE t.id = cur.id AND cur.prev = 'assigned'`+casReturning, id)

	_, prev, err := scanTaskPrev(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s.explainMiss(ctx, id, "start task")
		}
		return fmt.Errorf("start task %s: %w", id, err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE assignments SET started_at = now() WHERE task_id = $1 AND outcome = 'pending'`, id); err != nil {
		return fmt.Errorf("stamp assignment start %s: %w", id, err)
	}

	if err := appendAudit(ctx, tx, id, prev, task.StatusProcessing, ""); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// CompleteTask transitions processing → completed, records the result,
// and closes the active assignment as a success.
func (s *Store) CompleteTask(ctx context.Context, id string, res task.Result) error {
	resultJSON, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	row := tx.QueryRow(ctx,
		`UPDATE tasks t SET status = 'completed', result = $2, updated_at = now()
		 FROM (SELECT id, status AS prev FROM tasks WHERE id = $1 FOR UPDATE) cur
		 WHERE t.id = cur.id AND cur.prev = 'processing'`+casReturning, id, resultJSON)

	_, prev, err := scanTaskPrev(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s.explainMiss(ctx, id, "complete task")
		}
		return fmt.Errorf("complete task %s: %w", id, err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE assignments SET outcome = 'success', completed_at = now()
		 WHERE task_id = $1 AND outcome = 'pending'`, id); err != nil {
		return fmt.Errorf("close assignment %s: %w", id, err)
	}

	if err := appendAudit(ctx, tx, id, prev, task.StatusCompleted, ""); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// FailTask transitions assigned/processing → failed, consuming one
// attempt, and closes the active assignment as a failure. The updated
// task is returned so the retry controller can decide requeue vs terminal.
func (s *Store) FailTask(ctx context.Context, id, detail string) (*task.Task, error) {
	resultJSON, err := json.Marshal(task.Result{Error: detail})
	if err != nil {
		return nil, fmt.Errorf("marshal failure result: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	row := tx.QueryRow(ctx,
		`UPDATE tasks t SET status = 'failed', result = $2, attempt_count = t.attempt_count + 1, updated_at = now()
		 FROM (SELECT id, status AS prev FROM tasks WHERE id = $1 FOR UPDATE) cur
		 WHERE t.id = cur.id AND cur.prev = ANY('{assigned,processing}')`+casReturning, id, resultJSON)

	t, prev, err := scanTaskPrev(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.explainMiss(ctx, id, "fail task")
		}
		return nil, fmt.Errorf("fail task %s: %w", id, err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE assignments SET outcome = 'failure', detail = $2, completed_at = now()
		 WHERE task_id = $1 AND outcome = 'pending'`, id, detail); err != nil {
		return nil, fmt.Errorf("close assignment %s: %w", id, err)
	}

	if err := appendAudit(ctx, tx, id, prev, task.StatusFailed, detail); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit fail: %w", err)
	}
	return &t, nil
}

// RequeueTask transitions failed → queued. bumpAttempt is set for manual
// retries, which consume an extra attempt for audit; automatic retries
// already consumed theirs in FailTask.
func (s *Store) RequeueTask(ctx context.Context, id string, bumpAttempt bool) (*task.Task, error) {
	bump := 0
	if bumpAttempt {
		bump = 1
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	row := tx.QueryRow(ctx,
		`UPDATE tasks t SET status = 'queued', attempt_count = t.attempt_count + $2, updated_at = now()
		 FROM (SELECT id, status AS prev FROM tasks WHERE id = $1 FOR UPDATE) cur
		 WHERE t.id = cur.id AND cur.prev = 'failed'`+casReturning, id, bump)

	t, prev, err := scanTaskPrev(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.explainMiss(ctx, id, "requeue task")
		}
		return nil, fmt.Errorf("requeue task %s: %w", id, err)
	}

	if err := appendAudit(ctx, tx, id, prev, task.StatusQueued, "retry"); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit requeue: %w", err)
	}
	return &t, nil
}

// CancelTask transitions pending/queued/assigned/processing → cancelled
// and closes the active assignment, if any. The worker the assignment was
// bound to is returned so the caller can release its load and send the
// cooperative cancel signal; empty when the task was not assigned.
func (s *Store) CancelTask(ctx context.Context, id, reason string) (*task.Task, string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	row := tx.QueryRow(ctx,
		`UPDATE tasks t SET status = 'cancelled', cancel_reason = $2, updated_at = now()
		 FROM (SELECT id, status AS prev FROM tasks WHERE id = $1 FOR UPDATE) cur
		 WHERE t.id = cur.id AND cur.prev = ANY('{pending,queued,assigned,processing}')`+casReturning,
		id, reason)

	t, prev, err := scanTaskPrev(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, "", s.explainMiss(ctx, id, "cancel task")
		}
		return nil, "", fmt.Errorf("cancel task %s: %w", id, err)
	}

	var workerID string
	err = tx.QueryRow(ctx,
		`UPDATE assignments SET outcome = 'failure', detail = 'cancelled', completed_at = now()
		 WHERE task_id = $1 AND outcome = 'pending'
		 RETURNING worker_id`, id).Scan(&workerID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, "", fmt.Errorf("close assignment on cancel %s: %w", id, err)
	}

	if err := appendAudit(ctx, tx, id, prev, task.StatusCancelled, reason); err != nil {
		return nil, "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, "", fmt.Errorf("commit cancel: %w", err)
	}
	return &t, workerID, nil
}

// appendAudit writes one audit trail entry inside the caller's transaction.
func appendAudit(ctx context.Context, tx pgx.Tx, taskID string, from, to task.Status, detail string) error {
	if _, err := tx.Exec(ctx,
		`INSERT INTO task_audit (task_id, from_status, to_status, detail) VALUES ($1, $2, $3, $4)`,
		taskID, string(from), string(to), detail); err != nil {
		return fmt.Errorf("append audit for task %s: %w", taskID, err)
	}
	return nil
}
