package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/evecore/taskforge/internal/domain/assignment"
	"github.com/evecore/taskforge/internal/domain/task"
)

// scannable is satisfied by both pgx.Row and pgx.Rows.
type scannable interface {
	Scan(dest ...any) error
}

func scanTask(row scannable) (task.Task, error) {
	var (
		t            task.Task
		metadataJSON []byte
		resultJSON   []byte
	)
	err := row.Scan(
		&t.ID, &t.OwnerID, &t.Description, &t.Type, &t.Priority, &t.Status,
		&metadataJSON, &t.ContextData, &resultJSON, &t.CancelReason,
		&t.AttemptCount, &t.MaxAttempts, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return task.Task{}, err
	}
	if err := unmarshalTaskJSON(&t, metadataJSON, resultJSON); err != nil {
		return task.Task{}, err
	}
	return t, nil
}

// scanTaskPrev scans a CAS update row: the task columns followed by the
// status the row held before the update.
func scanTaskPrev(row scannable) (task.Task, task.Status, error) {
	var (
		t            task.Task
		metadataJSON []byte
		resultJSON   []byte
		prev         task.Status
	)
	err := row.Scan(
		&t.ID, &t.OwnerID, &t.Description, &t.Type, &t.Priority, &t.Status,
		&metadataJSON, &t.ContextData, &resultJSON, &t.CancelReason,
		&t.AttemptCount, &t.MaxAttempts, &t.CreatedAt, &t.UpdatedAt,
		&prev,
	)
	if err != nil {
		return task.Task{}, "", err
	}
	if err := unmarshalTaskJSON(&t, metadataJSON, resultJSON); err != nil {
		return task.Task{}, "", err
	}
	return t, prev, nil
}

func unmarshalTaskJSON(t *task.Task, metadataJSON, resultJSON []byte) error {
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &t.Metadata); err != nil {
			return fmt.Errorf("unmarshal metadata for task %s: %w", t.ID, err)
		}
	}
	if len(resultJSON) > 0 {
		var res task.Result
		if err := json.Unmarshal(resultJSON, &res); err != nil {
			return fmt.Errorf("unmarshal result for task %s: %w", t.ID, err)
		}
		t.Result = &res
	}
	return nil
}

func scanAssignment(row scannable) (assignment.Assignment, error) {
	var a assignment.Assignment
	err := row.Scan(
		&a.ID, &a.TaskID, &a.WorkerID, &a.Outcome, &a.Detail,
		&a.AssignedAt, &a.StartedAt, &a.CompletedAt,
	)
	return a, err
}
