package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/evecore/taskforge/internal/domain"
	"github.com/evecore/taskforge/internal/domain/task"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const taskColumns = `id, owner_id, description, task_type, priority, status, metadata,
	context_data, result, cancel_reason, attempt_count, max_attempts, created_at, updated_at`

// --- Tasks ---

func (s *Store) CreateTask(ctx context.Context, ownerID string, req task.CreateRequest) (*task.Task, error) {
	metadataJSON, err := marshalMetadata(req.Metadata)
	if err != nil {
		return nil, err
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO tasks (owner_id, description, task_type, priority, metadata, context_data, max_attempts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+taskColumns,
		ownerID, req.Description, string(req.Type), int(req.Priority), metadataJSON, req.ContextData, req.MaxAttempts)

	t, err := scanTask(row)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return &t, nil
}

// CreateTasks inserts a batch of tasks in one transaction: either every
// member is created or none is.
func (s *Store) CreateTasks(ctx context.Context, ownerID string, reqs []task.CreateRequest) ([]task.Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	tasks := make([]task.Task, 0, len(reqs))
	for i := range reqs {
		metadataJSON, err := marshalMetadata(reqs[i].Metadata)
		if err != nil {
			return nil, err
		}
		row := tx.QueryRow(ctx,
			`INSERT INTO tasks (owner_id, description, task_type, priority, metadata, context_data, max_attempts)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 RETURNING `+taskColumns,
			ownerID, reqs[i].Description, string(reqs[i].Type), int(reqs[i].Priority),
			metadataJSON, reqs[i].ContextData, reqs[i].MaxAttempts)

		t, err := scanTask(row)
		if err != nil {
			return nil, fmt.Errorf("create batch task %d: %w", i, err)
		}
		tasks = append(tasks, t)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit batch: %w", err)
	}
	return tasks, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)

	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get task %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return &t, nil
}

// ListTasks returns a page of tasks matching the filter, newest first,
// plus the total match count.
func (s *Store) ListTasks(ctx context.Context, f task.Filter) ([]task.Task, int, error) {
	where, args := buildTaskFilter(f)

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM tasks`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	offset := (f.Page - 1) * f.PageSize
	args = append(args, f.PageSize, offset)
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM tasks%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
			taskColumns, where, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, err
		}
		tasks = append(tasks, t)
	}
	return tasks, total, rows.Err()
}

// buildTaskFilter renders the WHERE clause and its ordered args for a filter.
func buildTaskFilter(f task.Filter) (string, []any) {
	var conds []string
	var args []any

	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.OwnerID != "" {
		add("owner_id = $%d", f.OwnerID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Type != "" {
		add("task_type = $%d", string(f.Type))
	}
	if f.Priority != 0 {
		add("priority = $%d", int(f.Priority))
	}
	if f.Query != "" {
		add("description ILIKE $%d", "%"+escapeLike(f.Query)+"%")
	}
	if f.Since != nil {
		add("created_at >= $%d", *f.Since)
	}
	if f.Until != nil {
		add("created_at <= $%d", *f.Until)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// escapeLike neutralizes LIKE wildcards in user-supplied search text.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// UpdateTask mutates description/type/priority/metadata of a task that is
// still pending or queued. Dispatched tasks are immutable.
func (s *Store) UpdateTask(ctx context.Context, id string, req task.UpdateRequest) (*task.Task, error) {
	set := []string{"updated_at = now()"}
	args := []any{id}

	add := func(clause string, val any) {
		args = append(args, val)
		set = append(set, fmt.Sprintf(clause, len(args)))
	}

	if req.Description != nil {
		add("description = $%d", *req.Description)
	}
	if req.Type != nil {
		add("task_type = $%d", string(*req.Type))
	}
	if req.Priority != nil {
		add("priority = $%d", int(*req.Priority))
	}
	if req.Metadata != nil {
		metadataJSON, err := marshalMetadata(req.Metadata)
		if err != nil {
			return nil, err
		}
		add("metadata = $%d", metadataJSON)
	}

	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE tasks SET %s WHERE id = $1 AND status IN ('pending', 'queued') RETURNING %s`,
			strings.Join(set, ", "), taskColumns),
		args...)

	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.explainMiss(ctx, id, "update task")
		}
		return nil, fmt.Errorf("update task %s: %w", id, err)
	}
	return &t, nil
}

// explainMiss distinguishes a missing task from a state conflict after an
// UPDATE matched no rows.
func (s *Store) explainMiss(ctx context.Context, id, op string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	if !exists {
		return fmt.Errorf("%s %s: %w", op, id, domain.ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", op, id, domain.ErrConflict)
}

func marshalMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return data, nil
}
