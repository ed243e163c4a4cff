package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/evecore/taskforge/internal/port/database"

	"github.com/evecore/taskforge/internal/domain/task"
)

// ListQueuedTasks returns all queued tasks in creation order. The
// dispatcher replays them into its in-memory queue on startup.
func (s *Store) ListQueuedTasks(ctx context.Context) ([]task.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = 'queued' ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list queued tasks: %w", err)
	}
	defer rows.Close()

	var tasks []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *Store) CountByStatus(ctx context.Context) (database.StatusCounts, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks by status: %w", err)
	}
	defer rows.Close()

	counts := make(database.StatusCounts)
	for rows.Next() {
		var st task.Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

func (s *Store) CountQueuedByPriority(ctx context.Context) (map[task.Priority]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT priority, count(*) FROM tasks WHERE status = 'queued' GROUP BY priority`)
	if err != nil {
		return nil, fmt.Errorf("count queued by priority: %w", err)
	}
	defer rows.Close()

	counts := make(map[task.Priority]int)
	for rows.Next() {
		var p int
		var n int
		if err := rows.Scan(&p, &n); err != nil {
			return nil, fmt.Errorf("scan priority count: %w", err)
		}
		counts[task.Priority(p)] = n
	}
	return counts, rows.Err()
}

// StatsByType aggregates per-type outcomes from assignments closed since
// the given time. Average duration covers successful attempts only.
func (s *Store) StatsByType(ctx context.Context, since time.Time) (map[task.Type]database.TypeStats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT t.task_type,
		        count(*) FILTER (WHERE a.outcome = 'success'),
		        count(*) FILTER (WHERE a.outcome = 'failure'),
		        coalesce(avg(extract(epoch FROM a.completed_at - a.started_at) * 1000)
		            FILTER (WHERE a.outcome = 'success' AND a.started_at IS NOT NULL), 0)
		 FROM assignments a
		 JOIN tasks t ON t.id = a.task_id
		 WHERE a.completed_at >= $1
		 GROUP BY t.task_type`, since)
	if err != nil {
		return nil, fmt.Errorf("stats by type: %w", err)
	}
	defer rows.Close()

	stats := make(map[task.Type]database.TypeStats)
	for rows.Next() {
		var tt task.Type
		var st database.TypeStats
		if err := rows.Scan(&tt, &st.Completed, &st.Failed, &st.AvgDurationMS); err != nil {
			return nil, fmt.Errorf("scan type stats: %w", err)
		}
		stats[tt] = st
	}
	return stats, rows.Err()
}
