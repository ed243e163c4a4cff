package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/evecore/taskforge/internal/domain/task"
	"github.com/evecore/taskforge/internal/port/cache"
	"github.com/evecore/taskforge/internal/port/database"
	"github.com/evecore/taskforge/internal/queue"
	"github.com/evecore/taskforge/internal/registry"
)

// WaitTracker keeps a sliding window of recent queued-to-assigned waits
// for estimating how long a new task will sit in the queue.
type WaitTracker struct {
	mu      sync.Mutex
	samples []time.Duration
	idx     int
	full    bool
}

// NewWaitTracker creates a tracker holding the last size samples.
func NewWaitTracker(size int) *WaitTracker {
	if size < 1 {
		size = 1
	}
	return &WaitTracker{samples: make([]time.Duration, size)}
}

// Observe records one dispatch wait.
func (w *WaitTracker) Observe(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.samples[w.idx] = d
	w.idx++
	if w.idx == len(w.samples) {
		w.idx = 0
		w.full = true
	}
}

// Avg returns the mean of the recorded window, zero when empty.
func (w *WaitTracker) Avg() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := w.idx
	if w.full {
		n = len(w.samples)
	}
	if n == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < n; i++ {
		sum += w.samples[i]
	}
	return sum / time.Duration(n)
}

// QueueStatus is the live snapshot served by GET /api/v1/tasks/queue/status.
type QueueStatus struct {
	Depth       int                   `json:"depth"`
	ByPriority  map[string]int        `json:"by_priority"`
	Statuses    database.StatusCounts `json:"statuses"`
	Workers     WorkersSummary        `json:"workers"`
	NextTasks   []NextTask            `json:"next_tasks"`
	AvgWaitMS   int64                 `json:"avg_wait_ms"`
	GeneratedAt time.Time             `json:"generated_at"`
}

// WorkersSummary aggregates the registry for the status snapshot.
type WorkersSummary struct {
	Total     int            `json:"total"`
	Available int            `json:"available"`
	ByType    map[string]int `json:"by_type"`
}

// NextTask previews an entry at the head of the queue.
type NextTask struct {
	TaskID   string        `json:"task_id"`
	Type     task.Type     `json:"type"`
	Priority task.Priority `json:"priority"`
}

// TaskStats aggregates historical outcomes per task type over a window.
type TaskStats struct {
	Since  time.Time                        `json:"since"`
	ByType map[task.Type]database.TypeStats `json:"by_type"`
}

const statusCacheKey = "queue_status"

// nextTasksPreview is how many queue heads the status snapshot shows.
const nextTasksPreview = 5

// StatsService serves read-side projections of queue and task state. The
// queue status snapshot is cached briefly since it is polled aggressively
// by dashboards.
type StatsService struct {
	store     database.Store
	queue     *queue.Queue
	registry  *registry.Registry
	cache     cache.Cache
	waits     *WaitTracker
	statusTTL time.Duration
}

// NewStatsService creates a new StatsService.
func NewStatsService(
	store database.Store,
	q *queue.Queue,
	reg *registry.Registry,
	c cache.Cache,
	waits *WaitTracker,
	statusTTL time.Duration,
) *StatsService {
	return &StatsService{store: store, queue: q, registry: reg, cache: c, waits: waits, statusTTL: statusTTL}
}

// QueueStatus returns the current queue snapshot, served from cache when
// a fresh enough one exists.
func (s *StatsService) QueueStatus(ctx context.Context) (*QueueStatus, error) {
	if data, ok, err := s.cache.Get(ctx, statusCacheKey); err == nil && ok {
		var cached QueueStatus
		if err := json.Unmarshal(data, &cached); err == nil {
			return &cached, nil
		}
	}

	status, err := s.buildQueueStatus(ctx)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(status); err == nil {
		if err := s.cache.Set(ctx, statusCacheKey, data, s.statusTTL); err != nil {
			slog.Debug("cache queue status", "error", err)
		}
	}
	return status, nil
}

func (s *StatsService) buildQueueStatus(ctx context.Context) (*QueueStatus, error) {
	statuses, err := s.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}

	// Priority attribution comes from the store so tasks parked in a
	// backoff window are still counted.
	queued, err := s.store.CountQueuedByPriority(ctx)
	if err != nil {
		return nil, err
	}
	byPriority := make(map[string]int, len(queued))
	for prio, n := range queued {
		byPriority[prio.String()] = n
	}

	workers := s.registry.List()
	summary := WorkersSummary{Total: len(workers), ByType: make(map[string]int)}
	for i := range workers {
		summary.ByType[string(workers[i].Type)]++
		if workers[i].Available() {
			summary.Available++
		}
	}

	heads := s.queue.Heads(nextTasksPreview)
	next := make([]NextTask, 0, len(heads))
	for i := range heads {
		next = append(next, NextTask{
			TaskID:   heads[i].TaskID,
			Type:     heads[i].Type,
			Priority: heads[i].Priority,
		})
	}

	return &QueueStatus{
		Depth:       s.queue.Len(),
		ByPriority:  byPriority,
		Statuses:    statuses,
		Workers:     summary,
		NextTasks:   next,
		AvgWaitMS:   s.waits.Avg().Milliseconds(),
		GeneratedAt: time.Now().UTC(),
	}, nil
}

// TaskStats aggregates attempt outcomes per task type since the given time.
func (s *StatsService) TaskStats(ctx context.Context, since time.Time) (*TaskStats, error) {
	byType, err := s.store.StatsByType(ctx, since)
	if err != nil {
		return nil, err
	}
	return &TaskStats{Since: since, ByType: byType}, nil
}
