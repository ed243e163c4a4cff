// Package registry tracks worker pools: registration, heartbeat liveness,
// load accounting, and least-loaded selection. Workers are ephemeral and
// re-register on reconnect, so the registry is in-memory only; durable
// state (tasks, assignments) lives in the store.
package registry

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/evecore/taskforge/internal/domain"
	"github.com/evecore/taskforge/internal/domain/worker"
)

// Registry is a concurrency-safe worker registry.
type Registry struct {
	mu      sync.Mutex
	workers map[string]*worker.Worker
	timeout time.Duration
	now     func() time.Time // for testing
}

// New creates a registry with the given heartbeat timeout.
func New(heartbeatTimeout time.Duration) *Registry {
	return &Registry{
		workers: make(map[string]*worker.Worker),
		timeout: heartbeatTimeout,
		now:     time.Now,
	}
}

// Register adds a new worker and returns it.
func (r *Registry) Register(req worker.RegisterRequest) (*worker.Worker, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := r.now()
	w := &worker.Worker{
		ID:            uuid.NewString(),
		Type:          req.Type,
		Capacity:      req.Capacity,
		Health:        worker.Healthy,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}

	r.mu.Lock()
	r.workers[w.ID] = w
	r.mu.Unlock()

	slog.Info("worker registered", "worker_id", w.ID, "type", w.Type, "capacity", w.Capacity)
	return w, nil
}

// Heartbeat records a liveness report and the worker's self-reported load.
// A heartbeat from an unreachable worker revives it.
func (r *Registry) Heartbeat(workerID string, load int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return fmt.Errorf("heartbeat from worker %s: %w", workerID, domain.ErrNotFound)
	}

	if w.Health == worker.Unreachable {
		slog.Info("worker recovered", "worker_id", workerID)
	}
	w.LastHeartbeat = r.now()
	w.Health = worker.Healthy
	if load >= 0 {
		w.CurrentLoad = load
	}
	return nil
}

// Get returns a copy of the worker.
func (r *Registry) Get(workerID string) (*worker.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return nil, fmt.Errorf("worker %s: %w", workerID, domain.ErrNotFound)
	}
	cp := *w
	return &cp, nil
}

// List returns a snapshot of all workers.
func (r *Registry) List() []worker.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]worker.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, *w)
	}
	return out
}

// Available returns the least-loaded healthy worker of the given type with
// spare capacity, or nil when the pool is saturated or empty. The caller
// keeps the task queued in that case; saturation is a wait state, not an
// error.
func (r *Registry) Available(t worker.Type) *worker.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *worker.Worker
	for _, w := range r.workers {
		if w.Type != t || !w.Available() {
			continue
		}
		if best == nil || w.CurrentLoad < best.CurrentLoad {
			best = w
		}
	}
	if best == nil {
		return nil
	}
	cp := *best
	return &cp
}

// HasCapacity reports whether any worker of the given type can accept an
// assignment right now.
func (r *Registry) HasCapacity(t worker.Type) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, w := range r.workers {
		if w.Type == t && w.Available() {
			return true
		}
	}
	return false
}

// Acquire increments a worker's load as part of assignment creation.
// Fails with ErrConflict when the worker is already at capacity, which
// keeps current_load <= capacity under concurrent dispatch.
func (r *Registry) Acquire(workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return fmt.Errorf("acquire worker %s: %w", workerID, domain.ErrNotFound)
	}
	if w.Health == worker.Unreachable || w.CurrentLoad >= w.Capacity {
		return fmt.Errorf("acquire worker %s: %w", workerID, domain.ErrConflict)
	}
	w.CurrentLoad++
	return nil
}

// Release decrements a worker's load when an assignment closes.
// Releasing an unknown worker is a no-op: it may have been swept away
// between assignment and completion.
func (r *Registry) Release(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return
	}
	if w.CurrentLoad > 0 {
		w.CurrentLoad--
	}
}

// Sweep marks workers whose heartbeat is older than the timeout as
// unreachable and returns their IDs so the dispatcher can recover their
// in-flight assignments. Marking an already-unreachable worker again is a
// no-op, so the sweep is idempotent.
func (r *Registry) Sweep() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.timeout)
	var lost []string
	for _, w := range r.workers {
		if w.Health == worker.Unreachable {
			continue
		}
		if w.LastHeartbeat.Before(cutoff) {
			w.Health = worker.Unreachable
			lost = append(lost, w.ID)
			slog.Warn("worker unreachable", "worker_id", w.ID, "type", w.Type,
				"last_heartbeat", w.LastHeartbeat)
		}
	}
	return lost
}

// ResetLoad zeroes an unreachable worker's load after its assignments have
// been recovered.
func (r *Registry) ResetLoad(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.workers[workerID]; ok && w.Health == worker.Unreachable {
		w.CurrentLoad = 0
	}
}
