package service

import (
	"context"
	"log/slog"

	"github.com/evecore/taskforge/internal/adapter/ws"
	"github.com/evecore/taskforge/internal/domain/assignment"
	"github.com/evecore/taskforge/internal/domain/worker"
	"github.com/evecore/taskforge/internal/port/broadcast"
	"github.com/evecore/taskforge/internal/port/database"
	"github.com/evecore/taskforge/internal/registry"
)

// WorkerService handles worker registration and liveness over HTTP.
// Registered workers also heartbeat over the message queue; both paths
// feed the same registry.
type WorkerService struct {
	registry *registry.Registry
	store    database.Store
	hub      broadcast.Broadcaster
}

// NewWorkerService creates a new WorkerService.
func NewWorkerService(reg *registry.Registry, store database.Store, hub broadcast.Broadcaster) *WorkerService {
	return &WorkerService{registry: reg, store: store, hub: hub}
}

// Register adds a worker to the registry and announces it.
func (s *WorkerService) Register(ctx context.Context, req worker.RegisterRequest) (*worker.Worker, error) {
	w, err := s.registry.Register(req)
	if err != nil {
		return nil, err
	}

	s.hub.BroadcastEvent(ctx, ws.EventWorkerStatus, ws.WorkerStatusEvent{
		WorkerID: w.ID,
		Type:     string(w.Type),
		Health:   string(w.Health),
		Load:     w.CurrentLoad,
	})

	slog.Info("worker registered", "worker_id", w.ID, "type", w.Type, "capacity", w.Capacity)
	return w, nil
}

// Heartbeat refreshes a worker's liveness window and reported load.
func (s *WorkerService) Heartbeat(_ context.Context, workerID string, req worker.HeartbeatRequest) error {
	return s.registry.Heartbeat(workerID, req.Load)
}

// Get returns a registered worker.
func (s *WorkerService) Get(_ context.Context, workerID string) (*worker.Worker, error) {
	return s.registry.Get(workerID)
}

// List returns all registered workers.
func (s *WorkerService) List(_ context.Context) []worker.Worker {
	return s.registry.List()
}

// ActiveAssignments returns the open assignments bound to a worker.
func (s *WorkerService) ActiveAssignments(ctx context.Context, workerID string) ([]assignment.Assignment, error) {
	if _, err := s.registry.Get(workerID); err != nil {
		return nil, err
	}
	return s.store.ListActiveAssignmentsByWorker(ctx, workerID)
}
