package http

import (
	"net/http"

	"github.com/evecore/taskforge/internal/domain/assignment"
	"github.com/evecore/taskforge/internal/domain/worker"
)

// RegisterWorker handles POST /api/v1/workers
func (h *Handlers) RegisterWorker(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[worker.RegisterRequest](w, r)
	if !ok {
		return
	}

	wk, err := h.Workers.Register(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "worker registration failed")
		return
	}
	writeJSON(w, http.StatusCreated, wk)
}

// WorkerHeartbeat handles POST /api/v1/workers/{id}/heartbeat
func (h *Handlers) WorkerHeartbeat(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[worker.HeartbeatRequest](w, r)
	if !ok {
		return
	}

	if err := h.Workers.Heartbeat(r.Context(), urlParam(r, "id"), req); err != nil {
		writeDomainError(w, err, "worker not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListWorkers handles GET /api/v1/workers
func (h *Handlers) ListWorkers(w http.ResponseWriter, r *http.Request) {
	workers := h.Workers.List(r.Context())
	if workers == nil {
		workers = []worker.Worker{}
	}
	writeJSON(w, http.StatusOK, workers)
}

// GetWorker handles GET /api/v1/workers/{id}
func (h *Handlers) GetWorker(w http.ResponseWriter, r *http.Request) {
	wk, err := h.Workers.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "worker not found")
		return
	}
	writeJSON(w, http.StatusOK, wk)
}

// ListWorkerAssignments handles GET /api/v1/workers/{id}/assignments
func (h *Handlers) ListWorkerAssignments(w http.ResponseWriter, r *http.Request) {
	assignments, err := h.Workers.ActiveAssignments(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "worker not found")
		return
	}
	if assignments == nil {
		assignments = []assignment.Assignment{}
	}
	writeJSON(w, http.StatusOK, assignments)
}
