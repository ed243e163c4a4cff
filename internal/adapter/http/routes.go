package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Route("/api/v1", func(r chi.Router) {
		// Version
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Tasks
		r.Post("/tasks", h.CreateTask)
		r.Get("/tasks", h.ListTasks)
		r.Post("/tasks/batch", h.CreateTaskBatch)
		r.Post("/tasks/bulk/cancel", h.BulkCancelTasks)
		r.Post("/tasks/bulk/retry", h.BulkRetryTasks)
		r.Get("/tasks/stats", h.TaskStats)
		r.Get("/tasks/{id}", h.GetTask)
		r.Patch("/tasks/{id}", h.UpdateTask)
		r.Post("/tasks/{id}/cancel", h.CancelTask)
		r.Post("/tasks/{id}/retry", h.RetryTask)
		r.Get("/tasks/{id}/queue-position", h.QueuePosition)
		r.Get("/tasks/{id}/assignments", h.ListTaskAssignments)

		// Queue
		r.Get("/queue/status", h.QueueStatus)

		// Workers
		r.Post("/workers", h.RegisterWorker)
		r.Get("/workers", h.ListWorkers)
		r.Get("/workers/{id}", h.GetWorker)
		r.Post("/workers/{id}/heartbeat", h.WorkerHeartbeat)
		r.Get("/workers/{id}/assignments", h.ListWorkerAssignments)
	})
}
