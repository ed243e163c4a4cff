package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/evecore/taskforge/internal/domain/assignment"
	"github.com/evecore/taskforge/internal/domain/task"
	"github.com/evecore/taskforge/internal/service"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Tasks   *service.TaskService
	Workers *service.WorkerService
	Stats   *service.StatsService
}

// CreateTask handles POST /api/v1/tasks
func (h *Handlers) CreateTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[task.CreateRequest](w, r)
	if !ok {
		return
	}

	t, err := h.Tasks.Create(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "task creation failed")
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// CreateTaskBatch handles POST /api/v1/tasks/batch
func (h *Handlers) CreateTaskBatch(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[task.BatchRequest](w, r)
	if !ok {
		return
	}

	tasks, err := h.Tasks.CreateBatch(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "batch creation failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"tasks": tasks,
		"count": len(tasks),
	})
}

// listResponse is the envelope for paginated task listings.
type listResponse struct {
	Tasks    []task.Task `json:"tasks"`
	Total    int         `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
}

// ListTasks handles GET /api/v1/tasks
func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	f, ok := parseTaskFilter(w, r)
	if !ok {
		return
	}

	tasks, total, err := h.Tasks.List(r.Context(), f)
	if err != nil {
		writeDomainError(w, err, "task listing failed")
		return
	}
	if tasks == nil {
		tasks = []task.Task{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Tasks:    tasks,
		Total:    total,
		Page:     f.Page,
		PageSize: f.PageSize,
	})
}

// parseTaskFilter builds a task.Filter from list query parameters.
func parseTaskFilter(w http.ResponseWriter, r *http.Request) (task.Filter, bool) {
	q := r.URL.Query()
	f := task.Filter{
		OwnerID: q.Get("owner_id"),
		Status:  task.Status(q.Get("status")),
		Type:    task.Type(q.Get("type")),
		Query:   q.Get("query"),
	}

	if v := q.Get("priority"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "priority must be an integer")
			return f, false
		}
		f.Priority = task.Priority(p)
	}
	if v := q.Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return f, false
		}
		f.Since = &ts
	}
	if v := q.Get("until"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "until must be RFC3339")
			return f, false
		}
		f.Until = &ts
	}
	if v := q.Get("page"); v != "" {
		f.Page, _ = strconv.Atoi(v)
	}
	if v := q.Get("page_size"); v != "" {
		f.PageSize, _ = strconv.Atoi(v)
	}
	return f, true
}

// GetTask handles GET /api/v1/tasks/{id}
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Tasks.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// UpdateTask handles PATCH /api/v1/tasks/{id}
func (h *Handlers) UpdateTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[task.UpdateRequest](w, r)
	if !ok {
		return
	}

	t, err := h.Tasks.Update(r.Context(), urlParam(r, "id"), req)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// CancelTask handles POST /api/v1/tasks/{id}/cancel
func (h *Handlers) CancelTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readOptionalJSON[task.CancelRequest](w, r)
	if !ok {
		return
	}

	t, err := h.Tasks.Cancel(r.Context(), urlParam(r, "id"), req.Reason)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// RetryTask handles POST /api/v1/tasks/{id}/retry
func (h *Handlers) RetryTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readOptionalJSON[task.RetryRequest](w, r)
	if !ok {
		return
	}

	t, err := h.Tasks.Retry(r.Context(), urlParam(r, "id"), req)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// BulkCancelTasks handles POST /api/v1/tasks/bulk/cancel
func (h *Handlers) BulkCancelTasks(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[task.BulkRequest](w, r)
	if !ok {
		return
	}
	if len(req.TaskIDs) == 0 {
		writeError(w, http.StatusBadRequest, "task_ids is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results": h.Tasks.BulkCancel(r.Context(), req),
	})
}

// BulkRetryTasks handles POST /api/v1/tasks/bulk/retry
func (h *Handlers) BulkRetryTasks(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[task.BulkRequest](w, r)
	if !ok {
		return
	}
	if len(req.TaskIDs) == 0 {
		writeError(w, http.StatusBadRequest, "task_ids is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results": h.Tasks.BulkRetry(r.Context(), req),
	})
}

// QueuePosition handles GET /api/v1/tasks/{id}/queue-position
func (h *Handlers) QueuePosition(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	pos, err := h.Tasks.QueuePosition(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id":  id,
		"position": pos,
	})
}

// ListTaskAssignments handles GET /api/v1/tasks/{id}/assignments
func (h *Handlers) ListTaskAssignments(w http.ResponseWriter, r *http.Request) {
	assignments, err := h.Tasks.Assignments(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	if assignments == nil {
		assignments = []assignment.Assignment{}
	}
	writeJSON(w, http.StatusOK, assignments)
}

// QueueStatus handles GET /api/v1/queue/status
func (h *Handlers) QueueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.Stats.QueueStatus(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// defaultStatsWindow bounds GET /api/v1/tasks/stats when no window is given.
const defaultStatsWindow = 24 * time.Hour

// TaskStats handles GET /api/v1/tasks/stats?window=24h
func (h *Handlers) TaskStats(w http.ResponseWriter, r *http.Request) {
	window := defaultStatsWindow
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "window must be a positive duration, e.g. 24h")
			return
		}
		window = d
	}

	stats, err := h.Stats.TaskStats(r.Context(), time.Now().Add(-window))
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
