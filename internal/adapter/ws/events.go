package ws

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Event type constants for WebSocket messages.
const (
	EventTaskStatus   = "task.status"
	EventWorkerStatus = "worker.status"
)

// TaskStatusEvent is broadcast when a task's status changes.
type TaskStatusEvent struct {
	TaskID   string `json:"task_id"`
	OwnerID  string `json:"owner_id"`
	Status   string `json:"status"`
	WorkerID string `json:"worker_id,omitempty"`
	Attempt  int    `json:"attempt,omitempty"`
}

// WorkerStatusEvent is broadcast when a worker registers or its health changes.
type WorkerStatusEvent struct {
	WorkerID string `json:"worker_id"`
	Type     string `json:"worker_type"`
	Health   string `json:"health"`
	Load     int    `json:"load"`
}

// BroadcastEvent is a convenience method that marshals a typed event and broadcasts it.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.Broadcast(ctx, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}
