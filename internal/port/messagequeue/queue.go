// Package messagequeue defines the message queue port (interface).
package messagequeue

import "context"

// Handler processes a message received from the queue.
// The context carries request-scoped values such as the request ID.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	// Pending messages are processed; no new messages are accepted.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subject constants for NATS subjects used by TaskForge.
const (
	// SubjectAssignPrefix is the outbound assignment subject; the worker
	// type is appended: tasks.assign.{worker_type}. Workers of that type
	// consume assignments from it.
	SubjectAssignPrefix = "tasks.assign."

	SubjectTaskStarted = "tasks.started" // worker acknowledges start of an attempt
	SubjectTaskResult  = "tasks.result"  // worker reports success or failure
	SubjectTaskCancel  = "tasks.cancel"  // cooperative cancel signal to workers

	SubjectWorkerHeartbeat = "workers.heartbeat" // periodic liveness + load reports
)

// AssignSubject returns the assignment subject for a worker type.
func AssignSubject(workerType string) string {
	return SubjectAssignPrefix + workerType
}
