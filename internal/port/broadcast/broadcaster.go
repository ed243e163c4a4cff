// Package broadcast defines the port the dispatcher and services push
// task and worker state changes through, without knowing who listens.
package broadcast

import "context"

// Broadcaster fans a typed event out to every live subscriber. Delivery
// is best effort: a slow or gone subscriber never fails the caller.
type Broadcaster interface {
	BroadcastEvent(ctx context.Context, eventType string, payload any)
}
