// Package worker defines the Worker domain entity and the routing table
// that maps task types to eligible worker pools.
package worker

import (
	"fmt"
	"time"

	"github.com/evecore/taskforge/internal/domain"
	"github.com/evecore/taskforge/internal/domain/task"
)

// Type identifies a specialized worker pool.
type Type string

const (
	TypeGeneral       Type = "general"
	TypeCoding        Type = "coding"
	TypeDocumentation Type = "documentation"
	TypeAnalysis      Type = "analysis"
	TypeImage         Type = "image"
	TypeResearch      Type = "research"
)

// Types lists every known worker type.
var Types = []Type{
	TypeGeneral, TypeCoding, TypeDocumentation, TypeAnalysis,
	TypeImage, TypeResearch,
}

// Health represents a worker's liveness as seen by the registry.
type Health string

const (
	Healthy     Health = "healthy"
	Degraded    Health = "degraded"
	Unreachable Health = "unreachable"
)

// Worker represents a registered worker instance.
type Worker struct {
	ID            string    `json:"id"`
	Type          Type      `json:"type"`
	Capacity      int       `json:"capacity"`
	CurrentLoad   int       `json:"current_load"`
	Health        Health    `json:"health"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Available reports whether the worker can accept one more assignment.
func (w *Worker) Available() bool {
	return w.Health != Unreachable && w.CurrentLoad < w.Capacity
}

// routing maps each task type to the worker pool eligible to execute it.
// Exhaustive over task.Types; an unmapped type falls back to general.
var routing = map[task.Type]Type{
	task.TypeGeneral:         TypeGeneral,
	task.TypeCustom:          TypeGeneral,
	task.TypeCodeExecution:   TypeCoding,
	task.TypeDocumentation:   TypeDocumentation,
	task.TypeTextAnalysis:    TypeAnalysis,
	task.TypeDataProcessing:  TypeAnalysis,
	task.TypeAnalysis:        TypeAnalysis,
	task.TypeImageGeneration: TypeImage,
	task.TypeWebScraping:     TypeResearch,
}

// PoolFor returns the worker type eligible for the given task type.
func PoolFor(t task.Type) Type {
	if wt, ok := routing[t]; ok {
		return wt
	}
	return TypeGeneral
}

// RegisterRequest registers a new worker with the registry.
type RegisterRequest struct {
	Type     Type `json:"type"`
	Capacity int  `json:"capacity"`
}

// Validate checks the register request.
func (r *RegisterRequest) Validate() error {
	known := false
	for _, t := range Types {
		if r.Type == t {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("%w: unknown worker type %q", domain.ErrValidation, r.Type)
	}
	if r.Capacity < 1 {
		return fmt.Errorf("%w: capacity must be >= 1", domain.ErrValidation)
	}
	return nil
}

// HeartbeatRequest reports a worker's current load and resets its
// liveness timer.
type HeartbeatRequest struct {
	Load int `json:"load"`
}
