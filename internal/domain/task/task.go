// Package task defines the Task domain entity and its state machine.
package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/evecore/taskforge/internal/domain"
)

// Status represents the current state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusAssigned   Status = "assigned"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Statuses lists every valid task status.
var Statuses = []Status{
	StatusPending, StatusQueued, StatusAssigned, StatusProcessing,
	StatusCompleted, StatusFailed, StatusCancelled,
}

// Type classifies the kind of work a task carries.
type Type string

const (
	TypeGeneral         Type = "general"
	TypeImageGeneration Type = "image_generation"
	TypeTextAnalysis    Type = "text_analysis"
	TypeCodeExecution   Type = "code_execution"
	TypeDataProcessing  Type = "data_processing"
	TypeWebScraping     Type = "web_scraping"
	TypeDocumentation   Type = "documentation"
	TypeAnalysis        Type = "analysis"
	TypeCustom          Type = "custom"
)

// Types lists every valid task type.
var Types = []Type{
	TypeGeneral, TypeImageGeneration, TypeTextAnalysis, TypeCodeExecution,
	TypeDataProcessing, TypeWebScraping, TypeDocumentation, TypeAnalysis,
	TypeCustom,
}

// Priority orders tasks within the queue. Higher values dispatch first.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityMedium Priority = 2
	PriorityHigh   Priority = 3
	PriorityUrgent Priority = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// Task represents a unit of work dispatched to a worker.
type Task struct {
	ID           string         `json:"id"`
	OwnerID      string         `json:"owner_id,omitempty"`
	Description  string         `json:"description"`
	Type         Type           `json:"type"`
	Priority     Priority       `json:"priority"`
	Status       Status         `json:"status"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	ContextData  string         `json:"context_data,omitempty"`
	Result       *Result        `json:"result,omitempty"`
	CancelReason string         `json:"cancel_reason,omitempty"`
	AttemptCount int            `json:"attempt_count"`
	MaxAttempts  int            `json:"max_attempts"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Result holds the outcome of a task's last attempt.
type Result struct {
	Output     string  `json:"output,omitempty"`
	Error      string  `json:"error,omitempty"`
	WorkerID   string  `json:"worker_id,omitempty"`
	DurationMS int64   `json:"duration_ms,omitempty"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
}

// Terminal reports whether no further transition is permitted from s.
// A failed task is terminal only once its attempts are exhausted, which
// is the retry controller's call, so failed is not terminal here.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// transitions is the edge set of the task state machine. A transition
// absent from this table is rejected with domain.ErrConflict.
var transitions = map[Status][]Status{
	StatusPending:    {StatusQueued, StatusCancelled},
	StatusQueued:     {StatusAssigned, StatusCancelled},
	StatusAssigned:   {StatusProcessing, StatusFailed, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled},
	StatusFailed:     {StatusQueued},
}

// CanTransition reports whether the state machine permits from → to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// validType reports whether t is a recognized task type.
func validType(t Type) bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// DefaultMaxAttempts bounds the retry loop when a create request does not
// set its own limit.
const DefaultMaxAttempts = 3

// MaxDescriptionLen caps task descriptions, matching the inbound contract.
const MaxDescriptionLen = 5000

// CreateRequest holds the fields needed to create a new task.
type CreateRequest struct {
	Description string         `json:"description"`
	Type        Type           `json:"type,omitempty"`
	Priority    Priority       `json:"priority,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	ContextData string         `json:"context_data,omitempty"`
	MaxAttempts int            `json:"max_attempts,omitempty"`
}

// Normalize fills defaults and validates the request. A task is never
// created from a request that fails here.
func (r *CreateRequest) Normalize() error {
	if r.Description == "" {
		return fmt.Errorf("%w: description is required", domain.ErrValidation)
	}
	if len(r.Description) > MaxDescriptionLen {
		return fmt.Errorf("%w: description exceeds %d characters", domain.ErrValidation, MaxDescriptionLen)
	}
	if r.Type == "" {
		r.Type = TypeGeneral
	}
	if !validType(r.Type) {
		return fmt.Errorf("%w: unknown task type %q", domain.ErrValidation, r.Type)
	}
	if r.Priority == 0 {
		r.Priority = PriorityMedium
	}
	if r.Priority < PriorityLow || r.Priority > PriorityUrgent {
		return fmt.Errorf("%w: priority must be between %d and %d", domain.ErrValidation, PriorityLow, PriorityUrgent)
	}
	if r.MaxAttempts == 0 {
		r.MaxAttempts = DefaultMaxAttempts
	}
	if r.MaxAttempts < 1 {
		return fmt.Errorf("%w: max_attempts must be >= 1", domain.ErrValidation)
	}
	return nil
}

// UpdateRequest mutates a task that has not yet been dispatched.
// Nil fields are left unchanged.
type UpdateRequest struct {
	Description *string        `json:"description,omitempty"`
	Type        *Type          `json:"type,omitempty"`
	Priority    *Priority      `json:"priority,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Validate checks the populated fields of an update request.
func (r *UpdateRequest) Validate() error {
	if r.Description != nil {
		if *r.Description == "" {
			return fmt.Errorf("%w: description must not be empty", domain.ErrValidation)
		}
		if len(*r.Description) > MaxDescriptionLen {
			return fmt.Errorf("%w: description exceeds %d characters", domain.ErrValidation, MaxDescriptionLen)
		}
	}
	if r.Type != nil && !validType(*r.Type) {
		return fmt.Errorf("%w: unknown task type %q", domain.ErrValidation, *r.Type)
	}
	if r.Priority != nil && (*r.Priority < PriorityLow || *r.Priority > PriorityUrgent) {
		return fmt.Errorf("%w: priority must be between %d and %d", domain.ErrValidation, PriorityLow, PriorityUrgent)
	}
	return nil
}

// BatchRequest creates several tasks atomically as a group.
// Each member is dispatched independently afterwards.
type BatchRequest struct {
	Tasks    []CreateRequest `json:"tasks"`
	Priority Priority        `json:"priority,omitempty"` // default for members that set none
}

// Normalize validates every member. The batch is rejected as a whole if
// any member is malformed.
func (r *BatchRequest) Normalize() error {
	if len(r.Tasks) == 0 {
		return fmt.Errorf("%w: batch must contain at least one task", domain.ErrValidation)
	}
	for i := range r.Tasks {
		if r.Tasks[i].Priority == 0 && r.Priority != 0 {
			r.Tasks[i].Priority = r.Priority
		}
		if err := r.Tasks[i].Normalize(); err != nil {
			return fmt.Errorf("task %d: %w", i, err)
		}
	}
	return nil
}

// RetryRequest re-enters a failed task into the queue. Force bypasses the
// attempt-limit check once; attempt_count still increments for audit.
type RetryRequest struct {
	Force  bool   `json:"force,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// CancelRequest cancels a task.
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// BulkRequest applies cancel or retry to several tasks. Partial failure is
// reported per item, not all-or-nothing.
type BulkRequest struct {
	TaskIDs []string `json:"task_ids"`
	Reason  string   `json:"reason,omitempty"`
	Force   bool     `json:"force,omitempty"`
}

// Filter selects tasks for listing. Zero values mean "any".
type Filter struct {
	OwnerID  string
	Status   Status
	Type     Type
	Priority Priority
	Query    string // case-insensitive description search
	Since    *time.Time
	Until    *time.Time
	Page     int
	PageSize int
}

// DefaultPageSize and MaxPageSize bound list pagination.
const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

// Normalize clamps pagination and validates enum fields.
func (f *Filter) Normalize() error {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
	f.Query = strings.TrimSpace(f.Query)
	if f.Type != "" && !validType(f.Type) {
		return fmt.Errorf("%w: unknown task type %q", domain.ErrValidation, f.Type)
	}
	if f.Status != "" {
		ok := false
		for _, s := range Statuses {
			if f.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("%w: unknown status %q", domain.ErrValidation, f.Status)
		}
	}
	return nil
}
