// Package task defines the Task domain entity and its lifecycle state machine.
package task

import (
	"fmt"
	"time"

	"github.com/fieldline/conductor/internal/domain"
)

// Status represents the current lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusTesting   Status = "testing"
	StatusPassed    Status = "passed"
	StatusFailed    Status = "failed"
	StatusCompleted Status = "completed"
)

// Default confidence thresholds applied when a create request leaves them unset.
const (
	DefaultFloorConfidence  = 88
	DefaultTargetConfidence = 96
)

// transitions enumerates the legal lifecycle edges. StatusFailed -> StatusRunning
// exists so the correction engine can re-drive a failed task; normal flow never
// leaves a terminal state.
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning},
	StatusRunning: {StatusTesting, StatusFailed},
	StatusTesting: {StatusPassed, StatusFailed},
	StatusPassed:  {StatusCompleted},
	StatusFailed:  {StatusRunning},
}

// CanTransition reports whether moving from one status to another is a legal
// lifecycle edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Task represents a unit of work with confidence thresholds and dependencies.
type Task struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Description      string         `json:"description,omitempty"`
	TaskType         string         `json:"task_type"`
	Status           Status         `json:"status"`
	ConfidenceScore  int            `json:"confidence_score"`
	TargetConfidence int            `json:"target_confidence"`
	FloorConfidence  int            `json:"floor_confidence"`
	ParentID         string         `json:"parent_id,omitempty"`
	Dependencies     []string       `json:"dependencies,omitempty"`
	Priority         int            `json:"priority"`
	ComplexityScore  float64        `json:"complexity_score"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
}

// CreateRequest holds the fields needed to create a new task.
// FloorConfidence and TargetConfidence fall back to the package defaults
// when zero.
type CreateRequest struct {
	Name             string         `json:"name"`
	Description      string         `json:"description,omitempty"`
	TaskType         string         `json:"task_type"`
	ParentID         string         `json:"parent_id,omitempty"`
	Dependencies     []string       `json:"dependencies,omitempty"`
	Priority         int            `json:"priority"`
	ComplexityScore  float64        `json:"complexity_score"`
	FloorConfidence  int            `json:"floor_confidence,omitempty"`
	TargetConfidence int            `json:"target_confidence,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Validate checks the request for required fields and sane thresholds.
func (r *CreateRequest) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", domain.ErrValidation)
	}
	if r.TaskType == "" {
		return fmt.Errorf("%w: task_type is required", domain.ErrValidation)
	}
	if r.ComplexityScore < 0 {
		return fmt.Errorf("%w: complexity_score must be >= 0", domain.ErrValidation)
	}
	if r.FloorConfidence < 0 || r.FloorConfidence > 100 {
		return fmt.Errorf("%w: floor_confidence must be within 0-100", domain.ErrValidation)
	}
	if r.TargetConfidence < 0 || r.TargetConfidence > 100 {
		return fmt.Errorf("%w: target_confidence must be within 0-100", domain.ErrValidation)
	}
	if r.FloorConfidence != 0 && r.TargetConfidence != 0 && r.FloorConfidence > r.TargetConfidence {
		return fmt.Errorf("%w: floor_confidence must not exceed target_confidence", domain.ErrValidation)
	}
	return nil
}

// ListFilter narrows task listing. Zero values match everything.
type ListFilter struct {
	Status   Status `json:"status,omitempty"`
	TaskType string `json:"task_type,omitempty"`
	ParentID string `json:"parent_id,omitempty"`
}

// Edge is a directed relationship between two tasks in the task graph.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
	Kind string `json:"kind"` // "parent" or "dependency"
}

// Graph is the flattened view of all tasks and their relationships,
// consumed by external visualizers and by failure diagnosis.
type Graph struct {
	Tasks []Task `json:"tasks"`
	Edges []Edge `json:"edges"`
}
