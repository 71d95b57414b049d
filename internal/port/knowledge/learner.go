// Package knowledge defines the port for the external knowledge learner,
// which caches reusable failure-avoidance constraints per task type.
package knowledge

import "context"

// Constraint is a learned restriction that past failures suggest applying
// to future executions of a task type.
type Constraint struct {
	ID          string `json:"id"`
	TaskType    string `json:"task_type"`
	Description string `json:"description"`
	Source      string `json:"source,omitempty"` // e.g. root-cause label that produced it
}

// Learner is the optional external collaborator consulted during failure
// diagnosis. Queries with no intervening writes must be idempotent.
type Learner interface {
	// GetApplicableConstraints returns constraints relevant to a task type.
	GetApplicableConstraints(ctx context.Context, taskType string) ([]Constraint, error)

	// RecordFailure feeds a diagnosed root cause back into the learner.
	RecordFailure(ctx context.Context, taskType, rootCause string) error
}
