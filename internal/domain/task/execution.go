package task

import "time"

// ExecutionStatus describes the outcome of a single execution attempt.
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailure ExecutionStatus = "failure"
	ExecutionError   ExecutionStatus = "error"
)

// Execution records one attempt to run a task. Attempt numbers are strictly
// increasing per task, assigned as max+1 under the orchestrator's per-task
// guard. Immutable after creation.
type Execution struct {
	ID              string          `json:"id"`
	TaskID          string          `json:"task_id"`
	AttemptNumber   int             `json:"attempt_number"`
	Status          ExecutionStatus `json:"status"`
	ConfidenceScore int             `json:"confidence_score"`
	DurationMS      int64           `json:"duration_ms"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	ErrorStack      string          `json:"error_stack,omitempty"`
	Output          map[string]any  `json:"output,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Test is a declared check associated with a task, executed against the
// task body's output by an external test runner.
type Test struct {
	ID          string  `json:"id"`
	TaskID      string  `json:"task_id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Weight      float64 `json:"weight"`
	IsCritical  bool    `json:"is_critical"`
	Expected    string  `json:"expected,omitempty"`
}

// TestResult is the persisted outcome of running one test during one execution.
type TestResult struct {
	ID          string    `json:"id"`
	ExecutionID string    `json:"execution_id"`
	TestID      string    `json:"test_id"`
	Passed      bool      `json:"passed"`
	Actual      string    `json:"actual,omitempty"`
	Expected    string    `json:"expected,omitempty"`
	Error       string    `json:"error,omitempty"`
	DurationMS  int64     `json:"duration_ms"`
	CreatedAt   time.Time `json:"created_at"`
}
