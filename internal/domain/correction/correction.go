// Package correction defines the diagnosis, strategy, and rollback types used
// by the self-correction engine.
package correction

import (
	"time"

	"github.com/fieldline/conductor/internal/domain/task"
)

// StrategyType identifies a corrective approach.
type StrategyType string

const (
	StrategyRollback            StrategyType = "rollback"
	StrategyRetry               StrategyType = "retry"
	StrategyAlternativeApproach StrategyType = "alternative_approach"
	StrategyParameterAdjustment StrategyType = "parameter_adjustment"
)

// Strategy is one ranked corrective candidate generated per diagnosis.
// Lower priority is tried first.
type Strategy struct {
	Type                 StrategyType `json:"type"`
	Priority             int          `json:"priority"`
	EstimatedSuccessRate float64      `json:"estimated_success_rate"`
	Description          string       `json:"description"`
}

// Diagnosis is the structured result of analyzing a failed execution.
type Diagnosis struct {
	TaskID     string     `json:"task_id"`
	Summary    string     `json:"summary"`
	RootCause  string     `json:"root_cause"`
	Strategies []Strategy `json:"strategies"`
}

// RollbackPoint is an in-memory snapshot of a task's restorable state.
// Session-scoped: lost on process restart.
type RollbackPoint struct {
	ID              string         `json:"id"`
	TaskID          string         `json:"task_id"`
	ExecutionID     string         `json:"execution_id,omitempty"`
	ConfidenceScore int            `json:"confidence_score"`
	Status          task.Status    `json:"status"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Record is the mandatory audit row written for every applied strategy,
// regardless of outcome.
type Record struct {
	ID               string       `json:"id"`
	ExecutionID      string       `json:"execution_id"`
	StrategyType     StrategyType `json:"strategy_type"`
	Analysis         string       `json:"analysis"`
	BeforeConfidence int          `json:"before_confidence"`
	AfterConfidence  int          `json:"after_confidence"`
	Success          bool         `json:"success"`
	CreatedAt        time.Time    `json:"created_at"`
}

// Applied describes one strategy application inside a correction attempt.
type Applied struct {
	Strategy        Strategy `json:"strategy"`
	Success         bool     `json:"success"`
	ConfidenceAfter int      `json:"confidence_after"`
	Message         string   `json:"message,omitempty"`
}

// Result is the structured outcome of an auto-correction attempt.
// Corrected=false with a message is a normal, reportable outcome.
type Result struct {
	TaskID          string    `json:"task_id"`
	Corrected       bool      `json:"corrected"`
	Applied         []Applied `json:"applied,omitempty"`
	FinalConfidence int       `json:"final_confidence"`
	Message         string    `json:"message"`
}
