// Package markov defines the state transition records and predictions
// produced by the transition predictor.
package markov

import (
	"github.com/fieldline/conductor/internal/domain/confidence"
	"github.com/fieldline/conductor/internal/domain/task"
)

// Transition is the aggregated record of observed moves from one task status
// to another for a (task-type, confidence-bucket) pair. Counts only grow;
// AvgDurationMS is an exact running mean.
type Transition struct {
	ID               string            `json:"id"`
	FromState        task.Status       `json:"from_state"`
	ToState          task.Status       `json:"to_state"`
	TaskType         string            `json:"task_type"`
	ConfidenceBucket confidence.Bucket `json:"confidence_bucket"`
	Count            int               `json:"count"`
	SuccessCount     int               `json:"success_count"`
	AvgDurationMS    float64           `json:"avg_duration_ms"`
}

// Observation is a single observed state change, folded into the matching
// Transition record.
type Observation struct {
	FromState        task.Status       `json:"from_state"`
	ToState          task.Status       `json:"to_state"`
	TaskType         string            `json:"task_type"`
	ConfidenceBucket confidence.Bucket `json:"confidence_bucket"`
	DurationMS       int64             `json:"duration_ms"`
	Success          bool              `json:"success"`
}

// NextState is one entry in a normalized next-state probability distribution.
type NextState struct {
	State              task.Status `json:"state"`
	Probability        float64     `json:"probability"`
	ExpectedDurationMS float64     `json:"expected_duration_ms"`
	SuccessProbability float64     `json:"success_probability"`
}

// Prediction is the distribution over next states for a
// (state, type, bucket) key plus a derived textual recommendation.
type Prediction struct {
	FromState        task.Status       `json:"from_state"`
	TaskType         string            `json:"task_type"`
	ConfidenceBucket confidence.Bucket `json:"confidence_bucket"`
	NextStates       []NextState       `json:"next_states"`
	Recommendation   string            `json:"recommendation"`
}

// Path is the highest-probability route between two states, found by
// probability-weighted breadth-first search.
type Path struct {
	States             []task.Status `json:"states"`
	Probability        float64       `json:"probability"`
	ExpectedDurationMS float64       `json:"expected_duration_ms"`
}

// Pattern aggregates all transitions for a task type.
type Pattern struct {
	TaskType              string      `json:"task_type"`
	TotalTransitions      int         `json:"total_transitions"`
	SuccessRate           float64     `json:"success_rate"`
	MostCommonFailureFrom task.Status `json:"most_common_failure_from,omitempty"`
	AvgCompletionMS       float64     `json:"avg_completion_ms"`
}
