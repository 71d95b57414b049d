// Package simexec provides local executor and test runner adapters driven
// entirely by task metadata and declared expectations. Deployments with a
// real execution backend replace these; standalone and demo setups run on
// them directly.
package simexec

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/fieldline/conductor/internal/domain/confidence"
	"github.com/fieldline/conductor/internal/domain/task"
	"github.com/fieldline/conductor/internal/port/executor"
)

// Executor implements executor.Executor. Metadata keys control the outcome:
// "simulate_error" (string) makes the run fail with that message;
// "simulate_confidence" (number) overrides the adapter confidence estimate.
type Executor struct{}

// NewExecutor creates a simulation Executor.
func NewExecutor() *Executor { return &Executor{} }

// Run produces a deterministic outcome from the task's metadata and
// complexity. Higher complexity lowers the adapter's confidence estimate.
func (e *Executor) Run(_ context.Context, t *task.Task) (*executor.Outcome, error) {
	if msg, ok := t.Metadata["simulate_error"].(string); ok && msg != "" {
		return nil, errors.New(msg)
	}

	conf := 100 - int(math.Round(t.ComplexityScore*2))
	if override, ok := numericMetadata(t.Metadata, "simulate_confidence"); ok {
		conf = int(math.Round(override))
	}
	if conf > 100 {
		conf = 100
	}
	if conf < 0 {
		conf = 0
	}

	output := map[string]any{
		"task_id":   t.ID,
		"task_type": t.TaskType,
		"completed": true,
	}
	if results, ok := t.Metadata["simulate_output"].(map[string]any); ok {
		for k, v := range results {
			output[k] = v
		}
	}

	return &executor.Outcome{Confidence: conf, Output: output}, nil
}

// Runner implements executor.TestRunner. A test passes when the execution
// output value keyed by the test's name matches the declared expectation, or
// unconditionally when no expectation is declared.
type Runner struct{}

// NewRunner creates a simulation Runner.
func NewRunner() *Runner { return &Runner{} }

// Run evaluates one declared test against the execution output.
func (r *Runner) Run(_ context.Context, tst *task.Test, output map[string]any) (*executor.TestResult, error) {
	actual := ""
	if v, ok := output[tst.Name]; ok {
		actual = fmt.Sprint(v)
	}
	passed := tst.Expected == "" || actual == tst.Expected

	return &executor.TestResult{
		Evidence: confidence.Evidence{Passed: passed, Weight: tst.Weight, IsCritical: tst.IsCritical},
		Actual:   actual,
	}, nil
}

func numericMetadata(m map[string]any, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}
