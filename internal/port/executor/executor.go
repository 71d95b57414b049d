// Package executor defines the ports through which the orchestrator runs
// opaque task bodies and their declared tests. Concrete implementations are
// supplied by the embedding application.
package executor

import (
	"context"

	"github.com/fieldline/conductor/internal/domain/confidence"
	"github.com/fieldline/conductor/internal/domain/task"
)

// Outcome is what a task body produces on success.
type Outcome struct {
	// Confidence is the adapter's own 0-100 estimate of the result quality,
	// refined later by the confidence model once tests run.
	Confidence int
	// Output is free-form data handed to the test runner.
	Output map[string]any
}

// Executor runs a task body. A returned error is absorbed by the
// orchestrator into a failed execution record, never propagated.
type Executor interface {
	Run(ctx context.Context, t *task.Task) (*Outcome, error)
}

// TestResult is one test run's outcome: the evidence fed to the confidence
// model plus the observed values persisted as a result row.
type TestResult struct {
	Evidence   confidence.Evidence
	Actual     string
	Error      string
	DurationMS int64
}

// TestRunner executes one declared test against a task execution's output.
type TestRunner interface {
	Run(ctx context.Context, tst *task.Test, output map[string]any) (*TestResult, error)
}
