// Package database defines the database store port (interface).
package database

import (
	"context"

	"github.com/fieldline/conductor/internal/domain/confidence"
	"github.com/fieldline/conductor/internal/domain/correction"
	"github.com/fieldline/conductor/internal/domain/markov"
	"github.com/fieldline/conductor/internal/domain/task"
)

// Store is the port interface for all durable orchestration state.
type Store interface {
	// Tasks
	CreateTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id string) (*task.Task, error)
	ListTasks(ctx context.Context, filter task.ListFilter) ([]task.Task, error)
	UpdateTask(ctx context.Context, t *task.Task) error

	// Executions
	CreateExecution(ctx context.Context, e *task.Execution) error
	GetExecution(ctx context.Context, id string) (*task.Execution, error)
	ListExecutions(ctx context.Context, taskID string) ([]task.Execution, error)
	NextAttemptNumber(ctx context.Context, taskID string) (int, error)

	// Tests and results
	ListTests(ctx context.Context, taskID string) ([]task.Test, error)
	CreateTest(ctx context.Context, t *task.Test) error
	CreateTestResult(ctx context.Context, r *task.TestResult) error
	ListTestResults(ctx context.Context, executionID string) ([]task.TestResult, error)

	// Bayesian priors
	GetPrior(ctx context.Context, taskType string, bucket int) (*confidence.Prior, error)
	ListPriorsByType(ctx context.Context, taskType string) ([]confidence.Prior, error)
	CreatePrior(ctx context.Context, p *confidence.Prior) error
	UpdatePrior(ctx context.Context, p *confidence.Prior) error

	// Markov transitions
	ListTransitions(ctx context.Context) ([]markov.Transition, error)
	UpsertTransition(ctx context.Context, obs markov.Observation) error

	// Correction audit trail
	CreateCorrection(ctx context.Context, r *correction.Record) error
	ListCorrections(ctx context.Context, executionID string) ([]correction.Record, error)
}
