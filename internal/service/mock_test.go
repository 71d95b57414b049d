package service

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fieldline/conductor/internal/domain"
	"github.com/fieldline/conductor/internal/domain/confidence"
	"github.com/fieldline/conductor/internal/domain/correction"
	"github.com/fieldline/conductor/internal/domain/markov"
	"github.com/fieldline/conductor/internal/domain/task"
	"github.com/fieldline/conductor/internal/port/executor"
	"github.com/fieldline/conductor/internal/port/messagequeue"
)

// mockStore is an in-memory database.Store for testing.
type mockStore struct {
	mu          sync.Mutex
	tasks       map[string]*task.Task
	executions  map[string]*task.Execution
	tests       map[string][]task.Test       // keyed by task id
	results     map[string][]task.TestResult // keyed by execution id
	priors      map[string]*confidence.Prior // keyed by type|bucket
	transitions map[string]*markov.Transition
	corrections map[string][]correction.Record
}

func newMockStore() *mockStore {
	return &mockStore{
		tasks:       make(map[string]*task.Task),
		executions:  make(map[string]*task.Execution),
		tests:       make(map[string][]task.Test),
		results:     make(map[string][]task.TestResult),
		priors:      make(map[string]*confidence.Prior),
		transitions: make(map[string]*markov.Transition),
		corrections: make(map[string][]correction.Record),
	}
}

func priorKey(taskType string, bucket int) string {
	return fmt.Sprintf("%s|%d", taskType, bucket)
}

func transitionStoreKey(obs markov.Observation) string {
	return fmt.Sprintf("%s|%s|%s|%s", obs.FromState, obs.ToState, obs.TaskType, obs.ConfidenceBucket)
}

func (s *mockStore) CreateTask(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *mockStore) GetTask(_ context.Context, id string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("get task %s: %w", id, domain.ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (s *mockStore) ListTasks(_ context.Context, filter task.ListFilter) ([]task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []task.Task
	for _, t := range s.tasks {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.TaskType != "" && t.TaskType != filter.TaskType {
			continue
		}
		if filter.ParentID != "" && t.ParentID != filter.ParentID {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *mockStore) UpdateTask(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		return fmt.Errorf("update task %s: %w", t.ID, domain.ErrNotFound)
	}
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *mockStore) CreateExecution(_ context.Context, e *task.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.executions[e.ID] = &cp
	return nil
}

func (s *mockStore) GetExecution(_ context.Context, id string) (*task.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, fmt.Errorf("get execution %s: %w", id, domain.ErrNotFound)
	}
	cp := *e
	return &cp, nil
}

func (s *mockStore) ListExecutions(_ context.Context, taskID string) ([]task.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []task.Execution
	for _, e := range s.executions {
		if e.TaskID == taskID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptNumber < out[j].AttemptNumber })
	return out, nil
}

func (s *mockStore) NextAttemptNumber(_ context.Context, taskID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	max := 0
	for _, e := range s.executions {
		if e.TaskID == taskID && e.AttemptNumber > max {
			max = e.AttemptNumber
		}
	}
	return max + 1, nil
}

func (s *mockStore) ListTests(_ context.Context, taskID string) ([]task.Test, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]task.Test(nil), s.tests[taskID]...), nil
}

func (s *mockStore) CreateTest(_ context.Context, t *task.Test) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tests[t.TaskID] = append(s.tests[t.TaskID], *t)
	return nil
}

func (s *mockStore) CreateTestResult(_ context.Context, r *task.TestResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[r.ExecutionID] = append(s.results[r.ExecutionID], *r)
	return nil
}

func (s *mockStore) ListTestResults(_ context.Context, executionID string) ([]task.TestResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]task.TestResult(nil), s.results[executionID]...), nil
}

func (s *mockStore) GetPrior(_ context.Context, taskType string, bucket int) (*confidence.Prior, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.priors[priorKey(taskType, bucket)]
	if !ok {
		return nil, fmt.Errorf("get prior %s/%d: %w", taskType, bucket, domain.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *mockStore) ListPriorsByType(_ context.Context, taskType string) ([]confidence.Prior, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []confidence.Prior
	for _, p := range s.priors {
		if p.TaskType == taskType {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ComplexityBucket < out[j].ComplexityBucket })
	return out, nil
}

func (s *mockStore) CreatePrior(_ context.Context, p *confidence.Prior) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.priors[priorKey(p.TaskType, p.ComplexityBucket)] = &cp
	return nil
}

func (s *mockStore) UpdatePrior(_ context.Context, p *confidence.Prior) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := priorKey(p.TaskType, p.ComplexityBucket)
	if _, ok := s.priors[key]; !ok {
		return fmt.Errorf("update prior %s: %w", key, domain.ErrNotFound)
	}
	cp := *p
	s.priors[key] = &cp
	return nil
}

func (s *mockStore) ListTransitions(_ context.Context) ([]markov.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []markov.Transition
	for _, t := range s.transitions {
		out = append(out, *t)
	}
	return out, nil
}

func (s *mockStore) UpsertTransition(_ context.Context, obs markov.Observation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := transitionStoreKey(obs)
	t, ok := s.transitions[key]
	if !ok {
		t = &markov.Transition{
			ID:               key,
			FromState:        obs.FromState,
			ToState:          obs.ToState,
			TaskType:         obs.TaskType,
			ConfidenceBucket: obs.ConfidenceBucket,
		}
		s.transitions[key] = t
	}
	t.AvgDurationMS = (t.AvgDurationMS*float64(t.Count) + float64(obs.DurationMS)) / float64(t.Count+1)
	t.Count++
	if obs.Success {
		t.SuccessCount++
	}
	return nil
}

func (s *mockStore) CreateCorrection(_ context.Context, r *correction.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corrections[r.ExecutionID] = append(s.corrections[r.ExecutionID], *r)
	return nil
}

func (s *mockStore) ListCorrections(_ context.Context, executionID string) ([]correction.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]correction.Record(nil), s.corrections[executionID]...), nil
}

// --- Fake adapters ---

// fakeExecutor implements executor.Executor with a scriptable outcome.
type fakeExecutor struct {
	mu       sync.Mutex
	outcome  *executor.Outcome
	err      error
	panicVal any
	block    chan struct{} // when set, Run waits until closed
	calls    int
}

func (f *fakeExecutor) Run(ctx context.Context, _ *task.Task) (*executor.Outcome, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	outcome, err, panicVal := f.outcome, f.err, f.panicVal
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if panicVal != nil {
		panic(panicVal)
	}
	if err != nil {
		return nil, err
	}
	if outcome != nil {
		return outcome, nil
	}
	return &executor.Outcome{Confidence: 90, Output: map[string]any{"done": true}}, nil
}

// fakeRunner implements executor.TestRunner; tests named in failing are
// reported as failed.
type fakeRunner struct {
	failing map[string]bool
	err     error
}

func (f *fakeRunner) Run(_ context.Context, tst *task.Test, _ map[string]any) (*executor.TestResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	passed := !f.failing[tst.Name]
	return &executor.TestResult{
		Evidence: confidence.Evidence{Passed: passed, Weight: tst.Weight, IsCritical: tst.IsCritical},
		Actual:   fmt.Sprintf("passed=%v", passed),
	}, nil
}

// mockQueue implements messagequeue.Queue for testing.
type mockQueue struct {
	mu        sync.Mutex
	published []struct {
		subject string
		data    []byte
	}
	publishErr error
}

func (q *mockQueue) Publish(_ context.Context, subject string, data []byte) error {
	if q.publishErr != nil {
		return q.publishErr
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.published = append(q.published, struct {
		subject string
		data    []byte
	}{subject, data})
	return nil
}

func (q *mockQueue) Subscribe(_ context.Context, _ string, _ messagequeue.Handler) (func(), error) {
	return func() {}, nil
}

func (q *mockQueue) Drain() error      { return nil }
func (q *mockQueue) Close() error      { return nil }
func (q *mockQueue) IsConnected() bool { return true }

func (q *mockQueue) subjects() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []string
	for _, p := range q.published {
		out = append(out, p.subject)
	}
	return out
}
