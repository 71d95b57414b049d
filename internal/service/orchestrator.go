package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	cdotel "github.com/fieldline/conductor/internal/adapter/otel"
	"github.com/fieldline/conductor/internal/config"
	"github.com/fieldline/conductor/internal/domain"
	"github.com/fieldline/conductor/internal/domain/confidence"
	"github.com/fieldline/conductor/internal/domain/markov"
	"github.com/fieldline/conductor/internal/domain/task"
	"github.com/fieldline/conductor/internal/port/broadcast"
	"github.com/fieldline/conductor/internal/port/costmeter"
	"github.com/fieldline/conductor/internal/port/database"
	"github.com/fieldline/conductor/internal/port/executor"
	"github.com/fieldline/conductor/internal/port/messagequeue"
	"github.com/fieldline/conductor/internal/resilience"
	"github.com/fieldline/conductor/internal/workpool"
)

// maxSubtasks caps how many pieces a decomposition may produce.
const maxSubtasks = 5

// TestReport is the outcome of running a task's declared tests against one
// execution.
type TestReport struct {
	Passed bool               `json:"passed"`
	Update *confidence.Update `json:"confidence_update"`
}

// Orchestrator drives the task lifecycle: creation, dependency-gated
// execution through an opaque adapter, test evaluation, and status
// transitions. Executions of the same task id are mutually exclusive,
// enforced by an in-process guard held for the full execution.
type Orchestrator struct {
	store      database.Store
	confidence *ConfidenceModel
	predictor  *TransitionPredictor
	executor   executor.Executor
	runner     executor.TestRunner
	cfg        config.Orchestrator
	log        *slog.Logger

	// Optional collaborators, installed via setters.
	queue   messagequeue.Queue
	hub     broadcast.Broadcaster
	meter   costmeter.Meter
	breaker *resilience.Breaker
	pool    *workpool.Pool

	mu      sync.Mutex
	running map[string]struct{}
}

// NewOrchestrator creates an Orchestrator with the required collaborators.
func NewOrchestrator(
	store database.Store,
	model *ConfidenceModel,
	predictor *TransitionPredictor,
	exec executor.Executor,
	runner executor.TestRunner,
	cfg config.Orchestrator,
	log *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		store:      store,
		confidence: model,
		predictor:  predictor,
		executor:   exec,
		runner:     runner,
		cfg:        cfg,
		log:        log,
		running:    make(map[string]struct{}),
	}
}

// SetQueue installs the message queue for lifecycle event publication.
// Publish failures are logged, never propagated.
func (o *Orchestrator) SetQueue(q messagequeue.Queue) { o.queue = q }

// SetBroadcaster installs the real-time broadcaster for task status events.
func (o *Orchestrator) SetBroadcaster(b broadcast.Broadcaster) { o.hub = b }

// SetMeter installs the cost meter recorded on every execution.
func (o *Orchestrator) SetMeter(m costmeter.Meter) { o.meter = m }

// SetBreaker installs a circuit breaker around executor adapter calls.
func (o *Orchestrator) SetBreaker(b *resilience.Breaker) { o.breaker = b }

// SetPool installs a shared concurrency limit for adapter invocations.
func (o *Orchestrator) SetPool(p *workpool.Pool) { o.pool = p }

// CreateTask validates the request and inserts a pending task. Floor and
// target confidence default to 88 and 96 when unset.
func (o *Orchestrator) CreateTask(ctx context.Context, req *task.CreateRequest) (*task.Task, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	t := &task.Task{
		ID:               uuid.NewString(),
		Name:             req.Name,
		Description:      req.Description,
		TaskType:         req.TaskType,
		Status:           task.StatusPending,
		TargetConfidence: req.TargetConfidence,
		FloorConfidence:  req.FloorConfidence,
		ParentID:         req.ParentID,
		Dependencies:     req.Dependencies,
		Priority:         req.Priority,
		ComplexityScore:  req.ComplexityScore,
		Metadata:         req.Metadata,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if t.FloorConfidence == 0 {
		t.FloorConfidence = task.DefaultFloorConfidence
	}
	if t.TargetConfidence == 0 {
		t.TargetConfidence = task.DefaultTargetConfidence
	}

	if err := o.store.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	o.publish(ctx, messagequeue.SubjectTaskCreated, messagequeue.TaskCreatedPayload{
		TaskID:   t.ID,
		TaskType: t.TaskType,
		ParentID: t.ParentID,
	})
	o.broadcastTask(ctx, "task.created", t)

	return t, nil
}

// GetTask returns one task by id.
func (o *Orchestrator) GetTask(ctx context.Context, id string) (*task.Task, error) {
	return o.store.GetTask(ctx, id)
}

// ListTasks returns tasks matching the filter.
func (o *Orchestrator) ListTasks(ctx context.Context, filter task.ListFilter) ([]task.Task, error) {
	return o.store.ListTasks(ctx, filter)
}

// ListExecutions returns all execution attempts for a task, oldest first.
func (o *Orchestrator) ListExecutions(ctx context.Context, taskID string) ([]task.Execution, error) {
	return o.store.ListExecutions(ctx, taskID)
}

// CreateTest declares a test for a task. Weight defaults to 1 when unset.
func (o *Orchestrator) CreateTest(ctx context.Context, tst *task.Test) (*task.Test, error) {
	if tst.TaskID == "" {
		return nil, fmt.Errorf("%w: task_id is required", domain.ErrValidation)
	}
	if tst.Name == "" {
		return nil, fmt.Errorf("%w: name is required", domain.ErrValidation)
	}
	if tst.Weight <= 0 {
		tst.Weight = 1
	}
	if _, err := o.store.GetTask(ctx, tst.TaskID); err != nil {
		return nil, err
	}
	tst.ID = uuid.NewString()
	if err := o.store.CreateTest(ctx, tst); err != nil {
		return nil, fmt.Errorf("create test: %w", err)
	}
	return tst, nil
}

// ExecuteTask runs a task body through the execution adapter. Concurrency
// and dependency violations propagate to the caller; adapter failures are
// absorbed into an error execution record and a failed task, never returned
// as errors.
func (o *Orchestrator) ExecuteTask(ctx context.Context, id string) (*task.Execution, error) {
	if !o.acquire(id) {
		return nil, fmt.Errorf("task %s: %w", id, domain.ErrTaskRunning)
	}
	defer o.release(id)

	t, err := o.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if !task.CanTransition(t.Status, task.StatusRunning) {
		return nil, fmt.Errorf("%w: cannot execute task in status %q", domain.ErrConflict, t.Status)
	}
	if err := o.ensureDependencies(ctx, t); err != nil {
		return nil, err
	}

	attempt, err := o.store.NextAttemptNumber(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("next attempt number: %w", err)
	}

	ctx, span := cdotel.StartExecutionSpan(ctx, t.ID, t.TaskType, attempt)
	defer span.End()

	now := time.Now().UTC()
	t.Status = task.StatusRunning
	t.StartedAt = &now
	t.UpdatedAt = now
	if err := o.store.UpdateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("mark running: %w", err)
	}
	o.broadcastTask(ctx, "task.started", t)

	start := time.Now()
	outcome, runErr := o.runBody(ctx, t)
	duration := time.Since(start).Milliseconds()

	exec := &task.Execution{
		ID:            uuid.NewString(),
		TaskID:        t.ID,
		AttemptNumber: attempt,
		DurationMS:    duration,
		CreatedAt:     time.Now().UTC(),
	}

	next := task.StatusTesting
	if runErr != nil {
		exec.Status = task.ExecutionError
		exec.ConfidenceScore = 0
		exec.ErrorMessage = runErr.Error()
		var pe *panicError
		if errors.As(runErr, &pe) {
			exec.ErrorStack = pe.stack
		}
		next = task.StatusFailed
	} else {
		exec.Status = task.ExecutionSuccess
		exec.ConfidenceScore = outcome.Confidence
		exec.Output = outcome.Output
	}

	if err := o.store.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("record execution: %w", err)
	}

	o.recordTransition(ctx, markov.Observation{
		FromState:        task.StatusRunning,
		ToState:          next,
		TaskType:         t.TaskType,
		ConfidenceBucket: confidence.BucketFor(exec.ConfidenceScore),
		DurationMS:       duration,
		Success:          runErr == nil,
	})

	t.Status = next
	t.ConfidenceScore = exec.ConfidenceScore
	t.UpdatedAt = time.Now().UTC()
	if err := o.store.UpdateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("update task after execution: %w", err)
	}

	if o.meter != nil {
		o.meter.RecordExecution(ctx, t.TaskType, duration, runErr == nil)
	}
	o.publish(ctx, messagequeue.SubjectExecutionCompleted, messagequeue.ExecutionCompletedPayload{
		TaskID:      t.ID,
		ExecutionID: exec.ID,
		Attempt:     exec.AttemptNumber,
		Status:      string(exec.Status),
		Confidence:  exec.ConfidenceScore,
		DurationMS:  duration,
	})
	o.broadcastTask(ctx, "task.executed", t)

	return exec, nil
}

// panicError carries the recovered panic value and stack out of an adapter
// invocation.
type panicError struct {
	value any
	stack string
}

func (e *panicError) Error() string {
	return fmt.Sprintf("executor panic: %v", e.value)
}

// runBody invokes the execution adapter under the pool's concurrency limit
// and the circuit breaker, converting panics into errors.
func (o *Orchestrator) runBody(ctx context.Context, t *task.Task) (outcome *executor.Outcome, err error) {
	run := func() (rerr error) {
		defer func() {
			if r := recover(); r != nil {
				rerr = &panicError{value: r, stack: string(debug.Stack())}
			}
		}()
		var runErr error
		outcome, runErr = o.executor.Run(ctx, t)
		return runErr
	}

	guarded := run
	if o.breaker != nil {
		guarded = func() error { return o.breaker.Execute(run) }
	}
	err = o.pool.Run(ctx, guarded)
	if err == nil && outcome == nil {
		err = errors.New("executor returned no outcome")
	}
	return outcome, err
}

// RunTests executes the task's declared tests against one execution's
// output, persists each result, and folds the evidence into a posterior
// confidence. The task moves to passed or failed by whether the posterior
// meets the floor.
func (o *Orchestrator) RunTests(ctx context.Context, taskID, executionID string) (*TestReport, error) {
	t, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	exec, err := o.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.TaskID != taskID {
		return nil, fmt.Errorf("%w: execution %s does not belong to task %s", domain.ErrValidation, executionID, taskID)
	}

	tests, err := o.store.ListTests(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("list tests: %w", err)
	}

	var evidence []confidence.Evidence
	var totalDuration int64
	for i := range tests {
		tst := &tests[i]
		res := o.runTest(ctx, tst, exec.Output)
		totalDuration += res.DurationMS

		row := &task.TestResult{
			ID:          uuid.NewString(),
			ExecutionID: exec.ID,
			TestID:      tst.ID,
			Passed:      res.Evidence.Passed,
			Actual:      res.Actual,
			Expected:    tst.Expected,
			Error:       res.Error,
			DurationMS:  res.DurationMS,
			CreatedAt:   time.Now().UTC(),
		}
		if err := o.store.CreateTestResult(ctx, row); err != nil {
			return nil, fmt.Errorf("record test result: %w", err)
		}
		evidence = append(evidence, res.Evidence)
	}

	update, err := o.confidence.Compute(ctx, t.TaskType, t.ComplexityScore, evidence, t.FloorConfidence, t.TargetConfidence)
	if err != nil {
		return nil, fmt.Errorf("compute confidence: %w", err)
	}

	next := task.StatusFailed
	if update.MeetsFloor {
		next = task.StatusPassed
	}
	if !task.CanTransition(t.Status, next) {
		return nil, fmt.Errorf("%w: cannot move task from %q to %q", domain.ErrConflict, t.Status, next)
	}

	o.recordTransition(ctx, markov.Observation{
		FromState:        task.StatusTesting,
		ToState:          next,
		TaskType:         t.TaskType,
		ConfidenceBucket: confidence.BucketFor(update.Confidence),
		DurationMS:       totalDuration,
		Success:          update.MeetsTarget,
	})

	t.Status = next
	t.ConfidenceScore = update.Confidence
	t.UpdatedAt = time.Now().UTC()
	if err := o.store.UpdateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("update task after tests: %w", err)
	}

	if o.meter != nil {
		o.meter.RecordConfidence(ctx, t.TaskType, update.Confidence)
	}
	o.broadcastTask(ctx, "task.tested", t)

	return &TestReport{Passed: update.MeetsFloor, Update: update}, nil
}

// runTest invokes the test runner under the pool's concurrency limit. A
// runner error or panic counts as a failed test carrying the declared weight
// and criticality; it never aborts the batch.
func (o *Orchestrator) runTest(ctx context.Context, tst *task.Test, output map[string]any) *executor.TestResult {
	var res *executor.TestResult
	err := o.pool.Run(ctx, func() (rerr error) {
		defer func() {
			if r := recover(); r != nil {
				rerr = &panicError{value: r, stack: string(debug.Stack())}
			}
		}()
		var runErr error
		res, runErr = o.runner.Run(ctx, tst, output)
		return runErr
	})
	if err != nil || res == nil {
		msg := "test runner returned no result"
		if err != nil {
			msg = err.Error()
		}
		return &executor.TestResult{
			Evidence: confidence.Evidence{Passed: false, Weight: tst.Weight, IsCritical: tst.IsCritical},
			Error:    msg,
		}
	}
	// The runner reports pass/fail; weight and criticality always come from
	// the declaration.
	res.Evidence.Weight = tst.Weight
	res.Evidence.IsCritical = tst.IsCritical
	return res
}

// DecomposeTask splits a complex task into sequential subtasks. Tasks with
// complexity <= 3 come back unchanged as a single-element list. Otherwise
// min(ceil(complexity/2), 5) subtasks are created, evenly dividing the
// parent's complexity and chained through dependencies.
func (o *Orchestrator) DecomposeTask(ctx context.Context, id string) ([]task.Task, error) {
	t, err := o.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.ComplexityScore <= 3 {
		return []task.Task{*t}, nil
	}

	n := int(math.Ceil(t.ComplexityScore / 2))
	if n > maxSubtasks {
		n = maxSubtasks
	}
	if n < 2 {
		n = 2
	}
	per := t.ComplexityScore / float64(n)

	subtasks := make([]task.Task, 0, n)
	prevID := ""
	for i := 1; i <= n; i++ {
		req := &task.CreateRequest{
			Name:             fmt.Sprintf("%s (part %d/%d)", t.Name, i, n),
			Description:      t.Description,
			TaskType:         t.TaskType,
			ParentID:         t.ID,
			Priority:         t.Priority,
			ComplexityScore:  per,
			FloorConfidence:  t.FloorConfidence,
			TargetConfidence: t.TargetConfidence,
		}
		if prevID != "" {
			req.Dependencies = []string{prevID}
		}
		sub, err := o.CreateTask(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("create subtask %d/%d: %w", i, n, err)
		}
		subtasks = append(subtasks, *sub)
		prevID = sub.ID
	}

	o.log.Info("task decomposed", "task_id", t.ID, "subtasks", n)
	return subtasks, nil
}

// CheckDependencies reports whether every dependency of a task is completed.
func (o *Orchestrator) CheckDependencies(ctx context.Context, id string) (bool, error) {
	t, err := o.store.GetTask(ctx, id)
	if err != nil {
		return false, err
	}
	if err := o.ensureDependencies(ctx, t); err != nil {
		if errors.Is(err, domain.ErrDependenciesNotMet) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ensureDependencies fails with ErrDependenciesNotMet unless every
// dependency task has status completed.
func (o *Orchestrator) ensureDependencies(ctx context.Context, t *task.Task) error {
	for _, depID := range t.Dependencies {
		dep, err := o.store.GetTask(ctx, depID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return fmt.Errorf("dependency %s not found: %w", depID, domain.ErrDependenciesNotMet)
			}
			return err
		}
		if dep.Status != task.StatusCompleted {
			return fmt.Errorf("dependency %s is %s: %w", depID, dep.Status, domain.ErrDependenciesNotMet)
		}
	}
	return nil
}

// GetTaskGraph returns all tasks plus a flattened edge list of parent and
// dependency relationships.
func (o *Orchestrator) GetTaskGraph(ctx context.Context) (*task.Graph, error) {
	tasks, err := o.store.ListTasks(ctx, task.ListFilter{})
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	g := &task.Graph{Tasks: tasks}
	for _, t := range tasks {
		if t.ParentID != "" {
			g.Edges = append(g.Edges, task.Edge{From: t.ParentID, To: t.ID, Kind: "parent"})
		}
		for _, dep := range t.Dependencies {
			g.Edges = append(g.Edges, task.Edge{From: dep, To: t.ID, Kind: "dependency"})
		}
	}
	return g, nil
}

// ExecuteReady runs every pending task whose dependencies are met, up to
// MaxParallel at a time. Per-task usage errors are logged and skipped, so a
// busy or blocked task never stalls the batch.
func (o *Orchestrator) ExecuteReady(ctx context.Context) ([]task.Execution, error) {
	pending, err := o.store.ListTasks(ctx, task.ListFilter{Status: task.StatusPending})
	if err != nil {
		return nil, fmt.Errorf("list pending tasks: %w", err)
	}

	var mu sync.Mutex
	var executions []task.Execution

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.MaxParallel)

	for i := range pending {
		t := pending[i]
		g.Go(func() error {
			exec, err := o.ExecuteTask(gctx, t.ID)
			if err != nil {
				if errors.Is(err, domain.ErrTaskRunning) ||
					errors.Is(err, domain.ErrDependenciesNotMet) ||
					errors.Is(err, domain.ErrConflict) {
					o.log.Debug("skipping task in batch", "task_id", t.ID, "reason", err)
					return nil
				}
				return err
			}
			mu.Lock()
			executions = append(executions, *exec)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return executions, err
	}
	return executions, nil
}

// CompleteTask moves a passed task to completed and stamps the completion
// time.
func (o *Orchestrator) CompleteTask(ctx context.Context, id string) (*task.Task, error) {
	t, err := o.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if !task.CanTransition(t.Status, task.StatusCompleted) {
		return nil, fmt.Errorf("%w: cannot complete task in status %q", domain.ErrConflict, t.Status)
	}

	o.recordTransition(ctx, markov.Observation{
		FromState:        t.Status,
		ToState:          task.StatusCompleted,
		TaskType:         t.TaskType,
		ConfidenceBucket: confidence.BucketFor(t.ConfidenceScore),
		Success:          true,
	})

	now := time.Now().UTC()
	t.Status = task.StatusCompleted
	t.CompletedAt = &now
	t.UpdatedAt = now
	if err := o.store.UpdateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("complete task: %w", err)
	}
	o.broadcastTask(ctx, "task.completed", t)
	return t, nil
}

// acquire takes the per-task execution guard. Returns false when an
// execution for this id is already in flight.
func (o *Orchestrator) acquire(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.running[id]; ok {
		return false
	}
	o.running[id] = struct{}{}
	return true
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	delete(o.running, id)
	o.mu.Unlock()
}

// recordTransition feeds an observation to the predictor. Failures are
// logged only; transition history is advisory and must never fail the
// lifecycle operation that produced it.
func (o *Orchestrator) recordTransition(ctx context.Context, obs markov.Observation) {
	if o.predictor == nil {
		return
	}
	if err := o.predictor.RecordTransition(ctx, obs); err != nil {
		o.log.Warn("transition record failed",
			"from", obs.FromState, "to", obs.ToState, "task_type", obs.TaskType, "error", err)
	}
}

// publish sends a lifecycle event to the message queue, if configured.
func (o *Orchestrator) publish(ctx context.Context, subject string, payload any) {
	if o.queue == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		o.log.Warn("event marshal failed", "subject", subject, "error", err)
		return
	}
	if err := o.queue.Publish(ctx, subject, data); err != nil {
		o.log.Warn("event publish failed", "subject", subject, "error", err)
	}
}

// broadcastTask pushes a task snapshot to connected clients, if configured.
func (o *Orchestrator) broadcastTask(ctx context.Context, eventType string, t *task.Task) {
	if o.hub == nil {
		return
	}
	o.hub.BroadcastEvent(ctx, eventType, t)
}
