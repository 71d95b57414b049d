package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/fieldline/conductor/internal/config"
	"github.com/fieldline/conductor/internal/domain"
	"github.com/fieldline/conductor/internal/domain/correction"
	"github.com/fieldline/conductor/internal/domain/task"
	"github.com/fieldline/conductor/internal/port/knowledge"
)

func newTestEngine(store *mockStore, o *Orchestrator, cfg config.Orchestrator) *SelfCorrectionEngine {
	return NewSelfCorrectionEngine(store, o, o.predictor, cfg, testLogger())
}

// seedFailedExecution stores a task in failed status with one finished
// execution, bypassing the orchestrator.
func seedFailedExecution(t *testing.T, store *mockStore, taskID string, conf int, errMsg string) *task.Execution {
	t.Helper()
	now := time.Now().UTC()
	tk := &task.Task{
		ID:               taskID,
		Name:             "seeded",
		TaskType:         "build",
		Status:           task.StatusFailed,
		ConfidenceScore:  conf,
		FloorConfidence:  88,
		TargetConfidence: 96,
		ComplexityScore:  4,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := store.CreateTask(context.Background(), tk); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	exec := &task.Execution{
		ID:            taskID + "-exec-1",
		TaskID:        taskID,
		AttemptNumber: 1,
		Status:        task.ExecutionError,
		ErrorMessage:  errMsg,
		CreatedAt:     now,
	}
	if errMsg == "" {
		exec.Status = task.ExecutionSuccess
		exec.ConfidenceScore = conf
	}
	if err := store.CreateExecution(context.Background(), exec); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	return exec
}

func TestRollbackHistoryCap(t *testing.T) {
	store := newMockStore()
	o := newTestOrchestrator(store, &fakeExecutor{}, &fakeRunner{})
	engine := newTestEngine(store, o, testCfg())
	seedFailedExecution(t, store, "t1", 40, "boom")

	var ids []string
	for i := 0; i < 15; i++ {
		point, err := engine.CreateRollbackPoint(context.Background(), "t1", fmt.Sprintf("exec-%d", i))
		if err != nil {
			t.Fatalf("CreateRollbackPoint %d: %v", i, err)
		}
		ids = append(ids, point.ID)
	}

	points := engine.RollbackPoints("t1")
	if len(points) != 10 {
		t.Fatalf("expected 10 retained points, got %d", len(points))
	}
	// The oldest five were evicted; the survivors keep insertion order.
	for i, p := range points {
		if p.ID != ids[i+5] {
			t.Fatalf("expected point %d to be %s, got %s", i, ids[i+5], p.ID)
		}
	}
}

func TestRollbackRestoresQualifyingPoint(t *testing.T) {
	store := newMockStore()
	o := newTestOrchestrator(store, &fakeExecutor{}, &fakeRunner{})
	engine := newTestEngine(store, o, testCfg())
	seedFailedExecution(t, store, "t1", 40, "boom")

	snapshot := func(status task.Status, conf int, meta map[string]any) {
		tk, _ := store.GetTask(context.Background(), "t1")
		tk.Status = status
		tk.ConfidenceScore = conf
		tk.Metadata = meta
		_ = store.UpdateTask(context.Background(), tk)
		if _, err := engine.CreateRollbackPoint(context.Background(), "t1", ""); err != nil {
			t.Fatalf("CreateRollbackPoint: %v", err)
		}
	}

	snapshot(task.StatusFailed, 40, nil)
	snapshot(task.StatusPassed, 95, map[string]any{"build": "v2"})
	snapshot(task.StatusFailed, 30, nil)

	point, err := engine.Rollback(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if point.ConfidenceScore != 95 {
		t.Fatalf("expected the 95%% point, got %d", point.ConfidenceScore)
	}

	restored, _ := store.GetTask(context.Background(), "t1")
	if restored.Status != task.StatusPassed || restored.ConfidenceScore != 95 {
		t.Fatalf("expected verbatim restore, got %s/%d", restored.Status, restored.ConfidenceScore)
	}
	if restored.Metadata["build"] != "v2" {
		t.Fatalf("expected metadata restored, got %v", restored.Metadata)
	}
}

func TestRollbackFallsBackToLatest(t *testing.T) {
	store := newMockStore()
	o := newTestOrchestrator(store, &fakeExecutor{}, &fakeRunner{})
	engine := newTestEngine(store, o, testCfg())
	seedFailedExecution(t, store, "t1", 40, "boom")

	if _, err := engine.CreateRollbackPoint(context.Background(), "t1", ""); err != nil {
		t.Fatalf("CreateRollbackPoint: %v", err)
	}
	tk, _ := store.GetTask(context.Background(), "t1")
	tk.ConfidenceScore = 55
	_ = store.UpdateTask(context.Background(), tk)
	if _, err := engine.CreateRollbackPoint(context.Background(), "t1", ""); err != nil {
		t.Fatalf("CreateRollbackPoint: %v", err)
	}

	// No point meets the 88 floor; the latest wins.
	point, err := engine.Rollback(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if point.ConfidenceScore != 55 {
		t.Fatalf("expected the latest point (55), got %d", point.ConfidenceScore)
	}
}

func TestRollbackWithoutPoints(t *testing.T) {
	store := newMockStore()
	o := newTestOrchestrator(store, &fakeExecutor{}, &fakeRunner{})
	engine := newTestEngine(store, o, testCfg())
	seedFailedExecution(t, store, "t1", 40, "boom")

	if _, err := engine.Rollback(context.Background(), "t1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClassifyRootCause(t *testing.T) {
	tk := &task.Task{ConfidenceScore: 60, FloorConfidence: 88}

	cases := []struct {
		name     string
		exec     *task.Execution
		failed   []string
		critical []string
		total    int
		want     string
	}{
		{
			name: "timeout",
			exec: &task.Execution{ErrorMessage: "context deadline exceeded"},
			want: "complexity underestimated: execution timed out",
		},
		{
			name: "memory",
			exec: &task.Execution{ErrorMessage: "OOM killed"},
			want: "resource requirements higher than expected",
		},
		{
			name:     "critical test",
			exec:     &task.Execution{},
			failed:   []string{"auth check"},
			critical: []string{"auth check"},
			total:    3,
			want:     "critical test failed: auth check",
		},
		{
			name:   "majority failed",
			exec:   &task.Execution{},
			failed: []string{"a", "b"},
			total:  3,
			want:   "fundamental implementation issue: majority of tests failed",
		},
		{
			name:   "below floor",
			exec:   &task.Execution{},
			failed: []string{"a"},
			total:  3,
			want:   "insufficient test coverage or implementation quality",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classifyRootCause(tc.exec, tk, tc.failed, tc.critical, tc.total)
			if got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}

	healthy := &task.Task{ConfidenceScore: 90, FloorConfidence: 88}
	if got := classifyRootCause(&task.Execution{}, healthy, nil, nil, 0); got != "unclear - needs investigation" {
		t.Fatalf("expected the unclear fallback, got %q", got)
	}
}

func TestAnalyzeFailure(t *testing.T) {
	store := newMockStore()
	o := newTestOrchestrator(store, &fakeExecutor{}, &fakeRunner{})
	engine := newTestEngine(store, o, testCfg())
	exec := seedFailedExecution(t, store, "t1", 0, "execution timeout after 30s")

	diag, err := engine.AnalyzeFailure(context.Background(), "t1", exec.ID)
	if err != nil {
		t.Fatalf("AnalyzeFailure: %v", err)
	}
	if diag.RootCause != "complexity underestimated: execution timed out" {
		t.Fatalf("unexpected root cause: %q", diag.RootCause)
	}
	if !strings.Contains(diag.Summary, "seeded") || !strings.Contains(diag.Summary, "adapter error") {
		t.Fatalf("summary missing context: %q", diag.Summary)
	}
	if len(diag.Strategies) == 0 {
		t.Fatal("expected at least one strategy")
	}
	if diag.Strategies[0].Type != correction.StrategyRetry {
		t.Fatalf("expected retry to lead for a non-critical failure, got %s", diag.Strategies[0].Type)
	}
}

func TestStrategyOrderingAndGating(t *testing.T) {
	store := newMockStore()
	o := newTestOrchestrator(store, &fakeExecutor{}, &fakeRunner{})
	engine := newTestEngine(store, o, testCfg())

	now := time.Now().UTC()
	tk := &task.Task{
		ID: "t1", Name: "complex", TaskType: "build", Status: task.StatusFailed,
		ConfidenceScore: 40, FloorConfidence: 88, TargetConfidence: 96,
		ComplexityScore: 7, CreatedAt: now, UpdatedAt: now,
	}
	_ = store.CreateTask(context.Background(), tk)

	// Critical failure: rollback first, retry excluded, decomposition and
	// parameter adjustment behind it.
	strategies := engine.generateStrategies(context.Background(), tk, 2, 1)
	if len(strategies) != 3 {
		t.Fatalf("expected 3 strategies, got %d", len(strategies))
	}
	wantOrder := []correction.StrategyType{
		correction.StrategyRollback,
		correction.StrategyAlternativeApproach,
		correction.StrategyParameterAdjustment,
	}
	for i, want := range wantOrder {
		if strategies[i].Type != want {
			t.Fatalf("expected %s at position %d, got %s", want, i, strategies[i].Type)
		}
	}

	// Rollback applies only below the floor.
	if !engine.shouldApply(correction.Strategy{Type: correction.StrategyRollback}, tk) {
		t.Fatal("rollback should apply below the floor")
	}
	tk.ConfidenceScore = 90
	if engine.shouldApply(correction.Strategy{Type: correction.StrategyRollback}, tk) {
		t.Fatal("rollback should not apply at or above the floor")
	}

	// Retry is capped by MaxRetries.
	if !engine.shouldApply(correction.Strategy{Type: correction.StrategyRetry}, tk) {
		t.Fatal("retry should apply under the cap")
	}
	for i := 0; i < 3; i++ {
		engine.bumpRetry(tk.ID)
	}
	if engine.shouldApply(correction.Strategy{Type: correction.StrategyRetry}, tk) {
		t.Fatal("retry should be rejected at the cap")
	}

	// Low estimated success rates are rejected for the remaining strategies.
	if engine.shouldApply(correction.Strategy{Type: correction.StrategyParameterAdjustment, EstimatedSuccessRate: 0.2}, tk) {
		t.Fatal("a sub-threshold success rate should be rejected")
	}
}

func TestAutoCorrectionRetrySucceeds(t *testing.T) {
	store := newMockStore()
	fe := &fakeExecutor{err: errors.New("boom")}
	o := newTestOrchestrator(store, fe, &fakeRunner{})
	engine := newTestEngine(store, o, testCfg())
	queue := &mockQueue{}
	engine.SetQueue(queue)

	created := createTask(t, o, &task.CreateRequest{Name: "flaky", TaskType: "build", ComplexityScore: 4})
	for _, name := range []string{"t1", "t2", "t3"} {
		if _, err := o.CreateTest(context.Background(), &task.Test{TaskID: created.ID, Name: name}); err != nil {
			t.Fatalf("CreateTest: %v", err)
		}
	}

	exec, err := o.ExecuteTask(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}

	// The transient fault clears before the correction attempt.
	fe.mu.Lock()
	fe.err = nil
	fe.mu.Unlock()

	result, err := engine.AttemptAutoCorrection(context.Background(), created.ID, exec.ID)
	if err != nil {
		t.Fatalf("AttemptAutoCorrection: %v", err)
	}
	if !result.Corrected {
		t.Fatalf("expected a successful correction: %s", result.Message)
	}
	if len(result.Applied) != 1 || result.Applied[0].Strategy.Type != correction.StrategyRetry {
		t.Fatalf("expected a single retry application, got %+v", result.Applied)
	}
	if result.FinalConfidence < 88 {
		t.Fatalf("expected final confidence at the floor, got %d", result.FinalConfidence)
	}

	// The audit record is mandatory.
	records, err := store.ListCorrections(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("ListCorrections: %v", err)
	}
	if len(records) != 1 || records[0].StrategyType != correction.StrategyRetry {
		t.Fatalf("expected one retry audit record, got %+v", records)
	}
	if !records[0].Success {
		t.Fatal("expected the audit record to mark success")
	}

	subjects := queue.subjects()
	if len(subjects) == 0 || subjects[len(subjects)-1] != "tasks.corrected" {
		t.Fatalf("expected a tasks.corrected event, got %v", subjects)
	}

	updated, _ := store.GetTask(context.Background(), created.ID)
	if updated.Status != task.StatusPassed {
		t.Fatalf("expected the task to pass after retry, got %s", updated.Status)
	}
}

func TestAutoCorrectionNoStrategies(t *testing.T) {
	store := newMockStore()
	o := newTestOrchestrator(store, &fakeExecutor{}, &fakeRunner{})
	cfg := testCfg()
	cfg.MaxRetries = 0 // retry unavailable; nothing else applies
	engine := newTestEngine(store, o, cfg)
	exec := seedFailedExecution(t, store, "t1", 40, "boom")

	result, err := engine.AttemptAutoCorrection(context.Background(), "t1", exec.ID)
	if err != nil {
		t.Fatalf("AttemptAutoCorrection: %v", err)
	}
	if result.Corrected {
		t.Fatal("nothing should have been corrected")
	}
	if result.Message != "no autocorrection possible - manual intervention required" {
		t.Fatalf("unexpected message: %q", result.Message)
	}
	if len(result.Applied) != 0 {
		t.Fatalf("expected no applications, got %d", len(result.Applied))
	}
}

func TestAutoCorrectionParameterAdjustment(t *testing.T) {
	store := newMockStore()
	o := newTestOrchestrator(store, &fakeExecutor{}, &fakeRunner{})
	cfg := testCfg()
	cfg.MaxRetries = 0
	engine := newTestEngine(store, o, cfg)

	exec := seedFailedExecution(t, store, "t1", 85, "")
	tk, _ := store.GetTask(context.Background(), "t1")
	tk.Status = task.StatusFailed
	_ = store.UpdateTask(context.Background(), tk)

	// One non-critical failed result triggers parameter adjustment.
	tst, err := o.CreateTest(context.Background(), &task.Test{TaskID: "t1", Name: "edge case"})
	if err != nil {
		t.Fatalf("CreateTest: %v", err)
	}
	err = store.CreateTestResult(context.Background(), &task.TestResult{
		ID: "r1", ExecutionID: exec.ID, TestID: tst.ID, Passed: false, CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreateTestResult: %v", err)
	}

	result, err := engine.AttemptAutoCorrection(context.Background(), "t1", exec.ID)
	if err != nil {
		t.Fatalf("AttemptAutoCorrection: %v", err)
	}
	if !result.Corrected {
		t.Fatalf("expected the nudge to clear the floor: %s", result.Message)
	}
	if result.FinalConfidence != 90 {
		t.Fatalf("expected 85+5=90, got %d", result.FinalConfidence)
	}

	updated, _ := store.GetTask(context.Background(), "t1")
	if updated.ComplexityScore != 3 {
		t.Fatalf("expected complexity reduced to 3, got %f", updated.ComplexityScore)
	}
	if _, ok := updated.Metadata["parameter_adjustment"]; !ok {
		t.Fatal("expected the adjustment recorded in metadata")
	}
}

func TestAutoCorrectionAbortsBelowDeadEnd(t *testing.T) {
	store := newMockStore()
	o := newTestOrchestrator(store, &fakeExecutor{}, &fakeRunner{})
	cfg := testCfg()
	cfg.MaxRetries = 0
	engine := newTestEngine(store, o, cfg)

	exec := seedFailedExecution(t, store, "t1", 10, "")

	tst, err := o.CreateTest(context.Background(), &task.Test{TaskID: "t1", Name: "edge case"})
	if err != nil {
		t.Fatalf("CreateTest: %v", err)
	}
	err = store.CreateTestResult(context.Background(), &task.TestResult{
		ID: "r1", ExecutionID: exec.ID, TestID: tst.ID, Passed: false, CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreateTestResult: %v", err)
	}

	result, err := engine.AttemptAutoCorrection(context.Background(), "t1", exec.ID)
	if err != nil {
		t.Fatalf("AttemptAutoCorrection: %v", err)
	}
	if result.Corrected {
		t.Fatal("a dead-end attempt must not report success")
	}
	// The 10+5 nudge lands at 15, below the dead-end threshold of 50.
	if !strings.Contains(result.Message, "aborted") {
		t.Fatalf("expected an abort message, got %q", result.Message)
	}

	// The failed application is still audited.
	records, err := store.ListCorrections(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("ListCorrections: %v", err)
	}
	if len(records) != 1 || records[0].StrategyType != correction.StrategyParameterAdjustment {
		t.Fatalf("expected one parameter adjustment record, got %+v", records)
	}
	if records[0].Success {
		t.Fatal("the audit record must mark failure")
	}
}

func TestAutoCorrectionRollbackOnCriticalFailure(t *testing.T) {
	store := newMockStore()
	o := newTestOrchestrator(store, &fakeExecutor{}, &fakeRunner{})
	cfg := testCfg()
	cfg.MaxRetries = 0
	engine := newTestEngine(store, o, cfg)

	// Snapshot a healthy state before the failure.
	seedFailedExecution(t, store, "t1", 92, "")
	tk, _ := store.GetTask(context.Background(), "t1")
	tk.Status = task.StatusPassed
	_ = store.UpdateTask(context.Background(), tk)
	if _, err := engine.CreateRollbackPoint(context.Background(), "t1", ""); err != nil {
		t.Fatalf("CreateRollbackPoint: %v", err)
	}

	// Then a critical test fails and drags confidence to zero.
	tk, _ = store.GetTask(context.Background(), "t1")
	tk.Status = task.StatusFailed
	tk.ConfidenceScore = 0
	_ = store.UpdateTask(context.Background(), tk)

	tst, err := o.CreateTest(context.Background(), &task.Test{TaskID: "t1", Name: "auth check", IsCritical: true})
	if err != nil {
		t.Fatalf("CreateTest: %v", err)
	}
	err = store.CreateTestResult(context.Background(), &task.TestResult{
		ID: "r1", ExecutionID: "t1-exec-1", TestID: tst.ID, Passed: false, CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreateTestResult: %v", err)
	}

	result, err := engine.AttemptAutoCorrection(context.Background(), "t1", "t1-exec-1")
	if err != nil {
		t.Fatalf("AttemptAutoCorrection: %v", err)
	}
	if !result.Corrected {
		t.Fatalf("expected the rollback to correct: %s", result.Message)
	}
	if len(result.Applied) != 1 || result.Applied[0].Strategy.Type != correction.StrategyRollback {
		t.Fatalf("expected a single rollback application, got %+v", result.Applied)
	}

	restored, _ := store.GetTask(context.Background(), "t1")
	if restored.Status != task.StatusPassed || restored.ConfidenceScore != 92 {
		t.Fatalf("expected restored state passed/92, got %s/%d", restored.Status, restored.ConfidenceScore)
	}
}

// fakeLearner records diagnosis callbacks and serves canned constraints.
type fakeLearner struct {
	constraints []knowledge.Constraint
	failures    []string
}

func (l *fakeLearner) GetApplicableConstraints(_ context.Context, _ string) ([]knowledge.Constraint, error) {
	return l.constraints, nil
}

func (l *fakeLearner) RecordFailure(_ context.Context, _, rootCause string) error {
	l.failures = append(l.failures, rootCause)
	return nil
}

func TestAnalyzeFailureConsultsLearner(t *testing.T) {
	store := newMockStore()
	o := newTestOrchestrator(store, &fakeExecutor{}, &fakeRunner{})
	engine := newTestEngine(store, o, testCfg())
	learner := &fakeLearner{
		constraints: []knowledge.Constraint{{ID: "c1", TaskType: "build", Description: "avoid wide fan-out"}},
	}
	engine.SetLearner(learner)

	exec := seedFailedExecution(t, store, "t1", 40, "boom")
	diag, err := engine.AnalyzeFailure(context.Background(), "t1", exec.ID)
	if err != nil {
		t.Fatalf("AnalyzeFailure: %v", err)
	}
	if !strings.Contains(diag.Summary, "avoid wide fan-out") {
		t.Fatalf("expected the learned constraint in the summary: %q", diag.Summary)
	}
	if len(learner.failures) != 1 || learner.failures[0] != diag.RootCause {
		t.Fatalf("expected the root cause fed back to the learner, got %v", learner.failures)
	}
}
