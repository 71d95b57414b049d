package service

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/fieldline/conductor/internal/domain"
	"github.com/fieldline/conductor/internal/domain/confidence"
	"github.com/fieldline/conductor/internal/domain/markov"
	"github.com/fieldline/conductor/internal/domain/task"
)

// record folds one observation into the predictor, failing the test on error.
func record(t *testing.T, p *TransitionPredictor, from, to task.Status, taskType string, success bool, durationMS int64) {
	t.Helper()
	err := p.RecordTransition(context.Background(), markov.Observation{
		FromState:        from,
		ToState:          to,
		TaskType:         taskType,
		ConfidenceBucket: confidence.BucketMedium,
		DurationMS:       durationMS,
		Success:          success,
	})
	if err != nil {
		t.Fatalf("RecordTransition %s->%s: %v", from, to, err)
	}
}

// score 90 maps to the medium bucket used by record.
const mediumScore = 90

func TestPredictNextStatesNoHistory(t *testing.T) {
	p := NewTransitionPredictor(newMockStore())

	pred, err := p.PredictNextStates(context.Background(), task.StatusTesting, "build", mediumScore, 88, 96)
	if err != nil {
		t.Fatalf("missing history must not be an error, got %v", err)
	}
	if len(pred.NextStates) != 0 {
		t.Fatalf("expected an empty distribution, got %d states", len(pred.NextStates))
	}
	if !strings.Contains(pred.Recommendation, "no historical data") {
		t.Fatalf("unexpected recommendation: %q", pred.Recommendation)
	}
}

func TestPredictNextStatesNormalizes(t *testing.T) {
	p := NewTransitionPredictor(newMockStore())

	for i := 0; i < 3; i++ {
		record(t, p, task.StatusTesting, task.StatusPassed, "build", true, 100)
	}
	record(t, p, task.StatusTesting, task.StatusFailed, "build", false, 50)

	pred, err := p.PredictNextStates(context.Background(), task.StatusTesting, "build", mediumScore, 88, 96)
	if err != nil {
		t.Fatalf("PredictNextStates: %v", err)
	}
	if len(pred.NextStates) != 2 {
		t.Fatalf("expected 2 next states, got %d", len(pred.NextStates))
	}

	var sum float64
	for _, ns := range pred.NextStates {
		sum += ns.Probability
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Fatalf("probabilities must sum to 1, got %f", sum)
	}

	best := pred.NextStates[0]
	if best.State != task.StatusPassed {
		t.Fatalf("expected passed to lead the distribution, got %s", best.State)
	}
	if math.Abs(best.Probability-0.75) > 1e-9 {
		t.Fatalf("expected probability 0.75, got %f", best.Probability)
	}
	if math.Abs(best.ExpectedDurationMS-100) > 1e-9 {
		t.Fatalf("expected mean duration 100, got %f", best.ExpectedDurationMS)
	}
}

func TestPredictNextStatesLowSuccessWarning(t *testing.T) {
	p := NewTransitionPredictor(newMockStore())

	// The dominant next state has poor historical success.
	for i := 0; i < 4; i++ {
		record(t, p, task.StatusRunning, task.StatusTesting, "build", i == 0, 100)
	}

	pred, err := p.PredictNextStates(context.Background(), task.StatusRunning, "build", mediumScore, 88, 96)
	if err != nil {
		t.Fatalf("PredictNextStates: %v", err)
	}
	if !strings.Contains(pred.Recommendation, "historical success from here is only") {
		t.Fatalf("expected a low-success warning, got %q", pred.Recommendation)
	}
}

func TestGetOptimalPath(t *testing.T) {
	p := NewTransitionPredictor(newMockStore())

	record(t, p, task.StatusPending, task.StatusRunning, "build", true, 10)
	record(t, p, task.StatusRunning, task.StatusTesting, "build", true, 20)
	record(t, p, task.StatusTesting, task.StatusPassed, "build", true, 30)
	record(t, p, task.StatusPassed, task.StatusCompleted, "build", true, 40)

	path, err := p.GetOptimalPath(context.Background(), task.StatusPending, task.StatusCompleted, "build", mediumScore)
	if err != nil {
		t.Fatalf("GetOptimalPath: %v", err)
	}
	want := []task.Status{task.StatusPending, task.StatusRunning, task.StatusTesting, task.StatusPassed, task.StatusCompleted}
	if len(path.States) != len(want) {
		t.Fatalf("expected %d states, got %v", len(want), path.States)
	}
	for i, s := range want {
		if path.States[i] != s {
			t.Fatalf("expected %v, got %v", want, path.States)
		}
	}
	if math.Abs(path.Probability-1) > 1e-9 {
		t.Fatalf("expected probability 1 on a deterministic chain, got %f", path.Probability)
	}
	if math.Abs(path.ExpectedDurationMS-100) > 1e-9 {
		t.Fatalf("expected total duration 100, got %f", path.ExpectedDurationMS)
	}
}

func TestGetOptimalPathPrefersLikelyBranch(t *testing.T) {
	p := NewTransitionPredictor(newMockStore())

	// From testing, passing is three times more likely than failing.
	for i := 0; i < 3; i++ {
		record(t, p, task.StatusTesting, task.StatusPassed, "build", true, 30)
	}
	record(t, p, task.StatusTesting, task.StatusFailed, "build", false, 5)
	record(t, p, task.StatusPassed, task.StatusCompleted, "build", true, 40)

	path, err := p.GetOptimalPath(context.Background(), task.StatusTesting, task.StatusCompleted, "build", mediumScore)
	if err != nil {
		t.Fatalf("GetOptimalPath: %v", err)
	}
	if math.Abs(path.Probability-0.75) > 1e-9 {
		t.Fatalf("expected probability 0.75, got %f", path.Probability)
	}
}

func TestGetOptimalPathNotFound(t *testing.T) {
	p := NewTransitionPredictor(newMockStore())

	if _, err := p.GetOptimalPath(context.Background(), task.StatusPending, task.StatusCompleted, "build", mediumScore); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on an empty chain, got %v", err)
	}
}

func TestGetOptimalPathPrunesImprobableBranches(t *testing.T) {
	p := NewTransitionPredictor(newMockStore())

	// Passing happens less than 1% of the time; the branch is pruned.
	for i := 0; i < 199; i++ {
		record(t, p, task.StatusTesting, task.StatusFailed, "build", false, 5)
	}
	record(t, p, task.StatusTesting, task.StatusPassed, "build", true, 30)

	if _, err := p.GetOptimalPath(context.Background(), task.StatusTesting, task.StatusPassed, "build", mediumScore); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected the sub-1%% branch to be pruned, got %v", err)
	}
}

func TestLoadRebuildsIndexFromStore(t *testing.T) {
	store := newMockStore()
	err := store.UpsertTransition(context.Background(), markov.Observation{
		FromState:        task.StatusPending,
		ToState:          task.StatusRunning,
		TaskType:         "build",
		ConfidenceBucket: confidence.BucketMedium,
		DurationMS:       10,
		Success:          true,
	})
	if err != nil {
		t.Fatalf("UpsertTransition: %v", err)
	}

	p := NewTransitionPredictor(store)
	if err := p.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	pred, err := p.PredictNextStates(context.Background(), task.StatusPending, "build", mediumScore, 88, 96)
	if err != nil {
		t.Fatalf("PredictNextStates: %v", err)
	}
	if len(pred.NextStates) != 1 || pred.NextStates[0].State != task.StatusRunning {
		t.Fatalf("expected the preloaded transition, got %+v", pred.NextStates)
	}
}

func TestAnalyzeTaskPattern(t *testing.T) {
	p := NewTransitionPredictor(newMockStore())

	record(t, p, task.StatusRunning, task.StatusTesting, "build", true, 100)
	record(t, p, task.StatusRunning, task.StatusFailed, "build", false, 50)
	record(t, p, task.StatusTesting, task.StatusFailed, "build", false, 20)
	record(t, p, task.StatusTesting, task.StatusFailed, "build", false, 20)
	record(t, p, task.StatusTesting, task.StatusPassed, "build", true, 200)
	// Another task type must not bleed into the aggregate.
	record(t, p, task.StatusRunning, task.StatusTesting, "deploy", true, 999)

	pattern, err := p.AnalyzeTaskPattern(context.Background(), "build")
	if err != nil {
		t.Fatalf("AnalyzeTaskPattern: %v", err)
	}
	if pattern.TotalTransitions != 5 {
		t.Fatalf("expected 5 transitions, got %d", pattern.TotalTransitions)
	}
	if math.Abs(pattern.SuccessRate-0.4) > 1e-9 {
		t.Fatalf("expected success rate 0.4, got %f", pattern.SuccessRate)
	}
	if pattern.MostCommonFailureFrom != task.StatusTesting {
		t.Fatalf("expected testing as the dominant failure origin, got %s", pattern.MostCommonFailureFrom)
	}
	if math.Abs(pattern.AvgCompletionMS-200) > 1e-9 {
		t.Fatalf("expected average completion 200, got %f", pattern.AvgCompletionMS)
	}
}
