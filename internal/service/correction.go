package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	cdotel "github.com/fieldline/conductor/internal/adapter/otel"
	"github.com/fieldline/conductor/internal/config"
	"github.com/fieldline/conductor/internal/domain"
	"github.com/fieldline/conductor/internal/domain/correction"
	"github.com/fieldline/conductor/internal/domain/task"
	"github.com/fieldline/conductor/internal/port/costmeter"
	"github.com/fieldline/conductor/internal/port/database"
	"github.com/fieldline/conductor/internal/port/knowledge"
	"github.com/fieldline/conductor/internal/port/messagequeue"
)

const (
	// minStrategySuccessRate gates alternative-approach and
	// parameter-adjustment strategies in the correction loop.
	minStrategySuccessRate = 0.3
	// abortConfidence is the dead-end threshold: a strategy that drives
	// confidence below it stops the loop immediately.
	abortConfidence = 50
	// parameterNudge is the small confidence bump applied by a parameter
	// adjustment.
	parameterNudge = 5
)

// SelfCorrectionEngine diagnoses failed executions and repairs them by
// rolling back, retrying, decomposing, or adjusting parameters. Rollback
// points and retry counts live in memory and are scoped to this engine
// instance.
type SelfCorrectionEngine struct {
	store        database.Store
	orchestrator *Orchestrator
	predictor    *TransitionPredictor
	cfg          config.Orchestrator
	log          *slog.Logger

	// Optional collaborators.
	learner knowledge.Learner
	meter   costmeter.Meter
	queue   messagequeue.Queue

	mu        sync.Mutex
	rollbacks map[string][]correction.RollbackPoint
	retries   map[string]int
}

// NewSelfCorrectionEngine creates a SelfCorrectionEngine.
func NewSelfCorrectionEngine(
	store database.Store,
	orch *Orchestrator,
	predictor *TransitionPredictor,
	cfg config.Orchestrator,
	log *slog.Logger,
) *SelfCorrectionEngine {
	return &SelfCorrectionEngine{
		store:        store,
		orchestrator: orch,
		predictor:    predictor,
		cfg:          cfg,
		log:          log,
		rollbacks:    make(map[string][]correction.RollbackPoint),
		retries:      make(map[string]int),
	}
}

// SetLearner installs the optional knowledge learner consulted during
// diagnosis. Learner failures are logged, never propagated.
func (e *SelfCorrectionEngine) SetLearner(l knowledge.Learner) { e.learner = l }

// SetMeter installs the cost meter recorded on every applied strategy.
func (e *SelfCorrectionEngine) SetMeter(m costmeter.Meter) { e.meter = m }

// SetQueue installs the message queue for correction event publication.
func (e *SelfCorrectionEngine) SetQueue(q messagequeue.Queue) { e.queue = q }

// AnalyzeFailure diagnoses one failed execution: a human-readable summary,
// a root-cause label from a fixed taxonomy, and a prioritized list of
// correction strategies.
func (e *SelfCorrectionEngine) AnalyzeFailure(ctx context.Context, taskID, executionID string) (*correction.Diagnosis, error) {
	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	results, err := e.store.ListTestResults(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("list test results: %w", err)
	}
	tests, err := e.store.ListTests(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("list tests: %w", err)
	}

	testByID := make(map[string]*task.Test, len(tests))
	for i := range tests {
		testByID[tests[i].ID] = &tests[i]
	}

	var failed, criticalFailed []string
	for _, r := range results {
		if r.Passed {
			continue
		}
		name := r.TestID
		critical := false
		if tst, ok := testByID[r.TestID]; ok {
			name = tst.Name
			critical = tst.IsCritical
		}
		failed = append(failed, name)
		if critical {
			criticalFailed = append(criticalFailed, name)
		}
	}

	pred, err := e.predictor.PredictNextStates(ctx, t.Status, t.TaskType, t.ConfidenceScore, t.FloorConfidence, t.TargetConfidence)
	if err != nil {
		return nil, fmt.Errorf("predict next states: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "task %q (%s) is %s with confidence %d%%", t.Name, t.TaskType, t.Status, t.ConfidenceScore)
	fmt.Fprintf(&b, "; attempt %d finished %s", exec.AttemptNumber, exec.Status)
	if len(results) > 0 {
		fmt.Fprintf(&b, "; %d of %d tests failed (%d critical)", len(failed), len(results), len(criticalFailed))
	}
	if exec.ErrorMessage != "" {
		fmt.Fprintf(&b, "; adapter error: %s", exec.ErrorMessage)
	}
	fmt.Fprintf(&b, "; prediction: %s", pred.Recommendation)

	if e.learner != nil {
		constraints, err := e.learner.GetApplicableConstraints(ctx, t.TaskType)
		if err != nil {
			e.log.Warn("learner constraint lookup failed", "task_type", t.TaskType, "error", err)
		}
		for _, c := range constraints {
			fmt.Fprintf(&b, "; known constraint: %s", c.Description)
		}
	}

	rootCause := classifyRootCause(exec, t, failed, criticalFailed, len(results))

	if e.learner != nil {
		if err := e.learner.RecordFailure(ctx, t.TaskType, rootCause); err != nil {
			e.log.Warn("learner failure record failed", "task_type", t.TaskType, "error", err)
		}
	}

	diag := &correction.Diagnosis{
		TaskID:     taskID,
		Summary:    b.String(),
		RootCause:  rootCause,
		Strategies: e.generateStrategies(ctx, t, len(failed), len(criticalFailed)),
	}
	return diag, nil
}

// classifyRootCause maps failure signals to a small fixed taxonomy, most
// specific signal first.
func classifyRootCause(exec *task.Execution, t *task.Task, failed, criticalFailed []string, totalResults int) string {
	errText := strings.ToLower(exec.ErrorMessage)
	switch {
	case strings.Contains(errText, "timeout") || strings.Contains(errText, "deadline"):
		return "complexity underestimated: execution timed out"
	case strings.Contains(errText, "memory") || strings.Contains(errText, "oom"):
		return "resource requirements higher than expected"
	case len(criticalFailed) > 0:
		return fmt.Sprintf("critical test failed: %s", strings.Join(criticalFailed, ", "))
	case totalResults > 0 && len(failed)*2 > totalResults:
		return "fundamental implementation issue: majority of tests failed"
	case t.ConfidenceScore < t.FloorConfidence:
		return "insufficient test coverage or implementation quality"
	default:
		return "unclear - needs investigation"
	}
}

// generateStrategies builds the ranked list of correction candidates for a
// diagnosed failure. Lower priority runs first.
func (e *SelfCorrectionEngine) generateStrategies(ctx context.Context, t *task.Task, failedCount, criticalCount int) []correction.Strategy {
	var strategies []correction.Strategy

	if criticalCount > 0 {
		strategies = append(strategies, correction.Strategy{
			Type:                 correction.StrategyRollback,
			Priority:             1,
			EstimatedSuccessRate: 1.0,
			Description:          "restore the most recent rollback point with acceptable confidence",
		})
	}

	if criticalCount == 0 && e.retryCount(t.ID) < e.cfg.MaxRetries {
		rate := 0.5
		if pattern, err := e.predictor.AnalyzeTaskPattern(ctx, t.TaskType); err == nil && pattern.TotalTransitions > 0 {
			rate = pattern.SuccessRate
		}
		strategies = append(strategies, correction.Strategy{
			Type:                 correction.StrategyRetry,
			Priority:             2,
			EstimatedSuccessRate: rate,
			Description:          "re-execute the task and re-run its tests",
		})
	}

	if t.ComplexityScore > 5 {
		strategies = append(strategies, correction.Strategy{
			Type:                 correction.StrategyAlternativeApproach,
			Priority:             3,
			EstimatedSuccessRate: 0.6,
			Description:          "decompose the task into smaller sequential subtasks",
		})
	}

	if failedCount >= 1 && failedCount <= 4 {
		strategies = append(strategies, correction.Strategy{
			Type:                 correction.StrategyParameterAdjustment,
			Priority:             4,
			EstimatedSuccessRate: 0.4,
			Description:          "reduce complexity score and record the adjustment",
		})
	}

	sort.Slice(strategies, func(i, j int) bool {
		return strategies[i].Priority < strategies[j].Priority
	})
	return strategies
}

// CreateRollbackPoint snapshots a task's restorable state. Each task keeps
// at most RollbackHistoryLimit points; the oldest is evicted first.
func (e *SelfCorrectionEngine) CreateRollbackPoint(ctx context.Context, taskID, executionID string) (*correction.RollbackPoint, error) {
	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	point := correction.RollbackPoint{
		ID:              uuid.NewString(),
		TaskID:          t.ID,
		ExecutionID:     executionID,
		ConfidenceScore: t.ConfidenceScore,
		Status:          t.Status,
		Metadata:        cloneMetadata(t.Metadata),
		CreatedAt:       time.Now().UTC(),
	}

	e.mu.Lock()
	points := append(e.rollbacks[taskID], point)
	if limit := e.cfg.RollbackHistoryLimit; limit > 0 && len(points) > limit {
		points = points[len(points)-limit:]
	}
	e.rollbacks[taskID] = points
	e.mu.Unlock()

	return &point, nil
}

// RollbackPoints returns the retained snapshots for a task, oldest first.
func (e *SelfCorrectionEngine) RollbackPoints(taskID string) []correction.RollbackPoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]correction.RollbackPoint(nil), e.rollbacks[taskID]...)
}

// Rollback restores the most recent rollback point whose confidence met the
// task's floor, falling back to the latest point when none qualify. Status,
// confidence, and metadata are restored verbatim.
func (e *SelfCorrectionEngine) Rollback(ctx context.Context, taskID string) (*correction.RollbackPoint, error) {
	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	points := e.rollbacks[taskID]
	var chosen *correction.RollbackPoint
	for i := len(points) - 1; i >= 0; i-- {
		if points[i].ConfidenceScore >= t.FloorConfidence {
			chosen = &points[i]
			break
		}
	}
	if chosen == nil && len(points) > 0 {
		chosen = &points[len(points)-1]
	}
	e.mu.Unlock()

	if chosen == nil {
		return nil, fmt.Errorf("no rollback points for task %s: %w", taskID, domain.ErrNotFound)
	}

	t.Status = chosen.Status
	t.ConfidenceScore = chosen.ConfidenceScore
	t.Metadata = cloneMetadata(chosen.Metadata)
	t.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("restore rollback point: %w", err)
	}

	e.log.Info("task rolled back", "task_id", taskID, "point_id", chosen.ID, "confidence", chosen.ConfidenceScore)
	return chosen, nil
}

// AttemptAutoCorrection tries the diagnosed strategies in priority order and
// stops the moment one lifts confidence to the floor. A strategy that drives
// confidence below 50 aborts the attempt as a dead end. A result with
// Corrected=false is a normal outcome, not an error.
func (e *SelfCorrectionEngine) AttemptAutoCorrection(ctx context.Context, taskID, executionID string) (*correction.Result, error) {
	ctx, span := cdotel.StartCorrectionSpan(ctx, taskID, executionID)
	defer span.End()

	diag, err := e.AnalyzeFailure(ctx, taskID, executionID)
	if err != nil {
		return nil, err
	}
	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	result := &correction.Result{TaskID: taskID, FinalConfidence: t.ConfidenceScore}

	if len(diag.Strategies) == 0 {
		result.Message = "no autocorrection possible - manual intervention required"
		e.publishCorrected(ctx, result, "")
		return result, nil
	}

	for _, strat := range diag.Strategies {
		if !e.shouldApply(strat, t) {
			continue
		}

		applied, err := e.applyCorrection(ctx, t, strat, executionID, diag.Summary)
		if err != nil {
			return nil, err
		}
		result.Applied = append(result.Applied, *applied)
		result.FinalConfidence = applied.ConfidenceAfter

		if e.meter != nil {
			e.meter.RecordCorrection(ctx, string(strat.Type), applied.Success)
		}

		if applied.ConfidenceAfter >= t.FloorConfidence {
			result.Corrected = true
			result.Message = fmt.Sprintf("corrected by %s: confidence %d%% meets the floor of %d%%",
				strat.Type, applied.ConfidenceAfter, t.FloorConfidence)
			e.publishCorrected(ctx, result, string(strat.Type))
			return result, nil
		}
		if applied.ConfidenceAfter < abortConfidence {
			result.Message = fmt.Sprintf("aborted: %s drove confidence to %d%%, below the dead-end threshold of %d%%",
				strat.Type, applied.ConfidenceAfter, abortConfidence)
			e.publishCorrected(ctx, result, string(strat.Type))
			return result, nil
		}

		// Re-read so the next strategy sees the state the last one left.
		t, err = e.store.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
	}

	result.Message = fmt.Sprintf("no strategy reached the floor of %d%% - final confidence %d%%, manual intervention required",
		t.FloorConfidence, result.FinalConfidence)
	e.publishCorrected(ctx, result, "")
	return result, nil
}

// shouldApply gates a strategy against the task's current state.
func (e *SelfCorrectionEngine) shouldApply(strat correction.Strategy, t *task.Task) bool {
	switch strat.Type {
	case correction.StrategyRollback:
		return t.ConfidenceScore < t.FloorConfidence
	case correction.StrategyRetry:
		return e.retryCount(t.ID) < e.cfg.MaxRetries
	default:
		return strat.EstimatedSuccessRate >= minStrategySuccessRate
	}
}

// applyCorrection executes one strategy and always writes the audit record,
// regardless of outcome.
func (e *SelfCorrectionEngine) applyCorrection(ctx context.Context, t *task.Task, strat correction.Strategy, executionID, analysis string) (*correction.Applied, error) {
	before := t.ConfidenceScore
	applied := &correction.Applied{Strategy: strat}

	switch strat.Type {
	case correction.StrategyRollback:
		point, err := e.Rollback(ctx, t.ID)
		if err != nil {
			applied.Message = fmt.Sprintf("rollback failed: %v", err)
			applied.ConfidenceAfter = before
		} else {
			applied.ConfidenceAfter = point.ConfidenceScore
			applied.Success = point.ConfidenceScore >= t.FloorConfidence
			applied.Message = fmt.Sprintf("restored rollback point %s", point.ID)
		}

	case correction.StrategyRetry:
		e.bumpRetry(t.ID)
		exec, err := e.orchestrator.ExecuteTask(ctx, t.ID)
		if err != nil {
			applied.Message = fmt.Sprintf("retry failed: %v", err)
			applied.ConfidenceAfter = before
			break
		}
		if exec.Status == task.ExecutionSuccess {
			report, err := e.orchestrator.RunTests(ctx, t.ID, exec.ID)
			if err != nil {
				applied.Message = fmt.Sprintf("retry tests failed: %v", err)
				applied.ConfidenceAfter = exec.ConfidenceScore
				break
			}
			applied.ConfidenceAfter = report.Update.Confidence
			applied.Success = report.Passed
			applied.Message = fmt.Sprintf("retry attempt %d: %s", exec.AttemptNumber, report.Update.Recommendation)
		} else {
			applied.ConfidenceAfter = exec.ConfidenceScore
			applied.Message = fmt.Sprintf("retry attempt %d failed: %s", exec.AttemptNumber, exec.ErrorMessage)
		}

	case correction.StrategyAlternativeApproach:
		subtasks, err := e.orchestrator.DecomposeTask(ctx, t.ID)
		if err != nil {
			applied.Message = fmt.Sprintf("decomposition failed: %v", err)
			applied.ConfidenceAfter = before
			break
		}
		applied.Success = len(subtasks) > 1
		applied.ConfidenceAfter = before
		applied.Message = fmt.Sprintf("decomposed into %d subtasks", len(subtasks))

	case correction.StrategyParameterAdjustment:
		if t.ComplexityScore > 1 {
			t.ComplexityScore--
		}
		if t.Metadata == nil {
			t.Metadata = make(map[string]any)
		}
		t.Metadata["parameter_adjustment"] = map[string]any{
			"complexity_score": t.ComplexityScore,
			"adjusted_at":      time.Now().UTC().Format(time.RFC3339),
		}
		after := before + parameterNudge
		if after > 100 {
			after = 100
		}
		t.ConfidenceScore = after
		t.UpdatedAt = time.Now().UTC()
		if err := e.store.UpdateTask(ctx, t); err != nil {
			return nil, fmt.Errorf("apply parameter adjustment: %w", err)
		}
		applied.ConfidenceAfter = after
		applied.Success = after >= t.FloorConfidence
		applied.Message = fmt.Sprintf("complexity reduced to %.1f, confidence nudged to %d%%", t.ComplexityScore, after)

	default:
		return nil, fmt.Errorf("unknown strategy type %q", strat.Type)
	}

	record := &correction.Record{
		ID:               uuid.NewString(),
		ExecutionID:      executionID,
		StrategyType:     strat.Type,
		Analysis:         analysis,
		BeforeConfidence: before,
		AfterConfidence:  applied.ConfidenceAfter,
		Success:          applied.Success,
		CreatedAt:        time.Now().UTC(),
	}
	if err := e.store.CreateCorrection(ctx, record); err != nil {
		return nil, fmt.Errorf("record correction: %w", err)
	}

	e.log.Info("correction applied",
		"task_id", t.ID, "strategy", strat.Type, "success", applied.Success,
		"before", before, "after", applied.ConfidenceAfter)

	return applied, nil
}

// ListCorrections returns the audit trail for an execution, oldest first.
func (e *SelfCorrectionEngine) ListCorrections(ctx context.Context, executionID string) ([]correction.Record, error) {
	return e.store.ListCorrections(ctx, executionID)
}

func (e *SelfCorrectionEngine) retryCount(taskID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.retries[taskID]
}

func (e *SelfCorrectionEngine) bumpRetry(taskID string) {
	e.mu.Lock()
	e.retries[taskID]++
	e.mu.Unlock()
}

func (e *SelfCorrectionEngine) publishCorrected(ctx context.Context, result *correction.Result, strategy string) {
	if e.queue == nil {
		return
	}
	data, err := json.Marshal(messagequeue.TaskCorrectedPayload{
		TaskID:          result.TaskID,
		Strategy:        strategy,
		Corrected:       result.Corrected,
		FinalConfidence: result.FinalConfidence,
	})
	if err != nil {
		return
	}
	if err := e.queue.Publish(ctx, messagequeue.SubjectTaskCorrected, data); err != nil {
		e.log.Warn("corrected event publish failed", "task_id", result.TaskID, "error", err)
	}
}

func cloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
