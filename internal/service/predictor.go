package service

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fieldline/conductor/internal/domain"
	"github.com/fieldline/conductor/internal/domain/confidence"
	"github.com/fieldline/conductor/internal/domain/markov"
	"github.com/fieldline/conductor/internal/domain/task"
	"github.com/fieldline/conductor/internal/port/database"
)

// pathPruneThreshold discards search branches whose cumulative probability
// has dropped below 1%.
const pathPruneThreshold = 0.01

// maxPathDepth bounds the breadth-first search; the lifecycle graph is tiny,
// so any useful path fits well within this.
const maxPathDepth = 8

// TransitionPredictor maintains a Markov-chain model over
// (state, task-type, confidence-bucket) keys, built from historical
// transition records.
type TransitionPredictor struct {
	store database.Store

	mu    sync.RWMutex
	index map[string]map[task.Status]markov.Transition
}

// NewTransitionPredictor creates a TransitionPredictor. Call Load to build
// the in-memory index from the store before serving predictions.
func NewTransitionPredictor(store database.Store) *TransitionPredictor {
	return &TransitionPredictor{
		store: store,
		index: make(map[string]map[task.Status]markov.Transition),
	}
}

// Load rebuilds the in-memory transition index from the store. Full rebuilds
// keep the index trivially consistent; the data set is bounded by
// operational history, so O(all transitions) is acceptable.
func (p *TransitionPredictor) Load(ctx context.Context) error {
	all, err := p.store.ListTransitions(ctx)
	if err != nil {
		return fmt.Errorf("load transitions: %w", err)
	}

	idx := make(map[string]map[task.Status]markov.Transition, len(all))
	for _, tr := range all {
		k := transitionKey(tr.FromState, tr.TaskType, tr.ConfidenceBucket)
		if idx[k] == nil {
			idx[k] = make(map[task.Status]markov.Transition)
		}
		idx[k][tr.ToState] = tr
	}

	p.mu.Lock()
	p.index = idx
	p.mu.Unlock()
	return nil
}

// RecordTransition upserts the matching transition row and rebuilds the
// in-memory index from the store.
func (p *TransitionPredictor) RecordTransition(ctx context.Context, obs markov.Observation) error {
	if err := p.store.UpsertTransition(ctx, obs); err != nil {
		return fmt.Errorf("upsert transition: %w", err)
	}
	return p.Load(ctx)
}

// PredictNextStates normalizes the observed counts for the task's current
// (state, type, bucket) key into a probability distribution over next
// states. A key with no history yields an empty distribution and a
// "no historical data" recommendation, never an error.
func (p *TransitionPredictor) PredictNextStates(ctx context.Context, from task.Status, taskType string, score, floor, target int) (*markov.Prediction, error) {
	bucket := confidence.BucketFor(score)

	p.mu.RLock()
	byNext := p.index[transitionKey(from, taskType, bucket)]
	pred := &markov.Prediction{
		FromState:        from,
		TaskType:         taskType,
		ConfidenceBucket: bucket,
	}

	var total int
	for _, tr := range byNext {
		total += tr.Count
	}
	for to, tr := range byNext {
		successProb := 0.0
		if tr.Count > 0 {
			successProb = float64(tr.SuccessCount) / float64(tr.Count)
		}
		pred.NextStates = append(pred.NextStates, markov.NextState{
			State:              to,
			Probability:        float64(tr.Count) / float64(total),
			ExpectedDurationMS: tr.AvgDurationMS,
			SuccessProbability: successProb,
		})
	}
	p.mu.RUnlock()

	sort.Slice(pred.NextStates, func(i, j int) bool {
		return pred.NextStates[i].Probability > pred.NextStates[j].Probability
	})

	pred.Recommendation = predictionRecommendation(pred.NextStates, score, floor, target)
	return pred, nil
}

// predictionRecommendation derives a single textual recommendation from the
// floor/target comparison and the most likely next state.
func predictionRecommendation(next []markov.NextState, score, floor, target int) string {
	if len(next) == 0 {
		return "no historical data for this state - proceeding without a prediction"
	}

	best := next[0]
	base := fmt.Sprintf("most likely next state is %q (%.0f%% of observed transitions)", best.State, best.Probability*100)

	switch {
	case score < floor:
		base += fmt.Sprintf("; confidence %d%% is below the floor of %d%% - correction recommended before proceeding", score, floor)
	case score < target:
		base += fmt.Sprintf("; confidence %d%% has not reached the target of %d%% - further testing advised", score, target)
	default:
		base += fmt.Sprintf("; confidence %d%% meets the target of %d%%", score, target)
	}

	if best.SuccessProbability < 0.5 {
		base += fmt.Sprintf("; historical success from here is only %.0f%%", best.SuccessProbability*100)
	}
	return base
}

// GetOptimalPath performs a probability-weighted breadth-first search from
// start to goal within the given (type, bucket) slice of the chain, pruning
// branches whose cumulative probability drops below 1%. Returns
// domain.ErrNotFound when no path with usable probability exists.
func (p *TransitionPredictor) GetOptimalPath(ctx context.Context, start, goal task.Status, taskType string, score int) (*markov.Path, error) {
	bucket := confidence.BucketFor(score)

	type partial struct {
		states   []task.Status
		prob     float64
		duration float64
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	var best *markov.Path
	queue := []partial{{states: []task.Status{start}, prob: 1}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		last := cur.states[len(cur.states)-1]
		if last == goal {
			if best == nil || cur.prob > best.Probability {
				best = &markov.Path{
					States:             append([]task.Status(nil), cur.states...),
					Probability:        cur.prob,
					ExpectedDurationMS: cur.duration,
				}
			}
			continue
		}
		if len(cur.states) >= maxPathDepth {
			continue
		}

		byNext := p.index[transitionKey(last, taskType, bucket)]
		var total int
		for _, tr := range byNext {
			total += tr.Count
		}
		for to, tr := range byNext {
			if containsState(cur.states, to) {
				continue
			}
			prob := cur.prob * float64(tr.Count) / float64(total)
			if prob < pathPruneThreshold {
				continue
			}
			queue = append(queue, partial{
				states:   append(append([]task.Status(nil), cur.states...), to),
				prob:     prob,
				duration: cur.duration + tr.AvgDurationMS,
			})
		}
	}

	if best == nil {
		return nil, fmt.Errorf("no path from %s to %s for %s/%s: %w", start, goal, taskType, bucket, domain.ErrNotFound)
	}
	return best, nil
}

// AnalyzeTaskPattern aggregates all transitions for a task type across
// buckets into an overall success rate, the most common failure-originating
// state, and the average time-to-completion.
func (p *TransitionPredictor) AnalyzeTaskPattern(ctx context.Context, taskType string) (*markov.Pattern, error) {
	all, err := p.store.ListTransitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("analyze pattern: %w", err)
	}

	pattern := &markov.Pattern{TaskType: taskType}
	var successes int
	failureOrigins := make(map[task.Status]int)
	var completionWeight float64
	var completionDuration float64

	for _, tr := range all {
		if tr.TaskType != taskType {
			continue
		}
		pattern.TotalTransitions += tr.Count
		successes += tr.SuccessCount

		if tr.ToState == task.StatusFailed {
			failureOrigins[tr.FromState] += tr.Count
		}
		if tr.ToState == task.StatusCompleted || tr.ToState == task.StatusPassed {
			completionWeight += float64(tr.Count)
			completionDuration += tr.AvgDurationMS * float64(tr.Count)
		}
	}

	if pattern.TotalTransitions > 0 {
		pattern.SuccessRate = float64(successes) / float64(pattern.TotalTransitions)
	}
	var maxCount int
	for from, count := range failureOrigins {
		if count > maxCount {
			maxCount = count
			pattern.MostCommonFailureFrom = from
		}
	}
	if completionWeight > 0 {
		pattern.AvgCompletionMS = completionDuration / completionWeight
	}
	return pattern, nil
}

func transitionKey(from task.Status, taskType string, bucket confidence.Bucket) string {
	return string(from) + "|" + taskType + "|" + string(bucket)
}

func containsState(states []task.Status, s task.Status) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}
