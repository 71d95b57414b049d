package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/fieldline/conductor/internal/domain"
	"github.com/fieldline/conductor/internal/domain/confidence"
	"github.com/fieldline/conductor/internal/domain/task"
	"github.com/fieldline/conductor/internal/port/cache"
	"github.com/fieldline/conductor/internal/port/database"
)

// Posterior blend weights: prior-scaled confidence, direct test evidence,
// long-run Beta belief. Test evidence dominates so a single bad run shows up
// immediately; the Beta mean tempers single-run noise.
const (
	blendPriorWeight = 0.3
	blendTestWeight  = 0.5
	blendBetaWeight  = 0.2
)

// trendThreshold is the minimum average delta (in confidence points) between
// the newer and older halves of a score window before the trend leaves "stable".
const trendThreshold = 2.0

// ConfidenceModel computes Bayesian posterior confidence scores from
// per-(task-type, complexity-bucket) priors and fresh test evidence.
type ConfidenceModel struct {
	store    database.Store
	priors   cache.Cache // optional L1 cache for prior lookups
	priorTTL time.Duration
}

// NewConfidenceModel creates a ConfidenceModel backed by the given store.
func NewConfidenceModel(store database.Store) *ConfidenceModel {
	return &ConfidenceModel{store: store}
}

// SetPriorCache installs an optional in-process cache for prior lookups.
func (m *ConfidenceModel) SetPriorCache(c cache.Cache, ttl time.Duration) {
	m.priors = c
	m.priorTTL = ttl
}

// Compute derives a posterior confidence for one execution's test evidence.
// With no evidence the prior average is returned as-is; a failed critical
// test forces confidence to exactly 0 regardless of other evidence. Every
// computation that carries evidence also folds the observation back into the
// stored prior.
func (m *ConfidenceModel) Compute(ctx context.Context, taskType string, complexity float64, evidence []confidence.Evidence, floor, target int) (*confidence.Update, error) {
	bucket := int(math.Round(complexity))

	prior, err := m.resolvePrior(ctx, taskType, bucket)
	if err != nil {
		return nil, fmt.Errorf("resolve prior %s/%d: %w", taskType, bucket, err)
	}

	if len(evidence) == 0 {
		conf := int(math.Round(prior.AvgConfidence))
		u := &confidence.Update{
			Confidence:     conf,
			Uncertainty:    betaUncertainty(prior.Alpha, prior.Beta),
			MeetsFloor:     conf >= floor,
			MeetsTarget:    conf >= target,
			PosteriorAlpha: prior.Alpha,
			PosteriorBeta:  prior.Beta,
		}
		u.Recommendation = fmt.Sprintf("no test evidence available - confidence %d%% is from the prior alone; add tests before trusting this score", conf)
		return u, nil
	}

	var passedCount, failedCount int
	var passedWeight, totalWeight float64
	criticalFailed := false
	for _, ev := range evidence {
		totalWeight += ev.Weight
		if ev.Passed {
			passedCount++
			passedWeight += ev.Weight
		} else {
			failedCount++
			if ev.IsCritical {
				criticalFailed = true
			}
		}
	}

	alpha := prior.Alpha + float64(passedCount)
	beta := prior.Beta + float64(failedCount)

	if criticalFailed {
		u := &confidence.Update{
			Confidence:     0,
			Uncertainty:    100,
			MeetsFloor:     false,
			MeetsTarget:    false,
			PosteriorAlpha: alpha,
			PosteriorBeta:  beta,
			Recommendation: "CRITICAL: a critical test failed - the task cannot proceed until it passes",
		}
		if err := m.updatePrior(ctx, prior, 0, 0, alpha, beta); err != nil {
			slog.Warn("prior update failed", "task_type", taskType, "bucket", bucket, "error", err)
		}
		return u, nil
	}

	testPassRate := float64(passedCount) / float64(len(evidence))
	if totalWeight > 0 {
		testPassRate = passedWeight / totalWeight
	}

	// One Bayes step treating the weighted pass rate as the likelihood of success.
	denom := testPassRate*prior.SuccessRate + (1-testPassRate)*(1-prior.SuccessRate)
	posteriorProb := testPassRate
	if denom > 0 {
		posteriorProb = (testPassRate * prior.SuccessRate) / denom
	}

	betaMean := alpha / (alpha + beta)

	conf := int(math.Round(
		blendPriorWeight*(prior.AvgConfidence*posteriorProb) +
			blendTestWeight*(testPassRate*100) +
			blendBetaWeight*(betaMean*100),
	))
	if conf > 100 {
		conf = 100
	}
	if conf < 0 {
		conf = 0
	}

	u := &confidence.Update{
		Confidence:     conf,
		Uncertainty:    betaUncertainty(alpha, beta),
		MeetsFloor:     conf >= floor,
		MeetsTarget:    conf >= target,
		PosteriorAlpha: alpha,
		PosteriorBeta:  beta,
	}
	u.Recommendation = recommendationFor(conf, u.Uncertainty, floor, target)

	if err := m.updatePrior(ctx, prior, testPassRate, float64(conf), alpha, beta); err != nil {
		slog.Warn("prior update failed", "task_type", taskType, "bucket", bucket, "error", err)
	}

	return u, nil
}

// recommendationFor builds the deterministic human-readable guidance string.
func recommendationFor(conf, uncertainty, floor, target int) string {
	var rec string
	switch {
	case conf < floor:
		rec = fmt.Sprintf("CRITICAL: confidence %d%% is below the floor of %d%% - rollback or intensive correction required", conf, floor)
	case conf < target:
		rec = fmt.Sprintf("confidence %d%% is below the target of %d%% - continue testing, needs %d%% more", conf, target, target-conf)
	default:
		rec = fmt.Sprintf("confidence %d%% meets the target of %d%% - acceptable to proceed", conf, target)
	}
	if uncertainty > 20 {
		rec += fmt.Sprintf(" (warning: high uncertainty of %d%%, results may be unstable)", uncertainty)
	}
	return rec
}

// betaUncertainty is the percentage-scaled standard deviation of Beta(a, b).
func betaUncertainty(a, b float64) int {
	variance := (a * b) / ((a + b) * (a + b) * (a + b + 1))
	return int(math.Round(math.Sqrt(variance) * 200))
}

// resolvePrior finds the prior for (taskType, bucket), falling back to the
// nearest existing bucket for the type, and finally synthesizing and
// persisting a weak default.
func (m *ConfidenceModel) resolvePrior(ctx context.Context, taskType string, bucket int) (*confidence.Prior, error) {
	if p, ok := m.cachedPrior(ctx, taskType, bucket); ok {
		return p, nil
	}

	p, err := m.store.GetPrior(ctx, taskType, bucket)
	if err == nil {
		m.cachePrior(ctx, p)
		return p, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	// Nearest-bucket fallback by absolute distance.
	existing, err := m.store.ListPriorsByType(ctx, taskType)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		nearest := &existing[0]
		for i := range existing {
			if abs(existing[i].ComplexityBucket-bucket) < abs(nearest.ComplexityBucket-bucket) {
				nearest = &existing[i]
			}
		}
		m.cachePrior(ctx, nearest)
		return nearest, nil
	}

	// No history at all for this task type: persist a weak default.
	p = confidence.DefaultPrior(taskType, bucket)
	if err := m.store.CreatePrior(ctx, p); err != nil {
		return nil, fmt.Errorf("create default prior: %w", err)
	}
	m.cachePrior(ctx, p)
	return p, nil
}

// updatePrior folds one observation into the stored prior: incremental means
// for success rate and average confidence, posterior Beta parameters, and a
// monotonically growing sample size. Read-modify-write; last writer wins on
// concurrent updates to the same (type, bucket) key.
func (m *ConfidenceModel) updatePrior(ctx context.Context, p *confidence.Prior, passRate, conf, alpha, beta float64) error {
	n := float64(p.SampleSize + 1)
	p.SuccessRate += (passRate - p.SuccessRate) / n
	p.AvgConfidence += (conf - p.AvgConfidence) / n
	p.SampleSize++
	p.Alpha = alpha
	p.Beta = beta

	if err := m.store.UpdatePrior(ctx, p); err != nil {
		return err
	}
	m.cachePrior(ctx, p)
	return nil
}

func (m *ConfidenceModel) cachedPrior(ctx context.Context, taskType string, bucket int) (*confidence.Prior, bool) {
	if m.priors == nil {
		return nil, false
	}
	data, ok, err := m.priors.Get(ctx, priorCacheKey(taskType, bucket))
	if err != nil || !ok {
		return nil, false
	}
	var p confidence.Prior
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, false
	}
	return &p, true
}

func (m *ConfidenceModel) cachePrior(ctx context.Context, p *confidence.Prior) {
	if m.priors == nil {
		return
	}
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := m.priors.Set(ctx, priorCacheKey(p.TaskType, p.ComplexityBucket), data, m.priorTTL); err != nil {
		slog.Debug("prior cache set failed", "error", err)
	}
}

func priorCacheKey(taskType string, bucket int) string {
	return fmt.Sprintf("prior:%s:%d", taskType, bucket)
}

// Trend classifies the direction of a task's recent confidence scores by
// comparing the mean of the newer half of the window against the older half.
func (m *ConfidenceModel) Trend(ctx context.Context, taskID string, window int) (confidence.Trend, error) {
	execs, err := m.store.ListExecutions(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("list executions for trend: %w", err)
	}
	if window > 0 && len(execs) > window {
		execs = execs[len(execs)-window:]
	}
	if len(execs) < 2 {
		return confidence.TrendStable, nil
	}

	mid := len(execs) / 2
	older := meanConfidence(execs[:mid])
	newer := meanConfidence(execs[mid:])

	switch delta := newer - older; {
	case delta > trendThreshold:
		return confidence.TrendImproving, nil
	case delta < -trendThreshold:
		return confidence.TrendDeclining, nil
	default:
		return confidence.TrendStable, nil
	}
}

// Simulate projects the expected confidence and target-hit probability for a
// hypothetical batch of future tests, using a normal approximation of the
// posterior confidence distribution.
func (m *ConfidenceModel) Simulate(ctx context.Context, taskType string, complexity float64, plannedTests int, expectedPassRate float64, target int) (*confidence.Projection, error) {
	if plannedTests < 1 {
		return nil, fmt.Errorf("%w: planned_tests must be >= 1", domain.ErrValidation)
	}
	if expectedPassRate < 0 || expectedPassRate > 1 {
		return nil, fmt.Errorf("%w: expected_pass_rate must be within 0-1", domain.ErrValidation)
	}

	bucket := int(math.Round(complexity))
	prior, err := m.resolvePrior(ctx, taskType, bucket)
	if err != nil {
		return nil, fmt.Errorf("resolve prior %s/%d: %w", taskType, bucket, err)
	}

	alpha := prior.Alpha + expectedPassRate*float64(plannedTests)
	beta := prior.Beta + (1-expectedPassRate)*float64(plannedTests)

	denom := expectedPassRate*prior.SuccessRate + (1-expectedPassRate)*(1-prior.SuccessRate)
	posteriorProb := expectedPassRate
	if denom > 0 {
		posteriorProb = (expectedPassRate * prior.SuccessRate) / denom
	}
	betaMean := alpha / (alpha + beta)

	expected := blendPriorWeight*(prior.AvgConfidence*posteriorProb) +
		blendTestWeight*(expectedPassRate*100) +
		blendBetaWeight*(betaMean*100)

	sd := math.Sqrt((alpha*beta)/((alpha+beta)*(alpha+beta)*(alpha+beta+1))) * 200
	if sd < 1 {
		sd = 1
	}

	return &confidence.Projection{
		ExpectedConfidence:   int(math.Round(expected)),
		TargetHitProbability: 1 - normalCDF((float64(target)-expected)/sd),
	}, nil
}

func meanConfidence(execs []task.Execution) float64 {
	if len(execs) == 0 {
		return 0
	}
	var sum float64
	for _, e := range execs {
		sum += float64(e.ConfidenceScore)
	}
	return sum / float64(len(execs))
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// normalCDF evaluates the standard normal CDF using the Zelen & Severo
// polynomial approximation (Abramowitz & Stegun 26.2.17).
func normalCDF(z float64) float64 {
	if z < 0 {
		return 1 - normalCDF(-z)
	}
	t := 1 / (1 + 0.2316419*z)
	poly := t * (0.319381530 + t*(-0.356563782+t*(1.781477937+t*(-1.821255978+t*1.330274429))))
	pdf := math.Exp(-z*z/2) / math.Sqrt(2*math.Pi)
	return 1 - pdf*poly
}
