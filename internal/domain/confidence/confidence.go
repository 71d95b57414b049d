// Package confidence defines the Bayesian prior, test evidence, and posterior
// confidence types used by the confidence model.
package confidence

import "time"

// Bucket is a coarse 5-way partition of the 0-100 confidence range, used to
// key Markov transition records.
type Bucket string

const (
	BucketVeryLow  Bucket = "very_low"  // < 70
	BucketLow      Bucket = "low"       // < 85
	BucketMedium   Bucket = "medium"    // < 93
	BucketHigh     Bucket = "high"      // < 98
	BucketVeryHigh Bucket = "very_high" // >= 98
)

// BucketFor maps a 0-100 confidence score to its bucket.
func BucketFor(score int) Bucket {
	switch {
	case score < 70:
		return BucketVeryLow
	case score < 85:
		return BucketLow
	case score < 93:
		return BucketMedium
	case score < 98:
		return BucketHigh
	default:
		return BucketVeryHigh
	}
}

// Default prior values used when no history exists for a (type, bucket) pair.
const (
	DefaultSuccessRate   = 0.75
	DefaultAvgConfidence = 85
	DefaultAlpha         = 3
	DefaultBeta          = 1
)

// Prior is the running belief about success for a (task-type,
// complexity-bucket) pair. Alpha counts successes, Beta counts failures;
// both stay >= 1.
type Prior struct {
	ID               string    `json:"id"`
	TaskType         string    `json:"task_type"`
	ComplexityBucket int       `json:"complexity_bucket"`
	SuccessRate      float64   `json:"success_rate"`
	AvgConfidence    float64   `json:"avg_confidence"`
	SampleSize       int       `json:"sample_size"`
	Alpha            float64   `json:"alpha"`
	Beta             float64   `json:"beta"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// DefaultPrior returns the weak default belief for a (type, bucket) pair
// with no observed history.
func DefaultPrior(taskType string, bucket int) *Prior {
	return &Prior{
		TaskType:         taskType,
		ComplexityBucket: bucket,
		SuccessRate:      DefaultSuccessRate,
		AvgConfidence:    DefaultAvgConfidence,
		SampleSize:       0,
		Alpha:            DefaultAlpha,
		Beta:             DefaultBeta,
	}
}

// Evidence is one test outcome folded into a confidence computation.
// Ephemeral: never persisted as its own entity.
type Evidence struct {
	Passed     bool    `json:"passed"`
	Weight     float64 `json:"weight"`
	IsCritical bool    `json:"is_critical"`
}

// Update is the result of one posterior confidence computation.
type Update struct {
	Confidence     int     `json:"confidence"`
	Uncertainty    int     `json:"uncertainty"`
	MeetsFloor     bool    `json:"meets_floor"`
	MeetsTarget    bool    `json:"meets_target"`
	Recommendation string  `json:"recommendation"`
	PosteriorAlpha float64 `json:"posterior_alpha"`
	PosteriorBeta  float64 `json:"posterior_beta"`
}

// Trend classifies the direction of recent confidence scores.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDeclining Trend = "declining"
)

// Projection is the simulated outcome of a hypothetical future test batch.
type Projection struct {
	ExpectedConfidence   int     `json:"expected_confidence"`
	TargetHitProbability float64 `json:"target_hit_probability"`
}
