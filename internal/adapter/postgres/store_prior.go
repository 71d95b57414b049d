package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fieldline/conductor/internal/domain/confidence"
)

const priorColumns = `id, task_type, complexity_bucket, success_rate, avg_confidence,
	sample_size, alpha, beta, updated_at`

func (s *Store) GetPrior(ctx context.Context, taskType string, bucket int) (*confidence.Prior, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+priorColumns+` FROM bayesian_priors
		 WHERE task_type = $1 AND complexity_bucket = $2`, taskType, bucket)

	p, err := scanPrior(row)
	if err != nil {
		return nil, notFoundWrap(err, "get prior %s/%d", taskType, bucket)
	}
	return &p, nil
}

func (s *Store) ListPriorsByType(ctx context.Context, taskType string) ([]confidence.Prior, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+priorColumns+` FROM bayesian_priors
		 WHERE task_type = $1 ORDER BY complexity_bucket ASC`, taskType)
	if err != nil {
		return nil, fmt.Errorf("list priors for %s: %w", taskType, err)
	}
	defer rows.Close()

	var priors []confidence.Prior
	for rows.Next() {
		p, err := scanPrior(rows)
		if err != nil {
			return nil, err
		}
		priors = append(priors, p)
	}
	return priors, rows.Err()
}

func (s *Store) CreatePrior(ctx context.Context, p *confidence.Prior) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.UpdatedAt = time.Now().UTC()

	// Concurrent creators of the same (type, bucket) key collapse onto one
	// row; the weak defaults are identical either way.
	_, err := s.pool.Exec(ctx,
		`INSERT INTO bayesian_priors (id, task_type, complexity_bucket, success_rate,
		    avg_confidence, sample_size, alpha, beta, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (task_type, complexity_bucket) DO NOTHING`,
		p.ID, p.TaskType, p.ComplexityBucket, p.SuccessRate,
		p.AvgConfidence, p.SampleSize, p.Alpha, p.Beta, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create prior %s/%d: %w", p.TaskType, p.ComplexityBucket, err)
	}
	return nil
}

func (s *Store) UpdatePrior(ctx context.Context, p *confidence.Prior) error {
	p.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE bayesian_priors SET success_rate = $3, avg_confidence = $4,
		    sample_size = $5, alpha = $6, beta = $7, updated_at = $8
		 WHERE task_type = $1 AND complexity_bucket = $2`,
		p.TaskType, p.ComplexityBucket, p.SuccessRate, p.AvgConfidence,
		p.SampleSize, p.Alpha, p.Beta, p.UpdatedAt)
	return execExpectOne(tag, err, "update prior %s/%d", p.TaskType, p.ComplexityBucket)
}

func scanPrior(row scannable) (confidence.Prior, error) {
	var p confidence.Prior
	err := row.Scan(&p.ID, &p.TaskType, &p.ComplexityBucket, &p.SuccessRate,
		&p.AvgConfidence, &p.SampleSize, &p.Alpha, &p.Beta, &p.UpdatedAt)
	if err != nil {
		return confidence.Prior{}, err
	}
	return p, nil
}
