package postgres

import (
	"context"
	"fmt"

	"github.com/fieldline/conductor/internal/domain/correction"
)

func (s *Store) CreateCorrection(ctx context.Context, r *correction.Record) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO task_corrections (id, execution_id, strategy_type, analysis,
		    before_confidence, after_confidence, success, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.ExecutionID, r.StrategyType, r.Analysis,
		r.BeforeConfidence, r.AfterConfidence, r.Success, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("create correction: %w", err)
	}
	return nil
}

func (s *Store) ListCorrections(ctx context.Context, executionID string) ([]correction.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, execution_id, strategy_type, analysis, before_confidence, after_confidence, success, created_at
		 FROM task_corrections WHERE execution_id = $1 ORDER BY created_at ASC`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list corrections: %w", err)
	}
	defer rows.Close()

	var records []correction.Record
	for rows.Next() {
		var r correction.Record
		if err := rows.Scan(&r.ID, &r.ExecutionID, &r.StrategyType, &r.Analysis,
			&r.BeforeConfidence, &r.AfterConfidence, &r.Success, &r.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
