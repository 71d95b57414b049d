package postgres

import (
	"context"
	"fmt"

	"github.com/fieldline/conductor/internal/domain/markov"
)

func (s *Store) ListTransitions(ctx context.Context) ([]markov.Transition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, from_state, to_state, task_type, confidence_bucket, count, success_count, avg_duration_ms
		 FROM markov_transitions ORDER BY task_type, from_state, to_state`)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var transitions []markov.Transition
	for rows.Next() {
		var t markov.Transition
		if err := rows.Scan(&t.ID, &t.FromState, &t.ToState, &t.TaskType, &t.ConfidenceBucket,
			&t.Count, &t.SuccessCount, &t.AvgDurationMS); err != nil {
			return nil, err
		}
		transitions = append(transitions, t)
	}
	return transitions, rows.Err()
}

// UpsertTransition folds one observation into the matching aggregate row in
// a single statement, keeping the running average duration exact.
func (s *Store) UpsertTransition(ctx context.Context, obs markov.Observation) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markov_transitions (from_state, to_state, task_type, confidence_bucket,
		    count, success_count, avg_duration_ms)
		 VALUES ($1, $2, $3, $4, 1, CASE WHEN $5 THEN 1 ELSE 0 END, $6)
		 ON CONFLICT (from_state, to_state, task_type, confidence_bucket) DO UPDATE SET
		    count = markov_transitions.count + 1,
		    success_count = markov_transitions.success_count + CASE WHEN $5 THEN 1 ELSE 0 END,
		    avg_duration_ms = (markov_transitions.avg_duration_ms * markov_transitions.count + $6)
		        / (markov_transitions.count + 1)`,
		obs.FromState, obs.ToState, obs.TaskType, obs.ConfidenceBucket,
		obs.Success, float64(obs.DurationMS))
	if err != nil {
		return fmt.Errorf("upsert transition %s->%s: %w", obs.FromState, obs.ToState, err)
	}
	return nil
}
