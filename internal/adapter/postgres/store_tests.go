package postgres

import (
	"context"
	"fmt"

	"github.com/fieldline/conductor/internal/domain/task"
)

func (s *Store) CreateTest(ctx context.Context, t *task.Test) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO task_tests (id, task_id, name, description, weight, is_critical, expected)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.TaskID, t.Name, t.Description, t.Weight, t.IsCritical, t.Expected)
	if err != nil {
		return fmt.Errorf("create test: %w", err)
	}
	return nil
}

func (s *Store) ListTests(ctx context.Context, taskID string) ([]task.Test, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, task_id, name, description, weight, is_critical, expected
		 FROM task_tests WHERE task_id = $1 ORDER BY name ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list tests: %w", err)
	}
	defer rows.Close()

	var tests []task.Test
	for rows.Next() {
		var t task.Test
		if err := rows.Scan(&t.ID, &t.TaskID, &t.Name, &t.Description, &t.Weight, &t.IsCritical, &t.Expected); err != nil {
			return nil, err
		}
		tests = append(tests, t)
	}
	return tests, rows.Err()
}

func (s *Store) CreateTestResult(ctx context.Context, r *task.TestResult) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO task_test_results (id, execution_id, test_id, passed, actual, expected, error, duration_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.ExecutionID, r.TestID, r.Passed, r.Actual, r.Expected, r.Error, r.DurationMS, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("create test result: %w", err)
	}
	return nil
}

func (s *Store) ListTestResults(ctx context.Context, executionID string) ([]task.TestResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, execution_id, test_id, passed, actual, expected, error, duration_ms, created_at
		 FROM task_test_results WHERE execution_id = $1 ORDER BY created_at ASC`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list test results: %w", err)
	}
	defer rows.Close()

	var results []task.TestResult
	for rows.Next() {
		var r task.TestResult
		if err := rows.Scan(&r.ID, &r.ExecutionID, &r.TestID, &r.Passed, &r.Actual, &r.Expected, &r.Error, &r.DurationMS, &r.CreatedAt); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
