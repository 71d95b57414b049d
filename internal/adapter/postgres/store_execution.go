package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fieldline/conductor/internal/domain/task"
)

const executionColumns = `id, task_id, attempt_number, status, confidence_score,
	duration_ms, error_message, error_stack, output, created_at`

func (s *Store) CreateExecution(ctx context.Context, e *task.Execution) error {
	outputJSON, err := json.Marshal(orEmptyMap(e.Output))
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO task_executions (id, task_id, attempt_number, status, confidence_score,
		    duration_ms, error_message, error_stack, output, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.TaskID, e.AttemptNumber, e.Status, e.ConfidenceScore,
		e.DurationMS, e.ErrorMessage, e.ErrorStack, outputJSON, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

func (s *Store) GetExecution(ctx context.Context, id string) (*task.Execution, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM task_executions WHERE id = $1`, id)

	e, err := scanExecution(row)
	if err != nil {
		return nil, notFoundWrap(err, "get execution %s", id)
	}
	return &e, nil
}

func (s *Store) ListExecutions(ctx context.Context, taskID string) ([]task.Execution, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+executionColumns+` FROM task_executions
		 WHERE task_id = $1 ORDER BY attempt_number ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var executions []task.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, e)
	}
	return executions, rows.Err()
}

func (s *Store) NextAttemptNumber(ctx context.Context, taskID string) (int, error) {
	var next int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(attempt_number), 0) + 1 FROM task_executions WHERE task_id = $1`,
		taskID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next attempt number for %s: %w", taskID, err)
	}
	return next, nil
}

func scanExecution(row scannable) (task.Execution, error) {
	var e task.Execution
	var outputJSON []byte

	err := row.Scan(&e.ID, &e.TaskID, &e.AttemptNumber, &e.Status, &e.ConfidenceScore,
		&e.DurationMS, &e.ErrorMessage, &e.ErrorStack, &outputJSON, &e.CreatedAt)
	if err != nil {
		return task.Execution{}, err
	}

	if len(outputJSON) > 0 {
		if err := json.Unmarshal(outputJSON, &e.Output); err != nil {
			return task.Execution{}, fmt.Errorf("unmarshal output: %w", err)
		}
	}
	return e, nil
}
