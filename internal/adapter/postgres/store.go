package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fieldline/conductor/internal/domain/task"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const taskColumns = `id, name, description, task_type, status, confidence_score,
	target_confidence, floor_confidence, parent_id, dependencies, priority,
	complexity_score, metadata, created_at, updated_at, started_at, completed_at`

func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	metadataJSON, err := json.Marshal(orEmptyMap(t.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO tasks (id, name, description, task_type, status, confidence_score,
		    target_confidence, floor_confidence, parent_id, dependencies, priority,
		    complexity_score, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		t.ID, t.Name, t.Description, t.TaskType, t.Status, t.ConfidenceScore,
		t.TargetConfidence, t.FloorConfidence, nullIfEmpty(t.ParentID), pgTextArray(t.Dependencies),
		t.Priority, t.ComplexityScore, metadataJSON, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)

	t, err := scanTask(row)
	if err != nil {
		return nil, notFoundWrap(err, "get task %s", id)
	}
	return &t, nil
}

func (s *Store) ListTasks(ctx context.Context, filter task.ListFilter) ([]task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.TaskType != "" {
		args = append(args, filter.TaskType)
		query += fmt.Sprintf(" AND task_type = $%d", len(args))
	}
	if filter.ParentID != "" {
		args = append(args, filter.ParentID)
		query += fmt.Sprintf(" AND parent_id = $%d", len(args))
	}
	query += " ORDER BY priority DESC, created_at ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *Store) UpdateTask(ctx context.Context, t *task.Task) error {
	metadataJSON, err := json.Marshal(orEmptyMap(t.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET name = $2, description = $3, status = $4, confidence_score = $5,
		    target_confidence = $6, floor_confidence = $7, dependencies = $8, priority = $9,
		    complexity_score = $10, metadata = $11, updated_at = $12, started_at = $13, completed_at = $14
		 WHERE id = $1`,
		t.ID, t.Name, t.Description, t.Status, t.ConfidenceScore,
		t.TargetConfidence, t.FloorConfidence, pgTextArray(t.Dependencies), t.Priority,
		t.ComplexityScore, metadataJSON, t.UpdatedAt, nullTime(t.StartedAt), nullTime(t.CompletedAt))
	return execExpectOne(tag, err, "update task %s", t.ID)
}

func scanTask(row scannable) (task.Task, error) {
	var t task.Task
	var parentID *string
	var metadataJSON []byte

	err := row.Scan(&t.ID, &t.Name, &t.Description, &t.TaskType, &t.Status, &t.ConfidenceScore,
		&t.TargetConfidence, &t.FloorConfidence, &parentID, &t.Dependencies, &t.Priority,
		&t.ComplexityScore, &metadataJSON, &t.CreatedAt, &t.UpdatedAt, &t.StartedAt, &t.CompletedAt)
	if err != nil {
		return task.Task{}, err
	}

	if parentID != nil {
		t.ParentID = *parentID
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &t.Metadata); err != nil {
			return task.Task{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return t, nil
}

// orEmptyMap ensures JSONB columns store {} rather than SQL NULL.
func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
