// ABOUTME: SQLite persistence for the agent task queue
// ABOUTME: FIFO listing by insertion sequence and transactional status updates

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const selectTaskSQL = `
	SELECT seq, id, agent_id, type, payload_json, status, result_json, error,
		created_at, updated_at, started_at, completed_at
	FROM agent_tasks
`

// CreateTask inserts a new task and assigns its sequence number.
// Returns ErrDuplicate if a task with the same ID exists.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *AgentTask) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO agent_tasks (id, agent_id, type, payload_json, status, result_json, error,
				created_at, updated_at, started_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			task.ID, task.AgentID, string(task.Type), string(task.Payload), string(task.Status),
			nullJSON(task.Result), nullString(task.Error),
			formatTime(task.CreatedAt), formatTime(task.UpdatedAt),
			nullTime(task.StartedAt), nullTime(task.CompletedAt),
		)
		if err != nil {
			if isConstraintViolation(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("inserting task: %w", err)
		}
		seq, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("reading task sequence: %w", err)
		}
		task.Seq = seq
		s.logger.Debug("created task", "task_id", task.ID, "agent_id", task.AgentID, "type", task.Type)
		return nil
	})
}

// GetTask retrieves a task by ID.
// Returns ErrNotFound if the task doesn't exist.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*AgentTask, error) {
	task, err := scanTask(s.db.QueryRowContext(ctx, selectTaskSQL+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}
	return task, nil
}

// ListTasks returns tasks matching filter in creation order.
func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*AgentTask, error) {
	var (
		where []string
		args  []any
	)
	if filter.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := selectTaskSQL
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*AgentTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating task rows: %w", err)
	}
	return tasks, nil
}

// UpdateTask atomically applies fn to the stored task and persists the result.
// Identity, owner, type, and payload are immutable.
func (s *SQLiteStore) UpdateTask(ctx context.Context, id string, fn func(*AgentTask) error) (*AgentTask, error) {
	var updated *AgentTask
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		task, err := scanTask(tx.QueryRowContext(ctx, selectTaskSQL+" WHERE id = ?", id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("querying task: %w", err)
		}

		if err := fn(task); err != nil {
			if errors.Is(err, ErrNoChange) {
				updated = task
				return nil
			}
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE agent_tasks SET status = ?, result_json = ?, error = ?,
				updated_at = ?, started_at = ?, completed_at = ?
			WHERE id = ?
		`,
			string(task.Status), nullJSON(task.Result), nullString(task.Error),
			formatTime(task.UpdatedAt), nullTime(task.StartedAt), nullTime(task.CompletedAt), id,
		)
		if err != nil {
			return fmt.Errorf("updating task: %w", err)
		}
		updated = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// CountTasksByStatus returns the number of tasks in each status
func (s *SQLiteStore) CountTasksByStatus(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM agent_tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[TaskStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning task count: %w", err)
		}
		counts[TaskStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating task counts: %w", err)
	}
	return counts, nil
}

func scanTask(row rowScanner) (*AgentTask, error) {
	var (
		task                     AgentTask
		taskType, payload, state string
		created, updated         string
		result, errMsg           sql.NullString
		started, completed       sql.NullString
	)
	if err := row.Scan(
		&task.Seq, &task.ID, &task.AgentID, &taskType, &payload, &state, &result, &errMsg,
		&created, &updated, &started, &completed,
	); err != nil {
		return nil, err
	}

	task.Type = TaskType(taskType)
	task.Status = TaskStatus(state)
	task.Payload = []byte(payload)
	if result.Valid {
		task.Result = []byte(result.String)
	}
	task.Error = errMsg.String

	var err error
	if task.CreatedAt, err = parseTime("created_at", created); err != nil {
		return nil, err
	}
	if task.UpdatedAt, err = parseTime("updated_at", updated); err != nil {
		return nil, err
	}
	if task.StartedAt, err = parseNullTime("started_at", started); err != nil {
		return nil, err
	}
	if task.CompletedAt, err = parseNullTime("completed_at", completed); err != nil {
		return nil, err
	}
	return &task, nil
}
