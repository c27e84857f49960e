// ABOUTME: SQLite persistence for deployment records
// ABOUTME: Tracks deployments and looks them up by any of their tracked task IDs

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const selectDeploymentSQL = `
	SELECT d.id, d.name, d.agent_id, d.kind, d.stack_name, d.container_name, d.descriptor_json,
		d.status, d.phase, d.tracked_task_ids_json, d.error, d.created_at, d.updated_at,
		d.deployed_at, d.removed_at
	FROM deployments d
`

// CreateDeployment inserts a new deployment.
// Returns ErrDuplicate if a deployment with the same ID exists.
func (s *SQLiteStore) CreateDeployment(ctx context.Context, d *Deployment) error {
	tracked, err := encodeTracked(d.TrackedTaskIDs)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO deployments (id, name, agent_id, kind, stack_name, container_name, descriptor_json,
				status, phase, tracked_task_ids_json, error, created_at, updated_at, deployed_at, removed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			d.ID, d.Name, d.AgentID, string(d.Kind), nullString(d.StackName), nullString(d.ContainerName),
			nullJSON(d.Descriptor), string(d.Status), string(d.Phase), tracked, nullString(d.Error),
			formatTime(d.CreatedAt), formatTime(d.UpdatedAt), nullTime(d.DeployedAt), nullTime(d.RemovedAt),
		)
		if err != nil {
			if isConstraintViolation(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("inserting deployment: %w", err)
		}
		s.logger.Debug("created deployment", "deployment_id", d.ID, "agent_id", d.AgentID)
		return nil
	})
}

// GetDeployment retrieves a deployment by ID.
// Returns ErrNotFound if the deployment doesn't exist.
func (s *SQLiteStore) GetDeployment(ctx context.Context, id string) (*Deployment, error) {
	d, err := scanDeployment(s.db.QueryRowContext(ctx, selectDeploymentSQL+" WHERE d.id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying deployment: %w", err)
	}
	return d, nil
}

// ListDeployments returns deployments matching filter, oldest first
func (s *SQLiteStore) ListDeployments(ctx context.Context, filter DeploymentFilter) ([]*Deployment, error) {
	var (
		where []string
		args  []any
	)
	if filter.AgentID != "" {
		where = append(where, "d.agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.Status != "" {
		where = append(where, "d.status = ?")
		args = append(args, string(filter.Status))
	}

	query := selectDeploymentSQL
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY d.created_at ASC, d.id ASC"

	return s.queryDeployments(ctx, query, args...)
}

// FindDeploymentsByTask returns every deployment whose tracked task list contains taskID
func (s *SQLiteStore) FindDeploymentsByTask(ctx context.Context, taskID string) ([]*Deployment, error) {
	query := selectDeploymentSQL + `
		WHERE EXISTS (
			SELECT 1 FROM json_each(d.tracked_task_ids_json) WHERE json_each.value = ?
		)
		ORDER BY d.created_at ASC, d.id ASC
	`
	return s.queryDeployments(ctx, query, taskID)
}

func (s *SQLiteStore) queryDeployments(ctx context.Context, query string, args ...any) ([]*Deployment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying deployments: %w", err)
	}
	defer rows.Close()

	var deployments []*Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning deployment row: %w", err)
		}
		deployments = append(deployments, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating deployment rows: %w", err)
	}
	return deployments, nil
}

// UpdateDeployment atomically applies fn to the stored deployment and persists the result.
// Identity, owner, and kind are immutable.
func (s *SQLiteStore) UpdateDeployment(ctx context.Context, id string, fn func(*Deployment) error) (*Deployment, error) {
	var updated *Deployment
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		d, err := scanDeployment(tx.QueryRowContext(ctx, selectDeploymentSQL+" WHERE d.id = ?", id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("querying deployment: %w", err)
		}

		if err := fn(d); err != nil {
			if errors.Is(err, ErrNoChange) {
				updated = d
				return nil
			}
			return err
		}

		tracked, err := encodeTracked(d.TrackedTaskIDs)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE deployments SET name = ?, stack_name = ?, container_name = ?, descriptor_json = ?,
				status = ?, phase = ?, tracked_task_ids_json = ?, error = ?, updated_at = ?,
				deployed_at = ?, removed_at = ?
			WHERE id = ?
		`,
			d.Name, nullString(d.StackName), nullString(d.ContainerName), nullJSON(d.Descriptor),
			string(d.Status), string(d.Phase), tracked, nullString(d.Error), formatTime(d.UpdatedAt),
			nullTime(d.DeployedAt), nullTime(d.RemovedAt), id,
		)
		if err != nil {
			return fmt.Errorf("updating deployment: %w", err)
		}
		updated = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// CountDeploymentsByStatus returns the number of deployments in each status
func (s *SQLiteStore) CountDeploymentsByStatus(ctx context.Context) (map[DeploymentStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM deployments GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting deployments: %w", err)
	}
	defer rows.Close()

	counts := make(map[DeploymentStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning deployment count: %w", err)
		}
		counts[DeploymentStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating deployment counts: %w", err)
	}
	return counts, nil
}

func scanDeployment(row rowScanner) (*Deployment, error) {
	var (
		d                               Deployment
		kind, status, phase, trackedRaw string
		created, updated                string
		stackName, containerName        sql.NullString
		descriptor, errMsg              sql.NullString
		deployed, removed               sql.NullString
	)
	if err := row.Scan(
		&d.ID, &d.Name, &d.AgentID, &kind, &stackName, &containerName, &descriptor,
		&status, &phase, &trackedRaw, &errMsg, &created, &updated, &deployed, &removed,
	); err != nil {
		return nil, err
	}

	d.Kind = DeploymentKind(kind)
	d.Status = DeploymentStatus(status)
	d.Phase = DeploymentPhase(phase)
	d.StackName = stackName.String
	d.ContainerName = containerName.String
	d.Error = errMsg.String
	if descriptor.Valid {
		d.Descriptor = []byte(descriptor.String)
	}
	if err := json.Unmarshal([]byte(trackedRaw), &d.TrackedTaskIDs); err != nil {
		return nil, fmt.Errorf("decoding tracked task ids: %w", err)
	}

	var err error
	if d.CreatedAt, err = parseTime("created_at", created); err != nil {
		return nil, err
	}
	if d.UpdatedAt, err = parseTime("updated_at", updated); err != nil {
		return nil, err
	}
	if d.DeployedAt, err = parseNullTime("deployed_at", deployed); err != nil {
		return nil, err
	}
	if d.RemovedAt, err = parseNullTime("removed_at", removed); err != nil {
		return nil, err
	}
	return &d, nil
}

func encodeTracked(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	tracked, err := marshalJSON(ids)
	if err != nil {
		return "", fmt.Errorf("encoding tracked task ids: %w", err)
	}
	return tracked, nil
}
