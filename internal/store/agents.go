// ABOUTME: SQLite persistence for the agent registry
// ABOUTME: Create, read, atomic update, and delete of agent rows

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const selectAgentSQL = `
	SELECT id, hostname, platform, version, capabilities_json, url, status,
		last_seen, registered_at, created_at, updated_at, metrics_json, token_hash
	FROM agents
`

// CreateAgent inserts a new agent.
// Returns ErrDuplicate if an agent with the same ID exists.
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *Agent) error {
	caps, metrics, err := encodeAgentJSON(agent)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO agents (id, hostname, platform, version, capabilities_json, url, status,
				last_seen, registered_at, created_at, updated_at, metrics_json, token_hash)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			agent.ID, agent.Hostname, agent.Platform, agent.Version, caps, agent.URL,
			string(agent.Status), formatTime(agent.LastSeen), formatTime(agent.RegisteredAt),
			formatTime(agent.CreatedAt), formatTime(agent.UpdatedAt), metrics, nullString(agent.TokenHash),
		)
		if err != nil {
			if isConstraintViolation(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("inserting agent: %w", err)
		}
		s.logger.Debug("created agent", "agent_id", agent.ID)
		return nil
	})
}

// GetAgent retrieves an agent by ID.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	agent, err := scanAgent(s.db.QueryRowContext(ctx, selectAgentSQL+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return agent, nil
}

// ListAgents returns all agents ordered by ID
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, selectAgentSQL+" ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent row: %w", err)
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent rows: %w", err)
	}
	return agents, nil
}

// UpdateAgent atomically applies fn to the stored agent and persists the result.
// The ID is immutable; changes to it inside fn are ignored.
func (s *SQLiteStore) UpdateAgent(ctx context.Context, id string, fn func(*Agent) error) (*Agent, error) {
	var updated *Agent
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		agent, err := scanAgent(tx.QueryRowContext(ctx, selectAgentSQL+" WHERE id = ?", id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("querying agent: %w", err)
		}

		if err := fn(agent); err != nil {
			if errors.Is(err, ErrNoChange) {
				updated = agent
				return nil
			}
			return err
		}
		agent.ID = id

		caps, metrics, err := encodeAgentJSON(agent)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE agents SET hostname = ?, platform = ?, version = ?, capabilities_json = ?, url = ?,
				status = ?, last_seen = ?, registered_at = ?, updated_at = ?, metrics_json = ?, token_hash = ?
			WHERE id = ?
		`,
			agent.Hostname, agent.Platform, agent.Version, caps, agent.URL,
			string(agent.Status), formatTime(agent.LastSeen), formatTime(agent.RegisteredAt),
			formatTime(agent.UpdatedAt), metrics, nullString(agent.TokenHash), id,
		)
		if err != nil {
			return fmt.Errorf("updating agent: %w", err)
		}
		updated = agent
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteAgent removes an agent row. Its tasks and deployments are kept.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) DeleteAgent(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("deleting agent: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking rows affected: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		s.logger.Debug("deleted agent", "agent_id", id)
		return nil
	})
}

func scanAgent(row rowScanner) (*Agent, error) {
	var (
		agent                                 Agent
		capsJSON, status                      string
		lastSeen, registered, created, update string
		metricsJSON, tokenHash                sql.NullString
	)
	if err := row.Scan(
		&agent.ID, &agent.Hostname, &agent.Platform, &agent.Version, &capsJSON, &agent.URL, &status,
		&lastSeen, &registered, &created, &update, &metricsJSON, &tokenHash,
	); err != nil {
		return nil, err
	}

	agent.Status = AgentStatus(status)
	agent.TokenHash = tokenHash.String

	if err := json.Unmarshal([]byte(capsJSON), &agent.Capabilities); err != nil {
		return nil, fmt.Errorf("decoding capabilities: %w", err)
	}
	if metricsJSON.Valid && metricsJSON.String != "" {
		if err := json.Unmarshal([]byte(metricsJSON.String), &agent.Metrics); err != nil {
			return nil, fmt.Errorf("decoding metrics: %w", err)
		}
	}

	var err error
	if agent.LastSeen, err = parseTime("last_seen", lastSeen); err != nil {
		return nil, err
	}
	if agent.RegisteredAt, err = parseTime("registered_at", registered); err != nil {
		return nil, err
	}
	if agent.CreatedAt, err = parseTime("created_at", created); err != nil {
		return nil, err
	}
	if agent.UpdatedAt, err = parseTime("updated_at", update); err != nil {
		return nil, err
	}
	return &agent, nil
}

func encodeAgentJSON(agent *Agent) (caps string, metrics any, err error) {
	capabilities := agent.Capabilities
	if capabilities == nil {
		capabilities = []string{}
	}
	if caps, err = marshalJSON(capabilities); err != nil {
		return "", nil, fmt.Errorf("encoding capabilities: %w", err)
	}
	if agent.Metrics != nil {
		m, err := marshalJSON(agent.Metrics)
		if err != nil {
			return "", nil, fmt.Errorf("encoding metrics: %w", err)
		}
		metrics = m
	}
	return caps, metrics, nil
}
