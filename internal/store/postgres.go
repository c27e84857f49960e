// ABOUTME: PostgreSQL implementation of the Store interface using pgx connection pooling
// ABOUTME: Uses SELECT ... FOR UPDATE row locks for atomic task and deployment transitions

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using a PostgreSQL backend.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore connects to PostgreSQL, verifies the connection, and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string, maxConns int32) (*PostgresStore, error) {
	logger := slog.Default().With("component", "store")

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	s := &PostgresStore{pool: pool, logger: logger}
	if err := s.createSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("Postgres store initialized", "max_conns", config.MaxConns)
	return s, nil
}

func (s *PostgresStore) createSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id            TEXT PRIMARY KEY,
			hostname      TEXT NOT NULL,
			platform      TEXT NOT NULL DEFAULT '',
			version       TEXT NOT NULL DEFAULT '',
			capabilities  TEXT[] NOT NULL DEFAULT '{}',
			url           TEXT NOT NULL DEFAULT '',
			status        TEXT NOT NULL CHECK (status IN ('online', 'offline', 'error', 'unknown')),
			last_seen     TIMESTAMPTZ NOT NULL,
			registered_at TIMESTAMPTZ NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL,
			updated_at    TIMESTAMPTZ NOT NULL,
			metrics       JSONB,
			token_hash    TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);

		CREATE TABLE IF NOT EXISTS agent_tasks (
			seq          BIGSERIAL PRIMARY KEY,
			id           TEXT NOT NULL UNIQUE,
			agent_id     TEXT NOT NULL,
			type         TEXT NOT NULL,
			payload      JSONB NOT NULL,
			status       TEXT NOT NULL CHECK (status IN ('pending', 'running', 'completed', 'failed', 'cancelled')),
			result       JSONB,
			error        TEXT,
			created_at   TIMESTAMPTZ NOT NULL,
			updated_at   TIMESTAMPTZ NOT NULL,
			started_at   TIMESTAMPTZ,
			completed_at TIMESTAMPTZ
		);

		CREATE INDEX IF NOT EXISTS idx_agent_tasks_agent_status ON agent_tasks(agent_id, status, seq);
		CREATE INDEX IF NOT EXISTS idx_agent_tasks_status ON agent_tasks(status);

		CREATE TABLE IF NOT EXISTS deployments (
			id               TEXT PRIMARY KEY,
			name             TEXT NOT NULL,
			agent_id         TEXT NOT NULL,
			kind             TEXT NOT NULL,
			stack_name       TEXT,
			container_name   TEXT,
			descriptor       JSONB,
			status           TEXT NOT NULL CHECK (status IN ('pending', 'deploying', 'deployed', 'failed', 'updating', 'removing', 'removed')),
			phase            TEXT NOT NULL CHECK (phase IN ('deploy', 'update', 'remove')),
			tracked_task_ids TEXT[] NOT NULL DEFAULT '{}',
			error            TEXT,
			created_at       TIMESTAMPTZ NOT NULL,
			updated_at       TIMESTAMPTZ NOT NULL,
			deployed_at      TIMESTAMPTZ,
			removed_at       TIMESTAMPTZ
		);

		CREATE INDEX IF NOT EXISTS idx_deployments_agent ON deployments(agent_id);
		CREATE INDEX IF NOT EXISTS idx_deployments_status ON deployments(status);
		CREATE INDEX IF NOT EXISTS idx_deployments_tracked ON deployments USING GIN (tracked_task_ids);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Ping verifies the database is reachable
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.logger.Info("closing Postgres store")
	s.pool.Close()
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Agent Operations ---

const pgSelectAgent = `
	SELECT id, hostname, platform, version, capabilities, url, status,
		last_seen, registered_at, created_at, updated_at, metrics, token_hash
	FROM agents
`

func (s *PostgresStore) CreateAgent(ctx context.Context, agent *Agent) error {
	metrics, err := encodeMetrics(agent.Metrics)
	if err != nil {
		return err
	}
	caps := agent.Capabilities
	if caps == nil {
		caps = []string{}
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO agents (id, hostname, platform, version, capabilities, url, status,
			last_seen, registered_at, created_at, updated_at, metrics, token_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		agent.ID, agent.Hostname, agent.Platform, agent.Version, caps, agent.URL, string(agent.Status),
		agent.LastSeen, agent.RegisteredAt, agent.CreatedAt, agent.UpdatedAt, metrics, nullString(agent.TokenHash),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting agent: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	agent, err := scanPgAgent(s.pool.QueryRow(ctx, pgSelectAgent+" WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return agent, nil
}

func (s *PostgresStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.pool.Query(ctx, pgSelectAgent+" ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanPgAgent(rows)
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

func (s *PostgresStore) UpdateAgent(ctx context.Context, id string, fn func(*Agent) error) (*Agent, error) {
	var updated *Agent
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		agent, err := scanPgAgent(tx.QueryRow(ctx, pgSelectAgent+" WHERE id = $1 FOR UPDATE", id))
		if errors.Is(err, pgx.ErrNoRows) {
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

		metrics, err := encodeMetrics(agent.Metrics)
		if err != nil {
			return err
		}
		caps := agent.Capabilities
		if caps == nil {
			caps = []string{}
		}
		_, err = tx.Exec(ctx, `
			UPDATE agents SET hostname = $1, platform = $2, version = $3, capabilities = $4, url = $5,
				status = $6, last_seen = $7, registered_at = $8, updated_at = $9, metrics = $10, token_hash = $11
			WHERE id = $12
		`,
			agent.Hostname, agent.Platform, agent.Version, caps, agent.URL, string(agent.Status),
			agent.LastSeen, agent.RegisteredAt, agent.UpdatedAt, metrics, nullString(agent.TokenHash), id,
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

func (s *PostgresStore) DeleteAgent(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPgAgent(row pgx.Row) (*Agent, error) {
	var (
		agent     Agent
		status    string
		metrics   []byte
		tokenHash *string
	)
	if err := row.Scan(
		&agent.ID, &agent.Hostname, &agent.Platform, &agent.Version, &agent.Capabilities, &agent.URL, &status,
		&agent.LastSeen, &agent.RegisteredAt, &agent.CreatedAt, &agent.UpdatedAt, &metrics, &tokenHash,
	); err != nil {
		return nil, err
	}
	agent.Status = AgentStatus(status)
	if tokenHash != nil {
		agent.TokenHash = *tokenHash
	}
	if len(metrics) > 0 {
		if err := json.Unmarshal(metrics, &agent.Metrics); err != nil {
			return nil, fmt.Errorf("decoding metrics: %w", err)
		}
	}
	return &agent, nil
}

func encodeMetrics(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	data, err := marshalJSON(m)
	if err != nil {
		return nil, fmt.Errorf("encoding metrics: %w", err)
	}
	return data, nil
}

// --- Task Operations ---

const pgSelectTask = `
	SELECT seq, id, agent_id, type, payload, status, result, error,
		created_at, updated_at, started_at, completed_at
	FROM agent_tasks
`

func (s *PostgresStore) CreateTask(ctx context.Context, task *AgentTask) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO agent_tasks (id, agent_id, type, payload, status, result, error,
			created_at, updated_at, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING seq
	`,
		task.ID, task.AgentID, string(task.Type), string(task.Payload), string(task.Status),
		nullJSON(task.Result), nullString(task.Error), task.CreatedAt, task.UpdatedAt,
		task.StartedAt, task.CompletedAt,
	).Scan(&task.Seq)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting task: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*AgentTask, error) {
	task, err := scanPgTask(s.pool.QueryRow(ctx, pgSelectTask+" WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}
	return task, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*AgentTask, error) {
	var (
		where []string
		args  []any
	)
	if filter.AgentID != "" {
		args = append(args, filter.AgentID)
		where = append(where, fmt.Sprintf("agent_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	query := pgSelectTask
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*AgentTask
	for rows.Next() {
		task, err := scanPgTask(rows)
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

func (s *PostgresStore) UpdateTask(ctx context.Context, id string, fn func(*AgentTask) error) (*AgentTask, error) {
	var updated *AgentTask
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		task, err := scanPgTask(tx.QueryRow(ctx, pgSelectTask+" WHERE id = $1 FOR UPDATE", id))
		if errors.Is(err, pgx.ErrNoRows) {
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

		_, err = tx.Exec(ctx, `
			UPDATE agent_tasks SET status = $1, result = $2, error = $3,
				updated_at = $4, started_at = $5, completed_at = $6
			WHERE id = $7
		`,
			string(task.Status), nullJSON(task.Result), nullString(task.Error),
			task.UpdatedAt, task.StartedAt, task.CompletedAt, id,
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

func (s *PostgresStore) CountTasksByStatus(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM agent_tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[TaskStatus]int)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning task count: %w", err)
		}
		counts[TaskStatus(status)] = int(n)
	}
	return counts, rows.Err()
}

func scanPgTask(row pgx.Row) (*AgentTask, error) {
	var (
		task            AgentTask
		taskType, state string
		payload, result []byte
		errMsg          *string
	)
	if err := row.Scan(
		&task.Seq, &task.ID, &task.AgentID, &taskType, &payload, &state, &result, &errMsg,
		&task.CreatedAt, &task.UpdatedAt, &task.StartedAt, &task.CompletedAt,
	); err != nil {
		return nil, err
	}
	task.Type = TaskType(taskType)
	task.Status = TaskStatus(state)
	task.Payload = payload
	if len(result) > 0 {
		task.Result = result
	}
	if errMsg != nil {
		task.Error = *errMsg
	}
	return &task, nil
}

// --- Deployment Operations ---

const pgSelectDeployment = `
	SELECT id, name, agent_id, kind, stack_name, container_name, descriptor, status, phase,
		tracked_task_ids, error, created_at, updated_at, deployed_at, removed_at
	FROM deployments
`

func (s *PostgresStore) CreateDeployment(ctx context.Context, d *Deployment) error {
	tracked := d.TrackedTaskIDs
	if tracked == nil {
		tracked = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO deployments (id, name, agent_id, kind, stack_name, container_name, descriptor,
			status, phase, tracked_task_ids, error, created_at, updated_at, deployed_at, removed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`,
		d.ID, d.Name, d.AgentID, string(d.Kind), nullString(d.StackName), nullString(d.ContainerName),
		nullJSON(d.Descriptor), string(d.Status), string(d.Phase), tracked, nullString(d.Error),
		d.CreatedAt, d.UpdatedAt, d.DeployedAt, d.RemovedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting deployment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDeployment(ctx context.Context, id string) (*Deployment, error) {
	d, err := scanPgDeployment(s.pool.QueryRow(ctx, pgSelectDeployment+" WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying deployment: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) ListDeployments(ctx context.Context, filter DeploymentFilter) ([]*Deployment, error) {
	var (
		where []string
		args  []any
	)
	if filter.AgentID != "" {
		args = append(args, filter.AgentID)
		where = append(where, fmt.Sprintf("agent_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	query := pgSelectDeployment
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	return s.queryDeployments(ctx, query, args...)
}

func (s *PostgresStore) FindDeploymentsByTask(ctx context.Context, taskID string) ([]*Deployment, error) {
	return s.queryDeployments(ctx,
		pgSelectDeployment+" WHERE $1 = ANY(tracked_task_ids) ORDER BY created_at ASC, id ASC", taskID)
}

func (s *PostgresStore) queryDeployments(ctx context.Context, query string, args ...any) ([]*Deployment, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying deployments: %w", err)
	}
	defer rows.Close()

	var out []*Deployment
	for rows.Next() {
		d, err := scanPgDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning deployment row: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating deployment rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) UpdateDeployment(ctx context.Context, id string, fn func(*Deployment) error) (*Deployment, error) {
	var updated *Deployment
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		d, err := scanPgDeployment(tx.QueryRow(ctx, pgSelectDeployment+" WHERE id = $1 FOR UPDATE", id))
		if errors.Is(err, pgx.ErrNoRows) {
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

		tracked := d.TrackedTaskIDs
		if tracked == nil {
			tracked = []string{}
		}
		_, err = tx.Exec(ctx, `
			UPDATE deployments SET name = $1, stack_name = $2, container_name = $3, descriptor = $4,
				status = $5, phase = $6, tracked_task_ids = $7, error = $8, updated_at = $9,
				deployed_at = $10, removed_at = $11
			WHERE id = $12
		`,
			d.Name, nullString(d.StackName), nullString(d.ContainerName), nullJSON(d.Descriptor),
			string(d.Status), string(d.Phase), tracked, nullString(d.Error), d.UpdatedAt,
			d.DeployedAt, d.RemovedAt, id,
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

func (s *PostgresStore) CountDeploymentsByStatus(ctx context.Context) (map[DeploymentStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM deployments GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting deployments: %w", err)
	}
	defer rows.Close()

	counts := make(map[DeploymentStatus]int)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning deployment count: %w", err)
		}
		counts[DeploymentStatus(status)] = int(n)
	}
	return counts, rows.Err()
}

func scanPgDeployment(row pgx.Row) (*Deployment, error) {
	var (
		d                        Deployment
		kind, status, phase      string
		stackName, containerName *string
		errMsg                   *string
		descriptor               []byte
	)
	if err := row.Scan(
		&d.ID, &d.Name, &d.AgentID, &kind, &stackName, &containerName, &descriptor, &status, &phase,
		&d.TrackedTaskIDs, &errMsg, &d.CreatedAt, &d.UpdatedAt, &d.DeployedAt, &d.RemovedAt,
	); err != nil {
		return nil, err
	}
	d.Kind = DeploymentKind(kind)
	d.Status = DeploymentStatus(status)
	d.Phase = DeploymentPhase(phase)
	if stackName != nil {
		d.StackName = *stackName
	}
	if containerName != nil {
		d.ContainerName = *containerName
	}
	if errMsg != nil {
		d.Error = *errMsg
	}
	if len(descriptor) > 0 {
		d.Descriptor = descriptor
	}
	return &d, nil
}

var _ Store = (*PostgresStore)(nil)
