// ABOUTME: Contract tests pinning the SQLite schema that agents, tasks, and deployments persist into
// ABOUTME: Catches dropped columns, missing indexes, loosened status checks, and broken legacy migrations

package contract

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/dockhand/internal/store"
)

// columns every release must keep. Extra columns are allowed.
var tableContract = map[string][]string{
	"agents": {
		"id", "hostname", "platform", "version",
		"capabilities_json", "url", "status", "last_seen",
		"registered_at", "created_at", "updated_at",
		"metrics_json", "token_hash",
	},
	"agent_tasks": {
		"seq", "id", "agent_id", "type",
		"payload_json", "status", "result_json", "error",
		"created_at", "updated_at", "started_at", "completed_at",
	},
	"deployments": {
		"id", "name", "agent_id", "kind",
		"stack_name", "container_name", "descriptor_json",
		"status", "phase", "tracked_task_ids_json", "error",
		"created_at", "updated_at", "deployed_at", "removed_at",
	},
}

var indexContract = []string{
	"idx_agents_status",
	"idx_agent_tasks_agent_status",
	"idx_agent_tasks_status",
	"idx_deployments_agent",
	"idx_deployments_status",
}

// openSchemaDB lets the store create its schema at path, then opens a raw handle on the same file.
func openSchemaDB(t *testing.T, path string) *sql.DB {
	t.Helper()

	s, err := store.NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newSchemaDB(t *testing.T) *sql.DB {
	t.Helper()
	return openSchemaDB(t, filepath.Join(t.TempDir(), "contract.db"))
}

func columnsOf(t *testing.T, db *sql.DB, table string) map[string]bool {
	t.Helper()
	rows, err := db.QueryContext(context.Background(), `SELECT name FROM pragma_table_info(?)`, table)
	require.NoError(t, err)
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		cols[name] = true
	}
	require.NoError(t, rows.Err())
	return cols
}

func namesOf(t *testing.T, db *sql.DB, kind string) map[string]bool {
	t.Helper()
	rows, err := db.QueryContext(context.Background(),
		`SELECT name FROM sqlite_master WHERE type = ? AND name NOT LIKE 'sqlite_%'`, kind)
	require.NoError(t, err)
	defer rows.Close()

	names := make(map[string]bool)
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		names[name] = true
	}
	require.NoError(t, rows.Err())
	return names
}

func TestSchemaColumns(t *testing.T) {
	db := newSchemaDB(t)

	for table, want := range tableContract {
		t.Run(table, func(t *testing.T) {
			got := columnsOf(t, db, table)
			require.NotEmpty(t, got, "table %s missing", table)
			for _, col := range want {
				assert.True(t, got[col], "column %s.%s missing", table, col)
			}
		})
	}
}

func TestSchemaTablesAndIndexes(t *testing.T) {
	db := newSchemaDB(t)

	tables := namesOf(t, db, "table")
	for table := range tableContract {
		assert.True(t, tables[table], "table %s missing", table)
	}

	indexes := namesOf(t, db, "index")
	for _, idx := range indexContract {
		assert.True(t, indexes[idx], "index %s missing", idx)
	}
}

func TestSchemaRejectsUnknownStatus(t *testing.T) {
	db := newSchemaDB(t)
	ctx := context.Background()
	now := "2026-03-01T12:00:00Z"

	_, err := db.ExecContext(ctx, `
		INSERT INTO agents (id, hostname, status, last_seen, registered_at, created_at, updated_at)
		VALUES ('a1', 'h', 'busy', ?, ?, ?, ?)`, now, now, now, now)
	assert.Error(t, err, "agent status outside the enum must be rejected")

	_, err = db.ExecContext(ctx, `
		INSERT INTO agent_tasks (id, agent_id, type, payload_json, status, created_at, updated_at)
		VALUES ('t1', 'a1', 'docker_command', '{}', 'queued', ?, ?)`, now, now)
	assert.Error(t, err, "task status outside the enum must be rejected")

	_, err = db.ExecContext(ctx, `
		INSERT INTO deployments (id, name, agent_id, kind, status, phase, created_at, updated_at)
		VALUES ('d1', 'web', 'a1', 'stack', 'pending', 'rollback', ?, ?)`, now, now)
	assert.Error(t, err, "deployment phase outside the enum must be rejected")
}

func TestSchemaMigratesLegacyAgentsTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")

	legacy, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = legacy.Exec(`
		CREATE TABLE agents (
			id                TEXT PRIMARY KEY,
			hostname          TEXT NOT NULL,
			platform          TEXT NOT NULL DEFAULT '',
			version           TEXT NOT NULL DEFAULT '',
			capabilities_json TEXT NOT NULL DEFAULT '[]',
			status            TEXT NOT NULL,
			last_seen         TEXT NOT NULL,
			registered_at     TEXT NOT NULL,
			created_at        TEXT NOT NULL,
			updated_at        TEXT NOT NULL,
			metrics_json      TEXT,
			token_hash        TEXT
		)`)
	require.NoError(t, err)
	require.NoError(t, legacy.Close())

	db := openSchemaDB(t, path)
	assert.True(t, columnsOf(t, db, "agents")["url"], "legacy agents table should gain the url column")
}
