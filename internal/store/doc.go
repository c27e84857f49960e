// Package store provides persistent storage for dockhand.
//
// # Architecture
//
// A single Store interface covers the three record types the control plane
// owns. Three implementations satisfy it:
//
//   - SQLiteStore: default single-node backend (modernc.org/sqlite, pure Go)
//   - PostgresStore: shared backend for multi-replica deployments (pgx pool)
//   - MockStore: in-memory implementation for unit tests
//
// # Data Models
//
//   - Agent: a remote process executing Docker work, with liveness and metrics
//   - AgentTask: one unit of work owned by exactly one agent
//   - Deployment: a record whose status is projected from its tracked tasks
//
// Tasks carry a store-assigned sequence number. ListTasks orders by it, so
// agents receive pending work in creation order even when timestamps tie.
// Deleting an agent keeps its tasks and deployments for history.
//
// # Atomic Updates
//
// UpdateAgent, UpdateTask, and UpdateDeployment take a callback that mutates
// the current record. The store holds a write lock (SQLite) or a row lock
// (Postgres SELECT ... FOR UPDATE) across read, callback, and write, so two
// concurrent transitions of the same task cannot both observe the old state.
// Returning ErrNoChange from the callback skips the write.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA busy_timeout=5000;
//	PRAGMA foreign_keys=ON;
//
// Timestamps are stored as fixed-width UTC strings so lexical order matches
// chronological order.
//
// # Errors
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicate: an entity with the same ID already exists
//
// # Testing
//
// The shared suite in store_test.go runs against every backend. The Postgres
// run is skipped unless DOCKHAND_TEST_POSTGRES_DSN is set.
package store
