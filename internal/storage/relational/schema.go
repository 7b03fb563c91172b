package relational

import (
	"context"

	"github.com/agentmesh/agentmesh/internal/db"
	"github.com/agentmesh/agentmesh/internal/storage"
)

// Task messages and events reference their task without ON DELETE actions,
// so deleting a task that still has history fails with a referential
// integrity error. API keys cascade with their agent.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS agents (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL UNIQUE,
		description TEXT,
		acp_url     TEXT NOT NULL,
		acp_type    TEXT NOT NULL,
		status      TEXT NOT NULL,
		created_at  TIMESTAMP NOT NULL,
		updated_at  TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS api_keys (
		id         TEXT PRIMARY KEY,
		agent_id   TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
		type       TEXT NOT NULL,
		identifier TEXT,
		key        TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (agent_id, type, identifier)
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id            TEXT PRIMARY KEY,
		name          TEXT UNIQUE,
		agent_id      TEXT NOT NULL REFERENCES agents(id),
		status        TEXT NOT NULL,
		status_reason TEXT,
		params        TEXT,
		task_metadata TEXT,
		created_at    TIMESTAMP NOT NULL,
		updated_at    TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS task_messages (
		id               TEXT PRIMARY KEY,
		task_id          TEXT NOT NULL REFERENCES tasks(id),
		content          TEXT NOT NULL,
		streaming_status TEXT,
		created_at       TIMESTAMP NOT NULL,
		updated_at       TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		id         TEXT PRIMARY KEY,
		task_id    TEXT NOT NULL REFERENCES tasks(id),
		agent_id   TEXT NOT NULL REFERENCES agents(id),
		content    TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS states (
		id         TEXT PRIMARY KEY,
		name       TEXT UNIQUE,
		content    TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_agent_id ON tasks(agent_id)`,
	`CREATE INDEX IF NOT EXISTS idx_task_messages_task_id ON task_messages(task_id)`,
	`CREATE INDEX IF NOT EXISTS idx_task_messages_created ON task_messages(task_id, created_at, id)`,
	`CREATE INDEX IF NOT EXISTS idx_events_task_id ON events(task_id)`,
	`CREATE INDEX IF NOT EXISTS idx_api_keys_agent_id ON api_keys(agent_id)`,
}

// Migrate creates the schema. Statements are idempotent so startup can run
// them unconditionally.
func Migrate(ctx context.Context, pool *db.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Writer().ExecContext(ctx, stmt); err != nil {
			return storage.ServiceWrap(err, "apply schema")
		}
	}
	return nil
}
