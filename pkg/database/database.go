package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new database connection pool
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 5

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	db.Pool.Close()
}

// Migrate creates the schema if it does not exist yet
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		// Agents and their credential state. Keys are stored hashed (lookup)
		// plus encrypted (recovery); at most one previous key is retained.
		`CREATE TABLE IF NOT EXISTS agents (
			id UUID PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			role VARCHAR(32) NOT NULL DEFAULT 'standard',
			workspace_id VARCHAR(255) NOT NULL,
			api_key_hash TEXT NOT NULL,
			encrypted_api_key TEXT NOT NULL,
			previous_api_key_hash TEXT,
			encrypted_previous_api_key TEXT,
			previous_key_expires_at TIMESTAMPTZ,
			last_key_rotation_at TIMESTAMPTZ,
			key_rotation_count INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,

		// Token buckets, one row per credential (keyed by key hash).
		`CREATE TABLE IF NOT EXISTS quota_records (
			api_key_id TEXT PRIMARY KEY,
			tokens_remaining INT NOT NULL,
			tokens_per_hour INT NOT NULL,
			tokens_per_day INT NOT NULL,
			hourly_reset_at TIMESTAMPTZ NOT NULL,
			daily_reset_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,

		// Append-only rotation audit trail.
		`CREATE TABLE IF NOT EXISTS rotation_records (
			id UUID PRIMARY KEY,
			agent_id UUID NOT NULL REFERENCES agents(id),
			reason VARCHAR(32) NOT NULL,
			grace_period_seconds INT NOT NULL,
			rotated_at TIMESTAMPTZ NOT NULL,
			old_key_expires_at TIMESTAMPTZ NOT NULL
		);`,

		// Workspace-scoped tasks.
		`CREATE TABLE IF NOT EXISTS tasks (
			id UUID PRIMARY KEY,
			workspace_id VARCHAR(255) NOT NULL,
			agent_id UUID REFERENCES agents(id),
			title TEXT NOT NULL,
			status VARCHAR(32) NOT NULL DEFAULT 'pending',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,

		`CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_api_key_hash ON agents(api_key_hash);`,
		`CREATE INDEX IF NOT EXISTS idx_agents_previous_key_hash ON agents(previous_api_key_hash) WHERE previous_api_key_hash IS NOT NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_agents_workspace ON agents(workspace_id);`,
		`CREATE INDEX IF NOT EXISTS idx_rotation_records_agent ON rotation_records(agent_id, rotated_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_workspace ON tasks(workspace_id, created_at);`,
	}

	for _, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w\nQuery: %s", err, migration)
		}
	}

	return nil
}
