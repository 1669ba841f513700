package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/agentworks/credgate/internal/models"
	"github.com/agentworks/credgate/pkg/database"
)

// Postgres implements Store on a pgx connection pool. Mutations run inside a
// transaction with SELECT ... FOR UPDATE, which gives the per-record
// serialization the core depends on.
type Postgres struct {
	db *database.DB
}

func NewPostgres(db *database.DB) *Postgres {
	return &Postgres{db: db}
}

const agentColumns = `id, name, role, workspace_id, api_key_hash, encrypted_api_key,
	previous_api_key_hash, encrypted_previous_api_key, previous_key_expires_at,
	last_key_rotation_at, key_rotation_count, created_at`

func scanAgent(row pgx.Row) (*models.Agent, error) {
	var a models.Agent
	err := row.Scan(
		&a.ID, &a.Name, &a.Role, &a.WorkspaceID, &a.APIKeyHash, &a.EncryptedAPIKey,
		&a.PreviousAPIKeyHash, &a.EncryptedPreviousAPIKey, &a.PreviousKeyExpiresAt,
		&a.LastKeyRotationAt, &a.KeyRotationCount, &a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (s *Postgres) CreateAgent(ctx context.Context, agent *models.Agent) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO agents (id, name, role, workspace_id, api_key_hash, encrypted_api_key,
			previous_api_key_hash, encrypted_previous_api_key, previous_key_expires_at,
			last_key_rotation_at, key_rotation_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, agent.ID, agent.Name, agent.Role, agent.WorkspaceID, agent.APIKeyHash, agent.EncryptedAPIKey,
		agent.PreviousAPIKeyHash, agent.EncryptedPreviousAPIKey, agent.PreviousKeyExpiresAt,
		agent.LastKeyRotationAt, agent.KeyRotationCount, agent.CreatedAt)
	return err
}

func (s *Postgres) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	row := s.db.Pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	return scanAgent(row)
}

func (s *Postgres) GetAgentByKeyHash(ctx context.Context, hash string) (*models.Agent, error) {
	row := s.db.Pool.QueryRow(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE api_key_hash = $1 OR previous_api_key_hash = $1
	`, hash)
	return scanAgent(row)
}

func (s *Postgres) ListAgents(ctx context.Context) ([]models.Agent, error) {
	rows, err := s.db.Pool.Query(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	agents := make([]models.Agent, 0)
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

func (s *Postgres) MutateAgent(ctx context.Context, id string, fn func(agent *models.Agent) error) error {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1 FOR UPDATE`, id)
	agent, err := scanAgent(row)
	if err != nil {
		return err
	}

	if err := fn(agent); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		UPDATE agents SET
			name = $2, role = $3, workspace_id = $4, api_key_hash = $5, encrypted_api_key = $6,
			previous_api_key_hash = $7, encrypted_previous_api_key = $8, previous_key_expires_at = $9,
			last_key_rotation_at = $10, key_rotation_count = $11
		WHERE id = $1
	`, agent.ID, agent.Name, agent.Role, agent.WorkspaceID, agent.APIKeyHash, agent.EncryptedAPIKey,
		agent.PreviousAPIKeyHash, agent.EncryptedPreviousAPIKey, agent.PreviousKeyExpiresAt,
		agent.LastKeyRotationAt, agent.KeyRotationCount)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *Postgres) GetQuota(ctx context.Context, apiKeyID string) (*models.QuotaRecord, error) {
	var rec models.QuotaRecord
	err := s.db.Pool.QueryRow(ctx, `
		SELECT api_key_id, tokens_remaining, tokens_per_hour, tokens_per_day,
			hourly_reset_at, daily_reset_at, created_at, updated_at
		FROM quota_records WHERE api_key_id = $1
	`, apiKeyID).Scan(
		&rec.APIKeyID, &rec.TokensRemaining, &rec.TokensPerHour, &rec.TokensPerDay,
		&rec.HourlyResetAt, &rec.DailyResetAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

func (s *Postgres) MutateQuota(ctx context.Context, apiKeyID string, fn func(rec *models.QuotaRecord, found bool) error) error {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	rec := models.QuotaRecord{APIKeyID: apiKeyID}
	found := true
	err = tx.QueryRow(ctx, `
		SELECT api_key_id, tokens_remaining, tokens_per_hour, tokens_per_day,
			hourly_reset_at, daily_reset_at, created_at, updated_at
		FROM quota_records WHERE api_key_id = $1 FOR UPDATE
	`, apiKeyID).Scan(
		&rec.APIKeyID, &rec.TokensRemaining, &rec.TokensPerHour, &rec.TokensPerDay,
		&rec.HourlyResetAt, &rec.DailyResetAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		found = false
	}

	if err := fn(&rec, found); err != nil {
		return err
	}

	if found {
		_, err = tx.Exec(ctx, `
			UPDATE quota_records SET
				tokens_remaining = $2, hourly_reset_at = $3, daily_reset_at = $4, updated_at = $5
			WHERE api_key_id = $1
		`, rec.APIKeyID, rec.TokensRemaining, rec.HourlyResetAt, rec.DailyResetAt, rec.UpdatedAt)
	} else {
		_, err = tx.Exec(ctx, `
			INSERT INTO quota_records (api_key_id, tokens_remaining, tokens_per_hour, tokens_per_day,
				hourly_reset_at, daily_reset_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, rec.APIKeyID, rec.TokensRemaining, rec.TokensPerHour, rec.TokensPerDay,
			rec.HourlyResetAt, rec.DailyResetAt, rec.CreatedAt, rec.UpdatedAt)
	}
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *Postgres) AppendRotation(ctx context.Context, rec *models.RotationRecord) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO rotation_records (id, agent_id, reason, grace_period_seconds, rotated_at, old_key_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.ID, rec.AgentID, rec.Reason, rec.GracePeriodSeconds, rec.RotatedAt, rec.OldKeyExpiresAt)
	return err
}

func (s *Postgres) ListRotations(ctx context.Context, agentID string, limit int) ([]models.RotationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Pool.Query(ctx, `
		SELECT id, agent_id, reason, grace_period_seconds, rotated_at, old_key_expires_at
		FROM rotation_records WHERE agent_id = $1
		ORDER BY rotated_at DESC LIMIT $2
	`, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]models.RotationRecord, 0)
	for rows.Next() {
		var r models.RotationRecord
		if err := rows.Scan(&r.ID, &r.AgentID, &r.Reason, &r.GracePeriodSeconds, &r.RotatedAt, &r.OldKeyExpiresAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *Postgres) CreateTask(ctx context.Context, task *models.Task) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO tasks (id, workspace_id, agent_id, title, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, task.ID, task.WorkspaceID, task.AgentID, task.Title, task.Status, task.CreatedAt, task.UpdatedAt)
	return err
}

func (s *Postgres) ListTasks(ctx context.Context, workspaceID string) ([]models.Task, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT id, workspace_id, agent_id, title, status, created_at, updated_at
		FROM tasks WHERE workspace_id = $1 ORDER BY created_at ASC
	`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := make([]models.Task, 0)
	for rows.Next() {
		var t models.Task
		if err := rows.Scan(&t.ID, &t.WorkspaceID, &t.AgentID, &t.Title, &t.Status, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *Postgres) GetTask(ctx context.Context, workspaceID, id string) (*models.Task, error) {
	var t models.Task
	err := s.db.Pool.QueryRow(ctx, `
		SELECT id, workspace_id, agent_id, title, status, created_at, updated_at
		FROM tasks WHERE workspace_id = $1 AND id = $2
	`, workspaceID, id).Scan(&t.ID, &t.WorkspaceID, &t.AgentID, &t.Title, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (s *Postgres) MutateTask(ctx context.Context, workspaceID, id string, fn func(task *models.Task) error) (*models.Task, error) {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var t models.Task
	err = tx.QueryRow(ctx, `
		SELECT id, workspace_id, agent_id, title, status, created_at, updated_at
		FROM tasks WHERE workspace_id = $1 AND id = $2 FOR UPDATE
	`, workspaceID, id).Scan(&t.ID, &t.WorkspaceID, &t.AgentID, &t.Title, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if err := fn(&t); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE tasks SET agent_id = $3, title = $4, status = $5, updated_at = $6
		WHERE workspace_id = $1 AND id = $2
	`, workspaceID, id, t.AgentID, t.Title, t.Status, t.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Postgres) DeleteTask(ctx context.Context, workspaceID, id string) error {
	tag, err := s.db.Pool.Exec(ctx, `DELETE FROM tasks WHERE workspace_id = $1 AND id = $2`, workspaceID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

var _ Store = (*Postgres)(nil)

// Sanity helper used by the status endpoint.
func (s *Postgres) Ping(ctx context.Context) error {
	if err := s.db.Pool.Ping(ctx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	return nil
}
