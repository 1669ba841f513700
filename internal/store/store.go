// Package store abstracts the record store behind the credential core. The
// contract the core relies on is per-record atomicity: a Mutate call reads a
// record, applies the patch function, and writes the result as one serialized
// operation with respect to any concurrent Mutate on the same record.
package store

import (
	"context"
	"errors"

	"github.com/agentworks/credgate/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// AgentStore persists agent records and their credential state.
type AgentStore interface {
	CreateAgent(ctx context.Context, agent *models.Agent) error
	GetAgent(ctx context.Context, id string) (*models.Agent, error)

	// GetAgentByKeyHash resolves a presented key hash against either the
	// current or the previous key column. Grace-window validity is the
	// caller's concern.
	GetAgentByKeyHash(ctx context.Context, hash string) (*models.Agent, error)

	ListAgents(ctx context.Context) ([]models.Agent, error)

	// MutateAgent runs fn against the stored record under the per-record
	// serialization guarantee. If fn returns an error nothing is written.
	MutateAgent(ctx context.Context, id string, fn func(agent *models.Agent) error) error
}

// QuotaStore persists token-bucket quota records keyed by credential.
type QuotaStore interface {
	GetQuota(ctx context.Context, apiKeyID string) (*models.QuotaRecord, error)

	// MutateQuota runs fn under the per-record guarantee. found tells fn
	// whether a record existed; when it did not, fn initializes rec and the
	// store inserts it.
	MutateQuota(ctx context.Context, apiKeyID string, fn func(rec *models.QuotaRecord, found bool) error) error
}

// RotationLogStore is the append-only rotation audit trail.
type RotationLogStore interface {
	AppendRotation(ctx context.Context, rec *models.RotationRecord) error
	ListRotations(ctx context.Context, agentID string, limit int) ([]models.RotationRecord, error)
}

// TaskStore persists workspace-scoped tasks.
type TaskStore interface {
	CreateTask(ctx context.Context, task *models.Task) error
	ListTasks(ctx context.Context, workspaceID string) ([]models.Task, error)
	GetTask(ctx context.Context, workspaceID, id string) (*models.Task, error)
	MutateTask(ctx context.Context, workspaceID, id string, fn func(task *models.Task) error) (*models.Task, error)
	DeleteTask(ctx context.Context, workspaceID, id string) error
}

// Store is the full record store consumed by the service layer.
type Store interface {
	AgentStore
	QuotaStore
	RotationLogStore
	TaskStore
}
