package models

import (
	"time"
)

// RoleTier determines which quota limits apply to an agent's credential.
type RoleTier string

const (
	RoleAdmin    RoleTier = "admin"
	RoleStandard RoleTier = "standard"
)

// Agent represents a registered worker agent and its credential state.
// Key material is stored as a SHA-256 hash (for lookup and comparison) plus an
// AES-GCM encrypted copy; plaintext keys are returned exactly once, at
// registration and rotation.
type Agent struct {
	ID          string   `json:"id" db:"id"`
	Name        string   `json:"name" db:"name"`
	Role        RoleTier `json:"role" db:"role"`
	WorkspaceID string   `json:"workspace_id" db:"workspace_id"`

	APIKeyHash              string     `json:"-" db:"api_key_hash"`
	EncryptedAPIKey         string     `json:"-" db:"encrypted_api_key"`
	PreviousAPIKeyHash      *string    `json:"-" db:"previous_api_key_hash"`
	EncryptedPreviousAPIKey *string    `json:"-" db:"encrypted_previous_api_key"`
	PreviousKeyExpiresAt    *time.Time `json:"previous_key_expires_at,omitempty" db:"previous_key_expires_at"`
	LastKeyRotationAt       *time.Time `json:"last_key_rotation_at,omitempty" db:"last_key_rotation_at"`
	KeyRotationCount        int        `json:"key_rotation_count" db:"key_rotation_count"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// CredentialValidAt reports whether a presented key hash is acceptable at the
// given instant: it must match the current key, or the previous key while its
// grace window is still open. Expiry is evaluated here and only here; there is
// no background sweep.
func (a *Agent) CredentialValidAt(keyHash string, now time.Time) bool {
	if keyHash == a.APIKeyHash {
		return true
	}
	if a.PreviousAPIKeyHash != nil && keyHash == *a.PreviousAPIKeyHash &&
		a.PreviousKeyExpiresAt != nil && now.Before(*a.PreviousKeyExpiresAt) {
		return true
	}
	return false
}

// QuotaRecord is the persisted token bucket for one credential, keyed by the
// credential's key hash.
type QuotaRecord struct {
	APIKeyID        string    `json:"api_key_id" db:"api_key_id"`
	TokensRemaining int       `json:"tokens_remaining" db:"tokens_remaining"`
	TokensPerHour   int       `json:"tokens_per_hour" db:"tokens_per_hour"`
	TokensPerDay    int       `json:"tokens_per_day" db:"tokens_per_day"`
	HourlyResetAt   time.Time `json:"hourly_reset_at" db:"hourly_reset_at"`
	DailyResetAt    time.Time `json:"daily_reset_at" db:"daily_reset_at"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// RotationReason classifies why a key was rotated.
type RotationReason string

const (
	RotationScheduled   RotationReason = "scheduled"
	RotationCompromised RotationReason = "compromised"
	RotationDeployment  RotationReason = "deployment"
	RotationRefresh     RotationReason = "refresh"
)

// Valid reports whether the reason is one of the four known values.
func (r RotationReason) Valid() bool {
	switch r {
	case RotationScheduled, RotationCompromised, RotationDeployment, RotationRefresh:
		return true
	}
	return false
}

// RotationRecord is an append-only audit entry written once per successful
// rotation.
type RotationRecord struct {
	ID                 string         `json:"id" db:"id"`
	AgentID            string         `json:"agent_id" db:"agent_id"`
	Reason             RotationReason `json:"reason" db:"reason"`
	GracePeriodSeconds int            `json:"grace_period_seconds" db:"grace_period_seconds"`
	RotatedAt          time.Time      `json:"rotated_at" db:"rotated_at"`
	OldKeyExpiresAt    time.Time      `json:"old_key_expires_at" db:"old_key_expires_at"`
}

// Task is a workspace-scoped unit of work assigned to an agent.
type Task struct {
	ID          string    `json:"id" db:"id"`
	WorkspaceID string    `json:"workspace_id" db:"workspace_id"`
	AgentID     string    `json:"agent_id" db:"agent_id"`
	Title       string    `json:"title" db:"title"`
	Status      string    `json:"status" db:"status"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// ActivityEvent is a fire-and-forget notification pushed to the live event
// feed.
type ActivityEvent struct {
	Type    string    `json:"type"`
	AgentID string    `json:"agent_id,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}
