package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agentworks/credgate/internal/apperr"
	"github.com/agentworks/credgate/internal/models"
	"github.com/agentworks/credgate/internal/store"
	"github.com/agentworks/credgate/pkg/crypto"
)

const (
	minGracePeriodSeconds = 0
	maxGracePeriodSeconds = 300
)

// RotationResult is returned once per successful rotation; it is the only
// place the new plaintext key ever appears.
type RotationResult struct {
	AgentID            string    `json:"agent_id"`
	NewAPIKey          string    `json:"new_api_key"`
	RotatedAt          time.Time `json:"rotated_at"`
	OldKeyExpiresAt    time.Time `json:"old_key_expires_at"`
	GracePeriodSeconds int       `json:"grace_period_seconds"`
}

// EventSink receives fire-and-forget activity events.
type EventSink interface {
	Publish(event models.ActivityEvent)
}

// CompromiseNotifier is alerted when a key is rotated with reason
// "compromised".
type CompromiseNotifier interface {
	NotifyCompromisedRotation(agent *models.Agent, rec *models.RotationRecord)
}

// KeyRotationService orchestrates credential rotation: validates the caller's
// current key, swaps in a replacement, opens a grace window on the old key and
// appends the audit record.
type KeyRotationService struct {
	agents        store.AgentStore
	audit         store.RotationLogStore
	limiter       RotationAttemptLimiter
	notifier      CompromiseNotifier
	events        EventSink
	encryptionKey string
	now           func() time.Time
}

func NewKeyRotationService(agents store.AgentStore, audit store.RotationLogStore, limiter RotationAttemptLimiter, encryptionKey string) *KeyRotationService {
	return &KeyRotationService{
		agents:        agents,
		audit:         audit,
		limiter:       limiter,
		encryptionKey: encryptionKey,
		now:           time.Now,
	}
}

// WithNotifier attaches a compromise notifier.
func (s *KeyRotationService) WithNotifier(n CompromiseNotifier) *KeyRotationService {
	s.notifier = n
	return s
}

// WithEventSink attaches an activity event sink.
func (s *KeyRotationService) WithEventSink(sink EventSink) *KeyRotationService {
	s.events = sink
	return s
}

// Rotate replaces the agent's key. Preconditions, in order: input validation,
// rotation rate limit, agent existence, current-key match. The key check runs
// inside the store's serialized read-modify-write, so the loser of two
// concurrent rotations observes the winner's key and fails unauthorized
// rather than receiving an instantly superseded credential.
//
// Once the rate-limit check has passed, every attempt is recorded, success or
// failure, so failed authorization attempts remain auditable even though they
// do not count toward the cap.
func (s *KeyRotationService) Rotate(ctx context.Context, agentID, currentAPIKey string, reason models.RotationReason, gracePeriodSeconds int) (*RotationResult, error) {
	if !reason.Valid() {
		return nil, apperr.Validation("unknown rotation reason %q", reason)
	}
	if gracePeriodSeconds < minGracePeriodSeconds || gracePeriodSeconds > maxGracePeriodSeconds {
		return nil, apperr.Validation("grace_period_seconds must be between %d and %d", minGracePeriodSeconds, maxGracePeriodSeconds)
	}

	allowed, err := s.limiter.CheckRateLimit(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, apperr.RateLimited("rotation attempt limit exceeded", rotationRetryAfterSeconds)
	}

	newKey, err := crypto.GenerateAPIKey()
	if err != nil {
		return nil, err
	}
	encryptedNew, err := crypto.Encrypt(s.encryptionKey, newKey)
	if err != nil {
		return nil, err
	}

	now := s.now()
	presentedHash := crypto.HashKey(currentAPIKey)
	var result *RotationResult

	err = s.agents.MutateAgent(ctx, agentID, func(agent *models.Agent) error {
		if presentedHash != agent.APIKeyHash {
			return apperr.Unauthorized("invalid credentials")
		}

		// Rotating again discards the current previous key; only the
		// immediately prior key is ever recoverable.
		oldHash := agent.APIKeyHash
		oldEncrypted := agent.EncryptedAPIKey
		expiresAt := now.Add(time.Duration(gracePeriodSeconds) * time.Second)

		agent.PreviousAPIKeyHash = &oldHash
		agent.EncryptedPreviousAPIKey = &oldEncrypted
		agent.PreviousKeyExpiresAt = &expiresAt
		agent.APIKeyHash = crypto.HashKey(newKey)
		agent.EncryptedAPIKey = encryptedNew
		rotatedAt := now
		agent.LastKeyRotationAt = &rotatedAt
		agent.KeyRotationCount++

		result = &RotationResult{
			AgentID:            agent.ID,
			NewAPIKey:          newKey,
			RotatedAt:          rotatedAt,
			OldKeyExpiresAt:    expiresAt,
			GracePeriodSeconds: gracePeriodSeconds,
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = apperr.NotFound("agent %s not found", agentID)
		}
		s.limiter.Record(ctx, agentID, false)
		return nil, err
	}

	record := models.RotationRecord{
		ID:                 uuid.NewString(),
		AgentID:            agentID,
		Reason:             reason,
		GracePeriodSeconds: gracePeriodSeconds,
		RotatedAt:          result.RotatedAt,
		OldKeyExpiresAt:    result.OldKeyExpiresAt,
	}
	// Audit is fire-and-forget: a failed append never rolls back a rotation.
	if err := s.audit.AppendRotation(ctx, &record); err != nil {
		log.Error().Err(err).Str("agent_id", agentID).Msg("Failed to append rotation record")
	}

	s.limiter.Record(ctx, agentID, true)

	if reason == models.RotationCompromised && s.notifier != nil {
		agent, err := s.agents.GetAgent(ctx, agentID)
		if err == nil {
			s.notifier.NotifyCompromisedRotation(agent, &record)
		}
	}
	if s.events != nil {
		s.events.Publish(models.ActivityEvent{
			Type:    "key_rotated",
			AgentID: agentID,
			Reason:  string(reason),
			At:      result.RotatedAt,
		})
	}

	log.Info().
		Str("agent_id", agentID).
		Str("reason", string(reason)).
		Int("grace_period_seconds", gracePeriodSeconds).
		Str("new_key_fingerprint", crypto.KeyFingerprint(newKey)).
		Msg("API key rotated")

	return result, nil
}
