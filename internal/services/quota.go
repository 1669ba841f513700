package services

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentworks/credgate/internal/models"
	"github.com/agentworks/credgate/internal/store"
)

// Per-tier token bucket limits.
const (
	standardTokensPerHour = 1000
	standardTokensPerDay  = 10000
	adminTokensPerHour    = 5000
	adminTokensPerDay     = 50000
)

// QuotaDecision is the outcome of one admission check.
type QuotaDecision struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// QuotaTracker enforces per-credential request volume with a lazily refilled
// token bucket: a full hourly refill (unused tokens are lost, not carried
// over) plus a daily ceiling that can only cap, never raise, the refilled
// amount.
type QuotaTracker struct {
	store store.QuotaStore
	now   func() time.Time
}

func NewQuotaTracker(s store.QuotaStore) *QuotaTracker {
	return &QuotaTracker{store: s, now: time.Now}
}

func tierLimits(tier models.RoleTier) (perHour, perDay int) {
	if tier == models.RoleAdmin {
		return adminTokensPerHour, adminTokensPerDay
	}
	return standardTokensPerHour, standardTokensPerDay
}

// CheckAndDecrement consumes one token for the credential, creating the
// record on first use. The stored remainder is clamped at zero; a rejected
// request never drives the counter negative.
func (t *QuotaTracker) CheckAndDecrement(ctx context.Context, apiKeyID string, tier models.RoleTier) (QuotaDecision, error) {
	now := t.now()
	var decision QuotaDecision

	err := t.store.MutateQuota(ctx, apiKeyID, func(rec *models.QuotaRecord, found bool) error {
		if !found {
			perHour, perDay := tierLimits(tier)
			rec.TokensPerHour = perHour
			rec.TokensPerDay = perDay
			rec.TokensRemaining = perHour - 1
			rec.HourlyResetAt = now.Add(time.Hour)
			rec.DailyResetAt = now.Add(24 * time.Hour)
			rec.CreatedAt = now
			rec.UpdatedAt = now
			decision = QuotaDecision{Allowed: true, Remaining: rec.TokensRemaining, ResetAt: rec.HourlyResetAt}
			return nil
		}

		// Refill, then decrement.
		tokens := rec.TokensRemaining
		if !now.Before(rec.HourlyResetAt) {
			tokens = rec.TokensPerHour
			rec.HourlyResetAt = now.Add(time.Hour)
		}
		if !now.Before(rec.DailyResetAt) {
			if tokens > rec.TokensPerDay {
				tokens = rec.TokensPerDay
			}
			rec.DailyResetAt = now.Add(24 * time.Hour)
		}

		after := tokens - 1
		allowed := after >= 0
		if after < 0 {
			after = 0
		}
		rec.TokensRemaining = after
		rec.UpdatedAt = now

		decision = QuotaDecision{Allowed: allowed, Remaining: after, ResetAt: rec.HourlyResetAt}
		return nil
	})
	if err != nil {
		return QuotaDecision{}, err
	}

	if !decision.Allowed {
		log.Debug().Str("api_key_id", apiKeyID).Time("reset_at", decision.ResetAt).Msg("Quota exhausted")
	}
	return decision, nil
}

// GetQuotaStatus returns the stored record verbatim, or nil when no record
// exists. Refill is lazy and only observable through CheckAndDecrement, so a
// status read may show pre-refill numbers until the next decrement.
func (t *QuotaTracker) GetQuotaStatus(ctx context.Context, apiKeyID string) (*models.QuotaRecord, error) {
	rec, err := t.store.GetQuota(ctx, apiKeyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}
