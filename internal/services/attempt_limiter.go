package services

import (
	"context"
	"sync"
	"time"
)

const (
	rotationRateWindow    = time.Hour
	maxRotationsPerWindow = 3

	// Failed attempts are stored for audit visibility but do not count
	// toward the cap. An agent failing authorization repeatedly is handled
	// by the credential check itself, not by this limiter.
	countFailedAttempts = false

	// Retry-After hint returned with rate-limited rotation failures.
	rotationRetryAfterSeconds = 3600
)

// RotationAttemptLimiter caps how often one agent may rotate its key within a
// rolling window. Two implementations exist: an in-memory one (single
// instance) and a redis-backed one (shared across instances).
type RotationAttemptLimiter interface {
	// CheckRateLimit reports whether another rotation is currently allowed.
	// Checking prunes entries that have aged out of the window.
	CheckRateLimit(ctx context.Context, agentID string) (bool, error)

	// Record appends an attempt, successful or not.
	Record(ctx context.Context, agentID string, success bool)
}

type rotationAttempt struct {
	at      time.Time
	success bool
}

// MemoryAttemptLimiter keeps attempts in a process-local map. Under multiple
// concurrent processes the cap is enforced per process and can be exceeded in
// aggregate; deployments that care use the redis limiter instead.
type MemoryAttemptLimiter struct {
	mu       sync.Mutex
	attempts map[string][]rotationAttempt
	now      func() time.Time
}

func NewMemoryAttemptLimiter() *MemoryAttemptLimiter {
	return &MemoryAttemptLimiter{
		attempts: make(map[string][]rotationAttempt),
		now:      time.Now,
	}
}

func (l *MemoryAttemptLimiter) CheckRateLimit(ctx context.Context, agentID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-rotationRateWindow)

	kept := l.attempts[agentID][:0]
	successes := 0
	for _, a := range l.attempts[agentID] {
		if !a.at.After(cutoff) {
			continue
		}
		kept = append(kept, a)
		if a.success || countFailedAttempts {
			successes++
		}
	}
	if len(kept) == 0 {
		delete(l.attempts, agentID)
	} else {
		l.attempts[agentID] = kept
	}

	return successes < maxRotationsPerWindow, nil
}

func (l *MemoryAttemptLimiter) Record(ctx context.Context, agentID string, success bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts[agentID] = append(l.attempts[agentID], rotationAttempt{at: l.now(), success: success})
}
