package handlers

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentworks/credgate/internal/apperr"
)

// Throttle applies a per-client token bucket in front of everything else,
// independent of credential quotas. Buckets idle past the TTL are discarded
// during lookups.
type Throttle struct {
	mu          sync.Mutex
	buckets     map[string]*throttleEntry
	rps         rate.Limit
	burst       int
	idleTTL     time.Duration
	lastCleanup time.Time
}

type throttleEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func NewThrottle(rps float64, burst int, idleTTL time.Duration) *Throttle {
	return &Throttle{
		buckets:     make(map[string]*throttleEntry),
		rps:         rate.Limit(rps),
		burst:       burst,
		idleTTL:     idleTTL,
		lastCleanup: time.Now(),
	}
}

func (t *Throttle) allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if now.Sub(t.lastCleanup) > t.idleTTL {
		for k, e := range t.buckets {
			if now.Sub(e.lastSeen) > t.idleTTL {
				delete(t.buckets, k)
			}
		}
		t.lastCleanup = now
	}

	entry, ok := t.buckets[key]
	if !ok {
		entry = &throttleEntry{lim: rate.NewLimiter(t.rps, t.burst)}
		t.buckets[key] = entry
	}
	entry.lastSeen = now
	return entry.lim.Allow()
}

func (t *Throttle) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.RemoteAddr
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			key = host
		}
		if !t.allow(key) {
			writeError(w, apperr.RateLimited("too many requests", 1))
			return
		}
		next.ServeHTTP(w, r)
	})
}
