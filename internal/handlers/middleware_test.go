package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agentworks/credgate/internal/models"
	"github.com/agentworks/credgate/internal/services"
	"github.com/agentworks/credgate/internal/store"
	"github.com/agentworks/credgate/pkg/crypto"
)

func newGateFixture(t *testing.T) (*AuthGate, *store.Memory, *time.Time) {
	t.Helper()
	mem := store.NewMemory()
	gate := NewAuthGate(mem, services.NewQuotaTracker(mem))
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	gate.now = func() time.Time { return current }
	return gate, mem, &current
}

func seedGateAgent(t *testing.T, mem *store.Memory, id, apiKey string, role models.RoleTier) {
	t.Helper()
	err := mem.CreateAgent(context.Background(), &models.Agent{
		ID:          id,
		Name:        "worker",
		Role:        role,
		WorkspaceID: "ws-1",
		APIKeyHash:  crypto.HashKey(apiKey),
		CreatedAt:   time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func gateHandler(gate *AuthGate) http.Handler {
	return gate.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent, ok := AgentFromContext(r.Context())
		if !ok {
			http.Error(w, "no agent in context", http.StatusInternalServerError)
			return
		}
		w.Write([]byte(agent.ID))
	}))
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var payload struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal error body %q: %v", body, err)
	}
	return payload.Code
}

func TestAuthGateRejectsMissingCredentials(t *testing.T) {
	gate, _, _ := newGateFixture(t)

	req := httptest.NewRequest("GET", "/api/v1/workspaces/ws-1/tasks", nil)
	rr := httptest.NewRecorder()
	gateHandler(gate).ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
	if code := errorCode(t, rr.Body.Bytes()); code != "missing_auth" {
		t.Errorf("code = %q, want missing_auth", code)
	}
}

func TestAuthGateSkipsPublicPaths(t *testing.T) {
	gate, _, _ := newGateFixture(t)

	handler := gate.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	req := httptest.NewRequest("GET", "/health", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Errorf("status = %d body = %q, want 200 ok", rr.Code, rr.Body.String())
	}
}

func TestAuthGateAcceptsBearerToken(t *testing.T) {
	gate, mem, _ := newGateFixture(t)
	seedGateAgent(t, mem, "agent-1", "agk_key", models.RoleStandard)

	req := httptest.NewRequest("GET", "/api/v1/workspaces/ws-1/tasks", nil)
	req.Header.Set("Authorization", "Bearer agk_key")
	rr := httptest.NewRecorder()
	gateHandler(gate).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rr.Code, rr.Body.String())
	}
	if rr.Body.String() != "agent-1" {
		t.Errorf("body = %q, want agent-1", rr.Body.String())
	}
	if got := rr.Header().Get("X-RateLimit-Remaining"); got != "999" {
		t.Errorf("X-RateLimit-Remaining = %q, want 999", got)
	}
}

func TestAuthGateAcceptsLegacyHeaders(t *testing.T) {
	gate, mem, _ := newGateFixture(t)
	seedGateAgent(t, mem, "agent-1", "agk_key", models.RoleStandard)

	req := httptest.NewRequest("GET", "/api/v1/workspaces/ws-1/tasks", nil)
	req.Header.Set("X-Agent-ID", "agent-1")
	req.Header.Set("X-Agent-Key", "agk_key")
	rr := httptest.NewRecorder()
	gateHandler(gate).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rr.Code, rr.Body.String())
	}
}

func TestAuthGateRejectsUnknownKey(t *testing.T) {
	gate, mem, _ := newGateFixture(t)
	seedGateAgent(t, mem, "agent-1", "agk_key", models.RoleStandard)

	req := httptest.NewRequest("GET", "/api/v1/workspaces/ws-1/tasks", nil)
	req.Header.Set("Authorization", "Bearer agk_other")
	rr := httptest.NewRecorder()
	gateHandler(gate).ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
	if code := errorCode(t, rr.Body.Bytes()); code != "unauthorized" {
		t.Errorf("code = %q, want unauthorized", code)
	}
}

func TestAuthGateRejectsWrongLegacyKey(t *testing.T) {
	gate, mem, _ := newGateFixture(t)
	seedGateAgent(t, mem, "agent-1", "agk_key", models.RoleStandard)

	req := httptest.NewRequest("GET", "/api/v1/workspaces/ws-1/tasks", nil)
	req.Header.Set("X-Agent-ID", "agent-1")
	req.Header.Set("X-Agent-Key", "agk_wrong")
	rr := httptest.NewRecorder()
	gateHandler(gate).ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}

func TestAuthGateHonorsGraceWindow(t *testing.T) {
	gate, mem, clock := newGateFixture(t)
	ctx := context.Background()

	oldHash := crypto.HashKey("agk_old")
	expires := clock.Add(2 * time.Minute)
	err := mem.CreateAgent(ctx, &models.Agent{
		ID:                   "agent-1",
		Name:                 "worker",
		Role:                 models.RoleStandard,
		WorkspaceID:          "ws-1",
		APIKeyHash:           crypto.HashKey("agk_new"),
		PreviousAPIKeyHash:   &oldHash,
		PreviousKeyExpiresAt: &expires,
		CreatedAt:            *clock,
	})
	if err != nil {
		t.Fatal(err)
	}

	do := func() int {
		req := httptest.NewRequest("GET", "/api/v1/workspaces/ws-1/tasks", nil)
		req.Header.Set("Authorization", "Bearer agk_old")
		rr := httptest.NewRecorder()
		gateHandler(gate).ServeHTTP(rr, req)
		return rr.Code
	}

	if code := do(); code != http.StatusOK {
		t.Errorf("inside grace window: status = %d, want 200", code)
	}

	*clock = clock.Add(3 * time.Minute)
	if code := do(); code != http.StatusUnauthorized {
		t.Errorf("after grace window: status = %d, want 401", code)
	}
}

func TestAuthGateQuotaExhaustion(t *testing.T) {
	gate, mem, _ := newGateFixture(t)
	ctx := context.Background()
	seedGateAgent(t, mem, "agent-1", "agk_key", models.RoleStandard)

	// The tracker reads the wall clock, so the planted resets must sit in the
	// real future.
	keyHash := crypto.HashKey("agk_key")
	err := mem.MutateQuota(ctx, keyHash, func(rec *models.QuotaRecord, found bool) error {
		rec.TokensPerHour = 1000
		rec.TokensPerDay = 10000
		rec.TokensRemaining = 0
		rec.HourlyResetAt = time.Now().Add(30 * time.Minute)
		rec.DailyResetAt = time.Now().Add(12 * time.Hour)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest("GET", "/api/v1/workspaces/ws-1/tasks", nil)
	req.Header.Set("Authorization", "Bearer agk_key")
	rr := httptest.NewRecorder()
	gateHandler(gate).ServeHTTP(rr, req)

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
	if got := rr.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", got)
	}
}
