package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentworks/credgate/internal/models"
	"github.com/agentworks/credgate/internal/services"
	"github.com/agentworks/credgate/internal/store"
	"github.com/agentworks/credgate/pkg/crypto"
)

const testEncryptionKey = "0123456789abcdef0123456789abcdef"

func newAgentRouter(t *testing.T) (chi.Router, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	rotation := services.NewKeyRotationService(mem, mem, services.NewMemoryAttemptLimiter(), testEncryptionKey)
	h := NewAgentHandler(mem, mem, rotation, testEncryptionKey)

	r := chi.NewRouter()
	r.Post("/api/v1/agents", h.Register)
	r.Get("/api/v1/agents/{agentID}/rotations", h.ListRotations)
	r.Post("/api/v1/agents/{agentID}/rotate-key", h.RotateKey)
	return r, mem
}

func seedHandlerAgent(t *testing.T, mem *store.Memory, id, apiKey string) {
	t.Helper()
	encrypted, err := crypto.Encrypt(testEncryptionKey, apiKey)
	if err != nil {
		t.Fatal(err)
	}
	err = mem.CreateAgent(context.Background(), &models.Agent{
		ID:              id,
		Name:            "worker",
		Role:            models.RoleStandard,
		WorkspaceID:     "ws-1",
		APIKeyHash:      crypto.HashKey(apiKey),
		EncryptedAPIKey: encrypted,
		CreatedAt:       time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRegisterIssuesKeyOnce(t *testing.T) {
	r, mem := newAgentRouter(t)

	req := httptest.NewRequest("POST", "/api/v1/agents", strings.NewReader(`{"name":"crawler","workspace_id":"ws-1"}`))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d body = %s", rr.Code, rr.Body.String())
	}

	var resp RegisterAgentResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(resp.APIKey, "agk_") {
		t.Errorf("APIKey = %q, want agk_ prefix", resp.APIKey)
	}
	if resp.Agent.Role != models.RoleStandard {
		t.Errorf("Role = %q, want standard (default)", resp.Agent.Role)
	}

	// The stored agent holds only the hash, never the plaintext.
	stored, err := mem.GetAgent(context.Background(), resp.Agent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.APIKeyHash != crypto.HashKey(resp.APIKey) {
		t.Error("stored hash does not match the issued key")
	}
}

func TestRegisterValidation(t *testing.T) {
	r, _ := newAgentRouter(t)

	tests := []struct {
		name string
		body string
	}{
		{name: "missing name", body: `{"workspace_id":"ws-1"}`},
		{name: "missing workspace", body: `{"name":"crawler"}`},
		{name: "bad role", body: `{"name":"crawler","workspace_id":"ws-1","role":"root"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/v1/agents", strings.NewReader(tt.body))
			rr := httptest.NewRecorder()
			r.ServeHTTP(rr, req)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rr.Code)
			}
		})
	}
}

func TestRotateKeyWithBearerHeader(t *testing.T) {
	r, mem := newAgentRouter(t)
	seedHandlerAgent(t, mem, "agent-1", "agk_old")

	req := httptest.NewRequest("POST", "/api/v1/agents/agent-1/rotate-key", strings.NewReader(`{"reason":"scheduled"}`))
	req.Header.Set("Authorization", "Bearer agk_old")
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rr.Code, rr.Body.String())
	}

	var result services.RotationResult
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	if result.NewAPIKey == "" || result.NewAPIKey == "agk_old" {
		t.Errorf("NewAPIKey = %q, want a fresh key", result.NewAPIKey)
	}
	if result.GracePeriodSeconds != 300 {
		t.Errorf("GracePeriodSeconds = %d, want default 300", result.GracePeriodSeconds)
	}
}

func TestRotateKeyWithBodyCredential(t *testing.T) {
	r, mem := newAgentRouter(t)
	seedHandlerAgent(t, mem, "agent-1", "agk_old")

	body := `{"api_key":"agk_old","grace_period_seconds":0}`
	req := httptest.NewRequest("POST", "/api/v1/agents/agent-1/rotate-key", strings.NewReader(body))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rr.Code, rr.Body.String())
	}

	var result services.RotationResult
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	if result.GracePeriodSeconds != 0 {
		t.Errorf("GracePeriodSeconds = %d, want 0", result.GracePeriodSeconds)
	}
}

func TestRotateKeyRequiresCredential(t *testing.T) {
	r, mem := newAgentRouter(t)
	seedHandlerAgent(t, mem, "agent-1", "agk_old")

	req := httptest.NewRequest("POST", "/api/v1/agents/agent-1/rotate-key", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
	if code := errorCode(t, rr.Body.Bytes()); code != "missing_auth" {
		t.Errorf("code = %q, want missing_auth", code)
	}
}

func TestRotateKeyWrongCredential(t *testing.T) {
	r, mem := newAgentRouter(t)
	seedHandlerAgent(t, mem, "agent-1", "agk_old")

	req := httptest.NewRequest("POST", "/api/v1/agents/agent-1/rotate-key", strings.NewReader(`{"api_key":"agk_bogus"}`))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}

func TestRotateKeyGraceOutOfRange(t *testing.T) {
	r, mem := newAgentRouter(t)
	seedHandlerAgent(t, mem, "agent-1", "agk_old")

	body := `{"api_key":"agk_old","grace_period_seconds":301}`
	req := httptest.NewRequest("POST", "/api/v1/agents/agent-1/rotate-key", strings.NewReader(body))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestListRotationsUnknownAgent(t *testing.T) {
	r, _ := newAgentRouter(t)

	req := httptest.NewRequest("GET", "/api/v1/agents/ghost/rotations", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestListRotationsAfterRotation(t *testing.T) {
	r, mem := newAgentRouter(t)
	seedHandlerAgent(t, mem, "agent-1", "agk_old")

	req := httptest.NewRequest("POST", "/api/v1/agents/agent-1/rotate-key", strings.NewReader(`{"api_key":"agk_old","reason":"deployment"}`))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("rotate status = %d body = %s", rr.Code, rr.Body.String())
	}

	req = httptest.NewRequest("GET", "/api/v1/agents/agent-1/rotations", nil)
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("list status = %d", rr.Code)
	}

	var records []models.RotationRecord
	if err := json.Unmarshal(rr.Body.Bytes(), &records); err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].Reason != models.RotationDeployment {
		t.Errorf("records = %+v, want one deployment rotation", records)
	}
}
