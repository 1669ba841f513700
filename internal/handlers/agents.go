package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agentworks/credgate/internal/apperr"
	"github.com/agentworks/credgate/internal/auth"
	"github.com/agentworks/credgate/internal/models"
	"github.com/agentworks/credgate/internal/services"
	"github.com/agentworks/credgate/internal/store"
	"github.com/agentworks/credgate/pkg/crypto"
)

type AgentHandler struct {
	agents        store.AgentStore
	audit         store.RotationLogStore
	rotation      *services.KeyRotationService
	events        services.EventSink
	encryptionKey string
}

func NewAgentHandler(agents store.AgentStore, audit store.RotationLogStore, rotation *services.KeyRotationService, encryptionKey string) *AgentHandler {
	return &AgentHandler{
		agents:        agents,
		audit:         audit,
		rotation:      rotation,
		encryptionKey: encryptionKey,
	}
}

// WithEventSink attaches an activity event sink.
func (h *AgentHandler) WithEventSink(sink services.EventSink) *AgentHandler {
	h.events = sink
	return h
}

type RegisterAgentRequest struct {
	Name        string `json:"name"`
	Role        string `json:"role"`
	WorkspaceID string `json:"workspace_id"`
}

type RegisterAgentResponse struct {
	Agent  *models.Agent `json:"agent"`
	APIKey string        `json:"api_key"`
}

// Register creates an agent and issues its first credential. The plaintext
// key appears in this response and nowhere else.
// POST /api/v1/agents
func (h *AgentHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterAgentRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	req.WorkspaceID = strings.TrimSpace(req.WorkspaceID)
	if req.Name == "" || req.WorkspaceID == "" {
		writeError(w, apperr.Validation("name and workspace_id are required"))
		return
	}
	role := models.RoleTier(req.Role)
	if role == "" {
		role = models.RoleStandard
	}
	if role != models.RoleAdmin && role != models.RoleStandard {
		writeError(w, apperr.Validation("role must be admin or standard"))
		return
	}

	apiKey, err := crypto.GenerateAPIKey()
	if err != nil {
		writeError(w, err)
		return
	}
	encrypted, err := crypto.Encrypt(h.encryptionKey, apiKey)
	if err != nil {
		writeError(w, err)
		return
	}

	agent := &models.Agent{
		ID:              uuid.NewString(),
		Name:            req.Name,
		Role:            role,
		WorkspaceID:     req.WorkspaceID,
		APIKeyHash:      crypto.HashKey(apiKey),
		EncryptedAPIKey: encrypted,
		CreatedAt:       time.Now(),
	}
	if err := h.agents.CreateAgent(r.Context(), agent); err != nil {
		writeError(w, err)
		return
	}

	log.Info().
		Str("agent_id", agent.ID).
		Str("workspace_id", agent.WorkspaceID).
		Str("key_fingerprint", crypto.KeyFingerprint(apiKey)).
		Msg("Agent registered")

	if h.events != nil {
		h.events.Publish(models.ActivityEvent{Type: "agent_registered", AgentID: agent.ID, At: agent.CreatedAt})
	}

	writeJSON(w, http.StatusCreated, RegisterAgentResponse{Agent: agent, APIKey: apiKey})
}

// List returns all agents
// GET /api/v1/agents
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	agents, err := h.agents.ListAgents(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

// Get returns a single agent
// GET /api/v1/agents/{agentID}
func (h *AgentHandler) Get(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	agent, err := h.agents.GetAgent(r.Context(), agentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// ListRotations returns the rotation audit trail for an agent
// GET /api/v1/agents/{agentID}/rotations
func (h *AgentHandler) ListRotations(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	if _, err := h.agents.GetAgent(r.Context(), agentID); err != nil {
		writeError(w, err)
		return
	}

	records, err := h.audit.ListRotations(r.Context(), agentID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

type RotateKeyRequest struct {
	Reason             string `json:"reason"`
	GracePeriodSeconds *int   `json:"grace_period_seconds"`
	APIKey             string `json:"api_key"`
}

// RotateKey rotates an agent's credential. The caller proves possession of
// the current key via the Authorization header (preferred) or the api_key
// body field.
// POST /api/v1/agents/{agentID}/rotate-key
func (h *AgentHandler) RotateKey(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	var req RotateKeyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	currentKey := ""
	if header := r.Header.Get("Authorization"); header != "" {
		cred, err := auth.ValidateBearerToken(header)
		if err != nil {
			writeError(w, err)
			return
		}
		currentKey = cred.Token
	} else if req.APIKey != "" {
		currentKey = req.APIKey
	} else {
		writeError(w, apperr.MissingAuth("no credentials provided"))
		return
	}

	reason := models.RotationReason(req.Reason)
	if req.Reason == "" {
		reason = models.RotationRefresh
	}
	gracePeriodSeconds := 300
	if req.GracePeriodSeconds != nil {
		gracePeriodSeconds = *req.GracePeriodSeconds
	}

	result, err := h.rotation.Rotate(r.Context(), agentID, currentKey, reason, gracePeriodSeconds)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
