package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agentworks/credgate/internal/apperr"
	"github.com/agentworks/credgate/internal/models"
	"github.com/agentworks/credgate/internal/services"
)

type QuotaHandler struct {
	tracker *services.QuotaTracker
}

func NewQuotaHandler(tracker *services.QuotaTracker) *QuotaHandler {
	return &QuotaHandler{tracker: tracker}
}

type QuotaCheckRequest struct {
	APIKeyID string `json:"api_key_id"`
	RoleTier string `json:"role_tier"`
}

type QuotaCheckResponse struct {
	Allowed   bool  `json:"allowed"`
	Remaining int   `json:"remaining"`
	ResetAt   int64 `json:"reset_at"`
}

// Check consumes one quota token for a credential
// POST /api/v1/quota/check
func (h *QuotaHandler) Check(w http.ResponseWriter, r *http.Request) {
	var req QuotaCheckRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.APIKeyID == "" {
		writeError(w, apperr.Validation("api_key_id is required"))
		return
	}
	tier := models.RoleTier(req.RoleTier)
	if tier != "" && tier != models.RoleAdmin && tier != models.RoleStandard {
		writeError(w, apperr.Validation("role_tier must be admin or standard"))
		return
	}

	decision, err := h.tracker.CheckAndDecrement(r.Context(), req.APIKeyID, tier)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, QuotaCheckResponse{
		Allowed:   decision.Allowed,
		Remaining: decision.Remaining,
		ResetAt:   decision.ResetAt.Unix(),
	})
}

// Status returns the stored quota record without triggering a refill
// GET /api/v1/quota/{apiKeyID}
func (h *QuotaHandler) Status(w http.ResponseWriter, r *http.Request) {
	apiKeyID := chi.URLParam(r, "apiKeyID")

	rec, err := h.tracker.GetQuotaStatus(r.Context(), apiKeyID)
	if err != nil {
		writeError(w, err)
		return
	}
	if rec == nil {
		writeError(w, apperr.NotFound("no quota record for %s", apiKeyID))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
