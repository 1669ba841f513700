package handlers

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agentworks/credgate/internal/apperr"
	"github.com/agentworks/credgate/internal/config"
)

type AuthHandler struct {
	cfg *config.Config
}

func NewAuthHandler(cfg *config.Config) *AuthHandler {
	return &AuthHandler{cfg: cfg}
}

type LoginRequest struct {
	OperatorKey string `json:"operator_key"`
	Name        string `json:"name"`
}

type LoginResponse struct {
	Token string `json:"token"`
	Name  string `json:"name"`
}

// Login exchanges the shared operator key for a session JWT
// POST /api/v1/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if h.cfg.OperatorKey == "" {
		writeError(w, apperr.Unauthorized("operator login is disabled"))
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.OperatorKey), []byte(h.cfg.OperatorKey)) != 1 {
		writeError(w, apperr.Unauthorized("invalid operator key"))
		return
	}

	name := req.Name
	if name == "" {
		name = "operator"
	}

	claims := OperatorClaims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(12 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "credgate",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(h.cfg.JWTSecret))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, LoginResponse{Token: tokenString, Name: name})
}

// GetMe returns the current operator session
// GET /api/v1/auth/me
func (h *AuthHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	name, ok := OperatorFromContext(r.Context())
	if !ok {
		writeError(w, apperr.Unauthorized("no session"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name})
}
