package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agentworks/credgate/internal/apperr"
	"github.com/agentworks/credgate/internal/auth"
	"github.com/agentworks/credgate/internal/models"
	"github.com/agentworks/credgate/internal/services"
	"github.com/agentworks/credgate/internal/store"
	"github.com/agentworks/credgate/pkg/crypto"
)

type contextKey string

const (
	agentContextKey    contextKey = "agent"
	operatorContextKey contextKey = "operator"
)

// AuthGate authenticates agent requests: it extracts the credential evidence,
// resolves it against stored key material (current key, or previous key while
// its grace window is open) and runs quota admission for the credential.
type AuthGate struct {
	agents store.AgentStore
	quota  *services.QuotaTracker
	now    func() time.Time
}

func NewAuthGate(agents store.AgentStore, quota *services.QuotaTracker) *AuthGate {
	return &AuthGate{agents: agents, quota: quota, now: time.Now}
}

func (g *AuthGate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auth.IsAuthRequired(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		cred, err := auth.ExtractAuth(r.Header.Get("Authorization"), r.Header)
		if err != nil {
			writeError(w, err)
			return
		}

		ctx := r.Context()
		var agent *models.Agent
		var keyHash string

		switch c := cred.(type) {
		case auth.BearerCredential:
			keyHash = crypto.HashKey(c.Token)
			agent, err = g.agents.GetAgentByKeyHash(ctx, keyHash)
		case auth.LegacyCredential:
			keyHash = crypto.HashKey(c.APIKey)
			agent, err = g.agents.GetAgent(ctx, c.AgentID)
		}
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, apperr.Unauthorized("invalid credentials"))
				return
			}
			writeError(w, err)
			return
		}

		if !agent.CredentialValidAt(keyHash, g.now()) {
			writeError(w, apperr.Unauthorized("invalid credentials"))
			return
		}

		decision, err := g.quota.CheckAndDecrement(ctx, keyHash, agent.Role)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
		if !decision.Allowed {
			retryAfter := int(decision.ResetAt.Sub(g.now()).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			writeError(w, apperr.RateLimited("request quota exhausted", retryAfter))
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, agentContextKey, agent)))
	})
}

// AgentFromContext retrieves the authenticated agent.
func AgentFromContext(ctx context.Context) (*models.Agent, bool) {
	agent, ok := ctx.Value(agentContextKey).(*models.Agent)
	return agent, ok
}

// OperatorClaims are the JWT claims for operator sessions.
type OperatorClaims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

// OperatorAuth guards admin surfaces with an HS256 session token. The token
// is read from the Authorization header or, for websocket clients that cannot
// set headers, the "token" query parameter.
type OperatorAuth struct {
	secret string
}

func NewOperatorAuth(secret string) *OperatorAuth {
	return &OperatorAuth{secret: secret}
}

func (o *OperatorAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := ""
		if header := r.Header.Get("Authorization"); header != "" {
			cred, err := auth.ValidateBearerToken(header)
			if err != nil {
				writeError(w, err)
				return
			}
			tokenString = cred.Token
		} else {
			tokenString = r.URL.Query().Get("token")
		}
		if tokenString == "" {
			writeError(w, apperr.MissingAuth("no token provided"))
			return
		}

		claims := &OperatorClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(o.secret), nil
		})
		if err != nil || !token.Valid {
			writeError(w, apperr.Unauthorized("invalid token"))
			return
		}
		if claims.ExpiresAt != nil && claims.ExpiresAt.Time.Before(time.Now()) {
			writeError(w, apperr.Unauthorized("token expired"))
			return
		}

		ctx := context.WithValue(r.Context(), operatorContextKey, claims.Name)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// OperatorFromContext retrieves the authenticated operator name.
func OperatorFromContext(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(operatorContextKey).(string)
	return name, ok
}
