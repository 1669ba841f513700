// Package auth parses the credential evidence on inbound requests. Two forms
// are accepted: a bearer token (preferred) and the legacy X-Agent-ID /
// X-Agent-Key header pair. Extraction is stateless; resolving the evidence
// against stored key material is the caller's job.
package auth

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/agentworks/credgate/internal/apperr"
)

var (
	workspacePathRe = regexp.MustCompile(`^/api(/v1)?/workspaces/([^/]+)(.*)$`)
	bearerTokenRe   = regexp.MustCompile(`(?i)^bearer\s+(.+)$`)
)

// publicPathPrefixes lists endpoints that never require credentials.
var publicPathPrefixes = []string{
	"/health",
	"/status",
	"/docs",
}

const (
	headerAgentID  = "x-agent-id"
	headerAgentKey = "x-agent-key"
)

// Credential is the result of extraction: either a bearer token or a legacy
// header pair. The union is sealed so downstream authorization logic can
// type-switch exhaustively instead of probing optional fields.
type Credential interface {
	isCredential()
}

// BearerCredential carries a token from an Authorization: Bearer header. The
// APIKeyID is the token itself; callers resolve it against storage.
type BearerCredential struct {
	APIKeyID string
	Token    string
}

// LegacyCredential carries the X-Agent-ID / X-Agent-Key header pair.
type LegacyCredential struct {
	AgentID string
	APIKey  string
}

func (BearerCredential) isCredential() {}
func (LegacyCredential) isCredential() {}

// WorkspacePath is a parsed workspace-scoped request path.
type WorkspacePath struct {
	WorkspaceID string
	Rest        string
}

// ExtractWorkspaceID parses "/api/v1/workspaces/{id}..." (the /v1 segment is
// optional) into the workspace id and the remaining path.
func ExtractWorkspaceID(pathname string) (WorkspacePath, error) {
	m := workspacePathRe.FindStringSubmatch(pathname)
	if m == nil {
		return WorkspacePath{}, apperr.InvalidToken("invalid workspace path")
	}
	id := m[2]
	if strings.TrimSpace(id) == "" {
		return WorkspacePath{}, apperr.InvalidToken("invalid workspace path")
	}
	return WorkspacePath{WorkspaceID: id, Rest: m[3]}, nil
}

// ValidateBearerToken parses an Authorization header value into a bearer
// credential.
func ValidateBearerToken(authHeader string) (BearerCredential, error) {
	if authHeader == "" {
		return BearerCredential{}, apperr.MissingAuth("no authorization header provided")
	}
	m := bearerTokenRe.FindStringSubmatch(authHeader)
	if m == nil {
		return BearerCredential{}, apperr.InvalidToken("malformed bearer token")
	}
	token := strings.TrimSpace(m[1])
	if token == "" {
		return BearerCredential{}, apperr.InvalidToken("empty bearer token")
	}
	return BearerCredential{APIKeyID: token, Token: token}, nil
}

// ValidateLegacyAuth reads the X-Agent-ID / X-Agent-Key pair. Header names are
// matched case-insensitively and only the first value of a repeated header is
// considered.
func ValidateLegacyAuth(headers http.Header) (LegacyCredential, error) {
	agentID, okID := firstHeader(headers, headerAgentID)
	apiKey, okKey := firstHeader(headers, headerAgentKey)
	if !okID || !okKey {
		return LegacyCredential{}, apperr.MissingAuth("missing agent credentials")
	}
	agentID = strings.TrimSpace(agentID)
	apiKey = strings.TrimSpace(apiKey)
	if agentID == "" || apiKey == "" {
		return LegacyCredential{}, apperr.InvalidToken("invalid agent credentials")
	}
	return LegacyCredential{AgentID: agentID, APIKey: apiKey}, nil
}

// ExtractAuth normalizes whatever evidence the request carries. A bearer
// header is attempted first; on bearer failure the legacy pair is tried, and
// if that also fails the bearer error is the one reported.
func ExtractAuth(authHeader string, headers http.Header) (Credential, error) {
	var bearerErr error
	if authHeader != "" && strings.HasPrefix(strings.ToLower(authHeader), "bearer") {
		cred, err := ValidateBearerToken(authHeader)
		if err == nil {
			return cred, nil
		}
		bearerErr = err
	}

	if headers != nil {
		cred, err := ValidateLegacyAuth(headers)
		if err == nil {
			return cred, nil
		}
	}

	if bearerErr != nil {
		return nil, bearerErr
	}
	return nil, apperr.MissingAuth("no credentials provided")
}

// IsAuthRequired reports whether the path requires credentials.
func IsAuthRequired(pathname string) bool {
	for _, prefix := range publicPathPrefixes {
		if strings.HasPrefix(pathname, prefix) {
			return false
		}
	}
	return true
}

func firstHeader(headers http.Header, name string) (string, bool) {
	for key, values := range headers {
		if strings.ToLower(key) != name {
			continue
		}
		if len(values) == 0 {
			return "", false
		}
		return values[0], true
	}
	return "", false
}
