package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// keyPrefix marks generated credentials so they are recognizable in logs and
// support tickets without revealing anything.
const keyPrefix = "agk_"

// GenerateAPIKey returns a new opaque credential: prefix plus 32 random bytes,
// base64url encoded. Collision probability is negligible.
func GenerateAPIKey() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate key material: %w", err)
	}
	return keyPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// HashKey returns the hex SHA-256 digest of a key, used as the storage lookup
// column and for constant-size comparisons.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// KeyFingerprint returns a short non-sensitive identifier for a key, suitable
// for audit logs.
func KeyFingerprint(key string) string {
	h := HashKey(key)
	if len(h) > 12 {
		h = h[:12]
	}
	return h
}
