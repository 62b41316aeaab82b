package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// AuthHandler verifies handshake tokens.
type AuthHandler struct {
	sharedSecret string
}

// NewAuthHandler creates a new authentication handler. An empty secret
// disables verification.
func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{
		sharedSecret: sharedSecret,
	}
}

// Enabled reports whether tokens are checked.
func (a *AuthHandler) Enabled() bool {
	return a.sharedSecret != ""
}

// Token returns hex(HMAC-SHA256(secret, tenantID + ":" + userID)).
func (a *AuthHandler) Token(tenantID, userID string) string {
	h := hmac.New(sha256.New, []byte(a.sharedSecret))
	h.Write([]byte(tenantID + ":" + userID))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a handshake token. It always succeeds when no secret is
// configured.
func (a *AuthHandler) Verify(tenantID, userID, token string) bool {
	if !a.Enabled() {
		return true
	}
	if token == "" {
		return false
	}
	expected := a.Token(tenantID, userID)

	// Use constant-time comparison to prevent timing attacks
	return subtle.ConstantTimeCompare([]byte(expected), []byte(token)) == 1
}
