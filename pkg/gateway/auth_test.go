package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuthHandler_Token(t *testing.T) {
	auth := NewAuthHandler("test-secret")

	t.Run("should sign tenant and user with the shared secret", func(t *testing.T) {
		assert.Equal(t, computeHMAC("acme:alice", "test-secret"), auth.Token("acme", "alice"))
	})

	t.Run("should differ per identity", func(t *testing.T) {
		assert.NotEqual(t, auth.Token("acme", "alice"), auth.Token("acme", "bob"))
		assert.NotEqual(t, auth.Token("acme", "alice"), auth.Token("other", "alice"))
	})
}

func TestAuthHandler_Verify(t *testing.T) {
	auth := NewAuthHandler("test-secret")

	t.Run("should accept a valid token", func(t *testing.T) {
		assert.True(t, auth.Verify("acme", "alice", computeHMAC("acme:alice", "test-secret")))
	})

	t.Run("should reject a token for another user", func(t *testing.T) {
		assert.False(t, auth.Verify("acme", "bob", auth.Token("acme", "alice")))
	})

	t.Run("should reject a token signed with another secret", func(t *testing.T) {
		assert.False(t, auth.Verify("acme", "alice", computeHMAC("acme:alice", "wrong-secret")))
	})

	t.Run("should reject an empty token", func(t *testing.T) {
		assert.False(t, auth.Verify("acme", "alice", ""))
	})

	t.Run("should accept anything when disabled", func(t *testing.T) {
		open := NewAuthHandler("")
		assert.False(t, open.Enabled())
		assert.True(t, open.Verify("acme", "alice", ""))
		assert.True(t, open.Verify("acme", "alice", "garbage"))
	})
}

func computeHMAC(message, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}
