package identity

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/crystal/internal/apperr"
)

const secret = "test-secret"

func TestTokenRoundTrip(t *testing.T) {
	tok, err := IssueToken(secret, Session{UserID: "alice", Username: "Alice", AvatarURL: "https://x/a.png"}, time.Hour)
	require.NoError(t, err)

	v := NewVerifier(secret, false)
	r := httptest.NewRequest("GET", "/api/conversations", nil)
	r.Header.Set("Authorization", "Bearer "+tok)

	s, err := v.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, Session{UserID: "alice", Username: "Alice", AvatarURL: "https://x/a.png"}, s)
}

func TestTokenQueryParam(t *testing.T) {
	tok, err := IssueToken(secret, Session{UserID: "bob"}, 0)
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/api/ws?access_token="+tok, nil)
	s, err := NewVerifier(secret, false).Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "bob", s.UserID)
}

func TestRejectsBadTokens(t *testing.T) {
	v := NewVerifier(secret, true)

	wrongKey, _ := IssueToken("other-secret", Session{UserID: "alice"}, time.Hour)
	expired, _ := IssueToken(secret, Session{UserID: "alice"}, -time.Minute)
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "alice"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	badSubject, _ := IssueToken(secret, Session{UserID: "has_underscore"}, time.Hour)

	for name, tok := range map[string]string{
		"wrong key":   wrongKey,
		"expired":     expired,
		"alg none":    none,
		"bad subject": badSubject,
		"garbage":     "not.a.token",
	} {
		_, err := v.ParseToken(tok)
		assert.True(t, apperr.Is(err, apperr.CodeUnauthenticated), "%s: %v", name, err)
	}
}

func TestHeaderAuth(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set(HeaderUserID, "carol")

	s, err := NewVerifier("", true).Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "carol", s.UserID)

	_, err = NewVerifier(secret, false).Authenticate(r)
	assert.True(t, apperr.Is(err, apperr.CodeUnauthenticated), "header ignored when disabled")

	r.Header.Set(HeaderUserID, "bad id")
	_, err = NewVerifier("", true).Authenticate(r)
	assert.True(t, apperr.Is(err, apperr.CodeUnauthenticated))
}

func TestMissingCredentials(t *testing.T) {
	_, err := NewVerifier(secret, true).Authenticate(httptest.NewRequest("GET", "/", nil))
	assert.True(t, apperr.Is(err, apperr.CodeUnauthenticated))
}

func TestSessionContext(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	ctx := WithSession(context.Background(), Session{UserID: "alice"})
	s, ok := FromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, "alice", s.UserID)
}
