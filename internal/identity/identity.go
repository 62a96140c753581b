// Package identity turns request credentials into an explicit Session.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lazypower/crystal/internal/apperr"
	"github.com/lazypower/crystal/internal/store"
)

// HeaderUserID carries the caller id when header auth is allowed.
const HeaderUserID = "X-User-ID"

// Session is the authenticated caller of an operation.
type Session struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Claims is the token payload.
type Claims struct {
	Name    string `json:"name,omitempty"`
	Picture string `json:"picture,omitempty"`
	jwt.RegisteredClaims
}

// Verifier authenticates requests.
type Verifier struct {
	secret      []byte
	allowHeader bool
}

// NewVerifier creates a verifier. An empty secret disables bearer tokens.
func NewVerifier(secret string, allowHeader bool) *Verifier {
	return &Verifier{secret: []byte(secret), allowHeader: allowHeader}
}

// Authenticate resolves the session of r from a bearer token, an
// access_token query parameter (websocket handshakes), or, when allowed,
// the X-User-ID header.
func (v *Verifier) Authenticate(r *http.Request) (Session, error) {
	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	if token != "" {
		return v.ParseToken(token)
	}

	if v.allowHeader {
		if id := strings.TrimSpace(r.Header.Get(HeaderUserID)); id != "" {
			if err := store.ValidateUserID(id); err != nil {
				return Session{}, apperr.Unauthenticated("invalid user id header")
			}
			return Session{UserID: id}, nil
		}
	}
	return Session{}, apperr.Unauthenticated("missing credentials")
}

// ParseToken verifies an HS256 token and returns its session.
func (v *Verifier) ParseToken(raw string) (Session, error) {
	if len(v.secret) == 0 {
		return Session{}, apperr.Unauthenticated("token auth is not configured")
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Session{}, apperr.Unauthenticated("token expired")
		}
		return Session{}, apperr.Wrap(apperr.CodeUnauthenticated, "invalid token", err)
	}
	if err := store.ValidateUserID(claims.Subject); err != nil {
		return Session{}, apperr.Unauthenticated("invalid token subject")
	}
	return Session{UserID: claims.Subject, Username: claims.Name, AvatarURL: claims.Picture}, nil
}

// IssueToken signs a token for s valid for ttl. A zero ttl never expires.
func IssueToken(secret string, s Session, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("issue token: empty secret")
	}
	now := time.Now()
	claims := Claims{
		Name:    s.Username,
		Picture: s.AvatarURL,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  s.UserID,
			IssuedAt: jwt.NewNumericDate(now),
			Issuer:   "crystal",
		},
	}
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

type ctxKey struct{}

// WithSession returns a copy of ctx carrying s.
func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the session stored in ctx.
func FromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(ctxKey{}).(Session)
	return s, ok
}
