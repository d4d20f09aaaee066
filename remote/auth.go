// Package remote supplies concrete implementations of the engine's external
// collaborators: an HTTP JSON gateway, a bearer-token credential source, and
// a streaming realtime channel.
package remote

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/inboxlabs/inboxsync/inbox"
)

// TokenSource yields the bearer credential for remote calls. An empty or
// expired credential reports inbox.ErrNotAuthenticated.
type TokenSource interface {
	Token() (string, error)
}

// StaticToken is a TokenSource for a fixed, non-expiring credential.
type StaticToken string

func (t StaticToken) Token() (string, error) {
	if t == "" {
		return "", inbox.ErrNotAuthenticated
	}
	return string(t), nil
}

// JWTSource holds a signed JWT and refuses it once expired. The signature is
// never verified here: the client holds credentials, it does not issue them.
type JWTSource struct {
	raw    string
	leeway time.Duration
}

// NewJWTSource wraps an issued token.
func NewJWTSource(token string) *JWTSource {
	return &JWTSource{raw: token, leeway: 30 * time.Second}
}

func (s *JWTSource) Token() (string, error) {
	if s.raw == "" {
		return "", inbox.ErrNotAuthenticated
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(s.raw, &claims); err != nil {
		return "", fmt.Errorf("bad token: %w", inbox.ErrNotAuthenticated)
	}
	if claims.ExpiresAt != nil && time.Now().After(claims.ExpiresAt.Time.Add(s.leeway)) {
		return "", fmt.Errorf("token expired: %w", inbox.ErrNotAuthenticated)
	}
	return s.raw, nil
}
