// Package identity verifies the bearer tokens clients present when opening
// a websocket or API request and resolves them to a user.
package identity

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidToken is returned for malformed, forged, or expired tokens.
var ErrInvalidToken = errors.New("invalid token")

// Identity is the authenticated principal behind a token.
type Identity struct {
	UserID string
}

// Provider verifies a bearer token.
type Provider interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// TokenProvider issues and verifies HMAC-SHA256 signed tokens of the form
// base64url(userID:expiryUnix) + "." + base64url(signature).
type TokenProvider struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenProvider builds a provider around a shared secret. ttl bounds the
// lifetime of issued tokens.
func NewTokenProvider(secret string, ttl time.Duration) (*TokenProvider, error) {
	if secret == "" {
		return nil, errors.New("token secret must not be empty")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenProvider{secret: []byte(secret), ttl: ttl}, nil
}

// Issue mints a token for userID expiring after the provider's ttl.
func (p *TokenProvider) Issue(userID string) (string, error) {
	if userID == "" || strings.Contains(userID, ":") {
		return "", fmt.Errorf("invalid user id %q", userID)
	}
	payload := fmt.Sprintf("%s:%d", userID, time.Now().Add(p.ttl).Unix())
	encoded := base64.RawURLEncoding.EncodeToString([]byte(payload))
	return encoded + "." + p.sign(encoded), nil
}

// Verify checks the signature and expiry and returns the embedded identity.
func (p *TokenProvider) Verify(_ context.Context, token string) (Identity, error) {
	encoded, sig, ok := strings.Cut(token, ".")
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	if !hmac.Equal([]byte(p.sign(encoded)), []byte(sig)) {
		return Identity{}, ErrInvalidToken
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Identity{}, ErrInvalidToken
	}
	userID, expStr, ok := strings.Cut(string(raw), ":")
	if !ok || userID == "" {
		return Identity{}, ErrInvalidToken
	}
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil || time.Now().Unix() > exp {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UserID: userID}, nil
}

func (p *TokenProvider) sign(payload string) string {
	mac := hmac.New(sha256.New, p.secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// StaticProvider maps fixed tokens to users. Intended for tests and local
// development.
type StaticProvider map[string]string

func (p StaticProvider) Verify(_ context.Context, token string) (Identity, error) {
	userID, ok := p[token]
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UserID: userID}, nil
}
