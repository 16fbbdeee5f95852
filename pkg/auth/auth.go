// Package auth guards the control API with a shared bearer token.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrEmptyToken   = errors.New("token must not be empty")
)

// TokenAuth validates tokens against a bcrypt hash; the plain token is not kept
type TokenAuth struct {
	hash []byte
}

// NewTokenAuth hashes token with bcrypt's default cost
func NewTokenAuth(token string) (*TokenAuth, error) {
	return NewTokenAuthCost(token, bcrypt.DefaultCost)
}

// NewTokenAuthCost hashes token with the given bcrypt cost
func NewTokenAuthCost(token string, cost int) (*TokenAuth, error) {
	if token == "" {
		return nil, ErrEmptyToken
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash token: %w", err)
	}
	return &TokenAuth{hash: hash}, nil
}

// Validate returns ErrInvalidToken unless token matches
func (a *TokenAuth) Validate(token string) error {
	if token == "" {
		return ErrInvalidToken
	}
	if err := bcrypt.CompareHashAndPassword(a.hash, []byte(token)); err != nil {
		return ErrInvalidToken
	}
	return nil
}

// GenerateToken returns 32 random bytes, URL-safe base64 encoded
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// BearerToken extracts the token from an "Authorization: Bearer" header
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) < len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}
