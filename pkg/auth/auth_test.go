package auth

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestTokenAuth(t *testing.T) {
	a, err := NewTokenAuthCost("s3cret", bcrypt.MinCost)
	require.NoError(t, err)

	assert.NoError(t, a.Validate("s3cret"))
	assert.ErrorIs(t, a.Validate("guess"), ErrInvalidToken)
	assert.ErrorIs(t, a.Validate(""), ErrInvalidToken)
}

func TestEmptyTokenRejected(t *testing.T) {
	_, err := NewTokenAuth("")
	assert.ErrorIs(t, err, ErrEmptyToken)
}

func TestGenerateToken(t *testing.T) {
	a, err := GenerateToken()
	require.NoError(t, err)
	b, err := GenerateToken()
	require.NoError(t, err)
	assert.Len(t, a, 43)
	assert.NotEqual(t, a, b)
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/queue", nil)
	assert.Empty(t, BearerToken(r))

	r.Header.Set("Authorization", "Bearer abc")
	assert.Equal(t, "abc", BearerToken(r))

	r.Header.Set("Authorization", "bearer  xyz ")
	assert.Equal(t, "xyz", BearerToken(r))

	r.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, BearerToken(r))
}
