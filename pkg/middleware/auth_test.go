package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/psantana5/edgedash/pkg/auth"
)

func TestRequireToken(t *testing.T) {
	a, err := auth.NewTokenAuthCost("letmein", bcrypt.MinCost)
	require.NoError(t, err)
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := RequireToken(a, nil, "/health")(ok)

	serve := func(path, token string) *httptest.ResponseRecorder {
		r := httptest.NewRequest("GET", path, nil)
		if token != "" {
			r.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w
	}

	assert.Equal(t, http.StatusNoContent, serve("/health", "").Code)

	w := serve("/queue", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Bearer")

	assert.Equal(t, http.StatusUnauthorized, serve("/queue", "wrong").Code)
	assert.Equal(t, http.StatusNoContent, serve("/queue", "letmein").Code)
}
