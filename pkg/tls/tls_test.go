package tls

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelfSignedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cert, key := filepath.Join(dir, "tls", "api.crt"), filepath.Join(dir, "tls", "api.key")

	created, err := EnsureCert(cert, key, "edgedash", "10.1.2.3", "cam.local")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = EnsureCert(cert, key, "edgedash")
	require.NoError(t, err)
	assert.False(t, created)

	serverCfg, err := LoadServerConfig(cert, key)
	require.NoError(t, err)

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	srv.TLS = serverCfg
	srv.StartTLS()
	defer srv.Close()

	clientCfg, err := ClientConfig(cert, false)
	require.NoError(t, err)
	client := &http.Client{Transport: &http.Transport{TLSClientConfig: clientCfg}}
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
}

func TestClientConfigBadCA(t *testing.T) {
	_, err := ClientConfig(filepath.Join(t.TempDir(), "missing.pem"), false)
	assert.Error(t, err)
}

func TestLoadServerConfigMissing(t *testing.T) {
	_, err := LoadServerConfig("nope.crt", "nope.key")
	assert.Error(t, err)
}
