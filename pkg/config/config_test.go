package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/edgedash/pkg/scheduler"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0644))
	return p
}

func TestDefaults(t *testing.T) {
	v := New()
	v.Set("data_dir", t.TempDir())
	c, err := Load(v, "")
	require.NoError(t, err)

	assert.Equal(t, RoleMaster, c.Role)
	assert.Equal(t, scheduler.Fastest, c.Policy())
	assert.True(t, c.LocalProcessing)
	assert.True(t, c.RequeueOnDisconnect)
	assert.Equal(t, 10, c.Reconnect.MaxAttempts)
	assert.Equal(t, 5*time.Second, c.Reconnect.Interval)
	assert.Equal(t, 10*time.Minute, c.CorrelationTTL)
	assert.True(t, c.Ingest.Watch)
	assert.Equal(t, time.Second, c.Ingest.Settle)
	_, _, tls := c.TLSFiles()
	assert.False(t, tls)
}

func TestTLSFiles(t *testing.T) {
	c, err := Load(New(), writeConfig(t, "data_dir: /data\napi:\n  self_signed: true\n"))
	require.NoError(t, err)
	cert, key, ok := c.TLSFiles()
	assert.True(t, ok)
	assert.Equal(t, "/data/tls/api.crt", cert)
	assert.Equal(t, "/data/tls/api.key", key)

	c.API.TLSCert, c.API.TLSKey = "/etc/a.crt", "/etc/a.key"
	cert, _, _ = c.TLSFiles()
	assert.Equal(t, "/etc/a.crt", cert)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
role: worker
data_dir: /var/lib/edgedash
scheduling_algorithm: max_capacity
local_processing: false
reconnect:
  interval: 2s
  max_attempts: 3
transport:
  kind: memnet
`)
	c, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, RoleWorker, c.Role)
	assert.Equal(t, scheduler.MaxCapacity, c.Policy())
	assert.False(t, c.LocalProcessing)
	assert.Equal(t, 2*time.Second, c.Reconnect.Interval)
	assert.Equal(t, 3, c.Reconnect.MaxAttempts)
	assert.Equal(t, TransportMemnet, c.Transport.Kind)
	assert.Equal(t, "/var/lib/edgedash/results", c.ResultsDir())
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("EDGEDASH_SCHEDULING_ALGORITHM", "least_busy")
	t.Setenv("EDGEDASH_RECONNECT_MAX_ATTEMPTS", "4")

	c, err := Load(New(), writeConfig(t, "scheduling_algorithm: round_robin\n"))
	require.NoError(t, err)
	assert.Equal(t, scheduler.LeastBusy, c.Policy())
	assert.Equal(t, 4, c.Reconnect.MaxAttempts)
}

func TestValidation(t *testing.T) {
	cases := map[string]string{
		"role":      "role: observer\n",
		"algorithm": "scheduling_algorithm: random\n",
		"transport": "transport:\n  kind: bluetooth\n",
		"log level": "log:\n  level: loud\n",
		"tls pair":  "api:\n  tls_cert: /etc/edgedash/api.crt\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(New(), writeConfig(t, body))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestMissingExplicitFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestWriteDefaultsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edgedash", "config.yaml")
	require.NoError(t, WriteDefaults(path, false))
	assert.Error(t, WriteDefaults(path, false), "existing file is kept")
	require.NoError(t, WriteDefaults(path, true))

	c, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, c.Reconnect.Interval)
	assert.Equal(t, scheduler.DefaultKey, c.Policy())
	assert.Equal(t, 47800, c.Transport.UDPPort)
}

func TestWatcherReload(t *testing.T) {
	path := writeConfig(t, "scheduling_algorithm: fastest\nlocal_processing: true\n")
	v := New()
	c, err := Load(v, path)
	require.NoError(t, err)

	live := NewLive(c)
	w := NewWatcher(v, c, live, nil)
	var seen *Config
	w.OnChange(func(c *Config) { seen = c })

	require.NoError(t, os.WriteFile(path, []byte("scheduling_algorithm: most_ram\nlocal_processing: false\n"), 0644))
	require.NoError(t, v.ReadInConfig())
	require.NoError(t, w.Reload())

	assert.Equal(t, scheduler.MostRAM, live.SchedulingPolicy())
	assert.False(t, live.LocalProcessing())
	require.NotNil(t, seen)
	assert.Equal(t, "most_ram", w.loaded().SchedulingAlgorithm)

	require.NoError(t, os.WriteFile(path, []byte("scheduling_algorithm: nope\n"), 0644))
	require.NoError(t, v.ReadInConfig())
	assert.ErrorIs(t, w.Reload(), ErrInvalid)
	assert.Equal(t, scheduler.MostRAM, live.SchedulingPolicy(), "invalid edit is ignored")
}
