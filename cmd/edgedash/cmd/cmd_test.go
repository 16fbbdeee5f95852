package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetricsURL(t *testing.T) {
	assert.Equal(t, "http://localhost:8080/metrics", metricsURL(":8080"))
	assert.Equal(t, "http://10.0.0.2:8080/metrics", metricsURL("10.0.0.2:8080"))
	assert.Equal(t, "https://cam.local/metrics", metricsURL("https://cam.local/"))
}

func TestHumanBytes(t *testing.T) {
	assert.Equal(t, "512 B", humanBytes(512))
	assert.Equal(t, "1.5 KiB", humanBytes(1536))
	assert.Equal(t, "2.0 GiB", humanBytes(2<<30))
}

func TestHumanHertz(t *testing.T) {
	assert.Equal(t, "-", humanHertz(0))
	assert.Equal(t, "2.40 GHz", humanHertz(2.4e9))
}
