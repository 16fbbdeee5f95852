package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/edgedash/pkg/models"
)

type staticEndpoints []models.Endpoint

func (s staticEndpoints) All() []models.Endpoint { return s }

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordEnqueue()
		m.RecordDispatch("remote", "fastest")
		m.RecordReconciliation(models.CommandAnalyse, time.Second, 10)
		m.RecordAnalysis(time.Second, nil)
		m.SetQueueDepth(3)
		m.RecordConfigReload()
		_ = m.WatchEndpoints(staticEndpoints{})
	})
}

func TestCounters(t *testing.T) {
	m := New()
	m.RecordEnqueue()
	m.RecordEnqueue()
	m.RecordDispatch("remote", "fastest")
	m.RecordDispatch("local", "fastest")
	m.RecordDispatch("remote", "fastest")
	m.RecordRequeue(2)
	m.RecordAnalysis(time.Second, errors.New("boom"))
	m.RecordConfigReload()

	body := scrape(t, m)
	for _, line := range []string{
		"edgedash_jobs_enqueued_total 2",
		`edgedash_jobs_dispatched_total{policy="fastest",target="remote"} 2`,
		`edgedash_jobs_dispatched_total{policy="fastest",target="local"} 1`,
		"edgedash_jobs_requeued_total 2",
		"edgedash_config_reloads_total 1",
		`edgedash_analysis_duration_seconds_count{outcome="failure"} 1`,
	} {
		assert.Contains(t, body, line)
	}
}

func TestHandlerExposesEndpoints(t *testing.T) {
	m := New()
	e := models.NewEndpoint("p1", "Pixel")
	e.State = models.StateConnected
	e.AddJob("V1.mp4")
	e.CompletedCount = 4
	e.Hardware = &models.HardwareProfile{CPUFreqHz: 2000, BatteryPercent: 55}
	require.NoError(t, m.WatchEndpoints(staticEndpoints{*e}))

	body := scrape(t, m)
	assert.True(t, strings.Contains(body, `edgedash_endpoint_jobs{endpoint="p1",name="Pixel"} 1`), body)
	assert.True(t, strings.Contains(body, `edgedash_endpoint_completed_jobs{endpoint="p1",name="Pixel"} 4`), body)
	assert.True(t, strings.Contains(body, `edgedash_endpoint_battery_percent{endpoint="p1",name="Pixel"} 55`), body)
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	return rec.Body.String()
}
