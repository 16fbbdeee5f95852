package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

const protoAccept = `application/vnd.google.protobuf;proto=io.prometheus.client.MetricFamily;encoding=delimited`

// EndpointSample is one endpoint as reported by a node's /metrics page
type EndpointSample struct {
	ID             string  `json:"id" yaml:"id"`
	Name           string  `json:"name" yaml:"name"`
	Connected      bool    `json:"connected" yaml:"connected"`
	Jobs           int     `json:"jobs" yaml:"jobs"`
	Completed      int     `json:"completed" yaml:"completed"`
	CPUFreqHz      float64 `json:"cpu_frequency_hz,omitempty" yaml:"cpu_frequency_hz,omitempty"`
	BatteryPercent float64 `json:"battery_percent,omitempty" yaml:"battery_percent,omitempty"`
	HasHardware    bool    `json:"has_hardware" yaml:"has_hardware"`
}

// Summary is what Scrape extracts from a node
type Summary struct {
	Endpoints []EndpointSample   `json:"endpoints" yaml:"endpoints"`
	Queued    float64            `json:"queued" yaml:"queued"`
	Busy      bool               `json:"local_busy" yaml:"local_busy"`
	LocalJobs float64            `json:"local_jobs" yaml:"local_jobs"`
	Payloads  float64            `json:"payloads_pending" yaml:"payloads_pending"`
	Counters  map[string]float64 `json:"counters" yaml:"counters"`
}

// Scrape fetches and decodes the metrics page at url
func Scrape(ctx context.Context, client *http.Client, url string) (*Summary, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", protoAccept)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("metrics error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	dec := expfmt.NewDecoder(resp.Body, expfmt.ResponseFormat(resp.Header))
	var families []*dto.MetricFamily
	for {
		mf := &dto.MetricFamily{}
		if err := dec.Decode(mf); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("failed to decode metrics: %w", err)
		}
		families = append(families, mf)
	}
	return summarize(families), nil
}

func value(m *dto.Metric) float64 {
	switch {
	case m.GetGauge() != nil:
		return m.GetGauge().GetValue()
	case m.GetCounter() != nil:
		return m.GetCounter().GetValue()
	}
	return 0
}

func label(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func summarize(families []*dto.MetricFamily) *Summary {
	s := &Summary{Counters: make(map[string]float64)}
	endpoints := make(map[string]*EndpointSample)
	sample := func(m *dto.Metric) *EndpointSample {
		id := label(m, "endpoint")
		e, ok := endpoints[id]
		if !ok {
			e = &EndpointSample{ID: id, Name: label(m, "name")}
			endpoints[id] = e
		}
		return e
	}

	prefix := namespace + "_"
	for _, mf := range families {
		name := strings.TrimPrefix(mf.GetName(), prefix)
		for _, m := range mf.GetMetric() {
			v := value(m)
			switch name {
			case "endpoint_jobs":
				sample(m).Jobs = int(v)
			case "endpoint_completed_jobs":
				sample(m).Completed = int(v)
			case "endpoint_connected":
				sample(m).Connected = v == 1
			case "endpoint_cpu_frequency_hertz":
				e := sample(m)
				e.CPUFreqHz = v
				e.HasHardware = true
			case "endpoint_battery_percent":
				e := sample(m)
				e.BatteryPercent = v
				e.HasHardware = true
			case "queue_depth":
				s.Queued = v
			case "local_executor_busy":
				s.Busy = v == 1
			case "local_jobs_outstanding":
				s.LocalJobs = v
			case "payloads_pending":
				s.Payloads = v
			default:
				if mf.GetType() == dto.MetricType_COUNTER && strings.HasPrefix(mf.GetName(), prefix) {
					s.Counters[name] += v
				}
			}
		}
	}

	for _, e := range endpoints {
		s.Endpoints = append(s.Endpoints, *e)
	}
	sort.Slice(s.Endpoints, func(i, j int) bool { return s.Endpoints[i].Name < s.Endpoints[j].Name })
	return s
}
