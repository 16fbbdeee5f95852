package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// endpointCollector reports the registry snapshot at scrape time
type endpointCollector struct {
	src       EndpointSource
	jobs      *prometheus.Desc
	completed *prometheus.Desc
	connected *prometheus.Desc
	cpuFreq   *prometheus.Desc
	battery   *prometheus.Desc
}

func newEndpointCollector(src EndpointSource) *endpointCollector {
	labels := []string{"endpoint", "name"}
	return &endpointCollector{
		src: src,
		jobs: prometheus.NewDesc(prometheus.BuildFQName(namespace, "endpoint", "jobs"),
			"Outstanding jobs recorded against the endpoint", labels, nil),
		completed: prometheus.NewDesc(prometheus.BuildFQName(namespace, "endpoint", "completed_jobs"),
			"Jobs the endpoint has returned results for", labels, nil),
		connected: prometheus.NewDesc(prometheus.BuildFQName(namespace, "endpoint", "connected"),
			"1 when the endpoint is connected", labels, nil),
		cpuFreq: prometheus.NewDesc(prometheus.BuildFQName(namespace, "endpoint", "cpu_frequency_hertz"),
			"Reported maximum CPU frequency", labels, nil),
		battery: prometheus.NewDesc(prometheus.BuildFQName(namespace, "endpoint", "battery_percent"),
			"Reported battery level", labels, nil),
	}
}

func (c *endpointCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.jobs
	ch <- c.completed
	ch <- c.connected
	ch <- c.cpuFreq
	ch <- c.battery
}

func (c *endpointCollector) Collect(ch chan<- prometheus.Metric) {
	for _, e := range c.src.All() {
		connected := 0.0
		if e.Connected() {
			connected = 1
		}
		ch <- prometheus.MustNewConstMetric(c.jobs, prometheus.GaugeValue, float64(e.JobCount()), e.ID, e.Name)
		ch <- prometheus.MustNewConstMetric(c.completed, prometheus.CounterValue, float64(e.CompletedCount), e.ID, e.Name)
		ch <- prometheus.MustNewConstMetric(c.connected, prometheus.GaugeValue, connected, e.ID, e.Name)
		if e.Hardware != nil {
			ch <- prometheus.MustNewConstMetric(c.cpuFreq, prometheus.GaugeValue, float64(e.Hardware.CPUFreqHz), e.ID, e.Name)
			ch <- prometheus.MustNewConstMetric(c.battery, prometheus.GaugeValue, float64(e.Hardware.BatteryPercent), e.ID, e.Name)
		}
	}
}
