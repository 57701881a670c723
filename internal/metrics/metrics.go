// Package metrics exposes daemon state and RPC traffic to Prometheus.
// Lifecycle gauges are sampled from the registries at scrape time; the
// server increments the traffic counters inline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wasmpod/wasmpod/internal/container"
	"github.com/wasmpod/wasmpod/internal/sandbox"
	"github.com/wasmpod/wasmpod/internal/store"
	"github.com/wasmpod/wasmpod/pkg/models"
)

// Metrics owns the Prometheus registry and all instruments.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal *prometheus.CounterVec
	RPCDuration   *prometheus.HistogramVec
	PullsTotal    *prometheus.CounterVec
}

func New(sandboxes *sandbox.Registry, containers *container.Registry, modules *store.ModuleStore) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wasmpod_requests_total",
			Help: "RPC requests handled, by method and outcome code.",
		}, []string{"method", "code"}),
		RPCDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wasmpod_request_duration_seconds",
			Help:    "RPC handling latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		PullsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wasmpod_module_pulls_total",
			Help: "Module pull attempts, by outcome.",
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(
		m.RequestsTotal,
		m.RPCDuration,
		m.PullsTotal,
		newStateCollector(sandboxes, containers, modules),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// stateCollector samples registry state on scrape.
type stateCollector struct {
	sandboxes  *sandbox.Registry
	containers *container.Registry
	modules    *store.ModuleStore

	sandboxDesc     *prometheus.Desc
	containerDesc   *prometheus.Desc
	moduleCountDesc *prometheus.Desc
	moduleBytesDesc *prometheus.Desc
}

func newStateCollector(sandboxes *sandbox.Registry, containers *container.Registry, modules *store.ModuleStore) *stateCollector {
	return &stateCollector{
		sandboxes:  sandboxes,
		containers: containers,
		modules:    modules,
		sandboxDesc: prometheus.NewDesc(
			"wasmpod_sandboxes", "Pod sandboxes by state.", []string{"state"}, nil),
		containerDesc: prometheus.NewDesc(
			"wasmpod_containers", "Containers by state.", []string{"state"}, nil),
		moduleCountDesc: prometheus.NewDesc(
			"wasmpod_cached_modules", "Modules in the local store.", nil, nil),
		moduleBytesDesc: prometheus.NewDesc(
			"wasmpod_module_store_bytes", "Bytes used by the module store.", nil, nil),
	}
}

func (c *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sandboxDesc
	ch <- c.containerDesc
	ch <- c.moduleCountDesc
	ch <- c.moduleBytesDesc
}

func (c *stateCollector) Collect(ch chan<- prometheus.Metric) {
	ready, notReady := c.sandboxes.Count()
	ch <- prometheus.MustNewConstMetric(c.sandboxDesc, prometheus.GaugeValue, float64(ready), string(models.SandboxReady))
	ch <- prometheus.MustNewConstMetric(c.sandboxDesc, prometheus.GaugeValue, float64(notReady), string(models.SandboxNotReady))

	counts := c.containers.CountByState()
	for _, state := range []models.ContainerState{
		models.ContainerCreated, models.ContainerRunning, models.ContainerExited, models.ContainerUnknown,
	} {
		ch <- prometheus.MustNewConstMetric(c.containerDesc, prometheus.GaugeValue, float64(counts[state]), string(state))
	}

	ch <- prometheus.MustNewConstMetric(c.moduleCountDesc, prometheus.GaugeValue, float64(c.modules.ModuleCount()))
	ch <- prometheus.MustNewConstMetric(c.moduleBytesDesc, prometheus.GaugeValue, float64(c.modules.UsedBytes()))
}
