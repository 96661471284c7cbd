package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/autometrics-dev/am/internal/registry"
	"github.com/autometrics-dev/am/internal/supervisor"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "am"

type Metrics struct {
	registry *prometheus.Registry

	httpRequestsActive   *prometheus.GaugeVec
	httpRequestDurations *prometheus.HistogramVec
	proxyErrors          *prometheus.CounterVec

	scans          prometheus.Counter
	scanDurations  prometheus.Histogram
	functions      prometheus.Gauge
	diagnostics    *prometheus.GaugeVec
	fetches        *prometheus.CounterVec
	engineState    *prometheus.GaugeVec
	engineRestarts prometheus.Gauge
	buildInfo      *prometheus.GaugeVec
}

// New registers all collectors on a fresh registry together with the Go
// runtime and process collectors.
func New(version string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequestsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_active",
				Help:      "The count of current active http requests, partitioned by method and route",
			},
			[]string{"method", "route"}),
		httpRequestDurations: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Http request latency distributions, partitioned by method, route and status code",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route", "code"}),
		proxyErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proxy_errors_total",
				Help:      "Proxied requests which did not reach the engine, partitioned by reason",
			},
			[]string{"reason"}),
		scans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Completed source scans",
		}),
		scanDurations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Source scan latency distribution",
			Buckets:   prometheus.DefBuckets,
		}),
		functions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "functions",
			Help:      "Instrumented functions in the latest scan",
		}),
		diagnostics: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "diagnostics",
				Help:      "Diagnostics of the latest scan, partitioned by kind",
			},
			[]string{"kind"}),
		fetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "artifact_fetches_total",
				Help:      "Artifact fetches, partitioned by kind and result",
			},
			[]string{"kind", "result"}),
		engineState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "engine_state",
				Help:      "1 for the current state of the supervised engine",
			},
			[]string{"state"}),
		engineRestarts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engine_restarts",
			Help:      "Automatic restarts of the supervised engine",
		}),
		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "build_info",
				Help:      "Version of am",
			},
			[]string{"version"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsActive,
		m.httpRequestDurations,
		m.proxyErrors,
		m.scans,
		m.scanDurations,
		m.functions,
		m.diagnostics,
		m.fetches,
		m.engineState,
		m.engineRestarts,
		m.buildInfo,
	)
	m.buildInfo.WithLabelValues(version).Set(1)
	return m
}

// Registry is exposed for tests and for collectors registered elsewhere.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Middleware observes gin requests by route template, so path parameters
// do not inflate the label cardinality.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method
		active := m.httpRequestsActive.WithLabelValues(method, route)
		active.Inc()
		defer active.Dec()

		start := time.Now()
		c.Next()
		m.httpRequestDurations.
			WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) ObserveProxyError(reason string) {
	if m == nil {
		return
	}
	m.proxyErrors.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveScan(snap *registry.Snapshot, took time.Duration) {
	if m == nil {
		return
	}
	m.scans.Inc()
	m.scanDurations.Observe(took.Seconds())
	m.functions.Set(float64(snap.Registry.Len()))
	m.diagnostics.Reset()
	for _, d := range snap.Diagnostics {
		m.diagnostics.WithLabelValues(string(d.Kind)).Inc()
	}
}

func (m *Metrics) ObserveFetch(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.fetches.WithLabelValues(kind, result).Inc()
}

var states = []supervisor.State{
	supervisor.Uninstalled,
	supervisor.Starting,
	supervisor.Running,
	supervisor.Stopping,
	supervisor.Stopped,
	supervisor.Crashed,
}

// ObserveEngine is meant as supervisor.Config.OnChange.
func (m *Metrics) ObserveEngine(st supervisor.Status) {
	if m == nil {
		return
	}
	for _, s := range states {
		v := 0.0
		if s == st.State {
			v = 1
		}
		m.engineState.WithLabelValues(s.String()).Set(v)
	}
	m.engineRestarts.Set(float64(st.Restarts))
}
