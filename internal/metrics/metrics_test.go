package metrics_test

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/autometrics-dev/am/internal/metrics"
	"github.com/autometrics-dev/am/internal/model"
	"github.com/autometrics-dev/am/internal/registry"
	"github.com/autometrics-dev/am/internal/supervisor"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func scrape(t *testing.T, m *metrics.Metrics) string {
	t.Helper()
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	b, err := io.ReadAll(w.Body)
	require.NoError(t, err)
	return string(b)
}

func TestMetrics(t *testing.T) {
	t.Parallel()
	m := metrics.New("1.2.3")

	reg, diags := registry.Build([]model.Function{
		{QualifiedName: "billing.checkout", File: "billing.py", LineStart: 4, LineEnd: 5},
		{QualifiedName: "orders.placeOrder", File: "orders.ts", LineStart: 3, LineEnd: 3},
	}, []model.Diagnostic{
		{Kind: model.DiagnosticScan, File: "broken.py", Message: "unsupported encoding"},
		{Kind: model.DiagnosticMarker, File: "cart.py", Line: 2, Message: "malformed marker"},
		{Kind: model.DiagnosticMarker, File: "cart.py", Line: 9, Message: "malformed marker"},
	})
	snap := registry.NewStore().Publish(reg, diags, time.Now())
	m.ObserveScan(snap, 250*time.Millisecond)
	m.ObserveFetch(model.KindPrometheus, nil)
	m.ObserveFetch(model.KindPrometheus, errors.New("boom"))
	m.ObserveEngine(supervisor.Status{State: supervisor.Running, Restarts: 1})
	m.ObserveProxyError("unavailable")

	router := gin.New()
	router.Use(m.Middleware())
	router.GET("/api/functions/*name", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	for _, path := range []string{"/api/functions/a", "/api/functions/b", "/nope"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	body := scrape(t, m)
	for _, line := range []string{
		`am_build_info{version="1.2.3"} 1`,
		`am_scans_total 1`,
		`am_functions 2`,
		`am_diagnostics{kind="marker"} 2`,
		`am_diagnostics{kind="scan"} 1`,
		`am_artifact_fetches_total{kind="prometheus",result="ok"} 1`,
		`am_artifact_fetches_total{kind="prometheus",result="error"} 1`,
		`am_engine_state{state="running"} 1`,
		`am_engine_state{state="crashed"} 0`,
		`am_engine_restarts 1`,
		`am_proxy_errors_total{reason="unavailable"} 1`,
		`am_http_request_duration_seconds_count{code="204",method="GET",route="/api/functions/*name"} 2`,
		`am_http_request_duration_seconds_count{code="404",method="GET",route="unmatched"} 1`,
		`am_http_requests_active{method="GET",route="/api/functions/*name"} 0`,
	} {
		require.Contains(t, body, line)
	}
	require.Contains(t, body, "go_goroutines")
}

func TestMetrics_Nil(t *testing.T) {
	t.Parallel()
	var m *metrics.Metrics
	m.ObserveScan(nil, time.Second)
	m.ObserveFetch(model.KindSelf, nil)
	m.ObserveEngine(supervisor.Status{})
	m.ObserveProxyError("unavailable")

	router := gin.New()
	router.Use(m.Middleware())
	router.GET("/ok", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
}
