package explorer_test

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/autometrics-dev/am/internal/explorer"
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

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w
}

// switchable is an upstream whose endpoint changes like a restarting
// engine.
type switchable struct {
	endpoint atomic.Pointer[string]
}

func (s *switchable) Endpoint() string {
	if p := s.endpoint.Load(); p != nil {
		return *p
	}
	return ""
}

func (s *switchable) Status() supervisor.Status {
	if s.Endpoint() == "" {
		return supervisor.Status{State: supervisor.Stopped}
	}
	return supervisor.Status{State: supervisor.Running, Endpoint: s.Endpoint(), Pid: 42}
}

func TestUI(t *testing.T) {
	t.Parallel()
	h := explorer.New(explorer.Config{}).Handler()

	w := get(t, h, "/")
	require.Equal(t, http.StatusFound, w.Code)
	require.Equal(t, "/explorer/", w.Header().Get("Location"))

	var testCases = []struct {
		scenario string
		path     string
		contains string
		mime     string
	}{
		{"index", "/explorer/", "<title>am explorer</title>", "text/html"},
		{"script", "/explorer/app.js", "function render()", "javascript"},
		{"stylesheet", "/explorer/style.css", "border-collapse", "text/css"},
		{"client route", "/explorer/functions/billing.checkout", "<title>am explorer</title>", "text/html"},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			w := get(t, h, tt.path)
			require.Equal(t, http.StatusOK, w.Code)
			require.Contains(t, w.Body.String(), tt.contains)
			require.Contains(t, w.Header().Get("Content-Type"), tt.mime)
		})
	}
}

func TestProxy_Unavailable(t *testing.T) {
	t.Parallel()
	h := explorer.New(explorer.Config{Upstream: explorer.Static("")}).Handler()
	w := get(t, h, "/prometheus/api/v1/query?query=up")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Equal(t, "unavailable", w.Header().Get(explorer.UpstreamHeader))
	require.JSONEq(t, `{"error":"upstream unavailable"}`, w.Body.String())
}

func TestProxy_Refused(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	h := explorer.New(explorer.Config{Upstream: explorer.Static("http://" + addr)}).Handler()
	w := get(t, h, "/prometheus/api/v1/query?query=up")
	require.Equal(t, http.StatusBadGateway, w.Code)
	require.Equal(t, "unreachable", w.Header().Get(explorer.UpstreamHeader))
	require.Contains(t, w.Body.String(), "upstream http://"+addr)
}

func TestProxy_Forward(t *testing.T) {
	t.Parallel()
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"path":  r.URL.Path,
			"query": r.URL.Query().Get("query"),
			"fwd":   r.Header.Get("X-Forwarded-Host"),
		})
	}))
	t.Cleanup(up.Close)

	var testCases = []struct {
		scenario string
		endpoint string
		path     string
		then     string
	}{
		{"engine with route prefix", up.URL + "/prometheus", "/prometheus/api/v1/query?query=up", "/prometheus/api/v1/query"},
		{"plain prometheus", up.URL, "/prometheus/api/v1/query?query=up", "/api/v1/query"},
		{"root", up.URL + "/prometheus", "/prometheus/", "/prometheus/"},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			h := explorer.New(explorer.Config{Upstream: explorer.Static(tt.endpoint)}).Handler()
			w := get(t, h, tt.path)
			require.Equal(t, http.StatusOK, w.Code)
			var got map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
			require.Equal(t, tt.then, got["path"])
			require.Equal(t, "example.com", got["fwd"])
			if strings.Contains(tt.path, "query=") {
				require.Equal(t, "up", got["query"])
			}
		})
	}
}

func TestProxy_FollowsEndpoint(t *testing.T) {
	t.Parallel()
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "Prometheus Server is Healthy.\n")
	}))
	t.Cleanup(up.Close)

	upstream := &switchable{}
	h := explorer.New(explorer.Config{Upstream: upstream}).Handler()
	require.Equal(t, http.StatusServiceUnavailable, get(t, h, "/prometheus/-/healthy").Code)

	endpoint := up.URL
	upstream.endpoint.Store(&endpoint)
	w := get(t, h, "/prometheus/-/healthy")
	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, w.Header().Get(explorer.UpstreamHeader))

	empty := ""
	upstream.endpoint.Store(&empty)
	require.Equal(t, http.StatusServiceUnavailable, get(t, h, "/prometheus/-/healthy").Code)
}

func TestAPI(t *testing.T) {
	t.Parallel()
	store := registry.NewStore()
	m := metrics.New("0.9.0")
	upstream := &switchable{}
	h := explorer.New(explorer.Config{
		Upstream: upstream,
		Store:    store,
		Metrics:  m,
		Version:  "0.9.0",
	}).Handler()

	t.Run("before first scan", func(t *testing.T) {
		w := get(t, h, "/api/functions")
		require.Equal(t, http.StatusOK, w.Code)
		require.JSONEq(t, `[]`, w.Body.String())
		require.Equal(t, "0", w.Header().Get("X-Am-Generation"))
		require.JSONEq(t, `[]`, get(t, h, "/api/diagnostics").Body.String())
		require.JSONEq(t, `{
			"version": "0.9.0",
			"engine": {"state": "stopped", "since": "0001-01-01T00:00:00Z", "restarts": 0},
			"registry": {"generation": 0, "functions": 0, "diagnostics": 0}
		}`, get(t, h, "/api/status").Body.String())
	})

	reg, diags := registry.Build([]model.Function{
		{QualifiedName: "billing.checkout", Module: "billing", File: "billing.py", LineStart: 4, LineEnd: 5, Language: model.LanguagePython, MetricNames: []string{"function_calls_total"}},
		{QualifiedName: "util.retry", Module: "util", File: "a/util.py", LineStart: 1, LineEnd: 2, Language: model.LanguagePython},
		{QualifiedName: "util.retry", Module: "util", File: "b/util.py", LineStart: 1, LineEnd: 2, Language: model.LanguagePython},
	}, []model.Diagnostic{
		{Kind: model.DiagnosticScan, File: "broken.py", Message: "scanning broken.py: unsupported encoding"},
	})
	scannedAt := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	store.Publish(reg, diags, scannedAt)
	endpoint := "http://127.0.0.1:9090/prometheus"
	upstream.endpoint.Store(&endpoint)

	t.Run("functions", func(t *testing.T) {
		w := get(t, h, "/api/functions")
		require.Equal(t, http.StatusOK, w.Code)
		require.Equal(t, "1", w.Header().Get("X-Am-Generation"))
		want, err := json.Marshal(reg)
		require.NoError(t, err)
		require.JSONEq(t, string(want), w.Body.String())
	})

	t.Run("function", func(t *testing.T) {
		w := get(t, h, "/api/functions/billing.checkout")
		require.Equal(t, http.StatusOK, w.Code)
		require.JSONEq(t, `{
			"qualifiedName": "billing.checkout",
			"module": "billing",
			"file": "billing.py",
			"lineStart": 4,
			"lineEnd": 5,
			"language": "python",
			"metricNames": ["function_calls_total"],
			"ambiguous": false
		}`, w.Body.String())
	})

	t.Run("ambiguous function", func(t *testing.T) {
		w := get(t, h, "/api/functions/util.retry")
		require.Equal(t, http.StatusOK, w.Code)
		var got struct {
			File         string           `json:"file"`
			Ambiguous    bool             `json:"ambiguous"`
			Declarations []model.Function `json:"declarations"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		require.Equal(t, "a/util.py", got.File)
		require.True(t, got.Ambiguous)
		require.Len(t, got.Declarations, 2)
	})

	t.Run("unknown function", func(t *testing.T) {
		w := get(t, h, "/api/functions/nope")
		require.Equal(t, http.StatusNotFound, w.Code)
		require.JSONEq(t, `{"error":"function nope not found"}`, w.Body.String())
	})

	t.Run("diagnostics", func(t *testing.T) {
		w := get(t, h, "/api/diagnostics")
		var got []model.Diagnostic
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		require.Len(t, got, 2)
		require.Equal(t, model.DiagnosticDuplicate, got[0].Kind)
		require.Equal(t, "b/util.py", got[0].File)
		require.Equal(t, model.DiagnosticScan, got[1].Kind)
	})

	t.Run("status", func(t *testing.T) {
		require.JSONEq(t, `{
			"version": "0.9.0",
			"upstream": "http://127.0.0.1:9090/prometheus",
			"engine": {"state": "running", "endpoint": "http://127.0.0.1:9090/prometheus", "since": "0001-01-01T00:00:00Z", "pid": 42, "restarts": 0},
			"registry": {"generation": 1, "scannedAt": "2026-10-15T12:00:00Z", "functions": 3, "diagnostics": 2}
		}`, get(t, h, "/api/status").Body.String())
	})

	t.Run("metrics", func(t *testing.T) {
		w := get(t, h, "/metrics")
		require.Equal(t, http.StatusOK, w.Code)
		require.Contains(t, w.Body.String(), `am_build_info{version="0.9.0"} 1`)
		require.Contains(t, w.Body.String(), `route="/api/functions/:name"`)
	})
}

func TestServe(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		done <- explorer.New(explorer.Config{Version: "0.9.0"}).Serve(ctx, ln)
	}()

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get("http://" + ln.Addr().String() + "/api/status")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, resp.Body.Close())

	cancel()
	require.NoError(t, <-done)
}

func TestSetMode(t *testing.T) {
	t.Cleanup(func() {
		gin.SetMode(gin.TestMode)
	})
	explorer.SetMode(false)
	require.Equal(t, gin.ReleaseMode, gin.Mode())
	explorer.SetMode(true)
	require.Equal(t, gin.DebugMode, gin.Mode())
}
