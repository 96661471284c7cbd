package model_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/autometrics-dev/am/internal/model"
	"github.com/stretchr/testify/require"
)

func TestQualify(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    []string
		then     string
	}{
		{"python", []string{"billing", "checkout"}, "billing.checkout"},
		{"rust path", []string{"api::v1", "Handler", "get"}, "api.v1.Handler.get"},
		{"slash path", []string{"orders/service", "place"}, "orders.service.place"},
		{"empty module", []string{"", "main"}, "main"},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.then, model.Qualify(tt.given...))
		})
	}
}

func TestNewDiagnostic(t *testing.T) {
	t.Parallel()

	d := model.NewDiagnostic(&model.MarkerError{Path: "a.py", Line: 3, Reason: "not a function"})
	require.Equal(t, model.DiagnosticMarker, d.Kind)
	require.Equal(t, "a.py", d.File)
	require.Equal(t, 3, d.Line)

	d = model.NewDiagnostic(fmt.Errorf("wrapped: %w", &model.ScanError{Path: "b.rs", Err: model.ErrEncoding}))
	require.Equal(t, model.DiagnosticScan, d.Kind)
	require.Equal(t, "b.rs", d.File)
	require.ErrorIs(t, d.Err, model.ErrEncoding)

	d = model.NewDiagnostic(&model.DuplicateNameError{
		QualifiedName: "x.f",
		First:         model.Location{File: "x.py", Line: 1},
		Second:        model.Location{File: "x.py", Line: 9},
	})
	require.Equal(t, model.DiagnosticDuplicate, d.Kind)
	require.Equal(t, 9, d.Line)

	d = model.NewDiagnostic(errors.New("boom"))
	require.Equal(t, model.DiagnosticInternal, d.Kind)
}

func TestProxyUpstreamError(t *testing.T) {
	t.Parallel()
	err := &model.ProxyUpstreamError{Endpoint: "127.0.0.1:9090", Err: errors.New("refused")}
	require.ErrorIs(t, err, model.ErrUpstreamUnavailable)
	require.EqualError(t, err, "upstream 127.0.0.1:9090: refused")
	require.EqualError(t, &model.ProxyUpstreamError{}, "upstream unavailable")
}

func TestParsePlatform(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
		then     model.Platform
		triple   string
	}{
		{"go style", "linux-amd64", model.Platform{OS: "linux", Arch: "amd64"}, "x86_64-unknown-linux-gnu"},
		{"slash", "darwin/arm64", model.Platform{OS: "darwin", Arch: "arm64"}, "aarch64-apple-darwin"},
		{"triple", "x86_64-pc-windows-msvc", model.Platform{OS: "windows", Arch: "amd64"}, "x86_64-pc-windows-msvc"},
		{"rust arch", "linux-aarch64", model.Platform{OS: "linux", Arch: "arm64"}, "aarch64-unknown-linux-gnu"},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			p, err := model.ParsePlatform(tt.given)
			require.NoError(t, err)
			require.Equal(t, tt.then, p)
			triple, err := p.Triple()
			require.NoError(t, err)
			require.Equal(t, tt.triple, triple)
		})
	}

	_, err := model.ParsePlatform("plan9")
	require.ErrorIs(t, err, model.ErrUnsupportedPlatform)
	_, err = model.Platform{OS: "plan9", Arch: "386"}.Triple()
	require.ErrorIs(t, err, model.ErrUnsupportedPlatform)
}

func TestParseEndpoint(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
		then     model.Endpoint
	}{
		{"full", "https://api.example.com:8443/custom", model.Endpoint{Scheme: "https", Host: "api.example.com:8443", MetricsPath: "/custom"}},
		{"default path", "http://localhost:3000", model.Endpoint{Scheme: "http", Host: "localhost:3000", MetricsPath: "/metrics"}},
		{"no scheme", "localhost:3000/metrics", model.Endpoint{Scheme: "http", Host: "localhost:3000", MetricsPath: "/metrics"}},
		{"port only", ":3000", model.Endpoint{Scheme: "http", Host: "localhost:3000", MetricsPath: "/metrics"}},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			e, err := model.ParseEndpoint(tt.given)
			require.NoError(t, err)
			require.Equal(t, tt.then, e)
		})
	}

	_, err := model.ParseEndpoint("ftp://example.com")
	require.Error(t, err)
	_, err = model.ParseEndpoint("")
	require.Error(t, err)
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	d, err := model.ParseDuration("1d2h3m4s")
	require.NoError(t, err)
	require.Equal(t, 26*time.Hour+3*time.Minute+4*time.Second, d)

	_, err = model.ParseDuration("")
	require.Error(t, err)
	_, err = model.ParseDuration("4s3m")
	require.Error(t, err)
}

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	for _, expr := range []string{"@daily", "@every 6h", "*/15 * * * *"} {
		_, err := model.ParseSchedule(expr)
		require.NoError(t, err, expr)
	}
	_, err := model.ParseSchedule("* * 32 * *")
	require.Error(t, err)
	_, err = model.ParseSchedule(" ")
	require.EqualError(t, err, "empty cron expression")
}
