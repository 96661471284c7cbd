package registry_test

import (
	"bytes"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/autometrics-dev/am/internal/model"
	"github.com/autometrics-dev/am/internal/registry"
	"github.com/stretchr/testify/require"
)

func fn(name, file string, line int, metrics ...string) model.Function {
	if len(metrics) == 0 {
		metrics = []string{"function_calls_total", "function_calls_duration_seconds"}
	}
	return model.Function{
		QualifiedName: name,
		Module:        "",
		File:          file,
		LineStart:     line,
		LineEnd:       line + 2,
		Language:      model.LanguagePython,
		MetricNames:   metrics,
	}
}

func TestBuild_Deterministic(t *testing.T) {
	t.Parallel()
	funcs := []model.Function{
		fn("orders.placeOrder", "orders.ts", 3),
		fn("billing.checkout", "billing.py", 4),
		fn("billing.refund", "billing.py", 12),
		fn("api.get", "api/handlers.py", 7),
	}
	diags := []model.Diagnostic{
		model.NewDiagnostic(&model.ScanError{Path: "z.py", Err: model.ErrEncoding}),
		model.NewDiagnostic(&model.MarkerError{Path: "a.py", Line: 1, Reason: "bad"}),
	}

	var want []byte
	for range 20 {
		shuffled := append([]model.Function(nil), funcs...)
		rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		reg, gotDiags := registry.Build(shuffled, diags)
		var buf bytes.Buffer
		require.NoError(t, reg.WriteJSON(&buf))
		if want == nil {
			want = buf.Bytes()
		}
		require.Equal(t, string(want), buf.String())
		require.Equal(t, "a.py", gotDiags[0].File)
		require.Equal(t, "z.py", gotDiags[1].File)
	}

	reg, _ := registry.Build(funcs, nil)
	var names []string
	for f := range reg.All() {
		names = append(names, f.QualifiedName)
	}
	require.Equal(t, []string{"api.get", "billing.checkout", "billing.refund", "orders.placeOrder"}, names)
}

func TestWriteJSON(t *testing.T) {
	t.Parallel()
	reg, _ := registry.Build([]model.Function{fn("billing.checkout", "billing.py", 4)}, nil)
	var buf bytes.Buffer
	require.NoError(t, reg.WriteJSON(&buf))
	require.Equal(t, `[
  {
    "qualifiedName": "billing.checkout",
    "module": "",
    "file": "billing.py",
    "lineStart": 4,
    "lineEnd": 6,
    "language": "python",
    "metricNames": [
      "function_calls_total",
      "function_calls_duration_seconds"
    ]
  }
]
`, buf.String())

	buf.Reset()
	require.NoError(t, registry.Empty().WriteJSON(&buf))
	require.Equal(t, "[]\n", buf.String())
}

func TestBuild_Duplicates(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario  string
		given     []model.Function
		then      []string
		ambiguous bool
	}{
		{
			scenario: "same name in distinct modules",
			given: []model.Function{
				fn("billing.checkout", "billing.py", 1),
				fn("orders.checkout", "orders.py", 1),
			},
			then: []string{"billing.checkout@billing.py:1", "orders.checkout@orders.py:1"},
		},
		{
			scenario: "same name in the same file",
			given: []model.Function{
				fn("billing.checkout", "billing.py", 9),
				fn("billing.checkout", "billing.py", 1),
			},
			then: []string{"billing.checkout@billing.py:1"},
		},
		{
			scenario: "same name across files",
			given: []model.Function{
				fn("app.main", "src/app.py", 1),
				fn("app.main", "app.py", 5),
			},
			then:      []string{"app.main@app.py:5", "app.main@src/app.py:1"},
			ambiguous: true,
		},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			reg, diags := registry.Build(tt.given, nil)
			var got []string
			for f := range reg.All() {
				got = append(got, f.QualifiedName+"@"+f.Location().String())
			}
			require.Equal(t, tt.then, got)
			wantDiags := 0
			if reg.Len() < len(tt.given) || tt.ambiguous {
				wantDiags = 1
			}
			require.Len(t, diags, wantDiags)
			for _, d := range diags {
				require.Equal(t, model.DiagnosticDuplicate, d.Kind)
				var dup *model.DuplicateNameError
				require.ErrorAs(t, d.Err, &dup)
			}
			require.Equal(t, tt.ambiguous, reg.Ambiguous(tt.given[0].QualifiedName))
		})
	}

	t.Run("lookup returns the first in canonical order", func(t *testing.T) {
		t.Parallel()
		reg, _ := registry.Build([]model.Function{
			fn("app.main", "src/app.py", 1, "b_calls_total"),
			fn("app.main", "app.py", 5, "a_calls_total"),
		}, nil)
		got, ok := reg.Lookup("app.main")
		require.True(t, ok)
		require.Equal(t, "app.py", got.File)
		require.Equal(t, []string{"a_calls_total", "build_info"}, reg.MetricNames())

		_, ok = reg.Lookup("missing")
		require.False(t, ok)
	})
}

func TestScrapeTargets(t *testing.T) {
	t.Parallel()
	reg, _ := registry.Build([]model.Function{
		fn("billing.checkout", "billing.py", 4),
		fn("billing.refund", "billing.py", 9, "refunds_calls_total", "refunds_duration_seconds"),
	}, nil)

	first, err := model.ParseEndpoint("localhost:3000")
	require.NoError(t, err)
	second, err := model.ParseEndpoint("https://api.internal/custom")
	require.NoError(t, err)

	got := reg.ScrapeTargets([]model.Endpoint{first, second})
	keep := []string{
		"build_info",
		"function_calls_duration_seconds",
		"function_calls_total",
		"refunds_calls_total",
		"refunds_duration_seconds",
	}
	require.Equal(t, []registry.ScrapeTarget{
		{Job: "app", Scheme: "http", Target: "localhost:3000", MetricsPath: "/metrics", Keep: keep},
		{Job: "app_2", Scheme: "https", Target: "api.internal", MetricsPath: "/custom", Keep: keep},
	}, got)
	require.Empty(t, reg.ScrapeTargets(nil))
}

func TestStore(t *testing.T) {
	t.Parallel()
	store := registry.NewStore()
	initial := store.Load()
	require.Zero(t, initial.Generation)
	require.Zero(t, initial.Registry.Len())

	ch, unsubscribe := store.Subscribe()
	reg, diags := registry.Build([]model.Function{fn("a.b", "a.py", 1)}, nil)
	now := time.Now()
	store.Publish(reg, diags, now)
	store.Publish(reg, diags, now.Add(time.Second))

	// the slow subscriber sees only the newest snapshot
	snap := <-ch
	require.EqualValues(t, 2, snap.Generation)
	require.Same(t, snap, store.Load())

	unsubscribe()
	unsubscribe()
	_, ok := <-ch
	require.False(t, ok)
	store.Publish(reg, diags, now)
	require.EqualValues(t, 3, store.Load().Generation)
}
