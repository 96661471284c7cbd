package service_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/autometrics-dev/am/internal/service"

	"github.com/stretchr/testify/require"
)

func project(t *testing.T) service.Options {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "app.py"), []byte(checkoutPy), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "node_modules", "x"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "node_modules", "x", "index.py"), []byte(checkoutPy), 0o644))
	return service.Options{Root: root}
}

func TestList(t *testing.T) {
	t.Parallel()
	opts := project(t)

	t.Run("table", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		require.NoError(t, service.List(t.Context(), opts, &buf, service.FormatTable))
		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		require.Len(t, lines, 2)
		require.Equal(t, []string{"FUNCTION", "LANGUAGE", "LOCATION", "METRICS"}, strings.Fields(lines[0]))
		require.Equal(t, []string{"app.checkout", "python", "app.py:5", "checkout_calls_total,", "checkout_duration_seconds"}, strings.Fields(lines[1]))
	})

	t.Run("json", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		require.NoError(t, service.List(t.Context(), opts, &buf, service.FormatJSON))
		require.JSONEq(t, `[{
			"qualifiedName": "app.checkout",
			"module": "app",
			"file": "app.py",
			"lineStart": 5,
			"lineEnd": 6,
			"language": "python",
			"metricNames": ["checkout_calls_total", "checkout_duration_seconds"]
		}]`, buf.String())
	})

	t.Run("unsupported format", func(t *testing.T) {
		t.Parallel()
		require.Error(t, service.List(t.Context(), opts, &bytes.Buffer{}, "xml"))
	})

	t.Run("missing root", func(t *testing.T) {
		t.Parallel()
		err := service.List(t.Context(), service.Options{Root: filepath.Join(opts.Root, "missing")}, &bytes.Buffer{}, "")
		require.Error(t, err)
	})
}
