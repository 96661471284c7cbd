package scan_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/autometrics-dev/am/internal/model"
	"github.com/autometrics-dev/am/internal/scan"
	"github.com/autometrics-dev/am/internal/walk"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	billingPy = `from autometrics import autometrics

@autometrics
def checkout(cart):
    return cart.total()
`
	ordersTs = `import { autometrics } from "@autometrics/autometrics";

export const placeOrder = autometrics(async function placeOrder(order: Order) {
  return save(order);
});
`
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return dir
}

func TestRoot_TwoFiles(t *testing.T) {
	t.Parallel()
	dir := writeTree(t, map[string]string{
		"orders.ts":  ordersTs,
		"billing.py": billingPy,
		"README.md":  "# not scanned\n",
	})

	reg, diags, err := scan.New(4, nil).Root(t.Context(), dir)
	require.NoError(t, err)
	require.Empty(t, diags)

	fns := reg.Functions()
	require.Len(t, fns, 2)
	require.Equal(t, "billing.checkout", fns[0].QualifiedName)
	require.Equal(t, "billing.py", fns[0].File)
	require.Equal(t, "orders.placeOrder", fns[1].QualifiedName)
	require.Equal(t, "orders.ts", fns[1].File)
}

func TestRoot_PartialResults(t *testing.T) {
	t.Parallel()
	dir := writeTree(t, map[string]string{
		"billing.py":           billingPy,
		"broken.py":            "@autometrics\ndef f():\n    return '\xff'\n",
		"shop/cart.py":         "@autometrics(name=42)\ndef add():\n    pass\n\n@autometrics\ndef remove():\n    pass\n",
		"node_modules/x.js":    "const a = autometrics(function a() {});\n",
		".hidden/secret.py":    billingPy,
		"src/big/generated.py": "@autometrics\ndef huge():\n    pass\n" + strings.Repeat("#", scan.DefaultMaxFileSize),
	})

	s := scan.New(0, []string{"ignored"})
	reg, diags, err := s.Root(t.Context(), dir)
	require.NoError(t, err)

	var names []string
	for fn := range reg.All() {
		names = append(names, fn.QualifiedName)
	}
	require.Equal(t, []string{"billing.checkout", "shop.cart.remove"}, names)

	require.Len(t, diags, 3)
	require.Equal(t, model.DiagnosticScan, diags[0].Kind)
	require.Equal(t, "broken.py", diags[0].File)
	require.ErrorIs(t, diags[0].Err, model.ErrEncoding)
	require.Equal(t, model.DiagnosticMarker, diags[1].Kind)
	require.Equal(t, "shop/cart.py", diags[1].File)
	require.Equal(t, 1, diags[1].Line)
	require.Equal(t, "src/big/generated.py", diags[2].File)
	require.ErrorIs(t, diags[2].Err, model.ErrTooBig)

	stats := s.Stats()
	require.Equal(t, 4, stats.Files)
	require.Equal(t, 2, stats.Skipped)
}

func TestCollect_Deterministic(t *testing.T) {
	t.Parallel()
	fsys := fstest.MapFS{}
	for _, mod := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		fsys[mod+"/handlers.py"] = &fstest.MapFile{Data: []byte(
			"@autometrics\ndef get():\n    pass\n\n@autometrics\ndef put():\n    pass\n",
		)}
	}

	var want []byte
	for range 10 {
		reg, diags := scan.New(8, nil).Collect(t.Context(), walk.FS(t.Context(), fsys, "mem", nil))
		require.Empty(t, diags)
		require.Equal(t, 16, reg.Len())
		var buf bytes.Buffer
		require.NoError(t, reg.WriteJSON(&buf))
		if want == nil {
			want = bytes.Clone(buf.Bytes())
		}
		require.Equal(t, string(want), buf.String())
	}
}

func TestRoot_Missing(t *testing.T) {
	t.Parallel()
	_, _, err := scan.New(1, nil).Root(t.Context(), filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

func TestRoot_Canceled(t *testing.T) {
	t.Parallel()
	dir := writeTree(t, map[string]string{"billing.py": billingPy})
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, _, err := scan.New(1, nil).Root(ctx, dir)
	require.ErrorIs(t, err, context.Canceled)
}
