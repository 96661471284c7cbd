package watch_test

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/autometrics-dev/am/internal/watch"

	"github.com/stretchr/testify/require"
)

type recorder struct {
	mx      sync.Mutex
	changed []string
}

func (r *recorder) handle(_ context.Context, changed []string) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.changed = append(r.changed, changed...)
}

func (r *recorder) has(p string) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	return slices.Contains(r.changed, p)
}

func (r *recorder) all() []string {
	r.mx.Lock()
	defer r.mx.Unlock()
	return slices.Clone(r.changed)
}

func write(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func TestWatcher(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	write(t, root, "src/app.py", "def f(): pass\n")
	write(t, root, "node_modules/lib/index.js", "x")

	w, err := watch.New(root, []string{"generated"}, 20*time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	var rec recorder
	done := make(chan error, 1)
	go func() {
		done <- w.Do(ctx, rec.handle)
	}()

	write(t, root, "src/app.py", "@autometrics\ndef f(): pass\n")
	write(t, root, "node_modules/lib/index.js", "y")
	write(t, root, "README.md", "docs")
	require.Eventually(t, func() bool {
		return rec.has("src/app.py")
	}, 5*time.Second, 10*time.Millisecond)

	// sources in a new directory are picked up once it is watched
	require.NoError(t, os.MkdirAll(filepath.Join(root, "pkg", "api"), 0o755))
	require.Eventually(t, func() bool {
		return rec.has("pkg")
	}, 5*time.Second, 10*time.Millisecond)
	write(t, root, "pkg/api/api.go", "package api\n")
	require.Eventually(t, func() bool {
		return rec.has("pkg/api/api.go")
	}, 5*time.Second, 10*time.Millisecond)

	write(t, root, "generated/gen.go", "package gen\n")
	write(t, root, "main.rs", "fn main() {}\n")
	require.Eventually(t, func() bool {
		return rec.has("main.rs")
	}, 5*time.Second, 10*time.Millisecond)

	for _, p := range rec.all() {
		require.NotContains(t, []string{"README.md", "node_modules/lib/index.js", "generated/gen.go"}, p)
	}

	cancel()
	require.NoError(t, <-done)
}

func TestNew_MissingRoot(t *testing.T) {
	t.Parallel()
	_, err := watch.New(filepath.Join(t.TempDir(), "missing"), nil, 0)
	require.Error(t, err)
}
