package service_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/autometrics-dev/am/internal/model"
	"github.com/autometrics-dev/am/internal/service"
	"github.com/autometrics-dev/am/internal/supervisor"

	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	if slices.ContainsFunc(os.Args, func(a string) bool {
		return strings.HasPrefix(a, "--web.listen-address=")
	}) {
		os.Exit(runFakePrometheus(os.Args[1:]))
	}
	os.Exit(m.Run())
}

// runFakePrometheus understands the flags am starts Prometheus with and
// serves the configuration it loaded.
func runFakePrometheus(args []string) int {
	fs := flag.NewFlagSet("prometheus", flag.ContinueOnError)
	configFile := fs.String("config.file", "", "")
	_ = fs.String("storage.tsdb.path", "", "")
	listen := fs.String("web.listen-address", "", "")
	_ = fs.Bool("web.enable-lifecycle", false, "")
	external := fs.String("web.external-url", "", "")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	u, err := url.Parse(*external)
	if err != nil {
		return 2
	}
	prefix := strings.TrimSuffix(u.Path, "/")

	var mx sync.Mutex
	var loaded string
	load := func() error {
		b, err := os.ReadFile(*configFile)
		if err != nil {
			return err
		}
		mx.Lock()
		loaded = string(b)
		mx.Unlock()
		return nil
	}
	if err := load(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+prefix+"/-/healthy", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "Prometheus Server is Healthy.")
	})
	mux.HandleFunc("POST "+prefix+"/-/reload", func(w http.ResponseWriter, _ *http.Request) {
		if err := load(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	mux.HandleFunc("GET "+prefix+"/api/v1/status/config", func(w http.ResponseWriter, _ *http.Request) {
		mx.Lock()
		defer mx.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"data":   map[string]string{"yaml": loaded},
		})
	})

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	go func() {
		_ = http.Serve(ln, mux)
	}()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, os.Interrupt)
	<-sigs
	return 0
}

type fakeResolver struct {
	err error
}

func (f fakeResolver) Resolve(_ context.Context, kind, constraint string, p model.Platform) (model.Artifact, error) {
	if f.err != nil {
		return model.Artifact{}, f.err
	}
	return model.Artifact{Kind: kind, Version: "2.45.0", Platform: p}, nil
}

// fakeInstaller "installs" the test binary, which turns into a fake
// Prometheus when started with Prometheus flags.
type fakeInstaller struct {
	installed bool
}

func (f fakeInstaller) Fetch(_ context.Context, a model.Artifact) (model.InstalledArtifact, error) {
	return model.InstalledArtifact{Kind: a.Kind, Version: a.Version, Binary: os.Args[0], Active: true}, nil
}

func (f fakeInstaller) Installed(_ context.Context, kind string) (model.InstalledArtifact, error) {
	if !f.installed {
		return model.InstalledArtifact{}, fmt.Errorf("%s: %w", kind, model.ErrNotInstalled)
	}
	return model.InstalledArtifact{Kind: kind, Version: "2.44.0", Binary: os.Args[0], Active: true}, nil
}

const checkoutPy = `from autometrics import autometrics


@autometrics(name="checkout")
def checkout(cart):
    return cart
`

const refundPy = `

@autometrics(name="refund")
def refund(order):
    return order
`

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func options(t *testing.T) service.Options {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "app.py"), []byte(checkoutPy), 0o644))
	data := t.TempDir()
	return service.Options{
		Root:         root,
		Watch:        true,
		Endpoints:    []model.Endpoint{{Scheme: "http", Host: "127.0.0.1:1", MetricsPath: "/metrics"}},
		EngineListen: freeAddr(t),
		DataDir:      data,
		ConfigFile:   filepath.Join(data, "prometheus.yml"),
		Platform:     model.CurrentPlatform(),
		Supervisor: supervisor.Config{
			StartupTimeout: 10 * time.Second,
			ProbeInterval:  100 * time.Millisecond,
			ProbeFailures:  3,
			Cooldown:       time.Minute,
			GracePeriod:    5 * time.Second,
		},
	}
}

// start runs the session until the test ends and returns the explorer
// base URL.
func start(t *testing.T, opts service.Options, deps service.Deps) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake prometheus relies on SIGTERM")
	}
	s, err := service.NewSession(opts, deps)
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		done <- s.Do(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return "http://" + ln.Addr().String()
}

var client = &http.Client{
	Timeout:   5 * time.Second,
	Transport: &http.Transport{DisableKeepAlives: true},
}

func fetch(t *testing.T, u string) (int, string) {
	t.Helper()
	resp, err := client.Get(u)
	if err != nil {
		return 0, err.Error()
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func engineState(t *testing.T, base string) string {
	t.Helper()
	code, body := fetch(t, base+"/api/status")
	if code != http.StatusOK {
		return ""
	}
	var status struct {
		Engine *supervisor.Status `json:"engine"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &status))
	if status.Engine == nil {
		return ""
	}
	return status.Engine.State.String()
}

func TestSession(t *testing.T) {
	t.Parallel()
	opts := options(t)
	base := start(t, opts, service.Deps{Resolver: fakeResolver{}, Installer: fakeInstaller{}})

	require.Eventually(t, func() bool {
		return engineState(t, base) == "running"
	}, 15*time.Second, 50*time.Millisecond)

	code, body := fetch(t, base+"/api/functions/app.checkout")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, `"checkout_calls_total"`)

	code, body = fetch(t, base+"/prometheus/api/v1/status/config")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "checkout_calls_total")
	require.NotContains(t, body, "refund_calls_total")

	f, err := os.OpenFile(filepath.Join(opts.Root, "app.py"), os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString(refundPy)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.Eventually(t, func() bool {
		code, body := fetch(t, base+"/prometheus/api/v1/status/config")
		return code == http.StatusOK && strings.Contains(body, "refund_calls_total")
	}, 15*time.Second, 50*time.Millisecond)

	code, _ = fetch(t, base+"/api/functions/app.refund")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "running", engineState(t, base))
}

func TestSession_EngineUnavailable(t *testing.T) {
	t.Parallel()
	opts := options(t)
	opts.Watch = false
	base := start(t, opts, service.Deps{
		Resolver:  fakeResolver{err: fmt.Errorf("prometheus: %w", model.ErrNoMatchingRelease)},
		Installer: fakeInstaller{},
	})

	require.Eventually(t, func() bool {
		code, _ := fetch(t, base+"/api/functions")
		return code == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	code, body := fetch(t, base+"/prometheus/api/v1/query?query=up")
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.JSONEq(t, `{"error":"upstream unavailable"}`, body)
	require.Equal(t, "uninstalled", engineState(t, base))

	code, body = fetch(t, base+"/api/functions/app.checkout")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, `"app.py"`)
}

// syncBuffer collects log output written from several goroutines.
type syncBuffer struct {
	mx  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.buf.String()
}

// not parallel, it replaces the default logger
func TestSession_ListenerLogged(t *testing.T) {
	var logs syncBuffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&logs, nil)))
	t.Cleanup(func() {
		slog.SetDefault(prev)
	})

	opts := options(t)
	opts.Watch = false
	base := start(t, opts, service.Deps{
		Resolver:  fakeResolver{err: fmt.Errorf("prometheus: %w", model.ErrNoMatchingRelease)},
		Installer: fakeInstaller{},
	})
	require.Eventually(t, func() bool {
		code, _ := fetch(t, base+"/api/functions")
		return code == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "explorer listening")
	}, 5*time.Second, 20*time.Millisecond)
	require.Equal(t, 1, strings.Count(logs.String(), "explorer listening"), logs.String())
}

func TestSession_Offline(t *testing.T) {
	t.Parallel()
	opts := options(t)
	opts.Watch = false
	offline := &model.NetworkError{Op: "GET", URL: "https://api.github.com", Attempts: 5, Err: errors.New("dial tcp: no route to host")}
	base := start(t, opts, service.Deps{
		Resolver:  fakeResolver{err: offline},
		Installer: fakeInstaller{installed: true},
	})
	require.Eventually(t, func() bool {
		return engineState(t, base) == "running"
	}, 15*time.Second, 50*time.Millisecond)
}

func TestNewSession(t *testing.T) {
	t.Parallel()
	_, err := service.NewSession(service.Options{Root: t.TempDir()}, service.Deps{})
	require.Error(t, err)

	deps := service.Deps{Resolver: fakeResolver{}, Installer: fakeInstaller{}}
	_, err = service.NewSession(service.Options{Root: filepath.Join(t.TempDir(), "missing")}, deps)
	require.Error(t, err)

	file := filepath.Join(t.TempDir(), "app.py")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err = service.NewSession(service.Options{Root: file}, deps)
	require.Error(t, err)
}
