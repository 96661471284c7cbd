// Package explorer serves the explorer UI, read access to the latest scan
// and a proxy to the supervised engine, all on one local listener.
//
// Routes:
//
//	GET  /                      redirect to /explorer/
//	GET  /explorer/*path        embedded UI bundle
//	ANY  /prometheus/*path      reverse proxy to the current engine endpoint
//	GET  /api/functions         registry of the latest scan
//	GET  /api/functions/:name   single function by qualified name
//	GET  /api/diagnostics       diagnostics of the latest scan
//	GET  /api/status            engine and scan status
//	GET  /metrics               am's own metrics
package explorer

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/autometrics-dev/am/internal/metrics"
	"github.com/autometrics-dev/am/internal/model"
	"github.com/autometrics-dev/am/internal/registry"
	"github.com/autometrics-dev/am/internal/supervisor"

	"github.com/gin-gonic/gin"
)

const (
	UIPrefix    = "/explorer"
	ProxyPrefix = "/prometheus"

	// UpstreamHeader is set on proxy responses not coming from the engine.
	UpstreamHeader = "X-Am-Upstream"
)

//go:embed ui
var bundle embed.FS

// Upstream reports where queries are forwarded to. An empty endpoint means
// no engine is available right now.
type Upstream interface {
	Endpoint() string
}

// SetMode switches gin between its debug mode, which prints the routes and
// its warnings, and release mode. The mode is process wide.
func SetMode(verbose bool) {
	if verbose {
		gin.SetMode(gin.DebugMode)
		return
	}
	gin.SetMode(gin.ReleaseMode)
}

// Static is an upstream which never changes.
type Static string

func (s Static) Endpoint() string {
	return string(s)
}

type Config struct {
	Upstream Upstream
	// Store is the source of the scan snapshots, nil serves an empty
	// registry.
	Store   *registry.Store
	Metrics *metrics.Metrics
	Version string
}

type Server struct {
	upstream Upstream
	store    *registry.Store
	metrics  *metrics.Metrics
	version  string
	ui       fs.FS
	proxy    *httputil.ReverseProxy
	router   *gin.Engine
}

type targetKey struct{}

func New(cfg Config) *Server {
	ui, err := fs.Sub(bundle, "ui")
	if err != nil {
		panic(err)
	}
	s := &Server{
		upstream: cfg.Upstream,
		store:    cfg.Store,
		metrics:  cfg.Metrics,
		version:  cfg.Version,
		ui:       ui,
	}
	if s.upstream == nil {
		s.upstream = Static("")
	}
	if s.store == nil {
		s.store = registry.NewStore()
	}
	s.proxy = &httputil.ReverseProxy{
		Rewrite:      rewrite,
		ErrorHandler: s.proxyError,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), logRequests(), s.metrics.Middleware())

	r.GET("/", func(c *gin.Context) {
		c.Redirect(http.StatusFound, UIPrefix+"/")
	})
	r.GET(UIPrefix+"/*path", s.serveUI)
	r.HEAD(UIPrefix+"/*path", s.serveUI)
	r.Any(ProxyPrefix+"/*path", s.serveProxy)

	api := r.Group("/api")
	api.GET("/functions", s.functions)
	api.GET("/functions/:name", s.function)
	api.GET("/diagnostics", s.diagnostics)
	api.GET("/status", s.status)

	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	return r
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	slog.InfoContext(ctx, "explorer listening", "url", "http://"+ln.Addr().String()+UIPrefix+"/")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	if serr := <-errCh; !errors.Is(serr, http.ErrServerClosed) && err == nil {
		err = serr
	}
	return err
}

func logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.DebugContext(c.Request.Context(), "http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"took", time.Since(start),
		)
	}
}

func (s *Server) serveUI(c *gin.Context) {
	name := strings.TrimPrefix(c.Param("path"), "/")
	if name == "" {
		name = "index.html"
	}
	// unknown paths are client side routes
	if info, err := fs.Stat(s.ui, name); err != nil || info.IsDir() {
		name = "index.html"
	}
	http.ServeFileFS(c.Writer, c.Request, s.ui, name)
}

func (s *Server) serveProxy(c *gin.Context) {
	endpoint := s.upstream.Endpoint()
	if endpoint == "" {
		s.metrics.ObserveProxyError("unavailable")
		c.Header(UpstreamHeader, "unavailable")
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": model.ErrUpstreamUnavailable.Error()})
		return
	}
	target, err := url.Parse(endpoint)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("invalid upstream %q", endpoint)})
		return
	}
	ctx := context.WithValue(c.Request.Context(), targetKey{}, target)
	s.proxy.ServeHTTP(c.Writer, c.Request.WithContext(ctx))
}

// rewrite maps /prometheus/<path> to <endpoint>/<path>.
func rewrite(r *httputil.ProxyRequest) {
	target := r.In.Context().Value(targetKey{}).(*url.URL)
	r.Out.URL.Path = strings.TrimPrefix(r.In.URL.Path, ProxyPrefix)
	r.Out.URL.RawPath = strings.TrimPrefix(r.In.URL.RawPath, ProxyPrefix)
	r.SetURL(target)
	r.SetXForwarded()
}

func (s *Server) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	if ctx.Err() != nil {
		// the client went away
		return
	}
	var endpoint string
	if target, ok := ctx.Value(targetKey{}).(*url.URL); ok {
		endpoint = target.String()
	}
	perr := &model.ProxyUpstreamError{Endpoint: endpoint, Err: err}
	slog.WarnContext(ctx, "proxying to engine failed", "err", perr)
	s.metrics.ObserveProxyError("unreachable")

	w.Header().Set(UpstreamHeader, "unreachable")
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusBadGateway)
	_ = json.NewEncoder(w).Encode(gin.H{"error": perr.Error()})
}

func (s *Server) functions(c *gin.Context) {
	snap := s.store.Load()
	c.Header("X-Am-Generation", fmt.Sprint(snap.Generation))
	c.JSON(http.StatusOK, snap.Registry)
}

type functionResponse struct {
	model.Function
	Ambiguous    bool             `json:"ambiguous"`
	Declarations []model.Function `json:"declarations,omitempty"`
}

func (s *Server) function(c *gin.Context) {
	reg := s.store.Load().Registry
	name := c.Param("name")
	fn, ok := reg.Lookup(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("function %s not found", name)})
		return
	}
	resp := functionResponse{Function: fn}
	if reg.Ambiguous(name) {
		resp.Ambiguous = true
		for f := range reg.All() {
			if f.QualifiedName == name {
				resp.Declarations = append(resp.Declarations, f)
			}
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) diagnostics(c *gin.Context) {
	diags := s.store.Load().Diagnostics
	if diags == nil {
		diags = []model.Diagnostic{}
	}
	c.JSON(http.StatusOK, diags)
}

type registryStatus struct {
	Generation  uint64    `json:"generation"`
	ScannedAt   time.Time `json:"scannedAt,omitzero"`
	Functions   int       `json:"functions"`
	Diagnostics int       `json:"diagnostics"`
}

type statusResponse struct {
	Version  string             `json:"version"`
	Upstream string             `json:"upstream,omitempty"`
	Engine   *supervisor.Status `json:"engine,omitempty"`
	Registry registryStatus     `json:"registry"`
}

func (s *Server) status(c *gin.Context) {
	snap := s.store.Load()
	resp := statusResponse{
		Version:  s.version,
		Upstream: s.upstream.Endpoint(),
		Registry: registryStatus{
			Generation:  snap.Generation,
			ScannedAt:   snap.ScannedAt,
			Functions:   snap.Registry.Len(),
			Diagnostics: len(snap.Diagnostics),
		},
	}
	if sup, ok := s.upstream.(interface{ Status() supervisor.Status }); ok {
		st := sup.Status()
		resp.Engine = &st
	}
	c.JSON(http.StatusOK, resp)
}
