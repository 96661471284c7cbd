package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/autometrics-dev/am/internal/explorer"
	"github.com/autometrics-dev/am/internal/log"
	"github.com/autometrics-dev/am/internal/metrics"
	"github.com/autometrics-dev/am/internal/model"
	"github.com/autometrics-dev/am/internal/prometheus"
	"github.com/autometrics-dev/am/internal/registry"
	"github.com/autometrics-dev/am/internal/scan"
	"github.com/autometrics-dev/am/internal/supervisor"
	"github.com/autometrics-dev/am/internal/version"
	"github.com/autometrics-dev/am/internal/watch"

	"golang.org/x/sync/errgroup"
)

type Resolver interface {
	Resolve(ctx context.Context, kind, constraint string, p model.Platform) (model.Artifact, error)
}

type Installer interface {
	Fetch(ctx context.Context, a model.Artifact) (model.InstalledArtifact, error)
	Installed(ctx context.Context, kind string) (model.InstalledArtifact, error)
}

// UpdateChecker reports a newer am release, nil if there is none.
type UpdateChecker interface {
	Check(ctx context.Context) (*model.Artifact, error)
}

// Deps are the collaborators of a Session. Updates may be nil.
type Deps struct {
	Resolver  Resolver
	Installer Installer
	Updates   UpdateChecker
	Metrics   *metrics.Metrics
}

// Session is a running `am start`: the scanned project, the supervised
// engine and the explorer serving both.
type Session struct {
	opts    Options
	deps    Deps
	scanner *scan.Scan
	store   *registry.Store
}

func NewSession(opts Options, deps Deps) (*Session, error) {
	if deps.Resolver == nil || deps.Installer == nil {
		return nil, errors.New("session needs a resolver and an installer")
	}
	info, err := os.Stat(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("opening project root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("project root %s is not a directory", opts.Root)
	}
	return &Session{
		opts:    opts,
		deps:    deps,
		scanner: scan.New(opts.Workers, opts.Ignore),
		store:   registry.NewStore(),
	}, nil
}

// Store holds the scan snapshots of the session.
func (s *Session) Store() *registry.Store {
	return s.store
}

// Run listens on the configured explorer address and calls Do.
func (s *Session) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.opts.Listen, err)
	}
	return s.Do(ctx, ln)
}

// Do scans the project, installs and starts the engine and serves the
// explorer on ln until ctx is canceled. An engine that can't be installed
// or started leaves the explorer up with the proxy reporting an
// unavailable upstream.
func (s *Session) Do(ctx context.Context, ln net.Listener) error {
	ctx = log.ContextAttrs(ctx, slog.String("root", s.opts.Root))
	if err := s.rescan(ctx); err != nil {
		_ = ln.Close()
		return err
	}

	engine, err := s.engine(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "engine is not available, queries will fail", "err", err)
	}
	if err := s.writeConfig(); err != nil {
		_ = ln.Close()
		return err
	}

	cfg := s.opts.Supervisor
	cfg.OnChange = s.deps.Metrics.ObserveEngine
	var sup *supervisor.Supervisor
	if engine != nil {
		sup = supervisor.New(engine, cfg)
	} else {
		sup = supervisor.New(nil, cfg)
	}

	srv := explorer.New(explorer.Config{
		Upstream: sup,
		Store:    s.store,
		Metrics:  s.deps.Metrics,
		Version:  version.Current(),
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sup.Do(ctx)
	})
	g.Go(func() error {
		return srv.Serve(ctx, ln)
	})

	if engine != nil {
		g.Go(func() error {
			if err := sup.Start(ctx); err != nil && ctx.Err() == nil {
				slog.ErrorContext(ctx, "starting engine failed", "err", err)
			}
			return nil
		})
	}

	if s.opts.Watch {
		w, err := watch.New(s.opts.Root, s.opts.Ignore, watch.DefaultDebounce)
		if err != nil {
			slog.WarnContext(ctx, "watching project failed, sources are not rescanned", "err", err)
		} else {
			g.Go(func() error {
				return w.Do(ctx, func(ctx context.Context, changed []string) {
					s.changed(ctx, sup, changed)
				})
			})
		}
	}

	if s.opts.UpdateSchedule != "" && s.deps.Updates != nil {
		g.Go(func() error {
			return checkUpdates(ctx, s.opts.UpdateSchedule, s.deps.Updates)
		})
	}

	return g.Wait()
}

// engine installs the configured Prometheus version. Without network the
// active install is used.
func (s *Session) engine(ctx context.Context) (*prometheus.Engine, error) {
	inst, err := s.install(ctx)
	if err != nil {
		return nil, err
	}
	return &prometheus.Engine{
		Binary:     inst.Binary,
		ConfigFile: s.opts.ConfigFile,
		DataDir:    s.opts.DataDir,
		Listen:     s.opts.EngineListen,
	}, nil
}

func (s *Session) install(ctx context.Context) (model.InstalledArtifact, error) {
	a, err := s.deps.Resolver.Resolve(ctx, model.KindPrometheus, s.opts.EngineVersion, s.opts.Platform)
	if err != nil {
		var ne *model.NetworkError
		if !errors.As(err, &ne) {
			return model.InstalledArtifact{}, err
		}
		inst, ierr := s.deps.Installer.Installed(ctx, model.KindPrometheus)
		if ierr != nil {
			return model.InstalledArtifact{}, errors.Join(err, ierr)
		}
		slog.WarnContext(ctx, "resolving prometheus failed, using the installed version", "version", inst.Version, "err", err)
		return inst, nil
	}
	inst, err := s.deps.Installer.Fetch(ctx, a)
	s.deps.Metrics.ObserveFetch(a.Kind, err)
	if err != nil {
		return model.InstalledArtifact{}, err
	}
	return inst, nil
}

func (s *Session) rescan(ctx context.Context) error {
	start := time.Now()
	reg, diags, err := s.scanner.Root(ctx, s.opts.Root)
	if err != nil {
		return err
	}
	snap := s.store.Publish(reg, diags, start.UTC())
	s.deps.Metrics.ObserveScan(snap, time.Since(start))
	for _, d := range diags {
		slog.DebugContext(ctx, "scan diagnostic", "kind", d.Kind, "file", d.File, "line", d.Line, "message", d.Message)
	}
	slog.InfoContext(ctx, "project scanned",
		"functions", reg.Len(),
		"diagnostics", len(diags),
		"generation", snap.Generation,
	)
	return nil
}

func (s *Session) writeConfig() error {
	reg := s.store.Load().Registry
	return prometheus.Generate(reg.ScrapeTargets(s.opts.Endpoints)).WriteFile(s.opts.ConfigFile)
}

// changed rescans the project and reloads the engine with the new scrape
// configuration.
func (s *Session) changed(ctx context.Context, sup *supervisor.Supervisor, paths []string) {
	slog.DebugContext(ctx, "sources changed", "paths", paths)
	if err := s.rescan(ctx); err != nil {
		if ctx.Err() == nil {
			slog.ErrorContext(ctx, "rescanning project failed", "err", err)
		}
		return
	}
	if err := s.writeConfig(); err != nil {
		slog.ErrorContext(ctx, "writing engine config failed", "err", err)
		return
	}
	if err := sup.Reload(ctx); err != nil && ctx.Err() == nil {
		slog.ErrorContext(ctx, "reloading engine failed", "err", err)
	}
}
