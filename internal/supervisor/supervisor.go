package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/autometrics-dev/am/internal/log"
	"github.com/autometrics-dev/am/internal/model"

	gocron "github.com/go-co-op/gocron/v2"
)

// Engine describes how to run and probe a supervised engine.
type Engine interface {
	Name() string
	Command() (string, []string)
	// Endpoint is the base URL handed out to proxies while Running.
	Endpoint() string
	HealthURL() string
	// ReloadURL accepts a POST to reload the configuration. Empty means
	// the engine has to be restarted instead.
	ReloadURL() string
}

// startupPoll is how often a starting engine is probed.
const startupPoll = 200 * time.Millisecond

const probeTimeout = 2 * time.Second

type Config struct {
	StartupTimeout time.Duration
	ProbeInterval  time.Duration
	// ProbeFailures is the number of consecutive failed probes after which
	// a running engine is considered crashed.
	ProbeFailures int
	// Cooldown is the window in which a second crash after an automatic
	// restart is terminal.
	Cooldown    time.Duration
	GracePeriod time.Duration
	Client      *http.Client
	// OnChange is called after every state change.
	OnChange func(Status)
}

func DefaultConfig() Config {
	return Config{
		StartupTimeout: model.DefaultStartupTimeout,
		ProbeInterval:  model.DefaultProbeInterval,
		ProbeFailures:  model.DefaultProbeFailures,
		Cooldown:       model.DefaultCooldown,
		GracePeriod:    model.DefaultGracePeriod,
	}
}

// ConfigFrom applies the engine section of am.yaml over DefaultConfig.
func ConfigFrom(e *model.Engine) (Config, error) {
	cfg := DefaultConfig()
	if e == nil {
		return cfg, nil
	}
	var err error
	if cfg.StartupTimeout, err = model.DurationOr(e.StartupTimeout, cfg.StartupTimeout); err != nil {
		return cfg, fmt.Errorf("parsing engine.startupTimeout: %w", err)
	}
	if cfg.ProbeInterval, err = model.DurationOr(e.ProbeInterval, cfg.ProbeInterval); err != nil {
		return cfg, fmt.Errorf("parsing engine.probeInterval: %w", err)
	}
	if cfg.Cooldown, err = model.DurationOr(e.Cooldown, cfg.Cooldown); err != nil {
		return cfg, fmt.Errorf("parsing engine.cooldown: %w", err)
	}
	if cfg.GracePeriod, err = model.DurationOr(e.GracePeriod, cfg.GracePeriod); err != nil {
		return cfg, fmt.Errorf("parsing engine.gracePeriod: %w", err)
	}
	cfg.ProbeFailures = model.Get(e.ProbeFailures, cfg.ProbeFailures)
	return cfg, nil
}

type Status struct {
	State     State     `json:"state"`
	Engine    string    `json:"engine,omitempty"`
	Endpoint  string    `json:"endpoint,omitempty"`
	Since     time.Time `json:"since"`
	Pid       int       `json:"pid,omitempty"`
	Restarts  int       `json:"restarts"`
	LastError string    `json:"lastError,omitempty"`
}

type process struct {
	runner   *Runner
	exited   chan struct{}
	result   Result // valid once exited is closed
	stopping atomic.Bool
	failures atomic.Int32
}

// Supervisor keeps one engine process alive. Lifecycle operations are
// serialized, state and endpoint reads never wait for them.
type Supervisor struct {
	engine Engine
	cfg    Config
	client *http.Client

	life        sync.Mutex
	base        context.Context // guarded by life, governs automatic restarts
	lastRestart time.Time       // guarded by life

	mx       sync.RWMutex
	state    State
	since    time.Time
	endpoint string
	lastErr  error
	restarts int
	run      *process

	closing atomic.Bool
	wg      sync.WaitGroup
}

// New returns a supervisor in the Uninstalled state. A nil engine can't be
// started.
func New(engine Engine, cfg Config) *Supervisor {
	dflt := DefaultConfig()
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = dflt.StartupTimeout
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = dflt.ProbeInterval
	}
	if cfg.ProbeFailures <= 0 {
		cfg.ProbeFailures = dflt.ProbeFailures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = dflt.Cooldown
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = dflt.GracePeriod
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Timeout:   probeTimeout,
			Transport: &http.Transport{DisableKeepAlives: true},
		}
	}
	return &Supervisor{
		engine: engine,
		cfg:    cfg,
		client: client,
		base:   context.Background(),
		state:  Uninstalled,
		since:  time.Now().UTC(),
	}
}

// Do runs the periodic health probes until ctx is canceled, then stops
// the engine. Automatic restarts are bound to ctx.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a supervisor")
	s.life.Lock()
	s.base = ctx
	s.life.Unlock()

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(s.cfg.ProbeInterval),
		gocron.NewTask(func() { s.probeRunning(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = scheduler.Shutdown()
		return fmt.Errorf("initializing gocron job: %w", err)
	}
	scheduler.Start()

	<-ctx.Done()
	s.closing.Store(true)
	if err := scheduler.Shutdown(); err != nil {
		slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
	}
	return s.Close(context.WithoutCancel(ctx))
}

// Close stops the engine and waits for the process watchers. The engine
// is not restarted automatically afterwards.
func (s *Supervisor) Close(ctx context.Context) error {
	s.closing.Store(true)
	err := s.Stop(ctx)
	s.wg.Wait()
	return err
}

// Start starts the engine and waits until it is Running or failed to get
// there. Starting a Starting or Running engine does nothing. Start resets
// the restart policy, so it is also the way out of the terminal Crashed
// state.
func (s *Supervisor) Start(ctx context.Context) error {
	s.life.Lock()
	defer s.life.Unlock()
	s.lastRestart = time.Time{}
	return s.start(ctx)
}

// Stop terminates the engine, killing it after the grace period.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.life.Lock()
	defer s.life.Unlock()
	return s.stop(ctx)
}

// Reload applies a new engine configuration. Engines without live reload,
// or failing it, are restarted.
func (s *Supervisor) Reload(ctx context.Context) error {
	s.life.Lock()
	defer s.life.Unlock()
	if s.State() != Running {
		return nil
	}
	ctx = s.logContext(ctx)
	if url := s.engine.ReloadURL(); url != "" {
		err := s.request(ctx, http.MethodPost, url)
		if err == nil {
			s.fire(ctx, EventReload, nil)
			slog.InfoContext(ctx, "engine configuration reloaded")
			return nil
		}
		slog.WarnContext(ctx, "live reload failed, restarting engine", "err", err)
	}
	if err := s.stop(ctx); err != nil {
		return err
	}
	return s.start(ctx)
}

// Endpoint returns the engine endpoint while Running, an empty string
// otherwise.
func (s *Supervisor) Endpoint() string {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return s.endpoint
}

func (s *Supervisor) State() State {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return s.state
}

func (s *Supervisor) Status() Status {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return s.status()
}

func (s *Supervisor) status() Status {
	st := Status{
		State:    s.state,
		Endpoint: s.endpoint,
		Since:    s.since,
		Restarts: s.restarts,
	}
	if s.engine != nil {
		st.Engine = s.engine.Name()
	}
	if s.run != nil {
		st.Pid = s.run.runner.Pid()
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

func (s *Supervisor) logContext(ctx context.Context) context.Context {
	if s.engine == nil {
		return ctx
	}
	return log.ContextAttrs(ctx, slog.String("engine", s.engine.Name()))
}

// fire applies the event and reports whether it was accepted.
func (s *Supervisor) fire(ctx context.Context, ev Event, cause error) bool {
	s.mx.Lock()
	from := s.state
	to, ok := Transition(from, ev)
	if !ok {
		s.mx.Unlock()
		return false
	}
	s.state = to
	if to != from {
		s.since = time.Now().UTC()
	}
	if cause != nil {
		s.lastErr = cause
	}
	if to == Running {
		s.endpoint = s.engine.Endpoint()
	} else {
		s.endpoint = ""
	}
	st := s.status()
	s.mx.Unlock()

	if to != from {
		slog.InfoContext(ctx, "engine state changed", "from", from, "to", to, "event", ev)
		if s.cfg.OnChange != nil {
			s.cfg.OnChange(st)
		}
	}
	return true
}

func (s *Supervisor) current() *process {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return s.run
}

func (s *Supervisor) setRun(p *process) {
	s.mx.Lock()
	s.run = p
	s.mx.Unlock()
}

func (s *Supervisor) start(ctx context.Context) error {
	if s.engine == nil {
		return fmt.Errorf("engine: %w", model.ErrNotInstalled)
	}
	ctx = s.logContext(ctx)
	if !s.fire(ctx, EventStart, nil) {
		slog.DebugContext(ctx, "engine already started", "state", s.State())
		return nil
	}

	op := "start " + s.engine.Name()
	path, args := s.engine.Command()
	p := &process{runner: NewRunner(), exited: make(chan struct{})}
	done, err := p.runner.Start(ctx, Command{Path: path, Args: args, WaitDelay: s.cfg.GracePeriod})
	if err != nil {
		perr := &model.ProcessError{Op: op, Err: err}
		s.fire(ctx, EventFailed, perr)
		return perr
	}
	s.setRun(p)
	s.wg.Go(func() {
		s.watch(p, done)
	})
	return s.awaitHealthy(ctx, op, p)
}

func (s *Supervisor) awaitHealthy(ctx context.Context, op string, p *process) error {
	timeout := time.NewTimer(s.cfg.StartupTimeout)
	defer timeout.Stop()
	poll := time.NewTicker(startupPoll)
	defer poll.Stop()

	for {
		if err := s.request(ctx, http.MethodGet, s.engine.HealthURL()); err == nil {
			s.fire(ctx, EventHealthy, nil)
			return nil
		}
		select {
		case <-p.exited:
			perr := processError(op, p.result)
			s.setRun(nil)
			s.fire(ctx, EventFailed, perr)
			return perr
		case <-timeout.C:
			_ = s.terminate(ctx, p)
			perr := &model.ProcessError{
				Op:     op,
				Err:    fmt.Errorf("not healthy within %s", s.cfg.StartupTimeout),
				Stderr: p.result.Stderr,
			}
			s.setRun(nil)
			s.fire(ctx, EventFailed, perr)
			return perr
		case <-ctx.Done():
			s.fire(ctx, EventStop, nil)
			_ = s.terminate(context.WithoutCancel(ctx), p)
			s.setRun(nil)
			s.fire(ctx, EventExited, nil)
			return ctx.Err()
		case <-poll.C:
		}
	}
}

func (s *Supervisor) stop(ctx context.Context) error {
	ctx = s.logContext(ctx)
	s.mx.RLock()
	state, p := s.state, s.run
	s.mx.RUnlock()

	switch state {
	case Crashed:
		s.fire(ctx, EventStop, nil)
		return nil
	case Running:
	default:
		return nil
	}
	s.fire(ctx, EventStop, nil)
	err := s.terminate(ctx, p)
	s.setRun(nil)
	s.fire(ctx, EventExited, nil)
	return err
}

// terminate stops p, killing it after the grace period. It returns once
// the process is gone.
func (s *Supervisor) terminate(ctx context.Context, p *process) error {
	p.stopping.Store(true)
	select {
	case <-p.exited:
		return nil
	default:
	}
	if err := p.runner.Terminate(); err != nil {
		slog.WarnContext(ctx, "terminating engine failed", "err", err)
	}
	grace := time.NewTimer(s.cfg.GracePeriod)
	defer grace.Stop()
	select {
	case <-p.exited:
		return nil
	case <-grace.C:
	}
	slog.WarnContext(ctx, "engine did not stop within grace period: killing", "grace", s.cfg.GracePeriod)
	err := p.runner.Kill()
	<-p.exited
	if err != nil {
		return fmt.Errorf("killing engine: %w", err)
	}
	return nil
}

func (s *Supervisor) watch(p *process, done <-chan Result) {
	p.result = <-done
	close(p.exited)
	if p.stopping.Load() {
		return
	}
	s.crashed(p, processError("run "+s.engine.Name(), p.result))
}

// crashed applies the restart policy: the first failure is followed by an
// automatic restart, a second one within the cooldown is terminal.
func (s *Supervisor) crashed(p *process, cause error) {
	s.life.Lock()
	defer s.life.Unlock()
	if s.current() != p {
		return
	}
	ctx := s.logContext(s.base)
	slog.ErrorContext(ctx, "engine failed", "err", cause)
	_ = s.terminate(ctx, p)
	s.setRun(nil)
	s.fire(ctx, EventFailed, cause)

	if s.closing.Load() || ctx.Err() != nil {
		return
	}
	now := time.Now()
	if !s.lastRestart.IsZero() && now.Sub(s.lastRestart) < s.cfg.Cooldown {
		slog.ErrorContext(ctx, "engine failed again within cooldown: giving up", "cooldown", s.cfg.Cooldown)
		return
	}
	s.lastRestart = now
	s.mx.Lock()
	s.restarts++
	s.mx.Unlock()
	slog.WarnContext(ctx, "restarting engine")
	if err := s.start(ctx); err != nil {
		slog.ErrorContext(ctx, "restarting engine failed", "err", err)
	}
}

func (s *Supervisor) probeRunning(ctx context.Context) {
	s.mx.RLock()
	state, p := s.state, s.run
	s.mx.RUnlock()
	if state != Running || p == nil {
		return
	}
	ctx = s.logContext(ctx)
	err := s.request(ctx, http.MethodGet, s.engine.HealthURL())
	if err == nil {
		p.failures.Store(0)
		return
	}
	n := int(p.failures.Add(1))
	slog.WarnContext(ctx, "engine health probe failed", "failures", n, "err", err)
	if n < s.cfg.ProbeFailures {
		return
	}
	s.crashed(p, &model.ProcessError{
		Op:     "probe " + s.engine.Name(),
		Err:    fmt.Errorf("%d consecutive health probes failed: %w", n, err),
		Stderr: p.runner.Stderr(),
	})
}

func (s *Supervisor) request(ctx context.Context, method, url string) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: %s", method, url, resp.Status)
	}
	return nil
}

func processError(op string, res Result) *model.ProcessError {
	err := res.Err
	if err == nil {
		err = errors.New("exited unexpectedly")
	}
	return &model.ProcessError{
		Op:       op,
		ExitCode: res.ExitCode(),
		Stderr:   res.Stderr,
		Err:      err,
	}
}
