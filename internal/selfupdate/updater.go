// Package selfupdate replaces the running am executable with a newer
// release.
//
// The new binary is installed through the release fetcher like any other
// artifact, copied next to the executable and swapped in with
// ReplaceExecutable. The previous binary stays on disk until the new one
// answers `version --short` with the expected version. A failed check puts
// the previous binary back, so the executable path always holds a binary
// that ran before or passed the check.
//
// The running process keeps its image, the new version applies to the
// next invocation.
package selfupdate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/autometrics-dev/am/internal/log"
	"github.com/autometrics-dev/am/internal/model"
	"github.com/autometrics-dev/am/internal/release"
	"github.com/autometrics-dev/am/internal/version"

	"golang.org/x/mod/semver"
)

var ErrSelfCheck = errors.New("self-check failed")

const selfCheckTimeout = 10 * time.Second

type Resolver interface {
	Resolve(ctx context.Context, kind, constraint string, p model.Platform) (model.Artifact, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, a model.Artifact) (model.InstalledArtifact, error)
}

// SelfCheck runs exe and returns the version it reports.
type SelfCheck func(ctx context.Context, exe string) (string, error)

// Outcome describes an applied update. Backup is set when the previous
// binary could not be removed yet, it is cleaned up by a later update.
type Outcome struct {
	Previous   string `json:"previous"`
	Installed  string `json:"installed"`
	Executable string `json:"executable"`
	Backup     string `json:"backup,omitempty"`
}

type Updater struct {
	resolver   Resolver
	fetcher    Fetcher
	current    string
	constraint string
	platform   model.Platform
	executable string
	selfCheck  SelfCheck
}

type Option func(*Updater)

// WithExecutable replaces the path of the running executable.
func WithExecutable(path string) Option {
	return func(u *Updater) {
		u.executable = path
	}
}

func WithConstraint(c string) Option {
	return func(u *Updater) {
		u.constraint = c
	}
}

func WithPlatform(p model.Platform) Option {
	return func(u *Updater) {
		u.platform = p
	}
}

func WithCurrent(v string) Option {
	return func(u *Updater) {
		u.current = strings.TrimPrefix(v, "v")
	}
}

func WithSelfCheck(fn SelfCheck) Option {
	return func(u *Updater) {
		u.selfCheck = fn
	}
}

func New(resolver Resolver, fetcher Fetcher, opts ...Option) *Updater {
	u := &Updater{
		resolver:  resolver,
		fetcher:   fetcher,
		current:   version.Current(),
		platform:  model.CurrentPlatform(),
		selfCheck: VersionCheck,
	}
	for _, o := range opts {
		o(u)
	}
	return u
}

// Current is the version of the running binary.
func (u *Updater) Current() string {
	return u.current
}

// Check returns the release to update to or nil if the running version is
// current. A constraint pinning an exact version returns that release
// whenever it differs from the running one, downgrades included.
func (u *Updater) Check(ctx context.Context) (*model.Artifact, error) {
	c, err := release.ParseConstraint(u.constraint)
	if err != nil {
		return nil, err
	}
	a, err := u.resolver.Resolve(ctx, model.KindSelf, u.constraint, u.platform)
	if err != nil {
		return nil, fmt.Errorf("checking for update: %w", err)
	}
	cmp := semver.Compare("v"+a.Version, "v"+u.current)
	if _, exact := c.Exact(); exact && cmp != 0 {
		return &a, nil
	}
	if cmp <= 0 {
		slog.DebugContext(ctx, "am is up to date", "current", u.current, "latest", a.Version)
		return nil, nil
	}
	return &a, nil
}

// Apply installs a and replaces the executable with it.
func (u *Updater) Apply(ctx context.Context, a model.Artifact) (Outcome, error) {
	ctx = log.ContextAttrs(ctx, slog.String("update", a.String()))
	exe, err := u.executablePath()
	if err != nil {
		return Outcome{}, err
	}
	inst, err := u.fetcher.Fetch(ctx, a)
	if err != nil {
		return Outcome{}, fmt.Errorf("fetching %s: %w", a, err)
	}

	staged := stagePath(exe)
	if err := copyFile(inst.Binary, staged); err != nil {
		return Outcome{}, fmt.Errorf("staging %s: %w", a, err)
	}
	if err := os.Chmod(staged, 0o755); err != nil {
		_ = os.Remove(staged)
		return Outcome{}, err
	}

	rb, err := ReplaceExecutable(exe, staged)
	if err != nil {
		_ = os.Remove(staged)
		return Outcome{}, fmt.Errorf("replacing %s: %w", exe, err)
	}
	slog.DebugContext(ctx, "executable replaced, running self-check", "path", exe)

	got, err := u.check(ctx, exe)
	if err == nil && strings.TrimPrefix(got, "v") != a.Version {
		err = fmt.Errorf("reported version %q, expected %q", got, a.Version)
	}
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrSelfCheck, err)
		if rerr := rb.Rollback(); rerr != nil {
			return Outcome{}, errors.Join(err, fmt.Errorf("rolling back %s: %w", exe, rerr))
		}
		slog.WarnContext(ctx, "update rolled back", "err", err)
		return Outcome{}, err
	}

	backup, err := rb.Commit()
	if err != nil {
		slog.WarnContext(ctx, "removing previous executable failed", "path", backup, "err", err)
	}
	if n := RemoveStale(exe, backup); n > 0 {
		slog.DebugContext(ctx, "removed stale executables", "count", n)
	}
	slog.InfoContext(ctx, "update applied", "previous", u.current, "path", exe)
	return Outcome{
		Previous:   u.current,
		Installed:  a.Version,
		Executable: exe,
		Backup:     backup,
	}, nil
}

func (u *Updater) check(ctx context.Context, exe string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, selfCheckTimeout)
	defer cancel()
	return u.selfCheck(ctx, exe)
}

func (u *Updater) executablePath() (string, error) {
	if u.executable != "" {
		return u.executable, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locating executable: %w", err)
	}
	return filepath.EvalSymlinks(exe)
}

// VersionCheck runs `exe version --short`.
func VersionCheck(ctx context.Context, exe string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, exe, "version", "--short")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second
	if err := cmd.Run(); err != nil {
		pe := &model.ProcessError{Op: "run " + exe, Err: err}
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			pe.ExitCode = ee.ExitCode()
		}
		if s := strings.TrimSpace(stderr.String()); s != "" {
			pe.Stderr = strings.Split(s, "\n")
		}
		return "", pe
	}
	return strings.TrimSpace(stdout.String()), nil
}

// RemoveStale removes leftovers of earlier updates next to exe, except
// keep. It returns the number of removed files.
func RemoveStale(exe, keep string) int {
	prefix := "." + filepath.Base(exe) + "."
	entries, err := os.ReadDir(filepath.Dir(exe))
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		name := e.Name()
		rest, ok := strings.CutPrefix(name, prefix)
		if !ok || !(strings.HasPrefix(rest, "old-") || strings.HasPrefix(rest, "new-")) {
			continue
		}
		p := filepath.Join(filepath.Dir(exe), name)
		if p == keep {
			continue
		}
		if os.Remove(p) == nil {
			n++
		}
	}
	return n
}
