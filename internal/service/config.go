package service

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/autometrics-dev/am/internal/model"
	"github.com/autometrics-dev/am/internal/supervisor"
)

// Options is a model.Config with defaults applied and every value parsed.
type Options struct {
	Root      string
	Ignore    []string
	Workers   int
	Watch     bool
	Endpoints []model.Endpoint

	// Listen is the explorer address.
	Listen string

	EngineVersion string
	EngineListen  string
	DataDir       string
	ConfigFile    string
	Supervisor    supervisor.Config

	InstallDir   string
	Platform     model.Platform
	Retain       int
	Retries      int
	StallTimeout time.Duration
	Keyring      string

	// UpdateSchedule is empty when scheduled update checks are disabled.
	UpdateSchedule string
	UpdateVersion  string
}

// DefaultInstallDir is where artifacts live unless install.dir or
// AM_INSTALL_DIR say otherwise.
func DefaultInstallDir() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("locating install dir: %w", err)
	}
	return filepath.Join(dir, "am"), nil
}

// OptionsFrom resolves cfg. Relative paths are taken relative to the
// working directory.
func OptionsFrom(cfg *model.Config) (Options, error) {
	if cfg == nil {
		def := model.DefaultConfig()
		cfg = &def
	}
	if cfg.Version != 0 {
		return Options{}, fmt.Errorf("config version %d is not supported, expected 0", cfg.Version)
	}

	var opts Options
	var err error

	project := model.Get(cfg.Project, model.Project{})
	opts.Root = model.Get(project.Root, ".")
	if opts.Root, err = filepath.Abs(opts.Root); err != nil {
		return Options{}, fmt.Errorf("resolving project.root: %w", err)
	}
	opts.Ignore = project.Ignore
	opts.Workers = model.Get(project.Workers, 0)
	opts.Watch = model.Get(project.Watch, true)

	for _, raw := range cfg.Endpoints {
		ep, err := model.ParseEndpoint(raw)
		if err != nil {
			return Options{}, fmt.Errorf("parsing endpoints: %w", err)
		}
		opts.Endpoints = append(opts.Endpoints, ep)
	}

	explorer := model.Get(cfg.Explorer, model.Explorer{})
	opts.Listen = model.Get(explorer.Listen, model.DefaultExplorerListen)

	install := model.Get(cfg.Install, model.Install{})
	if install.Dir != nil {
		opts.InstallDir, err = filepath.Abs(*install.Dir)
	} else {
		opts.InstallDir, err = DefaultInstallDir()
	}
	if err != nil {
		return Options{}, err
	}
	opts.Platform = model.CurrentPlatform()
	if install.Platform != nil {
		if opts.Platform, err = model.ParsePlatform(*install.Platform); err != nil {
			return Options{}, fmt.Errorf("parsing install.platform: %w", err)
		}
	}
	opts.Retain = model.Get(install.Retain, model.DefaultRetain)
	opts.Retries = model.Get(install.Retries, model.DefaultRetries)
	if opts.StallTimeout, err = model.DurationOr(install.StallTimeout, model.DefaultStallTimeout); err != nil {
		return Options{}, fmt.Errorf("parsing install.stallTimeout: %w", err)
	}
	opts.Keyring = model.Get(install.Keyring, "")

	engine := model.Get(cfg.Engine, model.Engine{})
	opts.EngineVersion = model.Get(engine.Version, "")
	opts.EngineListen = model.Get(engine.Listen, model.DefaultEngineListen)
	opts.DataDir = filepath.Join(opts.InstallDir, "data", model.KindPrometheus)
	if engine.DataDir != nil {
		if opts.DataDir, err = filepath.Abs(*engine.DataDir); err != nil {
			return Options{}, fmt.Errorf("resolving engine.dataDir: %w", err)
		}
	}
	opts.ConfigFile = filepath.Join(opts.DataDir, "prometheus.yml")
	if opts.Supervisor, err = supervisor.ConfigFrom(cfg.Engine); err != nil {
		return Options{}, err
	}

	update := model.Get(cfg.Update, model.Update{})
	opts.UpdateVersion = model.Get(update.Version, "")
	if model.Get(update.Enabled, false) {
		opts.UpdateSchedule = model.Get(update.Schedule, model.DefaultUpdateSchedule)
		if _, err := model.ParseSchedule(opts.UpdateSchedule); err != nil {
			return Options{}, fmt.Errorf("parsing update.schedule: %w", err)
		}
	}
	return opts, nil
}
