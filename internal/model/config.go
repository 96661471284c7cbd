package model

import (
	"io"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

// Defaults applied to absent config fields.
const (
	DefaultEngineListen   = "127.0.0.1:9090"
	DefaultExplorerListen = "127.0.0.1:6789"
	DefaultRetain         = 3
	DefaultProbeFailures  = 3
	DefaultRetries        = 4
	DefaultUpdateSchedule = "@daily"

	DefaultStartupTimeout = 30 * time.Second
	DefaultProbeInterval  = 5 * time.Second
	DefaultCooldown       = time.Minute
	DefaultGracePeriod    = 10 * time.Second
	DefaultStallTimeout   = 30 * time.Second
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version   int       `json:"version" yaml:"version"` // fixed 0 for now
	Verbose   *bool     `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Endpoints []string  `json:"endpoints,omitempty" yaml:"endpoints,omitempty"`
	Project   *Project  `json:"project,omitempty" yaml:"project,omitempty"`
	Engine    *Engine   `json:"engine,omitempty" yaml:"engine,omitempty"`
	Explorer  *Explorer `json:"explorer,omitempty" yaml:"explorer,omitempty"`
	Install   *Install  `json:"install,omitempty" yaml:"install,omitempty"`
	Update    *Update   `json:"update,omitempty" yaml:"update,omitempty"`
}

// Project is the scanned source tree.
type Project struct {
	Root    *string  `json:"root,omitempty" yaml:"root,omitempty"` // nil => CWD
	Ignore  []string `json:"ignore,omitempty" yaml:"ignore,omitempty"`
	Watch   *bool    `json:"watch,omitempty" yaml:"watch,omitempty"`
	Workers *int     `json:"workers,omitempty" yaml:"workers,omitempty"` // nil => GOMAXPROCS
}

// Engine configures the supervised Prometheus.
type Engine struct {
	Version        *string `json:"version,omitempty" yaml:"version,omitempty"` // version constraint
	Listen         *string `json:"listen,omitempty" yaml:"listen,omitempty"`
	DataDir        *string `json:"dataDir,omitempty" yaml:"dataDir,omitempty"`
	StartupTimeout *string `json:"startupTimeout,omitempty" yaml:"startupTimeout,omitempty"`
	ProbeInterval  *string `json:"probeInterval,omitempty" yaml:"probeInterval,omitempty"`
	ProbeFailures  *int    `json:"probeFailures,omitempty" yaml:"probeFailures,omitempty"`
	Cooldown       *string `json:"cooldown,omitempty" yaml:"cooldown,omitempty"`
	GracePeriod    *string `json:"gracePeriod,omitempty" yaml:"gracePeriod,omitempty"`
}

type Explorer struct {
	Listen *string `json:"listen,omitempty" yaml:"listen,omitempty"`
}

// Install configures where and how artifacts are installed.
type Install struct {
	Dir          *string `json:"dir,omitempty" yaml:"dir,omitempty"`
	Retain       *int    `json:"retain,omitempty" yaml:"retain,omitempty"`
	Platform     *string `json:"platform,omitempty" yaml:"platform,omitempty"`
	Keyring      *string `json:"keyring,omitempty" yaml:"keyring,omitempty"` // armored public keys
	StallTimeout *string `json:"stallTimeout,omitempty" yaml:"stallTimeout,omitempty"`
	Retries      *int    `json:"retries,omitempty" yaml:"retries,omitempty"`
}

type Update struct {
	Enabled  *bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Schedule *string `json:"schedule,omitempty" yaml:"schedule,omitempty"` // cron expression
	Version  *string `json:"version,omitempty" yaml:"version,omitempty"`
}

// DefaultConfig is stored on the first run.
func DefaultConfig() Config {
	return Config{
		Version: 0,
		Project: &Project{
			Watch: ptr(true),
		},
		Engine: &Engine{
			Listen: ptr(DefaultEngineListen),
		},
		Explorer: &Explorer{
			Listen: ptr(DefaultExplorerListen),
		},
		Install: &Install{
			Retain: ptr(DefaultRetain),
		},
		Update: &Update{
			Enabled:  ptr(false),
			Schedule: ptr(DefaultUpdateSchedule),
		},
	}
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("am.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}

	return &out, nil
}

func ptr[T any](v T) *T {
	return &v
}

// Get dereferences p or returns dflt when p is nil.
func Get[T any](p *T, dflt T) T {
	if p == nil {
		return dflt
	}
	return *p
}
