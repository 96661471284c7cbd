package model

import (
	"fmt"

	"github.com/spf13/viper"
)

// Overrides are values coming from AM_* environment variables and command
// line flags. They take precedence over am.yaml.
type Overrides struct {
	InstallDir        string `mapstructure:"install_dir"`
	PrometheusVersion string `mapstructure:"prometheus_version"`
	Platform          string `mapstructure:"platform"`
	ListenAddress     string `mapstructure:"listen_address"`
	Verbose           bool   `mapstructure:"verbose"`
}

var overrideKeys = []string{
	"install_dir",
	"prometheus_version",
	"platform",
	"listen_address",
	"verbose",
}

// NewViper returns a viper instance bound to the AM_* environment.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("AM")
	for _, key := range overrideKeys {
		_ = v.BindEnv(key) // only fails without a key
	}
	return v
}

func ParseOverrides(v *viper.Viper) (Overrides, error) {
	var o Overrides
	if err := v.Unmarshal(&o); err != nil {
		return o, fmt.Errorf("parsing overrides: %w", err)
	}
	return o, nil
}

// Apply merges non-zero overrides into the config.
func (c *Config) Apply(o Overrides) {
	if o.InstallDir != "" {
		if c.Install == nil {
			c.Install = &Install{}
		}
		c.Install.Dir = ptr(o.InstallDir)
	}
	if o.Platform != "" {
		if c.Install == nil {
			c.Install = &Install{}
		}
		c.Install.Platform = ptr(o.Platform)
	}
	if o.PrometheusVersion != "" {
		if c.Engine == nil {
			c.Engine = &Engine{}
		}
		c.Engine.Version = ptr(o.PrometheusVersion)
	}
	if o.ListenAddress != "" {
		if c.Explorer == nil {
			c.Explorer = &Explorer{}
		}
		c.Explorer.Listen = ptr(o.ListenAddress)
	}
	if o.Verbose {
		c.Verbose = ptr(true)
	}
}
