// Package prometheus renders the engine configuration from a Registry and
// describes how the Prometheus binary is started, probed and reloaded.
package prometheus

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/autometrics-dev/am/internal/registry"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	DefaultScrapeInterval     = "15s"
	DefaultEvaluationInterval = "15s"
)

type Config struct {
	Global        Global         `yaml:"global"`
	ScrapeConfigs []ScrapeConfig `yaml:"scrape_configs"`
}

type Global struct {
	ScrapeInterval     string `yaml:"scrape_interval"`
	EvaluationInterval string `yaml:"evaluation_interval"`
}

type ScrapeConfig struct {
	JobName              string          `yaml:"job_name"`
	MetricsPath          string          `yaml:"metrics_path"`
	Scheme               string          `yaml:"scheme"`
	StaticConfigs        []StaticConfig  `yaml:"static_configs"`
	MetricRelabelConfigs []RelabelConfig `yaml:"metric_relabel_configs,omitempty"`
}

type StaticConfig struct {
	Targets []string `yaml:"targets"`
}

type RelabelConfig struct {
	SourceLabels []string `yaml:"source_labels"`
	Regex        string   `yaml:"regex"`
	Action       string   `yaml:"action"`
}

// Generate projects scrape targets onto a Prometheus configuration. The
// result depends only on targets.
func Generate(targets []registry.ScrapeTarget) Config {
	cfg := Config{
		Global: Global{
			ScrapeInterval:     DefaultScrapeInterval,
			EvaluationInterval: DefaultEvaluationInterval,
		},
		ScrapeConfigs: make([]ScrapeConfig, 0, len(targets)),
	}
	for _, t := range targets {
		sc := ScrapeConfig{
			JobName:       t.Job,
			MetricsPath:   t.MetricsPath,
			Scheme:        t.Scheme,
			StaticConfigs: []StaticConfig{{Targets: []string{t.Target}}},
		}
		if len(t.Keep) > 0 {
			sc.MetricRelabelConfigs = []RelabelConfig{{
				SourceLabels: []string{"__name__"},
				Regex:        keepRegex(t.Keep),
				Action:       "keep",
			}}
		}
		cfg.ScrapeConfigs = append(cfg.ScrapeConfigs, sc)
	}
	return cfg
}

// keepRegex matches the metric names and the series a histogram expands
// into.
func keepRegex(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = regexp.QuoteMeta(n)
	}
	return "(" + strings.Join(quoted, "|") + ")(_bucket|_sum|_count)?"
}

func (c Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("encoding prometheus config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encoding prometheus config: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteFile replaces path atomically, a reader sees either the old or the
// new configuration.
func (c Config) WriteFile(path string) error {
	b, err := c.Marshal()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+"."+uuid.NewString())
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("writing prometheus config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replacing prometheus config: %w", err)
	}
	return nil
}
