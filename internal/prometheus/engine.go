package prometheus

import (
	"net/url"
	"strings"
)

// RoutePrefix is where the explorer mounts the Prometheus web UI and API.
// Prometheus derives its own route prefix from the external URL, so the
// proxy can forward paths unchanged.
const RoutePrefix = "/prometheus"

// Engine starts Prometheus with a generated configuration.
type Engine struct {
	Binary     string
	ConfigFile string
	DataDir    string
	// Listen is the host:port Prometheus binds to.
	Listen string
	// ExternalURL is the URL users reach Prometheus at, usually through the
	// explorer. Empty means http://<Listen>/prometheus.
	ExternalURL string
}

func (e Engine) Name() string {
	return "prometheus"
}

func (e Engine) externalURL() string {
	if e.ExternalURL != "" {
		return strings.TrimSuffix(e.ExternalURL, "/")
	}
	return "http://" + e.Listen + RoutePrefix
}

func (e Engine) prefix() string {
	u, err := url.Parse(e.externalURL())
	if err != nil {
		return ""
	}
	return strings.TrimSuffix(u.Path, "/")
}

func (e Engine) Command() (string, []string) {
	return e.Binary, []string{
		"--config.file=" + e.ConfigFile,
		"--storage.tsdb.path=" + e.DataDir,
		"--web.listen-address=" + e.Listen,
		"--web.enable-lifecycle",
		"--web.external-url=" + e.externalURL(),
	}
}

// Endpoint is the base URL of the HTTP API including the route prefix.
func (e Engine) Endpoint() string {
	return "http://" + e.Listen + e.prefix()
}

func (e Engine) HealthURL() string {
	return e.Endpoint() + "/-/healthy"
}

// ReloadURL is served because the engine runs with --web.enable-lifecycle.
func (e Engine) ReloadURL() string {
	return e.Endpoint() + "/-/reload"
}
