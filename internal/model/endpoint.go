package model

import (
	"fmt"
	"net/url"
	"strings"
)

const DefaultMetricsPath = "/metrics"

// Endpoint is an application metrics endpoint the engine scrapes.
type Endpoint struct {
	Scheme      string `json:"scheme"`
	Host        string `json:"host"`
	MetricsPath string `json:"metricsPath"`
}

// ParseEndpoint parses a metrics URL. A bare "host:port" or ":port" is
// treated as plain http on that address.
func ParseEndpoint(raw string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Endpoint{}, fmt.Errorf("empty endpoint")
	}
	if !strings.Contains(raw, "://") {
		if strings.HasPrefix(raw, ":") {
			raw = "localhost" + raw
		}
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parsing endpoint: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return Endpoint{}, fmt.Errorf("endpoint %s: unsupported scheme %q", raw, u.Scheme)
	}
	if u.Hostname() == "" {
		return Endpoint{}, fmt.Errorf("endpoint %s: missing host", raw)
	}
	path := u.EscapedPath()
	if path == "" || path == "/" {
		path = DefaultMetricsPath
	}
	return Endpoint{
		Scheme:      u.Scheme,
		Host:        u.Host,
		MetricsPath: path,
	}, nil
}

func (e Endpoint) String() string {
	return e.Scheme + "://" + e.Host + e.MetricsPath
}
