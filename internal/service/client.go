package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
)

const buildInfoPath = "/api/v1/status/buildinfo"

// BuildInfo is the part of the Prometheus build information am shows.
type BuildInfo struct {
	Version   string `json:"version"`
	Revision  string `json:"revision"`
	GoVersion string `json:"goVersion"`
}

// Upstream is an existing Prometheus server `am proxy` forwards to.
type Upstream struct {
	endpoint string
	client   *http.Client
}

// NewUpstream validates the Prometheus URL. It may contain a route prefix,
// but no query.
func NewUpstream(serverURL string) (*Upstream, error) {
	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	parsedURL.Path = strings.TrimRight(parsedURL.Path, "/")

	if parsedURL.Scheme == "" || parsedURL.Host == "" || parsedURL.RawQuery != "" {
		return nil, errors.New("please define the prometheus url with a scheme and without a query, e.g. `http://localhost:9090`")
	}
	return &Upstream{
		endpoint: parsedURL.String(),
		client:   &http.Client{},
	}, nil
}

// Endpoint is the base URL queries are forwarded to.
func (u *Upstream) Endpoint() string {
	return u.endpoint
}

// BuildInfo asks the upstream for its version. It is used to tell the user
// early that the URL does not point to a Prometheus.
func (u *Upstream) BuildInfo(ctx context.Context) (BuildInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.endpoint+buildInfoPath, nil)
	if err != nil {
		return BuildInfo{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		return BuildInfo{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	info, err := decodeBuildInfo(resp)
	if err != nil {
		return BuildInfo{}, err
	}
	slog.DebugContext(ctx, "upstream reachable",
		slog.String("endpoint", u.endpoint),
		slog.String("version", info.Version))
	return info, nil
}

type apiResponse struct {
	Status    string          `json:"status"`
	Data      json.RawMessage `json:"data"`
	ErrorType string          `json:"errorType"`
	Error     string          `json:"error"`
}

func decodeBuildInfo(resp *http.Response) (BuildInfo, error) {
	contentType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return BuildInfo{}, fmt.Errorf("failed to parse response content type header: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		if contentType != "application/json" {
			return BuildInfo{}, fmt.Errorf("expected `application/json` content type, got: %s", contentType)
		}
		var ar apiResponse
		if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
			return BuildInfo{}, fmt.Errorf("decoding json response failed: %w", err)
		}
		var bi BuildInfo
		if ar.Status != "success" || json.Unmarshal(ar.Data, &bi) != nil || bi.Version == "" {
			return BuildInfo{}, errors.New("received unexpected body")
		}
		return bi, nil

	case http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusServiceUnavailable:
		if contentType != "application/json" {
			break
		}
		var ar apiResponse
		if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
			return BuildInfo{}, fmt.Errorf("decoding json response failed: %w", err)
		}
		return BuildInfo{}, fmt.Errorf("status code: %d, %s: %s", resp.StatusCode, ar.ErrorType, ar.Error)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return BuildInfo{}, err
	}
	return BuildInfo{}, fmt.Errorf("unknown error, status: %d, body: %s", resp.StatusCode, string(respBody))
}
