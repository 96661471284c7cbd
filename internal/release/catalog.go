package release

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/autometrics-dev/am/internal/log"

	"golang.org/x/mod/semver"
	"golang.org/x/time/rate"
)

const DefaultGitHubAPI = "https://api.github.com"

// Release is a published release with its downloadable assets.
type Release struct {
	Tag string
	// Version is the tag without the leading v.
	Version    string
	Prerelease bool
	Assets     []Asset
}

type Asset struct {
	Name   string
	URL    string
	Digest string
	Size   int64
}

// Asset returns the asset called name.
func (r Release) Asset(name string) (Asset, bool) {
	for _, a := range r.Assets {
		if a.Name == name {
			return a, true
		}
	}
	return Asset{}, false
}

// GitHub reads releases through the GitHub REST API. Requests are rate
// limited and retried. The catalog is read only.
type GitHub struct {
	baseURL string
	client  *http.Client
	token   string
	limiter *rate.Limiter
	retry   Retry
}

type GitHubOption func(*GitHub)

func WithBaseURL(u string) GitHubOption {
	return func(g *GitHub) {
		g.baseURL = strings.TrimSuffix(u, "/")
	}
}

func WithHTTPClient(c *http.Client) GitHubOption {
	return func(g *GitHub) {
		g.client = c
	}
}

// WithToken authenticates the API requests, GitHub allows more of them.
func WithToken(token string) GitHubOption {
	return func(g *GitHub) {
		g.token = token
	}
}

func WithRetry(r Retry) GitHubOption {
	return func(g *GitHub) {
		g.retry = r
	}
}

func NewGitHub(opts ...GitHubOption) *GitHub {
	g := &GitHub{
		baseURL: DefaultGitHubAPI,
		client:  &http.Client{Timeout: 30 * time.Second},
		// unauthenticated clients get 60 requests per hour
		limiter: rate.NewLimiter(rate.Every(time.Second), 5),
		retry:   DefaultRetry(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

type ghRelease struct {
	TagName    string    `json:"tag_name"`
	Draft      bool      `json:"draft"`
	Prerelease bool      `json:"prerelease"`
	Assets     []ghAsset `json:"assets"`
}

type ghAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	Digest             string `json:"digest"`
	Size               int64  `json:"size"`
}

func (g *GitHub) header() http.Header {
	h := http.Header{}
	h.Set("Accept", "application/vnd.github+json")
	h.Set("X-GitHub-Api-Version", "2022-11-28")
	if g.token != "" {
		h.Set("Authorization", "Bearer "+g.token)
	}
	return h
}

// Releases lists the releases of repo. Drafts and tags that are not
// semantic versions are skipped.
func (g *GitHub) Releases(ctx context.Context, repo string) ([]Release, error) {
	url := fmt.Sprintf("%s/repos/%s/releases?per_page=100", g.baseURL, repo)
	ctx = log.ContextAttrs(ctx, slog.String("repo", repo))

	var raw []ghRelease
	err := g.retry.do(ctx, "list releases", url, func(ctx context.Context) error {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
		resp, err := get(ctx, g.client, url, g.header())
		if err != nil {
			return err
		}
		defer func() {
			_ = resp.Body.Close()
		}()
		raw = nil
		return json.NewDecoder(resp.Body).Decode(&raw)
	})
	if err != nil {
		return nil, err
	}

	ret := make([]Release, 0, len(raw))
	for _, r := range raw {
		if r.Draft {
			continue
		}
		v := canonical(r.TagName)
		if !semver.IsValid(v) {
			slog.DebugContext(ctx, "skipping release with a non semver tag", "tag", r.TagName)
			continue
		}
		rel := Release{
			Tag:        r.TagName,
			Version:    strings.TrimPrefix(v, "v"),
			Prerelease: r.Prerelease || semver.Prerelease(v) != "",
		}
		for _, a := range r.Assets {
			rel.Assets = append(rel.Assets, Asset{
				Name:   a.Name,
				URL:    a.BrowserDownloadURL,
				Digest: a.Digest,
				Size:   a.Size,
			})
		}
		ret = append(ret, rel)
	}
	slog.DebugContext(ctx, "listed releases", "count", len(ret))
	return ret, nil
}

// maxSmallFile bounds checksum and signature downloads.
const maxSmallFile = 1 << 20

// Download reads a small asset like a checksums file.
func (g *GitHub) Download(ctx context.Context, url string) ([]byte, error) {
	var body []byte
	err := g.retry.do(ctx, "download", url, func(ctx context.Context) error {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
		resp, err := get(ctx, g.client, url, nil)
		if err != nil {
			return err
		}
		defer func() {
			_ = resp.Body.Close()
		}()
		body, err = io.ReadAll(io.LimitReader(resp.Body, maxSmallFile))
		return err
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}
