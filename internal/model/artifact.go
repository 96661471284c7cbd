package model

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Kinds of artifacts am knows how to install.
const (
	KindPrometheus = "prometheus"
	KindSelf       = "am"
)

// Platform uses Go's GOOS and GOARCH vocabulary.
type Platform struct {
	OS   string `json:"os"`
	Arch string `json:"arch"`
}

func CurrentPlatform() Platform {
	return Platform{OS: runtime.GOOS, Arch: runtime.GOARCH}
}

func (p Platform) String() string {
	return p.OS + "-" + p.Arch
}

var triples = map[Platform]string{
	{OS: "linux", Arch: "amd64"}:   "x86_64-unknown-linux-gnu",
	{OS: "linux", Arch: "arm64"}:   "aarch64-unknown-linux-gnu",
	{OS: "darwin", Arch: "amd64"}:  "x86_64-apple-darwin",
	{OS: "darwin", Arch: "arm64"}:  "aarch64-apple-darwin",
	{OS: "windows", Arch: "amd64"}: "x86_64-pc-windows-msvc",
	{OS: "windows", Arch: "arm64"}: "aarch64-pc-windows-msvc",
}

// Triple returns the target triple used by am release assets.
func (p Platform) Triple() (string, error) {
	t, ok := triples[p]
	if !ok {
		return "", fmt.Errorf("%s: %w", p, ErrUnsupportedPlatform)
	}
	return t, nil
}

// ParsePlatform accepts "os-arch", "os/arch" or a target triple.
func ParsePlatform(s string) (Platform, error) {
	s = strings.TrimSpace(s)
	for p, t := range triples {
		if s == t {
			return p, nil
		}
	}
	os, arch, ok := strings.Cut(s, "-")
	if !ok {
		os, arch, ok = strings.Cut(s, "/")
	}
	if !ok || os == "" || arch == "" || strings.ContainsAny(arch, "-/") {
		return Platform{}, fmt.Errorf("parsing platform %q: %w", s, ErrUnsupportedPlatform)
	}
	switch arch {
	case "x86_64":
		arch = "amd64"
	case "aarch64":
		arch = "arm64"
	}
	return Platform{OS: os, Arch: arch}, nil
}

// Artifact is a downloadable release asset. Version is a semantic version
// without the leading v. Digest has the form "sha256:<hex>".
type Artifact struct {
	Kind     string   `json:"kind"`
	Version  string   `json:"version"`
	Platform Platform `json:"platform"`
	Name     string   `json:"name"`
	URL      string   `json:"url"`
	Digest   string   `json:"digest"`
	Size     int64    `json:"size,omitempty"`
}

func (a Artifact) String() string {
	return a.Kind + "@" + a.Version
}

type InstalledArtifact struct {
	Kind        string    `json:"kind"`
	Version     string    `json:"version"`
	Path        string    `json:"path"`
	Binary      string    `json:"binary"`
	Digest      string    `json:"digest"`
	InstalledAt time.Time `json:"installedAt"`
	Active      bool      `json:"active"`
}

func (a InstalledArtifact) String() string {
	return a.Kind + "@" + a.Version
}
