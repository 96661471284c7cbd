// Package version reports the version of am itself.
package version

import (
	"runtime/debug"
	"strings"

	"golang.org/x/mod/semver"
)

// Version is stamped by the release build:
//
//	go build -ldflags "-X github.com/autometrics-dev/am/internal/version.Version=v0.7.0"
var Version string

// Dev is reported by builds without a version.
const Dev = "0.0.0-dev"

// Current returns the semantic version of the running binary without the
// leading v.
func Current() string {
	if v := normalize(Version); v != "" {
		return v
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if v := normalize(info.Main.Version); v != "" {
			return v
		}
	}
	return Dev
}

func normalize(v string) string {
	v = strings.TrimSpace(v)
	if v == "" || v == "(devel)" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return ""
	}
	return strings.TrimPrefix(v, "v")
}

type Info struct {
	Version string
	Go      string
	Commit  string
	Date    string
	Dirty   bool
}

// Read returns the version together with the VCS details recorded by the
// Go toolchain.
func Read() Info {
	i := Info{Version: Current()}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return i
	}
	i.Go = info.GoVersion
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			i.Commit = s.Value
		case "vcs.time":
			i.Date = s.Value
		case "vcs.modified":
			i.Dirty = s.Value == "true"
		}
	}
	return i
}
