package release

import (
	"fmt"
	"strings"

	"github.com/autometrics-dev/am/internal/model"
)

// Source describes where the releases of a kind are published.
type Source struct {
	Kind string
	// Repo is the GitHub owner/name.
	Repo string
	// Checksums is the name of the release asset listing sha256 sums.
	Checksums string
	// Binary is the executable inside the release asset, without the .exe
	// suffix.
	Binary string
	asset  func(version string, p model.Platform) (string, error)
}

var sources = map[string]Source{
	model.KindPrometheus: {
		Kind:      model.KindPrometheus,
		Repo:      "prometheus/prometheus",
		Checksums: "sha256sums.txt",
		Binary:    "prometheus",
		asset: func(version string, p model.Platform) (string, error) {
			ext := ".tar.gz"
			if p.OS == "windows" {
				ext = ".zip"
			}
			return fmt.Sprintf("prometheus-%s.%s-%s%s", version, p.OS, p.Arch, ext), nil
		},
	},
	model.KindSelf: {
		Kind:      model.KindSelf,
		Repo:      "autometrics-dev/am",
		Checksums: "am-checksums.txt",
		Binary:    "am",
		asset: func(_ string, p model.Platform) (string, error) {
			triple, err := p.Triple()
			if err != nil {
				return "", err
			}
			return "am-" + triple + ".tar.gz", nil
		},
	},
}

// SourceFor returns the release source of kind.
func SourceFor(kind string) (Source, error) {
	s, ok := sources[kind]
	if !ok {
		return Source{}, fmt.Errorf("unknown artifact kind %q", kind)
	}
	return s, nil
}

// AssetName returns the name of the release asset for version and p.
func (s Source) AssetName(version string, p model.Platform) (string, error) {
	return s.asset(strings.TrimPrefix(version, "v"), p)
}

// BinaryName is the file name of the executable on p.
func (s Source) BinaryName(p model.Platform) string {
	if p.OS == "windows" {
		return s.Binary + ".exe"
	}
	return s.Binary
}
