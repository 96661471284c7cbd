package release

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/autometrics-dev/am/internal/model"

	"github.com/ProtonMail/go-crypto/openpgp"
	"golang.org/x/mod/semver"
)

// Catalog lists published releases.
type Catalog interface {
	Releases(ctx context.Context, repo string) ([]Release, error)
	Download(ctx context.Context, url string) ([]byte, error)
}

// Resolver picks the release asset matching a version constraint and a
// platform.
type Resolver struct {
	catalog Catalog
	keyring openpgp.EntityList
}

// NewResolver returns a Resolver. With a non empty keyring, checksum files
// must carry a valid detached signature (<checksums>.asc).
func NewResolver(catalog Catalog, keyring openpgp.EntityList) *Resolver {
	return &Resolver{catalog: catalog, keyring: keyring}
}

// ReadKeyring reads an armored OpenPGP public keyring.
func ReadKeyring(r io.Reader) (openpgp.EntityList, error) {
	keys, err := openpgp.ReadArmoredKeyRing(r)
	if err != nil {
		return nil, fmt.Errorf("reading keyring: %w", err)
	}
	return keys, nil
}

// Select returns the newest release matching c, nil if none does.
func Select(releases []Release, c Constraint) *Release {
	var best *Release
	for i := range releases {
		r := &releases[i]
		if !c.Match(r.Version) {
			continue
		}
		// a prerelease flagged only on GitHub is skipped like a semver one
		if r.Prerelease && !c.prerelease && c.exact == "" {
			continue
		}
		if best == nil || semver.Compare(canonical(r.Version), canonical(best.Version)) > 0 {
			best = r
		}
	}
	return best
}

// Resolve returns the artifact of kind best matching constraint for p.
func (r *Resolver) Resolve(ctx context.Context, kind, constraint string, p model.Platform) (model.Artifact, error) {
	src, err := SourceFor(kind)
	if err != nil {
		return model.Artifact{}, err
	}
	c, err := ParseConstraint(constraint)
	if err != nil {
		return model.Artifact{}, err
	}
	releases, err := r.catalog.Releases(ctx, src.Repo)
	if err != nil {
		return model.Artifact{}, err
	}
	rel := Select(releases, c)
	if rel == nil {
		return model.Artifact{}, fmt.Errorf("%s %s: %w", kind, c, model.ErrNoMatchingRelease)
	}
	name, err := src.AssetName(rel.Version, p)
	if err != nil {
		return model.Artifact{}, err
	}
	asset, ok := rel.Asset(name)
	if !ok {
		return model.Artifact{}, fmt.Errorf("%s %s has no asset %s: %w", kind, rel.Version, name, model.ErrUnsupportedPlatform)
	}

	digest, err := r.digest(ctx, src, *rel, asset)
	if err != nil {
		return model.Artifact{}, err
	}
	slog.DebugContext(ctx, "resolved release", "kind", kind, "constraint", c.String(), "version", rel.Version, "asset", name)
	return model.Artifact{
		Kind:     kind,
		Version:  rel.Version,
		Platform: p,
		Name:     asset.Name,
		URL:      asset.URL,
		Digest:   digest,
		Size:     asset.Size,
	}, nil
}

// digest returns the expected sha256 of asset. The digest GitHub computes
// is used unless a keyring is configured, then the signed checksums file
// is authoritative.
func (r *Resolver) digest(ctx context.Context, src Source, rel Release, asset Asset) (string, error) {
	if len(r.keyring) == 0 && strings.HasPrefix(asset.Digest, "sha256:") {
		return strings.ToLower(asset.Digest), nil
	}
	sums, ok := rel.Asset(src.Checksums)
	if !ok {
		return "", fmt.Errorf("%s %s: no digest for %s and no %s", src.Kind, rel.Version, asset.Name, src.Checksums)
	}
	body, err := r.catalog.Download(ctx, sums.URL)
	if err != nil {
		return "", err
	}
	if len(r.keyring) > 0 {
		if err := r.verifySignature(ctx, rel, sums, body); err != nil {
			return "", err
		}
	}
	hexsum, err := ParseChecksums(bytes.NewReader(body), asset.Name)
	if err != nil {
		return "", fmt.Errorf("%s %s: %w", src.Kind, rel.Version, err)
	}
	return "sha256:" + hexsum, nil
}

func (r *Resolver) verifySignature(ctx context.Context, rel Release, sums Asset, body []byte) error {
	sig, ok := rel.Asset(sums.Name + ".asc")
	if !ok {
		return fmt.Errorf("%s is not signed", sums.Name)
	}
	armored, err := r.catalog.Download(ctx, sig.URL)
	if err != nil {
		return err
	}
	signer, err := openpgp.CheckArmoredDetachedSignature(r.keyring, bytes.NewReader(body), bytes.NewReader(armored), nil)
	if err != nil {
		return fmt.Errorf("verifying signature of %s: %w", sums.Name, err)
	}
	slog.DebugContext(ctx, "checksums signature verified", "file", sums.Name, "key", fmt.Sprintf("%X", signer.PrimaryKey.Fingerprint))
	return nil
}

// ParseChecksums finds the sha256 of name in a sha256sum style listing:
// "<hex>  <name>" or "<hex> *<name>" per line.
func ParseChecksums(r io.Reader, name string) (string, error) {
	s := bufio.NewScanner(r)
	for s.Scan() {
		fields := strings.Fields(s.Text())
		if len(fields) != 2 {
			continue
		}
		file := strings.TrimPrefix(fields[1], "*")
		if file != name && !strings.HasSuffix(file, "/"+name) {
			continue
		}
		sum := strings.ToLower(fields[0])
		if b, err := hex.DecodeString(sum); err != nil || len(b) != 32 {
			return "", fmt.Errorf("malformed sha256 %q for %s", fields[0], name)
		}
		return sum, nil
	}
	if err := s.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("no checksum for %s", name)
}
