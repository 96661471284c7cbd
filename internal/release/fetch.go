package release

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/autometrics-dev/am/internal/log"
	"github.com/autometrics-dev/am/internal/model"
	"github.com/autometrics-dev/am/internal/store"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// Fetcher downloads, verifies and installs artifacts under dir:
//
//	<dir>/<kind>/<version>/...           promoted install
//	<dir>/<kind>/.staging-<uuid>/...     extraction in progress
//	<dir>/<kind>/.download-<uuid>        download in progress
//	<dir>/<kind>/.<version>.old-<uuid>   reinstalled version kept aside
//
// A failed or canceled fetch removes its staging and download files, the
// promoted directories are only created by a rename.
type Fetcher struct {
	dir    string
	db     *sql.DB
	client *http.Client
	retry  Retry
	stall  time.Duration
	retain int
	now    func() time.Time
	group  singleflight.Group

	mx      sync.Mutex
	flights map[string]*flight
}

// flight is the context of a coalesced fetch. It is canceled when the last
// caller waiting for it goes away.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

type FetcherOption func(*Fetcher)

func WithFetchClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) {
		f.client = c
	}
}

func WithFetchRetry(r Retry) FetcherOption {
	return func(f *Fetcher) {
		f.retry = r
	}
}

// WithStallTimeout cancels a download attempt receiving no data for d.
func WithStallTimeout(d time.Duration) FetcherOption {
	return func(f *Fetcher) {
		f.stall = d
	}
}

// WithRetain keeps the n most recent installs per kind.
func WithRetain(n int) FetcherOption {
	return func(f *Fetcher) {
		f.retain = n
	}
}

func NewFetcher(dir string, db *sql.DB, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		dir:    dir,
		db:     db,
		client: &http.Client{},
		retry:  DefaultRetry(),
		stall:  model.DefaultStallTimeout,
		retain:  model.DefaultRetain,
		now:     time.Now,
		flights: make(map[string]*flight),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Dir is the install root.
func (f *Fetcher) Dir() string {
	return f.dir
}

// Fetch installs a and makes it the active version of its kind. Concurrent
// fetches of the same artifact share one download which runs until the last
// of the callers goes away. That caller returns once the canceled download
// is cleaned up.
func (f *Fetcher) Fetch(ctx context.Context, a model.Artifact) (model.InstalledArtifact, error) {
	key := flightKey(a)
	for {
		fl := f.join(ctx, key)
		ch := f.group.DoChan(key, func() (any, error) {
			defer fl.cancel()
			return f.fetch(fl.ctx, a)
		})
		select {
		case <-ctx.Done():
			if f.leave(key, fl) {
				<-ch
			}
			return model.InstalledArtifact{}, ctx.Err()
		case res := <-ch:
			f.leave(key, fl)
			if res.Err != nil {
				// joined a download canceled by the callers who left
				if errors.Is(res.Err, context.Canceled) && ctx.Err() == nil {
					continue
				}
				return model.InstalledArtifact{}, res.Err
			}
			return res.Val.(model.InstalledArtifact), nil
		}
	}
}

func flightKey(a model.Artifact) string {
	return a.String() + "/" + a.Platform.String()
}

func (f *Fetcher) join(ctx context.Context, key string) *flight {
	f.mx.Lock()
	defer f.mx.Unlock()
	fl, ok := f.flights[key]
	if !ok || fl.ctx.Err() != nil {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		fl = &flight{ctx: fctx, cancel: cancel}
		f.flights[key] = fl
	}
	fl.waiters++
	return fl
}

// leave reports whether the caller was the last one waiting for fl.
func (f *Fetcher) leave(key string, fl *flight) bool {
	f.mx.Lock()
	defer f.mx.Unlock()
	fl.waiters--
	if fl.waiters > 0 {
		return false
	}
	if f.flights[key] == fl {
		delete(f.flights, key)
	}
	fl.cancel()
	return true
}

func (f *Fetcher) fetch(ctx context.Context, a model.Artifact) (model.InstalledArtifact, error) {
	ctx = log.ContextAttrs(ctx, slog.String("artifact", a.String()))
	src, err := SourceFor(a.Kind)
	if err != nil {
		return model.InstalledArtifact{}, err
	}
	if !strings.HasPrefix(a.Digest, "sha256:") {
		return model.InstalledArtifact{}, fmt.Errorf("%s: unsupported digest %q", a, a.Digest)
	}
	kindDir := filepath.Join(f.dir, a.Kind)
	restoreAside(ctx, kindDir, a.Version)

	if inst, err := store.Get(ctx, f.db, a.Kind, a.Version); err == nil && inst.Digest == a.Digest {
		if _, err := os.Stat(inst.Binary); err == nil {
			slog.DebugContext(ctx, "already installed", "path", inst.Path)
			if err := store.Activate(ctx, f.db, a.Kind, a.Version); err != nil {
				return model.InstalledArtifact{}, err
			}
			inst.Active = true
			return inst, nil
		}
	}

	if err := os.MkdirAll(kindDir, 0o755); err != nil {
		return model.InstalledArtifact{}, fmt.Errorf("creating install dir: %w", err)
	}

	download := filepath.Join(kindDir, ".download-"+uuid.NewString())
	defer func() {
		_ = os.Remove(download)
	}()
	if err := f.download(ctx, a, download); err != nil {
		return model.InstalledArtifact{}, err
	}

	staging := filepath.Join(kindDir, ".staging-"+uuid.NewString())
	defer func() {
		_ = os.RemoveAll(staging)
	}()
	binary, err := f.stage(a, src, download, staging)
	if err != nil {
		return model.InstalledArtifact{}, err
	}
	if ctx.Err() != nil {
		return model.InstalledArtifact{}, ctx.Err()
	}

	// an existing directory of this version stays aside until the ledger
	// points to the new one
	final := filepath.Join(kindDir, a.Version)
	aside := filepath.Join(kindDir, "."+a.Version+".old-"+uuid.NewString())
	if err := os.Rename(final, aside); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return model.InstalledArtifact{}, fmt.Errorf("moving previous install aside: %w", err)
		}
		aside = ""
	}
	restore := func() {
		if aside == "" {
			return
		}
		if err := os.Rename(aside, final); err != nil {
			slog.ErrorContext(ctx, "restoring previous install failed", "path", aside, "err", err)
		}
	}
	if err := os.Rename(staging, final); err != nil {
		restore()
		return model.InstalledArtifact{}, fmt.Errorf("promoting install: %w", err)
	}

	inst := model.InstalledArtifact{
		Kind:        a.Kind,
		Version:     a.Version,
		Path:        final,
		Binary:      filepath.Join(final, filepath.FromSlash(binary)),
		Digest:      a.Digest,
		InstalledAt: f.now().UTC(),
		Active:      true,
	}
	if err := store.Install(ctx, f.db, inst); err != nil {
		_ = os.RemoveAll(final)
		restore()
		return model.InstalledArtifact{}, err
	}
	if aside != "" {
		if err := os.RemoveAll(aside); err != nil {
			slog.WarnContext(ctx, "removing previous install failed", "path", aside, "err", err)
		}
	}
	slog.InfoContext(ctx, "installed", "path", inst.Path)

	if _, err := f.Prune(ctx, a.Kind, f.retain); err != nil {
		slog.WarnContext(ctx, "pruning old installs failed", "err", err)
	}
	return inst, nil
}

// download streams a.URL into dst and verifies the digest. On mismatch
// dst is removed and a *model.IntegrityError returned.
func (f *Fetcher) download(ctx context.Context, a model.Artifact, dst string) error {
	err := f.retry.do(ctx, "download", a.URL, func(ctx context.Context) error {
		ctx, cancel := context.WithCancelCause(ctx)
		defer cancel(nil)

		resp, err := get(ctx, f.client, a.URL, nil)
		if err != nil {
			return err
		}
		defer func() {
			_ = resp.Body.Close()
		}()

		out, err := os.Create(dst)
		if err != nil {
			return err
		}
		h := sha256.New()
		body := newStallReader(resp.Body, f.stall, cancel)
		n, err := io.Copy(io.MultiWriter(out, h), body)
		body.Stop()
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			if errors.Is(context.Cause(ctx), ErrStalled) {
				return ErrStalled
			}
			return err
		}
		actual := "sha256:" + hex.EncodeToString(h.Sum(nil))
		if actual != strings.ToLower(a.Digest) {
			return &model.IntegrityError{Artifact: a.String(), Expected: a.Digest, Actual: actual}
		}
		slog.DebugContext(ctx, "downloaded", "bytes", n)
		return nil
	})
	if err != nil {
		_ = os.Remove(dst)
	}
	return err
}

// stage extracts the download into staging and returns the slash
// separated path of the binary inside it.
func (f *Fetcher) stage(a model.Artifact, src Source, download, staging string) (string, error) {
	if err := os.Mkdir(staging, 0o755); err != nil {
		return "", fmt.Errorf("creating staging dir: %w", err)
	}
	root, err := os.OpenRoot(staging)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = root.Close()
	}()

	in, err := os.Open(download)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = in.Close()
	}()

	binName := src.BinaryName(a.Platform)
	if err := extract(root, in, a.Name, binName); err != nil {
		return "", fmt.Errorf("extracting %s: %w", a.Name, err)
	}
	bin, err := findBinary(root, binName)
	if err != nil {
		return "", err
	}
	if err := root.Chmod(bin, 0o755); err != nil {
		return "", err
	}
	return path.Clean(bin), nil
}

// Prune removes installs of kind beyond the retain most recent ones. The
// active install is always kept. It returns the removed installs.
func (f *Fetcher) Prune(ctx context.Context, kind string, retain int) ([]model.InstalledArtifact, error) {
	list, err := store.List(ctx, f.db, kind)
	if err != nil {
		return nil, err
	}
	var removed []model.InstalledArtifact
	kept := 0
	for _, inst := range list {
		if inst.Active || kept < retain {
			kept++
			continue
		}
		if err := f.remove(ctx, inst); err != nil {
			return removed, err
		}
		removed = append(removed, inst)
	}
	return removed, nil
}

// Uninstall removes every install of kind, including the active one.
func (f *Fetcher) Uninstall(ctx context.Context, kind string) ([]model.InstalledArtifact, error) {
	list, err := store.List(ctx, f.db, kind)
	if err != nil {
		return nil, err
	}
	if err := store.Deactivate(ctx, f.db, kind); err != nil {
		return nil, err
	}
	var removed []model.InstalledArtifact
	for _, inst := range list {
		if err := f.remove(ctx, inst); err != nil {
			return removed, err
		}
		removed = append(removed, inst)
	}
	return removed, nil
}

func (f *Fetcher) remove(ctx context.Context, inst model.InstalledArtifact) error {
	if err := store.Remove(ctx, f.db, inst.Kind, inst.Version); err != nil {
		return err
	}
	if err := os.RemoveAll(inst.Path); err != nil {
		return fmt.Errorf("removing %s: %w", inst, err)
	}
	slog.DebugContext(ctx, "removed install", "artifact", inst.String(), "path", inst.Path)
	return nil
}

// Installed returns the active install of kind or model.ErrNotInstalled.
func (f *Fetcher) Installed(ctx context.Context, kind string) (model.InstalledArtifact, error) {
	inst, err := store.Active(ctx, f.db, kind)
	if errors.Is(err, store.ErrNotFound) {
		return model.InstalledArtifact{}, fmt.Errorf("%s: %w", kind, model.ErrNotInstalled)
	}
	if err != nil {
		return model.InstalledArtifact{}, err
	}
	if _, err := os.Stat(inst.Binary); err != nil {
		restoreAside(ctx, filepath.Join(f.dir, kind), inst.Version)
	}
	return inst, nil
}

// restoreAside puts back a version directory an interrupted fetch moved
// aside, other aside copies of the version are removed.
func restoreAside(ctx context.Context, kindDir, version string) {
	matches, err := filepath.Glob(filepath.Join(kindDir, "."+version+".old-*"))
	if err != nil || len(matches) == 0 {
		return
	}
	final := filepath.Join(kindDir, version)
	_, err = os.Stat(final)
	missing := errors.Is(err, fs.ErrNotExist)
	for _, m := range matches {
		if missing {
			if err := os.Rename(m, final); err == nil {
				slog.WarnContext(ctx, "restored install of an interrupted fetch", "path", final)
				missing = false
				continue
			}
		}
		_ = os.RemoveAll(m)
	}
}

// List returns all installs of kind, all kinds when kind is empty.
func (f *Fetcher) List(ctx context.Context, kind string) ([]model.InstalledArtifact, error) {
	return store.List(ctx, f.db, kind)
}
