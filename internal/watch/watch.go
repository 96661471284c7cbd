// Package watch reports changes to source files below a project root.
//
// Events are filtered to files a language scanner handles, outside of the
// directories the scan skips, and debounced: a batch is delivered once the
// tree has been quiet for the debounce window, or after maxWait of
// continuous changes.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/autometrics-dev/am/internal/lang"
	"github.com/autometrics-dev/am/internal/walk"

	"github.com/fsnotify/fsnotify"
)

const (
	DefaultDebounce = 300 * time.Millisecond
	maxWaitFactor   = 10
)

// Handler receives the slash separated paths, relative to the root, that
// changed since the previous call. Paths are sorted and unique.
type Handler func(ctx context.Context, changed []string)

type Watcher struct {
	root     string
	ignore   []string
	debounce time.Duration
	fsw      *fsnotify.Watcher
}

// New watches the directory tree at root. The ignore patterns are added
// to walk.DefaultIgnore.
func New(root string, ignore []string, debounce time.Duration) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	w := &Watcher{
		root:     abs,
		ignore:   append(append([]string(nil), walk.DefaultIgnore...), ignore...),
		debounce: debounce,
		fsw:      fsw,
	}
	if err := w.addTree(abs); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// Do delivers batches of changes to fn until ctx is canceled and closes
// the watcher. Calls of fn don't overlap, changes arriving meanwhile form
// the next batch.
func (w *Watcher) Do(ctx context.Context, fn Handler) error {
	defer func() {
		_ = w.fsw.Close()
	}()
	changes := make(chan string, 256)
	done := make(chan struct{})
	ctx, stop := context.WithCancel(ctx)
	go func() {
		defer close(done)
		debounce(ctx, changes, w.debounce, maxWaitFactor*w.debounce, fn)
	}()
	defer func() {
		<-done
	}()
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			rel, ok := w.relevant(ev)
			if !ok {
				continue
			}
			select {
			case changes <- rel:
			case <-ctx.Done():
				return nil
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				slog.WarnContext(ctx, "file watcher overflow, changes may be missed", "root", w.root)
				continue
			}
			slog.ErrorContext(ctx, "file watcher failed", "root", w.root, "err", err)
		}
	}
}

// Close releases the watcher when Do is never called.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// relevant returns the relative path of a scannable file. New
// directories are added to the watch list on the way.
func (w *Watcher) relevant(ev fsnotify.Event) (string, bool) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if walk.Ignored(rel, w.ignore) {
		return "", false
	}
	if ev.Has(fsnotify.Create) {
		if info, err := os.Lstat(ev.Name); err == nil && info.IsDir() {
			if walk.Ignored(rel+"/_", w.ignore) {
				return "", false
			}
			if err := w.addTree(ev.Name); err != nil {
				slog.Warn("watching new directory failed", "path", ev.Name, "err", err)
			}
			// files created before the watch was added are not reported
			return rel, true
		}
	}
	if ev.Op == fsnotify.Chmod {
		return "", false
	}
	if _, ok := lang.Detect(rel); !ok {
		// a removed or renamed directory takes its sources with it
		return rel, ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)
	}
	return rel, true
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != w.root {
			rel, err := filepath.Rel(w.root, p)
			// Ignored looks at the parents of a path, so ask for a child
			if err == nil && walk.Ignored(filepath.ToSlash(rel)+"/_", w.ignore) {
				return filepath.SkipDir
			}
		}
		if err := w.fsw.Add(p); err != nil {
			return fmt.Errorf("watching %s: %w", p, err)
		}
		return nil
	})
}

// debounce collects paths from in and hands them to fn once no path
// arrived for quiet, or maxWait after the first path of a batch.
func debounce(ctx context.Context, in <-chan string, quiet, maxWait time.Duration, fn Handler) {
	var (
		batch    = make(map[string]struct{})
		timer    = time.NewTimer(quiet)
		deadline time.Time
	)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case p := <-in:
			if len(batch) == 0 {
				deadline = time.Now().Add(maxWait)
			}
			batch[p] = struct{}{}
			timer.Reset(min(quiet, time.Until(deadline)))
		case <-timer.C:
			changed := make([]string, 0, len(batch))
			for p := range batch {
				changed = append(changed, p)
			}
			slices.Sort(changed)
			clear(batch)
			fn(ctx, changed)
		}
	}
}
