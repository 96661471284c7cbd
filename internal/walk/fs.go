package walk

import (
	"context"
	"io"
	"io/fs"
	"iter"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Entry is a regular file found by a walk.
type Entry interface {
	// Path is the file path prefixed with the name of the walked root.
	Path() string
	// Rel is the slash separated path relative to the walked root.
	Rel() string
	Open() (io.ReadCloser, error)
	Stat() (fs.FileInfo, error)
}

// DefaultIgnore lists directories that never contain first party sources.
var DefaultIgnore = []string{
	".git",
	".hg",
	".svn",
	".venv",
	"__pycache__",
	"build",
	"dist",
	"node_modules",
	"target",
	"vendor",
	"venv",
}

// Root is a convenience wrapper around FS for os.Root. See FS for details.
func Root(ctx context.Context, root *os.Root, ignore []string) iter.Seq2[Entry, error] {
	return FS(ctx, root.FS(), root.Name(), ignore)
}

// FS recursively walks the filesystem rooted at root and return a handle for every regular file found.
// Or an error if file information retrieval fails.
// Directories whose name or relative path matches one of the ignore
// patterns (path.Match syntax) are skipped, as are hidden directories.
// Each Entry's Path() is prefixed with name of a filesystem. It does not follow symlinks.
func FS(ctx context.Context, root fs.FS, name string, ignore []string) iter.Seq2[Entry, error] {
	if root == nil {
		panic("root is nil")
	}

	return func(yield func(Entry, error) bool) {
		fn := func(p string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return fs.SkipAll
			}
			if err == nil && d.IsDir() {
				if p != "." && ignored(p, d.Name(), ignore) {
					return fs.SkipDir
				}
				return nil
			}
			var entry = fsEntry{
				root:    root,
				abspath: filepath.Join(name, filepath.FromSlash(p)),
				path:    p,
			}
			var yieldErr error
			if err != nil {
				yieldErr = err
				entry.infoErr = err
			} else {
				info, err := d.Info()
				if err != nil {
					entry.infoErr = err
					yieldErr = err
				} else {
					if !info.Mode().IsRegular() {
						return nil
					}
					entry.info = info
				}
			}

			if !yield(entry, yieldErr) {
				return fs.SkipAll
			}
			if err != nil && d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		_ = fs.WalkDir(root, ".", fn)
	}
}

func ignored(rel, base string, ignore []string) bool {
	if strings.HasPrefix(base, ".") {
		return true
	}
	for _, pattern := range ignore {
		if ok, _ := path.Match(pattern, base); ok {
			return true
		}
		if ok, _ := path.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// fsEntry implements Entry for a filesystem
// it uses root.Open to open the file
type fsEntry struct {
	root    fs.FS
	abspath string
	path    string
	info    fs.FileInfo
	infoErr error
}

func (e fsEntry) Path() string {
	return e.abspath
}

func (e fsEntry) Rel() string {
	return e.path
}

func (e fsEntry) Open() (io.ReadCloser, error) {
	if e.infoErr != nil {
		return nil, e.infoErr
	}
	return e.root.Open(e.path)
}

func (e fsEntry) Stat() (fs.FileInfo, error) {
	return e.info, e.infoErr
}

// Ignored reports whether the slash separated path rel lies below a
// directory FS skips with the same ignore patterns.
func Ignored(rel string, ignore []string) bool {
	for dir := path.Dir(rel); dir != "." && dir != "/"; dir = path.Dir(dir) {
		if ignored(dir, path.Base(dir), ignore) {
			return true
		}
	}
	return false
}
