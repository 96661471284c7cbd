package selfupdate

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Rollback undoes or confirms an executable replacement.
type Rollback interface {
	// Rollback puts the previous executable back in place.
	Rollback() error
	// Commit drops the previous executable. It returns the path of a
	// backup which can't be removed while the old image runs, empty if
	// none is left.
	Commit() (string, error)
}

// ReplaceExecutable atomically puts newPath in place of path. newPath must
// be on the same filesystem, ideally in the same directory. Until the
// returned Rollback is committed the previous executable is kept.
func ReplaceExecutable(path, newPath string) (Rollback, error) {
	return replaceExecutable(path, newPath)
}

func backupPath(path string) string {
	return filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".old-"+uuid.NewString())
}

func stagePath(path string) string {
	return filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".new-"+uuid.NewString())
}

// linkReplace keeps a hard link of the executable as backup and renames
// newPath over it, so path always names a complete binary.
type linkReplace struct {
	path   string
	backup string
}

func replaceByLink(path, newPath string) (Rollback, error) {
	backup := backupPath(path)
	if err := os.Link(path, backup); err != nil {
		if err := copyFile(path, backup); err != nil {
			return nil, fmt.Errorf("backing up %s: %w", path, err)
		}
	}
	if err := os.Rename(newPath, path); err != nil {
		_ = os.Remove(backup)
		return nil, err
	}
	return &linkReplace{path: path, backup: backup}, nil
}

func (r *linkReplace) Rollback() error {
	return os.Rename(r.backup, r.path)
}

func (r *linkReplace) Commit() (string, error) {
	if err := os.Remove(r.backup); err != nil && !errors.Is(err, os.ErrNotExist) {
		return r.backup, err
	}
	return "", nil
}

// copyFile copies src to dst keeping the file mode.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = in.Close()
	}()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, info.Mode().Perm()|0o700)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, in)
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dst)
	}
	return err
}
