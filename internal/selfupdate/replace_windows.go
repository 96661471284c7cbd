package selfupdate

import (
	"errors"
	"fmt"
	"os"
)

// moveAside renames the running image away, Windows allows renaming but
// not replacing or deleting it.
type moveAside struct {
	path   string
	backup string
}

func replaceExecutable(path, newPath string) (Rollback, error) {
	backup := backupPath(path)
	if err := os.Rename(path, backup); err != nil {
		return nil, fmt.Errorf("moving %s aside: %w", path, err)
	}
	if err := os.Rename(newPath, path); err != nil {
		if rerr := os.Rename(backup, path); rerr != nil {
			return nil, errors.Join(err, rerr)
		}
		return nil, err
	}
	return &moveAside{path: path, backup: backup}, nil
}

func (r *moveAside) Rollback() error {
	if err := os.Remove(r.path); err != nil {
		return err
	}
	return os.Rename(r.backup, r.path)
}

func (r *moveAside) Commit() (string, error) {
	if err := os.Remove(r.backup); err != nil && !errors.Is(err, os.ErrNotExist) {
		// the running image, removed by RemoveStale on a later run
		return r.backup, nil
	}
	return "", nil
}
