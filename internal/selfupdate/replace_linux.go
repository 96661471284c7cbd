package selfupdate

import (
	"errors"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"
)

// exchange swaps the two names in one renameat2 call. After the swap
// staged holds the previous executable.
type exchange struct {
	path   string
	staged string
}

func replaceExecutable(path, newPath string) (Rollback, error) {
	err := unix.Renameat2(unix.AT_FDCWD, newPath, unix.AT_FDCWD, path, unix.RENAME_EXCHANGE)
	switch {
	case err == nil:
		return &exchange{path: path, staged: newPath}, nil
	case errors.Is(err, unix.ENOSYS), errors.Is(err, unix.EINVAL), errors.Is(err, unix.EOPNOTSUPP):
		slog.Debug("renameat2 exchange not supported: using hard link backup", "err", err)
		return replaceByLink(path, newPath)
	default:
		return nil, &os.LinkError{Op: "renameat2", Old: newPath, New: path, Err: err}
	}
}

func (r *exchange) Rollback() error {
	if err := unix.Renameat2(unix.AT_FDCWD, r.staged, unix.AT_FDCWD, r.path, unix.RENAME_EXCHANGE); err != nil {
		return &os.LinkError{Op: "renameat2", Old: r.staged, New: r.path, Err: err}
	}
	return os.Remove(r.staged)
}

func (r *exchange) Commit() (string, error) {
	if err := os.Remove(r.staged); err != nil && !errors.Is(err, os.ErrNotExist) {
		return r.staged, err
	}
	return "", nil
}
