//go:build !linux && !windows

package selfupdate

func replaceExecutable(path, newPath string) (Rollback, error) {
	return replaceByLink(path, newPath)
}
