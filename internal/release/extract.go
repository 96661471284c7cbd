package release

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"
)

// maxExtractedFile bounds a single extracted file.
const maxExtractedFile = 1 << 30

// extract unpacks the downloaded file f into root. The format is derived
// from the asset name, anything that is not an archive is taken as the
// binary itself and stored as bare.
func extract(root *os.Root, f *os.File, name, bare string) error {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return extractTarGz(root, f)
	case strings.HasSuffix(lower, ".zip"):
		info, err := f.Stat()
		if err != nil {
			return err
		}
		return extractZip(root, f, info.Size())
	default:
		return writeFile(root, bare, f, 0o755)
	}
}

func extractTarGz(root *os.Root, r io.Reader) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("reading gzip: %w", err)
	}
	defer func() {
		_ = gz.Close()
	}()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tar: %w", err)
		}
		name, ok := entryName(hdr.Name)
		if !ok {
			continue
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := root.MkdirAll(name, 0o755); err != nil {
				return fmt.Errorf("extracting %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			if err := writeFile(root, name, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		default:
			// links and devices are not needed to run a release binary
		}
	}
}

func extractZip(root *os.Root, r io.ReaderAt, size int64) error {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return fmt.Errorf("reading zip: %w", err)
	}
	for _, zf := range zr.File {
		name, ok := entryName(zf.Name)
		if !ok {
			continue
		}
		mode := zf.Mode()
		switch {
		case mode.IsDir():
			if err := root.MkdirAll(name, 0o755); err != nil {
				return fmt.Errorf("extracting %s: %w", zf.Name, err)
			}
		case mode.IsRegular():
			rc, err := zf.Open()
			if err != nil {
				return fmt.Errorf("extracting %s: %w", zf.Name, err)
			}
			err = writeFile(root, name, rc, mode.Perm()|0o600)
			_ = rc.Close()
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// entryName cleans an archive path. Absolute paths and paths leaving the
// archive root are rejected by os.Root as well, they are skipped here to
// report nothing for the "." entry.
func entryName(name string) (string, bool) {
	name = path.Clean(strings.TrimPrefix(name, "./"))
	if name == "." || name == "" {
		return "", false
	}
	return name, true
}

func writeFile(root *os.Root, name string, r io.Reader, mode fs.FileMode) error {
	if dir := path.Dir(name); dir != "." {
		if err := root.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("extracting %s: %w", name, err)
		}
	}
	f, err := root.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("extracting %s: %w", name, err)
	}
	n, err := io.Copy(f, io.LimitReader(r, maxExtractedFile+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("extracting %s: %w", name, err)
	}
	if n > maxExtractedFile {
		return fmt.Errorf("extracting %s: file too big", name)
	}
	return nil
}

// findBinary returns the slash separated path of the first regular file
// called name, preferring the shallowest one.
func findBinary(root *os.Root, name string) (string, error) {
	var found string
	depth := -1
	err := fs.WalkDir(root.FS(), ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != name {
			return nil
		}
		if n := strings.Count(p, "/"); depth < 0 || n < depth {
			found, depth = p, n
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", fmt.Errorf("release archive contains no %s binary", name)
	}
	return found, nil
}
