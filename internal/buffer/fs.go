package buffer

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Filesystem is where a Buffer loads from and saves to.
type Filesystem interface {
	ReadAll(name string) ([]byte, error)
	WriteAll(name string, data []byte) error
}

// Local reads and writes paths as given, relative to the working directory.
var Local Filesystem = localFS{}

type localFS struct{}

func (localFS) ReadAll(name string) ([]byte, error)     { return readFile(name) }
func (localFS) WriteAll(name string, data []byte) error { return writeFileAtomic(name, data, 0o644) }
func (localFS) Exists(name string) (bool, error)        { return exists(name) }

// Dir is a Filesystem confined to a root directory. Names are slash
// separated and may not be absolute or climb above the root.
type Dir string

func (d Dir) ReadAll(name string) ([]byte, error) {
	p, err := d.resolve(name)
	if err != nil {
		return nil, err
	}
	return readFile(p)
}

func (d Dir) WriteAll(name string, data []byte) error {
	p, err := d.resolve(name)
	if err != nil {
		return err
	}
	return writeFileAtomic(p, data, 0o644)
}

func (d Dir) Exists(name string) (bool, error) {
	p, err := d.resolve(name)
	if err != nil {
		return false, err
	}
	return exists(p)
}

func (d Dir) resolve(name string) (string, error) {
	if name == "" || strings.IndexByte(name, 0) >= 0 {
		return "", errors.WithMessagef(ErrAccessViolation, "invalid name %q", name)
	}
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || filepath.VolumeName(clean) != "" ||
		clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", errors.WithMessagef(ErrAccessViolation, "%q escapes root", name)
	}
	return filepath.Join(string(d), clean), nil
}

func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, classify(err, "open "+path)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, classify(err, "stat "+path)
	}
	if st.IsDir() {
		return nil, errors.WithMessagef(ErrNotFound, "%s is a directory", path)
	}
	if st.Size() > MaxSize {
		return nil, errors.WithMessagef(ErrTooLarge, "%s is %d bytes", path, st.Size())
	}

	// The file may grow between Stat and read.
	data, err := io.ReadAll(io.LimitReader(f, MaxSize+1))
	if err != nil {
		return nil, classify(err, "read "+path)
	}
	return data, nil
}

func writeFileAtomic(path string, contents []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return classify(err, "mkdir "+dir)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return classify(err, "create temp in "+dir)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(contents); err != nil {
		_ = tmp.Close()
		cleanup()
		return classify(err, "write "+tmpName)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return classify(err, "sync "+tmpName)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return classify(err, "close "+tmpName)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return classify(err, "chmod "+tmpName)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return classify(err, "rename to "+path)
	}
	return nil
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, classify(err, "stat "+path)
	}
}

func classify(err error, op string) error {
	switch {
	case os.IsNotExist(err):
		return errors.WithMessagef(ErrNotFound, "%s: %v", op, err)
	case os.IsPermission(err):
		return errors.WithMessagef(ErrAccessViolation, "%s: %v", op, err)
	default:
		return errors.WithMessagef(ErrIO, "%s: %v", op, err)
	}
}
