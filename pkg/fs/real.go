package fs

import (
	"os"
)

// Real is the production [FS]: every method is a direct pass-through to the
// [os] package, with identical behavior and error semantics. [Real.Exists]
// is the only method that isn't a 1:1 mapping to one os function.
type Real struct{}

// NewReal returns the production [FS] a running volume opens its log, page
// devices and allocators through.
func NewReal() *Real {
	return &Real{}
}

func (r *Real) Open(path string) (File, error) { return os.Open(path) }

func (r *Real) Create(path string) (File, error) { return os.Create(path) }

func (r *Real) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	return os.OpenFile(path, flag, perm)
}

func (r *Real) ReadFile(path string) ([]byte, error) { return os.ReadFile(path) }

func (r *Real) WriteFile(path string, data []byte, perm os.FileMode) error {
	return os.WriteFile(path, data, perm)
}

func (r *Real) ReadDir(path string) ([]os.DirEntry, error) { return os.ReadDir(path) }

func (r *Real) MkdirAll(path string, perm os.FileMode) error { return os.MkdirAll(path, perm) }

func (r *Real) Stat(path string) (os.FileInfo, error) { return os.Stat(path) }

// Exists reports whether path exists by calling [os.Stat] and folding
// [os.ErrNotExist] into (false, nil).
func (r *Real) Exists(path string) (bool, error) {
	_, err := os.Stat(path)

	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, err
	}
}

func (r *Real) Remove(path string) error { return os.Remove(path) }

func (r *Real) RemoveAll(path string) error { return os.RemoveAll(path) }

func (r *Real) Rename(oldpath, newpath string) error { return os.Rename(oldpath, newpath) }

var _ FS = (*Real)(nil)
