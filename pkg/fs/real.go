package fs

import (
	"errors"
	"os"
)

// Real is the production [FS]: every method is a direct call into the
// os package with no interception. internal/volume's tests and
// cmd/udsindex both construct one via [NewReal] to drive an actual
// volume file on disk.
type Real struct{}

// NewReal returns a [Real] filesystem rooted at the process's working
// directory, same as the os package itself.
func NewReal() *Real {
	return &Real{}
}

func (*Real) Open(path string) (File, error) {
	return os.Open(path)
}

func (*Real) Create(path string) (File, error) {
	return os.Create(path)
}

func (*Real) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	return os.OpenFile(path, flag, perm)
}

func (*Real) Stat(path string) (os.FileInfo, error) {
	return os.Stat(path)
}

// Exists reports presence via [os.Stat], collapsing [os.ErrNotExist]
// into (false, nil) so callers don't need an errors.Is at every call
// site.
func (*Real) Exists(path string) (bool, error) {
	_, err := os.Stat(path)

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

func (*Real) Remove(path string) error {
	return os.Remove(path)
}

var _ FS = (*Real)(nil)
