package volume

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vdo-uds/uds/pkg/fs"
)

func TestOpenSecondHandleIsRejectedByLock(t *testing.T) {
	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "vol0")

	h := testHeader()
	h.Nonce = 1

	v, err := Create(fsys, path, h, 4)
	require.NoError(t, err)
	defer v.Close()

	_, err = Open(fsys, path, h.Nonce, 4)
	require.ErrorIs(t, err, ErrLocked)
}

func TestCloseReleasesLockForNextOpen(t *testing.T) {
	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "vol0")

	h := testHeader()
	h.Nonce = 1

	v, err := Create(fsys, path, h, 4)
	require.NoError(t, err)
	require.NoError(t, v.Close())

	v2, err := Open(fsys, path, h.Nonce, 4)
	require.NoError(t, err)
	require.NoError(t, v2.Close())
}
