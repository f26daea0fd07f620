// Package fs is the filesystem collaborator internal/volume uses for
// superblock and chapter I/O, plus a crash-consistency test double
// ([Crash]) internal/recovery's tests use to drive the rebuild loss
// bound (spec.md §4.10) against real torn writes instead of a
// hand-assembled volume.
//
// The surface is deliberately small: a volume lives in exactly one
// file, opened once and read/written at byte offsets for the life of
// the session, so [FS] only needs enough to open, check for, and
// remove that file. There is no directory walking, no nested paths,
// and no streaming-file convenience API — those belong to a
// general-purpose filesystem package, not a single-file store's
// collaborator.
package fs

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// File is an open OS-backed file descriptor, the subset of [os.File]
// that chapter I/O ([internal/volume]) and lock acquisition
// ([internal/volume]'s Flock call) need.
//
// Fd must return a descriptor usable with syscalls for as long as the
// file stays open, mirroring [os.File.Fd]'s contract — internal/volume
// relies on this for golang.org/x/sys/unix.Flock.
type File interface {
	io.ReadWriteCloser
	io.Seeker

	// Fd returns the OS file descriptor, valid until Close.
	Fd() uintptr

	// Stat returns file metadata. See [os.File.Stat].
	Stat() (os.FileInfo, error)

	// Sync commits the file's contents to stable storage. See
	// [os.File.Sync].
	Sync() error
}

// FS opens and manages the single volume file a [Session] owns.
//
// Real uses the host filesystem directly; Crash wraps a base FS and
// tracks sync boundaries so tests can simulate an unclean shutdown.
type FS interface {
	// Open opens an existing path read-only. See [os.Open];
	// internal/recovery's crash tests also use it to get a
	// directory handle (path ".") purely to call Sync on it.
	Open(path string) (File, error)

	// Create creates or truncates path for writing. See [os.Create].
	Create(path string) (File, error)

	// OpenFile opens path with the given flags and permissions, the
	// primitive [internal/volume.Create]/[internal/volume.Open] build
	// on. See [os.OpenFile].
	OpenFile(path string, flag int, perm os.FileMode) (File, error)

	// Stat returns metadata for path. See [os.Stat].
	Stat(path string) (os.FileInfo, error)

	// Exists reports whether path is present. Returns (false, nil) if
	// absent, (false, err) on any other Stat failure.
	Exists(path string) (bool, error)

	// Remove deletes path. See [os.Remove]; used by [Session.Destroy].
	Remove(path string) error
}

var _ File = (*os.File)(nil)

// ErrShortIO is returned by [ReadFullAt] when fewer bytes were
// available than requested before EOF. internal/volume wraps it with
// chapter/header context rather than surfacing a bare io.EOF, since a
// short read partway through a chapter slot means something more
// specific than "end of file".
var ErrShortIO = errors.New("fs: short read or write")

// ReadFullAt seeks f to offset and reads exactly len(buf) bytes,
// retrying short reads until buf is full. It is the primitive behind
// every fixed-size read internal/volume does: the superblock, a
// chapter slot, and a single record or index page are all read this
// way.
func ReadFullAt(f File, buf []byte, offset int64) (int, error) {
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, err
	}

	total := 0
	for total < len(buf) {
		n, err := f.Read(buf[total:])
		total += n

		if err != nil {
			if errors.Is(err, io.EOF) && total < len(buf) {
				return total, fmt.Errorf("%w: at offset %d, got %d of %d bytes", ErrShortIO, offset, total, len(buf))
			}

			return total, err
		}

		if n == 0 {
			return total, fmt.Errorf("%w: at offset %d, got %d of %d bytes", ErrShortIO, offset, total, len(buf))
		}
	}

	return total, nil
}

// WriteZerosAt seeks f to offset and writes n zero bytes past it, in
// bounded chunks rather than one n-byte allocation. internal/volume
// uses this once, at Create, to give the chapters partition a stable
// on-disk size before any chapter is formatted.
func WriteZerosAt(f File, offset, n int64) error {
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return err
	}

	const chunk = 1 << 20

	buf := make([]byte, chunk)

	for n > 0 {
		writeLen := int64(chunk)
		if n < writeLen {
			writeLen = n
		}

		if _, err := f.Write(buf[:writeLen]); err != nil {
			return err
		}

		n -= writeLen
	}

	return nil
}

// ReadPageAt reads the bytesPerPage-sized page at the given 0-based
// page index, relative to base. internal/volume's record-page and
// chapter-index page reads are both page-index addressed within a
// chapter slot; this is the shared primitive for both.
func ReadPageAt(f File, bytesPerPage int, base int64, pageIndex int64) ([]byte, error) {
	buf := make([]byte, bytesPerPage)
	if _, err := ReadFullAt(f, buf, base+pageIndex*int64(bytesPerPage)); err != nil {
		return nil, err
	}

	return buf, nil
}

// WritePageAt writes page at the page-aligned offset base +
// pageIndex*bytesPerPage, right-padding with zeros if page is shorter
// than bytesPerPage. Returns an error if page is longer than
// bytesPerPage: a caller asking to write more than one page at a
// single page index is a programming error, not a partial write to
// recover from.
func WritePageAt(f File, bytesPerPage int, base int64, pageIndex int64, page []byte) error {
	if len(page) > bytesPerPage {
		return fmt.Errorf("fs: page is %d bytes, exceeds page size %d", len(page), bytesPerPage)
	}

	buf := make([]byte, bytesPerPage)
	copy(buf, page)

	if _, err := f.Seek(base+pageIndex*int64(bytesPerPage), io.SeekStart); err != nil {
		return err
	}

	_, err := f.Write(buf)

	return err
}
