// Single-writer enforcement via an advisory exclusive file lock.
//
// The teacher's pkg/fs.File doc comment calls out Fd() as existing
// specifically "for low-level operations like syscall.Flock", and
// golang.org/x/sys/unix is the teacher's own syscall dependency (used
// throughout the now-superseded pkg/slotcache for its mmap lifecycle).
// Using it here to take an exclusive, non-blocking flock on the volume
// file keeps the session-layer "only one writer" invariant enforceable
// at the OS level, the way the teacher's comment anticipates, without
// routing chapter I/O itself through a memory map that would bypass
// pkg/fs.Crash's fsync-gated durability simulation in internal/recovery's
// tests.
package volume

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/vdo-uds/uds/pkg/fs"
)

// ErrLocked indicates another process already holds the volume's
// exclusive lock.
var ErrLocked = errors.New("volume: already locked by another process")

func acquireExclusiveLock(f fs.File) error {
	fd := int(f.Fd())

	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return ErrLocked
		}

		return fmt.Errorf("volume: flock: %w", err)
	}

	return nil
}

func releaseLock(f fs.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
