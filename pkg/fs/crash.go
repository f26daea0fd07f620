package fs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// TempDirer is the minimal subset of *testing.T/*testing.B that
// [NewCrash] needs to allocate its private staging directory, kept as
// an interface rather than a direct *testing.T parameter so Crash
// itself never imports the testing package.
type TempDirer interface {
	TempDir() string
}

// ErrCrashFS marks an error raised by Crash's own bookkeeping (e.g.
// reverting a path during [Crash.SimulateCrash]) rather than one
// passed through from the wrapped base [FS].
var ErrCrashFS = errors.New("crashfs")

// CrashConfig configures a [Crash]. The zero value is the only model
// this package implements: strict fsync-gated durability. A write
// survives [Crash.SimulateCrash] only once the file itself has been
// [File.Sync]ed; a newly created path survives only once its
// containing directory has also been synced. Reserved for future
// knobs (e.g. partial/weighted writeback) that spec.md does not
// require internal/recovery's tests to exercise.
type CrashConfig struct{}

// dirKey is the tracking key for the directory handle tests open via
// Open(".") purely to call Sync on — committing pending creates and
// removes rather than any file content.
const dirKey = "."

// crashEntry is Crash's bookkeeping for one path: what the underlying
// filesystem will show right now (live) versus what it will revert to
// on [Crash.SimulateCrash] (durable), mirroring how a real file stays
// ahead of its last fsync until a crash snaps it back.
type crashEntry struct {
	durableExists bool
	durableData   []byte
	liveExists    bool
}

// Crash wraps a base [FS] (normally [Real]) and models a single
// unclean shutdown: [Crash.SimulateCrash] reverts every tracked path
// to the state it was in as of its last [File.Sync] (for file
// content) or its directory's last Sync (for the path's own
// existence). It has no directory tree — paths are tracked flat by
// name — because every caller in this module touches at most one
// volume file plus its containing directory.
type Crash struct {
	mu    sync.Mutex
	base  FS
	root  string
	files map[string]*crashEntry
}

// NewCrash allocates a private staging directory under t.TempDir() and
// returns a [Crash] rooted there, wrapping base for the actual I/O.
func NewCrash(t TempDirer, base FS, _ *CrashConfig) (*Crash, error) {
	return &Crash{
		base:  base,
		root:  t.TempDir(),
		files: make(map[string]*crashEntry),
	}, nil
}

func (c *Crash) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}

	return filepath.Join(c.root, path)
}

func (c *Crash) key(path string) string {
	if path == dirKey {
		return dirKey
	}

	return filepath.Clean(path)
}

// entryLocked returns the tracked entry for key, adopting whatever the
// base filesystem already holds at that path the first time it is
// seen (so a path that existed before this Crash started observing it
// isn't spuriously erased by the first SimulateCrash).
func (c *Crash) entryLocked(key, abs string) *crashEntry {
	if e, ok := c.files[key]; ok {
		return e
	}

	e := &crashEntry{}

	if key != dirKey {
		if data, err := readAll(c.base, abs); err == nil {
			e.durableExists = true
			e.durableData = data
			e.liveExists = true
		}
	}

	c.files[key] = e

	return e
}

func readAll(base FS, abs string) ([]byte, error) {
	f, err := base.Open(abs)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return io.ReadAll(f)
}

func (c *Crash) Open(path string) (File, error) {
	abs := c.resolve(path)

	f, err := c.base.Open(abs)
	if err != nil {
		return nil, err
	}

	key := c.key(path)

	c.mu.Lock()
	c.entryLocked(key, abs)
	c.mu.Unlock()

	return &crashFile{c: c, key: key, isDir: key == dirKey, File: f}, nil
}

func (c *Crash) Create(path string) (File, error) {
	return c.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
}

func (c *Crash) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	abs := c.resolve(path)
	key := c.key(path)

	// Record the entry before the base open, so a file that O_CREATE is
	// about to make is not adopted as already durable.
	c.mu.Lock()
	e := c.entryLocked(key, abs)
	c.mu.Unlock()

	f, err := c.base.OpenFile(abs, flag, perm)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if flag&os.O_CREATE != 0 {
		e.liveExists = true
	}
	c.mu.Unlock()

	return &crashFile{c: c, key: key, isDir: key == dirKey, File: f}, nil
}

func (c *Crash) Stat(path string) (os.FileInfo, error) {
	return c.base.Stat(c.resolve(path))
}

func (c *Crash) Exists(path string) (bool, error) {
	return c.base.Exists(c.resolve(path))
}

func (c *Crash) Remove(path string) error {
	abs := c.resolve(path)
	if err := c.base.Remove(abs); err != nil {
		return err
	}

	key := c.key(path)

	c.mu.Lock()
	c.entryLocked(key, abs).liveExists = false
	c.mu.Unlock()

	return nil
}

// commitDirectory is called when the tracked "." handle is synced: it
// commits every path's pending create/remove, without touching any
// file's content snapshot (that is committed separately, by that
// file's own Sync).
func (c *Crash) commitDirectory() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.files {
		if key == dirKey {
			continue
		}

		e.durableExists = e.liveExists
	}
}

// snapshotFile is called when the file at key is synced: it captures
// the file's current on-disk bytes as the durable content this path
// will revert to on SimulateCrash. It deliberately leaves durableExists
// alone — fsyncing a file's content says nothing about whether its
// directory entry is durable; only [Crash.commitDirectory] (a sync of
// the containing directory) can make a path's existence survive a
// crash, matching real filesystem semantics and the ordering
// internal/recovery's rebuild tests rely on.
func (c *Crash) snapshotFile(key, abs string) error {
	data, err := readAll(c.base, abs)
	if err != nil {
		return err
	}

	c.mu.Lock()
	e := c.entryLocked(key, abs)
	e.durableData = data
	e.liveExists = true
	c.mu.Unlock()

	return nil
}

// SimulateCrash reverts every tracked path to its last-synced state:
// a path never made durable (no directory sync since it was created)
// disappears; a path with a durable snapshot is rewritten back to
// exactly those bytes, discarding any writes issued since the last
// [File.Sync] on it. Open [File] handles obtained before the crash are
// left as-is — callers are expected to re-Open, mirroring how a real
// process restarts after a crash with fresh file descriptors.
func (c *Crash) SimulateCrash() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.files {
		if key == dirKey {
			continue
		}

		abs := c.resolve(key)

		if !e.durableExists {
			if err := c.base.Remove(abs); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("%w: reverting %s: %v", ErrCrashFS, key, err)
			}

			e.liveExists = false

			continue
		}

		if err := rewrite(c.base, abs, e.durableData); err != nil {
			return fmt.Errorf("%w: restoring %s: %v", ErrCrashFS, key, err)
		}

		e.liveExists = true
	}

	return nil
}

// rewrite restores abs to exactly data by writing a fresh temp file and
// renaming it into place, rather than truncating abs in place. Every
// caller in this module keeps one long-lived File open on the volume
// path across a simulated crash (internal/recovery's rebuild tests
// never close the pre-crash [volume.Volume] before opening a new one on
// the same path); an in-place truncate+rewrite would reuse that file's
// inode and deadlock the post-crash open's golang.org/x/sys/unix.Flock
// against the still-held, never-released lock on the exact same inode.
// A rename swaps in a new inode, so the new open's flock never contends
// with the stale one.
func rewrite(base FS, abs string, data []byte) error {
	tmp := abs + ".crashfs-tmp"

	f, err := base.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	if _, err := f.Write(data); err != nil {
		f.Close()

		return err
	}

	if err := f.Close(); err != nil {
		return err
	}

	return os.Rename(tmp, abs)
}

// crashFile wraps a base [File], intercepting Sync to update the
// owning [Crash]'s durability bookkeeping for its path before
// delegating to the real Sync.
type crashFile struct {
	c     *Crash
	key   string
	isDir bool

	File
}

func (f *crashFile) Sync() error {
	if err := f.File.Sync(); err != nil {
		return err
	}

	if f.isDir {
		f.c.commitDirectory()

		return nil
	}

	return f.c.snapshotFile(f.key, f.c.resolve(f.key))
}

var _ FS = (*Crash)(nil)
