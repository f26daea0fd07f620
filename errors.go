package uds

import "errors"

// Sentinel errors returned by session and request operations.
//
// Callers should classify errors with [errors.Is]:
//
//	if errors.Is(err, uds.ErrCorruptData) {
//	    // the on-disk volume is damaged; a fresh rebuild was already
//	    // attempted if the session was opened with LOAD
//	}
var (
	// ErrBusy indicates an administrative operation was attempted in a
	// state that does not permit it (see the [Session] state table), or
	// that request backpressure rejected an enqueue.
	ErrBusy = errors.New("uds: busy")

	// ErrCorruptData indicates the on-disk volume's boundary discovery
	// failed to find a sufficiently long monotone run of valid chapters.
	ErrCorruptData = errors.New("uds: corrupt data")

	// ErrOutOfRange indicates a physical chapter or page index outside
	// the configured geometry was requested.
	ErrOutOfRange = errors.New("uds: out of range")

	// ErrInvalidArgument indicates a malformed call, such as setting a
	// volume-index record's chapter outside the currently active window,
	// or an unrecognized request kind.
	ErrInvalidArgument = errors.New("uds: invalid argument")

	// ErrNotFound indicates [Open] with LOAD was attempted on an index
	// that was never created.
	ErrNotFound = errors.New("uds: not found")

	// ErrExists indicates [Open] with NO_REBUILD was attempted on a
	// dirty (uncleanly shut down) index.
	ErrExists = errors.New("uds: exists")

	// ErrClosed indicates the [Session] handle has already been closed
	// or destroyed. This is a programming error.
	ErrClosed = errors.New("uds: closed")

	// ErrWriteback indicates a [WritebackSync] flush failed during a
	// chapter close or invalidation. The change is visible in memory and
	// to other processes but durability is not guaranteed.
	ErrWriteback = errors.New("uds: writeback failed")

	// ErrNoMem indicates an allocation failure while sizing in-memory
	// structures (delta zones, the open chapter, the sparse cache).
	ErrNoMem = errors.New("uds: out of memory")

	// ErrOverflow indicates a volume-index delta list could not grow to
	// accommodate an insert even after evicting its oldest entry. Wraps
	// the narrower internal/deltamem.ErrOverflow at the package
	// boundary.
	ErrOverflow = errors.New("uds: volume index overflow")
)
