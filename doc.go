// Package uds implements the core of a content-addressable deduplication
// index: given a stream of 16-byte record names (chunk hashes) plus small
// per-record metadata, it answers whether a name has been seen before and,
// if so, what metadata was stored for it.
//
// The index is organized as a rotating on-disk log of chapters, fronted by
// an in-memory delta-compressed volume index that remembers which chapter
// a name most recently appeared in. Writes accumulate in a per-zone open
// chapter; when it fills, it is collated into a sorted record page plus a
// chapter index and appended to the volume. Lookups for names whose
// chapter has aged past the dense window fall back to a small cache of
// sparse chapter indexes.
//
// # Basic usage
//
//	sess, err := uds.Create(uds.Parameters{
//	    Path:      "/var/lib/dedupe/index",
//	    ZoneCount: 4,
//	})
//	if err != nil {
//	    // handle error
//	}
//	defer sess.Close(false)
//
//	result, err := sess.Request(ctx, uds.Request{
//	    Name:     name,
//	    Metadata: metadata,
//	    Kind:     uds.KindPost,
//	})
//
// # Concurrency
//
// A [Session] is safe for concurrent use by multiple goroutines issuing
// [Session.Request] calls; internally, each request is routed to exactly
// one zone worker by the name's volume-index bytes, and zones never share
// mutable state. Administrative operations ([Session.Suspend],
// [Session.Resume], [Session.Close], [Session.Destroy]) serialize against
// each other and against in-flight requests per the state machine
// documented on [Session].
//
// # Error handling
//
// Administrative errors are returned synchronously and classified with
// [errors.Is] against the sentinels in this package ([ErrBusy],
// [ErrCorruptData], [ErrNotFound], [ErrExists], [ErrOutOfRange],
// [ErrInvalidArgument], [ErrClosed]). Per-request errors are delivered in
// [Result.Err]; the index never enters a half-applied state — a request
// either fully applies or leaves the structure unchanged.
package uds
