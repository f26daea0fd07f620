package uds

// RequestKind selects the operation a [Request] performs.
type RequestKind int

const (
	// KindPost adds a new record, or is a no-op if the name already
	// exists (its chapter is still refreshed to the open chapter).
	KindPost RequestKind = iota

	// KindUpdate adds a new record, or overwrites the metadata of an
	// existing one.
	KindUpdate

	// KindQuery looks up a name and, if found, refreshes its chapter to
	// the open chapter (as if freshly written).
	KindQuery

	// KindQueryNoUpdate looks up a name without refreshing its chapter.
	KindQueryNoUpdate

	// KindDelete removes a name's entry from the volume index, if
	// present. On-disk record and chapter-index pages are not rewritten;
	// the entry is simply no longer reachable from a lookup.
	KindDelete
)

// String renders the kind's external-interface name (POST, UPDATE, ...).
func (k RequestKind) String() string {
	switch k {
	case KindPost:
		return "POST"
	case KindUpdate:
		return "UPDATE"
	case KindQuery:
		return "QUERY"
	case KindQueryNoUpdate:
		return "QUERY_NO_UPDATE"
	case KindDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// Location reports where a request's record was found (or would have
// been, had the lookup succeeded), for diagnostics and the sparse-cache
// testable properties.
type Location int

const (
	// LocationUnknown means the request has not completed, or the
	// record's location was never determined (e.g. a failed POST).
	LocationUnknown Location = iota

	// LocationOpenChapter means the record was found in the zone's
	// in-memory open chapter (the most recently written data).
	LocationOpenChapter

	// LocationDense means the record was found via a dense (fully
	// indexed) on-disk chapter.
	LocationDense

	// LocationSparse means the record was found via a sparse chapter,
	// reached through the sparse cache.
	LocationSparse

	// LocationUnavailable means the record's chapter has aged out of
	// both the dense window and the sparse cache: it cannot be
	// distinguished from "never seen".
	LocationUnavailable
)

// String renders the external-interface location name.
func (l Location) String() string {
	switch l {
	case LocationOpenChapter:
		return "OPEN_CHAPTER"
	case LocationDense:
		return "IN_DENSE"
	case LocationSparse:
		return "IN_SPARSE"
	case LocationUnavailable:
		return "UNAVAILABLE"
	default:
		return "UNKNOWN"
	}
}

// Request is one dedup-index operation: look up, and optionally write,
// the record for Name.
type Request struct {
	// Name is the record's 16-byte key.
	Name Name

	// Metadata is the opaque per-record payload for POST/UPDATE
	// requests. Ignored for QUERY, QUERY_NO_UPDATE, and DELETE.
	Metadata []byte

	// Kind selects the operation.
	Kind RequestKind
}

// Result is the outcome of a [Session.Request] call.
type Result struct {
	// Found reports whether the name already had an entry before this
	// request was applied.
	Found bool

	// OldMetadata holds the previously stored metadata, when Found is
	// true and the record's data was available (dense or open-chapter
	// location). It is nil when the record was only known by chapter
	// membership (sparse or unavailable location) with no retrievable
	// payload.
	OldMetadata []byte

	// Location reports where the (pre-existing) record was found.
	Location Location

	// Err holds a per-request failure. A non-nil Err means the request
	// did not apply; the index is left unchanged.
	Err error
}
