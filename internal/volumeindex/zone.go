// Package volumeindex implements the heart of the system (spec.md §4.7):
// a per-zone, delta-coded, collision-aware, chapter-invalidating map
// from a name's volume-index bits to the virtual chapter it most
// recently appeared in.
//
// Built directly on [deltaindex]; the LRU early-flush retry loop below
// is the one piece of genuinely new control flow the spec requires that
// deltaindex itself does not provide.
package volumeindex

import (
	"errors"
	"fmt"

	"github.com/vdo-uds/uds/internal/deltaindex"
	"github.com/vdo-uds/uds/internal/deltamem"
)

// ErrInvalidArgument is returned by SetRecordChapter when the requested
// chapter falls outside the currently active window. Translated by the
// root package into the public sentinel of the same meaning.
var ErrInvalidArgument = errors.New("volumeindex: invalid argument")

// errCorrupt is returned by Restore when a save region fails its CRC or
// structural checks. Translated by the root package into the public
// corrupt-data sentinel.
var errCorrupt = errors.New("volumeindex: corrupt save region")

// ErrCorrupt is the exported form of errCorrupt, for callers that need
// to classify a Restore failure with errors.Is.
var ErrCorrupt = errCorrupt

// newIndexFromZone wraps an already-restored deltamem.Zone with
// delta-index semantics, mirroring deltaindex.New without re-deriving
// the zone from scratch.
func newIndexFromZone(zone *deltamem.Zone, meanDelta uint32, payloadBits int) *deltaindex.Index {
	return deltaindex.New(zone, meanDelta, payloadBits)
}

// Record is the outcome of a lookup.
type Record struct {
	Found          bool
	VirtualChapter uint64
	IsCollision    bool
}

// Cursor is produced by GetRecord and consumed by exactly one following
// mutation, as long as nothing else touched the same zone in between.
type Cursor struct {
	volumeIndexBits uint64
	disambiguator   [8]byte
}

// Zone is one zone's share of the global volume index: its own delta
// zone, plus the chapter-invalidation window it currently honors.
type Zone struct {
	ix                   *deltaindex.Index
	chaptersPerVolume    uint64
	oldestVirtualChapter uint64
	newestVirtualChapter uint64

	DiscardCount    uint64
	EarlyFlushCount uint64
}

// New allocates a zone's delta-coded volume-index shard.
func New(sizeBytes, listCount int, meanDelta uint32, payloadBits int, chaptersPerVolume int) (*Zone, error) {
	zone, err := deltamem.Initialize(sizeBytes, listCount, meanDelta, payloadBits)
	if err != nil {
		return nil, err
	}

	return &Zone{
		ix:                deltaindex.New(zone, meanDelta, payloadBits),
		chaptersPerVolume: uint64(chaptersPerVolume),
	}, nil
}

// GetRecord performs a pure lookup. If the stored entry's chapter has
// aged past the invalidation window, it is reported as not found (the
// stale bits are pruned lazily, as a side effect of the next Put on the
// same list).
func (z *Zone) GetRecord(volumeIndexBits uint64, disambiguator [8]byte) (Record, Cursor) {
	cur := Cursor{volumeIndexBits: volumeIndexBits, disambiguator: disambiguator}

	payload, found, collision, _ := z.ix.GetRecord(volumeIndexBits, disambiguator)
	if !found || payload < z.oldestVirtualChapter {
		return Record{Found: false, IsCollision: collision}, cur
	}

	return Record{Found: true, VirtualChapter: payload, IsCollision: collision}, cur
}

// PutRecord inserts or updates the record identified by cur to point at
// virtualChapter. Stale entries sharing the same address (aged out of
// the window, belonging to a different name) are discarded in passing.
// If the list cannot grow to accommodate the insert, the globally
// oldest entry in that same list is evicted (an early flush) and the
// insert is retried.
func (z *Zone) PutRecord(cur Cursor, virtualChapter uint64) error {
	listIndex, key := deltaindex.ListAndKey(cur.volumeIndexBits, z.ix.ListCount())

	for {
		entries := z.ix.Entries(listIndex)
		entries = z.pruneStale(entries, key, cur.disambiguator)
		entries = z.upsert(entries, key, cur.disambiguator, virtualChapter)

		err := z.ix.ReplaceList(listIndex, entries)
		if err == nil {
			return nil
		}

		if !errors.Is(err, deltamem.ErrOverflow) {
			return err
		}

		if !z.evictOldest(listIndex) {
			return err
		}

		z.EarlyFlushCount++
	}
}

// RemoveRecord deletes the entry identified by cur, if present.
func (z *Zone) RemoveRecord(cur Cursor) error {
	listIndex, key := deltaindex.ListAndKey(cur.volumeIndexBits, z.ix.ListCount())
	entries := z.ix.Entries(listIndex)

	out := entries[:0:0]
	removed := false

	for _, e := range entries {
		if e.Key == key && e.Disambiguator == cur.disambiguator {
			removed = true
			continue
		}

		out = append(out, e)
	}

	if !removed {
		return nil
	}

	z.DiscardCount++
	out = recomputeCollisions(out, key)

	return z.ix.ReplaceList(listIndex, out)
}

// SetRecordChapter updates the chapter of an existing record. It fails
// with ErrInvalidArgument if chapter falls outside
// [oldestVirtualChapter, newestVirtualChapter].
func (z *Zone) SetRecordChapter(cur Cursor, chapter uint64) error {
	if chapter > z.newestVirtualChapter || chapter < z.oldestVirtualChapter {
		return fmt.Errorf("chapter %d outside active window [%d,%d]: %w",
			chapter, z.oldestVirtualChapter, z.newestVirtualChapter, ErrInvalidArgument)
	}

	return z.PutRecord(cur, chapter)
}

// SetOpenChapter advances the newest virtual chapter, which in turn
// advances the invalidation window: any chapter at or below chapter -
// chaptersPerVolume is no longer reachable from GetRecord.
func (z *Zone) SetOpenChapter(chapter uint64) {
	z.newestVirtualChapter = chapter

	if chapter+1 > z.chaptersPerVolume {
		newOldest := chapter + 1 - z.chaptersPerVolume
		if newOldest > z.oldestVirtualChapter {
			z.oldestVirtualChapter = newOldest
		}
	}
}

// OldestVirtualChapter and NewestVirtualChapter report the zone's
// current invalidation window bounds.
func (z *Zone) OldestVirtualChapter() uint64 { return z.oldestVirtualChapter }
func (z *Zone) NewestVirtualChapter() uint64 { return z.newestVirtualChapter }

// PruneNonHooks removes every entry bound to virtualChapter for which
// keep reports false, across every list in the zone. Called once a
// chapter ages past the dense window and is demoted to sparse: only
// hook (sampled) names need to stay resident in the volume index for a
// sparse chapter, since the rest are only reachable through the sparse
// cache's on-demand chapter-index load (spec.md §4.8). Returns the
// number of entries removed.
func (z *Zone) PruneNonHooks(virtualChapter uint64, keep func(disambiguator [8]byte) bool) int {
	removed := 0

	for i := 1; i <= z.ix.ListCount(); i++ {
		entries := z.ix.Entries(i)

		out := entries[:0:0]
		changed := false

		for _, e := range entries {
			if e.Payload == virtualChapter && !keep(e.Disambiguator) {
				removed++
				changed = true

				continue
			}

			out = append(out, e)
		}

		if !changed {
			continue
		}

		out = recomputeCollisionsAll(out)

		if err := z.ix.ReplaceList(i, out); err != nil {
			// The list only shrank, so re-encoding it can never overflow;
			// this path is unreachable in practice.
			continue
		}
	}

	z.DiscardCount += uint64(removed)

	return removed
}

// recomputeCollisionsAll refreshes the Collision flag for every distinct
// key present in entries, used after PruneNonHooks may have removed one
// side of what used to be a collision pair.
func recomputeCollisionsAll(entries []deltaindex.Entry) []deltaindex.Entry {
	counts := map[uint64]int{}
	for _, e := range entries {
		counts[e.Key]++
	}

	for i := range entries {
		entries[i].Collision = counts[entries[i].Key] > 1
	}

	return entries
}

// RecordCount and CollisionCount are computed by scanning every list;
// intended for GetStats and tests, not the hot path.
func (z *Zone) RecordCount() int {
	count := 0
	for i := 1; i <= z.ix.ListCount(); i++ {
		count += len(z.ix.Entries(i))
	}

	return count
}

// CollisionCount reports the spec's collision_count: for each address
// shared by more than one entry, every entry past the first one counts
// as a collision (so collision_count <= record_count always holds).
func (z *Zone) CollisionCount() int {
	total := 0

	for i := 1; i <= z.ix.ListCount(); i++ {
		entries := z.ix.Entries(i)

		counts := map[uint64]int{}
		for _, e := range entries {
			counts[e.Key]++
		}

		for _, c := range counts {
			if c > 1 {
				total += c - 1
			}
		}
	}

	return total
}

// pruneStale removes entries at key whose chapter is older than the
// invalidation window and which do not belong to the incoming name
// (different disambiguator); these are stale occupants that only get
// cleaned up when something else needs their address.
func (z *Zone) pruneStale(entries []deltaindex.Entry, key uint64, incoming [8]byte) []deltaindex.Entry {
	out := entries[:0:0]

	for _, e := range entries {
		if e.Key == key && e.Payload < z.oldestVirtualChapter && e.Disambiguator != incoming {
			z.DiscardCount++
			continue
		}

		out = append(out, e)
	}

	return recomputeCollisions(out, key)
}

// upsert updates the matching (key, disambiguator) entry in place, or
// inserts a new one in key order.
func (z *Zone) upsert(entries []deltaindex.Entry, key uint64, disambiguator [8]byte, payload uint64) []deltaindex.Entry {
	for i, e := range entries {
		if e.Key == key && e.Disambiguator == disambiguator {
			entries[i].Payload = payload
			return recomputeCollisions(entries, key)
		}
	}

	insertAt := 0
	for insertAt < len(entries) && entries[insertAt].Key < key {
		insertAt++
	}

	entries = append(entries, deltaindex.Entry{})
	copy(entries[insertAt+1:], entries[insertAt:])
	entries[insertAt] = deltaindex.Entry{Key: key, Payload: payload, Disambiguator: disambiguator}

	return recomputeCollisions(entries, key)
}

// evictOldest removes the entry with the smallest payload (virtual
// chapter) anywhere in listIndex, freeing space for a pending insert.
// Reports whether anything was evicted.
func (z *Zone) evictOldest(listIndex int) bool {
	entries := z.ix.Entries(listIndex)
	if len(entries) == 0 {
		return false
	}

	oldest := 0

	for i, e := range entries {
		if e.Payload < entries[oldest].Payload {
			oldest = i
		}
	}

	victimKey := entries[oldest].Key
	entries = append(entries[:oldest], entries[oldest+1:]...)
	entries = recomputeCollisions(entries, victimKey)

	if err := z.ix.ReplaceList(listIndex, entries); err != nil {
		return false
	}

	z.DiscardCount++

	return true
}

// recomputeCollisions updates the Collision flag of every entry sharing
// key within entries.
func recomputeCollisions(entries []deltaindex.Entry, key uint64) []deltaindex.Entry {
	count := 0

	for _, e := range entries {
		if e.Key == key {
			count++
		}
	}

	collision := count > 1

	for i := range entries {
		if entries[i].Key == key {
			entries[i].Collision = collision
		}
	}

	return entries
}
