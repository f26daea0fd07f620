// Package sparsecache implements the small set-associative cache of
// fully-loaded chapter indexes for chapters that have been demoted to
// sparse, per spec.md §4.8.
//
// The set/way layout and LRU-within-set eviction mirror the small
// fixed-associativity caches described throughout the teacher's
// pkg/slotcache (bucket probing under a fixed table size); there is no
// direct teacher analogue for per-virtual-chapter keying, so the
// specifics of set selection and barrier accounting are original
// against spec.md.
package sparsecache

import (
	"sync"

	"github.com/vdo-uds/uds/internal/chapterindex"
)

// Cache holds sets*ways fully-loaded chapter indexes, keyed by virtual
// chapter number.
type Cache struct {
	mu   sync.Mutex
	sets int
	ways int
	rows [][]slot

	clock uint64

	BarrierMisses uint64
	BarrierHits   uint64
	SearchHits    uint64
}

type slot struct {
	valid          bool
	virtualChapter uint64
	index          *chapterindex.Index
	lastUsed       uint64
}

// New creates a cache with the given set and way counts (the spec's
// example is 8 ways x 2 sets).
func New(sets, ways int) *Cache {
	if sets <= 0 {
		sets = 1
	}

	if ways <= 0 {
		ways = 1
	}

	rows := make([][]slot, sets)
	for i := range rows {
		rows[i] = make([]slot, ways)
	}

	return &Cache{sets: sets, ways: ways, rows: rows}
}

func (c *Cache) setIndex(virtualChapter uint64) int {
	return int(virtualChapter % uint64(c.sets))
}

// Barrier resolves virtualChapter to its cached chapter index, loading
// it via load on a miss. Call this once per request per distinct
// chapter before issuing any Lookup against that chapter: it forces a
// pending load to complete (or starts one) so later queries in the same
// request are barrier-free.
func (c *Cache) Barrier(virtualChapter uint64, load func() (*chapterindex.Index, error)) (*chapterindex.Index, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	row := c.rows[c.setIndex(virtualChapter)]

	for i := range row {
		if row[i].valid && row[i].virtualChapter == virtualChapter {
			c.BarrierHits++
			c.clock++
			row[i].lastUsed = c.clock

			return row[i].index, nil
		}
	}

	c.BarrierMisses++

	idx, err := load()
	if err != nil {
		return nil, err
	}

	c.insert(virtualChapter, idx)

	return idx, nil
}

// insert places idx into virtualChapter's set, evicting the
// least-recently-used way if the set is full. Caller holds c.mu.
func (c *Cache) insert(virtualChapter uint64, idx *chapterindex.Index) {
	row := c.rows[c.setIndex(virtualChapter)]

	victim := 0

	for i := range row {
		if !row[i].valid {
			victim = i
			break
		}

		if row[i].lastUsed < row[victim].lastUsed {
			victim = i
		}
	}

	c.clock++
	row[victim] = slot{valid: true, virtualChapter: virtualChapter, index: idx, lastUsed: c.clock}
}

// RecordSearchHit is called by the caller once a cached chapter's record
// pages actually yielded the requested name, for the counter in spec.md
// §4.8.
func (c *Cache) RecordSearchHit() {
	c.mu.Lock()
	c.SearchHits++
	c.mu.Unlock()
}

// Contains reports whether virtualChapter is currently cached, without
// affecting LRU order or counters. Used by non-hook lookups, which may
// only succeed if a hook already pulled the chapter in.
func (c *Cache) Contains(virtualChapter uint64) (*chapterindex.Index, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	row := c.rows[c.setIndex(virtualChapter)]
	for i := range row {
		if row[i].valid && row[i].virtualChapter == virtualChapter {
			return row[i].index, true
		}
	}

	return nil, false
}
