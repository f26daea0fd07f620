// Package chapterindex implements the per-chapter delta index used
// while a chapter is being closed: it maps a name's chapter-address bits
// to the record-page number holding that name, so the chapter-close
// collation can write chapter-index pages a reader can use for direct
// lookup instead of scanning every record page.
//
// Grounded on spec.md §4.3, built atop [deltaindex] exactly as the
// volume index is.
package chapterindex

import (
	"github.com/vdo-uds/uds/internal/deltaindex"
	"github.com/vdo-uds/uds/internal/deltamem"
)

// Index is one chapter's name-address-to-page-number map.
type Index struct {
	zone *deltamem.Zone
	ix   *deltaindex.Index
}

// New allocates a chapter index sized for one chapter's worth of
// records, storing a pageNumberBits-wide page-number payload per entry.
func New(sizeBytes, listCount int, meanDelta uint32, pageNumberBits int) (*Index, error) {
	zone, err := deltamem.Initialize(sizeBytes, listCount, meanDelta, pageNumberBits)
	if err != nil {
		return nil, err
	}

	return &Index{zone: zone, ix: deltaindex.New(zone, meanDelta, pageNumberBits)}, nil
}

// Put records that the name whose chapter-address bits are addr (and
// full 8-byte disambiguator disambig) lives on page.
func (c *Index) Put(addr uint32, disambig [8]byte, page uint32) error {
	_, _, _, cur := c.ix.GetRecord(uint64(addr), disambig)

	return c.ix.PutRecord(cur, uint64(page))
}

// Get returns the page number stored for (addr, disambig), if present.
func (c *Index) Get(addr uint32, disambig [8]byte) (page uint32, found bool) {
	payload, found, _, _ := c.ix.GetRecord(uint64(addr), disambig)

	return uint32(payload), found
}

// RecordCount returns the number of entries across all lists.
func (c *Index) RecordCount() int { return c.ix.RecordCount() }

// Zone exposes the backing delta-memory zone, for save/restore and
// validation by the volume's chapter-close path.
func (c *Index) Zone() *deltamem.Zone { return c.zone }
