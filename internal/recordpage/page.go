// Package recordpage implements the fixed-size, name-sorted (name,data)
// array persisted to disk as one or more pages of a chapter.
//
// Grounded on spec.md §4.4. The sort itself mirrors the
// offset-constant, bytes-first style the teacher uses for its own
// on-disk encodings (format.go); no teacher file sorts records, so the
// radix pass is original against the spec's stated algorithm ("encoded
// by a radix sort on name").
package recordpage

import "bytes"

// Record is one on-disk (name, data) pair.
type Record struct {
	Name [16]byte
	Data []byte
}

// Page is a records_per_page-sized, name-sorted array.
type Page struct {
	records []Record
}

// New builds a Page from records, which need not already be sorted.
// Names must be unique; duplicate names are not expected to reach this
// layer (collisions are resolved upstream, in the volume index and open
// chapter).
func New(records []Record) *Page {
	sorted := append([]Record{}, records...)
	radixSortByName(sorted)

	return &Page{records: sorted}
}

// Records returns the page's contents in sorted order.
func (p *Page) Records() []Record { return p.records }

// Len reports the number of records on the page.
func (p *Page) Len() int { return len(p.records) }

// Find performs a binary search for name, returning its data if
// present.
func (p *Page) Find(name [16]byte) (data []byte, found bool) {
	lo, hi := 0, len(p.records)

	for lo < hi {
		mid := (lo + hi) / 2

		switch bytes.Compare(p.records[mid].Name[:], name[:]) {
		case 0:
			return p.records[mid].Data, true
		case -1:
			lo = mid + 1
		default:
			hi = mid
		}
	}

	return nil, false
}

// radixSortByName sorts records by their 16-byte name using a stable
// LSD-first byte-wise radix sort: 16 passes, least significant (last)
// byte first, 256 buckets per pass. Because the pass count is even, the
// fully sorted result always ends up back in the records slice itself.
func radixSortByName(records []Record) {
	if len(records) < 2 {
		return
	}

	buf := make([]Record, len(records))
	src, dst := records, buf

	for byteIdx := 15; byteIdx >= 0; byteIdx-- {
		var counts [257]int

		for _, r := range src {
			counts[int(r.Name[byteIdx])+1]++
		}

		for i := 1; i < len(counts); i++ {
			counts[i] += counts[i-1]
		}

		for _, r := range src {
			b := int(r.Name[byteIdx])
			dst[counts[b]] = r
			counts[b]++
		}

		src, dst = dst, src
	}
}
