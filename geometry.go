package uds

import (
	"fmt"
	"math/bits"
)

// NameSize is the fixed size in bytes of a record name (a 128-bit chunk
// hash). The core never supports variable-sized names (spec Non-goals).
const NameSize = 16

// Geometry holds the immutable parameters of an index, fixed at creation
// time and validated on every [Open].
//
// The three byte ranges of a name are derived from Geometry and are
// disjoint: volume-index bytes drive zone/delta-list assignment,
// chapter-index bytes drive in-chapter page lookup, and sample bytes
// decide whether a name is a sparse "hook". See [RecordName] for the
// concrete split.
type Geometry struct {
	// BytesPerPage is the size in bytes of a record page or chapter-index
	// page on disk.
	BytesPerPage int

	// RecordPagesPerChapter is the number of record pages in one chapter.
	// RecordsPerChapter = RecordsPerPage * RecordPagesPerChapter.
	RecordPagesPerChapter int

	// ChaptersPerVolume is the capacity of the volume in chapters before
	// the oldest chapter is evicted (LRU wrap).
	ChaptersPerVolume int

	// SparseChaptersPerVolume is the count of the oldest chapters that
	// are demoted to sparse (only hook names remain densely indexed).
	SparseChaptersPerVolume int

	// SparseSampleRate selects 1-in-N names as sparse hooks. Zero means
	// dense-only (no sparse chapters, no sparse cache).
	SparseSampleRate uint32

	// MeanDelta is the expected gap between consecutive keys in a delta
	// list, used to size the variable-length delta code.
	MeanDelta uint32

	// PayloadBits is the width, in bits, of the per-record payload
	// stored alongside each delta-list entry.
	PayloadBits int

	// RecordDataSize is the size in bytes of the opaque per-record
	// metadata payload stored in record pages (not the delta-list
	// payload, which is PayloadBits wide and typically a chapter
	// number).
	RecordDataSize int
}

// RecordsPerPage is the number of (name, data) records that fit in one
// record page.
func (g Geometry) RecordsPerPage() int {
	return g.BytesPerPage / (NameSize + g.RecordDataSize)
}

// RecordsPerChapter is the total record capacity of one chapter.
func (g Geometry) RecordsPerChapter() int {
	return g.RecordsPerPage() * g.RecordPagesPerChapter
}

// DenseChaptersPerVolume is the count of chapters young enough to be
// fully present in the volume index.
func (g Geometry) DenseChaptersPerVolume() int {
	return g.ChaptersPerVolume - g.SparseChaptersPerVolume
}

// deltaEntryBits estimates the encoded width, in bits, of one delta-list
// entry (Golomb-Rice delta code + payload + collision flag + 64-bit
// disambiguator), used to size delta memory from a record count. The
// quotient term assumes a typical geometric delta distribution centered
// on meanDelta, the same assumption [internal/deltaindex] makes when
// picking its Rice parameter.
func deltaEntryBits(meanDelta uint32, payloadBits int) int {
	riceK := 0
	if meanDelta > 1 {
		riceK = bits.Len32(meanDelta - 1)
	}

	const (
		typicalQuotientBits = 2
		collisionBits       = 1
		disambiguatorBits   = 64
	)

	return typicalQuotientBits + riceK + payloadBits + collisionBits + disambiguatorBits
}

// VolumeIndexMemoryBytes estimates the delta-memory capacity (summed
// across every zone) needed to hold every name the volume can retain
// densely, with 25% headroom so that filling the index to its nominal
// record capacity does not early-flush (spec.md §8's LRU bound test).
func (g Geometry) VolumeIndexMemoryBytes() int {
	nominal := g.RecordsPerChapter() * g.ChaptersPerVolume
	bitsTotal := nominal * deltaEntryBits(g.MeanDelta, g.PayloadBits)
	bytesTotal := (bitsTotal + 7) / 8

	return bytesTotal + bytesTotal/4
}

// VolumeIndexListCount picks a delta-list count (summed across every
// zone) aiming for roughly 256 records per list on average, the same
// target ratio the teacher's config layer uses when deriving bucket
// counts from an expected item count (pkg/mddb/config.go).
func (g Geometry) VolumeIndexListCount() int {
	const targetRecordsPerList = 256

	n := (g.RecordsPerChapter() * g.ChaptersPerVolume) / targetRecordsPerList
	if n < 1 {
		n = 1
	}

	return n
}

// ChapterIndexMemoryBytes and ChapterIndexListCount size one chapter's
// worth of chapter-index delta memory, the same way
// VolumeIndexMemoryBytes/VolumeIndexListCount size the whole volume
// index, scaled down to a single chapter's record count.
func (g Geometry) ChapterIndexMemoryBytes() int {
	pageNumberBits := g.chapterIndexPayloadBits()
	bitsTotal := g.RecordsPerChapter() * deltaEntryBits(g.MeanDelta, pageNumberBits)
	bytesTotal := (bitsTotal + 7) / 8

	return bytesTotal + bytesTotal/4
}

func (g Geometry) ChapterIndexListCount() int {
	const targetRecordsPerList = 64

	n := g.RecordsPerChapter() / targetRecordsPerList
	if n < 1 {
		n = 1
	}

	return n
}

// chapterIndexPayloadBits is the width needed to store a page number in
// [0, RecordPagesPerChapter).
func (g Geometry) chapterIndexPayloadBits() int {
	if g.RecordPagesPerChapter <= 1 {
		return 1
	}

	return bits.Len(uint(g.RecordPagesPerChapter - 1))
}

// Validate checks the geometry for internal consistency, returning
// [ErrInvalidArgument] wrapped with a descriptive message on failure.
func (g Geometry) Validate() error {
	switch {
	case g.BytesPerPage <= 0:
		return fmt.Errorf("bytes_per_page must be positive: %w", ErrInvalidArgument)
	case g.RecordDataSize < 0:
		return fmt.Errorf("record_data_size must be non-negative: %w", ErrInvalidArgument)
	case g.RecordsPerPage() <= 0:
		return fmt.Errorf("bytes_per_page too small for name+data size: %w", ErrInvalidArgument)
	case g.RecordPagesPerChapter <= 0:
		return fmt.Errorf("record_pages_per_chapter must be positive: %w", ErrInvalidArgument)
	case g.ChaptersPerVolume <= 0:
		return fmt.Errorf("chapters_per_volume must be positive: %w", ErrInvalidArgument)
	case g.SparseChaptersPerVolume < 0 || g.SparseChaptersPerVolume >= g.ChaptersPerVolume:
		return fmt.Errorf("sparse_chapters_per_volume must be in [0, chapters_per_volume): %w", ErrInvalidArgument)
	case g.PayloadBits <= 0 || g.PayloadBits > 64:
		return fmt.Errorf("payload_bits must be in [1, 64]: %w", ErrInvalidArgument)
	case g.MeanDelta == 0:
		return fmt.Errorf("mean_delta must be positive: %w", ErrInvalidArgument)
	}

	return nil
}

// MemorySize selects a preset index-memory budget, in gigabytes of
// volume-index memory per million stored names, mirroring the size
// classes of the system this core is modeled on.
type MemorySize float64

// Preset memory sizes. Intermediate values are accepted by
// [NewDefaultGeometry] as well.
const (
	MemorySizeSmall  MemorySize = 0.25
	MemorySizeMedium MemorySize = 1.0
	MemorySizeLarge  MemorySize = 4.0
)

// NewDefaultGeometry derives a reasonable [Geometry] for the requested
// memory budget and dataset size, the way a caller who does not want to
// hand-tune every knob would configure an index. chapters is the desired
// on-disk retention window in chapters.
func NewDefaultGeometry(size MemorySize, chapters int, sparse bool) Geometry {
	if chapters <= 0 {
		chapters = 1024
	}

	g := Geometry{
		BytesPerPage:          4096,
		RecordPagesPerChapter: 64,
		ChaptersPerVolume:     chapters,
		MeanDelta:             uint32(1 << 22 / max(1, int(size*4))), //nolint:gosec // bounded by callers
		PayloadBits:           23,
		RecordDataSize:        16,
	}

	if sparse {
		g.SparseChaptersPerVolume = chapters / 10
		g.SparseSampleRate = 32
	}

	if g.MeanDelta == 0 {
		g.MeanDelta = 1
	}

	return g
}
