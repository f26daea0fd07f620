package uds

import "encoding/binary"

// Name is a 16-byte record name: a cryptographic chunk hash supplied by
// the caller. The core treats it as opaque except for the three
// disjoint byte ranges described below.
type Name [NameSize]byte

// Byte-range split of a [Name]. Fixed per the Open Question in spec.md
// §9: bytes [0:8] drive zone/delta-list assignment, bytes [8:12] drive
// chapter-index addressing, bytes [12:16] decide sparse sampling. This
// split is a property of the on-disk format, not reconfigurable per
// index, so any implementation reading an existing volume must agree
// with it.
const (
	volumeIndexByteOffset  = 0
	volumeIndexByteLen     = 8
	chapterIndexByteOffset = 8
	chapterIndexByteLen    = 4
	sampleByteOffset       = 12
	sampleByteLen          = 4
)

// VolumeIndexBits returns the 64-bit value drawn from the name's
// volume-index byte range, consumed by zone assignment and delta-address
// derivation.
func (n Name) VolumeIndexBits() uint64 {
	return binary.BigEndian.Uint64(n[volumeIndexByteOffset : volumeIndexByteOffset+volumeIndexByteLen])
}

// ChapterIndexBits returns the 32-bit value drawn from the name's
// chapter-index byte range, consumed by the per-chapter delta index.
func (n Name) ChapterIndexBits() uint32 {
	return binary.BigEndian.Uint32(n[chapterIndexByteOffset : chapterIndexByteOffset+chapterIndexByteLen])
}

// SampleBits returns the 32-bit value drawn from the name's sample byte
// range, consumed to decide whether the name is a sparse "hook".
func (n Name) SampleBits() uint32 {
	return binary.BigEndian.Uint32(n[sampleByteOffset : sampleByteOffset+sampleByteLen])
}

// IsSample reports whether this name is selected as a sparse hook at the
// given sample rate. A rate of zero means dense-only: never a hook.
func (n Name) IsSample(sampleRate uint32) bool {
	if sampleRate == 0 {
		return false
	}

	return n.SampleBits()%sampleRate == 0
}

// ZoneOf returns the zone index that owns name, for a given zone count.
// Two names whose volume-index bytes are equal always land in the same
// zone (and the same delta list), becoming collision records if their
// full names differ.
//
// Implements spec.md invariant 2: zone(name) = (hi_bits(name) *
// zone_count) >> W, computed here as a top-bits split of the 64-bit
// volume-index value so that zone_count need not be a power of two.
func ZoneOf(n Name, zoneCount int) int {
	if zoneCount <= 1 {
		return 0
	}

	hi := n.VolumeIndexBits()
	// (hi * zoneCount) >> 64, computed via the high half of a 128-bit
	// product to avoid overflow.
	hiProd, _ := mulHi64(hi, uint64(zoneCount))

	zone := int(hiProd)
	if zone >= zoneCount {
		zone = zoneCount - 1
	}

	return zone
}

// mulHi64 returns the high and low 64 bits of the 128-bit product a*b.
func mulHi64(a, b uint64) (hi, lo uint64) {
	const mask32 = (1 << 32) - 1

	aLo, aHi := a&mask32, a>>32
	bLo, bHi := b&mask32, b>>32

	t := aLo * bLo
	w0 := t & mask32
	k := t >> 32

	t = aHi*bLo + k
	w1 := t & mask32
	w2 := t >> 32

	t = aLo*bHi + w1
	k = t >> 32

	hi = aHi*bHi + w2 + k
	lo = (t << 32) + w0

	return hi, lo
}
