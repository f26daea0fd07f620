package volumeindex

import (
	"bytes"
	"math/bits"
	"testing"

	"github.com/stretchr/testify/require"
)

// entryBitsEstimate mirrors the root package's Geometry.VolumeIndexMemoryBytes
// sizing formula (quotient + Rice remainder + payload + collision bit + a
// 64-bit disambiguator), so these tests can derive a delta-memory size from a
// target record count the same way a real caller would.
func entryBitsEstimate(meanDelta uint32, payloadBits int) int {
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

// sizeForRecords returns a delta-memory byte size sized for count records
// at the given headroomPercent over the bare minimum, the same 25%-headroom
// reasoning Geometry.VolumeIndexMemoryBytes documents for spec.md §8's LRU
// bound test.
func sizeForRecords(count int, meanDelta uint32, payloadBits int, headroomPercent int) int {
	bitsTotal := count * entryBitsEstimate(meanDelta, payloadBits)
	bytesTotal := (bitsTotal + 7) / 8

	return bytesTotal + bytesTotal*headroomPercent/100
}

func addrAndDis(i int) (uint64, [8]byte) {
	var d [8]byte
	d[0] = byte(i)
	d[1] = byte(i >> 8)
	d[2] = byte(i >> 16)

	return uint64(i * 104729), d
}

func TestPutGetAndInvalidation(t *testing.T) {
	z, err := New(16384, 5, 256, 23, 10)
	require.NoError(t, err)

	addr, dis := addrAndDis(1)

	rec, cur := z.GetRecord(addr, dis)
	require.False(t, rec.Found)
	require.NoError(t, z.PutRecord(cur, 3))

	rec, _ = z.GetRecord(addr, dis)
	require.True(t, rec.Found)
	require.Equal(t, uint64(3), rec.VirtualChapter)

	// Advance the open chapter far enough that chapter 3 falls outside
	// the 10-chapter retention window.
	z.SetOpenChapter(20)

	rec, _ = z.GetRecord(addr, dis)
	require.False(t, rec.Found)
}

func TestCollisionAndRemove(t *testing.T) {
	z, err := New(16384, 3, 256, 23, 100)
	require.NoError(t, err)

	addr, d1 := addrAndDis(5)
	_, d2 := addrAndDis(6)

	_, cur := z.GetRecord(addr, d1)
	require.NoError(t, z.PutRecord(cur, 1))

	rec, cur := z.GetRecord(addr, d2)
	require.False(t, rec.Found)
	require.True(t, rec.IsCollision)
	require.NoError(t, z.PutRecord(cur, 2))

	require.Equal(t, 1, z.CollisionCount())

	rec, cur = z.GetRecord(addr, d1)
	require.True(t, rec.Found)
	require.NoError(t, z.RemoveRecord(cur))

	rec, _ = z.GetRecord(addr, d2)
	require.True(t, rec.Found)
	require.False(t, rec.IsCollision)
	require.Equal(t, 0, z.CollisionCount())
}

func TestEarlyFlushUnderSaturation(t *testing.T) {
	z, err := New(512, 2, 32, 10, 1<<20)
	require.NoError(t, err)

	for i := 0; i < 400; i++ {
		addr, dis := addrAndDis(i)
		_, cur := z.GetRecord(addr, dis)
		require.NoError(t, z.PutRecord(cur, uint64(i)))
	}

	require.Positive(t, z.EarlyFlushCount)
	require.Less(t, z.RecordCount(), 400)
}

// TestLRUBoundAtNominalCapacity is spec.md §8's volume-index LRU bound,
// first half: filling a zone sized by Geometry.VolumeIndexMemoryBytes's own
// 25%-headroom formula to exactly its nominal record capacity must never
// early-flush (and never overflow: every PutRecord here must succeed).
func TestLRUBoundAtNominalCapacity(t *testing.T) {
	const (
		nominal     = 4096
		meanDelta   = 256
		payloadBits = 23
		listCount   = 16
	)

	size := sizeForRecords(nominal, meanDelta, payloadBits, 25)

	z, err := New(size, listCount, meanDelta, payloadBits, 1<<20)
	require.NoError(t, err)

	for i := 0; i < nominal; i++ {
		addr, dis := addrAndDis(i)
		_, cur := z.GetRecord(addr, dis)
		require.NoError(t, z.PutRecord(cur, uint64(i)))
	}

	require.Equal(t, nominal, z.RecordCount())
	require.Zero(t, z.EarlyFlushCount, "filling to exactly nominal capacity must never early-flush")
}

// TestLRUBoundAboveNominalCapacity is the bound's second half: filling the
// same nominally-sized zone to >=12.5% over its nominal capacity must
// produce at least one early flush (and still no surfaced OVERFLOW: the
// early-flush retry in PutRecord must always find room).
func TestLRUBoundAboveNominalCapacity(t *testing.T) {
	const (
		nominal     = 4096
		meanDelta   = 256
		payloadBits = 23
		listCount   = 16
	)

	size := sizeForRecords(nominal, meanDelta, payloadBits, 25)
	overfilled := nominal + nominal/8 // +12.5%

	z, err := New(size, listCount, meanDelta, payloadBits, 1<<20)
	require.NoError(t, err)

	for i := 0; i < overfilled; i++ {
		addr, dis := addrAndDis(i)
		_, cur := z.GetRecord(addr, dis)
		require.NoError(t, z.PutRecord(cur, uint64(i)))
	}

	require.Positive(t, z.EarlyFlushCount, "overfilling by >=12.5% must produce at least one early flush")
}

func TestSaveRestoreRoundTrip(t *testing.T) {
	z, err := New(8192, 4, 256, 23, 50)
	require.NoError(t, err)

	for i := 0; i < 30; i++ {
		addr, dis := addrAndDis(i)
		_, cur := z.GetRecord(addr, dis)
		require.NoError(t, z.PutRecord(cur, uint64(i%10)))
	}

	z.SetOpenChapter(9)

	var buf bytes.Buffer
	require.NoError(t, z.Save(&buf))

	restored, err := Restore(buf.Bytes())
	require.NoError(t, err)

	require.Equal(t, z.RecordCount(), restored.RecordCount())
	require.Equal(t, z.CollisionCount(), restored.CollisionCount())
	require.Equal(t, z.OldestVirtualChapter(), restored.OldestVirtualChapter())
	require.Equal(t, z.NewestVirtualChapter(), restored.NewestVirtualChapter())

	for i := 0; i < 30; i++ {
		addr, dis := addrAndDis(i)
		want, _ := z.GetRecord(addr, dis)
		got, _ := restored.GetRecord(addr, dis)
		require.Equal(t, want, got)
	}
}

func TestRestoreRejectsCorruptFooter(t *testing.T) {
	z, err := New(2048, 3, 256, 23, 10)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, z.Save(&buf))

	data := buf.Bytes()
	data[len(data)/2] ^= 0xff

	_, err = Restore(data)
	require.ErrorIs(t, err, ErrCorrupt)
}
