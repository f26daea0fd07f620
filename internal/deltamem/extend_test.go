package deltamem

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// gapAfter returns the free bits between list i and list i+1.
func gapAfter(z *Zone, i int) uint64 {
	return z.lists[i+1].Start - (z.lists[i].Start + z.lists[i].Size)
}

func TestExtendDeltaZoneBalance(t *testing.T) {
	z, err := Initialize(8192, 11, 256, 23)
	require.NoError(t, err)

	// Simulate uneven usage so a rebalance has real work to do.
	for i := 1; i <= z.ListCount(); i++ {
		z.SetListSize(i, uint64(i*17))
	}

	require.NoError(t, z.ExtendDeltaZone(0, 0))
	require.NoError(t, z.Validate())

	common := gapAfter(z, 1)
	for i := 1; i < z.ListCount(); i++ {
		require.Equalf(t, common, gapAfter(z, i), "gap after list %d", i)
	}

	require.LessOrEqual(t, gapAfter(z, 0), common)
}

func TestExtendDeltaZoneReservesGrowingGap(t *testing.T) {
	z, err := Initialize(8192, 9, 256, 23)
	require.NoError(t, err)

	for i := 1; i <= z.ListCount(); i++ {
		z.SetListSize(i, uint64(i*5))
	}

	const growingIndex = 4
	const growingSize = 300

	require.NoError(t, z.ExtendDeltaZone(growingIndex, growingSize))
	require.NoError(t, z.Validate())

	common := gapAfter(z, 1)
	grown := gapAfter(z, growingIndex-1)
	require.GreaterOrEqual(t, grown, common+growingSize)

	for i := 1; i < z.ListCount(); i++ {
		if i == growingIndex-1 {
			continue
		}
		require.Equalf(t, common, gapAfter(z, i), "gap after list %d", i)
	}
}

func TestExtendDeltaZonePreservesContent(t *testing.T) {
	z, err := Initialize(4096, 6, 256, 23)
	require.NoError(t, err)

	type payload struct {
		off   uint64
		nBits int
		value uint64
	}

	written := make(map[int]payload)

	for i := 1; i <= z.ListCount(); i++ {
		l := z.List(i)
		v := uint64(i*9973 + 1)
		WriteBits(z.Memory(), l.Start, 17, v&0x1ffff)
		z.SetListSize(i, 17)
		written[i] = payload{off: l.Start, nBits: 17, value: v & 0x1ffff}
	}

	require.NoError(t, z.ExtendDeltaZone(3, 128))

	for i, p := range written {
		l := z.List(i)
		got := ReadBits(z.Memory(), l.Start, p.nBits)
		require.Equalf(t, p.value, got, "list %d content after rebalance", i)
	}
}

func TestExtendDeltaZoneOverflow(t *testing.T) {
	z, err := Initialize(128, 4, 256, 23)
	require.NoError(t, err)

	for i := 1; i <= z.ListCount(); i++ {
		z.SetListSize(i, z.SizeBytes()*8/uint64(z.ListCount()))
	}

	before := make([]List, z.ListCount()+2)
	copy(before, z.lists)

	err = z.ExtendDeltaZone(1, z.SizeBytes()*8)
	require.ErrorIs(t, err, ErrOverflow)

	for i := range before {
		require.Equal(t, before[i], z.lists[i], "zone must be unchanged after overflow")
	}
}

func TestExtendDeltaZoneIdempotent(t *testing.T) {
	z, err := Initialize(8192, 13, 256, 23)
	require.NoError(t, err)

	for i := 1; i <= z.ListCount(); i++ {
		z.SetListSize(i, uint64(i*3))
	}

	require.NoError(t, z.ExtendDeltaZone(0, 0))

	first := make([]List, len(z.lists))
	copy(first, z.lists)

	require.NoError(t, z.ExtendDeltaZone(0, 0))

	require.Equal(t, first, z.lists)
}

// assertBalanced checks spec.md §8's extend_delta_zone balance property
// against the zone's actual gap layout after a redistribute call made
// with the given growingIndex/growingSize: every common gap equal, the
// first gap never exceeding common unless it is itself the growing gap,
// and the growing gap (if any) at least common+growingSize.
func assertBalanced(t *testing.T, z *Zone, growingIndex int, growingSize uint64) {
	t.Helper()

	require.NoError(t, z.Validate())

	n := z.ListCount()
	if n < 2 {
		return
	}

	growingSlot := -1
	if growingIndex > 0 {
		growingSlot = growingIndex - 1
	}

	var common uint64

	haveCommon := false

	for i := 1; i < n; i++ {
		if i == growingSlot {
			continue
		}

		if !haveCommon {
			common = gapAfter(z, i)
			haveCommon = true

			continue
		}

		require.Equalf(t, common, gapAfter(z, i), "gap after list %d", i)
	}

	if !haveCommon {
		return
	}

	switch {
	case growingSlot == 0:
		require.GreaterOrEqualf(t, gapAfter(z, 0), common+growingSize, "growing first gap too small")
	case growingSlot > 0:
		require.LessOrEqualf(t, gapAfter(z, 0), common, "first gap must not exceed common gap")
		require.GreaterOrEqualf(t, gapAfter(z, growingSlot), common+growingSize, "growing gap too small")
	default:
		require.LessOrEqualf(t, gapAfter(z, 0), common, "first gap must not exceed common gap")
	}
}

// TestExtendDeltaZoneNearFullFirstGapNeverExceedsCommon reproduces the
// exact near-full rebalance that made the first gap larger than the
// common gap: 11 lists (commonCount 11) with only 5 bits distributable,
// so commonGap floors to 0 while the naive remainder assignment would
// have dumped all 5 leftover bits into the first gap.
func TestExtendDeltaZoneNearFullFirstGapNeverExceedsCommon(t *testing.T) {
	const listCount = 11

	z, err := Initialize(100, listCount, 256, 23)
	require.NoError(t, err)

	totalSpan := z.lists[listCount+1].Start
	totalUsed := totalSpan - 5

	base := totalUsed / listCount
	remainder := totalUsed - base*uint64(listCount)

	for i := 1; i <= listCount; i++ {
		size := base
		if uint64(i) <= remainder {
			size++
		}

		z.SetListSize(i, size)
	}

	require.NoError(t, z.ExtendDeltaZone(0, 0))
	assertBalanced(t, z, 0, 0)
}

// TestExtendDeltaZoneRandomOperationSequences is spec.md §8's
// delta-zone well-formedness property: for random sequences of list
// growth and extend_delta_zone calls, the zone validates and stays
// balanced after every single operation, not just in hand-picked cases.
func TestExtendDeltaZoneRandomOperationSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 50; trial++ {
		listCount := 2 + rng.Intn(14)
		sizeBytes := 256 + rng.Intn(4096)

		z, err := Initialize(sizeBytes, listCount, 256, 23)
		require.NoError(t, err)
		assertBalanced(t, z, 0, 0)

		for op := 0; op < 30; op++ {
			if rng.Intn(3) < 2 {
				i := 1 + rng.Intn(listCount)
				capacity := z.List(i+1).Start - z.List(i).Start
				cur := z.List(i).Size
				room := capacity - cur

				if room > 0 {
					z.SetListSize(i, cur+uint64(rng.Intn(int(room)+1)))
				}

				require.NoError(t, z.Validate())

				continue
			}

			growingIndex := rng.Intn(listCount + 1)
			growingSize := uint64(rng.Intn(64))

			if err := z.ExtendDeltaZone(growingIndex, growingSize); err != nil {
				require.ErrorIs(t, err, ErrOverflow)
				continue
			}

			assertBalanced(t, z, growingIndex, growingSize)
		}
	}
}
