package deltamem

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitializeInvariants(t *testing.T) {
	z, err := Initialize(4096, 17, 256, 23)
	require.NoError(t, err)
	require.NoError(t, z.Validate())
	require.Equal(t, 17, z.ListCount())

	for i := 1; i <= z.ListCount(); i++ {
		require.Zero(t, z.List(i).Size)
	}
}

func TestInitializeRejectsBadArguments(t *testing.T) {
	_, err := Initialize(0, 4, 256, 23)
	require.Error(t, err)

	_, err = Initialize(64, 0, 256, 23)
	require.Error(t, err)

	_, err = Initialize(64, 4, 0, 23)
	require.Error(t, err)
}

func TestMoveBitsNonOverlapping(t *testing.T) {
	for _, n := range []uint64{1, 7, 8, 9, 64, 127, 128, 512} {
		mem := make([]byte, 256)
		for i := range mem {
			mem[i] = byte(i*37 + 11)
		}

		want := make([]byte, n)
		for i := uint64(0); i < n; i++ {
			want[i] = getBit(mem, 3+i)
		}

		MoveBits(mem, 3, mem, 700, n)

		for i := uint64(0); i < n; i++ {
			require.Equalf(t, want[i], getBit(mem, 700+i), "bit %d (n=%d)", i, n)
		}
	}
}

func TestMoveBitsOverlapForward(t *testing.T) {
	mem := make([]byte, 64)
	for i := range mem {
		mem[i] = byte(i * 53)
	}

	const n = 200

	want := make([]byte, n)
	for i := uint64(0); i < n; i++ {
		want[i] = getBit(mem, 5+i)
	}

	// Destination overlaps and starts after the source: a naive
	// forward byte-copy would clobber unread source bits.
	MoveBits(mem, 5, mem, 40, n)

	for i := uint64(0); i < n; i++ {
		require.Equalf(t, want[i], getBit(mem, 40+i), "bit %d", i)
	}
}

func TestMoveBitsOverlapBackward(t *testing.T) {
	mem := make([]byte, 64)
	for i := range mem {
		mem[i] = byte(i * 53)
	}

	const n = 200

	want := make([]byte, n)
	for i := uint64(0); i < n; i++ {
		want[i] = getBit(mem, 40+i)
	}

	MoveBits(mem, 40, mem, 5, n)

	for i := uint64(0); i < n; i++ {
		require.Equalf(t, want[i], getBit(mem, 5+i), "bit %d", i)
	}
}

// TestMoveBitsRandomOffsetsAndSizes is spec.md §8's move_bits property
// run literally: for every (o1, o2) pair with both offsets in
// [10, 10+256) and every size 1..512, copying nBits bits from o1 to o2
// inside a single shared buffer must reproduce exactly the source bits
// that were there before the move, regardless of whether the ranges
// overlap or in which direction.
func TestMoveBitsRandomOffsetsAndSizes(t *testing.T) {
	const (
		base = 10
		span = 256
	)

	rng := rand.New(rand.NewSource(1))

	for o1 := uint64(base); o1 < base+span; o1 += 17 {
		for o2 := uint64(base); o2 < base+span; o2 += 23 {
			for _, n := range []uint64{1, 2, 7, 8, 31, 64, 127, 256, 400, 512} {
				mem := make([]byte, base+span+512/8+8)
				rng.Read(mem)

				want := make([]byte, n)
				for i := uint64(0); i < n; i++ {
					want[i] = getBit(mem, o1+i)
				}

				MoveBits(mem, o1, mem, o2, n)

				for i := uint64(0); i < n; i++ {
					require.Equalf(t, want[i], getBit(mem, o2+i),
						"o1=%d o2=%d n=%d bit %d", o1, o2, n, i)
				}
			}
		}
	}
}

func TestReadWriteBitsRoundTrip(t *testing.T) {
	mem := make([]byte, 32)

	cases := []struct {
		off   uint64
		nBits int
		value uint64
	}{
		{0, 1, 1},
		{1, 7, 0x7f},
		{8, 23, 0x5a5a5},
		{13, 40, 0xdeadbeefca},
		{200, 1, 0},
	}

	for _, c := range cases {
		WriteBits(mem, c.off, c.nBits, c.value)
		got := ReadBits(mem, c.off, c.nBits)
		require.Equalf(t, c.value, got, "offset %d width %d", c.off, c.nBits)
	}
}
