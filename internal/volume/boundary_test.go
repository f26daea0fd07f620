package volume

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func probes(virtuals ...int64) []ChapterProbe {
	out := make([]ChapterProbe, len(virtuals))
	for i, v := range virtuals {
		if v < 0 {
			out[i] = ChapterProbe{Formatted: false}
			continue
		}

		out[i] = ChapterProbe{Virtual: uint64(v), Formatted: true}
	}

	return out
}

func TestFindVolumeChapterBoundariesSimple(t *testing.T) {
	lo, hi, err := FindVolumeChapterBoundaries(probes(0, 1, 2, 3), 4)
	require.NoError(t, err)
	require.Equal(t, uint64(0), lo)
	require.Equal(t, uint64(3), hi)
}

func TestFindVolumeChapterBoundariesWraparoundWithGap(t *testing.T) {
	lo, hi, err := FindVolumeChapterBoundaries(probes(10, 11, 12, 13, -1, -1, -1, -1, 8, 9), 4)
	require.NoError(t, err)
	require.Equal(t, uint64(8), lo)
	require.Equal(t, uint64(13), hi)
}

func TestFindVolumeChapterBoundariesCorrupt(t *testing.T) {
	_, _, err := FindVolumeChapterBoundaries(probes(-1, -1, -1, 4, 5, 6, 7, 8, 9, 10), 4)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestFindVolumeChapterBoundariesEmpty(t *testing.T) {
	_, _, err := FindVolumeChapterBoundaries(nil, 4)
	require.ErrorIs(t, err, ErrCorrupt)
}
