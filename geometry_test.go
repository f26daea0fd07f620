package uds

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGeometryRecordsPerPageAndChapter(t *testing.T) {
	g := Geometry{
		BytesPerPage:          4096,
		RecordPagesPerChapter: 64,
		ChaptersPerVolume:     1024,
		RecordDataSize:        16,
		PayloadBits:           23,
		MeanDelta:             256,
	}

	require.Equal(t, 4096/(NameSize+16), g.RecordsPerPage())
	require.Equal(t, g.RecordsPerPage()*64, g.RecordsPerChapter())
	require.Equal(t, 1024-0, g.DenseChaptersPerVolume())
}

func TestGeometryDenseChaptersSubtractsSparse(t *testing.T) {
	g := Geometry{
		BytesPerPage:            4096,
		RecordPagesPerChapter:   1,
		ChaptersPerVolume:       100,
		SparseChaptersPerVolume: 10,
		RecordDataSize:          16,
		PayloadBits:             23,
		MeanDelta:               256,
	}

	require.Equal(t, 90, g.DenseChaptersPerVolume())
}

func TestGeometryValidateRejectsBadValues(t *testing.T) {
	base := Geometry{
		BytesPerPage:          4096,
		RecordPagesPerChapter: 64,
		ChaptersPerVolume:     1024,
		RecordDataSize:        16,
		PayloadBits:           23,
		MeanDelta:             256,
	}
	require.NoError(t, base.Validate())

	cases := []func(g Geometry) Geometry{
		func(g Geometry) Geometry { g.BytesPerPage = 0; return g },
		func(g Geometry) Geometry { g.RecordDataSize = -1; return g },
		func(g Geometry) Geometry { g.BytesPerPage = 1; g.RecordDataSize = 1000; return g },
		func(g Geometry) Geometry { g.RecordPagesPerChapter = 0; return g },
		func(g Geometry) Geometry { g.ChaptersPerVolume = 0; return g },
		func(g Geometry) Geometry { g.SparseChaptersPerVolume = g.ChaptersPerVolume; return g },
		func(g Geometry) Geometry { g.SparseChaptersPerVolume = -1; return g },
		func(g Geometry) Geometry { g.PayloadBits = 0; return g },
		func(g Geometry) Geometry { g.PayloadBits = 65; return g },
		func(g Geometry) Geometry { g.MeanDelta = 0; return g },
	}

	for i, mutate := range cases {
		err := mutate(base).Validate()
		require.Errorf(t, err, "case %d should be invalid", i)
		require.Truef(t, errors.Is(err, ErrInvalidArgument), "case %d", i)
	}
}

func TestVolumeIndexMemorySizingHasHeadroom(t *testing.T) {
	g := NewDefaultGeometry(MemorySizeSmall, 1024, false)

	nominal := g.RecordsPerChapter() * g.ChaptersPerVolume
	bitsPerEntry := g.VolumeIndexMemoryBytes() * 8 / max(1, nominal)

	require.Greater(t, bitsPerEntry, 0)
	require.Greater(t, g.VolumeIndexMemoryBytes(), 0)
	require.Greater(t, g.VolumeIndexListCount(), 0)
}

func TestChapterIndexSizing(t *testing.T) {
	g := NewDefaultGeometry(MemorySizeSmall, 64, false)

	require.Greater(t, g.ChapterIndexMemoryBytes(), 0)
	require.Greater(t, g.ChapterIndexListCount(), 0)
}

func TestNewDefaultGeometrySparse(t *testing.T) {
	dense := NewDefaultGeometry(MemorySizeMedium, 100, false)
	require.Zero(t, dense.SparseChaptersPerVolume)
	require.Zero(t, dense.SparseSampleRate)

	sparse := NewDefaultGeometry(MemorySizeMedium, 100, true)
	require.Equal(t, 10, sparse.SparseChaptersPerVolume)
	require.Equal(t, uint32(32), sparse.SparseSampleRate)
}

func TestNewDefaultGeometryDefaultsChapterCount(t *testing.T) {
	g := NewDefaultGeometry(MemorySizeSmall, 0, false)
	require.Equal(t, 1024, g.ChaptersPerVolume)
}

func TestNewDefaultGeometryProducesValidGeometry(t *testing.T) {
	for _, size := range []MemorySize{MemorySizeSmall, MemorySizeMedium, MemorySizeLarge} {
		for _, sparse := range []bool{false, true} {
			g := NewDefaultGeometry(size, 256, sparse)
			require.NoErrorf(t, g.Validate(), "size=%v sparse=%v", size, sparse)
		}
	}
}
