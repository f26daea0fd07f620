package volume

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vdo-uds/uds/internal/chapterindex"
	"github.com/vdo-uds/uds/internal/recordpage"
	"github.com/vdo-uds/uds/pkg/fs"
)

func testHeader() Header {
	return Header{
		Nonce:                 42,
		BytesPerPage:          4096,
		RecordPagesPerChapter: 1,
		ChaptersPerVolume:     6,
		RecordDataSize:        32,
		PayloadBits:           23,
	}
}

func buildTestChapter(t *testing.T, virtual uint64, bytesPerPage uint32) []byte {
	t.Helper()

	idx, err := chapterindex.New(2048, 3, 64, 12)
	require.NoError(t, err)

	var dis [8]byte
	dis[0] = byte(virtual)
	require.NoError(t, idx.Put(uint32(virtual), dis, 0))

	var name [16]byte
	name[0] = byte(virtual)

	page := recordpage.New([]recordpage.Record{{Name: name, Data: []byte("payload")}})

	data, err := BuildChapter(virtual, idx, []*recordpage.Page{page}, bytesPerPage)
	require.NoError(t, err)

	return data
}

func TestCreateWriteReadChapter(t *testing.T) {
	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "vol0")

	v, err := Create(fsys, path, testHeader(), 4)
	require.NoError(t, err)
	defer v.Close()

	data := buildTestChapter(t, 7, v.Header().BytesPerPage)
	require.NoError(t, v.WriteChapter(2, data))

	raw, err := v.ReadChapter(2)
	require.NoError(t, err)
	require.Equal(t, data, raw)

	page, err := v.ReadRecordPage(2, 0)
	require.NoError(t, err)

	var name [16]byte
	name[0] = 7

	found, ok := page.Find(name)
	require.True(t, ok)
	require.Equal(t, []byte("payload"), found)

	idx, virtual, err := v.ReadChapterIndex(2)
	require.NoError(t, err)
	require.Equal(t, uint64(7), virtual)

	pg, ok := idx.Get(7, [8]byte{7})
	require.True(t, ok)
	require.Equal(t, uint32(0), pg)
}

func TestOpenRejectsForeignNonce(t *testing.T) {
	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "vol0")

	v, err := Create(fsys, path, testHeader(), 4)
	require.NoError(t, err)
	require.NoError(t, v.Close())

	_, err = Open(fsys, path, 999, 4)
	require.ErrorIs(t, err, ErrForeignVolume)
}

func TestDiscoverChaptersFindsContiguousRun(t *testing.T) {
	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "vol0")

	h := testHeader()
	h.ChaptersPerVolume = 4

	v, err := Create(fsys, path, h, 4)
	require.NoError(t, err)
	defer v.Close()

	for physical := uint32(0); physical < 4; physical++ {
		require.NoError(t, v.WriteChapter(physical, buildTestChapter(t, uint64(physical), h.BytesPerPage)))
	}

	lo, hi, err := v.DiscoverChapters()
	require.NoError(t, err)
	require.Equal(t, uint64(0), lo)
	require.Equal(t, uint64(3), hi)
}

func TestWritebackSyncAndGeneration(t *testing.T) {
	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "vol0")

	v, err := Create(fsys, path, testHeader(), 4)
	require.NoError(t, err)
	defer v.Close()

	v.SetWriteback(WritebackSync)

	require.Equal(t, uint64(0), v.Generation())
	require.NoError(t, v.WriteChapter(0, buildTestChapter(t, 1, v.Header().BytesPerPage)))
	require.Equal(t, uint64(1), v.Generation())

	var tag [64]byte
	copy(tag[:], "schema-v1")
	require.NoError(t, v.SetUserData(tag))
	require.Equal(t, tag, v.UserData())
}

func TestWriteChapterInvalidatesPageCache(t *testing.T) {
	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "vol0")

	v, err := Create(fsys, path, testHeader(), 4)
	require.NoError(t, err)
	defer v.Close()

	require.NoError(t, v.WriteChapter(0, buildTestChapter(t, 1, v.Header().BytesPerPage)))
	_, err = v.ReadRecordPage(0, 0)
	require.NoError(t, err)

	require.NoError(t, v.WriteChapter(0, buildTestChapter(t, 2, v.Header().BytesPerPage)))

	page, err := v.ReadRecordPage(0, 0)
	require.NoError(t, err)

	var name [16]byte
	name[0] = 2

	_, ok := page.Find(name)
	require.True(t, ok)
}
