package recovery

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vdo-uds/uds/internal/chapterindex"
	"github.com/vdo-uds/uds/internal/recordpage"
	"github.com/vdo-uds/uds/internal/volume"
	"github.com/vdo-uds/uds/internal/volumeindex"
	"github.com/vdo-uds/uds/pkg/fs"
)

func keyOf(name [16]byte) (uint64, [8]byte) {
	var dis [8]byte
	copy(dis[:], name[8:16])

	return binary.BigEndian.Uint64(name[0:8]), dis
}

func nameFor(n int) [16]byte {
	var name [16]byte
	binary.BigEndian.PutUint64(name[0:8], uint64(n))
	binary.BigEndian.PutUint64(name[8:16], uint64(n)*7919)

	return name
}

func writeChapterWithNames(t *testing.T, vol *volume.Volume, physical uint32, virtual uint64, names []int) {
	t.Helper()

	idx, err := chapterindex.New(2048, 3, 64, 12)
	require.NoError(t, err)

	records := make([]recordpage.Record, len(names))
	for i, n := range names {
		records[i] = recordpage.Record{Name: nameFor(n), Data: []byte{byte(n)}}
	}

	page := recordpage.New(records)

	data, err := volume.BuildChapter(virtual, idx, []*recordpage.Page{page}, vol.Header().BytesPerPage)
	require.NoError(t, err)
	require.NoError(t, vol.WriteChapter(physical, data))
}

func newTestVolume(t *testing.T, chaptersPerVolume uint32) *volume.Volume {
	t.Helper()

	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "vol0")

	h := volume.Header{
		Nonce:                 1,
		BytesPerPage:          4096,
		RecordPagesPerChapter: 1,
		ChaptersPerVolume:     chaptersPerVolume,
		PayloadBits:           23,
	}

	v, err := volume.Create(fsys, path, h, 4)
	require.NoError(t, err)

	return v
}

func TestRebuildReplaysInAgeOrder(t *testing.T) {
	v := newTestVolume(t, 4)
	defer v.Close()

	writeChapterWithNames(t, v, 0, 0, []int{1, 2})
	writeChapterWithNames(t, v, 1, 1, []int{3})
	writeChapterWithNames(t, v, 2, 2, []int{1}) // name 1 rewritten in a later chapter

	vi, err := volumeindex.New(16384, 4, 256, 23, 10)
	require.NoError(t, err)

	result, err := Rebuild(v, vi, keyOf, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(0), result.Oldest)
	require.Equal(t, uint64(2), result.Newest)
	require.Equal(t, uint64(3), result.ChaptersReplayed)

	bits, dis := keyOf(nameFor(1))
	rec, _ := vi.GetRecord(bits, dis)
	require.True(t, rec.Found)
	require.Equal(t, uint64(2), rec.VirtualChapter) // later chapter's binding wins

	bits, dis = keyOf(nameFor(3))
	rec, _ = vi.GetRecord(bits, dis)
	require.True(t, rec.Found)
	require.Equal(t, uint64(1), rec.VirtualChapter)
}

func TestRebuildResurrectsDeletedRecord(t *testing.T) {
	v := newTestVolume(t, 4)
	defer v.Close()

	writeChapterWithNames(t, v, 0, 0, []int{5})

	vi, err := volumeindex.New(16384, 4, 256, 23, 10)
	require.NoError(t, err)

	bits, dis := keyOf(nameFor(5))
	_, cur := vi.GetRecord(bits, dis)
	require.NoError(t, vi.PutRecord(cur, 0))

	rec, cur := vi.GetRecord(bits, dis)
	require.True(t, rec.Found)
	require.NoError(t, vi.RemoveRecord(cur))

	rec, _ = vi.GetRecord(bits, dis)
	require.False(t, rec.Found)

	// A rebuild from the on-disk chapter resurrects the binding, since
	// the delete never touched the physical chapter.
	vi2, err := volumeindex.New(16384, 4, 256, 23, 10)
	require.NoError(t, err)

	_, err = Rebuild(v, vi2, keyOf, nil)
	require.NoError(t, err)

	rec, _ = vi2.GetRecord(bits, dis)
	require.True(t, rec.Found)
}

func TestRebuildDiscard(t *testing.T) {
	v := newTestVolume(t, 4)
	defer v.Close()

	for i := uint32(0); i < 4; i++ {
		writeChapterWithNames(t, v, i, uint64(i), []int{int(i)})
	}

	vi, err := volumeindex.New(16384, 4, 256, 23, 10)
	require.NoError(t, err)

	ctrl := NewControl()
	ctrl.Discard()

	_, err = Rebuild(v, vi, keyOf, ctrl)
	require.ErrorIs(t, err, ErrDiscarded)
}

// crashTestHeader is shared between the Create and the post-crash
// reopen below, so the volume's nonce/geometry agree on both sides of
// the simulated crash.
func crashTestHeader(chaptersPerVolume uint32) volume.Header {
	return volume.Header{
		Nonce:                 1,
		BytesPerPage:          4096,
		RecordPagesPerChapter: 1,
		ChaptersPerVolume:     chaptersPerVolume,
		PayloadBits:           23,
	}
}

// newCrashTestVolume creates a volume on top of a [fs.Crash]-wrapped
// real filesystem, committing the volume file's directory entry
// durably (via a directory fsync) so it survives [fs.Crash.SimulateCrash]
// regardless of whether the volume's own content has been synced yet.
func newCrashTestVolume(t *testing.T, chaptersPerVolume uint32) (*fs.Crash, *volume.Volume, volume.Header) {
	t.Helper()

	crash, err := fs.NewCrash(t, fs.NewReal(), &fs.CrashConfig{})
	require.NoError(t, err)

	h := crashTestHeader(chaptersPerVolume)

	v, err := volume.Create(crash, "vol0", h, 4)
	require.NoError(t, err)

	dir, err := crash.Open(".")
	require.NoError(t, err)
	require.NoError(t, dir.Sync())
	require.NoError(t, dir.Close())

	return crash, v, h
}

// TestRebuildCrashLossBound drives internal/recovery.Rebuild through an
// actual simulated crash (pkg/fs.Crash) rather than a hand-assembled
// volume, exercising spec.md §4.10's stated bound: after a crash that
// loses at most k chapters of in-flight writes, the rebuilt index is
// missing at most k*records_per_chapter entries, and only entries from
// those lost chapters. The chapters written under WritebackSync become
// durable as soon as each one is written (Sync snapshots the whole file,
// so every earlier chapter is captured too); the chapters written after
// switching to WritebackNone are never snapshotted and so revert to
// their pre-write (unformatted) state once the crash is simulated.
func TestRebuildCrashLossBound(t *testing.T) {
	const (
		chaptersPerVolume = 8
		safeChapters      = 4
		lostChapters      = 3
	)

	crash, v, h := newCrashTestVolume(t, chaptersPerVolume)

	v.SetWriteback(volume.WritebackSync)

	for i := 0; i < safeChapters; i++ {
		writeChapterWithNames(t, v, uint32(i), uint64(i), []int{i})
	}

	v.SetWriteback(volume.WritebackNone)

	for i := safeChapters; i < safeChapters+lostChapters; i++ {
		writeChapterWithNames(t, v, uint32(i), uint64(i), []int{i})
	}

	require.NoError(t, crash.SimulateCrash())

	v2, err := volume.Open(crash, "vol0", h.Nonce, 4)
	require.NoError(t, err)
	defer v2.Close()

	vi, err := volumeindex.New(16384, 4, 256, 23, 10)
	require.NoError(t, err)

	result, err := Rebuild(v2, vi, keyOf, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(0), result.Oldest)
	require.Equal(t, uint64(safeChapters-1), result.Newest, "the unsynced tail chapters must not appear in the discovered window")

	for i := 0; i < safeChapters; i++ {
		bits, dis := keyOf(nameFor(i))
		rec, _ := vi.GetRecord(bits, dis)
		require.True(t, rec.Found, "chapter %d was synced before the crash and must survive", i)
	}

	missing := 0

	for i := safeChapters; i < safeChapters+lostChapters; i++ {
		bits, dis := keyOf(nameFor(i))
		rec, _ := vi.GetRecord(bits, dis)

		if !rec.Found {
			missing++
		}
	}

	require.LessOrEqual(t, missing, lostChapters*int(h.RecordPagesPerChapter))
	require.Equal(t, lostChapters, missing, "every unsynced chapter's record must be the only thing missing")
}
