package volume

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/vdo-uds/uds/internal/chapterindex"
	"github.com/vdo-uds/uds/internal/recordpage"
	"github.com/vdo-uds/uds/pkg/fs"
)

// WritebackMode selects how hard a chapter write is forced to stable
// storage before WriteChapter returns, mirroring the teacher's
// slotcache.WritebackMode.
type WritebackMode int

const (
	// WritebackNone returns as soon as the write syscall completes; fast,
	// no durability guarantee across a crash.
	WritebackNone WritebackMode = iota
	// WritebackSync calls File.Sync after every chapter write.
	WritebackSync
)

// ErrWriteback indicates a WritebackSync chapter write's fsync failed:
// the chapter is visible to subsequent reads but not guaranteed durable.
var ErrWriteback = errors.New("volume: writeback sync failed")

// maxBadChaptersDefault bounds how many consecutive unformatted or
// inconsistent chapter slots FindVolumeChapterBoundaries tolerates
// inside an otherwise-contiguous run, absorbing a crash that left a
// handful of chapters half-written.
const maxBadChaptersDefault = 4

// chapterLayout describes the fixed-size pages stored per chapter slot:
// one index page followed by the record pages.
type chapterLayout struct {
	bytesPerPage          uint32
	recordPagesPerChapter uint32
}

func (l chapterLayout) pagesPerChapter() uint32 {
	return 1 + l.recordPagesPerChapter
}

func (l chapterLayout) chapterBytes() int64 {
	return int64(l.bytesPerPage) * int64(l.pagesPerChapter())
}

// Volume owns the on-disk file backing a chapters partition: the
// superblock, the rotating log of chapter slots, and a bounded page
// cache for record pages pulled in during dense lookups.
//
// The superblock and every chapter slot are updated in place through
// pkg/fs's page/offset helpers (ReadFullAt, WriteZerosAt): a chapter is
// only ever written once per physical slot per generation and is
// self-describing via its own per-chapter CRC footer (see chapter.go),
// so there is no need for a separate atomic-rename-backed file the way
// a frequently-overwritten single-record cache would need one.
type Volume struct {
	mu     sync.Mutex
	fsys   fs.FS
	path   string
	file   fs.File
	header Header
	layout chapterLayout

	writeback  WritebackMode
	generation uint64

	pages *pageCache
}

// Create formats a brand-new volume file at path with the given header
// fields (ChaptersOffset/VolumeIndexOffset/VolumeIndexLength are
// computed here) and returns it ready for use.
func Create(fsys fs.FS, path string, h Header, pageCacheSize int) (*Volume, error) {
	if h.RecordPagesPerChapter == 0 {
		h.RecordPagesPerChapter = 1
	}

	layout := chapterLayout{bytesPerPage: h.BytesPerPage, recordPagesPerChapter: h.RecordPagesPerChapter}

	h.ChaptersOffset = headerSize
	chaptersBytes := layout.chapterBytes() * int64(h.ChaptersPerVolume)
	h.VolumeIndexOffset = uint64(int64(h.ChaptersOffset) + chaptersBytes)

	f, err := fsys.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("volume: create %s: %w", path, err)
	}

	if err := acquireExclusiveLock(f); err != nil {
		f.Close()
		return nil, err
	}

	buf := EncodeHeader(h)
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("volume: write header: %w", err)
	}

	if err := fs.WriteZerosAt(f, int64(len(buf)), chaptersBytes); err != nil {
		f.Close()
		return nil, fmt.Errorf("volume: preallocate: %w", err)
	}

	v := &Volume{
		fsys:   fsys,
		path:   path,
		file:   f,
		header: h,
		layout: layout,
		pages:  newPageCache(pageCacheSize),
	}

	return v, nil
}

// Open reads an existing volume's superblock and validates it against
// nonce. It does not scan chapters; call DiscoverChapters for that.
func Open(fsys fs.FS, path string, nonce uint64, pageCacheSize int) (*Volume, error) {
	f, err := fsys.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("volume: open %s: %w", path, err)
	}

	if err := acquireExclusiveLock(f); err != nil {
		f.Close()
		return nil, err
	}

	buf := make([]byte, headerSize)
	if _, err := fs.ReadFullAt(f, buf, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("volume: read header: %w", err)
	}

	h, err := DecodeHeader(buf)
	if err != nil {
		f.Close()
		return nil, err
	}

	if h.Nonce != nonce {
		f.Close()
		return nil, ErrForeignVolume
	}

	v := &Volume{
		fsys:   fsys,
		path:   path,
		file:   f,
		header: h,
		layout: chapterLayout{bytesPerPage: h.BytesPerPage, recordPagesPerChapter: h.RecordPagesPerChapter},
		pages:  newPageCache(pageCacheSize),
	}

	return v, nil
}

// Close releases the exclusive lock and the underlying file handle.
func (v *Volume) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	_ = releaseLock(v.file)

	return v.file.Close()
}

// Header returns the (immutable after Create/Open) superblock fields.
func (v *Volume) Header() Header {
	return v.header
}

// SetWriteback configures whether WriteChapter forces an fsync before
// returning.
func (v *Volume) SetWriteback(mode WritebackMode) {
	v.mu.Lock()
	v.writeback = mode
	v.mu.Unlock()
}

// Generation returns a monotonic counter bumped once per successful
// WriteChapter, letting a caller cheaply detect that something changed
// since it last checked.
func (v *Volume) Generation() uint64 {
	return atomic.LoadUint64(&v.generation)
}

// UserData returns the caller-opaque metadata region of the super
// block.
func (v *Volume) UserData() [userDataSize]byte {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.header.UserData
}

// SetUserData overwrites the caller-opaque metadata region and
// persists the updated super block.
func (v *Volume) SetUserData(data [userDataSize]byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.header.UserData = data

	buf := EncodeHeader(v.header)
	if _, err := v.file.Seek(0, io.SeekStart); err != nil {
		return err
	}

	_, err := v.file.Write(buf)

	return err
}

// writeHeaderLocked re-encodes and writes the current in-memory header to
// offset 0. Caller holds v.mu.
func (v *Volume) writeHeaderLocked() error {
	buf := EncodeHeader(v.header)
	if _, err := v.file.Seek(0, io.SeekStart); err != nil {
		return err
	}

	_, err := v.file.Write(buf)

	return err
}

// WriteVolumeIndexSave writes data into the volume-index save region
// (starting at the superblock's VolumeIndexOffset) and marks the
// superblock CleanShutdown, so a subsequent [Open] followed by
// [Volume.ReadVolumeIndexSave] can trust it. Called only as the last
// step of a clean session Close or a Suspend(save=true), after every
// zone's delta memory has been serialized.
func (v *Volume) WriteVolumeIndexSave(data []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, err := v.file.Seek(int64(v.header.VolumeIndexOffset), io.SeekStart); err != nil {
		return err
	}

	if _, err := v.file.Write(data); err != nil {
		return fmt.Errorf("volume: write volume-index save region: %w", err)
	}

	v.header.VolumeIndexLength = uint64(len(data))
	v.header.CleanShutdown = true

	if err := v.writeHeaderLocked(); err != nil {
		return err
	}

	if v.writeback == WritebackSync {
		if err := v.file.Sync(); err != nil {
			return fmt.Errorf("%w: %v", ErrWriteback, err)
		}
	}

	return nil
}

// ReadVolumeIndexSave returns the bytes previously written by
// [Volume.WriteVolumeIndexSave], or ok=false if the superblock's
// CleanShutdown flag is unset (no valid save region to read).
func (v *Volume) ReadVolumeIndexSave() (data []byte, ok bool, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.header.CleanShutdown || v.header.VolumeIndexLength == 0 {
		return nil, false, nil
	}

	buf := make([]byte, v.header.VolumeIndexLength)
	if _, err := fs.ReadFullAt(v.file, buf, int64(v.header.VolumeIndexOffset)); err != nil {
		return nil, false, err
	}

	return buf, true, nil
}

// InvalidateCleanShutdown clears the superblock's CleanShutdown flag.
// Called as soon as a session opens a volume for writing, so that an
// unclean termination (process killed before the next clean Close)
// leaves the on-disk flag correctly reporting "dirty" without requiring
// any further writes on the crash path.
func (v *Volume) InvalidateCleanShutdown() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.header.CleanShutdown {
		return nil
	}

	v.header.CleanShutdown = false

	return v.writeHeaderLocked()
}

func (v *Volume) chapterOffset(physical uint32) int64 {
	return int64(v.header.ChaptersOffset) + v.layout.chapterBytes()*int64(physical)
}

// WriteChapter writes a fully-formatted chapter (its own footer included,
// see chapter.go) to the given physical slot and invalidates any cached
// pages for that slot.
func (v *Volume) WriteChapter(physical uint32, data []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	want := v.layout.chapterBytes()
	if int64(len(data)) != want {
		return fmt.Errorf("volume: chapter payload is %d bytes, want %d", len(data), want)
	}

	if _, err := v.file.Seek(v.chapterOffset(physical), io.SeekStart); err != nil {
		return err
	}

	if _, err := v.file.Write(data); err != nil {
		return err
	}

	if v.writeback == WritebackSync {
		if err := v.file.Sync(); err != nil {
			return fmt.Errorf("%w: %v", ErrWriteback, err)
		}
	}

	v.pages.invalidateChapter(physical)
	atomic.AddUint64(&v.generation, 1)

	return nil
}

// ReadChapter reads the raw bytes of one physical chapter slot.
func (v *Volume) ReadChapter(physical uint32) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	buf := make([]byte, v.layout.chapterBytes())
	if _, err := fs.ReadFullAt(v.file, buf, v.chapterOffset(physical)); err != nil {
		return nil, err
	}

	return buf, nil
}

// ReadRecordPage returns a decoded record page, going through the page
// cache keyed by (physical chapter, page within chapter).
func (v *Volume) ReadRecordPage(physical uint32, pageWithinChapter uint32) (*recordpage.Page, error) {
	if cached, ok := v.pages.get(physical, pageWithinChapter); ok {
		return cached, nil
	}

	v.mu.Lock()
	buf, err := fs.ReadPageAt(v.file, int(v.header.BytesPerPage), v.chapterOffset(physical), int64(1+pageWithinChapter))
	v.mu.Unlock()

	if err != nil {
		return nil, err
	}

	page, err := decodeRecordPage(buf)
	if err != nil {
		return nil, err
	}

	v.pages.put(physical, pageWithinChapter, page)

	return page, nil
}

// ReadChapterIndex decodes and validates the chapter-index page at the
// start of the given physical slot, used by a sparse-chapter load to
// pull the whole chapter index into internal/sparsecache.
func (v *Volume) ReadChapterIndex(physical uint32) (*chapterindex.Index, uint64, error) {
	v.mu.Lock()
	buf := make([]byte, v.header.BytesPerPage)
	_, err := fs.ReadFullAt(v.file, buf, v.chapterOffset(physical))
	v.mu.Unlock()

	if err != nil {
		return nil, 0, err
	}

	return decodeIndexPage(buf, v.header.BytesPerPage)
}

// DiscoverChapters probes every physical chapter slot for its stored
// virtual chapter number and runs FindVolumeChapterBoundaries over the
// result, recovering the rotating log's valid span after an unclean
// shutdown.
func (v *Volume) DiscoverChapters() (oldest, newest uint64, err error) {
	n := v.header.ChaptersPerVolume
	probes := make([]ChapterProbe, n)

	for i := uint32(0); i < n; i++ {
		raw, rerr := v.ReadChapter(i)
		if rerr != nil {
			return 0, 0, rerr
		}

		virtual, ok := probeChapterFooter(raw[v.header.BytesPerPage-chapterFooterSize:])
		probes[i] = ChapterProbe{Virtual: virtual, Formatted: ok}
	}

	return FindVolumeChapterBoundaries(probes, maxBadChaptersDefault)
}
