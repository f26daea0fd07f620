package uds

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/vdo-uds/uds/internal/chapterindex"
	"github.com/vdo-uds/uds/internal/deltamem"
	"github.com/vdo-uds/uds/internal/openchapter"
	"github.com/vdo-uds/uds/internal/pipeline"
	"github.com/vdo-uds/uds/internal/recordpage"
	"github.com/vdo-uds/uds/internal/recovery"
	"github.com/vdo-uds/uds/internal/sparsecache"
	"github.com/vdo-uds/uds/internal/volume"
	"github.com/vdo-uds/uds/internal/volumeindex"
	"github.com/vdo-uds/uds/pkg/fs"
)

// State is a [Session]'s position in the open/close/suspend/resume
// state machine (spec.md §4.11).
type State int32

const (
	StateFresh State = iota
	StateLoading
	StateLoaded
	StateSuspended
	StateClosing
	StateDestroying
	stateDestroyed
)

// String renders the state the way the lifecycle table names it.
func (s State) String() string {
	switch s {
	case StateFresh:
		return "FRESH"
	case StateLoading:
		return "LOADING"
	case StateLoaded:
		return "LOADED"
	case StateSuspended:
		return "SUSPENDED"
	case StateClosing:
		return "CLOSING"
	case StateDestroying:
		return "DESTROYING"
	case stateDestroyed:
		return "DESTROYED"
	default:
		return "UNKNOWN"
	}
}

// OpenMode selects how [Session.Open] treats existing on-disk state.
type OpenMode int

const (
	// ModeCreate formats a brand-new volume, discarding anything already
	// at Path.
	ModeCreate OpenMode = iota

	// ModeLoad opens an existing volume, restoring from its clean-save
	// region when present and otherwise triggering a full rebuild.
	ModeLoad

	// ModeNoRebuild opens an existing volume but refuses (ErrExists) if
	// it was not cleanly shut down, rather than paying for a rebuild.
	// Creates a fresh volume if none exists yet.
	ModeNoRebuild
)

// maxBadChaptersTolerated bounds how many consecutive unreadable
// chapters a multi-zone rebuild tolerates, mirroring
// internal/recovery's single-zone bound (spec.md §4.10).
const maxBadChaptersTolerated = 5

// zoneWorker bundles one zone's private state: its own volume-index
// shard, open chapter, and dispatch queue. Per spec.md §5's locking
// discipline, only the goroutine running this zone's queue ever
// touches open or vi directly; everything else is reached through
// queue.Enqueue/EnqueueRetry.
type zoneWorker struct {
	idx   int
	open  *openchapter.Zone
	vi    *volumeindex.Zone
	queue *pipeline.Queue
	stop  chan struct{}
}

// Session owns exactly one dedupe index: its on-disk volume, its
// zone-sharded volume index and open chapters, and its sparse cache.
// [Session.Request] is safe for concurrent use by multiple goroutines;
// the administrative calls ([Session.Suspend], [Session.Resume],
// [Session.Close], [Session.Destroy]) serialize against each other and
// against the state table documented on [State].
type Session struct {
	mu   sync.Mutex
	cond *sync.Cond
	state State

	params   Parameters
	geometry Geometry
	fsys     fs.FS
	logger   Logger

	vol    *volume.Volume
	zones  []*zoneWorker
	sparse *sparsecache.Cache

	newest       atomic.Uint64
	workersWG    sync.WaitGroup
	workersUp    bool
	reqWG        sync.WaitGroup
	closeMu      sync.Mutex

	rebuildCtrl     *recovery.Control
	loadPaused      bool
	preSuspendState State
	saving          bool
}

// New constructs a [Session] in state FRESH from params, validating
// them but not touching any on-disk state. Call [Session.Open] (or use
// the [Create]/[Open] convenience functions) to actually attach it to a
// volume.
func New(params Parameters) (*Session, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	s := &Session{
		params:   params,
		geometry: params.resolveGeometry(),
		logger:   params.effectiveLogger(),
		state:    StateFresh,
	}
	s.cond = sync.NewCond(&s.mu)

	return s, nil
}

// Create is a convenience wrapper around New followed by
// Open(ModeCreate).
func Create(params Parameters) (*Session, error) {
	s, err := New(params)
	if err != nil {
		return nil, err
	}

	if err := s.Open(ModeCreate); err != nil {
		return nil, err
	}

	return s, nil
}

// Open is a convenience wrapper around New followed by
// Open(mode).
func Open(params Parameters, mode OpenMode) (*Session, error) {
	s, err := New(params)
	if err != nil {
		return nil, err
	}

	if err := s.Open(mode); err != nil {
		return nil, err
	}

	return s, nil
}

// Open attaches s to its volume, creating, loading, or load-without-
// rebuild it as mode directs. Only valid from StateFresh.
func (s *Session) Open(mode OpenMode) error {
	s.mu.Lock()
	if s.state != StateFresh {
		st := s.state
		s.mu.Unlock()

		return busyOrTerminal(st)
	}

	s.state = StateLoading
	s.mu.Unlock()

	err := s.doOpen(mode)

	s.mu.Lock()
	if s.state == StateLoading {
		if err != nil {
			s.state = StateFresh
		} else {
			s.state = StateLoaded
		}
	}

	finalState := s.state
	s.cond.Broadcast()
	s.mu.Unlock()

	if err == nil && finalState == StateLoaded {
		s.startWorkers()
	}

	return err
}

func busyOrTerminal(st State) error {
	if st == stateDestroyed {
		return fmt.Errorf("uds: session already destroyed: %w", ErrClosed)
	}

	return ErrBusy
}

func (s *Session) doOpen(mode OpenMode) error {
	s.fsys = s.params.effectiveFS()

	exists, err := s.fsys.Exists(s.params.Path)
	if err != nil {
		return err
	}

	h := volume.Header{
		Nonce:                   s.params.Nonce,
		BytesPerPage:            uint32(s.geometry.BytesPerPage),
		RecordPagesPerChapter:   uint32(s.geometry.RecordPagesPerChapter),
		ChaptersPerVolume:       uint32(s.geometry.ChaptersPerVolume),
		SparseChaptersPerVolume: uint32(s.geometry.SparseChaptersPerVolume),
		SparseSampleRate:        s.geometry.SparseSampleRate,
		RecordDataSize:          uint32(s.geometry.RecordDataSize),
		PayloadBits:             uint32(s.geometry.PayloadBits),
	}

	var vol *volume.Volume
	freshlyCreated := false

	switch mode {
	case ModeCreate:
		vol, err = volume.Create(s.fsys, s.params.Path, h, s.params.effectivePageCacheSize())
		if err != nil {
			return err
		}

		freshlyCreated = true

	case ModeLoad:
		if !exists {
			return fmt.Errorf("uds: %s: %w", s.params.Path, ErrNotFound)
		}

		vol, err = volume.Open(s.fsys, s.params.Path, s.params.Nonce, s.params.effectivePageCacheSize())
		if err != nil {
			return translateVolumeErr(err)
		}

	case ModeNoRebuild:
		if !exists {
			vol, err = volume.Create(s.fsys, s.params.Path, h, s.params.effectivePageCacheSize())
			if err != nil {
				return err
			}

			freshlyCreated = true

			break
		}

		vol, err = volume.Open(s.fsys, s.params.Path, s.params.Nonce, s.params.effectivePageCacheSize())
		if err != nil {
			return translateVolumeErr(err)
		}

		if !vol.Header().CleanShutdown {
			vol.Close()
			return fmt.Errorf("uds: %s: %w", s.params.Path, ErrExists)
		}

	default:
		return fmt.Errorf("uds: unrecognized open mode %d: %w", mode, ErrInvalidArgument)
	}

	vol.SetWriteback(s.writebackMode())

	if !freshlyCreated {
		s.geometry = geometryFromHeader(vol.Header(), s.geometry)
	}

	s.vol = vol

	if err := s.buildZones(); err != nil {
		vol.Close()
		s.vol = nil

		return err
	}

	if freshlyCreated {
		s.newest.Store(0)

		for _, z := range s.zones {
			z.vi.SetOpenChapter(0)
		}
	} else {
		newest, err := s.loadOrRebuild()
		if err != nil {
			vol.Close()
			s.vol = nil
			s.zones = nil

			return err
		}

		s.newest.Store(newest)
	}

	return s.vol.InvalidateCleanShutdown()
}

// writebackMode translates the public WritebackMode into the volume
// package's identically-shaped type.
func (s *Session) writebackMode() volume.WritebackMode {
	if s.params.Writeback == WritebackSync {
		return volume.WritebackSync
	}

	return volume.WritebackNone
}

// geometryFromHeader overlays the on-disk geometry fields (everything
// the super block actually persists) onto fallback, which supplies the
// fields the header has no room for (MeanDelta is a tuning knob, not
// part of on-disk compatibility).
func geometryFromHeader(h volume.Header, fallback Geometry) Geometry {
	g := fallback
	g.BytesPerPage = int(h.BytesPerPage)
	g.RecordPagesPerChapter = int(h.RecordPagesPerChapter)
	g.ChaptersPerVolume = int(h.ChaptersPerVolume)
	g.SparseChaptersPerVolume = int(h.SparseChaptersPerVolume)
	g.SparseSampleRate = h.SparseSampleRate
	g.RecordDataSize = int(h.RecordDataSize)
	g.PayloadBits = int(h.PayloadBits)

	return g
}

func (s *Session) buildZones() error {
	zoneCount := s.params.effectiveZoneCount()
	g := s.geometry

	viBytes := g.VolumeIndexMemoryBytes() / zoneCount
	if viBytes < 1024 {
		viBytes = 1024
	}

	viLists := g.VolumeIndexListCount() / zoneCount
	if viLists < 1 {
		viLists = 1
	}

	ocCapacity := g.RecordsPerChapter() / zoneCount
	if ocCapacity < 1 {
		ocCapacity = 1
	}

	zones := make([]*zoneWorker, zoneCount)

	for i := 0; i < zoneCount; i++ {
		vi, err := volumeindex.New(viBytes, viLists, g.MeanDelta, g.PayloadBits, g.ChaptersPerVolume)
		if err != nil {
			return translateVolumeIndexErr(err)
		}

		zones[i] = &zoneWorker{
			idx:   i,
			open:  openchapter.New(ocCapacity, g.RecordDataSize),
			vi:    vi,
			queue: pipeline.NewQueue(s.params.effectiveQueueCapacity()),
			stop:  make(chan struct{}),
		}
	}

	s.zones = zones
	s.sparse = sparsecache.New(2, 8)

	return nil
}

// loadOrRebuild restores the volume index from its on-disk save
// region when the volume reports a clean shutdown, falling back to a
// full chapter replay otherwise (spec.md §4.10).
func (s *Session) loadOrRebuild() (uint64, error) {
	if s.vol.Header().CleanShutdown {
		newest, err := s.restoreFromSave()
		if err == nil {
			return newest, nil
		}

		s.logger.Printf("uds: volume-index save region invalid, rebuilding: %v", err)
	}

	return s.rebuildFromVolume()
}

func (s *Session) restoreFromSave() (uint64, error) {
	raw, ok, err := s.vol.ReadVolumeIndexSave()
	if err != nil {
		return 0, err
	}

	if !ok {
		return 0, fmt.Errorf("uds: no save region present")
	}

	if len(raw) < 4 {
		return 0, fmt.Errorf("uds: save region truncated: %w", ErrCorruptData)
	}

	count := binary.BigEndian.Uint32(raw[:4])
	if int(count) != len(s.zones) {
		return 0, fmt.Errorf("uds: save region has %d zones, session configured %d: %w", count, len(s.zones), ErrCorruptData)
	}

	pos := 4

	restored := make([]*volumeindex.Zone, len(s.zones))

	for i := range restored {
		if pos+8 > len(raw) {
			return 0, fmt.Errorf("uds: save region truncated: %w", ErrCorruptData)
		}

		length := binary.BigEndian.Uint64(raw[pos : pos+8])
		pos += 8

		if uint64(pos)+length > uint64(len(raw)) {
			return 0, fmt.Errorf("uds: save region truncated: %w", ErrCorruptData)
		}

		blob := raw[pos : pos+int(length)]
		pos += int(length)

		zone, err := volumeindex.Restore(blob)
		if err != nil {
			return 0, fmt.Errorf("uds: restoring zone %d: %w", i, err)
		}

		restored[i] = zone
	}

	newest := restored[0].NewestVirtualChapter()

	for i, z := range restored {
		s.zones[i].vi = z
	}

	return newest, nil
}

// rebuildFromVolume replays every discoverable chapter, oldest first,
// routing each record to the zone that owns its name (spec.md §4.10).
// internal/recovery.Rebuild assumes a single shared volume index, so a
// multi-zone session drives the same chapter-probe/replay primitives
// directly instead of delegating to it.
func (s *Session) rebuildFromVolume() (uint64, error) {
	oldest, newest, err := s.vol.DiscoverChapters()
	if err != nil {
		return 0, translateVolumeErr(err)
	}

	s.rebuildCtrl = recovery.NewControl()
	chaptersPerVolume := uint64(s.vol.Header().ChaptersPerVolume)
	badStreak := 0

	for virtual := oldest; virtual <= newest; virtual++ {
		if s.rebuildCtrl.Checkpoint() {
			return 0, recovery.ErrDiscarded
		}

		physical := uint32(virtual % chaptersPerVolume)

		if err := s.replayChapterIntoZones(physical, virtual); err != nil {
			badStreak++
			if badStreak > maxBadChaptersTolerated {
				return 0, fmt.Errorf("uds: chapter %d unreadable after %d consecutive bad chapters: %w", virtual, badStreak, ErrCorruptData)
			}

			continue
		}

		badStreak = 0
		s.rebuildCtrl.MarkChapterReplayed()
	}

	for _, z := range s.zones {
		z.vi.SetOpenChapter(newest + 1)
	}

	return newest + 1, nil
}

func (s *Session) replayChapterIntoZones(physical uint32, virtual uint64) error {
	if _, _, err := s.vol.ReadChapterIndex(physical); err != nil {
		return err
	}

	zoneCount := len(s.zones)

	for p := uint32(0); p < s.vol.Header().RecordPagesPerChapter; p++ {
		page, err := s.vol.ReadRecordPage(physical, p)
		if err != nil {
			return err
		}

		for _, rec := range page.Records() {
			name := Name(rec.Name)
			z := s.zones[ZoneOf(name, zoneCount)]

			bits, dis := name.VolumeIndexBits(), disambiguatorOf(name)

			_, cur := z.vi.GetRecord(bits, dis)
			if err := z.vi.PutRecord(cur, virtual); err != nil {
				return fmt.Errorf("replaying chapter %d: %w", virtual, err)
			}
		}
	}

	return nil
}

// disambiguatorOf returns the 8-byte collision-resolution tag stored
// alongside every delta-list entry, drawn from name[8:16]. It fully
// overlaps the sample byte range (name[12:16] == disambiguator[4:8]),
// which is what lets PruneNonHooks classify a stored entry as a sparse
// hook without ever retaining the entry's full name.
func disambiguatorOf(name Name) [8]byte {
	var d [8]byte
	copy(d[:], name[8:16])

	return d
}

// Request routes req to the zone owning its name and applies it,
// blocking until the zone's single worker goroutine processes it or
// ctx is done.
func (s *Session) Request(ctx context.Context, req Request) (Result, error) {
	s.mu.Lock()
	if s.state != StateLoaded {
		st := s.state
		s.mu.Unlock()

		return Result{}, busyOrTerminal(st)
	}

	s.reqWG.Add(1)
	zones := s.zones
	s.mu.Unlock()

	defer s.reqWG.Done()

	switch req.Kind {
	case KindPost, KindUpdate, KindQuery, KindQueryNoUpdate, KindDelete:
	default:
		return Result{}, fmt.Errorf("uds: request kind %d: %w", req.Kind, ErrInvalidArgument)
	}

	z := zones[ZoneOf(req.Name, len(zones))]

	type outcome struct {
		res Result
	}

	done := make(chan outcome, 1)

	if err := z.queue.Enqueue(ctx, func() {
		done <- outcome{res: s.handleRequest(z, req)}
	}); err != nil {
		return Result{}, ErrBusy
	}

	select {
	case out := <-done:
		return out.res, out.res.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// handleRequest runs entirely on z's own worker goroutine: exactly one
// lookup (open chapter, then volume index) followed by at most one
// mutation, so a [volumeindex.Cursor] obtained here is always consumed
// before anything else touches the same list.
func (s *Session) handleRequest(z *zoneWorker, req Request) Result {
	name := req.Name
	bits, dis := name.VolumeIndexBits(), disambiguatorOf(name)

	openData, inOpen := z.open.Get([16]byte(name))
	viRec, cur := z.vi.GetRecord(bits, dis)

	var result Result

	switch {
	case inOpen:
		result = Result{Found: true, OldMetadata: cloneBytes(openData), Location: LocationOpenChapter}
		result.Err = s.applyMutation(z, req, name, cur, openData)

	case viRec.Found:
		data, loc := s.lookupRecordData(name, viRec.VirtualChapter)
		result = Result{Found: true, OldMetadata: cloneBytes(data), Location: loc}
		result.Err = s.applyMutation(z, req, name, cur, data)

	default:
		result = Result{Found: false, Location: LocationUnknown}
		result.Err = s.applyMutation(z, req, name, cur, nil)
	}

	return result
}

// applyMutation performs the single write (if any) req.Kind calls for,
// given existingData already retrieved by the caller (nil if the
// record was not found, or found but its payload could not be read
// back). Every branch here issues at most one mutating call against
// cur.
func (s *Session) applyMutation(z *zoneWorker, req Request, name Name, cur volumeindex.Cursor, existingData []byte) error {
	switch req.Kind {
	case KindQueryNoUpdate:
		return nil

	case KindDelete:
		z.open.Remove([16]byte(name))
		return z.vi.RemoveRecord(cur)

	case KindPost:
		data := existingData
		if data == nil {
			data = req.Metadata
		}

		return s.writeToOpenChapter(z, name, data, cur)

	case KindUpdate:
		return s.writeToOpenChapter(z, name, req.Metadata, cur)

	case KindQuery:
		if existingData == nil {
			// Nothing retrievable to carry forward; leave the record where
			// it is rather than refreshing it with no data.
			return nil
		}

		return s.writeToOpenChapter(z, name, existingData, cur)

	default:
		return fmt.Errorf("uds: unreachable request kind %d: %w", req.Kind, ErrInvalidArgument)
	}
}

// writeToOpenChapter stores (name, data) in z's in-memory open chapter
// and binds the volume-index entry identified by cur to the currently
// open virtual chapter, triggering a chapter close if this insert
// filled the zone's open chapter.
func (s *Session) writeToOpenChapter(z *zoneWorker, name Name, data []byte, cur volumeindex.Cursor) error {
	remaining, rejected := z.open.Put([16]byte(name), data)
	if rejected {
		return fmt.Errorf("uds: zone %d open chapter unexpectedly full: %w", z.idx, ErrNoMem)
	}

	if err := z.vi.PutRecord(cur, s.newest.Load()); err != nil {
		return translateVolumeIndexErr(err)
	}

	if remaining == 0 {
		s.closeOpenChapter(z.idx)
	}

	return nil
}

// lookupRecordData finds the stored metadata for a record the volume
// index says last appeared in virtualChapter: from the dense on-disk
// chapter if it is still within the dense window, otherwise through
// the sparse cache.
func (s *Session) lookupRecordData(name Name, virtualChapter uint64) ([]byte, Location) {
	g := s.geometry

	age := s.newest.Load() - virtualChapter
	physical := uint32(virtualChapter % uint64(g.ChaptersPerVolume))

	if g.SparseSampleRate == 0 || age < uint64(g.DenseChaptersPerVolume()) {
		return s.lookupDense(name, virtualChapter, physical)
	}

	return s.lookupSparse(name, virtualChapter, physical)
}

func (s *Session) lookupDense(name Name, virtualChapter uint64, physical uint32) ([]byte, Location) {
	idx, actual, err := s.vol.ReadChapterIndex(physical)
	if err != nil || actual != virtualChapter {
		return nil, LocationUnavailable
	}

	return s.findInChapter(idx, name, physical, LocationDense)
}

func (s *Session) lookupSparse(name Name, virtualChapter uint64, physical uint32) ([]byte, Location) {
	isHook := name.IsSample(s.geometry.SparseSampleRate)

	var idx *chapterindex.Index

	if isHook {
		loaded, err := s.sparse.Barrier(virtualChapter, func() (*chapterindex.Index, error) {
			loaded, actual, err := s.vol.ReadChapterIndex(physical)
			if err != nil {
				return nil, err
			}

			if actual != virtualChapter {
				return nil, fmt.Errorf("uds: chapter %d slot holds chapter %d: %w", virtualChapter, actual, ErrCorruptData)
			}

			return loaded, nil
		})
		if err != nil {
			return nil, LocationUnavailable
		}

		idx = loaded
	} else {
		cached, ok := s.sparse.Contains(virtualChapter)
		if !ok {
			return nil, LocationUnavailable
		}

		idx = cached
	}

	data, loc := s.findInChapter(idx, name, physical, LocationSparse)
	if loc == LocationSparse {
		s.sparse.RecordSearchHit()
	}

	return data, loc
}

func (s *Session) findInChapter(idx *chapterindex.Index, name Name, physical uint32, hit Location) ([]byte, Location) {
	page, found := idx.Get(name.ChapterIndexBits(), disambiguatorOf(name))
	if !found {
		return nil, LocationUnavailable
	}

	recordPage, err := s.vol.ReadRecordPage(physical, page)
	if err != nil {
		return nil, LocationUnavailable
	}

	data, found := recordPage.Find([16]byte(name))
	if !found {
		return nil, LocationUnavailable
	}

	return data, hit
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}

	out := make([]byte, len(b))
	copy(out, b)

	return out
}

// closeOpenChapter collates every zone's currently open chapter into
// one physical chapter and advances the shared virtual-chapter
// counter. Called synchronously by whichever zone's insert just filled
// its open chapter (triggerZone); every other zone is pulled in via a
// priority-lane barrier task so this never blocks behind that zone's
// own backlog of fresh requests (spec.md §4.6's cross-zone barrier).
func (s *Session) closeOpenChapter(triggerZone int) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()

	virtual := s.newest.Load()

	slotsByZone := make([][]openchapter.Slot, len(s.zones))

	var (
		collectMu sync.Mutex
		collectWG sync.WaitGroup
	)

	collectWG.Add(len(s.zones))

	for i, z := range s.zones {
		i, z := i, z

		collect := func() {
			defer collectWG.Done()

			got := z.open.Slots()

			collectMu.Lock()
			slotsByZone[i] = got
			collectMu.Unlock()
		}

		if i == triggerZone {
			collect()
		} else {
			z.queue.EnqueueRetry(collect)
		}
	}

	collectWG.Wait()

	if err := s.writeChapter(virtual, slotsByZone); err != nil {
		s.logger.Printf("uds: closing chapter %d: %v", virtual, err)
		return
	}

	var applyWG sync.WaitGroup

	applyWG.Add(len(s.zones))

	for i, z := range s.zones {
		z := z

		apply := func() {
			defer applyWG.Done()
			z.open.Reset()
			z.vi.SetOpenChapter(virtual + 1)
		}

		if i == triggerZone {
			apply()
		} else {
			z.queue.EnqueueRetry(apply)
		}
	}

	applyWG.Wait()

	s.newest.Store(virtual + 1)
	s.demoteAgedChapter(virtual + 1)
}

// writeChapter sorts every zone's pending records into record pages,
// builds the chapter's own delta-coded chapter index over them, and
// writes the result to virtual's physical slot.
func (s *Session) writeChapter(virtual uint64, slotsByZone [][]openchapter.Slot) error {
	g := s.geometry

	var all []recordpage.Record

	for _, slots := range slotsByZone {
		for _, sl := range slots {
			all = append(all, recordpage.Record{Name: sl.Name, Data: sl.Data})
		}
	}

	sort.Slice(all, func(i, j int) bool {
		return bytes.Compare(all[i].Name[:], all[j].Name[:]) < 0
	})

	pages := splitIntoPages(all, g.RecordPagesPerChapter)

	idx, err := chapterindex.New(g.ChapterIndexMemoryBytes(), g.ChapterIndexListCount(), g.MeanDelta, g.chapterIndexPayloadBits())
	if err != nil {
		return err
	}

	for pageNum, page := range pages {
		for _, rec := range page.Records() {
			name := Name(rec.Name)
			if err := idx.Put(name.ChapterIndexBits(), disambiguatorOf(name), uint32(pageNum)); err != nil { //nolint:gosec // bounded by RecordPagesPerChapter
				return err
			}
		}
	}

	data, err := volume.BuildChapter(virtual, idx, pages, uint32(g.BytesPerPage)) //nolint:gosec // bounded by Geometry.Validate
	if err != nil {
		return err
	}

	physical := uint32(virtual % uint64(g.ChaptersPerVolume)) //nolint:gosec // bounded by ChaptersPerVolume

	return s.vol.WriteChapter(physical, data)
}

// splitIntoPages distributes records evenly across pagesPerChapter
// pages (the first len(records)%pagesPerChapter pages get one extra),
// each page name-sorted independently by recordpage.New.
func splitIntoPages(records []recordpage.Record, pagesPerChapter int) []*recordpage.Page {
	pages := make([]*recordpage.Page, pagesPerChapter)

	n := len(records)
	base := n / pagesPerChapter
	extra := n % pagesPerChapter
	pos := 0

	for i := 0; i < pagesPerChapter; i++ {
		count := base
		if i < extra {
			count++
		}

		pages[i] = recordpage.New(records[pos : pos+count])
		pos += count
	}

	return pages
}

// demoteAgedChapter prunes non-hook volume-index entries for the
// chapter that just aged out of the dense window (spec.md §4.8): once
// a chapter is sparse, only sampled hook names need to stay resident
// in the volume index, since the rest are reachable only through an
// on-demand sparse-cache chapter-index load.
func (s *Session) demoteAgedChapter(newest uint64) {
	g := s.geometry
	if g.SparseSampleRate == 0 || g.SparseChaptersPerVolume == 0 {
		return
	}

	dense := uint64(g.DenseChaptersPerVolume())
	if newest < dense {
		return
	}

	justDemoted := newest - dense
	rate := g.SparseSampleRate

	keep := func(dis [8]byte) bool {
		sample := binary.BigEndian.Uint32(dis[4:8])
		return sample%rate == 0
	}

	for _, z := range s.zones {
		z.vi.PruneNonHooks(justDemoted, keep)
	}
}

// Stats is a snapshot of a session's counters, for spec.md's testable
// properties and operational monitoring.
type Stats struct {
	RecordCount          uint64
	CollisionCount       uint64
	DiscardCount         uint64
	EarlyFlushCount      uint64
	OldestVirtualChapter uint64
	NewestVirtualChapter uint64
	SparseBarrierMisses  uint64
	SparseBarrierHits    uint64
	SparseSearchHits     uint64
	Generation           uint64
}

// GetStats collects counters from every zone via each zone's priority
// lane, so it never touches zone-owned state from outside that zone's
// own goroutine.
func (s *Session) GetStats() Stats {
	s.mu.Lock()
	if s.state != StateLoaded && s.state != StateSuspended {
		s.mu.Unlock()
		return Stats{}
	}

	zones := s.zones
	vol := s.vol
	sparse := s.sparse
	s.mu.Unlock()

	var (
		st sync.Mutex
		wg sync.WaitGroup
	)

	var out Stats

	wg.Add(len(zones))

	for _, z := range zones {
		z := z

		z.queue.EnqueueRetry(func() {
			defer wg.Done()

			records := uint64(z.vi.RecordCount())
			collisions := uint64(z.vi.CollisionCount())
			oldest := z.vi.OldestVirtualChapter()

			st.Lock()
			out.RecordCount += records
			out.CollisionCount += collisions
			out.DiscardCount += z.vi.DiscardCount
			out.EarlyFlushCount += z.vi.EarlyFlushCount

			if oldest > out.OldestVirtualChapter {
				out.OldestVirtualChapter = oldest
			}
			st.Unlock()
		})
	}

	wg.Wait()

	out.NewestVirtualChapter = s.newest.Load()

	if sparse != nil {
		out.SparseBarrierMisses = sparse.BarrierMisses
		out.SparseBarrierHits = sparse.BarrierHits
		out.SparseSearchHits = sparse.SearchHits
	}

	if vol != nil {
		out.Generation = vol.Generation()
	}

	return out
}

// UserData returns the caller-opaque metadata region of the volume's
// super block.
func (s *Session) UserData() ([64]byte, error) {
	s.mu.Lock()
	vol := s.vol
	s.mu.Unlock()

	if vol == nil {
		return [64]byte{}, ErrClosed
	}

	return vol.UserData(), nil
}

// SetUserData overwrites the caller-opaque metadata region.
func (s *Session) SetUserData(data [64]byte) error {
	s.mu.Lock()
	vol := s.vol
	s.mu.Unlock()

	if vol == nil {
		return ErrClosed
	}

	return vol.SetUserData(data)
}

// Generation returns a monotonic counter bumped once per chapter
// close, letting a caller cheaply detect that the index changed since
// it last checked.
func (s *Session) Generation() uint64 {
	s.mu.Lock()
	vol := s.vol
	s.mu.Unlock()

	if vol == nil {
		return 0
	}

	return vol.Generation()
}

// Suspend pauses request acceptance. With save=false this is a cheap,
// purely in-memory state flip: workers keep running (no new top-level
// requests reach them). With save=true it additionally drains in-flight
// requests, stops the zone workers, and serializes every zone's volume
// index into the volume's save region, the same bytes [Session.Open]
// with ModeLoad would restore from on a later clean start.
func (s *Session) Suspend(save bool) error {
	s.mu.Lock()

	switch s.state {
	case StateFresh:
		s.preSuspendState = StateFresh
		s.state = StateSuspended
		s.cond.Broadcast()
		s.mu.Unlock()

		return nil

	case StateLoading:
		// A suspend mid-rebuild pauses the replay loop without moving
		// s.state out of LOADING: the goroutine blocked inside doOpen is
		// the only writer of the post-LOADING state, and it is still
		// running.
		s.loadPaused = true
		ctrl := s.rebuildCtrl
		s.mu.Unlock()

		if ctrl != nil {
			ctrl.Suspend()
		}

		return nil

	case StateSuspended:
		s.mu.Unlock()
		return nil

	case StateLoaded:
		if !save {
			s.preSuspendState = StateLoaded
			s.state = StateSuspended
			s.cond.Broadcast()
			s.mu.Unlock()

			return nil
		}

		if s.saving {
			s.mu.Unlock()
			return ErrBusy
		}

		s.saving = true
		s.state = StateClosing
		s.mu.Unlock()

		err := s.suspendWithSave()

		s.mu.Lock()
		s.saving = false

		if err != nil {
			s.state = StateLoaded
		} else {
			s.preSuspendState = StateLoaded
			s.state = StateSuspended
		}

		s.cond.Broadcast()
		s.mu.Unlock()

		return err

	default:
		st := s.state
		s.mu.Unlock()

		return busyOrTerminal(st)
	}
}

func (s *Session) suspendWithSave() error {
	s.reqWG.Wait()
	s.stopWorkers()

	return s.saveVolumeIndex()
}

func (s *Session) saveVolumeIndex() error {
	var buf bytes.Buffer

	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(s.zones))) //nolint:gosec // bounded by ZoneCount
	buf.Write(countBuf[:])

	for _, z := range s.zones {
		var zoneBuf bytes.Buffer
		if err := z.vi.Save(&zoneBuf); err != nil {
			return err
		}

		var lenBuf [8]byte
		binary.BigEndian.PutUint64(lenBuf[:], uint64(zoneBuf.Len()))
		buf.Write(lenBuf[:])
		buf.Write(zoneBuf.Bytes())
	}

	return s.vol.WriteVolumeIndexSave(buf.Bytes())
}

// Resume reverses a prior Suspend: a plain (non-save) suspend just
// needs its state flipped back, while a save suspend also needs its
// zone workers restarted. Resuming a session suspended mid-rebuild
// (suspend during LOADING) unblocks the rebuild goroutine still parked
// inside the original Open call.
func (s *Session) Resume() error {
	s.mu.Lock()

	switch s.state {
	case StateFresh:
		s.mu.Unlock()
		return nil

	case StateLoading:
		if s.loadPaused {
			s.loadPaused = false
			ctrl := s.rebuildCtrl
			s.mu.Unlock()

			if ctrl != nil {
				ctrl.Resume()
			}

			return nil
		}

		s.mu.Unlock()
		return nil

	case StateSuspended:
		restore := s.preSuspendState
		s.state = restore
		needStart := restore == StateLoaded && !s.workersUp
		s.cond.Broadcast()
		s.mu.Unlock()

		if needStart {
			s.startWorkers()
		}

		return nil

	case StateLoaded:
		s.mu.Unlock()
		return nil

	default:
		st := s.state
		s.mu.Unlock()

		return busyOrTerminal(st)
	}
}

// Close tears the session down: stops zone workers, optionally writes
// a clean-save volume-index region, and closes the underlying volume
// file. Only valid from StateLoaded (a no-op from StateFresh, a
// programming error from any other state).
func (s *Session) Close(save bool) error {
	s.mu.Lock()

	switch s.state {
	case StateFresh:
		s.mu.Unlock()
		return nil

	case StateLoaded:
		s.state = StateClosing
		s.mu.Unlock()

	case StateClosing:
		s.mu.Unlock()
		return fmt.Errorf("uds: close already in progress: %w", ErrNotFound)

	default:
		st := s.state
		s.mu.Unlock()

		return busyOrTerminal(st)
	}

	err := s.doClose(save)

	s.mu.Lock()
	if err != nil {
		s.state = StateLoaded
	} else {
		s.state = StateFresh
	}

	s.cond.Broadcast()
	s.mu.Unlock()

	return err
}

func (s *Session) doClose(save bool) error {
	s.reqWG.Wait()
	s.stopWorkers()

	if save {
		if err := s.saveVolumeIndex(); err != nil {
			return err
		}
	}

	var err error
	if s.vol != nil {
		err = s.vol.Close()
	}

	s.vol = nil
	s.zones = nil
	s.sparse = nil
	s.rebuildCtrl = nil

	return err
}

// Destroy tears the session down (as Close(false) would) and removes
// the on-disk volume entirely. Safe to call on a session that was
// never opened.
func (s *Session) Destroy() error {
	s.mu.Lock()

	switch s.state {
	case StateDestroying, stateDestroyed:
		s.mu.Unlock()
		return ErrBusy

	case StateLoading:
		// The goroutine blocked inside doOpen is the only writer of the
		// state that follows LOADING; wait for it to observe the discard
		// and land on a terminal state before this goroutine tears down
		// s.vol out from under it.
		ctrl := s.rebuildCtrl
		s.mu.Unlock()

		if ctrl != nil {
			ctrl.Discard()
		}

		s.mu.Lock()
		for s.state == StateLoading {
			s.cond.Wait()
		}

		s.state = StateDestroying
		s.cond.Broadcast()
		s.mu.Unlock()

	case StateClosing:
		for s.state == StateClosing {
			s.cond.Wait()
		}

		s.state = StateDestroying
		s.cond.Broadcast()
		s.mu.Unlock()

	default:
		s.state = StateDestroying
		s.cond.Broadcast()
		s.mu.Unlock()
	}

	err := s.doDestroy()

	s.mu.Lock()
	s.state = stateDestroyed
	s.cond.Broadcast()
	s.mu.Unlock()

	return err
}

func (s *Session) doDestroy() error {
	s.reqWG.Wait()
	s.stopWorkers()

	if s.vol != nil {
		_ = s.vol.Close()
	}

	s.vol = nil
	s.zones = nil
	s.sparse = nil
	s.rebuildCtrl = nil

	if s.fsys == nil {
		s.fsys = s.params.effectiveFS()
	}

	if s.params.Path == "" {
		return nil
	}

	exists, err := s.fsys.Exists(s.params.Path)
	if err != nil {
		return err
	}

	if !exists {
		return nil
	}

	return s.fsys.Remove(s.params.Path)
}

func (s *Session) startWorkers() {
	s.mu.Lock()
	if s.workersUp {
		s.mu.Unlock()
		return
	}

	s.workersUp = true
	zones := s.zones
	s.mu.Unlock()

	for _, z := range zones {
		z := z
		z.stop = make(chan struct{})

		s.workersWG.Add(1)

		go func() {
			defer s.workersWG.Done()
			z.queue.Run(z.stop)
		}()
	}
}

func (s *Session) stopWorkers() {
	s.mu.Lock()
	if !s.workersUp {
		s.mu.Unlock()
		return
	}

	s.workersUp = false
	zones := s.zones
	s.mu.Unlock()

	for _, z := range zones {
		close(z.stop)
	}

	s.workersWG.Wait()
}

func translateVolumeErr(err error) error {
	switch {
	case errors.Is(err, volume.ErrForeignVolume):
		return fmt.Errorf("uds: %w", ErrInvalidArgument)
	case errors.Is(err, volume.ErrCorrupt):
		return fmt.Errorf("uds: %w", ErrCorruptData)
	case errors.Is(err, volume.ErrWriteback):
		return fmt.Errorf("uds: %w", ErrWriteback)
	default:
		return err
	}
}

func translateVolumeIndexErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, deltamem.ErrOverflow):
		return fmt.Errorf("uds: %w", ErrOverflow)
	case errors.Is(err, volumeindex.ErrInvalidArgument):
		return fmt.Errorf("uds: %w", ErrInvalidArgument)
	case errors.Is(err, volumeindex.ErrCorrupt):
		return fmt.Errorf("uds: %w", ErrCorruptData)
	default:
		return err
	}
}
