package recovery

import (
	"fmt"

	"github.com/vdo-uds/uds/internal/volume"
	"github.com/vdo-uds/uds/internal/volumeindex"
)

// maxBadChaptersTolerated bounds how many consecutive unreadable
// chapters a rebuild will tolerate inside the discovered window before
// giving up, matching spec.md §4.10's stated loss bound (k <= 5): a
// crash can torn-write at most this many trailing chapters and still
// leave the rest of the volume fully recoverable.
const maxBadChaptersTolerated = 5

// KeyFunc derives a name's volume-index key bits and disambiguator, the
// same way the live write path does. Rebuild is parameterized on it
// rather than importing the root package's zone/key derivation
// directly, to avoid a cyclic dependency between the root session
// package and internal/recovery.
type KeyFunc func(name [16]byte) (volumeIndexBits uint64, disambiguator [8]byte)

// Result summarizes a completed (or discarded) rebuild.
type Result struct {
	Oldest, Newest   uint64
	ChaptersReplayed uint64
	RecordsReplayed  uint64
}

// Rebuild reconstructs vi by replaying every chapter on vol, oldest
// first, as described in spec.md §4.10: discover the boundary window,
// then for each chapter in age order bind every record's name to that
// chapter in the volume index. Later (more recent) chapters naturally
// win over earlier ones for the same name, since volumeindex.PutRecord
// updates an existing entry in place; this is what lets a rebuild
// resurrect a deleted-but-not-yet-overwritten "Lazarus" record, since
// deletes never erase the physical chapter data they came from.
//
// control may be nil for an uninterruptible rebuild; otherwise Suspend/
// Resume/Discard on it pause or abandon replay at a chapter boundary.
func Rebuild(vol *volume.Volume, vi *volumeindex.Zone, keyOf KeyFunc, control *Control) (Result, error) {
	oldest, newest, err := vol.DiscoverChapters()
	if err != nil {
		return Result{}, err
	}

	chaptersPerVolume := uint64(vol.Header().ChaptersPerVolume)

	var result Result

	result.Oldest, result.Newest = oldest, newest

	badStreak := 0

	for virtual := oldest; virtual <= newest; virtual++ {
		if control != nil {
			if control.checkpoint() {
				return result, ErrDiscarded
			}
		}

		physical := uint32(virtual % chaptersPerVolume)

		replayed, err := replayChapter(vol, vi, physical, virtual, keyOf)
		if err != nil {
			badStreak++
			if badStreak > maxBadChaptersTolerated {
				return result, fmt.Errorf("recovery: chapter %d unreadable after %d consecutive bad chapters: %w", virtual, badStreak, err)
			}

			continue
		}

		badStreak = 0
		result.ChaptersReplayed++
		result.RecordsReplayed += uint64(replayed)

		if control != nil {
			control.recordChapterReplayed()
		}
	}

	vi.SetOpenChapter(newest + 1)

	return result, nil
}

func replayChapter(vol *volume.Volume, vi *volumeindex.Zone, physical uint32, virtual uint64, keyOf KeyFunc) (int, error) {
	if _, _, err := vol.ReadChapterIndex(physical); err != nil {
		return 0, err
	}

	count := 0

	for p := uint32(0); p < vol.Header().RecordPagesPerChapter; p++ {
		page, err := vol.ReadRecordPage(physical, p)
		if err != nil {
			return count, err
		}

		for _, rec := range page.Records() {
			bits, dis := keyOf(rec.Name)

			_, cur := vi.GetRecord(bits, dis)
			if err := vi.PutRecord(cur, virtual); err != nil {
				return count, fmt.Errorf("recovery: replaying chapter %d: %w", virtual, err)
			}

			count++
		}
	}

	return count, nil
}
