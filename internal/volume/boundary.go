package volume

import "errors"

// ErrCorrupt is returned by FindVolumeChapterBoundaries when no
// sufficiently long monotone run of valid chapters exists.
var ErrCorrupt = errors.New("volume: no valid chapter run found")

// ChapterProbe is the result of probing one physical chapter slot for
// its stored virtual chapter number.
type ChapterProbe struct {
	Virtual   uint64
	Formatted bool
}

// FindVolumeChapterBoundaries locates the contiguous (circularly,
// physical = virtual mod len(results)) run of chapters whose virtual
// numbers increase by exactly one per physical step, tolerating up to
// maxBadChapters consecutive unformatted or inconsistent slots within
// the run. It returns the lowest and highest virtual chapter numbers in
// the best (longest) such run found.
func FindVolumeChapterBoundaries(results []ChapterProbe, maxBadChapters int) (lowest, highest uint64, err error) {
	n := len(results)
	if n == 0 {
		return 0, 0, ErrCorrupt
	}

	consistent := make([]bool, n)
	for i, r := range results {
		consistent[i] = r.Formatted && r.Virtual%uint64(n) == uint64(i)
	}

	bestLen := -1

	var bestLo, bestHi uint64

	for start := 0; start < n; start++ {
		if !consistent[start] {
			continue
		}

		lo := results[start].Virtual
		hi := lo
		length := 1
		badStreak := 0
		expected := lo + 1

		for steps := 1; steps < n; steps++ {
			idx := (start + steps) % n

			if consistent[idx] && results[idx].Virtual == expected {
				hi = expected
				length++
				badStreak = 0
				expected++

				continue
			}

			badStreak++
			if badStreak > maxBadChapters {
				break
			}

			expected++
		}

		if length > bestLen {
			bestLen = length
			bestLo, bestHi = lo, hi
		}
	}

	if bestLen <= 0 {
		return 0, 0, ErrCorrupt
	}

	return bestLo, bestHi, nil
}
