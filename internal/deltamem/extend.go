package deltamem

// ExtendDeltaZone rebalances the free space ("gaps") between data lists
// so they are as close to equal as possible, optionally reserving an
// extra growingSize bits in the gap immediately preceding list
// growingIndex (1-indexed). growingIndex ListCount+1 reserves the space
// after the last list, before the tail guard. Pass growingIndex 0 to
// rebalance without reserving extra space for any particular list.
//
// Per spec invariant: for every pair of adjacent lists the gap between
// them is equal, except the first gap (between the head guard and list
// 1) which may be smaller, and the gap being grown which is at least
// growingSize bits larger. No list's content is lost: existing entries
// are relocated via [MoveBits], lists moving down first (in ascending
// order) and lists moving up after (in descending order), so no move
// overwrites a list that has not been moved yet.
//
// On failure (not enough free space even after accounting for
// growingSize) ExtendDeltaZone returns [ErrOverflow]; apart from
// incrementing OverflowCount it leaves the zone unchanged.
func (z *Zone) ExtendDeltaZone(growingIndex int, growingSize uint64) error {
	if growingIndex < 0 || growingIndex > z.listCount+1 {
		return ErrOverflow
	}

	return z.redistribute(growingIndex, growingSize)
}

// redistribute computes new start offsets for all data lists and moves
// their content into place. It is used both by Initialize (growingIndex
// 0, growingSize 0, all lists empty) and by ExtendDeltaZone.
func (z *Zone) redistribute(growingIndex int, growingSize uint64) error {
	n := z.listCount

	used := make([]uint64, n+1)
	oldStart := make([]uint64, n+1)

	var totalUsed uint64
	for i := 1; i <= n; i++ {
		used[i] = z.lists[i].Size
		oldStart[i] = z.lists[i].Start
		totalUsed += used[i]
	}

	totalSpan := z.lists[n+1].Start // bits available before the tail guard

	var extra uint64
	if growingIndex > 0 {
		extra = growingSize
	}

	if totalSpan < totalUsed+extra {
		z.OverflowCount++
		return ErrOverflow
	}

	distributable := totalSpan - totalUsed - extra

	// growingSlot is the 0-indexed gap slot that receives the extra
	// reservation: slot k is the gap between list k and list k+1 (slot 0
	// sits between the head guard and list 1).
	growingSlot := -1
	if growingIndex > 0 {
		growingSlot = growingIndex - 1
	}

	// The common gaps are the ones after lists 1..n; gaps[n], the span
	// trailing the last list, is not stored as an offset but is whatever
	// remains before the tail guard once the other gaps are placed, so it
	// still counts as one of the n common gaps.
	commonCount := uint64(n)

	var commonGap uint64
	if commonCount > 0 {
		commonGap = distributable / commonCount
	}

	gaps := make([]uint64, n+1)
	for k := 1; k <= n; k++ {
		if k == growingSlot {
			continue
		}
		gaps[k] = commonGap
	}

	leftover := distributable - commonGap*commonCount

	// leftover is the remainder of distributable/commonCount: at most
	// commonCount-1 bits that don't divide evenly among the common gaps.
	// When gap 0 is itself the growing gap (growingSlot == 0) it gets
	// commonGap plus the reservation, and the leftover stays in the span
	// after the last list. Otherwise gap 0 is the *only* other gap allowed
	// to differ from commonGap, and only by being smaller, so it can
	// only take up to commonGap of the leftover; any remainder beyond
	// that is left as unallocated slack before the tail guard rather
	// than forcing gap 0 above commonGap.
	switch {
	case growingSlot == 0:
		gaps[0] = commonGap + extra
	case growingSlot > 0:
		gaps[growingSlot] = commonGap + extra
		gaps[0] = min(leftover, commonGap)
	default:
		gaps[0] = min(leftover, commonGap)
	}

	newStart := make([]uint64, n+2)
	newStart[0] = 0
	newStart[1] = gaps[0]

	for k := 2; k <= n; k++ {
		newStart[k] = newStart[k-1] + used[k-1] + gaps[k-1]
	}

	// Lists moving down are moved in ascending order and lists moving up
	// in descending order, so each move lands only on space that is free
	// or already vacated.
	for k := 1; k <= n; k++ {
		if used[k] != 0 && newStart[k] < oldStart[k] {
			MoveBits(z.memory, oldStart[k], z.memory, newStart[k], used[k])
		}
	}

	for k := n; k >= 1; k-- {
		if used[k] != 0 && newStart[k] > oldStart[k] {
			MoveBits(z.memory, oldStart[k], z.memory, newStart[k], used[k])
		}
	}

	for k := 1; k <= n; k++ {
		z.lists[k].Start = newStart[k]
	}

	z.RebalanceCount++

	return nil
}
