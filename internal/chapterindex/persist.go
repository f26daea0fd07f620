package chapterindex

import (
	"encoding/binary"
	"fmt"

	"github.com/vdo-uds/uds/internal/deltaindex"
	"github.com/vdo-uds/uds/internal/deltamem"
)

// Encode serializes the chapter index's backing zone to bytes, for
// embedding in a chapter's index page. Layout mirrors
// internal/volumeindex's save format minus the fields that only make
// sense for the long-lived volume index (retention window, discard
// counters): meanDelta, payloadBits, listCount, memLen, then one
// {Start,Size,SaveOffset} triple per list, then the raw zone memory.
func (c *Index) Encode() []byte {
	memory, lists, meanDelta, payloadBits := c.zone.ExportRaw()

	buf := make([]byte, 16+24*len(lists)+len(memory))

	binary.BigEndian.PutUint32(buf[0:4], meanDelta)
	binary.BigEndian.PutUint32(buf[4:8], uint32(payloadBits))
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(lists)))
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(memory)))

	off := 16
	for _, l := range lists {
		binary.BigEndian.PutUint64(buf[off:off+8], l.Start)
		binary.BigEndian.PutUint64(buf[off+8:off+16], l.Size)
		binary.BigEndian.PutUint64(buf[off+16:off+24], l.SaveOffset)
		off += 24
	}

	copy(buf[off:], memory)

	return buf
}

// Decode reconstructs a chapter index from bytes produced by Encode.
func Decode(buf []byte) (*Index, error) {
	if len(buf) < 16 {
		return nil, fmt.Errorf("chapterindex: buffer too short for header")
	}

	meanDelta := binary.BigEndian.Uint32(buf[0:4])
	payloadBits := int(binary.BigEndian.Uint32(buf[4:8]))
	listCount := int(binary.BigEndian.Uint32(buf[8:12]))
	memLen := int(binary.BigEndian.Uint32(buf[12:16]))

	off := 16
	if len(buf) < off+24*listCount+memLen {
		return nil, fmt.Errorf("chapterindex: buffer too short for body")
	}

	lists := make([]deltamem.List, listCount)

	for i := range lists {
		lists[i] = deltamem.List{
			Start:      binary.BigEndian.Uint64(buf[off : off+8]),
			Size:       binary.BigEndian.Uint64(buf[off+8 : off+16]),
			SaveOffset: binary.BigEndian.Uint64(buf[off+16 : off+24]),
		}
		off += 24
	}

	memory := append([]byte{}, buf[off:off+memLen]...)

	zone, err := deltamem.Restore(memory, lists, meanDelta, payloadBits)
	if err != nil {
		return nil, fmt.Errorf("chapterindex: restore zone: %w", err)
	}

	return &Index{zone: zone, ix: deltaindex.New(zone, meanDelta, payloadBits)}, nil
}
