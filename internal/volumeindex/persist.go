package volumeindex

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/vdo-uds/uds/internal/deltamem"
)

// saveMagic identifies a zone save region and opens its body. The
// footer (body length, CRC32-C, inverted CRC) follows the teacher's
// write-ahead-log footer (pkg/mddb/wal.go): a torn write during restore
// is detected because the CRC or its inverted copy no longer matches.
var saveMagic = [8]byte{'U', 'D', 'S', 'V', 'I', 'D', 'X', '1'}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Save serializes this zone's delta-memory contents and invalidation
// window to w.
func (z *Zone) Save(w io.Writer) error {
	memory, lists, meanDelta, payloadBits := z.ix.ExportRawZone()

	body := make([]byte, 0, 64+len(memory)+len(lists)*24)
	body = append(body, saveMagic[:]...)
	body = binary.BigEndian.AppendUint64(body, z.oldestVirtualChapter)
	body = binary.BigEndian.AppendUint64(body, z.newestVirtualChapter)
	body = binary.BigEndian.AppendUint64(body, z.chaptersPerVolume)
	body = binary.BigEndian.AppendUint64(body, z.DiscardCount)
	body = binary.BigEndian.AppendUint64(body, z.EarlyFlushCount)
	body = binary.BigEndian.AppendUint32(body, meanDelta)
	body = binary.BigEndian.AppendUint32(body, uint32(payloadBits)) //nolint:gosec // bounded by Geometry.Validate
	body = binary.BigEndian.AppendUint32(body, uint32(len(lists)))
	body = binary.BigEndian.AppendUint32(body, uint32(len(memory)))

	for _, l := range lists {
		body = binary.BigEndian.AppendUint64(body, l.Start)
		body = binary.BigEndian.AppendUint64(body, l.Size)
		body = binary.BigEndian.AppendUint64(body, l.SaveOffset)
	}

	body = append(body, memory...)

	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("volumeindex: write body: %w", err)
	}

	crc := crc32.Checksum(body, crcTable)

	footer := make([]byte, 0, 16)
	footer = binary.BigEndian.AppendUint64(footer, uint64(len(body)))
	footer = binary.BigEndian.AppendUint32(footer, crc)
	footer = binary.BigEndian.AppendUint32(footer, ^crc)

	_, err := w.Write(footer)
	if err != nil {
		return fmt.Errorf("volumeindex: write footer: %w", err)
	}

	return nil
}

// Restore reconstructs a Zone from bytes previously produced by Save.
func Restore(data []byte) (*Zone, error) {
	if len(data) < 16 {
		return nil, fmt.Errorf("volumeindex: save region too short: %w", errCorrupt)
	}

	footer := data[len(data)-16:]
	bodyLen := binary.BigEndian.Uint64(footer[0:8])
	crc := binary.BigEndian.Uint32(footer[8:12])
	invCRC := binary.BigEndian.Uint32(footer[12:16])

	if crc != ^invCRC {
		return nil, fmt.Errorf("volumeindex: footer CRC halves disagree: %w", errCorrupt)
	}

	if uint64(len(data)-16) != bodyLen {
		return nil, fmt.Errorf("volumeindex: body length mismatch: %w", errCorrupt)
	}

	body := data[:bodyLen]
	if crc32.Checksum(body, crcTable) != crc {
		return nil, fmt.Errorf("volumeindex: body CRC mismatch: %w", errCorrupt)
	}

	if len(body) < 8 || [8]byte(body[0:8]) != saveMagic {
		return nil, fmt.Errorf("volumeindex: bad magic: %w", errCorrupt)
	}

	pos := 8
	oldest := binary.BigEndian.Uint64(body[pos:])
	pos += 8
	newest := binary.BigEndian.Uint64(body[pos:])
	pos += 8
	chaptersPerVolume := binary.BigEndian.Uint64(body[pos:])
	pos += 8
	discardCount := binary.BigEndian.Uint64(body[pos:])
	pos += 8
	earlyFlushCount := binary.BigEndian.Uint64(body[pos:])
	pos += 8
	meanDelta := binary.BigEndian.Uint32(body[pos:])
	pos += 4
	payloadBits := binary.BigEndian.Uint32(body[pos:])
	pos += 4
	listCount := binary.BigEndian.Uint32(body[pos:])
	pos += 4
	memLen := binary.BigEndian.Uint32(body[pos:])
	pos += 4

	lists := make([]deltamem.List, listCount)
	for i := range lists {
		lists[i] = deltamem.List{
			Start:      binary.BigEndian.Uint64(body[pos:]),
			Size:       binary.BigEndian.Uint64(body[pos+8:]),
			SaveOffset: binary.BigEndian.Uint64(body[pos+16:]),
		}
		pos += 24
	}

	memory := body[pos : pos+int(memLen)]

	zone, err := deltamem.Restore(memory, lists, meanDelta, int(payloadBits))
	if err != nil {
		return nil, fmt.Errorf("volumeindex: %w", err)
	}

	return &Zone{
		ix:                   newIndexFromZone(zone, meanDelta, int(payloadBits)),
		chaptersPerVolume:    chaptersPerVolume,
		oldestVirtualChapter: oldest,
		newestVirtualChapter: newest,
		DiscardCount:         discardCount,
		EarlyFlushCount:      earlyFlushCount,
	}, nil
}
