package recordpage

import (
	"encoding/binary"
	"fmt"
)

// Encode serializes p into an exactly size-byte page: a uint32 record
// count followed by name/length/data for each record, zero-padded to
// size. size must be large enough to hold every record; callers compute
// the page size from the configured record data size and page capacity.
func (p *Page) Encode(size int) ([]byte, error) {
	buf := make([]byte, size)

	binary.BigEndian.PutUint32(buf[0:4], uint32(len(p.records)))

	off := 4

	for _, r := range p.records {
		if off+16+4+len(r.Data) > size {
			return nil, fmt.Errorf("recordpage: encoded records do not fit in %d-byte page", size)
		}

		copy(buf[off:off+16], r.Name[:])
		off += 16

		binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(r.Data)))
		off += 4

		copy(buf[off:off+len(r.Data)], r.Data)
		off += len(r.Data)
	}

	return buf, nil
}

// Decode parses a page previously produced by Encode. Records are
// already stored name-sorted by Encode's caller (New sorts before
// encoding), so Decode trusts the stored order rather than re-sorting.
func Decode(buf []byte) (*Page, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("recordpage: buffer too short for count")
	}

	count := binary.BigEndian.Uint32(buf[0:4])
	records := make([]Record, 0, count)
	off := 4

	for i := uint32(0); i < count; i++ {
		if off+16+4 > len(buf) {
			return nil, fmt.Errorf("recordpage: truncated record header at index %d", i)
		}

		var rec Record

		copy(rec.Name[:], buf[off:off+16])
		off += 16

		dataLen := int(binary.BigEndian.Uint32(buf[off : off+4]))
		off += 4

		if off+dataLen > len(buf) {
			return nil, fmt.Errorf("recordpage: truncated record data at index %d", i)
		}

		rec.Data = append([]byte{}, buf[off:off+dataLen]...)
		off += dataLen

		records = append(records, rec)
	}

	return &Page{records: records}, nil
}
