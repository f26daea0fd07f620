package volume

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/vdo-uds/uds/internal/chapterindex"
	"github.com/vdo-uds/uds/internal/recordpage"
)

// chapterFooterMagic and chapterFooterSize describe the trailer written
// at the end of a chapter's index page, in the same
// magic+bodyLen+crc+invCRC shape as internal/volumeindex's save footer
// (itself grounded on the teacher's WAL footer).
const (
	chapterFooterMagic = "UDSCHPT1"
	chapterFooterSize  = 8 + 8 + 8 + 4 + 4
)

var chapterCRCTable = crc32.MakeTable(crc32.Castagnoli)

// BuildChapter encodes a closed chapter: an index page (the
// chapterindex bytes, a virtual-chapter-tagged footer, zero-padded to
// bytesPerPage) followed by the chapter's record pages.
func BuildChapter(virtualChapter uint64, idx *chapterindex.Index, recordPages []*recordpage.Page, bytesPerPage uint32) ([]byte, error) {
	indexPage, err := encodeIndexPage(virtualChapter, idx, bytesPerPage)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, int(bytesPerPage)*(1+len(recordPages)))
	out = append(out, indexPage...)

	for i, p := range recordPages {
		encoded, err := p.Encode(int(bytesPerPage))
		if err != nil {
			return nil, fmt.Errorf("volume: encoding record page %d: %w", i, err)
		}

		out = append(out, encoded...)
	}

	return out, nil
}

func encodeIndexPage(virtualChapter uint64, idx *chapterindex.Index, bytesPerPage uint32) ([]byte, error) {
	body := idx.Encode()

	if len(body)+chapterFooterSize > int(bytesPerPage) {
		return nil, fmt.Errorf("volume: chapter index (%d bytes) does not fit in a %d-byte page", len(body), bytesPerPage)
	}

	page := make([]byte, bytesPerPage)
	copy(page, body)

	footer := page[int(bytesPerPage)-chapterFooterSize:]
	copy(footer[0:8], chapterFooterMagic)
	binary.BigEndian.PutUint64(footer[8:16], virtualChapter)
	binary.BigEndian.PutUint64(footer[16:24], uint64(len(body)))

	crc := crc32.Checksum(body, chapterCRCTable)
	binary.BigEndian.PutUint32(footer[24:28], crc)
	binary.BigEndian.PutUint32(footer[28:32], ^crc)

	return page, nil
}

// probeChapterFooter reads just the footer of a raw chapter's index
// page (raw starts at the footer, the last chapterFooterSize bytes of
// the index page) to learn whether the slot
// holds a validly-formatted chapter and, if so, its virtual chapter
// number. It does not decode the chapter index itself.
func probeChapterFooter(raw []byte) (virtual uint64, ok bool) {
	if len(raw) < chapterFooterSize {
		return 0, false
	}

	footer := raw[:chapterFooterSize]
	if string(footer[0:8]) != chapterFooterMagic {
		return 0, false
	}

	virtual = binary.BigEndian.Uint64(footer[8:16])
	crc := binary.BigEndian.Uint32(footer[24:28])
	invCRC := binary.BigEndian.Uint32(footer[28:32])

	if crc != ^invCRC {
		return 0, false
	}

	return virtual, true
}

// decodeIndexPage decodes and validates one chapter's index page,
// recomputing the body CRC against the footer.
func decodeIndexPage(raw []byte, bytesPerPage uint32) (*chapterindex.Index, uint64, error) {
	if uint32(len(raw)) < bytesPerPage {
		return nil, 0, fmt.Errorf("volume: index page shorter than page size")
	}

	footer := raw[bytesPerPage-chapterFooterSize : bytesPerPage]
	if string(footer[0:8]) != chapterFooterMagic {
		return nil, 0, fmt.Errorf("volume: %w: bad index page magic", ErrCorrupt)
	}

	virtual := binary.BigEndian.Uint64(footer[8:16])
	bodyLen := binary.BigEndian.Uint64(footer[16:24])
	wantCRC := binary.BigEndian.Uint32(footer[24:28])
	invCRC := binary.BigEndian.Uint32(footer[28:32])

	if wantCRC != ^invCRC {
		return nil, 0, fmt.Errorf("volume: %w: index footer CRC mismatch", ErrCorrupt)
	}

	if bodyLen > uint64(bytesPerPage)-chapterFooterSize {
		return nil, 0, fmt.Errorf("volume: %w: index body length out of range", ErrCorrupt)
	}

	body := raw[:bodyLen]
	if crc32.Checksum(body, chapterCRCTable) != wantCRC {
		return nil, 0, fmt.Errorf("volume: %w: index body CRC mismatch", ErrCorrupt)
	}

	idx, err := chapterindex.Decode(body)
	if err != nil {
		return nil, 0, fmt.Errorf("volume: %w: %v", ErrCorrupt, err)
	}

	return idx, virtual, nil
}

func decodeRecordPage(buf []byte) (*recordpage.Page, error) {
	return recordpage.Decode(buf)
}
