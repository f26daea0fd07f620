// Package volume implements the on-disk rotating log of chapters: a
// fixed-size superblock, a chapters partition of chaptersPerVolume
// fixed-size slots, a bounded page cache, and boundary discovery on
// load.
//
// The fixed-offset, CRC32-C-protected header layout below is adapted
// directly from the teacher's pkg/slotcache/format.go SLC1 header
// (magic, offset table as named byte constants, header CRC computed
// over the header with the CRC field itself zeroed).
package volume

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// ErrForeignVolume indicates the on-disk nonce does not match the
// session's configured nonce: this volume belongs to a different index.
var ErrForeignVolume = errors.New("volume: foreign nonce")

// uds1 superblock format constants.
const (
	magicUDS1  = "UDS1"
	headerSize = 256
)

// Header field offsets (bytes from file start), mirroring the fixed
// byte-offset-constant style of a slotcache SLC1 header.
const (
	offMagic                 = 0x00 // [4]byte
	offVersion               = 0x04 // uint32
	offNonce                 = 0x08 // uint64
	offBytesPerPage          = 0x10 // uint32
	offRecordPagesPerChapter = 0x14 // uint32
	offChaptersPerVolume     = 0x18 // uint32
	offSparseChaptersPerVol  = 0x1C // uint32
	offSparseSampleRate      = 0x20 // uint32
	offRecordDataSize        = 0x24 // uint32
	offPayloadBits           = 0x28 // uint32
	offRecoveryCount         = 0x2C // uint32
	offChaptersOffset        = 0x30 // uint64
	offVolumeIndexOffset     = 0x38 // uint64
	offVolumeIndexLength     = 0x40 // uint64
	offHeaderCRC32C          = 0x48 // uint32
	offUserData              = 0x4C // [64]byte, caller-opaque metadata
	offCleanShutdown         = 0x8C // uint32, 1 iff the volume-index save region is valid
	offReservedStart         = 0x90 // reserved through headerSize-1
)

// userDataSize is the size of the caller-opaque metadata region a
// session can stash a schema/version tag in, mirroring the teacher's
// slotcache UserHeader convenience.
const userDataSize = 64

const headerVersion = 1

// Header is the decoded form of the superblock.
type Header struct {
	Nonce                   uint64
	BytesPerPage            uint32
	RecordPagesPerChapter   uint32
	ChaptersPerVolume       uint32
	SparseChaptersPerVolume uint32
	SparseSampleRate        uint32
	RecordDataSize          uint32
	PayloadBits             uint32
	RecoveryCount           uint32
	ChaptersOffset          uint64
	VolumeIndexOffset       uint64
	VolumeIndexLength       uint64
	UserData                [userDataSize]byte

	// CleanShutdown is true iff the bytes at [VolumeIndexOffset,
	// VolumeIndexOffset+VolumeIndexLength) hold a volume-index save
	// region written by a clean Close/Suspend(save=true) and not yet
	// invalidated by a subsequent write-capable Open. A session opened
	// with LOAD trusts the save region only when this is true; otherwise
	// it triggers a full rebuild (spec.md §4.10).
	CleanShutdown bool
}

// EncodeHeader serializes h into a headerSize-byte superblock, computing
// and embedding its CRC32-C.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, headerSize)

	copy(buf[offMagic:], magicUDS1)
	binary.LittleEndian.PutUint32(buf[offVersion:], headerVersion)
	binary.LittleEndian.PutUint64(buf[offNonce:], h.Nonce)
	binary.LittleEndian.PutUint32(buf[offBytesPerPage:], h.BytesPerPage)
	binary.LittleEndian.PutUint32(buf[offRecordPagesPerChapter:], h.RecordPagesPerChapter)
	binary.LittleEndian.PutUint32(buf[offChaptersPerVolume:], h.ChaptersPerVolume)
	binary.LittleEndian.PutUint32(buf[offSparseChaptersPerVol:], h.SparseChaptersPerVolume)
	binary.LittleEndian.PutUint32(buf[offSparseSampleRate:], h.SparseSampleRate)
	binary.LittleEndian.PutUint32(buf[offRecordDataSize:], h.RecordDataSize)
	binary.LittleEndian.PutUint32(buf[offPayloadBits:], h.PayloadBits)
	binary.LittleEndian.PutUint32(buf[offRecoveryCount:], h.RecoveryCount)
	binary.LittleEndian.PutUint64(buf[offChaptersOffset:], h.ChaptersOffset)
	binary.LittleEndian.PutUint64(buf[offVolumeIndexOffset:], h.VolumeIndexOffset)
	binary.LittleEndian.PutUint64(buf[offVolumeIndexLength:], h.VolumeIndexLength)
	copy(buf[offUserData:offUserData+userDataSize], h.UserData[:])

	if h.CleanShutdown {
		binary.LittleEndian.PutUint32(buf[offCleanShutdown:], 1)
	}

	crc := computeHeaderCRC(buf)
	binary.LittleEndian.PutUint32(buf[offHeaderCRC32C:], crc)

	return buf
}

// DecodeHeader parses and validates a headerSize-byte superblock.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < headerSize {
		return Header{}, fmt.Errorf("volume: header too short")
	}

	if string(buf[offMagic:offMagic+4]) != magicUDS1 {
		return Header{}, fmt.Errorf("volume: bad magic")
	}

	wantCRC := binary.LittleEndian.Uint32(buf[offHeaderCRC32C:])
	if computeHeaderCRC(buf) != wantCRC {
		return Header{}, fmt.Errorf("volume: header CRC mismatch")
	}

	h := Header{
		Nonce:                   binary.LittleEndian.Uint64(buf[offNonce:]),
		BytesPerPage:            binary.LittleEndian.Uint32(buf[offBytesPerPage:]),
		RecordPagesPerChapter:   binary.LittleEndian.Uint32(buf[offRecordPagesPerChapter:]),
		ChaptersPerVolume:       binary.LittleEndian.Uint32(buf[offChaptersPerVolume:]),
		SparseChaptersPerVolume: binary.LittleEndian.Uint32(buf[offSparseChaptersPerVol:]),
		SparseSampleRate:        binary.LittleEndian.Uint32(buf[offSparseSampleRate:]),
		RecordDataSize:          binary.LittleEndian.Uint32(buf[offRecordDataSize:]),
		PayloadBits:             binary.LittleEndian.Uint32(buf[offPayloadBits:]),
		RecoveryCount:           binary.LittleEndian.Uint32(buf[offRecoveryCount:]),
		ChaptersOffset:          binary.LittleEndian.Uint64(buf[offChaptersOffset:]),
		VolumeIndexOffset:       binary.LittleEndian.Uint64(buf[offVolumeIndexOffset:]),
		VolumeIndexLength:       binary.LittleEndian.Uint64(buf[offVolumeIndexLength:]),
		CleanShutdown:           binary.LittleEndian.Uint32(buf[offCleanShutdown:]) == 1,
	}
	copy(h.UserData[:], buf[offUserData:offUserData+userDataSize])

	return h, nil
}

// computeHeaderCRC computes the CRC32-C of buf with the CRC field itself
// zeroed, matching the slotcache header's self-describing checksum
// convention.
func computeHeaderCRC(buf []byte) uint32 {
	scratch := make([]byte, len(buf))
	copy(scratch, buf)
	binary.LittleEndian.PutUint32(scratch[offHeaderCRC32C:], 0)

	return crc32.Checksum(scratch, crc32.MakeTable(crc32.Castagnoli))
}
