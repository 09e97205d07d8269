package tpie

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	tpieerrors "github.com/pombredanne/tpie/errors"
	"github.com/zeebo/xxh3"
)

const (
	// magic number for tpie stream files: "TPIE" in little-endian
	magic = uint32(0x45495054)

	// version is the current stream format version
	version = uint16(0x0001)

	// headerSize is the size of the leading aligned header record. Blocks
	// start at this offset so block I/O stays aligned for any block size
	// that is a multiple of 4 KiB.
	headerSize = 4096

	// headerEncodedSize is the number of meaningful bytes at the front of
	// the header record; the remainder of the record is zero.
	headerEncodedSize = 56

	// blockHeaderSize is the per-block header: item count and optional
	// payload checksum.
	blockHeaderSize = 16

	// flagBlockChecksums marks streams whose blocks carry payload checksums.
	flagBlockChecksums = uint16(1 << 0)
)

// header is the leading record of a stream file.
//
// Layout (little-endian):
//
//	Offset  Size  Field
//	0       4     Magic          0x45495054 ("TPIE")
//	4       2     Version        0x0001
//	6       2     Flags          bit 0: blocks carry payload checksums
//	8       8     BlockBytes     bytes per block
//	16      8     ItemSize       bytes per item
//	24      8     ItemsPerBlock  (BlockBytes - blockHeaderSize) / ItemSize
//	32      8     Length         authoritative item count
//	40      8     TypeTag        xxh3 hash of the codec name
//	48      8     Checksum       xxHash64 of bytes [0, 48)
//
// The record is padded with zeros to headerSize.
type header struct {
	Magic         uint32
	Version       uint16
	Flags         uint16
	BlockBytes    int64
	ItemSize      int64
	ItemsPerBlock int64
	Length        int64
	TypeTag       uint64
}

// typeTag derives the header's item-type tag from a codec name.
func typeTag(name string) uint64 {
	return xxh3.HashString(name)
}

// encodeTo serializes the header into a buffer of at least headerEncodedSize
// bytes, computing the trailing checksum.
func (h *header) encodeTo(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint16(buf[4:6], h.Version)
	binary.LittleEndian.PutUint16(buf[6:8], h.Flags)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(h.BlockBytes))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(h.ItemSize))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(h.ItemsPerBlock))
	binary.LittleEndian.PutUint64(buf[32:40], uint64(h.Length))
	binary.LittleEndian.PutUint64(buf[40:48], h.TypeTag)
	binary.LittleEndian.PutUint64(buf[48:56], xxhash.Sum64(buf[0:48]))
}

// decodeHeader parses and validates a stream header record.
func decodeHeader(buf []byte) (*header, error) {
	if len(buf) < headerEncodedSize {
		return nil, tpieerrors.ErrTruncatedHeader
	}

	h := &header{
		Magic:         binary.LittleEndian.Uint32(buf[0:4]),
		Version:       binary.LittleEndian.Uint16(buf[4:6]),
		Flags:         binary.LittleEndian.Uint16(buf[6:8]),
		BlockBytes:    int64(binary.LittleEndian.Uint64(buf[8:16])),
		ItemSize:      int64(binary.LittleEndian.Uint64(buf[16:24])),
		ItemsPerBlock: int64(binary.LittleEndian.Uint64(buf[24:32])),
		Length:        int64(binary.LittleEndian.Uint64(buf[32:40])),
		TypeTag:       binary.LittleEndian.Uint64(buf[40:48]),
	}

	if h.Magic != magic {
		return nil, tpieerrors.ErrInvalidMagic
	}
	if h.Version != version {
		return nil, tpieerrors.ErrInvalidVersion
	}
	if sum := binary.LittleEndian.Uint64(buf[48:56]); sum != xxhash.Sum64(buf[0:48]) {
		return nil, tpieerrors.ErrHeaderChecksum
	}
	if h.BlockBytes <= blockHeaderSize || h.ItemSize <= 0 || h.ItemsPerBlock <= 0 || h.Length < 0 {
		return nil, tpieerrors.ErrHeaderChecksum
	}

	return h, nil
}

// blockChecksums reports whether blocks of this stream carry payload hashes.
func (h *header) blockChecksums() bool {
	return h.Flags&flagBlockChecksums != 0
}

// encodeBlockHeader writes the per-block header: the count of valid items in
// the block and, when checksums are enabled, the xxHash64 of their bytes.
func encodeBlockHeader(block []byte, count int64, itemSize int64, checksum bool) {
	binary.LittleEndian.PutUint64(block[0:8], uint64(count))
	var sum uint64
	if checksum {
		sum = xxhash.Sum64(block[blockHeaderSize : blockHeaderSize+count*itemSize])
	}
	binary.LittleEndian.PutUint64(block[8:16], sum)
}

// verifyBlockHeader checks a loaded block against the expected valid-item
// count derived from the stream length.
func verifyBlockHeader(block []byte, want int64, itemSize int64, checksum bool) error {
	count := int64(binary.LittleEndian.Uint64(block[0:8]))
	if count != want {
		return tpieerrors.ErrCorruptedBlock
	}
	if checksum {
		sum := binary.LittleEndian.Uint64(block[8:16])
		if sum != xxhash.Sum64(block[blockHeaderSize:blockHeaderSize+count*itemSize]) {
			return tpieerrors.ErrBlockChecksum
		}
	}
	return nil
}
