package tpie

import (
	"fmt"
	"io"
	"os"

	"github.com/edsrzf/mmap-go"
	tpieerrors "github.com/pombredanne/tpie/errors"
)

// blockFile performs aligned block reads and writes against a single backing
// file. Blocks live at headerSize + idx*blockBytes; the leading headerSize
// bytes hold the stream header record. A blockFile is owned by one stream
// and is not safe for concurrent use.
type blockFile struct {
	f          *os.File
	path       string
	blockBytes int64
	writable   bool

	// Read-only mapping of the whole file, when the stream was opened in
	// read mode and mapping succeeded. Block loads copy out of the mapping
	// instead of issuing pread calls.
	m mmap.MMap
}

func openBlockFile(path string, flag int, blockBytes int64, writable bool) (*blockFile, error) {
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", tpieerrors.ErrIO, path, err)
	}
	return &blockFile{f: f, path: path, blockBytes: blockBytes, writable: writable}, nil
}

// mapReadOnly maps the backing file for reading. Failure is not an error;
// the blockFile silently falls back to pread.
func (bf *blockFile) mapReadOnly() {
	if bf.writable {
		return
	}
	m, err := mmap.Map(bf.f, mmap.RDONLY, 0)
	if err != nil {
		return
	}
	bf.m = m
	prefaultRegion(m)
}

// readHeader reads the leading header record.
func (bf *blockFile) readHeader(buf []byte) error {
	n, err := bf.f.ReadAt(buf[:headerEncodedSize], 0)
	if err != nil && !(err == io.EOF && n == headerEncodedSize) {
		if err == io.EOF {
			return tpieerrors.ErrTruncatedHeader
		}
		return fmt.Errorf("%w: read header of %s: %w", tpieerrors.ErrIO, bf.path, err)
	}
	return nil
}

// writeHeader writes the leading header record, zero padded to headerSize.
func (bf *blockFile) writeHeader(h *header) error {
	buf := make([]byte, headerSize)
	h.encodeTo(buf)
	if _, err := bf.f.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("%w: write header of %s: %w", tpieerrors.ErrIO, bf.path, err)
	}
	return nil
}

func (bf *blockFile) blockOffset(idx int64) int64 {
	return headerSize + idx*bf.blockBytes
}

// readBlock fills buf (one full block) from block idx.
func (bf *blockFile) readBlock(idx int64, buf []byte) error {
	off := bf.blockOffset(idx)
	if bf.m != nil {
		if off+bf.blockBytes <= int64(len(bf.m)) {
			copy(buf, bf.m[off:off+bf.blockBytes])
			return nil
		}
		// The mapping is stale or short; fall through to pread.
	}
	n, err := bf.f.ReadAt(buf, off)
	if err != nil && !(err == io.EOF && int64(n) == bf.blockBytes) {
		return fmt.Errorf("%w: read block %d of %s: %w", tpieerrors.ErrIO, idx, bf.path, err)
	}
	return nil
}

// writeBlock writes one full block at idx.
func (bf *blockFile) writeBlock(idx int64, buf []byte) error {
	if _, err := bf.f.WriteAt(buf, bf.blockOffset(idx)); err != nil {
		return fmt.Errorf("%w: write block %d of %s: %w", tpieerrors.ErrIO, idx, bf.path, err)
	}
	return nil
}

// truncateBlocks discards all blocks at index >= blocks.
func (bf *blockFile) truncateBlocks(blocks int64) error {
	if err := bf.f.Truncate(bf.blockOffset(blocks)); err != nil {
		return fmt.Errorf("%w: truncate %s: %w", tpieerrors.ErrIO, bf.path, err)
	}
	return nil
}

// preallocate reserves space for the given number of blocks.
func (bf *blockFile) preallocate(blocks int64) error {
	return fallocateFile(bf.f, bf.blockOffset(blocks))
}

// adviseSequential hints that the file will be read front to back.
func (bf *blockFile) adviseSequential() {
	fadviseSequential(int(bf.f.Fd()), 0, 0)
}

func (bf *blockFile) sync() error {
	if err := bf.f.Sync(); err != nil {
		return fmt.Errorf("%w: sync %s: %w", tpieerrors.ErrIO, bf.path, err)
	}
	return nil
}

func (bf *blockFile) close() error {
	var mErr error
	if bf.m != nil {
		mErr = bf.m.Unmap()
		bf.m = nil
	}
	if err := bf.f.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %w", tpieerrors.ErrIO, bf.path, err)
	}
	if mErr != nil {
		return fmt.Errorf("%w: unmap %s: %w", tpieerrors.ErrIO, bf.path, mErr)
	}
	return nil
}
