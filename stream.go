package tpie

import (
	"errors"
	"fmt"
	"os"

	tpieerrors "github.com/pombredanne/tpie/errors"
)

// Mode selects how a stream's backing file is opened.
type Mode int

const (
	// Read opens an existing stream read-only.
	Read Mode = iota
	// Write creates the stream, truncating an existing file.
	Write
	// ReadWrite opens the stream for reading and writing, preserving
	// existing contents and creating the file if absent.
	ReadWrite
)

// streamOverhead approximates the fixed in-memory footprint of an open
// stream beyond its block buffer, for memory accounting.
const streamOverhead = 512

// StreamMemoryUsage returns the memory charged against a budget for one
// open stream with the given block size.
func StreamMemoryUsage(blockBytes int64) int64 {
	return blockBytes + streamOverhead
}

// Stream is an item-oriented view over a block file. It maintains a logical
// cursor in [0, Len()] and exactly one resident block, written back before
// another block is loaded iff it has unflushed writes. A Stream is owned by
// one goroutine at a time.
type Stream[T any] struct {
	codec    Codec[T]
	mode     Mode
	bf       *blockFile
	checksum bool

	itemSize      int64
	itemsPerBlock int64
	blockBytes    int64

	length int64 // total item count
	pos    int64 // logical cursor in [0, length]

	blockIdx int64 // index of the resident block, -1 if none
	blockBuf []byte
	dirty    bool

	tf     *TempFile // non-nil for unnamed temporary streams
	closed bool
}

// Open opens or creates the stream at path. An empty path creates an
// unnamed temporary stream (forced to ReadWrite) whose backing file is
// removed on Close.
func Open[T any](path string, mode Mode, codec Codec[T], opts ...StreamOption) (*Stream[T], error) {
	cfg := defaultStreamConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	itemSize := int64(codec.Size())
	itemsPerBlock := (cfg.blockBytes - blockHeaderSize) / itemSize
	if itemsPerBlock < 1 {
		return nil, tpieerrors.ErrBlockTooSmall
	}

	s := &Stream[T]{
		codec:         codec,
		mode:          mode,
		checksum:      cfg.checksums,
		itemSize:      itemSize,
		itemsPerBlock: itemsPerBlock,
		blockBytes:    cfg.blockBytes,
		blockIdx:      -1,
		blockBuf:      make([]byte, cfg.blockBytes),
	}

	if path == "" {
		s.tf = NewTempFile(cfg.tempDir)
		s.mode = ReadWrite
		path = s.tf.Path()
	}

	var flag int
	switch s.mode {
	case Read:
		flag = os.O_RDONLY
	case Write:
		flag = os.O_RDWR | os.O_CREATE | os.O_TRUNC
	case ReadWrite:
		flag = os.O_RDWR | os.O_CREATE
	}

	bf, err := openBlockFile(path, flag, cfg.blockBytes, s.mode != Read)
	if err != nil {
		return nil, err
	}
	s.bf = bf

	fresh := s.mode == Write
	if s.mode == ReadWrite {
		fi, err := bf.f.Stat()
		if err != nil {
			_ = bf.close()
			return nil, fmt.Errorf("%w: stat %s: %w", tpieerrors.ErrIO, path, err)
		}
		fresh = fi.Size() == 0
	}

	if fresh {
		if err := s.writeHeader(); err != nil {
			_ = bf.close()
			return nil, err
		}
	} else {
		hdr, err := s.loadHeader()
		if err != nil {
			_ = bf.close()
			return nil, err
		}
		s.length = hdr.Length
		s.checksum = hdr.blockChecksums()
	}

	if s.mode == Read && !cfg.noMmap {
		bf.mapReadOnly()
	}
	return s, nil
}

func (s *Stream[T]) writeHeader() error {
	flags := uint16(0)
	if s.checksum {
		flags |= flagBlockChecksums
	}
	return s.bf.writeHeader(&header{
		Magic:         magic,
		Version:       version,
		Flags:         flags,
		BlockBytes:    s.blockBytes,
		ItemSize:      s.itemSize,
		ItemsPerBlock: s.itemsPerBlock,
		Length:        s.length,
		TypeTag:       typeTag(s.codec.Name()),
	})
}

func (s *Stream[T]) loadHeader() (*header, error) {
	buf := make([]byte, headerEncodedSize)
	if err := s.bf.readHeader(buf); err != nil {
		return nil, err
	}
	hdr, err := decodeHeader(buf)
	if err != nil {
		return nil, err
	}
	if hdr.BlockBytes != s.blockBytes {
		return nil, tpieerrors.ErrBlockSizeMismatch
	}
	if hdr.ItemSize != s.itemSize {
		return nil, tpieerrors.ErrItemSizeMismatch
	}
	if hdr.TypeTag != typeTag(s.codec.Name()) {
		return nil, tpieerrors.ErrItemTypeMismatch
	}
	return hdr, nil
}

// validItems returns the number of items of block idx that are within the
// stream length.
func (s *Stream[T]) validItems(idx int64) int64 {
	n := s.length - idx*s.itemsPerBlock
	if n < 0 {
		return 0
	}
	if n > s.itemsPerBlock {
		return s.itemsPerBlock
	}
	return n
}

// flushBlock writes the resident block back iff dirty.
func (s *Stream[T]) flushBlock() error {
	if !s.dirty || s.blockIdx < 0 {
		return nil
	}
	encodeBlockHeader(s.blockBuf, s.validItems(s.blockIdx), s.itemSize, s.checksum)
	if err := s.bf.writeBlock(s.blockIdx, s.blockBuf); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

// ensureBlock makes block idx resident, flushing the previous block first
// iff dirty. Blocks wholly beyond the stream length start out fresh.
func (s *Stream[T]) ensureBlock(idx int64) error {
	if s.blockIdx == idx {
		return nil
	}
	if err := s.flushBlock(); err != nil {
		return err
	}
	valid := s.validItems(idx)
	if valid > 0 {
		if err := s.bf.readBlock(idx, s.blockBuf); err != nil {
			return err
		}
		if err := verifyBlockHeader(s.blockBuf, valid, s.itemSize, s.checksum); err != nil {
			return fmt.Errorf("%w (block %d of %s)", err, idx, s.bf.path)
		}
	} else {
		encodeBlockHeader(s.blockBuf, 0, s.itemSize, false)
	}
	s.blockIdx = idx
	return nil
}

func (s *Stream[T]) itemOffset(pos int64) int64 {
	return blockHeaderSize + (pos%s.itemsPerBlock)*s.itemSize
}

// WriteItem appends x if the cursor is at the end of the stream, otherwise
// overwrites the item at the cursor. The cursor advances by one.
func (s *Stream[T]) WriteItem(x T) error {
	if s.closed {
		return tpieerrors.ErrStreamClosed
	}
	if s.mode == Read {
		return tpieerrors.ErrStreamReadOnly
	}
	invariant(s.pos <= s.length, "cursor past stream length")
	if err := s.ensureBlock(s.pos / s.itemsPerBlock); err != nil {
		return err
	}
	s.codec.Encode(s.blockBuf[s.itemOffset(s.pos):], x)
	s.dirty = true
	if s.pos == s.length {
		s.length++
	}
	s.pos++
	return nil
}

// ReadItem returns the item at the cursor and advances it. Reading at the
// end of the stream fails with ErrEndOfStream.
func (s *Stream[T]) ReadItem() (T, error) {
	var zero T
	if s.closed {
		return zero, tpieerrors.ErrStreamClosed
	}
	if s.mode == Write {
		return zero, tpieerrors.ErrStreamWriteOnly
	}
	if s.pos == s.length {
		return zero, tpieerrors.ErrEndOfStream
	}
	if err := s.ensureBlock(s.pos / s.itemsPerBlock); err != nil {
		return zero, err
	}
	x := s.codec.Decode(s.blockBuf[s.itemOffset(s.pos):])
	s.pos++
	return x, nil
}

// WriteArray writes all of xs starting at the cursor, spanning blocks with
// a single write per block. The stream grows as needed.
func (s *Stream[T]) WriteArray(xs []T) error {
	if s.closed {
		return tpieerrors.ErrStreamClosed
	}
	if s.mode == Read {
		return tpieerrors.ErrStreamReadOnly
	}
	i := 0
	for i < len(xs) {
		if err := s.ensureBlock(s.pos / s.itemsPerBlock); err != nil {
			return err
		}
		span := int(s.itemsPerBlock - s.pos%s.itemsPerBlock)
		if rest := len(xs) - i; span > rest {
			span = rest
		}
		off := s.itemOffset(s.pos)
		for j := 0; j < span; j++ {
			s.codec.Encode(s.blockBuf[off+int64(j)*s.itemSize:], xs[i+j])
		}
		s.dirty = true
		s.pos += int64(span)
		if s.pos > s.length {
			s.length = s.pos
		}
		i += span
	}
	return nil
}

// ReadArray fills buf with up to len(buf) items from the cursor and returns
// the count read. It returns ErrEndOfStream only when no items remain at
// call time.
func (s *Stream[T]) ReadArray(buf []T) (int, error) {
	if s.closed {
		return 0, tpieerrors.ErrStreamClosed
	}
	if s.mode == Write {
		return 0, tpieerrors.ErrStreamWriteOnly
	}
	avail := s.length - s.pos
	if avail == 0 && len(buf) > 0 {
		return 0, tpieerrors.ErrEndOfStream
	}
	n := len(buf)
	if int64(n) > avail {
		n = int(avail)
	}
	i := 0
	for i < n {
		if err := s.ensureBlock(s.pos / s.itemsPerBlock); err != nil {
			return i, err
		}
		span := int(s.itemsPerBlock - s.pos%s.itemsPerBlock)
		if rest := n - i; span > rest {
			span = rest
		}
		off := s.itemOffset(s.pos)
		for j := 0; j < span; j++ {
			buf[i+j] = s.codec.Decode(s.blockBuf[off+int64(j)*s.itemSize:])
		}
		s.pos += int64(span)
		i += span
	}
	return n, nil
}

// Seek moves the cursor to offset. Seeking outside [0, Len()] fails with
// ErrOutOfRange. Leaving the resident block writes it back iff dirty; the
// target block is loaded on the next access.
func (s *Stream[T]) Seek(offset int64) error {
	if s.closed {
		return tpieerrors.ErrStreamClosed
	}
	if offset < 0 || offset > s.length {
		return fmt.Errorf("%w: seek to %d, stream length %d", tpieerrors.ErrOutOfRange, offset, s.length)
	}
	if s.blockIdx >= 0 && offset/s.itemsPerBlock != s.blockIdx {
		if err := s.flushBlock(); err != nil {
			return err
		}
	}
	s.pos = offset
	return nil
}

// SeekEnd moves the cursor to the end of the stream.
func (s *Stream[T]) SeekEnd() error {
	return s.Seek(s.length)
}

// Truncate discards all items at offset >= n and the blocks past the cut on
// disk, clamping the cursor to the new length. Truncating outside
// [0, Len()] fails with ErrOutOfRange.
func (s *Stream[T]) Truncate(n int64) error {
	if s.closed {
		return tpieerrors.ErrStreamClosed
	}
	if s.mode == Read {
		return tpieerrors.ErrStreamReadOnly
	}
	if n < 0 || n > s.length {
		return fmt.Errorf("%w: truncate to %d, stream length %d", tpieerrors.ErrOutOfRange, n, s.length)
	}

	blocks := (n + s.itemsPerBlock - 1) / s.itemsPerBlock
	if n > 0 && n%s.itemsPerBlock != 0 {
		// The cut falls inside a block: make it resident while the old
		// length still justifies its on-disk item count, and rewrite its
		// header on the next flush.
		if err := s.ensureBlock(blocks - 1); err != nil {
			return err
		}
		s.dirty = true
	} else if s.blockIdx >= blocks {
		// The resident block is wholly past the cut; discard it.
		s.blockIdx = -1
		s.dirty = false
	}

	s.length = n
	if s.pos > n {
		s.pos = n
	}
	if err := s.bf.truncateBlocks(blocks); err != nil {
		return err
	}
	return s.writeHeader()
}

// Tell returns the cursor position.
func (s *Stream[T]) Tell() int64 {
	return s.pos
}

// Len returns the total item count.
func (s *Stream[T]) Len() int64 {
	return s.length
}

// Path returns the backing file path.
func (s *Stream[T]) Path() string {
	return s.bf.path
}

// Preallocate reserves disk space for a stream that will grow to the given
// item count. Best-effort.
func (s *Stream[T]) Preallocate(items int64) error {
	if s.closed {
		return tpieerrors.ErrStreamClosed
	}
	blocks := (items + s.itemsPerBlock - 1) / s.itemsPerBlock
	return s.bf.preallocate(blocks)
}

// AdviseSequential hints that the stream will be read front to back.
func (s *Stream[T]) AdviseSequential() {
	if !s.closed {
		s.bf.adviseSequential()
	}
}

// Close flushes the resident block, persists the header and closes the
// backing file. Unnamed temporary streams are removed. Close is idempotent.
func (s *Stream[T]) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if s.mode != Read {
		if err := s.flushBlock(); err != nil {
			errs = append(errs, err)
		}
		if err := s.writeHeader(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.bf.close(); err != nil {
		errs = append(errs, err)
	}
	if s.tf != nil {
		if err := s.tf.Free(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
