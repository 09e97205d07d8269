package tpie

import (
	"encoding/binary"
	"math"
	"strconv"
)

// Codec describes how a fixed-size item type is laid out on disk.
// Size must be constant for the lifetime of the codec; Encode and Decode
// must be exact inverses. The stream never interprets item bytes beyond
// handing them to the codec.
//
// Name identifies the item type inside the stream header so that a stream
// written with one codec is rejected when opened with another.
type Codec[T any] interface {
	Size() int
	Name() string
	Encode(dst []byte, x T)
	Decode(src []byte) T
}

// Uint64Codec stores uint64 items little-endian.
type Uint64Codec struct{}

func (Uint64Codec) Size() int              { return 8 }
func (Uint64Codec) Name() string           { return "uint64" }
func (Uint64Codec) Encode(dst []byte, x uint64) { binary.LittleEndian.PutUint64(dst, x) }
func (Uint64Codec) Decode(src []byte) uint64    { return binary.LittleEndian.Uint64(src) }

// Uint32Codec stores uint32 items little-endian.
type Uint32Codec struct{}

func (Uint32Codec) Size() int              { return 4 }
func (Uint32Codec) Name() string           { return "uint32" }
func (Uint32Codec) Encode(dst []byte, x uint32) { binary.LittleEndian.PutUint32(dst, x) }
func (Uint32Codec) Decode(src []byte) uint32    { return binary.LittleEndian.Uint32(src) }

// Int64Codec stores int64 items little-endian.
type Int64Codec struct{}

func (Int64Codec) Size() int    { return 8 }
func (Int64Codec) Name() string { return "int64" }
func (Int64Codec) Encode(dst []byte, x int64) {
	binary.LittleEndian.PutUint64(dst, uint64(x))
}
func (Int64Codec) Decode(src []byte) int64 {
	return int64(binary.LittleEndian.Uint64(src))
}

// Float64Codec stores float64 items as their IEEE 754 bits, little-endian.
type Float64Codec struct{}

func (Float64Codec) Size() int    { return 8 }
func (Float64Codec) Name() string { return "float64" }
func (Float64Codec) Encode(dst []byte, x float64) {
	binary.LittleEndian.PutUint64(dst, math.Float64bits(x))
}
func (Float64Codec) Decode(src []byte) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(src))
}

// RawCodec stores opaque fixed-size byte records. The record length is part
// of the codec name, so streams of different record sizes do not mix.
type RawCodec struct {
	N int
}

func (c RawCodec) Size() int    { return c.N }
func (c RawCodec) Name() string { return "raw" + strconv.Itoa(c.N) }
func (c RawCodec) Encode(dst []byte, x []byte) { copy(dst[:c.N], x) }
func (c RawCodec) Decode(src []byte) []byte {
	out := make([]byte, c.N)
	copy(out, src[:c.N])
	return out
}
