package teltonika

import (
	"fmt"
	"math"
)

// reader is a position-tracking big-endian view over a payload slice.
// All numeric reads are network byte order, which is what every Teltonika
// codec uses on the wire. The error is sticky: after the first short read
// every subsequent call returns zero values, and Err reports the failure.
// Decoders check Err at frame boundaries instead of threading an error
// through every field read.
type reader struct {
	buf []byte
	pos int
	err error
}

func newReader(buf []byte) *reader {
	return &reader{buf: buf}
}

// Err returns the first error encountered, if any.
func (r *reader) Err() error { return r.err }

// Remaining reports the number of unread bytes.
func (r *reader) Remaining() int { return len(r.buf) - r.pos }

func (r *reader) fail(n int) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d",
			ErrTruncated, n, r.pos, len(r.buf)-r.pos)
	}
}

// Bytes consumes and returns the next n raw bytes.
func (r *reader) Bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.pos+n > len(r.buf) {
		r.fail(n)
		return nil
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *reader) U8() uint8 {
	b := r.Bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) I8() int8 { return int8(r.U8()) }

func (r *reader) U16() uint16 {
	b := r.Bytes(2)
	if b == nil {
		return 0
	}
	return uint16(b[0])<<8 | uint16(b[1])
}

func (r *reader) I16() int16 { return int16(r.U16()) }

func (r *reader) U32() uint32 {
	b := r.Bytes(4)
	if b == nil {
		return 0
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func (r *reader) I32() int32 { return int32(r.U32()) }

func (r *reader) U64() uint64 {
	b := r.Bytes(8)
	if b == nil {
		return 0
	}
	return uint64(b[0])<<56 | uint64(b[1])<<48 | uint64(b[2])<<40 | uint64(b[3])<<32 |
		uint64(b[4])<<24 | uint64(b[5])<<16 | uint64(b[6])<<8 | uint64(b[7])
}

func (r *reader) I64() int64 { return int64(r.U64()) }

// F32 reinterprets the next 32-bit word as an IEEE-754 float.
// Only Codec 7 coordinates are transmitted this way.
func (r *reader) F32() float32 {
	return math.Float32frombits(r.U32())
}
