package gep

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/google/uuid"
)

// ErrBufferOverrun is returned when a decoder runs past the end of a
// wire buffer. Payload fields are big-endian; only the outer packet-size
// field of the framing layer is little-endian.
var ErrBufferOverrun = errors.New("gep: read past end of buffer")

// byteReader is a bounds-checked pull reader over a wire buffer. Every
// field read validates remaining length so a truncated or corrupt packet
// surfaces as ErrBufferOverrun instead of a panic.
type byteReader struct {
	buf []byte
	pos int
}

func newByteReader(buf []byte) *byteReader {
	return &byteReader{buf: buf}
}

func (r *byteReader) remaining() int {
	return len(r.buf) - r.pos
}

func (r *byteReader) readByte() (byte, error) {
	if r.remaining() < 1 {
		return 0, ErrBufferOverrun
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *byteReader) readBytes(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, ErrBufferOverrun
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *byteReader) readUint16() (uint16, error) {
	b, err := r.readBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *byteReader) readUint32() (uint32, error) {
	b, err := r.readBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *byteReader) readInt32() (int32, error) {
	v, err := r.readUint32()
	return int32(v), err
}

func (r *byteReader) readInt64() (int64, error) {
	b, err := r.readBytes(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

func (r *byteReader) readFloat32() (float32, error) {
	v, err := r.readUint32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

// readGuid decodes a 16-byte signal ID. The publisher serializes GUIDs
// in the Microsoft layout where the first three components are
// little-endian; swapBytes reorders them into RFC 4122 order.
func (r *byteReader) readGuid(swapBytes bool) (uuid.UUID, error) {
	b, err := r.readBytes(16)
	if err != nil {
		return uuid.Nil, err
	}
	return toGuid(b, swapBytes), nil
}

func toGuid(b []byte, swapBytes bool) uuid.UUID {
	var g uuid.UUID
	copy(g[:], b[:16])

	if swapBytes {
		g[0], g[1], g[2], g[3] = g[3], g[2], g[1], g[0]
		g[4], g[5] = g[5], g[4]
		g[6], g[7] = g[7], g[6]
	}

	return g
}
