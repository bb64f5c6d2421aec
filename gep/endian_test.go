package gep

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestByteReaderFields(t *testing.T) {
	buf := []byte{
		0x01,
		0x02, 0x03,
		0x04, 0x05, 0x06, 0x07,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x2A,
		0x3F, 0xC0, 0x00, 0x00,
	}

	r := newByteReader(buf)

	b, err := r.readByte()
	require.NoError(t, err)
	assert.Equal(t, byte(0x01), b)

	u16, err := r.readUint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0203), u16)

	u32, err := r.readUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x04050607), u32)

	i64, err := r.readInt64()
	require.NoError(t, err)
	assert.Equal(t, int64(42), i64)

	f32, err := r.readFloat32()
	require.NoError(t, err)
	assert.Equal(t, float32(1.5), f32)

	assert.Equal(t, 0, r.remaining())
}

func TestByteReaderOverrun(t *testing.T) {
	r := newByteReader([]byte{0x00})

	if _, err := r.readUint32(); err != ErrBufferOverrun {
		t.Errorf("expected ErrBufferOverrun, got %v", err)
	}

	// Position must not advance past a failed read
	b, err := r.readByte()
	require.NoError(t, err)
	assert.Equal(t, byte(0x00), b)

	_, err = r.readByte()
	assert.Equal(t, ErrBufferOverrun, err)
}

func TestToGuidByteSwap(t *testing.T) {
	// Microsoft layout: first three components little-endian
	wire := []byte{
		0x44, 0x33, 0x22, 0x11,
		0x66, 0x55,
		0x88, 0x77,
		0x99, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0x00,
	}

	expected := uuid.MustParse("11223344-5566-7788-99aa-bbccddeeff00")

	assert.Equal(t, expected, toGuid(wire, true))

	// Without swap the bytes are taken verbatim
	straight := toGuid(wire, false)
	assert.Equal(t, wire, straight[:])
}

func TestMapToFullFlags(t *testing.T) {
	assert.Equal(t, uint32(0), mapToFullFlags(0))
	assert.Equal(t, dataRangeMask, mapToFullFlags(compactDataRangeFlag))
	assert.Equal(t, dataQualityMask|timeQualityMask, mapToFullFlags(compactDataQualityFlag|compactTimeQualityFlag))

	// Base time flags carry timing info, not state
	assert.Equal(t, uint32(0), mapToFullFlags(compactBaseTimeOffsetFlag|compactTimeIndexFlag))
}
