package gep

import (
	"fmt"
	"math"
)

// TSSC code words. The value of the current measurement also carries the
// encoding selectors for the next, so codes are ordered by field:
// point ID, then time, then quality, then value.
const (
	tsscEndOfStream byte = 0

	tsscPointIDXor4  byte = 1
	tsscPointIDXor8  byte = 2
	tsscPointIDXor12 byte = 3
	tsscPointIDXor16 byte = 4

	tsscTimeDelta1Forward byte = 5
	tsscTimeDelta2Forward byte = 6
	tsscTimeDelta3Forward byte = 7
	tsscTimeDelta4Forward byte = 8
	tsscTimeDelta1Reverse byte = 9
	tsscTimeDelta2Reverse byte = 10
	tsscTimeDelta3Reverse byte = 11
	tsscTimeDelta4Reverse byte = 12
	tsscTimestamp2        byte = 13
	tsscTimeXor7Bit       byte = 14

	tsscQuality2      byte = 15
	tsscQuality7Bit32 byte = 16

	tsscValue1     byte = 17
	tsscValue2     byte = 18
	tsscValue3     byte = 19
	tsscValueZero  byte = 20
	tsscValueXor4  byte = 21
	tsscValueXor8  byte = 22
	tsscValueXor12 byte = 23
	tsscValueXor16 byte = 24
	tsscValueXor20 byte = 25
	tsscValueXor24 byte = 26
	tsscValueXor28 byte = 27
	tsscValueXor32 byte = 28
)

// tsscPointMetadata tracks the per-point prediction state and the
// adaptive prefix-code table used to read the next code word. Depending
// on the mode, the most frequent codes are read as 1-3 prefix bits with
// a 5-bit escape.
type tsscPointMetadata struct {
	prevNextPointID1 uint16

	prevQuality1 uint32
	prevQuality2 uint32
	prevValue1   uint32
	prevValue2   uint32
	prevValue3   uint32

	commandStats                [32]byte
	commandsSentSinceLastChange int

	mode byte

	// Codes assigned to the 1-, 2- and 3-bit prefixes of each mode.
	mode21   byte
	mode31   byte
	mode301  byte
	mode41   byte
	mode401  byte
	mode4001 byte

	startupMode int

	readBit   func() (int, error)
	readBits5 func() (int, error)
}

func newTSSCPointMetadata(readBit, readBits5 func() (int, error)) *tsscPointMetadata {
	return &tsscPointMetadata{
		mode:      4,
		mode41:    tsscValue1,
		mode401:   tsscValue2,
		mode4001:  tsscValue3,
		readBit:   readBit,
		readBits5: readBits5,
	}
}

func (p *tsscPointMetadata) readCode() (byte, error) {
	var code int
	var err error

	switch p.mode {
	case 1:
		code, err = p.readBits5()
		if err != nil {
			return 0, err
		}
	case 2:
		var bit int
		if bit, err = p.readBit(); err != nil {
			return 0, err
		}
		if bit == 1 {
			code = int(p.mode21)
		} else if code, err = p.readBits5(); err != nil {
			return 0, err
		}
	case 3:
		var bit int
		if bit, err = p.readBit(); err != nil {
			return 0, err
		}
		if bit == 1 {
			code = int(p.mode31)
		} else if bit, err = p.readBit(); err != nil {
			return 0, err
		} else if bit == 1 {
			code = int(p.mode301)
		} else if code, err = p.readBits5(); err != nil {
			return 0, err
		}
	case 4:
		var bit int
		if bit, err = p.readBit(); err != nil {
			return 0, err
		}
		if bit == 1 {
			code = int(p.mode41)
		} else if bit, err = p.readBit(); err != nil {
			return 0, err
		} else if bit == 1 {
			code = int(p.mode401)
		} else if bit, err = p.readBit(); err != nil {
			return 0, err
		} else if bit == 1 {
			code = int(p.mode4001)
		} else if code, err = p.readBits5(); err != nil {
			return 0, err
		}
	default:
		return 0, fmt.Errorf("gep: unsupported TSSC encoding mode %d", p.mode)
	}

	p.updateCodeStatistics(code)
	return byte(code), nil
}

func (p *tsscPointMetadata) updateCodeStatistics(code int) {
	p.commandsSentSinceLastChange++
	p.commandStats[code]++

	switch {
	case p.startupMode == 0 && p.commandsSentSinceLastChange > 5:
		p.startupMode++
		p.adaptCommands()
	case p.startupMode == 1 && p.commandsSentSinceLastChange > 20:
		p.startupMode++
		p.adaptCommands()
	case p.startupMode == 2 && p.commandsSentSinceLastChange > 100:
		p.adaptCommands()
	}
}

// adaptCommands rebuilds the prefix table from the observed code
// frequencies, choosing the mode with the smallest encoded size. The
// encoder runs the same computation on the same history, keeping both
// tables in lockstep without any signaling.
func (p *tsscPointMetadata) adaptCommands() {
	code1, count1 := byte(0), 0
	code2, count2 := byte(1), 0
	code3, count3 := byte(2), 0
	total := 0

	for i := range p.commandStats {
		count := int(p.commandStats[i])
		p.commandStats[i] = 0
		total += count

		if count > count3 {
			if count > count1 {
				code3, count3 = code2, count2
				code2, count2 = code1, count1
				code1, count1 = byte(i), count
			} else if count > count2 {
				code3, count3 = code2, count2
				code2, count2 = byte(i), count
			} else {
				code3, count3 = byte(i), count
			}
		}
	}

	mode1Size := total * 5
	mode2Size := count1 + (total-count1)*6
	mode3Size := count1 + count2*2 + (total-count1-count2)*7
	mode4Size := count1 + count2*2 + count3*3 + (total-count1-count2-count3)*8

	minSize := mode1Size
	if mode2Size < minSize {
		minSize = mode2Size
	}
	if mode3Size < minSize {
		minSize = mode3Size
	}
	if mode4Size < minSize {
		minSize = mode4Size
	}

	switch minSize {
	case mode1Size:
		p.mode = 1
	case mode2Size:
		p.mode = 2
		p.mode21 = code1
	case mode3Size:
		p.mode = 3
		p.mode31 = code1
		p.mode301 = code2
	default:
		p.mode = 4
		p.mode41 = code1
		p.mode401 = code2
		p.mode4001 = code3
	}

	p.commandsSentSinceLastChange = 0
}

// tsscDecoder is the stateful decoder for the compressed measurement
// stream. State persists across packets of a subscription; Reset
// discards it when the publisher signals a fresh start.
type tsscDecoder struct {
	data         []byte
	position     int
	lastPosition int

	prevTimestamp1 int64
	prevTimestamp2 int64

	prevTimeDelta1 int64
	prevTimeDelta2 int64
	prevTimeDelta3 int64
	prevTimeDelta4 int64

	lastPoint *tsscPointMetadata
	points    []*tsscPointMetadata

	// Bits not yet consumed from the last byte pulled off the stream.
	bitStreamCount int
	bitStreamCache int32
}

func newTSSCDecoder() *tsscDecoder {
	d := &tsscDecoder{}
	d.Reset()
	return d
}

// Reset restores the decoder to its initial state, discarding all
// per-point history.
func (d *tsscDecoder) Reset() {
	d.data = nil
	d.position = 0
	d.lastPosition = 0
	d.prevTimestamp1 = 0
	d.prevTimestamp2 = 0
	d.prevTimeDelta1 = math.MaxInt64
	d.prevTimeDelta2 = math.MaxInt64
	d.prevTimeDelta3 = math.MaxInt64
	d.prevTimeDelta4 = math.MaxInt64
	d.points = nil
	d.lastPoint = newTSSCPointMetadata(d.readBit, d.readBits5)
	d.clearBitStream()
}

// SetBuffer assigns the compressed body of the next packet.
func (d *tsscDecoder) SetBuffer(data []byte) {
	d.clearBitStream()
	d.data = data
	d.position = 0
	d.lastPosition = len(data)
}

func (d *tsscDecoder) bitStreamIsEmpty() bool {
	return d.bitStreamCount == 0
}

func (d *tsscDecoder) clearBitStream() {
	d.bitStreamCount = 0
	d.bitStreamCache = 0
}

func (d *tsscDecoder) readBit() (int, error) {
	if d.bitStreamCount == 0 {
		if d.position >= d.lastPosition {
			return 0, ErrBufferOverrun
		}
		d.bitStreamCount = 8
		d.bitStreamCache = int32(d.data[d.position])
		d.position++
	}
	d.bitStreamCount--
	return int(d.bitStreamCache>>uint(d.bitStreamCount)) & 1, nil
}

func (d *tsscDecoder) readBits4() (int, error) {
	var value int
	for i := 0; i < 4; i++ {
		bit, err := d.readBit()
		if err != nil {
			return 0, err
		}
		value = value<<1 | bit
	}
	return value, nil
}

func (d *tsscDecoder) readBits5() (int, error) {
	var value int
	for i := 0; i < 5; i++ {
		bit, err := d.readBit()
		if err != nil {
			return 0, err
		}
		value = value<<1 | bit
	}
	return value, nil
}

func (d *tsscDecoder) readRawByte() (byte, error) {
	if d.position >= d.lastPosition {
		return 0, ErrBufferOverrun
	}
	b := d.data[d.position]
	d.position++
	return b, nil
}

// TryGetMeasurement decodes the next tuple from the buffer. It returns
// false with a nil error at end of stream.
func (d *tsscDecoder) TryGetMeasurement() (id uint16, timestamp int64, quality uint32, value float32, ok bool, err error) {
	if d.position == d.lastPosition && d.bitStreamIsEmpty() {
		d.clearBitStream()
		return 0, 0, 0, 0, false, nil
	}

	// The point ID of the incoming measurement is not known in advance;
	// the most recently decoded point carries the code table for it.
	code, err := d.lastPoint.readCode()
	if err != nil {
		return 0, 0, 0, 0, false, err
	}

	if code == tsscEndOfStream {
		d.clearBitStream()
		return 0, 0, 0, 0, false, nil
	}

	if code <= tsscPointIDXor16 {
		if err = d.decodePointID(code, d.lastPoint); err != nil {
			return 0, 0, 0, 0, false, err
		}
		if code, err = d.lastPoint.readCode(); err != nil {
			return 0, 0, 0, 0, false, err
		}
		if code < tsscTimeDelta1Forward {
			return 0, 0, 0, 0, false,
				fmt.Errorf("gep: expecting TSSC code >= %d at position %d, received %d", tsscTimeDelta1Forward, d.position, code)
		}
	}

	id = d.lastPoint.prevNextPointID1
	point := d.pointMetadata(id)

	if code <= tsscTimeXor7Bit {
		if timestamp, err = d.decodeTimestamp(code); err != nil {
			return 0, 0, 0, 0, false, err
		}
		if code, err = d.lastPoint.readCode(); err != nil {
			return 0, 0, 0, 0, false, err
		}
		if code < tsscQuality2 {
			return 0, 0, 0, 0, false,
				fmt.Errorf("gep: expecting TSSC code >= %d at position %d, received %d", tsscQuality2, d.position, code)
		}
	} else {
		timestamp = d.prevTimestamp1
	}

	if code <= tsscQuality7Bit32 {
		if quality, err = d.decodeQuality(code, point); err != nil {
			return 0, 0, 0, 0, false, err
		}
		if code, err = d.lastPoint.readCode(); err != nil {
			return 0, 0, 0, 0, false, err
		}
		if code < tsscValue1 {
			return 0, 0, 0, 0, false,
				fmt.Errorf("gep: expecting TSSC code >= %d at position %d, received %d", tsscValue1, d.position, code)
		}
	} else {
		quality = point.prevQuality1
	}

	var valueRaw uint32

	switch code {
	case tsscValue1:
		valueRaw = point.prevValue1
	case tsscValue2:
		valueRaw = point.prevValue2
		point.prevValue2 = point.prevValue1
		point.prevValue1 = valueRaw
	case tsscValue3:
		valueRaw = point.prevValue3
		point.prevValue3 = point.prevValue2
		point.prevValue2 = point.prevValue1
		point.prevValue1 = valueRaw
	case tsscValueZero:
		valueRaw = 0
		point.prevValue3 = point.prevValue2
		point.prevValue2 = point.prevValue1
		point.prevValue1 = valueRaw
	default:
		if valueRaw, err = d.decodeValueXor(code, point.prevValue1); err != nil {
			return 0, 0, 0, 0, false, err
		}
		point.prevValue3 = point.prevValue2
		point.prevValue2 = point.prevValue1
		point.prevValue1 = valueRaw
	}

	value = math.Float32frombits(valueRaw)
	d.lastPoint = point

	return id, timestamp, quality, value, true, nil
}

// pointMetadata fetches or creates the state for a point ID.
func (d *tsscDecoder) pointMetadata(id uint16) *tsscPointMetadata {
	for int(id) >= len(d.points) {
		d.points = append(d.points, nil)
	}

	point := d.points[id]
	if point == nil {
		point = newTSSCPointMetadata(d.readBit, d.readBits5)
		point.prevNextPointID1 = id + 1
		d.points[id] = point
	}

	return point
}

func (d *tsscDecoder) decodePointID(code byte, lastPoint *tsscPointMetadata) error {
	switch code {
	case tsscPointIDXor4:
		bits, err := d.readBits4()
		if err != nil {
			return err
		}
		lastPoint.prevNextPointID1 ^= uint16(bits)
	case tsscPointIDXor8:
		b, err := d.readRawByte()
		if err != nil {
			return err
		}
		lastPoint.prevNextPointID1 ^= uint16(b)
	case tsscPointIDXor12:
		bits, err := d.readBits4()
		if err != nil {
			return err
		}
		b, err := d.readRawByte()
		if err != nil {
			return err
		}
		lastPoint.prevNextPointID1 ^= uint16(bits) ^ uint16(b)<<4
	default:
		b0, err := d.readRawByte()
		if err != nil {
			return err
		}
		b1, err := d.readRawByte()
		if err != nil {
			return err
		}
		lastPoint.prevNextPointID1 ^= uint16(b0) ^ uint16(b1)<<8
	}
	return nil
}

func (d *tsscDecoder) decodeTimestamp(code byte) (int64, error) {
	var timestamp int64

	switch code {
	case tsscTimeDelta1Forward:
		timestamp = d.prevTimestamp1 + d.prevTimeDelta1
	case tsscTimeDelta2Forward:
		timestamp = d.prevTimestamp1 + d.prevTimeDelta2
	case tsscTimeDelta3Forward:
		timestamp = d.prevTimestamp1 + d.prevTimeDelta3
	case tsscTimeDelta4Forward:
		timestamp = d.prevTimestamp1 + d.prevTimeDelta4
	case tsscTimeDelta1Reverse:
		timestamp = d.prevTimestamp1 - d.prevTimeDelta1
	case tsscTimeDelta2Reverse:
		timestamp = d.prevTimestamp1 - d.prevTimeDelta2
	case tsscTimeDelta3Reverse:
		timestamp = d.prevTimestamp1 - d.prevTimeDelta3
	case tsscTimeDelta4Reverse:
		timestamp = d.prevTimestamp1 - d.prevTimeDelta4
	case tsscTimestamp2:
		timestamp = d.prevTimestamp2
	default:
		xor, err := d.read7BitUint64()
		if err != nil {
			return 0, err
		}
		timestamp = d.prevTimestamp1 ^ int64(xor)
	}

	// Track the four smallest distinct deltas seen so far
	minDelta := d.prevTimestamp1 - timestamp
	if minDelta < 0 {
		minDelta = -minDelta
	}

	if minDelta < d.prevTimeDelta4 &&
		minDelta != d.prevTimeDelta1 &&
		minDelta != d.prevTimeDelta2 &&
		minDelta != d.prevTimeDelta3 {
		switch {
		case minDelta < d.prevTimeDelta1:
			d.prevTimeDelta4 = d.prevTimeDelta3
			d.prevTimeDelta3 = d.prevTimeDelta2
			d.prevTimeDelta2 = d.prevTimeDelta1
			d.prevTimeDelta1 = minDelta
		case minDelta < d.prevTimeDelta2:
			d.prevTimeDelta4 = d.prevTimeDelta3
			d.prevTimeDelta3 = d.prevTimeDelta2
			d.prevTimeDelta2 = minDelta
		case minDelta < d.prevTimeDelta3:
			d.prevTimeDelta4 = d.prevTimeDelta3
			d.prevTimeDelta3 = minDelta
		default:
			d.prevTimeDelta4 = minDelta
		}
	}

	d.prevTimestamp2 = d.prevTimestamp1
	d.prevTimestamp1 = timestamp

	return timestamp, nil
}

func (d *tsscDecoder) decodeQuality(code byte, point *tsscPointMetadata) (uint32, error) {
	var quality uint32

	if code == tsscQuality2 {
		quality = point.prevQuality2
	} else {
		var err error
		if quality, err = d.read7BitUint32(); err != nil {
			return 0, err
		}
	}

	if quality != point.prevQuality1 {
		point.prevQuality2 = point.prevQuality1
		point.prevQuality1 = quality
	}

	return quality, nil
}

func (d *tsscDecoder) decodeValueXor(code byte, prevValue uint32) (uint32, error) {
	switch code {
	case tsscValueXor4:
		bits, err := d.readBits4()
		if err != nil {
			return 0, err
		}
		return uint32(bits) ^ prevValue, nil
	case tsscValueXor8:
		b, err := d.readRawByte()
		if err != nil {
			return 0, err
		}
		return uint32(b) ^ prevValue, nil
	case tsscValueXor12:
		bits, err := d.readBits4()
		if err != nil {
			return 0, err
		}
		b, err := d.readRawByte()
		if err != nil {
			return 0, err
		}
		return uint32(bits) ^ uint32(b)<<4 ^ prevValue, nil
	case tsscValueXor16:
		b0, err := d.readRawByte()
		if err != nil {
			return 0, err
		}
		b1, err := d.readRawByte()
		if err != nil {
			return 0, err
		}
		return uint32(b0) ^ uint32(b1)<<8 ^ prevValue, nil
	case tsscValueXor20:
		bits, err := d.readBits4()
		if err != nil {
			return 0, err
		}
		b0, err := d.readRawByte()
		if err != nil {
			return 0, err
		}
		b1, err := d.readRawByte()
		if err != nil {
			return 0, err
		}
		return uint32(bits) ^ uint32(b0)<<4 ^ uint32(b1)<<12 ^ prevValue, nil
	case tsscValueXor24:
		b0, err := d.readRawByte()
		if err != nil {
			return 0, err
		}
		b1, err := d.readRawByte()
		if err != nil {
			return 0, err
		}
		b2, err := d.readRawByte()
		if err != nil {
			return 0, err
		}
		return uint32(b0) ^ uint32(b1)<<8 ^ uint32(b2)<<16 ^ prevValue, nil
	case tsscValueXor28:
		bits, err := d.readBits4()
		if err != nil {
			return 0, err
		}
		b0, err := d.readRawByte()
		if err != nil {
			return 0, err
		}
		b1, err := d.readRawByte()
		if err != nil {
			return 0, err
		}
		b2, err := d.readRawByte()
		if err != nil {
			return 0, err
		}
		return uint32(bits) ^ uint32(b0)<<4 ^ uint32(b1)<<12 ^ uint32(b2)<<20 ^ prevValue, nil
	case tsscValueXor32:
		b0, err := d.readRawByte()
		if err != nil {
			return 0, err
		}
		b1, err := d.readRawByte()
		if err != nil {
			return 0, err
		}
		b2, err := d.readRawByte()
		if err != nil {
			return 0, err
		}
		b3, err := d.readRawByte()
		if err != nil {
			return 0, err
		}
		return uint32(b0) ^ uint32(b1)<<8 ^ uint32(b2)<<16 ^ uint32(b3)<<24 ^ prevValue, nil
	default:
		return 0, fmt.Errorf("gep: invalid TSSC value code %d at position %d", code, d.position)
	}
}

// read7BitUint32 decodes the XOR-chained 7-bit integer encoding used for
// quality words.
func (d *tsscDecoder) read7BitUint32() (uint32, error) {
	b, err := d.readRawByte()
	if err != nil {
		return 0, err
	}
	value := uint32(b)
	if value < 0x80 {
		return value, nil
	}

	if b, err = d.readRawByte(); err != nil {
		return 0, err
	}
	value ^= uint32(b) << 7
	if value < 0x4000 {
		return value ^ 0x80, nil
	}

	if b, err = d.readRawByte(); err != nil {
		return 0, err
	}
	value ^= uint32(b) << 14
	if value < 0x200000 {
		return value ^ 0x4080, nil
	}

	if b, err = d.readRawByte(); err != nil {
		return 0, err
	}
	value ^= uint32(b) << 21
	if value < 0x10000000 {
		return value ^ 0x204080, nil
	}

	if b, err = d.readRawByte(); err != nil {
		return 0, err
	}
	value ^= uint32(b) << 28
	return value ^ 0x10204080, nil
}

// read7BitUint64 decodes the 64-bit variant used for timestamp XORs.
func (d *tsscDecoder) read7BitUint64() (uint64, error) {
	b, err := d.readRawByte()
	if err != nil {
		return 0, err
	}
	value := uint64(b)
	if value < 0x80 {
		return value, nil
	}

	shifts := []uint{7, 14, 21, 28, 35, 42, 49}
	bounds := []uint64{0x4000, 0x200000, 0x10000000, 0x800000000, 0x40000000000, 0x2000000000000, 0x100000000000000}
	xors := []uint64{0x80, 0x4080, 0x204080, 0x10204080, 0x810204080, 0x40810204080, 0x2040810204080}

	for i := range shifts {
		if b, err = d.readRawByte(); err != nil {
			return 0, err
		}
		value ^= uint64(b) << shifts[i]
		if value < bounds[i] {
			return value ^ xors[i], nil
		}
	}

	if b, err = d.readRawByte(); err != nil {
		return 0, err
	}
	value ^= uint64(b) << 56
	return value ^ 0x102040810204080, nil
}
