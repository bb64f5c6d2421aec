package gep

import (
	"github.com/google/uuid"
)

// Measurement is a single decoded time-series value. Timestamp is in
// 100-nanosecond ticks since the protocol epoch. Flags carries the full
// 32-bit state flags; compact packets map their 8-bit flags through
// mapToFullFlags before delivery.
type Measurement struct {
	SignalID  uuid.UUID
	Source    string
	ID        uint32
	Timestamp int64
	Flags     uint32
	Value     float32
}

// Compact measurement state flags (8-bit, on wire).
const (
	compactDataRangeFlag       byte = 0x01
	compactDataQualityFlag     byte = 0x02
	compactTimeQualityFlag     byte = 0x04
	compactSystemIssueFlag     byte = 0x08
	compactCalculatedValueFlag byte = 0x10
	compactDiscardedValueFlag  byte = 0x20
	compactBaseTimeOffsetFlag  byte = 0x40
	compactTimeIndexFlag       byte = 0x80
)

// Full measurement state flag masks the compact bits expand into.
const (
	dataRangeMask       uint32 = 0x000000FC
	dataQualityMask     uint32 = 0x0000EF03
	timeQualityMask     uint32 = 0x00BF0000
	systemIssueMask     uint32 = 0xE0000000
	calculatedValueMask uint32 = 0x00001000
	discardedValueMask  uint32 = 0x00400000
)

// mapToFullFlags expands 8-bit compact state flags into the full 32-bit
// measurement state flags format.
func mapToFullFlags(compactFlags byte) uint32 {
	var fullFlags uint32

	if compactFlags&compactDataRangeFlag > 0 {
		fullFlags |= dataRangeMask
	}
	if compactFlags&compactDataQualityFlag > 0 {
		fullFlags |= dataQualityMask
	}
	if compactFlags&compactTimeQualityFlag > 0 {
		fullFlags |= timeQualityMask
	}
	if compactFlags&compactSystemIssueFlag > 0 {
		fullFlags |= systemIssueMask
	}
	if compactFlags&compactCalculatedValueFlag > 0 {
		fullFlags |= calculatedValueMask
	}
	if compactFlags&compactDiscardedValueFlag > 0 {
		fullFlags |= discardedValueMask
	}

	return fullFlags
}
