package gep

// compactDecoder parses the stateless compact measurement format. A new
// decoder is built per data packet; all state it needs (cache and base
// time offsets) is borrowed from the session.
type compactDecoder struct {
	cache                    *SignalIndexCache
	baseTimeOffsets          *[2]int64
	includeTime              bool
	useMillisecondResolution bool
}

// decode parses measurements until the buffer is exhausted. Measurements
// whose runtime index is not in the signal index cache are dropped
// without error. A frameLevelTimestamp >= 0 replaces every decoded
// timestamp. Returns the measurements decoded before any error.
func (d *compactDecoder) decode(r *byteReader, frameLevelTimestamp int64, measurements []Measurement) ([]Measurement, error) {
	for r.remaining() > 0 {
		compactFlags, err := r.readByte()
		if err != nil {
			return measurements, err
		}

		runtimeIndex, err := r.readUint16()
		if err != nil {
			return measurements, err
		}

		usingBaseTimeOffset := compactFlags&compactBaseTimeOffsetFlag > 0

		timeIndex := 0
		if compactFlags&compactTimeIndexFlag > 0 {
			timeIndex = 1
		}
		baseTimeOffset := d.baseTimeOffsets[timeIndex]

		var timestamp int64

		if d.includeTime {
			switch {
			case !usingBaseTimeOffset || baseTimeOffset == 0:
				// Full 8-byte timestamp
				timestamp, err = r.readInt64()

			case !d.useMillisecondResolution:
				// 4-byte tick offset against the base time entry
				var offset uint32
				offset, err = r.readUint32()
				timestamp = int64(offset) + baseTimeOffset

			default:
				// 2-byte millisecond offset against the base time entry
				var offset uint16
				offset, err = r.readUint16()
				timestamp = int64(offset)*10000 + baseTimeOffset
			}

			if err != nil {
				return measurements, err
			}
		}

		value, err := r.readFloat32()
		if err != nil {
			return measurements, err
		}

		key, ok := d.cache.MeasurementKey(runtimeIndex)
		if !ok {
			// Runtime index not (yet) mapped; drop the measurement
			continue
		}

		if frameLevelTimestamp > -1 {
			timestamp = frameLevelTimestamp
		}

		measurements = append(measurements, Measurement{
			SignalID:  key.SignalID,
			Source:    key.Source,
			ID:        key.ID,
			Timestamp: timestamp,
			Flags:     mapToFullFlags(compactFlags),
			Value:     value,
		})
	}

	return measurements, nil
}
