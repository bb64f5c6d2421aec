package gep

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildCachePayload serializes cache entries in the on-wire layout:
// total length, subscriber ID, reference count, then each record.
// Signal IDs are written verbatim (tests parse with swap disabled).
func buildCachePayload(entries map[uint16]MeasurementKey) []byte {
	var body bytes.Buffer

	var subscriberID [16]byte
	body.Write(subscriberID[:])

	_ = binary.Write(&body, binary.BigEndian, uint32(len(entries)))

	for index, key := range entries {
		_ = binary.Write(&body, binary.BigEndian, index)
		body.Write(key.SignalID[:])
		_ = binary.Write(&body, binary.BigEndian, uint32(len(key.Source)))
		body.WriteString(key.Source)
		_ = binary.Write(&body, binary.BigEndian, key.ID)
	}

	var payload bytes.Buffer
	_ = binary.Write(&payload, binary.BigEndian, uint32(body.Len()+4))
	payload.Write(body.Bytes())

	return payload.Bytes()
}

func TestSignalIndexCacheUpdate(t *testing.T) {
	g1 := uuid.MustParse("6f9b09ab-bbd1-4f12-9fc0-1a18d2f06e25")
	g2 := uuid.MustParse("d0b29441-25ad-4a69-a0a1-37bbbd5b2c0a")

	payload := buildCachePayload(map[uint16]MeasurementKey{
		1: {SignalID: g1, Source: "S1", ID: 100},
		2: {SignalID: g2, Source: "S2", ID: 200},
	})

	cache := NewSignalIndexCache()
	require.NoError(t, cache.update(payload, false))

	assert.Equal(t, 2, cache.Count())

	key, ok := cache.MeasurementKey(1)
	require.True(t, ok)
	assert.Equal(t, g1, key.SignalID)
	assert.Equal(t, "S1", key.Source)
	assert.Equal(t, uint32(100), key.ID)

	_, ok = cache.MeasurementKey(3)
	assert.False(t, ok)
}

// Applying update A then update B must leave the same cache as applying
// B alone; the publisher reassigns runtime indices on every
// subscription.
func TestSignalIndexCacheReplaceNotMerge(t *testing.T) {
	g1 := uuid.New()
	g2 := uuid.New()
	g3 := uuid.New()

	first := buildCachePayload(map[uint16]MeasurementKey{
		1: {SignalID: g1, Source: "S1", ID: 100},
		2: {SignalID: g2, Source: "S2", ID: 200},
	})
	second := buildCachePayload(map[uint16]MeasurementKey{
		3: {SignalID: g3, Source: "S3", ID: 300},
	})

	cache := NewSignalIndexCache()
	require.NoError(t, cache.update(first, false))
	require.NoError(t, cache.update(second, false))

	_, ok := cache.MeasurementKey(1)
	assert.False(t, ok)
	_, ok = cache.MeasurementKey(2)
	assert.False(t, ok)

	key, ok := cache.MeasurementKey(3)
	require.True(t, ok)
	assert.Equal(t, g3, key.SignalID)
	assert.Equal(t, uint32(300), key.ID)
}

// A truncated payload must leave a smaller but internally consistent
// cache, never stale entries from the previous epoch.
func TestSignalIndexCacheTruncatedPayload(t *testing.T) {
	g1 := uuid.New()

	payload := buildCachePayload(map[uint16]MeasurementKey{
		1: {SignalID: g1, Source: "S1", ID: 100},
	})

	cache := NewSignalIndexCache()
	cache.AddMeasurementKey(9, uuid.New(), "STALE", 900)

	err := cache.update(payload[:len(payload)-2], false)
	assert.Error(t, err)

	_, ok := cache.MeasurementKey(9)
	assert.False(t, ok, "stale entry survived a rebuild")
}

func TestSignalIndexCacheSignalIDs(t *testing.T) {
	g1 := uuid.New()
	g2 := uuid.New()

	cache := NewSignalIndexCache()
	cache.AddMeasurementKey(1, g1, "S1", 100)
	cache.AddMeasurementKey(2, g2, "S2", 200)
	cache.AddMeasurementKey(3, g1, "S1", 100)

	ids := cache.SignalIDs()
	assert.Len(t, ids, 2)
	assert.Contains(t, ids, g1)
	assert.Contains(t, ids, g2)
}
