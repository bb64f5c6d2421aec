package gep

import (
	"sync"

	linq "github.com/ahmetb/go-linq/v3"
	"github.com/google/uuid"
)

// MeasurementKey is the full identity of a signal: globally unique ID,
// source acronym, and the publisher's numeric point ID.
type MeasurementKey struct {
	SignalID uuid.UUID
	Source   string
	ID       uint32
}

// SignalIndexCache maps the publisher's 16-bit runtime indices to
// measurement keys. Indices are assigned freely on every subscription,
// so the cache is cleared and rebuilt from each UpdateSignalIndexCache
// response rather than mutated incrementally.
//
// The command-channel reactor is the only writer; data packets from
// either channel are decoded on the callback goroutine, which reads
// concurrently, hence the RWMutex.
type SignalIndexCache struct {
	mu   sync.RWMutex
	keys map[uint16]MeasurementKey
}

// NewSignalIndexCache creates an empty cache.
func NewSignalIndexCache() *SignalIndexCache {
	return &SignalIndexCache{keys: make(map[uint16]MeasurementKey)}
}

// MeasurementKey looks up the key for a runtime index. A missing index
// is a clean miss; decoders drop the measurement without error.
func (c *SignalIndexCache) MeasurementKey(runtimeIndex uint16) (MeasurementKey, bool) {
	c.mu.RLock()
	key, ok := c.keys[runtimeIndex]
	c.mu.RUnlock()
	return key, ok
}

// AddMeasurementKey registers a runtime index.
func (c *SignalIndexCache) AddMeasurementKey(runtimeIndex uint16, signalID uuid.UUID, source string, id uint32) {
	c.mu.Lock()
	c.keys[runtimeIndex] = MeasurementKey{SignalID: signalID, Source: source, ID: id}
	c.mu.Unlock()
}

// Clear empties the cache.
func (c *SignalIndexCache) Clear() {
	c.mu.Lock()
	c.keys = make(map[uint16]MeasurementKey)
	c.mu.Unlock()
}

// Count returns the number of cached runtime indices.
func (c *SignalIndexCache) Count() int {
	c.mu.RLock()
	n := len(c.keys)
	c.mu.RUnlock()
	return n
}

// SignalIDs returns the distinct signal IDs currently referenced by the
// cache, in unspecified order.
func (c *SignalIndexCache) SignalIDs() []uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var ids []uuid.UUID
	linq.From(c.keys).
		Select(func(kv interface{}) interface{} {
			return kv.(linq.KeyValue).Value.(MeasurementKey).SignalID
		}).
		Distinct().
		ToSlice(&ids)

	return ids
}

// update rebuilds the cache from a decoded (already decompressed)
// UpdateSignalIndexCache payload:
//
//	u32  total length (informational)
//	16B  subscriber ID
//	u32  reference count N
//	N ×  { u16 runtime index, 16B signal ID, u32 source length, source, u32 id }
//
// followed by an unauthorized-signal section that is not yet parsed.
// The cache is emptied before parsing so a truncated payload yields a
// smaller but internally consistent cache.
func (c *SignalIndexCache) update(payload []byte, swapGuidBytes bool) error {
	c.Clear()

	r := newByteReader(payload)

	// Skip total length and subscriber ID
	if _, err := r.readBytes(20); err != nil {
		return err
	}

	referenceCount, err := r.readUint32()
	if err != nil {
		return err
	}

	for i := uint32(0); i < referenceCount; i++ {
		runtimeIndex, err := r.readUint16()
		if err != nil {
			return err
		}

		signalID, err := r.readGuid(swapGuidBytes)
		if err != nil {
			return err
		}

		sourceLength, err := r.readUint32()
		if err != nil {
			return err
		}

		source, err := r.readBytes(int(sourceLength))
		if err != nil {
			return err
		}

		id, err := r.readUint32()
		if err != nil {
			return err
		}

		c.AddMeasurementKey(runtimeIndex, signalID, string(source), id)
	}

	return nil
}
