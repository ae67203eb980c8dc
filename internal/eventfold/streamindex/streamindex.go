// Package streamindex maintains the in-memory mapping from stream_id to
// its current version and the ordered list of global positions recorded
// for it. It is populated during recovery and mutated only by the Writer;
// readers take a consistent snapshot under a read lock.
package streamindex

import (
	"sync"

	"github.com/google/uuid"
)

type streamEntry struct {
	currentVersion uint64
	hasEvents      bool
	positions      []uint64
}

// Index is the StreamIndex component.
type Index struct {
	mu      sync.RWMutex
	streams map[uuid.UUID]*streamEntry
}

// New returns an empty StreamIndex.
func New() *Index {
	return &Index{streams: make(map[uuid.UUID]*streamEntry)}
}

// CurrentVersion reports the current version of streamID and whether the
// stream exists at all. A stream with one event has current version 0.
func (idx *Index) CurrentVersion(streamID uuid.UUID) (version uint64, exists bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	entry, ok := idx.streams[streamID]
	if !ok {
		return 0, false
	}
	return entry.currentVersion, entry.hasEvents
}

// Append records that globalPosition was assigned to the next dense
// stream_version of streamID, returning the stream_version assigned.
// Intended to be called only by the Writer, once per committed event, in
// global_position order.
func (idx *Index) Append(streamID uuid.UUID, globalPosition uint64) uint64 {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	entry, ok := idx.streams[streamID]
	if !ok {
		entry = &streamEntry{}
		idx.streams[streamID] = entry
	}
	version := uint64(0)
	if entry.hasEvents {
		version = entry.currentVersion + 1
	}
	entry.currentVersion = version
	entry.hasEvents = true
	entry.positions = append(entry.positions, globalPosition)
	return version
}

// PositionsFrom returns up to n global positions for streamID starting at
// stream_version v (inclusive), in stream order.
func (idx *Index) PositionsFrom(streamID uuid.UUID, v uint64, n int) []uint64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	entry, ok := idx.streams[streamID]
	if !ok || !entry.hasEvents || v >= uint64(len(entry.positions)) {
		return nil
	}
	end := v + uint64(n)
	if n <= 0 || end > uint64(len(entry.positions)) {
		end = uint64(len(entry.positions))
	}
	out := make([]uint64, end-v)
	copy(out, entry.positions[v:end])
	return out
}
