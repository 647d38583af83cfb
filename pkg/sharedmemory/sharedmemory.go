// Package sharedmemory holds cross-component state that must be visible
// without going through the watermark store or a channel: right now, just the
// most recent block height each stream has observed from its provider. It
// exists so a supervisor (or metrics scraper) can answer "how far behind is
// this stream" without touching the DB/CSV/stream watermark backend, which
// may itself be lagging (watermark advances only after a batch's handler
// succeeds, see pkg/watermark).
package sharedmemory

import (
	"sync"

	"github.com/rindexer-go/rindexer/internal/rindexer"
)

// SharedMemory is an in-memory thread-safe exchange of last-seen block
// numbers, one entry per stream. Per spec.md §9's cyclic-reference design
// note, streams hold a reference to this struct; this struct owns its own
// state and never reaches back into a stream.
type SharedMemory struct {
	mu           sync.RWMutex
	lastSeenByID map[rindexer.StreamID]int64
}

// New creates an empty SharedMemory.
func New() *SharedMemory {
	return &SharedMemory{
		lastSeenByID: make(map[rindexer.StreamID]int64),
	}
}

// SetLastSeenBlockNumber records the most recent block number observed by a stream.
func (sm *SharedMemory) SetLastSeenBlockNumber(id rindexer.StreamID, blockNumber int64) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.lastSeenByID[id] = blockNumber
}

// GetLastSeenBlockNumber returns the most recent block number observed by a stream,
// and false if the stream has never reported one.
func (sm *SharedMemory) GetLastSeenBlockNumber(id rindexer.StreamID) (int64, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	blockNumber, ok := sm.lastSeenByID[id]
	return blockNumber, ok
}
