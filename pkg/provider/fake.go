package provider

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/core/types"
)

// Fake is an in-memory Provider used by tests across the engine's packages
// (pkg/logfetcher, pkg/scheduler, pkg/engine) so they don't need a
// live RPC endpoint or a simulated backend to exercise windowing, reorg-lag,
// and bloom-skip behavior.
type Fake struct {
	mu      sync.Mutex
	headers map[uint64]*BlockHeader
	logs    []types.Log
	latest  uint64
}

// NewFake returns an empty Fake with no blocks or logs.
func NewFake() *Fake {
	return &Fake{headers: make(map[uint64]*BlockHeader)}
}

// SetHeader registers a header for a block number and, if it's the highest
// seen so far, advances the fake's notion of "latest".
func (f *Fake) SetHeader(h *BlockHeader) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headers[h.Number] = h
	if h.Number > f.latest {
		f.latest = h.Number
	}
}

// AddLog appends a log the fake will return from GetLogs when it falls
// within the requested range.
func (f *Fake) AddLog(l types.Log) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, l)
}

func (f *Fake) GetLatestBlock(ctx context.Context) (*BlockHeader, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.headers[f.latest]
	if !ok {
		return nil, nil
	}
	cp := *h
	return &cp, nil
}

func (f *Fake) GetLogs(ctx context.Context, filter FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Log
	for _, l := range f.logs {
		if l.BlockNumber >= filter.FromBlock && l.BlockNumber <= filter.ToBlock {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *Fake) GetBlockByNumber(ctx context.Context, number uint64, includeTxs bool) (*BlockHeader, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.headers[number]
	if !ok {
		return nil, nil
	}
	cp := *h
	return &cp, nil
}
