package eventprocessor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/rindexer-go/rindexer/internal/rindexer"
	"github.com/rindexer-go/rindexer/pkg/logfetcher"
	"github.com/rindexer-go/rindexer/pkg/watermark"
)

// fakeDecoder decodes every log successfully unless its block number is in
// rejectBlocks, in which case it returns an error (simulating an
// indexed-topic arity mismatch).
type fakeDecoder struct {
	rejectBlocks map[uint64]bool
}

func (d fakeDecoder) Decode(l types.Log, network string) (DecodedEvent, error) {
	if d.rejectBlocks[l.BlockNumber] {
		return DecodedEvent{}, errors.New("signature mismatch")
	}
	return DecodedEvent{BlockNumber: l.BlockNumber, Network: network, LogIndex: l.Index}, nil
}

// fakeStore is a minimal in-memory watermark.Store for assertions.
type fakeStore struct {
	mu   sync.Mutex
	last rindexer.BlockNumber
}

func (s *fakeStore) GetLastSynced(ctx context.Context, contractName, eventName, network string) (rindexer.BlockNumber, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == 0 {
		return 0, false, nil
	}
	return s.last, true, nil
}

func (s *fakeStore) Advance(ctx context.Context, contractName, eventName, network string, toBlock rindexer.BlockNumber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if toBlock > s.last {
		s.last = toBlock
	}
	return nil
}

func (s *fakeStore) AdvanceLatestBlock(ctx context.Context, network string, latest rindexer.BlockNumber) error {
	return nil
}

func (s *fakeStore) get() rindexer.BlockNumber {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

var _ watermark.Store = (*fakeStore)(nil)

func batchResult(from, to uint64, logs ...types.Log) logfetcher.FetchResult {
	return logfetcher.FetchResult{Batch: logfetcher.FetchBatch{Logs: logs, FromBlock: from, ToBlock: to}}
}

func TestRunAdvancesWatermarkOnHandlerSuccess(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	ch := make(chan logfetcher.FetchResult, 1)
	ch <- batchResult(1000, 2000)
	close(ch)

	var handlerCalls int
	cfg := Config{
		ContractName: "MyContract",
		EventName:    "Transfer",
		Network:      "mainnet",
		Decoder:      fakeDecoder{},
		Store:        store,
		Handler: func(ctx context.Context, events []DecodedEvent, fromBlock, toBlock uint64) error {
			handlerCalls++
			require.Empty(t, events)
			require.Equal(t, uint64(1000), fromBlock)
			require.Equal(t, uint64(2000), toBlock)
			return nil
		},
	}

	require.NoError(t, Run(context.Background(), cfg, ch))
	require.Equal(t, 1, handlerCalls)
	require.Equal(t, rindexer.BlockNumber(2000), store.get())
}

func TestRunHandlerFailureDoesNotAdvanceWatermark(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	ch := make(chan logfetcher.FetchResult, 1)
	ch <- batchResult(1, 100, types.Log{BlockNumber: 50})
	close(ch)

	cfg := Config{
		Decoder: fakeDecoder{},
		Store:   store,
		Handler: func(ctx context.Context, events []DecodedEvent, fromBlock, toBlock uint64) error {
			return errors.New("downstream write failed")
		},
	}

	require.NoError(t, Run(context.Background(), cfg, ch))
	require.Zero(t, store.get())
}

func TestRunDropsLogsThatFailDecode(t *testing.T) {
	t.Parallel()

	ch := make(chan logfetcher.FetchResult, 1)
	ch <- batchResult(1, 10,
		types.Log{BlockNumber: 5},
		types.Log{BlockNumber: 6},
	)
	close(ch)

	var seen []DecodedEvent
	cfg := Config{
		Decoder: fakeDecoder{rejectBlocks: map[uint64]bool{6: true}},
		Handler: func(ctx context.Context, events []DecodedEvent, fromBlock, toBlock uint64) error {
			seen = events
			return nil
		},
	}

	require.NoError(t, Run(context.Background(), cfg, ch))
	require.Len(t, seen, 1)
	require.Equal(t, uint64(5), seen[0].BlockNumber)
}

func TestRunOrderedEventIsTotallyOrdered(t *testing.T) {
	t.Parallel()

	ch := make(chan logfetcher.FetchResult, 3)
	ch <- batchResult(1, 10)
	ch <- batchResult(11, 20)
	ch <- batchResult(21, 30)
	close(ch)

	var mu sync.Mutex
	var order []uint64
	cfg := Config{
		IndexEventInOrder: true,
		Decoder:           fakeDecoder{},
		Handler: func(ctx context.Context, events []DecodedEvent, fromBlock, toBlock uint64) error {
			time.Sleep(time.Millisecond)
			mu.Lock()
			order = append(order, fromBlock)
			mu.Unlock()
			return nil
		},
	}

	require.NoError(t, Run(context.Background(), cfg, ch))
	require.Equal(t, []uint64{1, 11, 21}, order)
}

func TestRunSurfacesFatalFetcherError(t *testing.T) {
	t.Parallel()

	ch := make(chan logfetcher.FetchResult, 1)
	ch <- logfetcher.FetchResult{Err: errors.New("provider unreachable")}
	close(ch)

	cfg := Config{
		Decoder: fakeDecoder{},
		Handler: func(ctx context.Context, events []DecodedEvent, fromBlock, toBlock uint64) error {
			t.Fatal("handler should not be invoked after a fatal fetcher error")
			return nil
		},
	}

	err := Run(context.Background(), cfg, ch)
	require.Error(t, err)
}

func TestRunTracksInFlightCallbacks(t *testing.T) {
	t.Parallel()

	ch := make(chan logfetcher.FetchResult, 1)
	ch <- batchResult(1, 10)
	close(ch)

	tracker := &countingTracker{}
	cfg := Config{
		Decoder: fakeDecoder{},
		Tracker: tracker,
		Handler: func(ctx context.Context, events []DecodedEvent, fromBlock, toBlock uint64) error {
			return nil
		},
	}

	require.NoError(t, Run(context.Background(), cfg, ch))
	require.Equal(t, 1, tracker.started)
	require.Equal(t, 1, tracker.finished)
}

type countingTracker struct {
	mu               sync.Mutex
	started, finished int
}

func (c *countingTracker) EventProcessingStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started++
}

func (c *countingTracker) EventProcessingFinished() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finished++
}
