// Package logfetcher implements the log fetcher (spec.md §4.3, component
// C3): streaming historical and live event logs for one (contract, event,
// network) filter, with adaptive window sizing, retry/backoff, reorg-safe
// tailing, and the bloom-skip optimization.
//
// Grounded on the teacher's
// pkg/eventprocessor/eventfeed/impl/eventfeed.go Start loop (window
// shrink-on-range-error, removeDuplicateLogs, lookback-error recovery by
// jumping forward) fused with original_source/core/src/indexer/process.rs's
// live_indexing_for_contract_event_dependencies loop (200ms cadence,
// reorg-safe-distance gating, advance-past-empty-range / advance-to-last-log
// rules). The channel-based FetchLogsStream is this package's Go rendering
// of the "lazy sequence of FetchBatch" spec.md §9 calls for.
package logfetcher

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	logger "github.com/rs/zerolog/log"

	"github.com/rindexer-go/rindexer/pkg/provider"
)

var log = logger.With().Str("component", "logfetcher").Logger()

const (
	// defaultInitialWindowSize is the block range eth_getLogs windowing
	// starts at, before any shrink/grow adjustment (spec.md §4.3:
	// "configurable initial window, provider-dependent default").
	defaultInitialWindowSize = 2_000
	// defaultMaxWindowSize bounds how far the adaptive window is allowed to
	// grow back up after consecutive successes.
	defaultMaxWindowSize = 100_000
	// consecutiveSuccessesToGrow is how many successful fetches in a row
	// must happen before the window is allowed to double again (spec.md
	// §4.3: "on N consecutive successes, double up to cap").
	consecutiveSuccessesToGrow = 5

	// liveIterationCadence is the live-tailing loop's target cadence
	// (spec.md §4.3 and §5).
	liveIterationCadence = 200 * time.Millisecond
	// noNewBlockHeartbeatInterval is how often an informational heartbeat is
	// logged while the live loop sees no new blocks (spec.md §4.3, scenario 4).
	noNewBlockHeartbeatInterval = 5 * time.Minute
	// lookbackRecoveryOffset is how far back from the current head the
	// engine jumps when a provider reports its history lookback window has
	// been exceeded (spec.md §7 "ProviderFatal"/§9 supplemented feature;
	// grounded on the teacher's Filecoin "lookbacks of more than" handling).
	lookbackRecoveryOffset = 1_995
)

// FetchBatch is one windowed result: the logs found (possibly empty) and
// the inclusive block range they cover.
type FetchBatch struct {
	Logs      []types.Log
	FromBlock uint64
	ToBlock   uint64
}

// FetchResult is what FetchLogsStream sends on its channel: either a batch
// or a fatal error that ends the stream (spec.md §7: "ProviderFatal...
// surfaces to stream task which exits").
type FetchResult struct {
	Batch FetchBatch
	Err   error
}

// Config describes one filter to stream logs for. FromBlock is the already
// resolved starting point (max(start_block, last_synced_block+1) — the
// caller, not this package, owns reading the watermark).
type Config struct {
	Addresses []common.Address
	Topics    []common.Hash // topic0 candidates; nil matches every topic

	FromBlock uint64
	EndBlock  *uint64 // nil means "no historical upper bound beyond reorg safety"

	LiveIndexing           bool
	ReorgSafeDistance      uint64
	DisableLogsBloomChecks bool

	InitialWindowSize uint64 // 0 uses defaultInitialWindowSize
	MaxWindowSize     uint64 // 0 uses defaultMaxWindowSize
}

func (c Config) initialWindow() uint64 {
	if c.InitialWindowSize == 0 {
		return defaultInitialWindowSize
	}
	return c.InitialWindowSize
}

func (c Config) maxWindow() uint64 {
	if c.MaxWindowSize == 0 {
		return defaultMaxWindowSize
	}
	return c.MaxWindowSize
}

// FetchLogsStream returns a channel of FetchResult: the historical backfill
// first, then (unless forceNoLive is set, Config.EndBlock bounds the range,
// or Config.LiveIndexing is false) an unending live tail. The channel is closed when the stream is
// finite and exhausted, the context is cancelled, or a fatal provider error
// occurs (the last FetchResult on the channel carries that error).
func FetchLogsStream(ctx context.Context, p provider.Provider, cfg Config, forceNoLive bool) <-chan FetchResult {
	out := make(chan FetchResult)

	go func() {
		defer close(out)

		from, err := runHistorical(ctx, p, cfg, out)
		if err != nil {
			select {
			case out <- FetchResult{Err: err}:
			case <-ctx.Done():
			}
			return
		}

		finite := forceNoLive || cfg.EndBlock != nil || !cfg.LiveIndexing
		if finite {
			return
		}

		runLive(ctx, p, cfg, from, out)
	}()

	return out
}

// runHistorical drains the range [cfg.FromBlock, target] in adaptive
// windows and returns the next block to continue from (either the live
// loop's starting point, or just past cfg.EndBlock).
func runHistorical(ctx context.Context, p provider.Provider, cfg Config, out chan<- FetchResult) (uint64, error) {
	from := cfg.FromBlock
	window := cfg.initialWindow()
	consecutiveSuccesses := 0
	retryBackoff := backoff.NewExponentialBackOff()

	for {
		if ctx.Err() != nil {
			return from, nil
		}

		latest, err := p.GetLatestBlock(ctx)
		if err != nil {
			return from, err
		}
		if latest == nil {
			// spec.md §6: GetLatestBlock returning nil means "retry"; not a
			// fatal error for the stream.
			if !sleepOrDone(ctx, liveIterationCadence) {
				return from, nil
			}
			continue
		}

		target := latest.Number - cfg.ReorgSafeDistance
		if cfg.EndBlock != nil && *cfg.EndBlock < target {
			target = *cfg.EndBlock
		}
		if from > target {
			return from, nil
		}

		to := from + window - 1
		if to > target {
			to = target
		}

		batch, skip, err := fetchWindow(ctx, p, cfg, from, to)
		if err != nil {
			if isRangeTooLargeError(err) {
				window = shrinkWindow(window)
				continue
			}
			if isLookbackExceededError(err) {
				from = recoverFromLookback(latest.Number)
				continue
			}

			if err := retryTransient(ctx, retryBackoff, err); err != nil {
				return from, err
			}
			continue
		}

		retryBackoff.Reset()
		consecutiveSuccesses++
		if consecutiveSuccesses >= consecutiveSuccessesToGrow {
			window = growWindow(window, cfg.maxWindow())
			consecutiveSuccesses = 0
		}

		if !skip {
			select {
			case out <- FetchResult{Batch: batch}:
			case <-ctx.Done():
				return from, nil
			}
		}

		from = to + 1
		if cfg.EndBlock != nil && from > *cfg.EndBlock {
			return from, nil
		}
	}
}

// LiveState carries the mutable per-stream state the live phase needs
// across iterations (spec.md §3's OrderedLiveIndexingDetails; §9: "model as
// a state machine with explicit {from_block, to_block, last_seen,
// last_heartbeat} carried across iterations"). Exported so pkg/scheduler's
// ordered live-tail loop can drive the same step function across many
// streams in a single cooperative loop, instead of one goroutine per
// stream.
type LiveState struct {
	From              uint64
	LastNoNewBlockLog time.Time
}

// NewLiveState returns a LiveState starting from the given block.
func NewLiveState(from uint64) *LiveState {
	return &LiveState{From: from, LastNoNewBlockLog: time.Now()}
}

// StepLive runs exactly one live-phase iteration for cfg, mutating state in
// place. noop reports that there is no batch to deliver: on a provider
// error, no latest block yet, or caught up to the reorg-safe head, From is
// left as is (only the heartbeat timestamp may change) so the caller just
// retries after the cadence sleep; on a bloom-skipped single block, From is
// advanced past that block. A non-nil error additionally carries why, for
// logging.
func StepLive(ctx context.Context, p provider.Provider, cfg Config, state *LiveState) (batch FetchBatch, noop bool, err error) {
	latest, err := p.GetLatestBlock(ctx)
	if err != nil {
		return FetchBatch{}, true, err
	}
	if latest == nil {
		return FetchBatch{}, true, nil
	}

	safe := latest.Number - cfg.ReorgSafeDistance
	if state.From > safe {
		if time.Since(state.LastNoNewBlockLog) >= noNewBlockHeartbeatInterval {
			// spec.md §4.3 scenario 4: one heartbeat per 5-minute silence.
			log.Info().
				Uint64("from_block", state.From).
				Msg("no new blocks published in the last 5 minutes")
			state.LastNoNewBlockLog = time.Now()
		}
		return FetchBatch{}, true, nil
	}
	state.LastNoNewBlockLog = time.Now()

	to := safe
	batch, bloomSkipped, err := fetchWindow(ctx, p, cfg, state.From, to)
	if err != nil {
		return FetchBatch{}, true, err
	}

	// Both an empty fetch and a bloom-skipped single block leave no logs for
	// this window, but the window itself was still covered: advance past it
	// either way (spec.md §4.3: "on empty result, advance from_block to
	// safe_block+1"). Only the bloom-skipped case is reported as noop.
	if len(batch.Logs) == 0 {
		state.From = to + 1
	} else {
		state.From = batch.Logs[len(batch.Logs)-1].BlockNumber + 1
	}

	return batch, bloomSkipped, nil
}

// runLive tails new blocks at liveIterationCadence, advancing from as far
// as the reorg-safe head allows (spec.md §4.3 live phase), for the single
// stream this FetchLogsStream call owns.
func runLive(ctx context.Context, p provider.Provider, cfg Config, from uint64, out chan<- FetchResult) {
	state := NewLiveState(from)

	for {
		iterationStart := time.Now()

		if ctx.Err() != nil {
			return
		}

		batch, skip, err := StepLive(ctx, p, cfg, state)
		if err != nil {
			sleepRemainder(ctx, iterationStart)
			continue
		}

		if !skip {
			select {
			case out <- FetchResult{Batch: batch}:
			case <-ctx.Done():
				return
			}
		}

		sleepRemainder(ctx, iterationStart)
	}
}

// fetchWindow issues one eth_getLogs call for [from, to], applying the
// bloom-skip optimization (spec.md §4.3: "if from==to and bloom checks not
// disabled, consult cached block header's logs bloom ... if irrelevant,
// advance without RPC call") and deduplicating results.
func fetchWindow(ctx context.Context, p provider.Provider, cfg Config, from, to uint64) (FetchBatch, bool, error) {
	if from == to && !cfg.DisableLogsBloomChecks {
		header, err := p.GetBlockByNumber(ctx, from, false)
		if err == nil && header != nil && !header.MatchesFilter(cfg.Addresses, cfg.Topics) {
			return FetchBatch{FromBlock: from, ToBlock: to}, true, nil
		}
	}

	logs, err := p.GetLogs(ctx, provider.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: cfg.Addresses,
		Topics:    [][]common.Hash{cfg.Topics},
	})
	if err != nil {
		return FetchBatch{}, false, err
	}

	return FetchBatch{
		Logs:      removeDuplicateLogs(logs),
		FromBlock: from,
		ToBlock:   to,
	}, false, nil
}

// removeDuplicateLogs drops logs with an identical (tx hash, block hash, log
// index) key. Some RPC providers return duplicate logs for a given range;
// this is a known issue on FVM/Filecoin-derived chains. Grounded on the
// teacher's EventFeed.removeDuplicateLogs.
func removeDuplicateLogs(logs []types.Log) []types.Log {
	if len(logs) == 0 {
		return logs
	}
	seen := make(map[string]bool, len(logs))
	unique := make([]types.Log, 0, len(logs))
	for _, l := range logs {
		key := logKey(l)
		if seen[key] {
			continue
		}
		seen[key] = true
		unique = append(unique, l)
	}
	return unique
}

func logKey(l types.Log) string {
	var b strings.Builder
	b.WriteString(l.TxHash.Hex())
	b.WriteByte(':')
	b.WriteString(l.BlockHash.Hex())
	b.WriteByte(':')
	b.WriteString(itoa(l.Index))
	return b.String()
}

func itoa(v uint) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

func shrinkWindow(window uint64) uint64 {
	next := window / 2
	if next == 0 {
		return 1
	}
	return next
}

func growWindow(window, max uint64) uint64 {
	next := window * 2
	if next > max {
		return max
	}
	return next
}

// recoverFromLookback implements spec.md §9's supplemented feature: when a
// provider reports its history lookback window has been exceeded (some
// Filecoin-derived chains on non-archive nodes), skip forward to
// latest-lookbackRecoveryOffset and keep indexing rather than failing the
// stream.
func recoverFromLookback(latest uint64) uint64 {
	if latest < lookbackRecoveryOffset {
		return 0
	}
	return latest - lookbackRecoveryOffset
}

// isRangeTooLargeError recognizes the family of provider error messages
// that mean "shrink the window and retry", matched by substring since every
// RPC vendor phrases this differently. Grounded on the teacher's own
// substring list in eventfeed.go.
func isRangeTooLargeError(err error) bool {
	msg := err.Error()
	for _, s := range []string{
		"read limit exceeded",
		"Log response size exceeded",
		"is greater than the limit",
		"eth_getLogs and eth_newFilter are limited to a 10,000 blocks range",
		"block range is too wide",
		"range too large",
		"too many results",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// isLookbackExceededError recognizes the Filecoin-family "lookbacks of more
// than N blocks are not supported" error.
func isLookbackExceededError(err error) bool {
	return strings.Contains(err.Error(), "lookbacks of more than")
}

// retryTransient sleeps for the next jittered exponential backoff interval
// for a generic transient provider error, sharing state across calls so the
// interval actually grows across consecutive failures (spec.md §4.3:
// "exponential backoff with jitter up to a max retry budget; on exhaustion,
// surface a fatal error"). Returns nil once the caller should retry, or the
// original error once the retry budget (ExponentialBackOff's MaxElapsedTime)
// is exhausted.
func retryTransient(ctx context.Context, b *backoff.ExponentialBackOff, cause error) error {
	d := b.NextBackOff()
	if d == backoff.Stop {
		return cause
	}
	if !sleepOrDone(ctx, d) {
		return cause
	}
	return nil
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func sleepRemainder(ctx context.Context, iterationStart time.Time) {
	elapsed := time.Since(iterationStart)
	if elapsed >= liveIterationCadence {
		return
	}
	sleepOrDone(ctx, liveIterationCadence-elapsed)
}
