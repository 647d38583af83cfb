// Package watermark implements the watermark store (spec.md §4.2, component
// C2): reading and monotonically advancing the last-synced-block for every
// (contract, event, network) stream, across whichever backend (DB, CSV
// directory, stream directory) the manifest configures.
//
// Grounded on original_source/core/src/indexer/last_synced.rs: the backend
// selection order, the "stored zero means never synced" rule, and the
// tmp-file+fsync+rename file write discipline all follow it directly. The
// database update pattern (UPDATE...WHERE network=... AND new>last_synced)
// follows the conditional-write shape of the teacher's blockscope.go
// SetLastProcessedHeight; the result of the UPDATE is not inspected here.
package watermark

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rindexer-go/rindexer/internal/rindexer"
	"github.com/rindexer-go/rindexer/pkg/schemagen"
)

// ErrWatermarkParse is returned when a watermark file's contents can't be
// parsed as a block number. Per spec.md §7, this is fatal for the affected
// stream: the engine must never silently treat a malformed file as "never
// synced" and reset progress.
var ErrWatermarkParse = errors.New("watermark: malformed last-synced-block file")

// Row is the single-row query result returned by SQLClient.QueryOne,
// matching database/sql.Row's Scan signature so a *sql.Row satisfies it
// directly.
type Row interface {
	Scan(dest ...interface{}) error
}

// SQLClient is the SQL client capability the engine consumes (spec.md §6):
// query_one, execute (parameterized), and batch_execute.
type SQLClient interface {
	QueryOne(ctx context.Context, query string, args ...interface{}) Row
	Execute(ctx context.Context, query string, args ...interface{}) error
	BatchExecute(ctx context.Context, statements string) error
}

// Store is the watermark capability (spec.md §4.2): get the last-synced
// block for a stream, and monotonically advance it.
type Store interface {
	// GetLastSynced returns the last-synced block and true, or (0, false) if
	// the stream has never synced (including when the stored value is the
	// zero sentinel).
	GetLastSynced(ctx context.Context, contractName, eventName, network string) (rindexer.BlockNumber, bool, error)
	// Advance moves the stream's watermark forward to toBlock. Lower or
	// equal values are a no-op (monotonic-advance, spec.md §3).
	Advance(ctx context.Context, contractName, eventName, network string, toBlock rindexer.BlockNumber) error
	// AdvanceLatestBlock records the chain's most recently observed head for
	// a network, in the shared rindexer_internal.latest_block table.
	AdvanceLatestBlock(ctx context.Context, network string, latest rindexer.BlockNumber) error
}

// NewStore selects a backend per spec.md §4.2's policy order: DB if
// configured (authoritative), else CSV if configured, else streams if
// configured, else a no-op store. Pass an empty string for a root to
// disable that backend.
func NewStore(db SQLClient, indexerName, csvRoot, streamRoot string) Store {
	switch {
	case db != nil:
		return &dbStore{db: db, indexerName: indexerName}
	case csvRoot != "":
		return &fileStore{root: csvRoot}
	case streamRoot != "":
		return &fileStore{root: streamRoot}
	default:
		return noopStore{}
	}
}

// --- DB-backed store ---

type dbStore struct {
	db          SQLClient
	indexerName string
}

func (s *dbStore) GetLastSynced(ctx context.Context, contractName, eventName, network string) (rindexer.BlockNumber, bool, error) {
	table := s.tableName(contractName, eventName)
	query := fmt.Sprintf(
		"SELECT last_synced_block FROM %s.%s WHERE network = $1",
		schemagen.InternalSchema, table,
	)

	var raw string
	if err := s.db.QueryOne(ctx, query, network).Scan(&raw); err != nil {
		return 0, false, fmt.Errorf("querying last synced block: %w", err)
	}

	value, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %s", ErrWatermarkParse, err)
	}
	if value == 0 {
		return 0, false, nil
	}
	return rindexer.BlockNumber(value), true, nil
}

func (s *dbStore) Advance(ctx context.Context, contractName, eventName, network string, toBlock rindexer.BlockNumber) error {
	table := s.tableName(contractName, eventName)
	query := fmt.Sprintf(
		"UPDATE %s.%s SET last_synced_block = $1 WHERE network = $2 AND $1 > last_synced_block",
		schemagen.InternalSchema, table,
	)
	return s.db.Execute(ctx, query, uint64(toBlock), network)
}

func (s *dbStore) AdvanceLatestBlock(ctx context.Context, network string, latest rindexer.BlockNumber) error {
	query := fmt.Sprintf(
		"UPDATE %s.latest_block SET block = $1 WHERE network = $2 AND $1 > block",
		schemagen.InternalSchema,
	)
	return s.db.Execute(ctx, query, uint64(latest), network)
}

func (s *dbStore) tableName(contractName, eventName string) string {
	schema := schemagen.GenerateIndexerContractSchemaName(s.indexerName, contractName)
	return schemagen.GenerateInternalEventTableName(schema, eventName)
}

// --- file-backed store (used for both the CSV-sink and stream-sink cases;
// spec.md §4.2 gives both the same file layout and write discipline) ---

type fileStore struct {
	root string
}

func (s *fileStore) GetLastSynced(ctx context.Context, contractName, eventName, network string) (rindexer.BlockNumber, bool, error) {
	path := watermarkFilePath(s.root, contractName, network, eventName)
	return readWatermarkFile(path)
}

func (s *fileStore) Advance(ctx context.Context, contractName, eventName, network string, toBlock rindexer.BlockNumber) error {
	path := watermarkFilePath(s.root, contractName, network, eventName)

	current, _, err := readWatermarkFile(path)
	if err != nil {
		return err
	}
	if toBlock <= current {
		return nil
	}
	return writeWatermarkFileAtomic(path, toBlock)
}

func (s *fileStore) AdvanceLatestBlock(ctx context.Context, network string, latest rindexer.BlockNumber) error {
	path := filepath.Join(s.root, "latest-block", strings.ToLower(network)+".txt")
	current, _, err := readWatermarkFile(path)
	if err != nil {
		return err
	}
	if latest <= current {
		return nil
	}
	return writeWatermarkFileAtomic(path, latest)
}

// watermarkFilePath builds the path spec.md §6 specifies:
// {sink_root}/{contract}/last-synced-blocks/{contract_lower}-{network_lower}-{event_lower}.txt
func watermarkFilePath(root, contractName, network, eventName string) string {
	fileName := fmt.Sprintf("%s-%s-%s.txt",
		strings.ToLower(contractName), strings.ToLower(network), strings.ToLower(eventName))
	return filepath.Join(root, contractName, "last-synced-blocks", fileName)
}

func readWatermarkFile(path string) (rindexer.BlockNumber, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	line := string(data)
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return 0, false, nil
	}

	value, err := strconv.ParseUint(line, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %q: %s", ErrWatermarkParse, path, err)
	}
	if value == 0 {
		return 0, false, nil
	}
	return rindexer.BlockNumber(value), true, nil
}

// writeWatermarkFileAtomic writes blockNumber to path via the tmp-file,
// fsync, atomic-rename discipline spec.md §4.2 and §5 both require.
func writeWatermarkFileAtomic(path string, blockNumber rindexer.BlockNumber) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating watermark directory: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating watermark tmp file: %w", err)
	}

	if _, err := f.WriteString(strconv.FormatUint(uint64(blockNumber), 10)); err != nil {
		f.Close()
		return fmt.Errorf("writing watermark tmp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsyncing watermark tmp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing watermark tmp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming watermark tmp file into place: %w", err)
	}
	return nil
}

// --- no-op store, used when no backend is configured at all ---

type noopStore struct{}

func (noopStore) GetLastSynced(context.Context, string, string, string) (rindexer.BlockNumber, bool, error) {
	return 0, false, nil
}

func (noopStore) Advance(context.Context, string, string, string, rindexer.BlockNumber) error {
	return nil
}

func (noopStore) AdvanceLatestBlock(context.Context, string, rindexer.BlockNumber) error {
	return nil
}

// progressUpdateTimeout bounds how long InMemoryProgress.Advance will wait
// for the lock before giving up (spec.md §5 and §9: "tunable magic number").
const progressUpdateTimeout = 100 * time.Millisecond

// InMemoryProgress is the coarse in-memory last-synced reporter (spec.md
// §4.2): a supervisor-visible view of progress that must never hold up
// ingest, so lock acquisition is bounded by progressUpdateTimeout and the
// update is skipped if that's exceeded. This package logs nothing on a skip;
// it only calls OnSkip, when set.
type InMemoryProgress struct {
	mu   chan struct{}
	data map[rindexer.StreamID]rindexer.BlockNumber

	// OnSkip, if set, is called (instead of a real logger dependency) when an
	// update is skipped due to lock contention. Nothing in pkg/engine sets
	// it; when it is nil a skip leaves no trace.
	OnSkip func(id rindexer.StreamID)
}

// NewInMemoryProgress returns an empty InMemoryProgress.
func NewInMemoryProgress() *InMemoryProgress {
	mu := make(chan struct{}, 1)
	mu <- struct{}{}
	return &InMemoryProgress{
		mu:   mu,
		data: make(map[rindexer.StreamID]rindexer.BlockNumber),
	}
}

// Advance records toBlock for id if it's higher than what's stored, unless
// the lock is contended for longer than progressUpdateTimeout, in which
// case the update is skipped and OnSkip, when set, is called.
func (p *InMemoryProgress) Advance(id rindexer.StreamID, toBlock rindexer.BlockNumber) {
	select {
	case <-p.mu:
	case <-time.After(progressUpdateTimeout):
		if p.OnSkip != nil {
			p.OnSkip(id)
		}
		return
	}
	defer func() { p.mu <- struct{}{} }()

	if toBlock > p.data[id] {
		p.data[id] = toBlock
	}
}

// Get returns the last recorded block for id, or (0, false) if none, again
// bounded by progressUpdateTimeout.
func (p *InMemoryProgress) Get(id rindexer.StreamID) (rindexer.BlockNumber, bool) {
	select {
	case <-p.mu:
	case <-time.After(progressUpdateTimeout):
		if p.OnSkip != nil {
			p.OnSkip(id)
		}
		return 0, false
	}
	defer func() { p.mu <- struct{}{} }()

	v, ok := p.data[id]
	return v, ok
}
