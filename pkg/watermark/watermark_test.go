package watermark

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rindexer-go/rindexer/internal/rindexer"
)

func TestFileStoreGetLastSyncedNeverSynced(t *testing.T) {
	t.Parallel()

	store := NewStore(nil, "", t.TempDir(), "")
	block, ok, err := store.GetLastSynced(context.Background(), "MyContract", "Transfer", "mainnet")
	require.NoError(t, err)
	require.False(t, ok)
	require.Zero(t, block)
}

func TestFileStoreZeroFileMeansNeverSynced(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	path := watermarkFilePath(root, "MyContract", "mainnet", "Transfer")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("0\n"), 0o644))

	store := NewStore(nil, "", root, "")
	block, ok, err := store.GetLastSynced(context.Background(), "MyContract", "Transfer", "mainnet")
	require.NoError(t, err)
	require.False(t, ok)
	require.Zero(t, block)
}

func TestFileStoreAdvanceIsMonotonic(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	store := NewStore(nil, "", root, "")
	ctx := context.Background()

	require.NoError(t, store.Advance(ctx, "MyContract", "Transfer", "mainnet", 2000))
	block, ok, err := store.GetLastSynced(ctx, "MyContract", "Transfer", "mainnet")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rindexer.BlockNumber(2000), block)

	// Lower value is a no-op.
	require.NoError(t, store.Advance(ctx, "MyContract", "Transfer", "mainnet", 1000))
	block, ok, err = store.GetLastSynced(ctx, "MyContract", "Transfer", "mainnet")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rindexer.BlockNumber(2000), block)

	// Higher value advances.
	require.NoError(t, store.Advance(ctx, "MyContract", "Transfer", "mainnet", 3000))
	block, ok, err = store.GetLastSynced(ctx, "MyContract", "Transfer", "mainnet")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rindexer.BlockNumber(3000), block)
}

func TestFileStoreMalformedFileIsParseError(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	path := watermarkFilePath(root, "MyContract", "mainnet", "Transfer")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("not-a-number\n"), 0o644))

	store := NewStore(nil, "", root, "")
	_, _, err := store.GetLastSynced(context.Background(), "MyContract", "Transfer", "mainnet")
	require.ErrorIs(t, err, ErrWatermarkParse)
}

func TestNoBackendConfiguredIsNoop(t *testing.T) {
	t.Parallel()

	store := NewStore(nil, "", "", "")
	ctx := context.Background()

	require.NoError(t, store.Advance(ctx, "MyContract", "Transfer", "mainnet", 999))
	_, ok, err := store.GetLastSynced(ctx, "MyContract", "Transfer", "mainnet")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInMemoryProgressAdvanceIsMonotonic(t *testing.T) {
	t.Parallel()

	p := NewInMemoryProgress()
	id := rindexer.NewStreamID("MyContract", "Transfer", 1)

	p.Advance(id, 100)
	v, ok := p.Get(id)
	require.True(t, ok)
	require.Equal(t, rindexer.BlockNumber(100), v)

	p.Advance(id, 50)
	v, ok = p.Get(id)
	require.True(t, ok)
	require.Equal(t, rindexer.BlockNumber(100), v)

	p.Advance(id, 200)
	v, ok = p.Get(id)
	require.True(t, ok)
	require.Equal(t, rindexer.BlockNumber(200), v)
}

func TestInMemoryProgressUnknownStream(t *testing.T) {
	t.Parallel()

	p := NewInMemoryProgress()
	_, ok := p.Get(rindexer.NewStreamID("Nope", "Nope", 1))
	require.False(t, ok)
}

// fakeSQLClient is a minimal in-memory SQLClient for exercising dbStore
// without a real database connection.
type fakeSQLClient struct {
	lastSyncedByTable map[string]uint64
}

func newFakeSQLClient() *fakeSQLClient {
	return &fakeSQLClient{lastSyncedByTable: make(map[string]uint64)}
}

type fakeRow struct {
	value uint64
	found bool
}

func (r fakeRow) Scan(dest ...interface{}) error {
	if !r.found {
		return context.DeadlineExceeded
	}
	*(dest[0].(*string)) = strconvFormat(r.value)
	return nil
}

func strconvFormat(v uint64) string {
	return fmt.Sprintf("%d", v)
}

func (c *fakeSQLClient) QueryOne(ctx context.Context, query string, args ...interface{}) Row {
	network := args[0].(string)
	v, ok := c.lastSyncedByTable[network]
	return fakeRow{value: v, found: ok}
}

func (c *fakeSQLClient) Execute(ctx context.Context, query string, args ...interface{}) error {
	toBlock := args[0].(uint64)
	network := args[1].(string)
	if toBlock > c.lastSyncedByTable[network] {
		c.lastSyncedByTable[network] = toBlock
	}
	return nil
}

func (c *fakeSQLClient) BatchExecute(ctx context.Context, statements string) error {
	return nil
}

func TestDBStoreAdvanceIsMonotonic(t *testing.T) {
	t.Parallel()

	client := newFakeSQLClient()
	store := NewStore(client, "MyIndexer", "", "")
	ctx := context.Background()

	require.NoError(t, store.Advance(ctx, "MyContract", "Transfer", "mainnet", 500))
	block, ok, err := store.GetLastSynced(ctx, "MyContract", "Transfer", "mainnet")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rindexer.BlockNumber(500), block)

	require.NoError(t, store.Advance(ctx, "MyContract", "Transfer", "mainnet", 100))
	block, ok, err = store.GetLastSynced(ctx, "MyContract", "Transfer", "mainnet")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rindexer.BlockNumber(500), block)
}

func TestDBStoreNeverSyncedReturnsNotFound(t *testing.T) {
	t.Parallel()

	client := newFakeSQLClient()
	store := NewStore(client, "MyIndexer", "", "")

	_, ok, err := store.GetLastSynced(context.Background(), "MyContract", "Transfer", "mainnet")
	require.Error(t, err) // fakeRow.Scan returns an error when not found, like a real driver's sql.ErrNoRows
	require.False(t, ok)
}
