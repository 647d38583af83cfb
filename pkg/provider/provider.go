// Package provider defines the chain-RPC capability the engine consumes
// (spec.md §6): fetching the latest block header, fetching logs for a
// filter, and fetching a block by number for bloom-filter pre-checks.
//
// Grounded on the teacher's eventfeed.ChainClient interface
// (pkg/eventprocessor/eventfeed/eventfeed.go), generalized from a
// Tableland-specific three-method interface into the provider capability
// spec.md §6 describes, plus an ethclient-backed implementation.
package provider

import (
	"context"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// BlockHeader is the subset of a block header the engine needs: enough to
// compute reorg-safe distance and to run a bloom-filter pre-check.
type BlockHeader struct {
	Number    uint64
	Hash      common.Hash
	ParentHash common.Hash
	Bloom     types.Bloom
}

// FilterQuery describes an eth_getLogs request.
type FilterQuery struct {
	FromBlock uint64
	ToBlock   uint64
	Addresses []common.Address
	Topics    [][]common.Hash
}

func (q FilterQuery) toEthereum() ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(q.FromBlock),
		ToBlock:   new(big.Int).SetUint64(q.ToBlock),
		Addresses: q.Addresses,
		Topics:    q.Topics,
	}
}

// Provider is the chain-RPC capability consumed by pkg/logfetcher. Real
// callers get one from New; tests use a fake implementing the same
// interface (see fake.go).
type Provider interface {
	// GetLatestBlock returns the chain's current head, or nil if the call
	// should be retried (spec.md §6: "None retried").
	GetLatestBlock(ctx context.Context) (*BlockHeader, error)
	// GetLogs returns every log matching filter. Errors are returned as-is;
	// pkg/logfetcher classifies them (range-too-large vs transient vs fatal).
	GetLogs(ctx context.Context, filter FilterQuery) ([]types.Log, error)
	// GetBlockByNumber returns a block header for bloom pre-checks.
	// includeTxs is part of the capability's shape only: BlockHeader carries
	// no transactions, and the go-ethereum-backed implementation ignores it.
	GetBlockByNumber(ctx context.Context, number uint64, includeTxs bool) (*BlockHeader, error)
}

// ethProvider is the go-ethereum-backed Provider implementation.
type ethProvider struct {
	client *ethclient.Client
}

// New dials an EVM JSON-RPC endpoint and returns a Provider backed by it.
func New(ctx context.Context, rpcURL string) (Provider, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, err
	}
	return &ethProvider{client: client}, nil
}

// NewFromClient wraps an already-dialed ethclient.Client, letting callers
// that need custom dial options (auth headers, custom http.Client) build
// their own client and hand it to the engine.
func NewFromClient(client *ethclient.Client) Provider {
	return &ethProvider{client: client}
}

func (p *ethProvider) GetLatestBlock(ctx context.Context) (*BlockHeader, error) {
	header, err := p.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, err
	}
	return toBlockHeader(header), nil
}

func (p *ethProvider) GetLogs(ctx context.Context, filter FilterQuery) ([]types.Log, error) {
	return p.client.FilterLogs(ctx, filter.toEthereum())
}

func (p *ethProvider) GetBlockByNumber(ctx context.Context, number uint64, includeTxs bool) (*BlockHeader, error) {
	header, err := p.client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return nil, err
	}
	return toBlockHeader(header), nil
}

func toBlockHeader(h *types.Header) *BlockHeader {
	if h == nil {
		return nil
	}
	return &BlockHeader{
		Number:     h.Number.Uint64(),
		Hash:       h.Hash(),
		ParentHash: h.ParentHash,
		Bloom:      h.Bloom,
	}
}

// MatchesFilter reports whether a block's logs bloom could possibly contain
// a log matching the given address and topic sets. It's conservative: a
// false positive just means the bloom-skip optimization (spec.md §4.3)
// doesn't fire and the engine falls back to an RPC call; it must never
// produce a false negative.
func (h *BlockHeader) MatchesFilter(addresses []common.Address, topics []common.Hash) bool {
	if len(addresses) == 0 && len(topics) == 0 {
		return true
	}
	bloom := types.Bloom(h.Bloom)
	if len(addresses) > 0 {
		addrMatch := false
		for _, addr := range addresses {
			if types.BloomLookup(bloom, addr) {
				addrMatch = true
				break
			}
		}
		if !addrMatch {
			return false
		}
	}
	if len(topics) > 0 {
		topicMatch := false
		for _, topic := range topics {
			if types.BloomLookup(bloom, topic) {
				topicMatch = true
				break
			}
		}
		if !topicMatch {
			return false
		}
	}
	return true
}
