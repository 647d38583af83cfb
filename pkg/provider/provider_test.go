package provider

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

func TestMatchesFilterEmptyFilterAlwaysMatches(t *testing.T) {
	t.Parallel()

	h := &BlockHeader{}
	require.True(t, h.MatchesFilter(nil, nil))
}

func TestMatchesFilterAddressPresent(t *testing.T) {
	t.Parallel()

	addr := common.HexToAddress("0x00000000000000000000000000000000000001")
	other := common.HexToAddress("0x00000000000000000000000000000000000002")

	var log types.Log
	log.Address = addr
	bloom := types.CreateBloom(types.Receipts{&types.Receipt{Logs: []*types.Log{&log}}})

	h := &BlockHeader{Bloom: bloom}
	require.True(t, h.MatchesFilter([]common.Address{addr}, nil))
	require.False(t, h.MatchesFilter([]common.Address{other}, nil))
}

func TestMatchesFilterTopicPresent(t *testing.T) {
	t.Parallel()

	topic := common.HexToHash("0xaaaa")
	other := common.HexToHash("0xbbbb")

	var log types.Log
	log.Topics = []common.Hash{topic}
	bloom := types.CreateBloom(types.Receipts{&types.Receipt{Logs: []*types.Log{&log}}})

	h := &BlockHeader{Bloom: bloom}
	require.True(t, h.MatchesFilter(nil, []common.Hash{topic}))
	require.False(t, h.MatchesFilter(nil, []common.Hash{other}))
}

func TestMatchesFilterRequiresBothAddressAndTopic(t *testing.T) {
	t.Parallel()

	addr := common.HexToAddress("0x00000000000000000000000000000000000001")
	topic := common.HexToHash("0xaaaa")
	otherTopic := common.HexToHash("0xbbbb")

	var log types.Log
	log.Address = addr
	log.Topics = []common.Hash{topic}
	bloom := types.CreateBloom(types.Receipts{&types.Receipt{Logs: []*types.Log{&log}}})

	h := &BlockHeader{Bloom: bloom}
	require.True(t, h.MatchesFilter([]common.Address{addr}, []common.Hash{topic}))
	require.False(t, h.MatchesFilter([]common.Address{addr}, []common.Hash{otherTopic}))
}
