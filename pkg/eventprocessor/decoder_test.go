package eventprocessor

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

const transferABI = `[{
	"anonymous": false,
	"inputs": [
		{"indexed": true, "name": "from", "type": "address"},
		{"indexed": true, "name": "to", "type": "address"},
		{"indexed": false, "name": "value", "type": "uint256"}
	],
	"name": "Transfer",
	"type": "event"
}]`

func mustParseTransferEvent(t *testing.T) abi.Event {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(transferABI))
	require.NoError(t, err)
	return parsed.Events["Transfer"]
}

func TestABIDecoderDecodesIndexedAndDataFields(t *testing.T) {
	t.Parallel()

	ev := mustParseTransferEvent(t)
	decoder := ABIDecoder{Event: ev}

	from := common.HexToAddress("0x1111111111111111111111111111111111111111")
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	value := make([]byte, 32)
	value[31] = 42

	l := types.Log{
		Address: common.HexToAddress("0xabc"),
		Topics: []common.Hash{
			ev.ID,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data:        value,
		BlockNumber: 100,
		TxHash:      common.HexToHash("0xdead"),
	}

	decoded, err := decoder.Decode(l, "mainnet")
	require.NoError(t, err)
	require.Equal(t, from, decoded.Inputs["from"])
	require.Equal(t, to, decoded.Inputs["to"])
	require.Equal(t, "mainnet", decoded.Network)
	require.Equal(t, uint64(100), decoded.BlockNumber)
}

func TestABIDecoderRejectsWrongTopic0(t *testing.T) {
	t.Parallel()

	ev := mustParseTransferEvent(t)
	decoder := ABIDecoder{Event: ev}

	l := types.Log{Topics: []common.Hash{common.HexToHash("0xdeadbeef")}}
	_, err := decoder.Decode(l, "mainnet")
	require.Error(t, err)
}

func TestABIDecoderRejectsIndexedArityMismatch(t *testing.T) {
	t.Parallel()

	ev := mustParseTransferEvent(t)
	decoder := ABIDecoder{Event: ev}

	// Only one indexed topic instead of the two Transfer declares.
	l := types.Log{Topics: []common.Hash{ev.ID, common.HexToHash("0x1")}}
	_, err := decoder.Decode(l, "mainnet")
	require.Error(t, err)
}
