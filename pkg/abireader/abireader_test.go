package abireader

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

const sampleABI = `[
	{
		"type": "event",
		"name": "Transfer",
		"inputs": [
			{"name": "from", "type": "address", "indexed": true},
			{"name": "to", "type": "address", "indexed": true},
			{"name": "value", "type": "uint256", "indexed": false}
		]
	},
	{
		"type": "event",
		"name": "Approval",
		"inputs": [
			{"name": "owner", "type": "address", "indexed": true},
			{"name": "spender", "type": "address", "indexed": true},
			{"name": "value", "type": "uint256", "indexed": false}
		]
	}
]`

func TestExtractEventNamesAndSignatures(t *testing.T) {
	t.Parallel()

	parsed, err := ReadABIItemsFromJSON([]byte(sampleABI))
	require.NoError(t, err)

	infos := ExtractEventNamesAndSignatures(parsed)
	require.Len(t, infos, 2)

	byName := make(map[string]EventInfo, len(infos))
	for _, info := range infos {
		byName[info.Name] = info
	}

	transfer, ok := byName["Transfer"]
	require.True(t, ok)
	require.Equal(t, "Transfer(address,address,uint256)", transfer.Signature)
	require.Len(t, transfer.Inputs, 3)
	require.Len(t, transfer.IndexedInputs, 2)
	require.NotEqual(t, common.Hash{}, transfer.TopicID)
}

func TestReadABIItemsFromJSONInvalid(t *testing.T) {
	t.Parallel()

	_, err := ReadABIItemsFromJSON([]byte("not json"))
	require.Error(t, err)
}
