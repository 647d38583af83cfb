package schemagen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rindexer-go/rindexer/internal/manifest"
	"github.com/rindexer-go/rindexer/pkg/abireader"
)

// fakeReader returns a fixed event list per contract name, for tests that
// don't want to touch disk.
type fakeReader struct {
	events map[string][]abireader.EventInfo
}

func (f fakeReader) ReadEvents(c manifest.Contract) ([]abireader.EventInfo, error) {
	return f.events[c.Name], nil
}

func transferEvent() abireader.EventInfo {
	return abireader.EventInfo{
		Name: "Transfer",
		Inputs: []abireader.Input{
			{Name: "from", Type: "address", Indexed: true},
			{Name: "to", Type: "address", Indexed: true},
			{Name: "value", Type: "uint256"},
		},
	}
}

func TestGenerateTablesForIndexerClashingEventNames(t *testing.T) {
	t.Parallel()

	m := &manifest.Manifest{
		Name: "MyIndexer",
		Contracts: []manifest.Contract{
			{Name: "ContractA", Details: []manifest.ContractDetails{{Network: "mainnet"}}},
			{Name: "ContractB", Details: []manifest.ContractDetails{{Network: "mainnet"}}},
		},
	}
	reader := fakeReader{events: map[string][]abireader.EventInfo{
		"ContractA": {transferEvent()},
		"ContractB": {transferEvent()},
	}}

	script, err := GenerateTablesForIndexer(reader, m, false)
	require.NoError(t, err)

	joined := script.Join()
	require.Contains(t, joined, "@name ContractATransfer")
	require.Contains(t, joined, "@name ContractBTransfer")
}

func TestGenerateTablesForIndexerNoClashNoComment(t *testing.T) {
	t.Parallel()

	m := &manifest.Manifest{
		Name: "MyIndexer",
		Contracts: []manifest.Contract{
			{Name: "ContractA", Details: []manifest.ContractDetails{{Network: "mainnet"}}},
		},
	}
	reader := fakeReader{events: map[string][]abireader.EventInfo{
		"ContractA": {transferEvent()},
	}}

	script, err := GenerateTablesForIndexer(reader, m, false)
	require.NoError(t, err)
	require.NotContains(t, script.Join(), "@name")
}

func TestGenerateTablesForIndexerDisableEventTablesSkipsUserSchema(t *testing.T) {
	t.Parallel()

	m := &manifest.Manifest{
		Name: "MyIndexer",
		Contracts: []manifest.Contract{
			{Name: "ContractA", Details: []manifest.ContractDetails{{Network: "mainnet"}}},
		},
	}
	reader := fakeReader{events: map[string][]abireader.EventInfo{
		"ContractA": {transferEvent()},
	}}

	script, err := GenerateTablesForIndexer(reader, m, true)
	require.NoError(t, err)

	joined := script.Join()
	require.NotContains(t, joined, "my_indexer_contract_a.transfer")
	require.Contains(t, joined, "rindexer_internal")
}

func TestGenerateTablesForIndexerEmptyInputsNoTrailingComma(t *testing.T) {
	t.Parallel()

	m := &manifest.Manifest{
		Name: "MyIndexer",
		Contracts: []manifest.Contract{
			{Name: "ContractA", Details: []manifest.ContractDetails{{Network: "mainnet"}}},
		},
	}
	reader := fakeReader{events: map[string][]abireader.EventInfo{
		"ContractA": {{Name: "Heartbeat"}},
	}}

	script, err := GenerateTablesForIndexer(reader, m, false)
	require.NoError(t, err)

	var createStmt string
	for _, stmt := range script {
		if strings.Contains(stmt, "my_indexer_contract_a.heartbeat") && strings.HasPrefix(stmt, "CREATE TABLE") {
			createStmt = stmt
		}
	}
	require.NotEmpty(t, createStmt)
	require.Contains(t, createStmt, "contract_address CHAR(42) NOT NULL,  tx_hash")
	require.NotContains(t, createStmt, ",,")
}

func TestGenerateTablesForIndexerFactoryTableNamedAfterFactoryContract(t *testing.T) {
	t.Parallel()

	m := &manifest.Manifest{
		Name: "MyIndexer",
		Contracts: []manifest.Contract{
			{
				Name: "Child",
				Details: []manifest.ContractDetails{
					{
						Network: "mainnet",
						Factory: &manifest.FactoryDetails{Name: "Factory", EventName: "Deployed", InputName: "child"},
					},
				},
			},
		},
	}
	reader := fakeReader{events: map[string][]abireader.EventInfo{
		"Child": {{Name: "Transfer"}},
	}}

	script, err := GenerateTablesForIndexer(reader, m, false)
	require.NoError(t, err)

	wantTable := GenerateInternalFactoryEventTableName(m.Name, "Factory", "Deployed", "child")
	joined := script.Join()
	require.Contains(t, joined, wantTable)

	dropScript, err := DropTablesForIndexer(reader, m)
	require.NoError(t, err)
	require.Contains(t, dropScript.Join(), wantTable)
}

func TestCompactIdentifierBoundary(t *testing.T) {
	t.Parallel()

	exactly63 := strings.Repeat("a", 63)
	require.Equal(t, exactly63, compactIdentifier(exactly63))

	exactly64 := strings.Repeat("a", 64)
	compacted := compactIdentifier(exactly64)
	require.LessOrEqual(t, len(compacted), 63)
	require.NotEqual(t, exactly64, compacted)

	// deterministic
	require.Equal(t, compacted, compactIdentifier(exactly64))
}

func TestSolidityTypeToDBType(t *testing.T) {
	t.Parallel()

	require.Equal(t, "SMALLINT", solidityTypeToDBType("uint8"))
	require.Equal(t, "NUMERIC", solidityTypeToDBType("uint128"))
	require.Equal(t, "VARCHAR(78)", solidityTypeToDBType("uint256"))
	require.Equal(t, "CHAR(42)", solidityTypeToDBType("address"))
	require.Equal(t, "TEXT[]", solidityTypeToDBType("address[]"))
	require.Equal(t, "INTEGER[]", solidityTypeToDBType("int32[]"))
}

func TestSolidityTypeToDBTypeInvalidWidthPanics(t *testing.T) {
	t.Parallel()

	require.Panics(t, func() { solidityTypeToDBType("uint7") })
}

func TestCamelToSnake(t *testing.T) {
	t.Parallel()

	require.Equal(t, "transfer", camelToSnake("Transfer"))
	require.Equal(t, "my_indexer", camelToSnake("MyIndexer"))
	require.Equal(t, "token_id", camelToSnake("tokenId"))
}
