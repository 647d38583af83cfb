// Package schemagen implements the ABI→SQL schema generator (spec.md §4.1,
// component C1): deriving the user-facing event tables and the internal
// watermark/factory tables from a manifest's contracts, and the DDL to drop
// them again.
//
// Grounded on original_source/core/src/database/postgres/generate.rs, which
// this package follows function-for-function: schema/table naming,
// identifier compaction, the solidity-to-SQL type table, and the two-pass
// clash detection that drives the `@name` GraphQL rename comments.
package schemagen

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/rindexer-go/rindexer/internal/manifest"
	"github.com/rindexer-go/rindexer/pkg/abireader"
)

// InternalSchema is the fixed schema name for watermark and factory tables.
const InternalSchema = "rindexer_internal"

// DDLScript is an ordered list of SQL statements. Callers execute each
// statement in order via their SQL client capability (spec.md §6); this
// package never touches a database connection itself.
type DDLScript []string

// Join renders the script as a single string, one statement per line, for
// callers whose SQL client capability wants a single batch_execute call.
func (s DDLScript) Join() string {
	return strings.Join(s, "\n")
}

// NativeTransferContractName is the pseudo-contract name used for the
// built-in native-currency-transfer event, when a manifest enables it.
const NativeTransferContractName = "NativeTransfer"

// ABIReader is the subset of abireader this package depends on, as an
// interface so tests can supply a fixed event list without touching disk.
type ABIReader interface {
	ReadEvents(contract manifest.Contract) ([]abireader.EventInfo, error)
}

// fileABIReader reads the ABI file at contract.ABIPath as given.
type fileABIReader struct{}

// NewFileABIReader returns an ABIReader that reads ABI JSON files from disk,
// the concrete implementation engines use outside of tests.
func NewFileABIReader() ABIReader { return fileABIReader{} }

func (fileABIReader) ReadEvents(contract manifest.Contract) ([]abireader.EventInfo, error) {
	parsed, err := abireader.ReadABIItems(contract.ABIPath)
	if err != nil {
		return nil, err
	}
	return abireader.ExtractEventNamesAndSignatures(parsed), nil
}

// GenerateTablesForIndexer builds the full DDL script for one indexer:
// schema creation, one table per event (unless disableEventTables), and the
// internal watermark/factory tables for every contract, plus the native
// transfer pseudo-contract if enabled.
func GenerateTablesForIndexer(
	reader ABIReader,
	m *manifest.Manifest,
	disableEventTables bool,
) (DDLScript, error) {
	var script DDLScript
	script = append(script, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s;", InternalSchema))

	contractEvents := make(map[string][]abireader.EventInfo, len(m.Contracts))
	for _, c := range m.Contracts {
		events, err := reader.ReadEvents(c)
		if err != nil {
			return nil, fmt.Errorf("reading abi for contract %q: %w", c.Name, err)
		}
		contractEvents[c.Name] = events
	}

	for _, c := range m.Contracts {
		events := contractEvents[c.Name]
		stmts, err := generateContractTables(m.Name, c.Name, events, c.Details, contractFactories(c), disableEventTables, contractsOtherThan(m.Contracts, c.Name), contractEvents)
		if err != nil {
			return nil, err
		}
		script = append(script, stmts...)
	}

	if m.NativeTransfers.Enabled {
		events, err := nativeTransferEvents(reader)
		if err != nil {
			return nil, err
		}
		stmts, err := generateContractTables(m.Name, NativeTransferContractName, events, m.NativeTransfers.Networks, nil, disableEventTables, m.Contracts, contractEvents)
		if err != nil {
			return nil, err
		}
		script = append(script, stmts...)
	}

	indexerSnake := camelToSnake(m.Name)
	script = append(script, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s.%s_last_known_relationship_dropping_sql (key INT PRIMARY KEY, value TEXT NOT NULL);`,
		InternalSchema, indexerSnake,
	))
	script = append(script, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s.%s_last_known_indexes_dropping_sql (key INT PRIMARY KEY, value TEXT NOT NULL);`,
		InternalSchema, indexerSnake,
	))

	return script, nil
}

// contractFactories collects every FactoryDetails configured across a
// contract's per-network details (a contract may be a factory on some
// networks and not others).
func contractFactories(c manifest.Contract) []manifest.FactoryDetails {
	var factories []manifest.FactoryDetails
	for _, d := range c.Details {
		if d.Factory != nil {
			factories = append(factories, *d.Factory)
		}
	}
	return factories
}

func contractsOtherThan(contracts []manifest.Contract, name string) []manifest.Contract {
	var out []manifest.Contract
	for _, c := range contracts {
		if c.Name != name {
			out = append(out, c)
		}
	}
	return out
}

func nativeTransferEvents(reader ABIReader) ([]abireader.EventInfo, error) {
	parsed, err := abireader.ReadABIItemsFromJSON([]byte(nativeTransferABI))
	if err != nil {
		return nil, fmt.Errorf("parsing native transfer abi: %w", err)
	}
	return abireader.ExtractEventNamesAndSignatures(parsed), nil
}

func generateContractTables(
	indexerName, contractName string,
	events []abireader.EventInfo,
	details []manifest.ContractDetails,
	factories []manifest.FactoryDetails,
	disableEventTables bool,
	otherContracts []manifest.Contract,
	allContractEvents map[string][]abireader.EventInfo,
) (DDLScript, error) {
	var script DDLScript

	schemaName := GenerateIndexerContractSchemaName(indexerName, contractName)
	networks := make([]string, 0, len(details))
	for _, d := range details {
		networks = append(networks, d.Network)
	}

	if !disableEventTables {
		script = append(script, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s;", schemaName))

		clashing := findClashingEventNames(contractName, otherContracts, events, allContractEvents)
		script = append(script, generateEventTableSQL(events, contractName, schemaName, clashing)...)
	}

	script = append(script, generateInternalEventTableSQL(events, schemaName, networks)...)
	script = append(script, generateInternalFactoryEventTableSQL(indexerName, contractName, factories)...)

	return script, nil
}

// findClashingEventNames returns the subset of events whose name also
// appears as an event name on some other contract in the indexer (spec.md
// §4.1's two-pass clash detection). Those events get a `@name` GraphQL
// rename comment on their CREATE TABLE statement.
func findClashingEventNames(
	currentContractName string,
	otherContracts []manifest.Contract,
	currentEvents []abireader.EventInfo,
	allContractEvents map[string][]abireader.EventInfo,
) []string {
	var clashing []string
	seen := make(map[string]bool)

	for _, other := range otherContracts {
		if other.Name == currentContractName {
			continue
		}
		for _, ev := range currentEvents {
			for _, otherEv := range allContractEvents[other.Name] {
				if otherEv.Name == ev.Name && !seen[ev.Name] {
					clashing = append(clashing, ev.Name)
					seen[ev.Name] = true
				}
			}
		}
	}
	return clashing
}

func generateEventTableSQL(events []abireader.EventInfo, contractName, schemaName string, clashing []string) DDLScript {
	clashSet := make(map[string]bool, len(clashing))
	for _, name := range clashing {
		clashSet[name] = true
	}

	var script DDLScript
	for _, ev := range events {
		tableName := fmt.Sprintf("%s.%s", schemaName, camelToSnake(ev.Name))

		var columnsSQL string
		if len(ev.Inputs) > 0 {
			columnsSQL = strings.Join(generateColumnsWithDataTypes(ev.Inputs), ", ") + ","
		}

		createTable := fmt.Sprintf(
			"CREATE TABLE IF NOT EXISTS %s (rindexer_id SERIAL PRIMARY KEY NOT NULL, contract_address CHAR(42) NOT NULL, %s tx_hash CHAR(66) NOT NULL, block_number NUMERIC NOT NULL, block_hash CHAR(66) NOT NULL, network VARCHAR(50) NOT NULL, tx_index NUMERIC NOT NULL, log_index NUMERIC NOT NULL);",
			tableName, columnsSQL,
		)
		script = append(script, createTable)

		if clashSet[ev.Name] {
			script = append(script, fmt.Sprintf(
				"COMMENT ON TABLE %s IS '@name %s%s';",
				tableName, contractName, ev.Name,
			))
		}
	}
	return script
}

func generateInternalEventTableSQL(events []abireader.EventInfo, schemaName string, networks []string) DDLScript {
	var script DDLScript
	for _, ev := range events {
		tableName := GenerateInternalEventTableName(schemaName, ev.Name)

		script = append(script, fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s.%s ("network" TEXT PRIMARY KEY, "last_synced_block" NUMERIC);`,
			InternalSchema, tableName,
		))
		for _, network := range networks {
			script = append(script, fmt.Sprintf(
				`INSERT INTO %s.%s ("network", "last_synced_block") VALUES ('%s', 0) ON CONFLICT ("network") DO NOTHING;`,
				InternalSchema, tableName, network,
			))
		}

		script = append(script, fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s.latest_block ("network" TEXT PRIMARY KEY, "block" NUMERIC);`,
			InternalSchema,
		))
		for _, network := range networks {
			script = append(script, fmt.Sprintf(
				`INSERT INTO %s.latest_block ("network", "block") VALUES ('%s', 0) ON CONFLICT ("network") DO NOTHING;`,
				InternalSchema, network,
			))
		}
	}
	return script
}

func generateInternalFactoryEventTableSQL(indexerName, contractName string, factories []manifest.FactoryDetails) DDLScript {
	var script DDLScript
	for _, f := range factories {
		tableName := GenerateInternalFactoryEventTableName(indexerName, f.Name, f.EventName, f.InputName)
		script = append(script, fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s.%s ("factory_address" CHAR(42), "factory_deployed_address" CHAR(42), "network" TEXT, PRIMARY KEY ("factory_address", "factory_deployed_address", "network"));`,
			InternalSchema, tableName,
		))
	}
	return script
}

// DropTablesForIndexer builds the DDL to tear down everything
// GenerateTablesForIndexer created for this indexer (spec.md §4.1: "drop
// script mirrors create").
func DropTablesForIndexer(reader ABIReader, m *manifest.Manifest) (DDLScript, error) {
	indexerSnake := camelToSnake(m.Name)
	var script DDLScript
	script = append(script, fmt.Sprintf("DROP TABLE IF EXISTS %s.%s_last_known_indexes_dropping_sql CASCADE;", InternalSchema, indexerSnake))
	script = append(script, fmt.Sprintf("DROP TABLE IF EXISTS %s.%s_last_known_relationship_dropping_sql CASCADE;", InternalSchema, indexerSnake))

	for _, c := range m.Contracts {
		schemaName := GenerateIndexerContractSchemaName(m.Name, c.Name)
		script = append(script, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE;", schemaName))

		events, err := reader.ReadEvents(c)
		if err != nil {
			// Mirrors the original: if the ABI can no longer be read, skip the
			// per-event drops for this contract rather than aborting the whole
			// drop script.
			continue
		}
		for _, ev := range events {
			tableName := GenerateInternalEventTableName(schemaName, ev.Name)
			script = append(script, fmt.Sprintf("DROP TABLE IF EXISTS %s.%s CASCADE;", InternalSchema, tableName))
		}

		for _, d := range c.Details {
			if d.Factory == nil {
				continue
			}
			tableName := GenerateInternalFactoryEventTableName(m.Name, d.Factory.Name, d.Factory.EventName, d.Factory.InputName)
			script = append(script, fmt.Sprintf("DROP TABLE IF EXISTS %s.%s CASCADE;", InternalSchema, tableName))
		}
	}

	if m.NativeTransfers.Enabled {
		schemaName := GenerateIndexerContractSchemaName(m.Name, NativeTransferContractName)
		script = append(script, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE;", schemaName))
		if events, err := nativeTransferEvents(reader); err == nil {
			for _, ev := range events {
				tableName := GenerateInternalEventTableName(schemaName, ev.Name)
				script = append(script, fmt.Sprintf("DROP TABLE IF EXISTS %s.%s CASCADE;", InternalSchema, tableName))
			}
		}
	}

	return script, nil
}

// GenerateIndexerContractSchemaName builds the user schema name for one
// contract: `{indexer_snake}_{contract_snake}`.
func GenerateIndexerContractSchemaName(indexerName, contractName string) string {
	return fmt.Sprintf("%s_%s", camelToSnake(indexerName), camelToSnake(contractName))
}

// GenerateInternalEventTableName builds the (possibly compacted) watermark
// table name for one event: `{schema}_{event_snake}`.
func GenerateInternalEventTableName(schemaName, eventName string) string {
	return compactIdentifier(fmt.Sprintf("%s_%s", schemaName, camelToSnake(eventName)))
}

// GenerateInternalFactoryEventTableName builds the (possibly compacted)
// factory table name: `{schema}_{event_snake}_{input_snake}`.
func GenerateInternalFactoryEventTableName(indexerName, contractName, eventName, inputName string) string {
	schemaName := GenerateIndexerContractSchemaName(indexerName, contractName)
	return compactIdentifier(fmt.Sprintf("%s_%s_%s", schemaName, camelToSnake(eventName), camelToSnake(inputName)))
}

// generateColumnsWithDataTypes renders one `"name" TYPE` segment per
// top-level input. Tuple components are not expanded into columns, and a
// tuple-typed input has no entry in solidityTypeToDBType, which panics on it.
func generateColumnsWithDataTypes(inputs []abireader.Input) []string {
	cols := make([]string, 0, len(inputs))
	for _, in := range inputs {
		cols = append(cols, fmt.Sprintf(`"%s" %s`, camelToSnake(in.Name), solidityTypeToDBType(in.Type)))
	}
	return cols
}

// compactIdentifier applies spec.md §3's 63-character SQL identifier limit:
// any identifier longer than 63 chars is compacted to
// `{prefix[0:52]}_{hex(keccak256(full_name))[0:10]}`, deterministically.
func compactIdentifier(name string) string {
	if len(name) <= 63 {
		return name
	}
	hash := crypto.Keccak256([]byte(name))
	hashHex := fmt.Sprintf("%x", hash)
	const preservedLength = 63 - 11 // 10 hash chars + 1 underscore
	return fmt.Sprintf("%s_%s", name[:preservedLength], hashHex[:10])
}

// solidityTypeToDBType maps a canonical solidity type to its Postgres
// column type, per spec.md §4.1's type table. Unknown or out-of-range
// integer widths are a fatal generation error in the spec; Go expresses
// "fatal at generation time" as a panic, since it indicates a manifest ABI
// the engine fundamentally cannot represent, not a recoverable runtime
// condition.
func solidityTypeToDBType(abiType string) string {
	isArray := strings.HasSuffix(abiType, "[]")
	baseType := strings.TrimSuffix(abiType, "[]")

	var sqlType string
	switch {
	case baseType == "address":
		sqlType = "CHAR(42)"
	case baseType == "bool":
		sqlType = "BOOLEAN"
	case baseType == "string":
		sqlType = "TEXT"
	case strings.HasPrefix(baseType, "bytes"):
		sqlType = "BYTEA"
	case strings.HasPrefix(baseType, "uint"), strings.HasPrefix(baseType, "int"):
		sqlType = integerSQLType(baseType)
	default:
		panic(fmt.Sprintf("unsupported solidity type: %s", baseType))
	}

	if isArray {
		if baseType == "address" {
			// CHAR(42)[] doesn't parse cleanly in most Postgres drivers;
			// TEXT[] works without losing anything, since the value is
			// already constrained to an address by the ABI decode step.
			return "TEXT[]"
		}
		return sqlType + "[]"
	}
	return sqlType
}

func integerSQLType(baseType string) string {
	var prefix string
	var sizeStr string
	if strings.HasPrefix(baseType, "uint") {
		prefix, sizeStr = "uint", baseType[4:]
	} else {
		prefix, sizeStr = "int", baseType[3:]
	}

	var size int
	if _, err := fmt.Sscanf(sizeStr, "%d", &size); err != nil {
		panic(fmt.Sprintf("invalid %sN type: %s", prefix, baseType))
	}

	switch {
	case size == 8 || size == 16:
		return "SMALLINT"
	case size == 24 || size == 32:
		return "INTEGER"
	case size >= 40 && size <= 128 && size%8 == 0:
		return "NUMERIC"
	case size >= 136 && size <= 256 && size%8 == 0:
		return "VARCHAR(78)"
	default:
		panic(fmt.Sprintf("unsupported %sN size: %d", prefix, size))
	}
}

// camelToSnake converts a camelCase or PascalCase identifier to snake_case,
// the naming convention spec.md §3 requires for every generated schema,
// table, and column name.
func camelToSnake(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 {
				prevLower := unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1])
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if prevLower || (nextLower && unicode.IsUpper(runes[i-1])) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// nativeTransferABI is the built-in ABI for the NativeTransfer pseudo-event
// (spec.md §4.1): a single synthetic event representing a plain
// ETH/native-currency value transfer, which has no real on-chain log.
const nativeTransferABI = `[
	{
		"type": "event",
		"name": "NativeTransfer",
		"inputs": [
			{"name": "from", "type": "address", "indexed": true},
			{"name": "to", "type": "address", "indexed": true},
			{"name": "value", "type": "uint256", "indexed": false}
		]
	}
]`
