// Package abireader implements the ABI reader capability described in
// spec.md §6: reading a contract's compiled ABI and extracting the event
// metadata (name, topic id, indexed/full inputs) the schema generator and
// event processor need.
//
// Grounded on the teacher's own event-to-struct mapping in
// pkg/eventprocessor/eventfeed/impl/eventfeed.go (parseEvent), which walks
// abi.ABI.EventByID and abi.ParseTopics the same way.
package abireader

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Input is one event argument: name, solidity type, indexed flag, and (for
// tuple types) nested fields.
type Input struct {
	Name    string
	Type    string // canonical solidity type, e.g. "uint256", "address[]"
	Indexed bool
	// Components holds nested fields for tuple ("components") ABI types.
	// ExtractEventNamesAndSignatures does not fill it; it is nil on every
	// Input that function returns.
	Components []Input
}

// EventInfo describes one event extracted from a contract ABI.
type EventInfo struct {
	Name          string
	Signature     string // canonical signature, e.g. "Transfer(address,address,uint256)"
	TopicID       common.Hash
	Inputs        []Input // full ordered input list
	IndexedInputs []Input // subset of Inputs that are indexed
}

// ReadABIItems reads and parses a contract's ABI JSON file from disk.
func ReadABIItems(abiPath string) (*abi.ABI, error) {
	f, err := os.Open(abiPath)
	if err != nil {
		return nil, fmt.Errorf("opening abi file %q: %w", abiPath, err)
	}
	defer f.Close()

	parsed, err := abi.JSON(f)
	if err != nil {
		return nil, fmt.Errorf("parsing abi file %q: %w", abiPath, err)
	}
	return &parsed, nil
}

// ReadABIItemsFromJSON parses an already-loaded ABI JSON blob, for callers
// (such as the native-transfer pseudo-contract) that don't read from disk.
func ReadABIItemsFromJSON(raw []byte) (*abi.ABI, error) {
	var parsed abi.ABI
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parsing abi json: %w", err)
	}
	return &parsed, nil
}

// ExtractEventNamesAndSignatures returns EventInfo for every event declared
// in the ABI, sorted by event name so the result is the same on every call
// (abi.ABI keeps its events in a map).
//
// Invariant (spec.md §3): event names within a contract are unique; Go's
// abi.ABI already enforces this at parse time (duplicate event names are a
// parse error), so this function never needs to de-dup.
func ExtractEventNamesAndSignatures(parsed *abi.ABI) []EventInfo {
	infos := make([]EventInfo, 0, len(parsed.Events))
	for _, ev := range parsed.Events {
		info := EventInfo{
			Name:      ev.Name,
			Signature: ev.Sig,
			TopicID:   ev.ID,
		}
		for _, arg := range ev.Inputs {
			in := Input{
				Name:    arg.Name,
				Type:    arg.Type.String(),
				Indexed: arg.Indexed,
			}
			info.Inputs = append(info.Inputs, in)
			if arg.Indexed {
				info.IndexedInputs = append(info.IndexedInputs, in)
			}
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}
