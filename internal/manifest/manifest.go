// Package manifest holds the parsed manifest model the engine consumes.
//
// Parsing a YAML manifest file into these types is an external concern (the
// CLI front-end's job, out of scope here, per spec.md §1); this package only
// defines the shape the engine reads once that parsing has happened.
package manifest

import "github.com/rindexer-go/rindexer/internal/rindexer"

// Manifest is the top-level parsed configuration for one indexer.
type Manifest struct {
	Name            string
	Networks        []Network
	Contracts       []Contract
	NativeTransfers NativeTransfers
}

// Network describes one EVM network the indexer can run against.
type Network struct {
	Name             string
	ChainID          rindexer.ChainID
	DisableLogsBloom bool
}

// Contract is one smart-contract definition, possibly deployed on several
// networks (one ContractDetails per network).
type Contract struct {
	Name                string
	ABIPath             string
	Details             []ContractDetails
	IndexEventsInOrder  []string // event names that must be indexed in strict block order
	ReorgSafeDistance   *uint64  // overrides the engine default (12 blocks) when set
	IsFilterReadonly    bool
}

// ContractDetails is the per-network configuration for a Contract.
type ContractDetails struct {
	Network            string
	Addresses          []string // empty means filter-by-topic only (no address filter)
	Factory             *FactoryDetails
	StartBlock          *uint64
	EndBlock            *uint64
	CallbackConcurrency int // 0 means "use the default"
	LiveIndexing        bool
}

// FactoryDetails describes a factory contract: an event whose log announces a
// newly deployed child contract address that must itself be indexed.
type FactoryDetails struct {
	Name      string
	EventName string
	InputName string // the ABI input field carrying the deployed address
}

// NativeTransfers configures the built-in pseudo-contract that treats plain
// ETH/native-currency transfers as if they were a "NativeTransfer" event.
type NativeTransfers struct {
	Enabled  bool
	Networks []ContractDetails
}

// EventInOrder reports whether eventName must be indexed in strict
// block-ascending order for this contract (spec.md §4.4's ordering guarantee).
func (c Contract) EventInOrder(eventName string) bool {
	for _, n := range c.IndexEventsInOrder {
		if n == eventName {
			return true
		}
	}
	return false
}
