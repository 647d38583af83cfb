package eventprocessor

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/core/types"
)

// ABIDecoder is the Decoder capability spec.md §9 calls for, implemented
// directly off one contract ABI event: non-indexed fields come from
// UnpackIntoMap on log.Data, indexed fields from ParseTopicsIntoMap on
// log.Topics[1:]. Grounded on the teacher's parseEvent
// (pkg/eventprocessor/eventfeed/impl/eventfeed.go), generalized from
// unpacking into an auto-generated `Contract*` struct (out of scope here —
// spec.md §1 excludes per-contract code generation) to unpacking into a
// plain map, which is all a generic indexing engine can assume about an
// arbitrary event shape.
type ABIDecoder struct {
	Event abi.Event
}

// Decode implements Decoder. A log whose topic0 doesn't match this
// decoder's event, or whose indexed-topic count doesn't match the event's
// indexed inputs (e.g. a signature collision across contracts), is rejected
// — the caller drops it silently per spec.md §4.4/§7 (DecodeError).
func (d ABIDecoder) Decode(l types.Log, network string) (DecodedEvent, error) {
	if len(l.Topics) == 0 || l.Topics[0] != d.Event.ID {
		return DecodedEvent{}, fmt.Errorf("log topic0 doesn't match event %s", d.Event.Name)
	}

	values := make(map[string]interface{})
	if len(l.Data) > 0 {
		if err := d.Event.Inputs.UnpackIntoMap(values, l.Data); err != nil {
			return DecodedEvent{}, fmt.Errorf("unpacking non-indexed fields: %w", err)
		}
	}

	var indexed abi.Arguments
	for _, arg := range d.Event.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(l.Topics)-1 != len(indexed) {
		return DecodedEvent{}, fmt.Errorf(
			"indexed topic count mismatch for event %s: got %d, want %d",
			d.Event.Name, len(l.Topics)-1, len(indexed),
		)
	}
	if err := abi.ParseTopicsIntoMap(values, indexed, l.Topics[1:]); err != nil {
		return DecodedEvent{}, fmt.Errorf("unpacking indexed topics: %w", err)
	}

	return DecodedEvent{
		ContractAddress: l.Address,
		Inputs:          values,
		TxHash:          l.TxHash,
		BlockNumber:     l.BlockNumber,
		BlockHash:       l.BlockHash,
		Network:         network,
		TxIndex:         l.TxIndex,
		LogIndex:        l.Index,
	}, nil
}
