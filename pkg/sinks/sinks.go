// Package sinks defines the CSV-appender and stream-publisher capabilities
// the engine consumes (spec.md §1: "the CSV serializer internals" and "the
// outbound stream transports (SNS/Kafka/RabbitMQ bodies)" are out of scope —
// only their interfaces are specified here). The row shape and JSON
// marshaling discipline are grounded on the teacher's persistEvents: one
// row per decoded event, with a `Raw` field (the DecodedEvent the row was
// built from) dropped from JSON via the same jsoniter struct-descriptor
// extension.
package sinks

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	jsoniter "github.com/json-iterator/go"

	"github.com/rindexer-go/rindexer/pkg/eventprocessor"
)

// Row is one decoded event rendered for a CSV or stream sink, shaped per
// spec.md §3's event row schema. Raw carries the DecodedEvent, kept off the
// wire by rowJSONConfig's omitRawFieldExtension — present for callers that
// want to inspect it in-process (e.g. a custom sink adapter), never
// serialized.
type Row struct {
	ContractAddress common.Address `json:"contract_address"`
	Inputs          map[string]interface{} `json:"inputs"`
	TxHash          common.Hash    `json:"tx_hash"`
	BlockNumber     uint64         `json:"block_number"`
	BlockHash       common.Hash    `json:"block_hash"`
	Network         string         `json:"network"`
	TxIndex         uint           `json:"tx_index"`
	LogIndex        uint           `json:"log_index"`

	Raw eventprocessor.DecodedEvent `json:"-"`
}

// NewRow builds the wire Row for one decoded event.
func NewRow(e eventprocessor.DecodedEvent) Row {
	return Row{
		ContractAddress: e.ContractAddress,
		Inputs:          e.Inputs,
		TxHash:          e.TxHash,
		BlockNumber:     e.BlockNumber,
		BlockHash:       e.BlockHash,
		Network:         e.Network,
		TxIndex:         e.TxIndex,
		LogIndex:        e.LogIndex,
		Raw:             e,
	}
}

// rowJSONConfig mirrors the teacher's persistEvents jsoniter setup: a frozen
// config with the Raw field's struct descriptor suppressed, since Row
// already carries a `json:"-"` tag for it and this keeps the same
// dynamically-configured-omission idiom available for sink implementations
// that embed Row into a type they don't control the tags of.
var rowJSONConfig = func() jsoniter.API {
	cfg := jsoniter.Config{}.Froze()
	cfg.RegisterExtension(&omitRawFieldExtension{})
	return cfg
}()

// MarshalRow renders a Row as the JSON bytes a CSV line or stream message
// body carries.
func MarshalRow(r Row) ([]byte, error) {
	return rowJSONConfig.Marshal(r)
}

type omitRawFieldExtension struct {
	jsoniter.DummyExtension
}

func (e *omitRawFieldExtension) UpdateStructDescriptor(structDescriptor *jsoniter.StructDescriptor) {
	if binding := structDescriptor.GetField("Raw"); binding != nil {
		binding.ToNames = []string{}
	}
}

// CSVAppender is the per-(contract,event) CSV sink capability (spec.md §1,
// §5: "CSV appenders: one per (contract, event); internally serialized").
// Concrete transports are out of scope; the engine only depends on this
// interface.
type CSVAppender interface {
	AppendRow(ctx context.Context, contractName, eventName string, row Row) error
}

// StreamPublisher is the outbound stream-publishing capability (spec.md §1:
// "the outbound stream transports... are out of scope"). Concrete bodies
// (SNS/Kafka/RabbitMQ) are the host application's job; the engine only
// depends on this interface.
type StreamPublisher interface {
	Publish(ctx context.Context, contractName, eventName string, row Row) error
}
