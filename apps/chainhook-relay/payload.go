package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	operationContractCall = "contract_call"
	unknownValue          = "unknown"
)

var (
	// errInvalidPayload means the body is not a JSON object.
	errInvalidPayload = errors.New("invalid payload")
	// errPayloadShape means the body is JSON but a field the normalizer reads has the wrong type.
	errPayloadShape = errors.New("payload shape rejected")
)

// deliverySchema covers only the fields read during normalization. Every field is
// optional and may be null; unknown fields are allowed.
const deliverySchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "event": {
      "type": ["object", "null"],
      "properties": {
        "apply": {"type": ["array", "null"], "items": {"$ref": "#/$defs/block"}}
      }
    }
  },
  "$defs": {
    "index": {"type": ["integer", "null"], "minimum": 0},
    "text": {"type": ["string", "null"]},
    "block": {
      "type": ["object", "null"],
      "properties": {
        "block_identifier": {
          "type": ["object", "null"],
          "properties": {"index": {"$ref": "#/$defs/index"}}
        },
        "timestamp": {"type": ["integer", "null"]},
        "transactions": {"type": ["array", "null"], "items": {"$ref": "#/$defs/transaction"}}
      }
    },
    "transaction": {
      "type": ["object", "null"],
      "properties": {
        "transaction_identifier": {
          "type": ["object", "null"],
          "properties": {"hash": {"$ref": "#/$defs/text"}}
        },
        "metadata": {
          "type": ["object", "null"],
          "properties": {"sender_address": {"$ref": "#/$defs/text"}}
        },
        "operations": {"type": ["array", "null"], "items": {"$ref": "#/$defs/operation"}}
      }
    },
    "operation": {
      "type": ["object", "null"],
      "properties": {
        "operation_identifier": {
          "type": ["object", "null"],
          "properties": {"index": {"$ref": "#/$defs/index"}}
        },
        "metadata": {
          "type": ["object", "null"],
          "properties": {
            "contract_identifier": {"$ref": "#/$defs/text"},
            "function_name": {"$ref": "#/$defs/text"}
          }
        }
      }
    }
  }
}`

var deliveryValidator = mustCompileSchema("https://fortknox.local/schemas/chainhook-delivery.schema.json", deliverySchema)

func mustCompileSchema(url, schema string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		panic(fmt.Sprintf("delivery schema load failed: %v", err))
	}
	compiled, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("delivery schema compile failed: %v", err))
	}
	return compiled
}

// Delivery is a chainhook delivery with every default applied.
type Delivery struct {
	Blocks []Block
}

type Block struct {
	Height       int64
	Timestamp    int64
	Transactions []Transaction
}

type Transaction struct {
	Hash       string
	Sender     string
	Operations []Operation
}

type Operation struct {
	Index              int64
	Type               string
	ContractIdentifier string
	FunctionName       string
}

type rawDelivery struct {
	Event *struct {
		Apply []*rawBlock `json:"apply"`
	} `json:"event"`
}

type rawBlock struct {
	BlockIdentifier *struct {
		Index *int64 `json:"index"`
	} `json:"block_identifier"`
	Timestamp    *int64            `json:"timestamp"`
	Transactions []*rawTransaction `json:"transactions"`
}

type rawTransaction struct {
	TransactionIdentifier *struct {
		Hash *string `json:"hash"`
	} `json:"transaction_identifier"`
	Metadata *struct {
		SenderAddress *string `json:"sender_address"`
	} `json:"metadata"`
	Operations []*rawOperation `json:"operations"`
}

type rawOperation struct {
	Type                json.RawMessage `json:"type"`
	OperationIdentifier *struct {
		Index *int64 `json:"index"`
	} `json:"operation_identifier"`
	Metadata *struct {
		ContractIdentifier *string `json:"contract_identifier"`
		FunctionName       *string `json:"function_name"`
	} `json:"metadata"`
}

// parsePayload validates a webhook body and returns it fully defaulted. Blocks
// without a timestamp are stamped with now.
func parsePayload(raw []byte, now time.Time) (Delivery, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("{}")
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Delivery{}, fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	if _, ok := doc.(map[string]any); !ok {
		return Delivery{}, fmt.Errorf("%w: top-level value is not an object", errInvalidPayload)
	}
	if err := deliveryValidator.Validate(doc); err != nil {
		return Delivery{}, fmt.Errorf("%w: %v", errPayloadShape, err)
	}

	var rd rawDelivery
	if err := json.Unmarshal(raw, &rd); err != nil {
		// integer-valued floats such as 1.0 pass the schema but not int64 decoding
		return Delivery{}, fmt.Errorf("%w: %v", errPayloadShape, err)
	}
	return rd.withDefaults(now.UnixMilli()), nil
}

func (rd rawDelivery) withDefaults(nowMillis int64) Delivery {
	var d Delivery
	if rd.Event == nil {
		return d
	}
	for _, rb := range rd.Event.Apply {
		if rb == nil {
			continue
		}
		b := Block{Timestamp: nowMillis}
		if rb.BlockIdentifier != nil && rb.BlockIdentifier.Index != nil {
			b.Height = *rb.BlockIdentifier.Index
		}
		if rb.Timestamp != nil {
			b.Timestamp = *rb.Timestamp
		}
		for _, rt := range rb.Transactions {
			if rt == nil {
				continue
			}
			tx := Transaction{Hash: unknownValue, Sender: unknownValue}
			if rt.TransactionIdentifier != nil {
				tx.Hash = stringOr(rt.TransactionIdentifier.Hash, unknownValue)
			}
			if rt.Metadata != nil {
				tx.Sender = stringOr(rt.Metadata.SenderAddress, unknownValue)
			}
			for _, ro := range rt.Operations {
				if ro == nil {
					continue
				}
				tx.Operations = append(tx.Operations, ro.withDefaults())
			}
			b.Transactions = append(b.Transactions, tx)
		}
		d.Blocks = append(d.Blocks, b)
	}
	return d
}

func (ro rawOperation) withDefaults() Operation {
	op := Operation{
		ContractIdentifier: unknownValue,
		FunctionName:       operationContractCall,
	}
	// type is compared as-is; non-string values never match contract_call
	var typ string
	if json.Unmarshal(ro.Type, &typ) == nil {
		op.Type = typ
	}
	if ro.OperationIdentifier != nil && ro.OperationIdentifier.Index != nil {
		op.Index = *ro.OperationIdentifier.Index
	}
	if ro.Metadata != nil {
		op.ContractIdentifier = stringOr(ro.Metadata.ContractIdentifier, unknownValue)
		op.FunctionName = stringOr(ro.Metadata.FunctionName, operationContractCall)
	}
	return op
}

func stringOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}

// Normalize flattens a delivery into one ActivityEvent per contract_call operation.
func Normalize(d Delivery) []ActivityEvent {
	var events []ActivityEvent
	for _, b := range d.Blocks {
		for _, tx := range b.Transactions {
			for _, op := range tx.Operations {
				if op.Type != operationContractCall {
					continue
				}
				events = append(events, ActivityEvent{
					ID:                 tx.Hash + ":" + strconv.FormatInt(op.Index, 10),
					TxID:               tx.Hash,
					Sender:             tx.Sender,
					ContractIdentifier: op.ContractIdentifier,
					FunctionName:       op.FunctionName,
					BlockHeight:        b.Height,
					Timestamp:          b.Timestamp,
				})
			}
		}
	}
	return events
}

// NormalizePayload parses and normalizes a raw body, returning nil for anything malformed.
func NormalizePayload(raw []byte, now time.Time) []ActivityEvent {
	d, err := parsePayload(raw, now)
	if err != nil {
		return nil
	}
	return Normalize(d)
}
