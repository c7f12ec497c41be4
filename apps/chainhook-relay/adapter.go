package main

import "context"

// maxEvents caps the ledger; older events are evicted after every merge.
const maxEvents = 20

// Store persists the ledger snapshot (file, Postgres or Redis).
// Save replaces the whole snapshot; readers never see a partial write.
type Store interface {
	Load(ctx context.Context) ([]ActivityEvent, error)
	Save(ctx context.Context, events []ActivityEvent) error
}

// ActivityEvent is one contract call seen in a chainhook delivery; ID deduplicates.
type ActivityEvent struct {
	ID                 string `json:"id"`
	TxID               string `json:"txid"`
	Sender             string `json:"sender"`
	ContractIdentifier string `json:"contractIdentifier"`
	FunctionName       string `json:"functionName"`
	BlockHeight        int64  `json:"blockHeight"`
	Timestamp          int64  `json:"timestamp"`
}
