package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// postgresStore writes the ledger to chainhook_events. Save replaces all rows in one
// transaction, so concurrent readers see the previous or the next snapshot.
type postgresStore struct {
	pool *pgxpool.Pool
}

func newPostgresStore(ctx context.Context, connStr string) (*postgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS chainhook_events (
			id TEXT PRIMARY KEY,
			position INT NOT NULL,
			txid TEXT NOT NULL,
			sender TEXT NOT NULL,
			contract_identifier TEXT NOT NULL,
			function_name TEXT NOT NULL,
			block_height BIGINT NOT NULL,
			ts BIGINT NOT NULL
		)
	`)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}
	return &postgresStore{pool: pool}, nil
}

func (p *postgresStore) Load(ctx context.Context) ([]ActivityEvent, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, txid, sender, contract_identifier, function_name, block_height, ts
		FROM chainhook_events
		ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ActivityEvent, error) {
		var e ActivityEvent
		err := row.Scan(&e.ID, &e.TxID, &e.Sender, &e.ContractIdentifier, &e.FunctionName, &e.BlockHeight, &e.Timestamp)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan events: %w", err)
	}
	return events, nil
}

func (p *postgresStore) Save(ctx context.Context, events []ActivityEvent) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM chainhook_events`); err != nil {
			return fmt.Errorf("clear events: %w", err)
		}
		batch := &pgx.Batch{}
		for i, e := range events {
			batch.Queue(`
				INSERT INTO chainhook_events (id, position, txid, sender, contract_identifier, function_name, block_height, ts)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				e.ID, i, e.TxID, e.Sender, e.ContractIdentifier, e.FunctionName, e.BlockHeight, e.Timestamp,
			)
		}
		if batch.Len() == 0 {
			return nil
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert events: %w", err)
		}
		return nil
	})
}

func (p *postgresStore) Close() {
	p.pool.Close()
}
