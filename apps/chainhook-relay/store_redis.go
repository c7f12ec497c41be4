package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisLedgerKey = "chainhook:events"

// redisKV is the part of *redis.Client the store uses.
type redisKV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Close() error
}

// redisStore keeps the ledger as a single JSON value; SET replaces it atomically.
type redisStore struct {
	client redisKV
	key    string
}

func newRedisStore(ctx context.Context, url string) (*redisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &redisStore{client: client, key: redisLedgerKey}, nil
}

func (r *redisStore) Load(ctx context.Context) ([]ActivityEvent, error) {
	b, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return []ActivityEvent{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger: %w", err)
	}
	var events []ActivityEvent
	if err := json.Unmarshal(b, &events); err != nil {
		return []ActivityEvent{}, nil
	}
	return events, nil
}

func (r *redisStore) Save(ctx context.Context, events []ActivityEvent) error {
	if events == nil {
		events = []ActivityEvent{}
	}
	b, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	return r.client.Set(ctx, r.key, b, 0).Err()
}

func (r *redisStore) Close() {
	r.client.Close()
}
