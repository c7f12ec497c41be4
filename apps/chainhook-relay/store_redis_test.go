package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type fakeRedis struct {
	mu     sync.Mutex
	values map[string]string
	getErr error
	closed bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: make(map[string]string)}
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return redis.NewStringResult("", f.getErr)
	}
	v, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = string(value.([]byte))
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Close() error {
	f.closed = true
	return nil
}

func TestRedisStore_MissingKeyIsEmpty(t *testing.T) {
	s := &redisStore{client: newFakeRedis(), key: redisLedgerKey}
	got, err := s.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Empty(t, got)
}

func TestRedisStore_CorruptValueIsEmpty(t *testing.T) {
	for name, value := range map[string]string{
		"corrupt":   "{not json",
		"object":    `{"id":"a"}`,
		"wrongtype": `[1, 2]`,
	} {
		t.Run(name, func(t *testing.T) {
			kv := newFakeRedis()
			kv.values[redisLedgerKey] = value
			got, err := (&redisStore{client: kv, key: redisLedgerKey}).Load(context.Background())
			require.NoError(t, err)
			require.Empty(t, got)
		})
	}
}

func TestRedisStore_RoundTrip(t *testing.T) {
	kv := newFakeRedis()
	s := &redisStore{client: kv, key: redisLedgerKey}
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, nil))
	require.Equal(t, "[]", kv.values[redisLedgerKey])

	want := []ActivityEvent{event("b", 2), event("a", 1)}
	require.NoError(t, s.Save(ctx, want))
	got, err := s.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, want, got)

	s.Close()
	require.True(t, kv.closed)
}

func TestRedisStore_GetErrorSurfaces(t *testing.T) {
	kv := newFakeRedis()
	kv.getErr = errors.New("i/o timeout")
	_, err := (&redisStore{client: kv, key: redisLedgerKey}).Load(context.Background())
	require.ErrorContains(t, err, "i/o timeout")
}

func TestRedisStore_LedgerKeepsEventsOnGetError(t *testing.T) {
	kv := newFakeRedis()
	s := &redisStore{client: kv, key: redisLedgerKey}
	l := newLedger(s, discardLogger)
	_, err := l.Update(context.Background(), []ActivityEvent{event("a", 1)})
	require.NoError(t, err)
	before := kv.values[redisLedgerKey]

	kv.getErr = errors.New("connection reset")
	_, err = l.Update(context.Background(), []ActivityEvent{event("b", 2)})
	require.Error(t, err)
	require.Equal(t, before, kv.values[redisLedgerKey])
}
