package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSyntheticDeliveries(t *testing.T) {
	g := newSyntheticDeliveries("SP1.frictionless-fort-knox", 100)
	g.now = func() time.Time { return testNow }

	b1, err := g.Next()
	require.NoError(t, err)
	e1 := NormalizePayload(b1, time.Now())
	require.Len(t, e1, 1)
	require.Equal(t, int64(100), e1[0].BlockHeight)
	require.Equal(t, testNow.UnixMilli(), e1[0].Timestamp)
	require.Equal(t, "execute-action", e1[0].FunctionName)
	require.Equal(t, "SP1.frictionless-fort-knox", e1[0].ContractIdentifier)

	b2, err := g.Next()
	require.NoError(t, err)
	e2 := NormalizePayload(b2, time.Now())
	require.Len(t, e2, 1)
	require.NotEqual(t, e1[0].ID, e2[0].ID, "ids should differ per delivery")
}

func TestRunSimulate_AgainstRelay(t *testing.T) {
	store := newFileStore(filepath.Join(t.TempDir(), "events.json"))
	r := newTestRelay(t, store, testConfig())
	srv := httptest.NewServer(r.routes())
	defer srv.Close()

	g := newSyntheticDeliveries("SP1.frictionless-fort-knox", 1)
	err := runSimulate(context.Background(), srv.Client(), srv.URL+"/webhook", g, 3, time.Millisecond, discardLogger)
	require.NoError(t, err)
	require.Len(t, r.ledger.Events(context.Background()), 3)
}

func TestPostWithRetry(t *testing.T) {
	old := postBackoff
	postBackoff = time.Millisecond
	defer func() { postBackoff = old }()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"ok":true,"received":1}`))
	}))
	defer srv.Close()

	ack, err := postWithRetry(context.Background(), srv.Client(), srv.URL, []byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, 1, ack.Received)
	require.Equal(t, int32(3), calls.Load())
}

func TestPostWithRetryExhausted(t *testing.T) {
	old := postBackoff
	postBackoff = time.Millisecond
	defer func() { postBackoff = old }()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := postWithRetry(context.Background(), srv.Client(), srv.URL, []byte(`{`))
	require.ErrorContains(t, err, "webhook returned 400")
}

func TestPostWithRetryContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := postWithRetry(ctx, failingClient{}, "http://relay.invalid/webhook", []byte(`{}`))
	require.ErrorIs(t, err, context.Canceled)
}
