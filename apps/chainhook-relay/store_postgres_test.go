package main

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// Runs against a real database when CHAINHOOK_TEST_DATABASE_URL is set.
func TestPostgresStore_RoundTrip(t *testing.T) {
	url := os.Getenv("CHAINHOOK_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("CHAINHOOK_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := newPostgresStore(ctx, url)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	require.NoError(t, s.Save(ctx, nil))
	got, err := s.Load(ctx)
	require.NoError(t, err)
	require.Empty(t, got)

	want := []ActivityEvent{event("c", 3), event("a", 1), event("b", 1)}
	require.NoError(t, s.Save(ctx, want))
	got, err = s.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, want, got)

	require.NoError(t, s.Save(ctx, want[:1]))
	got, err = s.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, want[:1], got)
}

func TestNewPostgresStore_BadURL(t *testing.T) {
	_, err := newPostgresStore(context.Background(), "postgres://%zz")
	require.Error(t, err)
}
