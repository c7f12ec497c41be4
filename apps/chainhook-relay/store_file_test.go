package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileStore_LoadFallsBackToEmpty(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"corrupt":   "{not json",
		"object":    `{"id":"a"}`,
		"null":      "null",
		"empty":     "",
		"wrongtype": `[1, 2, 3]`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".json")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
			got, err := newFileStore(path).Load(context.Background())
			require.NoError(t, err)
			require.NotNil(t, got)
			require.Empty(t, got)
		})
	}

	t.Run("missing", func(t *testing.T) {
		got, err := newFileStore(filepath.Join(dir, "nope", "events.json")).Load(context.Background())
		require.NoError(t, err)
		require.Empty(t, got)
	})
}

func TestFileStore_SaveCreatesDirAndOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "public", "chainhook-events.json")
	s := newFileStore(path)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, []ActivityEvent{event("a", 1), event("b", 2)}))
	require.NoError(t, s.Save(ctx, []ActivityEvent{event("c", 3)}))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, []ActivityEvent{event("c", 3)}, got)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not be left behind")

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o644), info.Mode().Perm())
}

func TestFileStore_SaveWritesJSONArray(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.json")
	s := newFileStore(path)
	require.NoError(t, s.Save(context.Background(), nil))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.JSONEq(t, `[]`, string(b))

	require.NoError(t, s.Save(context.Background(), []ActivityEvent{event("a", 7)}))
	b, err = os.ReadFile(path)
	require.NoError(t, err)
	require.JSONEq(t, `[{"id":"a","txid":"a","sender":"SP2SENDER","contractIdentifier":"SP1.frictionless-fort-knox","functionName":"execute-action","blockHeight":7,"timestamp":7}]`, string(b))
}
