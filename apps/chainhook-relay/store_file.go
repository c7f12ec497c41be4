package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// fileStore keeps the ledger as a JSON array on disk. Saves go through a temp file
// in the same directory and a rename, so readers see either the old or the new array.
type fileStore struct {
	path string
}

func newFileStore(path string) *fileStore {
	return &fileStore{path: path}
}

// Load returns an empty ledger when the file is missing, unreadable, or not a JSON array.
func (f *fileStore) Load(ctx context.Context) ([]ActivityEvent, error) {
	b, err := os.ReadFile(f.path)
	if err != nil {
		return []ActivityEvent{}, nil
	}
	var events []ActivityEvent
	if err := json.Unmarshal(b, &events); err != nil || events == nil {
		return []ActivityEvent{}, nil
	}
	return events, nil
}

func (f *fileStore) Save(ctx context.Context, events []ActivityEvent) error {
	if events == nil {
		events = []ActivityEvent{}
	}
	b, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	// CreateTemp uses 0600; the feed file is meant to be world-readable
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("replace ledger file: %w", err)
	}
	return nil
}
