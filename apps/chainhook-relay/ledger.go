package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// errLedgerBusy is returned when the write slot or the write itself outlives the
// caller's deadline. Callers should retry.
var errLedgerBusy = errors.New("ledger busy")

// saveBackoff is the delay unit between save attempts (1x, 2x).
var saveBackoff = 100 * time.Millisecond

const (
	saveAttempts = 3
	// defaultWriteLimit bounds a detached write when no request timeout is configured.
	defaultWriteLimit = 30 * time.Second
)

// writeLimit is the longest a detached write may hold the slot: every attempt
// may use the full request timeout, plus the backoff between attempts.
func writeLimit(requestTimeout time.Duration) time.Duration {
	if requestTimeout <= 0 {
		return defaultWriteLimit
	}
	return saveAttempts*requestTimeout + 3*saveBackoff
}

// mergeEvents applies incoming over existing by ID (last delivery wins, whatever the
// timestamp), then keeps the maxEvents most recent by timestamp, newest first.
func mergeEvents(existing, incoming []ActivityEvent) []ActivityEvent {
	order := make([]string, 0, len(existing)+len(incoming))
	byID := make(map[string]ActivityEvent, len(existing)+len(incoming))
	put := func(e ActivityEvent) {
		if _, ok := byID[e.ID]; !ok {
			order = append(order, e.ID)
		}
		byID[e.ID] = e
	}
	for _, e := range existing {
		put(e)
	}
	for _, e := range incoming {
		put(e)
	}

	merged := make([]ActivityEvent, 0, len(order))
	for _, id := range order {
		merged = append(merged, byID[id])
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp > merged[j].Timestamp
	})
	if len(merged) > maxEvents {
		merged = merged[:maxEvents]
	}
	return merged
}

// Ledger serializes read-merge-write cycles against a Store and fans out
// each new snapshot to subscribers.
type Ledger struct {
	store      Store
	slot       chan struct{} // single writer
	writeLimit time.Duration
	publish    func([]ActivityEvent)
	log        *slog.Logger
}

func newLedger(store Store, log *slog.Logger) *Ledger {
	return &Ledger{
		store:      store,
		slot:       make(chan struct{}, 1),
		writeLimit: defaultWriteLimit,
		log:        log,
	}
}

// onUpdate registers fn to receive every snapshot saved by Update.
func (l *Ledger) onUpdate(fn func([]ActivityEvent)) {
	l.publish = fn
}

// Events returns the current snapshot. Store failures read as an empty ledger.
func (l *Ledger) Events(ctx context.Context) []ActivityEvent {
	events, err := l.store.Load(ctx)
	if err != nil {
		l.log.Warn("ledger load failed", "err", err)
		return []ActivityEvent{}
	}
	if events == nil {
		return []ActivityEvent{}
	}
	return events
}

// Update merges incoming into the stored ledger and saves the result. Only one
// update runs at a time; if ctx expires first, Update returns errLedgerBusy and a
// write already started still completes (or hits writeLimit) before the next
// writer proceeds. A failed load aborts the write so the stored ledger is kept.
func (l *Ledger) Update(ctx context.Context, incoming []ActivityEvent) ([]ActivityEvent, error) {
	if len(incoming) == 0 {
		return nil, nil
	}
	select {
	case l.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting for write slot: %v", errLedgerBusy, ctx.Err())
	}

	type result struct {
		events []ActivityEvent
		err    error
	}
	done := make(chan result, 1)
	go func() {
		defer func() { <-l.slot }()
		// detached from the request, bounded by writeLimit
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.writeLimit)
		defer cancel()
		existing, err := l.store.Load(writeCtx)
		if err != nil {
			done <- result{err: fmt.Errorf("load ledger: %w", err)}
			return
		}
		next := mergeEvents(existing, incoming)
		start := time.Now()
		err = saveWithRetry(writeCtx, l.store, next)
		status := "ok"
		if err != nil {
			status = "error"
		}
		ledgerWriteDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
		if err == nil {
			ledgerSize.Set(float64(len(next)))
			if l.publish != nil {
				l.publish(next)
			}
		}
		done <- result{events: next, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("save ledger: %w", r.err)
		}
		return r.events, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: write outlived deadline: %v", errLedgerBusy, ctx.Err())
	}
}

// saveWithRetry tries up to saveAttempts times with linear backoff.
func saveWithRetry(ctx context.Context, store Store, events []ActivityEvent) error {
	var lastErr error
	for attempt := 0; attempt < saveAttempts; attempt++ {
		err := store.Save(ctx, events)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == saveAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * saveBackoff):
		}
	}
	return lastErr
}
