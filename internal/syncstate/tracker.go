// Package syncstate owns the durable per-channel sync bookkeeping. The
// in-memory map is authoritative; writes are debounced into a periodic
// flush because the engine can touch a channel's state many times per
// second during a backfill. ForceSave exists for the moments that matter:
// process shutdown and app-background.
package syncstate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/alertsync/internal/alert"
	"github.com/alexjbarnes/alertsync/internal/store"
)

// Tracker is the Sync State Store: load/save per-channel SyncState with
// debounced persistence.
type Tracker struct {
	logger   *slog.Logger
	store    *store.Store
	interval time.Duration

	mu     sync.Mutex
	states map[string]alert.SyncState
	dirty  map[string]struct{}
}

// Load reads all persisted sync state into a tracker. interval is the
// debounce window between flushes.
func Load(st *store.Store, interval time.Duration, logger *slog.Logger) (*Tracker, error) {
	states, err := st.AllSyncStates()
	if err != nil {
		return nil, fmt.Errorf("loading sync states: %w", err)
	}

	return &Tracker{
		logger:   logger,
		store:    st,
		interval: interval,
		states:   states,
		dirty:    make(map[string]struct{}),
	}, nil
}

// Get returns the channel's sync state, zero-valued if never seen.
func (t *Tracker) Get(channelID string) alert.SyncState {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.states[channelID]
}

// Set records the channel's sync state and marks it for the next flush.
func (t *Tracker) Set(channelID string, st alert.SyncState) {
	t.mu.Lock()
	t.states[channelID] = st
	t.dirty[channelID] = struct{}{}
	t.mu.Unlock()
}

// All returns a snapshot of every channel's sync state.
func (t *Tracker) All() map[string]alert.SyncState {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]alert.SyncState, len(t.states))
	for id, st := range t.states {
		out[id] = st
	}

	return out
}

// Clear drops the channel's sync state from memory and disk.
func (t *Tracker) Clear(channelID string) error {
	t.mu.Lock()
	delete(t.states, channelID)
	delete(t.dirty, channelID)
	t.mu.Unlock()

	return t.store.DeleteSyncState(channelID)
}

// ClearAll drops every channel's sync state from memory and disk. Part
// of the explicit data-reset path.
func (t *Tracker) ClearAll() error {
	t.mu.Lock()
	ids := make([]string, 0, len(t.states))
	for id := range t.states {
		ids = append(ids, id)
	}
	clear(t.states)
	clear(t.dirty)
	t.mu.Unlock()

	for _, id := range ids {
		if err := t.store.DeleteSyncState(id); err != nil {
			return err
		}
	}

	return nil
}

// Run flushes dirty state every interval until the context ends, then
// force-saves whatever is pending. All sync correctness depends on this
// state surviving restarts, so the final flush is not optional.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.Flush()
		case <-ctx.Done():
			t.Flush()

			return ctx.Err()
		}
	}
}

// Flush persists every dirty entry. Entries that fail to save stay dirty
// and are retried on the next flush; in-memory state remains
// authoritative in the meantime.
func (t *Tracker) Flush() {
	t.mu.Lock()
	pending := make(map[string]alert.SyncState, len(t.dirty))
	for id := range t.dirty {
		pending[id] = t.states[id]
	}
	clear(t.dirty)
	t.mu.Unlock()

	for id, st := range pending {
		if err := t.store.SetSyncState(id, st); err != nil {
			t.logger.Warn("failed to persist sync state",
				slog.String("channel", id),
				slog.String("error", err.Error()),
			)

			t.mu.Lock()
			// Re-mark only if no newer write already did.
			if _, ok := t.dirty[id]; !ok {
				t.dirty[id] = struct{}{}
			}
			t.mu.Unlock()
		}
	}
}

// ForceSave flushes synchronously. Invoke before the process may be
// suspended or terminated.
func (t *Tracker) ForceSave() {
	t.Flush()
}
