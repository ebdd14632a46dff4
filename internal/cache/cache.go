// Package cache is the bounded per-channel event cache: ordered,
// deduplicated, with a read high-water mark per channel and saved events
// exempt from eviction. In-memory state is authoritative; every mutation
// is written through to the store, and a failed write is logged and
// retried implicitly on the next mutation of the same event.
package cache

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/alexjbarnes/alertsync/internal/alert"
	"github.com/alexjbarnes/alertsync/internal/errors"
	"github.com/alexjbarnes/alertsync/internal/store"
)

// Cache holds delivered events per channel. The sync engine is the only
// writer of events; UI-facing reads take snapshots under a read lock.
type Cache struct {
	logger  *slog.Logger
	store   *store.Store
	perChan int

	mu       sync.RWMutex
	events   map[string][]alert.Event
	readMark map[string]int64
}

// Load builds a cache from everything persisted in the store. perChan is
// the per-channel event cap; oldest unsaved events beyond it are evicted.
func Load(st *store.Store, perChan int, logger *slog.Logger) (*Cache, error) {
	c := &Cache{
		logger:   logger,
		store:    st,
		perChan:  perChan,
		events:   make(map[string][]alert.Event),
		readMark: make(map[string]int64),
	}

	ids, err := st.EventChannels()
	if err != nil {
		return nil, fmt.Errorf("listing event channels: %w", err)
	}

	for _, id := range ids {
		events, err := st.Events(id)
		if err != nil {
			return nil, fmt.Errorf("loading events for %s: %w", id, err)
		}

		c.events[id] = events

		mark, err := st.ReadMark(id)
		if err != nil {
			return nil, fmt.Errorf("loading read mark for %s: %w", id, err)
		}

		c.readMark[id] = mark
	}

	return c, nil
}

// Append inserts an event into its channel's list, keeping display order.
// Returns false without mutating anything when the sequence (or, for
// legacy events, the ID) is already present.
func (c *Cache) Append(ev alert.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	list := c.events[ev.Channel]
	if c.contains(list, ev) {
		return false
	}

	idx := sort.Search(len(list), func(i int) bool { return ev.Less(list[i]) })
	list = append(list, alert.Event{})
	copy(list[idx+1:], list[idx:])
	list[idx] = ev
	c.events[ev.Channel] = list

	if err := c.store.PutEvent(ev); err != nil {
		c.logger.Warn("failed to persist event",
			slog.String("channel", ev.Channel),
			slog.Int64("sequence", ev.Sequence),
			slog.String("error", err.Error()),
		)
	}

	c.evictLocked(ev.Channel, c.perChan)

	return true
}

// contains reports whether the ordered list already holds the event.
// Tracked events match on sequence, legacy events on ID.
func (c *Cache) contains(list []alert.Event, ev alert.Event) bool {
	if ev.Tracked() {
		idx := sort.Search(len(list), func(i int) bool { return list[i].Sequence >= ev.Sequence })

		return idx < len(list) && list[idx].Sequence == ev.Sequence
	}

	for _, e := range list {
		if !e.Tracked() && e.ID != "" && e.ID == ev.ID {
			return true
		}
	}

	return false
}

// HasSequence reports whether the channel's cache holds the tracked
// sequence. The engine uses it to roll the contiguity mark forward over
// events that arrived ahead of a backfill.
func (c *Cache) HasSequence(channelID string, seq int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	list := c.events[channelID]
	idx := sort.Search(len(list), func(i int) bool { return list[i].Sequence >= seq })

	return idx < len(list) && list[idx].Sequence == seq
}

// List returns a snapshot of the channel's events in display order.
func (c *Cache) List(channelID string) []alert.Event {
	c.mu.RLock()
	defer c.mu.RUnlock()

	list := c.events[channelID]
	out := make([]alert.Event, len(list))
	copy(out, list)

	return out
}

// UnreadCount returns the number of tracked events above the channel's
// read mark. Legacy events carry no sequence and never count as unread.
func (c *Cache) UnreadCount(channelID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	mark := c.readMark[channelID]
	count := 0
	for _, ev := range c.events[channelID] {
		if ev.Tracked() && ev.Sequence > mark {
			count++
		}
	}

	return count
}

// MarkRead advances the channel's read mark to the highest cached
// sequence. Read state is a high-water mark, not per-event flags,
// matching the "mark channel as read" behavior.
func (c *Cache) MarkRead(channelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var high int64
	for _, ev := range c.events[channelID] {
		if ev.Sequence > high {
			high = ev.Sequence
		}
	}

	if high <= c.readMark[channelID] {
		return
	}

	c.readMark[channelID] = high

	if err := c.store.SetReadMark(channelID, high); err != nil {
		c.logger.Warn("failed to persist read mark",
			slog.String("channel", channelID),
			slog.String("error", err.Error()),
		)
	}
}

// ToggleSaved flips the saved flag on the event with the given ID.
// Saved events are exempt from eviction.
func (c *Cache) ToggleSaved(channelID, eventID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	list := c.events[channelID]
	for i := range list {
		if list[i].ID != eventID {
			continue
		}

		list[i].Saved = !list[i].Saved

		if err := c.store.PutEvent(list[i]); err != nil {
			c.logger.Warn("failed to persist saved flag",
				slog.String("channel", channelID),
				slog.String("event", eventID),
				slog.String("error", err.Error()),
			)
		}

		return nil
	}

	return fmt.Errorf("%w: event %s for channel %s", errors.ErrEventNotCached, eventID, channelID)
}

// SavedEvents returns every saved event across all channels, newest last.
func (c *Cache) SavedEvents() []alert.Event {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var saved []alert.Event
	for _, list := range c.events {
		for _, ev := range list {
			if ev.Saved {
				saved = append(saved, ev)
			}
		}
	}

	sort.Slice(saved, func(i, j int) bool {
		if saved[i].Timestamp != saved[j].Timestamp {
			return saved[i].Timestamp < saved[j].Timestamp
		}

		return saved[i].Channel < saved[j].Channel
	})

	return saved
}

// Evict drops the oldest unsaved events beyond keep and returns how many
// were removed. Saved events are skipped; if skipping them leaves the
// channel above keep, that is logged rather than silently ignored.
func (c *Cache) Evict(channelID string, keep int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.evictLocked(channelID, keep)
}

func (c *Cache) evictLocked(channelID string, keep int) int {
	list := c.events[channelID]
	if keep <= 0 || len(list) <= keep {
		return 0
	}

	excess := len(list) - keep
	kept := list[:0]
	evicted := 0
	for _, ev := range list {
		if evicted < excess && !ev.Saved {
			if err := c.store.DeleteEvent(ev); err != nil {
				c.logger.Warn("failed to delete evicted event",
					slog.String("channel", channelID),
					slog.Int64("sequence", ev.Sequence),
					slog.String("error", err.Error()),
				)
			}

			evicted++

			continue
		}

		kept = append(kept, ev)
	}

	c.events[channelID] = kept

	if len(kept) > keep {
		c.logger.Warn("cache over cap, saved events exempt from eviction",
			slog.String("channel", channelID),
			slog.Int("size", len(kept)),
			slog.Int("cap", keep),
		)
	}

	return evicted
}

// Purge drops a channel's events and read mark from memory and disk.
func (c *Cache) Purge(channelID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.events, channelID)
	delete(c.readMark, channelID)

	return c.store.PurgeChannel(channelID)
}
