// Package registry holds the set of channels the user currently wants
// delivery for. Subscribe and unsubscribe are idempotent; the set is
// persisted so it survives restarts, and a listener (the sync engine) is
// told about every membership change so it can drive control messages.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/alexjbarnes/alertsync/internal/alert"
	"github.com/alexjbarnes/alertsync/internal/errors"
	"github.com/alexjbarnes/alertsync/internal/store"
)

// Listener is notified of membership changes. Callbacks run on the
// caller's goroutine; implementations must not call back into the
// registry from them.
type Listener interface {
	ChannelSubscribed(ch alert.Channel)
	ChannelUnsubscribed(channelID string)
}

// Registry is the persisted set of subscribed channels. Safe for
// concurrent use: user actions mutate it while the engine reads it.
type Registry struct {
	logger *slog.Logger
	store  *store.Store

	mu       sync.RWMutex
	channels map[string]alert.Channel
	listener Listener
}

// Load builds a registry from the persisted channel set.
func Load(st *store.Store, logger *slog.Logger) (*Registry, error) {
	channels, err := st.Channels()
	if err != nil {
		return nil, fmt.Errorf("loading channel set: %w", err)
	}

	return &Registry{
		logger:   logger,
		store:    st,
		channels: channels,
	}, nil
}

// SetListener registers the membership-change listener. Called once
// during wiring, before any subscribe traffic.
func (r *Registry) SetListener(l Listener) {
	r.mu.Lock()
	r.listener = l
	r.mu.Unlock()
}

// Subscribe adds a channel to the active set. Subscribing an already
// subscribed channel is a no-op that preserves the existing record, so
// repeated subscribes never reset mute state or sync bookkeeping.
func (r *Registry) Subscribe(ch alert.Channel) error {
	id := ch.ID()

	r.mu.Lock()
	if _, ok := r.channels[id]; ok {
		r.mu.Unlock()
		r.logger.Debug("already subscribed", slog.String("channel", id))

		return nil
	}

	r.channels[id] = ch
	l := r.listener
	r.mu.Unlock()

	if err := r.store.SetChannel(ch); err != nil {
		return fmt.Errorf("persisting channel %s: %w", id, err)
	}

	r.logger.Info("subscribed", slog.String("channel", id))

	if l != nil {
		l.ChannelSubscribed(ch)
	}

	return nil
}

// Unsubscribe removes a channel from the active set. Cached events and
// sync bookkeeping are retained for offline viewing; use
// Store.PurgeChannel for an explicit purge.
func (r *Registry) Unsubscribe(channelID string) error {
	r.mu.Lock()
	if _, ok := r.channels[channelID]; !ok {
		r.mu.Unlock()

		return nil
	}

	delete(r.channels, channelID)
	l := r.listener
	r.mu.Unlock()

	if err := r.store.DeleteChannel(channelID); err != nil {
		return fmt.Errorf("removing channel %s: %w", channelID, err)
	}

	r.logger.Info("unsubscribed", slog.String("channel", channelID))

	if l != nil {
		l.ChannelUnsubscribed(channelID)
	}

	return nil
}

// IsSubscribed reports whether the channel is in the active set.
func (r *Registry) IsSubscribed(channelID string) bool {
	r.mu.RLock()
	_, ok := r.channels[channelID]
	r.mu.RUnlock()

	return ok
}

// Get returns the channel record and whether it is subscribed.
func (r *Registry) Get(channelID string) (alert.Channel, bool) {
	r.mu.RLock()
	ch, ok := r.channels[channelID]
	r.mu.RUnlock()

	return ch, ok
}

// List returns the subscribed channels, pinned channels first, then by ID.
func (r *Registry) List() []alert.Channel {
	r.mu.RLock()
	channels := make([]alert.Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		channels = append(channels, ch)
	}
	r.mu.RUnlock()

	sort.Slice(channels, func(i, j int) bool {
		if channels[i].Pinned != channels[j].Pinned {
			return channels[i].Pinned
		}

		return channels[i].ID() < channels[j].ID()
	})

	return channels
}

// SetMuted toggles local notification muting for a channel. Muting never
// affects delivery, only the new-event signal.
func (r *Registry) SetMuted(channelID string, muted bool) error {
	r.mu.Lock()
	ch, ok := r.channels[channelID]
	if !ok {
		r.mu.Unlock()

		return fmt.Errorf("%w: %s", errors.ErrNotSubscribed, channelID)
	}

	ch.Muted = muted
	r.channels[channelID] = ch
	r.mu.Unlock()

	if err := r.store.SetChannel(ch); err != nil {
		return fmt.Errorf("persisting channel %s: %w", channelID, err)
	}

	return nil
}

// IsMuted reports whether the channel suppresses new-event signals.
// Unsubscribed channels report false.
func (r *Registry) IsMuted(channelID string) bool {
	r.mu.RLock()
	ch, ok := r.channels[channelID]
	r.mu.RUnlock()

	return ok && ch.Muted
}
