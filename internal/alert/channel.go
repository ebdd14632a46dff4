// Package alert holds the domain model shared by the sync engine, the
// channel registry, the event cache and the persistence layer: channels,
// events, weakly-typed payload values and per-channel sync bookkeeping.
package alert

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Channel is a topic of events the user can subscribe to, identified by
// area and event type. The combined ID is stable and immutable once the
// channel exists.
type Channel struct {
	Area       string `json:"area"`
	EventType  string `json:"event_type"`
	AreaLabel  string `json:"area_label,omitempty"`
	EventLabel string `json:"event_label,omitempty"`
	Muted      bool   `json:"muted"`
	Pinned     bool   `json:"pinned"`
}

// ChannelID builds the canonical channel identifier from an area and an
// event type. Inputs are NFC-normalized and trimmed so the same channel
// typed on different keyboards maps to one ID.
func ChannelID(area, eventType string) string {
	return canonical(area) + "_" + canonical(eventType)
}

// ID returns the canonical identifier for the channel.
func (c Channel) ID() string {
	return ChannelID(c.Area, c.EventType)
}

func canonical(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// SyncState is the per-channel delivery bookkeeping. Invariant:
// HighestContiguousSequence <= HighestSeenSequence, and CatchUpInProgress
// is true exactly when the two differ.
type SyncState struct {
	// HighestContiguousSequence is the last sequence such that every
	// sequence at or below it has been delivered.
	HighestContiguousSequence int64 `json:"contiguous"`

	// HighestSeenSequence is the largest sequence ever observed, possibly
	// ahead of contiguous while a gap is in flight.
	HighestSeenSequence int64 `json:"seen"`

	// TotalReceived counts every inbound event for the channel, including
	// suppressed duplicates. Diagnostics only.
	TotalReceived int64 `json:"received"`

	CatchUpInProgress bool `json:"catching_up"`

	// Stale marks a channel whose gap could not be closed after the retry
	// cap was exhausted. Diagnostic only; delivery continues.
	Stale bool `json:"stale,omitempty"`
}
