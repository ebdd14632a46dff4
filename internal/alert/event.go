package alert

// Event is a single alert delivered on a channel. Sequence numbers are
// assigned by the server and increase monotonically per channel; a zero
// Sequence marks a legacy payload that carries no number and is excluded
// from gap tracking.
type Event struct {
	ID        string           `json:"id,omitempty"`
	Channel   string           `json:"channel"`
	Sequence  int64            `json:"sequence,omitempty"`
	Timestamp int64            `json:"timestamp"`
	Payload   map[string]Value `json:"payload,omitempty"`

	// Saved is client-local: saved events survive cache eviction.
	Saved bool `json:"saved,omitempty"`
}

// Tracked reports whether the event participates in sequence bookkeeping.
func (e Event) Tracked() bool {
	return e.Sequence > 0
}

// Less orders events for display: sequence ascending, with legacy
// zero-sequence events grouped first and ordered by timestamp among
// themselves.
func (e Event) Less(other Event) bool {
	if e.Sequence != other.Sequence {
		return e.Sequence < other.Sequence
	}
	if e.Timestamp != other.Timestamp {
		return e.Timestamp < other.Timestamp
	}

	return e.ID < other.ID
}
