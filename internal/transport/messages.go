package transport

import "github.com/alexjbarnes/alertsync/internal/alert"

// Wire operation names. The server routes on "op" in every text frame.
const (
	OpInit            = "init"
	OpPing            = "ping"
	OpPong            = "pong"
	OpEvent           = "event"
	OpSubscribe       = "subscribe"
	OpUnsubscribe     = "unsubscribe"
	OpBackfillRequest  = "backfill_request"
	OpBackfillResponse = "backfill_response"
)

// InitMessage is sent as the first frame after the WebSocket opens.
type InitMessage struct {
	Op     string `json:"op"`
	Token  string `json:"token"`
	Device string `json:"device,omitempty"`
}

// InitResponse is the server reply to an init message.
type InitResponse struct {
	Res string `json:"res"`
}

// SubscribeMessage registers interest in a channel. The server holds no
// durable subscription state, so it is re-sent after every reconnect.
type SubscribeMessage struct {
	Op      string `json:"op"`
	Channel string `json:"channel"`
}

// UnsubscribeMessage withdraws interest in a channel.
type UnsubscribeMessage struct {
	Op      string `json:"op"`
	Channel string `json:"channel"`
}

// BackfillRequest asks the server to replay the events in the exclusive
// range (From, To) for a channel.
type BackfillRequest struct {
	Op      string `json:"op"`
	Channel string `json:"channel"`
	From    int64  `json:"from"`
	To      int64  `json:"to"`
}

// EventMessage is a single inbound alert. Newer servers send the combined
// channel ID; legacy payloads carry area and event type separately and
// may omit both id and sequence.
type EventMessage struct {
	Op        string                 `json:"op"`
	ID        string                 `json:"id,omitempty"`
	Channel   string                 `json:"channel,omitempty"`
	Area      string                 `json:"area,omitempty"`
	EventType string                 `json:"event_type,omitempty"`
	Sequence  int64                  `json:"sequence,omitempty"`
	Timestamp int64                  `json:"timestamp"`
	Payload   map[string]alert.Value `json:"payload,omitempty"`
}

// ChannelID resolves the channel the event belongs to.
func (m EventMessage) ChannelID() string {
	if m.Channel != "" {
		return m.Channel
	}

	return alert.ChannelID(m.Area, m.EventType)
}

// Event converts the wire message into the domain event.
func (m EventMessage) Event() alert.Event {
	return alert.Event{
		ID:        m.ID,
		Channel:   m.ChannelID(),
		Sequence:  m.Sequence,
		Timestamp: m.Timestamp,
		Payload:   m.Payload,
	}
}

// BackfillResponse is one page of replayed events for a channel, in
// ascending sequence order. Final marks the last page for the requested
// range.
type BackfillResponse struct {
	Op      string         `json:"op"`
	Channel string         `json:"channel"`
	Events  []EventMessage `json:"events"`
	Final   bool           `json:"final"`
}
