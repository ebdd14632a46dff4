// Package engine is the channel event synchronization core: it consumes
// raw frames from the transport, resolves them to channels, detects
// sequence gaps, drives the backfill protocol to close them, and forwards
// ordered, deduplicated events to the cache.
//
// Architecture: a single event-loop goroutine (Run) owns every mutation
// of sync state and the cache. Inbound frames, registry changes and
// reconnect notifications all arrive as messages on channels, so the
// contiguity check is never raced. Backfill responses are just another
// inbound frame type, which is what keeps a catch-up on one channel from
// blocking live delivery on the others.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/alexjbarnes/alertsync/internal/alert"
	"github.com/alexjbarnes/alertsync/internal/cache"
	"github.com/alexjbarnes/alertsync/internal/registry"
	"github.com/alexjbarnes/alertsync/internal/syncstate"
	"github.com/alexjbarnes/alertsync/internal/transport"
	"github.com/tidwall/gjson"
)

const (
	// inboundChanSize buffers frames between the transport handler and
	// the event loop.
	inboundChanSize = 64

	// ctrlChanSize buffers registry and reconnect notifications.
	ctrlChanSize = 64

	// retryCheckInterval is how often the loop checks backfill deadlines.
	retryCheckInterval = time.Second

	// backfillRetryBase is the base delay before re-issuing a timed-out
	// backfill request: base * 2^(attempts-1).
	backfillRetryBase = 2 * time.Second

	// backfillRetryMax caps the re-issue delay.
	backfillRetryMax = 30 * time.Second

	// maxRetryShift caps the bit-shift exponent so the delay cannot
	// overflow time.Duration.
	maxRetryShift = 10
)

// Transport is the outbound half of the connection the engine needs:
// control messages and backfill requests. Sends while disconnected are
// dropped by the transport; the engine re-issues them on reconnect.
type Transport interface {
	Send(ctx context.Context, v any) error
}

// Signals are the engine's outbound notifications. Each callback is
// invoked from the event loop, exactly once per occurrence; nil
// callbacks are skipped. NewEvent is suppressed for muted channels.
type Signals struct {
	NewEvent         func(channelID string, ev alert.Event)
	SyncStateChanged func(channelID string, st alert.SyncState)
}

// Config holds the engine's collaborators and tuning.
type Config struct {
	Registry  *registry.Registry
	Cache     *cache.Cache
	States    *syncstate.Tracker
	Transport Transport
	Signals   Signals

	// BackfillTimeout bounds one backfill request before it is retried.
	BackfillTimeout time.Duration

	// BackfillMaxAttempts caps retries per gap before the channel is
	// marked stale and the gap accepted.
	BackfillMaxAttempts int

	// Now is the clock; defaults to time.Now. Injectable for tests.
	Now func() time.Time
}

type ctrlKind int

const (
	ctrlSubscribe ctrlKind = iota
	ctrlUnsubscribe
	ctrlReconnected
)

type ctrlMsg struct {
	kind      ctrlKind
	channel   alert.Channel
	channelID string
}

// backfill tracks one channel's in-flight catch-up.
type backfill struct {
	from, to    int64
	attempts    int
	awaiting    bool
	deadline    time.Time
	nextAttempt time.Time
}

// Engine is the synchronization engine. Construct with New, drive with
// Run, feed with HandleFrame.
type Engine struct {
	logger *slog.Logger
	cfg    Config

	inboundCh chan []byte
	ctrlCh    chan ctrlMsg
	done      chan struct{}

	// backfills is touched only from the event loop goroutine.
	backfills map[string]*backfill

	now func() time.Time
}

// New creates an engine. Register it as the registry listener and the
// transport handler, then call Run.
func New(cfg Config, logger *slog.Logger) *Engine {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Engine{
		logger:    logger,
		cfg:       cfg,
		inboundCh: make(chan []byte, inboundChanSize),
		ctrlCh:    make(chan ctrlMsg, ctrlChanSize),
		done:      make(chan struct{}),
		backfills: make(map[string]*backfill),
		now:       now,
	}
}

// HandleFrame is the transport's inbound handler. Frames are queued to
// the event loop in receipt order; once the engine has shut down they
// are dropped.
func (e *Engine) HandleFrame(data []byte) {
	select {
	case e.inboundCh <- data:
	case <-e.done:
	}
}

// Reconnected is wired to the transport's OnConnect: re-send every
// active subscription and re-issue catch-up requests, since the server
// holds no subscription state across disconnects and in-flight backfills
// died with the old connection.
func (e *Engine) Reconnected() {
	select {
	case e.ctrlCh <- ctrlMsg{kind: ctrlReconnected}:
	case <-e.done:
	}
}

// ChannelSubscribed implements registry.Listener.
func (e *Engine) ChannelSubscribed(ch alert.Channel) {
	select {
	case e.ctrlCh <- ctrlMsg{kind: ctrlSubscribe, channel: ch}:
	case <-e.done:
	}
}

// ChannelUnsubscribed implements registry.Listener.
func (e *Engine) ChannelUnsubscribed(channelID string) {
	select {
	case e.ctrlCh <- ctrlMsg{kind: ctrlUnsubscribe, channelID: channelID}:
	case <-e.done:
	}
}

// Run is the event loop. It returns when the context ends.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)

	ticker := time.NewTicker(retryCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-e.inboundCh:
			e.handleInbound(ctx, data)

		case msg := <-e.ctrlCh:
			e.handleCtrl(ctx, msg)

		case <-ticker.C:
			e.checkBackfills(ctx)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleInbound routes one raw frame by its op.
func (e *Engine) handleInbound(ctx context.Context, data []byte) {
	switch op := gjson.GetBytes(data, "op").Str; op {
	case transport.OpEvent:
		var msg transport.EventMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			e.logger.Warn("failed to decode event", slog.String("error", err.Error()))

			return
		}
		e.ingest(ctx, msg, false)

	case transport.OpBackfillResponse:
		var resp transport.BackfillResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			e.logger.Warn("failed to decode backfill response", slog.String("error", err.Error()))

			return
		}
		e.handleBackfillResponse(ctx, resp)

	default:
		e.logger.Debug("unexpected message", slog.String("op", op))
	}
}

func (e *Engine) handleCtrl(ctx context.Context, msg ctrlMsg) {
	switch msg.kind {
	case ctrlSubscribe:
		id := msg.channel.ID()
		// Initialize tracking without resetting anything that exists:
		// Get returns the current (or zero) state and Set persists it.
		e.cfg.States.Set(id, e.cfg.States.Get(id))
		e.send(ctx, transport.SubscribeMessage{Op: transport.OpSubscribe, Channel: id})

	case ctrlUnsubscribe:
		delete(e.backfills, msg.channelID)
		e.send(ctx, transport.UnsubscribeMessage{Op: transport.OpUnsubscribe, Channel: msg.channelID})

	case ctrlReconnected:
		for _, ch := range e.cfg.Registry.List() {
			id := ch.ID()
			e.send(ctx, transport.SubscribeMessage{Op: transport.OpSubscribe, Channel: id})

			st := e.cfg.States.Get(id)
			if st.CatchUpInProgress {
				// The old connection took any in-flight request with it.
				// Re-issue without bumping the attempt count.
				e.issueBackfill(ctx, id, st, false)
			}
		}
	}
}

// ingest applies the gap-detection algorithm to one event. fromBackfill
// suppresses issuing new backfill requests mid-batch; the caller
// re-evaluates once the whole page is applied.
func (e *Engine) ingest(ctx context.Context, msg transport.EventMessage, fromBackfill bool) {
	id := msg.ChannelID()

	// The server should not send events for unsubscribed channels, but a
	// race with unsubscribe must not crash or leak tracking state.
	if !e.cfg.Registry.IsSubscribed(id) {
		e.logger.Debug("dropping event for unsubscribed channel", slog.String("channel", id))

		return
	}

	ev := msg.Event()
	st := e.cfg.States.Get(id)
	st.TotalReceived++

	// Legacy payloads without a sequence are shown but never tracked.
	if !ev.Tracked() {
		if e.cfg.Cache.Append(ev) {
			e.signalNewEvent(id, ev)
		}
		e.setState(id, st)

		return
	}

	switch {
	case ev.Sequence <= st.HighestContiguousSequence:
		// Duplicate or already delivered: count it, nothing else.
		e.setState(id, st)

	case ev.Sequence == st.HighestContiguousSequence+1:
		if e.cfg.Cache.Append(ev) {
			e.signalNewEvent(id, ev)
		}
		st.HighestContiguousSequence = ev.Sequence
		if st.HighestSeenSequence < ev.Sequence {
			st.HighestSeenSequence = ev.Sequence
		}
		st = e.rollForward(id, st)
		e.setState(id, st)

	default:
		// Gap. The event is still real: cache it now (display is sorted
		// by sequence regardless), only the tracking mark waits.
		if e.cfg.Cache.Append(ev) {
			e.signalNewEvent(id, ev)
		}
		if st.HighestSeenSequence < ev.Sequence {
			st.HighestSeenSequence = ev.Sequence
		}
		st.CatchUpInProgress = true
		e.setState(id, st)

		if !fromBackfill {
			e.ensureBackfill(ctx, id, st)
		}
	}
}

// rollForward advances the contiguity mark over events that are already
// cached, closing the gap when a backfill (or out-of-order delivery)
// completed the range.
func (e *Engine) rollForward(id string, st alert.SyncState) alert.SyncState {
	for e.cfg.Cache.HasSequence(id, st.HighestContiguousSequence+1) {
		st.HighestContiguousSequence++
	}
	if st.HighestSeenSequence < st.HighestContiguousSequence {
		st.HighestSeenSequence = st.HighestContiguousSequence
	}

	if st.CatchUpInProgress && st.HighestContiguousSequence == st.HighestSeenSequence {
		st.CatchUpInProgress = false
		delete(e.backfills, id)
		e.logger.Info("caught up",
			slog.String("channel", id),
			slog.Int64("sequence", st.HighestContiguousSequence),
		)
	}

	return st
}

// ensureBackfill requests the missing range if no request is in flight
// and the channel is not in a retry backoff window.
func (e *Engine) ensureBackfill(ctx context.Context, id string, st alert.SyncState) {
	bf, ok := e.backfills[id]
	if ok && (bf.awaiting || e.now().Before(bf.nextAttempt)) {
		return
	}

	e.issueBackfill(ctx, id, st, ok)
}

// issueBackfill sends a backfill request for everything between the
// contiguity mark and the highest seen sequence. keepAttempts preserves
// the attempt count of an existing entry (retries, reconnects).
func (e *Engine) issueBackfill(ctx context.Context, id string, st alert.SyncState, keepAttempts bool) {
	bf := e.backfills[id]
	if bf == nil || !keepAttempts {
		attempts := 0
		if bf != nil {
			attempts = bf.attempts
		}
		bf = &backfill{attempts: attempts}
		e.backfills[id] = bf
	}

	bf.from = st.HighestContiguousSequence
	bf.to = st.HighestSeenSequence
	bf.awaiting = true
	bf.deadline = e.now().Add(e.cfg.BackfillTimeout)

	e.logger.Info("requesting backfill",
		slog.String("channel", id),
		slog.Int64("from", bf.from),
		slog.Int64("to", bf.to),
		slog.Int("attempt", bf.attempts+1),
	)

	e.send(ctx, transport.BackfillRequest{
		Op:      transport.OpBackfillRequest,
		Channel: id,
		From:    bf.from,
		To:      bf.to,
	})
}

// handleBackfillResponse applies one page of replayed events and decides
// whether the catch-up is finished, continuing, or has to be retried.
func (e *Engine) handleBackfillResponse(ctx context.Context, resp transport.BackfillResponse) {
	id := resp.Channel

	// Same guard as ingest: a response for a channel we no longer (or
	// never) subscribe to must not create tracking state for it.
	if !e.cfg.Registry.IsSubscribed(id) {
		delete(e.backfills, id)
		e.logger.Debug("dropping backfill response for unsubscribed channel", slog.String("channel", id))

		return
	}

	bf := e.backfills[id]

	events := resp.Events
	sort.Slice(events, func(i, j int) bool { return events[i].Sequence < events[j].Sequence })

	before := e.cfg.States.Get(id).HighestContiguousSequence
	for _, msg := range events {
		if msg.Channel == "" && msg.Area == "" {
			msg.Channel = id
		}
		e.ingest(ctx, msg, true)
	}

	st := e.cfg.States.Get(id)
	st = e.rollForward(id, st)
	e.setState(id, st)

	if !st.CatchUpInProgress {
		return
	}

	if bf == nil {
		// Unsolicited page with a gap still open; treat like a fresh gap.
		e.ensureBackfill(ctx, id, st)

		return
	}

	if st.HighestContiguousSequence > before {
		// Progress resets the retry budget for the remaining range.
		bf.attempts = 0
	}

	if !resp.Final {
		// More pages coming for this request; push the deadline out.
		bf.deadline = e.now().Add(e.cfg.BackfillTimeout)

		return
	}

	// Final page but the gap is still open. Should not normally happen;
	// retry with backoff up to the cap rather than looping.
	bf.awaiting = false
	bf.attempts++
	e.logger.Warn("backfill final page left a gap",
		slog.String("channel", id),
		slog.Int64("contiguous", st.HighestContiguousSequence),
		slog.Int64("seen", st.HighestSeenSequence),
		slog.Int("attempts", bf.attempts),
	)

	if bf.attempts >= e.cfg.BackfillMaxAttempts {
		e.giveUp(id, st)

		return
	}

	bf.nextAttempt = e.now().Add(retryDelay(bf.attempts))
}

// checkBackfills times out in-flight requests and re-issues ones whose
// backoff window has passed.
func (e *Engine) checkBackfills(ctx context.Context) {
	now := e.now()
	for id, bf := range e.backfills {
		st := e.cfg.States.Get(id)
		if !st.CatchUpInProgress {
			delete(e.backfills, id)

			continue
		}

		if bf.awaiting {
			if now.Before(bf.deadline) {
				continue
			}

			bf.awaiting = false
			bf.attempts++
			e.logger.Warn("backfill request timed out",
				slog.String("channel", id),
				slog.Int("attempts", bf.attempts),
			)

			if bf.attempts >= e.cfg.BackfillMaxAttempts {
				e.giveUp(id, st)

				continue
			}

			bf.nextAttempt = now.Add(retryDelay(bf.attempts))

			continue
		}

		if !now.Before(bf.nextAttempt) {
			e.issueBackfill(ctx, id, st, true)
		}
	}
}

// giveUp accepts a gap that could not be closed: the contiguity mark
// jumps to the highest seen sequence and the channel is flagged stale.
// Diagnostic only; live delivery continues and the cached events below
// the mark may simply have holes.
func (e *Engine) giveUp(id string, st alert.SyncState) {
	delete(e.backfills, id)

	st.HighestContiguousSequence = st.HighestSeenSequence
	st.CatchUpInProgress = false
	st.Stale = true
	e.setState(id, st)

	e.logger.Warn("backfill exhausted, marking channel stale",
		slog.String("channel", id),
		slog.Int64("sequence", st.HighestSeenSequence),
	)
}

func retryDelay(attempts int) time.Duration {
	shift := attempts - 1
	if shift < 0 {
		shift = 0
	}
	if shift > maxRetryShift {
		shift = maxRetryShift
	}

	delay := backfillRetryBase * time.Duration(1<<shift)
	if delay > backfillRetryMax {
		delay = backfillRetryMax
	}

	return delay
}

func (e *Engine) setState(id string, st alert.SyncState) {
	e.cfg.States.Set(id, st)

	if e.cfg.Signals.SyncStateChanged != nil {
		e.cfg.Signals.SyncStateChanged(id, st)
	}
}

func (e *Engine) signalNewEvent(id string, ev alert.Event) {
	if e.cfg.Signals.NewEvent == nil || e.cfg.Registry.IsMuted(id) {
		return
	}

	e.cfg.Signals.NewEvent(id, ev)
}

// send forwards a control message to the transport. Send errors are
// logged, not propagated: a failed send means the connection is dying
// and the reconnect path re-issues everything.
func (e *Engine) send(ctx context.Context, v any) {
	if err := e.cfg.Transport.Send(ctx, v); err != nil {
		e.logger.Warn("send failed", slog.String("error", err.Error()))
	}
}
