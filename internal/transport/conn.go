// Package transport owns the full-duplex message stream to the alert
// server: dialing, the init handshake, heartbeats, and reconnect with
// exponential backoff. It knows nothing about channels or sequence
// numbers; inbound frames go to a single handler in receipt order and
// outbound sends are dropped while disconnected (the engine re-issues
// control messages after each reconnect).
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/alexjbarnes/alertsync/internal/errors"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	// pingAfter is how long the connection may sit idle before a ping.
	pingAfter = 10 * time.Second

	// disconnectAfter is how long without any server frame before the
	// connection is declared dead and redialed.
	disconnectAfter = 120 * time.Second

	// heartbeatCheckAt is the tick interval for the idle checks above.
	heartbeatCheckAt = 20 * time.Second

	// readLimit caps a single inbound frame. Backfill pages are bounded
	// server-side; 4MB leaves generous headroom.
	readLimit = 4 * 1024 * 1024

	// inboundChanSize buffers frames between the reader goroutine and
	// the session loop.
	inboundChanSize = 64

	// jitterDivisor controls reconnect jitter: uniform in
	// [0, backoff/jitterDivisor).
	jitterDivisor = 2
)

// State is the connection lifecycle signal surfaced to the UI.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

//go:generate mockgen -source=conn.go -destination=mock_conn_test.go -package=transport

// wsConn abstracts the WebSocket connection so Conn can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// Dialer opens a raw WebSocket. Injectable for tests.
type Dialer func(ctx context.Context) (wsConn, error)

// Config holds the parameters for a Conn.
type Config struct {
	Host   string
	Device string

	// TokenProvider supplies the bearer credential for the handshake.
	// Called on every (re)connect so refreshed tokens are picked up.
	TokenProvider func() string

	ReconnectMin time.Duration
	ReconnectMax time.Duration

	// Handler receives every non-heartbeat inbound frame, one at a time,
	// in receipt order.
	Handler func(data []byte)

	// OnConnect fires after each successful handshake, before any
	// inbound frame is delivered. The engine re-sends subscriptions and
	// catch-up requests from it.
	OnConnect func()

	OnStateChange func(State)

	// Dial overrides the default wss dialer. Tests only.
	Dial Dialer
}

// inboundFrame wraps a frame read by the reader goroutine.
type inboundFrame struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// Conn is the reconnecting transport connection. Run drives it; Connect
// and Disconnect gate whether it should be online at all.
type Conn struct {
	logger *slog.Logger
	cfg    Config
	dial   Dialer

	// writeMu serializes frame writes: the session loop sends pings
	// while the engine sends control messages.
	writeMu sync.Mutex
	conn    wsConn

	stateMu sync.RWMutex
	state   State
	enabled bool

	// connectCh wakes Run when Connect is called while offline.
	connectCh chan struct{}

	lastMsg   time.Time
	lastMsgMu sync.Mutex
}

// New creates a Conn. Call Connect to bring it online and Run to drive it.
func New(cfg Config, logger *slog.Logger) *Conn {
	c := &Conn{
		logger:    logger,
		cfg:       cfg,
		dial:      cfg.Dial,
		connectCh: make(chan struct{}, 1),
	}

	if c.dial == nil {
		c.dial = func(ctx context.Context) (wsConn, error) {
			conn, _, err := websocket.Dial(ctx, "wss://"+cfg.Host, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
				HTTPHeader: http.Header{
					"User-Agent": []string{"alertsync/1.0"},
				},
			})
			if err != nil {
				return nil, err
			}

			return conn, nil
		}
	}

	return c
}

// Connect marks the connection as wanted. Never fails; dial errors feed
// the retry loop inside Run.
func (c *Conn) Connect() {
	c.stateMu.Lock()
	already := c.enabled
	c.enabled = true
	c.stateMu.Unlock()

	if already {
		return
	}

	select {
	case c.connectCh <- struct{}{}:
	default:
	}
}

// Disconnect closes deliberately and suppresses reconnects until Connect
// is called again. Idempotent.
func (c *Conn) Disconnect() {
	c.stateMu.Lock()
	c.enabled = false
	conn := c.conn
	c.stateMu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "bye")
	}
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()

	return c.state
}

// Send marshals v and writes it as a text frame. Messages sent while
// disconnected are dropped: the transport does not buffer, the engine
// re-issues control messages after reconnect.
func (c *Conn) Send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	c.stateMu.RLock()
	conn := c.conn
	connected := c.state == StateConnected
	c.stateMu.RUnlock()

	if !connected || conn == nil {
		c.logger.Debug("dropping message, not connected",
			slog.String("op", gjson.GetBytes(data, "op").Str),
		)

		return nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return conn.Write(ctx, websocket.MessageText, data)
}

// Run drives the connection until the context ends: waits for Connect,
// dials with exponential backoff plus jitter, runs the session, redials
// on failure. Deliberate Disconnect sends it back to waiting.
func (c *Conn) Run(ctx context.Context) error {
	for {
		if !c.isEnabled() {
			c.setState(StateDisconnected)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.connectCh:
				continue
			}
		}

		backoff := c.cfg.ReconnectMin

		for c.isEnabled() {
			err := c.session(ctx, &backoff)
			if ctx.Err() != nil {
				return ctx.Err()
			}

			if err == nil || !c.isEnabled() {
				// Deliberate disconnect.
				break
			}

			c.setState(StateDisconnected)
			c.logger.Warn("connection lost, reconnecting",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)

			var jitter time.Duration
			if span := int64(backoff) / jitterDivisor; span > 0 {
				jitter = time.Duration(rand.Int64N(span))
			}
			timer := time.NewTimer(backoff + jitter)
			select {
			case <-ctx.Done():
				timer.Stop()

				return ctx.Err()
			case <-timer.C:
			}

			backoff = min(backoff*2, c.cfg.ReconnectMax)
		}

		c.setState(StateDisconnected)
	}
}

// session dials, handshakes and pumps frames until the connection dies.
// backoff is reset once the handshake succeeds, so the next failure
// starts the ladder from the bottom again.
func (c *Conn) session(ctx context.Context, backoff *time.Duration) error {
	c.setState(StateConnecting)

	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("dialing: %w", err)
	}
	conn.SetReadLimit(readLimit)

	c.stateMu.Lock()
	c.conn = conn
	c.stateMu.Unlock()

	if err := c.handshake(ctx, conn); err != nil {
		conn.Close(websocket.StatusInternalError, "handshake failed")

		return err
	}

	*backoff = c.cfg.ReconnectMin
	c.touchLastMessage()
	c.setState(StateConnected)
	c.logger.Info("connected", slog.String("host", c.cfg.Host))

	// Resubscription must land before any live frame is processed.
	if c.cfg.OnConnect != nil {
		c.cfg.OnConnect()
	}

	err = c.pump(ctx, conn)
	conn.Close(websocket.StatusGoingAway, "session ended")

	return err
}

// handshake sends init with the bearer token and waits for the ok.
func (c *Conn) handshake(ctx context.Context, conn wsConn) error {
	token := ""
	if c.cfg.TokenProvider != nil {
		token = c.cfg.TokenProvider()
	}

	init := InitMessage{Op: OpInit, Token: token, Device: c.cfg.Device}
	data, err := json.Marshal(init)
	if err != nil {
		return fmt.Errorf("marshalling init: %w", err)
	}

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("sending init: %w", err)
	}

	_, resp, err := conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading init response: %w", err)
	}

	var initResp InitResponse
	if err := json.Unmarshal(resp, &initResp); err != nil {
		return fmt.Errorf("decoding init response: %w", err)
	}

	if initResp.Res != "ok" {
		return fmt.Errorf("%w: %s", errors.ErrHandshakeRejected, initResp.Res)
	}

	return nil
}

// pump runs the reader goroutine and the heartbeat, delivering frames to
// the handler one at a time in receipt order.
func (c *Conn) pump(ctx context.Context, conn wsConn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	inbound := make(chan inboundFrame, inboundChanSize)
	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case inbound <- inboundFrame{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	for {
		select {
		case frame := <-inbound:
			if frame.err != nil {
				return fmt.Errorf("reading frame: %w", frame.err)
			}
			c.touchLastMessage()

			if frame.typ == websocket.MessageBinary {
				c.logger.Debug("unexpected binary frame", slog.Int("bytes", len(frame.data)))

				continue
			}

			if gjson.GetBytes(frame.data, "op").Str == OpPong {
				continue
			}

			if c.cfg.Handler != nil {
				c.cfg.Handler(frame.data)
			}

		case <-ticker.C:
			c.lastMsgMu.Lock()
			elapsed := time.Since(c.lastMsg)
			c.lastMsgMu.Unlock()

			if elapsed > disconnectAfter {
				c.logger.Warn("connection timed out, closing")

				return errors.ErrHeartbeatTimeout
			}

			if elapsed > pingAfter {
				if err := c.writePing(ctx, conn); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Conn) writePing(ctx context.Context, conn wsConn) error {
	data, err := json.Marshal(map[string]string{"op": OpPing})
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return conn.Write(ctx, websocket.MessageText, data)
}

func (c *Conn) isEnabled() bool {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()

	return c.enabled
}

func (c *Conn) setState(s State) {
	c.stateMu.Lock()
	changed := c.state != s
	c.state = s
	c.stateMu.Unlock()

	if changed && c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(s)
	}
}

func (c *Conn) touchLastMessage() {
	c.lastMsgMu.Lock()
	c.lastMsg = time.Now()
	c.lastMsgMu.Unlock()
}
