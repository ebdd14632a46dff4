package errors

import "errors"

// Transport errors.
var (
	ErrHandshakeRejected = errors.New("handshake rejected")
	ErrHeartbeatTimeout  = errors.New("heartbeat timeout")
)

// Cache and registry errors.
var (
	ErrEventNotCached = errors.New("event not cached")
	ErrNotSubscribed  = errors.New("channel not subscribed")
)
