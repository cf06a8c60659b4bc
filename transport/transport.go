// Package transport defines the wire-agnostic contract every concrete
// transport (stdio, HTTP+SSE, WebSocket) implements, plus a small
// embeddable base that gives each of them the same state machine and
// event-fan-out idiom the teacher uses for its sessions.
package transport

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// State is the lifecycle of a transport connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Disconnecting
	Error
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Transport is the contract a session drives. Send and the three event
// channels are safe for concurrent use; Connect/Disconnect are not meant to
// be called concurrently with themselves.
type Transport interface {
	// Connect establishes the underlying channel (spawns the subprocess,
	// opens the SSE stream, dials the websocket). It blocks until Connected
	// or a connection-time error.
	Connect(ctx context.Context) error

	// Disconnect tears the transport down. Idempotent.
	Disconnect(ctx context.Context) error

	// Send writes one already-encoded JSON-RPC message frame.
	Send(ctx context.Context, frame []byte) error

	// State returns the current lifecycle state.
	State() State

	// Messages yields one inbound frame per received message. Closed when
	// the transport reaches Disconnected for good.
	Messages() <-chan []byte

	// StateChanges yields a value every time State() transitions.
	StateChanges() <-chan State

	// Errors yields asynchronous transport-level errors (read-loop
	// failures, reconnect exhaustion) that do not map to a single Send call.
	Errors() <-chan error
}

// Base is embedded by every concrete transport. It owns the state machine
// and the three fan-out channels so each transport only has to call
// SetState/EmitMessage/EmitError from its own read loop.
type Base struct {
	mu    sync.RWMutex
	state State

	messages chan []byte
	states   chan State
	errs     chan error

	Logger *zap.Logger
}

// NewBase constructs a Base with buffered event channels. bufSize governs
// how many pending events may queue before a slow consumer blocks the
// transport's own read loop.
func NewBase(logger *zap.Logger, bufSize int) *Base {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bufSize <= 0 {
		bufSize = 32
	}
	return &Base{
		state:    Disconnected,
		messages: make(chan []byte, bufSize),
		states:   make(chan State, bufSize),
		errs:     make(chan error, bufSize),
		Logger:   logger,
	}
}

func (b *Base) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// SetState updates state and, if it changed, notifies StateChanges. A full
// states channel drops the notification rather than blocking the caller;
// State() remains authoritative regardless.
func (b *Base) SetState(s State) {
	b.mu.Lock()
	changed := b.state != s
	b.state = s
	b.mu.Unlock()
	if !changed {
		return
	}
	select {
	case b.states <- s:
	default:
		b.Logger.Warn("dropped state-change notification, channel full", zap.String("state", s.String()))
	}
}

func (b *Base) Messages() <-chan []byte   { return b.messages }
func (b *Base) StateChanges() <-chan State { return b.states }
func (b *Base) Errors() <-chan error      { return b.errs }

// EmitMessage delivers one inbound frame, blocking the caller (the
// transport's own read loop) until the session's dispatch loop drains it.
// A dropped frame could be a Response a pending request is still waiting
// on, which would violate the guarantee that every outstanding request is
// completed exactly once (spec §5/§8); backpressure onto the read loop is
// preferable to silently losing a protocol frame.
func (b *Base) EmitMessage(frame []byte) {
	b.messages <- frame
}

// EmitError reports an asynchronous transport error.
func (b *Base) EmitError(err error) {
	if err == nil {
		return
	}
	select {
	case b.errs <- err:
	default:
		b.Logger.Warn("dropped transport error, errors channel full", zap.Error(err))
	}
}

// CloseChannels closes all three event channels. Call once, after the
// transport has settled into a terminal Disconnected state.
func (b *Base) CloseChannels() {
	close(b.messages)
	close(b.states)
	close(b.errs)
}
