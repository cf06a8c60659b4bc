// Package session implements the role-agnostic connection state machine,
// pending-request correlation table, and in-order message dispatch loop
// that both the client and server roles drive.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mcpcore/engine/protocol"
	"github.com/mcpcore/engine/transport"
)

// State is the session lifecycle (spec §5): Disconnected -> Connecting ->
// Initializing -> Ready -> Closing -> Disconnected, with a terminal Error.
type State int

const (
	Disconnected State = iota
	Connecting
	Initializing
	Ready
	Closing
	Error
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Closing:
		return "closing"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// ErrProtocolVersionMismatch is returned from Connect when the peer
// negotiates a protocol version this engine does not recognize as
// compatible (Open Question in spec §9, resolved here as a hard error
// rather than a silent downgrade).
var ErrProtocolVersionMismatch = protocol.ErrProtocolVersionMismatch

// Dispatcher handles one decoded inbound Message. Implementations are the
// client and server roles; exactly one call is in flight per session at a
// time (see Session.runDispatchLoop).
type Dispatcher interface {
	// HandleRequest answers a peer-initiated request, returning the raw
	// result to place in the Response (or an error to place in an
	// ErrorResponse).
	HandleRequest(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, *protocol.JSONRPCError)
	// HandleNotification processes a peer-initiated notification. No reply
	// is ever sent, by protocol definition.
	HandleNotification(ctx context.Context, method string, params json.RawMessage)
}

// Session owns one transport connection and drives the dispatch loop.
// Grounded on the teacher's BaseSession (status field + mutex, output
// channel) and RequestManager (pending-request correlation), collapsed
// into a single type since this engine has no separate downstream/gateway
// split.
type Session struct {
	mu    sync.RWMutex
	state State

	id string

	transport  transport.Transport
	dispatcher Dispatcher
	pending    *pendingTable
	logger     *zap.Logger

	negotiatedVersion string

	stateObservers []func(State)

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Session bound to t, dispatching peer-initiated traffic
// to d. Start must be called before any Send* method.
func New(logger *zap.Logger, id string, t transport.Transport, d Dispatcher) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		id:         id,
		transport:  t,
		dispatcher: d,
		pending:    newPendingTable(logger.With(zap.String("session", id))),
		logger:     logger.With(zap.String("session", id)),
		done:       make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// OnStateChange registers an observer invoked synchronously every time the
// state transitions. Intended for connection-lifecycle logging/metrics,
// not for blocking work.
func (s *Session) OnStateChange(fn func(State)) {
	s.mu.Lock()
	s.stateObservers = append(s.stateObservers, fn)
	s.mu.Unlock()
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	observers := append([]func(State){}, s.stateObservers...)
	s.mu.Unlock()

	s.logger.Debug("state transition", zap.String("state", st.String()))
	for _, fn := range observers {
		fn(st)
	}
}

// NegotiatedVersion returns the protocol version agreed during initialize,
// empty until Ready.
func (s *Session) NegotiatedVersion() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.negotiatedVersion
}

func (s *Session) setNegotiatedVersion(v string) {
	s.mu.Lock()
	s.negotiatedVersion = v
	s.mu.Unlock()
}

// Start transitions into Connecting, connects the transport, and launches
// the dispatch loop. It does not itself perform the initialize handshake;
// that is role-specific (client.Connect / server accept) and runs on top
// of SendRequest/SendNotification once Start returns.
func (s *Session) Start(ctx context.Context) error {
	s.setState(Connecting)
	if err := s.transport.Connect(ctx); err != nil {
		s.setState(Error)
		return fmt.Errorf("session: transport connect: %w", err)
	}
	s.setState(Initializing)

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.runDispatchLoop(runCtx)
	return nil
}

// MarkReady transitions Initializing -> Ready once the handshake completes.
func (s *Session) MarkReady(negotiatedVersion string) {
	s.setNegotiatedVersion(negotiatedVersion)
	s.setState(Ready)
}

// runDispatchLoop is the single goroutine that owns inbound processing for
// this session. Unlike the teacher's shared/input.go, which spawns a new
// goroutine per inbound message, this loop processes exactly one message
// at a time so request/notification order as seen by the Dispatcher always
// matches wire order (spec §9 REDESIGN FLAG).
func (s *Session) runDispatchLoop(ctx context.Context) {
	defer close(s.done)
	defer s.finalize()

	for {
		select {
		case frame, ok := <-s.transport.Messages():
			if !ok {
				return
			}
			s.handleFrame(ctx, frame)
		case err, ok := <-s.transport.Errors():
			if !ok {
				continue
			}
			s.logger.Warn("transport error", zap.Error(err))
		case st, ok := <-s.transport.StateChanges():
			if !ok {
				continue
			}
			if st == transport.Disconnected || st == transport.Error {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) handleFrame(ctx context.Context, frame []byte) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		s.logger.Warn("failed to decode inbound frame", zap.Error(err))
		return
	}

	switch {
	case msg.IsResponse(), msg.IsError():
		s.pending.resolve(msg)
	case msg.IsNotification():
		if msg.Method == "notifications/cancelled" {
			s.handleCancelled(msg.Params)
			return
		}
		s.dispatcher.HandleNotification(ctx, msg.Method, msg.Params)
	case msg.IsRequest():
		s.handleInboundRequest(ctx, msg)
	}
}

func (s *Session) handleCancelled(params json.RawMessage) {
	var body struct {
		RequestID json.RawMessage `json:"requestId"`
		Reason    string          `json:"reason"`
	}
	if err := json.Unmarshal(params, &body); err != nil {
		s.logger.Warn("malformed notifications/cancelled", zap.Error(err))
		return
	}
	var id protocol.RequestID
	if err := json.Unmarshal(body.RequestID, &id); err != nil {
		return
	}
	s.pending.cancel(id, fmt.Errorf("request cancelled by peer: %s", body.Reason))
}

func (s *Session) handleInboundRequest(ctx context.Context, msg *protocol.Message) {
	result, jerr := s.dispatcher.HandleRequest(ctx, msg.Method, msg.Params)
	if jerr != nil {
		s.sendErrorFrame(ctx, msg.ID, jerr)
		return
	}
	s.sendResponseFrame(ctx, msg.ID, result)
}

func (s *Session) sendResponseFrame(ctx context.Context, id protocol.RequestID, result json.RawMessage) {
	frame, err := protocol.Encode(protocol.NewResponse(id, result))
	if err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
		return
	}
	if err := s.transport.Send(ctx, frame); err != nil {
		s.logger.Warn("failed to send response", zap.Error(err))
	}
}

func (s *Session) sendErrorFrame(ctx context.Context, id protocol.RequestID, jerr *protocol.JSONRPCError) {
	frame, err := protocol.Encode(protocol.NewErrorResponse(id, jerr))
	if err != nil {
		s.logger.Error("failed to encode error response", zap.Error(err))
		return
	}
	if err := s.transport.Send(ctx, frame); err != nil {
		s.logger.Warn("failed to send error response", zap.Error(err))
	}
}

// SendRequest sends method/params and blocks until the matching response
// arrives, ctx is cancelled, or the session tears down.
func (s *Session) SendRequest(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	id := s.pending.nextID()
	resultCh := make(chan *protocol.Message, 1)
	errCh := make(chan error, 1)
	s.pending.register(id, func(msg *protocol.Message, cbErr error) {
		if cbErr != nil {
			errCh <- cbErr
			return
		}
		resultCh <- msg
	})

	frame, err := protocol.Encode(protocol.NewRequest(id, method, raw))
	if err != nil {
		s.pending.cancel(id, err)
		return nil, err
	}
	if err := s.transport.Send(ctx, frame); err != nil {
		s.pending.cancel(id, err)
		return nil, fmt.Errorf("session: send request: %w", err)
	}

	select {
	case msg := <-resultCh:
		if msg.IsError() {
			return nil, msg.Err
		}
		return msg.Result, nil
	case err := <-errCh:
		return nil, err
	case <-ctx.Done():
		s.pending.cancel(id, ctx.Err())
		return nil, ctx.Err()
	case <-s.done:
		return nil, protocol.ErrNotConnected
	}
}

// SendNotification sends a one-way notification; there is no response to
// wait for by protocol definition.
func (s *Session) SendNotification(ctx context.Context, method string, params interface{}) error {
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	frame, err := protocol.Encode(protocol.NewNotification(method, raw))
	if err != nil {
		return err
	}
	return s.transport.Send(ctx, frame)
}

func marshalParams(params interface{}) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("session: marshal params: %w", err)
	}
	return data, nil
}

// Close transitions through Closing to Disconnected, cancelling the
// dispatch loop and disconnecting the transport.
func (s *Session) Close(ctx context.Context) error {
	s.setState(Closing)
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
	return s.transport.Disconnect(ctx)
}

func (s *Session) finalize() {
	s.pending.cancelAll(protocol.ErrNotConnected)
	s.setState(Disconnected)
}
