// Package wsock implements the engine's WebSocket transport: a dialing
// client side with keepalive and reconnect, and an optional listener side
// for embedding a server behind a WebSocket front end.
package wsock

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"gopkg.in/cenkalti/backoff.v1"

	"github.com/mcpcore/engine/transport"
)

const keepaliveInterval = 25 * time.Second

// Config configures the client dial side.
type Config struct {
	URL          string
	Subprotocols []string
	BearerToken  string
	// ReconnectEnabled drives an automatic redial from the read loop itself
	// (spec §4.5's "same shape as HTTP+SSE" reconnect) whenever the
	// connection drops for a reason other than an explicit Disconnect. Off
	// by default; a caller that wants the existing manual Reconnect instead
	// of automatic retries can leave this unset.
	ReconnectEnabled bool
	MaxReconnects    int // 0 means no attempt cap; Reconnect still stops when the backoff reports Stop
	HandshakeHeader  http.Header
}

// Transport implements transport.Transport by dialing a WebSocket server
// and exchanging JSON-RPC frames as text messages.
type Transport struct {
	*transport.Base

	cfg     Config
	dialer  *websocket.Dialer
	mu      sync.Mutex
	conn    *websocket.Conn
	closing bool
	closeCh chan struct{}
}

// New builds a client-side Transport for cfg.
func New(logger *zap.Logger, cfg Config) *Transport {
	return &Transport{
		Base:    transport.NewBase(logger, 64),
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		closeCh: make(chan struct{}),
	}
}

// Connect dials the server, then starts the read loop and the empty-frame
// keepalive ticker.
func (t *Transport) Connect(ctx context.Context) error {
	t.SetState(transport.Connecting)

	conn, err := t.dial(ctx)
	if err != nil {
		t.SetState(transport.Error)
		return fmt.Errorf("wsock: dial: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.closing = false
	t.mu.Unlock()

	gen := make(chan struct{})
	go t.readLoop(gen)
	go t.keepaliveLoop(gen)

	t.SetState(transport.Connected)
	return nil
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	header := t.cfg.HandshakeHeader.Clone()
	if header == nil {
		header = http.Header{}
	}
	if t.cfg.BearerToken != "" {
		header.Set("Authorization", "Bearer "+t.cfg.BearerToken)
	}
	t.dialer.Subprotocols = t.cfg.Subprotocols

	conn, _, err := t.dialer.DialContext(ctx, t.cfg.URL, header)
	return conn, err
}

// readLoop owns one connection generation. On an abnormal read error it
// retires that generation's keepaliveLoop and, if cfg.ReconnectEnabled and
// the drop wasn't from an explicit Disconnect, redials in place and hands
// off to the new generation's loops rather than tearing the transport down.
func (t *Transport) readLoop(gen chan struct{}) {
	for {
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			break
		}
		kind, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			closing := t.closing
			t.mu.Unlock()
			if !isNormalClose(err) && !closing {
				t.EmitError(fmt.Errorf("wsock: read: %w", err))
			}
			closeOnce(gen)
			if !closing && t.cfg.ReconnectEnabled && t.autoReconnect() {
				return // a new generation's loops have taken over
			}
			break
		}
		if kind != websocket.TextMessage || len(data) == 0 {
			continue // empty-frame keepalive from the peer
		}
		frame := make([]byte, len(data))
		copy(frame, data)
		t.EmitMessage(frame)
	}

	closeOnce(gen)
	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.mu.Unlock()
	t.SetState(transport.Disconnected)
	t.CloseChannels()
}

// autoReconnect redials with Reconnect's backoff/bound policy, reporting
// failure as a transport error rather than propagating it, since it runs
// off the read loop rather than a caller awaiting Connect.
func (t *Transport) autoReconnect() bool {
	t.SetState(transport.Connecting)
	if err := t.Reconnect(context.Background()); err != nil {
		t.EmitError(fmt.Errorf("wsock: auto-reconnect failed: %w", err))
		return false
	}
	return true
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

func closeOnce(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// keepaliveLoop sends an empty text frame periodically, matching the
// spec's "empty text frame as keepalive" convention rather than WebSocket
// ping/pong control frames (which some intermediaries strip). It exits
// when its own connection generation ends (gen) or the transport is
// explicitly disconnected (closeCh).
func (t *Transport) keepaliveLoop(gen chan struct{}) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.mu.Lock()
			conn := t.conn
			t.mu.Unlock()
			if conn == nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, nil); err != nil {
				return
			}
		case <-gen:
			return
		case <-t.closeCh:
			return
		}
	}
}

// Disconnect sends a close frame and tears the connection down, suppressing
// any automatic reconnect the read loop would otherwise attempt.
func (t *Transport) Disconnect(ctx context.Context) error {
	if t.State() == transport.Disconnected {
		return nil
	}
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		return nil
	}
	t.closing = true
	conn := t.conn
	t.mu.Unlock()

	t.SetState(transport.Disconnecting)
	closeOnce(t.closeCh)
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
	return nil
}

// Send writes one frame as a text message.
func (t *Transport) Send(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("wsock: not connected")
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("wsock: write: %w", err)
	}
	return nil
}

// Reconnect redials with exponential backoff, bounded by cfg.MaxReconnects
// when non-zero.
func (t *Transport) Reconnect(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	attempt := 0
	for {
		attempt++
		if t.cfg.MaxReconnects > 0 && attempt > t.cfg.MaxReconnects {
			return fmt.Errorf("wsock: exhausted %d reconnect attempts", t.cfg.MaxReconnects)
		}
		if err := t.Connect(ctx); err == nil {
			return nil
		}
		d := b.NextBackOff()
		if d == backoff.Stop {
			return fmt.Errorf("wsock: backoff exhausted after %d attempts", attempt)
		}
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ListenerConfig configures the optional server-side WebSocket front end.
type ListenerConfig struct {
	Addr              string
	Path              string
	Subprotocols      []string
	RequireOrigin     string
	RequireBearer     string
	TLSCert           *tls.Certificate
	// MaxConcurrentConn bounds how many clients may be connected at once.
	// Spec §4.5 requires at most one; 0 (the zero value) means exactly that
	// default. A caller that genuinely wants more must set it explicitly.
	MaxConcurrentConn int
}

// Listener accepts inbound WebSocket connections and hands each one to
// accept as a raw *websocket.Conn, which the caller wraps in a session
// transport (mirroring unixfront's per-connection session construction).
type Listener struct {
	cfg      ListenerConfig
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu      sync.Mutex
	active  int
	server  *http.Server
}

// NewListener builds a Listener from cfg. An unset MaxConcurrentConn
// defaults to 1, matching spec §4.5's "at most one client" rule.
func NewListener(logger *zap.Logger, cfg ListenerConfig) *Listener {
	if cfg.MaxConcurrentConn <= 0 {
		cfg.MaxConcurrentConn = 1
	}
	return &Listener{
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			Subprotocols:    cfg.Subprotocols,
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.RequireOrigin == "" {
					return true
				}
				return r.Header.Get("Origin") == cfg.RequireOrigin
			},
		},
	}
}

// Serve starts accepting connections, invoking accept for each successfully
// upgraded and authenticated connection. It blocks until ctx is cancelled.
func (l *Listener) Serve(ctx context.Context, accept func(conn *websocket.Conn)) error {
	mux := http.NewServeMux()
	mux.HandleFunc(l.cfg.Path, func(w http.ResponseWriter, r *http.Request) {
		if l.cfg.RequireBearer != "" {
			if r.Header.Get("Authorization") != "Bearer "+l.cfg.RequireBearer {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		conn, err := l.upgrader.Upgrade(w, r, nil)
		if err != nil {
			l.logger.Warn("wsock: upgrade failed", zap.Error(err))
			return
		}

		l.mu.Lock()
		if l.cfg.MaxConcurrentConn > 0 && l.active >= l.cfg.MaxConcurrentConn {
			l.mu.Unlock()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "too many connections"),
				time.Now().Add(time.Second))
			conn.Close()
			return
		}
		l.active++
		l.mu.Unlock()

		defer func() {
			l.mu.Lock()
			l.active--
			l.mu.Unlock()
		}()

		accept(conn)
	})

	l.server = &http.Server{Addr: l.cfg.Addr, Handler: mux}
	if l.cfg.TLSCert != nil {
		l.server.TLSConfig = &tls.Config{Certificates: []tls.Certificate{*l.cfg.TLSCert}}
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if l.cfg.TLSCert != nil {
			err = l.server.ListenAndServeTLS("", "")
		} else {
			err = l.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return l.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
