// Package unixfront fronts the server role behind a Unix domain socket:
// each accepted connection gets its own newline-delimited-JSON transport
// and its own server.Server instance, mirroring one MCP session per
// connection.
package unixfront

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/mcpcore/engine/server"
	"github.com/mcpcore/engine/session"
	"github.com/mcpcore/engine/transport"
	"github.com/mcpcore/engine/transport/stdio"
)

// SessionFactory builds and registers a fresh server.Server over t, one per
// accepted connection. Grounded on the construction shape of the teacher's
// server/mcp/manager.go CreateSession, generalized from "session in a
// shared manager" to "one Server per accepted connection" since this
// engine has no multi-session manager of its own.
type SessionFactory func(t transport.Transport) *server.Server

// Event describes a Listener lifecycle occurrence.
type Event struct {
	Kind string // "session-created" | "session-closed" | "listener-error"
	Addr string
	Err  error
}

// Listener accepts connections on a Unix domain socket path.
type Listener struct {
	path    string
	logger  *zap.Logger
	factory SessionFactory

	events chan Event

	mu       sync.Mutex
	listener net.Listener
}

// New builds a Listener bound to socketPath. The socket file is created on
// Serve and removed on Close; a stale socket file left behind by a
// previous crashed process is removed before listening.
func New(logger *zap.Logger, socketPath string, factory SessionFactory) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		path:    socketPath,
		logger:  logger,
		factory: factory,
		events:  make(chan Event, 16),
	}
}

// Events yields session lifecycle notifications.
func (l *Listener) Events() <-chan Event { return l.events }

func (l *Listener) emit(ev Event) {
	select {
	case l.events <- ev:
	default:
		l.logger.Warn("dropped unixfront event, channel full", zap.String("kind", ev.Kind))
	}
}

// Serve removes any stale socket file, listens, and accepts connections
// until ctx is cancelled.
func (l *Listener) Serve(ctx context.Context) error {
	if err := removeStaleSocket(l.path); err != nil {
		return fmt.Errorf("unixfront: removing stale socket: %w", err)
	}

	ln, err := net.Listen("unix", l.path)
	if err != nil {
		return fmt.Errorf("unixfront: listen: %w", err)
	}
	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				l.emit(Event{Kind: "listener-error", Err: err})
				return fmt.Errorf("unixfront: accept: %w", err)
			}
		}
		go l.handle(ctx, conn)
	}
}

func (l *Listener) handle(ctx context.Context, conn net.Conn) {
	addr := conn.RemoteAddr().String()
	t := stdio.Attached(l.logger, conn, conn, nil)
	srv := l.factory(t)

	l.emit(Event{Kind: "session-created", Addr: addr})
	defer l.emit(Event{Kind: "session-closed", Addr: addr})

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// A per-connection session ends on its own timetable (the peer hangs
	// up, a read error occurs) independent of the listener's lifetime; tie
	// connCtx to the session's own terminal states so handle() returns and
	// emits session-closed right away instead of only at listener shutdown.
	srv.Session().OnStateChange(func(st session.State) {
		if st == session.Disconnected || st == session.Error {
			cancel()
		}
	})

	if err := srv.Start(connCtx); err != nil {
		l.logger.Warn("unixfront: session start failed", zap.Error(err), zap.String("addr", addr))
		return
	}

	<-connCtx.Done()
	closeCtx, closeCancel := context.WithCancel(context.Background())
	defer closeCancel()
	if err := srv.Close(closeCtx); err != nil {
		l.logger.Warn("unixfront: session close error", zap.Error(err), zap.String("addr", addr))
	}
}

// Close stops accepting connections and removes the socket file.
func (l *Listener) Close() error {
	l.mu.Lock()
	ln := l.listener
	l.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("unixfront: removing socket: %w", err)
	}
	return nil
}

func removeStaleSocket(path string) error {
	_, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	// A file exists at path from a previous run; since nothing else holds
	// this path, any leftover socket file here is stale.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
