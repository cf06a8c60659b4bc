package unixfront

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/mcpcore/engine/server"
	"github.com/mcpcore/engine/transport"
)

func TestListenerAcceptsConnectionAndCompletesHandshake(t *testing.T) {
	logger := zaptest.NewLogger(t)
	sockPath := filepath.Join(t.TempDir(), "mcp.sock")

	l := New(logger, sockPath, func(tr transport.Transport) *server.Server {
		return server.New(logger, "unixfront-test", tr, server.Info{Name: "unixfront-test", Version: "0"})
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErr := make(chan error, 1)
	go func() { serveErr <- l.Serve(ctx) }()

	// Wait for the socket file to become dialable.
	var conn net.Conn
	var err error
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err = net.Dial("unix", sockPath)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	select {
	case ev := <-l.Events():
		if ev.Kind != "session-created" {
			t.Fatalf("event = %+v, want session-created", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session-created event")
	}

	req := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-11-25","capabilities":{},"clientInfo":{"name":"c","version":"0"}}}` + "\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if !contains(line, `"serverInfo"`) {
		t.Errorf("response = %s, want a serverInfo field", line)
	}

	cancel()
	conn.Close()

	select {
	case err := <-serveErr:
		if err != nil {
			t.Errorf("Serve returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after context cancellation")
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
