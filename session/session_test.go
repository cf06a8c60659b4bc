package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/mcpcore/engine/protocol"
	"github.com/mcpcore/engine/transport"
)

// fakeTransport is an in-memory transport.Transport double used to drive
// the session dispatch loop without any real I/O, mirroring the
// stdio/httpsse/wsock transports' Base-embedding shape.
type fakeTransport struct {
	*transport.Base
	mu   sync.Mutex
	sent [][]byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{Base: transport.NewBase(nil, 32)}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.SetState(transport.Connected)
	return nil
}

func (f *fakeTransport) Disconnect(ctx context.Context) error {
	f.SetState(transport.Disconnected)
	f.CloseChannels()
	return nil
}

func (f *fakeTransport) Send(ctx context.Context, frame []byte) error {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	f.mu.Lock()
	f.sent = append(f.sent, cp)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) sentFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

// echoDispatcher answers every request with {"ok":true} and records
// inbound notifications.
type echoDispatcher struct {
	notifications []string
}

func (d *echoDispatcher) HandleRequest(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, *protocol.JSONRPCError) {
	if method == "fails" {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "nope")
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func (d *echoDispatcher) HandleNotification(ctx context.Context, method string, params json.RawMessage) {
	d.notifications = append(d.notifications, method)
}

func TestSessionSendRequestResolvesOnResponse(t *testing.T) {
	ft := newFakeTransport()
	disp := &echoDispatcher{}
	s := New(zaptest.NewLogger(t), "sess-1", ft, disp)

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	resultCh := make(chan json.RawMessage, 1)
	errCh := make(chan error, 1)
	go func() {
		raw, err := s.SendRequest(ctx, "ping", struct{}{})
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- raw
	}()

	// Wait until the request frame has actually been sent, then answer it
	// using the id the session assigned.
	var id protocol.RequestID
	deadline := time.After(time.Second)
	for {
		frames := ft.sentFrames()
		if len(frames) > 0 {
			msg, err := protocol.Decode(frames[0])
			if err != nil {
				t.Fatalf("decode sent frame: %v", err)
			}
			id = msg.ID
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for outbound request")
		case <-time.After(time.Millisecond):
		}
	}

	resp := protocol.NewResponse(id, json.RawMessage(`{"pong":true}`))
	frame, err := protocol.Encode(resp)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	ft.EmitMessage(frame)

	select {
	case raw := <-resultCh:
		if string(raw) != `{"pong":true}` {
			t.Errorf("result = %s, want {\"pong\":true}", raw)
		}
	case err := <-errCh:
		t.Fatalf("SendRequest error: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for SendRequest to resolve")
	}
}

func TestSessionHandlesInboundRequest(t *testing.T) {
	ft := newFakeTransport()
	disp := &echoDispatcher{}
	s := New(zaptest.NewLogger(t), "sess-2", ft, disp)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	req := protocol.NewRequest(protocol.NewRequestID("srv-1"), "tools/list", nil)
	frame, err := protocol.Encode(req)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	ft.EmitMessage(frame)

	deadline := time.After(time.Second)
	var frames [][]byte
	for len(frames) == 0 {
		frames = ft.sentFrames()
		if len(frames) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for response to inbound request")
		case <-time.After(time.Millisecond):
		}
	}
	msg, err := protocol.Decode(frames[0])
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if !msg.IsResponse() {
		t.Fatalf("expected response, got %v", msg.Kind)
	}
	if string(msg.Result) != `{"ok":true}` {
		t.Errorf("result = %s", msg.Result)
	}
}

func TestSessionHandlesInboundNotification(t *testing.T) {
	ft := newFakeTransport()
	disp := &echoDispatcher{}
	s := New(zaptest.NewLogger(t), "sess-3", ft, disp)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	note := protocol.NewNotification("notifications/tools/list_changed", nil)
	frame, err := protocol.Encode(note)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	ft.EmitMessage(frame)

	deadline := time.After(time.Second)
	for len(disp.notifications) == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for notification dispatch")
		case <-time.After(time.Millisecond):
		}
	}
	if disp.notifications[0] != "notifications/tools/list_changed" {
		t.Errorf("notification = %q", disp.notifications[0])
	}
}

func TestSessionCancelAllPendingOnClose(t *testing.T) {
	ft := newFakeTransport()
	disp := &echoDispatcher{}
	s := New(zaptest.NewLogger(t), "sess-4", ft, disp)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := s.SendRequest(context.Background(), "tools/list", nil)
		errCh <- err
	}()

	// Give SendRequest a chance to register before tearing the session down.
	time.Sleep(10 * time.Millisecond)
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected pending request to complete with an error on close")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pending request to be cancelled")
	}
}

func TestRequestIDsAreUniqueAndMonotonic(t *testing.T) {
	pt := newPendingTable(zaptest.NewLogger(t))
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := pt.nextID()
		if seen[id.String()] {
			t.Fatalf("duplicate id generated: %s", id.String())
		}
		seen[id.String()] = true
		if want := protocol.NewRequestID(fmt.Sprintf("%d", i+1)); id.String() != want.String() {
			t.Fatalf("id %d = %s, want %s", i, id.String(), want.String())
		}
	}
}

func TestPendingResolveIsOneShot(t *testing.T) {
	pt := newPendingTable(zaptest.NewLogger(t))
	id := protocol.NewRequestID("1")
	calls := 0
	pt.register(id, func(msg *protocol.Message, err error) { calls++ })

	resp := protocol.NewResponse(id, json.RawMessage(`{}`))
	if !pt.resolve(resp) {
		t.Fatal("expected first resolve to find the entry")
	}
	if pt.resolve(resp) {
		t.Fatal("expected duplicate resolve to be dropped")
	}
	if calls != 1 {
		t.Errorf("callback invoked %d times, want 1", calls)
	}
}

func TestPendingCancelAllCompletesEveryEntry(t *testing.T) {
	pt := newPendingTable(zaptest.NewLogger(t))
	var got []error
	for i := 0; i < 3; i++ {
		id := protocol.NewRequestID(fmt.Sprintf("%d", i))
		pt.register(id, func(msg *protocol.Message, err error) { got = append(got, err) })
	}
	sentinel := fmt.Errorf("disconnected")
	pt.cancelAll(sentinel)
	if len(got) != 3 {
		t.Fatalf("got %d completions, want 3", len(got))
	}
	for _, err := range got {
		if err != sentinel {
			t.Errorf("completion error = %v, want %v", err, sentinel)
		}
	}
}
