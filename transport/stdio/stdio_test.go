package stdio

import (
	"context"
	"io"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/mcpcore/engine/transport"
)

func TestAttachedTransportSendAndReceive(t *testing.T) {
	logger := zaptest.NewLogger(t)

	// outR/outW stand in for the peer's stdout (what the transport reads).
	// inR/inW stand in for the peer's stdin (what the transport writes).
	outR, outW := io.Pipe()
	inR, inW := io.Pipe()

	tr := Attached(logger, inW, outR, nil)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if tr.State() != transport.Connected {
		t.Fatalf("state = %v, want Connected", tr.State())
	}

	go func() {
		outW.Write([]byte("{\"jsonrpc\":\"2.0\",\"method\":\"ping\"}\n"))
	}()

	select {
	case frame := <-tr.Messages():
		if string(frame) != `{"jsonrpc":"2.0","method":"ping"}` {
			t.Errorf("frame = %s", frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound frame")
	}

	go func() {
		if err := tr.Send(context.Background(), []byte(`{"jsonrpc":"2.0","method":"pong"}`)); err != nil {
			t.Errorf("Send: %v", err)
		}
	}()

	buf := make([]byte, 64)
	n, err := inR.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	got := string(buf[:n])
	want := "{\"jsonrpc\":\"2.0\",\"method\":\"pong\"}\n"
	if got != want {
		t.Errorf("written frame = %q, want %q", got, want)
	}

	outW.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tr.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if tr.State() != transport.Disconnected {
		t.Fatalf("state after Disconnect = %v, want Disconnected", tr.State())
	}
}

func TestAttachedTransportSkipsBlankLinesAndReportsMalformedJSONAtSessionLevel(t *testing.T) {
	// The transport itself frames on newlines only; it does not parse JSON,
	// so a blank line is simply skipped and a non-JSON line still surfaces
	// as a message frame for the caller (session layer) to reject.
	logger := zaptest.NewLogger(t)
	outR, outW := io.Pipe()
	_, inW := io.Pipe()

	tr := Attached(logger, inW, outR, nil)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	go func() {
		outW.Write([]byte("\nnot-json\n"))
	}()

	select {
	case frame := <-tr.Messages():
		if string(frame) != "not-json" {
			t.Errorf("frame = %s, want not-json", frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound frame")
	}

	outW.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	tr.Disconnect(ctx)
}

func TestSendBeforeConnectFails(t *testing.T) {
	logger := zaptest.NewLogger(t)
	outR, _ := io.Pipe()
	_, inW := io.Pipe()
	tr := Attached(logger, inW, outR, nil)

	if err := tr.Send(context.Background(), []byte("{}")); err == nil {
		t.Fatal("expected Send before Connect to fail")
	}
}
