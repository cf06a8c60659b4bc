package client_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/mcpcore/engine/client"
	"github.com/mcpcore/engine/mcptype"
	"github.com/mcpcore/engine/protocol"
	"github.com/mcpcore/engine/server"
	"github.com/mcpcore/engine/transport"
)

// pipeTransport is one end of an in-memory duplex connection between a
// client and a server role, used so the handshake/tool-call/resource-read
// scenarios from spec §8 can run without any real stdio/HTTP/WebSocket
// plumbing.
type pipeTransport struct {
	*transport.Base
	peer *pipeTransport
}

func newPipePair() (*pipeTransport, *pipeTransport) {
	a := &pipeTransport{Base: transport.NewBase(nil, 64)}
	b := &pipeTransport{Base: transport.NewBase(nil, 64)}
	a.peer = b
	b.peer = a
	return a, b
}

func (p *pipeTransport) Connect(ctx context.Context) error {
	p.SetState(transport.Connected)
	return nil
}

func (p *pipeTransport) Disconnect(ctx context.Context) error {
	if p.State() == transport.Disconnected {
		return nil
	}
	p.SetState(transport.Disconnected)
	p.CloseChannels()
	return nil
}

func (p *pipeTransport) Send(ctx context.Context, frame []byte) error {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	p.peer.EmitMessage(cp)
	return nil
}

func waitReady(t *testing.T, connectErr <-chan error) {
	t.Helper()
	select {
	case err := <-connectErr:
		if err != nil {
			t.Fatalf("Connect: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Connect")
	}
}

func TestInitializeHandshake(t *testing.T) {
	logger := zaptest.NewLogger(t)
	clientSideT, serverSideT := newPipePair()

	srv := server.New(logger, "srv", serverSideT, server.Info{Name: "s", Version: "0"})
	if err := srv.Tools().Add(mcptype.Tool{Name: "echo"}, func(ctx context.Context, args mcptype.Arguments) ([]mcptype.Content, error) {
		text, _ := args["text"].(string)
		return []mcptype.Content{mcptype.TextContent(text)}, nil
	}); err != nil {
		t.Fatalf("register tool: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("srv.Start: %v", err)
	}

	c := client.New(logger, "cli", clientSideT, client.Info{Name: "c", Version: "0"})

	connectErr := make(chan error, 1)
	go func() { connectErr <- c.Connect(context.Background()) }()
	waitReady(t, connectErr)

	if c.ServerInfo().Name != "s" {
		t.Errorf("ServerInfo().Name = %q, want s", c.ServerInfo().Name)
	}
	if c.ServerCapabilities().Tools == nil || !c.ServerCapabilities().Tools.ListChanged {
		t.Errorf("expected tools capability with listChanged=true, got %+v", c.ServerCapabilities().Tools)
	}
}

func TestToolCallWithArguments(t *testing.T) {
	logger := zaptest.NewLogger(t)
	clientSideT, serverSideT := newPipePair()

	srv := server.New(logger, "srv", serverSideT, server.Info{Name: "s", Version: "0"})
	_ = srv.Tools().Add(mcptype.Tool{Name: "echo"}, func(ctx context.Context, args mcptype.Arguments) ([]mcptype.Content, error) {
		text, _ := args["text"].(string)
		return []mcptype.Content{mcptype.TextContent(text)}, nil
	})
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("srv.Start: %v", err)
	}

	c := client.New(logger, "cli", clientSideT, client.Info{Name: "c", Version: "0"})
	connectErr := make(chan error, 1)
	go func() { connectErr <- c.Connect(context.Background()) }()
	waitReady(t, connectErr)

	result, err := c.CallTool(context.Background(), "echo", mcptype.Arguments{"text": "hi"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error result: %+v", result)
	}
	if len(result.Content) != 1 || result.Content[0].Text == nil || *result.Content[0].Text != "hi" {
		t.Errorf("content = %+v, want single text 'hi'", result.Content)
	}
}

func TestResourceTemplateMatch(t *testing.T) {
	logger := zaptest.NewLogger(t)
	clientSideT, serverSideT := newPipePair()

	srv := server.New(logger, "srv", serverSideT, server.Info{Name: "s", Version: "0"})
	err := srv.Resources().AddTemplate(mcptype.ResourceTemplate{URITemplate: "file:///notes/{id}", Name: "note"},
		func(ctx context.Context, uri string, vars map[string]string) ([]mcptype.ResourceContent, error) {
			text := "note:" + vars["id"]
			return []mcptype.ResourceContent{{URI: uri, Text: &text}}, nil
		})
	if err != nil {
		t.Fatalf("AddTemplate: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("srv.Start: %v", err)
	}

	c := client.New(logger, "cli", clientSideT, client.Info{Name: "c", Version: "0"})
	connectErr := make(chan error, 1)
	go func() { connectErr <- c.Connect(context.Background()) }()
	waitReady(t, connectErr)

	contents, err := c.ReadResource(context.Background(), "file:///notes/42")
	if err != nil {
		t.Fatalf("ReadResource: %v", err)
	}
	if len(contents) != 1 || contents[0].Text == nil || *contents[0].Text != "note:42" {
		t.Fatalf("contents = %+v, want note:42", contents)
	}

	_, err = c.ReadResource(context.Background(), "file:///other")
	if err == nil {
		t.Fatal("expected error reading an unmatched resource URI")
	}
}

func TestUnknownMethodRespondsMethodNotFound(t *testing.T) {
	logger := zaptest.NewLogger(t)
	clientSideT, serverSideT := newPipePair()

	srv := server.New(logger, "srv", serverSideT, server.Info{Name: "s", Version: "0"})
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("srv.Start: %v", err)
	}

	c := client.New(logger, "cli", clientSideT, client.Info{Name: "c", Version: "0"})
	connectErr := make(chan error, 1)
	go func() { connectErr <- c.Connect(context.Background()) }()
	waitReady(t, connectErr)

	_, err := c.Session().SendRequest(context.Background(), "does/not/exist", nil)
	if err == nil {
		t.Fatal("expected an error for an unknown method")
	}
	var jerr *protocol.JSONRPCError
	if !errors.As(err, &jerr) || jerr.Code != protocol.CodeMethodNotFound {
		t.Errorf("err = %v, want a JSON-RPC error with code %d", err, protocol.CodeMethodNotFound)
	}
}

func TestAsyncTaskLifecycle(t *testing.T) {
	logger := zaptest.NewLogger(t)
	clientSideT, serverSideT := newPipePair()

	srv := server.New(logger, "srv", serverSideT, server.Info{Name: "s", Version: "0"})
	done := make(chan struct{})
	err := srv.Tools().AddAsync(mcptype.Tool{Name: "slow"}, func(ctx context.Context, args mcptype.Arguments, task *server.TaskHandle) []mcptype.Content {
		go func() {
			<-done
			task.Complete(context.Background(), []mcptype.Content{mcptype.TextContent("finished")})
		}()
		return nil
	})
	if err != nil {
		t.Fatalf("AddAsync: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("srv.Start: %v", err)
	}

	c := client.New(logger, "cli", clientSideT, client.Info{Name: "c", Version: "0"})
	connectErr := make(chan error, 1)
	go func() { connectErr <- c.Connect(context.Background()) }()
	waitReady(t, connectErr)

	result, err := c.CallTool(context.Background(), "slow", nil)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if result.Task == nil || result.Task.Status != mcptype.TaskWorking {
		t.Fatalf("expected a working task descriptor, got %+v", result.Task)
	}

	_, err = c.TaskResult(context.Background(), result.Task.ID)
	if err == nil {
		t.Fatal("expected tasks/result to fail while the task is still working")
	}

	close(done)

	deadline := time.After(2 * time.Second)
	for {
		task, err := c.GetTask(context.Background(), result.Task.ID)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if task.Status == mcptype.TaskCompleted {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for task to complete")
		case <-time.After(5 * time.Millisecond):
		}
	}

	final, err := c.TaskResult(context.Background(), result.Task.ID)
	if err != nil {
		t.Fatalf("TaskResult: %v", err)
	}
	if len(final.Content) != 1 || final.Content[0].Text == nil || *final.Content[0].Text != "finished" {
		t.Errorf("final content = %+v, want 'finished'", final.Content)
	}
}
