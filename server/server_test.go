package server

import (
	"context"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/mcpcore/engine/mcptype"
	"github.com/mcpcore/engine/server/validators"
)

func TestInitializeHandshakeDerivesCapabilities(t *testing.T) {
	// Scenario 1 from spec §8, minus the transport round trip (client
	// package's integration test covers that end to end).
	s := New(zaptest.NewLogger(t), "s", nil, Info{Name: "s", Version: "0"})
	if err := s.Tools().Add(mcptype.Tool{Name: "echo"}, echoHandler); err != nil {
		t.Fatalf("Add: %v", err)
	}

	raw, jerr := s.HandleRequest(context.Background(), "initialize", mustJSON(t, map[string]interface{}{
		"protocolVersion": "2025-11-25",
		"capabilities":    map[string]interface{}{},
		"clientInfo":      map[string]string{"name": "c", "version": "0"},
	}))
	if jerr != nil {
		t.Fatalf("HandleRequest(initialize): %v", jerr)
	}

	var result struct {
		ProtocolVersion string                     `json:"protocolVersion"`
		Capabilities    mcptype.ServerCapabilities `json:"capabilities"`
		ServerInfo      mcptype.Implementation     `json:"serverInfo"`
	}
	if err := unmarshal(t, raw, &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if result.ServerInfo.Name != "s" {
		t.Errorf("serverInfo.name = %q, want s", result.ServerInfo.Name)
	}
	if result.Capabilities.Tools == nil || !result.Capabilities.Tools.ListChanged {
		t.Errorf("capabilities.tools = %+v, want listChanged=true", result.Capabilities.Tools)
	}
	if result.Capabilities.Resources != nil {
		t.Errorf("capabilities.resources = %+v, want nil (no resources registered)", result.Capabilities.Resources)
	}
}

func TestUnknownMethodIsMethodNotFound(t *testing.T) {
	// Scenario 5 from spec §8.
	s := New(zaptest.NewLogger(t), "s", nil, Info{Name: "s", Version: "0"})
	_, jerr := s.HandleRequest(context.Background(), "does/not/exist", nil)
	if jerr == nil {
		t.Fatal("expected an error for an unknown method")
	}
	if jerr.Code != -32601 {
		t.Errorf("code = %d, want -32601", jerr.Code)
	}
}

func TestThrottlingRejectsOverLimitRequests(t *testing.T) {
	s := New(zaptest.NewLogger(t), "s", nil, Info{Name: "s", Version: "0"},
		WithThrottling(validators.NewThrottling(1, 0)))

	if _, jerr := s.HandleRequest(context.Background(), "ping", nil); jerr != nil {
		t.Fatalf("first ping: %v", jerr)
	}
	_, jerr := s.HandleRequest(context.Background(), "ping", nil)
	if jerr == nil {
		t.Fatal("expected the second immediate ping to be throttled")
	}
}

func TestPingReturnsEmptyObject(t *testing.T) {
	s := New(zaptest.NewLogger(t), "s", nil, Info{Name: "s", Version: "0"})
	raw, jerr := s.HandleRequest(context.Background(), "ping", nil)
	if jerr != nil {
		t.Fatalf("HandleRequest(ping): %v", jerr)
	}
	if string(raw) != "{}" {
		t.Errorf("ping result = %s, want {}", raw)
	}
}
