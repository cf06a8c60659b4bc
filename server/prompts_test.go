package server

import (
	"context"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/mcpcore/engine/mcptype"
)

func TestPromptRegistrationReplacesOnDuplicateName(t *testing.T) {
	r := newPromptRegistry(zaptest.NewLogger(t))
	h := func(ctx context.Context, args map[string]string) ([]mcptype.PromptMessage, error) { return nil, nil }
	if err := r.add(mcptype.Prompt{Name: "greet", Description: "v1"}, h); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := r.add(mcptype.Prompt{Name: "greet", Description: "v2"}, h); err != nil {
		t.Fatalf("add (replace): %v", err)
	}
	list := r.list()
	if len(list) != 1 || list[0].Description != "v2" {
		t.Fatalf("list = %+v, want single prompt with description v2", list)
	}
}

func TestPromptGetMissingRequiredArgument(t *testing.T) {
	r := newPromptRegistry(zaptest.NewLogger(t))
	err := r.add(mcptype.Prompt{
		Name:      "greet",
		Arguments: []mcptype.PromptArgument{{Name: "name", Required: true}},
	}, func(ctx context.Context, args map[string]string) ([]mcptype.PromptMessage, error) {
		return []mcptype.PromptMessage{{Role: mcptype.RoleUser, Content: mcptype.TextContent("hi " + args["name"])}}, nil
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	_, jerr := r.handleGet(context.Background(), mustJSON(t, map[string]interface{}{"name": "greet"}))
	if jerr == nil {
		t.Fatal("expected an error for a missing required argument")
	}

	raw, jerr := r.handleGet(context.Background(), mustJSON(t, map[string]interface{}{
		"name":      "greet",
		"arguments": map[string]string{"name": "Ada"},
	}))
	if jerr != nil {
		t.Fatalf("handleGet: %v", jerr)
	}
	var result struct {
		Messages []mcptype.PromptMessage `json:"messages"`
	}
	if err := unmarshal(t, raw, &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(result.Messages) != 1 || *result.Messages[0].Content.Text != "hi Ada" {
		t.Fatalf("messages = %+v", result.Messages)
	}
}
