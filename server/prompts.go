package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mcpcore/engine/mcptype"
	"github.com/mcpcore/engine/protocol"
)

// PromptHandler renders one registered prompt given its arguments.
type PromptHandler func(ctx context.Context, args map[string]string) ([]mcptype.PromptMessage, error)

type registeredPrompt struct {
	def     mcptype.Prompt
	handler PromptHandler
}

// promptRegistry mirrors toolRegistry's shape, grounded on the teacher's
// prompts capability (server/mcp/capability/prompts.go).
type promptRegistry struct {
	mu     sync.RWMutex
	byName map[string]*registeredPrompt
	order  []string
	logger *zap.Logger
}

func newPromptRegistry(logger *zap.Logger) *promptRegistry {
	return &promptRegistry{byName: make(map[string]*registeredPrompt), logger: logger}
}

func (r *promptRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// add registers def, replacing any prior registration under the same
// name (spec §3: "a registration replaces any prior entry under the same
// key").
func (r *promptRegistry) add(def mcptype.Prompt, handler PromptHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[def.Name]; exists {
		r.removeFromOrderLocked(def.Name)
	}
	r.byName[def.Name] = &registeredPrompt{def: def, handler: handler}
	r.order = append(r.order, def.Name)
	return nil
}

func (r *promptRegistry) removeFromOrderLocked(name string) {
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

func (r *promptRegistry) remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; !exists {
		return false
	}
	delete(r.byName, name)
	r.removeFromOrderLocked(name)
	return true
}

func (r *promptRegistry) get(name string) (*registeredPrompt, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[name]
	return p, ok
}

func (r *promptRegistry) list() []mcptype.Prompt {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]mcptype.Prompt, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name].def)
	}
	return out
}

func (r *promptRegistry) handleList(params json.RawMessage) (json.RawMessage, *protocol.JSONRPCError) {
	out, _ := json.Marshal(struct {
		Prompts []mcptype.Prompt `json:"prompts"`
	}{Prompts: r.list()})
	return out, nil
}

func (r *promptRegistry) handleGet(ctx context.Context, params json.RawMessage) (json.RawMessage, *protocol.JSONRPCError) {
	var req struct {
		Name      string            `json:"name"`
		Arguments map[string]string `json:"arguments,omitempty"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidParams, err.Error())
	}

	prompt, ok := r.get(req.Name)
	if !ok {
		return nil, protocol.NewError(protocol.CodeInvalidParams, fmt.Sprintf("unknown prompt: %s", req.Name))
	}

	for _, arg := range prompt.def.Arguments {
		if arg.Required {
			if _, ok := req.Arguments[arg.Name]; !ok {
				return nil, protocol.NewError(protocol.CodeInvalidParams, fmt.Sprintf("missing required argument: %s", arg.Name))
			}
		}
	}

	messages, err := prompt.handler(ctx, req.Arguments)
	if err != nil {
		return nil, protocol.NewError(protocol.CodeInternalError, err.Error())
	}

	out, _ := json.Marshal(struct {
		Messages []mcptype.PromptMessage `json:"messages"`
	}{Messages: messages})
	return out, nil
}

// promptRegistryHandle is the embedder-facing API for prompt registration.
type promptRegistryHandle struct{ s *Server }

func (h *promptRegistryHandle) Add(def mcptype.Prompt, handler PromptHandler) error {
	return h.s.prompts.add(def, handler)
}

func (h *promptRegistryHandle) Remove(name string) bool { return h.s.prompts.remove(name) }

func (h *promptRegistryHandle) NotifyListChanged(ctx context.Context) error {
	return h.s.sess.SendNotification(ctx, "notifications/prompts/list_changed", struct{}{})
}
