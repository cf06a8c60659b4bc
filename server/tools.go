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

// ToolHandler implements one registered tool. Returning an error does not
// become a JSON-RPC error; it is carried back as CallToolResult.IsError,
// matching the teacher's handleToolsCall (server/mcp/capability/tools.go):
// a tool failure is a normal result the caller inspects, not a transport
// failure.
type ToolHandler func(ctx context.Context, args mcptype.Arguments) ([]mcptype.Content, error)

// AsyncToolHandler implements a tool that may run long; it receives a
// TaskHandle to report progress/completion. Returning a non-nil result
// completes the task immediately with that content (the rare path: the
// tools/call response carries both the result and the completed task
// descriptor). Returning nil leaves the task working (the common path);
// a handler taking this path must have already arranged to finish the
// work elsewhere (e.g. a goroutine it spawned itself) before returning,
// since the call happens on the owning session's dispatch goroutine and
// must not block it.
type AsyncToolHandler func(ctx context.Context, args mcptype.Arguments, task *TaskHandle) []mcptype.Content

type registeredTool struct {
	def     mcptype.Tool
	handler ToolHandler
	async   AsyncToolHandler
}

type toolRegistry struct {
	mu     sync.RWMutex
	byName map[string]*registeredTool
	order  []string
	logger *zap.Logger
}

func newToolRegistry(logger *zap.Logger) *toolRegistry {
	return &toolRegistry{byName: make(map[string]*registeredTool), logger: logger}
}

func (r *toolRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// add registers def, replacing any prior registration under the same
// name. A second registration leaves only the newest one in place and its
// position in listing order moves to the end, matching the teacher's
// AddTool/UpdateTool replace-by-name semantics.
func (r *toolRegistry) add(def mcptype.Tool, handler ToolHandler, async AsyncToolHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[def.Name]; exists {
		r.removeFromOrderLocked(def.Name)
	}
	r.byName[def.Name] = &registeredTool{def: def, handler: handler, async: async}
	r.order = append(r.order, def.Name)
	return nil
}

func (r *toolRegistry) removeFromOrderLocked(name string) {
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

func (r *toolRegistry) remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; !exists {
		return false
	}
	delete(r.byName, name)
	r.removeFromOrderLocked(name)
	return true
}

func (r *toolRegistry) get(name string) (*registeredTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	return t, ok
}

func (r *toolRegistry) list() []mcptype.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]mcptype.Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name].def)
	}
	return out
}

func (r *toolRegistry) handleList(params json.RawMessage) (json.RawMessage, *protocol.JSONRPCError) {
	out, _ := json.Marshal(struct {
		Tools []mcptype.Tool `json:"tools"`
	}{Tools: r.list()})
	return out, nil
}

func (s *Server) handleToolsCall(ctx context.Context, params json.RawMessage) (json.RawMessage, *protocol.JSONRPCError) {
	var req struct {
		Name      string            `json:"name"`
		Arguments mcptype.Arguments `json:"arguments,omitempty"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidParams, err.Error())
	}

	tool, ok := s.tools.get(req.Name)
	if !ok {
		return nil, protocol.NewError(protocol.CodeMethodNotFound, fmt.Sprintf("unknown tool: %s", req.Name))
	}

	if tool.async != nil {
		task := s.tasks.create()
		content := tool.async(ctx, req.Arguments, task)
		if content != nil {
			task.Complete(ctx, content)
		}
		out, _ := json.Marshal(struct {
			Content []mcptype.Content `json:"content,omitempty"`
			Task    mcptype.Task      `json:"task"`
		}{Content: content, Task: task.snapshot()})
		return out, nil
	}

	content, err := tool.handler(ctx, req.Arguments)
	if err != nil {
		out, _ := json.Marshal(struct {
			Content []mcptype.Content `json:"content"`
			IsError bool              `json:"isError"`
		}{Content: []mcptype.Content{mcptype.TextContent(err.Error())}, IsError: true})
		return out, nil
	}

	out, _ := json.Marshal(struct {
		Content []mcptype.Content `json:"content"`
		IsError bool              `json:"isError,omitempty"`
	}{Content: content})
	return out, nil
}

// toolRegistryHandle is the embedder-facing API for tool registration,
// mirroring the teacher's AddTool/UpdateTool/DeleteTool replace-on-name
// semantics (server/mcp/capability/tools.go).
type toolRegistryHandle struct{ s *Server }

func (h *toolRegistryHandle) Add(def mcptype.Tool, handler ToolHandler) error {
	return h.s.tools.add(def, handler, nil)
}

func (h *toolRegistryHandle) AddAsync(def mcptype.Tool, handler AsyncToolHandler) error {
	return h.s.tools.add(def, nil, handler)
}

func (h *toolRegistryHandle) Remove(name string) bool { return h.s.tools.remove(name) }

func (h *toolRegistryHandle) NotifyListChanged(ctx context.Context) error {
	return h.s.sess.SendNotification(ctx, "notifications/tools/list_changed", struct{}{})
}
