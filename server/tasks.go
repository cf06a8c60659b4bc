package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/mcpcore/engine/mcptype"
	"github.com/mcpcore/engine/protocol"
)

// taskState tracks one async tool call. There is no teacher analog for
// this subsystem (the teacher's tools/call is always synchronous); the
// shape here follows every other registry in this package: mutex-guarded
// map plus an atomic id counter.
type taskState struct {
	mu     sync.Mutex
	id     string
	status mcptype.TaskStatus
	result []mcptype.Content
	err    string
}

func (t *taskState) snapshot() mcptype.Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	return mcptype.Task{ID: t.id, Status: t.status, Error: t.err}
}

type taskNotifier func(ctx context.Context, task mcptype.Task) error

type taskRegistry struct {
	mu      sync.RWMutex
	byID    map[string]*taskState
	counter uint64
	notify  taskNotifier
	logger  *zap.Logger
}

func newTaskRegistry(logger *zap.Logger) *taskRegistry {
	return &taskRegistry{byID: make(map[string]*taskState), logger: logger}
}

func (r *taskRegistry) bindNotifier(n taskNotifier) { r.notify = n }

func (r *taskRegistry) create() *TaskHandle {
	n := atomic.AddUint64(&r.counter, 1)
	id := "task-" + strconv.FormatUint(n, 10)
	state := &taskState{id: id, status: mcptype.TaskWorking}

	r.mu.Lock()
	r.byID[id] = state
	r.mu.Unlock()

	return &TaskHandle{state: state, registry: r}
}

func (r *taskRegistry) get(id string) (*taskState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byID[id]
	return t, ok
}

func (r *taskRegistry) list() []mcptype.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]mcptype.Task, 0, len(r.byID))
	for _, t := range r.byID {
		out = append(out, t.snapshot())
	}
	return out
}

func (r *taskRegistry) handleGet(params json.RawMessage) (json.RawMessage, *protocol.JSONRPCError) {
	var req struct {
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidParams, err.Error())
	}
	t, ok := r.get(req.TaskID)
	if !ok {
		return nil, protocol.NewError(protocol.CodeInvalidParams, fmt.Sprintf("unknown task: %s", req.TaskID))
	}
	out, _ := json.Marshal(t.snapshot())
	return out, nil
}

// handleResult answers tasks/result: the stored tool content once the task
// has reached a terminal state, or INVALID_PARAMS "Task not yet completed"
// while it is still working/input_required (spec §4.9).
func (r *taskRegistry) handleResult(params json.RawMessage) (json.RawMessage, *protocol.JSONRPCError) {
	var req struct {
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidParams, err.Error())
	}
	t, ok := r.get(req.TaskID)
	if !ok {
		return nil, protocol.NewError(protocol.CodeInvalidParams, fmt.Sprintf("unknown task: %s", req.TaskID))
	}

	t.mu.Lock()
	status := t.status
	result := t.result
	errMsg := t.err
	t.mu.Unlock()

	if !isTerminal(status) {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "Task not yet completed")
	}
	if status == mcptype.TaskFailed {
		out, _ := json.Marshal(struct {
			Content []mcptype.Content `json:"content"`
			IsError bool              `json:"isError"`
		}{Content: []mcptype.Content{mcptype.TextContent(errMsg)}, IsError: true})
		return out, nil
	}
	out, _ := json.Marshal(struct {
		Content []mcptype.Content `json:"content"`
		IsError bool              `json:"isError,omitempty"`
	}{Content: result})
	return out, nil
}

func (r *taskRegistry) handleCancel(params json.RawMessage) (json.RawMessage, *protocol.JSONRPCError) {
	var req struct {
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidParams, err.Error())
	}
	t, ok := r.get(req.TaskID)
	if !ok {
		return nil, protocol.NewError(protocol.CodeInvalidParams, fmt.Sprintf("unknown task: %s", req.TaskID))
	}

	t.mu.Lock()
	if isTerminal(t.status) {
		snap := mcptype.Task{ID: t.id, Status: t.status, Error: t.err}
		t.mu.Unlock()
		out, _ := json.Marshal(snap)
		return out, nil
	}
	t.status = mcptype.TaskCancelled
	snap := mcptype.Task{ID: t.id, Status: t.status, Error: t.err}
	t.mu.Unlock()

	if r.notify != nil {
		_ = r.notify(context.Background(), snap)
	}
	out, _ := json.Marshal(snap)
	return out, nil
}

func (r *taskRegistry) handleList(params json.RawMessage) (json.RawMessage, *protocol.JSONRPCError) {
	out, _ := json.Marshal(struct {
		Tasks []mcptype.Task `json:"tasks"`
	}{Tasks: r.list()})
	return out, nil
}

func isTerminal(s mcptype.TaskStatus) bool {
	return s == mcptype.TaskCompleted || s == mcptype.TaskFailed || s == mcptype.TaskCancelled
}

// TaskHandle is given to an AsyncToolHandler to report progress and
// terminal state. Status transitions are monotonic: once a handle reaches
// a terminal state, further calls are no-ops.
type TaskHandle struct {
	state    *taskState
	registry *taskRegistry
}

func (h *TaskHandle) ID() string { return h.state.id }

// RequireInput transitions working -> input_required, used when the tool
// needs another round-trip before it can proceed.
func (h *TaskHandle) RequireInput(ctx context.Context) {
	h.transition(ctx, mcptype.TaskInputRequired)
}

// Resume transitions input_required -> working.
func (h *TaskHandle) Resume(ctx context.Context) {
	h.transition(ctx, mcptype.TaskWorking)
}

// Complete transitions to completed and stores the final content.
func (h *TaskHandle) Complete(ctx context.Context, content []mcptype.Content) {
	h.state.mu.Lock()
	if isTerminal(h.state.status) {
		h.state.mu.Unlock()
		return
	}
	h.state.status = mcptype.TaskCompleted
	h.state.result = content
	h.state.mu.Unlock()
	h.notify(ctx, mcptype.TaskCompleted)
}

// Fail transitions to failed and stores the error message.
func (h *TaskHandle) Fail(ctx context.Context, err error) {
	h.state.mu.Lock()
	if isTerminal(h.state.status) {
		h.state.mu.Unlock()
		return
	}
	h.state.status = mcptype.TaskFailed
	h.state.err = err.Error()
	h.state.mu.Unlock()
	h.notify(ctx, mcptype.TaskFailed)
}

func (h *TaskHandle) transition(ctx context.Context, to mcptype.TaskStatus) {
	h.state.mu.Lock()
	if isTerminal(h.state.status) {
		h.state.mu.Unlock()
		return
	}
	h.state.status = to
	h.state.mu.Unlock()
	h.notify(ctx, to)
}

func (h *TaskHandle) notify(ctx context.Context, status mcptype.TaskStatus) {
	if h.registry.notify == nil {
		return
	}
	if err := h.registry.notify(ctx, h.state.snapshot()); err != nil {
		h.registry.logger.Warn("failed to send task status notification", zap.Error(err), zap.String("taskId", h.state.id))
	}
}

func (h *TaskHandle) snapshot() mcptype.Task { return h.state.snapshot() }

// taskRegistryHandle is the embedder-facing API for inspecting tasks.
type taskRegistryHandle struct{ s *Server }

func (h *taskRegistryHandle) Get(id string) (mcptype.Task, bool) {
	t, ok := h.s.tasks.get(id)
	if !ok {
		return mcptype.Task{}, false
	}
	return t.snapshot(), true
}
