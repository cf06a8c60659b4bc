// Package server implements the MCP server role: the initialize handshake
// responder and the registries (tools, resources, prompts, completion,
// tasks) that back every server-side method.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mcpcore/engine/mcptype"
	"github.com/mcpcore/engine/protocol"
	"github.com/mcpcore/engine/server/validators"
	"github.com/mcpcore/engine/session"
	"github.com/mcpcore/engine/transport"
)

// Info identifies this server implementation during initialize.
type Info struct {
	Name    string
	Version string
}

// Server owns one Session and answers every client-initiated request
// against its registries. Grounded on the teacher's per-capability split
// (server/mcp/capability/*.go) collapsed into one dispatch table, the way
// shared/input.go's methodHandlers sync.Map is a single table fed by
// several capabilities.
type Server struct {
	info   Info
	sess   *session.Session
	logger *zap.Logger

	tools       *toolRegistry
	resources   *resourceRegistry
	prompts     *promptRegistry
	completions CompletionHandler
	tasks       *taskRegistry
	throttle    *validators.Throttling

	initialized    bool
	pendingVersion string
	initMu         sync.Mutex
}

// CompletionHandler answers completion/complete for a given ref/argument.
type CompletionHandler func(ctx context.Context, ref mcptype.CompletionRef, arg mcptype.CompletionArgument) (*mcptype.CompletionInfo, error)

// Option configures a Server at construction time.
type Option func(*Server)

func WithCompletionHandler(h CompletionHandler) Option {
	return func(s *Server) { s.completions = h }
}

// WithThrottling installs a per-session request-rate cap ahead of dispatch,
// the same default the teacher's gateway always wires in front of its
// method table (server/mcp/validators/throttling.go).
func WithThrottling(t *validators.Throttling) Option {
	return func(s *Server) { s.throttle = t }
}

// New constructs a Server bound to t. Call Start to connect the transport
// and begin dispatching.
func New(logger *zap.Logger, id string, t transport.Transport, info Info, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		info:      info,
		logger:    logger,
		tools:     newToolRegistry(logger),
		resources: newResourceRegistry(logger),
		prompts:   newPromptRegistry(logger),
		tasks:     newTaskRegistry(logger),
	}
	s.sess = session.New(logger, id, t, s)
	s.tasks.bindNotifier(func(ctx context.Context, task mcptype.Task) error {
		return s.sess.SendNotification(ctx, "notifications/tasks/status", struct {
			Task mcptype.Task `json:"task"`
		}{Task: task})
	})
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Session exposes the underlying session so the embedder can send
// unsolicited notifications (list-changed, resource-updated, task-status)
// and server-initiated requests (sampling, roots/list).
func (s *Server) Session() *session.Session { return s.sess }

// Start connects the transport and begins dispatching. The initialize
// handshake itself is driven by the client; Start only needs to bring the
// session up to Initializing so the handshake can be answered.
func (s *Server) Start(ctx context.Context) error {
	return s.sess.Start(ctx)
}

// Close tears the session down.
func (s *Server) Close(ctx context.Context) error {
	if s.throttle != nil {
		s.throttle.Forget(s.sess.ID())
	}
	return s.sess.Close(ctx)
}

func (s *Server) capabilities() mcptype.ServerCapabilities {
	var caps mcptype.ServerCapabilities
	if s.tools.count() > 0 {
		caps.Tools = &mcptype.Capability{ListChanged: true}
	}
	if s.resources.count() > 0 {
		caps.Resources = &mcptype.CapabilityWithSubscribe{ListChanged: true, Subscribe: true}
	}
	if s.prompts.count() > 0 {
		caps.Prompts = &mcptype.Capability{ListChanged: true}
	}
	if s.completions != nil {
		caps.Completions = &struct{}{}
	}
	return caps
}

// HandleRequest implements session.Dispatcher: every client-initiated
// request this server role answers.
func (s *Server) HandleRequest(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, *protocol.JSONRPCError) {
	if s.throttle != nil {
		if err := s.throttle.Allow(s.sess.ID()); err != nil {
			return nil, protocol.NewError(protocol.CodeInternalError, err.Error())
		}
	}
	switch method {
	case "initialize":
		return s.handleInitialize(params)
	case "ping":
		return json.RawMessage(`{}`), nil
	case "tools/list":
		return s.tools.handleList(params)
	case "tools/call":
		return s.handleToolsCall(ctx, params)
	case "resources/list":
		return s.resources.handleList(params)
	case "resources/templates/list":
		return s.resources.handleTemplatesList()
	case "resources/read":
		return s.resources.handleRead(ctx, params)
	case "resources/subscribe":
		return s.resources.handleSubscribe(s.sessionSubscriberID(), params)
	case "resources/unsubscribe":
		return s.resources.handleUnsubscribe(s.sessionSubscriberID(), params)
	case "prompts/list":
		return s.prompts.handleList(params)
	case "prompts/get":
		return s.prompts.handleGet(ctx, params)
	case "completion/complete":
		return s.handleComplete(ctx, params)
	case "tasks/get":
		return s.tasks.handleGet(params)
	case "tasks/result":
		return s.tasks.handleResult(params)
	case "tasks/cancel":
		return s.tasks.handleCancel(params)
	case "tasks/list":
		return s.tasks.handleList(params)
	default:
		return nil, protocol.NewError(protocol.CodeMethodNotFound, "Unknown method")
	}
}

// sessionSubscriberID is the key used in the subscription table; this
// engine keys subscriptions by the owning Server's session id since each
// Server instance owns exactly one session.
func (s *Server) sessionSubscriberID() string { return s.sess.ID() }

func (s *Server) handleInitialize(params json.RawMessage) (json.RawMessage, *protocol.JSONRPCError) {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	var req struct {
		ProtocolVersion string                     `json:"protocolVersion"`
		Capabilities    mcptype.ClientCapabilities `json:"capabilities"`
		ClientInfo      mcptype.Implementation     `json:"clientInfo"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidParams, err.Error())
	}

	negotiated := req.ProtocolVersion
	if negotiated == "" {
		negotiated = mcptype.ProtocolVersion
	}

	result := struct {
		ProtocolVersion string                     `json:"protocolVersion"`
		Capabilities    mcptype.ServerCapabilities `json:"capabilities"`
		ServerInfo      mcptype.Implementation     `json:"serverInfo"`
	}{
		ProtocolVersion: negotiated,
		Capabilities:    s.capabilities(),
		ServerInfo:      mcptype.Implementation{Name: s.info.Name, Version: s.info.Version},
	}

	s.initialized = true
	s.pendingVersion = negotiated

	out, _ := json.Marshal(result)
	return out, nil
}

// HandleNotification implements session.Dispatcher for client-initiated
// notifications (notifications/initialized, notifications/roots/list_changed).
func (s *Server) HandleNotification(ctx context.Context, method string, params json.RawMessage) {
	switch method {
	case "notifications/initialized":
		s.initMu.Lock()
		negotiated := s.pendingVersion
		s.initMu.Unlock()
		s.sess.MarkReady(negotiated)
	case "notifications/roots/list_changed":
		s.logger.Debug("client roots changed")
	default:
		s.logger.Debug("unhandled notification", zap.String("method", method))
	}
}

func (s *Server) handleComplete(ctx context.Context, params json.RawMessage) (json.RawMessage, *protocol.JSONRPCError) {
	if s.completions == nil {
		return nil, protocol.NewError(protocol.CodeMethodNotFound, "completion not supported")
	}
	var req struct {
		Ref      mcptype.CompletionRef      `json:"ref"`
		Argument mcptype.CompletionArgument `json:"argument"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidParams, err.Error())
	}
	info, err := s.completions(ctx, req.Ref, req.Argument)
	if err != nil {
		return nil, protocol.NewError(protocol.CodeInternalError, err.Error())
	}
	out, _ := json.Marshal(struct {
		Completion *mcptype.CompletionInfo `json:"completion"`
	}{Completion: info})
	return out, nil
}

// Tools exposes the tool registry for registration by the embedder.
func (s *Server) Tools() *toolRegistryHandle { return &toolRegistryHandle{s} }

// Resources exposes the resource registry for registration.
func (s *Server) Resources() *resourceRegistryHandle { return &resourceRegistryHandle{s} }

// Prompts exposes the prompt registry for registration.
func (s *Server) Prompts() *promptRegistryHandle { return &promptRegistryHandle{s} }

// Tasks exposes the task registry so tool handlers can run async.
func (s *Server) Tasks() *taskRegistryHandle { return &taskRegistryHandle{s} }

// RequestSampling issues a server-initiated sampling/createMessage request
// against the connected client and waits for its result (spec §4.8).
func (s *Server) RequestSampling(ctx context.Context, messages []mcptype.SamplingMessage, prefs *mcptype.ModelPreferences, systemPrompt string, maxTokens int) (*mcptype.Content, error) {
	params := struct {
		Messages         []mcptype.SamplingMessage `json:"messages"`
		ModelPreferences *mcptype.ModelPreferences `json:"modelPreferences,omitempty"`
		SystemPrompt     string                    `json:"systemPrompt,omitempty"`
		MaxTokens        int                       `json:"maxTokens,omitempty"`
	}{Messages: messages, ModelPreferences: prefs, SystemPrompt: systemPrompt, MaxTokens: maxTokens}

	raw, err := s.sess.SendRequest(ctx, "sampling/createMessage", params)
	if err != nil {
		return nil, err
	}
	var result struct {
		Role    mcptype.Role    `json:"role"`
		Content mcptype.Content `json:"content"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("server: parse sampling/createMessage result: %w", err)
	}
	return &result.Content, nil
}

// ListRoots issues a server-initiated roots/list request against the
// connected client (spec §4.8).
func (s *Server) ListRoots(ctx context.Context) ([]mcptype.Root, error) {
	raw, err := s.sess.SendRequest(ctx, "roots/list", struct{}{})
	if err != nil {
		return nil, err
	}
	var result struct {
		Roots []mcptype.Root `json:"roots"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("server: parse roots/list result: %w", err)
	}
	return result.Roots, nil
}
