// Package client implements the MCP client role: the initialize handshake,
// every Ready-phase request/notification pair, and handling of the three
// server-initiated requests (sampling/createMessage, roots/list, ping).
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mcpcore/engine/mcptype"
	"github.com/mcpcore/engine/protocol"
	"github.com/mcpcore/engine/session"
	"github.com/mcpcore/engine/transport"
)

// Info identifies this client implementation during initialize.
type Info struct {
	Name    string
	Version string
}

// SamplingHandler is invoked for an inbound sampling/createMessage
// request. Returning an error causes the client to reject the sampling
// request rather than answer it (spec: respond_sampling / reject_sampling).
type SamplingHandler func(ctx context.Context, req mcptype.SamplingMessage, params CreateMessageParams) (*mcptype.Content, error)

// CreateMessageParams carries the request fields beyond the message list.
type CreateMessageParams struct {
	Messages         []mcptype.SamplingMessage
	ModelPreferences *mcptype.ModelPreferences
	SystemPrompt     string
	MaxTokens        int
}

// NotificationHandlers lets the embedder observe inbound notifications.
// Every field is optional; nil handlers are simply skipped.
type NotificationHandlers struct {
	OnToolsListChanged     func()
	OnResourcesListChanged func()
	OnPromptsListChanged   func()
	OnResourceUpdated      func(uri string)
	OnLog                  func(level, logger string, data json.RawMessage)
	OnTaskStatus           func(taskID string, status mcptype.TaskStatus)
	OnProgress             func(token string, progress, total float64)
}

// Client drives one Session as the MCP client role.
type Client struct {
	info     Info
	sess     *session.Session
	logger   *zap.Logger
	sampling SamplingHandler
	notif    NotificationHandlers

	rootsMu sync.RWMutex
	roots   []mcptype.Root

	serverInfo mcptype.Implementation
	serverCaps mcptype.ServerCapabilities
}

// Option configures a Client at construction time.
type Option func(*Client)

func WithSamplingHandler(h SamplingHandler) Option { return func(c *Client) { c.sampling = h } }
func WithNotificationHandlers(h NotificationHandlers) Option {
	return func(c *Client) { c.notif = h }
}
func WithRoots(roots []mcptype.Root) Option {
	return func(c *Client) { c.roots = roots }
}

// New constructs a Client. Call Connect to perform the handshake before
// issuing any Ready-phase call.
func New(logger *zap.Logger, id string, t transport.Transport, info Info, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{info: info, logger: logger}
	c.sess = session.New(logger, id, t, c)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect performs transport connect, the initialize request, and the
// notifications/initialized acknowledgement, leaving the session Ready.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.sess.Start(ctx); err != nil {
		return err
	}

	params := struct {
		ProtocolVersion string                     `json:"protocolVersion"`
		Capabilities    mcptype.ClientCapabilities `json:"capabilities"`
		ClientInfo      mcptype.Implementation     `json:"clientInfo"`
	}{
		ProtocolVersion: mcptype.ProtocolVersion,
		ClientInfo:      mcptype.Implementation{Name: c.info.Name, Version: c.info.Version},
	}
	if len(c.roots) > 0 {
		params.Capabilities.Roots = &mcptype.Capability{ListChanged: true}
	}

	raw, err := c.sess.SendRequest(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("client: initialize: %w", err)
	}

	var result struct {
		ProtocolVersion string                     `json:"protocolVersion"`
		Capabilities    mcptype.ServerCapabilities `json:"capabilities"`
		ServerInfo      mcptype.Implementation     `json:"serverInfo"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("client: parse initialize result: %w", err)
	}
	if result.ProtocolVersion != mcptype.ProtocolVersion {
		c.logger.Warn("server negotiated a different protocol version",
			zap.String("server", result.ProtocolVersion), zap.String("client", mcptype.ProtocolVersion))
		return fmt.Errorf("%w: server=%s client=%s", session.ErrProtocolVersionMismatch, result.ProtocolVersion, mcptype.ProtocolVersion)
	}

	c.serverInfo = result.ServerInfo
	c.serverCaps = result.Capabilities

	if err := c.sess.SendNotification(ctx, "notifications/initialized", struct{}{}); err != nil {
		return fmt.Errorf("client: notifications/initialized: %w", err)
	}
	c.sess.MarkReady(result.ProtocolVersion)
	return nil
}

func (c *Client) ServerInfo() mcptype.Implementation      { return c.serverInfo }
func (c *Client) ServerCapabilities() mcptype.ServerCapabilities { return c.serverCaps }

// Session exposes the underlying session, mirroring server.Server.Session,
// for callers that need to issue a method this Client has no dedicated
// wrapper for.
func (c *Client) Session() *session.Session { return c.sess }

// Close closes the underlying session.
func (c *Client) Close(ctx context.Context) error { return c.sess.Close(ctx) }

// Ping sends a liveness ping and waits for the empty response.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.sess.SendRequest(ctx, "ping", struct{}{})
	return err
}

func decodeInto(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// ListTools calls tools/list.
func (c *Client) ListTools(ctx context.Context, cursor string) ([]mcptype.Tool, string, error) {
	params := map[string]interface{}{}
	if cursor != "" {
		params["cursor"] = cursor
	}
	raw, err := c.sess.SendRequest(ctx, "tools/list", params)
	if err != nil {
		return nil, "", err
	}
	var result struct {
		Tools      []mcptype.Tool `json:"tools"`
		NextCursor string         `json:"nextCursor,omitempty"`
	}
	if err := decodeInto(raw, &result); err != nil {
		return nil, "", fmt.Errorf("client: parse tools/list: %w", err)
	}
	return result.Tools, result.NextCursor, nil
}

// CallToolResult is the decoded result of tools/call.
type CallToolResult struct {
	Content []mcptype.Content
	IsError bool
	Task    *mcptype.Task // non-nil when the server answered asynchronously
}

// CallTool calls tools/call with name and arguments.
func (c *Client) CallTool(ctx context.Context, name string, args mcptype.Arguments) (*CallToolResult, error) {
	params := struct {
		Name      string            `json:"name"`
		Arguments mcptype.Arguments `json:"arguments,omitempty"`
	}{Name: name, Arguments: args}

	raw, err := c.sess.SendRequest(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}

	var result struct {
		Content []mcptype.Content `json:"content,omitempty"`
		IsError bool              `json:"isError,omitempty"`
		Task    *mcptype.Task     `json:"task,omitempty"`
	}
	if err := decodeInto(raw, &result); err != nil {
		return nil, fmt.Errorf("client: parse tools/call: %w", err)
	}
	return &CallToolResult{Content: result.Content, IsError: result.IsError, Task: result.Task}, nil
}

// ListResources calls resources/list.
func (c *Client) ListResources(ctx context.Context, cursor string) ([]mcptype.Resource, string, error) {
	params := map[string]interface{}{}
	if cursor != "" {
		params["cursor"] = cursor
	}
	raw, err := c.sess.SendRequest(ctx, "resources/list", params)
	if err != nil {
		return nil, "", err
	}
	var result struct {
		Resources  []mcptype.Resource `json:"resources"`
		NextCursor string             `json:"nextCursor,omitempty"`
	}
	if err := decodeInto(raw, &result); err != nil {
		return nil, "", fmt.Errorf("client: parse resources/list: %w", err)
	}
	return result.Resources, result.NextCursor, nil
}

// ListResourceTemplates calls resources/templates/list.
func (c *Client) ListResourceTemplates(ctx context.Context) ([]mcptype.ResourceTemplate, error) {
	raw, err := c.sess.SendRequest(ctx, "resources/templates/list", struct{}{})
	if err != nil {
		return nil, err
	}
	var result struct {
		ResourceTemplates []mcptype.ResourceTemplate `json:"resourceTemplates"`
	}
	if err := decodeInto(raw, &result); err != nil {
		return nil, fmt.Errorf("client: parse resources/templates/list: %w", err)
	}
	return result.ResourceTemplates, nil
}

// ReadResource calls resources/read.
func (c *Client) ReadResource(ctx context.Context, uri string) ([]mcptype.ResourceContent, error) {
	raw, err := c.sess.SendRequest(ctx, "resources/read", struct {
		URI string `json:"uri"`
	}{URI: uri})
	if err != nil {
		return nil, err
	}
	var result struct {
		Contents []mcptype.ResourceContent `json:"contents"`
	}
	if err := decodeInto(raw, &result); err != nil {
		return nil, fmt.Errorf("client: parse resources/read: %w", err)
	}
	return result.Contents, nil
}

// Subscribe calls resources/subscribe.
func (c *Client) Subscribe(ctx context.Context, uri string) error {
	_, err := c.sess.SendRequest(ctx, "resources/subscribe", struct {
		URI string `json:"uri"`
	}{URI: uri})
	return err
}

// Unsubscribe calls resources/unsubscribe.
func (c *Client) Unsubscribe(ctx context.Context, uri string) error {
	_, err := c.sess.SendRequest(ctx, "resources/unsubscribe", struct {
		URI string `json:"uri"`
	}{URI: uri})
	return err
}

// ListPrompts calls prompts/list.
func (c *Client) ListPrompts(ctx context.Context, cursor string) ([]mcptype.Prompt, string, error) {
	params := map[string]interface{}{}
	if cursor != "" {
		params["cursor"] = cursor
	}
	raw, err := c.sess.SendRequest(ctx, "prompts/list", params)
	if err != nil {
		return nil, "", err
	}
	var result struct {
		Prompts    []mcptype.Prompt `json:"prompts"`
		NextCursor string           `json:"nextCursor,omitempty"`
	}
	if err := decodeInto(raw, &result); err != nil {
		return nil, "", fmt.Errorf("client: parse prompts/list: %w", err)
	}
	return result.Prompts, result.NextCursor, nil
}

// GetPrompt calls prompts/get.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) ([]mcptype.PromptMessage, error) {
	raw, err := c.sess.SendRequest(ctx, "prompts/get", struct {
		Name      string            `json:"name"`
		Arguments map[string]string `json:"arguments,omitempty"`
	}{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	var result struct {
		Messages []mcptype.PromptMessage `json:"messages"`
	}
	if err := decodeInto(raw, &result); err != nil {
		return nil, fmt.Errorf("client: parse prompts/get: %w", err)
	}
	return result.Messages, nil
}

// Complete calls completion/complete.
func (c *Client) Complete(ctx context.Context, ref mcptype.CompletionRef, arg mcptype.CompletionArgument) (*mcptype.CompletionInfo, error) {
	raw, err := c.sess.SendRequest(ctx, "completion/complete", struct {
		Ref      mcptype.CompletionRef      `json:"ref"`
		Argument mcptype.CompletionArgument `json:"argument"`
	}{Ref: ref, Argument: arg})
	if err != nil {
		return nil, err
	}
	var result struct {
		Completion mcptype.CompletionInfo `json:"completion"`
	}
	if err := decodeInto(raw, &result); err != nil {
		return nil, fmt.Errorf("client: parse completion/complete: %w", err)
	}
	return &result.Completion, nil
}

// GetTask calls tasks/get.
func (c *Client) GetTask(ctx context.Context, taskID string) (*mcptype.Task, error) {
	raw, err := c.sess.SendRequest(ctx, "tasks/get", struct {
		TaskID string `json:"taskId"`
	}{TaskID: taskID})
	if err != nil {
		return nil, err
	}
	var task mcptype.Task
	if err := decodeInto(raw, &task); err != nil {
		return nil, fmt.Errorf("client: parse tasks/get: %w", err)
	}
	return &task, nil
}

// CancelTask calls tasks/cancel.
func (c *Client) CancelTask(ctx context.Context, taskID string) error {
	_, err := c.sess.SendRequest(ctx, "tasks/cancel", struct {
		TaskID string `json:"taskId"`
	}{TaskID: taskID})
	return err
}

// TaskResult calls tasks/result. It fails with a JSON-RPC error (code
// -32602, "Task not yet completed") when the task has not yet reached a
// terminal state.
func (c *Client) TaskResult(ctx context.Context, taskID string) (*CallToolResult, error) {
	raw, err := c.sess.SendRequest(ctx, "tasks/result", struct {
		TaskID string `json:"taskId"`
	}{TaskID: taskID})
	if err != nil {
		return nil, err
	}
	var result struct {
		Content []mcptype.Content `json:"content,omitempty"`
		IsError bool              `json:"isError,omitempty"`
	}
	if err := decodeInto(raw, &result); err != nil {
		return nil, fmt.Errorf("client: parse tasks/result: %w", err)
	}
	return &CallToolResult{Content: result.Content, IsError: result.IsError}, nil
}

// ListTasks calls tasks/list.
func (c *Client) ListTasks(ctx context.Context) ([]mcptype.Task, error) {
	raw, err := c.sess.SendRequest(ctx, "tasks/list", struct{}{})
	if err != nil {
		return nil, err
	}
	var result struct {
		Tasks []mcptype.Task `json:"tasks"`
	}
	if err := decodeInto(raw, &result); err != nil {
		return nil, fmt.Errorf("client: parse tasks/list: %w", err)
	}
	return result.Tasks, nil
}

// SetRoots replaces the client's root set and notifies the server, per
// spec's "mutable set + notify_roots_changed" roots model.
func (c *Client) SetRoots(ctx context.Context, roots []mcptype.Root) error {
	c.rootsMu.Lock()
	c.roots = roots
	c.rootsMu.Unlock()
	return c.sess.SendNotification(ctx, "notifications/roots/list_changed", struct{}{})
}

// HandleRequest implements session.Dispatcher for the three requests a
// server may initiate against a client: sampling/createMessage,
// roots/list, and ping.
func (c *Client) HandleRequest(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, *protocol.JSONRPCError) {
	switch method {
	case "sampling/createMessage":
		return c.handleCreateMessage(ctx, params)
	case "roots/list":
		return c.handleRootsList()
	case "ping":
		return json.RawMessage(`{}`), nil
	default:
		return nil, protocol.NewError(protocol.CodeMethodNotFound, "Unknown method")
	}
}

func (c *Client) handleCreateMessage(ctx context.Context, raw json.RawMessage) (json.RawMessage, *protocol.JSONRPCError) {
	if c.sampling == nil {
		return nil, protocol.NewError(protocol.CodeMethodNotFound, "sampling not supported by this client")
	}
	var req struct {
		Messages         []mcptype.SamplingMessage `json:"messages"`
		ModelPreferences *mcptype.ModelPreferences `json:"modelPreferences,omitempty"`
		SystemPrompt     string                    `json:"systemPrompt,omitempty"`
		MaxTokens        int                       `json:"maxTokens,omitempty"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidParams, err.Error())
	}
	if len(req.Messages) == 0 {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "messages must not be empty")
	}

	content, err := c.sampling(ctx, req.Messages[len(req.Messages)-1], CreateMessageParams{
		Messages:         req.Messages,
		ModelPreferences: req.ModelPreferences,
		SystemPrompt:     req.SystemPrompt,
		MaxTokens:        req.MaxTokens,
	})
	if err != nil {
		return nil, protocol.NewError(protocol.CodeInternalError, err.Error())
	}

	result := struct {
		Role    mcptype.Role    `json:"role"`
		Content mcptype.Content `json:"content"`
		Model   string          `json:"model,omitempty"`
	}{Role: mcptype.RoleAssistant, Content: *content}
	out, _ := json.Marshal(result)
	return out, nil
}

func (c *Client) handleRootsList() (json.RawMessage, *protocol.JSONRPCError) {
	c.rootsMu.RLock()
	roots := append([]mcptype.Root{}, c.roots...)
	c.rootsMu.RUnlock()

	out, _ := json.Marshal(struct {
		Roots []mcptype.Root `json:"roots"`
	}{Roots: roots})
	return out, nil
}

// HandleNotification implements session.Dispatcher for server-initiated
// notifications.
func (c *Client) HandleNotification(ctx context.Context, method string, params json.RawMessage) {
	switch method {
	case "notifications/tools/list_changed":
		if c.notif.OnToolsListChanged != nil {
			c.notif.OnToolsListChanged()
		}
	case "notifications/resources/list_changed":
		if c.notif.OnResourcesListChanged != nil {
			c.notif.OnResourcesListChanged()
		}
	case "notifications/prompts/list_changed":
		if c.notif.OnPromptsListChanged != nil {
			c.notif.OnPromptsListChanged()
		}
	case "notifications/resources/updated":
		var body struct {
			URI string `json:"uri"`
		}
		if json.Unmarshal(params, &body) == nil && c.notif.OnResourceUpdated != nil {
			c.notif.OnResourceUpdated(body.URI)
		}
	case "notifications/message":
		var body struct {
			Level  string          `json:"level"`
			Logger string          `json:"logger,omitempty"`
			Data   json.RawMessage `json:"data"`
		}
		if json.Unmarshal(params, &body) == nil && c.notif.OnLog != nil {
			c.notif.OnLog(body.Level, body.Logger, body.Data)
		}
	case "notifications/tasks/status":
		var body struct {
			Task mcptype.Task `json:"task"`
		}
		if json.Unmarshal(params, &body) == nil && c.notif.OnTaskStatus != nil {
			c.notif.OnTaskStatus(body.Task.ID, body.Task.Status)
		}
	case "notifications/progress":
		var body struct {
			ProgressToken string  `json:"progressToken"`
			Progress      float64 `json:"progress"`
			Total         float64 `json:"total,omitempty"`
		}
		if json.Unmarshal(params, &body) == nil && c.notif.OnProgress != nil {
			c.notif.OnProgress(body.ProgressToken, body.Progress, body.Total)
		}
	default:
		c.logger.Debug("unhandled notification", zap.String("method", method))
	}
}
