// Package mcptype carries the wire data model the engine needs to route
// and serialize MCP payloads. It deliberately does not reproduce a full
// JSON-Schema-derived object model (spec Non-goals §1): each type here
// exists because a session, client, or server operation reads or writes a
// field of it directly.
package mcptype

import "encoding/json"

// ProtocolVersion is the version string this engine offers during
// initialize and, for the server role, negotiates by default.
const ProtocolVersion = "2025-06-18"

// Implementation identifies a client or server implementation by name/version.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Capability is a present/absent marker capability.
type Capability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// CapabilityWithSubscribe additionally marks subscribe support (resources).
type CapabilityWithSubscribe struct {
	ListChanged bool `json:"listChanged,omitempty"`
	Subscribe   bool `json:"subscribe,omitempty"`
}

// ClientCapabilities describes what a client declares during initialize.
type ClientCapabilities struct {
	Experimental map[string]json.RawMessage `json:"experimental,omitempty"`
	Roots        *Capability                `json:"roots,omitempty"`
	Sampling     *struct{}                  `json:"sampling,omitempty"`
}

// ServerCapabilities describes what a server declares during initialize.
// The server role derives each field from what has actually been registered.
type ServerCapabilities struct {
	Experimental map[string]json.RawMessage `json:"experimental,omitempty"`
	Logging      *struct{}                  `json:"logging,omitempty"`
	Completions  *struct{}                  `json:"completions,omitempty"`
	Prompts      *Capability                `json:"prompts,omitempty"`
	Resources    *CapabilityWithSubscribe   `json:"resources,omitempty"`
	Tools        *Capability                `json:"tools,omitempty"`
}

// Role is the sender/recipient role of a sampling or prompt message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Annotations carry optional client-facing hints on content.
type Annotations struct {
	Audience []Role   `json:"audience,omitempty"`
	Priority *float64 `json:"priority,omitempty"`
}

// ResourceContent is the inline content of a resource (text or blob).
type ResourceContent struct {
	URI      string  `json:"uri"`
	MimeType string  `json:"mimeType,omitempty"`
	Text     *string `json:"text,omitempty"`
	Blob     *string `json:"blob,omitempty"`
}

// Content is the tagged union carried in tool results, prompt messages, and
// sampling messages: "text" | "image" | "audio" | "resource".
type Content struct {
	Type        string           `json:"type"`
	Text        *string          `json:"text,omitempty"`
	Data        *string          `json:"data,omitempty"`
	MimeType    *string          `json:"mimeType,omitempty"`
	Resource    *ResourceContent `json:"resource,omitempty"`
	Annotations *Annotations     `json:"annotations,omitempty"`
}

// TextContent builds a single "text" Content value.
func TextContent(text string) Content {
	return Content{Type: "text", Text: &text}
}

// ImageContent builds a single "image" Content value.
func ImageContent(data, mimeType string) Content {
	return Content{Type: "image", Data: &data, MimeType: &mimeType}
}

// JSONSchema is an opaque JSON-Schema subtree describing a tool's input.
type JSONSchema = json.RawMessage

// Arguments is the opaque argument object passed to tools/call.
type Arguments map[string]interface{}

// ToolAnnotations are client-facing hints about tool behavior. Never
// trusted for access control (spec inherited note).
type ToolAnnotations struct {
	Title           string `json:"title,omitempty"`
	ReadOnlyHint    *bool  `json:"readOnlyHint,omitempty"`
	DestructiveHint *bool  `json:"destructiveHint,omitempty"`
	IdempotentHint  *bool  `json:"idempotentHint,omitempty"`
	OpenWorldHint   *bool  `json:"openWorldHint,omitempty"`
}

// Tool is the listing-facing definition of a registered tool.
type Tool struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	InputSchema JSONSchema       `json:"inputSchema,omitempty"`
	Annotations *ToolAnnotations `json:"annotations,omitempty"`
}

// Resource is the listing-facing definition of a registered exact-URI resource.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourceTemplate is the listing-facing definition of a registered
// URI-template resource.
type ResourceTemplate struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// PromptArgument describes one templated argument a prompt accepts.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Prompt is the listing-facing definition of a registered prompt.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptMessage is one message returned by a prompts/get call.
type PromptMessage struct {
	Role    Role    `json:"role"`
	Content Content `json:"content"`
}

// SamplingMessage is one message in a sampling/createMessage request.
type SamplingMessage struct {
	Role    Role    `json:"role"`
	Content Content `json:"content"`
}

// ModelHint is a single advisory hint about model selection.
type ModelHint struct {
	Name string `json:"name,omitempty"`
}

// ModelPreferences expresses advisory preferences for sampling model choice.
type ModelPreferences struct {
	Hints                []ModelHint `json:"hints,omitempty"`
	CostPriority         *float64    `json:"costPriority,omitempty"`
	SpeedPriority        *float64    `json:"speedPriority,omitempty"`
	IntelligencePriority *float64    `json:"intelligencePriority,omitempty"`
}

// Root is a client-declared filesystem/workspace anchor.
type Root struct {
	URI  string `json:"uri"`
	Name string `json:"name,omitempty"`
}

// CompletionRef identifies what argument completion is being requested for.
type CompletionRef struct {
	Type string `json:"type"` // "ref/prompt" | "ref/resource"
	Name string `json:"name,omitempty"`
	URI  string `json:"uri,omitempty"`
}

// CompletionArgument carries the partial argument being completed.
type CompletionArgument struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CompletionInfo is the completion/complete result payload.
type CompletionInfo struct {
	Values  []string `json:"values"`
	Total   *int     `json:"total,omitempty"`
	HasMore *bool    `json:"hasMore,omitempty"`
}

// TaskStatus is one of the task subsystem's lifecycle states (spec §4.9).
type TaskStatus string

const (
	TaskWorking        TaskStatus = "working"
	TaskInputRequired  TaskStatus = "input_required"
	TaskCompleted      TaskStatus = "completed"
	TaskFailed         TaskStatus = "failed"
	TaskCancelled      TaskStatus = "cancelled"
)

// Task is the descriptor returned for an async tools/call and polled via
// tasks/get and tasks/list.
type Task struct {
	ID     string     `json:"taskId"`
	Status TaskStatus `json:"status"`
	Error  string     `json:"error,omitempty"`
}
