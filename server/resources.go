package server

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/mcpcore/engine/mcptype"
	"github.com/mcpcore/engine/protocol"
)

// ReadHandler serves the content of one exact-URI resource.
type ReadHandler func(ctx context.Context, uri string) ([]mcptype.ResourceContent, error)

// TemplateReadHandler serves the content of a URI-template resource, given
// the variables extracted from the matched URI.
type TemplateReadHandler func(ctx context.Context, uri string, vars map[string]string) ([]mcptype.ResourceContent, error)

type registeredResource struct {
	def     mcptype.Resource
	handler ReadHandler
}

type registeredTemplate struct {
	def     mcptype.ResourceTemplate
	handler TemplateReadHandler
	matcher *templateMatcher
}

// resourceRegistry holds both exact resources and URI templates, plus the
// per-URI subscriber set. There is no teacher analog for the template
// matching itself (server/mcp/capability/resources.go only stores and
// lists templates); the dispatch-through-template logic below is new,
// built from the spec's restricted-RFC-6570 description directly.
type resourceRegistry struct {
	mu        sync.RWMutex
	exact     map[string]*registeredResource
	exactOrd  []string
	templates []*registeredTemplate

	subMu sync.Mutex
	subs  map[string]map[string]bool // uri -> subscriberID -> true

	logger *zap.Logger
}

func newResourceRegistry(logger *zap.Logger) *resourceRegistry {
	return &resourceRegistry{
		exact:  make(map[string]*registeredResource),
		subs:   make(map[string]map[string]bool),
		logger: logger,
	}
}

func (r *resourceRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.exact) + len(r.templates)
}

// addExact registers def, replacing any prior registration under the same
// URI (spec §3: "a registration replaces any prior entry under the same
// key").
func (r *resourceRegistry) addExact(def mcptype.Resource, handler ReadHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.exact[def.URI]; exists {
		r.removeExactFromOrderLocked(def.URI)
	}
	r.exact[def.URI] = &registeredResource{def: def, handler: handler}
	r.exactOrd = append(r.exactOrd, def.URI)
	return nil
}

func (r *resourceRegistry) removeExactFromOrderLocked(uri string) {
	for i, u := range r.exactOrd {
		if u == uri {
			r.exactOrd = append(r.exactOrd[:i], r.exactOrd[i+1:]...)
			return
		}
	}
}

func (r *resourceRegistry) removeExact(uri string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.exact[uri]; !exists {
		return false
	}
	delete(r.exact, uri)
	r.removeExactFromOrderLocked(uri)
	return true
}

// addTemplate registers a template, replacing any prior registration under
// the same URI template string. Templates are matched in registration
// order on read, so when two templates could both match a URI the earliest
// registration wins (Open Question resolved this way, see DESIGN.md); a
// replace re-appends the template at the end of that order.
func (r *resourceRegistry) addTemplate(def mcptype.ResourceTemplate, handler TemplateReadHandler) error {
	matcher, err := compileTemplate(def.URITemplate)
	if err != nil {
		return fmt.Errorf("server: invalid resource template %q: %w", def.URITemplate, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, t := range r.templates {
		if t.def.URITemplate == def.URITemplate {
			r.templates = append(r.templates[:i], r.templates[i+1:]...)
			break
		}
	}
	r.templates = append(r.templates, &registeredTemplate{def: def, handler: handler, matcher: matcher})
	return nil
}

func (r *resourceRegistry) removeTemplate(uriTemplate string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, t := range r.templates {
		if t.def.URITemplate == uriTemplate {
			r.templates = append(r.templates[:i], r.templates[i+1:]...)
			return true
		}
	}
	return false
}

func (r *resourceRegistry) listExact() []mcptype.Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]mcptype.Resource, 0, len(r.exactOrd))
	for _, u := range r.exactOrd {
		out = append(out, r.exact[u].def)
	}
	return out
}

func (r *resourceRegistry) listTemplates() []mcptype.ResourceTemplate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]mcptype.ResourceTemplate, 0, len(r.templates))
	for _, t := range r.templates {
		out = append(out, t.def)
	}
	return out
}

// resolve dispatches a URI to an exact resource first, then scans templates
// in registration order, matching spec §4.8's lookup precedence.
func (r *resourceRegistry) resolve(uri string) (ReadHandler, TemplateReadHandler, map[string]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if res, ok := r.exact[uri]; ok {
		return res.handler, nil, nil, true
	}
	for _, t := range r.templates {
		if vars, ok := t.matcher.match(uri); ok {
			return nil, t.handler, vars, true
		}
	}
	return nil, nil, nil, false
}

func (r *resourceRegistry) handleList(params json.RawMessage) (json.RawMessage, *protocol.JSONRPCError) {
	out, _ := json.Marshal(struct {
		Resources []mcptype.Resource `json:"resources"`
	}{Resources: r.listExact()})
	return out, nil
}

func (r *resourceRegistry) handleTemplatesList() (json.RawMessage, *protocol.JSONRPCError) {
	out, _ := json.Marshal(struct {
		ResourceTemplates []mcptype.ResourceTemplate `json:"resourceTemplates"`
	}{ResourceTemplates: r.listTemplates()})
	return out, nil
}

func (r *resourceRegistry) handleRead(ctx context.Context, params json.RawMessage) (json.RawMessage, *protocol.JSONRPCError) {
	var req struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidParams, err.Error())
	}

	exactHandler, templateHandler, vars, found := r.resolve(req.URI)
	if !found {
		return nil, protocol.NewError(protocol.CodeInvalidParams, fmt.Sprintf("resource not found: %s", req.URI))
	}

	var (
		contents []mcptype.ResourceContent
		err      error
	)
	if exactHandler != nil {
		contents, err = exactHandler(ctx, req.URI)
	} else {
		contents, err = templateHandler(ctx, req.URI, vars)
	}
	if err != nil {
		return nil, protocol.NewError(protocol.CodeInternalError, err.Error())
	}

	out, _ := json.Marshal(struct {
		Contents []mcptype.ResourceContent `json:"contents"`
	}{Contents: contents})
	return out, nil
}

func (r *resourceRegistry) handleSubscribe(subscriberID string, params json.RawMessage) (json.RawMessage, *protocol.JSONRPCError) {
	var req struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidParams, err.Error())
	}
	r.subMu.Lock()
	if r.subs[req.URI] == nil {
		r.subs[req.URI] = make(map[string]bool)
	}
	r.subs[req.URI][subscriberID] = true
	r.subMu.Unlock()
	return json.RawMessage(`{}`), nil
}

func (r *resourceRegistry) handleUnsubscribe(subscriberID string, params json.RawMessage) (json.RawMessage, *protocol.JSONRPCError) {
	var req struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidParams, err.Error())
	}
	r.subMu.Lock()
	delete(r.subs[req.URI], subscriberID)
	if len(r.subs[req.URI]) == 0 {
		delete(r.subs, req.URI)
	}
	r.subMu.Unlock()
	return json.RawMessage(`{}`), nil
}

// hasSubscriber reports whether any subscriber is currently registered for
// uri, matching the teacher's "only notify if subscribers exist"
// optimization (NotifyResourceUpdated in server/mcp/capability/resources.go).
func (r *resourceRegistry) hasSubscriber(uri string) bool {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	return len(r.subs[uri]) > 0
}

// templateMatcher compiles a restricted RFC 6570 Level-1-style template
// (literal segments plus {var} placeholders) into a matcher. Expansion
// operators (+, #, ., ;, ?) and percent-decoding are explicitly out of
// scope, matching spec §4.8's stated restriction.
type templateMatcher struct {
	re   *regexp.Regexp
	vars []string
}

var templateVarRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func compileTemplate(tmpl string) (*templateMatcher, error) {
	matches := templateVarRe.FindAllStringSubmatchIndex(tmpl, -1)
	if len(matches) == 0 {
		return nil, fmt.Errorf("template has no {variable} placeholders")
	}

	var sb strings.Builder
	sb.WriteString("^")
	pos := 0
	var vars []string
	for i, m := range matches {
		litStart, litEnd := m[0], m[1]
		varStart, varEnd := m[2], m[3]
		sb.WriteString(regexp.QuoteMeta(tmpl[pos:litStart]))
		name := tmpl[varStart:varEnd]
		vars = append(vars, name)
		if i == len(matches)-1 {
			// Trailing variable matches any non-empty suffix, including
			// any further path separators, per spec's restricted subset.
			sb.WriteString("(.+)")
		} else {
			sb.WriteString("([^/]+)")
		}
		pos = litEnd
	}
	sb.WriteString(regexp.QuoteMeta(tmpl[pos:]))
	sb.WriteString("$")

	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, err
	}
	return &templateMatcher{re: re, vars: vars}, nil
}

func (m *templateMatcher) match(uri string) (map[string]string, bool) {
	groups := m.re.FindStringSubmatch(uri)
	if groups == nil {
		return nil, false
	}
	vars := make(map[string]string, len(m.vars))
	for i, name := range m.vars {
		vars[name] = groups[i+1]
	}
	return vars, true
}

// resourceRegistryHandle is the embedder-facing API for resource
// registration and update notification.
type resourceRegistryHandle struct{ s *Server }

func (h *resourceRegistryHandle) Add(def mcptype.Resource, handler ReadHandler) error {
	return h.s.resources.addExact(def, handler)
}

func (h *resourceRegistryHandle) Remove(uri string) bool { return h.s.resources.removeExact(uri) }

func (h *resourceRegistryHandle) AddTemplate(def mcptype.ResourceTemplate, handler TemplateReadHandler) error {
	return h.s.resources.addTemplate(def, handler)
}

func (h *resourceRegistryHandle) RemoveTemplate(uriTemplate string) bool {
	return h.s.resources.removeTemplate(uriTemplate)
}

func (h *resourceRegistryHandle) NotifyListChanged(ctx context.Context) error {
	return h.s.sess.SendNotification(ctx, "notifications/resources/list_changed", struct{}{})
}

// NotifyUpdated sends notifications/resources/updated only if uri has an
// active subscriber, matching the teacher's subscription-gated broadcast.
func (h *resourceRegistryHandle) NotifyUpdated(ctx context.Context, uri string) error {
	if !h.s.resources.hasSubscriber(uri) {
		return nil
	}
	return h.s.sess.SendNotification(ctx, "notifications/resources/updated", struct {
		URI string `json:"uri"`
	}{URI: uri})
}
