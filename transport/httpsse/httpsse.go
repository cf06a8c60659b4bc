// Package httpsse implements the engine's HTTP+SSE transport: outbound
// frames are POSTed, inbound frames arrive on a GET SSE stream correlated
// by the Mcp-Session-Id header and resumed with Last-Event-ID.
package httpsse

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/r3labs/sse/v2"
	"go.uber.org/zap"
	"gopkg.in/cenkalti/backoff.v1"

	"github.com/mcpcore/engine/transport"
)

const mcpSessionHeader = "Mcp-Session-Id"

// Config configures the client-side endpoint and auth.
type Config struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
}

// Transport implements transport.Transport by pairing a POST sender with a
// GET SSE receiver, matching the teacher's processLoop shape but keyed off
// the Mcp-Session-Id header handshake instead of a bare "endpoint" event.
type Transport struct {
	*transport.Base

	cfg Config

	mu          sync.RWMutex
	sessionID   string
	postURL     string
	lastEventID string

	sseClient *sse.Client
	sseCh     chan *sse.Event
	closeCh   chan struct{}
}

// New builds a Transport for cfg. Connect performs the GET SSE subscription
// and waits for the server to assign a session id.
func New(logger *zap.Logger, cfg Config) *Transport {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	t := &Transport{
		Base:    transport.NewBase(logger, 64),
		cfg:     cfg,
		postURL: cfg.BaseURL,
		sseCh:   make(chan *sse.Event),
		closeCh: make(chan struct{}),
	}
	t.sseClient = sse.NewClient(cfg.BaseURL)
	t.sseClient.Headers = t.authHeaders()
	return t
}

func (t *Transport) authHeaders() map[string]string {
	h := map[string]string{"Accept": "text/event-stream"}
	if t.cfg.BearerToken != "" {
		h["Authorization"] = "Bearer " + t.cfg.BearerToken
	}
	t.mu.RLock()
	if t.sessionID != "" {
		h[mcpSessionHeader] = t.sessionID
	}
	t.mu.RUnlock()
	return h
}

// Connect opens the SSE stream and starts the read loop. The server's
// session id is learned from the Mcp-Session-Id response header on the SSE
// upgrade response itself (spec §4.4), via the r3labs/sse client's
// ResponseValidator hook, and used to seed every subsequent POST.
func (t *Transport) Connect(ctx context.Context) error {
	t.SetState(transport.Connecting)

	sseCtx, sseCancel := context.WithCancel(ctx)
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 0
	t.sseClient.ReconnectStrategy = backoff.WithContext(expBackoff, sseCtx)
	t.sseClient.ReconnectNotify = func(err error, d time.Duration) {
		t.Logger.Warn("sse reconnecting", zap.Error(err), zap.Duration("delay", d))
	}
	t.sseClient.Headers = t.authHeaders()
	t.sseClient.ResponseValidator = func(c *sse.Client, resp *http.Response) error {
		if sid := resp.Header.Get(mcpSessionHeader); sid != "" {
			t.mu.Lock()
			t.sessionID = sid
			t.mu.Unlock()
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("httpsse: unexpected sse status %d", resp.StatusCode)
		}
		return nil
	}

	if err := t.sseClient.SubscribeChanWithContext(sseCtx, "", t.sseCh); err != nil {
		sseCancel()
		t.SetState(transport.Error)
		return fmt.Errorf("httpsse: subscribe: %w", err)
	}

	go t.readLoop(sseCancel)
	t.SetState(transport.Connected)
	return nil
}

func (t *Transport) readLoop(sseCancel context.CancelFunc) {
	defer func() {
		sseCancel()
		t.sseClient.Unsubscribe(t.sseCh)
		t.SetState(transport.Disconnected)
		t.CloseChannels()
	}()

	for {
		select {
		case ev, ok := <-t.sseCh:
			if !ok {
				return
			}
			if ev == nil {
				continue
			}
			if len(ev.ID) > 0 {
				t.mu.Lock()
				t.lastEventID = string(ev.ID)
				t.mu.Unlock()
			}
			if len(ev.Data) == 0 {
				continue
			}
			frame := make([]byte, len(ev.Data))
			copy(frame, ev.Data)
			t.EmitMessage(frame)
		case <-t.closeCh:
			return
		}
	}
}

// Disconnect closes the SSE subscription.
func (t *Transport) Disconnect(ctx context.Context) error {
	if t.State() == transport.Disconnected {
		return nil
	}
	t.SetState(transport.Disconnecting)
	select {
	case <-t.closeCh:
	default:
		close(t.closeCh)
	}
	return nil
}

// Send POSTs one frame to the POST URL (cfg.BaseURL) with the session id and
// bearer auth attached.
func (t *Transport) Send(ctx context.Context, frame []byte) error {
	t.mu.RLock()
	url, sid := t.postURL, t.sessionID
	t.mu.RUnlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(frame))
	if err != nil {
		return fmt.Errorf("httpsse: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sid != "" {
		req.Header.Set(mcpSessionHeader, sid)
	}
	if t.cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.cfg.BearerToken)
	}

	resp, err := t.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("httpsse: post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("httpsse: post status %d: %s", resp.StatusCode, body)
	}

	if isJSONContentType(resp.Header.Get("Content-Type")) {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("httpsse: read post response: %w", err)
		}
		if len(body) > 0 {
			t.EmitMessage(body)
		}
	}
	return nil
}

// isJSONContentType reports whether a Content-Type header names
// application/json, ignoring parameters such as charset.
func isJSONContentType(v string) bool {
	mediaType, _, err := mime.ParseMediaType(v)
	if err != nil {
		return false
	}
	return mediaType == "application/json"
}

// ParseTarget parses a base URL, returning an error for a malformed one. New
// does not call it; a caller may use it to check a URL before building a
// Transport.
func ParseTarget(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("httpsse: invalid base url: %w", err)
	}
	return u, nil
}
