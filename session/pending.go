package session

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mcpcore/engine/protocol"
)

// pendingCallback is invoked exactly once, either with the matching
// Response/ErrorResponse message or with a synthetic completion when the
// request is cancelled or the session tears down.
type pendingCallback func(msg *protocol.Message, err error)

type pendingEntry struct {
	callback  pendingCallback
	createdAt time.Time
}

// pendingTable is the request/response correlation table, grounded on the
// teacher's RequestManager: a map keyed by the id's opaque string form,
// one registration per outstanding request, deleted on first completion.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]pendingEntry
	logger  *zap.Logger
	counter uint64
}

func newPendingTable(logger *zap.Logger) *pendingTable {
	return &pendingTable{entries: make(map[string]pendingEntry), logger: logger}
}

// nextID generates the next outgoing request id: a monotonically
// increasing counter formatted as a decimal string, per spec's "opaque
// string" requirement — numeric-looking but never interpreted as a number
// internally.
func (p *pendingTable) nextID() protocol.RequestID {
	n := atomic.AddUint64(&p.counter, 1)
	return protocol.NewRequestID(strconv.FormatUint(n, 10))
}

func (p *pendingTable) register(id protocol.RequestID, cb pendingCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[id.String()] = pendingEntry{callback: cb, createdAt: time.Now()}
}

// resolve looks up and removes the entry for msg's id, invoking its
// callback. Returns false if no entry was found (late, duplicate, or
// unsolicited response).
func (p *pendingTable) resolve(msg *protocol.Message) bool {
	p.mu.Lock()
	entry, ok := p.entries[msg.ID.String()]
	if ok {
		delete(p.entries, msg.ID.String())
	}
	p.mu.Unlock()

	if !ok {
		p.logger.Warn("no pending request for response", zap.String("id", msg.ID.String()))
		return false
	}
	entry.callback(msg, nil)
	return true
}

// cancel completes one pending request early, e.g. in response to a
// notifications/cancelled from the peer.
func (p *pendingTable) cancel(id protocol.RequestID, err error) bool {
	p.mu.Lock()
	entry, ok := p.entries[id.String()]
	if ok {
		delete(p.entries, id.String())
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	entry.callback(nil, err)
	return true
}

// cancelAll completes every outstanding request with err, used when the
// session tears down so no caller of SendRequest blocks forever.
func (p *pendingTable) cancelAll(err error) {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]pendingEntry)
	p.mu.Unlock()

	for _, e := range entries {
		e.callback(nil, err)
	}
}
