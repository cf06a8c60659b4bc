// Package validators holds ambient request-pipeline checks a server may
// install ahead of dispatch. These are not part of the wire protocol; they
// are the same kind of defense-in-depth the teacher always wires in.
package validators

import (
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// Throttling enforces a requests-per-second and requests-per-minute cap
// per session id. Ported from the teacher's server/mcp/validators package;
// adapted to key limiters by a caller-supplied session id instead of a
// shared.ISession, since this engine's sessions don't carry a generic
// key/value parameter bag.
type Throttling struct {
	defaultRPS int
	defaultRPM int

	mu       sync.Mutex
	limiters map[string]*limiterPair
}

type limiterPair struct {
	rps *rate.Limiter
	rpm *rate.Limiter
}

// NewThrottling builds a Throttling validator with the given default
// limits. A zero value disables that particular limit.
func NewThrottling(defaultRPS, defaultRPM int) *Throttling {
	return &Throttling{
		defaultRPS: defaultRPS,
		defaultRPM: defaultRPM,
		limiters:   make(map[string]*limiterPair),
	}
}

func (t *Throttling) pairFor(sessionID string) *limiterPair {
	t.mu.Lock()
	defer t.mu.Unlock()

	if p, ok := t.limiters[sessionID]; ok {
		return p
	}

	p := &limiterPair{}
	if t.defaultRPS > 0 {
		p.rps = rate.NewLimiter(rate.Limit(t.defaultRPS), t.defaultRPS)
	}
	if t.defaultRPM > 0 {
		p.rpm = rate.NewLimiter(rate.Limit(t.defaultRPM)/60.0, t.defaultRPM)
	}
	t.limiters[sessionID] = p
	return p
}

// Allow reports whether one more inbound message from sessionID is within
// both limits, consuming a token from each configured limiter.
func (t *Throttling) Allow(sessionID string) error {
	p := t.pairFor(sessionID)
	if p.rps != nil && !p.rps.Allow() {
		return fmt.Errorf("throttling: rps limit exceeded for session %s", sessionID)
	}
	if p.rpm != nil && !p.rpm.Allow() {
		return fmt.Errorf("throttling: rpm limit exceeded for session %s", sessionID)
	}
	return nil
}

// Forget drops a session's limiter state, called when a session closes.
func (t *Throttling) Forget(sessionID string) {
	t.mu.Lock()
	delete(t.limiters, sessionID)
	t.mu.Unlock()
}
