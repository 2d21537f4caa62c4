// Package ratelimit tracks server-imposed cooldowns after HTTP 429 responses.
package ratelimit

import (
	"sync"
	"time"
)

const (
	// DefaultInitial is the first cooldown after a 429.
	DefaultInitial = 2 * time.Second
	// DefaultMax caps the cooldown however many 429s arrive in a row.
	DefaultMax = 20 * time.Second
)

// Policy bounds the cooldown. Zero fields take the defaults.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
}

// Guard remembers whether the client is inside a cooldown window and grows
// that window exponentially on repeated 429s.
//
// Guard is safe for concurrent use: the send path and the poll loop both
// consult it.
type Guard struct {
	mu            sync.Mutex
	policy        Policy
	limited       bool
	cooldownUntil time.Time
}

// NewGuard returns a Guard that is not limited.
func NewGuard(p Policy) *Guard {
	if p.Initial <= 0 {
		p.Initial = DefaultInitial
	}
	if p.Max <= 0 {
		p.Max = DefaultMax
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	return &Guard{policy: p}
}

// IsBlocked reports whether now falls inside the cooldown window. Once the
// window has passed the limited flag is cleared.
func (g *Guard) IsBlocked(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.limited {
		return false
	}
	if now.Before(g.cooldownUntil) {
		return true
	}
	g.limited = false
	return false
}

// RecordHit registers a 429 at now and returns the delay after which exactly
// one retry should be attempted. The delay doubles the cooldown still
// remaining from the previous hit, starting at Policy.Initial and capped at
// Policy.Max.
func (g *Guard) RecordHit(now time.Time) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	var remaining time.Duration
	if g.limited {
		remaining = g.cooldownUntil.Sub(now)
	}

	next := g.policy.Initial
	if remaining > 0 {
		next = remaining * 2
	}
	if next > g.policy.Max {
		next = g.policy.Max
	}

	g.limited = true
	g.cooldownUntil = now.Add(next)
	return next
}

// Remaining returns how long the cooldown still lasts, or 0 when not limited.
func (g *Guard) Remaining(now time.Time) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.limited {
		return 0
	}
	if d := g.cooldownUntil.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Reset forgets any cooldown.
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limited = false
	g.cooldownUntil = time.Time{}
}
