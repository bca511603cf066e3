// Package state holds the daemon's non-persisted runtime state: query
// counters, the bypass window, and the process start instant. Everything
// here is discarded on restart; the policy document is the only durable
// artifact.
package state

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Runtime is the concurrency-safe runtime state container. Counters are
// atomics so the DNS hot path never contends with writers; the bypass
// window sits behind a reader/writer mutex.
type Runtime struct {
	queriesBlocked   atomic.Int64
	queriesForwarded atomic.Int64

	mu          sync.RWMutex
	bypassUntil time.Time

	startedAt time.Time
}

// New creates a Runtime stamped with the current instant.
func New() *Runtime {
	return &Runtime{startedAt: time.Now()}
}

// StartedAt returns the process start instant, for uptime reporting.
func (r *Runtime) StartedAt() time.Time { return r.startedAt }

// CountBlocked records one short-circuited query.
func (r *Runtime) CountBlocked() { r.queriesBlocked.Inc() }

// CountForwarded records one query relayed from the upstream.
func (r *Runtime) CountForwarded() { r.queriesForwarded.Inc() }

// QueriesBlocked returns the number of short-circuited queries.
func (r *Runtime) QueriesBlocked() int64 { return r.queriesBlocked.Load() }

// QueriesForwarded returns the number of forwarded queries.
func (r *Runtime) QueriesForwarded() int64 { return r.queriesForwarded.Load() }

// GrantBypass suspends blocking until the given instant.
func (r *Runtime) GrantBypass(until time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bypassUntil = until
}

// ClearBypass ends any active bypass window. Clearing with no window in
// place is a no-op.
func (r *Runtime) ClearBypass() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bypassUntil = time.Time{}
}

// BypassUntil returns the end of the bypass window and whether one has
// been granted. Callers decide activity against their own notion of now.
func (r *Runtime) BypassUntil() (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bypassUntil, !r.bypassUntil.IsZero()
}

// BypassActiveAt reports whether blocking is suspended at the given
// instant.
func (r *Runtime) BypassActiveAt(now time.Time) bool {
	until, ok := r.BypassUntil()
	return ok && now.Before(until)
}
