// Package engine ties the daemon's subsystems together: the policy
// store, the runtime state, the domain matcher, and the bypass quiz. It
// is the single mutation path, so the matcher snapshot, the persisted
// document, and the live policy can never diverge.
package engine

import (
	"errors"
	"time"

	"go.uber.org/atomic"

	"github.com/blockandfocus/baf/internal/bypass"
	"github.com/blockandfocus/baf/internal/config"
	"github.com/blockandfocus/baf/internal/log"
	"github.com/blockandfocus/baf/internal/matcher"
	"github.com/blockandfocus/baf/internal/schedule"
	"github.com/blockandfocus/baf/internal/state"
	"github.com/blockandfocus/baf/pkg/api"
)

// Engine owns the decision function and every control-plane operation.
type Engine struct {
	store   *config.Store
	runtime *state.Runtime
	quiz    *bypass.Engine

	// match is rebuilt and swapped whenever the blocklist changes, so
	// the DNS hot path reads it without any lock.
	match atomic.Pointer[matcher.Matcher]

	now func() time.Time
}

// New creates an Engine over the given store and runtime, building the
// initial matcher from the current policy.
func New(store *config.Store, runtime *state.Runtime, quiz *bypass.Engine) *Engine {
	e := &Engine{
		store:   store,
		runtime: runtime,
		quiz:    quiz,
		now:     time.Now,
	}
	e.match.Store(matcher.New(store.Snapshot().Blocking.Domains))
	return e
}

// Policy returns the current policy snapshot.
func (e *Engine) Policy() *config.Policy { return e.store.Snapshot() }

// BlockingActiveNow evaluates the decision function at now: blocking is
// enforced iff it is enabled, no bypass window covers now, and either
// the schedule is disabled or a rule covers now.
func (e *Engine) BlockingActiveNow(now time.Time) bool {
	p := e.store.Snapshot()
	if !p.Blocking.Enabled {
		return false
	}
	if e.runtime.BypassActiveAt(now) {
		return false
	}
	if p.Schedule.Enabled && !schedule.IsActiveAt(now, p.Schedule) {
		return false
	}
	return true
}

// ShouldBlockQuery is the per-query decision the DNS frontend calls.
func (e *Engine) ShouldBlockQuery(name string) bool {
	return e.BlockingActiveNow(e.now()) && e.match.Load().Match(name)
}

// QueryBlocked records one short-circuited query.
func (e *Engine) QueryBlocked() { e.runtime.CountBlocked() }

// QueryForwarded records one relayed query.
func (e *Engine) QueryForwarded() { e.runtime.CountForwarded() }

// Status assembles the GetStatus payload from the policy and runtime
// state at the current instant.
func (e *Engine) Status(version string) api.Status {
	now := e.now()
	p := e.store.Snapshot()

	st := api.Status{
		BlockingActive:      e.BlockingActiveNow(now),
		BlockingEnabled:     p.Blocking.Enabled,
		ScheduleEnabled:     p.Schedule.Enabled,
		DaemonConnected:     true,
		BlockedDomainsCount: len(p.Blocking.Domains),
		BlockedCount:        e.runtime.QueriesBlocked(),
		QueriesBlocked:      e.runtime.QueriesBlocked(),
		QueriesForwarded:    e.runtime.QueriesForwarded(),
		UptimeSeconds:       int64(now.Sub(e.runtime.StartedAt()).Seconds()),
		Version:             version,
	}

	if rule, ok := schedule.ActiveRule(now, p.Schedule); ok {
		st.ScheduleActive = true
		st.ActiveScheduleRule = rule.Name
	}

	if until, ok := e.runtime.BypassUntil(); ok && now.Before(until) {
		st.BypassActive = true
		ts := until.Unix()
		st.BypassUntil = &ts
		remaining := int64(until.Sub(now).Seconds())
		st.BypassRemainingSeconds = &remaining
	}

	return st
}

// Blocklist returns the normalized blocklist in document order.
func (e *Engine) Blocklist() []string {
	return append([]string(nil), e.store.Snapshot().Blocking.Domains...)
}

// AddDomain validates, normalizes, and appends a domain to the
// blocklist. Adding a domain that is already present succeeds without
// changing the document.
func (e *Engine) AddDomain(domain string) error {
	d := matcher.Normalize(domain)
	if err := matcher.ValidateDomain(d); err != nil {
		return api.Errorf(api.CodeInvalidInput, "%v", err)
	}

	err := e.store.Mutate(func(p *config.Policy) error {
		for _, existing := range p.Blocking.Domains {
			if existing == d {
				return nil
			}
		}
		p.Blocking.Domains = append(p.Blocking.Domains, d)
		return nil
	})
	if err != nil {
		return e.mutationError(err)
	}

	e.rebuildMatcher()
	log.Info("domain added to blocklist", "domain", d)
	return nil
}

// RemoveDomain removes a domain from the blocklist. Removing an absent
// domain succeeds without changing the document.
func (e *Engine) RemoveDomain(domain string) error {
	d := matcher.Normalize(domain)
	if err := matcher.ValidateDomain(d); err != nil {
		return api.Errorf(api.CodeInvalidInput, "%v", err)
	}

	err := e.store.Mutate(func(p *config.Policy) error {
		kept := p.Blocking.Domains[:0]
		for _, existing := range p.Blocking.Domains {
			if existing != d {
				kept = append(kept, existing)
			}
		}
		p.Blocking.Domains = kept
		return nil
	})
	if err != nil {
		return e.mutationError(err)
	}

	e.rebuildMatcher()
	log.Info("domain removed from blocklist", "domain", d)
	return nil
}

// Schedule returns the current schedule section.
func (e *Engine) Schedule() config.ScheduleConfig {
	return e.store.Snapshot().Clone().Schedule
}

// UpdateSchedule replaces the schedule section after validation.
func (e *Engine) UpdateSchedule(sc config.ScheduleConfig) error {
	err := e.store.Mutate(func(p *config.Policy) error {
		p.Schedule = sc
		return nil
	})
	if err != nil {
		return e.mutationError(err)
	}
	log.Info("schedule updated", "rules", len(sc.Rules), "enabled", sc.Enabled)
	return nil
}

// SetScheduleEnabled flips the schedule flag.
func (e *Engine) SetScheduleEnabled(enabled bool) error {
	err := e.store.Mutate(func(p *config.Policy) error {
		p.Schedule.Enabled = enabled
		return nil
	})
	if err != nil {
		return e.mutationError(err)
	}
	log.Info("schedule flag changed", "enabled", enabled)
	return nil
}

// SetBlockingEnabled flips the blocking flag.
func (e *Engine) SetBlockingEnabled(enabled bool) error {
	err := e.store.Mutate(func(p *config.Policy) error {
		p.Blocking.Enabled = enabled
		return nil
	})
	if err != nil {
		return e.mutationError(err)
	}
	log.Info("blocking flag changed", "enabled", enabled)
	return nil
}

// RequestBypass issues a fresh quiz challenge for a bypass of the given
// length, superseding any pending challenge.
func (e *Engine) RequestBypass(durationMinutes int) (*bypass.Challenge, error) {
	if durationMinutes < 1 {
		return nil, api.Errorf(api.CodeInvalidInput, "duration must be at least 1 minute")
	}

	ch, err := e.quiz.Issue(e.store.Snapshot().Quiz, time.Duration(durationMinutes)*time.Minute)
	if err != nil {
		return nil, api.Errorf(api.CodeInternal, "issuing challenge: %v", err)
	}
	log.Info("bypass challenge issued", "id", ch.ID, "questions", len(ch.Questions), "minutes", durationMinutes)
	return ch, nil
}

// SubmitQuizAnswers validates a quiz submission; on success the bypass
// window opens for the duration recorded at issue time.
func (e *Engine) SubmitQuizAnswers(id string, answers []int64) error {
	duration, err := e.quiz.Submit(id, answers)
	if err != nil {
		switch {
		case errors.Is(err, bypass.ErrNoChallenge):
			return api.Errorf(api.CodeNotFound, "no matching challenge")
		case errors.Is(err, bypass.ErrExpired):
			return api.Errorf(api.CodeExpired, "challenge expired")
		case errors.Is(err, bypass.ErrTooFast):
			return api.Errorf(api.CodeTooFast, "answers submitted too fast")
		case errors.Is(err, bypass.ErrWrongAnswer):
			return api.Errorf(api.CodeWrongAnswer, "wrong answer")
		default:
			return api.Errorf(api.CodeInternal, "%v", err)
		}
	}

	until := e.now().Add(duration)
	e.runtime.GrantBypass(until)
	log.Info("bypass granted", "until", until)
	return nil
}

// CancelBypass clears any active bypass window. Cancelling with no
// window in place still succeeds.
func (e *Engine) CancelBypass() error {
	e.runtime.ClearBypass()
	log.Info("bypass cancelled")
	return nil
}

func (e *Engine) rebuildMatcher() {
	e.match.Store(matcher.New(e.store.Snapshot().Blocking.Domains))
}

// mutationError maps store failures onto the wire taxonomy: validation
// failures are the caller's input, anything else is storage.
func (e *Engine) mutationError(err error) error {
	if errors.Is(err, config.ErrInvalidConfig) {
		return api.Errorf(api.CodeInvalidInput, "%v", err)
	}
	return api.Errorf(api.CodeIo, "persisting policy: %v", err)
}
