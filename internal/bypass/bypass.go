// Package bypass implements the quiz challenge that gates temporary
// suspension of blocking. Challenges are generated and validated
// entirely server-side: the answers never leave the daemon, and the
// minimum solve time is enforced against the daemon's clock, so a
// client that tampers with its local copy gains nothing.
package bypass

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blockandfocus/baf/internal/config"
)

var (
	// ErrNoChallenge is returned when the submitted id matches no
	// pending challenge.
	ErrNoChallenge = errors.New("no matching challenge")
	// ErrExpired is returned when the challenge deadline has passed.
	ErrExpired = errors.New("challenge expired")
	// ErrTooFast is returned when answers arrive before the minimum
	// solve time has elapsed.
	ErrTooFast = errors.New("answers submitted too fast")
	// ErrWrongAnswer is returned when the answers do not match.
	ErrWrongAnswer = errors.New("wrong answer")
)

// Challenge is one issued quiz. Questions are shown to the client; the
// answers stay private to this package.
type Challenge struct {
	ID        string
	Questions []string
	IssuedAt  time.Time
	ExpiresAt time.Time
	// Duration is the bypass window length requested at issue time. It
	// is fixed here so a client cannot renegotiate it at submit time.
	Duration time.Duration

	answers  []int64
	minSolve time.Duration
}

// Engine is the singleton bypass state machine. At most one challenge is
// pending at any moment; issuing a new one supersedes the prior.
type Engine struct {
	mu      sync.Mutex
	pending *Challenge

	// now is injectable for tests.
	now func() time.Time
}

// New creates an Engine using the wall clock.
func New() *Engine {
	return &Engine{now: time.Now}
}

// NewWithClock creates an Engine with an injected clock.
func NewWithClock(now func() time.Time) *Engine {
	return &Engine{now: now}
}

// Issue generates a fresh challenge from the quiz parameters and makes
// it the pending one, replacing any prior challenge.
func (e *Engine) Issue(q config.QuizConfig, duration time.Duration) (*Challenge, error) {
	questions := make([]string, q.NumQuestions)
	answers := make([]int64, q.NumQuestions)
	for i := 0; i < q.NumQuestions; i++ {
		text, answer, err := makeProblem(q.MinOperand, q.MaxOperand)
		if err != nil {
			return nil, fmt.Errorf("generating challenge: %w", err)
		}
		questions[i] = text
		answers[i] = answer
	}

	issued := e.now()
	ch := &Challenge{
		ID:        uuid.NewString(),
		Questions: questions,
		IssuedAt:  issued,
		ExpiresAt: issued.Add(time.Duration(q.TimeoutSeconds) * time.Second),
		Duration:  duration,
		answers:   answers,
		minSolve:  time.Duration(q.MinSolveSeconds) * time.Second,
	}

	e.mu.Lock()
	e.pending = ch
	e.mu.Unlock()

	return ch, nil
}

// Submit validates answers against the pending challenge. Checks run in
// a fixed order: id match, expiry, minimum solve time, then answer
// equality. An unknown id leaves the pending challenge untouched; every
// other failure clears it, so a wrong or premature submission forces a
// fresh challenge rather than permitting rapid retries against the same
// answers.
//
// On success the pending challenge is consumed and its recorded bypass
// duration is returned.
func (e *Engine) Submit(id string, answers []int64) (time.Duration, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch := e.pending
	if ch == nil || ch.ID != id {
		return 0, ErrNoChallenge
	}

	now := e.now()
	if now.After(ch.ExpiresAt) {
		e.pending = nil
		return 0, ErrExpired
	}
	if now.Sub(ch.IssuedAt) < ch.minSolve {
		e.pending = nil
		return 0, ErrTooFast
	}
	if !answersMatch(ch.answers, answers) {
		e.pending = nil
		return 0, ErrWrongAnswer
	}

	e.pending = nil
	return ch.Duration, nil
}

// Pending reports whether a challenge is outstanding at the given
// instant. An expired challenge does not count.
func (e *Engine) Pending(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending != nil && !now.After(e.pending.ExpiresAt)
}

func answersMatch(expected, got []int64) bool {
	if len(expected) != len(got) {
		return false
	}
	for i := range expected {
		if expected[i] != got[i] {
			return false
		}
	}
	return true
}

// makeProblem renders one arithmetic problem and its answer. Operands
// are uniform in [min, max]; subtraction is ordered so the result is
// never negative.
func makeProblem(min, max int) (string, int64, error) {
	a, err := randInt(min, max)
	if err != nil {
		return "", 0, err
	}
	b, err := randInt(min, max)
	if err != nil {
		return "", 0, err
	}
	op, err := randInt(0, 2)
	if err != nil {
		return "", 0, err
	}

	switch op {
	case 0:
		return fmt.Sprintf("%d + %d = ?", a, b), a + b, nil
	case 1:
		if a < b {
			a, b = b, a
		}
		return fmt.Sprintf("%d - %d = ?", a, b), a - b, nil
	default:
		return fmt.Sprintf("%d * %d = ?", a, b), a * b, nil
	}
}

// randInt returns a uniform integer in [min, max] from crypto/rand.
func randInt(min, max int) (int64, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max-min+1)))
	if err != nil {
		return 0, err
	}
	return int64(min) + n.Int64(), nil
}
