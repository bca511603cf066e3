package bypass

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockandfocus/baf/internal/config"
)

func quizCfg() config.QuizConfig {
	return config.QuizConfig{
		NumQuestions:    3,
		MinOperand:      2,
		MaxOperand:      99,
		TimeoutSeconds:  60,
		MinSolveSeconds: 3,
	}
}

// clock is a controllable time source.
type clock struct {
	now time.Time
}

func (c *clock) time() time.Time         { return c.now }
func (c *clock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestEngine() (*Engine, *clock) {
	c := &clock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	return NewWithClock(c.time), c
}

func TestIssue(t *testing.T) {
	e, c := newTestEngine()

	ch, err := e.Issue(quizCfg(), 15*time.Minute)
	require.NoError(t, err)

	assert.NotEmpty(t, ch.ID)
	assert.Len(t, ch.Questions, 3)
	assert.Len(t, ch.answers, 3)
	assert.Equal(t, c.now, ch.IssuedAt)
	assert.Equal(t, c.now.Add(60*time.Second), ch.ExpiresAt)
	assert.Equal(t, 15*time.Minute, ch.Duration)
	for _, q := range ch.Questions {
		assert.Regexp(t, `^\d+ [+*-] \d+ = \?$`, q)
	}
}

func TestIssueSupersedesPrior(t *testing.T) {
	e, _ := newTestEngine()

	first, err := e.Issue(quizCfg(), 15*time.Minute)
	require.NoError(t, err)
	second, err := e.Issue(quizCfg(), 30*time.Minute)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	// The first challenge is gone.
	_, err = e.Submit(first.ID, first.answers)
	assert.ErrorIs(t, err, ErrNoChallenge)

	// And since an unknown id leaves pending untouched, the second still works.
	_, err = e.Submit(second.ID, second.answers)
	// Too fast: no time has passed. Pending is now cleared.
	assert.ErrorIs(t, err, ErrTooFast)
}

func TestSubmitSuccess(t *testing.T) {
	e, c := newTestEngine()

	ch, err := e.Issue(quizCfg(), 15*time.Minute)
	require.NoError(t, err)

	c.advance(4 * time.Second)
	dur, err := e.Submit(ch.ID, ch.answers)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, dur)

	// Consumed: a second submission finds nothing.
	_, err = e.Submit(ch.ID, ch.answers)
	assert.ErrorIs(t, err, ErrNoChallenge)
}

func TestSubmitUnknownIDKeepsPending(t *testing.T) {
	e, c := newTestEngine()

	ch, err := e.Issue(quizCfg(), 15*time.Minute)
	require.NoError(t, err)

	_, err = e.Submit("not-the-id", ch.answers)
	require.ErrorIs(t, err, ErrNoChallenge)

	// Pending unchanged: the real id still validates.
	c.advance(4 * time.Second)
	_, err = e.Submit(ch.ID, ch.answers)
	require.NoError(t, err)
}

func TestSubmitTooFastClearsPending(t *testing.T) {
	e, c := newTestEngine()

	ch, err := e.Issue(quizCfg(), 15*time.Minute)
	require.NoError(t, err)

	c.advance(1 * time.Second)
	_, err = e.Submit(ch.ID, ch.answers)
	require.ErrorIs(t, err, ErrTooFast)

	// Cleared: retrying with the right answers finds no challenge.
	c.advance(10 * time.Second)
	_, err = e.Submit(ch.ID, ch.answers)
	assert.ErrorIs(t, err, ErrNoChallenge)
}

func TestSubmitExpiredClearsPending(t *testing.T) {
	e, c := newTestEngine()

	ch, err := e.Issue(quizCfg(), 15*time.Minute)
	require.NoError(t, err)

	c.advance(61 * time.Second)
	_, err = e.Submit(ch.ID, ch.answers)
	require.ErrorIs(t, err, ErrExpired)

	_, err = e.Submit(ch.ID, ch.answers)
	assert.ErrorIs(t, err, ErrNoChallenge)
}

func TestSubmitWrongAnswersClearsPending(t *testing.T) {
	e, c := newTestEngine()

	ch, err := e.Issue(quizCfg(), 15*time.Minute)
	require.NoError(t, err)

	c.advance(4 * time.Second)
	wrong := make([]int64, len(ch.answers))
	for i, a := range ch.answers {
		wrong[i] = a + 1
	}
	_, err = e.Submit(ch.ID, wrong)
	require.ErrorIs(t, err, ErrWrongAnswer)

	_, err = e.Submit(ch.ID, ch.answers)
	assert.ErrorIs(t, err, ErrNoChallenge)
}

func TestSubmitAnswerCountMismatch(t *testing.T) {
	e, c := newTestEngine()

	ch, err := e.Issue(quizCfg(), 15*time.Minute)
	require.NoError(t, err)

	c.advance(4 * time.Second)
	_, err = e.Submit(ch.ID, ch.answers[:2])
	assert.ErrorIs(t, err, ErrWrongAnswer)
}

func TestPending(t *testing.T) {
	e, c := newTestEngine()
	assert.False(t, e.Pending(c.now))

	ch, err := e.Issue(quizCfg(), 15*time.Minute)
	require.NoError(t, err)
	assert.True(t, e.Pending(c.now))

	// An expired challenge no longer counts as pending.
	assert.False(t, e.Pending(ch.ExpiresAt.Add(time.Second)))
}

func TestMakeProblem(t *testing.T) {
	for i := 0; i < 200; i++ {
		text, answer, err := makeProblem(2, 9)
		require.NoError(t, err)
		require.Regexp(t, `^\d [+*-] \d = \?$`, text)
		// Subtraction is arranged to be non-negative; addition and
		// multiplication are trivially so.
		require.GreaterOrEqual(t, answer, int64(0))
	}

	// Degenerate range still works.
	text, answer, err := makeProblem(5, 5)
	require.NoError(t, err)
	require.Contains(t, []int64{10, 0, 25}, answer)
	require.NotEmpty(t, text)
}
