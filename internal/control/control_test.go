package control_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/blockandfocus/baf/internal/bypass"
	"github.com/blockandfocus/baf/internal/config"
	"github.com/blockandfocus/baf/internal/control"
	"github.com/blockandfocus/baf/internal/engine"
	"github.com/blockandfocus/baf/internal/filesys"
	"github.com/blockandfocus/baf/internal/state"
	"github.com/blockandfocus/baf/pkg/api"
	"github.com/blockandfocus/baf/pkg/client"
)

type ControlTestSuite struct {
	suite.Suite
	sockPath string
	store    *config.Store
	srv      *control.Server
	cli      *client.Client
}

func (s *ControlTestSuite) SetupTest() {
	dir := s.T().TempDir()
	s.sockPath = filepath.Join(dir, "baf.sock")

	var err error
	s.store, err = config.Open(filesys.OS(), filepath.Join(dir, "config.yaml"), true)
	s.Require().NoError(err)

	// No solve-time floor, so quiz tests answer without sleeping.
	s.Require().NoError(s.store.Mutate(func(p *config.Policy) error {
		p.Quiz.MinSolveSeconds = 0
		return nil
	}))

	eng := engine.New(s.store, state.New(), bypass.New())
	s.srv = control.New(eng)

	go func() {
		if err := s.srv.ListenAndServe(s.sockPath); err != nil {
			s.T().Errorf("control server: %v", err)
		}
	}()
	s.waitForSocket()

	s.cli = client.New(s.sockPath)
}

func (s *ControlTestSuite) TearDownTest() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Require().NoError(s.srv.Shutdown(ctx))
}

func (s *ControlTestSuite) waitForSocket() {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("unix", s.sockPath); err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	s.FailNow("control socket never came up")
}

func (s *ControlTestSuite) ctx() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	s.T().Cleanup(cancel)
	return ctx
}

func (s *ControlTestSuite) TestPing() {
	s.Require().NoError(s.cli.Ping(s.ctx()))
}

func (s *ControlTestSuite) TestStatus() {
	st, err := s.cli.Status(s.ctx())
	s.Require().NoError(err)
	s.True(st.DaemonConnected)
	s.True(st.BlockingActive)
	s.Zero(st.QueriesBlocked)
}

func (s *ControlTestSuite) TestAddListRemove() {
	s.Require().NoError(s.cli.AddDomain(s.ctx(), "Facebook.COM"))
	s.Require().NoError(s.cli.AddDomain(s.ctx(), "twitter.com"))

	domains, err := s.cli.Blocklist(s.ctx())
	s.Require().NoError(err)
	s.Equal([]string{"facebook.com", "twitter.com"}, domains)

	s.Require().NoError(s.cli.RemoveDomain(s.ctx(), "facebook.com"))
	domains, err = s.cli.Blocklist(s.ctx())
	s.Require().NoError(err)
	s.Equal([]string{"twitter.com"}, domains)
}

func (s *ControlTestSuite) TestAddDomainInvalid() {
	err := s.cli.AddDomain(s.ctx(), "not a domain")
	var apiErr *api.Error
	s.Require().ErrorAs(err, &apiErr)
	s.Equal(api.CodeInvalidInput, apiErr.Code)
}

func (s *ControlTestSuite) TestScheduleRoundTrip() {
	sc := config.ScheduleConfig{
		Enabled: true,
		Rules: []config.ScheduleRule{
			{Name: "work", Days: []string{"mon", "tue"}, Start: "09:00", End: "17:00"},
		},
	}
	s.Require().NoError(s.cli.UpdateSchedule(s.ctx(), sc))

	got, err := s.cli.Schedule(s.ctx())
	s.Require().NoError(err)
	s.Equal(sc, got)

	s.Require().NoError(s.cli.SetScheduleEnabled(s.ctx(), false))
	got, err = s.cli.Schedule(s.ctx())
	s.Require().NoError(err)
	s.False(got.Enabled)
}

func (s *ControlTestSuite) TestBypassQuizFlow() {
	s.Require().NoError(s.cli.AddDomain(s.ctx(), "facebook.com"))

	ch, err := s.cli.RequestBypass(s.ctx(), 15)
	s.Require().NoError(err)
	s.NotEmpty(ch.ChallengeID)
	s.Len(ch.Questions, 3)
	s.WithinDuration(time.Now().Add(60*time.Second), ch.ExpiresAt, 5*time.Second)

	answers := make([]int64, len(ch.Questions))
	for i, q := range ch.Questions {
		answers[i] = solve(s, q)
	}
	s.Require().NoError(s.cli.SubmitQuizAnswers(s.ctx(), ch.ChallengeID, answers))

	st, err := s.cli.Status(s.ctx())
	s.Require().NoError(err)
	s.True(st.BypassActive)
	s.False(st.BlockingActive)
	s.Require().NotNil(st.BypassRemainingSeconds)
	s.InDelta(900, *st.BypassRemainingSeconds, 5)

	s.Require().NoError(s.cli.CancelBypass(s.ctx()))
	st, err = s.cli.Status(s.ctx())
	s.Require().NoError(err)
	s.False(st.BypassActive)
	s.True(st.BlockingActive)
}

func (s *ControlTestSuite) TestSubmitWithUnknownChallengeID() {
	_, err := s.cli.RequestBypass(s.ctx(), 15)
	s.Require().NoError(err)

	err = s.cli.SubmitQuizAnswers(s.ctx(), "bogus-id", []int64{1, 2, 3})
	var apiErr *api.Error
	s.Require().ErrorAs(err, &apiErr)
	s.Equal(api.CodeNotFound, apiErr.Code)
}

func (s *ControlTestSuite) TestUnknownCommandType() {
	conn, err := net.Dial("unix", s.sockPath)
	s.Require().NoError(err)
	defer conn.Close()

	_, err = fmt.Fprintf(conn, "{\"type\":\"Nonsense\"}\n")
	s.Require().NoError(err)

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	s.Require().NoError(err)

	var frame api.Frame
	s.Require().NoError(json.Unmarshal(line, &frame))
	s.Equal(api.TypeError, frame.Type)

	var apiErr api.Error
	s.Require().NoError(json.Unmarshal(frame.Payload, &apiErr))
	s.Equal(api.CodeInvalidInput, apiErr.Code)
}

func (s *ControlTestSuite) TestMultipleExchangesPerConnection() {
	conn, err := net.Dial("unix", s.sockPath)
	s.Require().NoError(err)
	defer conn.Close()

	reader := bufio.NewReader(conn)
	for i := 0; i < 3; i++ {
		_, err = fmt.Fprintf(conn, "{\"type\":\"Ping\"}\n")
		s.Require().NoError(err)

		line, err := reader.ReadBytes('\n')
		s.Require().NoError(err)

		var frame api.Frame
		s.Require().NoError(json.Unmarshal(line, &frame))
		s.Equal(api.TypePong, frame.Type)
	}
}

// solve computes the answer to a rendered quiz question like "23 + 45 = ?".
func solve(s *ControlTestSuite, question string) int64 {
	var a, b int64
	var op string
	_, err := fmt.Sscanf(question, "%d %s %d = ?", &a, &op, &b)
	s.Require().NoError(err)
	switch op {
	case "+":
		return a + b
	case "-":
		return a - b
	case "*":
		return a * b
	}
	s.FailNowf("unknown operator", "question %q", question)
	return 0
}

func TestControlTestSuite(t *testing.T) {
	suite.Run(t, new(ControlTestSuite))
}
