// Package control serves the typed request/response protocol on the
// daemon's Unix socket. Frames are newline-delimited JSON; one request
// yields one response, and a connection may carry several sequential
// exchanges before the idle deadline closes it.
package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/blockandfocus/baf/internal/buildinfo"
	"github.com/blockandfocus/baf/internal/engine"
	"github.com/blockandfocus/baf/internal/log"
	"github.com/blockandfocus/baf/internal/socket"
	"github.com/blockandfocus/baf/pkg/api"
)

const (
	// readDeadline closes a connection that sends nothing for this long.
	readDeadline = 10 * time.Second
	// maxFrameBytes bounds one request line.
	maxFrameBytes = 1 << 16
)

// Server accepts control connections and dispatches commands to the
// engine. Reads proceed concurrently; every mutation serializes inside
// the engine's store.
type Server struct {
	eng  *engine.Engine
	path string

	mu     sync.Mutex
	ln     net.Listener
	closed bool
	wg     sync.WaitGroup
}

// New creates a Server over the given engine.
func New(eng *engine.Engine) *Server {
	return &Server{eng: eng}
}

// ListenAndServe binds the Unix socket at path and serves until
// Shutdown. The socket file is removed on shutdown. Access control is
// the file mode: only the owner may connect.
func (s *Server) ListenAndServe(path string) error {
	ln, err := socket.Listen(path, 0o600)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.ln = ln
	s.path = path
	s.mu.Unlock()

	log.Info("control: listening", "path", path)

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Shutdown closes the listener, waits for in-flight connections up to
// the context deadline, and removes the socket file.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	ln := s.ln
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxFrameBytes)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			return
		}
		if !scanner.Scan() {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req api.Frame
		var resp api.Frame
		if err := json.Unmarshal(line, &req); err != nil {
			resp = errFrame(api.Errorf(api.CodeInvalidInput, "malformed frame: %v", err))
		} else {
			resp = s.dispatch(req)
		}

		out, err := json.Marshal(resp)
		if err != nil {
			log.Error("control: encoding response", "err", err)
			return
		}
		out = append(out, '\n')
		if _, err := conn.Write(out); err != nil {
			log.Debug("control: write failed", "err", err)
			return
		}
	}
}

// dispatch routes one request frame to the engine and shapes the reply.
func (s *Server) dispatch(req api.Frame) api.Frame {
	switch req.Type {
	case api.TypePing:
		return mustFrame(api.TypePong, nil)

	case api.TypeGetStatus:
		return mustFrame(api.TypeStatus, s.eng.Status(buildinfo.Version))

	case api.TypeGetBlocklist:
		return mustFrame(api.TypeBlocklist, api.Blocklist{Domains: s.eng.Blocklist()})

	case api.TypeAddDomain:
		var p api.DomainRequest
		if err := decode(req.Payload, &p); err != nil {
			return errFrame(err)
		}
		if err := s.eng.AddDomain(p.Domain); err != nil {
			return errFrame(err)
		}
		return mustFrame(api.TypeSuccess, nil)

	case api.TypeRemoveDomain:
		var p api.DomainRequest
		if err := decode(req.Payload, &p); err != nil {
			return errFrame(err)
		}
		if err := s.eng.RemoveDomain(p.Domain); err != nil {
			return errFrame(err)
		}
		return mustFrame(api.TypeSuccess, nil)

	case api.TypeGetSchedule:
		return mustFrame(api.TypeSchedule, api.Schedule{Schedule: s.eng.Schedule()})

	case api.TypeUpdateSchedule:
		var p api.Schedule
		if err := decode(req.Payload, &p); err != nil {
			return errFrame(err)
		}
		if err := s.eng.UpdateSchedule(p.Schedule); err != nil {
			return errFrame(err)
		}
		return mustFrame(api.TypeSuccess, nil)

	case api.TypeSetScheduleEnabled:
		var p api.SetEnabled
		if err := decode(req.Payload, &p); err != nil {
			return errFrame(err)
		}
		if err := s.eng.SetScheduleEnabled(p.Enabled); err != nil {
			return errFrame(err)
		}
		return mustFrame(api.TypeSuccess, nil)

	case api.TypeSetBlockingEnabled:
		var p api.SetEnabled
		if err := decode(req.Payload, &p); err != nil {
			return errFrame(err)
		}
		if err := s.eng.SetBlockingEnabled(p.Enabled); err != nil {
			return errFrame(err)
		}
		return mustFrame(api.TypeSuccess, nil)

	case api.TypeRequestBypass:
		var p api.BypassRequest
		if err := decode(req.Payload, &p); err != nil {
			return errFrame(err)
		}
		ch, err := s.eng.RequestBypass(p.DurationMinutes)
		if err != nil {
			return errFrame(err)
		}
		return mustFrame(api.TypeQuizChallenge, api.QuizChallenge{
			ChallengeID: ch.ID,
			Questions:   ch.Questions,
			ExpiresAt:   ch.ExpiresAt,
		})

	case api.TypeSubmitQuizAnswers:
		var p api.QuizAnswers
		if err := decode(req.Payload, &p); err != nil {
			return errFrame(err)
		}
		if err := s.eng.SubmitQuizAnswers(p.ChallengeID, p.Answers); err != nil {
			return errFrame(err)
		}
		return mustFrame(api.TypeSuccess, nil)

	case api.TypeCancelBypass:
		if err := s.eng.CancelBypass(); err != nil {
			return errFrame(err)
		}
		return mustFrame(api.TypeSuccess, nil)

	default:
		return errFrame(api.Errorf(api.CodeInvalidInput, "unknown command type %q", req.Type))
	}
}

func decode(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return api.Errorf(api.CodeInvalidInput, "missing payload")
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return api.Errorf(api.CodeInvalidInput, "malformed payload: %v", err)
	}
	return nil
}

func errFrame(err error) api.Frame {
	var apiErr *api.Error
	if !errors.As(err, &apiErr) {
		apiErr = api.Errorf(api.CodeInternal, "%v", err)
		log.Error("control: internal error", "err", err)
	}
	return mustFrame(api.TypeError, apiErr)
}

// mustFrame encodes a payload we constructed ourselves; encoding it can
// only fail on a programming error.
func mustFrame(typ string, payload any) api.Frame {
	f, err := api.NewFrame(typ, payload)
	if err != nil {
		log.Error("control: encoding frame", "type", typ, "err", err)
		return api.Frame{Type: api.TypeError}
	}
	return f
}
