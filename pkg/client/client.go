// Package client is a typed convenience wrapper for talking to the
// daemon's control socket. Each call dials the socket, writes one
// request frame, and reads one response frame; Error frames come back
// as *api.Error so callers can branch on the code.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/blockandfocus/baf/internal/config"
	"github.com/blockandfocus/baf/internal/socket"
	"github.com/blockandfocus/baf/pkg/api"
)

// Client talks to a daemon over its Unix socket.
type Client struct {
	path    string
	timeout time.Duration
}

// New returns a Client for the given socket path.
func New(socketPath string) *Client {
	return &Client{path: socketPath, timeout: 5 * time.Second}
}

// Ping checks daemon liveness.
func (c *Client) Ping(ctx context.Context) error {
	return c.roundTrip(ctx, api.TypePing, nil, api.TypePong, nil)
}

// Status fetches the daemon status.
func (c *Client) Status(ctx context.Context) (api.Status, error) {
	var out api.Status
	err := c.roundTrip(ctx, api.TypeGetStatus, nil, api.TypeStatus, &out)
	return out, err
}

// Blocklist fetches the current blocklist.
func (c *Client) Blocklist(ctx context.Context) ([]string, error) {
	var out api.Blocklist
	if err := c.roundTrip(ctx, api.TypeGetBlocklist, nil, api.TypeBlocklist, &out); err != nil {
		return nil, err
	}
	return out.Domains, nil
}

// AddDomain adds a domain to the blocklist.
func (c *Client) AddDomain(ctx context.Context, domain string) error {
	return c.roundTrip(ctx, api.TypeAddDomain,
		api.DomainRequest{Domain: domain}, api.TypeSuccess, nil)
}

// RemoveDomain removes a domain from the blocklist.
func (c *Client) RemoveDomain(ctx context.Context, domain string) error {
	return c.roundTrip(ctx, api.TypeRemoveDomain,
		api.DomainRequest{Domain: domain}, api.TypeSuccess, nil)
}

// Schedule fetches the schedule section.
func (c *Client) Schedule(ctx context.Context) (config.ScheduleConfig, error) {
	var out api.Schedule
	err := c.roundTrip(ctx, api.TypeGetSchedule, nil, api.TypeSchedule, &out)
	return out.Schedule, err
}

// UpdateSchedule replaces the schedule section.
func (c *Client) UpdateSchedule(ctx context.Context, sc config.ScheduleConfig) error {
	return c.roundTrip(ctx, api.TypeUpdateSchedule,
		api.Schedule{Schedule: sc}, api.TypeSuccess, nil)
}

// SetScheduleEnabled flips the schedule flag.
func (c *Client) SetScheduleEnabled(ctx context.Context, enabled bool) error {
	return c.roundTrip(ctx, api.TypeSetScheduleEnabled,
		api.SetEnabled{Enabled: enabled}, api.TypeSuccess, nil)
}

// SetBlockingEnabled flips the blocking flag.
func (c *Client) SetBlockingEnabled(ctx context.Context, enabled bool) error {
	return c.roundTrip(ctx, api.TypeSetBlockingEnabled,
		api.SetEnabled{Enabled: enabled}, api.TypeSuccess, nil)
}

// RequestBypass asks for a quiz challenge gating a bypass of the given
// length.
func (c *Client) RequestBypass(ctx context.Context, minutes int) (api.QuizChallenge, error) {
	var out api.QuizChallenge
	err := c.roundTrip(ctx, api.TypeRequestBypass,
		api.BypassRequest{DurationMinutes: minutes}, api.TypeQuizChallenge, &out)
	return out, err
}

// SubmitQuizAnswers submits answers for the pending challenge.
func (c *Client) SubmitQuizAnswers(ctx context.Context, challengeID string, answers []int64) error {
	return c.roundTrip(ctx, api.TypeSubmitQuizAnswers,
		api.QuizAnswers{ChallengeID: challengeID, Answers: answers}, api.TypeSuccess, nil)
}

// CancelBypass ends any active bypass window.
func (c *Client) CancelBypass(ctx context.Context) error {
	return c.roundTrip(ctx, api.TypeCancelBypass, nil, api.TypeSuccess, nil)
}

// roundTrip performs one request/response exchange. A response of
// wantType decodes into out (when out is non-nil); an Error frame is
// returned as *api.Error; anything else is a protocol violation.
func (c *Client) roundTrip(ctx context.Context, reqType string, payload any, wantType string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := socket.DialContext(ctx, c.path)
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return err
		}
	}

	req, err := api.NewFrame(reqType, payload)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing request: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	var resp api.Frame
	if err := json.Unmarshal(line, &resp); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	switch resp.Type {
	case wantType:
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(resp.Payload, out); err != nil {
			return fmt.Errorf("decoding %s payload: %w", resp.Type, err)
		}
		return nil
	case api.TypeError:
		var apiErr api.Error
		if err := json.Unmarshal(resp.Payload, &apiErr); err != nil {
			return fmt.Errorf("decoding error payload: %w", err)
		}
		return &apiErr
	default:
		return fmt.Errorf("unexpected response type %q", resp.Type)
	}
}
