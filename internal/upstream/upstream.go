// Package upstream implements the stub resolver used for non-blocked
// queries. It forwards DNS messages to a fixed set of recursive
// resolvers configured in the policy document.
//
// The resolver addresses are always explicit. Reading the host's
// resolver configuration is deliberately impossible here: with the
// daemon installed as the system resolver, that configuration points at
// the daemon's own listener and any query through it would recurse
// forever.
package upstream

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/multierr"
)

var (
	// ErrNoUpstreams is returned when the resolver has no addresses.
	ErrNoUpstreams = errors.New("no upstream resolvers configured")
	// ErrEmptyMsg is returned when an upstream answers with an empty message.
	ErrEmptyMsg = errors.New("empty message from upstream")
)

var _ Resolver = (*Client)(nil)

// Resolver is the interface the DNS frontend forwards through.
type Resolver interface {
	// Resolve sends the query to an upstream and returns its reply for
	// verbatim relay to the original client.
	Resolve(ctx context.Context, req *dns.Msg) (*dns.Msg, error)
}

// Exchanger is the wire-level seam, satisfied by *dns.Client.
type Exchanger interface {
	ExchangeContext(ctx context.Context, m *dns.Msg, addr string) (r *dns.Msg, rtt time.Duration, err error)
}

// Client resolves against a fixed list of recursive resolvers.
type Client struct {
	Client  Exchanger
	Addrs   []string
	Timeout time.Duration
	Retries uint
}

// Opt is a function option for configuring the Client.
type Opt func(c *Client)

// New creates a Client forwarding to the given resolver addresses. The
// timeout bounds each exchange and also the whole Resolve call, retries
// included, so a retry only gets the time the earlier attempts left.
func New(addrs []string, timeout time.Duration, opts ...Opt) *Client {
	c := &Client{
		Client: &dns.Client{
			Net:     "udp",
			Timeout: timeout,
		},
		Addrs:   addrs,
		Timeout: timeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// WithRetries returns an option setting how many additional attempts are
// made after a failed exchange.
func WithRetries(n uint) Opt {
	return func(c *Client) { c.Retries = n }
}

// Resolve forwards req to an upstream resolver and returns the reply.
// Each attempt picks a resolver at random and uses a fresh copy of the
// query, since ExchangeContext mutates its argument. Errors from every
// attempt are aggregated.
func (c *Client) Resolve(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	if len(c.Addrs) == 0 {
		return nil, ErrNoUpstreams
	}

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	var errs error
	for attempt := uint(0); attempt <= c.Retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, multierr.Append(errs, err)
		}

		addr := c.pickAddr()
		resp, _, err := c.Client.ExchangeContext(ctx, req.Copy(), addr)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("upstream %s: %w", addr, err))
			continue
		}
		if resp == nil {
			errs = multierr.Append(errs, fmt.Errorf("upstream %s: %w", addr, ErrEmptyMsg))
			continue
		}
		return resp, nil
	}

	return nil, errs
}

// pickAddr returns a random resolver address so load spreads across the
// configured upstreams.
func (c *Client) pickAddr() string {
	if len(c.Addrs) == 1 {
		return c.Addrs[0]
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(c.Addrs))))
	if err != nil {
		return c.Addrs[0]
	}
	return c.Addrs[n.Int64()]
}
