// Package dnsserver is the UDP DNS frontend. Each query is decided
// against the live policy: blocked names are answered locally with a
// non-routable address, everything else is forwarded to the upstream
// stub and relayed verbatim.
package dnsserver

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/semaphore"

	"github.com/blockandfocus/baf/internal/log"
	"github.com/blockandfocus/baf/internal/upstream"
)

const (
	// blockedTTL is the TTL on synthesized answers for blocked names.
	// Short, so lifting a block takes effect quickly in client caches.
	blockedTTL = 60
	// defaultMaxInflight bounds concurrently handled queries.
	defaultMaxInflight = 64
	// defaultUpstreamTimeout bounds one forwarded query end to end.
	defaultUpstreamTimeout = 5 * time.Second
)

// Decider is the slice of the engine the frontend needs: the per-query
// decision and the two counters.
type Decider interface {
	ShouldBlockQuery(name string) bool
	QueryBlocked()
	QueryForwarded()
}

// Server terminates DNS traffic on a UDP port.
type Server struct {
	decider  Decider
	resolver upstream.Resolver

	udp          *dns.Server
	sem          *semaphore.Weighted
	upstreamWait time.Duration

	// Ready is closed once the listener is bound.
	Ready chan struct{}
}

// Opt is a function option for configuring the Server.
type Opt func(s *Server)

// WithMaxInflight caps how many queries are handled concurrently.
func WithMaxInflight(n int64) Opt {
	return func(s *Server) { s.sem = semaphore.NewWeighted(n) }
}

// WithUpstreamTimeout bounds the time spent forwarding a single query.
func WithUpstreamTimeout(d time.Duration) Opt {
	return func(s *Server) { s.upstreamWait = d }
}

// New creates a Server bound to addr:port once Run is called.
func New(addr string, port int, decider Decider, resolver upstream.Resolver, opts ...Opt) *Server {
	s := &Server{
		decider:      decider,
		resolver:     resolver,
		sem:          semaphore.NewWeighted(defaultMaxInflight),
		upstreamWait: defaultUpstreamTimeout,
		Ready:        make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	s.udp = &dns.Server{
		Addr:    net.JoinHostPort(addr, strconv.Itoa(port)),
		Net:     "udp",
		Handler: dns.HandlerFunc(s.handle),
		NotifyStartedFunc: func() {
			close(s.Ready)
		},
	}
	return s
}

// Run listens until the server is shut down. It blocks; callers run it
// in its own goroutine. Binding failures are returned immediately.
func (s *Server) Run() error {
	log.Info("dns: listening", "addr", s.udp.Addr)
	return s.udp.ListenAndServe()
}

// Shutdown stops the listener and waits for in-flight handlers to
// finish, up to the context deadline. Handlers are not cancelled.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.udp.ShutdownContext(ctx)
}

// handle processes one query. miekg/dns already runs each request on
// its own goroutine; the semaphore caps how many do real work at once,
// and over-limit queries are dropped so an overload sheds load onto the
// client's own retry cadence.
func (s *Server) handle(w dns.ResponseWriter, req *dns.Msg) {
	if req.Opcode != dns.OpcodeQuery || len(req.Question) == 0 {
		return
	}
	if !s.sem.TryAcquire(1) {
		log.Debug("dns: query dropped, worker pool saturated")
		return
	}
	defer s.sem.Release(1)

	q := req.Question[0]
	name := q.Name

	if s.decider.ShouldBlockQuery(name) {
		s.decider.QueryBlocked()
		s.writeBlocked(w, req, q)
		return
	}
	s.forward(w, req, q)
}

// writeBlocked synthesizes the local reply for a blocked name:
// NOERROR with a single non-routable address for A and AAAA, NOERROR
// with an empty answer section for every other type so clients do not
// conclude the name is unbound.
func (s *Server) writeBlocked(w dns.ResponseWriter, req *dns.Msg, q dns.Question) {
	m := new(dns.Msg)
	m.SetReply(req)
	m.Rcode = dns.RcodeSuccess

	hdr := dns.RR_Header{
		Name:  q.Name,
		Class: dns.ClassINET,
		Ttl:   blockedTTL,
	}
	switch q.Qtype {
	case dns.TypeA:
		hdr.Rrtype = dns.TypeA
		m.Answer = []dns.RR{&dns.A{Hdr: hdr, A: net.IPv4zero}}
	case dns.TypeAAAA:
		hdr.Rrtype = dns.TypeAAAA
		m.Answer = []dns.RR{&dns.AAAA{Hdr: hdr, AAAA: net.IPv6zero}}
	}

	log.Debug("dns: blocked", "name", q.Name, "type", dns.TypeToString[q.Qtype])
	s.write(w, m)
}

// forward relays the query through the upstream stub. The reply keeps
// the original transaction id. Upstream failure becomes SERVFAIL.
func (s *Server) forward(w dns.ResponseWriter, req *dns.Msg, q dns.Question) {
	ctx, cancel := context.WithTimeout(context.Background(), s.upstreamWait)
	defer cancel()

	start := time.Now()
	resp, err := s.resolver.Resolve(ctx, req)
	if err != nil {
		log.Warn("dns: upstream failure", "name", q.Name, "err", err)
		m := new(dns.Msg)
		m.SetRcode(req, dns.RcodeServerFailure)
		s.write(w, m)
		return
	}

	resp.Id = req.Id
	s.decider.QueryForwarded()
	log.Debug("dns: forwarded", "name", q.Name,
		"type", dns.TypeToString[q.Qtype], "rtt", time.Since(start))
	s.write(w, resp)
}

// write sends the reply; send failures are logged and dropped, DNS
// clients retry on their own.
func (s *Server) write(w dns.ResponseWriter, m *dns.Msg) {
	if err := w.WriteMsg(m); err != nil {
		log.Warn("dns: write failed", "err", err)
	}
}
