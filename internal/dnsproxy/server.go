package dnsproxy

import (
	"context"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"

	gwerrors "tunnelgateway/internal/errors"
	"tunnelgateway/internal/tunnel"
)

// Server accepts DNS queries over UDP and hands each one to the connector
// as a DNS request.
type Server struct {
	Inbound   string
	Connector *tunnel.Connector
	UserFor   func(net.Addr) string // optional
	Timeout   time.Duration

	mu     sync.Mutex
	server *dns.Server
	ctx    context.Context
}

// Serve answers queries on pc until Shutdown is called.
func (s *Server) Serve(ctx context.Context, pc net.PacketConn) error {
	srv := &dns.Server{PacketConn: pc, Handler: dns.HandlerFunc(s.handle)}
	s.mu.Lock()
	s.server = srv
	s.ctx = ctx
	s.mu.Unlock()
	return srv.ActivateAndServe()
}

// Shutdown stops the server.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(); err != nil {
		// Not started yet; closing the socket stops it from starting.
		return srv.PacketConn.Close()
	}
	return nil
}

func (s *Server) handle(w dns.ResponseWriter, query *dns.Msg) {
	if query.Response || len(query.Question) == 0 {
		resp := new(dns.Msg)
		resp.SetRcode(query, dns.RcodeFormatError)
		w.WriteMsg(resp)
		return
	}

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	conn := tunnel.NewConnContext(w.RemoteAddr(), s.Inbound)
	conn.MarkRequest()
	q := query.Question[0]
	req := tunnel.NewRequest(tunnel.ProtocolDNS, tunnel.Target{
		Host: strings.TrimSuffix(strings.ToLower(q.Name), "."),
		Port: 53,
	}, conn)
	req.DNS = &tunnel.DNSQuery{Msg: query, Client: w.RemoteAddr()}
	if s.UserFor != nil {
		req.User = s.UserFor(w.RemoteAddr())
	}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	resp := newResponder(w)
	s.Connector.Connect(ctx, resp, req)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var cause error
	select {
	case <-resp.done:
		if !resp.wasAnswered() {
			cause = gwerrors.NewDNSError("answer", gwerrors.ErrClosed)
		}
	case <-timer.C:
		cause = gwerrors.NewDNSError("answer", os.ErrDeadlineExceeded)
	case <-ctx.Done():
		cause = gwerrors.NewDNSError("answer", gwerrors.ErrClosed)
	}
	resp.Close()

	// The dial is bounded by the connector's timeout.
	<-req.Settled()
	if req.Established() {
		s.Connector.Finish(req, cause)
	}
}

// responder is the inbound side of one UDP query. It accepts at most one
// response and no writes after Close.
type responder struct {
	w        dns.ResponseWriter
	mu       sync.Mutex
	done     chan struct{}
	shut     bool
	answered bool
}

func newResponder(w dns.ResponseWriter) *responder {
	return &responder{w: w, done: make(chan struct{})}
}

func (r *responder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shut {
		return 0, gwerrors.ErrClosed
	}
	n, err := r.w.Write(p)
	r.answered = err == nil
	r.finishLocked()
	return n, err
}

func (r *responder) wasAnswered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.answered
}

func (r *responder) Close() error {
	r.mu.Lock()
	r.finishLocked()
	r.mu.Unlock()
	return nil
}

func (r *responder) RemoteAddr() net.Addr { return r.w.RemoteAddr() }

func (r *responder) finishLocked() {
	if !r.shut {
		r.shut = true
		close(r.done)
	}
}
