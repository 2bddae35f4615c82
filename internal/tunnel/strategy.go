package tunnel

import (
	"context"
	"io"
	"net"
)

// Inbound is the client side of a tunnel as the strategies see it.
type Inbound interface {
	io.Writer
	Close() error
	RemoteAddr() net.Addr
}

// Outbound is whatever the dialer opened for a request: a stream
// connection for relayed protocols or a DNS upstream lease.
type Outbound interface {
	Close() error
}

// Strategy is the per-protocol behavior around the outbound connect.
type Strategy interface {
	// NeedsRelay reports whether inbound and outbound are joined by a relay.
	NeedsRelay() bool
	// OnConnectSuccess answers the client once the outbound is connected.
	OnConnectSuccess(in Inbound, out Outbound, req *Request) error
	// OnConnectFailure answers the client when the connect failed. out may
	// be nil.
	OnConnectFailure(in Inbound, out Outbound, req *Request, cause error)
}

// Passthrough is the strategy for protocols with no handshake reply.
type Passthrough struct{}

func (Passthrough) NeedsRelay() bool { return true }

func (Passthrough) OnConnectSuccess(Inbound, Outbound, *Request) error { return nil }

func (Passthrough) OnConnectFailure(Inbound, Outbound, *Request, error) {}

// Router picks the outbound for a request.
type Router interface {
	Route(req *Request) (Decision, error)
}

// Dialer opens the outbound leg selected by a routing decision.
type Dialer interface {
	Dial(ctx context.Context, decision Decision, req *Request) (Outbound, error)
}

// AccessLog receives one record per request: Completed when a tunnel that
// connected ends, Failed when the connect failed.
type AccessLog interface {
	Completed(req *Request)
	Failed(req *Request, cause error)
}

// Limiter is consulted once per request before routing.
type Limiter interface {
	Allow(user string) bool
}
