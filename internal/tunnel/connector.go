package tunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	gwerrors "tunnelgateway/internal/errors"
	"tunnelgateway/internal/logger"
)

// DefaultDialTimeout bounds routing plus the outbound dial.
const DefaultDialTimeout = 10 * time.Second

// Connector opens the outbound leg of requests and hands the outcome to the
// protocol strategy. Router, Dialer and Strategies are required.
type Connector struct {
	Router      Router
	Dialer      Dialer
	Strategies  func(Protocol) Strategy
	AccessLog   AccessLog
	Limiter     Limiter
	DialTimeout time.Duration
	Buffers     *BufferPool
}

func (c *Connector) strategy(p Protocol) Strategy {
	if c.Strategies != nil {
		if s := c.Strategies(p); s != nil {
			return s
		}
	}
	return Passthrough{}
}

var defaultBuffers = NewBufferPool(DefaultBufferSize)

func (c *Connector) buffers() *BufferPool {
	if c.Buffers == nil {
		return defaultBuffers
	}
	return c.Buffers
}

// Connect starts the outbound leg for req and returns the promise of the
// dial. The outcome is handled exactly once: on success the strategy answers
// the client and the initial payload is flushed, on failure the strategy
// reports the error and the payload is released. req.Settled is closed when
// that handling is over.
func (c *Connector) Connect(ctx context.Context, in Inbound, req *Request) *Promise {
	promise := NewPromise()
	promise.OnComplete(func(out Outbound, err error) {
		c.complete(in, out, req, err)
	})
	if err := req.BeginConnect(); err != nil {
		promise.Resolve(nil, err)
		return promise
	}
	go func() {
		out, err := c.open(ctx, req)
		if !promise.Resolve(out, err) && out != nil {
			out.Close()
		}
	}()
	return promise
}

func (c *Connector) open(ctx context.Context, req *Request) (Outbound, error) {
	if c.Limiter != nil && !c.Limiter.Allow(req.User) {
		return nil, gwerrors.NewConnectError("limit", gwerrors.ErrRateLimited).WithContext("user", req.User)
	}
	decision, err := c.Router.Route(req)
	if err != nil {
		return nil, gwerrors.NewConnectError("route", err)
	}
	req.Decision = decision
	if decision.Action == ActionBlock {
		return nil, gwerrors.NewConnectError("route", gwerrors.ErrBlocked).WithContext("target", req.Target.String())
	}
	req.Conn.SetOutbound(decision.Outbound)

	timeout := c.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	out, err := c.Dialer.Dial(dialCtx, decision, req)
	req.Conn.setConnect(time.Since(start))
	if err != nil {
		return nil, gwerrors.NewConnectError("dial", err).WithContext("target", req.Target.String())
	}
	return out, nil
}

func (c *Connector) complete(in Inbound, out Outbound, req *Request, err error) {
	defer req.settle()
	strategy := c.strategy(req.Protocol)

	if err != nil {
		c.fail(in, out, req, strategy, err)
		return
	}
	if req.State() == StateClosed {
		// The client went away while we were dialing.
		out.Close()
		c.recordFailure(req, gwerrors.NewConnectError("connect", gwerrors.ErrClosed))
		return
	}

	var (
		relay  *Relay
		stream io.ReadWriteCloser
	)
	if strategy.NeedsRelay() {
		inStream, okIn := in.(io.ReadWriteCloser)
		outStream, okOut := out.(io.ReadWriteCloser)
		if !okIn || !okOut {
			c.fail(in, out, req, strategy, gwerrors.NewProtocolError("relay", errors.New("endpoints are not streams")))
			return
		}
		stream = outStream
		relay = NewRelay(inStream, outStream, req.Conn, c.buffers())
		relay.Start()
	}

	start := time.Now()
	if err := strategy.OnConnectSuccess(in, out, req); err != nil {
		// The strategy already answered (or deliberately did not); only clean up.
		req.Close()
		if relay != nil {
			relay.Close()
		} else {
			out.Close()
			in.Close()
		}
		c.recordFailure(req, err)
		return
	}
	req.Conn.setHandshake(time.Since(start))

	req.relay = relay
	payload, ok := req.establish()
	if !ok {
		if relay != nil {
			relay.Close()
		} else {
			out.Close()
		}
		c.recordFailure(req, gwerrors.NewConnectError("connect", gwerrors.ErrClosed))
		return
	}
	if relay == nil {
		// Request/response exchanges are recorded by the caller via Finish.
		return
	}

	relay.Open()
	if len(payload) > 0 {
		n, werr := stream.Write(payload)
		req.Conn.AddUp(int64(n))
		if werr != nil {
			relay.Close()
		}
	}
}

// fail runs the failure callback unless the client is already gone, closes
// a partially opened outbound and the inbound, and records the failure.
func (c *Connector) fail(in Inbound, out Outbound, req *Request, strategy Strategy, cause error) {
	if req.Close() {
		strategy.OnConnectFailure(in, out, req, cause)
	}
	if out != nil {
		out.Close()
	}
	in.Close()
	c.recordFailure(req, cause)
}

// Finish records the outcome of an established request whose strategy does
// not relay. Failures before establishment are recorded by the connector.
func (c *Connector) Finish(req *Request, cause error) {
	if cause != nil {
		c.recordFailure(req, cause)
		return
	}
	c.recordCompleted(req)
}

func (c *Connector) recordFailure(req *Request, cause error) {
	logger.LogTunnelFailed(req.Protocol.String(), req.Conn.ClientString(), req.Target.String(), gwerrors.Code(cause), cause)
	if c.AccessLog != nil {
		c.AccessLog.Failed(req, cause)
	}
}

func (c *Connector) recordCompleted(req *Request) {
	logger.LogAccess(req.Protocol.String(), req.User, req.Conn.ClientString(), req.Target.String(),
		req.Conn.Outbound(), req.Conn.Up(), req.Conn.Down(), time.Since(req.Conn.Start))
	if c.AccessLog != nil {
		c.AccessLog.Completed(req)
	}
}

// Tunnel runs a stream request to completion. While the connect is pending
// it reads the inbound into the request's initial payload; once the request
// is established the next chunk is forwarded by the relay, which then owns
// both directions. It returns when the tunnel is closed, with the connect
// error if there was one. Exactly one access record is produced.
func (c *Connector) Tunnel(ctx context.Context, in net.Conn, req *Request) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	promise := c.Connect(ctx, in, req)

	bufp := c.buffers().Get()
	defer c.buffers().Put(bufp)
	buf := *bufp

	var first []byte
	for {
		n, err := in.Read(buf)
		if n > 0 && req.Offer(buf[:n]) {
			first = buf[:n]
			break
		}
		if err != nil {
			if req.Close() {
				cancel()
			}
			break
		}
	}

	<-req.Settled()
	if !req.Established() {
		in.Close()
		if _, err := promise.Result(); err != nil {
			return err
		}
		return gwerrors.NewConnectError("connect", gwerrors.ErrClosed)
	}

	relay := req.relay
	if relay == nil {
		in.Close()
		c.recordCompleted(req)
		return nil
	}
	if first != nil {
		relay.Forward(first)
	} else {
		relay.Close()
	}
	relay.Wait()
	req.Close()
	c.recordCompleted(req)
	return nil
}
