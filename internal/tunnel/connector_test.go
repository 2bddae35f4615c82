package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwerrors "tunnelgateway/internal/errors"
)

type stubRouter struct {
	decision Decision
	err      error
}

func (r stubRouter) Route(*Request) (Decision, error) { return r.decision, r.err }

type dialFunc func(ctx context.Context, d Decision, req *Request) (Outbound, error)

func (f dialFunc) Dial(ctx context.Context, d Decision, req *Request) (Outbound, error) {
	return f(ctx, d, req)
}

type recordingLog struct {
	mu        sync.Mutex
	completed int
	failed    int
	causes    []error
}

func (l *recordingLog) Completed(*Request) {
	l.mu.Lock()
	l.completed++
	l.mu.Unlock()
}

func (l *recordingLog) Failed(_ *Request, cause error) {
	l.mu.Lock()
	l.failed++
	l.causes = append(l.causes, cause)
	l.mu.Unlock()
}

func (l *recordingLog) counts() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.completed, l.failed
}

type recordingStrategy struct {
	successReply []byte
	failureReply []byte
	successes    atomic.Int32
	failures     atomic.Int32
}

func (s *recordingStrategy) NeedsRelay() bool { return true }

func (s *recordingStrategy) OnConnectSuccess(in Inbound, _ Outbound, _ *Request) error {
	s.successes.Add(1)
	if s.successReply != nil {
		_, err := in.Write(s.successReply)
		return err
	}
	return nil
}

func (s *recordingStrategy) OnConnectFailure(in Inbound, _ Outbound, _ *Request, _ error) {
	s.failures.Add(1)
	if s.failureReply != nil {
		in.Write(s.failureReply)
	}
}

// failingOutbound fails every write and blocks reads until closed.
type failingOutbound struct {
	writes atomic.Int32
	once   sync.Once
	closed chan struct{}
}

func newFailingOutbound() *failingOutbound {
	return &failingOutbound{closed: make(chan struct{})}
}

func (f *failingOutbound) Write(p []byte) (int, error) {
	f.writes.Add(1)
	return 0, errors.New("broken pipe")
}

func (f *failingOutbound) Read(p []byte) (int, error) {
	<-f.closed
	return 0, io.EOF
}

func (f *failingOutbound) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func newTestConnector(dial dialFunc, strategy Strategy, log AccessLog) *Connector {
	return &Connector{
		Router:      stubRouter{decision: Decision{Outbound: "direct"}},
		Dialer:      dial,
		Strategies:  func(Protocol) Strategy { return strategy },
		AccessLog:   log,
		DialTimeout: time.Second,
	}
}

func runTunnel(c *Connector, in net.Conn, req *Request) <-chan error {
	done := make(chan error, 1)
	go func() { done <- c.Tunnel(context.Background(), in, req) }()
	return done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("tunnel did not finish")
		return nil
	}
}

func TestTunnelBuffersWhileConnecting(t *testing.T) {
	client, inbound := net.Pipe()
	server, outbound := net.Pipe()
	defer server.Close()

	release := make(chan struct{})
	log := &recordingLog{}
	c := newTestConnector(func(context.Context, Decision, *Request) (Outbound, error) {
		<-release
		return outbound, nil
	}, Passthrough{}, log)

	req := NewRequest(ProtocolShadowsocks, Target{Host: "example.com", Port: 80}, nil)
	done := runTunnel(c, inbound, req)

	for _, chunk := range []string{"a", "bc", "def"} {
		_, err := client.Write([]byte(chunk))
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return req.Buffered() == 6 }, time.Second, 5*time.Millisecond)
	close(release)

	got := make([]byte, 6)
	_, err := io.ReadFull(server, got)
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(got))

	// Bytes after the connect are relayed directly.
	_, err = client.Write([]byte("gh"))
	require.NoError(t, err)
	_, err = io.ReadFull(server, got[:2])
	require.NoError(t, err)
	assert.Equal(t, "gh", string(got[:2]))

	go func() {
		server.Write([]byte("pong"))
	}()
	_, err = io.ReadFull(client, got[:4])
	require.NoError(t, err)
	assert.Equal(t, "pong", string(got[:4]))

	client.Close()
	require.NoError(t, waitDone(t, done))
	completed, failed := log.counts()
	assert.Equal(t, 1, completed)
	assert.Equal(t, 0, failed)
	assert.Equal(t, int64(8), req.Conn.Up())
	assert.Equal(t, int64(4), req.Conn.Down())
}

func TestTunnelFlushWriteFailureReleasesOnce(t *testing.T) {
	client, inbound := net.Pipe()
	defer client.Close()
	out := newFailingOutbound()
	release := make(chan struct{})
	log := &recordingLog{}
	c := newTestConnector(func(context.Context, Decision, *Request) (Outbound, error) {
		<-release
		return out, nil
	}, Passthrough{}, log)

	req := NewRequest(ProtocolTransparent, Target{Host: "example.com", Port: 80}, nil)
	done := runTunnel(c, inbound, req)

	_, err := client.Write([]byte("hello"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return req.Buffered() == 5 }, time.Second, 5*time.Millisecond)
	close(release)

	require.NoError(t, waitDone(t, done))
	assert.Equal(t, int32(1), out.writes.Load(), "payload handed to the outbound exactly once")
	assert.Equal(t, 0, req.Buffered())
	completed, failed := log.counts()
	assert.Equal(t, 1, completed)
	assert.Equal(t, 0, failed)
}

func TestTunnelConnectFailure(t *testing.T) {
	client, inbound := net.Pipe()
	defer client.Close()
	log := &recordingLog{}
	strategy := &recordingStrategy{failureReply: []byte("FAIL")}
	c := newTestConnector(func(context.Context, Decision, *Request) (Outbound, error) {
		return nil, fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED)
	}, strategy, log)

	req := NewRequest(ProtocolHTTP, Target{Host: "unreachable.invalid", Port: 443}, nil)
	done := runTunnel(c, inbound, req)

	reply, err := io.ReadAll(client)
	require.NoError(t, err)
	assert.Equal(t, "FAIL", string(reply))

	err = waitDone(t, done)
	require.Error(t, err)
	assert.Equal(t, gwerrors.CodeRefused, gwerrors.Code(err))
	assert.Equal(t, int32(1), strategy.failures.Load())
	assert.Equal(t, int32(0), strategy.successes.Load())

	completed, failed := log.counts()
	assert.Equal(t, 0, completed)
	assert.Equal(t, 1, failed)
}

func TestTunnelBlockedRoute(t *testing.T) {
	client, inbound := net.Pipe()
	defer client.Close()
	log := &recordingLog{}
	var dialed atomic.Bool
	c := newTestConnector(func(context.Context, Decision, *Request) (Outbound, error) {
		dialed.Store(true)
		return nil, errors.New("unexpected dial")
	}, &recordingStrategy{}, log)
	c.Router = stubRouter{decision: Decision{Action: ActionBlock}}

	req := NewRequest(ProtocolSOCKS5, Target{Host: "ads.test", Port: 443}, nil)
	done := runTunnel(c, inbound, req)
	io.ReadAll(client)

	err := waitDone(t, done)
	assert.Equal(t, gwerrors.CodeBlocked, gwerrors.Code(err))
	assert.False(t, dialed.Load())
	_, failed := log.counts()
	assert.Equal(t, 1, failed)
}

func TestTunnelClientCloseCancelsPendingConnect(t *testing.T) {
	client, inbound := net.Pipe()
	server, outbound := net.Pipe()
	release := make(chan struct{})
	log := &recordingLog{}
	strategy := &recordingStrategy{successReply: []byte("OK")}
	c := newTestConnector(func(context.Context, Decision, *Request) (Outbound, error) {
		<-release
		return outbound, nil
	}, strategy, log)

	req := NewRequest(ProtocolSOCKS5, Target{Host: "slow.test", Port: 80}, nil)
	done := runTunnel(c, inbound, req)

	client.Write([]byte("early"))
	client.Close()
	require.Eventually(t, func() bool { return req.State() == StateClosed }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, req.Buffered(), "held payload released on close")
	close(release)

	err := waitDone(t, done)
	assert.Equal(t, gwerrors.CodeClosed, gwerrors.Code(err))

	// The late outbound is closed straight away.
	_, rerr := server.Read(make([]byte, 1))
	assert.Error(t, rerr)
	assert.Equal(t, int32(0), strategy.successes.Load())
	completed, failed := log.counts()
	assert.Equal(t, 0, completed)
	assert.Equal(t, 1, failed)
}

func TestTunnelReplyPrecedesRelayedBytes(t *testing.T) {
	client, inbound := net.Pipe()
	server, outbound := net.Pipe()
	defer server.Close()
	log := &recordingLog{}
	strategy := &recordingStrategy{successReply: []byte("REPLY")}
	c := newTestConnector(func(context.Context, Decision, *Request) (Outbound, error) {
		go server.Write([]byte("BANNER"))
		return outbound, nil
	}, strategy, log)

	req := NewRequest(ProtocolSOCKS5, Target{Host: "smtp.test", Port: 25}, nil)
	done := runTunnel(c, inbound, req)

	got := make([]byte, len("REPLYBANNER"))
	_, err := io.ReadFull(client, got)
	require.NoError(t, err)
	assert.Equal(t, "REPLYBANNER", string(got))

	client.Close()
	require.NoError(t, waitDone(t, done))
	completed, _ := log.counts()
	assert.Equal(t, 1, completed)
}

func TestTunnelRateLimited(t *testing.T) {
	client, inbound := net.Pipe()
	defer client.Close()
	log := &recordingLog{}
	c := newTestConnector(func(context.Context, Decision, *Request) (Outbound, error) {
		return nil, errors.New("unexpected dial")
	}, &recordingStrategy{}, log)
	c.Limiter = denyAll{}

	req := NewRequest(ProtocolSOCKS5, Target{Host: "a.test", Port: 80}, nil)
	req.User = "alice"
	done := runTunnel(c, inbound, req)
	io.ReadAll(client)

	err := waitDone(t, done)
	assert.Equal(t, gwerrors.CodeLimited, gwerrors.Code(err))
}

type denyAll struct{}

func (denyAll) Allow(string) bool { return false }
