package proxy

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/shadowsocks/go-shadowsocks2/core"

	"tunnelgateway/internal/config"
	"tunnelgateway/internal/dnsproxy"
	"tunnelgateway/internal/logger"
	"tunnelgateway/internal/tunnel"
)

// inbound is one running listener.
type inbound interface {
	Start() error
	Stop(wait bool)
	Addr() net.Addr
}

func newInbound(cfg *config.InboundConfig, deps *Deps) inbound {
	if cfg.Type == config.InboundTypeDNS {
		return &dnsInbound{cfg: cfg.Clone(), deps: deps}
	}
	return &inboundListener{cfg: cfg.Clone(), deps: deps}
}

// inboundListener accepts TCP connections for the stream inbounds.
type inboundListener struct {
	cfg       *config.InboundConfig
	deps      *Deps
	cipher    core.Cipher
	allowList []*net.IPNet

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	conns    sync.Map // net.Conn -> struct{}
}

func (l *inboundListener) Start() error {
	if err := l.cfg.Validate(); err != nil {
		return err
	}
	allowList, err := config.ParseCIDRList(l.cfg.AllowList)
	if err != nil {
		return err
	}
	l.allowList = allowList
	if l.cfg.Type == config.InboundTypeShadowsocks {
		c, err := newInboundCipher(l.cfg.Method, l.cfg.Password)
		if err != nil {
			return err
		}
		l.cipher = c
	}

	l.ctx, l.cancel = context.WithCancel(context.Background())
	var ln net.Listener
	if l.cfg.Type == config.InboundTypeTProxy {
		ln, err = listenTransparent(l.ctx, l.cfg.ListenAddr)
	} else {
		ln, err = net.Listen("tcp", l.cfg.ListenAddr)
	}
	if err != nil {
		l.cancel()
		return err
	}
	l.listener = ln

	l.wg.Add(1)
	go l.acceptLoop()
	return nil
}

// Stop closes the listener. With wait it also closes every active
// connection and waits for their handlers; without it they run on.
func (l *inboundListener) Stop(wait bool) {
	if l.cancel != nil {
		l.cancel()
	}
	if l.listener != nil {
		l.listener.Close()
	}
	if wait {
		l.conns.Range(func(key, _ any) bool {
			key.(net.Conn).Close()
			return true
		})
		l.wg.Wait()
	}
}

func (l *inboundListener) Addr() net.Addr {
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

func (l *inboundListener) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if l.ctx.Err() != nil {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			logger.Debug("Inbound %s: accept error (%s): %v", l.cfg.ID, l.cfg.ListenAddr, err)
			return
		}

		l.wg.Add(1)
		l.conns.Store(conn, struct{}{})
		go func(c net.Conn) {
			defer l.wg.Done()
			defer l.conns.Delete(c)
			l.handleConn(c)
		}(conn)
	}
}

func (l *inboundListener) handleConn(conn net.Conn) {
	defer conn.Close()

	if !isAllowed(l.allowList, conn.RemoteAddr()) {
		logger.Debug("Inbound %s: %s not in allow list", l.cfg.ID, conn.RemoteAddr())
		return
	}
	if l.deps.Tracker != nil {
		defer l.deps.Tracker.TrackConn(l.cfg.Type)()
	}

	cc := tunnel.NewConnContext(conn.RemoteAddr(), l.cfg.ID)
	switch l.cfg.Type {
	case config.InboundTypeSocks5:
		l.handleSocks5(l.ctx, newBufferedConn(conn), cc)
	case config.InboundTypeHTTP:
		l.handleHTTP(l.ctx, newBufferedConn(conn), cc)
	case config.InboundTypeMixed:
		l.handleMixed(l.ctx, newBufferedConn(conn), cc)
	case config.InboundTypeShadowsocks:
		l.handleShadowsocks(l.ctx, conn, cc)
	case config.InboundTypeTProxy:
		l.handleTransparent(l.ctx, conn, cc)
	}
}

// serve attributes the request to a user and runs it through the
// connector. Connect failures are logged by the connector.
func (l *inboundListener) serve(ctx context.Context, in net.Conn, req *tunnel.Request) {
	if req.User == "" {
		req.User = l.userFor(in.RemoteAddr())
	}
	req.Conn.MarkRequest()
	l.deps.Connector.Tunnel(ctx, in, req)
}

// userFor resolves the user of unauthenticated traffic: a user whose source
// networks contain the client, then the inbound's default user.
func (l *inboundListener) userFor(addr net.Addr) string {
	if u := l.deps.Users.ForAddr(addr); u != "" {
		return u
	}
	return l.cfg.User
}

func isAllowed(allowList []*net.IPNet, addr net.Addr) bool {
	if len(allowList) == 0 {
		return true
	}
	ip := addrIP(addr)
	if ip == nil {
		return false
	}
	for _, n := range allowList {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func addrIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP
	case *net.UDPAddr:
		return a.IP
	case nil:
		return nil
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

// dnsInbound serves DNS over UDP through the connector.
type dnsInbound struct {
	cfg    *config.InboundConfig
	deps   *Deps
	pc     net.PacketConn
	server *dnsproxy.Server
	cancel context.CancelFunc
	done   chan struct{}
}

func (d *dnsInbound) Start() error {
	if err := d.cfg.Validate(); err != nil {
		return err
	}
	allowList, err := config.ParseCIDRList(d.cfg.AllowList)
	if err != nil {
		return err
	}
	pc, err := net.ListenPacket("udp", d.cfg.ListenAddr)
	if err != nil {
		return err
	}
	d.pc = pc
	if len(allowList) > 0 {
		pc = &allowPacketConn{PacketConn: pc, allowList: allowList}
	}

	d.server = &dnsproxy.Server{
		Inbound:   d.cfg.ID,
		Connector: d.deps.Connector,
		Timeout:   d.deps.DNSTimeout,
		UserFor: func(addr net.Addr) string {
			if u := d.deps.Users.ForAddr(addr); u != "" {
				return u
			}
			return d.cfg.User
		},
	}

	var ctx context.Context
	ctx, d.cancel = context.WithCancel(context.Background())
	d.done = make(chan struct{})
	go func() {
		defer close(d.done)
		if err := d.server.Serve(ctx, pc); err != nil && ctx.Err() == nil {
			logger.Warn("Inbound %s: dns server stopped: %v", d.cfg.ID, err)
		}
	}()
	return nil
}

func (d *dnsInbound) Stop(wait bool) {
	if d.cancel != nil {
		d.cancel()
	}
	if d.server != nil {
		d.server.Shutdown()
	}
	if d.pc != nil {
		d.pc.Close()
	}
	if wait && d.done != nil {
		<-d.done
	}
}

func (d *dnsInbound) Addr() net.Addr {
	if d.pc == nil {
		return nil
	}
	return d.pc.LocalAddr()
}

// allowPacketConn drops datagrams from sources outside the allow list.
type allowPacketConn struct {
	net.PacketConn
	allowList []*net.IPNet
}

func (c *allowPacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	for {
		n, addr, err := c.PacketConn.ReadFrom(p)
		if err != nil || isAllowed(c.allowList, addr) {
			return n, addr, err
		}
	}
}
