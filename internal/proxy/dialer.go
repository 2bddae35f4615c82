package proxy

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"
	M "github.com/sagernet/sing/common/metadata"
	"github.com/sagernet/sing-shadowsocks/shadowaead"
	"github.com/sagernet/sing-shadowsocks/shadowaead_2022"
	"golang.org/x/net/proxy"

	"tunnelgateway/internal/config"
	"tunnelgateway/internal/dnsproxy"
	gwerrors "tunnelgateway/internal/errors"
	"tunnelgateway/internal/logger"
	"tunnelgateway/internal/route"
	"tunnelgateway/internal/tunnel"
)

// DefaultResolveCacheTTL is how long resolved addresses are reused.
const DefaultResolveCacheTTL = time.Minute

// resolver looks up host addresses. *net.Resolver satisfies it.
type resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

type ssMethod interface {
	DialConn(conn net.Conn, destination M.Socksaddr) (net.Conn, error)
}

// Dialer opens the outbound leg named by a routing decision. It implements
// tunnel.Dialer.
type Dialer struct {
	outbounds route.OutboundLookup
	pool      *dnsproxy.Pool
	resolver  resolver
	resolved  *cache.Cache
	net       *net.Dialer

	mu        sync.Mutex
	ssMethods map[string]ssMethod
}

// NewDialer creates a dialer over the configured outbounds. pool may be nil
// when no DNS upstream is configured.
func NewDialer(outbounds route.OutboundLookup, pool *dnsproxy.Pool, resolveTTL time.Duration) *Dialer {
	if resolveTTL <= 0 {
		resolveTTL = DefaultResolveCacheTTL
	}
	return &Dialer{
		outbounds: outbounds,
		pool:      pool,
		resolver:  net.DefaultResolver,
		resolved:  cache.New(resolveTTL, 2*resolveTTL),
		net:       &net.Dialer{KeepAlive: 30 * time.Second},
		ssMethods: make(map[string]ssMethod),
	}
}

// DNSUpstreams builds the DNS pool upstreams from the dns outbounds.
func DNSUpstreams(outbounds []*config.OutboundConfig, defaultTimeout time.Duration) []dnsproxy.Upstream {
	var ups []dnsproxy.Upstream
	for _, ob := range outbounds {
		if ob.Type != config.OutboundTypeDNS {
			continue
		}
		timeout := ob.Timeout()
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		ups = append(ups, dnsproxy.Upstream{
			Name:        ob.Name,
			Network:     ob.Network,
			Address:     ob.Address(),
			ServerName:  ob.SNI,
			Fingerprint: ob.Fingerprint,
			Insecure:    ob.Insecure,
			Timeout:     timeout,
		})
	}
	return ups
}

// Dial implements tunnel.Dialer.
func (d *Dialer) Dial(ctx context.Context, decision tunnel.Decision, req *tunnel.Request) (tunnel.Outbound, error) {
	ob, ok := d.outbounds.Get(decision.Outbound)
	if !ok {
		return nil, gwerrors.NewConfigError("dial", gwerrors.ErrNoRoute).WithContext("outbound", decision.Outbound)
	}
	isDNS := ob.Type == config.OutboundTypeDNS || ob.Type == config.OutboundTypeDNSRewrite
	if isDNS != (req.Protocol == tunnel.ProtocolDNS) {
		return nil, gwerrors.NewProtocolError("dial", fmt.Errorf("outbound %s (%s) cannot carry %s", ob.Name, ob.Type, req.Protocol))
	}

	switch ob.Type {
	case config.OutboundTypeDirect:
		return d.dialDirect(ctx, req)
	case config.OutboundTypeSocks5:
		return d.dialSocks5(ctx, ob, req.Target)
	case config.OutboundTypeHTTP:
		return d.dialHTTPConnect(ctx, ob, req.Target)
	case config.OutboundTypeShadowsocks:
		return d.dialShadowsocks(ctx, ob, req.Target)
	case config.OutboundTypeDNS:
		if d.pool == nil {
			return nil, gwerrors.NewConfigError("dial", errors.New("no dns upstream pool"))
		}
		lease, err := d.pool.Lease(ctx, ob.Name)
		if err != nil {
			return nil, err
		}
		return lease, nil
	case config.OutboundTypeDNSRewrite:
		return &dnsproxy.Rewrite{Addresses: append([]string(nil), ob.Addresses...), TTL: ob.TTL}, nil
	case config.OutboundTypeBlock:
		return nil, gwerrors.ErrBlocked
	default:
		return nil, gwerrors.NewConfigError("dial", fmt.Errorf("unsupported outbound type %q", ob.Type))
	}
}

// dialDirect connects to the target itself, resolving its host first when
// only the name is known. Each resolved address is tried in order.
func (d *Dialer) dialDirect(ctx context.Context, req *tunnel.Request) (net.Conn, error) {
	t := req.Target
	if t.IP != nil {
		return d.net.DialContext(ctx, "tcp", t.DialAddress())
	}

	start := time.Now()
	ips, err := d.resolve(ctx, t.Host)
	req.Conn.SetDNS(time.Since(start))
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, ip := range ips {
		conn, err := d.net.DialContext(ctx, "tcp", net.JoinHostPort(ip.String(), strconv.Itoa(t.Port)))
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (d *Dialer) resolve(ctx context.Context, host string) ([]net.IP, error) {
	if cached, ok := d.resolved.Get(host); ok {
		return cached.([]net.IP), nil
	}
	ips, err := d.resolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no addresses", Name: host, IsNotFound: true}
	}
	d.resolved.SetDefault(host, ips)
	return ips, nil
}

// remoteAddress is the address handed to upstream proxies. A known host
// name is preferred so the upstream resolves it.
func remoteAddress(t tunnel.Target) string {
	return t.String()
}

func (d *Dialer) dialSocks5(ctx context.Context, ob *config.OutboundConfig, t tunnel.Target) (net.Conn, error) {
	var auth *proxy.Auth
	if ob.Username != "" || ob.Password != "" {
		auth = &proxy.Auth{User: ob.Username, Password: ob.Password}
	}
	dialer, err := proxy.SOCKS5("tcp", ob.Address(), auth, d.net)
	if err != nil {
		return nil, gwerrors.NewConfigError("socks5 outbound", err)
	}
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", remoteAddress(t))
	}
	return dialer.Dial("tcp", remoteAddress(t))
}

// dialHTTPConnect opens a tunnel through an upstream HTTP proxy.
func (d *Dialer) dialHTTPConnect(ctx context.Context, ob *config.OutboundConfig, t tunnel.Target) (net.Conn, error) {
	conn, err := d.net.DialContext(ctx, "tcp", ob.Address())
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	addr := remoteAddress(t)
	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if ob.Username != "" || ob.Password != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(ob.Username + ":" + ob.Password))
		connectReq.Header.Set("Proxy-Authorization", "Basic "+cred)
	}
	if err := connectReq.Write(conn); err != nil {
		conn.Close()
		return nil, err
	}

	bc := newBufferedConn(conn)
	resp, err := http.ReadResponse(bc.Reader(), connectReq)
	if err != nil {
		conn.Close()
		return nil, gwerrors.NewProtocolError("http outbound", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, upstreamStatusError(resp.StatusCode)
	}
	conn.SetDeadline(time.Time{})
	return bc, nil
}

// upstreamStatusError turns a refused CONNECT into an error that classifies
// like the equivalent network failure.
func upstreamStatusError(code int) error {
	switch code {
	case http.StatusGatewayTimeout:
		return gwerrors.NewConnectError("http outbound", context.DeadlineExceeded).WithContext("status", code)
	case http.StatusForbidden:
		return gwerrors.NewConnectError("http outbound", gwerrors.ErrBlocked).WithContext("status", code)
	default:
		return gwerrors.NewConnectError("http outbound", fmt.Errorf("connection refused by upstream: %d %s", code, http.StatusText(code)))
	}
}

func (d *Dialer) dialShadowsocks(ctx context.Context, ob *config.OutboundConfig, t tunnel.Target) (net.Conn, error) {
	method, err := d.shadowsocksMethod(ob)
	if err != nil {
		return nil, err
	}
	conn, err := d.net.DialContext(ctx, "tcp", ob.Address())
	if err != nil {
		return nil, err
	}
	host := t.Host
	if host == "" {
		host = t.IP.String()
	}
	ssConn, err := method.DialConn(conn, M.ParseSocksaddrHostPort(host, uint16(t.Port)))
	if err != nil {
		conn.Close()
		return nil, gwerrors.NewProtocolError("shadowsocks outbound", err)
	}
	return ssConn, nil
}

func (d *Dialer) shadowsocksMethod(ob *config.OutboundConfig) (ssMethod, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if m, ok := d.ssMethods[ob.Name]; ok {
		return m, nil
	}

	var (
		m   ssMethod
		err error
	)
	if config.Is2022Method(ob.Method) {
		m, err = shadowaead_2022.NewWithPassword(ob.Method, ob.Password, nil)
	} else {
		m, err = shadowaead.New(ob.Method, nil, ob.Password)
	}
	if err != nil {
		return nil, gwerrors.NewConfigError("shadowsocks outbound", err).WithContext("outbound", ob.Name)
	}
	d.ssMethods[ob.Name] = m
	logger.Debug("Outbound %s: shadowsocks method %s ready", ob.Name, ob.Method)
	return m, nil
}
