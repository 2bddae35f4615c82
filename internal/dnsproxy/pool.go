package dnsproxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	utls "github.com/metacubex/utls"
	"golang.org/x/sync/singleflight"

	gwerrors "tunnelgateway/internal/errors"
	"tunnelgateway/internal/logger"
)

// Upstream transports.
const (
	NetworkUDP = "udp"
	NetworkTLS = "tls"
)

// Upstream describes one DNS server queries can be forwarded to.
type Upstream struct {
	Name        string
	Network     string // NetworkUDP or NetworkTLS
	Address     string // host:port
	ServerName  string // TLS server name, defaults to the address host
	Fingerprint string // uTLS client hello to imitate; empty uses crypto/tls
	Insecure    bool
	Timeout     time.Duration // pending query lifetime
}

// Lease is the outbound handed to the connector for a forwarded query. It
// borrows the pool's channel; closing it does not close the channel.
type Lease struct {
	Upstream string
	ch       *Channel
}

func (l *Lease) Channel() *Channel { return l.ch }

func (l *Lease) Close() error { return nil }

// Pool keeps one live channel per upstream and redials a channel once it
// has closed. Concurrent dials to the same upstream are collapsed.
type Pool struct {
	upstreams map[string]Upstream
	dialer    *net.Dialer

	mu       sync.Mutex
	channels map[string]*Channel
	group    singleflight.Group
}

func NewPool(upstreams []Upstream) *Pool {
	p := &Pool{
		upstreams: make(map[string]Upstream, len(upstreams)),
		dialer:    &net.Dialer{Timeout: 10 * time.Second},
		channels:  make(map[string]*Channel),
	}
	for _, u := range upstreams {
		p.upstreams[u.Name] = u
	}
	return p
}

// Lease returns a lease on the live channel to the named upstream, dialing
// one if needed.
func (p *Pool) Lease(ctx context.Context, name string) (*Lease, error) {
	up, ok := p.upstreams[name]
	if !ok {
		return nil, gwerrors.NewConfigError("lease", fmt.Errorf("unknown dns upstream %q", name))
	}
	if ch := p.live(name); ch != nil {
		return &Lease{Upstream: name, ch: ch}, nil
	}
	v, err, _ := p.group.Do(name, func() (interface{}, error) {
		if ch := p.live(name); ch != nil {
			return ch, nil
		}
		ch, err := p.dial(ctx, up)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.channels[name] = ch
		p.mu.Unlock()
		return ch, nil
	})
	if err != nil {
		return nil, err
	}
	return &Lease{Upstream: name, ch: v.(*Channel)}, nil
}

func (p *Pool) live(name string) *Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch := p.channels[name]; ch != nil && !ch.Closed() {
		return ch
	}
	return nil
}

func (p *Pool) dial(ctx context.Context, up Upstream) (*Channel, error) {
	switch up.Network {
	case NetworkUDP, "":
		conn, err := p.dialer.DialContext(ctx, "udp", up.Address)
		if err != nil {
			return nil, err
		}
		logger.Debug("DNS upstream %s: udp channel to %s", up.Name, up.Address)
		return NewChannel(up.Name, conn, up.Timeout), nil
	case NetworkTLS:
		raw, err := p.dialer.DialContext(ctx, "tcp", up.Address)
		if err != nil {
			return nil, err
		}
		conn, err := tlsClient(ctx, raw, up)
		if err != nil {
			raw.Close()
			return nil, err
		}
		logger.Debug("DNS upstream %s: tls channel to %s", up.Name, up.Address)
		return NewChannel(up.Name, conn, up.Timeout), nil
	default:
		return nil, gwerrors.NewConfigError("dial", fmt.Errorf("unsupported dns upstream network %q", up.Network))
	}
}

func tlsClient(ctx context.Context, conn net.Conn, up Upstream) (net.Conn, error) {
	sni := up.ServerName
	if sni == "" {
		sni, _, _ = net.SplitHostPort(up.Address)
	}
	if up.Fingerprint != "" {
		uconn := utls.UClient(conn, &utls.Config{
			ServerName:         sni,
			InsecureSkipVerify: up.Insecure,
		}, clientHelloID(up.Fingerprint))
		if err := uconn.HandshakeContext(ctx); err != nil {
			return nil, err
		}
		return uconn, nil
	}
	tconn := tls.Client(conn, &tls.Config{
		ServerName:         sni,
		InsecureSkipVerify: up.Insecure,
	})
	if err := tconn.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return tconn, nil
}

func clientHelloID(name string) utls.ClientHelloID {
	switch strings.ToLower(name) {
	case "firefox":
		return utls.HelloFirefox_Auto
	case "safari":
		return utls.HelloSafari_Auto
	case "ios":
		return utls.HelloIOS_Auto
	case "edge":
		return utls.HelloEdge_Auto
	case "random", "randomized":
		return utls.HelloRandomized
	default:
		return utls.HelloChrome_Auto
	}
}

// Pending returns the number of queries awaiting a response on each
// upstream. Upstreams without a live channel report zero.
func (p *Pool) Pending() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int, len(p.upstreams))
	for name := range p.upstreams {
		out[name] = 0
		if ch := p.channels[name]; ch != nil && !ch.Closed() {
			out[name] = ch.Pending()
		}
	}
	return out
}

// Close closes every channel.
func (p *Pool) Close() {
	p.mu.Lock()
	channels := p.channels
	p.channels = make(map[string]*Channel)
	p.mu.Unlock()
	for _, ch := range channels {
		ch.Close()
	}
}
