package tunnel

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// TimeContext holds the four phase durations of a connection.
type TimeContext struct {
	Request   time.Duration // accept until the request was parsed
	DNS       time.Duration // target name resolution
	Handshake time.Duration // client handshake reply
	Connect   time.Duration // outbound dial
}

// ConnContext is the per-connection record populated as each phase
// completes and read once when the connection ends.
type ConnContext struct {
	Client  net.Addr
	Inbound string
	Start   time.Time

	mu       sync.Mutex
	times    TimeContext
	sniffed  string
	outbound string

	up   atomic.Int64
	down atomic.Int64
}

// NewConnContext starts the clock for a connection from client on inbound.
func NewConnContext(client net.Addr, inbound string) *ConnContext {
	return &ConnContext{Client: client, Inbound: inbound, Start: time.Now()}
}

// ClientString returns the client address or "-".
func (c *ConnContext) ClientString() string {
	if c.Client == nil {
		return "-"
	}
	return c.Client.String()
}

// Times returns a copy of the phase durations.
func (c *ConnContext) Times() TimeContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.times
}

// MarkRequest records the request-parse interval as the time since Start.
func (c *ConnContext) MarkRequest() {
	c.mu.Lock()
	c.times.Request = time.Since(c.Start)
	c.mu.Unlock()
}

func (c *ConnContext) SetDNS(d time.Duration) {
	c.mu.Lock()
	c.times.DNS = d
	c.mu.Unlock()
}

func (c *ConnContext) setHandshake(d time.Duration) {
	c.mu.Lock()
	c.times.Handshake = d
	c.mu.Unlock()
}

func (c *ConnContext) setConnect(d time.Duration) {
	c.mu.Lock()
	c.times.Connect = d
	c.mu.Unlock()
}

// SetSniffedHost records the host name found by the protocol detector.
func (c *ConnContext) SetSniffedHost(host string) {
	c.mu.Lock()
	c.sniffed = host
	c.mu.Unlock()
}

func (c *ConnContext) SniffedHost() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sniffed
}

// SetOutbound records the name of the outbound that carried the connection.
func (c *ConnContext) SetOutbound(name string) {
	c.mu.Lock()
	c.outbound = name
	c.mu.Unlock()
}

func (c *ConnContext) Outbound() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outbound
}

// AddUp counts client to target bytes.
func (c *ConnContext) AddUp(n int64) { c.up.Add(n) }

// AddDown counts target to client bytes.
func (c *ConnContext) AddDown(n int64) { c.down.Add(n) }

func (c *ConnContext) Up() int64   { return c.up.Load() }
func (c *ConnContext) Down() int64 { return c.down.Load() }
