// Package tunnel implements the lifecycle of one proxied connection: the
// request buffering state machine, the connector that opens the outbound
// leg and the relay that joins both legs.
package tunnel

import (
	"net"
	"strconv"
	"sync"

	"github.com/miekg/dns"

	gwerrors "tunnelgateway/internal/errors"
)

// Protocol is the front-end protocol a request arrived on.
type Protocol int

const (
	ProtocolSOCKS5 Protocol = iota
	ProtocolHTTP
	ProtocolShadowsocks
	ProtocolTransparent
	ProtocolDNS
)

func (p Protocol) String() string {
	switch p {
	case ProtocolSOCKS5:
		return "socks5"
	case ProtocolHTTP:
		return "http"
	case ProtocolShadowsocks:
		return "shadowsocks"
	case ProtocolTransparent:
		return "tproxy"
	case ProtocolDNS:
		return "dns"
	default:
		return "unknown"
	}
}

// Target is where the client wants to go. Host may be empty when only the
// IP is known (transparent proxying without a sniffed name).
type Target struct {
	Host string
	IP   net.IP
	Port int
}

// DialAddress returns the address the outbound leg should dial, preferring
// the IP when it is known.
func (t Target) DialAddress() string {
	if t.IP != nil {
		return net.JoinHostPort(t.IP.String(), strconv.Itoa(t.Port))
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

func (t Target) String() string {
	if t.Host != "" {
		return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
	}
	return t.DialAddress()
}

// Action is what a route decided to do with a request.
type Action int

const (
	ActionProxy Action = iota
	ActionBlock
)

// Decision is the routing outcome for one request.
type Decision struct {
	Outbound string
	Action   Action
}

// DNSQuery carries the client's original DNS question through the connector
// to the DNS strategies.
type DNSQuery struct {
	Msg    *dns.Msg
	Client net.Addr
}

// State is the lifecycle state of a Request.
type State int

const (
	StateInit State = iota
	StateAwaitingConnect
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAwaitingConnect:
		return "awaiting-connect"
	case StateEstablished:
		return "established"
	default:
		return "closed"
	}
}

// Request is one in-flight connection attempt. While it awaits the outbound
// connect every inbound chunk is appended to its initial payload; the
// payload is handed to the outbound write exactly once and released if the
// request closes first.
type Request struct {
	Protocol Protocol
	Target   Target
	User     string
	Decision Decision
	DNS      *DNSQuery // set for ProtocolDNS only
	Conn     *ConnContext

	mu          sync.Mutex
	state       State
	payload     []byte
	established bool
	relay       *Relay

	settleOnce sync.Once
	settled    chan struct{}
}

// NewRequest creates a request in the init state.
func NewRequest(protocol Protocol, target Target, conn *ConnContext) *Request {
	if conn == nil {
		conn = NewConnContext(nil, "")
	}
	return &Request{
		Protocol: protocol,
		Target:   target,
		Conn:     conn,
		settled:  make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (r *Request) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// BeginConnect moves init to awaiting-connect.
func (r *Request) BeginConnect() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateInit {
		return gwerrors.NewResourceError("begin connect", gwerrors.ErrClosed).WithContext("state", r.state.String())
	}
	r.state = StateAwaitingConnect
	return nil
}

// Offer hands an inbound chunk to the request. While awaiting the connect
// the chunk is copied into the initial payload and Offer returns false. Once
// established Offer returns true and the caller forwards the chunk itself.
// A closed request drops the chunk.
func (r *Request) Offer(chunk []byte) (forward bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case StateInit, StateAwaitingConnect:
		if len(chunk) > 0 {
			r.payload = append(r.payload, chunk...)
		}
		return false
	case StateEstablished:
		return true
	default:
		return false
	}
}

// Buffered returns how many payload bytes are held.
func (r *Request) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payload)
}

// establish moves awaiting-connect to established and transfers ownership
// of the initial payload to the caller. ok is false if the request was
// closed in the meantime.
func (r *Request) establish() (payload []byte, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateAwaitingConnect {
		return nil, false
	}
	r.state = StateEstablished
	r.established = true
	payload, r.payload = r.payload, nil
	return payload, true
}

// Established reports whether the request ever reached established.
func (r *Request) Established() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.established
}

// Close moves the request to closed and releases any held payload. It
// reports whether the request was still waiting for its connect.
func (r *Request) Close() (wasPending bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wasPending = r.state == StateInit || r.state == StateAwaitingConnect
	r.state = StateClosed
	r.payload = nil
	return wasPending
}

// Settled is closed once the connector has finished with the request:
// the payload is flushed or released and no further connector writes occur.
func (r *Request) Settled() <-chan struct{} { return r.settled }

func (r *Request) settle() {
	r.settleOnce.Do(func() { close(r.settled) })
}
