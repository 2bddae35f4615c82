package monitor

import (
	"sync"
	"time"

	gwerrors "tunnelgateway/internal/errors"
	"tunnelgateway/internal/tunnel"
)

// DefaultRecentRecords is how many records the access log keeps in memory.
const DefaultRecentRecords = 256

// ResultOK is the result code of a tunnel that connected.
const ResultOK = "ok"

// Record is one access log entry.
type Record struct {
	Time      time.Time     `json:"time"`
	Protocol  string        `json:"protocol"`
	Inbound   string        `json:"inbound"`
	User      string        `json:"user,omitempty"`
	Client    string        `json:"client"`
	Target    string        `json:"target"`
	Sniffed   string        `json:"sniffed,omitempty"`
	Outbound  string        `json:"outbound,omitempty"`
	Result    string        `json:"result"`
	Error     string        `json:"error,omitempty"`
	Up        int64         `json:"up"`
	Down      int64         `json:"down"`
	Duration  time.Duration `json:"duration"`
	Request   time.Duration `json:"request"`
	DNS       time.Duration `json:"dns"`
	Connect   time.Duration `json:"connect"`
	Handshake time.Duration `json:"handshake"`
}

// AccessLog is the tunnel access log sink. It feeds the metrics and keeps
// the most recent records in a ring.
type AccessLog struct {
	metrics *Metrics

	mu     sync.Mutex
	ring   []Record
	next   int
	filled bool
}

// NewAccessLog creates a sink keeping size records. metrics may be nil.
func NewAccessLog(metrics *Metrics, size int) *AccessLog {
	if size <= 0 {
		size = DefaultRecentRecords
	}
	return &AccessLog{metrics: metrics, ring: make([]Record, size)}
}

// Completed records a tunnel that connected and has ended.
func (a *AccessLog) Completed(req *tunnel.Request) {
	a.add(newRecord(req, ResultOK, nil))
}

// Failed records a request whose connect failed.
func (a *AccessLog) Failed(req *tunnel.Request, cause error) {
	a.add(newRecord(req, gwerrors.Code(cause), cause))
}

func newRecord(req *tunnel.Request, result string, cause error) Record {
	r := Record{
		Time:     time.Now(),
		Protocol: req.Protocol.String(),
		User:     req.User,
		Target:   req.Target.String(),
		Result:   result,
	}
	if cause != nil {
		r.Error = cause.Error()
	}
	if c := req.Conn; c != nil {
		times := c.Times()
		r.Inbound = c.Inbound
		r.Client = c.ClientString()
		r.Sniffed = c.SniffedHost()
		r.Outbound = c.Outbound()
		r.Up = c.Up()
		r.Down = c.Down()
		r.Duration = time.Since(c.Start)
		r.Request = times.Request
		r.DNS = times.DNS
		r.Connect = times.Connect
		r.Handshake = times.Handshake
	}
	return r
}

func (a *AccessLog) add(r Record) {
	if m := a.metrics; m != nil {
		m.TunnelsTotal.WithLabelValues(r.Protocol, r.Result).Inc()
		m.BytesUp.WithLabelValues(r.Protocol).Add(float64(r.Up))
		m.BytesDown.WithLabelValues(r.Protocol).Add(float64(r.Down))
		observe := func(phase string, d time.Duration) {
			if d > 0 {
				m.PhaseSeconds.WithLabelValues(phase).Observe(d.Seconds())
			}
		}
		observe("request", r.Request)
		observe("dns", r.DNS)
		observe("connect", r.Connect)
		observe("handshake", r.Handshake)
	}

	a.mu.Lock()
	a.ring[a.next] = r
	a.next = (a.next + 1) % len(a.ring)
	if a.next == 0 {
		a.filled = true
	}
	a.mu.Unlock()
}

// Recent returns up to n records, newest first.
func (a *AccessLog) Recent(n int) []Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	count := a.next
	if a.filled {
		count = len(a.ring)
	}
	if n <= 0 || n > count {
		n = count
	}
	out := make([]Record, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, a.ring[(a.next-i+len(a.ring))%len(a.ring)])
	}
	return out
}
