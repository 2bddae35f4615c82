package dnsproxy

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"

	gwerrors "tunnelgateway/internal/errors"
	"tunnelgateway/internal/logger"
	"tunnelgateway/internal/tunnel"
)

// DefaultQueryTimeout is how long a forwarded query may stay pending.
const DefaultQueryTimeout = 5 * time.Second

// Channel is one upstream connection carrying queries from many clients.
// Responses are matched back to clients by the remapped ID.
type Channel struct {
	name    string
	conn    *dns.Conn
	pending *PendingMap
	timeout time.Duration

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewChannel starts serving responses read from conn. Stream connections
// use DNS length framing, packet connections carry one message per packet.
func NewChannel(name string, conn net.Conn, timeout time.Duration) *Channel {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	c := &Channel{
		name:    name,
		conn:    &dns.Conn{Conn: conn, UDPSize: dns.MaxMsgSize},
		pending: NewPendingMap(),
		timeout: timeout,
		done:    make(chan struct{}),
	}
	go c.readLoop()
	go c.reapLoop()
	return c
}

// Send forwards query upstream under a fresh ID. The response, with the
// client's ID restored, is written to reply. If no ID is free the query is
// not sent.
func (c *Channel) Send(query *dns.Msg, client net.Addr, reply tunnel.Inbound, maxSize int) error {
	if c.closed.Load() {
		return gwerrors.NewDNSError("send", gwerrors.ErrClosed).WithContext("upstream", c.name)
	}
	if len(query.Question) == 0 {
		return gwerrors.NewProtocolError("send", errors.New("query has no question"))
	}
	id, err := c.pending.Add(&PendingQuery{
		ClientID: query.Id,
		Client:   client,
		Question: query.Question[0],
		MaxSize:  maxSize,
		Reply:    reply,
		Sent:     time.Now(),
	})
	if err != nil {
		return err
	}

	out := query.Copy()
	out.Id = id
	c.writeMu.Lock()
	err = c.conn.WriteMsg(out)
	c.writeMu.Unlock()
	if err != nil {
		c.pending.Take(id, nil)
		c.Close()
		return gwerrors.NewDNSError("send", err).WithContext("upstream", c.name)
	}
	return nil
}

func (c *Channel) readLoop() {
	defer c.Close()
	for {
		msg, err := c.conn.ReadMsg()
		if err != nil {
			var ne net.Error
			if c.closed.Load() || errors.Is(err, io.EOF) || errors.As(err, &ne) {
				return
			}
			// Unparseable message; framing is intact so keep reading.
			logger.Debug("DNS upstream %s: bad response: %v", c.name, err)
			continue
		}
		var q *dns.Question
		if len(msg.Question) > 0 {
			q = &msg.Question[0]
		}
		p, ok := c.pending.Take(msg.Id, q)
		if !ok {
			logger.LogDNSDropped(c.name, msg.Id)
			continue
		}
		c.deliver(p, msg)
	}
}

func (c *Channel) deliver(p *PendingQuery, msg *dns.Msg) {
	resp := &dns.Msg{
		MsgHdr:   msg.MsgHdr,
		Compress: true,
		Question: msg.Question,
		Answer:   msg.Answer,
		Ns:       msg.Ns,
		Extra:    msg.Extra,
	}
	resp.Id = p.ClientID
	if p.MaxSize > 0 {
		resp.Truncate(p.MaxSize)
	}
	packed, err := resp.Pack()
	if err != nil {
		logger.Debug("DNS upstream %s: failed to pack response: %v", c.name, err)
		p.Reply.Close()
		return
	}
	if _, err := p.Reply.Write(packed); err != nil {
		logger.Debug("DNS upstream %s: failed to answer %s: %v", c.name, p.Client, err)
	}
}

// reapLoop abandons queries the upstream never answered.
func (c *Channel) reapLoop() {
	ticker := time.NewTicker(c.timeout)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			for _, p := range c.pending.Expire(now.Add(-c.timeout)) {
				p.Reply.Close()
			}
		}
	}
}

// Pending returns how many queries await a response.
func (c *Channel) Pending() int { return c.pending.Len() }

// Closed reports whether the channel can no longer send.
func (c *Channel) Closed() bool { return c.closed.Load() }

// Close closes the upstream connection and abandons all pending queries.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		c.conn.Close()
		for _, p := range c.pending.Drain() {
			p.Reply.Close()
		}
	})
	return nil
}
