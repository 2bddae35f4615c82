// Package dnsproxy forwards client DNS queries over shared upstream
// channels, remapping transaction IDs per channel, and answers rewritten
// names locally.
package dnsproxy

import (
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"

	gwerrors "tunnelgateway/internal/errors"
	"tunnelgateway/internal/tunnel"
)

const idSpace = 1 << 16

// PendingQuery is what a channel remembers about a query it sent upstream.
type PendingQuery struct {
	ClientID uint16
	Client   net.Addr
	Question dns.Question
	MaxSize  int // largest response the client accepts
	Reply    tunnel.Inbound
	Sent     time.Time
}

// PendingMap maps outbound IDs to pending queries for one channel. No two
// pending queries share an outbound ID.
type PendingMap struct {
	mu      sync.Mutex
	entries map[uint16]*PendingQuery
	next    uint16
}

func NewPendingMap() *PendingMap {
	return &PendingMap{entries: make(map[uint16]*PendingQuery)}
}

// Add assigns q a free outbound ID, probing linearly from the last one
// handed out. It fails with ErrIDSpaceExhausted when all IDs are pending.
func (m *PendingMap) Add(q *PendingQuery) (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) < idSpace {
		for i := 0; i < idSpace; i++ {
			id := m.next
			m.next++
			if _, busy := m.entries[id]; !busy {
				m.entries[id] = q
				return id, nil
			}
		}
	}
	return 0, gwerrors.NewDNSError("allocate id", gwerrors.ErrIDSpaceExhausted).WithContext("pending", len(m.entries))
}

// Take removes and returns the query pending under id if its question
// matches q. A mismatch leaves the entry in place.
func (m *PendingMap) Take(id uint16, q *dns.Question) (*PendingQuery, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.entries[id]
	if !ok {
		return nil, false
	}
	if q != nil && !sameQuestion(p.Question, *q) {
		return nil, false
	}
	delete(m.entries, id)
	return p, true
}

// Expire removes and returns every query sent before deadline.
func (m *PendingMap) Expire(deadline time.Time) []*PendingQuery {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*PendingQuery
	for id, p := range m.entries {
		if p.Sent.Before(deadline) {
			out = append(out, p)
			delete(m.entries, id)
		}
	}
	return out
}

// Drain removes and returns every pending query.
func (m *PendingMap) Drain() []*PendingQuery {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*PendingQuery, 0, len(m.entries))
	for _, p := range m.entries {
		out = append(out, p)
	}
	m.entries = make(map[uint16]*PendingQuery)
	return out
}

func (m *PendingMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func sameQuestion(a, b dns.Question) bool {
	return a.Qtype == b.Qtype && a.Qclass == b.Qclass && dns.CanonicalName(a.Name) == dns.CanonicalName(b.Name)
}
