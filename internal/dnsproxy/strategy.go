package dnsproxy

import (
	"errors"
	"fmt"
	"net"

	"github.com/miekg/dns"

	gwerrors "tunnelgateway/internal/errors"
	"tunnelgateway/internal/tunnel"
)

// DefaultRewriteTTL is used when a rewrite does not set one.
const DefaultRewriteTTL = 300

// Rewrite is the outbound for names answered locally from configuration.
// No upstream is contacted.
type Rewrite struct {
	Addresses []string
	TTL       uint32
}

func (*Rewrite) Close() error { return nil }

// Strategy answers DNS requests. A *Lease outbound forwards the query over
// its channel (plain UDP or DNS-over-TLS, depending on how the channel was
// dialed); a *Rewrite outbound is answered synchronously. Failures are
// answered with SERVFAIL.
type Strategy struct{}

func (Strategy) NeedsRelay() bool { return false }

func (Strategy) OnConnectSuccess(in tunnel.Inbound, out tunnel.Outbound, req *tunnel.Request) error {
	if req.DNS == nil || req.DNS.Msg == nil {
		return gwerrors.NewProtocolError("dns", errors.New("request carries no query"))
	}
	switch o := out.(type) {
	case *Lease:
		return o.ch.Send(req.DNS.Msg, req.DNS.Client, in, maxResponseSize(req.DNS.Msg, req.DNS.Client))
	case *Rewrite:
		return writeMsg(in, Answer(req.DNS.Msg, o))
	default:
		return gwerrors.NewProtocolError("dns", fmt.Errorf("unexpected outbound %T", out))
	}
}

func (Strategy) OnConnectFailure(in tunnel.Inbound, _ tunnel.Outbound, req *tunnel.Request, _ error) {
	if req.DNS == nil || req.DNS.Msg == nil {
		return
	}
	writeMsg(in, ServFail(req.DNS.Msg))
}

// Answer builds the local response to query from rw. A and AAAA questions
// get the configured addresses of their family; any address that does not
// parse turns the whole response into SERVFAIL.
func Answer(query *dns.Msg, rw *Rewrite) *dns.Msg {
	ips := make([]net.IP, 0, len(rw.Addresses))
	for _, a := range rw.Addresses {
		ip := net.ParseIP(a)
		if ip == nil {
			return ServFail(query)
		}
		ips = append(ips, ip)
	}
	ttl := rw.TTL
	if ttl == 0 {
		ttl = DefaultRewriteTTL
	}

	resp := new(dns.Msg)
	resp.SetReply(query)
	resp.RecursionAvailable = true
	for _, q := range query.Question {
		for _, ip := range ips {
			hdr := dns.RR_Header{Name: q.Name, Class: dns.ClassINET, Ttl: ttl}
			switch {
			case q.Qtype == dns.TypeA && ip.To4() != nil:
				hdr.Rrtype = dns.TypeA
				resp.Answer = append(resp.Answer, &dns.A{Hdr: hdr, A: ip.To4()})
			case q.Qtype == dns.TypeAAAA && ip.To4() == nil:
				hdr.Rrtype = dns.TypeAAAA
				resp.Answer = append(resp.Answer, &dns.AAAA{Hdr: hdr, AAAA: ip})
			}
		}
	}
	return resp
}

// ServFail returns a SERVFAIL response to query.
func ServFail(query *dns.Msg) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetRcode(query, dns.RcodeServerFailure)
	resp.RecursionAvailable = true
	return resp
}

func writeMsg(in tunnel.Inbound, msg *dns.Msg) error {
	packed, err := msg.Pack()
	if err != nil {
		return gwerrors.NewProtocolError("pack", err)
	}
	_, err = in.Write(packed)
	return err
}

// maxResponseSize is the EDNS0 buffer size the client advertised, or the
// plain UDP limit. Stream clients accept full-size messages.
func maxResponseSize(query *dns.Msg, client net.Addr) int {
	if _, ok := client.(*net.UDPAddr); !ok {
		return dns.MaxMsgSize
	}
	if opt := query.IsEdns0(); opt != nil {
		return int(opt.UDPSize())
	}
	return dns.MinMsgSize
}
