package proxy

import (
	"context"
	"net"

	"tunnelgateway/internal/logger"
	"tunnelgateway/internal/sniff"
	"tunnelgateway/internal/tunnel"
)

// handleTransparent serves a connection redirected by TPROXY. The original
// destination is the socket's local address. When sniffing finds a TLS SNI
// or HTTP Host, it becomes the target host used for routing and upstream
// proxies; direct dials still go to the original IP.
func (l *inboundListener) handleTransparent(ctx context.Context, conn net.Conn, cc *tunnel.ConnContext) {
	dst, ok := conn.LocalAddr().(*net.TCPAddr)
	if !ok {
		return
	}
	target := tunnel.Target{IP: dst.IP, Port: dst.Port}

	var in net.Conn = conn
	if l.cfg.Sniff {
		res, sniffed, err := sniff.Sniff(conn, l.cfg.SniffTimeout())
		if err != nil {
			logger.Debug("Inbound %s: sniff %s: %v", l.cfg.ID, cc.ClientString(), err)
			return
		}
		in = sniffed
		if res.Host != "" {
			cc.SetSniffedHost(res.Host)
			target.Host = res.Host
		}
	}

	req := tunnel.NewRequest(tunnel.ProtocolTransparent, target, cc)
	l.serve(ctx, in, req)
}
