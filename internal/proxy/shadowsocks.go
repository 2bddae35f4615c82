package proxy

import (
	"context"
	"io"
	"net"

	"github.com/shadowsocks/go-shadowsocks2/core"
	"github.com/shadowsocks/go-shadowsocks2/socks"

	gwerrors "tunnelgateway/internal/errors"
	"tunnelgateway/internal/logger"
	"tunnelgateway/internal/sniff"
	"tunnelgateway/internal/tunnel"
)

// newInboundCipher creates the AEAD stream cipher of a shadowsocks inbound.
func newInboundCipher(method, password string) (core.Cipher, error) {
	c, err := core.PickCipher(method, nil, password)
	if err != nil {
		return nil, gwerrors.NewConfigError("shadowsocks inbound", err).WithContext("method", method)
	}
	return c, nil
}

// handleShadowsocks decrypts the stream, reads the target address header
// and tunnels the rest. Shadowsocks has no reply; the client's first
// payload usually arrives with the header and is flushed after the connect.
func (l *inboundListener) handleShadowsocks(ctx context.Context, conn net.Conn, cc *tunnel.ConnContext) {
	sc := l.cipher.StreamConn(conn)
	addr, err := socks.ReadAddr(sc)
	if err != nil {
		logger.Debug("Inbound %s: shadowsocks header from %s: %v", l.cfg.ID, cc.ClientString(), err)
		// Drain rather than close on a bad header.
		io.Copy(io.Discard, conn)
		return
	}

	target, err := parseTarget(addr.String(), 0)
	if err != nil {
		logger.Debug("Inbound %s: shadowsocks target from %s: %v", l.cfg.ID, cc.ClientString(), err)
		return
	}

	in := sc
	if l.cfg.Sniff {
		res, sniffed, err := sniff.Sniff(sc, l.cfg.SniffTimeout())
		if err != nil {
			return
		}
		in = sniffed
		if res.Host != "" {
			cc.SetSniffedHost(res.Host)
		}
	}

	req := tunnel.NewRequest(tunnel.ProtocolShadowsocks, target, cc)
	l.serve(ctx, in, req)
}
