package proxy

import (
	"fmt"
	"io"
	"net"
	"net/http"

	"tunnelgateway/internal/dnsproxy"
	gwerrors "tunnelgateway/internal/errors"
	"tunnelgateway/internal/tunnel"
)

// ProxyAgent is sent in the CONNECT success response.
const ProxyAgent = "tunnelgateway"

// SOCKS5 reply codes (RFC 1928 section 6).
const (
	socks5Succeeded           byte = 0x00
	socks5GeneralFailure      byte = 0x01
	socks5NotAllowed          byte = 0x02
	socks5NetworkUnreachable  byte = 0x03
	socks5HostUnreachable     byte = 0x04
	socks5ConnectionRefused   byte = 0x05
	socks5TTLExpired          byte = 0x06
	socks5CommandNotSupported byte = 0x07
	socks5AddrNotSupported    byte = 0x08
)

var strategies = map[tunnel.Protocol]tunnel.Strategy{
	tunnel.ProtocolSOCKS5:      socks5Strategy{},
	tunnel.ProtocolHTTP:        httpConnectStrategy{},
	tunnel.ProtocolShadowsocks: tunnel.Passthrough{},
	tunnel.ProtocolTransparent: tunnel.Passthrough{},
	tunnel.ProtocolDNS:         dnsproxy.Strategy{},
}

// Strategy returns the strategy for a front-end protocol. It is meant to be
// set as tunnel.Connector.Strategies.
func Strategy(p tunnel.Protocol) tunnel.Strategy {
	return strategies[p]
}

type socks5Strategy struct{}

func (socks5Strategy) NeedsRelay() bool { return true }

func (socks5Strategy) OnConnectSuccess(in tunnel.Inbound, out tunnel.Outbound, _ *tunnel.Request) error {
	var bound net.Addr
	if c, ok := out.(net.Conn); ok {
		bound = c.LocalAddr()
	}
	_, err := in.Write(socks5Reply(socks5Succeeded, bound))
	return err
}

func (socks5Strategy) OnConnectFailure(in tunnel.Inbound, _ tunnel.Outbound, _ *tunnel.Request, cause error) {
	in.Write(socks5Reply(socks5ReplyCode(cause), nil))
}

// socks5ReplyCode maps a connect failure to a SOCKS5 reply code.
func socks5ReplyCode(err error) byte {
	switch gwerrors.Code(err) {
	case gwerrors.CodeRefused:
		return socks5ConnectionRefused
	case gwerrors.CodeUnreachable:
		return socks5NetworkUnreachable
	case gwerrors.CodeHostUnknown, gwerrors.CodeHostUnreachable:
		return socks5HostUnreachable
	case gwerrors.CodeTimeout:
		return socks5TTLExpired
	case gwerrors.CodeBlocked, gwerrors.CodeLimited:
		return socks5NotAllowed
	default:
		return socks5GeneralFailure
	}
}

// socks5Reply encodes VER REP RSV ATYP BND.ADDR BND.PORT. A nil or
// non-IP bound address is sent as 0.0.0.0:0.
func socks5Reply(rep byte, bound net.Addr) []byte {
	ip := net.IPv4zero.To4()
	port := 0
	if tcp, ok := bound.(*net.TCPAddr); ok && tcp.IP != nil {
		ip = tcp.IP
		port = tcp.Port
	}
	reply := make([]byte, 0, 22)
	if ip4 := ip.To4(); ip4 != nil {
		reply = append(reply, 0x05, rep, 0x00, atypIPv4)
		reply = append(reply, ip4...)
	} else {
		reply = append(reply, 0x05, rep, 0x00, atypIPv6)
		reply = append(reply, ip.To16()...)
	}
	return append(reply, byte(port>>8), byte(port))
}

type httpConnectStrategy struct{}

func (httpConnectStrategy) NeedsRelay() bool { return true }

func (httpConnectStrategy) OnConnectSuccess(in tunnel.Inbound, _ tunnel.Outbound, _ *tunnel.Request) error {
	_, err := in.Write([]byte("HTTP/1.1 200 Connection Established\r\nProxy-Agent: " + ProxyAgent + "\r\n\r\n"))
	return err
}

func (httpConnectStrategy) OnConnectFailure(in tunnel.Inbound, _ tunnel.Outbound, _ *tunnel.Request, cause error) {
	writeHTTPError(in, httpStatusFor(cause))
}

// httpStatusFor maps a connect failure to an HTTP status.
func httpStatusFor(err error) int {
	switch gwerrors.Code(err) {
	case gwerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case gwerrors.CodeBlocked:
		return http.StatusForbidden
	case gwerrors.CodeLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadGateway
	}
}

func writeHTTPError(w io.Writer, code int) {
	fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nProxy-Agent: %s\r\nContent-Length: 0\r\nConnection: close\r\n\r\n",
		code, http.StatusText(code), ProxyAgent)
}
