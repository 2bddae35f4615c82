package proxy

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"

	gwerrors "tunnelgateway/internal/errors"
	"tunnelgateway/internal/logger"
	"tunnelgateway/internal/tunnel"
)

const (
	socks5Version    = 0x05
	authNone         = 0x00
	authUserPass     = 0x02
	authNoAcceptable = 0xFF
	userPassVersion  = 0x01
	cmdConnect       = 0x01
	atypIPv4         = 0x01
	atypDomain       = 0x03
	atypIPv6         = 0x04
)

var (
	errSocksVersion    = errors.New("invalid socks version")
	errNoAcceptable    = errors.New("no acceptable auth method")
	errAuthFailed      = errors.New("authentication failed")
	errUnsupportedCmd  = errors.New("unsupported command")
	errUnsupportedAtyp = errors.New("unsupported address type")
)

func (l *inboundListener) handleSocks5(ctx context.Context, conn *bufferedConn, cc *tunnel.ConnContext) {
	r := conn.Reader()
	user, err := l.socks5Handshake(conn, r)
	if err != nil {
		logger.Debug("Inbound %s: socks5 handshake from %s: %v", l.cfg.ID, cc.ClientString(), err)
		return
	}

	target, err := readSocks5Request(r)
	if err != nil {
		conn.Write(socks5Reply(socks5RequestReplyCode(err), nil))
		logger.Debug("Inbound %s: socks5 request from %s: %v", l.cfg.ID, cc.ClientString(), err)
		return
	}

	req := tunnel.NewRequest(tunnel.ProtocolSOCKS5, target, cc)
	req.User = user
	l.serve(ctx, conn, req)
}

// socks5Handshake negotiates the auth method and, when the inbound requires
// credentials, runs the RFC 1929 sub-negotiation. It returns the
// authenticated user name.
func (l *inboundListener) socks5Handshake(conn net.Conn, r *bufio.Reader) (string, error) {
	ver, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if ver != socks5Version {
		return "", gwerrors.NewProtocolError("socks5 greeting", errSocksVersion)
	}
	nMethods, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	methods := make([]byte, int(nMethods))
	if _, err := io.ReadFull(r, methods); err != nil {
		return "", err
	}

	chosen := byte(authNone)
	if l.cfg.Auth {
		chosen = authUserPass
	}
	if !containsByte(methods, chosen) {
		conn.Write([]byte{socks5Version, authNoAcceptable})
		return "", gwerrors.NewProtocolError("socks5 greeting", errNoAcceptable)
	}
	if _, err := conn.Write([]byte{socks5Version, chosen}); err != nil {
		return "", err
	}
	if chosen != authUserPass {
		return "", nil
	}
	return l.socks5Auth(conn, r)
}

func (l *inboundListener) socks5Auth(conn net.Conn, r *bufio.Reader) (string, error) {
	ver, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if ver != userPassVersion {
		conn.Write([]byte{userPassVersion, 0x01})
		return "", gwerrors.NewProtocolError("socks5 auth", errSocksVersion)
	}
	username, err := readShortString(r)
	if err != nil {
		return "", err
	}
	password, err := readShortString(r)
	if err != nil {
		return "", err
	}

	user, ok := l.deps.Users.Authenticate(username, password)
	if !ok {
		conn.Write([]byte{userPassVersion, 0x01})
		return "", gwerrors.NewProtocolError("socks5 auth", errAuthFailed).WithContext("username", username)
	}
	if _, err := conn.Write([]byte{userPassVersion, 0x00}); err != nil {
		return "", err
	}
	return user, nil
}

// readShortString reads a length-prefixed string of at most 255 bytes.
func readShortString(r *bufio.Reader) (string, error) {
	n, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	buf := make([]byte, int(n))
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// readSocks5Request reads a CONNECT request and returns its target.
func readSocks5Request(r *bufio.Reader) (tunnel.Target, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return tunnel.Target{}, err
	}
	if hdr[0] != socks5Version {
		return tunnel.Target{}, gwerrors.NewProtocolError("socks5 request", errSocksVersion)
	}
	if hdr[1] != cmdConnect {
		return tunnel.Target{}, gwerrors.NewProtocolError("socks5 request", errUnsupportedCmd).WithContext("cmd", hdr[1])
	}

	var t tunnel.Target
	switch hdr[3] {
	case atypIPv4:
		ip := make(net.IP, net.IPv4len)
		if _, err := io.ReadFull(r, ip); err != nil {
			return tunnel.Target{}, err
		}
		t.IP = ip
	case atypIPv6:
		ip := make(net.IP, net.IPv6len)
		if _, err := io.ReadFull(r, ip); err != nil {
			return tunnel.Target{}, err
		}
		t.IP = ip
	case atypDomain:
		host, err := readShortString(r)
		if err != nil {
			return tunnel.Target{}, err
		}
		if host == "" {
			return tunnel.Target{}, gwerrors.NewProtocolError("socks5 request", errors.New("empty domain"))
		}
		if ip := net.ParseIP(host); ip != nil {
			t.IP = ip
		} else {
			t.Host = host
		}
	default:
		return tunnel.Target{}, gwerrors.NewProtocolError("socks5 request", errUnsupportedAtyp).WithContext("atyp", hdr[3])
	}

	var port [2]byte
	if _, err := io.ReadFull(r, port[:]); err != nil {
		return tunnel.Target{}, err
	}
	t.Port = int(port[0])<<8 | int(port[1])
	if t.Port == 0 {
		return tunnel.Target{}, gwerrors.NewProtocolError("socks5 request", errors.New("port 0"))
	}
	return t, nil
}

func socks5RequestReplyCode(err error) byte {
	switch {
	case errors.Is(err, errUnsupportedCmd):
		return socks5CommandNotSupported
	case errors.Is(err, errUnsupportedAtyp):
		return socks5AddrNotSupported
	default:
		return socks5GeneralFailure
	}
}

func containsByte(list []byte, v byte) bool {
	for _, b := range list {
		if b == v {
			return true
		}
	}
	return false
}
