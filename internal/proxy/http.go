package proxy

import (
	"context"
	"encoding/base64"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	gwerrors "tunnelgateway/internal/errors"
	"tunnelgateway/internal/logger"
	"tunnelgateway/internal/tunnel"
)

func (l *inboundListener) handleHTTP(ctx context.Context, conn *bufferedConn, cc *tunnel.ConnContext) {
	httpReq, err := http.ReadRequest(conn.Reader())
	if err != nil {
		logger.Debug("Inbound %s: http request from %s: %v", l.cfg.ID, cc.ClientString(), err)
		return
	}

	var user string
	if l.cfg.Auth {
		name, ok := l.checkHTTPAuth(httpReq)
		if !ok {
			writeHTTPAuthRequired(conn)
			return
		}
		user = name
	}

	if !strings.EqualFold(httpReq.Method, http.MethodConnect) {
		writeHTTPError(conn, http.StatusMethodNotAllowed)
		return
	}

	target, err := parseTarget(httpReq.Host, 443)
	if err != nil {
		writeHTTPError(conn, http.StatusBadRequest)
		logger.Debug("Inbound %s: CONNECT from %s: %v", l.cfg.ID, cc.ClientString(), err)
		return
	}

	req := tunnel.NewRequest(tunnel.ProtocolHTTP, target, cc)
	req.User = user
	l.serve(ctx, conn, req)
}

// checkHTTPAuth validates Proxy-Authorization Basic credentials and returns
// the user name.
func (l *inboundListener) checkHTTPAuth(req *http.Request) (string, bool) {
	header := req.Header.Get("Proxy-Authorization")
	scheme, encoded, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Basic") {
		return "", false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return "", false
	}
	username, password, ok := strings.Cut(string(raw), ":")
	if !ok {
		return "", false
	}
	return l.deps.Users.Authenticate(username, password)
}

func writeHTTPAuthRequired(conn net.Conn) {
	conn.Write([]byte("HTTP/1.1 407 Proxy Authentication Required\r\nProxy-Authenticate: Basic realm=\"" +
		ProxyAgent + "\"\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"))
}

// parseTarget parses host[:port], using defaultPort when the port is
// missing. IP literals fill the target IP.
func parseTarget(hostport string, defaultPort int) (tunnel.Target, error) {
	if hostport == "" {
		return tunnel.Target{}, gwerrors.NewProtocolError("target", errors.New("empty host"))
	}
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		host, portStr = strings.Trim(hostport, "[]"), strconv.Itoa(defaultPort)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return tunnel.Target{}, gwerrors.NewProtocolError("target", errors.New("invalid port")).WithContext("target", hostport)
	}
	if host == "" {
		return tunnel.Target{}, gwerrors.NewProtocolError("target", errors.New("empty host"))
	}
	if ip := net.ParseIP(host); ip != nil {
		return tunnel.Target{IP: ip, Port: port}, nil
	}
	return tunnel.Target{Host: strings.ToLower(host), Port: port}, nil
}

// handleMixed serves SOCKS5 when the first byte is the SOCKS5 version and
// HTTP otherwise.
func (l *inboundListener) handleMixed(ctx context.Context, conn *bufferedConn, cc *tunnel.ConnContext) {
	peek, err := conn.Reader().Peek(1)
	if err != nil {
		return
	}
	if peek[0] == socks5Version {
		l.handleSocks5(ctx, conn, cc)
		return
	}
	l.handleHTTP(ctx, conn, cc)
}
