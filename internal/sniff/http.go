package sniff

import (
	"bytes"
	"net"
	"strings"

	gwerrors "tunnelgateway/internal/errors"
)

var headerTerminator = []byte("\r\n\r\n")

// httpHeaderBlock returns the request line and headers up to and including
// the blank line. An oversized header block ends the wait with nil.
func httpHeaderBlock(b []byte) ([]byte, error) {
	if i := bytes.Index(b, headerTerminator); i >= 0 {
		return b[:i+len(headerTerminator)], nil
	}
	if len(b) >= maxHTTPHeaderSize {
		return nil, nil
	}
	return nil, gwerrors.ErrNeedMoreData
}

// HTTPHost returns the Host header of a complete header block with any port
// removed, lower-cased. It returns "" if there is none.
func HTTPHost(header []byte) string {
	lines := bytes.Split(header, []byte("\r\n"))
	for _, line := range lines[min(1, len(lines)):] {
		if len(line) == 0 {
			break
		}
		key, value, ok := bytes.Cut(line, []byte{':'})
		if !ok || !strings.EqualFold(string(bytes.TrimSpace(key)), "host") {
			continue
		}
		return stripPort(strings.ToLower(string(bytes.TrimSpace(value))))
	}
	return ""
}

func stripPort(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return strings.TrimSuffix(strings.TrimPrefix(hostport, "["), "]")
}
