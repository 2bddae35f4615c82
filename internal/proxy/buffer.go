// Package proxy implements the gateway's inbound listeners and outbound
// dialers on top of the tunnel connector.
package proxy

import (
	"bufio"
	"net"
)

// handshakeBufferSize is the reader size used while parsing client
// handshakes.
const handshakeBufferSize = 4096

// bufferedConn is a net.Conn whose reads first drain a bufio.Reader, so
// bytes read past a handshake are not lost.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func newBufferedConn(c net.Conn) *bufferedConn {
	return &bufferedConn{Conn: c, r: bufio.NewReaderSize(c, handshakeBufferSize)}
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// Reader exposes the buffered reader for handshake parsing.
func (c *bufferedConn) Reader() *bufio.Reader { return c.r }
