package sniff

import (
	"errors"
	"io"
	"net"
	"time"

	gwerrors "tunnelgateway/internal/errors"
)

// Conn is a net.Conn that replays the bytes read while sniffing before
// reading from the underlying connection again.
type Conn struct {
	net.Conn
	prefix []byte
}

// Buffered returns the sniffed bytes not yet read back.
func (c *Conn) Buffered() []byte { return c.prefix }

func (c *Conn) Read(p []byte) (int, error) {
	if len(c.prefix) > 0 {
		n := copy(p, c.prefix)
		c.prefix = c.prefix[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}

// Sniff reads from conn until Detect reaches a decision, the read deadline
// passes or MaxSniffSize bytes are buffered, and returns the decision with a
// connection that still yields every byte read. Running out of time or
// space is not an error; the result just has no host, and a client that
// sent nothing before the deadline is opaque.
func Sniff(conn net.Conn, timeout time.Duration) (Result, *Conn, error) {
	if timeout > 0 {
		conn.SetReadDeadline(time.Now().Add(timeout))
		defer conn.SetReadDeadline(time.Time{})
	}

	buf := make([]byte, 0, 2048)
	for {
		res, err := Detect(buf)
		if !errors.Is(err, gwerrors.ErrNeedMoreData) {
			return res, &Conn{Conn: conn, prefix: buf}, nil
		}
		if len(buf) >= MaxSniffSize {
			return Result{Kind: res.Kind}, &Conn{Conn: conn, prefix: buf}, nil
		}
		if len(buf) == cap(buf) {
			grown := make([]byte, len(buf), min(2*cap(buf), MaxSniffSize))
			copy(grown, buf)
			buf = grown
		}
		n, rerr := conn.Read(buf[len(buf):cap(buf)])
		buf = buf[:len(buf)+n]
		if rerr == nil {
			continue
		}
		var ne net.Error
		timedOut := errors.As(rerr, &ne) && ne.Timeout()
		if len(buf) == 0 {
			// A silent client may be waiting for the server to speak first.
			if timedOut {
				return Result{Kind: KindOpaque}, &Conn{Conn: conn}, nil
			}
			if rerr == io.EOF {
				return Result{}, nil, io.EOF
			}
			return Result{}, nil, gwerrors.NewDetectionError("sniff", rerr)
		}
		if rerr == io.EOF || timedOut {
			kind := res.Kind
			if kind == KindUnknown {
				kind, _ = Classify(buf)
				if kind == KindUnknown {
					kind = KindOpaque
				}
			}
			if final, derr := Detect(buf); derr == nil {
				return final, &Conn{Conn: conn, prefix: buf}, nil
			}
			return Result{Kind: kind}, &Conn{Conn: conn, prefix: buf}, nil
		}
		return Result{}, nil, gwerrors.NewDetectionError("sniff", rerr)
	}
}
