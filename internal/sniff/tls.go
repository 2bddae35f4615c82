package sniff

import "strings"

const (
	handshakeClientHello = 0x01
	extServerName        = 0x0000
	serverNameHost       = 0x00
)

// cursor walks a byte slice. Any read past the end marks it broken and
// further reads return zero values.
type cursor struct {
	b   []byte
	bad bool
}

func (c *cursor) skip(n int) {
	if c.bad || n < 0 || n > len(c.b) {
		c.bad = true
		return
	}
	c.b = c.b[n:]
}

func (c *cursor) u8() int {
	if c.bad || len(c.b) < 1 {
		c.bad = true
		return 0
	}
	v := int(c.b[0])
	c.b = c.b[1:]
	return v
}

func (c *cursor) u16() int {
	if c.bad || len(c.b) < 2 {
		c.bad = true
		return 0
	}
	v := int(c.b[0])<<8 | int(c.b[1])
	c.b = c.b[2:]
	return v
}

func (c *cursor) u24() int {
	if c.bad || len(c.b) < 3 {
		c.bad = true
		return 0
	}
	v := int(c.b[0])<<16 | int(c.b[1])<<8 | int(c.b[2])
	c.b = c.b[3:]
	return v
}

func (c *cursor) bytes(n int) []byte {
	if c.bad || n < 0 || n > len(c.b) {
		c.bad = true
		return nil
	}
	v := c.b[:n]
	c.b = c.b[n:]
	return v
}

// ServerName returns the SNI host name of the ClientHello carried in one
// complete TLS record, or "" if the record is not a well-formed ClientHello
// with a host_name entry.
func ServerName(record []byte) string {
	c := &cursor{b: record}
	if c.u8() != tlsHandshakeRecord {
		return ""
	}
	c.skip(2) // record version
	c.skip(2) // record length, already checked by the caller

	if c.u8() != handshakeClientHello {
		return ""
	}
	helloLen := c.u24()
	if c.bad || helloLen > len(c.b) {
		return ""
	}
	c.b = c.b[:helloLen]

	c.skip(2)  // client version
	c.skip(32) // random
	c.skip(c.u8())
	c.skip(c.u16()) // cipher suites
	c.skip(c.u8())  // compression methods
	if c.bad {
		return ""
	}
	if len(c.b) == 0 {
		return "" // no extensions
	}

	exts := &cursor{b: c.bytes(c.u16())}
	if c.bad {
		return ""
	}
	for len(exts.b) > 0 && !exts.bad {
		typ := exts.u16()
		data := exts.bytes(exts.u16())
		if exts.bad {
			return ""
		}
		if typ != extServerName {
			continue
		}
		return hostFromServerNameExt(data)
	}
	return ""
}

func hostFromServerNameExt(data []byte) string {
	c := &cursor{b: data}
	list := &cursor{b: c.bytes(c.u16())}
	if c.bad {
		return ""
	}
	for len(list.b) > 0 {
		nameType := list.u8()
		name := list.bytes(list.u16())
		if list.bad {
			return ""
		}
		if nameType == serverNameHost && len(name) > 0 {
			return strings.ToLower(strings.TrimSuffix(string(name), "."))
		}
	}
	return ""
}
