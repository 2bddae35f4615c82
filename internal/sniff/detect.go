// Package sniff guesses the protocol of an opaque inbound stream from its
// first bytes and extracts the intended host (TLS SNI or HTTP Host) without
// consuming anything.
package sniff

import (
	gwerrors "tunnelgateway/internal/errors"
)

// Kind is the detector's classification of a stream.
type Kind int

const (
	KindUnknown Kind = iota
	KindTLS
	KindHTTP
	KindOpaque
)

func (k Kind) String() string {
	switch k {
	case KindTLS:
		return "tls"
	case KindHTTP:
		return "http"
	case KindOpaque:
		return "opaque"
	default:
		return "unknown"
	}
}

// Result is the single decision made for a stream. Host is empty when the
// stream is opaque or extraction was abandoned.
type Result struct {
	Kind Kind
	Host string
}

const (
	tlsRecordHeaderLen  = 5
	tlsHandshakeRecord  = 0x16
	tlsMaxVersion       = 0x0304
	tlsMaxRecordPayload = 16384 + 2048
	maxHTTPHeaderSize   = 16 * 1024
)

// MaxSniffSize bounds how many bytes Sniff buffers before giving up on
// host extraction.
const MaxSniffSize = tlsRecordHeaderLen + tlsMaxRecordPayload

var httpMethods = [...]string{"GET", "POST", "HEAD", "PUT", "DELETE", "OPTIONS", "CONNECT", "PATCH", "TRACE"}

// Classify decides TLS, HTTP or opaque from the stream prefix b. It returns
// ErrNeedMoreData while the prefix is too short to tell.
func Classify(b []byte) (Kind, error) {
	if len(b) == 0 {
		return KindUnknown, gwerrors.ErrNeedMoreData
	}
	if b[0] == tlsHandshakeRecord {
		if len(b) < 3 {
			return KindUnknown, gwerrors.ErrNeedMoreData
		}
		if b[1] == 0x03 && uint16(b[1])<<8|uint16(b[2]) <= tlsMaxVersion {
			return KindTLS, nil
		}
		return KindOpaque, nil
	}

	undecided := false
	for _, m := range &httpMethods {
		want := len(m) + 1
		n := len(b)
		if n > want {
			n = want
		}
		prefix := b[:n]
		if string(prefix) == (m + " ")[:n] {
			if n == want {
				return KindHTTP, nil
			}
			undecided = true
		}
	}
	if undecided {
		return KindUnknown, gwerrors.ErrNeedMoreData
	}
	return KindOpaque, nil
}

// Detect classifies b and, for TLS and HTTP, extracts the host once a
// complete unit is buffered. Until then it returns the kind decided so far
// with ErrNeedMoreData. Malformed input never yields an error: the result
// simply carries no host.
func Detect(b []byte) (Result, error) {
	kind, err := Classify(b)
	if err != nil {
		return Result{Kind: kind}, err
	}
	switch kind {
	case KindTLS:
		record, err := tlsRecord(b)
		if err != nil {
			return Result{Kind: kind}, err
		}
		return Result{Kind: kind, Host: ServerName(record)}, nil
	case KindHTTP:
		header, err := httpHeaderBlock(b)
		if err != nil {
			return Result{Kind: kind}, err
		}
		return Result{Kind: kind, Host: HTTPHost(header)}, nil
	default:
		return Result{Kind: kind}, nil
	}
}

// tlsRecord returns the first complete TLS record in b. An absurd declared
// length ends the wait with an empty record.
func tlsRecord(b []byte) ([]byte, error) {
	if len(b) < tlsRecordHeaderLen {
		return nil, gwerrors.ErrNeedMoreData
	}
	length := int(b[3])<<8 | int(b[4])
	if length > tlsMaxRecordPayload {
		return nil, nil
	}
	if len(b) < tlsRecordHeaderLen+length {
		return nil, gwerrors.ErrNeedMoreData
	}
	return b[:tlsRecordHeaderLen+length], nil
}
