// Package errors provides the gateway error taxonomy.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"
)

// ErrorType categorizes errors by the phase of a connection that produced them.
type ErrorType int

const (
	// ErrorTypeDetection is malformed or incomplete sniff input. Never fatal.
	ErrorTypeDetection ErrorType = iota
	// ErrorTypeConnect is an outbound dial failure.
	ErrorTypeConnect
	// ErrorTypeProtocol is a malformed client handshake.
	ErrorTypeProtocol
	// ErrorTypeDNS is a DNS correlation failure.
	ErrorTypeDNS
	// ErrorTypeResource is a buffer or capacity failure.
	ErrorTypeResource
	// ErrorTypeConfig is an invalid configuration.
	ErrorTypeConfig
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeDetection:
		return "detection"
	case ErrorTypeConnect:
		return "connect"
	case ErrorTypeProtocol:
		return "protocol"
	case ErrorTypeDNS:
		return "dns"
	case ErrorTypeResource:
		return "resource"
	case ErrorTypeConfig:
		return "config"
	default:
		return "unknown"
	}
}

// Sentinel errors shared across packages.
var (
	ErrNeedMoreData     = stderrors.New("need more data")
	ErrIDSpaceExhausted = stderrors.New("dns id space exhausted")
	ErrClosed           = stderrors.New("connection closed")
	ErrBlocked          = stderrors.New("blocked by route")
	ErrNoRoute          = stderrors.New("no route")
	ErrRateLimited      = stderrors.New("rate limited")
)

// GatewayError wraps errors with the failing operation and optional context.
type GatewayError struct {
	Type    ErrorType
	Op      string
	Err     error
	Context map[string]interface{}
}

func (e *GatewayError) Error() string {
	if len(e.Context) > 0 {
		return fmt.Sprintf("%s: %v (context: %v)", e.Op, e.Err, e.Context)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// WithContext adds context to an error.
func (e *GatewayError) WithContext(key string, value interface{}) *GatewayError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func newError(t ErrorType, op string, err error) *GatewayError {
	return &GatewayError{Type: t, Op: op, Err: err}
}

// NewDetectionError creates a new detection error.
func NewDetectionError(op string, err error) *GatewayError {
	return newError(ErrorTypeDetection, op, err)
}

// NewConnectError creates a new connect error.
func NewConnectError(op string, err error) *GatewayError {
	return newError(ErrorTypeConnect, op, err)
}

// NewProtocolError creates a new protocol error.
func NewProtocolError(op string, err error) *GatewayError {
	return newError(ErrorTypeProtocol, op, err)
}

// NewDNSError creates a new DNS correlation error.
func NewDNSError(op string, err error) *GatewayError {
	return newError(ErrorTypeDNS, op, err)
}

// NewResourceError creates a new resource error.
func NewResourceError(op string, err error) *GatewayError {
	return newError(ErrorTypeResource, op, err)
}

// NewConfigError creates a new configuration error.
func NewConfigError(op string, err error) *GatewayError {
	return newError(ErrorTypeConfig, op, err)
}

// TypeOf returns the ErrorType of the outermost GatewayError in err's chain.
func TypeOf(err error) (ErrorType, bool) {
	var ge *GatewayError
	if stderrors.As(err, &ge) {
		return ge.Type, true
	}
	return 0, false
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// Failure classes recorded in access log records.
const (
	CodeRefused         = "refused"
	CodeTimeout         = "timeout"
	CodeUnreachable     = "unreachable"
	CodeHostUnreachable = "host_unreachable"
	CodeHostUnknown     = "host_unknown"
	CodeBlocked         = "blocked"
	CodeProtocol        = "protocol"
	CodeCapacity        = "capacity"
	CodeLimited         = "limited"
	CodeClosed          = "closed"
	CodeUnknown         = "unknown"
)

// Code classifies err into a short failure class.
func Code(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case stderrors.Is(err, ErrBlocked), stderrors.Is(err, ErrNoRoute):
		return CodeBlocked
	case stderrors.Is(err, ErrIDSpaceExhausted):
		return CodeCapacity
	case stderrors.Is(err, ErrRateLimited):
		return CodeLimited
	case stderrors.Is(err, ErrClosed):
		return CodeClosed
	case stderrors.Is(err, syscall.ECONNREFUSED):
		return CodeRefused
	case stderrors.Is(err, syscall.ENETUNREACH):
		return CodeUnreachable
	case stderrors.Is(err, syscall.EHOSTUNREACH):
		return CodeHostUnreachable
	case stderrors.Is(err, context.DeadlineExceeded), stderrors.Is(err, os.ErrDeadlineExceeded):
		return CodeTimeout
	}

	var dnsErr *net.DNSError
	if stderrors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return CodeTimeout
		}
		return CodeHostUnknown
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return CodeTimeout
	}
	if t, ok := TypeOf(err); ok && t == ErrorTypeProtocol {
		return CodeProtocol
	}
	// Upstream proxies report refusals as plain text.
	if strings.Contains(err.Error(), "connection refused") {
		return CodeRefused
	}
	return CodeUnknown
}
