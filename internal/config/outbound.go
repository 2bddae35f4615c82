package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Outbound types.
const (
	OutboundTypeDirect      = "direct"
	OutboundTypeSocks5      = "socks5"
	OutboundTypeHTTP        = "http"
	OutboundTypeShadowsocks = "shadowsocks"
	OutboundTypeDNS         = "dns"
	OutboundTypeDNSRewrite  = "dns-rewrite"
	OutboundTypeBlock       = "block"
)

// DNS upstream transports.
const (
	DNSNetworkUDP = "udp"
	DNSNetworkTLS = "tls"
)

// Supported Shadowsocks encryption methods for upstream servers.
var supportedSSMethods = map[string]bool{
	"aes-128-gcm":                   true,
	"aes-192-gcm":                   true,
	"aes-256-gcm":                   true,
	"chacha20-ietf-poly1305":        true,
	"xchacha20-ietf-poly1305":       true,
	"2022-blake3-aes-128-gcm":       true,
	"2022-blake3-aes-256-gcm":       true,
	"2022-blake3-chacha20-poly1305": true,
}

// Is2022Method reports whether method is a Shadowsocks 2022 method.
func Is2022Method(method string) bool {
	return strings.HasPrefix(method, "2022-")
}

// OutboundConfig is one named way out of the gateway.
type OutboundConfig struct {
	Name   string `json:"name"`
	Type   string `json:"type"` // direct, socks5, http, shadowsocks, dns, dns-rewrite, block
	Server string `json:"server,omitempty"`
	Port   int    `json:"port,omitempty"`

	// socks5 / http upstream credentials, shadowsocks password
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	// Shadowsocks
	Method string `json:"method,omitempty"`

	// DNS upstream
	Network     string `json:"network,omitempty"` // udp, tls
	SNI         string `json:"sni,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"` // uTLS client hello: chrome, firefox, safari, ios, edge, random
	Insecure    bool   `json:"insecure,omitempty"`
	TimeoutMs   int    `json:"timeout_ms,omitempty"`

	// DNS rewrite
	Addresses []string `json:"addresses,omitempty"`
	TTL       uint32   `json:"ttl,omitempty"`
}

// ApplyDefaults normalizes fields and fills defaults.
func (o *OutboundConfig) ApplyDefaults() {
	o.Type = strings.ToLower(strings.TrimSpace(o.Type))
	o.Method = strings.ToLower(strings.TrimSpace(o.Method))
	if o.Type == OutboundTypeDNS {
		o.Network = strings.ToLower(strings.TrimSpace(o.Network))
		if o.Network == "" {
			o.Network = DNSNetworkUDP
		}
		if o.Port == 0 {
			if o.Network == DNSNetworkTLS {
				o.Port = 853
			} else {
				o.Port = 53
			}
		}
	}
}

// Validate checks the fields required by the outbound type.
func (o *OutboundConfig) Validate() error {
	if o == nil {
		return errors.New("outbound config is nil")
	}
	o.ApplyDefaults()
	if o.Name == "" {
		return errors.New("missing required field: name")
	}
	switch o.Type {
	case OutboundTypeDirect, OutboundTypeBlock:
		return nil
	case OutboundTypeDNSRewrite:
		if len(o.Addresses) == 0 {
			return errors.New("missing required field: addresses (required for dns-rewrite)")
		}
		return nil
	case OutboundTypeSocks5, OutboundTypeHTTP:
		return o.validateServer()
	case OutboundTypeShadowsocks:
		if err := o.validateServer(); err != nil {
			return err
		}
		if o.Method == "" {
			return errors.New("missing required field: method (required for shadowsocks)")
		}
		if !supportedSSMethods[o.Method] {
			return fmt.Errorf("invalid field: method '%s' is not supported for shadowsocks", o.Method)
		}
		if o.Password == "" {
			return errors.New("missing required field: password (required for shadowsocks)")
		}
		return nil
	case OutboundTypeDNS:
		if err := o.validateServer(); err != nil {
			return err
		}
		if o.Network != DNSNetworkUDP && o.Network != DNSNetworkTLS {
			return fmt.Errorf("invalid field: network must be udp or tls, got %s", o.Network)
		}
		if o.TimeoutMs < 0 {
			return fmt.Errorf("invalid field: timeout_ms must not be negative, got %d", o.TimeoutMs)
		}
		return nil
	case "":
		return errors.New("missing required field: type")
	default:
		return fmt.Errorf("invalid field: type must be one of direct, socks5, http, shadowsocks, dns, dns-rewrite, block, got %s", o.Type)
	}
}

func (o *OutboundConfig) validateServer() error {
	if o.Server == "" {
		return errors.New("missing required field: server")
	}
	if o.Port <= 0 || o.Port > 65535 {
		return fmt.Errorf("invalid field: port must be between 1 and 65535, got %d", o.Port)
	}
	return nil
}

// Address returns server:port.
func (o *OutboundConfig) Address() string {
	return net.JoinHostPort(o.Server, fmt.Sprintf("%d", o.Port))
}

// Timeout returns the DNS pending-query timeout, zero when unset.
func (o *OutboundConfig) Timeout() time.Duration {
	return time.Duration(o.TimeoutMs) * time.Millisecond
}

// Clone returns a deep copy.
func (o *OutboundConfig) Clone() *OutboundConfig {
	if o == nil {
		return nil
	}
	clone := *o
	if o.Addresses != nil {
		clone.Addresses = append([]string{}, o.Addresses...)
	}
	return &clone
}

// Equal checks if two outbound configurations are equivalent.
func (o *OutboundConfig) Equal(other *OutboundConfig) bool {
	if other == nil {
		return false
	}
	if len(o.Addresses) != len(other.Addresses) {
		return false
	}
	for i := range o.Addresses {
		if o.Addresses[i] != other.Addresses[i] {
			return false
		}
	}
	return o.Name == other.Name &&
		o.Type == other.Type &&
		o.Server == other.Server &&
		o.Port == other.Port &&
		o.Username == other.Username &&
		o.Password == other.Password &&
		o.Method == other.Method &&
		o.Network == other.Network &&
		o.SNI == other.SNI &&
		o.Fingerprint == other.Fingerprint &&
		o.Insecure == other.Insecure &&
		o.TimeoutMs == other.TimeoutMs &&
		o.TTL == other.TTL
}
