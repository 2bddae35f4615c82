// Package config provides configuration management functionality.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Inbound types.
const (
	InboundTypeSocks5      = "socks5"
	InboundTypeHTTP        = "http"
	InboundTypeMixed       = "mixed"
	InboundTypeShadowsocks = "shadowsocks"
	InboundTypeTProxy      = "tproxy"
	InboundTypeDNS         = "dns"
	InboundTypeSock        = "sock" // alias of socks5
)

// DefaultSniffTimeout bounds how long a transparent inbound waits for the
// first client bytes.
const DefaultSniffTimeout = 300 * time.Millisecond

// InboundConfig describes one local listener.
type InboundConfig struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	ListenAddr string `json:"listen_addr"`
	Type       string `json:"type"` // socks5, http, mixed, shadowsocks, tproxy, dns
	Enabled    bool   `json:"enabled"`

	// Auth requires socks5/http clients to present credentials of a
	// configured user.
	Auth bool `json:"auth,omitempty"`
	// User is attributed to traffic that carries no credentials.
	User string `json:"user,omitempty"`

	// Shadowsocks
	Method   string `json:"method,omitempty"`
	Password string `json:"password,omitempty"`

	// Sniff enables TLS/HTTP host detection on tproxy and shadowsocks.
	Sniff          bool `json:"sniff,omitempty"`
	SniffTimeoutMs int  `json:"sniff_timeout_ms,omitempty"`

	AllowList []string `json:"allow_list"` // CIDR list
}

// Clone returns a deep copy of the config.
func (ic *InboundConfig) Clone() *InboundConfig {
	if ic == nil {
		return nil
	}
	clone := *ic
	if ic.AllowList != nil {
		clone.AllowList = append([]string{}, ic.AllowList...)
	}
	return &clone
}

// ApplyDefaults normalizes fields and fills defaults.
func (ic *InboundConfig) ApplyDefaults() {
	ic.Type = strings.ToLower(strings.TrimSpace(ic.Type))
	if ic.Type == InboundTypeSock {
		ic.Type = InboundTypeSocks5
	}
	if len(ic.AllowList) == 0 {
		ic.AllowList = []string{"0.0.0.0/0", "::/0"}
	}
	if ic.ID == "" && ic.Name != "" {
		ic.ID = ic.Name
	}
	if ic.Type == InboundTypeTProxy && !ic.Sniff {
		ic.Sniff = true
	}
}

// Validate checks if required fields are present and valid.
func (ic *InboundConfig) Validate() error {
	if ic == nil {
		return errors.New("inbound config is nil")
	}
	ic.ApplyDefaults()
	if ic.ID == "" {
		return errors.New("id is required")
	}
	if ic.Name == "" {
		return errors.New("name is required")
	}
	if ic.ListenAddr == "" {
		return errors.New("listen_addr is required")
	}
	if err := validateListenAddr(ic.ListenAddr); err != nil {
		return err
	}
	switch ic.Type {
	case InboundTypeSocks5, InboundTypeHTTP, InboundTypeMixed, InboundTypeTProxy, InboundTypeDNS:
	case InboundTypeShadowsocks:
		if ic.Method == "" {
			return errors.New("method is required for shadowsocks")
		}
		if !supportedInboundMethods[strings.ToLower(ic.Method)] {
			return fmt.Errorf("method %q is not supported for shadowsocks inbound", ic.Method)
		}
		if ic.Password == "" {
			return errors.New("password is required for shadowsocks")
		}
	default:
		return fmt.Errorf("invalid type: %s", ic.Type)
	}
	if ic.SniffTimeoutMs < 0 {
		return fmt.Errorf("sniff_timeout_ms must not be negative, got %d", ic.SniffTimeoutMs)
	}
	return validateCIDRList(ic.AllowList)
}

// SniffTimeout returns the configured sniff timeout or the default.
func (ic *InboundConfig) SniffTimeout() time.Duration {
	if ic.SniffTimeoutMs <= 0 {
		return DefaultSniffTimeout
	}
	return time.Duration(ic.SniffTimeoutMs) * time.Millisecond
}

// Equal reports whether two configs would start the same listener.
func (ic *InboundConfig) Equal(other *InboundConfig) bool {
	if other == nil {
		return false
	}
	if len(ic.AllowList) != len(other.AllowList) {
		return false
	}
	for i := range ic.AllowList {
		if ic.AllowList[i] != other.AllowList[i] {
			return false
		}
	}
	return ic.ID == other.ID &&
		ic.Name == other.Name &&
		ic.ListenAddr == other.ListenAddr &&
		ic.Type == other.Type &&
		ic.Enabled == other.Enabled &&
		ic.Auth == other.Auth &&
		ic.User == other.User &&
		ic.Method == other.Method &&
		ic.Password == other.Password &&
		ic.Sniff == other.Sniff &&
		ic.SniffTimeoutMs == other.SniffTimeoutMs
}

// Stream ciphers are not accepted; go-shadowsocks2 only offers AEAD here.
var supportedInboundMethods = map[string]bool{
	"aes-128-gcm":            true,
	"aes-256-gcm":            true,
	"chacha20-ietf-poly1305": true,
}

func validateListenAddr(addr string) error {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen_addr: %w", err)
	}
	if portStr == "" {
		return errors.New("listen_addr port is required")
	}
	port, err := net.LookupPort("tcp", portStr)
	if err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("listen_addr port must be between 1 and 65535, got %s", portStr)
	}
	return nil
}

func validateCIDRList(list []string) error {
	for _, entry := range list {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			if _, _, err := net.ParseCIDR(entry); err != nil {
				return fmt.Errorf("invalid CIDR: %s", entry)
			}
			continue
		}
		if ip := net.ParseIP(entry); ip == nil {
			return fmt.Errorf("invalid IP: %s", entry)
		}
	}
	return nil
}

// ParseCIDRList converts IP and CIDR strings into networks. A bare IP
// becomes a single-host network.
func ParseCIDRList(entries []string) ([]*net.IPNet, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	result := make([]*net.IPNet, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			_, ipnet, err := net.ParseCIDR(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR: %s", entry)
			}
			result = append(result, ipnet)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP: %s", entry)
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		} else {
			ip = ip.To4()
		}
		result = append(result, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return result, nil
}
