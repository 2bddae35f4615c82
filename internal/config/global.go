package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Route actions.
const (
	RouteActionProxy = "proxy"
	RouteActionBlock = "block"
)

// LogSettings controls the process logger.
type LogSettings struct {
	Level         string `json:"level"`
	Dir           string `json:"dir"`
	File          bool   `json:"file"`
	RetentionDays int    `json:"retention_days"`
	MaxSizeMB     int    `json:"max_size_mb"`
}

// RuleSourceConfig names a domain list loaded from a URL (http, https or
// file) or given inline.
type RuleSourceConfig struct {
	Name   string   `json:"name"`
	URL    string   `json:"url,omitempty"`
	Inline []string `json:"inline,omitempty"`
}

// UserConfig is one gateway user. A user is identified either by
// credentials presented to an inbound or by the client address.
type UserConfig struct {
	Name     string   `json:"name"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`
	Sources  []string `json:"sources,omitempty"` // client IPs or CIDRs

	// Connections per second and burst; zero means unlimited.
	RateLimit float64 `json:"rate_limit,omitempty"`
	Burst     int     `json:"burst,omitempty"`
}

// RouteRule selects an outbound. All non-empty conditions must hold; the
// first matching rule in configuration order wins.
type RouteRule struct {
	Name      string   `json:"name"`
	Protocols []string `json:"protocols,omitempty"`
	Inbounds  []string `json:"inbounds,omitempty"`
	Users     []string `json:"users,omitempty"`
	Domains   []string `json:"domains,omitempty"`   // suffix match
	RuleSets  []string `json:"rule_sets,omitempty"` // names of rule sources
	CIDRs     []string `json:"cidrs,omitempty"`     // destination networks
	Ports     []int    `json:"ports,omitempty"`
	Outbound  string   `json:"outbound,omitempty"`
	Action    string   `json:"action,omitempty"` // proxy (default) or block
}

// GlobalConfig is the process configuration read from config.json.
type GlobalConfig struct {
	StatusAddr string `json:"status_addr"`
	// StatusOrigins are the browser origins allowed to read the status server.
	StatusOrigins []string `json:"status_origins,omitempty"`

	InboundsFile  string `json:"inbounds_file"`
	OutboundsFile string `json:"outbounds_file"`

	Log LogSettings `json:"log"`

	RuleSources      []RuleSourceConfig `json:"rule_sources"`
	RuleRefreshHours int                `json:"rule_refresh_hours"`
	RuleCacheDir     string             `json:"rule_cache_dir"`

	DialTimeoutMs     int `json:"dial_timeout_ms"`
	BufferSize        int `json:"buffer_size"`
	DNSTimeoutMs      int `json:"dns_timeout_ms"`
	ResolveCacheTTLMs int `json:"resolve_cache_ttl_ms"`

	Users []UserConfig `json:"users"`
	// Connections per second and burst for traffic no user was resolved
	// for; zero means unlimited.
	AnonymousRateLimit float64 `json:"anonymous_rate_limit,omitempty"`
	AnonymousBurst     int     `json:"anonymous_burst,omitempty"`

	Routes          []RouteRule `json:"routes"`
	DefaultOutbound string      `json:"default_outbound"`
	// DNSOutbound answers DNS inbound queries no route picked an outbound for.
	DNSOutbound string `json:"dns_outbound"`
}

// DefaultGlobalConfig returns a configuration with all defaults applied.
func DefaultGlobalConfig() *GlobalConfig {
	cfg := &GlobalConfig{}
	cfg.ApplyDefaults()
	return cfg
}

// LoadGlobalConfig reads, defaults and validates config.json.
func LoadGlobalConfig(path string) (*GlobalConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg GlobalConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file: %w", err)
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields.
func (c *GlobalConfig) ApplyDefaults() {
	if c.StatusAddr == "" {
		c.StatusAddr = "127.0.0.1:9090"
	}
	if c.InboundsFile == "" {
		c.InboundsFile = "inbounds.json"
	}
	if c.OutboundsFile == "" {
		c.OutboundsFile = "outbounds.json"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Dir == "" {
		c.Log.Dir = "logs"
	}
	if c.Log.RetentionDays == 0 {
		c.Log.RetentionDays = 7
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.RuleRefreshHours <= 0 {
		c.RuleRefreshHours = 24
	}
	if c.RuleCacheDir == "" {
		c.RuleCacheDir = "rules_cache"
	}
	if c.DialTimeoutMs <= 0 {
		c.DialTimeoutMs = 10000
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 32 * 1024
	}
	if c.DNSTimeoutMs <= 0 {
		c.DNSTimeoutMs = 5000
	}
	if c.ResolveCacheTTLMs <= 0 {
		c.ResolveCacheTTLMs = 60000
	}
	if c.DefaultOutbound == "" {
		c.DefaultOutbound = OutboundTypeDirect
	}
	for i := range c.Routes {
		c.Routes[i].Action = strings.ToLower(strings.TrimSpace(c.Routes[i].Action))
		if c.Routes[i].Action == "" {
			c.Routes[i].Action = RouteActionProxy
		}
	}
}

// Validate checks cross-field consistency. Outbound names are checked
// against outbounds.json by the router, not here.
func (c *GlobalConfig) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	c.ApplyDefaults()
	if err := validateListenAddr(c.StatusAddr); err != nil {
		return fmt.Errorf("status_addr: %w", err)
	}

	sources := make(map[string]bool, len(c.RuleSources))
	for _, src := range c.RuleSources {
		if src.Name == "" {
			return errors.New("rule source name is required")
		}
		if sources[src.Name] {
			return fmt.Errorf("duplicate rule source: %s", src.Name)
		}
		if src.URL == "" && len(src.Inline) == 0 {
			return fmt.Errorf("rule source %s needs a url or inline rules", src.Name)
		}
		sources[src.Name] = true
	}

	users := make(map[string]bool, len(c.Users))
	credentials := make(map[string]bool, len(c.Users))
	for _, u := range c.Users {
		if u.Name == "" {
			return errors.New("user name is required")
		}
		if users[u.Name] {
			return fmt.Errorf("duplicate user: %s", u.Name)
		}
		users[u.Name] = true
		if u.Username != "" {
			if credentials[u.Username] {
				return fmt.Errorf("duplicate username: %s", u.Username)
			}
			credentials[u.Username] = true
		}
		if u.RateLimit < 0 || u.Burst < 0 {
			return fmt.Errorf("user %s: rate_limit and burst must not be negative", u.Name)
		}
		if err := validateCIDRList(u.Sources); err != nil {
			return fmt.Errorf("user %s: %w", u.Name, err)
		}
	}
	if c.AnonymousRateLimit < 0 || c.AnonymousBurst < 0 {
		return errors.New("anonymous_rate_limit and anonymous_burst must not be negative")
	}

	for i, r := range c.Routes {
		name := r.Name
		if name == "" {
			name = fmt.Sprintf("#%d", i)
		}
		switch r.Action {
		case RouteActionProxy:
			if r.Outbound == "" {
				return fmt.Errorf("route %s: outbound is required", name)
			}
		case RouteActionBlock:
		default:
			return fmt.Errorf("route %s: invalid action %s", name, r.Action)
		}
		for _, set := range r.RuleSets {
			if !sources[set] {
				return fmt.Errorf("route %s: unknown rule set %s", name, set)
			}
		}
		for _, u := range r.Users {
			if !users[u] {
				return fmt.Errorf("route %s: unknown user %s", name, u)
			}
		}
		for _, p := range r.Ports {
			if p <= 0 || p > 65535 {
				return fmt.Errorf("route %s: invalid port %d", name, p)
			}
		}
		if err := validateCIDRList(r.CIDRs); err != nil {
			return fmt.Errorf("route %s: %w", name, err)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (c *GlobalConfig) Clone() *GlobalConfig {
	if c == nil {
		return nil
	}
	clone := *c
	clone.StatusOrigins = append([]string(nil), c.StatusOrigins...)
	clone.RuleSources = make([]RuleSourceConfig, len(c.RuleSources))
	for i, s := range c.RuleSources {
		s.Inline = append([]string(nil), s.Inline...)
		clone.RuleSources[i] = s
	}
	clone.Users = make([]UserConfig, len(c.Users))
	for i, u := range c.Users {
		u.Sources = append([]string(nil), u.Sources...)
		clone.Users[i] = u
	}
	clone.Routes = make([]RouteRule, len(c.Routes))
	for i, r := range c.Routes {
		r.Protocols = append([]string(nil), r.Protocols...)
		r.Inbounds = append([]string(nil), r.Inbounds...)
		r.Users = append([]string(nil), r.Users...)
		r.Domains = append([]string(nil), r.Domains...)
		r.RuleSets = append([]string(nil), r.RuleSets...)
		r.CIDRs = append([]string(nil), r.CIDRs...)
		r.Ports = append([]int(nil), r.Ports...)
		clone.Routes[i] = r
	}
	return &clone
}

// DialTimeout returns the outbound connect timeout.
func (c *GlobalConfig) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutMs) * time.Millisecond
}

// DNSTimeout returns the pending DNS query lifetime.
func (c *GlobalConfig) DNSTimeout() time.Duration {
	return time.Duration(c.DNSTimeoutMs) * time.Millisecond
}

// ResolveCacheTTL returns how long resolved addresses are reused.
func (c *GlobalConfig) ResolveCacheTTL() time.Duration {
	return time.Duration(c.ResolveCacheTTLMs) * time.Millisecond
}

// RuleRefreshInterval returns the rule source refresh period.
func (c *GlobalConfig) RuleRefreshInterval() time.Duration {
	return time.Duration(c.RuleRefreshHours) * time.Hour
}
