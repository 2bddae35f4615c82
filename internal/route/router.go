// Package route decides which outbound serves a request.
package route

import (
	"fmt"
	"net"
	"strings"

	"tunnelgateway/internal/config"
	gwerrors "tunnelgateway/internal/errors"
	"tunnelgateway/internal/rules"
	"tunnelgateway/internal/tunnel"
)

// RuleMatcher answers domain membership queries for named rule sets.
// *rules.Engine implements it.
type RuleMatcher interface {
	Match(set, host string) bool
	Has(set string) bool
}

// OutboundLookup finds outbound configurations by name.
type OutboundLookup interface {
	Get(name string) (*config.OutboundConfig, bool)
}

type rule struct {
	name      string
	protocols map[string]bool
	inbounds  map[string]bool
	users     map[string]bool
	domains   *rules.DomainTrie
	ruleSets  []string
	cidrs     []*net.IPNet
	ports     map[int]bool
	outbound  string
	kind      string // outbound type
	block     bool
}

// Router evaluates route rules in configuration order; the first rule whose
// conditions all hold decides. Requests no rule decides go to the default
// outbound, DNS requests to the DNS outbound.
type Router struct {
	rules           []*rule
	matcher         RuleMatcher
	outbounds       OutboundLookup
	defaultOutbound string
	dnsOutbound     string
}

// NewRouter compiles the routes in cfg. Every referenced outbound must
// exist in outbounds.
func NewRouter(cfg *config.GlobalConfig, outbounds OutboundLookup, matcher RuleMatcher) (*Router, error) {
	r := &Router{
		matcher:         matcher,
		outbounds:       outbounds,
		defaultOutbound: cfg.DefaultOutbound,
		dnsOutbound:     cfg.DNSOutbound,
	}
	if _, err := r.kindOf(r.defaultOutbound); err != nil {
		return nil, gwerrors.NewConfigError("router", err)
	}
	if r.dnsOutbound != "" {
		kind, err := r.kindOf(r.dnsOutbound)
		if err != nil {
			return nil, gwerrors.NewConfigError("router", err)
		}
		if !servesDNS(kind) {
			return nil, gwerrors.NewConfigError("router", fmt.Errorf("dns_outbound %s is a %s outbound", r.dnsOutbound, kind))
		}
	}

	for i, rc := range cfg.Routes {
		compiled, err := r.compile(rc)
		if err != nil {
			name := rc.Name
			if name == "" {
				name = fmt.Sprintf("#%d", i)
			}
			return nil, gwerrors.NewConfigError("router", fmt.Errorf("route %s: %w", name, err))
		}
		r.rules = append(r.rules, compiled)
	}
	return r, nil
}

func (r *Router) kindOf(name string) (string, error) {
	out, ok := r.outbounds.Get(name)
	if !ok {
		return "", fmt.Errorf("unknown outbound %s", name)
	}
	return out.Type, nil
}

func (r *Router) compile(rc config.RouteRule) (*rule, error) {
	compiled := &rule{
		name:      rc.Name,
		protocols: toSet(lower(rc.Protocols)),
		inbounds:  toSet(rc.Inbounds),
		users:     toSet(rc.Users),
		ruleSets:  rc.RuleSets,
		outbound:  rc.Outbound,
		block:     rc.Action == config.RouteActionBlock,
	}
	if !compiled.block {
		kind, err := r.kindOf(rc.Outbound)
		if err != nil {
			return nil, err
		}
		compiled.kind = kind
		compiled.block = kind == config.OutboundTypeBlock
	}
	if len(rc.Domains) > 0 {
		compiled.domains = rules.NewDomainTrie()
		for _, d := range rc.Domains {
			kind := rules.MatchSuffix
			if strings.HasPrefix(d, "full:") {
				kind, d = rules.MatchExact, strings.TrimPrefix(d, "full:")
			}
			compiled.domains.Insert(d, kind)
		}
	}
	for _, set := range rc.RuleSets {
		if r.matcher == nil || !r.matcher.Has(set) {
			return nil, fmt.Errorf("unknown rule set %s", set)
		}
	}
	nets, err := config.ParseCIDRList(rc.CIDRs)
	if err != nil {
		return nil, err
	}
	compiled.cidrs = nets
	if len(rc.Ports) > 0 {
		compiled.ports = make(map[int]bool, len(rc.Ports))
		for _, p := range rc.Ports {
			compiled.ports[p] = true
		}
	}
	return compiled, nil
}

// Route returns the decision for req.
func (r *Router) Route(req *tunnel.Request) (tunnel.Decision, error) {
	isDNS := req.Protocol == tunnel.ProtocolDNS
	for _, rl := range r.rules {
		if !rl.block && servesDNS(rl.kind) != isDNS {
			continue
		}
		if !r.matches(rl, req) {
			continue
		}
		if rl.block {
			return tunnel.Decision{Outbound: rl.outbound, Action: tunnel.ActionBlock}, nil
		}
		return tunnel.Decision{Outbound: rl.outbound, Action: tunnel.ActionProxy}, nil
	}

	if isDNS {
		if r.dnsOutbound == "" {
			return tunnel.Decision{}, gwerrors.ErrNoRoute
		}
		return tunnel.Decision{Outbound: r.dnsOutbound}, nil
	}
	kind, _ := r.kindOf(r.defaultOutbound)
	if kind == config.OutboundTypeBlock {
		return tunnel.Decision{Outbound: r.defaultOutbound, Action: tunnel.ActionBlock}, nil
	}
	return tunnel.Decision{Outbound: r.defaultOutbound}, nil
}

func (r *Router) matches(rl *rule, req *tunnel.Request) bool {
	if len(rl.protocols) > 0 && !rl.protocols[req.Protocol.String()] {
		return false
	}
	if len(rl.inbounds) > 0 && (req.Conn == nil || !rl.inbounds[req.Conn.Inbound]) {
		return false
	}
	if len(rl.users) > 0 && !rl.users[req.User] {
		return false
	}
	if len(rl.ports) > 0 && !rl.ports[req.Target.Port] {
		return false
	}

	host := targetHost(req)
	if rl.domains != nil || len(rl.ruleSets) > 0 {
		if host == "" {
			return false
		}
		matched := rl.domains != nil && rl.domains.Match(host)
		for _, set := range rl.ruleSets {
			if matched {
				break
			}
			matched = r.matcher.Match(set, host)
		}
		if !matched {
			return false
		}
	}

	if len(rl.cidrs) > 0 {
		ip := targetIP(req)
		if ip == nil {
			return false
		}
		for _, n := range rl.cidrs {
			if n.Contains(ip) {
				return true
			}
		}
		return false
	}
	return true
}

// targetHost is the domain to match: the requested or sniffed host name.
func targetHost(req *tunnel.Request) string {
	host := req.Target.Host
	if host == "" && req.Conn != nil {
		host = req.Conn.SniffedHost()
	}
	if net.ParseIP(host) != nil {
		return ""
	}
	return host
}

func targetIP(req *tunnel.Request) net.IP {
	if req.Target.IP != nil {
		return req.Target.IP
	}
	return net.ParseIP(req.Target.Host)
}

func servesDNS(kind string) bool {
	return kind == config.OutboundTypeDNS || kind == config.OutboundTypeDNSRewrite
}

func toSet(values []string) map[string]bool {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

func lower(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.ToLower(strings.TrimSpace(v))
	}
	return out
}
