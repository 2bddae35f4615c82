package route

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tunnelgateway/internal/config"
	gwerrors "tunnelgateway/internal/errors"
	"tunnelgateway/internal/rules"
	"tunnelgateway/internal/tunnel"
)

type outboundMap map[string]*config.OutboundConfig

func (m outboundMap) Get(name string) (*config.OutboundConfig, bool) {
	o, ok := m[name]
	return o, ok
}

func testOutbounds() outboundMap {
	return outboundMap{
		"direct":   {Name: "direct", Type: config.OutboundTypeDirect},
		"block":    {Name: "block", Type: config.OutboundTypeBlock},
		"corp":     {Name: "corp", Type: config.OutboundTypeSocks5, Server: "10.1.1.1", Port: 1080},
		"resolver": {Name: "resolver", Type: config.OutboundTypeDNS, Server: "1.1.1.1", Port: 53},
		"sinkhole": {Name: "sinkhole", Type: config.OutboundTypeDNSRewrite, Addresses: []string{"0.0.0.0"}},
	}
}

type setMatcher map[string]*rules.RuleSet

func (m setMatcher) Match(set, host string) bool { return m[set].Match(host) }

func (m setMatcher) Has(set string) bool {
	_, ok := m[set]
	return ok
}

func testMatcher(t *testing.T) setMatcher {
	ads, err := rules.ParseRuleBytes("ads", []byte("doubleclick.net\nfull:ads.example.com\n"))
	require.NoError(t, err)
	return setMatcher{"ads": ads}
}

func newRequest(proto tunnel.Protocol, host string, port int, user, inbound string) *tunnel.Request {
	req := tunnel.NewRequest(proto, tunnel.Target{Host: host, Port: port},
		tunnel.NewConnContext(&net.TCPAddr{IP: net.ParseIP("192.0.2.10"), Port: 40000}, inbound))
	req.User = user
	return req
}

func testConfig() *config.GlobalConfig {
	cfg := config.DefaultGlobalConfig()
	cfg.DNSOutbound = "resolver"
	cfg.Users = []config.UserConfig{{Name: "alice"}, {Name: "bob"}}
	cfg.RuleSources = []config.RuleSourceConfig{{Name: "ads", Inline: []string{"x"}}}
	cfg.Routes = []config.RouteRule{
		{Name: "no-ads", RuleSets: []string{"ads"}, Action: config.RouteActionBlock},
		{Name: "dns-sinkhole", Domains: []string{"blocked.test"}, Outbound: "sinkhole"},
		{Name: "lan", CIDRs: []string{"10.0.0.0/8"}, Outbound: "direct"},
		{Name: "alice-corp", Users: []string{"alice"}, Domains: []string{"corp.example", "full:exact.example"}, Outbound: "corp"},
		{Name: "tproxy-web", Protocols: []string{"TProxy"}, Ports: []int{80, 443}, Outbound: "corp"},
		{Name: "from-office", Inbounds: []string{"office"}, Outbound: "block"},
	}
	return cfg
}

func TestRouterDecisions(t *testing.T) {
	r, err := NewRouter(testConfig(), testOutbounds(), testMatcher(t))
	require.NoError(t, err)

	cases := []struct {
		name   string
		req    *tunnel.Request
		want   string
		action tunnel.Action
	}{
		{"rule set block", newRequest(tunnel.ProtocolSOCKS5, "stats.doubleclick.net", 443, "", "in"), "", tunnel.ActionBlock},
		{"rule set exact only", newRequest(tunnel.ProtocolSOCKS5, "x.ads.example.com", 443, "", "in"), "direct", tunnel.ActionProxy},
		{"rule set blocks dns too", newRequest(tunnel.ProtocolDNS, "doubleclick.net", 53, "", "dns"), "", tunnel.ActionBlock},
		{"dns rewrite", newRequest(tunnel.ProtocolDNS, "blocked.test", 53, "", "dns"), "sinkhole", tunnel.ActionProxy},
		{"dns rewrite rule skipped for streams", newRequest(tunnel.ProtocolHTTP, "blocked.test", 443, "", "in"), "direct", tunnel.ActionProxy},
		{"dns default", newRequest(tunnel.ProtocolDNS, "example.org", 53, "", "dns"), "resolver", tunnel.ActionProxy},
		{"cidr", newRequest(tunnel.ProtocolSOCKS5, "10.2.3.4", 22, "bob", "in"), "direct", tunnel.ActionProxy},
		{"user and suffix", newRequest(tunnel.ProtocolSOCKS5, "git.corp.example", 22, "alice", "in"), "corp", tunnel.ActionProxy},
		{"user and exact", newRequest(tunnel.ProtocolHTTP, "exact.example", 443, "alice", "in"), "corp", tunnel.ActionProxy},
		{"exact does not cover subdomain", newRequest(tunnel.ProtocolHTTP, "a.exact.example", 443, "alice", "in"), "direct", tunnel.ActionProxy},
		{"other user", newRequest(tunnel.ProtocolSOCKS5, "git.corp.example", 22, "bob", "in"), "direct", tunnel.ActionProxy},
		{"protocol and port", newRequest(tunnel.ProtocolTransparent, "example.org", 443, "", "tp"), "corp", tunnel.ActionProxy},
		{"protocol wrong port", newRequest(tunnel.ProtocolTransparent, "example.org", 8443, "", "tp"), "direct", tunnel.ActionProxy},
		{"inbound to block outbound", newRequest(tunnel.ProtocolHTTP, "example.org", 443, "", "office"), "block", tunnel.ActionBlock},
		{"default", newRequest(tunnel.ProtocolHTTP, "example.org", 443, "", "in"), "direct", tunnel.ActionProxy},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := r.Route(tc.req)
			require.NoError(t, err)
			assert.Equal(t, tc.action, d.Action)
			assert.Equal(t, tc.want, d.Outbound)
		})
	}
}

func TestRouterUsesSniffedHost(t *testing.T) {
	r, err := NewRouter(testConfig(), testOutbounds(), testMatcher(t))
	require.NoError(t, err)

	req := tunnel.NewRequest(tunnel.ProtocolTransparent,
		tunnel.Target{IP: net.ParseIP("203.0.113.9"), Port: 8443},
		tunnel.NewConnContext(nil, "tp"))
	req.Conn.SetSniffedHost("ads.doubleclick.net")
	d, err := r.Route(req)
	require.NoError(t, err)
	assert.Equal(t, tunnel.ActionBlock, d.Action)
}

func TestRouterDNSWithoutOutbound(t *testing.T) {
	cfg := testConfig()
	cfg.DNSOutbound = ""
	r, err := NewRouter(cfg, testOutbounds(), testMatcher(t))
	require.NoError(t, err)

	_, err = r.Route(newRequest(tunnel.ProtocolDNS, "example.org", 53, "", "dns"))
	require.ErrorIs(t, err, gwerrors.ErrNoRoute)
}

func TestNewRouterRejects(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultOutbound = "missing"
	_, err := NewRouter(cfg, testOutbounds(), testMatcher(t))
	require.Error(t, err)

	cfg = testConfig()
	cfg.DNSOutbound = "corp"
	_, err = NewRouter(cfg, testOutbounds(), testMatcher(t))
	require.Error(t, err)

	cfg = testConfig()
	cfg.Routes = append(cfg.Routes, config.RouteRule{Name: "x", Outbound: "nowhere"})
	_, err = NewRouter(cfg, testOutbounds(), testMatcher(t))
	require.Error(t, err)

	cfg = testConfig()
	_, err = NewRouter(cfg, testOutbounds(), setMatcher{})
	require.Error(t, err)
	typ, ok := gwerrors.TypeOf(err)
	require.True(t, ok)
	require.Equal(t, gwerrors.ErrorTypeConfig, typ)
}

func TestUsers(t *testing.T) {
	users, err := NewUsers([]config.UserConfig{
		{Name: "alice", Username: "alice", Password: "s3cret"},
		{Name: "office", Sources: []string{"10.0.0.0/8", "192.168.1.7"}},
	})
	require.NoError(t, err)

	name, ok := users.Authenticate("alice", "s3cret")
	require.True(t, ok)
	require.Equal(t, "alice", name)
	_, ok = users.Authenticate("alice", "wrong")
	require.False(t, ok)
	_, ok = users.Authenticate("mallory", "s3cret")
	require.False(t, ok)

	require.Equal(t, "office", users.ForAddr(&net.TCPAddr{IP: net.ParseIP("10.9.9.9"), Port: 1}))
	require.Equal(t, "office", users.ForAddr(&net.UDPAddr{IP: net.ParseIP("192.168.1.7"), Port: 53}))
	require.Equal(t, "", users.ForAddr(&net.TCPAddr{IP: net.ParseIP("192.168.1.8"), Port: 1}))

	var none *Users
	require.Equal(t, "", none.ForAddr(&net.TCPAddr{IP: net.ParseIP("10.0.0.1")}))
}
