package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func genNonEmptyString() gopter.Gen {
	return gen.AlphaString().Map(func(s string) string {
		if len(s) == 0 {
			return "a"
		}
		if len(s) > 50 {
			return s[:50]
		}
		return s
	})
}

func genValidPort() gopter.Gen {
	return gen.IntRange(1, 65535)
}

func genSSMethod() gopter.Gen {
	return gen.OneConstOf(
		"aes-128-gcm",
		"aes-256-gcm",
		"chacha20-ietf-poly1305",
		"2022-blake3-aes-128-gcm",
		"2022-blake3-aes-256-gcm",
		"2022-blake3-chacha20-poly1305",
	)
}

func genValidShadowsocksOutbound() gopter.Gen {
	return gopter.CombineGens(
		genNonEmptyString(), // name
		genNonEmptyString(), // server
		genValidPort(),
		genSSMethod(),
		genNonEmptyString(), // password
	).Map(func(values []any) *OutboundConfig {
		return &OutboundConfig{
			Name:     values[0].(string),
			Type:     OutboundTypeShadowsocks,
			Server:   values[1].(string),
			Port:     values[2].(int),
			Method:   values[3].(string),
			Password: values[4].(string),
		}
	})
}

func genValidProxyOutbound() gopter.Gen {
	return gopter.CombineGens(
		genNonEmptyString(),
		gen.OneConstOf(OutboundTypeSocks5, OutboundTypeHTTP),
		genNonEmptyString(),
		genValidPort(),
		gen.AlphaString(),
		gen.AlphaString(),
	).Map(func(values []any) *OutboundConfig {
		return &OutboundConfig{
			Name:     values[0].(string),
			Type:     values[1].(string),
			Server:   values[2].(string),
			Port:     values[3].(int),
			Username: values[4].(string),
			Password: values[5].(string),
		}
	})
}

func genValidDNSOutbound() gopter.Gen {
	return gopter.CombineGens(
		genNonEmptyString(),
		gen.OneConstOf(DNSNetworkUDP, DNSNetworkTLS),
		genNonEmptyString(),
		genValidPort(),
		gen.OneConstOf("", "chrome", "firefox"),
		gen.IntRange(0, 10000),
	).Map(func(values []any) *OutboundConfig {
		return &OutboundConfig{
			Name:        values[0].(string),
			Type:        OutboundTypeDNS,
			Network:     values[1].(string),
			Server:      values[2].(string),
			Port:        values[3].(int),
			Fingerprint: values[4].(string),
			TimeoutMs:   values[5].(int),
		}
	})
}

func genValidOutbound() gopter.Gen {
	return gen.OneGenOf(genValidShadowsocksOutbound(), genValidProxyOutbound(), genValidDNSOutbound())
}

func genUniqueOutboundList() gopter.Gen {
	return gen.SliceOfN(8, genValidOutbound()).Map(func(outbounds []*OutboundConfig) []*OutboundConfig {
		result := make([]*OutboundConfig, 0, len(outbounds))
		for i, o := range outbounds {
			clone := o.Clone()
			clone.Name = fmt.Sprintf("%s_%d", clone.Name, i)
			result = append(result, clone)
		}
		return result
	})
}

func TestOutboundValidationAcceptsGeneratedConfigs(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("generated outbounds validate", prop.ForAll(
		func(o *OutboundConfig) bool {
			return o.Validate() == nil
		},
		genValidOutbound(),
	))

	properties.Property("clone is equal and independent", prop.ForAll(
		func(o *OutboundConfig) bool {
			o.Addresses = []string{"10.0.0.1"}
			clone := o.Clone()
			if !o.Equal(clone) {
				return false
			}
			clone.Addresses[0] = "10.0.0.2"
			return o.Addresses[0] == "10.0.0.1"
		},
		genValidOutbound(),
	))

	properties.TestingRun(t)
}

func TestOutboundValidationRejects(t *testing.T) {
	cases := []struct {
		name string
		cfg  OutboundConfig
	}{
		{"no name", OutboundConfig{Type: OutboundTypeDirect}},
		{"no type", OutboundConfig{Name: "x"}},
		{"unknown type", OutboundConfig{Name: "x", Type: "vmess"}},
		{"socks5 without server", OutboundConfig{Name: "x", Type: OutboundTypeSocks5, Port: 1080}},
		{"http bad port", OutboundConfig{Name: "x", Type: OutboundTypeHTTP, Server: "h", Port: 70000}},
		{"ss without method", OutboundConfig{Name: "x", Type: OutboundTypeShadowsocks, Server: "h", Port: 1, Password: "p"}},
		{"ss unsupported method", OutboundConfig{Name: "x", Type: OutboundTypeShadowsocks, Server: "h", Port: 1, Method: "rc4-md5", Password: "p"}},
		{"ss without password", OutboundConfig{Name: "x", Type: OutboundTypeShadowsocks, Server: "h", Port: 1, Method: "aes-128-gcm"}},
		{"dns bad network", OutboundConfig{Name: "x", Type: OutboundTypeDNS, Server: "h", Network: "quic"}},
		{"rewrite without addresses", OutboundConfig{Name: "x", Type: OutboundTypeDNSRewrite}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := tc.cfg
			require.Error(t, cfg.Validate())
		})
	}
}

func TestDNSOutboundDefaults(t *testing.T) {
	udp := &OutboundConfig{Name: "u", Type: "DNS", Server: "1.1.1.1"}
	require.NoError(t, udp.Validate())
	require.Equal(t, DNSNetworkUDP, udp.Network)
	require.Equal(t, 53, udp.Port)
	require.Equal(t, "1.1.1.1:53", udp.Address())

	dot := &OutboundConfig{Name: "t", Type: OutboundTypeDNS, Network: "TLS", Server: "1.1.1.1"}
	require.NoError(t, dot.Validate())
	require.Equal(t, 853, dot.Port)
}

func TestOutboundManagerLoadPreservesAllOutbounds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("loading the file yields every outbound plus the built-ins", prop.ForAll(
		func(outbounds []*OutboundConfig) bool {
			dir := t.TempDir()
			path := filepath.Join(dir, "outbounds.json")
			data, err := json.MarshalIndent(outbounds, "", "  ")
			if err != nil {
				return false
			}
			if err := os.WriteFile(path, data, 0644); err != nil {
				return false
			}

			m := NewOutboundConfigManager(path)
			if err := m.Load(); err != nil {
				t.Logf("load: %v", err)
				return false
			}
			if m.Count() != len(outbounds)+2 {
				return false
			}
			for _, o := range outbounds {
				loaded, ok := m.Get(o.Name)
				if !ok {
					return false
				}
				expected := o.Clone()
				expected.ApplyDefaults()
				if !expected.Equal(loaded) {
					t.Logf("mismatch: %+v vs %+v", expected, loaded)
					return false
				}
			}
			return true
		},
		genUniqueOutboundList(),
	))

	properties.TestingRun(t)
}

func TestOutboundManagerSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbounds.json")
	m := NewOutboundConfigManager(path)
	require.NoError(t, m.Load())
	require.Equal(t, 2, m.Count())

	require.NoError(t, m.Add(&OutboundConfig{Name: "corp", Type: OutboundTypeSocks5, Server: "10.1.1.1", Port: 1080}))
	require.NoError(t, m.Add(&OutboundConfig{Name: "sinkhole", Type: OutboundTypeDNSRewrite, Addresses: []string{"0.0.0.0"}, TTL: 60}))
	require.Error(t, m.Add(&OutboundConfig{Name: "corp", Type: OutboundTypeDirect}))

	reloaded := NewOutboundConfigManager(path)
	require.NoError(t, reloaded.Load())
	require.Equal(t, 4, reloaded.Count())
	got, ok := reloaded.Get("sinkhole")
	require.True(t, ok)
	require.Equal(t, []string{"0.0.0.0"}, got.Addresses)
	require.EqualValues(t, 60, got.TTL)
	_, ok = reloaded.Get(OutboundTypeDirect)
	require.True(t, ok)
}

func TestOutboundManagerRejectsDuplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbounds.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"name": "a", "type": "direct"},
		{"name": "a", "type": "block"}
	]`), 0644))
	require.Error(t, NewOutboundConfigManager(path).Load())
}
