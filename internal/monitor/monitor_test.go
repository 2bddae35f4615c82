package monitor

import (
	"fmt"
	"net"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwerrors "tunnelgateway/internal/errors"
	"tunnelgateway/internal/tunnel"
)

func testRequest(host string) *tunnel.Request {
	cc := tunnel.NewConnContext(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}, "socks-in")
	cc.SetOutbound("direct")
	req := tunnel.NewRequest(tunnel.ProtocolSOCKS5, tunnel.Target{Host: host, Port: 443}, cc)
	req.User = "alice"
	return req
}

func TestAccessLogRecordsOutcome(t *testing.T) {
	metrics := NewMetrics(nil)
	log := NewAccessLog(metrics, 8)

	ok := testRequest("example.com")
	ok.Conn.AddUp(100)
	ok.Conn.AddDown(250)
	log.Completed(ok)
	log.Failed(testRequest("refused.example"), gwerrors.NewConnectError("dial", gwerrors.ErrBlocked))

	recent := log.Recent(0)
	require.Len(t, recent, 2)

	failed := recent[0]
	assert.Equal(t, "refused.example:443", failed.Target)
	assert.Equal(t, gwerrors.CodeBlocked, failed.Result)
	assert.NotEmpty(t, failed.Error)

	done := recent[1]
	assert.Equal(t, ResultOK, done.Result)
	assert.Equal(t, "socks5", done.Protocol)
	assert.Equal(t, "socks-in", done.Inbound)
	assert.Equal(t, "alice", done.User)
	assert.Equal(t, "127.0.0.1:40000", done.Client)
	assert.Equal(t, "direct", done.Outbound)
	assert.Equal(t, int64(100), done.Up)
	assert.Equal(t, int64(250), done.Down)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.TunnelsTotal.WithLabelValues("socks5", ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.TunnelsTotal.WithLabelValues("socks5", gwerrors.CodeBlocked)))
	assert.Equal(t, 100.0, testutil.ToFloat64(metrics.BytesUp.WithLabelValues("socks5")))
	assert.Equal(t, 250.0, testutil.ToFloat64(metrics.BytesDown.WithLabelValues("socks5")))
}

func TestAccessLogRingKeepsNewest(t *testing.T) {
	log := NewAccessLog(nil, 3)
	for i := 0; i < 5; i++ {
		log.Completed(testRequest(fmt.Sprintf("host%d.example", i)))
	}

	recent := log.Recent(10)
	require.Len(t, recent, 3)
	assert.Equal(t, "host4.example:443", recent[0].Target)
	assert.Equal(t, "host3.example:443", recent[1].Target)
	assert.Equal(t, "host2.example:443", recent[2].Target)

	assert.Len(t, log.Recent(1), 1)
	assert.Empty(t, NewAccessLog(nil, 0).Recent(5))
}

func TestMetricsGauges(t *testing.T) {
	m := NewMetrics(nil)

	done1 := m.TrackConn("socks5")
	done2 := m.TrackConn("socks5")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ActiveTunnels.WithLabelValues("socks5")))
	done1()
	done2()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveTunnels.WithLabelValues("socks5")))

	m.SetRuleSet("gfw", 1200, true)
	assert.Equal(t, 1200.0, testutil.ToFloat64(m.RuleSetSize.WithLabelValues("gfw")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RuleSetStale.WithLabelValues("gfw")))
	m.SetRuleSet("gfw", 1300, false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.RuleSetStale.WithLabelValues("gfw")))

	m.SetDNSPending("cloudflare", 4)
	assert.Equal(t, 4.0, testutil.ToFloat64(m.DNSPending.WithLabelValues("cloudflare")))

	// No monitor: process gauges are left alone.
	m.Update()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ProcessMemory))

	families, err := m.Registry.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["tunnelgateway_rule_set_rules"])
	assert.True(t, names["go_goroutines"])
}

func TestMonitorSnapshot(t *testing.T) {
	mon := NewMonitor()
	s := mon.Snapshot()
	require.NotNil(t, s)
	assert.Greater(t, s.GoRuntime.GoroutineCount, 0)
	assert.NotEmpty(t, s.StartTime)
}
