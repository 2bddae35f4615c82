package tunnel

import (
	"bytes"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingConn struct {
	net.Conn
	reads atomic.Int64
}

func (c *countingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.reads.Add(1)
	}
	return n, err
}

func TestRelayBackpressure(t *testing.T) {
	client, inbound := net.Pipe()
	outbound, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	src := &countingConn{Conn: inbound}
	relay := NewRelay(src, outbound, nil, NewBufferPool(16))
	go relay.Run()

	const chunks = 50
	chunk := bytes.Repeat([]byte{'x'}, 16)
	go func() {
		for i := 0; i < chunks; i++ {
			if _, err := client.Write(chunk); err != nil {
				return
			}
		}
	}()

	// Nobody reads the server side, so the relay blocks in its first write
	// and stops reading the client.
	time.Sleep(50 * time.Millisecond)
	stalled := src.reads.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, stalled, src.reads.Load(), "source read while destination was saturated")
	assert.LessOrEqual(t, stalled, int64(1))

	// Draining the destination resumes reading without any nudge.
	got := make([]byte, chunks*16)
	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := io.ReadFull(server, got)
	require.NoError(t, err)
	assert.Equal(t, int64(chunks), src.reads.Load())
}

func TestRelayClosesBothEnds(t *testing.T) {
	client, inbound := net.Pipe()
	outbound, server := net.Pipe()

	relay := NewRelay(inbound, outbound, nil, nil)
	finished := make(chan struct{})
	go func() {
		relay.Run()
		close(finished)
	}()

	server.Close()

	client.SetReadDeadline(time.Now().Add(time.Second))
	_, err := client.Read(make([]byte, 1))
	assert.Error(t, err, "inbound must be closed when the outbound ends")

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("relay did not finish")
	}
}

func TestRelayHoldsOutboundBytesUntilOpen(t *testing.T) {
	client, inbound := net.Pipe()
	outbound, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	relay := NewRelay(inbound, outbound, nil, nil)
	relay.Start()
	go server.Write([]byte("early"))

	client.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	_, err := client.Read(make([]byte, 8))
	assert.Error(t, err, "bytes must wait for Open")

	client.SetReadDeadline(time.Now().Add(time.Second))
	relay.Open()
	got := make([]byte, 5)
	_, err = io.ReadFull(client, got)
	require.NoError(t, err)
	assert.Equal(t, "early", string(got))

	relay.Close()
	relay.Wait()
}
