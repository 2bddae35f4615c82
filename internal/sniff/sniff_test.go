package sniff

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwerrors "tunnelgateway/internal/errors"
)

// clientHello captures the first record a crypto/tls client writes.
func clientHello(t *testing.T, serverName string) []byte {
	t.Helper()
	c1, c2 := net.Pipe()
	defer c2.Close()
	go func() {
		client := tls.Client(c1, &tls.Config{ServerName: serverName, InsecureSkipVerify: true})
		_ = client.Handshake()
		c1.Close()
	}()

	header := make([]byte, 5)
	_, err := io.ReadFull(c2, header)
	require.NoError(t, err)
	body := make([]byte, int(header[3])<<8|int(header[4]))
	_, err = io.ReadFull(c2, body)
	require.NoError(t, err)
	return append(header, body...)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		in   string
		kind Kind
		more bool
	}{
		{"", KindUnknown, true},
		{"\x16", KindUnknown, true},
		{"\x16\x03\x01", KindTLS, false},
		{"\x16\x03\x05", KindOpaque, false},
		{"\x16\x02\x00", KindOpaque, false},
		{"GE", KindUnknown, true},
		{"GET", KindUnknown, true},
		{"GET ", KindHTTP, false},
		{"GETX", KindOpaque, false},
		{"CONNECT ", KindHTTP, false},
		{"P", KindUnknown, true},
		{"\x05\x01\x00", KindOpaque, false},
		{"SSH-2.0", KindOpaque, false},
	}
	for _, tc := range cases {
		kind, err := Classify([]byte(tc.in))
		if tc.more {
			assert.ErrorIs(t, err, gwerrors.ErrNeedMoreData, "input %q", tc.in)
			continue
		}
		assert.NoError(t, err, "input %q", tc.in)
		assert.Equal(t, tc.kind, kind, "input %q", tc.in)
	}
}

func TestDetectHTTPHost(t *testing.T) {
	res, err := Detect([]byte("GET / HTTP/1.1\r\nHost: a"))
	assert.ErrorIs(t, err, gwerrors.ErrNeedMoreData)
	assert.Equal(t, KindHTTP, res.Kind)

	res, err = Detect([]byte("GET /x HTTP/1.1\r\nUser-Agent: t\r\nHOST: Example.COM:8080\r\n\r\nbody"))
	require.NoError(t, err)
	assert.Equal(t, Result{Kind: KindHTTP, Host: "example.com"}, res)

	res, err = Detect([]byte("GET / HTTP/1.1\r\nHost: [::1]:80\r\n\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "::1", res.Host)

	res, err = Detect([]byte("GET / HTTP/1.0\r\n\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "", res.Host)
}

func TestDetectTLSWaitsForCompleteRecord(t *testing.T) {
	hello := clientHello(t, "example.org")

	for _, cut := range []int{3, 5, len(hello) / 2, len(hello) - 1} {
		res, err := Detect(hello[:cut])
		assert.ErrorIs(t, err, gwerrors.ErrNeedMoreData, "cut %d", cut)
		assert.Equal(t, KindTLS, res.Kind)
	}

	res, err := Detect(hello)
	require.NoError(t, err)
	assert.Equal(t, Result{Kind: KindTLS, Host: "example.org"}, res)
}

func TestServerNameMalformed(t *testing.T) {
	hello := clientHello(t, "example.org")

	// Declare a handshake body longer than the record.
	bad := append([]byte(nil), hello...)
	bad[6], bad[7], bad[8] = 0xff, 0xff, 0xff
	assert.Equal(t, "", ServerName(bad))

	truncated := append([]byte(nil), hello[:60]...)
	assert.Equal(t, "", ServerName(truncated))

	noSNI := clientHello(t, "")
	assert.Equal(t, "", ServerName(noSNI))

	assert.Equal(t, "", ServerName([]byte{0x16, 0x03, 0x01, 0x00, 0x01, 0x02}))
}

func TestSniffLeavesBytesUnconsumed(t *testing.T) {
	hello := clientHello(t, "example.org")
	client, server := net.Pipe()
	defer server.Close()
	go func() {
		// Split the record to force several reads.
		client.Write(hello[:7])
		client.Write(hello[7:])
	}()

	res, conn, err := Sniff(server, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "example.org", res.Host)
	assert.Equal(t, KindTLS, res.Kind)

	got := make([]byte, len(hello))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	assert.Equal(t, hello, got)
	client.Close()
}

func TestSniffOpaqueReleasesImmediately(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	go client.Write([]byte{0x05, 0x01, 0x00})

	res, conn, err := Sniff(server, time.Second)
	require.NoError(t, err)
	assert.Equal(t, KindOpaque, res.Kind)
	assert.Equal(t, []byte{0x05, 0x01, 0x00}, conn.Buffered())
	client.Close()
}

func TestSniffTimeoutKeepsPartialBytes(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	go client.Write([]byte("GET / HTTP/1.1\r\nHo"))

	res, conn, err := Sniff(server, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, KindHTTP, res.Kind)
	assert.Equal(t, "", res.Host)
	assert.Equal(t, "GET / HTTP/1.1\r\nHo", string(conn.Buffered()))
	client.Close()
}

func TestSniffSilentClientIsOpaque(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	res, conn, err := Sniff(server, 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.Equal(t, KindOpaque, res.Kind)
	assert.Empty(t, res.Host)
	assert.Empty(t, conn.Buffered())

	// The deadline is cleared, so the server can still speak first.
	go client.Read(make([]byte, 8))
	_, err = conn.Write([]byte("SSH-2.0\r\n"))
	assert.NoError(t, err)
}

func TestSniffEmptyStream(t *testing.T) {
	client, server := net.Pipe()
	client.Close()
	_, _, err := Sniff(server, time.Second)
	assert.True(t, errors.Is(err, io.EOF))
}

func TestPropertyDetectNeverFailsOnGarbage(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("arbitrary bytes yield a decision or need-more-data", prop.ForAll(
		func(b []byte) bool {
			_, err := Detect(b)
			return err == nil || errors.Is(err, gwerrors.ErrNeedMoreData)
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.Property("tls records with garbage bodies never panic", prop.ForAll(
		func(body []byte) bool {
			record := append([]byte{0x16, 0x03, 0x01, byte(len(body) >> 8), byte(len(body))}, body...)
			res, err := Detect(record)
			return err == nil && res.Kind == KindTLS
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}
