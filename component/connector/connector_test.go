package connector

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"h3exchange/component/failure"
	"h3exchange/component/tlsconfig"
	"h3exchange/component/truststore"
	"h3exchange/server/h3server"
	"h3exchange/utilities"
)

type countingResolver struct {
	calls atomic.Int32
	err   error
}

func (r *countingResolver) LookupNetIP(context.Context, string, string) ([]netip.Addr, error) {
	r.calls.Add(1)
	return nil, r.err
}

func newEndpoint(t *testing.T) *Endpoint {
	t.Helper()
	ep, err := NewEndpoint("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ep.Close() })
	return ep
}

func trusting(t *testing.T, ca *utilities.CertificateAuthority) *tls.Config {
	t.Helper()
	store, err := truststore.Parse(ca.PEM())
	require.NoError(t, err)
	return tlsconfig.Build(store, tlsconfig.Options{})
}

func startServer(t *testing.T) *h3server.Server {
	t.Helper()
	srv, err := h3server.StartLocal()
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	return srv
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		raw  string
		want Target
	}{
		{"https://example.com", Target{Host: "example.com", Port: 443, Path: "/"}},
		{"https://example.com:8443/getAddress?x=1", Target{Host: "example.com", Port: 8443, Path: "/getAddress?x=1"}},
		{"https://127.0.0.1/getAddress", Target{Host: "127.0.0.1", Port: 443, Path: "/getAddress"}},
		{"https://[::1]:9000", Target{Host: "::1", Port: 9000, Path: "/"}},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseTarget(tt.raw, DefaultPort)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.Equal(t, "[::1]:9000", Target{Host: "::1", Port: 9000}.Authority())
}

func TestParseTargetRejects(t *testing.T) {
	for _, raw := range []string{
		"http://example.com",
		"ftp://example.com",
		"example.com",
		"https://",
		"https://example.com:0",
		"https://example.com:99999",
		"://bad",
	} {
		t.Run(raw, func(t *testing.T) {
			_, err := ParseTarget(raw, DefaultPort)
			assert.True(t, failure.Is(err, failure.Scheme), "got %v", err)
		})
	}
}

func TestConnectRejectsInsecureSchemeWithoutIO(t *testing.T) {
	r := &countingResolver{}
	d := &Dialer{Resolver: r}

	conn, err := d.Connect(context.Background(), "http://example.com")
	assert.Nil(t, conn)
	assert.True(t, failure.Is(err, failure.Scheme), "got %v", err)
	assert.Equal(t, failure.PhaseSetup, failure.PhaseOf(err))
	assert.Zero(t, r.calls.Load())
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	r := StaticResolver{
		"two.test":    {netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2")},
		"mapped.test": {netip.MustParseAddr("::ffff:10.0.0.3")},
		"none.test":   {},
	}

	addr, err := resolve(ctx, r, Target{Host: "two.test", Port: 4433})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:4433", addr.String(), "first candidate wins")

	addr, err = resolve(ctx, r, Target{Host: "mapped.test", Port: 1})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.3:1", addr.String())

	addr, err = resolve(ctx, nil, Target{Host: "127.0.0.1", Port: 8443})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8443", addr.String())

	for _, host := range []string{"none.test", "missing.test"} {
		_, err = resolve(ctx, r, Target{Host: host, Port: 1})
		assert.True(t, failure.Is(err, failure.Resolution), "got %v", err)
		assert.True(t, failure.IsRetryable(err))
	}
}

func TestConnectRetriesResolution(t *testing.T) {
	r := &countingResolver{err: errors.New("temporary dns failure")}
	d := &Dialer{
		Endpoint: newEndpoint(t),
		TLS:      &tls.Config{},
		Resolver: r,
		Attempts: 3,
		Backoff:  time.Millisecond,
	}

	_, err := d.Connect(context.Background(), "https://flaky.test/")
	assert.True(t, failure.Is(err, failure.Resolution), "got %v", err)
	assert.EqualValues(t, 3, r.calls.Load())
}

func TestConnectDoesNotRetryCancelled(t *testing.T) {
	r := &countingResolver{err: context.Canceled}
	d := &Dialer{Endpoint: newEndpoint(t), TLS: &tls.Config{}, Resolver: r, Attempts: 5, Backoff: time.Millisecond}

	_, err := d.Connect(context.Background(), "https://flaky.test/")
	assert.True(t, failure.Is(err, failure.Resolution))
	assert.EqualValues(t, 1, r.calls.Load())
}

func TestConnectEstablishes(t *testing.T) {
	srv := startServer(t)
	ep := newEndpoint(t)
	d := &Dialer{
		Endpoint: ep,
		TLS:      trusting(t, srv.CA),
		Resolver: StaticResolver{"localhost": {netip.MustParseAddr("127.0.0.1")}},
	}

	conn, err := d.Connect(context.Background(), srv.URLFor("localhost", "/getAddress"))
	require.NoError(t, err)
	assert.Equal(t, Established, conn.State())
	assert.Equal(t, "localhost", conn.Target().Host)
	assert.Equal(t, srv.Addr().String(), conn.RemoteAddr().String())
	assert.Equal(t, 1, ep.Active())

	qconn, err := conn.QUIC()
	require.NoError(t, err)
	assert.Equal(t, "h3", qconn.ConnectionState().TLS.NegotiatedProtocol)
	assert.Equal(t, "localhost", qconn.ConnectionState().TLS.ServerName)

	require.NoError(t, conn.Close(0x100, ""))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ep.WaitIdle(ctx))
	assert.Equal(t, Closed, conn.State())
	assert.Zero(t, ep.Active())

	_, err = conn.QUIC()
	assert.True(t, failure.Is(err, failure.ConnectionNotReady))
	assert.Equal(t, conn.ID(), conn.Stats().ConnectionID)
}

func TestConnectRejectsUntrustedServer(t *testing.T) {
	srv := startServer(t)
	other, err := utilities.GenerateCA("someone else")
	require.NoError(t, err)

	d := &Dialer{Endpoint: newEndpoint(t), TLS: trusting(t, other), Attempts: 3}
	_, err = d.Connect(context.Background(), srv.URL("/"))
	require.True(t, failure.Is(err, failure.Handshake), "got %v", err)
	assert.False(t, failure.IsRetryable(err), "certificate rejection is fatal")
	assert.Equal(t, failure.PhaseHandshake, failure.PhaseOf(err))
}

func TestConnectRejectsWrongServerName(t *testing.T) {
	srv := startServer(t)
	d := &Dialer{
		Endpoint: newEndpoint(t),
		TLS:      trusting(t, srv.CA),
		Resolver: StaticResolver{"impostor.test": {netip.MustParseAddr("127.0.0.1")}},
	}

	_, err := d.Connect(context.Background(), srv.URLFor("impostor.test", "/"))
	require.True(t, failure.Is(err, failure.Handshake), "got %v", err)
	assert.False(t, failure.IsRetryable(err))
}

func TestConnectHandshakeTimeoutIsTransient(t *testing.T) {
	// a socket that never answers
	silent, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer silent.Close()

	ca, err := utilities.GenerateCA("timeout")
	require.NoError(t, err)
	d := &Dialer{Endpoint: newEndpoint(t), TLS: trusting(t, ca), HandshakeTimeout: 200 * time.Millisecond}

	start := time.Now()
	_, err = d.Connect(context.Background(), fmt.Sprintf("https://%s/", silent.LocalAddr()))
	require.True(t, failure.Is(err, failure.Handshake), "got %v", err)
	assert.True(t, failure.IsRetryable(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestFailedAttemptsReleaseTracers(t *testing.T) {
	silent, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer silent.Close()

	ca, err := utilities.GenerateCA("retries")
	require.NoError(t, err)
	ep := newEndpoint(t)
	d := &Dialer{
		Endpoint:         ep,
		TLS:              trusting(t, ca),
		HandshakeTimeout: 100 * time.Millisecond,
		Attempts:         3,
		Backoff:          time.Millisecond,
		MetricsDir:       t.TempDir(),
	}

	_, err = d.Connect(context.Background(), fmt.Sprintf("https://%s/", silent.LocalAddr()))
	require.True(t, failure.Is(err, failure.Handshake), "got %v", err)
	assert.Zero(t, ep.Tracers().Len(), "failed attempts keep no tracer")
}

func TestEstablishedConnectionKeepsTracer(t *testing.T) {
	srv := startServer(t)
	ep := newEndpoint(t)
	d := &Dialer{Endpoint: ep, TLS: trusting(t, srv.CA)}

	conn, err := d.Connect(context.Background(), srv.URL("/"))
	require.NoError(t, err)
	defer conn.Close(0x100, "")

	_, ok := ep.Tracers().Get(conn.ID())
	assert.True(t, ok)
	assert.Equal(t, 1, ep.Tracers().Len())
}

func TestConnectAfterEndpointClosed(t *testing.T) {
	ep := newEndpoint(t)
	require.NoError(t, ep.Close())
	require.NoError(t, ep.Close())

	ca, err := utilities.GenerateCA("closed")
	require.NoError(t, err)
	d := &Dialer{Endpoint: ep, TLS: trusting(t, ca), Attempts: 3}
	_, err = d.Connect(context.Background(), "https://127.0.0.1:1/")
	assert.True(t, failure.Is(err, failure.Handshake), "got %v", err)
	assert.ErrorIs(t, err, ErrEndpointClosed)
	assert.False(t, failure.IsRetryable(err))
}

func TestZeroConnectionIsNotReady(t *testing.T) {
	var conn Connection
	assert.Equal(t, Connecting, conn.State())
	_, err := conn.QUIC()
	assert.True(t, failure.Is(err, failure.ConnectionNotReady))
	assert.NoError(t, conn.Close(0, ""))
	assert.Nil(t, conn.Done())
}

func TestWaitIdleWithoutConnections(t *testing.T) {
	ep := newEndpoint(t)
	assert.NoError(t, ep.WaitIdle(context.Background()))
}

func TestClassifyHandshake(t *testing.T) {
	bg := context.Background()
	cancelled, cancel := context.WithCancel(bg)
	cancel()

	tests := []struct {
		name      string
		ctx       context.Context
		err       error
		transient bool
	}{
		{"deadline", bg, context.DeadlineExceeded, true},
		{"idle timeout", bg, &quic.IdleTimeoutError{}, true},
		{"handshake timeout", bg, &quic.HandshakeTimeoutError{}, true},
		{"unreachable", bg, &net.OpError{Op: "write", Err: errors.New("network is unreachable")}, true},
		{"version", bg, &quic.VersionNegotiationError{}, false},
		{"crypto", bg, &quic.TransportError{ErrorCode: 0x100 + 42}, false},
		{"application close", bg, &quic.ApplicationError{ErrorCode: 0x100}, false},
		{"unknown authority", bg, fmt.Errorf("crypto: %w", &tls.CertificateVerificationError{Err: errors.New("x509: certificate signed by unknown authority")}), false},
		{"caller cancelled", cancelled, context.Canceled, false},
		{"opaque", bg, errors.New("something"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyHandshake(tt.ctx, tt.err)
			assert.True(t, failure.Is(err, failure.Handshake))
			assert.Equal(t, tt.transient, failure.IsRetryable(err))
		})
	}
}
