package connector

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"h3exchange/component/failure"
	"h3exchange/component/tlsconfig"
	"h3exchange/component/tracer"
	"h3exchange/utilities"
)

var log = utilities.NewLogger("connector")

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultBackoff          = 250 * time.Millisecond
)

// Dialer establishes QUIC connections for HTTP/3.
type Dialer struct {
	Endpoint *Endpoint
	TLS      *tls.Config // from tlsconfig.Build; ServerName is set per connection
	// QUIC is cloned for every connection. Nil means quic-go defaults.
	QUIC     *quic.Config
	Resolver Resolver // nil means net.DefaultResolver

	DefaultPort      int           // zero means DefaultPort (443)
	HandshakeTimeout time.Duration // zero means 10s
	// Attempts bounds how often transient failures (resolution, handshake
	// timeouts) are tried. Zero or one means no retry.
	Attempts int
	Backoff  time.Duration // first retry delay, doubled each attempt
	// MetricsDir, when set, receives one transport log per connection.
	MetricsDir string
}

// Connect resolves rawURI's authority and performs the QUIC and TLS handshake.
// The returned connection is Established and has negotiated HTTP/3.
func (d *Dialer) Connect(ctx context.Context, rawURI string) (*Connection, error) {
	port := d.DefaultPort
	if port == 0 {
		port = DefaultPort
	}
	target, err := ParseTarget(rawURI, port)
	if err != nil {
		return nil, err
	}
	if d.Endpoint == nil || d.TLS == nil {
		panic("connector: Dialer needs an Endpoint and a TLS config")
	}

	backoff := d.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	for attempt := 1; ; attempt++ {
		conn, err := d.connectOnce(ctx, target)
		if err == nil {
			return conn, nil
		}
		if !failure.IsRetryable(err) || attempt >= d.Attempts || ctx.Err() != nil {
			return nil, err
		}

		log.Warnf("⚠️ attempt %d to %s failed, retrying in %s: %v", attempt, target.Authority(), backoff, err)
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, err
		}
		backoff *= 2
	}
}

func (d *Dialer) connectOnce(ctx context.Context, target Target) (*Connection, error) {
	addr, err := resolve(ctx, d.Resolver, target)
	if err != nil {
		return nil, err
	}
	log.Infof("🔎 DNS lookup for %s: %s", target.Host, addr)

	id := uuid.New().String()
	tr, err := tracer.New(id, d.MetricsDir)
	if err != nil {
		log.Warnf("⚠️ error creating tracer for connection %s: %v", id, err)
		tr, _ = tracer.New(id, "")
	}
	d.Endpoint.Tracers().Add(tr)
	established := false
	defer func() {
		if !established {
			d.Endpoint.Tracers().Remove(id)
		}
	}()

	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	var quicConf *quic.Config
	if d.QUIC != nil {
		quicConf = d.QUIC.Clone()
	} else {
		quicConf = &quic.Config{}
	}
	quicConf.HandshakeIdleTimeout = timeout
	quicConf.Tracer = tracer.QUICTracer(tr)

	hsCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn := newConnection(id, target, addr, tr)
	qconn, err := d.Endpoint.dialEarly(hsCtx, addr, tlsconfig.ForServer(d.TLS, target.Host), quicConf)
	if err != nil {
		return nil, classifyHandshake(ctx, err)
	}

	select {
	case <-qconn.HandshakeComplete():
	case <-qconn.Context().Done():
		return nil, classifyHandshake(ctx, context.Cause(qconn.Context()))
	case <-hsCtx.Done():
		qconn.CloseWithError(quic.ApplicationErrorCode(http3.ErrCodeRequestCanceled), "handshake timeout")
		return nil, classifyHandshake(ctx, hsCtx.Err())
	}

	if proto := qconn.ConnectionState().TLS.NegotiatedProtocol; proto != http3.NextProtoH3 {
		qconn.CloseWithError(quic.ApplicationErrorCode(http3.ErrCodeVersionFallback), "no h3")
		return nil, failure.New(failure.Handshake, "negotiate alpn", fmt.Errorf("server negotiated %q instead of %q", proto, http3.NextProtoH3))
	}

	established = true
	conn.establish(qconn)
	d.Endpoint.track(conn)
	log.Infof("✅ QUIC connection %s established with %s (%s)", id, target.Authority(), addr)
	return conn, nil
}

// classifyHandshake tells transient failures (timeouts, unreachable network)
// from fatal ones (certificate, crypto, version negotiation).
func classifyHandshake(ctx context.Context, err error) error {
	fe := failure.New(failure.Handshake, "handshake", err)

	var (
		versionErr   *quic.VersionNegotiationError
		transportErr *quic.TransportError
		appErr       *quic.ApplicationError
		verifyErr    *tls.CertificateVerificationError
		authorityErr x509.UnknownAuthorityError
		hostErr      x509.HostnameError
		invalidErr   x509.CertificateInvalidError
		netErr       net.Error
	)
	switch {
	case ctx.Err() != nil:
		// cancelled or timed out by the caller, retrying would not help
		fe.Err = errors.Join(err, context.Cause(ctx))
	case errors.As(err, &verifyErr), errors.As(err, &authorityErr), errors.As(err, &hostErr), errors.As(err, &invalidErr):
	case errors.As(err, &versionErr):
	case errors.As(err, &transportErr) && transportErr.ErrorCode.IsCryptoError():
	case errors.As(err, &appErr):
	case errors.Is(err, ErrEndpointClosed):
	case errors.Is(err, context.DeadlineExceeded):
		fe.Transient = true
	case errors.As(err, &netErr) && netErr.Timeout():
		fe.Transient = true
	case errors.As(err, &transportErr):
		fe.Transient = true
	default:
		var opErr *net.OpError
		fe.Transient = errors.As(err, &opErr)
	}
	return fe
}
