package connector

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"

	"github.com/quic-go/quic-go"

	"h3exchange/component/tracer"
)

var ErrEndpointClosed = errors.New("endpoint closed")

// Endpoint is a local UDP socket that originates QUIC connections.
type Endpoint struct {
	udpConn   *net.UDPConn
	transport *quic.Transport
	tracers   *tracer.Registry

	mu      sync.Mutex
	conns   map[*Connection]struct{}
	changed chan struct{} // closed and replaced whenever a connection goes away
	closed  bool
}

// NewEndpoint binds local, e.g. ":0" for an ephemeral port on every interface.
func NewEndpoint(local string) (*Endpoint, error) {
	addr, err := net.ResolveUDPAddr("udp", local)
	if err != nil {
		return nil, err
	}
	udpConn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	log.Debugf("endpoint bound to %s", udpConn.LocalAddr())

	return &Endpoint{
		udpConn:   udpConn,
		transport: &quic.Transport{Conn: udpConn},
		tracers:   tracer.NewRegistry(),
		conns:     make(map[*Connection]struct{}),
		changed:   make(chan struct{}),
	}, nil
}

func (e *Endpoint) LocalAddr() net.Addr {
	return e.udpConn.LocalAddr()
}

func (e *Endpoint) Tracers() *tracer.Registry {
	return e.tracers
}

func (e *Endpoint) dialEarly(ctx context.Context, addr net.Addr, tlsConf *tls.Config, quicConf *quic.Config) (quic.EarlyConnection, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, ErrEndpointClosed
	}
	return e.transport.DialEarly(ctx, addr, tlsConf, quicConf)
}

// track keeps conn in the endpoint's live set until its QUIC connection is gone.
func (e *Endpoint) track(conn *Connection) {
	e.mu.Lock()
	e.conns[conn] = struct{}{}
	e.mu.Unlock()

	go func() {
		<-conn.Done()
		e.mu.Lock()
		delete(e.conns, conn)
		close(e.changed)
		e.changed = make(chan struct{})
		e.mu.Unlock()
	}()
}

// Active returns the number of connections that have not closed yet.
func (e *Endpoint) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns)
}

// WaitIdle blocks until every connection originated by the endpoint has closed.
func (e *Endpoint) WaitIdle(ctx context.Context) error {
	for {
		e.mu.Lock()
		if len(e.conns) == 0 {
			e.mu.Unlock()
			return nil
		}
		changed := e.changed
		e.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}

// Close tears the endpoint down. Connections still open are closed abruptly,
// call WaitIdle first for a graceful shutdown.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	err := e.transport.Close()
	if cerr := e.udpConn.Close(); err == nil {
		err = cerr
	}
	e.tracers.CloseAll()
	return err
}
