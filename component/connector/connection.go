package connector

import (
	"errors"
	"net"
	"sync/atomic"

	"github.com/quic-go/quic-go"

	"h3exchange/component/failure"
	"h3exchange/component/tracer"
)

type State int32

const (
	Connecting State = iota
	Established
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Established:
		return "established"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

var errNotEstablished = errors.New("connection is not established")

// Connection is one QUIC session to one remote authority.
type Connection struct {
	id     string
	target Target
	remote net.Addr
	state  atomic.Int32
	qconn  quic.EarlyConnection
	tracer *tracer.ConnectionTracer
	done   chan struct{}
}

func newConnection(id string, target Target, remote net.Addr, t *tracer.ConnectionTracer) *Connection {
	return &Connection{
		id:     id,
		target: target,
		remote: remote,
		tracer: t,
		done:   make(chan struct{}),
	}
}

// establish publishes qconn and starts watching it for closure.
func (c *Connection) establish(qconn quic.EarlyConnection) {
	c.qconn = qconn
	c.state.Store(int32(Established))

	go func() {
		<-qconn.Context().Done()
		c.state.Store(int32(Closed))
		close(c.done)
	}()
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) Target() Target {
	return c.target
}

func (c *Connection) RemoteAddr() net.Addr {
	return c.remote
}

func (c *Connection) State() State {
	return State(c.state.Load())
}

// QUIC returns the underlying connection, failing unless it is Established.
func (c *Connection) QUIC() (quic.EarlyConnection, error) {
	if c.State() != Established || c.qconn == nil {
		return nil, failure.New(failure.ConnectionNotReady, "use connection", errNotEstablished)
	}
	return c.qconn, nil
}

// Close closes the connection with an application error code.
func (c *Connection) Close(code quic.ApplicationErrorCode, reason string) error {
	if !c.state.CompareAndSwap(int32(Established), int32(Closing)) {
		return nil
	}
	return c.qconn.CloseWithError(code, reason)
}

// Done is closed once the QUIC connection has fully closed. It is nil for a
// connection that never got established.
func (c *Connection) Done() <-chan struct{} {
	if c.qconn == nil {
		return nil
	}
	return c.done
}

func (c *Connection) Stats() tracer.Stats {
	if c.tracer == nil {
		return tracer.Stats{ConnectionID: c.id}
	}
	return c.tracer.Snapshot()
}
