// Package session runs HTTP/3 on top of an established QUIC connection.
//
// A Session owns the connection once opened. Streams are originated through
// reference-counted Senders, and a single driver goroutine (Drive) watches the
// connection, closing it once every Sender is released and no stream is left.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"h3exchange/component/connector"
	"h3exchange/component/exchange"
	"h3exchange/component/failure"
	"h3exchange/utilities"
)

var log = utilities.NewLogger("session")

const defaultSettingsTimeout = 5 * time.Second

var (
	ErrDriverRunning = errors.New("session: driver already running")
	ErrDraining      = errors.New("session is draining")
	errReleased      = errors.New("sender already released")
)

type State int32

const (
	Initializing State = iota
	Active
	Draining
	Closed
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Active:
		return "active"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

type Options struct {
	// SettingsTimeout bounds the wait for the peer's SETTINGS frame. Zero means 5s.
	SettingsTimeout time.Duration
}

type Session struct {
	conn  *connector.Connection
	qconn quic.EarlyConnection
	rt    *http3.SingleDestinationRoundTripper
	h3    http3.Connection

	state   atomic.Int32
	driving atomic.Bool
	wake    chan struct{}

	mu       sync.Mutex
	senders  int
	inflight int
}

// Open starts the HTTP/3 control streams on conn and waits for the peer's
// SETTINGS. On failure the connection is closed.
func Open(ctx context.Context, conn *connector.Connection, opts Options) (*Session, error) {
	qconn, err := conn.QUIC()
	if err != nil {
		return nil, err
	}
	timeout := opts.SettingsTimeout
	if timeout <= 0 {
		timeout = defaultSettingsTimeout
	}

	rt := &http3.SingleDestinationRoundTripper{Connection: qconn}
	h3conn := rt.Start()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-h3conn.ReceivedSettings():
	case <-qconn.Context().Done():
		fe := failure.New(failure.SessionSetup, "await settings", context.Cause(qconn.Context()))
		fe.ConnectionLevel = true
		return nil, fe
	case <-timer.C:
		conn.Close(quic.ApplicationErrorCode(http3.ErrCodeMissingSettings), "no SETTINGS received")
		return nil, failure.New(failure.SessionSetup, "await settings",
			fmt.Errorf("no SETTINGS from %s within %s", conn.Target().Authority(), timeout))
	case <-ctx.Done():
		conn.Close(quic.ApplicationErrorCode(http3.ErrCodeRequestCanceled), "")
		return nil, failure.New(failure.SessionSetup, "await settings", context.Cause(ctx))
	}

	s := &Session{
		conn:  conn,
		qconn: qconn,
		rt:    rt,
		h3:    h3conn,
		wake:  make(chan struct{}, 1),
	}
	s.state.Store(int32(Active))
	settings := h3conn.Settings()
	log.Infof("🤝 HTTP/3 session %s active (datagrams=%t, extended connect=%t)",
		conn.ID(), settings.EnableDatagrams, settings.EnableExtendedConnect)
	return s, nil
}

func (s *Session) ID() string {
	return s.conn.ID()
}

func (s *Session) Connection() *connector.Connection {
	return s.conn
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Settings returns the peer's HTTP/3 settings.
func (s *Session) Settings() *http3.Settings {
	return s.h3.Settings()
}

func (s *Session) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Close asks the session to drain: new streams are refused and the driver
// closes the connection once the in-flight ones are done.
func (s *Session) Close() {
	if s.state.CompareAndSwap(int32(Active), int32(Draining)) {
		log.Debugf("session %s draining", s.ID())
	}
	s.notify()
}

// Abort closes the connection immediately, failing every open stream.
func (s *Session) Abort(code quic.ApplicationErrorCode, reason string) {
	for {
		cur := s.state.Load()
		if State(cur) == Closed {
			return
		}
		if s.state.CompareAndSwap(cur, int32(Draining)) {
			break
		}
	}
	log.Warnf("⚠️ aborting session %s: code %#x %s", s.ID(), code, reason)
	s.conn.Close(code, reason)
	s.notify()
}

// Drive blocks for the lifetime of the session. It returns nil after a
// graceful close, the ctx cause if ctx ended first (the session is aborted),
// or a connection-level failure if the connection died underneath or was
// aborted.
func (s *Session) Drive(ctx context.Context) error {
	if !s.driving.CompareAndSwap(false, true) {
		return ErrDriverRunning
	}
	defer s.driving.Store(false)

	connDone := s.qconn.Context().Done()
	for {
		if s.idle() {
			log.Infof("👋 closing session %s", s.ID())
			s.conn.Close(quic.ApplicationErrorCode(http3.ErrCodeNoError), "")
			<-connDone
			s.state.Store(int32(Closed))
			return s.closeError()
		}

		select {
		case <-s.wake:
		case <-connDone:
			s.state.Store(int32(Closed))
			return s.closeError()
		case <-ctx.Done():
			s.Abort(quic.ApplicationErrorCode(http3.ErrCodeRequestCanceled), "cancelled")
			<-connDone
			s.state.Store(int32(Closed))
			return context.Cause(ctx)
		}
	}
}

func (s *Session) idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State() == Draining && s.inflight == 0
}

func (s *Session) closeError() error {
	cause := context.Cause(s.qconn.Context())
	var appErr *quic.ApplicationError
	if errors.As(cause, &appErr) && appErr.ErrorCode == quic.ApplicationErrorCode(http3.ErrCodeNoError) {
		return nil
	}
	fe := failure.New(failure.StreamIO, "connection closed", cause)
	fe.ConnectionLevel = true
	return fe
}

// Sender hands out a new stream-originating handle. The session drains once
// every handle is released.
func (s *Session) Sender() (*Sender, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return nil, err
	}
	s.senders++
	return &Sender{s: s}, nil
}

func (s *Session) usable() error {
	switch s.State() {
	case Active:
		return nil
	case Draining:
		return failure.New(failure.ConnectionNotReady, "open stream", ErrDraining)
	default:
		return failure.New(failure.ConnectionNotReady, "open stream", fmt.Errorf("session is %s", s.State()))
	}
}

func (s *Session) releaseSender() {
	s.mu.Lock()
	s.senders--
	last := s.senders == 0
	s.mu.Unlock()
	if last {
		s.Close()
	}
}

func (s *Session) streamDone() {
	s.mu.Lock()
	s.inflight--
	s.mu.Unlock()
	s.notify()
}

// Sender originates request streams on its session. It implements exchange.Opener.
type Sender struct {
	s        *Session
	released atomic.Bool
}

var _ exchange.Opener = (*Sender)(nil)

// Clone returns another handle on the same session.
func (snd *Sender) Clone() (*Sender, error) {
	if snd.released.Load() {
		return nil, failure.New(failure.ConnectionNotReady, "clone sender", errReleased)
	}
	return snd.s.Sender()
}

// Release gives the handle back. Further calls are no-ops.
func (snd *Sender) Release() {
	if snd.released.CompareAndSwap(false, true) {
		snd.s.releaseSender()
	}
}

func (snd *Sender) OpenStream(ctx context.Context) (exchange.Stream, func(), error) {
	if snd.released.Load() {
		return nil, nil, failure.New(failure.ConnectionNotReady, "open stream", errReleased)
	}
	s := snd.s
	s.mu.Lock()
	if err := s.usable(); err != nil {
		s.mu.Unlock()
		return nil, nil, err
	}
	s.inflight++
	s.mu.Unlock()

	str, err := s.rt.OpenRequestStream(ctx)
	if err != nil {
		s.streamDone()
		fe := failure.New(failure.StreamIO, "open stream", err)
		fe.ConnectionLevel = s.qconn.Context().Err() != nil
		return nil, nil, fe
	}

	var once sync.Once
	return str, func() { once.Do(s.streamDone) }, nil
}
