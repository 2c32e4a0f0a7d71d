// Package failure is the closed error taxonomy shared by every stage of a run.
// Callers branch on Kind and Phase instead of inspecting error strings.
package failure

import (
	"errors"
	"fmt"
)

type Kind uint8

const (
	Unknown Kind = iota
	CertificateRead
	CertificateParse
	CertificateTrust
	Scheme
	Resolution
	Handshake
	SessionSetup
	ConnectionNotReady
	Response
	StreamIO
)

func (k Kind) String() string {
	switch k {
	case CertificateRead:
		return "CertificateReadError"
	case CertificateParse:
		return "CertificateParseError"
	case CertificateTrust:
		return "CertificateTrustError"
	case Scheme:
		return "SchemeError"
	case Resolution:
		return "ResolutionError"
	case Handshake:
		return "HandshakeError"
	case SessionSetup:
		return "SessionSetupError"
	case ConnectionNotReady:
		return "ConnectionNotReadyError"
	case Response:
		return "ResponseError"
	case StreamIO:
		return "StreamIOError"
	default:
		return "UnknownError"
	}
}

// Phase is the stage of a run a Kind belongs to.
type Phase string

const (
	PhaseSetup      Phase = "setup"
	PhaseResolution Phase = "resolution"
	PhaseHandshake  Phase = "handshake"
	PhaseSession    Phase = "session"
	PhaseExchange   Phase = "exchange"
	PhaseUnknown    Phase = "unknown"
)

func (k Kind) Phase() Phase {
	switch k {
	case CertificateRead, CertificateParse, CertificateTrust, Scheme:
		return PhaseSetup
	case Resolution:
		return PhaseResolution
	case Handshake:
		return PhaseHandshake
	case SessionSetup, ConnectionNotReady:
		return PhaseSession
	case Response, StreamIO:
		return PhaseExchange
	default:
		return PhaseUnknown
	}
}

// Error is a classified failure.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "resolve", "handshake", "read body"
	// Transient marks failures worth retrying (DNS flakiness, timeouts).
	Transient bool
	// ConnectionLevel marks failures that invalidate every stream on the connection.
	ConnectionLevel bool
	Err             error
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s failed", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same Kind, so errors.Is(err, &failure.Error{Kind: failure.Scheme}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// KindOf returns the Kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

func PhaseOf(err error) Phase {
	return KindOf(err).Phase()
}

func IsRetryable(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Transient
}

func IsConnectionLevel(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.ConnectionLevel
}
