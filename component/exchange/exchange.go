package exchange

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"h3exchange/component/failure"
	"h3exchange/utilities"
)

var log = utilities.NewLogger("exchange")

// ErrBodyBeforeHeaders is returned when the body is read before AwaitResponse succeeded.
var ErrBodyBeforeHeaders = errors.New("exchange: response body read before response headers")

var errExchangeClosed = errors.New("exchange closed")

const chunkSize = 16 << 10

// Stream is one bidirectional HTTP/3 request stream. http3.RequestStream satisfies it.
type Stream interface {
	SendRequestHeader(req *http.Request) error
	Write(p []byte) (int, error)
	// Close finishes the send side only.
	Close() error
	ReadResponse() (*http.Response, error)
	CancelRead(quic.StreamErrorCode)
	CancelWrite(quic.StreamErrorCode)
}

// Opener originates request streams. release must be called exactly once
// when the caller is done with the stream.
type Opener interface {
	OpenStream(ctx context.Context) (s Stream, release func(), err error)
}

type OpenerFunc func(ctx context.Context) (Stream, func(), error)

func (f OpenerFunc) OpenStream(ctx context.Context) (Stream, func(), error) {
	return f(ctx)
}

type state int

const (
	stateOpen state = iota
	stateHalfClosedLocal
	stateHeadersReceived
	stateClosed
)

// Exchange is one request and its response on a dedicated stream. It is
// not safe for concurrent use; independent exchanges may run in parallel.
type Exchange struct {
	ID string

	ctx       context.Context
	stream    Stream
	release   func()
	stopWatch func() bool

	state   state
	resp    *Response
	body    io.ReadCloser
	buf     []byte
	drained bool

	closeOnce sync.Once
}

// Send opens a stream, writes the request headers and body, then finishes the send side.
func Send(ctx context.Context, opener Opener, req *Request) (*Exchange, error) {
	id := req.Header.Get(RequestIDHeader)
	if id == "" {
		id = newRequestID()
	}
	httpReq, err := req.toHTTP(ctx, id)
	if err != nil {
		return nil, err
	}

	stream, release, err := opener.OpenStream(ctx)
	if err != nil {
		return nil, err
	}

	x := &Exchange{ID: id, ctx: ctx, stream: stream, release: release}
	// unblocks whichever stream call is pending when the caller gives up
	x.stopWatch = context.AfterFunc(ctx, func() {
		stream.CancelRead(quic.StreamErrorCode(http3.ErrCodeRequestCanceled))
		stream.CancelWrite(quic.StreamErrorCode(http3.ErrCodeRequestCanceled))
	})

	log.Debugf("➡️ %s %s (%s)", httpReq.Method, httpReq.URL, id)
	if err := stream.SendRequestHeader(httpReq); err != nil {
		x.Close()
		return nil, x.classify(failure.StreamIO, "send headers", err)
	}
	if len(req.Body) > 0 {
		if _, err := stream.Write(req.Body); err != nil {
			x.Close()
			return nil, x.classify(failure.StreamIO, "send body", err)
		}
	}
	if err := stream.Close(); err != nil {
		x.Close()
		return nil, x.classify(failure.StreamIO, "finish request", err)
	}
	x.state = stateHalfClosedLocal
	return x, nil
}

// AwaitResponse blocks until the response headers arrive. A 4xx or 5xx status
// is a successful exchange.
func (x *Exchange) AwaitResponse() (*Response, error) {
	if x.resp != nil {
		return x.resp, nil
	}
	if x.state == stateClosed {
		return nil, failure.New(failure.Response, "read response headers", errExchangeClosed)
	}

	rsp, err := x.stream.ReadResponse()
	if err != nil {
		x.Close()
		return nil, x.classify(failure.Response, "read response headers", err)
	}

	x.resp = newResponse(rsp)
	x.body = rsp.Body
	if x.body == nil {
		x.body = http.NoBody
	}
	x.state = stateHeadersReceived
	log.Debugf("⬅️ %d %s (%s)", x.resp.Status, x.resp.Proto, x.ID)
	return x.resp, nil
}

// NextChunk returns the next piece of the response body, or io.EOF once the
// stream completed. The slice is only valid until the next call.
func (x *Exchange) NextChunk() ([]byte, error) {
	if x.resp == nil {
		return nil, ErrBodyBeforeHeaders
	}
	if x.drained {
		return nil, io.EOF
	}
	if x.state == stateClosed {
		return nil, failure.New(failure.StreamIO, "read body", errExchangeClosed)
	}
	if x.buf == nil {
		x.buf = make([]byte, chunkSize)
	}

	for {
		n, err := x.body.Read(x.buf)
		if errors.Is(err, io.EOF) {
			x.drained = true
			x.Close()
			if n > 0 {
				return x.buf[:n], nil
			}
			return nil, io.EOF
		}
		if err != nil {
			x.Close()
			return nil, x.classify(failure.StreamIO, "read body", err)
		}
		if n > 0 {
			return x.buf[:n], nil
		}
	}
}

// Close releases the stream. An undrained body is cancelled with H3_REQUEST_CANCELLED.
func (x *Exchange) Close() {
	x.closeOnce.Do(func() {
		if !x.drained {
			x.stream.CancelRead(quic.StreamErrorCode(http3.ErrCodeRequestCanceled))
		}
		if x.body != nil {
			x.body.Close()
		}
		x.stopWatch()
		x.state = stateClosed
		x.release()
	})
}

func (x *Exchange) classify(kind failure.Kind, op string, err error) error {
	fe := failure.New(kind, op, err)
	if cause := context.Cause(x.ctx); cause != nil {
		fe.Err = fmt.Errorf("%w (%w)", err, cause)
	}
	fe.ConnectionLevel = isConnectionLevel(err)
	fe.Transient = kind == failure.StreamIO && !fe.ConnectionLevel && x.ctx.Err() == nil
	return fe
}

// stream resets stay with the stream; everything else took the connection down
func isConnectionLevel(err error) bool {
	var (
		appErr       *quic.ApplicationError
		transportErr *quic.TransportError
		idleErr      *quic.IdleTimeoutError
		resetErr     *quic.StatelessResetError
	)
	return errors.As(err, &appErr) || errors.As(err, &transportErr) ||
		errors.As(err, &idleErr) || errors.As(err, &resetErr)
}

// Do runs a whole exchange, copying body chunks to w as they arrive.
func Do(ctx context.Context, opener Opener, req *Request, w io.Writer) (*Response, error) {
	x, err := Send(ctx, opener, req)
	if err != nil {
		return nil, err
	}
	defer x.Close()

	resp, err := x.AwaitResponse()
	if err != nil {
		return nil, err
	}
	for {
		chunk, err := x.NextChunk()
		if err == io.EOF {
			return resp, nil
		}
		if err != nil {
			return resp, err
		}
		if _, err := w.Write(chunk); err != nil {
			return resp, fmt.Errorf("write body: %w", err)
		}
	}
}

// Fetch is Do with the body collected in memory.
func Fetch(ctx context.Context, opener Opener, req *Request) (*Response, []byte, error) {
	var buf bytes.Buffer
	resp, err := Do(ctx, opener, req, &buf)
	return resp, buf.Bytes(), err
}
