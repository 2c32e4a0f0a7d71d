package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"h3exchange/component/failure"
)

const RequestIDHeader = "X-Request-Id"

// Request is an immutable HTTP request description. Use With* to derive variants.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

func NewRequest(method, rawURL string, body []byte) *Request {
	return &Request{
		Method: strings.ToUpper(method),
		URL:    rawURL,
		Header: make(http.Header),
		Body:   append([]byte(nil), body...),
	}
}

// NewJSONRequest marshals v as the request body and sets Content-Type.
func NewJSONRequest(method, rawURL string, v any) (*Request, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	req := NewRequest(method, rawURL, body)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// WithHeader returns a copy of r with key set to value.
func (r *Request) WithHeader(key, value string) *Request {
	c := *r
	c.Header = r.Header.Clone()
	if c.Header == nil {
		c.Header = make(http.Header)
	}
	c.Header.Set(key, value)
	return &c
}

// toHTTP builds the request handed to the stream's header writer. The header
// writer derives content-length from Body and ContentLength but never reads
// Body; the bytes go out separately as DATA frames.
func (r *Request) toHTTP(ctx context.Context, id string) (*http.Request, error) {
	u, err := url.Parse(r.URL)
	if err != nil {
		return nil, failure.New(failure.Scheme, "build request", err)
	}
	if u.Scheme != "https" || u.Host == "" {
		return nil, failure.New(failure.Scheme, "build request", fmt.Errorf("request url %q is not an https url", r.URL))
	}
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, failure.New(failure.Scheme, "build request", err)
	}
	req.Header = r.Header.Clone()
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	if req.Header.Get(RequestIDHeader) == "" {
		req.Header.Set(RequestIDHeader, id)
	}
	return req, nil
}

func newRequestID() string {
	return uuid.New().String()
}

// Response is the header section of a reply. The body is read from the Exchange.
type Response struct {
	Status        int
	Proto         string
	Header        http.Header
	ContentLength int64 // -1 when unknown
}

func newResponse(rsp *http.Response) *Response {
	return &Response{
		Status:        rsp.StatusCode,
		Proto:         rsp.Proto,
		Header:        rsp.Header,
		ContentLength: rsp.ContentLength,
	}
}
