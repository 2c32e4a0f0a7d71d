package main

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"h3exchange/component/failure"
)

func TestDefaultRequestPostsAddress(t *testing.T) {
	req, err := buildRequest(args{URL: "https://127.0.0.1:8443/getAddress", Method: "post"})
	require.NoError(t, err)
	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, `{"address":"127.0.0.1"}`, string(req.Body))
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
}

func TestRequestFlags(t *testing.T) {
	data := ""
	req, err := buildRequest(args{
		URL:     "https://example.com/empty",
		Method:  "GET",
		Data:    &data,
		Headers: []string{"X-Trace: abc", "Accept:text/plain"},
	})
	require.NoError(t, err)
	assert.Empty(t, req.Body)
	assert.Empty(t, req.Header.Get("Content-Type"))
	assert.Equal(t, "abc", req.Header.Get("X-Trace"))
	assert.Equal(t, "text/plain", req.Header.Get("Accept"))

	_, err = buildRequest(args{URL: "https://example.com/", Method: "GET", Headers: []string{"no colon"}})
	assert.Error(t, err)
}

func TestDataIsSentWithoutImpliedContentType(t *testing.T) {
	data := "a=1&b=2"
	req, err := buildRequest(args{URL: "https://example.com/form", Method: "POST", Data: &data})
	require.NoError(t, err)
	assert.Equal(t, data, string(req.Body))
	assert.Empty(t, req.Header.Get("Content-Type"))

	req, err = buildRequest(args{
		URL:     "https://example.com/form",
		Method:  "POST",
		Data:    &data,
		Headers: []string{"Content-Type: application/x-www-form-urlencoded"},
	})
	require.NoError(t, err)
	assert.Equal(t, "application/x-www-form-urlencoded", req.Header.Get("Content-Type"))
}

func TestHeaderOverridesDefaultContentType(t *testing.T) {
	req, err := buildRequest(args{URL: "https://example.com/", Method: "POST", Headers: []string{"Content-Type: text/plain"}})
	require.NoError(t, err)
	assert.Equal(t, "text/plain", req.Header.Get("Content-Type"))
}

func TestExitCodePerPhase(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{failure.New(failure.CertificateRead, "load", errors.New("x")), 2},
		{failure.New(failure.Resolution, "resolve", errors.New("x")), 3},
		{failure.New(failure.Handshake, "handshake", context.DeadlineExceeded), 4},
		{failure.New(failure.SessionSetup, "await settings", errors.New("x")), 5},
		{errors.Join(nil, failure.New(failure.StreamIO, "read body", errors.New("x"))), 6},
		{errors.New("opaque"), 1},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.err), func(t *testing.T) {
			assert.Equal(t, tt.code, fail(tt.err))
		})
	}
}
