package h3server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMuxRoutes(t *testing.T) {
	mux := NewMux()
	tests := []struct {
		method, target, body string
		status               int
		want                 string
	}{
		{http.MethodPost, "/getAddress", `{"address":"127.0.0.1"}`, http.StatusOK, `{"ok":true}`},
		{http.MethodPost, "/getAddress", `{}`, http.StatusBadRequest, ""},
		{http.MethodGet, "/getAddress", "", http.StatusMethodNotAllowed, ""},
		{http.MethodGet, "/empty", "", http.StatusNoContent, ""},
		{http.MethodGet, "/status/418", "", http.StatusTeapot, "status 418"},
		{http.MethodGet, "/status/abc", "", http.StatusBadRequest, ""},
		{http.MethodGet, "/chunks?n=3&size=2", "", http.StatusOK, "aabbcc"},
		{http.MethodPost, "/echo", "ping", http.StatusOK, "ping"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.target, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.target, strings.NewReader(tt.body)))
			assert.Equal(t, tt.status, rec.Code)
			if tt.want != "" {
				assert.Equal(t, tt.want, rec.Body.String())
			}
		})
	}
}

func TestEchoReportsContentLength(t *testing.T) {
	rec := httptest.NewRecorder()
	NewMux().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader("hello")))
	assert.Equal(t, "5", rec.Header().Get(ContentLengthHeader))
	assert.Equal(t, "hello", rec.Body.String())
}
