// Package h3server is a small HTTP/3 fixture server for exercising the client
// locally and in tests. It is not meant to serve production traffic.
package h3server

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"h3exchange/utilities"
)

var log = utilities.NewLogger("h3server")

type Server struct {
	h3    *http3.Server
	pconn net.PacketConn
	// CA signed the server certificate; clients load CA.PEM() as their trust store.
	CA   *utilities.CertificateAuthority
	done chan error
}

// StartLocal listens on an ephemeral port on 127.0.0.1 with a certificate valid
// for localhost and 127.0.0.1.
func StartLocal() (*Server, error) {
	return Start("127.0.0.1:0", "localhost", "127.0.0.1")
}

// Start listens on addr with a freshly generated CA and a certificate for hosts.
func Start(addr string, hosts ...string) (*Server, error) {
	tlsConf, ca, err := utilities.GenerateServerTLSConfig("h3exchange", hosts...)
	if err != nil {
		return nil, err
	}
	s, err := StartWithTLS(addr, tlsConf)
	if err != nil {
		return nil, err
	}
	s.CA = ca
	return s, nil
}

// StartWithTLS listens on addr using tlsConf as is.
func StartWithTLS(addr string, tlsConf *tls.Config) (*Server, error) {
	pconn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}

	s := &Server{
		h3: &http3.Server{
			TLSConfig:  tlsConf,
			QUICConfig: &quic.Config{MaxIdleTimeout: 30 * time.Second},
			Handler:    NewMux(),
		},
		pconn: pconn,
		done:  make(chan error, 1),
	}
	go func() {
		s.done <- s.h3.Serve(pconn)
	}()

	log.Infof("🪵 HTTP/3 server running on %s", pconn.LocalAddr())
	return s, nil
}

func (s *Server) Addr() *net.UDPAddr {
	return s.pconn.LocalAddr().(*net.UDPAddr)
}

// URL returns an https URL for path on this server, addressed by IP.
func (s *Server) URL(path string) string {
	return "https://" + s.Addr().String() + path
}

// URLFor is URL with host in place of the IP, for name resolution and SNI checks.
func (s *Server) URLFor(host, path string) string {
	return "https://" + net.JoinHostPort(host, strconv.Itoa(s.Addr().Port)) + path
}

func (s *Server) Close() error {
	err := s.h3.Close()
	if cerr := s.pconn.Close(); err == nil {
		err = cerr
	}
	<-s.done
	return err
}

// ContentLengthHeader carries the request content-length /echo saw.
const ContentLengthHeader = "X-Request-Content-Length"

type addressRequest struct {
	Address string `json:"address"`
}

// NewMux returns the fixture routes.
func NewMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /getAddress", func(w http.ResponseWriter, r *http.Request) {
		var req addressRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" {
			http.Error(w, "invalid address request", http.StatusBadRequest)
			return
		}
		log.Infof("[msg] getAddress for %s from %s", req.Address, r.RemoteAddr)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	})

	mux.HandleFunc("/empty", func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/status/{code}", func(w http.ResponseWriter, r *http.Request) {
		code, err := strconv.Atoi(r.PathValue("code"))
		if err != nil || code < 200 || code > 599 {
			http.Error(w, "bad status code", http.StatusBadRequest)
			return
		}
		w.WriteHeader(code)
		fmt.Fprintf(w, "status %d", code)
	})

	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", r.Header.Get("Content-Type"))
		if id := r.Header.Get("X-Request-Id"); id != "" {
			w.Header().Set("X-Request-Id", id)
		}
		w.Header().Set(ContentLengthHeader, strconv.FormatInt(r.ContentLength, 10))
		io.Copy(w, r.Body)
	})

	// /chunks?n=3&size=4 writes n flushed chunks of size bytes each
	mux.HandleFunc("/chunks", func(w http.ResponseWriter, r *http.Request) {
		n, _ := strconv.Atoi(r.URL.Query().Get("n"))
		size, _ := strconv.Atoi(r.URL.Query().Get("size"))
		if size <= 0 {
			size = 1
		}
		flusher, _ := w.(http.Flusher)
		for i := 0; i < n; i++ {
			w.Write([]byte(strings.Repeat(string(rune('a'+i%26)), size)))
			if flusher != nil {
				flusher.Flush()
			}
		}
	})

	// /slow?d=2s holds the response until d elapses or the request goes away
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		d, err := time.ParseDuration(r.URL.Query().Get("d"))
		if err != nil {
			d = 5 * time.Second
		}
		select {
		case <-time.After(d):
			w.Write([]byte("done"))
		case <-r.Context().Done():
		}
	})

	return mux
}
