package tlsconfig

import (
	"crypto/tls"
	"io"

	"github.com/quic-go/quic-go/http3"

	"h3exchange/component/truststore"
)

const defaultSessionCacheSize = 32

type Options struct {
	// SessionCacheSize bounds the resumption tickets kept for 0-RTT. Zero means a small default.
	SessionCacheSize int
	// KeyLogWriter receives TLS secrets in SSLKEYLOGFILE format, for decrypting captures.
	KeyLogWriter io.Writer
}

// Build returns a client config that trusts only the anchors in store,
// negotiates HTTP/3 through ALPN and keeps session tickets so later
// handshakes can use early data. It never presents a client certificate.
func Build(store *truststore.Store, opts Options) *tls.Config {
	if store == nil {
		panic("tlsconfig: nil trust store")
	}
	size := opts.SessionCacheSize
	if size < 0 {
		panic("tlsconfig: negative session cache size")
	}
	if size == 0 {
		size = defaultSessionCacheSize
	}

	return &tls.Config{
		RootCAs:            store.Pool(),
		NextProtos:         []string{http3.NextProtoH3},
		MinVersion:         tls.VersionTLS13,
		ClientSessionCache: tls.NewLRUClientSessionCache(size),
		KeyLogWriter:       opts.KeyLogWriter,
	}
}

// ForServer clones cfg for one connection, verifying the peer against serverName.
// serverName must be the host from the target URI, never the resolved address.
func ForServer(cfg *tls.Config, serverName string) *tls.Config {
	c := cfg.Clone()
	c.ServerName = serverName
	return c
}
