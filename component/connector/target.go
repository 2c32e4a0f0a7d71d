package connector

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"h3exchange/component/failure"
)

// DefaultPort is used when the URI carries no port. HTTP/3 servers
// conventionally share 443 with HTTPS.
const DefaultPort = 443

// Target is the remote authority parsed from a request URI.
type Target struct {
	Host string // hostname as written in the URI, used for certificate verification
	Port int
	Path string // path and query, "/" when empty
}

func (t Target) Authority() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// ParseTarget accepts only https URIs. No network I/O happens here.
func ParseTarget(raw string, defaultPort int) (Target, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, failure.New(failure.Scheme, "parse target", err)
	}
	if u.Scheme != "https" {
		return Target{}, failure.New(failure.Scheme, "parse target", fmt.Errorf("scheme %q is not https", u.Scheme))
	}
	host := u.Hostname()
	if host == "" {
		return Target{}, failure.New(failure.Scheme, "parse target", errors.New("uri must have a host"))
	}

	port := defaultPort
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return Target{}, failure.New(failure.Scheme, "parse target", fmt.Errorf("invalid port %q", p))
		}
	}

	return Target{Host: host, Port: port, Path: u.RequestURI()}, nil
}
