package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"h3exchange/component/failure"
)

// Resolver turns a host name into candidate addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// StaticResolver answers from a fixed table, for tests and pinned hosts.
type StaticResolver map[string][]netip.Addr

func (r StaticResolver) LookupNetIP(_ context.Context, _ string, host string) ([]netip.Addr, error) {
	addrs, ok := r[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return addrs, nil
}

// resolve returns the first address for target. IP literals skip the resolver.
func resolve(ctx context.Context, r Resolver, target Target) (*net.UDPAddr, error) {
	if ip, err := netip.ParseAddr(target.Host); err == nil {
		return net.UDPAddrFromAddrPort(netip.AddrPortFrom(ip, uint16(target.Port))), nil
	}
	if r == nil {
		r = net.DefaultResolver
	}

	addrs, err := r.LookupNetIP(ctx, "ip", target.Host)
	if err != nil {
		fe := failure.New(failure.Resolution, "resolve "+target.Host, err)
		// a cancelled caller is not worth retrying
		fe.Transient = !errors.Is(err, context.Canceled)
		return nil, fe
	}
	if len(addrs) == 0 {
		fe := failure.New(failure.Resolution, "resolve "+target.Host, fmt.Errorf("dns found no addresses"))
		fe.Transient = true
		return nil, fe
	}

	return net.UDPAddrFromAddrPort(netip.AddrPortFrom(addrs[0].Unmap(), uint16(target.Port))), nil
}
