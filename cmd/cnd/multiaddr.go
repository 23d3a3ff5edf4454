package main

import (
	"fmt"

	"github.com/multiformats/go-multiaddr"
)

// tcpAddrFromMultiaddr extracts a host:port dial string from a
// "/ip4/.../tcp/..." multiaddr, the minimal slice of multiaddr this daemon's
// plain-TCP announce transport needs (spec.md §6's peer addressing is
// multiaddr-shaped; the wire transport underneath is a length-prefixed TCP
// stream, see announce/wire.go).
func tcpAddrFromMultiaddr(addr string) (string, error) {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return "", fmt.Errorf("cnd: parsing multiaddr %q: %w", addr, err)
	}
	ip, err := ma.ValueForProtocol(multiaddr.P_IP4)
	if err != nil {
		ip, err = ma.ValueForProtocol(multiaddr.P_IP6)
		if err != nil {
			return "", fmt.Errorf("cnd: multiaddr %q has no ip4/ip6 component: %w", addr, err)
		}
	}
	port, err := ma.ValueForProtocol(multiaddr.P_TCP)
	if err != nil {
		return "", fmt.Errorf("cnd: multiaddr %q has no tcp component: %w", addr, err)
	}
	return ip + ":" + port, nil
}
