// Package proximity decides whether a scanning device is on the same
// network as a session host by comparing IPv4 address prefixes.
//
// This is a coarse LAN-co-location heuristic, not a security boundary:
// NAT, VPNs and carrier-grade NAT can collapse unrelated clients onto one
// prefix, and legitimate same-room devices on different subnets are
// rejected. Treat a match as a fraud-deterrence signal only.
package proximity

import (
	"net"
	"strings"
)

// DefaultPrefixOctets compares the first three dot-separated octets,
// i.e. a /24 assumption.
const DefaultPrefixOctets = 3

// Verifier compares addresses on a configurable octet prefix.
type Verifier struct {
	PrefixOctets int
}

// NewVerifier clamps octets into [1, 4]; zero or negative selects the default.
func NewVerifier(octets int) Verifier {
	if octets <= 0 {
		octets = DefaultPrefixOctets
	}
	if octets > 4 {
		octets = 4
	}
	return Verifier{PrefixOctets: octets}
}

// SameNetwork reports whether a and b share the configured IPv4 prefix.
// Empty, unparseable, or non-IPv4 addresses (including IPv6) yield false.
func (v Verifier) SameNetwork(a, b string) bool {
	pa, ok := prefix(a, v.PrefixOctets)
	if !ok {
		return false
	}
	pb, ok := prefix(b, v.PrefixOctets)
	if !ok {
		return false
	}
	return pa == pb
}

func prefix(addr string, octets int) (string, bool) {
	addr = strings.TrimSpace(addr)
	// tolerate host:port input, as produced by some proxies
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	ip := net.ParseIP(addr)
	if ip == nil || ip.To4() == nil {
		return "", false
	}
	parts := strings.Split(ip.To4().String(), ".")
	return strings.Join(parts[:octets], "."), true
}
