// Package routing provides the host-matching helpers shared by the
// interceptor and the forward proxy.
package routing

import (
	"net"
	"strings"
)

// HostOnly strips an optional port from hostport. IPv6 literals keep their
// address without brackets.
func HostOnly(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return strings.TrimSuffix(strings.TrimPrefix(hostport, "["), "]")
}

// MatchesHost reports whether host (optionally with a port) contains target.
// Hostnames compare case-insensitively. An empty target never matches.
func MatchesHost(host, target string) bool {
	if target == "" {
		return false
	}
	return strings.Contains(strings.ToLower(HostOnly(host)), strings.ToLower(target))
}
