// Package netutils holds listener helpers shared by the binaries.
package netutils

import (
	"fmt"
	"net"
	"strings"
)

// Listen binds the address on tcp4, tcp6 or both when the host part is
// empty. The host must be an IP address; hostnames are rejected so that no
// resolver query ever leaks out of a proxied deployment.
func Listen(addr string) ([]net.Listener, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("%q is not a normalized listener address: %w",
			addr, err)
	}

	var hasIPv4, hasIPv6 bool
	if host == "" {
		hasIPv4, hasIPv6 = true, true
	} else {
		// Strip an IPv6 zone before parsing.
		if i := strings.Index(host, "%"); i != -1 {
			host = host[:i]
		}
		ip := net.ParseIP(host)
		switch {
		case ip == nil:
			return nil, fmt.Errorf("%q is not a valid IP address", host)
		case ip.To4() == nil:
			hasIPv6 = true
		default:
			hasIPv4 = true
		}
	}

	listeners := make([]net.Listener, 0, 2)
	if hasIPv4 {
		l, err := net.Listen("tcp4", addr)
		if err != nil {
			return nil, fmt.Errorf("unable to listen on tcp4:%s: %w", addr, err)
		}
		listeners = append(listeners, l)
	}
	if hasIPv6 {
		l, err := net.Listen("tcp6", addr)
		if err != nil {
			return nil, fmt.Errorf("unable to listen on tcp6:%s: %w", addr, err)
		}
		listeners = append(listeners, l)
	}
	return listeners, nil
}
