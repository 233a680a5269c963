package api

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
)

// ErrNoFreePort is returned when every port in the search range is taken.
var ErrNoFreePort = errors.New("no free port in search range")

// Listen binds the first free TCP port in [port, port+span) on host,
// skipping any port listed in exclude. Port 0 asks the OS for an ephemeral
// port (tests).
func Listen(host string, port, span int, exclude ...int) (net.Listener, error) {
	if port == 0 {
		return net.Listen("tcp", net.JoinHostPort(host, "0"))
	}
	if span < 1 {
		span = 1
	}

	var lastErr error
	for p := port; p < port+span && p <= 65535; p++ {
		if slices.Contains(exclude, p) {
			continue
		}
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(p)))
		if err == nil {
			return ln, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %d..%d on %s (last: %v)", ErrNoFreePort, port, port+span-1, host, lastErr)
	}
	return nil, fmt.Errorf("%w: %d..%d on %s", ErrNoFreePort, port, port+span-1, host)
}

// PortOf returns the TCP port a listener is bound to.
func PortOf(ln net.Listener) int {
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}
