package proto

import (
	"net"
	"strconv"
)

// JoinHostPort renders the host:port form used on the wire for both the
// advertised address and per-request callback addresses.
func JoinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Host extracts the host portion of addr. Addresses without a host:port
// shape (unix sockets, in-memory pipes) come back verbatim.
func Host(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// Port extracts the port of addr, or 0 when addr has no port.
func Port(addr net.Addr) int {
	if addr == nil {
		return 0
	}
	_, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}
