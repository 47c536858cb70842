package proto

import (
	"net"
	"testing"
)

func TestJoinHostPort(t *testing.T) {
	if got := JoinHostPort("example.com", 7643); got != "example.com:7643" {
		t.Fatalf("got %q", got)
	}
	if got := JoinHostPort("::1", 9000); got != "[::1]:9000" {
		t.Fatalf("got %q", got)
	}
}

func TestHostAndPort(t *testing.T) {
	addr := &net.TCPAddr{IP: net.ParseIP("10.1.2.3"), Port: 4567}
	if got := Host(addr); got != "10.1.2.3" {
		t.Fatalf("host %q", got)
	}
	if got := Port(addr); got != 4567 {
		t.Fatalf("port %d", got)
	}

	v6 := &net.TCPAddr{IP: net.ParseIP("::1"), Port: 80}
	if got := Host(v6); got != "::1" {
		t.Fatalf("v6 host %q", got)
	}
}

func TestHostFallsBackToVerbatim(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	// Pipe addresses carry no port; Host must hand the string back as is
	// and Port must report zero.
	if got := Host(a.LocalAddr()); got != a.LocalAddr().String() {
		t.Fatalf("host %q, want %q", got, a.LocalAddr().String())
	}
	if got := Port(a.LocalAddr()); got != 0 {
		t.Fatalf("port %d, want 0", got)
	}
}
