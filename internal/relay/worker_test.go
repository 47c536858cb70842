package relay

import (
	"io"
	"net"
	"testing"
	"time"

	"pkt.systems/pslog"
)

func TestRelayPairShuttlesBothWays(t *testing.T) {
	clientNear, clientFar := net.Pipe()
	daemonNear, daemonFar := net.Pipe()

	done := make(chan struct{})
	go func() {
		relayPair(clientNear, daemonNear, pslog.NoopLogger())
		close(done)
	}()

	// Client to daemon.
	go clientFar.Write([]byte("to-daemon"))
	buf := make([]byte, 9)
	daemonFar.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(daemonFar, buf); err != nil {
		t.Fatalf("daemon read: %v", err)
	}
	if string(buf) != "to-daemon" {
		t.Fatalf("daemon got %q", buf)
	}

	// Daemon to client.
	go daemonFar.Write([]byte("to-client"))
	clientFar.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(clientFar, buf); err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(buf) != "to-client" {
		t.Fatalf("client got %q", buf)
	}

	// Closing one far end finishes the relay and closes the other side.
	clientFar.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not finish after close")
	}
	daemonFar.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := daemonFar.Read(make([]byte, 1)); err == nil {
		t.Fatal("daemon side left open")
	}
}

func TestHumanizeBytes(t *testing.T) {
	if got := humanizeBytes(0); got != "0B" {
		t.Fatalf("got %q", got)
	}
	if got := humanizeBytes(1500); got != "1.5kB" {
		t.Fatalf("got %q", got)
	}
}
