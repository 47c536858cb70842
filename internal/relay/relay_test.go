package relay

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"github.com/stagedoor-io/stagedoor/internal/daemon"
	"github.com/stagedoor-io/stagedoor/internal/proto"
)

type dirEvent struct {
	name, addr, instance string
}

type fakeDirectory struct {
	mu        sync.Mutex
	announces []dirEvent
	withdraws []dirEvent
	closed    bool
}

func (f *fakeDirectory) Announce(_ context.Context, name, addr, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.announces = append(f.announces, dirEvent{name, addr, instanceID})
	return nil
}

func (f *fakeDirectory) Withdraw(_ context.Context, name, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.withdraws = append(f.withdraws, dirEvent{name: name, instance: instanceID})
	return nil
}

func (f *fakeDirectory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeDirectory) snapshot() (announces, withdraws []dirEvent, closed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dirEvent(nil), f.announces...), append([]dirEvent(nil), f.withdraws...), f.closed
}

func startRelay(t *testing.T, cfg Config, dir *fakeDirectory) (*Relay, chan error) {
	t.Helper()
	opts := []Option{WithLogger(testLogger(t))}
	if dir != nil {
		opts = append(opts, WithDirectory(dir))
	}
	rly, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- rly.Start() }()

	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rly.WaitUntilReady(waitCtx); err != nil {
		t.Fatalf("relay never became ready: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rly.Shutdown(ctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})
	return rly, serveErr
}

func TestRelayEndToEnd(t *testing.T) {
	fdir := &fakeDirectory{}
	rly, serveErr := startRelay(t, Config{
		Listen:           "127.0.0.1:0",
		RegisterTimeout:  5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		MaxInflight:      8,
	}, fdir)

	d, err := daemon.New(daemon.Config{
		RelayAddr:   rly.Addr().String(),
		Name:        "echo",
		DialTimeout: 2 * time.Second,
	}, daemon.Echo(pslog.NoopLogger()), pslog.NoopLogger())
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	dctx, dcancel := context.WithCancel(context.Background())
	defer dcancel()
	dend := make(chan error, 1)
	go func() { dend <- d.Serve(dctx) }()

	var infos []ServiceInfo
	deadline := time.Now().Add(5 * time.Second)
	for {
		infos = rly.Services()
		if len(infos) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("daemon never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if infos[0].Name != "echo" {
		t.Fatalf("service name %q", infos[0].Name)
	}
	if infos[0].ID == "" || infos[0].Daemon == "" {
		t.Fatalf("incomplete service info %+v", infos[0])
	}

	// Drive two requests through the advertised address.
	for i := 0; i < 2; i++ {
		conn, err := net.Dial("tcp", infos[0].Addr)
		if err != nil {
			t.Fatalf("dial advertised address: %v", err)
		}
		msg := fmt.Sprintf("round %d\n", i)
		if _, err := conn.Write([]byte(msg)); err != nil {
			t.Fatalf("write: %v", err)
		}
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		reply, err := bufio.NewReader(conn).ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if reply != msg {
			t.Fatalf("reply %q, want %q", reply, msg)
		}
		conn.Close()
	}

	announces, _, _ := fdir.snapshot()
	if len(announces) != 1 || announces[0].name != "echo" {
		t.Fatalf("announcements %+v", announces)
	}
	if announces[0].addr != infos[0].Addr || announces[0].instance != infos[0].ID {
		t.Fatalf("announcement %+v does not match service %+v", announces[0], infos[0])
	}

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	if err := rly.Shutdown(sctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := <-serveErr; err != nil {
		t.Fatalf("Start returned %v", err)
	}
	// Idempotent.
	if err := rly.Shutdown(sctx); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}

	_, withdraws, closed := fdir.snapshot()
	if len(withdraws) != 1 || withdraws[0].name != "echo" {
		t.Fatalf("withdrawals %+v", withdraws)
	}
	if !closed {
		t.Fatal("directory not closed on shutdown")
	}
	if got := len(rly.Services()); got != 0 {
		t.Fatalf("%d services listed after shutdown", got)
	}

	dcancel()
	<-dend
}

func TestRelayRegistrationRateLimit(t *testing.T) {
	rly, _ := startRelay(t, Config{
		Listen:          "127.0.0.1:0",
		RegisterTimeout: 2 * time.Second,
		RegisterRate:    0.001,
		RegisterBurst:   1,
	}, nil)

	// First control connection from this IP is admitted.
	c1, err := net.Dial("tcp", rly.Addr().String())
	if err != nil {
		t.Fatalf("first dial: %v", err)
	}
	defer c1.Close()
	lc1 := proto.NewLineConn(c1)
	if err := lc1.WriteLine("one", time.Second); err != nil {
		t.Fatalf("first name: %v", err)
	}
	if _, err := lc1.ReadLine(2 * time.Second); err != nil {
		t.Fatalf("first registration refused: %v", err)
	}

	// Second inside the refill window is dropped without a handshake.
	c2, err := net.Dial("tcp", rly.Addr().String())
	if err != nil {
		t.Fatalf("second dial: %v", err)
	}
	defer c2.Close()
	lc2 := proto.NewLineConn(c2)
	if _, err := lc2.ReadLine(2 * time.Second); err == nil {
		t.Fatal("rate limited connection got a registration answer")
	}
}

func TestRelayValidatesConfig(t *testing.T) {
	if _, err := New(Config{RegisterTimeout: -time.Second}); err == nil {
		t.Fatal("negative register timeout accepted")
	}
	if _, err := New(Config{MaxInflight: -1}); err == nil {
		t.Fatal("negative max inflight accepted")
	}
}
