package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"pkt.systems/pslog"

	"github.com/stagedoor-io/stagedoor/internal/proto"
)

// Handler serves one relayed client connection. The daemon closes the
// connection after the handler returns.
type Handler func(net.Conn)

// Config controls a Daemon.
type Config struct {
	// RelayAddr is the relay's registration endpoint.
	RelayAddr string
	// Name is the service name sent at registration.
	Name string
	// DialTimeout bounds dials to the relay and to callback endpoints.
	// Zero means no timeout.
	DialTimeout time.Duration
	// ReconnectMin and ReconnectMax bound the backoff between Run's
	// reconnect attempts. Zero picks 1s and 30s.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// Daemon registers a named service with a relay and serves every callback
// the relay requests on its behalf.
type Daemon struct {
	cfg     Config
	handler Handler
	log     pslog.Logger

	mu         sync.Mutex
	advertised string
}

// New builds a daemon that serves handler behind the given name.
func New(cfg Config, handler Handler, log pslog.Logger) (*Daemon, error) {
	if cfg.RelayAddr == "" {
		return nil, errors.New("relay address required")
	}
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, errors.New("service name required")
	}
	if handler == nil {
		return nil, errors.New("handler required")
	}
	if log == nil {
		log = pslog.NoopLogger()
	}
	return &Daemon{cfg: cfg, handler: handler, log: log}, nil
}

// Serve connects to the relay, registers and answers callback requests until
// the control channel breaks or ctx is cancelled.
func (d *Daemon) Serve(ctx context.Context) error {
	dialer := net.Dialer{Timeout: d.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", d.cfg.RelayAddr)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	lc := proto.NewLineConn(conn)
	defer lc.Close()

	// Unblock control reads when ctx ends.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			lc.Close()
		case <-stop:
		}
	}()

	if err := lc.WriteLine(d.cfg.Name, 0); err != nil {
		return fmt.Errorf("send service name: %w", err)
	}
	advertised, err := lc.ReadLine(0)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("read advertised address: %w", err)
	}
	advertised = strings.TrimSpace(advertised)
	d.setAdvertised(advertised)
	d.log.Info("registered with relay", "name", d.cfg.Name, "advertised", advertised)

	for {
		callback, err := lc.ReadLine(0)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("control channel: %w", err)
		}
		callback = strings.TrimSpace(callback)
		if callback == "" {
			continue
		}
		if err := lc.WriteLine("ack", 0); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("send ack: %w", err)
		}
		go d.serveCallback(callback)
	}
}

// Run keeps a registration alive, redialing with exponential backoff when
// the control channel drops. It returns once ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	minWait := d.cfg.ReconnectMin
	if minWait <= 0 {
		minWait = time.Second
	}
	maxWait := d.cfg.ReconnectMax
	if maxWait <= 0 {
		maxWait = 30 * time.Second
	}
	b := &backoff.Backoff{Min: minWait, Max: maxWait, Jitter: true}

	for {
		started := time.Now()
		err := d.Serve(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(started) > maxWait {
			b.Reset()
		}
		wait := b.Duration()
		d.log.Warn("relay connection lost", "error", err, "retry_in", wait.Round(time.Millisecond).String())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// serveCallback dials one single-use endpoint and hands the connection to
// the handler.
func (d *Daemon) serveCallback(addr string) {
	dialer := net.Dialer{Timeout: d.cfg.DialTimeout}
	c, err := dialer.Dial("tcp", addr)
	if err != nil {
		d.log.Warn("callback dial failed", "addr", addr, "error", err)
		return
	}
	defer c.Close()
	d.log.Debug("serving relayed client", "addr", addr)
	d.handler(c)
}

func (d *Daemon) setAdvertised(addr string) {
	d.mu.Lock()
	d.advertised = addr
	d.mu.Unlock()
}

// Advertised returns the client-facing address the relay reported at
// registration, or empty before the first registration completes.
func (d *Daemon) Advertised() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.advertised
}
