package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/stagedoor-io/stagedoor/internal/directory"
	"github.com/stagedoor-io/stagedoor/internal/obs"
	"github.com/stagedoor-io/stagedoor/internal/proto"
	"github.com/stagedoor-io/stagedoor/internal/ratelimit"
)

// Relay accepts daemon control connections and runs one Service per daemon.
type Relay struct {
	cfg     Config
	log     pslog.Logger
	dir     directory.Directory
	reg     *registry
	limiter *ratelimit.Limiter

	wg sync.WaitGroup

	readyOnce sync.Once
	readyCh   chan struct{}

	mu       sync.Mutex
	ln       net.Listener
	shutdown bool
	services map[string]*Service
}

// Option customises a Relay.
type Option func(*Relay)

// WithLogger sets the relay logger. Defaults to a no-op logger.
func WithLogger(log pslog.Logger) Option {
	return func(r *Relay) {
		if log != nil {
			r.log = log
		}
	}
}

// WithDirectory publishes registrations to dir. The relay takes ownership
// and closes dir during Shutdown. Defaults to a no-op directory.
func WithDirectory(dir directory.Directory) Option {
	return func(r *Relay) {
		if dir != nil {
			r.dir = dir
		}
	}
}

// New builds a Relay from cfg. Call Start to serve.
func New(cfg Config, opts ...Option) (*Relay, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Relay{
		cfg:      cfg,
		log:      pslog.NoopLogger(),
		dir:      directory.Noop(),
		reg:      newRegistry(),
		readyCh:  make(chan struct{}),
		services: make(map[string]*Service),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.limiter = ratelimit.New(cfg.RegisterRate, cfg.RegisterBurst, 10*time.Minute)
	return r, nil
}

// Start listens for daemon registrations and blocks until Shutdown is called
// or the listener fails. Each accepted control connection gets its own
// service goroutine.
func (r *Relay) Start() error {
	ln, err := net.Listen("tcp", r.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", r.cfg.Listen, err)
	}
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		ln.Close()
		return errors.New("relay already shut down")
	}
	r.ln = ln
	r.mu.Unlock()

	r.signalReady()
	r.log.Info("relay listening",
		"addr", ln.Addr().String(),
		"advertise_host", r.cfg.AdvertiseHost,
		"max_inflight", r.cfg.MaxInflight)

	for {
		c, err := ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				r.log.Warn("transient accept error", "error", err)
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept control connection: %w", err)
		}

		if ip := proto.Host(c.RemoteAddr()); !r.limiter.Allow(ip, time.Now()) {
			r.log.Warn("registration refused by rate limit", "daemon", c.RemoteAddr().String())
			c.Close()
			continue
		}

		r.wg.Add(1)
		go r.runService(c)
	}
}

// runService drives one daemon's lifecycle: registration, directory
// announcement and teardown once the service ends.
func (r *Relay) runService(ctrl net.Conn) {
	defer r.wg.Done()

	svc, err := NewService(ctrl, r.cfg, obs.WithSubsystem(r.log, "service"))
	if err != nil {
		r.log.Error("service setup failed", "daemon", ctrl.RemoteAddr().String(), "error", err)
		ctrl.Close()
		return
	}
	if !r.track(svc) {
		svc.Shutdown()
		return
	}
	defer r.untrack(svc)

	if err := svc.Start(); err != nil {
		r.log.Warn("registration failed", "daemon", ctrl.RemoteAddr().String(), "error", err)
		return
	}

	info := ServiceInfo{
		ID:         svc.ID(),
		Name:       svc.Name(),
		Addr:       svc.AdvertisedAddr(),
		Daemon:     ctrl.RemoteAddr().String(),
		Registered: time.Now().UTC(),
	}
	r.reg.add(info)
	defer r.reg.remove(info.ID)

	if err := r.dir.Announce(context.Background(), info.Name, info.Addr, info.ID); err != nil {
		r.log.Warn("directory announce failed", "name", info.Name, "error", err)
	}
	defer func() {
		if err := r.dir.Withdraw(context.Background(), info.Name, info.ID); err != nil {
			r.log.Warn("directory withdraw failed", "name", info.Name, "error", err)
		}
	}()

	<-svc.Done()
}

func (r *Relay) track(svc *Service) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shutdown {
		return false
	}
	r.services[svc.ID()] = svc
	return true
}

func (r *Relay) untrack(svc *Service) {
	r.mu.Lock()
	delete(r.services, svc.ID())
	r.mu.Unlock()
	svc.Shutdown()
}

// Shutdown stops accepting daemons, tears down every service and waits for
// their goroutines, bounded by ctx. It is idempotent.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return nil
	}
	r.shutdown = true
	ln := r.ln
	svcs := make([]*Service, 0, len(r.services))
	for _, svc := range r.services {
		svcs = append(svcs, svc)
	}
	r.mu.Unlock()

	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			r.log.Warn("close relay listener", "error", err)
		}
	}
	for _, svc := range svcs {
		svc.Shutdown()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return r.dir.Close()
}

func (r *Relay) signalReady() {
	r.readyOnce.Do(func() { close(r.readyCh) })
}

// WaitUntilReady blocks until the relay is accepting registrations or ctx
// ends.
func (r *Relay) WaitUntilReady(ctx context.Context) error {
	select {
	case <-r.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready reports whether the registration listener is up.
func (r *Relay) Ready() bool {
	select {
	case <-r.readyCh:
		return true
	default:
		return false
	}
}

// Addr returns the registration listener address, or nil before Start.
func (r *Relay) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ln == nil {
		return nil
	}
	return r.ln.Addr()
}

// Services lists currently registered services sorted by name.
func (r *Relay) Services() []ServiceInfo {
	return r.reg.snapshot()
}
