package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/xid"
	"golang.org/x/sync/semaphore"
	"pkt.systems/pslog"

	"github.com/stagedoor-io/stagedoor/internal/obs"
	"github.com/stagedoor-io/stagedoor/internal/proto"
)

// Service exposes one registered daemon to clients. It owns a dedicated
// client listener plus the daemon's control channel; every client accepted
// on the listener triggers one callback handshake on the control channel
// and, on success, a relay between the two connections.
//
// All control channel I/O after registration happens on the accept loop
// goroutine. That confinement guarantees at most one handshake is in flight
// per daemon, so callback addresses and acks can never interleave.
type Service struct {
	id   string
	cfg  Config
	sess *session
	ln   net.Listener
	log  pslog.Logger

	// gate caps admitted client requests; nil means unbounded.
	gate     *semaphore.Weighted
	dispatch func(client, daemon net.Conn)

	ctx        context.Context
	cancel     context.CancelFunc
	registered chan struct{}
	done       chan struct{}

	mu       sync.Mutex
	name     string
	closed   bool
	active   bool
	callback net.Listener
	lastErr  error
}

// NewService binds a fresh client listener for the daemon behind ctrl. The
// service owns ctrl from here on and closes it on Shutdown. Call Start to
// run the registration exchange and begin serving clients.
func NewService(ctrl net.Conn, cfg Config, log pslog.Logger) (*Service, error) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		return nil, fmt.Errorf("bind client listener: %w", err)
	}
	id := xid.New().String()
	if log == nil {
		log = pslog.NoopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		id:         id,
		cfg:        cfg,
		sess:       newSession(proto.NewLineConn(ctrl), cfg.AdvertiseHost),
		ln:         ln,
		log:        log.With("service_id", id),
		ctx:        ctx,
		cancel:     cancel,
		registered: make(chan struct{}),
		done:       make(chan struct{}),
	}
	if cfg.MaxInflight > 0 {
		s.gate = semaphore.NewWeighted(cfg.MaxInflight)
	}
	s.dispatch = func(client, daemon net.Conn) { relayPair(client, daemon, s.log) }
	return s, nil
}

// Start spawns the accept loop and runs the registration exchange. The loop
// starts first so a client arriving mid-registration is queued by the
// listener rather than refused, but no handshake runs until registration has
// finished. Any registration error is fatal and tears the service down.
func (s *Service) Start() error {
	go s.acceptLoop()

	name, err := s.sess.register(proto.Port(s.ln.Addr()), s.cfg.RegisterTimeout)
	if err != nil {
		s.setErr(err)
		s.Shutdown()
		return fmt.Errorf("register daemon: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("service closed during registration")
	}
	s.name = name
	s.active = true
	close(s.registered)
	s.mu.Unlock()

	obs.RegistrationsTotal.Inc()
	obs.ActiveServices.Inc()
	s.log.Info("service registered",
		"name", name,
		"addr", s.AdvertisedAddr(),
		"daemon", s.sess.remoteAddr())
	return nil
}

func (s *Service) acceptLoop() {
	defer close(s.done)
	defer s.Shutdown()

	for {
		c, err := s.ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.log.Warn("transient accept error", "error", err)
				continue
			}
			if !errors.Is(err, net.ErrClosed) {
				s.log.Error("client listener failed", "error", err)
				s.setErr(err)
			}
			return
		}
		obs.ClientConnsTotal.Inc()

		select {
		case <-s.registered:
		case <-s.ctx.Done():
			c.Close()
			return
		}

		if err := s.admit(); err != nil {
			c.Close()
			return
		}

		dc, err := s.handshake()
		if err != nil {
			s.release()
			c.Close()
			if s.ctx.Err() != nil {
				return
			}
			s.log.Warn("callback handshake failed", "name", s.Name(), "error", err)
			continue
		}

		obs.RelaysEstablishedTotal.Inc()
		go func(client, daemon net.Conn) {
			defer s.release()
			s.dispatch(client, daemon)
		}(c, dc)
	}
}

// handshake provisions the single-use endpoint for one client request, asks
// the daemon to dial it and returns the accepted daemon connection. The
// endpoint is released on every path out of this function.
func (s *Service) handshake() (net.Conn, error) {
	cb, err := net.Listen("tcp", ":0")
	if err != nil {
		obs.HandshakeFailuresTotal.WithLabelValues("callback_listen").Inc()
		return nil, fmt.Errorf("bind callback endpoint: %w", err)
	}
	defer func() {
		s.clearCallback()
		if cerr := cb.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			s.log.Warn("close callback endpoint", "error", cerr)
		}
	}()

	if !s.setCallback(cb) {
		return nil, errors.New("service closed")
	}

	if err := s.sess.requestCallback(proto.Port(cb.Addr()), s.cfg.HandshakeTimeout); err != nil {
		obs.HandshakeFailuresTotal.WithLabelValues("no_ack").Inc()
		return nil, err
	}

	if s.cfg.HandshakeTimeout > 0 {
		if d, ok := cb.(interface{ SetDeadline(time.Time) error }); ok {
			d.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
		}
	}
	dc, err := cb.Accept()
	if err != nil {
		obs.HandshakeFailuresTotal.WithLabelValues("callback_accept").Inc()
		return nil, fmt.Errorf("accept daemon callback: %w", err)
	}
	return dc, nil
}

// admit blocks until an in-flight slot is free. It fails only when the
// service is shutting down.
func (s *Service) admit() error {
	if s.gate != nil {
		if err := s.gate.Acquire(s.ctx, 1); err != nil {
			return err
		}
	}
	obs.InflightRequests.Inc()
	return nil
}

func (s *Service) release() {
	obs.InflightRequests.Dec()
	if s.gate != nil {
		s.gate.Release(1)
	}
}

// setCallback records the live single-use endpoint so Shutdown can close it.
// It reports false when the service is already closed, in which case the
// endpoint is closed on the spot.
func (s *Service) setCallback(cb net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		cb.Close()
		return false
	}
	s.callback = cb
	return true
}

func (s *Service) clearCallback() {
	s.mu.Lock()
	s.callback = nil
	s.mu.Unlock()
}

// Shutdown closes the client listener, the control channel and any in-flight
// callback endpoint, and cancels pending admissions. It is idempotent and
// safe from any goroutine. Established relays drain on their own.
func (s *Service) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	wasActive := s.active
	cb := s.callback
	s.callback = nil
	s.mu.Unlock()

	s.cancel()
	if cb != nil {
		if err := cb.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.Warn("close callback endpoint", "error", err)
		}
	}
	if err := s.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Warn("close client listener", "error", err)
	}
	if err := s.sess.close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Warn("close control channel", "error", err)
	}
	if wasActive {
		obs.ActiveServices.Dec()
	}
}

// ID is the unique instance id assigned to this service.
func (s *Service) ID() string { return s.id }

// Name returns the registered service name, or empty before registration.
func (s *Service) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Addr is the bound address of the client listener.
func (s *Service) Addr() net.Addr { return s.ln.Addr() }

// AdvertisedAddr is the host:port written to the daemon at registration.
func (s *Service) AdvertisedAddr() string {
	return s.sess.callbackAddr(proto.Port(s.ln.Addr()))
}

// Done is closed once the accept loop has exited and the service is torn
// down.
func (s *Service) Done() <-chan struct{} { return s.done }

// Err reports the first fatal error observed by the service, if any.
func (s *Service) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Service) setErr(err error) {
	s.mu.Lock()
	if s.lastErr == nil {
		s.lastErr = err
	}
	s.mu.Unlock()
}
