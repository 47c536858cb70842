package relay

import (
	"fmt"
	"time"
)

// Defaults applied by the stagedoor command line. A zero Config is valid and
// runs with no deadlines and no admission cap.
const (
	DefaultListen           = ":7643"
	DefaultRegisterTimeout  = 30 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultMaxInflight      = 256
	DefaultRegisterBurst    = 8
)

// Config controls a Relay.
type Config struct {
	// Listen is the TCP address daemons register on.
	Listen string

	// AdvertiseHost overrides the host written to daemons during
	// registration and per-request callbacks. When empty the relay
	// advertises the local address of each control connection.
	AdvertiseHost string

	// RegisterTimeout bounds the wait for the service name line on a new
	// control connection. Zero means wait forever.
	RegisterTimeout time.Duration

	// HandshakeTimeout bounds each callback handshake: the wait for the
	// daemon's ack line and for its dial to the single-use endpoint.
	// Zero means wait forever.
	HandshakeTimeout time.Duration

	// MaxInflight caps client requests being handshaked or relayed at any
	// moment per service. Zero means unbounded.
	MaxInflight int64

	// RegisterRate limits control connections accepted per daemon IP per
	// second, with RegisterBurst as the bucket size. Zero disables the
	// limit.
	RegisterRate  float64
	RegisterBurst int
}

// Validate rejects settings the relay cannot run with and fills in the
// listen address when unset.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.RegisterTimeout < 0 {
		return fmt.Errorf("register timeout must not be negative, got %s", c.RegisterTimeout)
	}
	if c.HandshakeTimeout < 0 {
		return fmt.Errorf("handshake timeout must not be negative, got %s", c.HandshakeTimeout)
	}
	if c.MaxInflight < 0 {
		return fmt.Errorf("max inflight must not be negative, got %d", c.MaxInflight)
	}
	if c.RegisterRate < 0 {
		return fmt.Errorf("register rate must not be negative, got %g", c.RegisterRate)
	}
	if c.RegisterRate > 0 && c.RegisterBurst <= 0 {
		return fmt.Errorf("register burst must be positive when a register rate is set, got %d", c.RegisterBurst)
	}
	return nil
}
