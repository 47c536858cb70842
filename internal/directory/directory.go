package directory

import (
	"context"
	"fmt"
	"time"

	"pkt.systems/pslog"
)

// Defaults for the published record lifetime and its refresh cadence.
const (
	DefaultTTL     = time.Minute
	DefaultRefresh = 20 * time.Second
)

// Directory mirrors live registrations to an external store so other tools
// can discover services. The relay only ever writes; nothing in the data
// path reads the directory back.
type Directory interface {
	// Announce publishes a service record keyed by name.
	Announce(ctx context.Context, name, addr, instanceID string) error
	// Withdraw removes the record if instanceID still owns it.
	Withdraw(ctx context.Context, name, instanceID string) error
	// Close stops background refresh and releases the store connection.
	Close() error
}

// Config selects and tunes the directory backend.
type Config struct {
	// Addr is the Redis endpoint. Empty selects the no-op directory.
	Addr     string
	Password string
	DB       int

	// TTL is how long a published record lives without a refresh.
	TTL time.Duration
	// Refresh is the interval between record refreshes. Must be shorter
	// than TTL so records of a healthy relay never lapse.
	Refresh time.Duration
}

// New picks a backend from cfg: Redis when an address is set, otherwise the
// no-op directory.
func New(ctx context.Context, cfg Config, log pslog.Logger) (Directory, error) {
	if log == nil {
		log = pslog.NoopLogger()
	}
	if cfg.Addr == "" {
		log.Info("service directory disabled")
		return Noop(), nil
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Refresh <= 0 {
		cfg.Refresh = DefaultRefresh
	}
	if cfg.Refresh >= cfg.TTL {
		return nil, fmt.Errorf("directory refresh %s must be shorter than ttl %s", cfg.Refresh, cfg.TTL)
	}
	return newRedis(ctx, cfg, log)
}

// Noop returns a directory that accepts and discards everything.
func Noop() Directory { return noop{} }

type noop struct{}

func (noop) Announce(context.Context, string, string, string) error { return nil }
func (noop) Withdraw(context.Context, string, string) error         { return nil }
func (noop) Close() error                                           { return nil }
