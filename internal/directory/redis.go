package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"pkt.systems/pslog"
)

const (
	servicePrefix  = "service:"
	instancePrefix = "instance:"
)

// record is the JSON document stored under service:<name>. The owning
// instance id is stored separately under instance:<name> so Withdraw can
// check ownership without decoding the record.
type record struct {
	Name      string    `json:"name"`
	Addr      string    `json:"addr"`
	Instance  string    `json:"instance"`
	Announced time.Time `json:"announced"`
}

type redisDirectory struct {
	client  *redis.Client
	ttl     time.Duration
	refresh time.Duration
	log     pslog.Logger

	mu      sync.Mutex
	entries map[string]record

	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func newRedis(ctx context.Context, cfg Config, log pslog.Logger) (*redisDirectory, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	d := &redisDirectory{
		client:  client,
		ttl:     cfg.TTL,
		refresh: cfg.Refresh,
		log:     log,
		entries: make(map[string]record),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go d.heartbeat()
	log.Info("service directory connected", "addr", cfg.Addr, "ttl", cfg.TTL.String())
	return d, nil
}

func (d *redisDirectory) Announce(ctx context.Context, name, addr, instanceID string) error {
	rec := record{Name: name, Addr: addr, Instance: instanceID, Announced: time.Now().UTC()}
	if err := d.write(ctx, rec); err != nil {
		return err
	}
	d.mu.Lock()
	d.entries[name] = rec
	d.mu.Unlock()
	return nil
}

func (d *redisDirectory) Withdraw(ctx context.Context, name, instanceID string) error {
	d.mu.Lock()
	if cur, ok := d.entries[name]; ok && cur.Instance == instanceID {
		delete(d.entries, name)
	}
	d.mu.Unlock()

	owner, err := d.client.Get(ctx, instancePrefix+name).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read record owner: %w", err)
	}
	if owner != instanceID {
		// Another registration took the name over; leave its record alone.
		return nil
	}
	pipe := d.client.Pipeline()
	pipe.Del(ctx, servicePrefix+name)
	pipe.Del(ctx, instancePrefix+name)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove service record: %w", err)
	}
	return nil
}

func (d *redisDirectory) write(ctx context.Context, rec record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode service record: %w", err)
	}
	pipe := d.client.Pipeline()
	pipe.Set(ctx, servicePrefix+rec.Name, payload, d.ttl)
	pipe.Set(ctx, instancePrefix+rec.Name, rec.Instance, d.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish service record: %w", err)
	}
	return nil
}

// heartbeat re-publishes tracked records so their TTLs never lapse while the
// relay is up.
func (d *redisDirectory) heartbeat() {
	defer close(d.done)
	ticker := time.NewTicker(d.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
		}

		d.mu.Lock()
		recs := make([]record, 0, len(d.entries))
		for _, rec := range d.entries {
			recs = append(recs, rec)
		}
		d.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), d.refresh)
		for _, rec := range recs {
			if err := d.write(ctx, rec); err != nil {
				d.log.Warn("directory refresh failed", "name", rec.Name, "error", err)
			}
		}
		cancel()
	}
}

func (d *redisDirectory) Close() error {
	d.closeOnce.Do(func() { close(d.stop) })
	<-d.done
	return d.client.Close()
}
