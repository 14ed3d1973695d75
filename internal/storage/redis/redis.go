// Package redis stores carts in Redis and relays cart changes between
// processes sharing the same store.
package redis

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/xenking/kart-sync/internal/domain/cart"
)

const keyNamespace = "kart"

// Config selects and tunes the Redis connection.
type Config struct {
	URL          string
	Address      string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewClient connects to Redis and verifies connectivity.
func NewClient(ctx context.Context, cfg Config) (*goredis.Client, error) {
	opts, err := optionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	c := goredis.NewClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return c, nil
}

func optionsFromConfig(cfg Config) (*goredis.Options, error) {
	if cfg.URL == "" && cfg.Address == "" {
		return nil, errors.New("redis url or address is required")
	}
	var opts *goredis.Options
	if cfg.URL != "" {
		parsed, err := goredis.ParseURL(cfg.URL)
		if err != nil {
			return nil, errors.Wrap(err, "parse redis url")
		}
		opts = parsed
	} else {
		opts = &goredis.Options{
			Addr:     cfg.Address,
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}
	if opts.PoolSize == 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
	return opts, nil
}

func key(namespace, name string) string {
	return keyNamespace + ":" + namespace + ":" + name
}

func channel(namespace string) string {
	return keyNamespace + ":" + namespace + ":changes"
}

var _ cart.Slot = (*Slot)(nil)

// Slot is a cart slot scoped to one namespace, usually a session id.
type Slot struct {
	client    goredis.Cmdable
	namespace string
	ttl       time.Duration
}

// NewSlot creates a Slot. A zero ttl keeps values forever.
func NewSlot(client goredis.Cmdable, namespace string, ttl time.Duration) *Slot {
	return &Slot{client: client, namespace: namespace, ttl: ttl}
}

func (s *Slot) Get(ctx context.Context, name string) ([]byte, error) {
	data, err := s.client.Get(ctx, key(s.namespace, name)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, cart.ErrSlotEmpty
	}
	if err != nil {
		return nil, errors.Wrap(err, "redis get")
	}
	return data, nil
}

func (s *Slot) Set(ctx context.Context, name string, value []byte) error {
	if err := s.client.Set(ctx, key(s.namespace, name), value, s.ttl).Err(); err != nil {
		return errors.Wrap(err, "redis set")
	}
	return nil
}

// Ping checks connectivity.
func (s *Slot) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
