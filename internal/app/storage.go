package app

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xenking/kart-sync/internal/domain/cart"
	"github.com/xenking/kart-sync/internal/domain/checkout"
	"github.com/xenking/kart-sync/internal/eventbus"
	"github.com/xenking/kart-sync/internal/handler"
	"github.com/xenking/kart-sync/internal/storage/memory"
	"github.com/xenking/kart-sync/internal/storage/postgres"
	"github.com/xenking/kart-sync/internal/storage/redis"
	"github.com/xenking/kart-sync/pkg/health"
)

const (
	relayReadyTimeout = 3 * time.Second
	purgeInterval     = 10 * time.Minute
)

// storage is the wired cart backend.
type storage struct {
	slots   handler.SlotFactory
	journal handler.JournalFactory
	relay   handler.Relay
	ping    health.Pinger
	// run performs background maintenance until ctx is done. May be nil.
	run   func(ctx context.Context)
	close func()
}

func openStorage(ctx context.Context, lg *zap.Logger, cfg StorageConfig) (*storage, error) {
	switch cfg.Backend {
	case BackendRedis:
		return openRedis(ctx, lg, cfg)
	case BackendPostgres:
		return openPostgres(ctx, lg, cfg)
	default:
		slot := memory.NewSlot()
		return &storage{
			slots: func(id string) cart.Slot { return slot.Scoped(id) },
			ping:  slot,
			close: func() {},
		}, nil
	}
}

func sessionNamespace(cfg StorageConfig, id string) string {
	return cfg.Namespace + ":" + id
}

func openRedis(ctx context.Context, lg *zap.Logger, cfg StorageConfig) (*storage, error) {
	client, err := redis.NewClient(ctx, redis.Config{URL: cfg.RedisURL})
	if err != nil {
		return nil, errors.Wrap(err, "connect redis")
	}
	lg.Info("Using redis cart storage", zap.String("namespace", cfg.Namespace))

	return &storage{
		slots: func(id string) cart.Slot {
			return redis.NewSlot(client, sessionNamespace(cfg, id), cfg.TTL)
		},
		relay: func(ctx context.Context, id string, bus *eventbus.Bus) func() {
			return startBroadcaster(ctx, lg, client, sessionNamespace(cfg, id), bus)
		},
		ping:  redis.NewSlot(client, cfg.Namespace, 0),
		close: func() { _ = client.Close() },
	}, nil
}

// startBroadcaster relays the session's cart changes through Redis so other
// API instances serving the same session reload their views.
func startBroadcaster(ctx context.Context, lg *zap.Logger, client *goredis.Client, namespace string, bus *eventbus.Bus) func() {
	b := redis.NewBroadcaster(client, namespace, bus, lg.Named("relay"))
	ctx, cancel := context.WithCancel(ctx)
	detach := b.Attach()
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := b.Run(ctx); err != nil {
			lg.Warn("Cart relay stopped", zap.String("namespace", namespace), zap.Error(err))
		}
	}()

	select {
	case <-b.Ready():
	case <-done:
	case <-time.After(relayReadyTimeout):
		lg.Warn("Cart relay not subscribed yet", zap.String("namespace", namespace))
	}
	return func() {
		detach()
		cancel()
		<-done
	}
}

func openPostgres(ctx context.Context, lg *zap.Logger, cfg StorageConfig) (*storage, error) {
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "create db pool")
	}
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "run migrations")
	}
	lg.Info("Using postgres cart storage", zap.String("namespace", cfg.Namespace))

	journal := postgres.NewJournal(pool, cfg.Namespace)
	return &storage{
		slots: func(id string) cart.Slot {
			return postgres.NewSlot(pool, sessionNamespace(cfg, id), cfg.TTL)
		},
		journal: func(string) checkout.Journal { return journal },
		ping:    pool,
		run: func(ctx context.Context) {
			ticker := time.NewTicker(purgeInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					n, err := postgres.PurgeExpired(ctx, pool)
					if err != nil {
						lg.Warn("Purge expired carts", zap.Error(err))
						continue
					}
					if n > 0 {
						lg.Info("Purged expired carts", zap.Int64("count", n))
					}
				}
			}
		},
		close: pool.Close,
	}, nil
}
