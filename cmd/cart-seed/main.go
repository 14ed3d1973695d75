// Command cart-seed writes a cart into a session's durable slot, for demos
// and for reproducing customer carts locally.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xenking/kart-sync/internal/domain/cart"
	"github.com/xenking/kart-sync/internal/eventbus"
	"github.com/xenking/kart-sync/internal/storage/postgres"
	"github.com/xenking/kart-sync/internal/storage/redis"
)

type options struct {
	backend     string
	redisURL    string
	databaseURL string
	namespace   string
	session     string
	file        string
	ttl         time.Duration
	replace     bool
}

func main() {
	var o options
	flag.StringVar(&o.backend, "backend", "redis", "cart storage: redis or postgres")
	flag.StringVar(&o.redisURL, "redis-url", "", "Redis URL (or REDIS_URL env)")
	flag.StringVar(&o.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&o.namespace, "namespace", "storefront", "storage namespace used by the API server")
	flag.StringVar(&o.session, "session", "", "session id to seed; a new one is issued when empty")
	flag.StringVar(&o.file, "file", "db/seed/cart.json", "path to a cartItems JSON array")
	flag.DurationVar(&o.ttl, "ttl", 720*time.Hour, "cart lifetime, 0 keeps it forever")
	flag.BoolVar(&o.replace, "replace", false, "clear the session's cart before adding items")
	flag.Parse()

	if o.redisURL == "" {
		o.redisURL = os.Getenv("REDIS_URL")
	}
	if o.databaseURL == "" {
		o.databaseURL = os.Getenv("DATABASE_URL")
	}
	if o.session == "" {
		o.session = uuid.NewString()
	} else if _, err := uuid.Parse(o.session); err != nil {
		slog.Error("session must be a uuid", slog.String("session", o.session))
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, o); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	slog.Info("seed completed", slog.String("session", o.session))
}

func readCart(path string) (cart.Cart, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cart.Cart{}, errors.Wrap(err, "read cart file")
	}
	c, err := cart.Decode(data)
	if err != nil {
		return cart.Cart{}, errors.Wrap(err, "parse cart file")
	}
	if c.IsEmpty() {
		return cart.Cart{}, errors.New("cart file has no items")
	}
	return c, nil
}

func run(ctx context.Context, o options) error {
	items, err := readCart(o.file)
	if err != nil {
		return err
	}
	slog.Info("read cart file", slog.String("path", o.file), slog.Int("items", len(items.Items)))

	bus := eventbus.New()
	namespace := o.namespace + ":" + o.session

	var slot cart.Slot
	switch o.backend {
	case "redis":
		if o.redisURL == "" {
			return errors.New("redis URL is required: set --redis-url or REDIS_URL")
		}
		client, err := redis.NewClient(ctx, redis.Config{URL: o.redisURL})
		if err != nil {
			return errors.Wrap(err, "connect redis")
		}
		defer func() { _ = client.Close() }()

		// Live API instances holding this session reload their views.
		detach := redis.NewBroadcaster(client, namespace, bus, zap.NewNop()).Attach()
		defer detach()
		slot = redis.NewSlot(client, namespace, o.ttl)
	case "postgres":
		if o.databaseURL == "" {
			return errors.New("database URL is required: set --database-url or DATABASE_URL")
		}
		pool, err := postgres.NewPool(ctx, o.databaseURL)
		if err != nil {
			return errors.Wrap(err, "connect to database")
		}
		defer pool.Close()

		slog.Info("running migrations")
		if err := postgres.RunMigrations(ctx, pool); err != nil {
			return errors.Wrap(err, "run migrations")
		}
		slot = postgres.NewSlot(pool, namespace, o.ttl)
	default:
		return errors.Errorf("unknown backend %q", o.backend)
	}

	store := cart.NewStore(slot, bus, zap.NewNop())
	if o.replace {
		if err := store.Clear(ctx); err != nil {
			return errors.Wrap(err, "clear cart")
		}
	}
	for _, it := range items.Items {
		if err := store.AddOrMerge(ctx, it); err != nil {
			return errors.Wrapf(err, "add %s", it.Key())
		}
	}

	c := store.Load(ctx)
	slog.Info("cart stored",
		slog.String("backend", o.backend),
		slog.Int("lines", len(c.Items)),
		slog.Int("quantity", c.TotalQuantity()),
		slog.String("subtotal", c.Subtotal().StringFixed(2)),
	)
	return nil
}
