package handler

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/xenking/kart-sync/internal/domain/cart"
	"github.com/xenking/kart-sync/internal/domain/checkout"
	"github.com/xenking/kart-sync/internal/domain/discount"
	"github.com/xenking/kart-sync/internal/domain/pricing"
	"github.com/xenking/kart-sync/internal/eventbus"
	"github.com/xenking/kart-sync/internal/view"
)

// DefaultIdleTimeout is how long an unused session stays in memory.
const DefaultIdleTimeout = 30 * time.Minute

// Backend is the remote commerce API; *commerce.Client implements it.
type Backend interface {
	discount.Calculator
	checkout.OrderCreator
	view.ProfileFetcher
}

// SlotFactory returns the cart slot of a session.
type SlotFactory func(sessionID string) cart.Slot

// JournalFactory returns the order journal of a session.
type JournalFactory func(sessionID string) checkout.Journal

// Relay connects a session bus to other processes sharing its cart. The
// returned function disconnects it.
type Relay func(ctx context.Context, sessionID string, bus *eventbus.Bus) (stop func())

// RegistryConfig lists what every session is built from.
type RegistryConfig struct {
	Backend     Backend
	Slots       SlotFactory
	Pricing     *pricing.Calculator
	Attachments *checkout.Attachments
	// Journal and Relay are optional.
	Journal       JournalFactory
	Relay         Relay
	IdleTimeout   time.Duration
	EngineOptions []pricing.EngineOption

	Logger         *zap.Logger
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
}

type entry struct {
	sess     *view.Session
	token    string
	lastSeen time.Time
	stop     func()
}

// Registry owns the live sessions, keyed by session id.
type Registry struct {
	cfg   RegistryConfig
	lg    *zap.Logger
	now   func() time.Time
	group singleflight.Group

	mu       sync.Mutex
	sessions map[string]*entry
	closed   bool

	active metric.Int64UpDownCounter
}

// NewRegistry creates an empty Registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = noop.NewMeterProvider()
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = tracenoop.NewTracerProvider()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}

	meter := cfg.MeterProvider.Meter("kart-sync/handler")
	active, _ := meter.Int64UpDownCounter("kart.sessions.active",
		metric.WithDescription("Sessions held in memory"),
	)

	return &Registry{
		cfg:      cfg,
		lg:       cfg.Logger,
		now:      time.Now,
		sessions: make(map[string]*entry),
		active:   active,
	}
}

// Session returns the session id, creating and bootstrapping it on first
// use. A different token for a known id replaces the session; the cart slot
// is shared, so the cart survives a sign-in.
func (r *Registry) Session(ctx context.Context, id, token string) (*view.Session, error) {
	if s, ok := r.lookup(id, token); ok {
		return s, nil
	}

	v, err, _ := r.group.Do(id+"\x00"+token, func() (any, error) {
		if s, ok := r.lookup(id, token); ok {
			return s, nil
		}
		// Concurrent callers share this bootstrap, so it must not die with
		// the first caller's request.
		e, err := r.create(context.WithoutCancel(ctx), id, token)
		if err != nil {
			return nil, err
		}
		return r.insert(id, e)
	})
	if err != nil {
		return nil, err
	}
	return v.(*view.Session), nil
}

func (r *Registry) lookup(id, token string) (*view.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok || e.token != token {
		return nil, false
	}
	e.lastSeen = r.now()
	return e.sess, true
}

func (r *Registry) insert(id string, e *entry) (*view.Session, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		closeEntry(e)
		return nil, errors.New("registry closed")
	}
	prev := r.sessions[id]
	r.sessions[id] = e
	r.mu.Unlock()

	if prev != nil {
		closeEntry(prev)
	} else {
		r.active.Add(context.Background(), 1)
	}
	return e.sess, nil
}

func (r *Registry) create(ctx context.Context, id, token string) (*entry, error) {
	lg := r.lg.With(zap.String("session", id))
	bus := eventbus.New(
		eventbus.WithLogger(lg),
		eventbus.WithMeterProvider(r.cfg.MeterProvider),
	)
	store := cart.NewStore(r.cfg.Slots(id), bus, lg)

	var opts []checkout.Option
	if r.cfg.Journal != nil {
		opts = append(opts, checkout.WithJournal(r.cfg.Journal(id)))
	}

	sess := view.NewSession(view.SessionConfig{
		ID:        id,
		AuthToken: token,
		Store:     store,
		Bus:       bus,
		Discounts: discount.NewService(r.cfg.Backend,
			discount.WithLogger(lg),
			discount.WithMeterProvider(r.cfg.MeterProvider),
			discount.WithTracerProvider(r.cfg.TracerProvider),
		),
		Pricing:       r.cfg.Pricing,
		Checkout:      checkout.NewService(r.cfg.Backend, store, r.cfg.Attachments, lg, opts...),
		Profiles:      r.cfg.Backend,
		Logger:        lg,
		EngineOptions: r.cfg.EngineOptions,
	})

	// Views and the profile load independently; a view mounted before the
	// balance arrives is re-priced by LoadProfile.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := sess.LoadProfile(gctx); err != nil {
			lg.Warn("load profile", zap.Error(err))
		}
		return nil
	})
	for _, k := range view.Kinds() {
		g.Go(func() error {
			sess.Mount(gctx, k)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		sess.Close()
		return nil, errors.Wrap(err, "bootstrap session")
	}

	e := &entry{sess: sess, token: token, lastSeen: r.now()}
	if r.cfg.Relay != nil {
		e.stop = r.cfg.Relay(ctx, id, bus)
	}
	lg.Debug("session created", zap.Bool("authenticated", token != ""))
	return e, nil
}

func closeEntry(e *entry) {
	if e.stop != nil {
		e.stop()
	}
	e.sess.Close()
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep closes sessions idle since before now minus the idle timeout and
// returns how many were closed.
func (r *Registry) Sweep(now time.Time) int {
	cutoff := now.Add(-r.cfg.IdleTimeout)

	r.mu.Lock()
	var stale []*entry
	for id, e := range r.sessions {
		if e.lastSeen.Before(cutoff) {
			stale = append(stale, e)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, e := range stale {
		closeEntry(e)
	}
	if n := len(stale); n > 0 {
		r.active.Add(context.Background(), -int64(n))
		r.lg.Debug("idle sessions closed", zap.Int("count", n))
	}
	return len(stale)
}

// Run sweeps idle sessions every interval until ctx is done, then closes
// every session.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.Close()
			return nil
		case t := <-ticker.C:
			r.Sweep(t)
		}
	}
}

// Close closes every session. Later calls to Session fail.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	all := r.sessions
	r.sessions = make(map[string]*entry)
	r.mu.Unlock()

	for _, e := range all {
		closeEntry(e)
	}
	if n := len(all); n > 0 {
		r.active.Add(context.Background(), -int64(n))
	}
}
