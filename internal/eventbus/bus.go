// Package eventbus is a synchronous, in-process publish/subscribe channel used
// to keep independently mounted views in step with the shared cart.
//
// Publish calls every current subscriber of a topic on the caller's
// goroutine, in subscription order. A subscriber that returns an error or
// panics is isolated: the remaining subscribers still run and the failure is
// logged and returned in aggregate.
package eventbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Topic names a stream of notifications.
type Topic string

const (
	// TopicCartUpdated fires after every persisted cart mutation. It carries
	// no required payload; subscribers re-read the cart from the store.
	TopicCartUpdated Topic = "cartUpdated"
	// TopicPricingUpdated fires when a view applies a new pricing snapshot.
	TopicPricingUpdated Topic = "pricingUpdated"
)

// Event is delivered to subscribers.
type Event struct {
	Topic   Topic
	Payload any
}

// Handler reacts to a published event.
type Handler func(ctx context.Context, ev Event) error

// PanicError wraps a value recovered from a panicking handler.
type PanicError struct {
	Subscriber string
	Value      any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("subscriber %s panicked: %v", e.Subscriber, e.Value)
}

type subscription struct {
	id      string
	handler Handler
}

// Bus dispatches events to subscribers. The zero value is not usable; call New.
type Bus struct {
	lg       *zap.Logger
	failures metric.Int64Counter

	mu   sync.RWMutex
	subs map[Topic][]*subscription
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used to report isolated handler failures.
func WithLogger(lg *zap.Logger) Option {
	return func(b *Bus) {
		if lg != nil {
			b.lg = lg
		}
	}
}

// WithMeterProvider records handler failures on the given provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(b *Bus) {
		if mp == nil {
			return
		}
		c, err := mp.Meter("kart-sync/eventbus").Int64Counter("eventbus.handler.failures",
			metric.WithDescription("Subscriber invocations that returned an error or panicked"),
		)
		if err == nil {
			b.failures = c
		}
	}
}

// New creates an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		lg:   zap.NewNop(),
		subs: make(map[Topic][]*subscription),
	}
	b.failures, _ = noop.NewMeterProvider().Meter("").Int64Counter("")
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe registers h for topic and returns a function removing it.
// Calling the returned function more than once is a no-op.
func (b *Bus) Subscribe(topic Topic, h Handler) (unsubscribe func()) {
	s := &subscription{id: uuid.NewString(), handler: h}

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], s)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(topic, s) })
	}
}

func (b *Bus) remove(topic Topic, s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.subs[topic]
	next := make([]*subscription, 0, len(current))
	for _, c := range current {
		if c != s {
			next = append(next, c)
		}
	}
	if len(next) == 0 {
		delete(b.subs, topic)
		return
	}
	b.subs[topic] = next
}

// Subscribers returns the number of handlers currently registered for topic.
func (b *Bus) Subscribers(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Publish delivers payload to every subscriber of topic registered at the
// moment of the call. Handlers run without the bus lock held, so they may
// publish, subscribe or unsubscribe themselves.
//
// The returned error aggregates handler failures; it never means delivery
// was cut short.
func (b *Bus) Publish(ctx context.Context, topic Topic, payload any) error {
	b.mu.RLock()
	subs := make([]*subscription, len(b.subs[topic]))
	copy(subs, b.subs[topic])
	b.mu.RUnlock()

	ev := Event{Topic: topic, Payload: payload}

	var errs error
	for _, s := range subs {
		if err := b.deliver(ctx, s, ev); err != nil {
			b.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", string(topic))))
			b.lg.Warn("subscriber failed",
				zap.String("topic", string(topic)),
				zap.String("subscriber", s.id),
				zap.Error(err),
			)
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (b *Bus) deliver(ctx context.Context, s *subscription, ev Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &PanicError{Subscriber: s.id, Value: rec}
		}
	}()
	if err := s.handler(ctx, ev); err != nil {
		return errors.Wrapf(err, "subscriber %s", s.id)
	}
	return nil
}
