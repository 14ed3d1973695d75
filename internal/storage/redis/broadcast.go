package redis

import (
	"context"
	"sync"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xenking/kart-sync/internal/eventbus"
)

// RemoteChange is the payload of a cartUpdated event relayed from another
// process.
type RemoteChange struct {
	Origin string
}

// Broadcaster relays cartUpdated between processes over a Redis channel.
// Local changes are published with the broadcaster's origin id; messages
// carrying its own origin are ignored.
type Broadcaster struct {
	client    *goredis.Client
	channel   string
	origin    string
	bus       *eventbus.Bus
	lg        *zap.Logger
	ready     chan struct{}
	readyOnce sync.Once
}

// NewBroadcaster creates a Broadcaster for namespace relaying to bus.
func NewBroadcaster(client *goredis.Client, namespace string, bus *eventbus.Bus, lg *zap.Logger) *Broadcaster {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Broadcaster{
		client:  client,
		channel: channel(namespace),
		origin:  uuid.NewString(),
		bus:     bus,
		lg:      lg,
		ready:   make(chan struct{}),
	}
}

// Origin is the id attached to changes published by this process.
func (b *Broadcaster) Origin() string { return b.origin }

// Ready is closed once Run has subscribed to the channel.
func (b *Broadcaster) Ready() <-chan struct{} { return b.ready }

// Attach forwards local cartUpdated events to Redis until the returned
// function is called.
func (b *Broadcaster) Attach() (detach func()) {
	return b.bus.Subscribe(eventbus.TopicCartUpdated, func(ctx context.Context, ev eventbus.Event) error {
		if _, remote := ev.Payload.(RemoteChange); remote {
			return nil
		}
		if err := b.client.Publish(ctx, b.channel, b.origin).Err(); err != nil {
			return errors.Wrap(err, "publish cart change")
		}
		return nil
	})
}

// Run receives changes from other processes and republishes them on the
// local bus until ctx is done.
func (b *Broadcaster) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return errors.Wrap(err, "subscribe")
	}
	b.readyOnce.Do(func() { close(b.ready) })

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			if msg.Payload == b.origin {
				continue
			}
			if err := b.bus.Publish(ctx, eventbus.TopicCartUpdated, RemoteChange{Origin: msg.Payload}); err != nil {
				b.lg.Warn("relay cart change", zap.String("origin", msg.Payload), zap.Error(err))
			}
		}
	}
}
