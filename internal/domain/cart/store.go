package cart

import (
	"context"
	"sync"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/xenking/kart-sync/internal/eventbus"
)

// SlotKey is the key of the persisted cart record.
const SlotKey = "cartItems"

// ErrSlotEmpty is returned by a Slot when the key has never been written.
var ErrSlotEmpty = errors.New("slot empty")

// Slot is a durable key-value cell. Set must replace the whole value
// atomically.
type Slot interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

// Publisher delivers change notifications.
type Publisher interface {
	Publish(ctx context.Context, topic eventbus.Topic, payload any) error
}

// Reader is the read-only surface of a Store.
type Reader interface {
	Load(ctx context.Context) Cart
}

// Writer is the mutating surface of a Store.
type Writer interface {
	AddOrMerge(ctx context.Context, item Item) error
	SetQuantity(ctx context.Context, k Key, quantity int) error
	Remove(ctx context.Context, k Key) error
	Clear(ctx context.Context) error
}

var (
	_ Reader = (*Store)(nil)
	_ Writer = (*Store)(nil)
)

// Store owns the persisted cart. It is the only component that writes the
// cart slot; every mutation persists the full cart and then publishes
// eventbus.TopicCartUpdated before returning.
type Store struct {
	slot Slot
	bus  Publisher
	lg   *zap.Logger

	// mu serializes read-modify-write cycles of mutations.
	mu sync.Mutex
}

// NewStore creates a Store over slot publishing on bus.
func NewStore(slot Slot, bus Publisher, lg *zap.Logger) *Store {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Store{slot: slot, bus: bus, lg: lg}
}

// Load reads the persisted cart. Missing, unreadable or corrupt data yields
// an empty cart; Load never fails.
func (s *Store) Load(ctx context.Context) Cart {
	data, err := s.slot.Get(ctx, SlotKey)
	if err != nil {
		if !errors.Is(err, ErrSlotEmpty) {
			s.lg.Warn("cart slot unreadable", zap.Error(err))
		}
		return Cart{}
	}
	c, err := Decode(data)
	if err != nil {
		s.lg.Warn("cart slot corrupt, starting empty", zap.Error(err))
		return Cart{}
	}
	c.normalize()
	return c
}

// Save persists c, replacing prior contents. It does not notify subscribers;
// mutations use it before publishing.
func (s *Store) Save(ctx context.Context, c Cart) error {
	if err := s.slot.Set(ctx, SlotKey, Encode(c)); err != nil {
		return errors.Wrap(err, "save cart")
	}
	return nil
}

// AddOrMerge adds item or, when a line with the same key exists, increases
// its quantity.
func (s *Store) AddOrMerge(ctx context.Context, item Item) error {
	return s.mutate(ctx, func(c *Cart) error {
		return c.Merge(item)
	})
}

// SetQuantity updates the quantity of the line with key k. A quantity of
// zero or less removes it.
func (s *Store) SetQuantity(ctx context.Context, k Key, quantity int) error {
	return s.mutate(ctx, func(c *Cart) error {
		return c.SetQuantity(k, quantity)
	})
}

// Remove deletes the line with key k.
func (s *Store) Remove(ctx context.Context, k Key) error {
	return s.mutate(ctx, func(c *Cart) error {
		return c.Remove(k)
	})
}

// Clear empties the cart, e.g. after a confirmed order.
func (s *Store) Clear(ctx context.Context) error {
	return s.mutate(ctx, func(c *Cart) error {
		c.Items = nil
		return nil
	})
}

func (s *Store) mutate(ctx context.Context, fn func(c *Cart) error) error {
	s.mu.Lock()
	c := s.Load(ctx)
	if err := fn(&c); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.Save(ctx, c); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	// Publish outside the lock: subscribers reload through Load and may
	// mutate again.
	if s.bus != nil {
		_ = s.bus.Publish(ctx, eventbus.TopicCartUpdated, nil)
	}
	return nil
}
