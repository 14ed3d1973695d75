// Package memory implements an in-process cart slot.
package memory

import (
	"context"
	"sync"

	"github.com/xenking/kart-sync/internal/domain/cart"
)

var _ cart.Slot = (*Slot)(nil)

// Slot keeps values in a map. Values are copied on the way in and out.
type Slot struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewSlot creates an empty Slot.
func NewSlot() *Slot {
	return &Slot{data: make(map[string][]byte)}
}

func (s *Slot) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, cart.ErrSlotEmpty
	}
	return clone(v), nil
}

func (s *Slot) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = clone(value)
	return nil
}

// Ping always succeeds; it satisfies the readiness check interface.
func (s *Slot) Ping(context.Context) error { return nil }

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Scoped returns a slot that shares s's storage under namespace. Two scoped
// slots with the same namespace see the same values.
func (s *Slot) Scoped(namespace string) cart.Slot {
	return scoped{slot: s, prefix: namespace + ":"}
}

type scoped struct {
	slot   *Slot
	prefix string
}

func (s scoped) Get(ctx context.Context, key string) ([]byte, error) {
	return s.slot.Get(ctx, s.prefix+key)
}

func (s scoped) Set(ctx context.Context, key string, value []byte) error {
	return s.slot.Set(ctx, s.prefix+key, value)
}
