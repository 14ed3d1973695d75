// Package view holds the per-screen adapters that render cart pricing. Each
// view owns a pricing engine and its own points and destination inputs, and
// reloads the shared cart whenever it changes.
package view

import (
	"context"
	"sync"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/xenking/kart-sync/internal/commerce"
	"github.com/xenking/kart-sync/internal/domain/cart"
	"github.com/xenking/kart-sync/internal/domain/checkout"
	"github.com/xenking/kart-sync/internal/domain/pricing"
	"github.com/xenking/kart-sync/internal/eventbus"
)

// ProfileFetcher returns the profile of an account; *commerce.Client
// implements it.
type ProfileFetcher interface {
	Profile(ctx context.Context, token string) (*commerce.Profile, error)
}

// Store is the cart surface views need.
type Store interface {
	cart.Reader
	cart.Writer
}

// SessionConfig lists the collaborators of a browsing session.
type SessionConfig struct {
	ID        string
	AuthToken string
	Store     Store
	Bus       *eventbus.Bus
	Discounts pricing.DiscountComputer
	Pricing   *pricing.Calculator
	Checkout  *checkout.Service
	Profiles  ProfileFetcher
	Logger    *zap.Logger
	// EngineOptions are applied to every view's pricing engine.
	EngineOptions []pricing.EngineOption
}

// Session is one browsing session: the shared cart, bus and discount service
// plus the views mounted on them.
type Session struct {
	cfg SessionConfig
	lg  *zap.Logger

	mu              sync.Mutex
	pointsAvailable int64
	profile         *commerce.Profile
	views           map[Kind]*View
}

// NewSession creates a Session with no mounted views.
func NewSession(cfg SessionConfig) *Session {
	lg := cfg.Logger
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Session{
		cfg:   cfg,
		lg:    lg.With(zap.String("session", cfg.ID)),
		views: make(map[Kind]*View),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.cfg.ID }

// Authenticated reports whether the session carries an auth token.
func (s *Session) Authenticated() bool { return s.cfg.AuthToken != "" }

// Store returns the session cart store.
func (s *Session) Store() Store { return s.cfg.Store }

// Bus returns the session event bus.
func (s *Session) Bus() *eventbus.Bus { return s.cfg.Bus }

// LoadProfile fetches the account's reward-point balance and re-prices
// mounted views with it. Guest sessions have no balance and skip the call.
func (s *Session) LoadProfile(ctx context.Context) error {
	if !s.Authenticated() || s.cfg.Profiles == nil {
		return nil
	}
	p, err := s.cfg.Profiles.Profile(ctx, s.cfg.AuthToken)
	if err != nil {
		return errors.Wrap(err, "load profile")
	}

	s.mu.Lock()
	s.profile = p
	s.pointsAvailable = max(0, p.RewardPoints)
	views := s.mountedLocked()
	s.mu.Unlock()

	for _, v := range views {
		v.refresh(ctx)
	}
	return nil
}

// Profile returns the loaded profile, or nil.
func (s *Session) Profile() *commerce.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile
}

// PointsAvailable returns the reward-point balance, zero until the profile is
// loaded.
func (s *Session) PointsAvailable() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pointsAvailable
}

// Mount creates and mounts a view of kind. Mounting an already mounted kind
// returns the existing view.
func (s *Session) Mount(ctx context.Context, kind Kind) *View {
	s.mu.Lock()
	if v, ok := s.views[kind]; ok {
		s.mu.Unlock()
		return v
	}
	v := newView(s, kind)
	s.views[kind] = v
	s.mu.Unlock()

	v.mount(ctx)
	return v
}

// MountAll mounts every view kind.
func (s *Session) MountAll(ctx context.Context) {
	for _, k := range Kinds() {
		s.Mount(ctx, k)
	}
}

// View returns the mounted view of kind.
func (s *Session) View(kind Kind) (*View, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.views[kind]
	return v, ok
}

// Unmount detaches the view of kind, if mounted.
func (s *Session) Unmount(kind Kind) {
	s.mu.Lock()
	v, ok := s.views[kind]
	delete(s.views, kind)
	s.mu.Unlock()

	if ok {
		v.unmount()
	}
}

// Close unmounts every view and waits for in-flight discount computations.
func (s *Session) Close() {
	s.mu.Lock()
	views := s.mountedLocked()
	s.views = make(map[Kind]*View)
	s.mu.Unlock()

	for _, v := range views {
		v.unmount()
	}
	for _, v := range views {
		v.Wait()
	}
}

// Wait blocks until no mounted view has a discount computation in flight.
func (s *Session) Wait() {
	s.mu.Lock()
	views := s.mountedLocked()
	s.mu.Unlock()
	for _, v := range views {
		v.Wait()
	}
}

func (s *Session) mountedLocked() []*View {
	out := make([]*View, 0, len(s.views))
	for _, k := range Kinds() {
		if v, ok := s.views[k]; ok {
			out = append(out, v)
		}
	}
	return out
}
