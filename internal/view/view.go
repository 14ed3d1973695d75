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
	"github.com/xenking/kart-sync/internal/domain/shipping"
	"github.com/xenking/kart-sync/internal/eventbus"
)

var (
	// ErrNotMounted is returned by operations on an unmounted view.
	ErrNotMounted = errors.New("view is not mounted")
	// ErrNotCheckout is returned when a non-checkout view places an order.
	ErrNotCheckout = errors.New("orders are placed from the checkout view")
	// ErrCheckoutUnavailable is returned when the session has no checkout
	// service.
	ErrCheckoutUnavailable = errors.New("checkout unavailable")
)

// View is one mounted screen. Its points request and destination are local;
// cart contents are shared through the session store.
//
// pricingUpdated handlers run while the view is re-pricing and must not call
// back into the same view synchronously.
type View struct {
	kind   Kind
	sess   *Session
	engine *pricing.Engine
	lg     *zap.Logger

	// recompute serializes load+recompute so the engine always sees the
	// inputs in the order they were read.
	recompute sync.Mutex

	mu          sync.Mutex
	mounted     bool
	base        context.Context
	items       cart.Cart
	points      int64
	destination *shipping.Destination
	unsubscribe []func()
}

func newView(s *Session, kind Kind) *View {
	lg := s.lg.With(zap.Stringer("view", kind))
	opts := append([]pricing.EngineOption{pricing.WithEngineLogger(lg)}, s.cfg.EngineOptions...)
	return &View{
		kind:   kind,
		sess:   s,
		engine: pricing.NewEngine(s.cfg.Pricing, s.cfg.Discounts, opts...),
		lg:     lg,
	}
}

// Kind returns the view kind.
func (v *View) Kind() Kind { return v.kind }

// Session returns the session the view belongs to.
func (v *View) Session() *Session { return v.sess }

func (v *View) mount(ctx context.Context) {
	base := context.WithoutCancel(ctx)

	v.mu.Lock()
	v.mounted = true
	v.base = base
	v.unsubscribe = []func(){
		v.sess.cfg.Bus.Subscribe(eventbus.TopicCartUpdated, func(ctx context.Context, _ eventbus.Event) error {
			v.refresh(ctx)
			return nil
		}),
		v.engine.OnChange(v.publish),
	}
	v.mu.Unlock()

	v.refresh(ctx)
}

func (v *View) unmount() {
	v.mu.Lock()
	unsub := v.unsubscribe
	v.unsubscribe = nil
	v.mounted = false
	v.mu.Unlock()

	for _, fn := range unsub {
		fn()
	}
}

// Mounted reports whether the view still follows cart changes.
func (v *View) Mounted() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.mounted
}

func (v *View) publish(st pricing.Status) {
	v.mu.Lock()
	ctx := v.base
	mounted := v.mounted
	v.mu.Unlock()
	if !mounted {
		return
	}

	_ = v.sess.cfg.Bus.Publish(ctx, eventbus.TopicPricingUpdated, PricingUpdate{
		SessionID: v.sess.ID(),
		Kind:      v.kind,
		Status:    st,
	})
}

// refresh reloads the cart and re-prices with the view's current inputs.
func (v *View) refresh(ctx context.Context) {
	v.recompute.Lock()
	defer v.recompute.Unlock()

	if !v.Mounted() {
		return
	}
	items := v.sess.cfg.Store.Load(ctx)

	v.mu.Lock()
	v.items = items
	in := v.inputsLocked()
	v.mu.Unlock()

	v.engine.Recompute(ctx, in)
}

// update applies fn to the local inputs and re-prices without reloading the
// cart.
func (v *View) update(ctx context.Context, fn func()) error {
	v.recompute.Lock()
	defer v.recompute.Unlock()

	v.mu.Lock()
	if !v.mounted {
		v.mu.Unlock()
		return ErrNotMounted
	}
	fn()
	in := v.inputsLocked()
	v.mu.Unlock()

	v.engine.Recompute(ctx, in)
	return nil
}

func (v *View) inputsLocked() pricing.Inputs {
	return pricing.Inputs{
		Cart:            v.items,
		Destination:     v.destination,
		PointsRequested: v.points,
		PointsAvailable: v.sess.PointsAvailable(),
		AuthToken:       v.sess.cfg.AuthToken,
	}
}

// SetPoints sets the number of reward points the buyer wants to redeem.
// Out-of-range values are clamped when priced.
func (v *View) SetPoints(ctx context.Context, points int64) error {
	return v.update(ctx, func() { v.points = points })
}

// SetDestination sets the delivery destination; nil clears it.
func (v *View) SetDestination(ctx context.Context, dest *shipping.Destination) error {
	if dest != nil {
		cp := *dest
		dest = &cp
	}
	return v.update(ctx, func() { v.destination = dest })
}

// AddItem adds item to the shared cart.
func (v *View) AddItem(ctx context.Context, item cart.Item) error {
	if !v.Mounted() {
		return ErrNotMounted
	}
	return v.sess.cfg.Store.AddOrMerge(ctx, item)
}

// ChangeQuantity sets the quantity of a cart line; zero or less removes it.
func (v *View) ChangeQuantity(ctx context.Context, k cart.Key, quantity int) error {
	if !v.Mounted() {
		return ErrNotMounted
	}
	return v.sess.cfg.Store.SetQuantity(ctx, k, quantity)
}

// RemoveItem removes a cart line.
func (v *View) RemoveItem(ctx context.Context, k cart.Key) error {
	if !v.Mounted() {
		return ErrNotMounted
	}
	return v.sess.cfg.Store.Remove(ctx, k)
}

// Retry requests the discount again after a failure or timeout.
func (v *View) Retry(ctx context.Context) error {
	if !v.Mounted() {
		return ErrNotMounted
	}
	v.recompute.Lock()
	defer v.recompute.Unlock()
	v.engine.Retry(ctx)
	return nil
}

// Status returns the pricing status of the view.
func (v *View) Status() pricing.Status {
	return v.engine.Status()
}

// Wait blocks until the view's in-flight discount computations return.
func (v *View) Wait() {
	v.engine.Wait()
}

// Render returns the view model.
func (v *View) Render() Model {
	v.mu.Lock()
	items := v.items.Clone()
	points := v.points
	var dest *shipping.Destination
	if v.destination != nil {
		cp := *v.destination
		dest = &cp
	}
	v.mu.Unlock()

	return v.model(items, points, dest, v.engine.Status())
}

func (v *View) model(items cart.Cart, points int64, dest *shipping.Destination, st pricing.Status) Model {
	ship := v.sess.cfg.Pricing.Shipping()
	m := Model{
		Kind:            v.kind,
		Items:           items.Items,
		Quantity:        items.TotalQuantity(),
		State:           st.State,
		Snapshot:        st.Snapshot,
		DiscountReason:  st.Discount.PrimaryReason(),
		DiscountReasons: append([]string(nil), st.Discount.Reasons...),
		PointsRequested: points,
		PointsApplied:   st.Snapshot.PointsUsed,
		PointsAvailable: v.sess.PointsAvailable(),
		Destination:     dest,
		FreeShipping:    ship.QualifiesForFree(st.Snapshot.Subtotal),
		Retryable:       st.Retryable,
		Revision:        st.Revision,
	}
	if !m.FreeShipping {
		m.UntilFreeShipping = ship.FreeThreshold().Sub(st.Snapshot.Subtotal)
	}
	if st.Failure != nil {
		m.Failure = failureMessage(st.Failure)
	}
	return m
}

// failureMessage prefers the server's message over the wrapped chain.
func failureMessage(err error) string {
	var se *commerce.StatusError
	if errors.As(err, &se) && se.Message != "" {
		return se.Message
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "Discount is taking too long. Try again."
	}
	return "Discount could not be applied."
}

// OrderForm is the buyer-entered part of an order.
type OrderForm struct {
	Contact       commerce.Contact
	PaymentMethod string
	AttachmentID  string
}

// PlaceOrder submits the order priced exactly as the view currently renders
// it. Only the checkout view places orders.
func (v *View) PlaceOrder(ctx context.Context, form OrderForm) (*checkout.Result, error) {
	if v.kind != Checkout {
		return nil, ErrNotCheckout
	}
	if v.sess.cfg.Checkout == nil {
		return nil, ErrCheckoutUnavailable
	}

	// Hold the recompute lock so the snapshot cannot move while the order
	// is being built.
	v.recompute.Lock()
	v.mu.Lock()
	if !v.mounted {
		v.mu.Unlock()
		v.recompute.Unlock()
		return nil, ErrNotMounted
	}
	items := v.items.Clone()
	dest := v.destination
	v.mu.Unlock()
	st := v.engine.Status()
	v.recompute.Unlock()

	return v.sess.cfg.Checkout.Submit(ctx, checkout.Request{
		Token:          v.sess.cfg.AuthToken,
		Pricing:        st,
		Cart:           items,
		Destination:    dest,
		Contact:        form.Contact,
		PaymentMethod:  form.PaymentMethod,
		AttachmentID:   form.AttachmentID,
		DiscountReason: st.Discount.PrimaryReason(),
	})
}
