// Package pricing turns cart contents, a delivery destination and a discount
// breakdown into the authoritative pricing snapshot, and tracks one view's
// progress through remote discount computations.
package pricing

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/xenking/kart-sync/internal/domain/cart"
	"github.com/xenking/kart-sync/internal/domain/discount"
	"github.com/xenking/kart-sync/internal/domain/shipping"
)

// DefaultDiscountTimeout caps a single discount computation.
const DefaultDiscountTimeout = 15 * time.Second

// State is the engine's position in the discount cycle.
type State int

const (
	// Idle means no inputs have been received yet.
	Idle State = iota
	// AwaitingDiscount means a discount computation for the latest inputs is
	// in flight; the previous snapshot is still shown.
	AwaitingDiscount
	// Ready means the snapshot reflects the latest inputs.
	Ready
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingDiscount:
		return "awaiting_discount"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

// Inputs is everything a view feeds into pricing.
type Inputs struct {
	Cart            cart.Cart
	Destination     *shipping.Destination
	PointsRequested int64
	PointsAvailable int64
	AuthToken       string
}

// Status is a consistent view of an engine at one revision.
type Status struct {
	State    State
	Snapshot Snapshot
	// Discount is the breakdown the snapshot was computed with.
	Discount discount.Result
	// Points is the clamped points figure of the latest request.
	Points int64
	// Failure is the last discount failure for the latest inputs, if any.
	Failure error
	// Retryable is set when the user may retry the discount computation,
	// after a failure or a request exceeding the time cap.
	Retryable bool
	// Revision increases on every change; listeners use it to discard
	// notifications delivered out of order.
	Revision uint64
}

// DiscountComputer computes discounts; *discount.Service implements it.
type DiscountComputer interface {
	Compute(ctx context.Context, in discount.Input) discount.Result
}

type requestKey struct {
	subtotal string
	points   int64
	token    string
}

// shown holds what the current snapshot was priced from, so a destination
// change can be reflected while the discount for newer inputs is unknown.
type shown struct {
	cart   cart.Cart
	points int64
	result discount.Result
}

// Engine is the per-view pricing state machine:
//
//	Idle -> AwaitingDiscount -> Ready
//
// It re-enters AwaitingDiscount whenever the subtotal, points or account
// differ from the last submitted request. Responses are matched against the
// most recent request: a response to an older request is dropped even if it
// arrives last.
type Engine struct {
	calc      *Calculator
	discounts DiscountComputer
	timeout   time.Duration
	lg        *zap.Logger

	mu         sync.Mutex
	state      State
	inputs     Inputs
	points     int64
	seq        uint64
	pending    bool
	pendingKey requestKey
	applied    discount.Result
	appliedKey requestKey
	hasApplied bool
	// timedOutKey is the tuple whose computation exceeded the time cap; it
	// is only requested again on Retry.
	timedOutKey requestKey
	timedOut    bool
	shown       shown
	snapshot    Snapshot
	failure    error
	retryable  bool
	revision   uint64
	listeners  map[int]func(Status)
	nextID     int

	inflight sync.WaitGroup
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithDiscountTimeout overrides DefaultDiscountTimeout.
func WithDiscountTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithEngineLogger sets the engine logger.
func WithEngineLogger(lg *zap.Logger) EngineOption {
	return func(e *Engine) {
		if lg != nil {
			e.lg = lg
		}
	}
}

// NewEngine creates an idle Engine.
func NewEngine(calc *Calculator, discounts DiscountComputer, opts ...EngineOption) *Engine {
	e := &Engine{
		calc:      calc,
		discounts: discounts,
		timeout:   DefaultDiscountTimeout,
		lg:        zap.NewNop(),
		listeners: make(map[int]func(Status)),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// OnChange registers fn to be called after every status change. It returns
// a function removing the listener.
func (e *Engine) OnChange(fn func(Status)) (remove func()) {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

// Status returns the current status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked()
}

func (e *Engine) statusLocked() Status {
	return Status{
		State:     e.state,
		Snapshot:  e.snapshot,
		Discount:  e.applied,
		Points:    e.points,
		Failure:   e.failure,
		Retryable: e.retryable,
		Revision:  e.revision,
	}
}

// Recompute feeds new inputs. When the discount-relevant tuple is unchanged
// the snapshot is recomputed synchronously; otherwise a discount computation
// starts in the background and the previous snapshot keeps being served
// until it completes. Guest sessions never go to the network and are priced
// synchronously.
func (e *Engine) Recompute(ctx context.Context, in Inputs) {
	in.Cart = in.Cart.Clone()
	points := ClampPoints(in.PointsRequested, in.PointsAvailable)
	if in.AuthToken == "" {
		points = 0
	}
	k := requestKey{subtotal: in.Cart.Subtotal().String(), points: points, token: in.AuthToken}

	e.mu.Lock()
	e.inputs = in
	e.points = points

	switch {
	case e.hasApplied && e.appliedKey == k:
		// Only shipping or line composition changed; a pending request for
		// another tuple is now stale.
		e.seq++
		e.pending = false
		e.timedOut = false
		e.failure = e.applied.Failure
		e.retryable = e.applied.Failed()
		e.applyLocked(e.applied)
		e.notifyLocked()
		return
	case e.pending && e.pendingKey == k:
		// The in-flight request already covers this tuple and will price
		// the latest inputs when it lands.
		e.reshipLocked()
		e.notifyLocked()
		return
	case e.timedOut && e.timedOutKey == k:
		e.reshipLocked()
		e.notifyLocked()
		return
	case in.AuthToken == "":
		e.seq++
		e.pending = false
		e.timedOut = false
		e.hasApplied = true
		e.appliedKey = k
		e.applied = discount.Zero()
		e.failure = nil
		e.retryable = false
		e.applyLocked(e.applied)
		e.notifyLocked()
		return
	}

	e.seq++
	seq := e.seq
	e.pending = true
	e.pendingKey = k
	e.timedOut = false
	e.retryable = false
	e.failure = nil
	if e.state == Idle {
		// Nothing shown yet: serve a provisional snapshot without discount
		// so the total is always defined.
		e.shown = shown{cart: in.Cart, points: points, result: discount.Zero()}
	}
	e.reshipLocked()
	e.state = AwaitingDiscount
	e.notifyLocked()

	e.inflight.Add(1)
	go e.fetch(context.WithoutCancel(ctx), seq, k, discount.Input{
		Subtotal:  in.Cart.Subtotal(),
		Points:    points,
		AuthToken: in.AuthToken,
	})
}

func (e *Engine) fetch(ctx context.Context, seq uint64, k requestKey, in discount.Input) {
	defer e.inflight.Done()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	res := e.discounts.Compute(ctx, in)

	e.mu.Lock()
	if seq != e.seq {
		e.mu.Unlock()
		e.lg.Debug("dropping stale discount response",
			zap.String("subtotal", k.subtotal),
			zap.Int64("points", k.points),
		)
		return
	}
	e.pending = false

	if res.Failed() && errors.Is(res.Failure, context.DeadlineExceeded) {
		// Keep serving the previous snapshot; the user may retry.
		e.timedOut = true
		e.timedOutKey = k
		e.failure = res.Failure
		e.retryable = true
		e.notifyLocked()
		return
	}

	e.hasApplied = true
	e.appliedKey = k
	e.applied = res
	e.failure = res.Failure
	e.retryable = res.Failed()
	e.applyLocked(res)
	e.notifyLocked()
}

// applyLocked recomputes the snapshot from the latest inputs and res and
// moves to Ready. e.mu must be held.
func (e *Engine) applyLocked(res discount.Result) {
	e.shown = shown{cart: e.inputs.Cart, points: e.points, result: res}
	e.reshipLocked()
	e.state = Ready
}

// reshipLocked reprices the shown snapshot for the latest destination without
// changing state. e.mu must be held.
func (e *Engine) reshipLocked() {
	e.snapshot = e.calc.ComputeSnapshot(e.shown.cart, e.inputs.Destination, e.shown.points, e.shown.result)
}

// notifyLocked bumps the revision, releases e.mu and calls listeners with
// the resulting status.
func (e *Engine) notifyLocked() {
	e.revision++
	st := e.statusLocked()
	listeners := make([]func(Status), 0, len(e.listeners))
	for _, fn := range e.listeners {
		listeners = append(listeners, fn)
	}
	e.mu.Unlock()

	for _, fn := range listeners {
		fn(st)
	}
}

// Retry forgets the applied discount and requests it again for the latest
// inputs, for an explicit user retry.
func (e *Engine) Retry(ctx context.Context) {
	e.mu.Lock()
	if e.state == Idle {
		e.mu.Unlock()
		return
	}
	e.hasApplied = false
	e.pending = false
	e.timedOut = false
	in := e.inputs
	e.mu.Unlock()

	if inv, ok := e.discounts.(interface{ Invalidate() }); ok {
		inv.Invalidate()
	}
	e.Recompute(ctx, in)
}

// Wait blocks until all in-flight discount computations have returned.
func (e *Engine) Wait() {
	e.inflight.Wait()
}
