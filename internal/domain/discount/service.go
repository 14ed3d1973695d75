// Package discount computes account-based discounts through the remote
// commerce API.
//
// Service memoizes the last successful computation by its input tuple so
// that views recomputing on every cart notification do not refetch unless
// the subtotal, points or account actually changed. Concurrent identical
// requests from sibling views are collapsed into a single remote call.
package discount

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Input is the tuple a discount is computed for. An empty AuthToken means a
// guest session.
type Input struct {
	Subtotal  decimal.Decimal
	Points    int64
	AuthToken string
}

type memoKey struct {
	subtotal string
	points   int64
	token    string
}

func keyOf(in Input) memoKey {
	return memoKey{subtotal: in.Subtotal.String(), points: in.Points, token: in.AuthToken}
}

func (k memoKey) String() string {
	return fmt.Sprintf("%s|%d|%s", k.subtotal, k.points, k.token)
}

type memo struct {
	key    memoKey
	result Result
}

// Service computes discounts for one browsing session.
type Service struct {
	remote Calculator
	lg     *zap.Logger
	tracer trace.Tracer

	requests metric.Int64Counter
	memoHits metric.Int64Counter

	group singleflight.Group

	mu          sync.Mutex
	last        *memo
	lastFailure error
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(lg *zap.Logger) Option {
	return func(s *Service) {
		if lg != nil {
			s.lg = lg
		}
	}
}

// WithTracerProvider enables spans around remote calls.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) {
		if tp != nil {
			s.tracer = tp.Tracer("kart-sync/discount")
		}
	}
}

// WithMeterProvider enables request and memo-hit counters.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Service) {
		if mp == nil {
			return
		}
		m := mp.Meter("kart-sync/discount")
		if c, err := m.Int64Counter("discount.requests",
			metric.WithDescription("Remote discount computations by outcome"),
		); err == nil {
			s.requests = c
		}
		if c, err := m.Int64Counter("discount.memo.hits",
			metric.WithDescription("Discount computations answered from the memo"),
		); err == nil {
			s.memoHits = c
		}
	}
}

// NewService creates a Service backed by remote.
func NewService(remote Calculator, opts ...Option) *Service {
	meter := metricnoop.NewMeterProvider().Meter("")
	requests, _ := meter.Int64Counter("")
	hits, _ := meter.Int64Counter("")

	s := &Service{
		remote:   remote,
		lg:       zap.NewNop(),
		tracer:   tracenoop.NewTracerProvider().Tracer(""),
		requests: requests,
		memoHits: hits,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Compute returns the discount for in. It never fails: guests get a zero
// result without a network call, and remote failures yield a zero result
// with Failure set. Negative points are treated as zero.
func (s *Service) Compute(ctx context.Context, in Input) Result {
	if in.AuthToken == "" {
		return Zero()
	}
	if in.Points < 0 {
		in.Points = 0
	}
	k := keyOf(in)

	if r, ok := s.memoized(k); ok {
		s.memoHits.Add(ctx, 1)
		return r
	}

	v, _, _ := s.group.Do(k.String(), func() (any, error) {
		if r, ok := s.memoized(k); ok {
			return r, nil
		}
		return s.fetch(ctx, k, in), nil
	})
	return cloneResult(v.(Result))
}

func (s *Service) memoized(k memoKey) (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil || s.last.key != k {
		return Result{}, false
	}
	return cloneResult(s.last.result), true
}

func (s *Service) fetch(ctx context.Context, k memoKey, in Input) Result {
	ctx, span := s.tracer.Start(ctx, "discount.Compute",
		trace.WithAttributes(
			attribute.String("discount.subtotal", k.subtotal),
			attribute.Int64("discount.points", in.Points),
		),
	)
	defer span.End()

	res, err := s.remote.CalculateDiscount(ctx, in.AuthToken, Request{
		Subtotal:    in.Subtotal,
		PointsToUse: in.Points,
	})
	if err == nil && res == nil {
		err = errors.New("empty discount response")
	}
	if err != nil {
		err = errors.Wrap(err, "calculate discount")
		span.RecordError(err)
		span.SetStatus(codes.Error, "discount failed")
		s.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failure")))
		s.lg.Warn("discount computation failed",
			zap.String("subtotal", k.subtotal),
			zap.Int64("points", in.Points),
			zap.Error(err),
		)

		s.mu.Lock()
		s.lastFailure = err
		s.mu.Unlock()

		r := Zero()
		r.Failure = err
		return r
	}

	r := sanitize(*res)
	s.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "success")))

	s.mu.Lock()
	s.last = &memo{key: k, result: r}
	s.lastFailure = nil
	s.mu.Unlock()

	return cloneResult(r)
}

// LastFailure returns the error of the most recent failed computation, or
// nil when the latest remote call succeeded.
func (s *Service) LastFailure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFailure
}

// Invalidate drops the memoized result so the next Compute goes to the
// remote service even for an unchanged tuple.
func (s *Service) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = nil
}

// sanitize floors amounts at zero and drops empty reasons.
func sanitize(r Result) Result {
	if r.Amount.IsNegative() {
		r.Amount = decimal.Zero
	}
	if r.PointsDiscount.IsNegative() {
		r.PointsDiscount = decimal.Zero
	}
	reasons := make([]string, 0, len(r.Reasons))
	for _, reason := range r.Reasons {
		if reason != "" {
			reasons = append(reasons, reason)
		}
	}
	r.Reasons = reasons
	r.Failure = nil
	return r
}

func cloneResult(r Result) Result {
	if r.Reasons != nil {
		reasons := make([]string, len(r.Reasons))
		copy(reasons, r.Reasons)
		r.Reasons = reasons
	}
	return r
}
