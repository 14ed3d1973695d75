// Package checkout submits orders priced by the snapshot the buyer saw.
package checkout

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/kart-sync/internal/commerce"
	"github.com/xenking/kart-sync/internal/domain/cart"
	"github.com/xenking/kart-sync/internal/domain/pricing"
	"github.com/xenking/kart-sync/internal/domain/shipping"
)

// Sentinel errors for submission validation.
var (
	ErrEmptyCart        = errors.New("cart is empty")
	ErrSnapshotNotReady = errors.New("pricing is still being computed")
	ErrSnapshotStale    = errors.New("pricing does not match cart contents")
)

// SubmitError is a failed submission the buyer may retry. The cart is left
// untouched.
type SubmitError struct {
	Err error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("submit order: %v", e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// Retryable is always true; the type exists so callers can tell a backend
// failure from a validation error.
func (e *SubmitError) Retryable() bool { return true }

// OrderCreator is the order-creation endpoint; *commerce.Client implements it.
type OrderCreator interface {
	CreateOrder(ctx context.Context, token string, req commerce.OrderRequest) (*commerce.OrderConfirmation, error)
}

// CartClearer empties the cart after a confirmed order.
type CartClearer interface {
	Clear(ctx context.Context) error
}

// Entry is a placed order as recorded in the journal.
type Entry struct {
	OrderID        string
	Subtotal       decimal.Decimal
	ShippingCharge decimal.Decimal
	Discount       decimal.Decimal
	Total          decimal.Decimal
	PointsUsed     int64
	PointsToEarn   int64
	PlacedAt       time.Time
}

// Journal keeps a local record of placed orders.
type Journal interface {
	Record(ctx context.Context, e Entry) error
}

// Option configures a Service.
type Option func(*Service)

// WithJournal records every confirmed order in j.
func WithJournal(j Journal) Option {
	return func(s *Service) { s.journal = j }
}

// Request holds what the buyer confirmed on the checkout screen.
type Request struct {
	Token string
	// Pricing is the status the checkout view rendered.
	Pricing        pricing.Status
	Cart           cart.Cart
	Destination    *shipping.Destination
	Contact        commerce.Contact
	PaymentMethod  string
	AttachmentID   string
	DiscountReason string
}

// Result is a confirmed order.
type Result struct {
	OrderID  string
	Status   string
	Snapshot pricing.Snapshot
}

// Service places orders.
type Service struct {
	orders      OrderCreator
	carts       CartClearer
	attachments *Attachments
	journal     Journal
	lg          *zap.Logger
}

// NewService creates a checkout Service. attachments may be nil when
// receipts are not supported.
func NewService(orders OrderCreator, carts CartClearer, attachments *Attachments, lg *zap.Logger, opts ...Option) *Service {
	if lg == nil {
		lg = zap.NewNop()
	}
	s := &Service{
		orders:      orders,
		carts:       carts,
		attachments: attachments,
		lg:          lg,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Submit validates req, builds the order strictly from the rendered
// snapshot, and clears the cart once the backend confirms. Backend failures
// are returned as *SubmitError.
func (s *Service) Submit(ctx context.Context, req Request) (*Result, error) {
	if req.Cart.IsEmpty() {
		return nil, ErrEmptyCart
	}
	if req.Pricing.State != pricing.Ready {
		return nil, ErrSnapshotNotReady
	}
	snap := req.Pricing.Snapshot
	if !snap.Subtotal.Equal(req.Cart.Subtotal()) {
		return nil, ErrSnapshotStale
	}

	order := commerce.OrderRequest{
		Items:          commerce.OrderItemsFromCart(req.Cart),
		Subtotal:       snap.Subtotal,
		ShippingCharge: snap.ShippingCharge,
		Discount:       snap.CombinedDiscount(),
		DiscountReason: req.DiscountReason,
		Total:          snap.Total,
		PointsUsed:     snap.PointsUsed,
		Contact:        req.Contact,
		PaymentMethod:  req.PaymentMethod,
	}
	if req.Destination != nil {
		order.Country = req.Destination.CountryName
		order.Province = req.Destination.ProvinceOrState
	}
	if req.AttachmentID != "" {
		if s.attachments == nil {
			return nil, ErrAttachmentNotFound
		}
		att, err := s.attachments.Get(req.AttachmentID)
		if err != nil {
			return nil, errors.Wrap(err, "get receipt")
		}
		order.Receipt = &att
	}

	conf, err := s.orders.CreateOrder(ctx, req.Token, order)
	if err != nil {
		s.lg.Warn("order submission failed",
			zap.String("total", snap.Total.String()),
			zap.Error(err),
		)
		return nil, &SubmitError{Err: err}
	}

	if req.AttachmentID != "" {
		s.attachments.Discard(req.AttachmentID)
	}
	if err := s.carts.Clear(ctx); err != nil {
		// The order exists; a stale cart is recoverable by the buyer.
		s.lg.Error("clear cart after order", zap.String("order_id", conf.ID), zap.Error(err))
	}

	if s.journal != nil {
		err := s.journal.Record(ctx, Entry{
			OrderID:        conf.ID,
			Subtotal:       snap.Subtotal,
			ShippingCharge: snap.ShippingCharge,
			Discount:       snap.CombinedDiscount(),
			Total:          snap.Total,
			PointsUsed:     snap.PointsUsed,
			PointsToEarn:   snap.PointsToEarn,
			PlacedAt:       time.Now().UTC(),
		})
		if err != nil {
			s.lg.Warn("record order", zap.String("order_id", conf.ID), zap.Error(err))
		}
	}

	s.lg.Info("order placed",
		zap.String("order_id", conf.ID),
		zap.String("total", snap.Total.String()),
		zap.Int64("points_used", snap.PointsUsed),
	)
	return &Result{OrderID: conf.ID, Status: conf.Status, Snapshot: snap}, nil
}
