package view

import (
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-sync/internal/domain/cart"
	"github.com/xenking/kart-sync/internal/domain/pricing"
	"github.com/xenking/kart-sync/internal/domain/shipping"
)

// Kind identifies a screen that renders pricing.
type Kind int

const (
	CartPage Kind = iota
	DesktopSummary
	MobileSummary
	Checkout
)

// ErrUnknownKind is returned by ParseKind.
var ErrUnknownKind = errors.New("unknown view")

var kindNames = [...]string{
	CartPage:       "cart",
	DesktopSummary: "desktop",
	MobileSummary:  "mobile",
	Checkout:       "checkout",
}

// Kinds lists every view kind in mount order.
func Kinds() []Kind {
	return []Kind{CartPage, DesktopSummary, MobileSummary, Checkout}
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// ParseKind parses the name returned by Kind.String.
func ParseKind(s string) (Kind, error) {
	for i, name := range kindNames {
		if name == s {
			return Kind(i), nil
		}
	}
	return 0, errors.Wrapf(ErrUnknownKind, "%q", s)
}

// Model is what a view renders.
type Model struct {
	Kind     Kind
	Items    []cart.Item
	Quantity int
	State    pricing.State
	Snapshot pricing.Snapshot
	// DiscountReason is the primary discount line; DiscountReasons has all
	// of them in server order.
	DiscountReason  string
	DiscountReasons []string
	PointsRequested int64
	PointsApplied   int64
	PointsAvailable int64
	Destination     *shipping.Destination
	FreeShipping    bool
	// UntilFreeShipping is how much more subtotal qualifies for free
	// shipping, zero once it does.
	UntilFreeShipping decimal.Decimal
	Failure           string
	Retryable         bool
	Revision          uint64
}

// PricingUpdate is the payload of eventbus.TopicPricingUpdated.
type PricingUpdate struct {
	SessionID string
	Kind      Kind
	Status    pricing.Status
}
