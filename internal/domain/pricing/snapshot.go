package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-sync/internal/domain/cart"
	"github.com/xenking/kart-sync/internal/domain/discount"
	"github.com/xenking/kart-sync/internal/domain/shipping"
)

// DefaultPointsEarnDivisor is the amount of order total that earns one
// reward point.
var DefaultPointsEarnDivisor = decimal.NewFromInt(100)

// Snapshot is a fully resolved set of pricing figures. It satisfies
// Total == Subtotal + ShippingCharge - DiscountAmount - PointsRedeemed
// exactly, and Total is never negative.
type Snapshot struct {
	Subtotal       decimal.Decimal
	ShippingCharge decimal.Decimal
	DiscountAmount decimal.Decimal
	// PointsRedeemed is the monetary value taken off by reward points.
	PointsRedeemed decimal.Decimal
	Total          decimal.Decimal
	PointsToEarn   int64
	// PointsUsed is the number of points the redemption consumed.
	PointsUsed int64
}

// Equal reports whether two snapshots carry the same figures.
func (s Snapshot) Equal(o Snapshot) bool {
	return s.Subtotal.Equal(o.Subtotal) &&
		s.ShippingCharge.Equal(o.ShippingCharge) &&
		s.DiscountAmount.Equal(o.DiscountAmount) &&
		s.PointsRedeemed.Equal(o.PointsRedeemed) &&
		s.Total.Equal(o.Total) &&
		s.PointsToEarn == o.PointsToEarn &&
		s.PointsUsed == o.PointsUsed
}

// CombinedDiscount is the promotional discount plus the points value, the
// figure an order records as its discount.
func (s Snapshot) CombinedDiscount() decimal.Decimal {
	return s.DiscountAmount.Add(s.PointsRedeemed)
}

// ClampPoints limits a points request to [0, available].
func ClampPoints(requested, available int64) int64 {
	return max(0, min(requested, available))
}

// Calculator combines cart contents, shipping and a discount result into a
// Snapshot. It holds no mutable state.
type Calculator struct {
	shipping    *shipping.Calculator
	earnDivisor decimal.Decimal
}

// NewCalculator creates a Calculator. A non-positive divisor selects
// DefaultPointsEarnDivisor.
func NewCalculator(ship *shipping.Calculator, earnDivisor decimal.Decimal) *Calculator {
	if !earnDivisor.IsPositive() {
		earnDivisor = DefaultPointsEarnDivisor
	}
	return &Calculator{shipping: ship, earnDivisor: earnDivisor}
}

// Shipping returns the shipping calculator in use.
func (c *Calculator) Shipping() *shipping.Calculator {
	return c.shipping
}

// ComputeSnapshot prices c for dest. pointsToRedeem is the clamped number
// of points the discount was requested with. Discount components are capped
// so the total cannot go below zero. An empty cart is never charged shipping.
func (c *Calculator) ComputeSnapshot(
	items cart.Cart,
	dest *shipping.Destination,
	pointsToRedeem int64,
	res discount.Result,
) Snapshot {
	subtotal := items.Subtotal()
	ship := decimal.Zero
	// Nothing to ship.
	if !items.IsEmpty() {
		ship = c.shipping.Compute(dest, subtotal)
	}
	gross := subtotal.Add(ship)

	disc := decimal.Zero
	pointsValue := decimal.Zero
	pointsUsed := int64(0)
	if !res.Failed() {
		disc = decimal.Min(floorAtZero(res.Amount), gross)
		pointsValue = decimal.Min(floorAtZero(res.PointsDiscount), gross.Sub(disc))
		if pointsValue.IsPositive() {
			pointsUsed = max(0, pointsToRedeem)
		}
	}

	total := subtotal.Add(ship).Sub(disc).Sub(pointsValue)

	return Snapshot{
		Subtotal:       subtotal,
		ShippingCharge: ship,
		DiscountAmount: disc,
		PointsRedeemed: pointsValue,
		Total:          total,
		PointsToEarn:   total.Div(c.earnDivisor).Floor().IntPart(),
		PointsUsed:     pointsUsed,
	}
}

func floorAtZero(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
