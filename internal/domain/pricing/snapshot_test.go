package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-sync/internal/domain/cart"
	"github.com/xenking/kart-sync/internal/domain/discount"
	"github.com/xenking/kart-sync/internal/domain/shipping"
)

// --- Helpers ---

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func cartOf(t *testing.T, prices ...string) cart.Cart {
	t.Helper()
	var c cart.Cart
	for i, p := range prices {
		require.NoError(t, c.Merge(cart.Item{
			ProductID: string(rune('a' + i)),
			ColorName: "black",
			Size:      "M",
			Quantity:  1,
			UnitPrice: d(p),
			Name:      "item",
		}))
	}
	return c
}

func newCalculator() *Calculator {
	ship := shipping.NewCalculator(shipping.DefaultTable(), decimal.Zero)
	return NewCalculator(ship, decimal.Zero)
}

var india = &shipping.Destination{CountryCode: "IN", CountryName: "India"}

func requireTotalFormula(t *testing.T, s Snapshot) {
	t.Helper()
	want := s.Subtotal.Add(s.ShippingCharge).Sub(s.DiscountAmount).Sub(s.PointsRedeemed)
	require.True(t, want.Equal(s.Total), "total %s != %s", s.Total, want)
	require.False(t, s.Total.IsNegative())
}

// --- Tests ---

func TestClampPoints(t *testing.T) {
	tests := []struct {
		name      string
		requested int64
		available int64
		want      int64
	}{
		{"within", 30, 50, 30},
		{"above", 80, 50, 50},
		{"negative", -5, 50, 0},
		{"nothing available", 10, 0, 0},
		{"exact", 50, 50, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClampPoints(tt.requested, tt.available))
		})
	}

	for available := int64(0); available < 20; available++ {
		for requested := int64(-20); requested < 40; requested++ {
			got := ClampPoints(requested, available)
			assert.GreaterOrEqual(t, got, int64(0))
			assert.LessOrEqual(t, got, available)
		}
	}
}

func TestComputeSnapshot_EmptyCart(t *testing.T) {
	s := newCalculator().ComputeSnapshot(cart.Cart{}, nil, 0, discount.Zero())

	assert.True(t, s.Subtotal.IsZero())
	assert.True(t, s.ShippingCharge.IsZero())
	assert.True(t, s.DiscountAmount.IsZero())
	assert.True(t, s.PointsRedeemed.IsZero())
	assert.True(t, s.Total.IsZero())
	assert.Zero(t, s.PointsToEarn)
	requireTotalFormula(t, s)

	s = newCalculator().ComputeSnapshot(cart.Cart{}, india, 0, discount.Zero())
	assert.True(t, s.ShippingCharge.IsZero(), "destination does not matter")
}

func TestComputeSnapshot_GuestWithListedCountry(t *testing.T) {
	s := newCalculator().ComputeSnapshot(cartOf(t, "1000", "2000"), india, 0, discount.Zero())

	assert.True(t, d("3000").Equal(s.Subtotal))
	assert.True(t, d("200").Equal(s.ShippingCharge))
	assert.True(t, s.DiscountAmount.IsZero())
	assert.True(t, d("3200").Equal(s.Total))
	assert.Equal(t, int64(32), s.PointsToEarn)
	requireTotalFormula(t, s)
}

func TestComputeSnapshot_FreeShippingAboveThreshold(t *testing.T) {
	calc := newCalculator()
	dests := []*shipping.Destination{
		nil,
		india,
		{CountryName: "Atlantis"},
		{CountryName: "Bangladesh", ProvinceOrState: "Dhaka"},
	}
	for _, dest := range dests {
		s := calc.ComputeSnapshot(cartOf(t, "6000"), dest, 0, discount.Zero())
		assert.True(t, s.ShippingCharge.IsZero())
		assert.True(t, d("6000").Equal(s.Total))
	}
}

func TestComputeSnapshot_AppliesDiscountAndPoints(t *testing.T) {
	res := discount.Result{Amount: d("150"), PointsDiscount: d("50"), Reasons: []string{"Loyalty"}}
	s := newCalculator().ComputeSnapshot(cartOf(t, "3000"), india, 50, res)

	assert.True(t, d("150").Equal(s.DiscountAmount))
	assert.True(t, d("50").Equal(s.PointsRedeemed))
	assert.True(t, d("200").Equal(s.CombinedDiscount()))
	assert.True(t, d("3000").Equal(s.Total))
	assert.Equal(t, int64(50), s.PointsUsed)
	assert.Equal(t, int64(30), s.PointsToEarn)
	requireTotalFormula(t, s)
}

func TestComputeSnapshot_FailedDiscountAppliesNothing(t *testing.T) {
	res := discount.Zero()
	res.Failure = assert.AnError
	res.Amount = d("999")

	s := newCalculator().ComputeSnapshot(cartOf(t, "3000"), india, 20, res)

	assert.True(t, s.DiscountAmount.IsZero())
	assert.True(t, s.PointsRedeemed.IsZero())
	assert.Zero(t, s.PointsUsed)
	assert.True(t, d("3200").Equal(s.Total))
}

func TestComputeSnapshot_TotalNeverNegative(t *testing.T) {
	calc := newCalculator()
	results := []discount.Result{
		{Amount: d("10000"), PointsDiscount: d("0")},
		{Amount: d("3000"), PointsDiscount: d("500")},
		{Amount: d("-5"), PointsDiscount: d("99999")},
	}
	for _, res := range results {
		s := calc.ComputeSnapshot(cartOf(t, "3000"), india, 10, res)
		requireTotalFormula(t, s)
		assert.Zero(t, s.PointsToEarn)
	}
}

func TestComputeSnapshot_Idempotent(t *testing.T) {
	calc := newCalculator()
	c := cartOf(t, "1234.50", "99.99")
	res := discount.Result{Amount: d("10.25"), PointsDiscount: d("3"), Reasons: []string{"a", "b"}}

	first := calc.ComputeSnapshot(c, india, 3, res)
	second := calc.ComputeSnapshot(c, india, 3, res)

	assert.True(t, first.Equal(second))
	assert.Len(t, c.Items, 2)
	assert.Equal(t, []string{"a", "b"}, res.Reasons)
	requireTotalFormula(t, first)
}

func TestComputeSnapshot_EarnDivisor(t *testing.T) {
	ship := shipping.NewCalculator(shipping.DefaultTable(), decimal.Zero)
	calc := NewCalculator(ship, d("1000"))

	s := calc.ComputeSnapshot(cartOf(t, "6999"), nil, 0, discount.Zero())
	assert.Equal(t, int64(6), s.PointsToEarn)
}
