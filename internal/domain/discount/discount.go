package discount

import (
	"context"

	"github.com/shopspring/decimal"
)

// Result is the discount breakdown for one (subtotal, points) tuple.
type Result struct {
	// Amount is the promotional discount.
	Amount decimal.Decimal
	// Reasons lists the human-readable discount lines in server order.
	Reasons []string
	// PointsDiscount is the monetary value of the redeemed reward points.
	PointsDiscount decimal.Decimal
	// Failure is set when the remote computation failed; amounts are zero.
	Failure error
}

// Zero returns a result with no discount.
func Zero() Result {
	return Result{Amount: decimal.Zero, PointsDiscount: decimal.Zero}
}

// Failed reports whether the result stands in for a failed computation.
func (r Result) Failed() bool {
	return r.Failure != nil
}

// PrimaryReason returns the first discount reason, used when a single
// discount line is shown.
func (r Result) PrimaryReason() string {
	if len(r.Reasons) == 0 {
		return ""
	}
	return r.Reasons[0]
}

// Request is the body of a remote discount computation.
type Request struct {
	Subtotal    decimal.Decimal
	PointsToUse int64
}

// Calculator is the remote discount-computation endpoint.
type Calculator interface {
	CalculateDiscount(ctx context.Context, token string, req Request) (*Result, error)
}
