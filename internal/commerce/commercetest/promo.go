package commercetest

import (
	"strings"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// RuleType enumerates the promotion strategies of the fake backend.
type RuleType string

const (
	// RulePercentage takes a percentage off the subtotal.
	RulePercentage RuleType = "percentage"
	// RuleFixed takes a fixed amount off, capped at the subtotal.
	RuleFixed RuleType = "fixed"
)

// Rule is one account-level promotion. It applies when the subtotal reaches
// MinSubtotal.
type Rule struct {
	Type        RuleType
	Value       decimal.Decimal
	MinSubtotal decimal.Decimal
	Description string
}

// Promotion is the outcome of applying the configured rules.
type Promotion struct {
	Amount  decimal.Decimal
	Reasons []string
}

// Reason joins the promotion lines the way the API does.
func (p Promotion) Reason() string {
	return strings.Join(p.Reasons, " + ")
}

// ApplyRules evaluates every rule in order against subtotal. The combined
// amount never exceeds the subtotal.
func ApplyRules(rules []Rule, subtotal decimal.Decimal) Promotion {
	p := Promotion{Amount: decimal.Zero}
	remaining := floorAtZero(subtotal)
	for _, r := range rules {
		if subtotal.LessThan(r.MinSubtotal) {
			continue
		}
		var amount decimal.Decimal
		switch r.Type {
		case RulePercentage:
			amount = applyPercentage(r, subtotal)
		case RuleFixed:
			amount = applyFixed(r, subtotal)
		default:
			continue
		}
		amount = decimal.Min(amount, remaining)
		if !amount.IsPositive() {
			continue
		}
		remaining = remaining.Sub(amount)
		p.Amount = p.Amount.Add(amount)
		p.Reasons = append(p.Reasons, r.Description)
	}
	return p
}

func applyPercentage(r Rule, subtotal decimal.Decimal) decimal.Decimal {
	return floorAtZero(subtotal.Mul(r.Value).Div(hundred)).Round(2)
}

func applyFixed(r Rule, subtotal decimal.Decimal) decimal.Decimal {
	return floorAtZero(decimal.Min(r.Value, subtotal)).Round(2)
}

func floorAtZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
