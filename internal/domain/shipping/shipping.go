// Package shipping maps a delivery destination and cart subtotal to a
// shipping charge. Everything here is pure and safe for concurrent use.
package shipping

import (
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultFreeShippingThreshold is the subtotal at or above which shipping is free.
var DefaultFreeShippingThreshold = decimal.NewFromInt(5000)

// Destination is where the order ships.
type Destination struct {
	CountryCode     string
	CountryName     string
	ProvinceOrState string
	// ShippingOverride, when set, replaces any table lookup for this
	// destination.
	ShippingOverride *decimal.Decimal
}

// Calculator computes shipping charges from a rate table.
type Calculator struct {
	table         Table
	freeThreshold decimal.Decimal
}

// NewCalculator creates a Calculator. A zero threshold selects
// DefaultFreeShippingThreshold.
func NewCalculator(table Table, freeThreshold decimal.Decimal) *Calculator {
	if freeThreshold.IsZero() {
		freeThreshold = DefaultFreeShippingThreshold
	}
	return &Calculator{table: table.normalized(), freeThreshold: freeThreshold}
}

// FreeThreshold returns the free-shipping subtotal threshold.
func (c *Calculator) FreeThreshold() decimal.Decimal {
	return c.freeThreshold
}

// QualifiesForFree reports whether subtotal earns free shipping.
func (c *Calculator) QualifiesForFree(subtotal decimal.Decimal) bool {
	return subtotal.GreaterThanOrEqual(c.freeThreshold)
}

// Compute returns the shipping charge. Lookup order: free-shipping
// threshold, destination override, province rate, country rate, default.
// A nil destination is charged the default rate.
func (c *Calculator) Compute(dest *Destination, subtotal decimal.Decimal) decimal.Decimal {
	if c.QualifiesForFree(subtotal) {
		return decimal.Zero
	}
	if dest == nil {
		return c.table.Default
	}
	if dest.ShippingOverride != nil && !dest.ShippingOverride.IsNegative() {
		return *dest.ShippingOverride
	}

	country := normalize(dest.CountryName)
	if provinces, ok := c.table.Provinces[country]; ok {
		if rate, ok := provinces[normalize(dest.ProvinceOrState)]; ok {
			return rate
		}
	}
	if rate, ok := c.table.Countries[country]; ok {
		return rate
	}
	return c.table.Default
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
