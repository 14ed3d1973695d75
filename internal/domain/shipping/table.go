package shipping

import (
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Table holds shipping rates. Keys are matched case-insensitively.
type Table struct {
	// Countries maps a country name to its flat rate.
	Countries map[string]decimal.Decimal
	// Provinces maps a country name to per-province rates that take
	// precedence over the country rate.
	Provinces map[string]map[string]decimal.Decimal
	// Default applies to unknown or missing destinations.
	Default decimal.Decimal
}

// DefaultRate is charged when a destination is not in the table.
var DefaultRate = decimal.NewFromInt(500)

func rate(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

// DefaultTable returns the canonical storefront rate table.
func DefaultTable() Table {
	return Table{
		Countries: map[string]decimal.Decimal{
			"Bangladesh":           rate(120),
			"India":                rate(200),
			"Nepal":                rate(250),
			"Bhutan":               rate(250),
			"Sri Lanka":            rate(300),
			"Pakistan":             rate(300),
			"Maldives":             rate(350),
			"Malaysia":             rate(400),
			"Singapore":            rate(400),
			"United Arab Emirates": rate(450),
		},
		Provinces: map[string]map[string]decimal.Decimal{
			"Bangladesh": {
				"Dhaka":      rate(60),
				"Chattogram": rate(100),
			},
		},
		Default: DefaultRate,
	}
}

// WithCountryRates returns a copy of t with the given country rates added or
// replaced. Values are decimal strings.
func (t Table) WithCountryRates(rates map[string]string) (Table, error) {
	out := t.clone()
	for country, v := range rates {
		r, err := decimal.NewFromString(v)
		if err != nil {
			return Table{}, errors.Wrapf(err, "parse rate for %q", country)
		}
		if r.IsNegative() {
			return Table{}, errors.Errorf("negative rate for %q", country)
		}
		out.Countries[country] = r
	}
	return out, nil
}

func (t Table) clone() Table {
	out := Table{
		Countries: make(map[string]decimal.Decimal, len(t.Countries)),
		Provinces: make(map[string]map[string]decimal.Decimal, len(t.Provinces)),
		Default:   t.Default,
	}
	for k, v := range t.Countries {
		out.Countries[k] = v
	}
	for k, m := range t.Provinces {
		inner := make(map[string]decimal.Decimal, len(m))
		for pk, pv := range m {
			inner[pk] = pv
		}
		out.Provinces[k] = inner
	}
	return out
}

// normalized returns a copy of t with lookup keys normalized.
func (t Table) normalized() Table {
	out := Table{
		Countries: make(map[string]decimal.Decimal, len(t.Countries)),
		Provinces: make(map[string]map[string]decimal.Decimal, len(t.Provinces)),
		Default:   t.Default,
	}
	for k, v := range t.Countries {
		out.Countries[normalize(k)] = v
	}
	for k, m := range t.Provinces {
		inner := make(map[string]decimal.Decimal, len(m))
		for pk, pv := range m {
			inner[normalize(pk)] = pv
		}
		out.Provinces[normalize(k)] = inner
	}
	return out
}
