// Package pricing turns an upstream per-1000 rate into a local price in cents.
package pricing

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// DefaultMarkup is applied on top of the upstream rate.
var DefaultMarkup = decimal.RequireFromString("1.20")

var (
	thousand = decimal.NewFromInt(1000)
	hundred  = decimal.NewFromInt(100)
)

type Policy struct {
	Markup decimal.Decimal
}

func Default() Policy { return Policy{Markup: DefaultMarkup} }

// New parses a markup such as "1.20". Empty means the default.
func New(markup string) (Policy, error) {
	markup = strings.TrimSpace(markup)
	if markup == "" {
		return Default(), nil
	}
	m, err := decimal.NewFromString(markup)
	if err != nil {
		return Policy{}, errors.Wrapf(err, "parse markup %q", markup)
	}
	if !m.IsPositive() {
		return Policy{}, errors.Errorf("markup must be positive, got %s", markup)
	}
	return Policy{Markup: m}, nil
}

// Price returns the cost in cents of quantity units at rate (per 1000),
// rounded half away from zero. Bad input yields 0.
func (p Policy) Price(rate string, quantity int64) int64 {
	if quantity <= 0 {
		return 0
	}
	r, ok := parseRate(rate)
	if !ok {
		return 0
	}
	markup := p.Markup
	if markup.IsZero() {
		markup = DefaultMarkup
	}
	cents := r.Mul(markup).Mul(decimal.NewFromInt(quantity)).Mul(hundred).Div(thousand)
	return cents.Round(0).IntPart()
}

// PerThousand is the catalog price shown for a service.
func (p Policy) PerThousand(rate string) int64 { return p.Price(rate, 1000) }

// Scale turns a stored per-1000 price into a total for quantity.
func Scale(perThousand, quantity int64) int64 {
	if perThousand <= 0 || quantity <= 0 {
		return 0
	}
	return decimal.NewFromInt(perThousand).Mul(decimal.NewFromInt(quantity)).Div(thousand).Round(0).IntPart()
}

func parseRate(rate string) (decimal.Decimal, bool) {
	rate = strings.TrimSpace(rate)
	if rate == "" {
		return decimal.Zero, false
	}
	r, err := decimal.NewFromString(rate)
	if err != nil || r.IsNegative() {
		return decimal.Zero, false
	}
	return r, true
}
