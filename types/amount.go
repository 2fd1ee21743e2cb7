package types

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// ErrMalformedNumber is returned when user input cannot be read as a number.
var ErrMalformedNumber = errors.New("types: malformed number")

// Hundred is the percent denominator.
var Hundred = decimal.NewFromInt(100)

var magnitudes = map[byte]decimal.Decimal{
	'k': decimal.NewFromInt(1_000),
	'm': decimal.NewFromInt(1_000_000),
}

// ParseAmount reads an amount as typed by an operator.
//
// Accepted forms: "1000000", "1,000,000", "1_000_000", "1 000 000", "+250",
// "1.5k", "2M". The sign is kept; callers decide whether negatives are valid.
func ParseAmount(s string) (decimal.Decimal, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return decimal.Zero, fmt.Errorf("%w: empty", ErrMalformedNumber)
	}

	clean := strings.NewReplacer(",", "", "_", "", " ", "").Replace(raw)
	clean = strings.TrimPrefix(clean, "+")

	scale := decimal.NewFromInt(1)
	if n := len(clean); n > 0 {
		if m, ok := magnitudes[lower(clean[n-1])]; ok {
			scale = m
			clean = clean[:n-1]
		}
	}

	d, err := decimal.NewFromString(clean)
	if err != nil || clean == "" {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrMalformedNumber, s)
	}
	return d.Mul(scale), nil
}

// ParseRate reads a rate or percentage. A trailing "%" is allowed.
// Thousands separators are accepted; magnitude suffixes are not.
func ParseRate(s string) (decimal.Decimal, error) {
	raw := strings.TrimSpace(s)
	clean := strings.NewReplacer(",", "", "_", "", " ", "").Replace(raw)
	clean = strings.TrimSuffix(clean, "%")
	clean = strings.TrimPrefix(clean, "+")
	if clean == "" {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrMalformedNumber, s)
	}

	d, err := decimal.NewFromString(clean)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrMalformedNumber, s)
	}
	return d, nil
}

// Round rounds half away from zero to the given number of decimal places.
func Round(d decimal.Decimal, places int32) decimal.Decimal {
	return d.Round(places)
}

// Format renders an amount in the given ISO currency using go-money's
// formatter (grapheme, separators, minor units). Codes go-money does not
// know, such as "USDT", fall back to "<amount> <CODE>" with two places.
func Format(d decimal.Decimal, currency string) string {
	code := strings.ToUpper(strings.TrimSpace(currency))
	cur := money.GetCurrency(code)
	if cur == nil {
		return d.StringFixed(2) + " " + code
	}

	minor := d.Round(int32(cur.Fraction)).Shift(int32(cur.Fraction))
	return cur.Formatter().Format(minor.IntPart())
}

// Fraction returns the number of minor-unit digits for a currency,
// or 2 for codes go-money does not know.
func Fraction(currency string) int32 {
	cur := money.GetCurrency(strings.ToUpper(strings.TrimSpace(currency)))
	if cur == nil {
		return 2
	}
	return int32(cur.Fraction)
}

func lower(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b + ('a' - 'A')
	}
	return b
}
