// Package rate holds a group's conversion configuration: the fee
// percentage, the exchange rate, and the optional secondary pair that
// switches the ledger into gross accounting mode.
package rate

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/xraph/tally/types"
)

var (
	// ErrRateNotConfigured is returned when a monetary operation runs
	// before an exchange rate was ever set for the group.
	ErrRateNotConfigured = errors.New("tally: exchange rate not configured")

	// ErrInvalidRate is returned for negative fees, non-positive exchange
	// rates, and numeric input that cannot be read as a rate.
	ErrInvalidRate = errors.New("tally: invalid rate")
)

// Mode is the accounting mode a group is in.
type Mode string

const (
	// ModePrimary tracks only the primary fee and exchange rate.
	ModePrimary Mode = "primary"
	// ModeGross additionally tracks gross inflow and outflow converted
	// through the secondary pair.
	ModeGross Mode = "gross"
)

// Overlay is the secondary fee/exchange-rate pair.
// The zero value is Off.
type Overlay struct {
	FeeRate      decimal.Decimal `json:"fee_rate"`
	ExchangeRate decimal.Decimal `json:"exchange_rate"`
}

// Off disables the overlay.
var Off = Overlay{}

// Active reports whether either secondary value is non-zero.
func (o Overlay) Active() bool {
	return !o.FeeRate.IsZero() || !o.ExchangeRate.IsZero()
}

// Validate rejects negative secondary values.
func (o Overlay) Validate() error {
	if o.FeeRate.IsNegative() {
		return fmt.Errorf("%w: secondary fee %s is negative", ErrInvalidRate, o.FeeRate)
	}
	if o.ExchangeRate.IsNegative() {
		return fmt.Errorf("%w: secondary exchange rate %s is negative", ErrInvalidRate, o.ExchangeRate)
	}
	return nil
}

// Context is the rate configuration of one group.
type Context struct {
	FeeRate      decimal.Decimal `json:"fee_rate"`
	ExchangeRate decimal.Decimal `json:"exchange_rate"`
	Overlay      Overlay         `json:"overlay"`
}

// Configured reports whether an exchange rate has been set.
func (c Context) Configured() bool {
	return c.ExchangeRate.IsPositive()
}

// Require returns ErrRateNotConfigured until an exchange rate is set.
func (c Context) Require() error {
	if !c.Configured() {
		return ErrRateNotConfigured
	}
	return nil
}

// Mode returns ModeGross while the overlay is active.
func (c Context) Mode() Mode {
	if c.Overlay.Active() {
		return ModeGross
	}
	return ModePrimary
}

// SetFeeRate sets the fee percentage. Zero is allowed.
func (c *Context) SetFeeRate(v decimal.Decimal) error {
	if v.IsNegative() {
		return fmt.Errorf("%w: fee %s is negative", ErrInvalidRate, v)
	}
	c.FeeRate = v
	return nil
}

// SetExchangeRate sets the exchange rate, which must be positive.
func (c *Context) SetExchangeRate(v decimal.Decimal) error {
	if !v.IsPositive() {
		return fmt.Errorf("%w: exchange rate %s must be positive", ErrInvalidRate, v)
	}
	c.ExchangeRate = v
	return nil
}

// SetOverlay replaces the secondary pair. Passing Off disables it.
func (c *Context) SetOverlay(o Overlay) error {
	if err := o.Validate(); err != nil {
		return err
	}
	c.Overlay = o
	return nil
}

// Convert returns the settlement amount for a fiat amount:
// fiat / exchangeRate * (1 - fee/100). The sign of fiat is kept.
func (c Context) Convert(fiat decimal.Decimal) decimal.Decimal {
	return convert(fiat, c.ExchangeRate, c.FeeRate)
}

// ConvertGross converts through the secondary pair. A zero secondary
// exchange rate falls back to the primary one. Returns zero outside
// gross mode.
func (c Context) ConvertGross(fiat decimal.Decimal) decimal.Decimal {
	if !c.Overlay.Active() {
		return decimal.Zero
	}
	ex := c.Overlay.ExchangeRate
	if ex.IsZero() {
		ex = c.ExchangeRate
	}
	return convert(fiat, ex, c.Overlay.FeeRate)
}

func convert(fiat, exchangeRate, fee decimal.Decimal) decimal.Decimal {
	if !exchangeRate.IsPositive() {
		return decimal.Zero
	}
	factor := decimal.NewFromInt(1).Sub(fee.Div(types.Hundred))
	return fiat.Div(exchangeRate).Mul(factor)
}

// Parse reads operator input as a rate value. Malformed input is
// reported as ErrInvalidRate.
func Parse(s string) (decimal.Decimal, error) {
	v, err := types.ParseRate(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %w", ErrInvalidRate, err)
	}
	return v, nil
}
