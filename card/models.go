// Package card holds instrument sub-ledgers: a running fiat total, a
// paid amount, and an informational limit per (group, code).
package card

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/tally/oplog"
	"github.com/xraph/tally/types"
)

// ErrUnknownInstrument is returned for a payment against a code that has
// no sub-ledger, and by stores when a card lookup misses.
var ErrUnknownInstrument = errors.New("tally: unknown instrument")

// Card is one instrument sub-ledger.
type Card struct {
	types.Entity
	GroupID     string          `json:"group_id"`
	Code        string          `json:"code"`
	Total       decimal.Decimal `json:"total"`
	Paid        decimal.Decimal `json:"paid"`
	Limit       decimal.Decimal `json:"limit"`
	Hidden      bool            `json:"hidden"`
	LastUpdated time.Time       `json:"last_updated"`
}

// NormalizeCode trims and upper-cases an instrument code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// New creates an empty card.
func New(groupID, code string, at time.Time) *Card {
	return &Card{
		Entity:      types.NewEntity(at),
		GroupID:     groupID,
		Code:        NormalizeCode(code),
		LastUpdated: at.UTC(),
	}
}

// Clone returns a copy of c.
func (c *Card) Clone() *Card {
	cp := *c
	return &cp
}

// Apply adds the entry's effect: movements change Total by the stored
// fiat amount, payments change Paid by the settlement amount.
func (c *Card) Apply(e *oplog.Entry, at time.Time) {
	c.add(e, false, at)
}

// Revert subtracts the entry's stored effect.
func (c *Card) Revert(e *oplog.Entry, at time.Time) {
	c.add(e, true, at)
}

func (c *Card) add(e *oplog.Entry, negate bool, at time.Time) {
	var delta decimal.Decimal
	switch {
	case e.Kind.Movement():
		delta = e.FiatAmount
	case e.Kind == oplog.KindPayment:
		delta = e.SettlementAmount
	default:
		return
	}
	if negate {
		delta = delta.Neg()
	}

	if e.Kind == oplog.KindPayment {
		c.Paid = c.Paid.Add(delta)
	} else {
		c.Total = c.Total.Add(delta)
	}
	c.LastUpdated = at.UTC()
	c.Touch(at)
}

// SetLimit replaces the limit when v is positive and reports whether it did.
func (c *Card) SetLimit(v decimal.Decimal) bool {
	if !v.IsPositive() {
		return false
	}
	c.Limit = v
	return true
}

// Available returns Limit - Total and true when a limit is set.
func (c *Card) Available() (decimal.Decimal, bool) {
	if !c.Limit.IsPositive() {
		return decimal.Zero, false
	}
	return c.Limit.Sub(c.Total), true
}

// Balances is the part of a card derivable from the log.
type Balances struct {
	Total decimal.Decimal
	Paid  decimal.Decimal
}

// Fold recomputes per-code balances from the non-skipped coded entries
// recorded after periodStart.
func Fold(entries []*oplog.Entry, periodStart time.Time) map[string]Balances {
	out := make(map[string]Balances)
	for _, e := range entries {
		if e.Skipped || e.Code == "" || !e.Timestamp.After(periodStart) {
			continue
		}
		b := out[e.Code]
		switch {
		case e.Kind.Movement():
			b.Total = b.Total.Add(e.FiatAmount)
		case e.Kind == oplog.KindPayment:
			b.Paid = b.Paid.Add(e.SettlementAmount)
		default:
			continue
		}
		out[e.Code] = b
	}
	return out
}

// SortByCode orders cards by code.
func SortByCode(cards []*Card) {
	sort.Slice(cards, func(i, j int) bool { return cards[i].Code < cards[j].Code })
}
