// Package oplog is the append-only operation log of a group.
//
// Every accepted operation appends one Entry. Entries never change after
// they are written except for the skip mark, which is set at most once.
// Ordinals used to address entries for reversal are not stored: they are
// recomputed from the log on every request (see Sequence and Resolve).
package oplog

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/tally/id"
)

var (
	// ErrEntryNotFound is returned when an ordinal or entry ID does not
	// resolve to an entry of the current period.
	ErrEntryNotFound = errors.New("tally: entry not found")

	// ErrAlreadySkipped is returned when the target entry is already skipped.
	ErrAlreadySkipped = errors.New("tally: entry already skipped")

	// ErrNotRevertible is returned when the target entry is not a
	// deposit, withdrawal, or payment.
	ErrNotRevertible = errors.New("tally: entry is not revertible")
)

// Kind is the type of operation an entry records.
type Kind string

const (
	KindDeposit           Kind = "deposit"
	KindWithdraw          Kind = "withdraw"
	KindPayment           Kind = "payment"
	KindSetFeeRate        Kind = "set_fee_rate"
	KindSetExchangeRate   Kind = "set_exchange_rate"
	KindSetSecondaryRates Kind = "set_secondary_rates"
	KindReset             Kind = "reset"
	KindSkip              Kind = "skip"
	KindWipe              Kind = "wipe"
)

// Revertible reports whether entries of this kind can be skipped.
func (k Kind) Revertible() bool {
	return k == KindDeposit || k == KindWithdraw || k == KindPayment
}

// Movement reports whether the kind moves fiat (deposit or withdraw).
func (k Kind) Movement() bool {
	return k == KindDeposit || k == KindWithdraw
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindDeposit, KindWithdraw, KindPayment,
		KindSetFeeRate, KindSetExchangeRate, KindSetSecondaryRates,
		KindReset, KindSkip, KindWipe:
		return true
	}
	return false
}

// Entry is one record of the operation log.
//
// FiatAmount and SettlementAmount are signed: withdrawals store negative
// values so that reverting is a subtraction of what was stored.
// GrossSettlementAmount is only meaningful for movements recorded while
// the secondary overlay was active (see Gross); it is zero under a 100%
// secondary fee.
type Entry struct {
	ID      id.EntryID `json:"id"`
	GroupID string     `json:"group_id"`
	Seq     int64      `json:"seq"`
	Kind    Kind       `json:"kind"`

	FiatAmount            decimal.Decimal `json:"fiat_amount"`
	SettlementAmount      decimal.Decimal `json:"settlement_amount"`
	GrossSettlementAmount decimal.Decimal `json:"gross_settlement_amount"`

	FeeRate               decimal.Decimal `json:"fee_rate"`
	ExchangeRate          decimal.Decimal `json:"exchange_rate"`
	SecondaryFeeRate      decimal.Decimal `json:"secondary_fee_rate"`
	SecondaryExchangeRate decimal.Decimal `json:"secondary_exchange_rate"`

	Code      string    `json:"code,omitempty"`
	Actor     string    `json:"actor"`
	Timestamp time.Time `json:"timestamp"`

	Skipped    bool   `json:"skipped"`
	SkipReason string `json:"skip_reason,omitempty"`

	// Set on skip entries only.
	TargetID id.EntryID `json:"target_id,omitempty"`
	Ref      string     `json:"ref,omitempty"`
}

// Gross reports whether e was recorded while the secondary overlay was
// active.
func (e *Entry) Gross() bool {
	return !e.SecondaryFeeRate.IsZero() || !e.SecondaryExchangeRate.IsZero()
}

// Clone returns a copy of e.
func (e *Entry) Clone() *Entry {
	c := *e
	return &c
}

// Mark is the skip flag applied to an existing entry.
type Mark struct {
	EntryID id.EntryID
	Reason  string
}

// SkipReason formats the reason recorded on a skipped entry.
func SkipReason(actor string, at time.Time) string {
	return fmt.Sprintf("skipped by %s at %s", actor, at.UTC().Format(time.RFC3339))
}

// ListOpts filters a log listing.
type ListOpts struct {
	// After keeps entries with Timestamp strictly after it. Zero keeps all.
	After time.Time
	// Kinds keeps only the listed kinds. Empty keeps all.
	Kinds []Kind
}

// Match reports whether e passes the filter.
func (o ListOpts) Match(e *Entry) bool {
	if !o.After.IsZero() && !e.Timestamp.After(o.After) {
		return false
	}
	if len(o.Kinds) == 0 {
		return true
	}
	for _, k := range o.Kinds {
		if e.Kind == k {
			return true
		}
	}
	return false
}

// Sort orders entries by timestamp, then by commit sequence.
func Sort(entries []*Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.Seq < b.Seq
	})
}
