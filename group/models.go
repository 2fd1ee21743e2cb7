// Package group holds the per-group ledger: rate configuration, running
// aggregates, and the period boundary set by the last reset.
package group

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/tally/oplog"
	"github.com/xraph/tally/rate"
	"github.com/xraph/tally/types"
)

// ErrGroupNotFound is returned by stores for a group that has no ledger.
var ErrGroupNotFound = errors.New("tally: group not found")

// Totals are the running aggregates of one period.
//
// They are a memoized fold over the log: the engine changes them only
// through Apply and Revert, which Fold also uses.
type Totals struct {
	FiatTotal           decimal.Decimal `json:"fiat_total"`
	SettlementTotal     decimal.Decimal `json:"settlement_total"`
	SettlementPaid      decimal.Decimal `json:"settlement_paid"`
	SettlementRemaining decimal.Decimal `json:"settlement_remaining"`

	// Gross mode aggregates.
	FiatOutflow            decimal.Decimal `json:"fiat_outflow"`
	SettlementInflowGross  decimal.Decimal `json:"settlement_inflow_gross"`
	SettlementOutflowGross decimal.Decimal `json:"settlement_outflow_gross"`
}

// Apply adds the stored effect of e.
func (t *Totals) Apply(e *oplog.Entry) { t.add(e, false) }

// Revert subtracts the stored effect of e.
func (t *Totals) Revert(e *oplog.Entry) { t.add(e, true) }

func (t *Totals) add(e *oplog.Entry, negate bool) {
	sign := func(d decimal.Decimal) decimal.Decimal {
		if negate {
			return d.Neg()
		}
		return d
	}

	switch e.Kind {
	case oplog.KindDeposit, oplog.KindWithdraw:
		t.FiatTotal = t.FiatTotal.Add(sign(e.FiatAmount))
		t.SettlementTotal = t.SettlementTotal.Add(sign(e.SettlementAmount))
		if e.Gross() {
			if e.Kind == oplog.KindDeposit {
				t.SettlementInflowGross = t.SettlementInflowGross.Add(sign(e.GrossSettlementAmount))
			} else {
				t.FiatOutflow = t.FiatOutflow.Add(sign(e.FiatAmount.Abs()))
				t.SettlementOutflowGross = t.SettlementOutflowGross.Add(sign(e.GrossSettlementAmount.Abs()))
			}
		}
	case oplog.KindPayment:
		t.SettlementPaid = t.SettlementPaid.Add(sign(e.SettlementAmount))
	}
	t.SettlementRemaining = t.SettlementTotal.Sub(t.SettlementPaid)
}

// GrossOwed is inflow minus outflow converted through the secondary pair.
func (t Totals) GrossOwed() decimal.Decimal {
	return t.SettlementInflowGross.Sub(t.SettlementOutflowGross)
}

// GrossRemaining is GrossOwed minus what was paid.
func (t Totals) GrossRemaining() decimal.Decimal {
	return t.GrossOwed().Sub(t.SettlementPaid)
}

// Equal compares every aggregate by value.
func (t Totals) Equal(o Totals) bool {
	return t.FiatTotal.Equal(o.FiatTotal) &&
		t.SettlementTotal.Equal(o.SettlementTotal) &&
		t.SettlementPaid.Equal(o.SettlementPaid) &&
		t.SettlementRemaining.Equal(o.SettlementRemaining) &&
		t.FiatOutflow.Equal(o.FiatOutflow) &&
		t.SettlementInflowGross.Equal(o.SettlementInflowGross) &&
		t.SettlementOutflowGross.Equal(o.SettlementOutflowGross)
}

// Fold recomputes the aggregates from the non-skipped entries recorded
// after periodStart.
func Fold(entries []*oplog.Entry, periodStart time.Time) Totals {
	var t Totals
	for _, e := range entries {
		if e.Skipped || !e.Timestamp.After(periodStart) {
			continue
		}
		t.Apply(e)
	}
	t.SettlementRemaining = t.SettlementTotal.Sub(t.SettlementPaid)
	return t
}

// Ledger is the state of one group.
//
// Version increases by one on every committed change; stores use it to
// reject a commit built on a stale read.
type Ledger struct {
	types.Entity
	GroupID     string       `json:"group_id"`
	Version     int64        `json:"version"`
	Rates       rate.Context `json:"rates"`
	Totals      Totals       `json:"totals"`
	PeriodStart time.Time    `json:"period_start"`
}

// New returns an uncommitted, unconfigured ledger.
func New(groupID string, at time.Time) *Ledger {
	return &Ledger{
		Entity:  types.NewEntity(at),
		GroupID: groupID,
	}
}

// Next returns a copy with the version bumped, ready to be committed.
func (l *Ledger) Next(at time.Time) *Ledger {
	n := *l
	n.Version++
	n.Touch(at)
	return &n
}

// ResetPeriod zeroes the aggregates and starts a new period at at.
// Rate configuration is kept.
func (l *Ledger) ResetPeriod(at time.Time) {
	l.Totals = Totals{}
	l.PeriodStart = at.UTC()
}

// Wipe returns the ledger to its unconfigured state, keeping identity
// and version so that the change still commits in order.
func (l *Ledger) Wipe(at time.Time) {
	created := l.CreatedAt
	*l = Ledger{
		Entity:      types.NewEntity(at),
		GroupID:     l.GroupID,
		Version:     l.Version,
		PeriodStart: at.UTC(),
	}
	l.CreatedAt = created
}
