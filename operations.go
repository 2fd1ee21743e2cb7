package tally

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/tally/card"
	"github.com/xraph/tally/oplog"
	"github.com/xraph/tally/rate"
)

// Movement is a fiat deposit or withdrawal request.
type Movement struct {
	// Amount is the fiat amount. It must not be negative: the direction
	// is the operation, not the sign.
	Amount decimal.Decimal
	// Code optionally tags the movement with an instrument.
	Code string
	// Limit replaces the instrument's limit when positive. Deposits only.
	Limit decimal.Decimal
	Actor string
	// At is the entry time. Zero means the engine clock.
	At time.Time
}

// Payment is a settlement payment request.
type Payment struct {
	// Amount is in the settlement currency.
	Amount decimal.Decimal
	// Code must name an existing instrument when set.
	Code  string
	Actor string
	At    time.Time
}

// ──────────────────────────────────────────────────
// Movement operations
// ──────────────────────────────────────────────────

// Deposit records a fiat deposit. A zero amount writes nothing and
// returns the current snapshot.
func (e *Engine) Deposit(ctx context.Context, groupID string, m Movement) (*Snapshot, error) {
	return e.apply(ctx, groupID, "deposit", func(t *txn) error {
		return t.move(oplog.KindDeposit, m)
	})
}

// Withdraw records a fiat withdrawal. Amounts are stored negated.
func (e *Engine) Withdraw(ctx context.Context, groupID string, m Movement) (*Snapshot, error) {
	m.Limit = decimal.Zero
	return e.apply(ctx, groupID, "withdraw", func(t *txn) error {
		return t.move(oplog.KindWithdraw, m)
	})
}

func (t *txn) move(kind oplog.Kind, m Movement) error {
	if err := t.base.Rates.Require(); err != nil {
		return err
	}
	if m.Amount.IsNegative() {
		return ValidationError{Field: "amount", Message: "must not be negative"}
	}
	if m.Amount.IsZero() {
		t.noop = true
		return nil
	}

	at, err := t.stamp(m.At)
	if err != nil {
		return err
	}

	fiat := m.Amount
	if kind == oplog.KindWithdraw {
		fiat = fiat.Neg()
	}

	en := t.entry(kind, m.Actor, at)
	en.FiatAmount = fiat
	en.SettlementAmount = t.next.Rates.Convert(fiat)
	en.GrossSettlementAmount = t.next.Rates.ConvertGross(fiat)
	en.Code = card.NormalizeCode(m.Code)

	t.next.Totals.Apply(en)

	if en.Code != "" {
		c, err := t.card(en.Code, true)
		if err != nil {
			return err
		}
		c.Apply(en, t.now)
		c.SetLimit(m.Limit)
		t.stage(c)
	}

	t.append(en)
	return nil
}

// Pay records a payment against the settlement balance. A zero amount is
// rejected with ErrNoOp; a code must name an existing instrument.
func (e *Engine) Pay(ctx context.Context, groupID string, p Payment) (*Snapshot, error) {
	return e.apply(ctx, groupID, "pay", func(t *txn) error {
		if err := t.base.Rates.Require(); err != nil {
			return err
		}
		if p.Amount.IsNegative() {
			return ValidationError{Field: "amount", Message: "must not be negative"}
		}
		if p.Amount.IsZero() {
			return ErrNoOp
		}

		at, err := t.stamp(p.At)
		if err != nil {
			return err
		}

		en := t.entry(oplog.KindPayment, p.Actor, at)
		en.SettlementAmount = p.Amount
		en.Code = card.NormalizeCode(p.Code)

		if en.Code != "" {
			c, err := t.card(en.Code, false)
			if err != nil {
				return err
			}
			c.Apply(en, t.now)
			t.stage(c)
		}

		t.next.Totals.Apply(en)
		t.append(en)
		return nil
	})
}

// ──────────────────────────────────────────────────
// Rate operations
// ──────────────────────────────────────────────────

// SetFeeRate sets the fee percentage. Negative values are ErrInvalidRate.
func (e *Engine) SetFeeRate(ctx context.Context, groupID string, value decimal.Decimal, actor string) (*Snapshot, error) {
	return e.setRates(ctx, groupID, oplog.KindSetFeeRate, actor, func(c *rate.Context) error {
		return c.SetFeeRate(value)
	})
}

// SetExchangeRate sets the exchange rate, which must be positive.
func (e *Engine) SetExchangeRate(ctx context.Context, groupID string, value decimal.Decimal, actor string) (*Snapshot, error) {
	return e.setRates(ctx, groupID, oplog.KindSetExchangeRate, actor, func(c *rate.Context) error {
		return c.SetExchangeRate(value)
	})
}

// SetSecondaryRates sets the gross overlay pair. rate.Off turns the
// overlay off; accumulated gross aggregates are kept.
func (e *Engine) SetSecondaryRates(ctx context.Context, groupID string, o rate.Overlay, actor string) (*Snapshot, error) {
	return e.setRates(ctx, groupID, oplog.KindSetSecondaryRates, actor, func(c *rate.Context) error {
		return c.SetOverlay(o)
	})
}

func (e *Engine) setRates(ctx context.Context, groupID string, kind oplog.Kind, actor string, set func(*rate.Context) error) (*Snapshot, error) {
	return e.apply(ctx, groupID, string(kind), func(t *txn) error {
		if err := set(&t.next.Rates); err != nil {
			return err
		}

		t.append(t.entry(kind, actor, t.now))

		rates := t.next.Rates
		t.emit(func(ctx context.Context) {
			e.plugins.EmitRatesChanged(ctx, groupID, rates)
		})
		return nil
	})
}

// ──────────────────────────────────────────────────
// Period operations
// ──────────────────────────────────────────────────

// Reset clears the aggregates and every instrument and starts a new
// period. Rate configuration survives.
func (e *Engine) Reset(ctx context.Context, groupID, actor string) (*Snapshot, error) {
	return e.apply(ctx, groupID, "reset", func(t *txn) error {
		t.next.ResetPeriod(t.now)
		t.change.DropCards = true
		t.append(t.entry(oplog.KindReset, actor, t.now))

		start := t.next.PeriodStart
		t.emit(func(ctx context.Context) {
			e.plugins.EmitPeriodReset(ctx, groupID, start)
		})
		return nil
	})
}

// Wipe deletes the group's log and instruments and returns its ledger to
// the unconfigured state. The log is left holding only the wipe entry.
func (e *Engine) Wipe(ctx context.Context, groupID, actor string) error {
	_, err := e.apply(ctx, groupID, "wipe", func(t *txn) error {
		t.next.Wipe(t.now)
		t.change.Wipe = true
		t.change.DropCards = true
		t.append(t.entry(oplog.KindWipe, actor, t.now))

		t.emit(func(ctx context.Context) {
			e.plugins.EmitGroupWiped(ctx, groupID)
		})
		return nil
	})
	return err
}

// ──────────────────────────────────────────────────
// Instruments
// ──────────────────────────────────────────────────

// HideInstrument sets the display flag of an instrument. Balances are
// not affected and nothing is logged.
func (e *Engine) HideInstrument(ctx context.Context, groupID, code string, hidden bool) error {
	_, err := e.apply(ctx, groupID, "hide", func(t *txn) error {
		c, err := t.card(card.NormalizeCode(code), false)
		if err != nil {
			return err
		}
		if c.Hidden == hidden {
			t.noop = true
			return nil
		}
		c.Hidden = hidden
		c.Touch(t.now)
		t.stage(c)
		return nil
	})
	return err
}

// Snapshot returns the group's current state. A group that was never
// written to reports an unconfigured, empty snapshot.
func (e *Engine) Snapshot(ctx context.Context, groupID string) (*Snapshot, error) {
	if err := validateGroupID(groupID); err != nil {
		return nil, err
	}

	release, err := e.acquire(ctx, groupID)
	if err != nil {
		return nil, err
	}
	defer release()

	led, err := e.loadLedger(ctx, groupID, e.clock().UTC())
	if err != nil {
		return nil, err
	}
	return e.snapshot(ctx, led, nil)
}
