package tally_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally"
	"github.com/xraph/tally/oplog"
	"github.com/xraph/tally/rate"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/store/memory"
)

const grp = "desk-1"

// stepClock advances one second on every reading.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newEngine(t *testing.T, opts ...tally.Option) (*tally.Engine, *memory.Store) {
	t.Helper()
	s := memory.New()
	clk := &stepClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	opts = append([]tally.Option{tally.WithClock(clk.Now)}, opts...)
	e := tally.New(s, opts...)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop() })
	return e, s
}

// configured returns an engine whose group has exchange rate ex and fee.
func configured(t *testing.T, ex, fee string, opts ...tally.Option) (*tally.Engine, *memory.Store) {
	t.Helper()
	e, s := newEngine(t, opts...)
	ctx := context.Background()
	_, err := e.SetExchangeRate(ctx, grp, dec(ex), "op")
	require.NoError(t, err)
	_, err = e.SetFeeRate(ctx, grp, dec(fee), "op")
	require.NoError(t, err)
	return e, s
}

func deposit(t *testing.T, e *tally.Engine, amount, code string) *tally.Snapshot {
	t.Helper()
	snap, err := e.Deposit(context.Background(), grp, tally.Movement{Amount: dec(amount), Code: code, Actor: "op"})
	require.NoError(t, err)
	return snap
}

func assertBalanced(t *testing.T, s *tally.Snapshot) {
	t.Helper()
	assert.True(t, s.SettlementRemaining.Equal(s.SettlementTotal.Sub(s.SettlementPaid)),
		"remaining %s != total %s - paid %s", s.SettlementRemaining, s.SettlementTotal, s.SettlementPaid)
}

func TestSettlementScenario(t *testing.T) {
	e, _ := configured(t, "14600", "2")
	ctx := context.Background()

	snap := deposit(t, e, "1000000", "")
	assert.Equal(t, "67.1233", snap.SettlementTotal.Round(4).String())
	require.NotNil(t, snap.Entry)
	assert.Equal(t, oplog.KindDeposit, snap.Entry.Kind)
	assert.Equal(t, "67.1233", snap.Entry.SettlementAmount.Round(4).String())
	assert.True(t, snap.Entry.ExchangeRate.Equal(dec("14600")))
	assert.True(t, snap.Entry.FeeRate.Equal(dec("2")))

	snap, err := e.Pay(ctx, grp, tally.Payment{Amount: dec("67.1233"), Actor: "op"})
	require.NoError(t, err)
	assert.True(t, snap.SettlementRemaining.Round(4).IsZero(), "remaining %s", snap.SettlementRemaining)
	assertBalanced(t, snap)
}

func TestRateNotConfigured(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	_, err := e.Deposit(ctx, grp, tally.Movement{Amount: dec("100")})
	assert.ErrorIs(t, err, tally.ErrRateNotConfigured)

	_, err = e.Deposit(ctx, grp, tally.Movement{Amount: decimal.Zero})
	assert.ErrorIs(t, err, tally.ErrRateNotConfigured)

	_, err = e.Withdraw(ctx, grp, tally.Movement{Amount: dec("100")})
	assert.ErrorIs(t, err, tally.ErrRateNotConfigured)

	_, err = e.Pay(ctx, grp, tally.Payment{Amount: dec("1")})
	assert.ErrorIs(t, err, tally.ErrRateNotConfigured)
	assert.True(t, tally.IsRejection(err))

	// A fee alone does not configure the group.
	_, err = e.SetFeeRate(ctx, grp, dec("1"), "op")
	require.NoError(t, err)
	_, err = e.Deposit(ctx, grp, tally.Movement{Amount: dec("100")})
	assert.ErrorIs(t, err, tally.ErrRateNotConfigured)
}

func TestInvalidRates(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{"zero exchange rate", func() error {
			_, err := e.SetExchangeRate(ctx, grp, decimal.Zero, "op")
			return err
		}},
		{"negative exchange rate", func() error {
			_, err := e.SetExchangeRate(ctx, grp, dec("-1"), "op")
			return err
		}},
		{"negative fee", func() error {
			_, err := e.SetFeeRate(ctx, grp, dec("-0.5"), "op")
			return err
		}},
		{"negative secondary", func() error {
			_, err := e.SetSecondaryRates(ctx, grp, rate.Overlay{FeeRate: dec("-1")}, "op")
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.call(), tally.ErrInvalidRate)
		})
	}

	snap, err := e.Snapshot(ctx, grp)
	require.NoError(t, err)
	assert.Zero(t, snap.Version, "rejected rate changes must not write")
}

func TestZeroFeeIsAllowed(t *testing.T) {
	e, _ := configured(t, "10", "0")
	snap := deposit(t, e, "100", "")
	assert.True(t, snap.SettlementTotal.Equal(dec("10")))
}

func TestBalanceInvariant(t *testing.T) {
	e, _ := configured(t, "3", "1.5")
	ctx := context.Background()

	var snaps []*tally.Snapshot
	snaps = append(snaps, deposit(t, e, "1000", "A"))
	snaps = append(snaps, deposit(t, e, "333.33", "B"))

	s, err := e.Withdraw(ctx, grp, tally.Movement{Amount: dec("100"), Code: "A"})
	require.NoError(t, err)
	snaps = append(snaps, s)

	s, err = e.Pay(ctx, grp, tally.Payment{Amount: dec("50"), Code: "a"})
	require.NoError(t, err)
	snaps = append(snaps, s)

	s, err = e.Skip(ctx, grp, oplog.Ref{Index: 1}, "op")
	require.NoError(t, err)
	snaps = append(snaps, s)

	s, err = e.Skip(ctx, grp, oplog.Ref{Index: 1, Payment: true}, "op")
	require.NoError(t, err)
	snaps = append(snaps, s)

	s, err = e.Reset(ctx, grp, "op")
	require.NoError(t, err)
	snaps = append(snaps, s)

	for _, s := range snaps {
		assertBalanced(t, s)
	}
}

func TestAdditivity(t *testing.T) {
	split, _ := configured(t, "14600", "2")
	deposit(t, split, "300000", "")
	a := deposit(t, split, "700000", "")

	once, _ := configured(t, "14600", "2")
	b := deposit(t, once, "1000000", "")

	assert.True(t, a.FiatTotal.Equal(b.FiatTotal))
	assert.Equal(t, b.SettlementTotal.Round(10).String(), a.SettlementTotal.Round(10).String())
}

func TestRevertExactness(t *testing.T) {
	e, _ := configured(t, "14600", "2")
	ctx := context.Background()

	before := deposit(t, e, "5000", "A")
	deposit(t, e, "1000", "A")

	after, err := e.Skip(ctx, grp, oplog.Ref{Index: 2}, "op")
	require.NoError(t, err)

	assert.True(t, after.FiatTotal.Equal(before.FiatTotal))
	assert.True(t, after.SettlementTotal.Equal(before.SettlementTotal))
	assert.True(t, after.Instrument("A").Total.Equal(before.Instrument("A").Total))

	require.NotNil(t, after.Entry)
	assert.Equal(t, oplog.KindSkip, after.Entry.Kind)
	assert.Equal(t, "2", after.Entry.Ref)
	assert.True(t, after.Entry.FiatAmount.Equal(dec("1000")))
}

func TestWithdrawStoresNegatedAmounts(t *testing.T) {
	e, _ := configured(t, "10", "0")
	ctx := context.Background()

	deposit(t, e, "1000", "A")
	snap, err := e.Withdraw(ctx, grp, tally.Movement{Amount: dec("300"), Code: "a", Limit: dec("99")})
	require.NoError(t, err)

	assert.True(t, snap.Entry.FiatAmount.Equal(dec("-300")))
	assert.True(t, snap.Entry.SettlementAmount.Equal(dec("-30")))
	assert.True(t, snap.FiatTotal.Equal(dec("700")))
	assert.True(t, snap.Instrument("A").Total.Equal(dec("700")))
	assert.True(t, snap.Instrument("A").Limit.IsZero(), "withdrawals never set a limit")

	snap, err = e.Skip(ctx, grp, oplog.Ref{Index: 2}, "op")
	require.NoError(t, err)
	assert.True(t, snap.FiatTotal.Equal(dec("1000")))
	assert.True(t, snap.SettlementTotal.Equal(dec("100")))
	assert.True(t, snap.Instrument("A").Total.Equal(dec("1000")))
}

func TestSkipEntryIsIdempotent(t *testing.T) {
	e, _ := configured(t, "10", "0")
	ctx := context.Background()

	dep := deposit(t, e, "500", "A")
	deposit(t, e, "100", "")

	skipped, err := e.SkipEntry(ctx, grp, dep.Entry.ID, "op")
	require.NoError(t, err)

	_, err = e.SkipEntry(ctx, grp, dep.Entry.ID, "op")
	require.ErrorIs(t, err, tally.ErrAlreadySkipped)

	snap, err := e.Snapshot(ctx, grp)
	require.NoError(t, err)
	assert.Equal(t, skipped.Version, snap.Version)
	assert.True(t, snap.FiatTotal.Equal(dec("100")))
	assert.True(t, snap.Instrument("A").Total.IsZero())
}

func TestSkipOrdinalAfterLastEntryIsNotFound(t *testing.T) {
	e, _ := configured(t, "10", "0")
	ctx := context.Background()

	deposit(t, e, "500", "")
	_, err := e.Skip(ctx, grp, oplog.Ref{Index: 1}, "op")
	require.NoError(t, err)

	before, err := e.Snapshot(ctx, grp)
	require.NoError(t, err)

	_, err = e.Skip(ctx, grp, oplog.Ref{Index: 1}, "op")
	require.ErrorIs(t, err, tally.ErrEntryNotFound)

	var rangeErr *tally.RangeError
	require.ErrorAs(t, err, &rangeErr)
	assert.Zero(t, rangeErr.Count)

	after, err := e.Snapshot(ctx, grp)
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.True(t, after.FiatTotal.IsZero())
}

func TestSkipOutOfRangeReportsRange(t *testing.T) {
	e, _ := configured(t, "10", "0")
	ctx := context.Background()

	deposit(t, e, "1", "")
	deposit(t, e, "2", "")

	_, err := e.Skip(ctx, grp, oplog.Ref{Index: 3}, "op")
	require.ErrorIs(t, err, tally.ErrEntryNotFound)
	assert.Contains(t, err.Error(), "1-2")

	_, err = e.Skip(ctx, grp, oplog.Ref{Index: 1, Payment: true}, "op")
	require.ErrorIs(t, err, tally.ErrEntryNotFound)

	_, err = e.Skip(ctx, grp, oplog.Ref{Index: 0}, "op")
	require.ErrorIs(t, err, tally.ErrMalformedRef)
}

func TestOrdinalRenumbering(t *testing.T) {
	e, _ := configured(t, "10", "0")
	ctx := context.Background()

	deposit(t, e, "100", "")
	second := deposit(t, e, "200", "")
	deposit(t, e, "300", "")

	_, err := e.Skip(ctx, grp, oplog.Ref{Index: 1}, "op")
	require.NoError(t, err)

	hist, err := e.History(ctx, grp)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "1", hist[0].Ref.String())
	assert.Equal(t, second.Entry.ID, hist[0].Entry.ID)

	snap, err := e.Skip(ctx, grp, oplog.Ref{Index: 1}, "op")
	require.NoError(t, err)
	assert.True(t, snap.FiatTotal.Equal(dec("300")))
}

func TestPaymentOrdinalsAreSeparate(t *testing.T) {
	e, _ := configured(t, "10", "0")
	ctx := context.Background()

	deposit(t, e, "1000", "A")
	_, err := e.Pay(ctx, grp, tally.Payment{Amount: dec("10"), Code: "A"})
	require.NoError(t, err)
	_, err = e.Pay(ctx, grp, tally.Payment{Amount: dec("20")})
	require.NoError(t, err)

	hist, err := e.History(ctx, grp)
	require.NoError(t, err)
	refs := make([]string, len(hist))
	for i, n := range hist {
		refs[i] = n.Ref.String()
	}
	assert.Equal(t, []string{"1", "!1", "!2"}, refs)

	snap, err := e.Skip(ctx, grp, oplog.Ref{Index: 1, Payment: true}, "op")
	require.NoError(t, err)
	assert.True(t, snap.SettlementPaid.Equal(dec("20")))
	assert.True(t, snap.Instrument("A").Paid.IsZero())
	assert.True(t, snap.FiatTotal.Equal(dec("1000")))
	assertBalanced(t, snap)
}

func TestZeroDepositIsSnapshot(t *testing.T) {
	e, s := configured(t, "10", "0")
	ctx := context.Background()

	before := deposit(t, e, "100", "A")
	snap := deposit(t, e, "0", "B")

	assert.Nil(t, snap.Entry)
	assert.Equal(t, before.Version, snap.Version)
	assert.True(t, snap.FiatTotal.Equal(before.FiatTotal))
	assert.Nil(t, snap.Instrument("B"), "zero deposit must not create an instrument")

	entries, err := s.ListEntries(ctx, grp, oplog.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, entries, 3) // two rate changes and one deposit
}

func TestZeroPaymentIsRejected(t *testing.T) {
	e, _ := configured(t, "10", "0")
	ctx := context.Background()

	_, err := e.Pay(ctx, grp, tally.Payment{Amount: decimal.Zero})
	assert.ErrorIs(t, err, tally.ErrNoOp)
	assert.True(t, tally.IsRejection(err))
}

func TestNegativeAmountsAreRejected(t *testing.T) {
	e, _ := configured(t, "10", "0")
	ctx := context.Background()

	_, err := e.Deposit(ctx, grp, tally.Movement{Amount: dec("-1")})
	assert.ErrorIs(t, err, tally.ErrInvalidInput)

	_, err = e.Withdraw(ctx, grp, tally.Movement{Amount: dec("-1")})
	assert.ErrorIs(t, err, tally.ErrInvalidInput)

	_, err = e.Pay(ctx, grp, tally.Payment{Amount: dec("-1")})
	assert.ErrorIs(t, err, tally.ErrInvalidInput)

	var verr tally.ValidationError
	assert.True(t, errors.As(err, &verr))
	assert.Equal(t, "amount", verr.Field)
}

func TestPaymentToUnknownInstrument(t *testing.T) {
	e, _ := configured(t, "10", "0")
	ctx := context.Background()

	before := deposit(t, e, "1000", "A")

	_, err := e.Pay(ctx, grp, tally.Payment{Amount: dec("5"), Code: "B"})
	require.ErrorIs(t, err, tally.ErrUnknownInstrument)

	after, err := e.Snapshot(ctx, grp)
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.True(t, after.SettlementPaid.IsZero())
	assert.Nil(t, after.Instrument("B"))

	snap, err := e.Pay(ctx, grp, tally.Payment{Amount: dec("5"), Code: " a "})
	require.NoError(t, err)
	assert.True(t, snap.Instrument("A").Paid.Equal(dec("5")))
}

func TestDepositLimit(t *testing.T) {
	e, _ := configured(t, "10", "0")
	ctx := context.Background()

	snap, err := e.Deposit(ctx, grp, tally.Movement{Amount: dec("300"), Code: "A", Limit: dec("1000")})
	require.NoError(t, err)
	avail, ok := snap.Instrument("A").Available()
	require.True(t, ok)
	assert.True(t, avail.Equal(dec("700")))

	// A missing limit keeps the previous one.
	snap = deposit(t, e, "900", "A")
	avail, ok = snap.Instrument("A").Available()
	require.True(t, ok)
	assert.True(t, avail.Equal(dec("-200")), "limits are informational")
}

func TestResetScoping(t *testing.T) {
	e, _ := configured(t, "14600", "2")
	ctx := context.Background()

	dep := deposit(t, e, "1000000", "A")
	_, err := e.Pay(ctx, grp, tally.Payment{Amount: dec("10"), Code: "A"})
	require.NoError(t, err)

	snap, err := e.Reset(ctx, grp, "op")
	require.NoError(t, err)
	assert.True(t, snap.FiatTotal.IsZero())
	assert.True(t, snap.SettlementTotal.IsZero())
	assert.True(t, snap.SettlementPaid.IsZero())
	assert.True(t, snap.SettlementRemaining.IsZero())
	assert.Empty(t, snap.Instruments)
	assert.True(t, snap.ExchangeRate.Equal(dec("14600")))
	assert.True(t, snap.FeeRate.Equal(dec("2")))
	assert.True(t, snap.Configured)

	_, err = e.Skip(ctx, grp, oplog.Ref{Index: 1}, "op")
	assert.ErrorIs(t, err, tally.ErrEntryNotFound)
	_, err = e.Skip(ctx, grp, oplog.Ref{Index: 1, Payment: true}, "op")
	assert.ErrorIs(t, err, tally.ErrEntryNotFound)
	_, err = e.SkipEntry(ctx, grp, dep.Entry.ID, "op")
	assert.ErrorIs(t, err, tally.ErrEntryNotFound)

	// Entries of the new period must be after its start.
	_, err = e.Deposit(ctx, grp, tally.Movement{Amount: dec("1"), At: snap.PeriodStart})
	assert.ErrorIs(t, err, tally.ErrInvalidInput)

	snap = deposit(t, e, "14600", "")
	assert.Equal(t, "0.98", snap.SettlementTotal.String())

	hist, err := e.History(ctx, grp)
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestEntryTimestampBounds(t *testing.T) {
	e, _ := configured(t, "14600", "2")
	ctx := context.Background()

	last := deposit(t, e, "500", "")

	_, err := e.Deposit(ctx, grp, tally.Movement{Amount: dec("1000000"), At: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)})
	require.ErrorIs(t, err, tally.ErrInvalidInput)
	var verr tally.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "timestamp", verr.Field)

	_, err = e.Pay(ctx, grp, tally.Payment{Amount: dec("1"), At: last.Entry.Timestamp.Add(time.Hour)})
	require.ErrorIs(t, err, tally.ErrInvalidInput)

	_, err = e.Withdraw(ctx, grp, tally.Movement{Amount: dec("1"), At: time.Date(1600, 1, 1, 0, 0, 0, 0, time.UTC)})
	require.ErrorIs(t, err, tally.ErrInvalidInput)

	// A back-dated entry belongs to the period it was recorded in and
	// does not survive the next reset.
	_, err = e.Deposit(ctx, grp, tally.Movement{Amount: dec("1000000"), At: last.Entry.Timestamp.Add(-time.Minute)})
	require.NoError(t, err)
	_, err = e.Reset(ctx, grp, "op")
	require.NoError(t, err)

	hist, err := e.History(ctx, grp)
	require.NoError(t, err)
	assert.Empty(t, hist)

	_, err = e.Skip(ctx, grp, oplog.Ref{Index: 1}, "op")
	assert.ErrorIs(t, err, tally.ErrEntryNotFound)

	snap, err := e.Snapshot(ctx, grp)
	require.NoError(t, err)
	assert.True(t, snap.FiatTotal.IsZero())
	assert.True(t, snap.SettlementTotal.IsZero())

	drift, err := e.Reconcile(ctx, grp)
	require.NoError(t, err)
	assert.True(t, drift.Clean(), "drift: %+v", drift)
}

func TestWipe(t *testing.T) {
	e, s := configured(t, "14600", "2")
	ctx := context.Background()

	deposit(t, e, "1000", "A")
	_, err := e.SetSecondaryRates(ctx, grp, rate.Overlay{FeeRate: dec("1")}, "op")
	require.NoError(t, err)

	require.NoError(t, e.Wipe(ctx, grp, "op"))

	snap, err := e.Snapshot(ctx, grp)
	require.NoError(t, err)
	assert.False(t, snap.Configured)
	assert.True(t, snap.ExchangeRate.IsZero())
	assert.True(t, snap.FeeRate.IsZero())
	assert.Equal(t, rate.ModePrimary, snap.Mode)
	assert.True(t, snap.FiatTotal.IsZero())
	assert.Empty(t, snap.Instruments)

	entries, err := s.ListEntries(ctx, grp, oplog.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, oplog.KindWipe, entries[0].Kind)

	_, err = e.Deposit(ctx, grp, tally.Movement{Amount: dec("1")})
	assert.ErrorIs(t, err, tally.ErrRateNotConfigured)
}

func TestRateEntriesAreNotRevertible(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	snap, err := e.SetExchangeRate(ctx, grp, dec("100"), "op")
	require.NoError(t, err)
	require.Equal(t, oplog.KindSetExchangeRate, snap.Entry.Kind)

	_, err = e.SkipEntry(ctx, grp, snap.Entry.ID, "op")
	assert.ErrorIs(t, err, tally.ErrNotRevertible)
}

func TestGrossMode(t *testing.T) {
	e, _ := configured(t, "10", "0")
	ctx := context.Background()

	snap, err := e.SetSecondaryRates(ctx, grp, rate.Overlay{ExchangeRate: dec("20")}, "op")
	require.NoError(t, err)
	assert.Equal(t, rate.ModeGross, snap.Mode)
	require.NotNil(t, snap.Gross)

	deposit(t, e, "1000", "")
	_, err = e.Withdraw(ctx, grp, tally.Movement{Amount: dec("200")})
	require.NoError(t, err)
	snap, err = e.Pay(ctx, grp, tally.Payment{Amount: dec("15")})
	require.NoError(t, err)

	require.NotNil(t, snap.Gross)
	assert.True(t, snap.Gross.InflowGross.Equal(dec("50")))
	assert.True(t, snap.Gross.OutflowGross.Equal(dec("10")))
	assert.True(t, snap.Gross.FiatOutflow.Equal(dec("200")))
	assert.True(t, snap.Gross.Owed.Equal(dec("40")))
	assert.True(t, snap.Gross.Remaining.Equal(dec("25")))
	assert.True(t, snap.SettlementTotal.Equal(dec("80")))

	snap, err = e.SetSecondaryRates(ctx, grp, rate.Off, "op")
	require.NoError(t, err)
	assert.Equal(t, rate.ModePrimary, snap.Mode)
	assert.Nil(t, snap.Gross)

	// Turning the overlay back on shows what was accumulated.
	snap, err = e.SetSecondaryRates(ctx, grp, rate.Overlay{FeeRate: dec("10")}, "op")
	require.NoError(t, err)
	require.NotNil(t, snap.Gross)
	assert.True(t, snap.Gross.InflowGross.Equal(dec("50")))

	// A zero secondary exchange rate falls back to the primary one.
	snap = deposit(t, e, "100", "")
	assert.True(t, snap.Entry.GrossSettlementAmount.Equal(dec("9")))
	assert.True(t, snap.Gross.InflowGross.Equal(dec("59")))

	snap, err = e.Skip(ctx, grp, oplog.Ref{Index: 2}, "op")
	require.NoError(t, err)
	assert.True(t, snap.Gross.OutflowGross.IsZero())
	assert.True(t, snap.Gross.FiatOutflow.IsZero())
}

func TestHideInstrument(t *testing.T) {
	e, _ := configured(t, "10", "0")
	ctx := context.Background()

	deposit(t, e, "100", "A")
	deposit(t, e, "200", "B")

	require.NoError(t, e.HideInstrument(ctx, grp, "a", true))

	snap, err := e.Snapshot(ctx, grp)
	require.NoError(t, err)
	require.Len(t, snap.Visible(), 1)
	assert.Equal(t, "B", snap.Visible()[0].Code)
	assert.True(t, snap.Instrument("A").Total.Equal(dec("100")))
	assert.True(t, snap.FiatTotal.Equal(dec("300")))

	assert.ErrorIs(t, e.HideInstrument(ctx, grp, "C", true), tally.ErrUnknownInstrument)
	require.NoError(t, e.HideInstrument(ctx, grp, "A", false))
}

func TestReconcileClean(t *testing.T) {
	e, _ := configured(t, "14600", "2")
	ctx := context.Background()

	_, err := e.SetSecondaryRates(ctx, grp, rate.Overlay{FeeRate: dec("3"), ExchangeRate: dec("15000")}, "op")
	require.NoError(t, err)

	deposit(t, e, "1000000", "A")
	deposit(t, e, "250000", "B")
	_, err = e.Withdraw(ctx, grp, tally.Movement{Amount: dec("50000"), Code: "A"})
	require.NoError(t, err)
	_, err = e.Pay(ctx, grp, tally.Payment{Amount: dec("12.5"), Code: "B"})
	require.NoError(t, err)
	_, err = e.Skip(ctx, grp, oplog.Ref{Index: 2}, "op")
	require.NoError(t, err)

	drift, err := e.Reconcile(ctx, grp)
	require.NoError(t, err)
	assert.True(t, drift.Clean(), "drift: %+v", drift)

	_, err = e.Reset(ctx, grp, "op")
	require.NoError(t, err)
	deposit(t, e, "10", "C")

	drift, err = e.Reconcile(ctx, grp)
	require.NoError(t, err)
	assert.True(t, drift.Clean(), "drift: %+v", drift)
}

func TestConcurrentOperations(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	groups := []string{"g1", "g2", "g3"}

	for _, g := range groups {
		_, err := e.SetExchangeRate(ctx, g, dec("1"), "op")
		require.NoError(t, err)
	}

	const perGroup = 40
	var wg sync.WaitGroup
	errs := make(chan error, perGroup*len(groups))
	for _, g := range groups {
		for i := 0; i < perGroup; i++ {
			wg.Add(1)
			go func(g string, i int) {
				defer wg.Done()
				var err error
				if i%4 == 0 {
					_, err = e.Pay(ctx, g, tally.Payment{Amount: dec("1")})
				} else {
					_, err = e.Deposit(ctx, g, tally.Movement{Amount: dec("2"), Code: "A"})
				}
				errs <- err
			}(g, i)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for _, g := range groups {
		snap, err := e.Snapshot(ctx, g)
		require.NoError(t, err)
		assert.True(t, snap.FiatTotal.Equal(dec("60")), "group %s fiat %s", g, snap.FiatTotal)
		assert.True(t, snap.SettlementPaid.Equal(dec("10")))
		assertBalanced(t, snap)
		assert.Equal(t, int64(1+perGroup), snap.Version)

		drift, err := e.Reconcile(ctx, g)
		require.NoError(t, err)
		assert.True(t, drift.Clean())
	}
}

func TestConcurrentSkipsRevertOnce(t *testing.T) {
	e, _ := configured(t, "1", "0")
	ctx := context.Background()

	dep := deposit(t, e, "100", "")
	deposit(t, e, "5", "")

	const n = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, already int
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.SkipEntry(ctx, grp, dep.Entry.ID, "op")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, tally.ErrAlreadySkipped):
				already++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, already)

	snap, err := e.Snapshot(ctx, grp)
	require.NoError(t, err)
	assert.True(t, snap.FiatTotal.Equal(dec("5")))
}

func TestCanceledContextWaitingForGroup(t *testing.T) {
	e, _ := configured(t, "1", "0")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Deposit(ctx, grp, tally.Movement{Amount: dec("1")})
	// The lock may be free, in which case the deposit runs; otherwise
	// the wait is abandoned.
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}
}

func TestEmptyGroupIsRejected(t *testing.T) {
	e, _ := newEngine(t)
	_, err := e.Snapshot(context.Background(), " ")
	assert.ErrorIs(t, err, tally.ErrInvalidInput)
}

func TestStoppedEngine(t *testing.T) {
	e, _ := configured(t, "1", "0")
	require.NoError(t, e.Stop())
	require.NoError(t, e.Stop())

	_, err := e.Deposit(context.Background(), grp, tally.Movement{Amount: dec("1")})
	assert.ErrorIs(t, err, tally.ErrEngineStopped)
}

func TestSnapshotString(t *testing.T) {
	e, _ := configured(t, "14600", "2", tally.WithCurrencies("idr", "usd"))
	deposit(t, e, "1000000", "BCA")

	snap, err := e.Snapshot(context.Background(), grp)
	require.NoError(t, err)
	out := snap.String()
	assert.Contains(t, out, "group desk-1")
	assert.Contains(t, out, "[BCA]")
	assert.Contains(t, out, "$67.12")
}

func TestBackdatedEntryTakesEarlierOrdinal(t *testing.T) {
	e, _ := configured(t, "10", "0")
	ctx := context.Background()

	first := deposit(t, e, "100", "")
	early, err := e.Deposit(ctx, grp, tally.Movement{
		Amount: dec("5"),
		At:     first.Entry.Timestamp.Add(-time.Millisecond),
	})
	require.NoError(t, err)

	hist, err := e.History(ctx, grp)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, early.Entry.ID, hist[0].Entry.ID)
	assert.Equal(t, "1", hist[0].Ref.String())

	snap, err := e.Skip(ctx, grp, oplog.Ref{Index: 1}, "op")
	require.NoError(t, err)
	assert.True(t, snap.FiatTotal.Equal(dec("100")))
}

// recorder is a plugin that keeps what the engine emitted.
type recorder struct {
	mu       sync.Mutex
	recorded []*oplog.Entry
	skipped  []*oplog.Entry
	rejected []error
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) OnEntryRecorded(_ context.Context, v interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recorded = append(r.recorded, v.(*oplog.Entry))
	return nil
}

func (r *recorder) OnEntrySkipped(_ context.Context, target, _ interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skipped = append(r.skipped, target.(*oplog.Entry))
	return nil
}

func (r *recorder) OnOperationRejected(_ context.Context, _, _ string, err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected = append(r.rejected, err)
	return errors.New("plugin failures are logged only")
}

func TestPluginsObserveOperations(t *testing.T) {
	rec := &recorder{}
	e, _ := configured(t, "10", "0", tally.WithPlugin(rec))
	ctx := context.Background()

	dep := deposit(t, e, "100", "")
	_, err := e.Skip(ctx, grp, oplog.Ref{Index: 1}, "op")
	require.NoError(t, err)
	_, err = e.Pay(ctx, grp, tally.Payment{Amount: decimal.Zero})
	require.ErrorIs(t, err, tally.ErrNoOp)

	rec.mu.Lock()
	defer rec.mu.Unlock()

	kinds := make([]oplog.Kind, 0, len(rec.recorded))
	for _, en := range rec.recorded {
		kinds = append(kinds, en.Kind)
	}
	assert.Equal(t, []oplog.Kind{oplog.KindSetExchangeRate, oplog.KindSetFeeRate, oplog.KindDeposit, oplog.KindSkip}, kinds)

	require.Len(t, rec.skipped, 1)
	assert.Equal(t, dep.Entry.ID, rec.skipped[0].ID)
	assert.False(t, rec.skipped[0].Skipped, "target is passed as it was before the skip")

	require.Len(t, rec.rejected, 1)
	assert.ErrorIs(t, rec.rejected[0], tally.ErrNoOp)
}

// gatedStore blocks commits until gate is closed.
type gatedStore struct {
	*memory.Store
	entered chan struct{}
	gate    chan struct{}
}

func (s *gatedStore) Commit(ctx context.Context, c *store.Change) error {
	s.entered <- struct{}{}
	<-s.gate
	return s.Store.Commit(ctx, c)
}

func TestGroupLocksAreReleased(t *testing.T) {
	gs := &gatedStore{Store: memory.New(), entered: make(chan struct{}, 1), gate: make(chan struct{})}
	e := tally.New(gs)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := e.SetExchangeRate(ctx, grp, dec("10"), "op")
		done <- err
	}()
	<-gs.entered

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err := e.SetFeeRate(waitCtx, grp, dec("1"), "op")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, e.GroupLocks(), "the holder still owns the entry")

	close(gs.gate)
	require.NoError(t, <-done)
	assert.Equal(t, 0, e.GroupLocks())

	for _, g := range []string{"a", "b", "c"} {
		_, err := e.SetExchangeRate(ctx, g, dec("10"), "op")
		require.NoError(t, err)
		_, err = e.Snapshot(ctx, g)
		require.NoError(t, err)
	}
	assert.Equal(t, 0, e.GroupLocks())
}
