// Package storetest is a conformance suite for store.Store backends.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally"
	"github.com/xraph/tally/card"
	"github.com/xraph/tally/group"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/oplog"
	"github.com/xraph/tally/rate"
	"github.com/xraph/tally/store"
)

// Factory returns a fresh, migrated, empty store. The suite closes it.
type Factory func(t *testing.T) store.Store

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Run exercises every store.Store contract against stores from newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"NotFound", testNotFound},
		{"LedgerRoundTrip", testLedgerRoundTrip},
		{"VersionCheck", testVersionCheck},
		{"EntryRoundTrip", testEntryRoundTrip},
		{"ListEntriesOrderAndFilter", testListEntries},
		{"Cards", testCards},
		{"Mark", testMark},
		{"FailedCommitAppliesNothing", testFailedCommit},
		{"Wipe", testWipe},
		{"GroupIsolation", testGroupIsolation},
		{"Engine", testEngine},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			require.NoError(t, s.Migrate(context.Background()), "migrate must be idempotent")
			require.NoError(t, s.Ping(context.Background()))
			tt.fn(t, s)
		})
	}
}

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func assertDec(t *testing.T, want, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.True(t, want.Equal(got), append([]interface{}{"want %s, got %s", want, got}, msgAndArgs...)...)
}

func ledgerAt(groupID string, version int64, at time.Time) *group.Ledger {
	l := group.New(groupID, at)
	l.Version = version
	return l
}

func entry(groupID string, seq int64, kind oplog.Kind, at time.Time, fiat string) *oplog.Entry {
	return &oplog.Entry{
		ID:               id.NewEntryID(),
		GroupID:          groupID,
		Seq:              seq,
		Kind:             kind,
		FiatAmount:       dec(fiat),
		SettlementAmount: dec(fiat).Div(dec("4")),
		ExchangeRate:     dec("4"),
		Actor:            "op",
		Timestamp:        at,
	}
}

// commitChain commits ledger versions 1..n-1 with the given appends so
// that the next commit uses version len(appends)+1.
func commitChain(t *testing.T, s store.Store, groupID string, appends ...*oplog.Entry) {
	t.Helper()
	ctx := context.Background()
	for i, e := range appends {
		v := int64(i + 1)
		if e != nil {
			e.Seq = v
		}
		require.NoError(t, s.Commit(ctx, &store.Change{
			GroupID: groupID,
			Ledger:  ledgerAt(groupID, v, base),
			Append:  e,
		}))
	}
}

func testNotFound(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.GetLedger(ctx, "nobody")
	assert.ErrorIs(t, err, tally.ErrGroupNotFound)

	_, err = s.GetCard(ctx, "nobody", "A")
	assert.ErrorIs(t, err, tally.ErrUnknownInstrument)

	_, err = s.GetEntry(ctx, "nobody", id.NewEntryID())
	assert.ErrorIs(t, err, tally.ErrEntryNotFound)

	cards, err := s.ListCards(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, cards)

	entries, err := s.ListEntries(ctx, "nobody", oplog.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func testLedgerRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()

	l := ledgerAt("g", 1, base)
	l.Rates = rate.Context{
		FeeRate:      dec("2.5"),
		ExchangeRate: dec("14600"),
		Overlay:      rate.Overlay{FeeRate: dec("1"), ExchangeRate: dec("15000.125")},
	}
	l.Totals = group.Totals{
		FiatTotal:              dec("1000000"),
		SettlementTotal:        dec("67.1232876712328767"),
		SettlementPaid:         dec("10"),
		SettlementRemaining:    dec("57.1232876712328767"),
		FiatOutflow:            dec("500"),
		SettlementInflowGross:  dec("66"),
		SettlementOutflowGross: dec("0.033"),
	}
	l.PeriodStart = base.Add(-time.Hour)
	l.UpdatedAt = base.Add(time.Minute)

	require.NoError(t, s.Commit(ctx, &store.Change{GroupID: "g", Ledger: l}))

	got, err := s.GetLedger(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, "g", got.GroupID)
	assert.Equal(t, int64(1), got.Version)
	assertDec(t, l.Rates.FeeRate, got.Rates.FeeRate)
	assertDec(t, l.Rates.ExchangeRate, got.Rates.ExchangeRate)
	assertDec(t, l.Rates.Overlay.FeeRate, got.Rates.Overlay.FeeRate)
	assertDec(t, l.Rates.Overlay.ExchangeRate, got.Rates.Overlay.ExchangeRate)
	assert.True(t, l.Totals.Equal(got.Totals), "totals: %+v", got.Totals)
	assert.True(t, l.PeriodStart.Equal(got.PeriodStart))
	assert.True(t, l.CreatedAt.Equal(got.CreatedAt))
	assert.True(t, l.UpdatedAt.Equal(got.UpdatedAt))

	// Reads are copies.
	got.Totals.FiatTotal = decimal.Zero
	again, err := s.GetLedger(ctx, "g")
	require.NoError(t, err)
	assertDec(t, dec("1000000"), again.Totals.FiatTotal)
}

func testVersionCheck(t *testing.T, s store.Store) {
	ctx := context.Background()

	require.NoError(t, s.Commit(ctx, &store.Change{GroupID: "g", Ledger: ledgerAt("g", 1, base)}))

	err := s.Commit(ctx, &store.Change{GroupID: "g", Ledger: ledgerAt("g", 1, base)})
	assert.ErrorIs(t, err, tally.ErrConcurrentUpdate)

	err = s.Commit(ctx, &store.Change{GroupID: "g", Ledger: ledgerAt("g", 3, base)})
	assert.ErrorIs(t, err, tally.ErrConcurrentUpdate)

	err = s.Commit(ctx, &store.Change{GroupID: "other", Ledger: ledgerAt("other", 2, base)})
	assert.ErrorIs(t, err, tally.ErrConcurrentUpdate)

	require.NoError(t, s.Commit(ctx, &store.Change{GroupID: "g", Ledger: ledgerAt("g", 2, base)}))

	got, err := s.GetLedger(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)

	err = s.Commit(ctx, &store.Change{GroupID: "g", Ledger: ledgerAt("x", 3, base)})
	assert.Error(t, err, "mismatched group")
}

func testEntryRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()

	e := &oplog.Entry{
		ID:                    id.NewEntryID(),
		GroupID:               "g",
		Seq:                   1,
		Kind:                  oplog.KindWithdraw,
		FiatAmount:            dec("-1500.25"),
		SettlementAmount:      dec("-0.1006849315068493"),
		GrossSettlementAmount: dec("-0.099"),
		FeeRate:               dec("2"),
		ExchangeRate:          dec("14600"),
		SecondaryFeeRate:      dec("1"),
		SecondaryExchangeRate: dec("15000"),
		Code:                  "BCA",
		Actor:                 "alice",
		Timestamp:             base.Add(123456789 * time.Nanosecond),
	}
	commitChain(t, s, "g", e)

	skip := &oplog.Entry{
		ID:        id.NewEntryID(),
		GroupID:   "g",
		Kind:      oplog.KindSkip,
		TargetID:  e.ID,
		Ref:       "!2",
		Actor:     "bob",
		Timestamp: base.Add(time.Second),
	}
	commitChainFrom(t, s, "g", 2, skip)

	got, err := s.GetEntry(ctx, "g", e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.ID.String(), got.ID.String())
	assert.Equal(t, "g", got.GroupID)
	assert.Equal(t, int64(1), got.Seq)
	assert.Equal(t, oplog.KindWithdraw, got.Kind)
	assertDec(t, e.FiatAmount, got.FiatAmount)
	assertDec(t, e.SettlementAmount, got.SettlementAmount)
	assertDec(t, e.GrossSettlementAmount, got.GrossSettlementAmount)
	assertDec(t, e.FeeRate, got.FeeRate)
	assertDec(t, e.ExchangeRate, got.ExchangeRate)
	assertDec(t, e.SecondaryFeeRate, got.SecondaryFeeRate)
	assertDec(t, e.SecondaryExchangeRate, got.SecondaryExchangeRate)
	assert.Equal(t, "BCA", got.Code)
	assert.Equal(t, "alice", got.Actor)
	assert.True(t, e.Timestamp.Equal(got.Timestamp), "timestamp %s", got.Timestamp)
	assert.False(t, got.Skipped)
	assert.Empty(t, got.SkipReason)
	assert.True(t, got.TargetID.IsNil())

	gotSkip, err := s.GetEntry(ctx, "g", skip.ID)
	require.NoError(t, err)
	assert.Equal(t, e.ID.String(), gotSkip.TargetID.String())
	assert.Equal(t, "!2", gotSkip.Ref)

	_, err = s.GetEntry(ctx, "other", e.ID)
	assert.ErrorIs(t, err, tally.ErrEntryNotFound)
}

// commitChainFrom continues a chain at version from.
func commitChainFrom(t *testing.T, s store.Store, groupID string, from int64, appends ...*oplog.Entry) {
	t.Helper()
	ctx := context.Background()
	for i, e := range appends {
		v := from + int64(i)
		if e != nil {
			e.Seq = v
		}
		require.NoError(t, s.Commit(ctx, &store.Change{
			GroupID: groupID,
			Ledger:  ledgerAt(groupID, v, base),
			Append:  e,
		}))
	}
}

func testListEntries(t *testing.T, s store.Store) {
	ctx := context.Background()

	same := base.Add(2 * time.Second)
	e1 := entry("g", 0, oplog.KindDeposit, same, "10")
	e2 := entry("g", 0, oplog.KindPayment, base.Add(time.Second), "1")
	e3 := entry("g", 0, oplog.KindDeposit, same, "30")
	e4 := entry("g", 0, oplog.KindReset, base.Add(3*time.Second), "0")
	commitChain(t, s, "g", e1, e2, e3, e4)

	all, err := s.ListEntries(ctx, "g", oplog.ListOpts{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	ids := func(es []*oplog.Entry) []string {
		out := make([]string, len(es))
		for i, e := range es {
			out[i] = e.ID.String()
		}
		return out
	}
	// Equal timestamps fall back to commit order.
	assert.Equal(t, []string{e2.ID.String(), e1.ID.String(), e3.ID.String(), e4.ID.String()}, ids(all))

	after, err := s.ListEntries(ctx, "g", oplog.ListOpts{After: base.Add(time.Second)})
	require.NoError(t, err)
	assert.Equal(t, []string{e1.ID.String(), e3.ID.String(), e4.ID.String()}, ids(after))

	deposits, err := s.ListEntries(ctx, "g", oplog.ListOpts{Kinds: []oplog.Kind{oplog.KindDeposit, oplog.KindPayment}})
	require.NoError(t, err)
	assert.Equal(t, []string{e2.ID.String(), e1.ID.String(), e3.ID.String()}, ids(deposits))
}

func testCards(t *testing.T, s store.Store) {
	ctx := context.Background()

	b := card.New("g", "b", base)
	b.Total = dec("100.5")
	b.Paid = dec("2")
	b.Limit = dec("1000")
	b.Hidden = true
	a := card.New("g", "A", base)
	a.Total = dec("-5")

	require.NoError(t, s.Commit(ctx, &store.Change{
		GroupID: "g",
		Ledger:  ledgerAt("g", 1, base),
		Cards:   []*card.Card{b, a},
	}))

	cards, err := s.ListCards(ctx, "g")
	require.NoError(t, err)
	require.Len(t, cards, 2)
	assert.Equal(t, "A", cards[0].Code)
	assert.Equal(t, "B", cards[1].Code)

	got, err := s.GetCard(ctx, "g", " b ")
	require.NoError(t, err)
	assertDec(t, dec("100.5"), got.Total)
	assertDec(t, dec("2"), got.Paid)
	assertDec(t, dec("1000"), got.Limit)
	assert.True(t, got.Hidden)
	assert.True(t, b.LastUpdated.Equal(got.LastUpdated))
	assert.Equal(t, "g", got.GroupID)

	// Upsert replaces.
	got.Total = dec("0")
	got.Hidden = false
	require.NoError(t, s.Commit(ctx, &store.Change{
		GroupID: "g",
		Ledger:  ledgerAt("g", 2, base),
		Cards:   []*card.Card{got},
	}))
	again, err := s.GetCard(ctx, "g", "B")
	require.NoError(t, err)
	assert.True(t, again.Total.IsZero())
	assert.False(t, again.Hidden)

	// DropCards runs before the upserts of the same change.
	c := card.New("g", "C", base)
	require.NoError(t, s.Commit(ctx, &store.Change{
		GroupID:   "g",
		Ledger:    ledgerAt("g", 3, base),
		DropCards: true,
		Cards:     []*card.Card{c},
	}))
	cards, err = s.ListCards(ctx, "g")
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Equal(t, "C", cards[0].Code)
}

func testMark(t *testing.T, s store.Store) {
	ctx := context.Background()

	target := entry("g", 0, oplog.KindDeposit, base.Add(time.Second), "10")
	commitChain(t, s, "g", target)

	skip := entry("g", 0, oplog.KindSkip, base.Add(2*time.Second), "10")
	skip.TargetID = target.ID
	require.NoError(t, s.Commit(ctx, &store.Change{
		GroupID: "g",
		Ledger:  ledgerAt("g", 2, base),
		Mark:    &oplog.Mark{EntryID: target.ID, Reason: "skipped by op"},
		Append:  withSeq(skip, 2),
	}))

	got, err := s.GetEntry(ctx, "g", target.ID)
	require.NoError(t, err)
	assert.True(t, got.Skipped)
	assert.Equal(t, "skipped by op", got.SkipReason)

	err = s.Commit(ctx, &store.Change{
		GroupID: "g",
		Ledger:  ledgerAt("g", 3, base),
		Mark:    &oplog.Mark{EntryID: target.ID, Reason: "again"},
	})
	assert.ErrorIs(t, err, tally.ErrAlreadySkipped)

	err = s.Commit(ctx, &store.Change{
		GroupID: "g",
		Ledger:  ledgerAt("g", 3, base),
		Mark:    &oplog.Mark{EntryID: id.NewEntryID(), Reason: "missing"},
	})
	assert.ErrorIs(t, err, tally.ErrEntryNotFound)

	got, err = s.GetEntry(ctx, "g", target.ID)
	require.NoError(t, err)
	assert.Equal(t, "skipped by op", got.SkipReason, "reason is set once")
}

func withSeq(e *oplog.Entry, seq int64) *oplog.Entry {
	e.Seq = seq
	return e
}

func testFailedCommit(t *testing.T, s store.Store) {
	ctx := context.Background()

	target := entry("g", 0, oplog.KindDeposit, base.Add(time.Second), "10")
	commitChain(t, s, "g", target)

	l := ledgerAt("g", 2, base)
	l.Totals.FiatTotal = dec("999")
	err := s.Commit(ctx, &store.Change{
		GroupID: "g",
		Ledger:  l,
		Cards:   []*card.Card{card.New("g", "Z", base)},
		Mark:    &oplog.Mark{EntryID: id.NewEntryID(), Reason: "missing"},
		Append:  withSeq(entry("g", 0, oplog.KindSkip, base.Add(time.Minute), "1"), 2),
	})
	require.ErrorIs(t, err, tally.ErrEntryNotFound)

	got, err := s.GetLedger(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.True(t, got.Totals.FiatTotal.IsZero())

	entries, err := s.ListEntries(ctx, "g", oplog.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	_, err = s.GetCard(ctx, "g", "Z")
	assert.ErrorIs(t, err, tally.ErrUnknownInstrument)
}

func testWipe(t *testing.T, s store.Store) {
	ctx := context.Background()

	old := entry("g", 0, oplog.KindDeposit, base.Add(time.Second), "10")
	commitChain(t, s, "g", old)
	require.NoError(t, s.Commit(ctx, &store.Change{
		GroupID: "g",
		Ledger:  ledgerAt("g", 2, base),
		Cards:   []*card.Card{card.New("g", "A", base)},
	}))

	wipe := withSeq(entry("g", 0, oplog.KindWipe, base.Add(time.Hour), "0"), 3)
	require.NoError(t, s.Commit(ctx, &store.Change{
		GroupID:   "g",
		Ledger:    ledgerAt("g", 3, base),
		Wipe:      true,
		DropCards: true,
		Append:    wipe,
	}))

	entries, err := s.ListEntries(ctx, "g", oplog.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, wipe.ID.String(), entries[0].ID.String())

	_, err = s.GetEntry(ctx, "g", old.ID)
	assert.ErrorIs(t, err, tally.ErrEntryNotFound)

	cards, err := s.ListCards(ctx, "g")
	require.NoError(t, err)
	assert.Empty(t, cards)
}

func testGroupIsolation(t *testing.T, s store.Store) {
	ctx := context.Background()

	commitChain(t, s, "g1", entry("g1", 0, oplog.KindDeposit, base.Add(time.Second), "1"))
	commitChain(t, s, "g2", entry("g2", 0, oplog.KindDeposit, base.Add(time.Second), "2"))
	require.NoError(t, s.Commit(ctx, &store.Change{
		GroupID: "g1",
		Ledger:  ledgerAt("g1", 2, base),
		Cards:   []*card.Card{card.New("g1", "A", base)},
	}))

	require.NoError(t, s.Commit(ctx, &store.Change{
		GroupID:   "g2",
		Ledger:    ledgerAt("g2", 2, base),
		Wipe:      true,
		DropCards: true,
	}))

	entries, err := s.ListEntries(ctx, "g1", oplog.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	cards, err := s.ListCards(ctx, "g1")
	require.NoError(t, err)
	assert.Len(t, cards, 1)

	entries, err = s.ListEntries(ctx, "g2", oplog.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// testEngine runs a full ledger session against the store.
func testEngine(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := base
	e := tally.New(s, tally.WithClock(func() time.Time {
		now = now.Add(time.Second)
		return now
	}))

	_, err := e.SetExchangeRate(ctx, "g", dec("14600"), "op")
	require.NoError(t, err)
	_, err = e.SetFeeRate(ctx, "g", dec("2"), "op")
	require.NoError(t, err)
	_, err = e.SetSecondaryRates(ctx, "g", rate.Overlay{FeeRate: dec("3")}, "op")
	require.NoError(t, err)

	snap, err := e.Deposit(ctx, "g", tally.Movement{Amount: dec("1000000"), Code: "A", Limit: dec("5000000")})
	require.NoError(t, err)
	assert.Equal(t, "67.1233", snap.SettlementTotal.Round(4).String())

	_, err = e.Deposit(ctx, "g", tally.Movement{Amount: dec("250000"), Code: "B"})
	require.NoError(t, err)
	_, err = e.Withdraw(ctx, "g", tally.Movement{Amount: dec("100000"), Code: "A"})
	require.NoError(t, err)
	_, err = e.Pay(ctx, "g", tally.Payment{Amount: dec("20"), Code: "A"})
	require.NoError(t, err)

	snap, err = e.Skip(ctx, "g", oplog.Ref{Index: 2}, "op")
	require.NoError(t, err)
	assertDec(t, dec("900000"), snap.FiatTotal)
	assert.True(t, snap.Instrument("B").Total.IsZero())

	_, err = e.Skip(ctx, "g", oplog.Ref{Index: 3}, "op")
	assert.ErrorIs(t, err, tally.ErrEntryNotFound)

	drift, err := e.Reconcile(ctx, "g")
	require.NoError(t, err)
	assert.True(t, drift.Clean(), "drift: %+v", drift)

	hist, err := e.History(ctx, "g")
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, "!1", hist[2].Ref.String())

	snap, err = e.Reset(ctx, "g", "op")
	require.NoError(t, err)
	assert.True(t, snap.SettlementRemaining.IsZero())
	assert.True(t, snap.Configured)

	require.NoError(t, e.Wipe(ctx, "g", "op"))
	snap, err = e.Snapshot(ctx, "g")
	require.NoError(t, err)
	assert.False(t, snap.Configured)
}
