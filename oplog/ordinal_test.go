package oplog_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/oplog"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func entry(seq int64, kind oplog.Kind, offset time.Duration) *oplog.Entry {
	return &oplog.Entry{
		ID:        id.NewEntryID(),
		Seq:       seq,
		Kind:      kind,
		Timestamp: t0.Add(offset),
	}
}

func TestParseRef(t *testing.T) {
	tests := []struct {
		in      string
		want    oplog.Ref
		wantErr bool
	}{
		{"3", oplog.Ref{Index: 3}, false},
		{" !2 ", oplog.Ref{Index: 2, Payment: true}, false},
		{"0", oplog.Ref{}, true},
		{"!0", oplog.Ref{}, true},
		{"-1", oplog.Ref{}, true},
		{"!", oplog.Ref{}, true},
		{"abc", oplog.Ref{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := oplog.ParseRef(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, oplog.ErrMalformedRef)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want.String(), got.String())
		})
	}
}

func TestSequenceFiltersAndOrders(t *testing.T) {
	periodStart := t0
	before := entry(1, oplog.KindDeposit, -time.Minute)
	atBoundary := entry(2, oplog.KindDeposit, 0)
	d2 := entry(5, oplog.KindDeposit, 3*time.Minute)
	w1 := entry(4, oplog.KindWithdraw, 2*time.Minute)
	d1 := entry(3, oplog.KindDeposit, time.Minute)
	p1 := entry(6, oplog.KindPayment, 4*time.Minute)
	rateChange := entry(7, oplog.KindSetFeeRate, 5*time.Minute)
	skipped := entry(8, oplog.KindDeposit, 6*time.Minute)
	skipped.Skipped = true

	log := []*oplog.Entry{before, atBoundary, d2, w1, d1, p1, rateChange, skipped}

	movements := oplog.Sequence(log, periodStart, false)
	assert.Equal(t, []*oplog.Entry{d1, w1, d2}, movements)

	payments := oplog.Sequence(log, periodStart, true)
	assert.Equal(t, []*oplog.Entry{p1}, payments)
}

func TestSequenceTieBreaksOnSeq(t *testing.T) {
	a := entry(2, oplog.KindDeposit, time.Second)
	b := entry(1, oplog.KindDeposit, time.Second)
	got := oplog.Sequence([]*oplog.Entry{a, b}, t0, false)
	assert.Equal(t, []*oplog.Entry{b, a}, got)
}

func TestResolve(t *testing.T) {
	d1 := entry(1, oplog.KindDeposit, time.Minute)
	d2 := entry(2, oplog.KindDeposit, 2*time.Minute)
	p1 := entry(3, oplog.KindPayment, 3*time.Minute)
	log := []*oplog.Entry{d1, d2, p1}

	got, err := oplog.Resolve(log, t0, oplog.Ref{Index: 2})
	require.NoError(t, err)
	assert.Same(t, d2, got)

	got, err = oplog.Resolve(log, t0, oplog.Ref{Index: 1, Payment: true})
	require.NoError(t, err)
	assert.Same(t, p1, got)

	_, err = oplog.Resolve(log, t0, oplog.Ref{Index: 3})
	var rangeErr *oplog.RangeError
	require.ErrorAs(t, err, &rangeErr)
	assert.Equal(t, 2, rangeErr.Count)
	assert.ErrorIs(t, err, oplog.ErrEntryNotFound)
	assert.Contains(t, err.Error(), "valid range is 1-2")

	_, err = oplog.Resolve(log, t0, oplog.Ref{Index: 2, Payment: true})
	require.ErrorAs(t, err, &rangeErr)
	assert.Contains(t, err.Error(), "valid range is !1-!1")
}

func TestResolveRenumbersAfterSkip(t *testing.T) {
	d1 := entry(1, oplog.KindDeposit, time.Minute)
	d2 := entry(2, oplog.KindDeposit, 2*time.Minute)
	d3 := entry(3, oplog.KindDeposit, 3*time.Minute)
	log := []*oplog.Entry{d1, d2, d3}

	d1.Skipped = true

	got, err := oplog.Resolve(log, t0, oplog.Ref{Index: 1})
	require.NoError(t, err)
	assert.Same(t, d2, got)

	_, err = oplog.Resolve(log, t0, oplog.Ref{Index: 3})
	assert.True(t, errors.Is(err, oplog.ErrEntryNotFound))
}

func TestResolveEmptyPeriod(t *testing.T) {
	old := entry(1, oplog.KindDeposit, time.Minute)
	_, err := oplog.Resolve([]*oplog.Entry{old}, t0.Add(time.Hour), oplog.Ref{Index: 1})
	require.ErrorIs(t, err, oplog.ErrEntryNotFound)
	assert.Contains(t, err.Error(), "nothing to address")
}

func TestNumber(t *testing.T) {
	d1 := entry(1, oplog.KindDeposit, time.Minute)
	p1 := entry(2, oplog.KindPayment, 2*time.Minute)
	w1 := entry(3, oplog.KindWithdraw, 3*time.Minute)
	audit := entry(4, oplog.KindSkip, 4*time.Minute)

	got := oplog.Number([]*oplog.Entry{w1, audit, p1, d1}, t0)
	require.Len(t, got, 3)
	assert.Equal(t, "1", got[0].Ref.String())
	assert.Same(t, d1, got[0].Entry)
	assert.Equal(t, "!1", got[1].Ref.String())
	assert.Same(t, p1, got[1].Entry)
	assert.Equal(t, "2", got[2].Ref.String())
	assert.Same(t, w1, got[2].Entry)
}

func TestListOptsMatch(t *testing.T) {
	e := entry(1, oplog.KindPayment, time.Minute)

	assert.True(t, oplog.ListOpts{}.Match(e))
	assert.True(t, oplog.ListOpts{After: t0}.Match(e))
	assert.False(t, oplog.ListOpts{After: e.Timestamp}.Match(e))
	assert.True(t, oplog.ListOpts{Kinds: []oplog.Kind{oplog.KindDeposit, oplog.KindPayment}}.Match(e))
	assert.False(t, oplog.ListOpts{Kinds: []oplog.Kind{oplog.KindDeposit}}.Match(e))
}

func TestKinds(t *testing.T) {
	for _, k := range []oplog.Kind{oplog.KindDeposit, oplog.KindWithdraw, oplog.KindPayment} {
		assert.True(t, k.Revertible(), k)
	}
	for _, k := range []oplog.Kind{oplog.KindSetFeeRate, oplog.KindSetExchangeRate, oplog.KindSetSecondaryRates, oplog.KindReset, oplog.KindSkip, oplog.KindWipe} {
		assert.False(t, k.Revertible(), k)
		assert.True(t, k.Valid(), k)
	}
	assert.False(t, oplog.Kind("refund").Valid())
}
