package tally

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/oplog"
)

var revertible = []oplog.Kind{oplog.KindDeposit, oplog.KindWithdraw, oplog.KindPayment}

// Skip reverts the entry at ref in the current period. Ordinals are
// resolved against the log as it is now: after a skip, later entries of
// the same space move down by one.
func (e *Engine) Skip(ctx context.Context, groupID string, ref oplog.Ref, actor string) (*Snapshot, error) {
	return e.apply(ctx, groupID, "skip", func(t *txn) error {
		if ref.Index < 1 {
			return fmt.Errorf("%w: %q", ErrMalformedRef, ref.String())
		}

		entries, err := e.store.ListEntries(ctx, groupID, oplog.ListOpts{
			After: t.base.PeriodStart,
			Kinds: revertible,
		})
		if err != nil {
			return fmt.Errorf("tally: list entries of %q: %w", groupID, err)
		}

		target, err := oplog.Resolve(entries, t.base.PeriodStart, ref)
		if err != nil {
			return err
		}
		return t.revert(target, ref.String(), actor)
	})
}

// SkipEntry reverts an entry addressed by its ID. Unlike ordinals, an
// ID keeps pointing at the same entry, so a repeated call reports
// ErrAlreadySkipped.
func (e *Engine) SkipEntry(ctx context.Context, groupID string, entryID id.EntryID, actor string) (*Snapshot, error) {
	return e.apply(ctx, groupID, "skip", func(t *txn) error {
		target, err := e.store.GetEntry(ctx, groupID, entryID)
		if err != nil {
			return err
		}
		if !target.Timestamp.After(t.base.PeriodStart) {
			return fmt.Errorf("%w: %s was recorded before the current period", ErrEntryNotFound, entryID)
		}
		return t.revert(target, entryID.String(), actor)
	})
}

// revert subtracts the stored effect of target, flags it, and appends
// the skip entry. All of it commits as one change.
func (t *txn) revert(target *oplog.Entry, ref, actor string) error {
	if !target.Kind.Revertible() {
		return fmt.Errorf("%w: %s entry %s", ErrNotRevertible, target.Kind, target.ID)
	}
	if target.Skipped {
		return fmt.Errorf("%w: %s (%s)", ErrAlreadySkipped, target.ID, target.SkipReason)
	}

	t.next.Totals.Revert(target)

	if target.Code != "" {
		c, err := t.card(target.Code, false)
		switch {
		case errors.Is(err, ErrUnknownInstrument):
			t.e.logger.Warn("tally: reverting entry of missing instrument",
				"group", t.groupID,
				"entry", target.ID.String(),
				"code", target.Code,
			)
		case err != nil:
			return err
		default:
			c.Revert(target, t.now)
			t.stage(c)
		}
	}

	reason := oplog.SkipReason(actor, t.now)
	t.change.Mark = &oplog.Mark{EntryID: target.ID, Reason: reason}

	audit := t.entry(oplog.KindSkip, actor, t.now)
	audit.TargetID = target.ID
	audit.Ref = ref
	audit.Code = target.Code
	audit.FiatAmount = target.FiatAmount
	audit.SettlementAmount = target.SettlementAmount
	audit.GrossSettlementAmount = target.GrossSettlementAmount
	t.append(audit)

	reverted := target.Clone()
	t.emit(func(ctx context.Context) {
		t.e.plugins.EmitEntrySkipped(ctx, reverted, audit.Clone())
	})
	return nil
}

// History returns the addressable entries of the current period with
// the ordinals Skip would resolve them to right now, in time order.
func (e *Engine) History(ctx context.Context, groupID string) ([]oplog.Numbered, error) {
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
	entries, err := e.store.ListEntries(ctx, groupID, oplog.ListOpts{
		After: led.PeriodStart,
		Kinds: revertible,
	})
	if err != nil {
		return nil, fmt.Errorf("tally: list entries of %q: %w", groupID, err)
	}
	return oplog.Number(entries, led.PeriodStart), nil
}
