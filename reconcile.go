package tally

import (
	"context"
	"fmt"
	"sort"

	"github.com/xraph/tally/card"
	"github.com/xraph/tally/group"
	"github.com/xraph/tally/oplog"
)

// Drift compares a group's stored aggregates with a fold over its log.
type Drift struct {
	GroupID string       `json:"group_id"`
	Stored  group.Totals `json:"stored"`
	Folded  group.Totals `json:"folded"`
	Cards   []CardDrift  `json:"cards,omitempty"`
}

// CardDrift is one instrument whose stored balances differ from the fold.
type CardDrift struct {
	Code   string        `json:"code"`
	Stored card.Balances `json:"stored"`
	Folded card.Balances `json:"folded"`
}

// Clean reports whether nothing drifted.
func (d *Drift) Clean() bool {
	return d.Stored.Equal(d.Folded) && len(d.Cards) == 0
}

// Reconcile folds the current period's log and compares the result with
// the stored group aggregates and instrument balances. It reports and
// never repairs.
func (e *Engine) Reconcile(ctx context.Context, groupID string) (*Drift, error) {
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
	entries, err := e.store.ListEntries(ctx, groupID, oplog.ListOpts{After: led.PeriodStart})
	if err != nil {
		return nil, fmt.Errorf("tally: list entries of %q: %w", groupID, err)
	}
	cards, err := e.store.ListCards(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("tally: list cards of %q: %w", groupID, err)
	}

	d := &Drift{
		GroupID: groupID,
		Stored:  led.Totals,
		Folded:  group.Fold(entries, led.PeriodStart),
	}

	folded := card.Fold(entries, led.PeriodStart)
	stored := make(map[string]card.Balances, len(cards))
	for _, c := range cards {
		stored[c.Code] = card.Balances{Total: c.Total, Paid: c.Paid}
	}

	codes := make(map[string]struct{}, len(stored)+len(folded))
	for code := range stored {
		codes[code] = struct{}{}
	}
	for code := range folded {
		codes[code] = struct{}{}
	}
	for code := range codes {
		s, f := stored[code], folded[code]
		if s.Total.Equal(f.Total) && s.Paid.Equal(f.Paid) {
			continue
		}
		d.Cards = append(d.Cards, CardDrift{Code: code, Stored: s, Folded: f})
	}
	sort.Slice(d.Cards, func(i, j int) bool { return d.Cards[i].Code < d.Cards[j].Code })

	if !d.Clean() {
		e.logger.Warn("tally: aggregates drifted from log",
			"group", groupID,
			"cards", len(d.Cards),
		)
	}
	return d, nil
}
