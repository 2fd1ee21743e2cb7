package tally

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/tally/card"
	"github.com/xraph/tally/group"
	"github.com/xraph/tally/oplog"
	"github.com/xraph/tally/rate"
	"github.com/xraph/tally/types"
)

// Snapshot is the state of a group returned by every operation.
type Snapshot struct {
	GroupID string `json:"group_id"`
	Version int64  `json:"version"`

	FiatTotal           decimal.Decimal `json:"fiat_total"`
	SettlementTotal     decimal.Decimal `json:"settlement_total"`
	SettlementPaid      decimal.Decimal `json:"settlement_paid"`
	SettlementRemaining decimal.Decimal `json:"settlement_remaining"`

	FeeRate      decimal.Decimal `json:"fee_rate"`
	ExchangeRate decimal.Decimal `json:"exchange_rate"`
	Configured   bool            `json:"configured"`
	Mode         rate.Mode       `json:"mode"`
	Overlay      rate.Overlay    `json:"overlay"`

	// Gross is set only while the overlay is active.
	Gross *GrossTotals `json:"gross,omitempty"`

	Instruments []*card.Card `json:"instruments"`
	PeriodStart time.Time    `json:"period_start"`

	// Entry is the log entry the operation appended. Nil for reads and no-ops.
	Entry *oplog.Entry `json:"entry,omitempty"`

	FiatCurrency       string `json:"fiat_currency"`
	SettlementCurrency string `json:"settlement_currency"`
}

// GrossTotals are the gross-mode aggregates.
type GrossTotals struct {
	FiatOutflow  decimal.Decimal `json:"fiat_outflow"`
	InflowGross  decimal.Decimal `json:"inflow_gross"`
	OutflowGross decimal.Decimal `json:"outflow_gross"`
	Owed         decimal.Decimal `json:"owed"`
	Remaining    decimal.Decimal `json:"remaining"`
}

func (e *Engine) snapshot(ctx context.Context, led *group.Ledger, appended *oplog.Entry) (*Snapshot, error) {
	cards, err := e.store.ListCards(ctx, led.GroupID)
	if err != nil {
		return nil, fmt.Errorf("tally: list cards of %q: %w", led.GroupID, err)
	}
	card.SortByCode(cards)

	t := led.Totals
	s := &Snapshot{
		GroupID:             led.GroupID,
		Version:             led.Version,
		FiatTotal:           t.FiatTotal,
		SettlementTotal:     t.SettlementTotal,
		SettlementPaid:      t.SettlementPaid,
		SettlementRemaining: t.SettlementRemaining,
		FeeRate:             led.Rates.FeeRate,
		ExchangeRate:        led.Rates.ExchangeRate,
		Configured:          led.Rates.Configured(),
		Mode:                led.Rates.Mode(),
		Overlay:             led.Rates.Overlay,
		Instruments:         cards,
		PeriodStart:         led.PeriodStart,
		FiatCurrency:        e.fiatCurrency,
		SettlementCurrency:  e.settlementCurrency,
	}
	if appended != nil {
		s.Entry = appended.Clone()
	}
	if s.Mode == rate.ModeGross {
		s.Gross = &GrossTotals{
			FiatOutflow:  t.FiatOutflow,
			InflowGross:  t.SettlementInflowGross,
			OutflowGross: t.SettlementOutflowGross,
			Owed:         t.GrossOwed(),
			Remaining:    t.GrossRemaining(),
		}
	}
	return s, nil
}

// Visible returns the instruments that are not hidden.
func (s *Snapshot) Visible() []*card.Card {
	out := make([]*card.Card, 0, len(s.Instruments))
	for _, c := range s.Instruments {
		if !c.Hidden {
			out = append(out, c)
		}
	}
	return out
}

// Instrument returns the instrument with the given code, or nil.
func (s *Snapshot) Instrument(code string) *card.Card {
	code = card.NormalizeCode(code)
	for _, c := range s.Instruments {
		if c.Code == code {
			return c
		}
	}
	return nil
}

// String renders the snapshot as a plain-text summary.
func (s *Snapshot) String() string {
	var b strings.Builder
	fiat := func(d decimal.Decimal) string { return types.Format(d, s.FiatCurrency) }
	settle := func(d decimal.Decimal) string { return types.Format(d, s.SettlementCurrency) }

	fmt.Fprintf(&b, "group %s\n", s.GroupID)
	if !s.Configured {
		b.WriteString("  exchange rate not configured\n")
	} else {
		fmt.Fprintf(&b, "  rate      %s  fee %s%%\n", s.ExchangeRate, s.FeeRate)
	}
	fmt.Fprintf(&b, "  total     %s  (%s)\n", fiat(s.FiatTotal), settle(s.SettlementTotal))
	fmt.Fprintf(&b, "  paid      %s\n", settle(s.SettlementPaid))
	fmt.Fprintf(&b, "  remaining %s\n", settle(s.SettlementRemaining))

	if g := s.Gross; g != nil {
		fmt.Fprintf(&b, "  gross     in %s  out %s (%s)\n", settle(g.InflowGross), settle(g.OutflowGross), fiat(g.FiatOutflow))
		fmt.Fprintf(&b, "  owed      %s  remaining %s\n", settle(g.Owed), settle(g.Remaining))
	}

	for _, c := range s.Visible() {
		fmt.Fprintf(&b, "  [%s] %s  paid %s", c.Code, fiat(c.Total), settle(c.Paid))
		if avail, ok := c.Available(); ok {
			fmt.Fprintf(&b, "  available %s", fiat(avail))
		}
		b.WriteString("\n")
	}
	return b.String()
}
