package mongo

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/tally/card"
	"github.com/xraph/tally/group"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/oplog"
	"github.com/xraph/tally/rate"
	"github.com/xraph/tally/types"
)

// Decimals are stored as their exact string form and instants as Unix
// nanoseconds: BSON dates only keep milliseconds.

// ==================== Ledger models ====================

type ledgerModel struct {
	GroupID string `bson:"_id"`
	Version int64  `bson:"version"`

	FeeRate               string `bson:"fee_rate"`
	ExchangeRate          string `bson:"exchange_rate"`
	SecondaryFeeRate      string `bson:"secondary_fee_rate"`
	SecondaryExchangeRate string `bson:"secondary_exchange_rate"`

	FiatTotal              string `bson:"fiat_total"`
	SettlementTotal        string `bson:"settlement_total"`
	SettlementPaid         string `bson:"settlement_paid"`
	SettlementRemaining    string `bson:"settlement_remaining"`
	FiatOutflow            string `bson:"fiat_outflow"`
	SettlementInflowGross  string `bson:"settlement_inflow_gross"`
	SettlementOutflowGross string `bson:"settlement_outflow_gross"`

	PeriodStart int64 `bson:"period_start"`
	CreatedAt   int64 `bson:"created_at"`
	UpdatedAt   int64 `bson:"updated_at"`
}

func toLedgerModel(l *group.Ledger) *ledgerModel {
	t := l.Totals
	return &ledgerModel{
		GroupID:                l.GroupID,
		Version:                l.Version,
		FeeRate:                l.Rates.FeeRate.String(),
		ExchangeRate:           l.Rates.ExchangeRate.String(),
		SecondaryFeeRate:       l.Rates.Overlay.FeeRate.String(),
		SecondaryExchangeRate:  l.Rates.Overlay.ExchangeRate.String(),
		FiatTotal:              t.FiatTotal.String(),
		SettlementTotal:        t.SettlementTotal.String(),
		SettlementPaid:         t.SettlementPaid.String(),
		SettlementRemaining:    t.SettlementRemaining.String(),
		FiatOutflow:            t.FiatOutflow.String(),
		SettlementInflowGross:  t.SettlementInflowGross.String(),
		SettlementOutflowGross: t.SettlementOutflowGross.String(),
		PeriodStart:            toNanos(l.PeriodStart),
		CreatedAt:              toNanos(l.CreatedAt),
		UpdatedAt:              toNanos(l.UpdatedAt),
	}
}

func fromLedgerModel(m *ledgerModel) (*group.Ledger, error) {
	var p decParser
	l := &group.Ledger{
		Entity:  types.Entity{CreatedAt: fromNanos(m.CreatedAt), UpdatedAt: fromNanos(m.UpdatedAt)},
		GroupID: m.GroupID,
		Version: m.Version,
		Rates: rate.Context{
			FeeRate:      p.parse("fee_rate", m.FeeRate),
			ExchangeRate: p.parse("exchange_rate", m.ExchangeRate),
			Overlay: rate.Overlay{
				FeeRate:      p.parse("secondary_fee_rate", m.SecondaryFeeRate),
				ExchangeRate: p.parse("secondary_exchange_rate", m.SecondaryExchangeRate),
			},
		},
		Totals: group.Totals{
			FiatTotal:              p.parse("fiat_total", m.FiatTotal),
			SettlementTotal:        p.parse("settlement_total", m.SettlementTotal),
			SettlementPaid:         p.parse("settlement_paid", m.SettlementPaid),
			SettlementRemaining:    p.parse("settlement_remaining", m.SettlementRemaining),
			FiatOutflow:            p.parse("fiat_outflow", m.FiatOutflow),
			SettlementInflowGross:  p.parse("settlement_inflow_gross", m.SettlementInflowGross),
			SettlementOutflowGross: p.parse("settlement_outflow_gross", m.SettlementOutflowGross),
		},
		PeriodStart: fromNanos(m.PeriodStart),
	}
	if p.err != nil {
		return nil, fmt.Errorf("ledger %s: %w", m.GroupID, p.err)
	}
	return l, nil
}

// ==================== Card models ====================

type cardModel struct {
	GroupID     string `bson:"group_id"`
	Code        string `bson:"code"`
	Total       string `bson:"total"`
	Paid        string `bson:"paid"`
	Limit       string `bson:"limit"`
	Hidden      bool   `bson:"hidden"`
	LastUpdated int64  `bson:"last_updated"`
	CreatedAt   int64  `bson:"created_at"`
	UpdatedAt   int64  `bson:"updated_at"`
}

func toCardModel(c *card.Card) *cardModel {
	return &cardModel{
		GroupID:     c.GroupID,
		Code:        c.Code,
		Total:       c.Total.String(),
		Paid:        c.Paid.String(),
		Limit:       c.Limit.String(),
		Hidden:      c.Hidden,
		LastUpdated: toNanos(c.LastUpdated),
		CreatedAt:   toNanos(c.CreatedAt),
		UpdatedAt:   toNanos(c.UpdatedAt),
	}
}

func fromCardModel(m *cardModel) (*card.Card, error) {
	var p decParser
	c := &card.Card{
		Entity:      types.Entity{CreatedAt: fromNanos(m.CreatedAt), UpdatedAt: fromNanos(m.UpdatedAt)},
		GroupID:     m.GroupID,
		Code:        m.Code,
		Total:       p.parse("total", m.Total),
		Paid:        p.parse("paid", m.Paid),
		Limit:       p.parse("limit", m.Limit),
		Hidden:      m.Hidden,
		LastUpdated: fromNanos(m.LastUpdated),
	}
	if p.err != nil {
		return nil, fmt.Errorf("card %s/%s: %w", m.GroupID, m.Code, p.err)
	}
	return c, nil
}

// ==================== Entry models ====================

type entryModel struct {
	ID      string `bson:"_id"`
	GroupID string `bson:"group_id"`
	Seq     int64  `bson:"seq"`
	Kind    string `bson:"kind"`

	FiatAmount            string `bson:"fiat_amount"`
	SettlementAmount      string `bson:"settlement_amount"`
	GrossSettlementAmount string `bson:"gross_settlement_amount"`

	FeeRate               string `bson:"fee_rate"`
	ExchangeRate          string `bson:"exchange_rate"`
	SecondaryFeeRate      string `bson:"secondary_fee_rate"`
	SecondaryExchangeRate string `bson:"secondary_exchange_rate"`

	Code       string `bson:"code,omitempty"`
	Actor      string `bson:"actor"`
	Timestamp  int64  `bson:"ts"`
	Skipped    bool   `bson:"skipped"`
	SkipReason string `bson:"skip_reason,omitempty"`
	TargetID   string `bson:"target_id,omitempty"`
	Ref        string `bson:"ref,omitempty"`
}

func toEntryModel(e *oplog.Entry) *entryModel {
	return &entryModel{
		ID:                    e.ID.String(),
		GroupID:               e.GroupID,
		Seq:                   e.Seq,
		Kind:                  string(e.Kind),
		FiatAmount:            e.FiatAmount.String(),
		SettlementAmount:      e.SettlementAmount.String(),
		GrossSettlementAmount: e.GrossSettlementAmount.String(),
		FeeRate:               e.FeeRate.String(),
		ExchangeRate:          e.ExchangeRate.String(),
		SecondaryFeeRate:      e.SecondaryFeeRate.String(),
		SecondaryExchangeRate: e.SecondaryExchangeRate.String(),
		Code:                  e.Code,
		Actor:                 e.Actor,
		Timestamp:             toNanos(e.Timestamp),
		Skipped:               e.Skipped,
		SkipReason:            e.SkipReason,
		TargetID:              e.TargetID.String(),
		Ref:                   e.Ref,
	}
}

func fromEntryModel(m *entryModel) (*oplog.Entry, error) {
	entryID, err := id.ParseEntryID(m.ID)
	if err != nil {
		return nil, err
	}
	var targetID id.EntryID
	if m.TargetID != "" {
		if targetID, err = id.ParseEntryID(m.TargetID); err != nil {
			return nil, err
		}
	}

	var p decParser
	e := &oplog.Entry{
		ID:                    entryID,
		GroupID:               m.GroupID,
		Seq:                   m.Seq,
		Kind:                  oplog.Kind(m.Kind),
		FiatAmount:            p.parse("fiat_amount", m.FiatAmount),
		SettlementAmount:      p.parse("settlement_amount", m.SettlementAmount),
		GrossSettlementAmount: p.parse("gross_settlement_amount", m.GrossSettlementAmount),
		FeeRate:               p.parse("fee_rate", m.FeeRate),
		ExchangeRate:          p.parse("exchange_rate", m.ExchangeRate),
		SecondaryFeeRate:      p.parse("secondary_fee_rate", m.SecondaryFeeRate),
		SecondaryExchangeRate: p.parse("secondary_exchange_rate", m.SecondaryExchangeRate),
		Code:                  m.Code,
		Actor:                 m.Actor,
		Timestamp:             fromNanos(m.Timestamp),
		Skipped:               m.Skipped,
		SkipReason:            m.SkipReason,
		TargetID:              targetID,
		Ref:                   m.Ref,
	}
	if p.err != nil {
		return nil, fmt.Errorf("entry %s: %w", m.ID, p.err)
	}
	return e, nil
}

// ==================== Helpers ====================

// decParser parses decimal fields and keeps the first error.
type decParser struct {
	err error
}

func (p *decParser) parse(field, s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%s: %w", field, err)
	}
	return d
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
