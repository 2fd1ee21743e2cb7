package sqlite

import (
	"time"

	"github.com/xraph/tally/card"
	"github.com/xraph/tally/group"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/oplog"
	"github.com/xraph/tally/types"
)

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// ==================== Time ====================

// Times are stored as Unix nanoseconds; 0 is the zero time.
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

// ==================== Ledger model ====================

const ledgerColumns = `group_id, version, fee_rate, exchange_rate, secondary_fee_rate, secondary_exchange_rate,
    fiat_total, settlement_total, settlement_paid, settlement_remaining,
    fiat_outflow, settlement_inflow_gross, settlement_outflow_gross,
    period_start, created_at, updated_at`

func ledgerArgs(l *group.Ledger) []any {
	t := l.Totals
	return []any{
		l.GroupID, l.Version,
		l.Rates.FeeRate.String(), l.Rates.ExchangeRate.String(),
		l.Rates.Overlay.FeeRate.String(), l.Rates.Overlay.ExchangeRate.String(),
		t.FiatTotal.String(), t.SettlementTotal.String(), t.SettlementPaid.String(), t.SettlementRemaining.String(),
		t.FiatOutflow.String(), t.SettlementInflowGross.String(), t.SettlementOutflowGross.String(),
		toNanos(l.PeriodStart), toNanos(l.CreatedAt), toNanos(l.UpdatedAt),
	}
}

func scanLedger(row scanner) (*group.Ledger, error) {
	var (
		l                        group.Ledger
		period, created, updated int64
	)
	t := &l.Totals
	err := row.Scan(
		&l.GroupID, &l.Version,
		&l.Rates.FeeRate, &l.Rates.ExchangeRate,
		&l.Rates.Overlay.FeeRate, &l.Rates.Overlay.ExchangeRate,
		&t.FiatTotal, &t.SettlementTotal, &t.SettlementPaid, &t.SettlementRemaining,
		&t.FiatOutflow, &t.SettlementInflowGross, &t.SettlementOutflowGross,
		&period, &created, &updated,
	)
	if err != nil {
		return nil, err
	}
	l.PeriodStart = fromNanos(period)
	l.Entity = types.Entity{CreatedAt: fromNanos(created), UpdatedAt: fromNanos(updated)}
	return &l, nil
}

// ==================== Card model ====================

const cardColumns = `group_id, code, total, paid, limit_amount, hidden, last_updated, created_at, updated_at`

func cardArgs(c *card.Card) []any {
	return []any{
		c.GroupID, c.Code,
		c.Total.String(), c.Paid.String(), c.Limit.String(),
		c.Hidden,
		toNanos(c.LastUpdated), toNanos(c.CreatedAt), toNanos(c.UpdatedAt),
	}
}

func scanCard(row scanner) (*card.Card, error) {
	var (
		c                    card.Card
		lastUpdated, cr, upd int64
	)
	err := row.Scan(&c.GroupID, &c.Code, &c.Total, &c.Paid, &c.Limit, &c.Hidden, &lastUpdated, &cr, &upd)
	if err != nil {
		return nil, err
	}
	c.LastUpdated = fromNanos(lastUpdated)
	c.Entity = types.Entity{CreatedAt: fromNanos(cr), UpdatedAt: fromNanos(upd)}
	return &c, nil
}

// ==================== Entry model ====================

const entryColumns = `id, group_id, seq, kind, fiat_amount, settlement_amount, gross_settlement_amount,
    fee_rate, exchange_rate, secondary_fee_rate, secondary_exchange_rate,
    code, actor, ts, skipped, skip_reason, target_id, ref`

func entryArgs(e *oplog.Entry) []any {
	return []any{
		e.ID.String(), e.GroupID, e.Seq, string(e.Kind),
		e.FiatAmount.String(), e.SettlementAmount.String(), e.GrossSettlementAmount.String(),
		e.FeeRate.String(), e.ExchangeRate.String(), e.SecondaryFeeRate.String(), e.SecondaryExchangeRate.String(),
		e.Code, e.Actor, toNanos(e.Timestamp), e.Skipped, e.SkipReason, e.TargetID.String(), e.Ref,
	}
}

func scanEntry(row scanner) (*oplog.Entry, error) {
	var (
		e                     oplog.Entry
		entryID, kind, target string
		ts                    int64
	)
	err := row.Scan(
		&entryID, &e.GroupID, &e.Seq, &kind,
		&e.FiatAmount, &e.SettlementAmount, &e.GrossSettlementAmount,
		&e.FeeRate, &e.ExchangeRate, &e.SecondaryFeeRate, &e.SecondaryExchangeRate,
		&e.Code, &e.Actor, &ts, &e.Skipped, &e.SkipReason, &target, &e.Ref,
	)
	if err != nil {
		return nil, err
	}

	if e.ID, err = id.ParseEntryID(entryID); err != nil {
		return nil, err
	}
	if target != "" {
		if e.TargetID, err = id.ParseEntryID(target); err != nil {
			return nil, err
		}
	}
	e.Kind = oplog.Kind(kind)
	e.Timestamp = fromNanos(ts)
	return &e, nil
}
