// Package observability provides a metrics extension for Tally that records
// ledger event counts through a MetricFactory.
package observability

import (
	"context"
	"errors"
	"time"

	"github.com/xraph/tally"
	"github.com/xraph/tally/oplog"
	"github.com/xraph/tally/plugin"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin              = (*MetricsExtension)(nil)
	_ plugin.OnInit              = (*MetricsExtension)(nil)
	_ plugin.OnEntryRecorded     = (*MetricsExtension)(nil)
	_ plugin.OnEntrySkipped      = (*MetricsExtension)(nil)
	_ plugin.OnRatesChanged      = (*MetricsExtension)(nil)
	_ plugin.OnPeriodReset       = (*MetricsExtension)(nil)
	_ plugin.OnGroupWiped        = (*MetricsExtension)(nil)
	_ plugin.OnOperationRejected = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records ledger metrics.
// Register it as a Tally plugin to track ledger activity.
type MetricsExtension struct {
	factory MetricFactory

	// Movement metrics
	Deposits         Counter
	Withdrawals      Counter
	Payments         Counter
	FiatVolume       Histogram
	SettlementVolume Histogram

	// Reversal metrics
	Skips Counter

	// Configuration metrics
	RateChanges Counter

	// Period metrics
	Resets Counter
	Wipes  Counter

	// Rejection metrics
	Rejections          Counter
	RateNotConfigured   Counter
	UnknownInstrument   Counter
	AlreadySkipped      Counter
	ConcurrencyConflict Counter

	// Entry lag between the entry timestamp and its recording.
	RecordLag Histogram
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
// Use app.Metrics() in forge extensions or NewPrometheusFactory standalone.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory: factory,

		Deposits:         factory.Counter("tally.entry.deposits"),
		Withdrawals:      factory.Counter("tally.entry.withdrawals"),
		Payments:         factory.Counter("tally.entry.payments"),
		FiatVolume:       factory.Histogram("tally.entry.fiat_amount"),
		SettlementVolume: factory.Histogram("tally.entry.settlement_amount"),

		Skips: factory.Counter("tally.entry.skips"),

		RateChanges: factory.Counter("tally.rates.changes"),

		Resets: factory.Counter("tally.period.resets"),
		Wipes:  factory.Counter("tally.group.wipes"),

		Rejections:          factory.Counter("tally.operation.rejections"),
		RateNotConfigured:   factory.Counter("tally.operation.rate_not_configured"),
		UnknownInstrument:   factory.Counter("tally.operation.unknown_instrument"),
		AlreadySkipped:      factory.Counter("tally.operation.already_skipped"),
		ConcurrencyConflict: factory.Counter("tally.operation.concurrency_conflicts"),

		RecordLag: factory.Histogram("tally.entry.record_lag_ms"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnInit implements plugin.OnInit.
func (m *MetricsExtension) OnInit(_ context.Context, _ interface{}) error {
	return nil
}

// ──────────────────────────────────────────────────
// Entry hooks
// ──────────────────────────────────────────────────

// OnEntryRecorded implements plugin.OnEntryRecorded.
func (m *MetricsExtension) OnEntryRecorded(_ context.Context, v interface{}) error {
	en, ok := v.(*oplog.Entry)
	if !ok {
		return nil
	}

	switch en.Kind {
	case oplog.KindDeposit:
		m.Deposits.Inc()
	case oplog.KindWithdraw:
		m.Withdrawals.Inc()
	case oplog.KindPayment:
		m.Payments.Inc()
	default:
		return nil
	}

	if !en.FiatAmount.IsZero() {
		m.FiatVolume.Observe(en.FiatAmount.Abs().InexactFloat64())
	}
	m.SettlementVolume.Observe(en.SettlementAmount.Abs().InexactFloat64())
	m.RecordLag.Observe(float64(time.Since(en.Timestamp).Milliseconds()))
	return nil
}

// OnEntrySkipped implements plugin.OnEntrySkipped.
func (m *MetricsExtension) OnEntrySkipped(_ context.Context, _, _ interface{}) error {
	m.Skips.Inc()
	return nil
}

// OnRatesChanged implements plugin.OnRatesChanged.
func (m *MetricsExtension) OnRatesChanged(_ context.Context, _ string, _ interface{}) error {
	m.RateChanges.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Period hooks
// ──────────────────────────────────────────────────

// OnPeriodReset implements plugin.OnPeriodReset.
func (m *MetricsExtension) OnPeriodReset(_ context.Context, _ string, _ time.Time) error {
	m.Resets.Inc()
	return nil
}

// OnGroupWiped implements plugin.OnGroupWiped.
func (m *MetricsExtension) OnGroupWiped(_ context.Context, _ string) error {
	m.Wipes.Inc()
	return nil
}

// OnOperationRejected implements plugin.OnOperationRejected.
func (m *MetricsExtension) OnOperationRejected(_ context.Context, _, _ string, err error) error {
	m.Rejections.Inc()
	switch {
	case errors.Is(err, tally.ErrRateNotConfigured):
		m.RateNotConfigured.Inc()
	case errors.Is(err, tally.ErrUnknownInstrument):
		m.UnknownInstrument.Inc()
	case errors.Is(err, tally.ErrAlreadySkipped):
		m.AlreadySkipped.Inc()
	case errors.Is(err, tally.ErrConcurrentUpdate):
		m.ConcurrencyConflict.Inc()
	}
	return nil
}
