// Package audithook bridges Tally ledger events to an audit trail backend.
//
// It defines a local Recorder interface so the package does not import an
// audit system directly. Callers inject a RecorderFunc adapter, or wrap
// their recorder in a ChainRecorder for a tamper-evident trail.
package audithook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/tally/oplog"
	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/rate"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin              = (*Extension)(nil)
	_ plugin.OnEntryRecorded     = (*Extension)(nil)
	_ plugin.OnEntrySkipped      = (*Extension)(nil)
	_ plugin.OnRatesChanged      = (*Extension)(nil)
	_ plugin.OnPeriodReset       = (*Extension)(nil)
	_ plugin.OnGroupWiped        = (*Extension)(nil)
	_ plugin.OnOperationRejected = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a local representation of an audit event.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	GroupID    string         `json:"group_id"`
	Actor      string         `json:"actor,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges ledger events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Entry hooks
// ──────────────────────────────────────────────────

// OnEntryRecorded implements plugin.OnEntryRecorded. Rate, reset, and
// wipe entries are audited through their dedicated hooks, skip entries
// through OnEntrySkipped.
func (e *Extension) OnEntryRecorded(ctx context.Context, v interface{}) error {
	en, ok := v.(*oplog.Entry)
	if !ok {
		return nil
	}

	var action, category string
	switch en.Kind {
	case oplog.KindDeposit:
		action, category = ActionDepositRecorded, CategoryLedger
	case oplog.KindWithdraw:
		action, category = ActionWithdrawRecorded, CategoryLedger
	case oplog.KindPayment:
		action, category = ActionPaymentRecorded, CategoryPayment
	default:
		return nil
	}

	return e.record(ctx, action, SeverityInfo, OutcomeSuccess,
		ResourceEntry, en.ID.String(), category, en.GroupID, en.Actor, nil,
		"fiat_amount", en.FiatAmount.String(),
		"settlement_amount", en.SettlementAmount.String(),
		"code", en.Code,
		"timestamp", en.Timestamp.Format(time.RFC3339Nano),
	)
}

// OnEntrySkipped implements plugin.OnEntrySkipped.
func (e *Extension) OnEntrySkipped(ctx context.Context, target, audit interface{}) error {
	tgt, ok := target.(*oplog.Entry)
	if !ok {
		return nil
	}
	skip, _ := audit.(*oplog.Entry) //nolint:errcheck // nil skip entry only drops metadata
	var actor, ref string
	if skip != nil {
		actor, ref = skip.Actor, skip.Ref
	}

	return e.record(ctx, ActionEntrySkipped, SeverityWarning, OutcomeSuccess,
		ResourceEntry, tgt.ID.String(), CategoryLedger, tgt.GroupID, actor, nil,
		"kind", string(tgt.Kind),
		"ref", ref,
		"fiat_amount", tgt.FiatAmount.String(),
		"settlement_amount", tgt.SettlementAmount.String(),
		"code", tgt.Code,
	)
}

// ──────────────────────────────────────────────────
// Configuration hooks
// ──────────────────────────────────────────────────

// OnRatesChanged implements plugin.OnRatesChanged.
func (e *Extension) OnRatesChanged(ctx context.Context, groupID string, v interface{}) error {
	rates, ok := v.(rate.Context)
	if !ok {
		return nil
	}
	return e.record(ctx, ActionRatesChanged, SeverityInfo, OutcomeSuccess,
		ResourceRates, groupID, CategoryConfiguration, groupID, "", nil,
		"fee_rate", rates.FeeRate.String(),
		"exchange_rate", rates.ExchangeRate.String(),
		"secondary_fee_rate", rates.Overlay.FeeRate.String(),
		"secondary_exchange_rate", rates.Overlay.ExchangeRate.String(),
		"mode", string(rates.Mode()),
	)
}

// ──────────────────────────────────────────────────
// Period hooks
// ──────────────────────────────────────────────────

// OnPeriodReset implements plugin.OnPeriodReset.
func (e *Extension) OnPeriodReset(ctx context.Context, groupID string, periodStart time.Time) error {
	return e.record(ctx, ActionPeriodReset, SeverityInfo, OutcomeSuccess,
		ResourceGroup, groupID, CategoryLedger, groupID, "", nil,
		"period_start", periodStart.Format(time.RFC3339Nano),
	)
}

// OnGroupWiped implements plugin.OnGroupWiped.
func (e *Extension) OnGroupWiped(ctx context.Context, groupID string) error {
	return e.record(ctx, ActionGroupWiped, SeverityCritical, OutcomeSuccess,
		ResourceGroup, groupID, CategoryLedger, groupID, "", nil,
	)
}

// OnOperationRejected implements plugin.OnOperationRejected.
func (e *Extension) OnOperationRejected(ctx context.Context, groupID, op string, err error) error {
	return e.record(ctx, ActionOperationRejected, SeverityWarning, OutcomeFailure,
		ResourceGroup, groupID, CategoryAccess, groupID, "", err,
		"operation", op,
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	groupID, actor string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		GroupID:    groupID,
		Actor:      actor,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
