// Package plugin provides an extensible plugin system for Tally.
// Plugins hook into engine lifecycle and ledger events. Hooks run after
// the change they describe is committed, outside the group's critical
// section; a failing or slow plugin never affects the ledger.
package plugin

import (
	"context"
	"time"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the engine starts.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine interface{}) error
}

// OnShutdown is called when the engine stops.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Ledger hooks
// ──────────────────────────────────────────────────

// OnEntryRecorded is called for every entry appended to a group's log.
// entry is an *oplog.Entry.
type OnEntryRecorded interface {
	Plugin
	OnEntryRecorded(ctx context.Context, entry interface{}) error
}

// OnEntrySkipped is called after an entry was reverted. target is the
// reverted *oplog.Entry as it was before the skip, audit the appended
// skip entry.
type OnEntrySkipped interface {
	Plugin
	OnEntrySkipped(ctx context.Context, target, audit interface{}) error
}

// OnRatesChanged is called after a fee, exchange, or secondary rate
// change. rates is a rate.Context.
type OnRatesChanged interface {
	Plugin
	OnRatesChanged(ctx context.Context, groupID string, rates interface{}) error
}

// OnPeriodReset is called after a group was cleared.
type OnPeriodReset interface {
	Plugin
	OnPeriodReset(ctx context.Context, groupID string, periodStart time.Time) error
}

// OnGroupWiped is called after a group's log and cards were deleted.
type OnGroupWiped interface {
	Plugin
	OnGroupWiped(ctx context.Context, groupID string) error
}

// OnOperationRejected is called when an operation fails with an
// operator-facing rejection (no rate, zero payment, unknown card, bad
// ordinal, ...). Nothing was written.
type OnOperationRejected interface {
	Plugin
	OnOperationRejected(ctx context.Context, groupID, op string, err error) error
}
