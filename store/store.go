// Package store defines the storage contract of the engine.
//
// Reads are split by entity (group.Store, card.Store, oplog.Store). Every
// write is a single Change committed atomically: a backend must apply all
// of it or none of it.
package store

import (
	"context"
	"fmt"

	"github.com/xraph/tally/card"
	"github.com/xraph/tally/group"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/oplog"
)

// Store is the unified storage interface for Tally.
type Store interface {
	// Group ledger
	GetLedger(ctx context.Context, groupID string) (*group.Ledger, error)

	// Instrument sub-ledgers
	GetCard(ctx context.Context, groupID, code string) (*card.Card, error)
	ListCards(ctx context.Context, groupID string) ([]*card.Card, error)

	// Operation log
	ListEntries(ctx context.Context, groupID string, opts oplog.ListOpts) ([]*oplog.Entry, error)
	GetEntry(ctx context.Context, groupID string, entryID id.EntryID) (*oplog.Entry, error)

	// Commit applies c atomically. It fails with ErrConcurrentUpdate when
	// the stored ledger version is not c.Ledger.Version-1 (or when a
	// ledger already exists and c.Ledger.Version is 1).
	Commit(ctx context.Context, c *Change) error

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ group.Store = (Store)(nil)
	_ card.Store  = (Store)(nil)
	_ oplog.Store = (Store)(nil)
)

// Change is one atomic unit of mutation for a group. Backends apply the
// parts in field order.
type Change struct {
	GroupID string

	// Ledger is the new ledger state. Required.
	Ledger *group.Ledger

	// Wipe deletes the whole operation log before anything is appended.
	Wipe bool

	// DropCards deletes every card of the group before Cards are written.
	DropCards bool

	// Cards are upserted by (group, code).
	Cards []*card.Card

	// Mark flags an existing entry as skipped. The entry must exist and
	// must not already be skipped.
	Mark *oplog.Mark

	// Append is added to the log. Its Seq equals Ledger.Version.
	Append *oplog.Entry
}

// Validate checks that the change is well formed.
func (c *Change) Validate() error {
	if c.Ledger == nil {
		return fmt.Errorf("tally: change for %q has no ledger", c.GroupID)
	}
	if c.Ledger.GroupID != c.GroupID {
		return fmt.Errorf("tally: change for %q carries ledger of %q", c.GroupID, c.Ledger.GroupID)
	}
	if c.Ledger.Version < 1 {
		return fmt.Errorf("tally: change for %q has version %d", c.GroupID, c.Ledger.Version)
	}
	return nil
}

// Expect checks the stored ledger version against the change.
// exists is false when the group has no stored ledger.
func (c *Change) Expect(stored int64, exists bool) error {
	if !exists {
		if c.Ledger.Version != 1 {
			return ErrConcurrentUpdate
		}
		return nil
	}
	if stored != c.Ledger.Version-1 {
		return ErrConcurrentUpdate
	}
	return nil
}
