package oplog

import (
	"context"

	"github.com/xraph/tally/id"
)

// Store reads the operation log. Writes go through store.Change so that
// an append commits together with the aggregates it affects.
type Store interface {
	// ListEntries returns the group's entries ordered by (Timestamp, Seq).
	ListEntries(ctx context.Context, groupID string, opts ListOpts) ([]*Entry, error)
	// GetEntry returns ErrEntryNotFound if the entry is not in the group's log.
	GetEntry(ctx context.Context, groupID string, entryID id.EntryID) (*Entry, error)
}
