package tally

import "github.com/xraph/tally/id"

// ID is the TypeID identifier used for log entries and events.
type ID = id.ID

// EntryID identifies an operation log entry.
type EntryID = id.EntryID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
