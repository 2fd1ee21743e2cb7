package tally

import (
	"github.com/xraph/tally/card"
	"github.com/xraph/tally/oplog"
	"github.com/xraph/tally/rate"
	"github.com/xraph/tally/types"
)

// Re-export common types so callers driving the engine rarely need the
// entity packages.

// Entry is an operation log entry.
type Entry = oplog.Entry

// Ref addresses an entry by ordinal.
type Ref = oplog.Ref

// Card is an instrument sub-ledger.
type Card = card.Card

// Overlay is the secondary rate pair.
type Overlay = rate.Overlay

// Entity is re-exported from types package.
type Entity = types.Entity

var (
	// ParseRef parses "3" or "!3".
	ParseRef = oplog.ParseRef
	// ParseAmount parses operator amount input such as "1,000,000" or "1.5k".
	ParseAmount = types.ParseAmount
	// ParseRate parses operator rate input into ErrInvalidRate on failure.
	ParseRate = rate.Parse
	// Off turns the secondary overlay off.
	Off = rate.Off
)
