// Package id defines the TypeID identifiers used by Tally.
//
// Log entries and published events are named by a prefixed, K-sortable
// TypeID ("op_01h2…", "evt_01h2…"). Groups are keyed by the caller's own
// identifier (a chat ID, an account slug) and do not get a TypeID.
package id

import (
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies what an ID names.
type Prefix string

const (
	PrefixEntry Prefix = "op"  // operation log entry
	PrefixEvent Prefix = "evt" // published ledger event
)

// ID wraps a TypeID. The zero value is Nil and renders as "".
//
//nolint:recvcheck // UnmarshalText needs a pointer receiver.
type ID struct {
	inner typeid.TypeID
	valid bool
}

// Nil is the zero-value ID.
var Nil ID

// EntryID names an operation log entry.
type EntryID = ID

// EventID names an event published to plugins and brokers.
type EventID = ID

// NewEntryID generates a log entry ID.
func NewEntryID() ID { return generate(PrefixEntry) }

// NewEventID generates an event ID.
func NewEventID() ID { return generate(PrefixEvent) }

// ParseEntryID parses an "op_" ID. It is the form operators pass to skip a
// specific entry.
func ParseEntryID(s string) (ID, error) { return parse(s, PrefixEntry) }

// ParseEventID parses an "evt_" ID.
func ParseEventID(s string) (ID, error) { return parse(s, PrefixEvent) }

// Parse parses any Tally ID regardless of prefix.
func Parse(s string) (ID, error) { return parse(s, "") }

func generate(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}
	return ID{inner: tid, valid: true}
}

func parse(s string, want Prefix) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse: empty string")
	}
	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}
	parsed := ID{inner: tid, valid: true}
	if want != "" && parsed.Prefix() != want {
		return Nil, fmt.Errorf("id: %q is not a %q id", s, want)
	}
	return parsed, nil
}

// String returns "prefix_suffix", or "" for Nil.
func (i ID) String() string {
	if !i.valid {
		return ""
	}
	return i.inner.String()
}

// Prefix returns the prefix of the ID, or "" for Nil.
func (i ID) Prefix() Prefix {
	if !i.valid {
		return ""
	}
	return Prefix(i.inner.Prefix())
}

// IsNil reports whether i is the zero value.
func (i ID) IsNil() bool { return !i.valid }

// MarshalText implements encoding.TextMarshaler. Nil marshals to "".
func (i ID) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. "" unmarshals to Nil.
func (i *ID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = Nil
		return nil
	}
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}
