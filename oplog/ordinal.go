package oplog

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedRef is returned by ParseRef for input that is not an ordinal.
var ErrMalformedRef = errors.New("tally: malformed ordinal")

// Ref addresses an entry by its position in one of the two ordinal
// spaces: deposits and withdrawals ("3"), or payments ("!3").
type Ref struct {
	Index   int
	Payment bool
}

// String renders the ref the way operators type it.
func (r Ref) String() string {
	if r.Payment {
		return "!" + strconv.Itoa(r.Index)
	}
	return strconv.Itoa(r.Index)
}

// ParseRef parses "3" or "!3". Surrounding space is ignored.
func ParseRef(s string) (Ref, error) {
	raw := strings.TrimSpace(s)
	var r Ref
	if strings.HasPrefix(raw, "!") {
		r.Payment = true
		raw = raw[1:]
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return Ref{}, fmt.Errorf("%w: %q", ErrMalformedRef, s)
	}
	r.Index = n
	return r, nil
}

// RangeError reports an ordinal outside the addressable range.
// It unwraps to ErrEntryNotFound.
type RangeError struct {
	Ref   Ref
	Count int
}

func (e *RangeError) Error() string {
	if e.Count == 0 {
		return fmt.Sprintf("tally: entry %s not found: nothing to address in this period", e.Ref)
	}
	first := Ref{Index: 1, Payment: e.Ref.Payment}
	last := Ref{Index: e.Count, Payment: e.Ref.Payment}
	return fmt.Sprintf("tally: entry %s not found: valid range is %s-%s", e.Ref, first, last)
}

func (e *RangeError) Unwrap() error { return ErrEntryNotFound }

func inSpace(k Kind, payment bool) bool {
	if payment {
		return k == KindPayment
	}
	return k.Movement()
}

// Sequence returns the addressable entries of one ordinal space:
// non-skipped entries of that space with Timestamp after periodStart,
// in ascending (Timestamp, Seq) order. Position i holds ordinal i+1.
func Sequence(entries []*Entry, periodStart time.Time, payment bool) []*Entry {
	out := make([]*Entry, 0, len(entries))
	for _, e := range entries {
		if e.Skipped || !e.Timestamp.After(periodStart) || !inSpace(e.Kind, payment) {
			continue
		}
		out = append(out, e)
	}
	Sort(out)
	return out
}

// Resolve maps ref to an entry. Out-of-range refs return *RangeError.
func Resolve(entries []*Entry, periodStart time.Time, ref Ref) (*Entry, error) {
	seq := Sequence(entries, periodStart, ref.Payment)
	if ref.Index < 1 || ref.Index > len(seq) {
		return nil, &RangeError{Ref: ref, Count: len(seq)}
	}
	return seq[ref.Index-1], nil
}

// Numbered pairs an entry with its current display ordinal.
type Numbered struct {
	Ref   Ref    `json:"ref"`
	Entry *Entry `json:"entry"`
}

// Number assigns current ordinals to every addressable entry of both
// spaces and returns them merged in time order.
func Number(entries []*Entry, periodStart time.Time) []Numbered {
	movements := Sequence(entries, periodStart, false)
	payments := Sequence(entries, periodStart, true)

	out := make([]Numbered, 0, len(movements)+len(payments))
	for i, e := range movements {
		out = append(out, Numbered{Ref: Ref{Index: i + 1}, Entry: e})
	}
	for i, e := range payments {
		out = append(out, Numbered{Ref: Ref{Index: i + 1, Payment: true}, Entry: e})
	}

	merged := make([]*Entry, len(out))
	pos := make(map[*Entry]Ref, len(out))
	for i, n := range out {
		merged[i] = n.Entry
		pos[n.Entry] = n.Ref
	}
	Sort(merged)
	for i, e := range merged {
		out[i] = Numbered{Ref: pos[e], Entry: e}
	}
	return out
}
