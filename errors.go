package tally

import (
	"errors"
	"fmt"

	"github.com/xraph/tally/card"
	"github.com/xraph/tally/group"
	"github.com/xraph/tally/oplog"
	"github.com/xraph/tally/rate"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/types"
)

// Sentinel errors for common failure scenarios. Domain sentinels are
// declared next to their types and re-exported here.
var (
	// General errors
	ErrInvalidInput    = errors.New("tally: invalid input")
	ErrMalformedNumber = types.ErrMalformedNumber

	// Rate errors
	ErrRateNotConfigured = rate.ErrRateNotConfigured
	ErrInvalidRate       = rate.ErrInvalidRate

	// Operation rejections
	ErrNoOp              = errors.New("tally: nothing to do")
	ErrUnknownInstrument = card.ErrUnknownInstrument

	// Skip errors
	ErrEntryNotFound  = oplog.ErrEntryNotFound
	ErrAlreadySkipped = oplog.ErrAlreadySkipped
	ErrNotRevertible  = oplog.ErrNotRevertible
	ErrMalformedRef   = oplog.ErrMalformedRef

	// Group errors
	ErrGroupNotFound = group.ErrGroupNotFound

	// Store errors
	ErrConcurrentUpdate = store.ErrConcurrentUpdate
	ErrStoreClosed      = store.ErrClosed
	ErrEngineStopped    = errors.New("tally: engine stopped")
)

// RangeError is re-exported from oplog: an ordinal outside the valid range.
type RangeError = oplog.RangeError

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("tally: validation failed for %s: %s", e.Field, e.Message)
}

// Unwrap makes ValidationError match ErrInvalidInput.
func (e ValidationError) Unwrap() error { return ErrInvalidInput }

// MultiError represents multiple errors that occurred.
type MultiError struct {
	Errors []error
}

func (e MultiError) Error() string {
	if len(e.Errors) == 0 {
		return "tally: no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("tally: %d errors occurred", len(e.Errors))
}

// Add adds an error to the multi-error.
func (e *MultiError) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

// HasErrors returns true if there are any errors.
func (e MultiError) HasErrors() bool {
	return len(e.Errors) > 0
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (e MultiError) Unwrap() []error {
	return e.Errors
}

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEntryNotFound) ||
		errors.Is(err, ErrGroupNotFound) ||
		errors.Is(err, ErrUnknownInstrument)
}

// IsRejection returns true for errors that report a refused operation to
// the operator rather than a failure of the engine.
func IsRejection(err error) bool {
	return errors.Is(err, ErrNoOp) ||
		errors.Is(err, ErrRateNotConfigured) ||
		errors.Is(err, ErrInvalidRate) ||
		errors.Is(err, ErrUnknownInstrument) ||
		errors.Is(err, ErrEntryNotFound) ||
		errors.Is(err, ErrAlreadySkipped) ||
		errors.Is(err, ErrNotRevertible) ||
		errors.Is(err, ErrMalformedRef) ||
		errors.Is(err, ErrInvalidInput)
}

// IsRetryable returns true if the operation lost a race with another
// writer and can be reissued. The engine never retries on its own.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentUpdate)
}
