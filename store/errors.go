package store

import "errors"

var (
	// ErrConcurrentUpdate is returned by Commit when the ledger changed
	// since it was read.
	ErrConcurrentUpdate = errors.New("tally: concurrent update")

	// ErrClosed is returned by a store after Close.
	ErrClosed = errors.New("tally: store is closed")
)
