package group

import "context"

// Store reads group ledgers.
type Store interface {
	// GetLedger returns ErrGroupNotFound for a group never written.
	GetLedger(ctx context.Context, groupID string) (*Ledger, error)
}
