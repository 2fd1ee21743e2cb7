package card

import "context"

// Store reads instrument sub-ledgers.
type Store interface {
	// GetCard returns ErrUnknownInstrument when the group has no card
	// with that (normalized) code.
	GetCard(ctx context.Context, groupID, code string) (*Card, error)
	// ListCards returns the group's cards ordered by code.
	ListCards(ctx context.Context, groupID string) ([]*Card, error)
}
