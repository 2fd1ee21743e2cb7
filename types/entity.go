// Package types provides common types used across Tally: entity timestamps
// and the numeric helpers every operation shares (amount and rate parsing,
// rounding, currency display).
package types

import "time"

// Entity carries creation and modification timestamps.
// Embed this in domain types; the engine stamps it from its own clock.
type Entity struct {
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// NewEntity creates an Entity stamped at the given instant (UTC).
func NewEntity(at time.Time) Entity {
	at = at.UTC()
	return Entity{
		CreatedAt: at,
		UpdatedAt: at,
	}
}

// Touch moves UpdatedAt forward to at.
func (e *Entity) Touch(at time.Time) {
	e.UpdatedAt = at.UTC()
}

// IsStale returns true if the entity hasn't been updated for d as of now.
func (e Entity) IsStale(now time.Time, d time.Duration) bool {
	return now.Sub(e.UpdatedAt) > d
}
