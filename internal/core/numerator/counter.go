// Package numerator provides domain contracts for gap-free series numbering.
// Implementations live in the infrastructure layer.
package numerator

import (
	"context"
)

// Series is a named numbering stream.
type Series struct {
	Code       string `db:"code" json:"code"`
	NextNumber int64  `db:"next_number" json:"nextNumber"`
}

// Counter allocates sequence numbers per series.
//
// Reserve must run inside the caller's transaction (tx.Manager) so that a
// rollback also rolls back the reservation. Reservations for the same series
// serialize; different series proceed concurrently.
type Counter interface {
	// Reserve returns the series' next number and advances it by one.
	// Unknown series are created starting at 1.
	Reserve(ctx context.Context, code string) (int64, error)

	// Peek returns the next number without advancing it (1 for unknown series).
	Peek(ctx context.Context, code string) (int64, error)

	// SetStart sets the next number of a series. It never moves a counter
	// backwards.
	SetStart(ctx context.Context, code string, next int64) error

	// List returns all known series ordered by code.
	List(ctx context.Context) ([]Series, error)
}
