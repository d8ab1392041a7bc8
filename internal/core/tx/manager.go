// Package tx provides transaction management abstractions.
// Domain services depend on these interfaces; implementations live in
// infrastructure/storage (postgres and memory).
package tx

import (
	"context"
)

// Manager defines the contract for transaction management.
type Manager interface {
	// RunInTransaction executes fn within a transaction.
	// If fn returns an error, the transaction is rolled back.
	// If fn succeeds, the transaction is committed.
	//
	// Nested calls reuse the existing transaction from context.
	RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Locker acquires exclusive locks scoped to the transaction in ctx.
// Locks are released when the transaction commits or rolls back.
// Acquiring a key already held by the same transaction is a no-op.
type Locker interface {
	Lock(ctx context.Context, key string) error
}
