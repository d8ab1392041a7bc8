// Package context provides request-scoped values extraction.
package context

import (
	"context"
)

// Actor identifies who triggered a ledger operation.
// Authentication is handled upstream; the ledger only records the name it is given.
type Actor struct {
	ID     string
	Source string // "http", "cli", "worker"
}

type actorContextKey struct{}

// WithActor adds Actor to context.
func WithActor(ctx context.Context, actor *Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// GetActor returns Actor from context.
func GetActor(ctx context.Context) *Actor {
	if v, ok := ctx.Value(actorContextKey{}).(*Actor); ok {
		return v
	}
	return nil
}

// GetActorID returns actor ID from context or empty string.
func GetActorID(ctx context.Context) string {
	if a := GetActor(ctx); a != nil {
		return a.ID
	}
	return ""
}
