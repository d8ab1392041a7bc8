// Package domain provides cross-cutting domain building blocks.
package domain

import (
	"context"
)

// HookEvent represents lifecycle event type.
type HookEvent string

const (
	BeforeCreate HookEvent = "before_create"
	AfterIssue   HookEvent = "after_issue"
	AfterCancel  HookEvent = "after_cancel"
)

// Hook is a function that runs at specific lifecycle points.
type Hook[T any] func(ctx context.Context, entity T) error

// HookRegistry stores lifecycle hooks for an entity type.
// Registration happens at wiring time; Run may be called concurrently afterwards.
type HookRegistry[T any] struct {
	hooks map[HookEvent][]Hook[T]
}

// NewHookRegistry creates an empty hook registry.
func NewHookRegistry[T any]() *HookRegistry[T] {
	return &HookRegistry[T]{
		hooks: make(map[HookEvent][]Hook[T]),
	}
}

// On registers a hook for the specified event.
func (r *HookRegistry[T]) On(event HookEvent, hook Hook[T]) {
	r.hooks[event] = append(r.hooks[event], hook)
}

// Run executes all hooks for the specified event, stopping at the first error.
func (r *HookRegistry[T]) Run(ctx context.Context, event HookEvent, entity T) error {
	for _, hook := range r.hooks[event] {
		if err := hook(ctx, entity); err != nil {
			return err
		}
	}
	return nil
}

// OnBeforeCreate registers a hook that sees a validated draft or direct
// invoice before anything is stored or numbered. An error rejects it.
func (r *HookRegistry[T]) OnBeforeCreate(hook Hook[T]) {
	r.On(BeforeCreate, hook)
}

// OnAfterIssue registers a hook to run after an issuance commits.
func (r *HookRegistry[T]) OnAfterIssue(hook Hook[T]) {
	r.On(AfterIssue, hook)
}

// OnAfterCancel registers a hook to run after a cancellation commits.
func (r *HookRegistry[T]) OnAfterCancel(hook Hook[T]) {
	r.On(AfterCancel, hook)
}
