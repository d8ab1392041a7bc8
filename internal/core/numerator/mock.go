package numerator

import (
	"context"
)

// MockCounter is a test implementation of Counter.
// Use in unit tests to inject failures without a database.
type MockCounter struct {
	ReserveFunc  func(ctx context.Context, code string) (int64, error)
	PeekFunc     func(ctx context.Context, code string) (int64, error)
	SetStartFunc func(ctx context.Context, code string, next int64) error
	ListFunc     func(ctx context.Context) ([]Series, error)
}

// Reserve implements Counter.
func (m *MockCounter) Reserve(ctx context.Context, code string) (int64, error) {
	if m.ReserveFunc != nil {
		return m.ReserveFunc(ctx, code)
	}
	return 1, nil
}

// Peek implements Counter.
func (m *MockCounter) Peek(ctx context.Context, code string) (int64, error) {
	if m.PeekFunc != nil {
		return m.PeekFunc(ctx, code)
	}
	return 1, nil
}

// SetStart implements Counter.
func (m *MockCounter) SetStart(ctx context.Context, code string, next int64) error {
	if m.SetStartFunc != nil {
		return m.SetStartFunc(ctx, code, next)
	}
	return nil
}

// List implements Counter.
func (m *MockCounter) List(ctx context.Context) ([]Series, error) {
	if m.ListFunc != nil {
		return m.ListFunc(ctx)
	}
	return nil, nil
}

// Ensure compile-time interface compliance.
var _ Counter = (*MockCounter)(nil)
