package memory

import (
	"context"
	"sort"

	"verifactu/internal/core/numerator"
)

// Reserve returns the next number of code and advances it. Inside a
// transaction the series lock is taken first and the increment is discarded
// on rollback.
func (s *Store) Reserve(ctx context.Context, code string) (int64, error) {
	t := getTx(ctx)
	if t == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		next := s.committedNext(code)
		s.counters[code] = next + 1
		return next, nil
	}

	if err := s.Lock(ctx, "series:"+code); err != nil {
		return 0, err
	}
	next, err := s.Peek(ctx, code)
	if err != nil {
		return 0, err
	}
	t.counters[code] = next + 1
	return next, nil
}

// Peek returns the next number of code without advancing it.
func (s *Store) Peek(ctx context.Context, code string) (int64, error) {
	if t := getTx(ctx); t != nil {
		if next, ok := t.counters[code]; ok {
			return next, nil
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.committedNext(code), nil
}

// SetStart moves the next number of code forward. Lower values are ignored.
func (s *Store) SetStart(ctx context.Context, code string, next int64) error {
	current, err := s.Peek(ctx, code)
	if err != nil {
		return err
	}
	if next < current {
		return nil
	}
	if t := getTx(ctx); t != nil {
		t.counters[code] = next
		return nil
	}
	s.mu.Lock()
	s.counters[code] = next
	s.mu.Unlock()
	return nil
}

// List returns the committed counters ordered by code.
func (s *Store) List(ctx context.Context) ([]numerator.Series, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]numerator.Series, 0, len(s.counters))
	for code, next := range s.counters {
		out = append(out, numerator.Series{Code: code, NextNumber: next})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// committedNext reads the committed counter. Caller holds s.mu.
func (s *Store) committedNext(code string) int64 {
	if next, ok := s.counters[code]; ok {
		return next
	}
	return 1
}
