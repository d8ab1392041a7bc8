// Package numerator provides the PostgreSQL series counter.
// This is the infrastructure layer - it implements core/numerator.Counter.
package numerator

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"

	corenumerator "verifactu/internal/core/numerator"
	"verifactu/internal/infrastructure/storage/postgres"
)

// Ensure compile-time interface compliance.
var _ corenumerator.Counter = (*Service)(nil)

// Service stores one row per series in sys_series. next_number is advanced
// with a single upsert, so the reservation commits or rolls back together
// with the caller's transaction and a failed issuance never leaves a gap.
type Service struct {
	txManager *postgres.TxManager
	builder   sq.StatementBuilderType
}

// New creates a counter bound to the transactions of txManager.
func New(txManager *postgres.TxManager) *Service {
	return &Service{
		txManager: txManager,
		builder:   sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// Reserve returns the series' next number and advances it by one.
// The row lock taken by the upsert serializes concurrent reservations.
func (s *Service) Reserve(ctx context.Context, code string) (int64, error) {
	if s.txManager.GetTx(ctx) == nil {
		return 0, fmt.Errorf("reserve %s: %w", code, postgres.ErrNoTransaction)
	}

	var seq int64
	err := s.txManager.GetQuerier(ctx).QueryRow(ctx, `
		INSERT INTO sys_series (code, next_number)
		VALUES ($1, 2)
		ON CONFLICT (code) DO UPDATE SET next_number = sys_series.next_number + 1
		RETURNING next_number - 1
	`, code).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("reserve number in series %s: %w", code, err)
	}
	return seq, nil
}

// Peek returns the next number without advancing it.
func (s *Service) Peek(ctx context.Context, code string) (int64, error) {
	query, args, err := s.builder.
		Select("next_number").
		From("sys_series").
		Where(sq.Eq{"code": code}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build query: %w", err)
	}

	var next int64
	err = s.txManager.GetQuerier(ctx).QueryRow(ctx, query, args...).Scan(&next)
	if errors.Is(err, pgx.ErrNoRows) {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("peek series %s: %w", code, err)
	}
	return next, nil
}

// SetStart sets the next number of a series, creating it if needed.
// A value below the current counter leaves the row unchanged.
func (s *Service) SetStart(ctx context.Context, code string, next int64) error {
	_, err := s.txManager.GetQuerier(ctx).Exec(ctx, `
		INSERT INTO sys_series (code, next_number)
		VALUES ($1, $2)
		ON CONFLICT (code) DO UPDATE SET next_number = EXCLUDED.next_number
		WHERE sys_series.next_number <= EXCLUDED.next_number
	`, code, next)
	if err != nil {
		return fmt.Errorf("set start of series %s: %w", code, err)
	}
	return nil
}

// List returns all series ordered by code.
func (s *Service) List(ctx context.Context) ([]corenumerator.Series, error) {
	query, args, err := s.builder.
		Select("code", "next_number").
		From("sys_series").
		OrderBy("code").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var out []corenumerator.Series
	if err := pgxscan.Select(ctx, s.txManager.GetQuerier(ctx), &out, query, args...); err != nil {
		return nil, fmt.Errorf("list series: %w", err)
	}
	return out, nil
}
