package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"verifactu/internal/core/tx"
	"verifactu/pkg/logger"
)

var tracer = otel.Tracer("verifactu/tx")

var (
	_ tx.Manager = (*TxManager)(nil)
	_ tx.Locker  = (*TxManager)(nil)
)

// ErrNoTransaction is returned by operations that must run inside
// RunInTransaction when ctx carries no transaction.
var ErrNoTransaction = errors.New("advisory lock requires a transaction")

// defaultStatementTimeout bounds every statement in a ledger transaction,
// including the wait for a series lock.
const defaultStatementTimeout = 30 * time.Second

// Querier is satisfied by both a transaction and the pool, so repositories
// work the same inside and outside RunInTransaction.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB is the part of a connection pool the manager needs. Satisfied by
// *pgxpool.Pool and by pgxmock pools in tests.
type DB interface {
	Querier
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// TxManager runs ledger operations in read-committed transactions carried
// through the context. Serialization per series comes from Lock, not from
// the isolation level.
type TxManager struct {
	pool             DB
	statementTimeout time.Duration
}

// NewTxManager creates a new transaction manager over pool.
func NewTxManager(pool DB) *TxManager {
	return &TxManager{pool: pool, statementTimeout: defaultStatementTimeout}
}

type txKey struct{}

// RunInTransaction executes fn within a transaction. A transaction already
// present in ctx is joined, so nested calls commit or roll back together.
func (m *TxManager) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.GetTx(ctx) != nil {
		return fn(ctx)
	}

	ctx, span := tracer.Start(ctx, "ledger.transaction")
	defer span.End()

	err := m.run(ctx, fn)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (m *TxManager) run(ctx context.Context, fn func(ctx context.Context) error) error {
	dbtx, err := m.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if m.statementTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL statement_timeout = '%dms'", m.statementTimeout.Milliseconds())
		if _, err := dbtx.Exec(ctx, stmt); err != nil {
			m.rollback(ctx, dbtx, err)
			return fmt.Errorf("set statement_timeout: %w", err)
		}
	}

	if err := fn(context.WithValue(ctx, txKey{}, dbtx)); err != nil {
		m.rollback(ctx, dbtx, err)
		return err
	}

	if err := dbtx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// rollback uses a fresh context so a cancelled request still releases its
// locks immediately.
func (m *TxManager) rollback(ctx context.Context, dbtx pgx.Tx, cause error) {
	if err := dbtx.Rollback(context.Background()); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		logger.Error(ctx, "rollback failed", "error", err, "cause", cause)
	}
}

// GetTx returns the transaction carried by ctx, or nil.
func (m *TxManager) GetTx(ctx context.Context) pgx.Tx {
	if t, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return t
	}
	return nil
}

// GetQuerier returns the transaction in ctx, falling back to the pool.
func (m *TxManager) GetQuerier(ctx context.Context) Querier {
	if t := m.GetTx(ctx); t != nil {
		return t
	}
	return m.pool
}

// Lock takes a transaction-scoped advisory lock on key. Postgres releases it
// at commit or rollback; taking it twice in one transaction does not block.
func (m *TxManager) Lock(ctx context.Context, key string) error {
	t := m.GetTx(ctx)
	if t == nil {
		return ErrNoTransaction
	}
	ctx, span := tracer.Start(ctx, "ledger.advisory_lock", trace.WithAttributes(attribute.String("lock.key", key)))
	defer span.End()

	if _, err := t.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", key); err != nil {
		return fmt.Errorf("advisory lock %s: %w", key, err)
	}
	return nil
}
