package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"verifactu/internal/core/id"
)

type nopHandler struct{}

func (nopHandler) Handle(context.Context, *OutboxMessage) error { return nil }

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, 30*time.Second, retryDelay(0))
	assert.Equal(t, time.Minute, retryDelay(1))
	assert.Equal(t, 4*time.Minute, retryDelay(3))
	assert.Equal(t, maxBackoff, retryDelay(50))
}

func TestProcessBatch_Empty(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	mock.ExpectExec("SET LOCAL statement_timeout").WillReturnResult(pgxmock.NewResult("SET", 0))
	mock.ExpectQuery("FROM sys_outbox").
		WithArgs(OutboxStatusPending, 10).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	relay := NewOutboxRelay(NewTxManager(mock), 10, nopHandler{})
	n, err := relay.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailed_ParksAfterLastAttempt(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	msg := &OutboxMessage{ID: id.New(), RetryCount: DefaultMaxRetries - 1}
	mock.ExpectExec("UPDATE sys_outbox").
		WithArgs(DefaultMaxRetries, "sink down", pgxmock.AnyArg(), OutboxStatusFailed, msg.ID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	relay := NewOutboxRelay(NewTxManager(mock), 10, nopHandler{})
	require.NoError(t, relay.markFailed(context.Background(), mock, msg, errors.New("sink down")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailed_SchedulesRetry(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	msg := &OutboxMessage{ID: id.New()}
	mock.ExpectExec("UPDATE sys_outbox").
		WithArgs(1, "timeout", pgxmock.AnyArg(), OutboxStatusPending, msg.ID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	relay := NewOutboxRelay(NewTxManager(mock), 10, nopHandler{})
	require.NoError(t, relay.markFailed(context.Background(), mock, msg, errors.New("timeout")))
	assert.NoError(t, mock.ExpectationsWereMet())
}
