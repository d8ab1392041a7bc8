package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"

	"verifactu/internal/core/id"
	"verifactu/internal/domain/invoice"
	"verifactu/pkg/logger"
)

// OutboxStatus represents the state of an outbox message.
type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "pending"
	OutboxStatusPublished OutboxStatus = "published"
	OutboxStatusFailed    OutboxStatus = "failed"
)

// AggregateInvoice is the aggregate type of every ledger event.
const AggregateInvoice = "Invoice"

// DefaultMaxRetries is the number of delivery attempts before a message is
// parked as failed and later moved to the dead letter queue.
const DefaultMaxRetries = 5

// OutboxMessage represents a message in the transactional outbox.
type OutboxMessage struct {
	ID            id.ID        `db:"id"`
	AggregateType string       `db:"aggregate_type"` // "Invoice"
	AggregateID   id.ID        `db:"aggregate_id"`   // document id
	EventType     string       `db:"event_type"`     // "InvoiceIssued", "InvoiceCancelled"
	Payload       []byte       `db:"payload"`        // JSON-encoded invoice.Event
	Status        OutboxStatus `db:"status"`
	RetryCount    int          `db:"retry_count"`
	LastError     *string      `db:"last_error"`
	NextRetryAt   *time.Time   `db:"next_retry_at"`
	CreatedAt     time.Time    `db:"created_at"`
	PublishedAt   *time.Time   `db:"published_at"`
}

// Event decodes the payload.
func (m *OutboxMessage) Event() (invoice.Event, error) {
	var e invoice.Event
	if err := json.Unmarshal(m.Payload, &e); err != nil {
		return e, fmt.Errorf("decode outbox payload %s: %w", m.ID, err)
	}
	return e, nil
}

// Compile-time check that OutboxPublisher implements invoice.EventPublisher.
var _ invoice.EventPublisher = (*OutboxPublisher)(nil)

// OutboxPublisher writes ledger events to the outbox table.
type OutboxPublisher struct {
	txManager *TxManager
}

// NewOutboxPublisher creates a new outbox publisher.
func NewOutboxPublisher(txManager *TxManager) *OutboxPublisher {
	return &OutboxPublisher{txManager: txManager}
}

// Publish writes an event to the outbox within the current transaction.
// MUST be called inside a transaction context.
func (p *OutboxPublisher) Publish(ctx context.Context, event invoice.Event) error {
	tx := p.txManager.GetTx(ctx)
	if tx == nil {
		return fmt.Errorf("outbox publish requires transaction context")
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO sys_outbox (id, aggregate_type, aggregate_id, event_type, payload, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, id.New(), AggregateInvoice, event.DocumentID, event.Type, payload, OutboxStatusPending, event.OccurredAt.UTC())
	if err != nil {
		return fmt.Errorf("insert outbox message: %w", err)
	}

	return nil
}

// OutboxHandler processes outbox messages.
type OutboxHandler interface {
	// Handle processes a message and returns error if failed
	Handle(ctx context.Context, msg *OutboxMessage) error
}

// OutboxRelay reads and processes messages from the outbox.
// Used by the background worker to deliver events to the configured sinks.
type OutboxRelay struct {
	txManager  *TxManager
	batchSize  int
	maxRetries int
	handler    OutboxHandler
}

// NewOutboxRelay creates a new outbox relay.
func NewOutboxRelay(txManager *TxManager, batchSize int, handler OutboxHandler) *OutboxRelay {
	return &OutboxRelay{
		txManager:  txManager,
		batchSize:  batchSize,
		maxRetries: DefaultMaxRetries,
		handler:    handler,
	}
}

// ProcessBatch fetches and processes pending messages.
// Rows stay locked (SKIP LOCKED) until the batch commits, so several workers
// can relay concurrently. Returns number of delivered messages.
func (r *OutboxRelay) ProcessBatch(ctx context.Context) (int, error) {
	processed := 0
	err := r.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		q := r.txManager.GetQuerier(ctx)

		var messages []*OutboxMessage
		err := pgxscan.Select(ctx, q, &messages, `
			SELECT id, aggregate_type, aggregate_id, event_type, payload, status,
			       retry_count, last_error, next_retry_at, created_at, published_at
			FROM sys_outbox
			WHERE status = $1
			  AND (next_retry_at IS NULL OR next_retry_at <= NOW())
			ORDER BY created_at, id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		`, OutboxStatusPending, r.batchSize)
		if err != nil {
			return fmt.Errorf("fetch outbox messages: %w", err)
		}

		for _, msg := range messages {
			if err := r.processMessage(ctx, q, msg); err != nil {
				logger.Warn(ctx, "outbox delivery failed",
					"message_id", msg.ID,
					"event_type", msg.EventType,
					"attempt", msg.RetryCount+1,
					"error", err)
				continue
			}
			processed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return processed, nil
}

// maxBackoff caps the delay between delivery attempts.
const maxBackoff = 30 * time.Minute

// retryDelay doubles per attempt starting at thirty seconds.
func retryDelay(attempt int) time.Duration {
	d := 30 * time.Second << min(attempt, 10)
	return min(d, maxBackoff)
}

func (r *OutboxRelay) processMessage(ctx context.Context, q Querier, msg *OutboxMessage) error {
	if err := r.handler.Handle(ctx, msg); err != nil {
		if markErr := r.markFailed(ctx, q, msg, err); markErr != nil {
			return markErr
		}
		return err
	}
	if _, err := q.Exec(ctx,
		`UPDATE sys_outbox SET status = $1, published_at = $2 WHERE id = $3`,
		OutboxStatusPublished, time.Now().UTC(), msg.ID,
	); err != nil {
		return fmt.Errorf("mark %s published: %w", msg.ID, err)
	}
	return nil
}

// markFailed schedules the next attempt, or parks the message as failed once
// maxRetries is reached.
func (r *OutboxRelay) markFailed(ctx context.Context, q Querier, msg *OutboxMessage, cause error) error {
	attempt := msg.RetryCount + 1
	status := OutboxStatusPending
	if attempt >= r.maxRetries {
		status = OutboxStatusFailed
	}
	_, err := q.Exec(ctx, `
		UPDATE sys_outbox
		SET retry_count = $1, last_error = $2, next_retry_at = $3, status = $4
		WHERE id = $5
	`, attempt, cause.Error(), time.Now().UTC().Add(retryDelay(msg.RetryCount)), status, msg.ID)
	if err != nil {
		return fmt.Errorf("record failed delivery of %s: %w", msg.ID, err)
	}
	return nil
}

// MoveToDLQ moves exhausted messages to the dead letter queue.
func (r *OutboxRelay) MoveToDLQ(ctx context.Context) (int64, error) {
	result, err := r.txManager.GetQuerier(ctx).Exec(ctx, `
		WITH moved AS (
			DELETE FROM sys_outbox
			WHERE status = $1 AND retry_count >= $2
			RETURNING *
		)
		INSERT INTO sys_outbox_dlq
		SELECT *, NOW() AS failed_at, last_error AS failure_reason FROM moved
	`, OutboxStatusFailed, r.maxRetries)
	if err != nil {
		return 0, fmt.Errorf("move to DLQ: %w", err)
	}

	return result.RowsAffected(), nil
}

// PurgePublished deletes delivered messages older than age.
func (r *OutboxRelay) PurgePublished(ctx context.Context, age time.Duration) (int64, error) {
	result, err := r.txManager.GetQuerier(ctx).Exec(ctx, `
		DELETE FROM sys_outbox WHERE status = $1 AND published_at < $2
	`, OutboxStatusPublished, time.Now().UTC().Add(-age))
	if err != nil {
		return 0, fmt.Errorf("purge published messages: %w", err)
	}
	return result.RowsAffected(), nil
}
