package invoice

import (
	"context"
	"time"

	"verifactu/internal/core/id"
)

// Event types published on lifecycle transitions.
const (
	EventIssued    = "InvoiceIssued"
	EventCancelled = "InvoiceCancelled"
)

// Event is a committed lifecycle change. Publishers receive it inside the
// issuing transaction, so a rollback discards it too.
type Event struct {
	Type       string    `json:"type"`
	DocumentID id.ID     `json:"documentId"`
	Document   *Document `json:"document"`
	OccurredAt time.Time `json:"occurredAt"`
}

// EventPublisher records events for asynchronous delivery (transactional outbox).
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// Audit actions.
const (
	AuditCreateDraft   = "create_draft"
	AuditApprovalToken = "approval_token"
	AuditIssue         = "issue"
	AuditCancel        = "cancel"
)

// AuditRecord is one entry of the ledger's audit trail.
type AuditRecord struct {
	Action     string
	DocumentID id.ID
	Number     string
	Snapshot   *Document
}

// AuditLogger persists audit records inside the caller's transaction.
type AuditLogger interface {
	Record(ctx context.Context, rec AuditRecord) error
}
