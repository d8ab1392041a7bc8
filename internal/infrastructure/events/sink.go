// Package events delivers ledger events from the outbox to external sinks.
package events

import (
	"context"
	"errors"
	"fmt"

	"verifactu/internal/domain/invoice"
	"verifactu/internal/infrastructure/storage/postgres"
	"verifactu/pkg/logger"
)

// Sink receives ledger events. Delivery is at least once, so sinks must
// tolerate the same event twice.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, event invoice.Event) error
}

// Compile-time check that Dispatcher implements postgres.OutboxHandler.
var _ postgres.OutboxHandler = (*Dispatcher)(nil)

// Dispatcher fans one outbox message out to every sink.
type Dispatcher struct {
	sinks []Sink
}

// NewDispatcher creates a dispatcher over sinks.
func NewDispatcher(sinks ...Sink) *Dispatcher {
	return &Dispatcher{sinks: sinks}
}

// Handle decodes msg and delivers it. The message fails when any sink
// fails; the relay then retries it against all sinks.
func (d *Dispatcher) Handle(ctx context.Context, msg *postgres.OutboxMessage) error {
	if msg.AggregateType != postgres.AggregateInvoice {
		logger.Debug(ctx, "skipping foreign outbox message", "aggregate_type", msg.AggregateType)
		return nil
	}

	event, err := msg.Event()
	if err != nil {
		return err
	}

	var errs []error
	for _, sink := range d.sinks {
		if err := sink.Deliver(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
			continue
		}
		logger.Debug(ctx, "event delivered",
			"sink", sink.Name(),
			"event_type", event.Type,
			"document_id", event.DocumentID)
	}
	return errors.Join(errs...)
}
