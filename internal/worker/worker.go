// Package worker runs the ledger's background jobs: outbox relay, dead
// letters, purging, idempotency cleanup and periodic chain verification.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"

	"verifactu/internal/domain/invoice"
	"verifactu/pkg/logger"
)

// Relay delivers outbox messages. Satisfied by *postgres.OutboxRelay.
type Relay interface {
	ProcessBatch(ctx context.Context) (int, error)
	MoveToDLQ(ctx context.Context) (int64, error)
	PurgePublished(ctx context.Context, age time.Duration) (int64, error)
}

// KeyCleaner removes expired idempotency keys.
type KeyCleaner interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

// ChainVerifier recomputes hash chains. Satisfied by *invoice.Engine.
type ChainVerifier interface {
	ChainKeys(ctx context.Context) ([]string, error)
	VerifyChain(ctx context.Context, chainKey string) (*invoice.ChainReport, error)
}

// Intervals configures how often each job runs. A zero interval disables the job.
type Intervals struct {
	Relay    time.Duration
	DLQ      time.Duration
	Purge    time.Duration
	PurgeAge time.Duration
	Cleanup  time.Duration
	Verify   time.Duration
}

// Worker schedules the jobs.
type Worker struct {
	scheduler gocron.Scheduler
	relay     Relay
	cleaner   KeyCleaner
	verifier  ChainVerifier
	intervals Intervals
	log       *logger.Logger
}

// New creates a worker. cleaner may be nil.
func New(relay Relay, cleaner KeyCleaner, verifier ChainVerifier, intervals Intervals, log *logger.Logger) (*Worker, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return &Worker{
		scheduler: scheduler,
		relay:     relay,
		cleaner:   cleaner,
		verifier:  verifier,
		intervals: intervals,
		log:       log.WithComponent("worker"),
	}, nil
}

// Start registers the jobs and starts the scheduler. Jobs stop when ctx is
// cancelled or Stop is called.
func (w *Worker) Start(ctx context.Context) error {
	jobs := []struct {
		name     string
		interval time.Duration
		run      func(ctx context.Context)
	}{
		{"outbox-relay", w.intervals.Relay, w.RelayOutbox},
		{"outbox-dlq", w.intervals.DLQ, w.MoveDeadLetters},
		{"outbox-purge", w.intervals.Purge, w.PurgePublished},
		{"idempotency-cleanup", w.intervals.Cleanup, w.CleanupKeys},
		{"chain-verify", w.intervals.Verify, w.VerifyChains},
	}

	registered := 0
	for _, job := range jobs {
		if job.interval <= 0 {
			continue
		}
		_, err := w.scheduler.NewJob(
			gocron.DurationJob(job.interval),
			gocron.NewTask(job.run, ctx),
			gocron.WithName(job.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("register job %s: %w", job.name, err)
		}
		registered++
	}

	w.scheduler.Start()
	w.log.Infow("worker started", "jobs", registered)
	return nil
}

// Stop waits for running jobs and shuts the scheduler down.
func (w *Worker) Stop() error {
	return w.scheduler.Shutdown()
}

// RelayOutbox drains the outbox until a batch comes back empty.
func (w *Worker) RelayOutbox(ctx context.Context) {
	total := 0
	for ctx.Err() == nil {
		n, err := w.relay.ProcessBatch(ctx)
		if err != nil {
			w.log.Errorw("outbox relay failed", "error", err)
			return
		}
		total += n
		if n == 0 {
			break
		}
	}
	if total > 0 {
		w.log.Debugw("outbox relayed", "count", total)
	}
}

// MoveDeadLetters moves messages that exhausted their retries to the DLQ.
func (w *Worker) MoveDeadLetters(ctx context.Context) {
	n, err := w.relay.MoveToDLQ(ctx)
	if err != nil {
		w.log.Errorw("move to dead letter queue failed", "error", err)
		return
	}
	if n > 0 {
		w.log.Warnw("outbox messages moved to dead letter queue", "count", n)
	}
}

// PurgePublished deletes delivered outbox messages older than PurgeAge.
func (w *Worker) PurgePublished(ctx context.Context) {
	n, err := w.relay.PurgePublished(ctx, w.intervals.PurgeAge)
	if err != nil {
		w.log.Errorw("purge published outbox failed", "error", err)
		return
	}
	if n > 0 {
		w.log.Infow("purged published outbox messages", "count", n)
	}
}

// CleanupKeys removes expired idempotency keys.
func (w *Worker) CleanupKeys(ctx context.Context) {
	if w.cleaner == nil {
		return
	}
	n, err := w.cleaner.CleanupExpired(ctx)
	if err != nil {
		w.log.Errorw("idempotency cleanup failed", "error", err)
		return
	}
	if n > 0 {
		w.log.Infow("cleaned up idempotency keys", "count", n)
	}
}

// VerifyChains recomputes every hash chain and logs broken ones.
func (w *Worker) VerifyChains(ctx context.Context) {
	w.verifyAll(ctx)
}

func (w *Worker) verifyAll(ctx context.Context) int {
	keys, err := w.verifier.ChainKeys(ctx)
	if err != nil {
		w.log.Errorw("list chains failed", "error", err)
		return 0
	}

	broken := 0
	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		report, err := w.verifier.VerifyChain(ctx, key)
		if err != nil {
			w.log.Errorw("chain verification failed", "chain", key, "error", err)
			continue
		}
		if !report.Valid {
			broken++
			w.log.Errorw("hash chain broken",
				"chain", key,
				"index", report.BrokenAt,
				"reason", report.Reason,
			)
		}
	}
	w.log.Infow("chains verified", "chains", len(keys), "broken", broken)
	return broken
}
