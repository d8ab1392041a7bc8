//go:build integration

package app

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"verifactu/internal/config"
	"verifactu/internal/core/apperror"
	"verifactu/internal/core/types"
	"verifactu/internal/domain/invoice"
	"verifactu/internal/infrastructure/events"
	"verifactu/internal/infrastructure/storage/postgres"
	"verifactu/internal/infrastructure/storage/postgres/migrations"
	"verifactu/pkg/logger"
)

type recordingSink struct {
	mu     sync.Mutex
	events []invoice.Event
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Deliver(_ context.Context, e invoice.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func startLedger(t *testing.T) *Ledger {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("ledger_test"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	log := logger.NewNop()
	m, err := migrations.New(dsn, log)
	require.NoError(t, err)
	require.NoError(t, m.Up())
	require.NoError(t, m.Close())

	cfg := &config.Config{}
	cfg.Database.DSN = dsn
	cfg.Database.MaxConns = 10
	cfg.Database.MinConns = 1
	cfg.Ledger.TokenSecret = "integration-secret-0123456789"
	cfg.Ledger.TokenTTL = time.Hour
	cfg.Idempotency.TTL = time.Hour

	ledger, err := Build(ctx, cfg, log)
	require.NoError(t, err)
	t.Cleanup(ledger.Close)
	return ledger
}

func draft(series, price string) invoice.Draft {
	d := invoice.Draft{
		SeriesCode:  series,
		IssuerTaxID: "B12345678",
		IssueDate:   time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC),
		Counterparty: invoice.Counterparty{
			Name:        "Acme SL",
			TaxID:       "A87654321",
			Address:     "Calle Mayor 1, Madrid",
			CountryCode: "ES",
		},
		Lines: []invoice.Line{{
			Description: "Consulting",
			Quantity:    types.MustMoney("1"),
			UnitPrice:   types.MustMoney(price),
			TaxRate:     types.MustMoney("21"),
		}},
	}
	d.Recalculate()
	return d
}

func TestPostgresLedger_Lifecycle(t *testing.T) {
	ledger := startLedger(t)
	ctx := context.Background()
	engine := ledger.Engine

	var docs []*invoice.Document
	for _, price := range []string{"100.00", "200.00", "50.00"} {
		doc, err := engine.CreateDirect(ctx, draft("A", price))
		require.NoError(t, err)
		docs = append(docs, doc)
	}
	assert.Equal(t, "A-3", docs[2].FullNumber())
	assert.Equal(t, docs[1].Chain.HashSelf, docs[2].Chain.HashPrevious)

	_, err := engine.Cancel(ctx, docs[0].ID, "Customer withdrew")
	assert.True(t, apperror.IsNotLastInSeries(err), err)

	cancelled, err := engine.Cancel(ctx, docs[2].ID, "Customer withdrew")
	require.NoError(t, err)
	assert.Equal(t, invoice.StatusCancelled, cancelled.Status)

	// A cancelled A-3 is still the last number of the series.
	_, err = engine.Cancel(ctx, docs[1].ID, "Duplicate order")
	assert.True(t, apperror.IsNotLastInSeries(err), err)

	rect := draft("R", "-20.00")
	rect.RectificationReason = "Price correction"
	corrected, err := engine.Rectify(ctx, *docs[1].Series, rect)
	require.NoError(t, err)
	assert.Equal(t, invoice.KindR1, corrected.Kind)
	assert.Equal(t, "R-1", corrected.FullNumber())

	stored, err := engine.GetByNumber(ctx, *docs[1].Series)
	require.NoError(t, err)
	assert.Equal(t, invoice.StatusIssued, stored.Status)
	assert.True(t, stored.Totals.GrandTotal.Equal(types.MustMoney("242.00")))

	report, err := engine.VerifyChain(ctx, "series:A")
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 3, report.Length)

	history, err := ledger.Audit.History(ctx, docs[2].ID, 10)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	sink := &recordingSink{}
	relay := postgres.NewOutboxRelay(ledger.TxManager, 100, events.NewDispatcher(sink))
	n, err := relay.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Len(t, sink.events, 5)
}

func TestPostgresLedger_DraftConversion(t *testing.T) {
	ledger := startLedger(t)
	ctx := context.Background()
	engine := ledger.Engine

	body := draft("", "80.00")
	body.Commercial = invoice.Commercial{PaymentMethod: "Transferencia", IssuerIBAN: "ES9121000418450200051332"}
	d, err := engine.CreateDraft(ctx, body)
	require.NoError(t, err)

	token, err := engine.IssueApprovalToken(ctx, d.ID)
	require.NoError(t, err)

	issued, err := engine.Convert(ctx, token, "B")
	require.NoError(t, err)
	assert.Equal(t, d.ID, issued.ID)
	assert.Equal(t, "B-1", issued.FullNumber())
	assert.NotNil(t, issued.TokenSentAt)
	assert.Equal(t, "Transferencia", issued.Commercial.PaymentMethod)

	_, err = engine.Convert(ctx, token, "B")
	assert.Error(t, err)
}

func TestPostgresLedger_ConcurrentIssuanceIsGapFree(t *testing.T) {
	ledger := startLedger(t)
	ctx := context.Background()

	const workers = 20
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seqs []int64
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			doc, err := ledger.Engine.CreateDirect(ctx, draft("C", "10.00"))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			seqs = append(seqs, doc.Series.Seq)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	require.Len(t, seqs, workers)
	for i, seq := range seqs {
		assert.Equal(t, int64(i+1), seq)
	}

	report, err := ledger.Engine.VerifyChain(ctx, "series:C")
	require.NoError(t, err)
	assert.True(t, report.Valid)
}

func TestPostgresLedger_Idempotency(t *testing.T) {
	ledger := startLedger(t)
	ctx := context.Background()
	store := ledger.Idempotency

	replay, err := store.AcquireKey(ctx, "k-1", "alice", "POST /api/v1/invoices", "hash-1")
	require.NoError(t, err)
	assert.Nil(t, replay)

	_, err = store.AcquireKey(ctx, "k-1", "alice", "POST /api/v1/invoices", "hash-1")
	assert.True(t, apperror.IsAppError(err))

	require.NoError(t, store.CompleteKey(ctx, "k-1", "alice", 201, "application/json", []byte(`{"ok":true}`)))

	replay, err = store.AcquireKey(ctx, "k-1", "alice", "POST /api/v1/invoices", "hash-1")
	require.NoError(t, err)
	require.NotNil(t, replay)
	assert.Equal(t, 201, replay.StatusCode)
	assert.JSONEq(t, `{"ok":true}`, string(replay.Body))

	_, err = store.AcquireKey(ctx, "k-1", "alice", "POST /api/v1/invoices", "hash-2")
	assert.Error(t, err)

	// Keys are scoped per actor.
	replay, err = store.AcquireKey(ctx, "k-1", "bob", "POST /api/v1/invoices", "hash-2")
	require.NoError(t, err)
	assert.Nil(t, replay)
}
