package ledger_repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"verifactu/internal/core/apperror"
	"verifactu/internal/core/hashchain"
	"verifactu/internal/core/id"
	"verifactu/internal/core/types"
	"verifactu/internal/domain/invoice"
	"verifactu/internal/infrastructure/storage/postgres"
)

type LedgerRepoTestSuite struct {
	suite.Suite
	mock pgxmock.PgxPoolIface
	txm  *postgres.TxManager
	repo *Repo
	ctx  context.Context
}

func (s *LedgerRepoTestSuite) SetupTest() {
	mock, err := pgxmock.NewPool()
	s.Require().NoError(err)
	s.mock = mock
	s.txm = postgres.NewTxManager(mock)
	s.repo = NewRepo(s.txm)
	s.ctx = context.Background()
}

func (s *LedgerRepoTestSuite) TearDownTest() {
	s.mock.Close()
}

func TestLedgerRepoTestSuite(t *testing.T) {
	suite.Run(t, new(LedgerRepoTestSuite))
}

func issuedDoc() *invoice.Document {
	at := time.Date(2025, 3, 14, 10, 30, 0, 0, time.UTC)
	return &invoice.Document{
		ID:          id.New(),
		Status:      invoice.StatusIssued,
		Kind:        invoice.KindF1,
		Series:      &invoice.SeriesNumber{Code: "A", Seq: 3},
		IssuerTaxID: "B12345678",
		IssueDate:   at,
		Counterparty: invoice.Counterparty{
			Name: "Acme", TaxID: "X1", Address: "Main St 1", CountryCode: "ES",
		},
		Lines: []invoice.Line{{
			Description: "Consulting",
			Quantity:    types.MustMoney("1"),
			UnitPrice:   types.MustMoney("100"),
			TaxRate:     types.MustMoney("21"),
			Base:        types.MustMoney("100"),
			TaxAmount:   types.MustMoney("21"),
		}},
		Totals: invoice.Totals{
			TaxBase:    types.MustMoney("100"),
			TaxAmount:  types.MustMoney("21"),
			GrandTotal: types.MustMoney("121"),
		},
		Payable: types.MustMoney("121"),
		Chain: &invoice.ChainLink{
			Key: "series:A", Index: 3, HashPrevious: hashchain.Genesis, HashSelf: "AB12",
		},
		CreatedAt: at,
		IssuedAt:  &at,
	}
}

func (s *LedgerRepoTestSuite) TestInsert() {
	doc := issuedDoc()
	s.mock.ExpectExec("INSERT INTO ledger_documents").
		WithArgs(anyArgs(35)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	s.Require().NoError(s.repo.Insert(s.ctx, doc))
	s.NoError(s.mock.ExpectationsWereMet())
}

func (s *LedgerRepoTestSuite) TestInsert_WritesCommercialTerms() {
	doc := issuedDoc()
	doc.Commercial = invoice.Commercial{PaymentMethod: "Transferencia", IssuerIBAN: "ES9121000418450200051332"}
	s.mock.ExpectExec("INSERT INTO ledger_documents \\(.*issuer_iban.*offer_validity,operation_date.*payment_method,payment_terms.*token_sent_at").
		WithArgs(anyArgs(35)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	s.Require().NoError(s.repo.Insert(s.ctx, doc))
	s.NoError(s.mock.ExpectationsWereMet())
}

func TestDocumentRow_CommercialTermsAndDates(t *testing.T) {
	op := time.Date(2025, 3, 1, 0, 0, 0, 0, time.FixedZone("CET", 3600))
	sent := time.Date(2025, 3, 2, 9, 0, 0, 0, time.UTC)
	row := &documentRow{
		ID:            id.New(),
		Status:        string(invoice.StatusDraft),
		Kind:          string(invoice.KindOrdinary),
		Lines:         []byte(`[]`),
		TaxBase:       "100.00",
		TaxAmount:     "21.00",
		GrandTotal:    "121.00",
		Payable:       "121.00",
		OperationDate: &op,
		PaymentMethod: "Bizum",
		PaymentTerms:  "30 days",
		IssuerIBAN:    "ES9121000418450200051332",
		OfferValidity: "15 days",
		TokenSentAt:   &sent,
	}

	doc, err := row.toDocument()
	require.NoError(t, err)
	assert.Equal(t, invoice.Commercial{
		PaymentMethod: "Bizum",
		PaymentTerms:  "30 days",
		IssuerIBAN:    "ES9121000418450200051332",
		OfferValidity: "15 days",
	}, doc.Commercial)
	require.NotNil(t, doc.OperationDate)
	assert.Equal(t, time.UTC, doc.OperationDate.Location())
	assert.True(t, op.Equal(*doc.OperationDate))
	assert.Equal(t, &sent, doc.TokenSentAt)
}

func (s *LedgerRepoTestSuite) TestInsert_UniqueViolationIsConflict() {
	s.mock.ExpectExec("INSERT INTO ledger_documents").
		WithArgs(anyArgs(35)...).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "ledger_documents_series_seq_key"})

	err := s.repo.Insert(s.ctx, issuedDoc())
	s.Require().Error(err)
	appErr, ok := apperror.AsAppError(err)
	s.Require().True(ok)
	s.Equal(apperror.CodeConflict, appErr.Code)
	s.Equal("ledger_documents_series_seq_key", appErr.Details["constraint"])
}

func (s *LedgerRepoTestSuite) TestInsert_DriverErrorIsWrapped() {
	s.mock.ExpectExec("INSERT INTO ledger_documents").
		WithArgs(anyArgs(35)...).
		WillReturnError(errors.New("connection reset"))

	err := s.repo.Insert(s.ctx, issuedDoc())
	s.ErrorContains(err, "write ledger_documents")
	s.False(apperror.IsAppError(err))
}

func (s *LedgerRepoTestSuite) TestUpdate_MissingDocument() {
	doc := issuedDoc()
	s.mock.ExpectExec("UPDATE ledger_documents SET").
		WithArgs(anyArgs(14)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.repo.Update(s.ctx, doc)
	s.True(apperror.IsNotFound(err))
}

func (s *LedgerRepoTestSuite) TestUpdate() {
	doc := issuedDoc()
	doc.Status = invoice.StatusCancelled
	doc.Payable = types.Zero()
	doc.Cancellation = &invoice.Cancellation{Reason: "Duplicate", At: time.Now().UTC()}
	s.mock.ExpectExec("UPDATE ledger_documents SET").
		WithArgs(anyArgs(14)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	s.Require().NoError(s.repo.Update(s.ctx, doc))
	s.NoError(s.mock.ExpectationsWereMet())
}

func (s *LedgerRepoTestSuite) TestGetByID_NotFound() {
	docID := id.New()
	s.mock.ExpectQuery("SELECT .+ FROM ledger_documents WHERE id = \\$1").
		WithArgs(docID).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	_, err := s.repo.GetByID(s.ctx, docID)
	s.True(apperror.IsNotFound(err))
}

func (s *LedgerRepoTestSuite) TestGetByToken_NotFound() {
	s.mock.ExpectQuery("SELECT .+ FROM ledger_documents WHERE approval_token = \\$1").
		WithArgs("tok").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	_, err := s.repo.GetByToken(s.ctx, "tok")
	s.True(apperror.IsNotFound(err))
}

func (s *LedgerRepoTestSuite) TestChainTail() {
	s.mock.ExpectQuery("SELECT chain_key, chain_index, hash_previous, hash_self FROM ledger_documents WHERE chain_key = \\$1 ORDER BY chain_index DESC LIMIT 1").
		WithArgs("series:A").
		WillReturnRows(pgxmock.NewRows([]string{"chain_key", "chain_index", "hash_previous", "hash_self"}).
			AddRow("series:A", int64(4), "PREV", "SELF"))

	tail, err := s.repo.ChainTail(s.ctx, "series:A")
	s.Require().NoError(err)
	s.Require().NotNil(tail)
	s.Equal(int64(4), tail.Index)
	s.Equal("SELF", tail.HashSelf)
}

func (s *LedgerRepoTestSuite) TestChainTail_EmptyChain() {
	s.mock.ExpectQuery("FROM ledger_documents WHERE chain_key = \\$1").
		WithArgs("series:NEW").
		WillReturnRows(pgxmock.NewRows([]string{"chain_key", "chain_index", "hash_previous", "hash_self"}))

	tail, err := s.repo.ChainTail(s.ctx, "series:NEW")
	s.Require().NoError(err)
	s.Nil(tail)
}

func (s *LedgerRepoTestSuite) TestLastInSeries_None() {
	s.mock.ExpectQuery("WHERE series_code = \\$1 ORDER BY seq DESC LIMIT 1").
		WithArgs("A").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	doc, err := s.repo.LastInSeries(s.ctx, "A")
	s.Require().NoError(err)
	s.Nil(doc)
}

func (s *LedgerRepoTestSuite) TestChainKeys() {
	s.mock.ExpectQuery("SELECT DISTINCT chain_key FROM ledger_documents WHERE chain_key IS NOT NULL ORDER BY chain_key").
		WillReturnRows(pgxmock.NewRows([]string{"chain_key"}).AddRow("series:A").AddRow("series:B"))

	keys, err := s.repo.ChainKeys(s.ctx)
	s.Require().NoError(err)
	s.Equal([]string{"series:A", "series:B"}, keys)
}

func (s *LedgerRepoTestSuite) TestLock_UsesAdvisoryLockInTransaction() {
	s.mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	s.mock.ExpectExec("SET LOCAL statement_timeout").WillReturnResult(pgxmock.NewResult("SET", 0))
	s.mock.ExpectExec("SELECT pg_advisory_xact_lock\\(hashtextextended\\(\\$1, 0\\)\\)").
		WithArgs("series:A").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	s.mock.ExpectCommit()

	err := s.txm.RunInTransaction(s.ctx, func(ctx context.Context) error {
		return s.repo.Lock(ctx, "series:A")
	})
	s.Require().NoError(err)
	s.NoError(s.mock.ExpectationsWereMet())
}

func (s *LedgerRepoTestSuite) TestLock_OutsideTransaction() {
	err := s.repo.Lock(s.ctx, "series:A")
	s.ErrorIs(err, postgres.ErrNoTransaction)
}

func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func TestDocumentRow_ToDocument(t *testing.T) {
	docID := id.New()
	series, seq := "R", int64(1)
	key, index, prev, self := "series:R", int64(1), hashchain.Genesis, "FFEE"
	rs, rq := "A", int64(3)
	rate, amount := "15", "15.00"
	issued := time.Date(2025, 3, 14, 10, 30, 0, 0, time.FixedZone("CET", 3600))

	row := documentRow{
		ID:                  docID,
		Status:              "ISSUED",
		Kind:                "R1",
		Series:              &series,
		Seq:                 &seq,
		IssuerTaxID:         "B12345678",
		IssueDate:           issued,
		CounterpartyName:    "Acme",
		CounterpartyTaxID:   "X1",
		CounterpartyAddress: "Main St 1",
		CounterpartyCountry: "ES",
		Lines:               []byte(`[{"description":"Refund","quantity":"1","unitPrice":"-100","taxRate":"21","base":"-100","taxAmount":"-21"}]`),
		TaxBase:             "-100.00",
		TaxAmount:           "-21.00",
		WithholdingRate:     &rate,
		WithholdingAmount:   &amount,
		GrandTotal:          "-136.00",
		Payable:             "-136.00",
		ChainKey:            &key,
		ChainIndex:          &index,
		HashPrevious:        &prev,
		HashSelf:            &self,
		RectifiesSeries:     &rs,
		RectifiesSeq:        &rq,
		RectificationReason: "Price correction",
		CreatedAt:           issued,
		IssuedAt:            &issued,
	}

	doc, err := row.toDocument()
	require.NoError(t, err)

	assert.Equal(t, docID, doc.ID)
	assert.Equal(t, invoice.StatusIssued, doc.Status)
	assert.Equal(t, "R-1", doc.FullNumber())
	assert.Equal(t, &invoice.SeriesNumber{Code: "A", Seq: 3}, doc.Rectifies)
	assert.Equal(t, "FFEE", doc.HashSelf())
	assert.Equal(t, hashchain.Genesis, doc.HashPrevious())
	assert.True(t, doc.Totals.GrandTotal.Equal(types.MustMoney("-136")))
	require.NotNil(t, doc.Totals.WithholdingAmount)
	assert.True(t, doc.Totals.WithholdingAmount.Equal(types.MustMoney("15")))
	require.Len(t, doc.Lines, 1)
	assert.True(t, doc.Lines[0].TaxAmount.Equal(types.MustMoney("-21")))
	assert.Equal(t, time.UTC, doc.IssuedAt.Location())
	assert.Nil(t, doc.Cancellation)
	assert.Nil(t, doc.ApprovalToken)
}

func TestDocumentRow_BadAmount(t *testing.T) {
	row := documentRow{
		ID:         id.New(),
		Lines:      []byte(`[]`),
		TaxBase:    "abc",
		TaxAmount:  "0",
		GrandTotal: "0",
		Payable:    "0",
	}

	_, err := row.toDocument()
	assert.ErrorContains(t, err, "decode amounts")
}
