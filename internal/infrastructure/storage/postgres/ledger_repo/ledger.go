// Package ledger_repo provides the PostgreSQL implementation of the ledger store.
package ledger_repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5/pgconn"

	"verifactu/internal/core/apperror"
	"verifactu/internal/core/id"
	"verifactu/internal/core/types"
	"verifactu/internal/domain/invoice"
	"verifactu/internal/infrastructure/storage/postgres"
)

const tableName = "ledger_documents"

// Compile-time check that Repo implements invoice.Store.
var _ invoice.Store = (*Repo)(nil)

// Amounts are read back as text and parsed with decimal to keep every digit.
var selectCols = []string{
	"id", "status", "kind", "series_code", "seq",
	"issuer_tax_id", "issue_date",
	"counterparty_name", "counterparty_tax_id", "counterparty_address", "counterparty_country",
	"lines",
	"tax_base::text AS tax_base",
	"tax_amount::text AS tax_amount",
	"withholding_rate::text AS withholding_rate",
	"withholding_amount::text AS withholding_amount",
	"grand_total::text AS grand_total",
	"payable::text AS payable",
	"description", "operation_date",
	"payment_method", "payment_terms", "issuer_iban", "offer_validity",
	"chain_key", "chain_index", "hash_previous", "hash_self",
	"rectifies_series", "rectifies_seq", "rectification_reason",
	"approval_token", "token_sent_at", "cancel_reason", "cancelled_at",
	"created_at", "issued_at",
}

// documentRow is the flat database shape of invoice.Document.
type documentRow struct {
	ID     id.ID   `db:"id"`
	Status string  `db:"status"`
	Kind   string  `db:"kind"`
	Series *string `db:"series_code"`
	Seq    *int64  `db:"seq"`

	IssuerTaxID string    `db:"issuer_tax_id"`
	IssueDate   time.Time `db:"issue_date"`

	CounterpartyName    string `db:"counterparty_name"`
	CounterpartyTaxID   string `db:"counterparty_tax_id"`
	CounterpartyAddress string `db:"counterparty_address"`
	CounterpartyCountry string `db:"counterparty_country"`

	Lines []byte `db:"lines"`

	TaxBase           string  `db:"tax_base"`
	TaxAmount         string  `db:"tax_amount"`
	WithholdingRate   *string `db:"withholding_rate"`
	WithholdingAmount *string `db:"withholding_amount"`
	GrandTotal        string  `db:"grand_total"`
	Payable           string  `db:"payable"`
	Description       string  `db:"description"`

	OperationDate *time.Time `db:"operation_date"`
	PaymentMethod string     `db:"payment_method"`
	PaymentTerms  string     `db:"payment_terms"`
	IssuerIBAN    string     `db:"issuer_iban"`
	OfferValidity string     `db:"offer_validity"`

	ChainKey     *string `db:"chain_key"`
	ChainIndex   *int64  `db:"chain_index"`
	HashPrevious *string `db:"hash_previous"`
	HashSelf     *string `db:"hash_self"`

	RectifiesSeries     *string `db:"rectifies_series"`
	RectifiesSeq        *int64  `db:"rectifies_seq"`
	RectificationReason string  `db:"rectification_reason"`

	ApprovalToken *string    `db:"approval_token"`
	TokenSentAt   *time.Time `db:"token_sent_at"`
	CancelReason  *string    `db:"cancel_reason"`
	CancelledAt   *time.Time `db:"cancelled_at"`

	CreatedAt time.Time  `db:"created_at"`
	IssuedAt  *time.Time `db:"issued_at"`
}

// Repo stores ledger documents in PostgreSQL. Per-series and per-chain
// exclusion uses transaction-scoped advisory locks.
type Repo struct {
	txManager *postgres.TxManager
}

// NewRepo creates a ledger repository.
func NewRepo(txManager *postgres.TxManager) *Repo {
	return &Repo{txManager: txManager}
}

// Builder returns a new squirrel builder.
func (r *Repo) Builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

// Lock takes an advisory lock for the current transaction.
func (r *Repo) Lock(ctx context.Context, key string) error {
	return r.txManager.Lock(ctx, key)
}

// Insert appends a new document.
func (r *Repo) Insert(ctx context.Context, doc *invoice.Document) error {
	lines, err := json.Marshal(doc.Lines)
	if err != nil {
		return fmt.Errorf("marshal lines: %w", err)
	}

	data := map[string]any{
		"id":                   doc.ID,
		"status":               string(doc.Status),
		"kind":                 string(doc.Kind),
		"issuer_tax_id":        doc.IssuerTaxID,
		"issue_date":           doc.IssueDate,
		"counterparty_name":    doc.Counterparty.Name,
		"counterparty_tax_id":  doc.Counterparty.TaxID,
		"counterparty_address": doc.Counterparty.Address,
		"counterparty_country": doc.Counterparty.CountryCode,
		"lines":                lines,
		"tax_base":             doc.Totals.TaxBase,
		"tax_amount":           doc.Totals.TaxAmount,
		"withholding_rate":     moneyOrNil(doc.Totals.WithholdingRate),
		"withholding_amount":   moneyOrNil(doc.Totals.WithholdingAmount),
		"grand_total":          doc.Totals.GrandTotal,
		"description":          doc.Description,
		"operation_date":       doc.OperationDate,
		"payment_method":       doc.Commercial.PaymentMethod,
		"payment_terms":        doc.Commercial.PaymentTerms,
		"issuer_iban":          doc.Commercial.IssuerIBAN,
		"offer_validity":       doc.Commercial.OfferValidity,
		"rectification_reason": doc.RectificationReason,
		"created_at":           doc.CreatedAt,
	}
	if doc.Rectifies != nil {
		data["rectifies_series"] = doc.Rectifies.Code
		data["rectifies_seq"] = doc.Rectifies.Seq
	}
	for k, v := range lifecycleColumns(doc) {
		data[k] = v
	}

	sql, args, err := r.Builder().Insert(tableName).SetMap(data).ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	if _, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return mapWriteError(err)
	}
	return nil
}

// Update writes the lifecycle columns of an existing document.
func (r *Repo) Update(ctx context.Context, doc *invoice.Document) error {
	sql, args, err := r.Builder().
		Update(tableName).
		SetMap(lifecycleColumns(doc)).
		Where(squirrel.Eq{"id": doc.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	tag, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NewNotFound("invoice", doc.ID.String())
	}
	return nil
}

func lifecycleColumns(doc *invoice.Document) map[string]any {
	cols := map[string]any{
		"status":         string(doc.Status),
		"series_code":    nil,
		"seq":            nil,
		"chain_key":      nil,
		"chain_index":    nil,
		"hash_previous":  nil,
		"hash_self":      nil,
		"payable":        doc.Payable,
		"approval_token": doc.ApprovalToken,
		"token_sent_at":  doc.TokenSentAt,
		"cancel_reason":  nil,
		"cancelled_at":   nil,
		"issued_at":      doc.IssuedAt,
	}
	if doc.Series != nil {
		cols["series_code"] = doc.Series.Code
		cols["seq"] = doc.Series.Seq
	}
	if doc.Chain != nil {
		cols["chain_key"] = doc.Chain.Key
		cols["chain_index"] = doc.Chain.Index
		cols["hash_previous"] = doc.Chain.HashPrevious
		cols["hash_self"] = doc.Chain.HashSelf
	}
	if doc.Cancellation != nil {
		cols["cancel_reason"] = doc.Cancellation.Reason
		cols["cancelled_at"] = doc.Cancellation.At
	}
	return cols
}

// GetByID retrieves a document by id.
func (r *Repo) GetByID(ctx context.Context, docID id.ID) (*invoice.Document, error) {
	return r.getOne(ctx, squirrel.Eq{"id": docID}, "invoice", docID.String())
}

// GetByToken retrieves the draft holding an approval token.
func (r *Repo) GetByToken(ctx context.Context, token string) (*invoice.Document, error) {
	return r.getOne(ctx, squirrel.Eq{"approval_token": token}, "approval token", "")
}

// GetByNumber retrieves a document by series and sequence.
func (r *Repo) GetByNumber(ctx context.Context, number invoice.SeriesNumber) (*invoice.Document, error) {
	return r.getOne(ctx, squirrel.Eq{"series_code": number.Code, "seq": number.Seq}, "invoice", number.String())
}

func (r *Repo) getOne(ctx context.Context, where squirrel.Sqlizer, entity, key string) (*invoice.Document, error) {
	sql, args, err := r.Builder().Select(selectCols...).From(tableName).Where(where).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	var row documentRow
	if err := pgxscan.Get(ctx, r.txManager.GetQuerier(ctx), &row, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, apperror.NewNotFound(entity, key)
		}
		return nil, fmt.Errorf("get %s: %w", entity, err)
	}
	return row.toDocument()
}

// ChainTail returns the last link of a chain, or nil for an empty chain.
func (r *Repo) ChainTail(ctx context.Context, chainKey string) (*invoice.ChainLink, error) {
	sql, args, err := r.Builder().
		Select("chain_key", "chain_index", "hash_previous", "hash_self").
		From(tableName).
		Where(squirrel.Eq{"chain_key": chainKey}).
		OrderBy("chain_index DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	var link struct {
		Key          string `db:"chain_key"`
		Index        int64  `db:"chain_index"`
		HashPrevious string `db:"hash_previous"`
		HashSelf     string `db:"hash_self"`
	}
	if err := pgxscan.Get(ctx, r.txManager.GetQuerier(ctx), &link, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get chain tail: %w", err)
	}
	return &invoice.ChainLink{
		Key:          link.Key,
		Index:        link.Index,
		HashPrevious: link.HashPrevious,
		HashSelf:     link.HashSelf,
	}, nil
}

// LastInSeries returns the document with the highest sequence in the
// series. Cancelled documents count.
func (r *Repo) LastInSeries(ctx context.Context, seriesCode string) (*invoice.Document, error) {
	docs, err := r.list(ctx, r.Builder().
		Select(selectCols...).
		From(tableName).
		Where(squirrel.Eq{"series_code": seriesCode}).
		OrderBy("seq DESC").
		Limit(1))
	if err != nil || len(docs) == 0 {
		return nil, err
	}
	return docs[0], nil
}

// ListSeries returns a series' documents ordered by sequence.
func (r *Repo) ListSeries(ctx context.Context, seriesCode string) ([]*invoice.Document, error) {
	return r.list(ctx, r.Builder().
		Select(selectCols...).
		From(tableName).
		Where(squirrel.Eq{"series_code": seriesCode}).
		OrderBy("seq"))
}

// ListChain returns a chain's documents ordered by chain index.
func (r *Repo) ListChain(ctx context.Context, chainKey string) ([]*invoice.Document, error) {
	return r.list(ctx, r.Builder().
		Select(selectCols...).
		From(tableName).
		Where(squirrel.Eq{"chain_key": chainKey}).
		OrderBy("chain_index"))
}

// ChainKeys returns every chain key, sorted.
func (r *Repo) ChainKeys(ctx context.Context) ([]string, error) {
	sql, args, err := r.Builder().
		Select("DISTINCT chain_key").
		From(tableName).
		Where(squirrel.NotEq{"chain_key": nil}).
		OrderBy("chain_key").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	var keys []string
	if err := pgxscan.Select(ctx, r.txManager.GetQuerier(ctx), &keys, sql, args...); err != nil {
		return nil, fmt.Errorf("list chain keys: %w", err)
	}
	return keys, nil
}

func (r *Repo) list(ctx context.Context, q squirrel.SelectBuilder) ([]*invoice.Document, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	var rows []*documentRow
	if err := pgxscan.Select(ctx, r.txManager.GetQuerier(ctx), &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}

	docs := make([]*invoice.Document, 0, len(rows))
	for _, row := range rows {
		doc, err := row.toDocument()
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (row *documentRow) toDocument() (*invoice.Document, error) {
	doc := &invoice.Document{
		ID:          row.ID,
		Status:      invoice.Status(row.Status),
		Kind:        invoice.Kind(row.Kind),
		IssuerTaxID: row.IssuerTaxID,
		IssueDate:   row.IssueDate.UTC(),
		Counterparty: invoice.Counterparty{
			Name:        row.CounterpartyName,
			TaxID:       row.CounterpartyTaxID,
			Address:     row.CounterpartyAddress,
			CountryCode: row.CounterpartyCountry,
		},
		Description:   row.Description,
		OperationDate: utcPtr(row.OperationDate),
		Commercial: invoice.Commercial{
			PaymentMethod: row.PaymentMethod,
			PaymentTerms:  row.PaymentTerms,
			IssuerIBAN:    row.IssuerIBAN,
			OfferValidity: row.OfferValidity,
		},
		RectificationReason: row.RectificationReason,
		ApprovalToken:       row.ApprovalToken,
		TokenSentAt:         utcPtr(row.TokenSentAt),
		CreatedAt:           row.CreatedAt.UTC(),
		IssuedAt:            utcPtr(row.IssuedAt),
	}

	if err := json.Unmarshal(row.Lines, &doc.Lines); err != nil {
		return nil, fmt.Errorf("decode lines of %s: %w", row.ID, err)
	}

	var err error
	parse := func(s string) types.Money {
		if err != nil {
			return types.Zero()
		}
		var m types.Money
		m, err = types.NewMoneyFromString(s)
		return m
	}
	doc.Totals.TaxBase = parse(row.TaxBase)
	doc.Totals.TaxAmount = parse(row.TaxAmount)
	doc.Totals.GrandTotal = parse(row.GrandTotal)
	doc.Payable = parse(row.Payable)
	if row.WithholdingRate != nil && row.WithholdingAmount != nil {
		rate, amount := parse(*row.WithholdingRate), parse(*row.WithholdingAmount)
		doc.Totals.WithholdingRate = &rate
		doc.Totals.WithholdingAmount = &amount
	}
	if err != nil {
		return nil, fmt.Errorf("decode amounts of %s: %w", row.ID, err)
	}

	if row.Series != nil && row.Seq != nil {
		doc.Series = &invoice.SeriesNumber{Code: *row.Series, Seq: *row.Seq}
	}
	if row.ChainKey != nil && row.ChainIndex != nil && row.HashSelf != nil && row.HashPrevious != nil {
		doc.Chain = &invoice.ChainLink{
			Key:          *row.ChainKey,
			Index:        *row.ChainIndex,
			HashPrevious: *row.HashPrevious,
			HashSelf:     *row.HashSelf,
		}
	}
	if row.RectifiesSeries != nil && row.RectifiesSeq != nil {
		doc.Rectifies = &invoice.SeriesNumber{Code: *row.RectifiesSeries, Seq: *row.RectifiesSeq}
	}
	if row.CancelReason != nil && row.CancelledAt != nil {
		doc.Cancellation = &invoice.Cancellation{Reason: *row.CancelReason, At: row.CancelledAt.UTC()}
	}
	return doc, nil
}

func moneyOrNil(m *types.Money) any {
	if m == nil {
		return nil
	}
	return *m
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

const uniqueViolation = "23505"

func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return apperror.NewConflict("ledger document conflicts with an existing one").
			WithDetail("constraint", pgErr.ConstraintName).
			WithCause(err)
	}
	return fmt.Errorf("write %s: %w", tableName, err)
}
