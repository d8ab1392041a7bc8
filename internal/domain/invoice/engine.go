package invoice

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"verifactu/internal/core/apperror"
	"verifactu/internal/core/hashchain"
	"verifactu/internal/core/id"
	"verifactu/internal/core/numerator"
	"verifactu/internal/core/tx"
	"verifactu/internal/core/types"
	"verifactu/internal/domain"
	"verifactu/pkg/logger"
)

var tracer = otel.Tracer("verifactu/invoice")

var errEmptyToken = errors.New("empty approval token")

// ChainScope selects which documents share a hash chain.
type ChainScope string

const (
	// ChainPerSeries links the documents of one series together.
	ChainPerSeries ChainScope = "series"
	// ChainPerIssuer links every document of one issuer regardless of series.
	ChainPerIssuer ChainScope = "issuer"
)

// ParseChainScope converts a configuration value to a ChainScope.
func ParseChainScope(s string) (ChainScope, error) {
	switch ChainScope(strings.ToLower(strings.TrimSpace(s))) {
	case "", ChainPerSeries:
		return ChainPerSeries, nil
	case ChainPerIssuer:
		return ChainPerIssuer, nil
	}
	return "", fmt.Errorf("unknown chain scope %q", s)
}

// Clock returns the current time.
type Clock func() time.Time

// Config wires an Engine. Store, Counter and TxManager are required.
type Config struct {
	Store     Store
	Counter   numerator.Counter
	TxManager tx.Manager

	Tokens TokenIssuer    // defaults to RandomTokens
	NewID  id.Generator   // defaults to id.New
	Clock  Clock          // defaults to time.Now
	Events EventPublisher // optional
	Audit  AuditLogger    // optional

	ChainScope ChainScope
	// DefaultIssuerTaxID fills drafts that carry no issuer.
	DefaultIssuerTaxID string
}

// Engine orchestrates the ledger lifecycle: numbering, hash chaining,
// conversion of drafts, cancellation and rectification.
//
// Every mutation runs in one transaction. The critical section of an
// issuance (tail read, reservation, hash, append) is serialized by
// transaction-scoped locks taken in a fixed order: chain, then series
// (sorted), then document.
type Engine struct {
	store     Store
	counter   numerator.Counter
	txManager tx.Manager
	tokens    TokenIssuer
	newID     id.Generator
	clock     Clock
	events    EventPublisher
	audit     AuditLogger

	scope         ChainScope
	defaultIssuer string

	hooks *domain.HookRegistry[*Document]
}

// NewEngine creates a ledger engine.
func NewEngine(cfg Config) *Engine {
	e := &Engine{
		store:         cfg.Store,
		counter:       cfg.Counter,
		txManager:     cfg.TxManager,
		tokens:        cfg.Tokens,
		newID:         cfg.NewID,
		clock:         cfg.Clock,
		events:        cfg.Events,
		audit:         cfg.Audit,
		scope:         cfg.ChainScope,
		defaultIssuer: strings.ToUpper(strings.TrimSpace(cfg.DefaultIssuerTaxID)),
		hooks:         domain.NewHookRegistry[*Document](),
	}
	if e.tokens == nil {
		e.tokens = RandomTokens{}
	}
	if e.newID == nil {
		e.newID = id.New
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	if e.scope == "" {
		e.scope = ChainPerSeries
	}
	return e
}

// Hooks returns the hook registry for external registration.
// BeforeCreate hooks may reject a document; After* hooks only log failures.
func (e *Engine) Hooks() *domain.HookRegistry[*Document] {
	return e.hooks
}

// ChainKeyFor returns the chain a document of the given series and issuer joins.
func (e *Engine) ChainKeyFor(seriesCode, issuerTaxID string) string {
	if e.scope == ChainPerIssuer {
		return "issuer:" + issuerTaxID
	}
	return "series:" + seriesCode
}

// CreateDirect validates a draft and issues it immediately into its series.
func (e *Engine) CreateDirect(ctx context.Context, draft Draft) (*Document, error) {
	ctx, span := tracer.Start(ctx, "invoice.CreateDirect")
	defer span.End()

	draft.Normalize()
	if err := numerator.ValidateCode(draft.SeriesCode); err != nil {
		return nil, err
	}
	doc, err := e.newDocument(ctx, draft)
	if err != nil {
		return nil, err
	}

	err = e.inTx(ctx, func(ctx context.Context) error {
		if err := e.lockIssue(ctx, doc.IssuerTaxID, draft.SeriesCode, doc.Rectifies, nil); err != nil {
			return err
		}
		if err := e.assignNumber(ctx, doc, draft.SeriesCode); err != nil {
			return err
		}
		if err := e.store.Insert(ctx, doc); err != nil {
			return fmt.Errorf("insert document: %w", err)
		}
		return e.recordIssue(ctx, doc)
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.String("invoice.number", doc.FullNumber()))
	e.afterIssue(ctx, doc)
	return doc.Clone(), nil
}

// CreateDraft stores a DRAFT document. No number is reserved and the
// document does not enter any chain.
func (e *Engine) CreateDraft(ctx context.Context, draft Draft) (*Document, error) {
	ctx, span := tracer.Start(ctx, "invoice.CreateDraft")
	defer span.End()

	draft.Normalize()
	doc, err := e.newDocument(ctx, draft)
	if err != nil {
		return nil, err
	}

	err = e.inTx(ctx, func(ctx context.Context) error {
		if err := e.store.Insert(ctx, doc); err != nil {
			return fmt.Errorf("insert draft: %w", err)
		}
		return e.recordAudit(ctx, AuditCreateDraft, doc)
	})
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "draft created", "document_id", doc.ID)
	return doc.Clone(), nil
}

// IssueApprovalToken generates a single-use token for a DRAFT and stores it
// on the document with the dispatch time, replacing any previous token.
func (e *Engine) IssueApprovalToken(ctx context.Context, docID id.ID) (string, error) {
	ctx, span := tracer.Start(ctx, "invoice.IssueApprovalToken")
	defer span.End()

	var token string
	err := e.inTx(ctx, func(ctx context.Context) error {
		if err := e.store.Lock(ctx, docLock(docID)); err != nil {
			return fmt.Errorf("lock document: %w", err)
		}
		doc, err := e.store.GetByID(ctx, docID)
		if err != nil {
			return err
		}
		if doc.Status != StatusDraft {
			return apperror.NewInvalidState("issue an approval token for", string(doc.Status)).
				WithDetail("id", docID.String())
		}

		token, err = e.tokens.Issue(docID)
		if err != nil {
			return fmt.Errorf("issue approval token: %w", err)
		}
		sentAt := e.clock().UTC()
		doc.ApprovalToken = &token
		doc.TokenSentAt = &sentAt
		if err := e.store.Update(ctx, doc); err != nil {
			return fmt.Errorf("store approval token: %w", err)
		}
		return e.recordAudit(ctx, AuditApprovalToken, doc)
	})
	if err != nil {
		return "", err
	}

	logger.Info(ctx, "approval token issued", "document_id", docID)
	return token, nil
}

// Convert issues a DRAFT into targetSeries. ref is either the draft's id or
// its live approval token. The token is consumed by a successful conversion.
func (e *Engine) Convert(ctx context.Context, ref, targetSeries string) (*Document, error) {
	ctx, span := tracer.Start(ctx, "invoice.Convert")
	defer span.End()

	targetSeries = strings.TrimSpace(targetSeries)
	if err := numerator.ValidateCode(targetSeries); err != nil {
		return nil, err
	}
	draft, err := e.resolveDraft(ctx, strings.TrimSpace(ref))
	if err != nil {
		return nil, err
	}

	var doc *Document
	err = e.inTx(ctx, func(ctx context.Context) error {
		// Rectifies is fixed when a draft is created.
		if err := e.lockIssue(ctx, draft.IssuerTaxID, targetSeries, draft.Rectifies, &draft.ID); err != nil {
			return err
		}

		// Another caller may have converted it while we waited for the locks.
		current, err := e.store.GetByID(ctx, draft.ID)
		if err != nil {
			return err
		}
		if current.Status != StatusDraft {
			return apperror.NewInvalidState("convert", string(current.Status)).
				WithDetail("id", current.ID.String())
		}

		current.ApprovalToken = nil
		if err := e.assignNumber(ctx, current, targetSeries); err != nil {
			return err
		}
		if err := e.store.Update(ctx, current); err != nil {
			return fmt.Errorf("update document: %w", err)
		}
		if err := e.recordIssue(ctx, current); err != nil {
			return err
		}
		doc = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.String("invoice.number", doc.FullNumber()))
	e.afterIssue(ctx, doc)
	return doc.Clone(), nil
}

// Cancel cancels an ISSUED document that carries the highest number ever
// issued in its series. Cancelling it does not make the previous document
// cancellable; every other ISSUED document is corrected with Rectify.
func (e *Engine) Cancel(ctx context.Context, docID id.ID, reason string) (*Document, error) {
	ctx, span := tracer.Start(ctx, "invoice.Cancel", trace.WithAttributes(
		attribute.String("invoice.id", docID.String()),
	))
	defer span.End()

	doc, err := e.store.GetByID(ctx, docID)
	if err != nil {
		return nil, e.normalize(err)
	}
	if doc.Status != StatusIssued {
		return nil, apperror.NewInvalidState("cancel", string(doc.Status)).WithDetail("id", docID.String())
	}
	reason = strings.TrimSpace(reason)
	if err := validateReason("reason", reason); err != nil {
		return nil, err
	}

	err = e.inTx(ctx, func(ctx context.Context) error {
		if err := e.lockFor(ctx, "", []string{doc.Series.Code}, &docID); err != nil {
			return err
		}
		current, err := e.store.GetByID(ctx, docID)
		if err != nil {
			return err
		}
		if current.Status != StatusIssued {
			return apperror.NewInvalidState("cancel", string(current.Status)).WithDetail("id", docID.String())
		}

		last, err := e.store.LastInSeries(ctx, current.Series.Code)
		if err != nil {
			return fmt.Errorf("find last document: %w", err)
		}
		if last == nil || last.ID != current.ID {
			var lastSeq int64
			if last != nil {
				lastSeq = last.Series.Seq
			}
			return apperror.NewNotLastInSeries(current.Series.Code, current.Series.Seq, lastSeq)
		}

		now := e.clock().UTC()
		current.Status = StatusCancelled
		current.Payable = types.Zero()
		current.Cancellation = &Cancellation{Reason: reason, At: now}
		if err := e.store.Update(ctx, current); err != nil {
			return fmt.Errorf("update document: %w", err)
		}
		if err := e.publish(ctx, EventCancelled, current, now); err != nil {
			return err
		}
		if err := e.recordAudit(ctx, AuditCancel, current); err != nil {
			return err
		}
		doc = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "invoice cancelled", "document_id", doc.ID, "number", doc.FullNumber())
	if err := e.hooks.Run(ctx, domain.AfterCancel, doc.Clone()); err != nil {
		logger.Warn(ctx, "after-cancel hook failed", "document_id", doc.ID, "error", err)
	}
	return doc.Clone(), nil
}

// Rectify issues a new document in draft.SeriesCode correcting original.
// The original stays ISSUED and unmodified. Kind defaults to R1.
func (e *Engine) Rectify(ctx context.Context, original SeriesNumber, draft Draft) (*Document, error) {
	if draft.Kind == "" || draft.Kind == KindOrdinary {
		draft.Kind = KindR1
	}
	if !draft.Kind.IsRectifying() {
		return nil, apperror.NewFieldValidation("kind", "rectification requires kind R1-R4").
			WithDetail("kind", string(draft.Kind))
	}
	original.Code = strings.TrimSpace(original.Code)
	draft.Rectifies = &original
	return e.CreateDirect(ctx, draft)
}

// Get returns a document by id.
func (e *Engine) Get(ctx context.Context, docID id.ID) (*Document, error) {
	doc, err := e.store.GetByID(ctx, docID)
	if err != nil {
		return nil, e.normalize(err)
	}
	return doc, nil
}

// GetByNumber returns an issued or cancelled document by its series number.
func (e *Engine) GetByNumber(ctx context.Context, number SeriesNumber) (*Document, error) {
	doc, err := e.store.GetByNumber(ctx, number)
	if err != nil {
		return nil, e.normalize(err)
	}
	return doc, nil
}

// ListSeries returns a series' documents in sequence order.
func (e *Engine) ListSeries(ctx context.Context, seriesCode string) ([]*Document, error) {
	docs, err := e.store.ListSeries(ctx, strings.TrimSpace(seriesCode))
	if err != nil {
		return nil, e.normalize(err)
	}
	return docs, nil
}

// ListCounters returns every known series with its next number.
func (e *Engine) ListCounters(ctx context.Context) ([]numerator.Series, error) {
	series, err := e.counter.List(ctx)
	if err != nil {
		return nil, e.normalize(err)
	}
	return series, nil
}

// SetSeriesStart sets the first number of a series. Counters never move
// backwards; a series that already issued documents only moves forward.
func (e *Engine) SetSeriesStart(ctx context.Context, seriesCode string, next int64) error {
	seriesCode = strings.TrimSpace(seriesCode)
	if err := numerator.ValidateCode(seriesCode); err != nil {
		return err
	}
	if next < 1 {
		return apperror.NewFieldValidation("next", "next number must be positive")
	}
	return e.inTx(ctx, func(ctx context.Context) error {
		if err := e.store.Lock(ctx, seriesLock(seriesCode)); err != nil {
			return fmt.Errorf("lock series: %w", err)
		}
		current, err := e.counter.Peek(ctx, seriesCode)
		if err != nil {
			return fmt.Errorf("peek series: %w", err)
		}
		if next < current {
			return apperror.NewFieldValidation("next", "series counter cannot move backwards").
				WithDetail("series", seriesCode).
				WithDetail("current", current)
		}
		return e.counter.SetStart(ctx, seriesCode, next)
	})
}

// ChainReport is the result of VerifyChain.
type ChainReport struct {
	Key      string `json:"key"`
	Length   int    `json:"length"`
	Valid    bool   `json:"valid"`
	HeadHash string `json:"headHash,omitempty"`
	BrokenAt int64  `json:"brokenAt,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// VerifyChain recomputes every hash of a chain and checks the linkage.
// A broken chain is reported in the result, not as an error.
func (e *Engine) VerifyChain(ctx context.Context, chainKey string) (*ChainReport, error) {
	ctx, span := tracer.Start(ctx, "invoice.VerifyChain")
	defer span.End()

	docs, err := e.store.ListChain(ctx, chainKey)
	if err != nil {
		return nil, e.normalize(err)
	}
	if len(docs) == 0 {
		return nil, apperror.NewNotFound("chain", chainKey)
	}

	links := make([]hashchain.Link, 0, len(docs))
	for _, d := range docs {
		links = append(links, hashchain.Link{
			Index:    d.Chain.Index,
			Input:    hashInput(d, d.Chain.HashPrevious),
			HashSelf: d.Chain.HashSelf,
		})
	}

	report := &ChainReport{Key: chainKey, Length: len(docs), Valid: true, HeadHash: docs[len(docs)-1].Chain.HashSelf}
	var brk *hashchain.BreakError
	if err := hashchain.Verify(links); errors.As(err, &brk) {
		report.Valid = false
		report.BrokenAt = brk.Index
		report.Reason = brk.Reason
		logger.Warn(ctx, "hash chain broken", "chain", chainKey, "index", brk.Index, "reason", brk.Reason)
	}
	return report, nil
}

// ChainKeys lists every chain in the ledger.
func (e *Engine) ChainKeys(ctx context.Context) ([]string, error) {
	keys, err := e.store.ChainKeys(ctx)
	if err != nil {
		return nil, e.normalize(err)
	}
	return keys, nil
}

func (e *Engine) newDocument(ctx context.Context, draft Draft) (*Document, error) {
	if draft.IssuerTaxID == "" {
		draft.IssuerTaxID = e.defaultIssuer
	}
	if err := draft.Validate(); err != nil {
		return nil, err
	}

	now := e.clock().UTC()
	issueDate := draft.IssueDate
	if issueDate.IsZero() {
		issueDate = now
	}
	doc := &Document{
		ID:                  e.newID(),
		Status:              StatusDraft,
		Kind:                draft.Kind,
		IssuerTaxID:         draft.IssuerTaxID,
		IssueDate:           issueDate.UTC().Truncate(24 * time.Hour),
		Counterparty:        draft.Counterparty,
		Lines:               append([]Line(nil), draft.Lines...),
		Totals:              draft.Totals,
		Payable:             draft.Totals.GrandTotal,
		Description:         draft.Description,
		Commercial:          draft.Commercial,
		Rectifies:           draft.Rectifies,
		RectificationReason: draft.RectificationReason,
		CreatedAt:           now,
	}
	if draft.OperationDate != nil {
		op := draft.OperationDate.UTC().Truncate(24 * time.Hour)
		doc.OperationDate = &op
	}
	if err := e.hooks.Run(ctx, domain.BeforeCreate, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// resolveDraft finds a draft by id or approval token.
func (e *Engine) resolveDraft(ctx context.Context, ref string) (*Document, error) {
	if ref == "" {
		return nil, apperror.NewFieldValidation("ref", "draft id or approval token is required")
	}

	if docID, err := id.Parse(ref); err == nil {
		doc, err := e.store.GetByID(ctx, docID)
		switch {
		case err == nil:
			if doc.Status != StatusDraft {
				return nil, apperror.NewInvalidState("convert", string(doc.Status)).WithDetail("id", ref)
			}
			return doc, nil
		case !apperror.IsNotFound(err):
			return nil, e.normalize(err)
		}
		// Opaque tokens may themselves look like UUIDs.
	}

	claimed, err := e.tokens.Validate(ref)
	if err != nil {
		return nil, apperror.NewNotFound("approval token", "").WithCause(err)
	}
	doc, err := e.store.GetByToken(ctx, ref)
	if err != nil {
		if apperror.IsNotFound(err) {
			return nil, apperror.NewNotFound("approval token", "")
		}
		return nil, e.normalize(err)
	}
	if !id.IsNil(claimed) && claimed != doc.ID {
		return nil, apperror.NewNotFound("approval token", "")
	}
	return doc, nil
}

// lockFor takes the issuance locks in their fixed order. An empty chainKey
// skips the chain lock.
func (e *Engine) lockFor(ctx context.Context, chainKey string, seriesCodes []string, docID *id.ID) error {
	keys := make([]string, 0, len(seriesCodes)+2)
	if chainKey != "" {
		keys = append(keys, "chain:"+chainKey)
	}

	codes := append([]string(nil), seriesCodes...)
	sort.Strings(codes)
	for i, code := range codes {
		if i > 0 && code == codes[i-1] {
			continue
		}
		keys = append(keys, seriesLock(code))
	}
	if docID != nil {
		keys = append(keys, docLock(*docID))
	}

	for _, key := range keys {
		if err := e.store.Lock(ctx, key); err != nil {
			return fmt.Errorf("acquire %s: %w", key, err)
		}
	}
	return nil
}

// lockIssue takes the locks for numbering a document into targetSeries.
// A rectification also locks the original's series, which must differ from
// targetSeries, and requires the original to be ISSUED.
func (e *Engine) lockIssue(ctx context.Context, issuerTaxID, targetSeries string, rectifies *SeriesNumber, docID *id.ID) error {
	codes := []string{targetSeries}
	if rectifies != nil {
		if rectifies.Code == targetSeries {
			return apperror.NewFieldValidation("series",
				"rectifying invoice must use a series distinct from the original").
				WithDetail("series", targetSeries)
		}
		codes = append(codes, rectifies.Code)
	}
	if err := e.lockFor(ctx, e.ChainKeyFor(targetSeries, issuerTaxID), codes, docID); err != nil {
		return err
	}
	return e.checkRectified(ctx, rectifies)
}

// checkRectified verifies the document a rectification points at.
// Caller holds the original series' lock.
func (e *Engine) checkRectified(ctx context.Context, rectifies *SeriesNumber) error {
	if rectifies == nil {
		return nil
	}
	original, err := e.store.GetByNumber(ctx, *rectifies)
	if err != nil {
		if apperror.IsNotFound(err) {
			return apperror.NewNotFound("invoice", rectifies.String())
		}
		return err
	}
	if original.Status != StatusIssued {
		return apperror.NewInvalidState("rectify", string(original.Status)).
			WithDetail("number", rectifies.String())
	}
	return nil
}

// assignNumber runs the critical section: reserve, read tail, hash.
// Caller holds the chain and series locks.
func (e *Engine) assignNumber(ctx context.Context, doc *Document, seriesCode string) error {
	seq, err := e.counter.Reserve(ctx, seriesCode)
	if err != nil {
		return fmt.Errorf("reserve number: %w", err)
	}

	chainKey := e.ChainKeyFor(seriesCode, doc.IssuerTaxID)
	tail, err := e.store.ChainTail(ctx, chainKey)
	if err != nil {
		return fmt.Errorf("read chain tail: %w", err)
	}
	prev, index := hashchain.Genesis, int64(1)
	if tail != nil {
		prev, index = tail.HashSelf, tail.Index+1
	}

	now := e.clock().UTC()
	doc.Series = &SeriesNumber{Code: seriesCode, Seq: seq}
	doc.Chain = &ChainLink{
		Key:          chainKey,
		Index:        index,
		HashPrevious: prev,
		HashSelf:     hashchain.Compute(hashInput(doc, prev)),
	}
	doc.Status = StatusIssued
	doc.Payable = doc.Totals.GrandTotal
	doc.IssuedAt = &now
	return nil
}

func hashInput(doc *Document, prev string) hashchain.Input {
	return hashchain.Input{
		IssuerTaxID:  doc.IssuerTaxID,
		FullNumber:   doc.FullNumber(),
		GrandTotal:   types.FormatMoney(doc.Totals.GrandTotal),
		HashPrevious: prev,
	}
}

func (e *Engine) recordIssue(ctx context.Context, doc *Document) error {
	if err := e.publish(ctx, EventIssued, doc, *doc.IssuedAt); err != nil {
		return err
	}
	return e.recordAudit(ctx, AuditIssue, doc)
}

func (e *Engine) publish(ctx context.Context, eventType string, doc *Document, at time.Time) error {
	if e.events == nil {
		return nil
	}
	err := e.events.Publish(ctx, Event{
		Type:       eventType,
		DocumentID: doc.ID,
		Document:   doc.Clone(),
		OccurredAt: at,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}
	return nil
}

func (e *Engine) recordAudit(ctx context.Context, action string, doc *Document) error {
	if e.audit == nil {
		return nil
	}
	err := e.audit.Record(ctx, AuditRecord{
		Action:     action,
		DocumentID: doc.ID,
		Number:     doc.FullNumber(),
		Snapshot:   doc.Clone(),
	})
	if err != nil {
		return fmt.Errorf("audit %s: %w", action, err)
	}
	return nil
}

func (e *Engine) afterIssue(ctx context.Context, doc *Document) {
	logger.Info(ctx, "invoice issued",
		"document_id", doc.ID,
		"number", doc.FullNumber(),
		"chain", doc.Chain.Key,
		"chain_index", doc.Chain.Index,
		"hash", doc.Chain.HashSelf,
	)
	if err := e.hooks.Run(ctx, domain.AfterIssue, doc.Clone()); err != nil {
		logger.Warn(ctx, "after-issue hook failed", "document_id", doc.ID, "error", err)
	}
}

// inTx runs fn in a transaction and maps infrastructure failures to
// PersistenceError. The transaction has been rolled back when it returns an
// error, counter reservations included.
func (e *Engine) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return e.normalize(e.txManager.RunInTransaction(ctx, fn))
}

func (e *Engine) normalize(err error) error {
	if err == nil || apperror.IsAppError(err) {
		return err
	}
	return apperror.NewPersistence(err)
}

func seriesLock(code string) string { return "series:" + code }

func docLock(docID id.ID) string { return "doc:" + docID.String() }
