package handlers

import (
	"time"

	"github.com/gin-gonic/gin"

	"verifactu/internal/domain/invoice"
	"verifactu/internal/infrastructure/http/v1/dto"
)

// InvoiceHandler exposes the ledger engine.
type InvoiceHandler struct {
	*BaseHandler
	engine          *invoice.Engine
	verificationURL string
	now             func() time.Time
}

// NewInvoiceHandler creates a new invoice handler.
func NewInvoiceHandler(base *BaseHandler, engine *invoice.Engine, verificationURL string) *InvoiceHandler {
	return &InvoiceHandler{
		BaseHandler:     base,
		engine:          engine,
		verificationURL: verificationURL,
		now:             time.Now,
	}
}

func (h *InvoiceHandler) bindDraft(c *gin.Context) (invoice.Draft, bool) {
	var req dto.DraftRequest
	if !h.BindJSON(c, &req) {
		return invoice.Draft{}, false
	}
	draft, err := req.ToDraft(h.now())
	if err != nil {
		h.Error(c, err)
		return invoice.Draft{}, false
	}
	return draft, true
}

func (h *InvoiceHandler) respond(c *gin.Context, created bool, doc *invoice.Document) {
	resp := dto.FromDocument(doc, h.verificationURL)
	if created {
		h.Created(c, resp)
		return
	}
	h.OK(c, resp)
}

// CreateDirect issues a document immediately.
// POST /api/v1/invoices
func (h *InvoiceHandler) CreateDirect(c *gin.Context) {
	draft, ok := h.bindDraft(c)
	if !ok {
		return
	}
	doc, err := h.engine.CreateDirect(c.Request.Context(), draft)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.respond(c, true, doc)
}

// CreateDraft stores an unnumbered draft.
// POST /api/v1/drafts
func (h *InvoiceHandler) CreateDraft(c *gin.Context) {
	draft, ok := h.bindDraft(c)
	if !ok {
		return
	}
	doc, err := h.engine.CreateDraft(c.Request.Context(), draft)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.respond(c, true, doc)
}

// IssueApprovalToken issues a token that can convert the draft.
// POST /api/v1/drafts/:id/approval-token
func (h *InvoiceHandler) IssueApprovalToken(c *gin.Context) {
	docID, ok := h.ParseID(c, "id")
	if !ok {
		return
	}
	token, err := h.engine.IssueApprovalToken(c.Request.Context(), docID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.Created(c, dto.TokenResponse{DocumentID: docID.String(), Token: token})
}

// Convert issues a draft, found by id or approval token.
// POST /api/v1/drafts/convert
func (h *InvoiceHandler) Convert(c *gin.Context) {
	var req dto.ConvertRequest
	if !h.BindJSON(c, &req) {
		return
	}
	doc, err := h.engine.Convert(c.Request.Context(), req.Ref, req.Series)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.respond(c, false, doc)
}

// Cancel cancels the last issued document of its series.
// POST /api/v1/invoices/:id/cancel
func (h *InvoiceHandler) Cancel(c *gin.Context) {
	docID, ok := h.ParseID(c, "id")
	if !ok {
		return
	}
	var req dto.CancelRequest
	if !h.BindJSON(c, &req) {
		return
	}
	doc, err := h.engine.Cancel(c.Request.Context(), docID, req.Reason)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.respond(c, false, doc)
}

// Rectify issues a rectifying document.
// POST /api/v1/invoices/rectify
func (h *InvoiceHandler) Rectify(c *gin.Context) {
	var req dto.RectifyRequest
	if !h.BindJSON(c, &req) {
		return
	}
	draft, err := req.Draft.ToDraft(h.now())
	if err != nil {
		h.Error(c, err)
		return
	}
	doc, err := h.engine.Rectify(c.Request.Context(), req.Original, draft)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.respond(c, true, doc)
}

// Get returns a document by id.
// GET /api/v1/invoices/:id
func (h *InvoiceHandler) Get(c *gin.Context) {
	docID, ok := h.ParseID(c, "id")
	if !ok {
		return
	}
	doc, err := h.engine.Get(c.Request.Context(), docID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.respond(c, false, doc)
}

// GetByNumber returns a document by series and sequence.
// GET /api/v1/series/:code/invoices/:seq
func (h *InvoiceHandler) GetByNumber(c *gin.Context) {
	seq, ok := h.ParseInt64(c, "seq")
	if !ok {
		return
	}
	doc, err := h.engine.GetByNumber(c.Request.Context(), invoice.SeriesNumber{Code: c.Param("code"), Seq: seq})
	if err != nil {
		h.Error(c, err)
		return
	}
	h.respond(c, false, doc)
}

// ListSeries returns the documents of a series in number order.
// GET /api/v1/series/:code/invoices
func (h *InvoiceHandler) ListSeries(c *gin.Context) {
	docs, err := h.engine.ListSeries(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.NewListResponse(dto.FromDocuments(docs, h.verificationURL)))
}

// ListCounters returns every series with its next number.
// GET /api/v1/series
func (h *InvoiceHandler) ListCounters(c *gin.Context) {
	series, err := h.engine.ListCounters(c.Request.Context())
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.NewListResponse(dto.FromSeries(series)))
}

// SetSeriesStart moves a series counter forward.
// PUT /api/v1/series/:code/start
func (h *InvoiceHandler) SetSeriesStart(c *gin.Context) {
	var req dto.SetStartRequest
	if !h.BindJSON(c, &req) {
		return
	}
	if err := h.engine.SetSeriesStart(c.Request.Context(), c.Param("code"), req.Next); err != nil {
		h.Error(c, err)
		return
	}
	h.NoContent(c)
}

// ListChains returns every chain key.
// GET /api/v1/chains
func (h *InvoiceHandler) ListChains(c *gin.Context) {
	keys, err := h.engine.ChainKeys(c.Request.Context())
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.NewListResponse(keys))
}

// VerifyChain recomputes a hash chain.
// GET /api/v1/chains/:key/verify
func (h *InvoiceHandler) VerifyChain(c *gin.Context) {
	report, err := h.engine.VerifyChain(c.Request.Context(), c.Param("key"))
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, report)
}
