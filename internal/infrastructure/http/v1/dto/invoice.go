package dto

import (
	"time"

	"verifactu/internal/core/apperror"
	"verifactu/internal/core/numerator"
	"verifactu/internal/core/types"
	"verifactu/internal/domain/invoice"
)

// DateLayout is the wire format of issue dates.
const DateLayout = "2006-01-02"

// DraftRequest is the body of every document-creating call.
// When Totals is omitted, line amounts and totals are computed from
// quantities, prices, rates and WithholdingRate.
type DraftRequest struct {
	Kind                string                `json:"kind" binding:"omitempty,oneof=F1 F2 R1 R2 R3 R4"`
	Series              string                `json:"series"`
	IssuerTaxID         string                `json:"issuerTaxId"`
	IssueDate           string                `json:"issueDate"`
	OperationDate       string                `json:"operationDate,omitempty"`
	Counterparty        invoice.Counterparty  `json:"counterparty"`
	Lines               []invoice.Line        `json:"lines"`
	Totals              *invoice.Totals       `json:"totals,omitempty"`
	WithholdingRate     *types.Money          `json:"withholdingRate,omitempty"`
	Description         string                `json:"description"`
	Commercial          invoice.Commercial    `json:"commercial"`
	Rectifies           *invoice.SeriesNumber `json:"rectifies,omitempty"`
	RectificationReason string                `json:"rectificationReason,omitempty"`
}

func parseDate(field, value string) (time.Time, error) {
	t, err := time.Parse(DateLayout, value)
	if err != nil {
		return time.Time{}, apperror.NewFieldValidation(field, field+" must be YYYY-MM-DD").
			WithDetail("value", value)
	}
	return t, nil
}

// ToDraft converts the request. An empty issue date means today.
func (r DraftRequest) ToDraft(now time.Time) (invoice.Draft, error) {
	issueDate := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if r.IssueDate != "" {
		parsed, err := parseDate("issueDate", r.IssueDate)
		if err != nil {
			return invoice.Draft{}, err
		}
		issueDate = parsed
	}
	var operationDate *time.Time
	if r.OperationDate != "" {
		parsed, err := parseDate("operationDate", r.OperationDate)
		if err != nil {
			return invoice.Draft{}, err
		}
		operationDate = &parsed
	}

	d := invoice.Draft{
		Kind:                invoice.Kind(r.Kind),
		SeriesCode:          r.Series,
		IssuerTaxID:         r.IssuerTaxID,
		IssueDate:           issueDate,
		Counterparty:        r.Counterparty,
		Lines:               append([]invoice.Line(nil), r.Lines...),
		Description:         r.Description,
		OperationDate:       operationDate,
		Commercial:          r.Commercial,
		Rectifies:           r.Rectifies,
		RectificationReason: r.RectificationReason,
	}
	if r.Totals != nil {
		d.Totals = *r.Totals
		return d, nil
	}

	d.Totals.WithholdingRate = r.WithholdingRate
	d.Recalculate()
	return d, nil
}

// RectifyRequest issues a rectifying document for Original.
type RectifyRequest struct {
	Original invoice.SeriesNumber `json:"original"`
	Draft    DraftRequest         `json:"draft"`
}

// ConvertRequest turns a draft into an issued document. Ref is the draft id
// or a live approval token.
type ConvertRequest struct {
	Ref    string `json:"ref" binding:"required"`
	Series string `json:"series" binding:"required"`
}

// CancelRequest cancels the last issued document of a series.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// SetStartRequest moves a series counter forward.
type SetStartRequest struct {
	Next int64 `json:"next" binding:"required,min=1"`
}

// TokenResponse carries a new approval token.
type TokenResponse struct {
	DocumentID string `json:"documentId"`
	Token      string `json:"token"`
}

// InvoiceResponse is a document plus the data printed on it.
type InvoiceResponse struct {
	*invoice.Document
	FullNumber   string                `json:"fullNumber,omitempty"`
	HashSelf     string                `json:"hashSelf,omitempty"`
	HashPrevious string                `json:"hashPrevious,omitempty"`
	Verification *invoice.Verification `json:"verification,omitempty"`
}

// FromDocument creates an InvoiceResponse.
func FromDocument(d *invoice.Document, verificationURL string) InvoiceResponse {
	return InvoiceResponse{
		Document:     d,
		FullNumber:   d.FullNumber(),
		HashSelf:     d.HashSelf(),
		HashPrevious: d.HashPrevious(),
		Verification: invoice.BuildVerification(d, verificationURL),
	}
}

// FromDocuments maps a list of documents.
func FromDocuments(docs []*invoice.Document, verificationURL string) []InvoiceResponse {
	out := make([]InvoiceResponse, 0, len(docs))
	for _, d := range docs {
		out = append(out, FromDocument(d, verificationURL))
	}
	return out
}

// SeriesResponse describes a numbering series.
type SeriesResponse struct {
	Code       string `json:"code"`
	NextNumber int64  `json:"nextNumber"`
}

// FromSeries maps counters.
func FromSeries(series []numerator.Series) []SeriesResponse {
	out := make([]SeriesResponse, 0, len(series))
	for _, s := range series {
		out = append(out, SeriesResponse{Code: s.Code, NextNumber: s.NextNumber})
	}
	return out
}
