// Package invoice implements the invoice ledger: gap-free series numbering,
// the integrity hash chain and the DRAFT -> ISSUED -> CANCELLED lifecycle.
package invoice

import (
	"time"

	"verifactu/internal/core/id"
	"verifactu/internal/core/numerator"
	"verifactu/internal/core/types"
)

// Status is the lifecycle state of a document.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusIssued    Status = "ISSUED"
	StatusCancelled Status = "CANCELLED"
)

// Kind is the fiscal document type.
type Kind string

const (
	KindOrdinary   Kind = "F1"
	KindSimplified Kind = "F2"
	KindR1         Kind = "R1" // error founded in law
	KindR2         Kind = "R2" // bankruptcy
	KindR3         Kind = "R3" // bad debt
	KindR4         Kind = "R4" // other causes
)

// IsRectifying reports whether k corrects a previously issued invoice.
func (k Kind) IsRectifying() bool {
	switch k {
	case KindR1, KindR2, KindR3, KindR4:
		return true
	}
	return false
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindOrdinary || k == KindSimplified || k.IsRectifying()
}

// TaxType identifies the indirect tax applied to a line.
type TaxType string

const (
	TaxIVA   TaxType = "01"
	TaxIPSI  TaxType = "02"
	TaxIGIC  TaxType = "03"
	TaxOther TaxType = "05"
)

// SeriesNumber is the permanent (series, sequence) identity of an issued document.
type SeriesNumber struct {
	Code string `json:"series"`
	Seq  int64  `json:"number"`
}

// String renders the full number, e.g. "A-2025-7".
func (n SeriesNumber) String() string {
	return numerator.FormatNumber(n.Code, n.Seq)
}

// Counterparty is the invoice recipient.
type Counterparty struct {
	Name        string `json:"name" validate:"required,max=120"`
	TaxID       string `json:"taxId" validate:"required,max=20"`
	Address     string `json:"address" validate:"required,max=250"`
	CountryCode string `json:"countryCode" validate:"required,iso3166_1_alpha2"`
}

// Commercial carries the payment and offer terms printed on a document.
// None of it enters the chain hash.
type Commercial struct {
	PaymentMethod string `json:"paymentMethod,omitempty" validate:"max=60"`
	PaymentTerms  string `json:"paymentTerms,omitempty" validate:"max=250"`
	IssuerIBAN    string `json:"issuerIban,omitempty" validate:"omitempty,alphanum,min=15,max=34"`
	OfferValidity string `json:"offerValidity,omitempty" validate:"max=100"`
}

// Line is one invoice line. Base and TaxAmount are derived from the other
// fields and must match them to the cent.
type Line struct {
	Description string      `json:"description" validate:"required,max=250"`
	Quantity    types.Money `json:"quantity"`
	UnitPrice   types.Money `json:"unitPrice"`
	TaxType     TaxType     `json:"taxType,omitempty" validate:"omitempty,oneof=01 02 03 05"`
	TaxRate     types.Money `json:"taxRate"`
	Base        types.Money `json:"base"`
	TaxAmount   types.Money `json:"taxAmount"`
}

// Totals aggregates the lines. WithholdingRate and WithholdingAmount are set
// together when the invoice carries an income-tax withholding.
type Totals struct {
	TaxBase           types.Money  `json:"taxBase"`
	TaxAmount         types.Money  `json:"taxAmount"`
	WithholdingRate   *types.Money `json:"withholdingRate,omitempty"`
	WithholdingAmount *types.Money `json:"withholdingAmount,omitempty"`
	GrandTotal        types.Money  `json:"grandTotal"`
}

// ChainLink places an issued document in its hash chain.
type ChainLink struct {
	Key          string `json:"key"`
	Index        int64  `json:"index"`
	HashPrevious string `json:"hashPrevious"`
	HashSelf     string `json:"hashSelf"`
}

// Cancellation records why and when an issued document was cancelled.
type Cancellation struct {
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Document is a ledger entry. Fields that only apply to some states are
// pointers and stay nil otherwise:
//
//	DRAFT      Series, Chain, IssuedAt, Cancellation are nil; ApprovalToken optional
//	ISSUED     Series, Chain, IssuedAt set; ApprovalToken nil
//	CANCELLED  as ISSUED plus Cancellation; Payable is zero
type Document struct {
	ID     id.ID  `json:"id"`
	Status Status `json:"status"`
	Kind   Kind   `json:"kind"`

	Series *SeriesNumber `json:"seriesNumber,omitempty"`

	IssuerTaxID  string       `json:"issuerTaxId"`
	IssueDate    time.Time    `json:"issueDate"`
	Counterparty Counterparty `json:"counterparty"`
	Lines        []Line       `json:"lines"`
	Totals       Totals       `json:"totals"`
	Payable      types.Money  `json:"payable"`
	Description  string       `json:"description,omitempty"`

	// OperationDate is when the supply took place, if it differs from the
	// issue date.
	OperationDate *time.Time `json:"operationDate,omitempty"`
	Commercial    Commercial `json:"commercial"`

	Chain *ChainLink `json:"chain,omitempty"`

	Rectifies           *SeriesNumber `json:"rectifies,omitempty"`
	RectificationReason string        `json:"rectificationReason,omitempty"`

	ApprovalToken *string       `json:"-"`
	TokenSentAt   *time.Time    `json:"tokenSentAt,omitempty"`
	Cancellation  *Cancellation `json:"cancellation,omitempty"`

	CreatedAt time.Time  `json:"createdAt"`
	IssuedAt  *time.Time `json:"issuedAt,omitempty"`
}

// FullNumber returns the rendered series number or "" for drafts.
func (d *Document) FullNumber() string {
	if d.Series == nil {
		return ""
	}
	return d.Series.String()
}

// HashSelf returns the document's own hash or "" when not in a chain.
func (d *Document) HashSelf() string {
	if d.Chain == nil {
		return ""
	}
	return d.Chain.HashSelf
}

// HashPrevious returns the predecessor hash or "" when not in a chain.
func (d *Document) HashPrevious() string {
	if d.Chain == nil {
		return ""
	}
	return d.Chain.HashPrevious
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	c.Lines = append([]Line(nil), d.Lines...)
	if d.Series != nil {
		s := *d.Series
		c.Series = &s
	}
	if d.Chain != nil {
		ch := *d.Chain
		c.Chain = &ch
	}
	if d.Rectifies != nil {
		r := *d.Rectifies
		c.Rectifies = &r
	}
	if d.ApprovalToken != nil {
		t := *d.ApprovalToken
		c.ApprovalToken = &t
	}
	if d.Cancellation != nil {
		cn := *d.Cancellation
		c.Cancellation = &cn
	}
	c.IssuedAt = cloneTime(d.IssuedAt)
	c.OperationDate = cloneTime(d.OperationDate)
	c.TokenSentAt = cloneTime(d.TokenSentAt)
	if d.Totals.WithholdingRate != nil {
		r := *d.Totals.WithholdingRate
		c.Totals.WithholdingRate = &r
	}
	if d.Totals.WithholdingAmount != nil {
		a := *d.Totals.WithholdingAmount
		c.Totals.WithholdingAmount = &a
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
