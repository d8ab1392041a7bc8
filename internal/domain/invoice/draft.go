package invoice

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"verifactu/internal/core/apperror"
	"verifactu/internal/core/types"
)

// MinReasonLength is the minimum length of a cancellation or rectification
// reason after trimming.
const MinReasonLength = 5

// Draft is the caller-supplied content of a new document.
type Draft struct {
	Kind        Kind      `json:"kind"`
	SeriesCode  string    `json:"series"`
	IssuerTaxID string    `json:"issuerTaxId" validate:"required,max=20"`
	IssueDate   time.Time `json:"issueDate"`

	Counterparty Counterparty `json:"counterparty"`
	Lines        []Line       `json:"lines" validate:"required,min=1,dive"`
	Totals       Totals       `json:"totals"`
	Description  string       `json:"description" validate:"max=500"`

	OperationDate *time.Time `json:"operationDate,omitempty"`
	Commercial    Commercial `json:"commercial"`

	Rectifies           *SeriesNumber `json:"rectifies,omitempty"`
	RectificationReason string        `json:"rectificationReason,omitempty"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report JSON paths ("counterparty.name") instead of Go field names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// Normalize trims free-text fields and upper-cases codes.
func (d *Draft) Normalize() {
	if d.Kind == "" {
		d.Kind = KindOrdinary
	}
	d.SeriesCode = strings.TrimSpace(d.SeriesCode)
	d.IssuerTaxID = strings.ToUpper(strings.TrimSpace(d.IssuerTaxID))
	d.Description = strings.TrimSpace(d.Description)
	d.RectificationReason = strings.TrimSpace(d.RectificationReason)

	cm := &d.Commercial
	cm.PaymentMethod = strings.TrimSpace(cm.PaymentMethod)
	cm.PaymentTerms = strings.TrimSpace(cm.PaymentTerms)
	cm.OfferValidity = strings.TrimSpace(cm.OfferValidity)
	cm.IssuerIBAN = strings.ToUpper(strings.ReplaceAll(cm.IssuerIBAN, " ", ""))

	cp := &d.Counterparty
	cp.Name = strings.TrimSpace(cp.Name)
	cp.TaxID = strings.ToUpper(strings.TrimSpace(cp.TaxID))
	cp.Address = strings.TrimSpace(cp.Address)
	cp.CountryCode = strings.ToUpper(strings.TrimSpace(cp.CountryCode))

	for i := range d.Lines {
		d.Lines[i].Description = strings.TrimSpace(d.Lines[i].Description)
		if d.Lines[i].TaxType == "" {
			d.Lines[i].TaxType = TaxIVA
		}
	}
}

// Recalculate derives line amounts and totals from quantities, prices and
// rates. The withholding rate, if any, is kept.
func (d *Draft) Recalculate() {
	base, tax := types.Zero(), types.Zero()
	for i := range d.Lines {
		l := &d.Lines[i]
		l.Base = types.Round2(l.Quantity.Mul(l.UnitPrice))
		l.TaxAmount = types.Percent(l.Base, l.TaxRate)
		base = base.Add(l.Base)
		tax = tax.Add(l.TaxAmount)
	}

	d.Totals.TaxBase = base
	d.Totals.TaxAmount = tax
	grand := base.Add(tax)
	if d.Totals.WithholdingRate != nil {
		w := types.Percent(base, *d.Totals.WithholdingRate)
		d.Totals.WithholdingAmount = &w
		grand = grand.Sub(w)
	} else {
		d.Totals.WithholdingAmount = nil
	}
	d.Totals.GrandTotal = grand
}

// Validate checks structure and internal monetary consistency.
// It does not check lifecycle preconditions.
func (d *Draft) Validate() error {
	if err := validate.Struct(d); err != nil {
		return translateValidation(err)
	}
	if !d.Kind.Valid() {
		return apperror.NewFieldValidation("kind", "unknown invoice kind").WithDetail("kind", string(d.Kind))
	}
	if d.Kind.IsRectifying() {
		if d.Rectifies == nil {
			return apperror.NewFieldValidation("rectifies", "rectifying invoice must reference the corrected invoice")
		}
		if len(d.RectificationReason) < MinReasonLength {
			return apperror.NewFieldValidation("rectificationReason",
				fmt.Sprintf("rectification reason must be at least %d characters", MinReasonLength))
		}
	} else if d.Rectifies != nil {
		return apperror.NewFieldValidation("kind", "only rectifying kinds (R1-R4) may reference another invoice")
	}
	return d.validateAmounts()
}

func (d *Draft) validateAmounts() error {
	hundred := types.MustMoney("100")
	base, tax := types.Zero(), types.Zero()

	for i, l := range d.Lines {
		field := fmt.Sprintf("lines[%d]", i)
		if l.Quantity.IsZero() {
			return apperror.NewFieldValidation(field+".quantity", "quantity must not be zero")
		}
		if l.TaxRate.IsNegative() || l.TaxRate.GreaterThan(hundred) {
			return apperror.NewFieldValidation(field+".taxRate", "tax rate must be between 0 and 100")
		}
		if want := types.Round2(l.Quantity.Mul(l.UnitPrice)); !l.Base.Equal(want) {
			return mismatch(field+".base", "line base does not match quantity x unit price", want, l.Base)
		}
		if want := types.Percent(l.Base, l.TaxRate); !l.TaxAmount.Equal(want) {
			return mismatch(field+".taxAmount", "line tax does not match base x rate", want, l.TaxAmount)
		}
		base = base.Add(l.Base)
		tax = tax.Add(l.TaxAmount)
	}

	t := d.Totals
	if !t.TaxBase.Equal(base) {
		return mismatch("totals.taxBase", "tax base does not match the sum of lines", base, t.TaxBase)
	}
	if !t.TaxAmount.Equal(tax) {
		return mismatch("totals.taxAmount", "tax amount does not match the sum of lines", tax, t.TaxAmount)
	}

	grand := base.Add(tax)
	switch {
	case t.WithholdingRate != nil && t.WithholdingAmount == nil,
		t.WithholdingRate == nil && t.WithholdingAmount != nil:
		return apperror.NewFieldValidation("totals.withholdingAmount", "withholding rate and amount must be given together")
	case t.WithholdingRate != nil:
		if t.WithholdingRate.IsNegative() || t.WithholdingRate.GreaterThan(hundred) {
			return apperror.NewFieldValidation("totals.withholdingRate", "withholding rate must be between 0 and 100")
		}
		want := types.Percent(base, *t.WithholdingRate)
		if !t.WithholdingAmount.Equal(want) {
			return mismatch("totals.withholdingAmount", "withholding does not match base x rate", want, *t.WithholdingAmount)
		}
		grand = grand.Sub(want)
	}

	if !t.GrandTotal.Equal(grand) {
		return mismatch("totals.grandTotal", "grand total must equal base + tax - withholding", grand, t.GrandTotal)
	}
	return nil
}

func mismatch(field, msg string, want, got types.Money) error {
	return apperror.NewFieldValidation(field, msg).
		WithDetail("expected", types.FormatMoney(want)).
		WithDetail("actual", got.String())
}

func translateValidation(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return apperror.NewValidation(err.Error())
	}
	first := verrs[0]
	// Namespace is "Draft.counterparty.name"; drop the root type name.
	field := first.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}

	appErr := apperror.NewFieldValidation(field, validationMessage(field, first))
	if len(verrs) > 1 {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			ns := fe.Namespace()
			if i := strings.Index(ns, "."); i >= 0 {
				ns = ns[i+1:]
			}
			fields = append(fields, ns)
		}
		appErr.WithDetail("fields", fields)
	}
	return appErr
}

func validationMessage(field string, fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("%s must be at least %s characters", field, fe.Param())
		}
		return fmt.Sprintf("%s must contain at least %s item(s)", field, fe.Param())
	case "alphanum":
		return field + " must contain only letters and digits"
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	case "iso3166_1_alpha2":
		return field + " must be an ISO 3166-1 alpha-2 country code"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	}
	return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
}

// validateReason checks a cancellation or rectification reason.
func validateReason(field, reason string) error {
	if len(strings.TrimSpace(reason)) < MinReasonLength {
		return apperror.NewFieldValidation(field,
			fmt.Sprintf("reason must be at least %d characters", MinReasonLength))
	}
	return nil
}
