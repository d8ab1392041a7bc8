package invoice

import (
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"verifactu/internal/core/apperror"
	"verifactu/internal/core/id"
	"verifactu/internal/core/types"
)

func validDraft() Draft {
	rate := types.MustMoney("15")
	d := Draft{
		SeriesCode:  "a-2025",
		IssuerTaxID: " b12345678 ",
		Counterparty: Counterparty{
			Name:        " Acme SL ",
			TaxID:       "a87654321",
			Address:     "Calle Mayor 1",
			CountryCode: "es",
		},
		Lines: []Line{
			{Description: "Design", Quantity: types.MustMoney("3"), UnitPrice: types.MustMoney("33.335"), TaxRate: types.MustMoney("21")},
			{Description: "Hosting", Quantity: types.MustMoney("1"), UnitPrice: types.MustMoney("10.05"), TaxRate: types.MustMoney("10")},
		},
		Totals: Totals{WithholdingRate: &rate},
	}
	d.Normalize()
	d.Recalculate()
	return d
}

func fieldOf(t *testing.T, err error) string {
	t.Helper()
	var appErr *apperror.AppError
	require.True(t, errors.As(err, &appErr), "expected AppError, got %v", err)
	require.Equal(t, apperror.CodeValidation, appErr.Code)
	field, _ := appErr.Details["field"].(string)
	return field
}

func TestDraft_NormalizeAndRecalculate(t *testing.T) {
	d := validDraft()

	assert.Equal(t, KindOrdinary, d.Kind)
	assert.Equal(t, "B12345678", d.IssuerTaxID)
	assert.Equal(t, "Acme SL", d.Counterparty.Name)
	assert.Equal(t, "ES", d.Counterparty.CountryCode)
	assert.Equal(t, TaxIVA, d.Lines[0].TaxType)

	// 3 x 33.335 = 100.005 -> 100.01; 21% -> 21.00
	assert.Equal(t, "100.01", types.FormatMoney(d.Lines[0].Base))
	assert.Equal(t, "21.00", types.FormatMoney(d.Lines[0].TaxAmount))
	// 10.05 x 10% = 1.005 -> 1.01
	assert.Equal(t, "1.01", types.FormatMoney(d.Lines[1].TaxAmount))

	assert.Equal(t, "110.06", types.FormatMoney(d.Totals.TaxBase))
	assert.Equal(t, "22.01", types.FormatMoney(d.Totals.TaxAmount))
	// 15% of 110.06 = 16.509 -> 16.51
	require.NotNil(t, d.Totals.WithholdingAmount)
	assert.Equal(t, "16.51", types.FormatMoney(*d.Totals.WithholdingAmount))
	assert.Equal(t, "115.56", types.FormatMoney(d.Totals.GrandTotal))

	assert.NoError(t, d.Validate())
}

func TestDraft_ValidateStructure(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(d *Draft)
		field  string
	}{
		{"missing issuer", func(d *Draft) { d.IssuerTaxID = "" }, "issuerTaxId"},
		{"missing counterparty name", func(d *Draft) { d.Counterparty.Name = "" }, "counterparty.name"},
		{"missing address", func(d *Draft) { d.Counterparty.Address = "" }, "counterparty.address"},
		{"bad country", func(d *Draft) { d.Counterparty.CountryCode = "XX" }, "counterparty.countryCode"},
		{"no lines", func(d *Draft) { d.Lines = nil }, "lines"},
		{"line without description", func(d *Draft) { d.Lines[1].Description = "" }, "lines[1].description"},
		{"unknown tax type", func(d *Draft) { d.Lines[0].TaxType = "09" }, "lines[0].taxType"},
		{"unknown kind", func(d *Draft) { d.Kind = "F9" }, "kind"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDraft()
			tt.mutate(&d)
			assert.Equal(t, tt.field, fieldOf(t, d.Validate()))
		})
	}
}

func TestDraft_ValidateAmounts(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(d *Draft)
		field  string
	}{
		{"zero quantity", func(d *Draft) { d.Lines[0].Quantity = types.Zero() }, "lines[0].quantity"},
		{"rate above 100", func(d *Draft) { d.Lines[0].TaxRate = types.MustMoney("101") }, "lines[0].taxRate"},
		{"line base off by a cent", func(d *Draft) { d.Lines[0].Base = types.MustMoney("100.00") }, "lines[0].base"},
		{"line tax off", func(d *Draft) { d.Lines[1].TaxAmount = types.MustMoney("1.00") }, "lines[1].taxAmount"},
		{"sum of bases", func(d *Draft) { d.Totals.TaxBase = types.MustMoney("110.00") }, "totals.taxBase"},
		{"sum of taxes", func(d *Draft) { d.Totals.TaxAmount = types.MustMoney("22.00") }, "totals.taxAmount"},
		{"withholding without rate", func(d *Draft) { d.Totals.WithholdingRate = nil }, "totals.withholdingAmount"},
		{"withholding mismatch", func(d *Draft) {
			w := types.MustMoney("16.50")
			d.Totals.WithholdingAmount = &w
		}, "totals.withholdingAmount"},
		{"grand total", func(d *Draft) { d.Totals.GrandTotal = types.MustMoney("132.07") }, "totals.grandTotal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDraft()
			tt.mutate(&d)
			assert.Equal(t, tt.field, fieldOf(t, d.Validate()))
		})
	}
}

func TestDraft_RectifyingRules(t *testing.T) {
	d := validDraft()
	d.Kind = KindR1
	assert.Equal(t, "rectifies", fieldOf(t, d.Validate()))

	d.Rectifies = &SeriesNumber{Code: "A-2025", Seq: 3}
	d.RectificationReason = "typo"
	assert.Equal(t, "rectificationReason", fieldOf(t, d.Validate()))

	d.RectificationReason = "Wrong VAT rate"
	assert.NoError(t, d.Validate())

	d.Kind = KindOrdinary
	assert.Equal(t, "kind", fieldOf(t, d.Validate()))
}

func TestDocument_CloneIsDeep(t *testing.T) {
	d := validDraft()
	token := "tok"
	doc := &Document{
		Series:        &SeriesNumber{Code: "A", Seq: 1},
		Lines:         d.Lines,
		Totals:        d.Totals,
		ApprovalToken: &token,
	}
	c := doc.Clone()
	c.Series.Seq = 2
	c.Lines[0].Description = "changed"
	*c.ApprovalToken = "other"
	*c.Totals.WithholdingRate = types.MustMoney("1")

	assert.Equal(t, int64(1), doc.Series.Seq)
	assert.Equal(t, "Design", doc.Lines[0].Description)
	assert.Equal(t, "tok", *doc.ApprovalToken)
	assert.Equal(t, "15", doc.Totals.WithholdingRate.String())
	assert.Nil(t, (*Document)(nil).Clone())
}

func TestBuildVerification(t *testing.T) {
	doc := &Document{
		IssuerTaxID: "B12345678",
		IssueDate:   time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC),
		Series:      &SeriesNumber{Code: "A-2025", Seq: 7},
		Totals:      Totals{GrandTotal: types.MustMoney("121")},
		Chain:       &ChainLink{Key: "series:A-2025", Index: 7, HashPrevious: "P", HashSelf: "S"},
	}

	v := BuildVerification(doc, "")
	require.NotNil(t, v)
	assert.Equal(t, "A-2025-7", v.FullNumber)
	assert.Equal(t, "09-03-2025", v.IssueDate)
	assert.Equal(t, "121.00", v.GrandTotal)

	u, err := url.Parse(v.URL)
	require.NoError(t, err)
	assert.Equal(t, "www2.agenciatributaria.gob.es", u.Host)
	q := u.Query()
	assert.Equal(t, "B12345678", q.Get("nif"))
	assert.Equal(t, "A-2025-7", q.Get("numserie"))
	assert.Equal(t, "09-03-2025", q.Get("fecha"))
	assert.Equal(t, "121.00", q.Get("importe"))

	assert.Nil(t, BuildVerification(&Document{Status: StatusDraft}, ""))
}

func TestRandomTokens(t *testing.T) {
	var tokens RandomTokens
	a, err := tokens.Issue(id.New())
	require.NoError(t, err)
	b, err := tokens.Issue(id.New())
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	_, err = tokens.Validate("")
	assert.Error(t, err)
}

func TestDraft_CommercialTerms(t *testing.T) {
	d := validDraft()
	d.Commercial = Commercial{
		PaymentMethod: " Transferencia ",
		PaymentTerms:  "Vencimiento a 30 días ",
		IssuerIBAN:    "es91 2100 0418 4502 0005 1332",
	}
	d.Normalize()
	require.NoError(t, d.Validate())
	assert.Equal(t, "Transferencia", d.Commercial.PaymentMethod)
	assert.Equal(t, "Vencimiento a 30 días", d.Commercial.PaymentTerms)
	assert.Equal(t, "ES9121000418450200051332", d.Commercial.IssuerIBAN)

	d.Commercial.IssuerIBAN = "ES91-2100"
	assert.Equal(t, "commercial.issuerIban", fieldOf(t, d.Validate()))
}
