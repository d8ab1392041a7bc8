package dto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"verifactu/internal/core/apperror"
	"verifactu/internal/core/types"
	"verifactu/internal/domain/invoice"
)

var now = time.Date(2025, 3, 14, 18, 45, 0, 0, time.UTC)

func request() DraftRequest {
	rate := types.MustMoney("15")
	return DraftRequest{
		Series: "A",
		Lines: []invoice.Line{{
			Description: "Consulting",
			Quantity:    types.MustMoney("2"),
			UnitPrice:   types.MustMoney("50.00"),
			TaxRate:     types.MustMoney("21"),
		}},
		WithholdingRate: &rate,
	}
}

func TestToDraft_ComputesTotals(t *testing.T) {
	d, err := request().ToDraft(now)
	require.NoError(t, err)

	assert.Equal(t, time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC), d.IssueDate)
	assert.Equal(t, "A", d.SeriesCode)
	assert.True(t, d.Totals.TaxBase.Equal(types.MustMoney("100.00")))
	assert.True(t, d.Totals.TaxAmount.Equal(types.MustMoney("21.00")))
	require.NotNil(t, d.Totals.WithholdingAmount)
	assert.True(t, d.Totals.WithholdingAmount.Equal(types.MustMoney("15.00")))
	assert.True(t, d.Totals.GrandTotal.Equal(types.MustMoney("106.00")))
}

func TestToDraft_KeepsExplicitTotals(t *testing.T) {
	req := request()
	req.Totals = &invoice.Totals{GrandTotal: types.MustMoney("1.00")}

	d, err := req.ToDraft(now)
	require.NoError(t, err)
	assert.True(t, d.Totals.GrandTotal.Equal(types.MustMoney("1.00")))
}

func TestToDraft_IssueDate(t *testing.T) {
	req := request()
	req.IssueDate = "2024-12-31"
	d, err := req.ToDraft(now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC), d.IssueDate)

	req.IssueDate = "31/12/2024"
	_, err = req.ToDraft(now)
	assert.True(t, apperror.IsValidation(err))
}

func TestNewListResponse_NilIsEmpty(t *testing.T) {
	resp := NewListResponse[string](nil)
	assert.NotNil(t, resp.Items)
	assert.Zero(t, resp.Count)
}

func TestToDraft_CommercialTermsAndOperationDate(t *testing.T) {
	r := request()
	r.OperationDate = "2025-02-28"
	r.Commercial = invoice.Commercial{PaymentMethod: "Bizum", OfferValidity: "15 días"}
	r.Kind = "R1"
	r.Rectifies = &invoice.SeriesNumber{Code: "A", Seq: 3}

	d, err := r.ToDraft(now)
	require.NoError(t, err)
	require.NotNil(t, d.OperationDate)
	assert.Equal(t, time.Date(2025, 2, 28, 0, 0, 0, 0, time.UTC), *d.OperationDate)
	assert.Equal(t, "Bizum", d.Commercial.PaymentMethod)
	assert.Equal(t, "15 días", d.Commercial.OfferValidity)
	assert.Equal(t, r.Rectifies, d.Rectifies)

	r.OperationDate = "28/02/2025"
	_, err = r.ToDraft(now)
	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "operationDate", appErr.Details["field"])
}
