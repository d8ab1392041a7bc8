package invoice

import (
	"net/url"

	"verifactu/internal/core/types"
)

// DefaultVerificationURL is the tax agency's public QR validation endpoint.
const DefaultVerificationURL = "https://www2.agenciatributaria.gob.es/wlpl/TIKE-CONT/ValidarQR"

// Verification is the data printed on an issued invoice so a recipient can
// check it against the ledger.
type Verification struct {
	IssuerTaxID  string `json:"issuerTaxId"`
	FullNumber   string `json:"fullNumber"`
	IssueDate    string `json:"issueDate"`
	GrandTotal   string `json:"grandTotal"`
	HashSelf     string `json:"hashSelf"`
	HashPrevious string `json:"hashPrevious"`
	URL          string `json:"url"`
}

// BuildVerification returns the verification payload of an issued or
// cancelled document, or nil for drafts.
func BuildVerification(d *Document, baseURL string) *Verification {
	if d == nil || d.Series == nil || d.Chain == nil {
		return nil
	}
	if baseURL == "" {
		baseURL = DefaultVerificationURL
	}

	v := &Verification{
		IssuerTaxID:  d.IssuerTaxID,
		FullNumber:   d.FullNumber(),
		IssueDate:    d.IssueDate.Format("02-01-2006"),
		GrandTotal:   types.FormatMoney(d.Totals.GrandTotal),
		HashSelf:     d.Chain.HashSelf,
		HashPrevious: d.Chain.HashPrevious,
	}

	q := url.Values{}
	q.Set("nif", v.IssuerTaxID)
	q.Set("numserie", v.FullNumber)
	q.Set("fecha", v.IssueDate)
	q.Set("importe", v.GrandTotal)
	v.URL = baseURL + "?" + q.Encode()
	return v
}
