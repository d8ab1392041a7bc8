// Package v1 provides HTTP API version 1.
package v1

import (
	"github.com/gin-gonic/gin"
)

// LedgerRouteHandler defines the interface for ledger handlers.
type LedgerRouteHandler interface {
	CreateDirect(c *gin.Context)
	CreateDraft(c *gin.Context)
	IssueApprovalToken(c *gin.Context)
	Convert(c *gin.Context)
	Cancel(c *gin.Context)
	Rectify(c *gin.Context)
	Get(c *gin.Context)
	GetByNumber(c *gin.Context)
	ListSeries(c *gin.Context)
	ListCounters(c *gin.Context)
	SetSeriesStart(c *gin.Context)
	ListChains(c *gin.Context)
	VerifyChain(c *gin.Context)
}

// RegisterLedgerRoutes registers issuance, lifecycle, series and chain routes.
//
// Usage:
//
//	handler := handlers.NewInvoiceHandler(baseHandler, engine, verificationURL)
//	RegisterLedgerRoutes(router.Group("/api/v1"), handler)
func RegisterLedgerRoutes(rg *gin.RouterGroup, handler LedgerRouteHandler) {
	invoices := rg.Group("/invoices")
	{
		invoices.POST("", handler.CreateDirect)
		invoices.POST("/rectify", handler.Rectify)
		invoices.GET("/:id", handler.Get)
		invoices.POST("/:id/cancel", handler.Cancel)
	}

	drafts := rg.Group("/drafts")
	{
		drafts.POST("", handler.CreateDraft)
		drafts.POST("/convert", handler.Convert)
		drafts.POST("/:id/approval-token", handler.IssueApprovalToken)
	}

	series := rg.Group("/series")
	{
		series.GET("", handler.ListCounters)
		series.GET("/:code/invoices", handler.ListSeries)
		series.GET("/:code/invoices/:seq", handler.GetByNumber)
		series.PUT("/:code/start", handler.SetSeriesStart)
	}

	chains := rg.Group("/chains")
	{
		chains.GET("", handler.ListChains)
		chains.GET("/:key/verify", handler.VerifyChain)
	}
}
