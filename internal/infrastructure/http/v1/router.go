package v1

import (
	"github.com/gin-gonic/gin"

	"verifactu/internal/domain/invoice"
	"verifactu/internal/infrastructure/http/v1/handlers"
	"verifactu/internal/infrastructure/http/v1/middleware"
	"verifactu/pkg/logger"
)

// RouterConfig holds router configuration.
type RouterConfig struct {
	// Engine serves every ledger operation
	Engine *invoice.Engine

	// Logger for request logging
	Logger *logger.Logger

	// Health lists the dependencies checked by /health/ready
	Health map[string]handlers.Pinger

	// Idempotency enables X-Idempotency-Key handling when set
	Idempotency middleware.IdempotencyStore

	// VerificationURL is the base of the printed verification link
	VerificationURL string

	Version     string
	Development bool
}

// NewRouter creates and configures the Gin router.
func NewRouter(cfg RouterConfig) *gin.Engine {
	if cfg.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}

	router := gin.New()

	// Global middleware (order matters!)
	router.Use(middleware.Recovery())
	router.Use(middleware.Trace())
	router.Use(middleware.Actor())
	router.Use(middleware.Logger(cfg.Logger))
	// Idempotency wraps ErrorHandler so error bodies are stored for replay.
	if cfg.Idempotency != nil {
		router.Use(middleware.Idempotency(cfg.Idempotency))
	}
	router.Use(middleware.ErrorHandler())

	healthHandler := handlers.NewHealthHandler(cfg.Version, cfg.Health)
	health := router.Group("/health")
	{
		health.GET("/live", healthHandler.Live)
		health.GET("/ready", healthHandler.Ready)
	}

	baseHandler := handlers.NewBaseHandler()
	invoiceHandler := handlers.NewInvoiceHandler(baseHandler, cfg.Engine, cfg.VerificationURL)
	RegisterLedgerRoutes(router.Group("/api/v1"), invoiceHandler)

	return router
}
