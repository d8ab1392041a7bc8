// Package app wires the ledger engine from configuration. The server, the
// worker and ledgerctl all build their dependencies here.
package app

import (
	"context"
	"fmt"

	"verifactu/internal/config"
	"verifactu/internal/domain/invoice"
	"verifactu/internal/infrastructure/numerator"
	"verifactu/internal/infrastructure/storage/memory"
	"verifactu/internal/infrastructure/storage/postgres"
	"verifactu/internal/infrastructure/storage/postgres/ledger_repo"
	"verifactu/internal/infrastructure/tokens"
	"verifactu/pkg/logger"
)

// Ledger holds the engine and the infrastructure behind it. Pool,
// TxManager, Audit and Idempotency are nil when running on the in-memory
// store.
type Ledger struct {
	Engine      *invoice.Engine
	Pool        *postgres.Pool
	TxManager   *postgres.TxManager
	Audit       *postgres.AuditService
	Idempotency *postgres.IdempotencyStore
	Memory      *memory.Store
}

// Persistent reports whether the ledger is backed by PostgreSQL.
func (l *Ledger) Persistent() bool { return l.Pool != nil }

// Ping checks the storage backend.
func (l *Ledger) Ping(ctx context.Context) error {
	if l.Pool != nil {
		return l.Pool.Ping(ctx)
	}
	return l.Memory.Ping(ctx)
}

// Close releases the database pool.
func (l *Ledger) Close() {
	if l.Pool != nil {
		l.Pool.Close()
	}
}

// Build creates the ledger. An empty database DSN selects the in-memory store.
func Build(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Ledger, error) {
	scope, err := invoice.ParseChainScope(cfg.Ledger.ChainScope)
	if err != nil {
		return nil, err
	}

	tokenIssuer, err := newTokens(cfg.Ledger)
	if err != nil {
		return nil, err
	}

	engineCfg := invoice.Config{
		Tokens:             tokenIssuer,
		ChainScope:         scope,
		DefaultIssuerTaxID: cfg.Ledger.DefaultIssuerTaxID,
	}

	if cfg.Database.DSN == "" {
		log.Warn("no database configured, using the in-memory ledger")
		store := memory.New()
		engineCfg.Store = store
		engineCfg.Counter = store
		engineCfg.TxManager = store
		return &Ledger{Engine: invoice.NewEngine(engineCfg), Memory: store}, nil
	}

	poolCfg := postgres.DefaultPoolConfig(cfg.Database.DSN)
	poolCfg.MaxConns = cfg.Database.MaxConns
	poolCfg.MinConns = cfg.Database.MinConns
	pool, err := postgres.NewPool(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	txManager := postgres.NewTxManager(pool.Pool)
	audit, err := postgres.NewAuditService(txManager)
	if err != nil {
		pool.Close()
		return nil, err
	}

	engineCfg.Store = ledger_repo.NewRepo(txManager)
	engineCfg.Counter = numerator.New(txManager)
	engineCfg.TxManager = txManager
	engineCfg.Events = postgres.NewOutboxPublisher(txManager)
	engineCfg.Audit = audit

	log.Infow("ledger connected to postgres",
		"chain_scope", scope,
		"max_conns", poolCfg.MaxConns,
	)

	return &Ledger{
		Engine:      invoice.NewEngine(engineCfg),
		Pool:        pool,
		TxManager:   txManager,
		Audit:       audit,
		Idempotency: postgres.NewIdempotencyStore(txManager, cfg.Idempotency.TTL),
	}, nil
}

// newTokens returns signed approval tokens when a secret is configured and
// opaque random ones otherwise.
func newTokens(cfg config.LedgerConfig) (invoice.TokenIssuer, error) {
	if cfg.TokenSecret == "" {
		return invoice.RandomTokens{}, nil
	}
	jwtCfg := tokens.DefaultJWTConfig(cfg.TokenSecret)
	if cfg.TokenTTL > 0 {
		jwtCfg.TTL = cfg.TokenTTL
	}
	svc, err := tokens.NewJWTService(jwtCfg)
	if err != nil {
		return nil, fmt.Errorf("approval tokens: %w", err)
	}
	return svc, nil
}
