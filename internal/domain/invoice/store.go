package invoice

import (
	"context"

	"verifactu/internal/core/id"
	"verifactu/internal/core/tx"
)

// Store is the append-only ledger persistence contract.
//
// Reads and writes join the transaction carried by ctx. Lookups of a single
// document return an apperror NotFound when nothing matches; ChainTail and
// LastInSeries return nil instead.
type Store interface {
	tx.Locker

	// Insert appends a new document. Duplicate ids, series numbers, chain
	// positions or approval tokens are rejected.
	Insert(ctx context.Context, doc *Document) error

	// Update persists lifecycle fields only: status, series number, chain
	// link, payable, approval token and its dispatch time, cancellation and
	// issued-at.
	Update(ctx context.Context, doc *Document) error

	GetByID(ctx context.Context, docID id.ID) (*Document, error)
	GetByToken(ctx context.Context, token string) (*Document, error)
	GetByNumber(ctx context.Context, number SeriesNumber) (*Document, error)

	// ChainTail returns the link with the highest index in the chain.
	ChainTail(ctx context.Context, chainKey string) (*ChainLink, error)

	// LastInSeries returns the document with the highest sequence number
	// ever issued in the series, whatever its status.
	LastInSeries(ctx context.Context, seriesCode string) (*Document, error)

	// ListSeries returns the series' documents ordered by sequence number.
	ListSeries(ctx context.Context, seriesCode string) ([]*Document, error)

	// ListChain returns the chain's documents ordered by chain index.
	ListChain(ctx context.Context, chainKey string) ([]*Document, error)

	// ChainKeys returns every chain key with at least one document.
	ChainKeys(ctx context.Context) ([]string, error)
}
