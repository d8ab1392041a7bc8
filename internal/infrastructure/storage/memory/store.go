// Package memory provides an in-process ledger backend implementing the
// ledger store, the series counter and the transaction manager.
//
// Transactions buffer their writes and publish them atomically at commit.
// Locks are keyed, owned by the transaction and released when it ends, which
// mirrors PostgreSQL advisory transaction locks within a single process.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"verifactu/internal/core/apperror"
	"verifactu/internal/core/id"
	"verifactu/internal/core/numerator"
	"verifactu/internal/core/tx"
	"verifactu/internal/domain/invoice"
)

var (
	_ invoice.Store     = (*Store)(nil)
	_ numerator.Counter = (*Store)(nil)
	_ tx.Manager        = (*Store)(nil)
)

// ErrNoTransaction is returned by Lock outside RunInTransaction.
var ErrNoTransaction = errors.New("memory: lock requires a transaction")

// ErrDuplicate is returned by Insert on a uniqueness violation.
var ErrDuplicate = errors.New("memory: duplicate key")

// Store is the in-memory ledger.
type Store struct {
	mu       sync.RWMutex
	docs     map[id.ID]*invoice.Document
	counters map[string]int64

	locks *keyedLocks
}

// New creates an empty store.
func New() *Store {
	return &Store{
		docs:     make(map[id.ID]*invoice.Document),
		counters: make(map[string]int64),
		locks:    newKeyedLocks(),
	}
}

// Ping reports readiness. The in-memory store is always ready.
func (s *Store) Ping(context.Context) error { return nil }

// memTx buffers the writes of one transaction.
type memTx struct {
	docs     map[id.ID]*invoice.Document
	counters map[string]int64
	held     []string
	heldSet  map[string]struct{}
}

type txKey struct{}

func getTx(ctx context.Context) *memTx {
	if t, ok := ctx.Value(txKey{}).(*memTx); ok {
		return t
	}
	return nil
}

// RunInTransaction executes fn in a transaction. Nested calls reuse the
// transaction already in ctx.
func (s *Store) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if getTx(ctx) != nil {
		return fn(ctx)
	}

	t := &memTx{
		docs:     make(map[id.ID]*invoice.Document),
		counters: make(map[string]int64),
		heldSet:  make(map[string]struct{}),
	}
	defer s.release(t)

	if err := fn(context.WithValue(ctx, txKey{}, t)); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for docID, doc := range t.docs {
		s.docs[docID] = doc
	}
	for code, next := range t.counters {
		s.counters[code] = next
	}
	return nil
}

func (s *Store) release(t *memTx) {
	for i := len(t.held) - 1; i >= 0; i-- {
		s.locks.release(t.held[i])
	}
}

// Lock acquires key for the transaction in ctx. Reentrant.
func (s *Store) Lock(ctx context.Context, key string) error {
	t := getTx(ctx)
	if t == nil {
		return ErrNoTransaction
	}
	if _, ok := t.heldSet[key]; ok {
		return nil
	}
	if err := s.locks.acquire(ctx, key); err != nil {
		return err
	}
	t.heldSet[key] = struct{}{}
	t.held = append(t.held, key)
	return nil
}

// lookup returns the document visible to ctx without copying it.
func (s *Store) lookup(ctx context.Context, docID id.ID) *invoice.Document {
	if t := getTx(ctx); t != nil {
		if d, ok := t.docs[docID]; ok {
			return d
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.docs[docID]
}

// each calls fn for every document visible to ctx.
func (s *Store) each(ctx context.Context, fn func(d *invoice.Document)) {
	t := getTx(ctx)

	s.mu.RLock()
	for docID, d := range s.docs {
		if t != nil {
			if _, shadowed := t.docs[docID]; shadowed {
				continue
			}
		}
		fn(d)
	}
	s.mu.RUnlock()

	if t != nil {
		for _, d := range t.docs {
			fn(d)
		}
	}
}

func (s *Store) write(ctx context.Context, doc *invoice.Document) {
	stored := doc.Clone()
	if t := getTx(ctx); t != nil {
		t.docs[doc.ID] = stored
		return
	}
	s.mu.Lock()
	s.docs[doc.ID] = stored
	s.mu.Unlock()
}

// Insert appends a new document.
func (s *Store) Insert(ctx context.Context, doc *invoice.Document) error {
	if err := s.checkUnique(ctx, doc); err != nil {
		return err
	}
	s.write(ctx, doc)
	return nil
}

func (s *Store) checkUnique(ctx context.Context, doc *invoice.Document) error {
	if s.lookup(ctx, doc.ID) != nil {
		return fmt.Errorf("%w: id %s", ErrDuplicate, doc.ID)
	}
	var dup error
	s.each(ctx, func(d *invoice.Document) {
		switch {
		case dup != nil:
		case doc.Series != nil && d.Series != nil && *doc.Series == *d.Series:
			dup = fmt.Errorf("%w: number %s", ErrDuplicate, doc.Series)
		case doc.Chain != nil && d.Chain != nil && doc.Chain.Key == d.Chain.Key && doc.Chain.Index == d.Chain.Index:
			dup = fmt.Errorf("%w: chain %s index %d", ErrDuplicate, doc.Chain.Key, doc.Chain.Index)
		case doc.ApprovalToken != nil && d.ApprovalToken != nil && *doc.ApprovalToken == *d.ApprovalToken:
			dup = fmt.Errorf("%w: approval token", ErrDuplicate)
		}
	})
	return dup
}

// Update replaces the lifecycle fields of an existing document.
func (s *Store) Update(ctx context.Context, doc *invoice.Document) error {
	current := s.lookup(ctx, doc.ID)
	if current == nil {
		return apperror.NewNotFound("invoice", doc.ID.String())
	}
	next := current.Clone()
	next.Status = doc.Status
	next.Series = doc.Series
	next.Chain = doc.Chain
	next.Payable = doc.Payable
	next.ApprovalToken = doc.ApprovalToken
	next.TokenSentAt = doc.TokenSentAt
	next.Cancellation = doc.Cancellation
	next.IssuedAt = doc.IssuedAt
	s.write(ctx, next)
	return nil
}

// GetByID returns a copy of the document.
func (s *Store) GetByID(ctx context.Context, docID id.ID) (*invoice.Document, error) {
	if d := s.lookup(ctx, docID); d != nil {
		return d.Clone(), nil
	}
	return nil, apperror.NewNotFound("invoice", docID.String())
}

// GetByToken returns the draft holding token.
func (s *Store) GetByToken(ctx context.Context, token string) (*invoice.Document, error) {
	if found := s.find(ctx, func(d *invoice.Document) bool {
		return d.ApprovalToken != nil && *d.ApprovalToken == token
	}); found != nil {
		return found, nil
	}
	return nil, apperror.NewNotFound("approval token", "")
}

// GetByNumber returns the document with the given series number.
func (s *Store) GetByNumber(ctx context.Context, number invoice.SeriesNumber) (*invoice.Document, error) {
	if found := s.find(ctx, func(d *invoice.Document) bool {
		return d.Series != nil && *d.Series == number
	}); found != nil {
		return found, nil
	}
	return nil, apperror.NewNotFound("invoice", number.String())
}

func (s *Store) find(ctx context.Context, match func(d *invoice.Document) bool) *invoice.Document {
	var found *invoice.Document
	s.each(ctx, func(d *invoice.Document) {
		if found == nil && match(d) {
			found = d.Clone()
		}
	})
	return found
}

// ChainTail returns the last link of a chain or nil.
func (s *Store) ChainTail(ctx context.Context, chainKey string) (*invoice.ChainLink, error) {
	var tail *invoice.ChainLink
	s.each(ctx, func(d *invoice.Document) {
		if d.Chain != nil && d.Chain.Key == chainKey && (tail == nil || d.Chain.Index > tail.Index) {
			link := *d.Chain
			tail = &link
		}
	})
	return tail, nil
}

// LastInSeries returns the document with the highest sequence, cancelled
// ones included.
func (s *Store) LastInSeries(ctx context.Context, seriesCode string) (*invoice.Document, error) {
	var last *invoice.Document
	s.each(ctx, func(d *invoice.Document) {
		if d.Series == nil || d.Series.Code != seriesCode {
			return
		}
		if last == nil || d.Series.Seq > last.Series.Seq {
			last = d
		}
	})
	return last.Clone(), nil
}

// ListSeries returns the series' documents by ascending sequence.
func (s *Store) ListSeries(ctx context.Context, seriesCode string) ([]*invoice.Document, error) {
	docs := s.collect(ctx, func(d *invoice.Document) bool {
		return d.Series != nil && d.Series.Code == seriesCode
	})
	sort.Slice(docs, func(i, j int) bool { return docs[i].Series.Seq < docs[j].Series.Seq })
	return docs, nil
}

// ListChain returns the chain's documents by ascending index.
func (s *Store) ListChain(ctx context.Context, chainKey string) ([]*invoice.Document, error) {
	docs := s.collect(ctx, func(d *invoice.Document) bool {
		return d.Chain != nil && d.Chain.Key == chainKey
	})
	sort.Slice(docs, func(i, j int) bool { return docs[i].Chain.Index < docs[j].Chain.Index })
	return docs, nil
}

// ChainKeys returns the keys of all chains, sorted.
func (s *Store) ChainKeys(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	s.each(ctx, func(d *invoice.Document) {
		if d.Chain != nil {
			seen[d.Chain.Key] = struct{}{}
		}
	})
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) collect(ctx context.Context, match func(d *invoice.Document) bool) []*invoice.Document {
	docs := make([]*invoice.Document, 0)
	s.each(ctx, func(d *invoice.Document) {
		if match(d) {
			docs = append(docs, d.Clone())
		}
	})
	return docs
}
