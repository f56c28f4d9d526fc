package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "XCMFlow/internal/errors"
)

// ListOptions narrow a transaction listing. Zero values match everything.
type ListOptions struct {
	SourceChain      string
	DestinationChain string
	Status           Status
	Limit            int
}

func (o ListOptions) matches(tx *Transaction) bool {
	if o.SourceChain != "" && tx.Params.SourceChain != o.SourceChain {
		return false
	}
	if o.DestinationChain != "" && tx.Params.DestinationChain != o.DestinationChain {
		return false
	}
	if o.Status != "" && tx.Status != o.Status {
		return false
	}
	return true
}

// Store persists transactions. Active and completed sets are kept apart so
// the polling loop never walks finished work.
type Store interface {
	Insert(ctx context.Context, tx *Transaction) error
	Update(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	GetByMessageHash(ctx context.Context, hash common.Hash) (*Transaction, error)
	// Active returns every non-terminal transaction.
	Active(ctx context.Context, opts ListOptions) ([]*Transaction, error)
	Completed(ctx context.Context, opts ListOptions) ([]*Transaction, error)
	// Complete moves a transaction from the active set to the completed set.
	Complete(ctx context.Context, tx *Transaction) error
	// PruneCompleted drops completed transactions older than the cutoff and
	// reports how many were removed.
	PruneCompleted(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}

// MemoryStore is the default in-process store.
type MemoryStore struct {
	mu        sync.RWMutex
	active    map[string]*Transaction
	completed map[string]*Transaction
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		active:    make(map[string]*Transaction),
		completed: make(map[string]*Transaction),
	}
}

func (s *MemoryStore) Insert(_ context.Context, tx *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[tx.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "transaction already exists",
			xerrors.WithMetadata("transaction_id", tx.ID))
	}
	if _, ok := s.completed[tx.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "transaction already completed",
			xerrors.WithMetadata("transaction_id", tx.ID))
	}
	s.active[tx.ID] = tx.Clone()
	return nil
}

func (s *MemoryStore) Update(_ context.Context, tx *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[tx.ID]; !ok {
		return xerrors.New(xerrors.CodeNotFound, "transaction not active",
			xerrors.WithMetadata("transaction_id", tx.ID))
	}
	s.active[tx.ID] = tx.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if tx, ok := s.active[id]; ok {
		return tx.Clone(), nil
	}
	if tx, ok := s.completed[id]; ok {
		return tx.Clone(), nil
	}
	return nil, xerrors.New(xerrors.CodeNotFound, "transaction not found",
		xerrors.WithMetadata("transaction_id", id))
}

func (s *MemoryStore) GetByMessageHash(_ context.Context, hash common.Hash) (*Transaction, error) {
	// Unsubmitted transactions carry the zero hash; matching it would hand
	// out an arbitrary transaction that was never sent.
	if hash == (common.Hash{}) {
		return nil, xerrors.New(xerrors.CodeNotFound, "message hash is unset")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, tx := range s.active {
		if tx.MessageHash == hash {
			return tx.Clone(), nil
		}
	}
	for _, tx := range s.completed {
		if tx.MessageHash == hash {
			return tx.Clone(), nil
		}
	}
	return nil, xerrors.New(xerrors.CodeNotFound, "no transaction for message hash",
		xerrors.WithMetadata("message_hash", hash.Hex()))
}

func (s *MemoryStore) Active(_ context.Context, opts ListOptions) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return collect(s.active, opts), nil
}

func (s *MemoryStore) Completed(_ context.Context, opts ListOptions) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return collect(s.completed, opts), nil
}

func (s *MemoryStore) Complete(_ context.Context, tx *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, tx.ID)
	s.completed[tx.ID] = tx.Clone()
	return nil
}

func (s *MemoryStore) PruneCompleted(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pruned := 0
	for id, tx := range s.completed {
		if tx.CompletedAt.Before(cutoff) {
			delete(s.completed, id)
			pruned++
		}
	}
	return pruned, nil
}

func (s *MemoryStore) Close() error { return nil }

// collect clones matching transactions ordered oldest first.
func collect(set map[string]*Transaction, opts ListOptions) []*Transaction {
	var out []*Transaction
	for _, tx := range set {
		if opts.matches(tx) {
			out = append(out, tx.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
