package store

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jmerrifield20/assetledger/internal/asset"
)

// MemoryStore is an in-memory, thread-safe Store. It is primarily useful for
// testing and for single-process deployments that do not require durable
// persistence across restarts.
type MemoryStore struct {
	mu        sync.RWMutex
	histories map[asset.Key][]*asset.Asset
	states    map[string]TxState
	registry  map[string]map[string]Entry
}

// NewMemory returns an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		histories: make(map[asset.Key][]*asset.Asset),
		states:    make(map[string]TxState),
		registry:  make(map[string]map[string]Entry),
	}
}

// Latest implements Store.
func (s *MemoryStore) Latest(_ context.Context, key asset.Key) (*asset.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := s.histories[key]
	if len(h) == 0 {
		return nil, nil
	}
	return h[len(h)-1].Clone(), nil
}

// Scan implements Store.
func (s *MemoryStore) Scan(_ context.Context, f asset.Filter) ([]*asset.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	selected := f.Apply(s.histories[f.Key])
	out := make([]*asset.Asset, len(selected))
	for i, a := range selected {
		out[i] = a.Clone()
	}
	return out, nil
}

// Apply implements Store. The whole batch is checked before anything is
// written, so a rejected batch leaves no trace.
func (s *MemoryStore) Apply(_ context.Context, b *Batch) error {
	if err := b.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.states[b.TxID]; ok {
		return ErrDuplicateTx.New(b.TxID)
	}
	for _, r := range b.Records {
		if want := uint64(len(s.histories[r.Key])); r.Age != want {
			return staleAge(b, r, want)
		}
	}
	for _, r := range b.Records {
		s.histories[r.Key] = append(s.histories[r.Key], r.Clone())
	}
	s.states[b.TxID] = StateCommitted
	return nil
}

// State implements Store.
func (s *MemoryStore) State(_ context.Context, txID string) (TxState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[txID]
	if !ok {
		return StateUnknown, ErrTxNotFound.New(txID)
	}
	return st, nil
}

// PutStateIfAbsent implements Store.
func (s *MemoryStore) PutStateIfAbsent(_ context.Context, txID string, st TxState) (TxState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.states[txID]; ok {
		return cur, nil
	}
	s.states[txID] = st
	return st, nil
}

// Register implements Store.
func (s *MemoryStore) Register(_ context.Context, kind, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.registry[kind]
	if m == nil {
		m = make(map[string]Entry)
		s.registry[kind] = m
	}
	if _, ok := m[key]; ok {
		return ErrAlreadyRegistered.New(kind, key)
	}
	m[key] = Entry{Kind: kind, Key: key, Value: slices.Clone(value), CreatedAt: time.Now().UTC()}
	return nil
}

// Lookup implements Store.
func (s *MemoryStore) Lookup(_ context.Context, kind, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.registry[kind][key]
	if !ok {
		return nil, ErrNotRegistered.New(kind, key)
	}
	return slices.Clone(e.Value), nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, kind string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.registry[kind]))
	for _, e := range s.registry[kind] {
		e.Value = slices.Clone(e.Value)
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(a.Key, b.Key) })
	return out, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
