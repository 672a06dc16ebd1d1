// Package contract defines the execution surface handed to ledger contracts
// and the registry of compiled-in contract implementations.
//
// A contract reads and writes assets only through the Ledger it is given.
// Every call is scoped to one transaction; a contract may call another
// contract by name with Ledger.Invoke, sharing that transaction's read and
// write buffers.
package contract

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/jmerrifield20/assetledger/internal/asset"
)

// Contract is deterministic logic executed inside one transaction. Given
// the same ledger state and argument it must return the same result and
// perform the same writes.
type Contract interface {
	Invoke(ctx context.Context, l Ledger, arg *Argument) (any, error)
}

// Func adapts a function to Contract.
type Func func(ctx context.Context, l Ledger, arg *Argument) (any, error)

// Invoke implements Contract.
func (f Func) Invoke(ctx context.Context, l Ledger, arg *Argument) (any, error) {
	return f(ctx, l, arg)
}

// Ledger is the view of the ledger a running contract gets.
type Ledger interface {
	// Get returns the current version of id in the default namespace, or
	// nil if it does not exist.
	Get(ctx context.Context, id string) (*asset.Asset, error)
	GetIn(ctx context.Context, namespace, id string) (*asset.Asset, error)

	// Scan returns the versions of f.Key matching f.
	Scan(ctx context.Context, f asset.Filter) ([]*asset.Asset, error)

	// Put buffers data, encoded as JSON, as the next version of id.
	Put(ctx context.Context, id string, data any) error
	PutIn(ctx context.Context, namespace, id string, data any) error

	// Invoke runs another registered contract in the same transaction.
	Invoke(ctx context.Context, name string, arg any) (any, error)

	// Namespace is the default namespace.
	Namespace() string

	// Properties returns the properties the executed contract was registered
	// with. Invoked sub-contracts see the same properties.
	Properties() json.RawMessage
}

// Registry maps contract names to implementations. It is filled at
// startup and read concurrently afterwards.
type Registry struct {
	mu        sync.RWMutex
	contracts map[string]Contract
}

// NewRegistry returns a registry holding the builtin contracts.
func NewRegistry() *Registry {
	r := &Registry{contracts: make(map[string]Contract)}
	registerBuiltins(r)
	return r
}

// Register adds c under name.
func (r *Registry) Register(name string, c Contract) error {
	if name == "" {
		return ErrInvalidArgument.New("contract name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.contracts[name]; ok {
		return ErrAlreadyExists.New(name)
	}
	r.contracts[name] = c
	return nil
}

// MustRegister is Register for init-time wiring; it panics on error.
func (r *Registry) MustRegister(name string, c Contract) {
	if err := r.Register(name, c); err != nil {
		panic(err)
	}
}

// Lookup returns the contract registered under name.
func (r *Registry) Lookup(name string) (Contract, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contracts[name]
	if !ok {
		return nil, ErrNotFound.New(name)
	}
	return c, nil
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.contracts))
	for n := range r.contracts {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}
