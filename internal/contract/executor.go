package contract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmerrifield20/assetledger/internal/asset"
	"github.com/jmerrifield20/assetledger/internal/fault"
	"github.com/jmerrifield20/assetledger/internal/txn"
)

// MaxInvokeDepth bounds sub-contract nesting.
const MaxInvokeDepth = 16

// Executor runs registered contracts against a transaction.
type Executor struct {
	registry  *Registry
	namespace string
}

// NewExecutor returns an Executor resolving contracts in reg, with ns as
// the default asset namespace.
func NewExecutor(reg *Registry, ns string) *Executor {
	if ns == "" {
		ns = asset.DefaultNamespace
	}
	return &Executor{registry: reg, namespace: ns}
}

// Registry returns the registry the executor resolves names in.
func (e *Executor) Registry() *Registry { return e.registry }

// Execute runs the contract registered as name inside tx and returns its
// result in canonical JSON.
func (e *Executor) Execute(ctx context.Context, tx *txn.Transaction, name string, arg *Argument, props json.RawMessage) (json.RawMessage, error) {
	v := &view{exec: e, tx: tx, props: props}
	out, err := v.call(ctx, name, arg)
	if err != nil {
		return nil, err
	}
	result, err := asset.CanonicalMarshal(out)
	if err != nil {
		return nil, ErrRuntime.Wrap(err, name, "result is not encodable")
	}
	return result, nil
}

// view implements Ledger over one transaction.
type view struct {
	exec  *Executor
	tx    *txn.Transaction
	props json.RawMessage
	depth int
}

func (v *view) call(ctx context.Context, name string, arg *Argument) (out any, err error) {
	c, err := v.exec.registry.Lookup(name)
	if err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, ErrRuntime.New(name, r)
		}
	}()
	out, err = c.Invoke(ctx, v, arg)
	if err != nil {
		var coded fault.Coder
		if !errors.As(err, &coded) {
			err = ErrRuntime.Wrap(err, name, err)
		}
		return nil, err
	}
	return out, nil
}

func (v *view) Namespace() string { return v.exec.namespace }

func (v *view) Properties() json.RawMessage { return v.props }

func (v *view) Get(ctx context.Context, id string) (*asset.Asset, error) {
	return v.GetIn(ctx, v.exec.namespace, id)
}

func (v *view) GetIn(ctx context.Context, namespace, id string) (*asset.Asset, error) {
	return v.tx.Get(ctx, asset.NewKey(v.ns(namespace), id))
}

func (v *view) Scan(ctx context.Context, f asset.Filter) ([]*asset.Asset, error) {
	f.Key.Namespace = v.ns(f.Key.Namespace)
	return v.tx.Scan(ctx, f)
}

func (v *view) Put(ctx context.Context, id string, data any) error {
	return v.PutIn(ctx, v.exec.namespace, id, data)
}

func (v *view) PutIn(ctx context.Context, namespace, id string, data any) error {
	raw, err := encode(data)
	if err != nil {
		return err
	}
	return v.tx.Put(ctx, asset.NewKey(v.ns(namespace), id), raw)
}

func (v *view) Invoke(ctx context.Context, name string, arg any) (any, error) {
	if v.depth+1 > MaxInvokeDepth {
		return nil, ErrInvokeDepth.New(MaxInvokeDepth)
	}
	a, err := NewArgument(arg)
	if err != nil {
		return nil, err
	}
	sub := &view{exec: v.exec, tx: v.tx, props: v.props, depth: v.depth + 1}
	return sub.call(ctx, name, a)
}

func (v *view) ns(namespace string) string {
	if namespace == "" {
		return v.exec.namespace
	}
	return namespace
}

func encode(data any) (json.RawMessage, error) {
	switch d := data.(type) {
	case json.RawMessage:
		return d, nil
	case []byte:
		return d, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, ErrInvalidArgument.Wrap(err, fmt.Sprintf("asset data of type %T is not encodable", data))
	}
	return raw, nil
}
