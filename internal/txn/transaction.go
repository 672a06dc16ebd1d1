package txn

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/jmerrifield20/assetledger/internal/asset"
	"github.com/jmerrifield20/assetledger/internal/store"
)

// txNamespace seeds the UUIDv5 transaction ids.
var txNamespace = uuid.MustParse("6f1c2a4e-8a57-5b1e-9a3c-2f0d41e7c9b8")

// TxID derives the transaction id of the request identified by
// (entityID, nonce). The same pair always yields the same id.
func TxID(entityID, nonce string) string {
	return uuid.NewSHA1(txNamespace, []byte(entityID+"\x00"+nonce)).String()
}

// Request carries the fields of the originating execution request that are
// embedded in every record a transaction writes.
type Request struct {
	EntityID   string
	Nonce      string
	ContractID string
	Argument   json.RawMessage // canonical
	Signature  []byte
}

// Validate checks that the request can produce hashable records.
func (r Request) Validate() error {
	switch {
	case r.EntityID == "":
		return ErrInvalidRequest.New("entity id is required")
	case r.Nonce == "":
		return ErrInvalidRequest.New("nonce is required")
	case r.ContractID == "":
		return ErrInvalidRequest.New("contract id is required")
	case len(r.Argument) == 0:
		return ErrInvalidRequest.New("argument is required")
	}
	return nil
}

type phase int

const (
	phaseOpen phase = iota
	phaseCommitting
	phaseDone
	phaseAborted
)

// Transaction buffers the reads and writes of one contract execution. It is
// private to that execution: Get, Scan and Put must not be called
// concurrently. Abort may arrive from another goroutine, so only the phase
// is guarded.
type Transaction struct {
	id    string
	req   Request
	store store.Store

	mu    sync.Mutex
	phase phase

	// base holds the latest version of every touched key as first observed;
	// a nil value means the asset did not exist.
	base   map[asset.Key]*asset.Asset
	reads  *ReadSet
	writes *WriteSet
}

func newTransaction(id string, req Request, s store.Store) *Transaction {
	return &Transaction{
		id:     id,
		req:    req,
		store:  s,
		base:   make(map[asset.Key]*asset.Asset),
		reads:  newReadSet(),
		writes: newWriteSet(),
	}
}

// ID returns the transaction id.
func (t *Transaction) ID() string { return t.id }

// Request returns the originating request.
func (t *Transaction) Request() Request { return t.req }

// ReadSet exposes the reads recorded so far.
func (t *Transaction) ReadSet() *ReadSet { return t.reads }

// WriteSet exposes the buffered writes.
func (t *Transaction) WriteSet() *WriteSet { return t.writes }

func (t *Transaction) checkOpen() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.phase {
	case phaseOpen:
		return nil
	case phaseAborted:
		return ErrAborted.New(t.id)
	}
	return ErrClosed.New(t.id)
}

// touch returns the latest version of key as first seen by this
// transaction, fetching it on first use.
func (t *Transaction) touch(ctx context.Context, key asset.Key) (*asset.Asset, error) {
	if v, ok := t.base[key]; ok {
		return v, nil
	}
	latest, err := t.store.Latest(ctx, key)
	if err != nil {
		return nil, err
	}
	t.base[key] = latest
	return latest, nil
}

func nextAge(latest *asset.Asset) uint64 {
	if latest == nil {
		return 0
	}
	return latest.Age + 1
}

// Get returns the current version of key, or nil if the asset does not
// exist. A key with a buffered write returns the pending version: buffered
// data at the age it will be committed with, without a hash. Repeated Gets
// of the same key return the same version.
func (t *Transaction) Get(ctx context.Context, key asset.Key) (*asset.Asset, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	latest, err := t.touch(ctx, key)
	if err != nil {
		return nil, err
	}
	if data, ok := t.writes.Get(key); ok {
		return &asset.Asset{Key: key, Age: nextAge(latest), Data: bytes.Clone(data)}, nil
	}
	if latest == nil {
		t.reads.Add(key, nil)
		return nil, nil
	}
	age := latest.Age
	t.reads.Add(key, &age)
	return latest.Clone(), nil
}

// Scan returns the committed versions of f.Key selected by f. Versions
// committed by other transactions after this one first touched the key are
// not returned; buffered writes are never returned. Every returned age is
// added to the read set.
func (t *Transaction) Scan(ctx context.Context, f asset.Filter) ([]*asset.Asset, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	latest, err := t.touch(ctx, f.Key)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return []*asset.Asset{}, nil
	}
	// Clamp to the pinned head so concurrent commits cannot leak in.
	if !f.HasEnd || f.EndAge > latest.Age {
		f = f.WithEnd(latest.Age, true)
	}
	records, err := t.store.Scan(ctx, f)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		age := r.Age
		t.reads.Add(r.Key, &age)
	}
	return records, nil
}

// Put buffers data as the next version of key. data is canonicalized.
func (t *Transaction) Put(ctx context.Context, key asset.Key, data json.RawMessage) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if err := key.Validate(); err != nil {
		return err
	}
	canonical, err := asset.Canonicalize(data)
	if err != nil {
		return err
	}
	if _, err := t.touch(ctx, key); err != nil {
		return err
	}
	t.writes.Put(key, canonical)
	return nil
}

// records builds the hashed versions the write set commits to.
func (t *Transaction) records() ([]*asset.Asset, error) {
	input, err := t.reads.Input()
	if err != nil {
		return nil, err
	}
	out := make([]*asset.Asset, 0, t.writes.Len())
	for _, key := range t.writes.Keys() {
		data, _ := t.writes.Get(key)
		prev := t.base[key]
		rec := &asset.Asset{
			Key:        key,
			Age:        nextAge(prev),
			Data:       data,
			Input:      input,
			ContractID: t.req.ContractID,
			Argument:   t.req.Argument,
			Signature:  t.req.Signature,
		}
		if prev != nil {
			rec.PrevHash = bytes.Clone(prev.Hash)
		}
		if rec.Hash, err = rec.ComputeHash(); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
