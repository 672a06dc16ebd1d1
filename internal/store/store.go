package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmerrifield20/assetledger/internal/asset"
)

// TxState is the resolved outcome of a transaction id.
type TxState int

const (
	StateUnknown TxState = iota
	StateCommitted
	StateAborted
)

func (s TxState) String() string {
	switch s {
	case StateCommitted:
		return "COMMITTED"
	case StateAborted:
		return "ABORTED"
	}
	return "UNKNOWN"
}

// ParseTxState is the inverse of TxState.String.
func ParseTxState(s string) (TxState, error) {
	switch strings.ToUpper(s) {
	case "COMMITTED":
		return StateCommitted, nil
	case "ABORTED":
		return StateAborted, nil
	case "UNKNOWN":
		return StateUnknown, nil
	}
	return StateUnknown, fmt.Errorf("unknown transaction state %q", s)
}

// Registry kinds.
const (
	KindContract    = "contract"
	KindCertificate = "certificate"
	KindSecret      = "secret"

	// KindEntity maps an entity id to the key kind it signs with.
	KindEntity = "entity"
)

// Batch is the atomic unit handed to Apply: every record of one committed
// transaction. Each record's Age must be exactly one above the asset's
// current latest age (0 for an asset with no versions).
type Batch struct {
	TxID    string
	Records []*asset.Asset
}

// Entry is one registry row.
type Entry struct {
	Kind      string    `json:"kind"`
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the underlying transactional store the ledger commits into.
//
// Apply is atomic: either every record and the COMMITTED state of
// b.TxID become durable, or nothing does. It returns
//   - nil when the store confirms the commit,
//   - an error matching ErrDuplicateTx when b.TxID already has a state,
//   - an error matching ErrAborted when the store rejected the batch
//     (a predecessor age moved, a storage-level conflict),
//   - an error matching ErrUnknown when communication failed after the
//     commit may have been sent,
//   - an error matching ErrDatabase for failures before anything was sent.
type Store interface {
	// Latest returns the highest-age version of key, or nil if none exists.
	Latest(ctx context.Context, key asset.Key) (*asset.Asset, error)

	// Scan returns the versions selected by f in f's order.
	Scan(ctx context.Context, f asset.Filter) ([]*asset.Asset, error)

	Apply(ctx context.Context, b *Batch) error

	// State returns the recorded state of txID, or ErrTxNotFound.
	State(ctx context.Context, txID string) (TxState, error)

	// PutStateIfAbsent records st for txID unless a state already exists,
	// and returns whichever state is stored afterwards.
	PutStateIfAbsent(ctx context.Context, txID string, st TxState) (TxState, error)

	// Register inserts a registry entry; ErrAlreadyRegistered if kind/key exists.
	Register(ctx context.Context, kind, key string, value []byte) error

	// Lookup returns a registry value or ErrNotRegistered.
	Lookup(ctx context.Context, kind, key string) ([]byte, error)

	// List returns every entry of kind, ordered by key.
	List(ctx context.Context, kind string) ([]Entry, error)

	Close() error
}
