package store

import (
	"fmt"

	"github.com/jmerrifield20/assetledger/internal/asset"
)

// Validate checks the batch shape every backend relies on: a transaction
// id, at most one record per key, and well-formed keys.
func (b *Batch) Validate() error {
	if b == nil || b.TxID == "" {
		return ErrDatabase.New("batch requires a transaction id")
	}
	seen := make(map[asset.Key]struct{}, len(b.Records))
	for _, r := range b.Records {
		if err := r.Key.Validate(); err != nil {
			return err
		}
		if _, dup := seen[r.Key]; dup {
			return ErrDatabase.New(fmt.Sprintf("batch writes %s twice", r.Key))
		}
		seen[r.Key] = struct{}{}
	}
	return nil
}

// expectedAge is the age a new record must carry given the latest stored
// version (nil when the asset has none).
func expectedAge(latest *asset.Asset) uint64 {
	if latest == nil {
		return 0
	}
	return latest.Age + 1
}

func staleAge(b *Batch, r *asset.Asset, want uint64) error {
	return ErrAborted.New(b.TxID, fmt.Sprintf("%s expects age %d, batch writes age %d", r.Key, want, r.Age))
}
