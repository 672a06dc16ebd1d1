package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"

	"github.com/jmerrifield20/assetledger/internal/asset"
)

const (
	defaultGCInterval     = 5 * time.Minute
	defaultGCDiscardRatio = 0.5
)

// Key prefixes. Asset and head keys embed NUL separators, which
// asset.Key.Validate keeps out of namespaces and ids.
const (
	prefixAsset    = 'a'
	prefixHead     = 'h'
	prefixTxState  = 't'
	prefixRegistry = 'r'
)

// BadgerStore is an embedded Store on top of badger's optimistic
// transactions. Every Apply reads the head pointer of each key it extends,
// so two batches extending the same predecessor collide at commit with
// badger.ErrConflict.
type BadgerStore struct {
	db            *badger.DB
	logger        *zap.Logger
	cancelCleaner context.CancelFunc
}

// NewBadger opens (or creates) a badger database at path. An empty path
// opens an in-memory instance.
func NewBadger(path string, logger *zap.Logger) (*BadgerStore, error) {
	opt := badger.DefaultOptions(path).WithLogger(badgerLogger{logger.Sugar()})
	if path == "" {
		opt = opt.WithInMemory(true)
	}
	db, err := badger.Open(opt)
	if err != nil {
		return nil, ErrDatabase.Wrap(err, fmt.Sprintf("open badger at %q", path))
	}
	s := &BadgerStore{db: db, logger: logger}
	if path != "" {
		s.cancelCleaner = s.autoCleaner(defaultGCInterval, defaultGCDiscardRatio)
	}
	return s, nil
}

// autoCleaner runs value-log garbage collection periodically while the
// database is open.
func (s *BadgerStore) autoCleaner(interval time.Duration, ratio float64) context.CancelFunc {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if s.db.IsClosed() {
					return
				}
				err := s.db.RunValueLogGC(ratio)
				switch {
				case err == nil, errors.Is(err, badger.ErrNoRewrite):
				case errors.Is(err, badger.ErrRejected):
					s.logger.Warn("badger value log GC rejected")
				default:
					s.logger.Warn("badger value log GC failed", zap.Error(err))
				}
			}
		}
	}()
	return cancel
}

func assetPrefix(k asset.Key) []byte {
	b := make([]byte, 0, len(k.Namespace)+len(k.ID)+3)
	b = append(b, prefixAsset)
	b = append(b, k.Namespace...)
	b = append(b, 0)
	b = append(b, k.ID...)
	return append(b, 0)
}

func assetKey(k asset.Key, age uint64) []byte {
	return binary.BigEndian.AppendUint64(assetPrefix(k), age)
}

func headKey(k asset.Key) []byte {
	b := assetPrefix(k)
	b[0] = prefixHead
	return b
}

func txStateKey(txID string) []byte { return append([]byte{prefixTxState}, txID...) }

func registryPrefix(kind string) []byte {
	return append(append([]byte{prefixRegistry}, kind...), 0)
}

func registryKey(kind, key string) []byte { return append(registryPrefix(kind), key...) }

// head returns the latest age of k inside txn; ok is false when k has no versions.
func head(txn *badger.Txn, k asset.Key) (age uint64, ok bool, err error) {
	item, err := txn.Get(headKey(k))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	err = item.Value(func(v []byte) error {
		if len(v) != 8 {
			return fmt.Errorf("corrupt head pointer for %s", k)
		}
		age = binary.BigEndian.Uint64(v)
		return nil
	})
	return age, err == nil, err
}

// encodeRecord marshals without HTML escaping so the raw JSON fields are
// stored byte-for-byte as they were hashed.
func encodeRecord(a *asset.Asset) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(a); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeAsset(item *badger.Item) (*asset.Asset, error) {
	var a asset.Asset
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &a) }); err != nil {
		return nil, err
	}
	return &a, nil
}

// Latest implements Store.
func (s *BadgerStore) Latest(_ context.Context, key asset.Key) (*asset.Asset, error) {
	var out *asset.Asset
	err := s.db.View(func(txn *badger.Txn) error {
		age, ok, err := head(txn, key)
		if err != nil || !ok {
			return err
		}
		item, err := txn.Get(assetKey(key, age))
		if err != nil {
			return err
		}
		out, err = decodeAsset(item)
		return err
	})
	if err != nil {
		return nil, ErrDatabase.Wrap(err, fmt.Sprintf("latest %s", key))
	}
	return out, nil
}

// Scan implements Store.
func (s *BadgerStore) Scan(_ context.Context, f asset.Filter) ([]*asset.Asset, error) {
	out := []*asset.Asset{}
	lo, hi, ok := f.Bounds()
	if !ok {
		return out, nil
	}
	prefix := assetPrefix(f.Key)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = f.Order == asset.Descending
		it := txn.NewIterator(opts)
		defer it.Close()

		start := assetKey(f.Key, lo)
		if opts.Reverse {
			start = assetKey(f.Key, hi)
		}
		for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
			age := binary.BigEndian.Uint64(it.Item().Key()[len(prefix):])
			if age < lo || age > hi {
				break
			}
			a, err := decodeAsset(it.Item())
			if err != nil {
				return err
			}
			out = append(out, a)
			if f.Limit > 0 && len(out) == f.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, ErrDatabase.Wrap(err, fmt.Sprintf("scan %s", f.Key))
	}
	return out, nil
}

// Apply implements Store.
func (s *BadgerStore) Apply(ctx context.Context, b *Batch) error {
	if err := b.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return ErrDatabase.Wrap(err, fmt.Sprintf("apply %s", b.TxID))
	}

	txn := s.db.NewTransaction(true)
	defer txn.Discard()

	if _, err := txn.Get(txStateKey(b.TxID)); err == nil {
		return ErrDuplicateTx.New(b.TxID)
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return ErrDatabase.Wrap(err, fmt.Sprintf("apply %s", b.TxID))
	}

	for _, r := range b.Records {
		age, ok, err := head(txn, r.Key)
		if err != nil {
			return ErrDatabase.Wrap(err, fmt.Sprintf("apply %s", b.TxID))
		}
		want := uint64(0)
		if ok {
			want = age + 1
		}
		if r.Age != want {
			return staleAge(b, r, want)
		}
		raw, err := encodeRecord(r)
		if err != nil {
			return ErrDatabase.Wrap(err, fmt.Sprintf("encode %s", r.Key))
		}
		if err := txn.Set(assetKey(r.Key, r.Age), raw); err != nil {
			return ErrDatabase.Wrap(err, fmt.Sprintf("apply %s", b.TxID))
		}
		if err := txn.Set(headKey(r.Key), binary.BigEndian.AppendUint64(nil, r.Age)); err != nil {
			return ErrDatabase.Wrap(err, fmt.Sprintf("apply %s", b.TxID))
		}
	}
	if err := txn.Set(txStateKey(b.TxID), []byte{byte(StateCommitted)}); err != nil {
		return ErrDatabase.Wrap(err, fmt.Sprintf("apply %s", b.TxID))
	}

	if err := txn.Commit(); err != nil {
		if errors.Is(err, badger.ErrConflict) {
			return ErrAborted.Wrap(err, b.TxID, "conflicting concurrent commit")
		}
		s.logger.Warn("commit outcome unknown", zap.String("tx_id", b.TxID), zap.Error(err))
		return ErrUnknown.Wrap(err, b.TxID)
	}
	return nil
}

func readState(txn *badger.Txn, txID string) (TxState, bool, error) {
	item, err := txn.Get(txStateKey(txID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return StateUnknown, false, nil
	}
	if err != nil {
		return StateUnknown, false, err
	}
	var st TxState
	err = item.Value(func(v []byte) error {
		if len(v) != 1 {
			return fmt.Errorf("corrupt state for %s", txID)
		}
		st = TxState(v[0])
		return nil
	})
	return st, err == nil, err
}

// State implements Store.
func (s *BadgerStore) State(_ context.Context, txID string) (TxState, error) {
	var (
		st    TxState
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		st, found, err = readState(txn, txID)
		return err
	})
	if err != nil {
		return StateUnknown, ErrDatabase.Wrap(err, fmt.Sprintf("state %s", txID))
	}
	if !found {
		return StateUnknown, ErrTxNotFound.New(txID)
	}
	return st, nil
}

// PutStateIfAbsent implements Store. A conflict with a concurrent Apply of
// the same id is retried once the winner is visible.
func (s *BadgerStore) PutStateIfAbsent(ctx context.Context, txID string, st TxState) (TxState, error) {
	for {
		var stored TxState
		err := s.db.Update(func(txn *badger.Txn) error {
			cur, found, err := readState(txn, txID)
			if err != nil {
				return err
			}
			if found {
				stored = cur
				return nil
			}
			stored = st
			return txn.Set(txStateKey(txID), []byte{byte(st)})
		})
		if errors.Is(err, badger.ErrConflict) {
			if ctx.Err() != nil {
				return StateUnknown, ErrDatabase.Wrap(ctx.Err(), fmt.Sprintf("put state %s", txID))
			}
			continue
		}
		if err != nil {
			return StateUnknown, ErrDatabase.Wrap(err, fmt.Sprintf("put state %s", txID))
		}
		return stored, nil
	}
}

// Register implements Store.
func (s *BadgerStore) Register(_ context.Context, kind, key string, value []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(registryKey(kind, key)); err == nil {
			return ErrAlreadyRegistered.New(kind, key)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		raw, err := json.Marshal(Entry{Kind: kind, Key: key, Value: value, CreatedAt: time.Now().UTC()})
		if err != nil {
			return err
		}
		return txn.Set(registryKey(kind, key), raw)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrAlreadyRegistered):
		return err
	case errors.Is(err, badger.ErrConflict):
		return ErrAlreadyRegistered.New(kind, key)
	}
	return ErrDatabase.Wrap(err, fmt.Sprintf("register %s %s", kind, key))
}

// Lookup implements Store.
func (s *BadgerStore) Lookup(_ context.Context, kind, key string) ([]byte, error) {
	var e Entry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(registryKey(kind, key))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error { return json.Unmarshal(v, &e) })
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotRegistered.New(kind, key)
	}
	if err != nil {
		return nil, ErrDatabase.Wrap(err, fmt.Sprintf("lookup %s %s", kind, key))
	}
	return e.Value, nil
}

// List implements Store.
func (s *BadgerStore) List(_ context.Context, kind string) ([]Entry, error) {
	out := []Entry{}
	prefix := registryPrefix(kind)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			var e Entry
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &e) }); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, ErrDatabase.Wrap(err, fmt.Sprintf("list %s", kind))
	}
	return out, nil
}

// Close implements Store.
func (s *BadgerStore) Close() error {
	if s.cancelCleaner != nil {
		s.cancelCleaner()
	}
	if err := s.db.Close(); err != nil {
		return ErrDatabase.Wrap(err, "close badger")
	}
	return nil
}

// badgerLogger routes badger's internal logging through zap.
type badgerLogger struct{ s *zap.SugaredLogger }

func (l badgerLogger) Errorf(f string, args ...any)   { l.s.Errorf(f, args...) }
func (l badgerLogger) Warningf(f string, args ...any) { l.s.Warnf(f, args...) }
func (l badgerLogger) Infof(f string, args ...any)    { l.s.Debugf(f, args...) }
func (l badgerLogger) Debugf(f string, args ...any)   { l.s.Debugf(f, args...) }
