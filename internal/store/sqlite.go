package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"modernc.org/sqlite"

	"github.com/jmerrifield20/assetledger/internal/asset"
)

// SQLite result codes that mean the write was rejected, not lost.
var sqliteRejected = map[int]string{
	1555: "primary key violation",
	2067: "unique constraint violation",
	5:    "database busy",
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS assets (
    namespace   TEXT    NOT NULL,
    id          TEXT    NOT NULL,
    age         INTEGER NOT NULL CHECK (age >= 0),
    data        BLOB    NOT NULL,
    input       BLOB    NOT NULL,
    contract_id TEXT    NOT NULL,
    argument    BLOB    NOT NULL,
    signature   BLOB    NOT NULL,
    hash        BLOB    NOT NULL,
    prev_hash   BLOB,
    tx_id       TEXT    NOT NULL,
    PRIMARY KEY (namespace, id, age)
);
CREATE TABLE IF NOT EXISTS tx_states (
    tx_id TEXT PRIMARY KEY,
    state TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS registry (
    kind       TEXT    NOT NULL,
    key        TEXT    NOT NULL,
    value      BLOB    NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (kind, key)
);`

// SQLiteStore is a single-file embedded Store. All access goes through one
// connection, so SQLite's writer lock is the serialization point.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLite opens the database file at path, creating it and its schema if
// needed. ":memory:" opens a private in-memory database.
func NewSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLiteStore, error) {
	dsn := "file::memory:?_pragma=busy_timeout(5000)"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, ErrDatabase.Wrap(err, "create sqlite directory")
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", filepath.Clean(path))
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, ErrDatabase.Wrap(err, "open sqlite")
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, ErrDatabase.Wrap(err, "ping sqlite")
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, ErrDatabase.Wrap(err, "create sqlite schema")
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

// Latest implements Store.
func (s *SQLiteStore) Latest(ctx context.Context, key asset.Key) (*asset.Asset, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+assetColumns+` FROM assets
		 WHERE namespace = ? AND id = ? ORDER BY age DESC LIMIT 1`,
		key.Namespace, key.ID)
	a, err := scanAsset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, ErrDatabase.Wrap(err, fmt.Sprintf("latest %s", key))
	}
	return a, nil
}

// Scan implements Store.
func (s *SQLiteStore) Scan(ctx context.Context, f asset.Filter) ([]*asset.Asset, error) {
	out := []*asset.Asset{}
	lo, hi, ok := f.Bounds()
	if !ok || lo > math.MaxInt64 {
		return out, nil
	}
	hi = min(hi, math.MaxInt64)
	order := "ASC"
	if f.Order == asset.Descending {
		order = "DESC"
	}
	limit := -1
	if f.Limit > 0 {
		limit = f.Limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+assetColumns+` FROM assets
		 WHERE namespace = ? AND id = ? AND age BETWEEN ? AND ?
		 ORDER BY age `+order+` LIMIT ?`,
		f.Key.Namespace, f.Key.ID, int64(lo), int64(hi), limit)
	if err != nil {
		return nil, ErrDatabase.Wrap(err, fmt.Sprintf("scan %s", f.Key))
	}
	defer rows.Close()
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, ErrDatabase.Wrap(err, fmt.Sprintf("scan %s", f.Key))
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, ErrDatabase.Wrap(err, fmt.Sprintf("scan %s", f.Key))
	}
	return out, nil
}

// Apply implements Store.
func (s *SQLiteStore) Apply(ctx context.Context, b *Batch) error {
	if err := b.Validate(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ErrDatabase.Wrap(err, "begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM tx_states WHERE tx_id = ?`, b.TxID).Scan(&exists)
	if err == nil {
		return ErrDuplicateTx.New(b.TxID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return s.classify(b, err)
	}

	for _, r := range b.Records {
		var latest sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT max(age) FROM assets WHERE namespace = ? AND id = ?`,
			r.Key.Namespace, r.Key.ID,
		).Scan(&latest); err != nil {
			return s.classify(b, err)
		}
		want := uint64(0)
		if latest.Valid {
			want = uint64(latest.Int64) + 1
		}
		if r.Age != want {
			return staleAge(b, r, want)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO assets (`+assetColumns+`, tx_id) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.Key.Namespace, r.Key.ID, int64(r.Age),
			[]byte(r.Data), []byte(r.Input), r.ContractID, []byte(r.Argument),
			r.Signature, r.Hash, nullable(r.PrevHash), b.TxID,
		); err != nil {
			return s.classify(b, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tx_states (tx_id, state) VALUES (?, ?)`, b.TxID, StateCommitted.String(),
	); err != nil {
		return s.classify(b, err)
	}

	if err := tx.Commit(); err != nil {
		var sqlErr *sqlite.Error
		if errors.As(err, &sqlErr) {
			return ErrAborted.Wrap(err, b.TxID, "commit rejected")
		}
		s.logger.Warn("commit outcome unknown", zap.String("tx_id", b.TxID), zap.Error(err))
		return ErrUnknown.Wrap(err, b.TxID)
	}
	return nil
}

func (s *SQLiteStore) classify(b *Batch, err error) error {
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		if reason, ok := sqliteRejected[sqlErr.Code()]; ok {
			return ErrAborted.Wrap(err, b.TxID, reason)
		}
		s.logger.Warn("unmapped sqlite error", zap.Int("code", sqlErr.Code()))
	}
	return ErrDatabase.Wrap(err, fmt.Sprintf("apply %s", b.TxID))
}

// State implements Store.
func (s *SQLiteStore) State(ctx context.Context, txID string) (TxState, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM tx_states WHERE tx_id = ?`, txID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return StateUnknown, ErrTxNotFound.New(txID)
	}
	if err != nil {
		return StateUnknown, ErrDatabase.Wrap(err, fmt.Sprintf("state %s", txID))
	}
	return ParseTxState(raw)
}

// PutStateIfAbsent implements Store.
func (s *SQLiteStore) PutStateIfAbsent(ctx context.Context, txID string, st TxState) (TxState, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO tx_states (tx_id, state) VALUES (?, ?) ON CONFLICT (tx_id) DO NOTHING`,
		txID, st.String(),
	); err != nil {
		return StateUnknown, ErrDatabase.Wrap(err, fmt.Sprintf("put state %s", txID))
	}
	return s.State(ctx, txID)
}

// Register implements Store.
func (s *SQLiteStore) Register(ctx context.Context, kind, key string, value []byte) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO registry (kind, key, value, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (kind, key) DO NOTHING`,
		kind, key, value, time.Now().UTC().UnixNano())
	if err != nil {
		return ErrDatabase.Wrap(err, fmt.Sprintf("register %s %s", kind, key))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyRegistered.New(kind, key)
	}
	return nil
}

// Lookup implements Store.
func (s *SQLiteStore) Lookup(ctx context.Context, kind, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM registry WHERE kind = ? AND key = ?`, kind, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotRegistered.New(kind, key)
	}
	if err != nil {
		return nil, ErrDatabase.Wrap(err, fmt.Sprintf("lookup %s %s", kind, key))
	}
	return value, nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, kind string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, key, value, created_at FROM registry WHERE kind = ? ORDER BY key`, kind)
	if err != nil {
		return nil, ErrDatabase.Wrap(err, fmt.Sprintf("list %s", kind))
	}
	defer rows.Close()
	out := []Entry{}
	for rows.Next() {
		var (
			e  Entry
			ts int64
		)
		if err := rows.Scan(&e.Kind, &e.Key, &e.Value, &ts); err != nil {
			return nil, ErrDatabase.Wrap(err, fmt.Sprintf("list %s", kind))
		}
		e.CreatedAt = time.Unix(0, ts).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, ErrDatabase.Wrap(err, fmt.Sprintf("list %s", kind))
	}
	return out, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return ErrDatabase.Wrap(err, "close sqlite")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAsset(row rowScanner) (*asset.Asset, error) {
	var (
		a                     asset.Asset
		age                   int64
		data, input, argument []byte
	)
	if err := row.Scan(
		&a.Key.Namespace, &a.Key.ID, &age,
		&data, &input, &a.ContractID, &argument,
		&a.Signature, &a.Hash, &a.PrevHash,
	); err != nil {
		return nil, err
	}
	a.Age = uint64(age)
	a.Data, a.Input, a.Argument = data, input, argument
	return &a, nil
}
