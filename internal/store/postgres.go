package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jmerrifield20/assetledger/internal/asset"
)

// PostgreSQL error codes that mean the server rejected the transaction.
const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

const assetColumns = `namespace, id, age, data, input, contract_id, argument, signature, hash, prev_hash`

// PostgresStore persists assets, transaction states and registry entries in
// PostgreSQL. The schema lives in migrations/.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres creates a PostgresStore backed by the given connection pool.
func NewPostgres(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// Latest implements Store.
func (s *PostgresStore) Latest(ctx context.Context, key asset.Key) (*asset.Asset, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+assetColumns+` FROM assets
		 WHERE namespace = $1 AND id = $2 ORDER BY age DESC LIMIT 1`,
		key.Namespace, key.ID)
	a, err := scanAsset(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, ErrDatabase.Wrap(err, fmt.Sprintf("latest %s", key))
	}
	return a, nil
}

// Scan implements Store.
func (s *PostgresStore) Scan(ctx context.Context, f asset.Filter) ([]*asset.Asset, error) {
	lo, hi, ok := f.Bounds()
	if !ok || lo > math.MaxInt64 {
		return []*asset.Asset{}, nil
	}
	if hi > math.MaxInt64 {
		hi = math.MaxInt64
	}
	order := "ASC"
	if f.Order == asset.Descending {
		order = "DESC"
	}
	var sb strings.Builder
	sb.WriteString(`SELECT ` + assetColumns + ` FROM assets
		 WHERE namespace = $1 AND id = $2 AND age BETWEEN $3 AND $4 ORDER BY age ` + order)
	args := []any{f.Key.Namespace, f.Key.ID, int64(lo), int64(hi)}
	if f.Limit > 0 {
		sb.WriteString(" LIMIT $5")
		args = append(args, f.Limit)
	}

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, ErrDatabase.Wrap(err, fmt.Sprintf("scan %s", f.Key))
	}
	defer rows.Close()

	out := []*asset.Asset{}
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

// Apply implements Store. The COMMITTED state row is inserted first so a
// reused transaction id fails before any asset row is touched; the
// (namespace, id, age) primary key rejects a batch whose predecessor moved
// between the age check and the insert.
func (s *PostgresStore) Apply(ctx context.Context, b *Batch) error {
	if err := b.Validate(); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ErrDatabase.Wrap(err, "begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`INSERT INTO tx_states (tx_id, state) VALUES ($1, $2) ON CONFLICT (tx_id) DO NOTHING`,
		b.TxID, StateCommitted.String())
	if err != nil {
		return s.classify(b, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateTx.New(b.TxID)
	}

	for _, r := range b.Records {
		var latest *int64
		if err := tx.QueryRow(ctx,
			`SELECT max(age) FROM assets WHERE namespace = $1 AND id = $2`,
			r.Key.Namespace, r.Key.ID,
		).Scan(&latest); err != nil {
			return s.classify(b, err)
		}
		want := uint64(0)
		if latest != nil {
			want = uint64(*latest) + 1
		}
		if r.Age != want {
			return staleAge(b, r, want)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO assets (`+assetColumns+`, tx_id)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			r.Key.Namespace, r.Key.ID, int64(r.Age),
			[]byte(r.Data), []byte(r.Input), r.ContractID, []byte(r.Argument),
			r.Signature, r.Hash, nullable(r.PrevHash), b.TxID,
		); err != nil {
			return s.classify(b, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) || errors.Is(err, pgx.ErrTxCommitRollback) {
			return ErrAborted.Wrap(err, b.TxID, "commit rejected")
		}
		s.logger.Warn("commit outcome unknown", zap.String("tx_id", b.TxID), zap.Error(err))
		return ErrUnknown.Wrap(err, b.TxID)
	}

	s.logger.Debug("batch applied",
		zap.String("tx_id", b.TxID),
		zap.Int("records", len(b.Records)),
	)
	return nil
}

// classify maps an error raised before COMMIT was sent. The server rolls the
// transaction back in every case, so nothing is ever UNKNOWN here.
func (s *PostgresStore) classify(b *Batch, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation, pgSerializationFailure, pgDeadlockDetected:
			return ErrAborted.Wrap(err, b.TxID, pgErr.Message)
		}
	}
	return ErrDatabase.Wrap(err, fmt.Sprintf("apply %s", b.TxID))
}

// State implements Store.
func (s *PostgresStore) State(ctx context.Context, txID string) (TxState, error) {
	var raw string
	err := s.pool.QueryRow(ctx, `SELECT state FROM tx_states WHERE tx_id = $1`, txID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return StateUnknown, ErrTxNotFound.New(txID)
	}
	if err != nil {
		return StateUnknown, ErrDatabase.Wrap(err, fmt.Sprintf("state %s", txID))
	}
	return ParseTxState(raw)
}

// PutStateIfAbsent implements Store.
func (s *PostgresStore) PutStateIfAbsent(ctx context.Context, txID string, st TxState) (TxState, error) {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO tx_states (tx_id, state) VALUES ($1, $2) ON CONFLICT (tx_id) DO NOTHING`,
		txID, st.String(),
	); err != nil {
		return StateUnknown, ErrDatabase.Wrap(err, fmt.Sprintf("put state %s", txID))
	}
	return s.State(ctx, txID)
}

// Register implements Store.
func (s *PostgresStore) Register(ctx context.Context, kind, key string, value []byte) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO registry (kind, key, value) VALUES ($1, $2, $3) ON CONFLICT (kind, key) DO NOTHING`,
		kind, key, value)
	if err != nil {
		return ErrDatabase.Wrap(err, fmt.Sprintf("register %s %s", kind, key))
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyRegistered.New(kind, key)
	}
	return nil
}

// Lookup implements Store.
func (s *PostgresStore) Lookup(ctx context.Context, kind, key string) ([]byte, error) {
	var value []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM registry WHERE kind = $1 AND key = $2`, kind, key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotRegistered.New(kind, key)
	}
	if err != nil {
		return nil, ErrDatabase.Wrap(err, fmt.Sprintf("lookup %s %s", kind, key))
	}
	return value, nil
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context, kind string) ([]Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT kind, key, value, created_at FROM registry WHERE kind = $1 ORDER BY key`, kind)
	if err != nil {
		return nil, ErrDatabase.Wrap(err, fmt.Sprintf("list %s", kind))
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var e Entry
		err := row.Scan(&e.Kind, &e.Key, &e.Value, &e.CreatedAt)
		return e, err
	})
	if err != nil {
		return nil, ErrDatabase.Wrap(err, fmt.Sprintf("list %s", kind))
	}
	return entries, nil
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func nullable(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
