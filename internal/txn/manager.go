package txn

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/assetledger/internal/asset"
	"github.com/jmerrifield20/assetledger/internal/store"
)

// Receipt describes a committed transaction.
type Receipt struct {
	TxID    string
	State   store.TxState
	Records []*asset.Asset
}

// Proofs returns the proof of every record written, in write order.
func (r *Receipt) Proofs() []asset.Proof {
	out := make([]asset.Proof, len(r.Records))
	for i, rec := range r.Records {
		out[i] = rec.Proof()
	}
	return out
}

// Backoff bounds the delay between conflict retries.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultBackoff doubles from 10ms up to 500ms.
var DefaultBackoff = Backoff{Initial: 10 * time.Millisecond, Max: 500 * time.Millisecond}

// Delay returns the wait before retry number attempt, counting from 0.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Initial
	for i := 0; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	return min(d, b.Max)
}

// Observer is notified of every commit outcome. The ledger service uses it
// for metrics.
type Observer interface {
	Committed(txID string, records int)
	Conflicted(txID string)
	Aborted(txID string)
	Unknown(txID string)
}

// Manager opens transactions over a Store and runs the commit protocol.
type Manager struct {
	store    store.Store
	logger   *zap.Logger
	backoff  Backoff
	observer Observer

	mu   sync.Mutex
	open map[string]*Transaction
}

// NewManager creates a Manager committing into s.
func NewManager(s store.Store, logger *zap.Logger) *Manager {
	return &Manager{
		store:   s,
		logger:  logger,
		backoff: DefaultBackoff,
		open:    make(map[string]*Transaction),
	}
}

// SetBackoff replaces the retry backoff.
func (m *Manager) SetBackoff(b Backoff) { m.backoff = b }

// SetObserver attaches an outcome observer.
func (m *Manager) SetObserver(o Observer) { m.observer = o }

// Begin opens a transaction for req. A nonce whose transaction already has
// a recorded state, or is open in this process, is rejected.
func (m *Manager) Begin(ctx context.Context, req Request) (*Transaction, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	id := TxID(req.EntityID, req.Nonce)

	if _, err := m.store.State(ctx, id); err == nil {
		return nil, ErrNonceUsed.New(req.Nonce, req.EntityID)
	} else if !errors.Is(err, store.ErrTxNotFound) {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.open[id]; busy {
		return nil, ErrNonceUsed.New(req.Nonce, req.EntityID)
	}
	tx := newTransaction(id, req, m.store)
	m.open[id] = tx
	return tx, nil
}

// Discard closes tx without committing. Nothing is recorded, so the same
// nonce may be submitted again.
func (m *Manager) Discard(tx *Transaction) {
	tx.mu.Lock()
	if tx.phase == phaseOpen {
		tx.phase = phaseDone
	}
	tx.mu.Unlock()
	m.release(tx)
}

func (m *Manager) release(tx *Transaction) {
	m.mu.Lock()
	if m.open[tx.id] == tx {
		delete(m.open, tx.id)
	}
	m.mu.Unlock()
}

// Commit validates tx's reads against the store and applies its writes
// atomically. It returns a *ConflictError when a touched key moved, an
// ErrAborted-class error when the store rejected the batch, and an
// ErrUnknownStatus error when the outcome cannot be known; in the last case
// State resolves it later.
func (m *Manager) Commit(ctx context.Context, tx *Transaction) (*Receipt, error) {
	tx.mu.Lock()
	switch tx.phase {
	case phaseAborted:
		tx.mu.Unlock()
		return nil, ErrAborted.New(tx.id)
	case phaseCommitting, phaseDone:
		tx.mu.Unlock()
		return nil, ErrClosed.New(tx.id)
	}
	tx.phase = phaseCommitting
	tx.mu.Unlock()

	defer func() {
		tx.mu.Lock()
		tx.phase = phaseDone
		tx.mu.Unlock()
		m.release(tx)
	}()

	if err := m.validate(ctx, tx); err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			m.notify(func(o Observer) { o.Conflicted(tx.id) })
		}
		return nil, err
	}

	records, err := tx.records()
	if err != nil {
		return nil, err
	}

	err = m.store.Apply(ctx, &store.Batch{TxID: tx.id, Records: records})
	switch {
	case err == nil:
		m.logger.Debug("transaction committed",
			zap.String("tx_id", tx.id),
			zap.String("contract", tx.req.ContractID),
			zap.Int("records", len(records)),
		)
		m.notify(func(o Observer) { o.Committed(tx.id, len(records)) })
		return &Receipt{TxID: tx.id, State: store.StateCommitted, Records: records}, nil
	case errors.Is(err, store.ErrDuplicateTx):
		return nil, ErrNonceUsed.New(tx.req.Nonce, tx.req.EntityID)
	case errors.Is(err, store.ErrAborted):
		m.notify(func(o Observer) { o.Aborted(tx.id) })
		return nil, err
	case errors.Is(err, store.ErrUnknown):
		m.logger.Warn("transaction outcome unknown", zap.String("tx_id", tx.id), zap.Error(err))
		m.notify(func(o Observer) { o.Unknown(tx.id) })
		return nil, ErrUnknownStatus.Wrap(err, tx.id)
	}
	return nil, err
}

// validate re-reads the latest age of every touched key.
func (m *Manager) validate(ctx context.Context, tx *Transaction) error {
	diverged := make(map[asset.Key]int64)
	for key, seen := range tx.base {
		cur, err := m.store.Latest(ctx, key)
		if err != nil {
			return err
		}
		if ageOf(cur) != ageOf(seen) {
			diverged[key] = ageOf(cur)
		}
	}
	if len(diverged) > 0 {
		return &ConflictError{TxID: tx.id, Diverged: diverged}
	}
	return nil
}

func ageOf(a *asset.Asset) int64 {
	if a == nil {
		return -1
	}
	return int64(a.Age)
}

// Abort cancels the transaction of (entityID, nonce). An open transaction
// is aborted only if its commit has not started. A nonce never seen is
// fenced as ABORTED so it can no longer commit. Aborting an already aborted
// transaction succeeds.
func (m *Manager) Abort(ctx context.Context, entityID, nonce string) error {
	id := TxID(entityID, nonce)

	m.mu.Lock()
	tx, open := m.open[id]
	m.mu.Unlock()
	if open {
		tx.mu.Lock()
		if tx.phase != phaseOpen {
			tx.mu.Unlock()
			return ErrAbortRejected.New(id, "commit already attempted")
		}
		tx.phase = phaseAborted
		tx.mu.Unlock()
		m.release(tx)
	}

	st, err := m.store.PutStateIfAbsent(ctx, id, store.StateAborted)
	if err != nil {
		return err
	}
	if st == store.StateCommitted {
		return ErrAbortRejected.New(id, "already committed")
	}
	m.logger.Info("transaction aborted", zap.String("tx_id", id))
	m.notify(func(o Observer) { o.Aborted(id) })
	return nil
}

// State returns the resolved state of txID. A transaction still executing or
// committing in this process is UNKNOWN. Otherwise, when the store has no
// state recorded, an ABORTED fence is written first so the answer is final:
// a commit that lands later fails on the duplicate id.
func (m *Manager) State(ctx context.Context, txID string) (store.TxState, error) {
	m.mu.Lock()
	_, open := m.open[txID]
	m.mu.Unlock()
	if open {
		return store.StateUnknown, nil
	}

	st, err := m.store.State(ctx, txID)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, store.ErrTxNotFound) {
		return store.StateUnknown, err
	}
	return m.store.PutStateIfAbsent(ctx, txID, store.StateAborted)
}

// Run executes fn inside a fresh transaction for req and commits it,
// retrying the whole execution with fresh reads when the commit loses an
// optimistic race (a conflict or a storage-level abort). attempts bounds
// the number of executions; values below 1 mean one. Any error returned by
// fn discards the transaction and is returned unchanged.
func (m *Manager) Run(ctx context.Context, req Request, attempts int, fn func(context.Context, *Transaction) (any, error)) (any, *Receipt, error) {
	attempts = max(attempts, 1)
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(m.backoff.Delay(attempt - 1))
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, nil, errors.Join(lastErr, ctx.Err())
			case <-t.C:
			}
		}

		tx, err := m.Begin(ctx, req)
		if err != nil {
			return nil, nil, err
		}
		out, err := fn(ctx, tx)
		if err != nil {
			m.Discard(tx)
			return nil, nil, err
		}
		receipt, err := m.Commit(ctx, tx)
		if err == nil {
			return out, receipt, nil
		}
		if !retryable(err) {
			return nil, nil, err
		}
		lastErr = err
		m.logger.Debug("retrying transaction",
			zap.String("tx_id", tx.id),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return nil, nil, lastErr
}

func retryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, store.ErrAborted)
}

func (m *Manager) notify(f func(Observer)) {
	if m.observer != nil {
		f(m.observer)
	}
}
