package txn_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/assetledger/internal/asset"
	"github.com/jmerrifield20/assetledger/internal/fault"
	"github.com/jmerrifield20/assetledger/internal/store"
	"github.com/jmerrifield20/assetledger/internal/txn"
)

func newManager(s store.Store) *txn.Manager {
	m := txn.NewManager(s, zap.NewNop())
	m.SetBackoff(txn.Backoff{Initial: time.Millisecond, Max: 2 * time.Millisecond})
	return m
}

func request(nonce string) txn.Request {
	return txn.Request{
		EntityID:   "alice",
		Nonce:      nonce,
		ContractID: "test",
		Argument:   json.RawMessage(fmt.Sprintf(`{"nonce":%q}`, nonce)),
		Signature:  []byte("sig-" + nonce),
	}
}

// put commits one write of data to key.
func put(t *testing.T, m *txn.Manager, key asset.Key, data, nonce string) *txn.Receipt {
	t.Helper()
	_, receipt, err := m.Run(context.Background(), request(nonce), 1, func(ctx context.Context, tx *txn.Transaction) (any, error) {
		return nil, tx.Put(ctx, key, json.RawMessage(data))
	})
	if err != nil {
		t.Fatalf("put %s: %v", key, err)
	}
	return receipt
}

func TestTxID_deterministic(t *testing.T) {
	if txn.TxID("alice", "n1") != txn.TxID("alice", "n1") {
		t.Error("same entity and nonce must yield the same id")
	}
	if txn.TxID("alice", "n1") == txn.TxID("bob", "n1") {
		t.Error("different entities must yield different ids")
	}
	if txn.TxID("ab", "c") == txn.TxID("a", "bc") {
		t.Error("entity/nonce boundary must be unambiguous")
	}
}

func TestCommit_chainsVersions(t *testing.T) {
	s := store.NewMemory()
	m := newManager(s)
	key := asset.NewKey("", "a")

	r0 := put(t, m, key, `{"v": 0}`, "n0")
	r1 := put(t, m, key, `{"v":1}`, "n1")

	if r0.Records[0].Age != 0 || len(r0.Records[0].PrevHash) != 0 {
		t.Errorf("first version: age %d, prevHash %x", r0.Records[0].Age, r0.Records[0].PrevHash)
	}
	if string(r0.Records[0].Data) != `{"v":0}` {
		t.Errorf("data not canonicalized: %s", r0.Records[0].Data)
	}
	if r1.Records[0].Age != 1 || string(r1.Records[0].PrevHash) != string(r0.Records[0].Hash) {
		t.Error("second version does not chain to the first")
	}

	history, err := s.Scan(context.Background(), asset.NewFilter(key))
	if err != nil {
		t.Fatal(err)
	}
	if err := asset.VerifyChain(history); err != nil {
		t.Errorf("committed chain does not verify: %v", err)
	}
	if r1.State != store.StateCommitted {
		t.Errorf("receipt state: %v", r1.State)
	}
	if p := r1.Proofs(); len(p) != 1 || p[0].Age != 1 {
		t.Errorf("proofs: %+v", p)
	}
}

func TestTransaction_readSetBecomesInput(t *testing.T) {
	s := store.NewMemory()
	m := newManager(s)
	a, b, missing := asset.NewKey("", "a"), asset.NewKey("other", "b"), asset.NewKey("", "zz")
	put(t, m, a, `{"n":1}`, "seed-a0")
	put(t, m, a, `{"n":2}`, "seed-a1")
	put(t, m, b, `{"n":3}`, "seed-b0")

	ctx := context.Background()
	tx, err := m.Begin(ctx, request("read"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tx.Get(ctx, a); err != nil {
		t.Fatal(err)
	}
	if _, err := tx.Scan(ctx, asset.NewFilter(a).WithEnd(0, true)); err != nil {
		t.Fatal(err)
	}
	if _, err := tx.Get(ctx, b); err != nil {
		t.Fatal(err)
	}
	if got, err := tx.Get(ctx, missing); err != nil || got != nil {
		t.Fatalf("missing key: %v, %v", got, err)
	}
	if err := tx.Put(ctx, asset.NewKey("", "out"), json.RawMessage(`{}`)); err != nil {
		t.Fatal(err)
	}
	receipt, err := m.Commit(ctx, tx)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"default":{"a":[0,1],"zz":[]},"other":{"b":[0]}}`
	if got := string(receipt.Records[0].Input); got != want {
		t.Errorf("input: got %s, want %s", got, want)
	}
}

func TestTransaction_readYourWrites(t *testing.T) {
	s := store.NewMemory()
	m := newManager(s)
	key := asset.NewKey("", "a")
	put(t, m, key, `{"v":0}`, "seed")

	ctx := context.Background()
	tx, err := m.Begin(ctx, request("ryw"))
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Put(ctx, key, json.RawMessage(`{"v":1}`)); err != nil {
		t.Fatal(err)
	}
	if err := tx.Put(ctx, key, json.RawMessage(`{"v":2}`)); err != nil {
		t.Fatal(err)
	}
	got, err := tx.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if got.Age != 1 || string(got.Data) != `{"v":2}` {
		t.Errorf("pending version: age %d data %s", got.Age, got.Data)
	}
	receipt, err := m.Commit(ctx, tx)
	if err != nil {
		t.Fatal(err)
	}
	if len(receipt.Records) != 1 || receipt.Records[0].Age != 1 {
		t.Fatalf("repeated puts must produce exactly one next-age record, got %d", len(receipt.Records))
	}
	if string(receipt.Records[0].Input) != `{}` {
		t.Errorf("own writes must not enter the read set: %s", receipt.Records[0].Input)
	}
}

func TestCommit_concurrentReadersConflict(t *testing.T) {
	s := store.NewMemory()
	m := newManager(s)
	key := asset.NewKey("", "A")
	for i := 0; i < 3; i++ {
		put(t, m, key, fmt.Sprintf(`{"v":%d}`, i), fmt.Sprintf("seed-%d", i))
	}

	ctx := context.Background()
	tx1, err := m.Begin(ctx, request("t1"))
	if err != nil {
		t.Fatal(err)
	}
	tx2, err := m.Begin(ctx, request("t2"))
	if err != nil {
		t.Fatal(err)
	}
	for _, tx := range []*txn.Transaction{tx1, tx2} {
		got, err := tx.Get(ctx, key)
		if err != nil || got.Age != 2 {
			t.Fatalf("read: %v, %v", got, err)
		}
		if err := tx.Put(ctx, key, json.RawMessage(`{"by":"`+tx.Request().Nonce+`"}`)); err != nil {
			t.Fatal(err)
		}
	}

	r1, err := m.Commit(ctx, tx1)
	if err != nil {
		t.Fatalf("first committer: %v", err)
	}
	if r1.Records[0].Age != 3 {
		t.Errorf("first committer produced age %d, want 3", r1.Records[0].Age)
	}

	_, err = m.Commit(ctx, tx2)
	var conflict *txn.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("second committer: got %v, want *ConflictError", err)
	}
	if age, ok := conflict.Diverged[key]; !ok || age != 3 {
		t.Errorf("diverged: %v", conflict.Diverged)
	}
	if !errors.Is(err, txn.ErrConflict) || fault.CodeOf(err) != fault.Conflict {
		t.Errorf("classification: %v", fault.CodeOf(err))
	}

	latest, _ := s.Latest(ctx, key)
	if latest.Age != 3 || string(latest.Data) != `{"by":"t1"}` {
		t.Errorf("latest: age %d data %s", latest.Age, latest.Data)
	}
	// A conflicted transaction records nothing; its nonce can be retried.
	if _, err := m.Begin(ctx, request("t2")); err != nil {
		t.Errorf("retry after conflict: %v", err)
	}
}

func TestCommit_blindWriteConflict(t *testing.T) {
	s := store.NewMemory()
	m := newManager(s)
	key := asset.NewKey("", "blind")

	ctx := context.Background()
	tx, err := m.Begin(ctx, request("blind"))
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Put(ctx, key, json.RawMessage(`{"x":1}`)); err != nil {
		t.Fatal(err)
	}
	put(t, m, key, `{"x":0}`, "racer")

	_, err = m.Commit(ctx, tx)
	var conflict *txn.ConflictError
	if !errors.As(err, &conflict) || conflict.Diverged[key] != 0 {
		t.Fatalf("got %v", err)
	}
}

// flakyStore applies (or not) and then reports a lost connection.
type flakyStore struct {
	store.Store
	apply bool
}

func (f *flakyStore) Apply(ctx context.Context, b *store.Batch) error {
	if f.apply {
		if err := f.Store.Apply(ctx, b); err != nil {
			return err
		}
	}
	return store.ErrUnknown.Wrap(context.DeadlineExceeded, b.TxID)
}

func TestCommit_unknownOutcomeResolves(t *testing.T) {
	tests := []struct {
		name  string
		apply bool
		want  store.TxState
	}{
		{"write landed", true, store.StateCommitted},
		{"write lost", false, store.StateAborted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := store.NewMemory()
			m := newManager(&flakyStore{Store: mem, apply: tt.apply})
			ctx := context.Background()
			req := request("maybe")

			_, _, err := m.Run(ctx, req, 3, func(ctx context.Context, tx *txn.Transaction) (any, error) {
				return nil, tx.Put(ctx, asset.NewKey("", "a"), json.RawMessage(`{}`))
			})
			if !errors.Is(err, txn.ErrUnknownStatus) {
				t.Fatalf("got %v, want ErrUnknownStatus", err)
			}
			if fault.CodeOf(err) != fault.UnknownTransactionStatus {
				t.Errorf("status: %v", fault.CodeOf(err))
			}

			id := txn.TxID(req.EntityID, req.Nonce)
			for i := 0; i < 2; i++ {
				st, err := m.State(ctx, id)
				if err != nil || st != tt.want {
					t.Fatalf("lookup %d: got %v, %v, want %v", i, st, err, tt.want)
				}
			}

			// Once resolved, a late delivery of the same batch cannot land.
			late := &store.Batch{TxID: id, Records: []*asset.Asset{}}
			if err := mem.Apply(ctx, late); !errors.Is(err, store.ErrDuplicateTx) {
				t.Errorf("late apply: %v", err)
			}
		})
	}
}

func TestBegin_rejectsUsedNonce(t *testing.T) {
	m := newManager(store.NewMemory())
	put(t, m, asset.NewKey("", "a"), `{}`, "once")

	_, err := m.Begin(context.Background(), request("once"))
	if !errors.Is(err, txn.ErrNonceUsed) || fault.CodeOf(err) != fault.NonceAlreadyUsed {
		t.Fatalf("got %v", err)
	}
}

func TestBegin_rejectsNonceInFlight(t *testing.T) {
	m := newManager(store.NewMemory())
	ctx := context.Background()
	if _, err := m.Begin(ctx, request("busy")); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Begin(ctx, request("busy")); !errors.Is(err, txn.ErrNonceUsed) {
		t.Fatalf("got %v", err)
	}
}

func TestBegin_validatesRequest(t *testing.T) {
	m := newManager(store.NewMemory())
	req := request("x")
	req.EntityID = ""
	if _, err := m.Begin(context.Background(), req); fault.CodeOf(err) != fault.InvalidRequest {
		t.Fatalf("got %v", err)
	}
}

func TestAbort(t *testing.T) {
	ctx := context.Background()

	t.Run("open transaction", func(t *testing.T) {
		m := newManager(store.NewMemory())
		tx, err := m.Begin(ctx, request("open"))
		if err != nil {
			t.Fatal(err)
		}
		if err := m.Abort(ctx, "alice", "open"); err != nil {
			t.Fatal(err)
		}
		if err := tx.Put(ctx, asset.NewKey("", "a"), json.RawMessage(`{}`)); !errors.Is(err, txn.ErrAborted) {
			t.Errorf("put after abort: %v", err)
		}
		if _, err := m.Commit(ctx, tx); !errors.Is(err, txn.ErrAborted) {
			t.Errorf("commit after abort: %v", err)
		}
		st, err := m.State(ctx, tx.ID())
		if err != nil || st != store.StateAborted {
			t.Errorf("state: %v, %v", st, err)
		}
		if err := m.Abort(ctx, "alice", "open"); err != nil {
			t.Errorf("second abort should be idempotent: %v", err)
		}
	})

	t.Run("committed transaction", func(t *testing.T) {
		m := newManager(store.NewMemory())
		put(t, m, asset.NewKey("", "a"), `{}`, "done")
		err := m.Abort(ctx, "alice", "done")
		if !errors.Is(err, txn.ErrAbortRejected) || fault.CodeOf(err) != fault.AbortRejected {
			t.Fatalf("got %v", err)
		}
	})

	t.Run("unseen nonce is fenced", func(t *testing.T) {
		m := newManager(store.NewMemory())
		if err := m.Abort(ctx, "alice", "future"); err != nil {
			t.Fatal(err)
		}
		if _, err := m.Begin(ctx, request("future")); !errors.Is(err, txn.ErrNonceUsed) {
			t.Errorf("begin after fence: %v", err)
		}
	})
}

func TestState_openTransactionIsUnknown(t *testing.T) {
	m := newManager(store.NewMemory())
	ctx := context.Background()
	tx, err := m.Begin(ctx, request("running"))
	if err != nil {
		t.Fatal(err)
	}
	st, err := m.State(ctx, tx.ID())
	if err != nil || st != store.StateUnknown {
		t.Fatalf("got %v, %v", st, err)
	}
	// The lookup must not have fenced the running transaction.
	if err := tx.Put(ctx, asset.NewKey("", "a"), json.RawMessage(`{}`)); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Commit(ctx, tx); err != nil {
		t.Fatalf("commit after state lookup: %v", err)
	}
}

func TestRun_retriesConflicts(t *testing.T) {
	s := store.NewMemory()
	m := newManager(s)
	key := asset.NewKey("", "counter")
	put(t, m, key, `{"n":0}`, "seed")

	ctx := context.Background()
	calls := 0
	_, receipt, err := m.Run(ctx, request("inc"), 3, func(ctx context.Context, tx *txn.Transaction) (any, error) {
		calls++
		cur, err := tx.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if calls == 1 {
			put(t, m, key, `{"n":100}`, "interloper")
		}
		var v struct{ N int }
		if err := json.Unmarshal(cur.Data, &v); err != nil {
			return nil, err
		}
		return v.N + 1, tx.Put(ctx, key, json.RawMessage(fmt.Sprintf(`{"n":%d}`, v.N+1)))
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Errorf("executions: got %d, want 2", calls)
	}
	if got := string(receipt.Records[0].Data); got != `{"n":101}` {
		t.Errorf("retry must re-read fresh state, got %s", got)
	}
}

func TestRun_givesUpAfterAttempts(t *testing.T) {
	m := newManager(store.NewMemory())
	key := asset.NewKey("", "hot")
	calls := 0
	_, _, err := m.Run(context.Background(), request("loser"), 2, func(ctx context.Context, tx *txn.Transaction) (any, error) {
		calls++
		if _, err := tx.Get(ctx, key); err != nil {
			return nil, err
		}
		put(t, m, key, `{}`, fmt.Sprintf("racer-%d", calls))
		return nil, tx.Put(ctx, key, json.RawMessage(`{}`))
	})
	if !errors.Is(err, txn.ErrConflict) {
		t.Fatalf("got %v", err)
	}
	if calls != 2 {
		t.Errorf("executions: got %d, want 2", calls)
	}
}

func TestRun_contractErrorWritesNothing(t *testing.T) {
	s := store.NewMemory()
	m := newManager(s)
	ctx := context.Background()
	boom := errors.New("insufficient balance")
	key := asset.NewKey("", "a")

	_, _, err := m.Run(ctx, request("fail"), 3, func(ctx context.Context, tx *txn.Transaction) (any, error) {
		if err := tx.Put(ctx, key, json.RawMessage(`{}`)); err != nil {
			return nil, err
		}
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v", err)
	}
	if got, _ := s.Latest(ctx, key); got != nil {
		t.Error("failed execution left a write behind")
	}
	if _, err := m.Begin(ctx, request("fail")); err != nil {
		t.Errorf("nonce of a failed execution should stay usable: %v", err)
	}
}
