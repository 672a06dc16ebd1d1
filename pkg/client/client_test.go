package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/assetledger/internal/auditor"
	"github.com/jmerrifield20/assetledger/internal/contract"
	"github.com/jmerrifield20/assetledger/internal/fault"
	"github.com/jmerrifield20/assetledger/internal/identity"
	"github.com/jmerrifield20/assetledger/internal/ledger/handler"
	"github.com/jmerrifield20/assetledger/internal/ledger/model"
	"github.com/jmerrifield20/assetledger/internal/ledger/service"
	"github.com/jmerrifield20/assetledger/internal/store"
	"github.com/jmerrifield20/assetledger/internal/txn"
	"github.com/jmerrifield20/assetledger/pkg/client"
)

// ── Test nodes ──────────────────────────────────────────────────────────

func newNode(t *testing.T, role string) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s := store.NewMemory()
	svc := service.NewLedgerService(
		s,
		identity.NewKeyRegistry(s, time.Minute, zap.NewNop()),
		txn.NewManager(s, zap.NewNop()),
		contract.NewExecutor(contract.NewRegistry(), ""),
		service.Config{Role: role, Attempts: 2},
		zap.NewNop(),
	)
	h := handler.NewLedgerHandler(svc, zap.NewNop())
	h.SetAdminSecret("admin")
	r := gin.New()
	h.Register(r.Group("/api/v1"))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

type identityFixture struct {
	signer *identity.Signer
	pub    string
	path   string
}

func newIdentity(t *testing.T) identityFixture {
	t.Helper()
	key, err := identity.GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "alice.pem")
	if err := identity.WritePrivateKeyFile(path, key); err != nil {
		t.Fatal(err)
	}
	pub, err := identity.MarshalPublicKeyPEM(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	s, err := identity.NewSigner("alice", 1, key)
	if err != nil {
		t.Fatal(err)
	}
	return identityFixture{signer: s, pub: string(pub), path: path}
}

// setup registers alice and a "put" contract on the given nodes.
func setup(t *testing.T, id identityFixture, bases ...string) {
	t.Helper()
	for _, base := range bases {
		c := client.MustNew(base, client.WithSigner(id.signer))
		if _, err := c.RegisterCertificate(context.Background(), id.pub); err != nil {
			t.Fatalf("register certificate on %s: %v", base, err)
		}
		if _, err := c.RegisterContract(context.Background(), "put", contract.AssetPut, nil); err != nil {
			t.Fatalf("register contract on %s: %v", base, err)
		}
	}
}

// ── Tests ───────────────────────────────────────────────────────────────

func TestNew_validation(t *testing.T) {
	if _, err := client.New(""); err == nil {
		t.Error("expected error for empty ledger URL")
	}
	if _, err := client.New("http://x", client.WithConflictRetry(0)); err == nil {
		t.Error("expected error for zero retry attempts")
	}
	if _, err := client.New("http://x", client.WithAuditor("", time.Second)); err == nil {
		t.Error("expected error for empty auditor URL")
	}
	if _, err := client.New("http://x", client.WithKeyFile("alice", 1, "/does/not/exist.pem")); err == nil {
		t.Error("expected error for missing key file")
	}
}

func TestExecute_audited(t *testing.T) {
	ledger, aud := newNode(t, service.RoleLedger), newNode(t, service.RoleAuditor)
	id := newIdentity(t)
	ctx := context.Background()

	c, err := client.New(ledger.URL,
		client.WithKeyFile("alice", 1, id.path),
		client.WithAuditor(aud.URL, 5*time.Second),
	)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.RegisterCertificate(ctx, id.pub); err != nil {
		t.Fatal(err)
	}
	if _, err := c.RegisterContract(ctx, "put", contract.AssetPut, nil); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		res, err := c.Execute(ctx, "put", map[string]any{"id": "doc", "data": map[string]int{"v": i}})
		if err != nil {
			t.Fatalf("execute %d: %v", i, err)
		}
		if string(res.Result) != fmt.Sprintf(`{"v":%d}`, i) || res.Proofs[0].Age != uint64(i) {
			t.Errorf("execute %d = %s %+v", i, res.Result, res.Proofs)
		}
		st, err := c.State(ctx, res.TxID)
		if err != nil {
			t.Fatal(err)
		}
		if st.State != "COMMITTED" {
			t.Errorf("state = %s", st.State)
		}
	}

	start := uint64(1)
	hist, err := c.History(ctx, "doc", client.HistoryQuery{StartAge: &start, Descending: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(hist.Records) != 2 || hist.Records[0].Age != 2 {
		t.Errorf("history = %d records", len(hist.Records))
	}

	v, err := c.Validate(ctx, "", "doc", 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if v.Count != 3 {
		t.Errorf("validated %d versions, want 3", v.Count)
	}

	contractRec, err := c.GetContract(ctx, "put")
	if err != nil {
		t.Fatal(err)
	}
	if contractRec.Binary != contract.AssetPut {
		t.Errorf("contract = %+v", contractRec)
	}
}

func TestExecute_auditorDisagrees(t *testing.T) {
	ledger, aud := newNode(t, service.RoleLedger), newNode(t, service.RoleAuditor)
	id := newIdentity(t)
	setup(t, id, ledger.URL, aud.URL)
	ctx := context.Background()

	// the ledger alone sees an extra version, so ages diverge
	solo := client.MustNew(ledger.URL, client.WithSigner(id.signer))
	if _, err := solo.Execute(ctx, "put", map[string]any{"id": "doc", "data": 0}); err != nil {
		t.Fatal(err)
	}

	c := client.MustNew(ledger.URL, client.WithSigner(id.signer), client.WithAuditor(aud.URL, 5*time.Second))
	res, err := c.Execute(ctx, "put", map[string]any{"id": "doc", "data": 1})
	if !errors.Is(err, auditor.ErrInconsistent) {
		t.Fatalf("err = %v, want ErrInconsistent", err)
	}
	if res != nil {
		t.Errorf("inconsistent execution returned a result: %+v", res)
	}
	if fault.CodeOf(err) != fault.InconsistentStates {
		t.Errorf("code = %v", fault.CodeOf(err))
	}
}

func TestExecute_auditorTimeout(t *testing.T) {
	ledger := newNode(t, service.RoleLedger)
	id := newIdentity(t)
	setup(t, id, ledger.URL)

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()

	c := client.MustNew(ledger.URL, client.WithSigner(id.signer), client.WithAuditor(slow.URL, 50*time.Millisecond))
	res, err := c.Execute(context.Background(), "put", map[string]any{"id": "doc", "data": 1})
	if !errors.Is(err, client.ErrAuditorUnavailable) {
		t.Fatalf("err = %v, want ErrAuditorUnavailable", err)
	}
	if res == nil || len(res.Proofs) != 1 {
		t.Errorf("expected the ledger's result, got %+v", res)
	}
}

func TestExecute_errors(t *testing.T) {
	ledger := newNode(t, service.RoleLedger)
	id := newIdentity(t)
	setup(t, id, ledger.URL)
	ctx := context.Background()
	c := client.MustNew(ledger.URL, client.WithSigner(id.signer))

	if _, err := c.ExecuteWithNonce(ctx, "put", "fixed", json.RawMessage(`{"id":"a","data":1}`)); err != nil {
		t.Fatal(err)
	}
	_, err := c.ExecuteWithNonce(ctx, "put", "fixed", json.RawMessage(`{"id":"a","data":1}`))
	var lerr *client.Error
	if !errors.As(err, &lerr) {
		t.Fatalf("err = %v, want *client.Error", err)
	}
	if lerr.Code != fault.NonceAlreadyUsed || lerr.HTTPStatus != http.StatusConflict {
		t.Errorf("replay = %+v", lerr)
	}

	if _, err := c.Execute(ctx, "missing", map[string]any{}); fault.CodeOf(err) != fault.ContractNotFound {
		t.Errorf("unknown contract: %v", err)
	}

	anon := client.MustNew(ledger.URL)
	if _, err := anon.Execute(ctx, "put", map[string]any{}); !errors.Is(err, client.ErrNoSigner) {
		t.Errorf("no signer: %v", err)
	}
}

func TestAbort(t *testing.T) {
	ledger := newNode(t, service.RoleLedger)
	id := newIdentity(t)
	setup(t, id, ledger.URL)
	ctx := context.Background()
	c := client.MustNew(ledger.URL, client.WithSigner(id.signer))

	if err := c.Abort(ctx, "pending"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.ExecuteWithNonce(ctx, "put", "pending", map[string]any{"id": "a", "data": 1}); fault.CodeOf(err) != fault.NonceAlreadyUsed {
		t.Errorf("execute after abort: %v", err)
	}
	if _, err := c.ExecuteWithNonce(ctx, "put", "done", map[string]any{"id": "a", "data": 1}); err != nil {
		t.Fatal(err)
	}
	if err := c.Abort(ctx, "done"); fault.CodeOf(err) != fault.AbortRejected {
		t.Errorf("abort after commit: %v", err)
	}
}

func TestRegisterSecret(t *testing.T) {
	ledger := newNode(t, service.RoleLedger)
	secretPath := filepath.Join(t.TempDir(), "svc.secret")
	secret := []byte("0123456789abcdef-service")
	if err := os.WriteFile(secretPath, secret, 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := client.MustNew(ledger.URL).RegisterSecret(context.Background(), "svc", 1, secret); err == nil {
		t.Error("expected error without admin secret")
	}
	info, err := client.MustNew(ledger.URL, client.WithAdminSecret("admin")).RegisterSecret(context.Background(), "svc", 1, secret)
	if err != nil {
		t.Fatal(err)
	}
	if info.Algorithm != "HS256" {
		t.Errorf("algorithm = %s", info.Algorithm)
	}

	c := client.MustNew(ledger.URL, client.WithSecretFile("svc", 1, secretPath))
	if _, err := c.RegisterContract(context.Background(), "put", contract.AssetPut, nil); err != nil {
		t.Fatalf("HMAC-signed registration: %v", err)
	}
}

func TestExecute_conflictRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(model.ErrorResponse{StatusCode: int(fault.Conflict), Status: "CONFLICT", Message: "read set diverged"})
			return
		}
		json.NewEncoder(w).Encode(model.ExecutionResult{TxID: "tx", Result: json.RawMessage(`1`)})
	}))
	defer srv.Close()
	id := newIdentity(t)

	c := client.MustNew(srv.URL, client.WithSigner(id.signer), client.WithConflictRetry(3))
	res, err := c.Execute(context.Background(), "put", map[string]any{})
	if err != nil {
		t.Fatal(err)
	}
	if res.TxID != "tx" || calls.Load() != 3 {
		t.Errorf("tx = %s after %d calls", res.TxID, calls.Load())
	}

	calls.Store(0)
	once := client.MustNew(srv.URL, client.WithSigner(id.signer))
	if _, err := once.Execute(context.Background(), "put", map[string]any{}); fault.CodeOf(err) != fault.Conflict {
		t.Errorf("without retry: %v", err)
	}
}

func TestExecute_conflictBackoff(t *testing.T) {
	var (
		mu    sync.Mutex
		times []time.Time
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		times = append(times, time.Now())
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(model.ErrorResponse{StatusCode: int(fault.Conflict), Status: "CONFLICT", Message: "read set diverged"})
	}))
	defer srv.Close()
	id := newIdentity(t)

	c := client.MustNew(srv.URL,
		client.WithSigner(id.signer),
		client.WithConflictRetry(3),
		client.WithRetryBackoff(20*time.Millisecond, time.Second),
	)
	if _, err := c.Execute(context.Background(), "put", map[string]any{}); fault.CodeOf(err) != fault.Conflict {
		t.Fatalf("err = %v, want the last conflict", err)
	}
	mu.Lock()
	got := slices.Clone(times)
	mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("%d attempts, want 3", len(got))
	}
	if d := got[1].Sub(got[0]); d < 20*time.Millisecond {
		t.Errorf("first retry after %s, want at least 20ms", d)
	}
	if d := got[2].Sub(got[1]); d < 40*time.Millisecond {
		t.Errorf("second retry after %s, want at least 40ms", d)
	}

	mu.Lock()
	times = nil
	mu.Unlock()
	slow := client.MustNew(srv.URL,
		client.WithSigner(id.signer),
		client.WithConflictRetry(10),
		client.WithRetryBackoff(time.Minute, time.Minute),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := slow.Execute(ctx, "put", map[string]any{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 10*time.Second {
		t.Error("retry wait ignored the context")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(times) != 1 {
		t.Errorf("%d attempts after cancel, want 1", len(times))
	}

	if _, err := client.New(srv.URL, client.WithRetryBackoff(time.Second, time.Millisecond)); err == nil {
		t.Error("expected error for max below initial")
	}
}
