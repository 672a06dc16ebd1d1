package auditor_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/jmerrifield20/assetledger/internal/asset"
	"github.com/jmerrifield20/assetledger/internal/auditor"
	"github.com/jmerrifield20/assetledger/internal/fault"
	"github.com/jmerrifield20/assetledger/internal/ledger/model"
)

func result() *model.ExecutionResult {
	return &model.ExecutionResult{
		TxID:   "tx-1",
		Result: json.RawMessage(`{"a":1,"b":2}`),
		Proofs: []asset.Proof{
			{Key: asset.NewKey("default", "acct1"), Age: 1, Hash: "aa", PrevHash: "a0"},
			{Key: asset.NewKey("default", "acct2"), Age: 1, Hash: "bb", PrevHash: "b0"},
		},
	}
}

func TestValidate_match(t *testing.T) {
	primary := result()
	audit := result()
	audit.Result = json.RawMessage(`{ "b": 2, "a": 1 }`)

	got, err := auditor.Validate(primary, audit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != primary {
		t.Error("expected the primary result back")
	}
}

func TestValidate_mismatch(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *model.ExecutionResult)
		want   string
	}{
		{"tx id", func(r *model.ExecutionResult) { r.TxID = "tx-2" }, "transaction id"},
		{"result", func(r *model.ExecutionResult) { r.Result = json.RawMessage(`{"a":1,"b":3}`) }, "result data"},
		{"result number form", func(r *model.ExecutionResult) { r.Result = json.RawMessage(`{"a":1.0,"b":2}`) }, "result data"},
		{"missing proof", func(r *model.ExecutionResult) { r.Proofs = r.Proofs[:1] }, "proof count"},
		{"age", func(r *model.ExecutionResult) { r.Proofs[1].Age = 2 }, "proof 1 age"},
		{"hash", func(r *model.ExecutionResult) { r.Proofs[0].Hash = "ff" }, "proof 0 hash"},
		{"prev hash", func(r *model.ExecutionResult) { r.Proofs[1].PrevHash = "ff" }, "proof 1 previous hash"},
		{"key", func(r *model.ExecutionResult) { r.Proofs[0].Key.ID = "acct9" }, "proof 0 key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			audit := result()
			tt.mutate(audit)
			got, err := auditor.Validate(result(), audit)
			if got != nil {
				t.Error("no result may be returned on mismatch")
			}
			if !errors.Is(err, auditor.ErrInconsistent) {
				t.Fatalf("err = %v, want ErrInconsistent", err)
			}
			if fault.CodeOf(err) != fault.InconsistentStates {
				t.Errorf("code = %v", fault.CodeOf(err))
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %q, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestValidate_missingSide(t *testing.T) {
	if _, err := auditor.Validate(result(), nil); fault.CodeOf(err) != fault.InconsistentStates {
		t.Errorf("nil audit: %v", err)
	}
	if _, err := auditor.Validate(nil, result()); fault.CodeOf(err) != fault.InconsistentStates {
		t.Errorf("nil primary: %v", err)
	}
}

func TestProofsEqual(t *testing.T) {
	if !auditor.ProofsEqual(result().Proofs, result().Proofs) {
		t.Error("identical proofs must be equal")
	}
	if !auditor.ProofsEqual(nil, []asset.Proof{}) {
		t.Error("nil and empty proof lists are equal")
	}
	b := result().Proofs
	b[0], b[1] = b[1], b[0]
	if auditor.ProofsEqual(result().Proofs, b) {
		t.Error("order matters")
	}
}
