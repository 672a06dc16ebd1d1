// Package auditor compares the results two independently operated nodes
// returned for the same request. A match yields the primary's result; any
// difference is a tamper signal and neither result is trusted.
package auditor

import (
	"bytes"
	"fmt"

	"github.com/jmerrifield20/assetledger/internal/asset"
	"github.com/jmerrifield20/assetledger/internal/fault"
	"github.com/jmerrifield20/assetledger/internal/ledger/model"
)

var ErrInconsistent = fault.Kind{Subsystem: "AUDITOR", Number: 1, Status: fault.InconsistentStates, Template: "ledger and auditor disagree on %s"}

// Validate returns primary when it matches audit and an ErrInconsistent
// fault naming the first difference otherwise.
func Validate(primary, audit *model.ExecutionResult) (*model.ExecutionResult, error) {
	if d := Diff(primary, audit); d != "" {
		return nil, ErrInconsistent.New(d)
	}
	return primary, nil
}

// Diff describes the first field on which the two results differ, or
// returns "" when they are equal. Result payloads are compared in
// canonical form.
func Diff(primary, audit *model.ExecutionResult) string {
	switch {
	case primary == nil && audit == nil:
		return ""
	case primary == nil:
		return "result presence: ledger returned none"
	case audit == nil:
		return "result presence: auditor returned none"
	}
	if primary.TxID != audit.TxID {
		return fmt.Sprintf("transaction id (%s vs %s)", primary.TxID, audit.TxID)
	}
	if !sameJSON(primary.Result, audit.Result) {
		return "result data"
	}
	return proofDiff(primary.Proofs, audit.Proofs)
}

// ProofsEqual reports whether both lists attest the same versions in the
// same order.
func ProofsEqual(a, b []asset.Proof) bool {
	return proofDiff(a, b) == ""
}

func proofDiff(a, b []asset.Proof) string {
	if len(a) != len(b) {
		return fmt.Sprintf("proof count (%d vs %d)", len(a), len(b))
	}
	for i := range a {
		p, q := a[i], b[i]
		switch {
		case p.Key != q.Key:
			return fmt.Sprintf("proof %d key (%s vs %s)", i, p.Key, q.Key)
		case p.Age != q.Age:
			return fmt.Sprintf("proof %d age of %s (%d vs %d)", i, p.Key, p.Age, q.Age)
		case p.Hash != q.Hash:
			return fmt.Sprintf("proof %d hash of %s@%d", i, p.Key, p.Age)
		case p.PrevHash != q.PrevHash:
			return fmt.Sprintf("proof %d previous hash of %s@%d", i, p.Key, p.Age)
		}
	}
	return ""
}

func sameJSON(a, b []byte) bool {
	if bytes.Equal(a, b) {
		return true
	}
	ca, err := asset.Canonicalize(a)
	if err != nil {
		return false
	}
	cb, err := asset.Canonicalize(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}
