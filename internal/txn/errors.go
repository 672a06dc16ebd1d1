package txn

import (
	"fmt"
	"slices"
	"strings"

	"github.com/jmerrifield20/assetledger/internal/asset"
	"github.com/jmerrifield20/assetledger/internal/fault"
)

const subsystem = "TXN"

var (
	ErrConflict       = fault.Kind{Subsystem: subsystem, Number: 1, Status: fault.Conflict, Template: "transaction %s: read set diverged"}
	ErrNonceUsed      = fault.Kind{Subsystem: subsystem, Number: 2, Status: fault.NonceAlreadyUsed, Template: "nonce %q of entity %q has already been used"}
	ErrAbortRejected  = fault.Kind{Subsystem: subsystem, Number: 3, Status: fault.AbortRejected, Template: "transaction %s can no longer be aborted: %s"}
	ErrAborted        = fault.Kind{Subsystem: subsystem, Number: 4, Status: fault.TransactionAborted, Template: "transaction %s was aborted"}
	ErrUnknownStatus  = fault.Kind{Subsystem: subsystem, Number: 5, Status: fault.UnknownTransactionStatus, Template: "transaction %s: commit outcome unknown, query its state before resubmitting"}
	ErrClosed         = fault.Kind{Subsystem: subsystem, Number: 6, Status: fault.RuntimeError, Template: "transaction %s is no longer open"}
	ErrInvalidRequest = fault.Kind{Subsystem: subsystem, Number: 7, Status: fault.InvalidRequest, Template: "%s"}
)

// ConflictError reports the read-set entries whose current age moved
// between execution and commit. Diverged maps each such key to its current
// latest age, or -1 when the asset no longer exists.
type ConflictError struct {
	TxID     string
	Diverged map[asset.Key]int64
}

func (e *ConflictError) Error() string {
	keys := make([]asset.Key, 0, len(e.Diverged))
	for k := range e.Diverged {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, asset.Key.Compare)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s@%d", k, e.Diverged[k])
	}
	return fmt.Sprintf("%s: %s: %s", ErrConflict.ID(), ErrConflict.New(e.TxID).Message, strings.Join(parts, ", "))
}

// StatusCode implements fault.Coder.
func (e *ConflictError) StatusCode() fault.StatusCode { return fault.Conflict }

// Is matches ErrConflict.
func (e *ConflictError) Is(target error) bool {
	k, ok := target.(fault.Kind)
	return ok && k.Subsystem == ErrConflict.Subsystem && k.Number == ErrConflict.Number
}
