package contract

import (
	"fmt"

	"github.com/jmerrifield20/assetledger/internal/fault"
)

const subsystem = "CONTRACT"

var (
	ErrInvalidArgument = fault.Kind{Subsystem: subsystem, Number: 1, Status: fault.InvalidArgument, Template: "invalid argument: %s"}
	ErrNotFound        = fault.Kind{Subsystem: subsystem, Number: 2, Status: fault.ContractNotFound, Template: "contract %q not found"}
	ErrAlreadyExists   = fault.Kind{Subsystem: subsystem, Number: 3, Status: fault.ContractAlreadyRegistered, Template: "contract %q already registered"}
	ErrContextual      = fault.Kind{Subsystem: subsystem, Number: 4, Status: fault.ContractContextual, Template: "%s"}
	ErrAssetNotFound   = fault.Kind{Subsystem: subsystem, Number: 5, Status: fault.AssetNotFound, Template: "asset %s not found"}
	ErrRuntime         = fault.Kind{Subsystem: subsystem, Number: 6, Status: fault.RuntimeError, Template: "contract %q failed: %v"}
	ErrInvokeDepth     = fault.Kind{Subsystem: subsystem, Number: 7, Status: fault.RuntimeError, Template: "sub-contract nesting exceeds %d levels"}
)

// Reject aborts the running transaction with a business-rule violation,
// e.g. Reject("insufficient balance: have %d, need %d", have, need).
func Reject(format string, args ...any) error {
	return ErrContextual.New(fmt.Sprintf(format, args...))
}
