package store

import "github.com/jmerrifield20/assetledger/internal/fault"

const subsystem = "STORE"

var (
	ErrAborted           = fault.Kind{Subsystem: subsystem, Number: 1, Status: fault.TransactionAborted, Template: "transaction %s rejected by the store: %s"}
	ErrUnknown           = fault.Kind{Subsystem: subsystem, Number: 2, Status: fault.UnknownTransactionStatus, Template: "transaction %s outcome unknown"}
	ErrDuplicateTx       = fault.Kind{Subsystem: subsystem, Number: 3, Status: fault.NonceAlreadyUsed, Template: "transaction %s already has a recorded state"}
	ErrTxNotFound        = fault.Kind{Subsystem: subsystem, Number: 4, Status: fault.TransactionNotFound, Template: "transaction %s not found"}
	ErrAlreadyRegistered = fault.Kind{Subsystem: subsystem, Number: 5, Status: fault.InvalidRequest, Template: "%s %q is already registered"}
	ErrNotRegistered     = fault.Kind{Subsystem: subsystem, Number: 6, Status: fault.InvalidRequest, Template: "%s %q is not registered"}
	ErrDatabase          = fault.Kind{Subsystem: subsystem, Number: 7, Status: fault.DatabaseError, Template: "%s"}
)
