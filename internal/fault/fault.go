// Package fault defines the status-code table shared by every ledger
// subsystem and the Kind/Error pair subsystems use to declare their own
// error variants.
//
// A subsystem declares its failures as package-level Kinds:
//
//	var ErrConflict = fault.Kind{Subsystem: "TXN", Number: 1, Status: fault.Conflict,
//		Template: "conflicting reads: %s"}
//
// and returns ErrConflict.New(args...) or ErrConflict.Wrap(err, args...).
// Callers match with errors.Is(err, txn.ErrConflict) and recover the status
// with fault.CodeOf(err).
package fault

import (
	"errors"
	"fmt"
)

// StatusCode is the stable numeric status reported to clients.
type StatusCode int

const (
	OK StatusCode = 200

	InvalidHash        StatusCode = 300
	InvalidPrevHash    StatusCode = 301
	InvalidOutput      StatusCode = 302
	InconsistentStates StatusCode = 303
	InvalidAgeSequence StatusCode = 304

	InvalidSignature          StatusCode = 400
	InvalidRequest            StatusCode = 401
	InvalidArgument           StatusCode = 402
	KeyNotFound               StatusCode = 403
	ContractNotFound          StatusCode = 404
	KeyAlreadyRegistered      StatusCode = 405
	ContractAlreadyRegistered StatusCode = 406
	NonceAlreadyUsed          StatusCode = 407
	ContractContextual        StatusCode = 408
	AssetNotFound             StatusCode = 409
	TransactionNotFound       StatusCode = 410
	AbortRejected             StatusCode = 411

	DatabaseError            StatusCode = 500
	UnknownTransactionStatus StatusCode = 501
	RuntimeError             StatusCode = 502
	Unavailable              StatusCode = 503
	Conflict                 StatusCode = 504
	TransactionAborted       StatusCode = 505
)

var statusNames = map[StatusCode]string{
	OK:                        "OK",
	InvalidHash:               "INVALID_HASH",
	InvalidPrevHash:           "INVALID_PREV_HASH",
	InvalidOutput:             "INVALID_OUTPUT",
	InconsistentStates:        "INCONSISTENT_STATES",
	InvalidAgeSequence:        "INVALID_AGE_SEQUENCE",
	InvalidSignature:          "INVALID_SIGNATURE",
	InvalidRequest:            "INVALID_REQUEST",
	InvalidArgument:           "INVALID_ARGUMENT",
	KeyNotFound:               "KEY_NOT_FOUND",
	ContractNotFound:          "CONTRACT_NOT_FOUND",
	KeyAlreadyRegistered:      "KEY_ALREADY_REGISTERED",
	ContractAlreadyRegistered: "CONTRACT_ALREADY_REGISTERED",
	NonceAlreadyUsed:          "NONCE_ALREADY_USED",
	ContractContextual:        "CONTRACT_CONTEXTUAL_ERROR",
	AssetNotFound:             "ASSET_NOT_FOUND",
	TransactionNotFound:       "TRANSACTION_NOT_FOUND",
	AbortRejected:             "ABORT_REJECTED",
	DatabaseError:             "DATABASE_ERROR",
	UnknownTransactionStatus:  "UNKNOWN_TRANSACTION_STATUS",
	RuntimeError:              "RUNTIME_ERROR",
	Unavailable:               "UNAVAILABLE",
	Conflict:                  "CONFLICT",
	TransactionAborted:        "TRANSACTION_ABORTED",
}

// String returns the symbolic name of the status code.
func (c StatusCode) String() string {
	if n, ok := statusNames[c]; ok {
		return n
	}
	return fmt.Sprintf("STATUS_%d", int(c))
}

// Class groups status codes by their hundreds digit.
type Class int

const (
	ClassSuccess Class = 2 // 2xx
	ClassTamper  Class = 3 // 3xx: tampering or inconsistency detected
	ClassClient  Class = 4 // 4xx: client or request error
	ClassServer  Class = 5 // 5xx: server or runtime error
)

// Class returns the status class of c.
func (c StatusCode) Class() Class { return Class(int(c) / 100) }

// Kind identifies one error variant of one subsystem. Kinds are compared by
// subsystem and number, never by message.
type Kind struct {
	Subsystem string
	Number    int
	Status    StatusCode
	Template  string
}

// ID renders the stable identifier, e.g. "TXN-001".
func (k Kind) ID() string { return fmt.Sprintf("%s-%03d", k.Subsystem, k.Number) }

// New creates an Error of this kind, formatting the template with args.
func (k Kind) New(args ...any) *Error {
	return &Error{Kind: k, Message: k.format(args...)}
}

// Wrap creates an Error of this kind that wraps cause.
func (k Kind) Wrap(cause error, args ...any) *Error {
	return &Error{Kind: k, Message: k.format(args...), Err: cause}
}

// Error lets a bare Kind be used as an errors.Is target.
func (k Kind) Error() string { return k.ID() }

func (k Kind) format(args ...any) string {
	if len(args) == 0 {
		return k.Template
	}
	return fmt.Sprintf(k.Template, args...)
}

// Error is a subsystem error carrying its Kind.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind.ID(), e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind.ID(), e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode implements Coder.
func (e *Error) StatusCode() StatusCode { return e.Kind.Status }

// Is matches another *Error or a Kind of the same subsystem and number.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Kind:
		return e.Kind.Subsystem == t.Subsystem && e.Kind.Number == t.Number
	case *Error:
		return e.Kind.Subsystem == t.Kind.Subsystem && e.Kind.Number == t.Kind.Number
	}
	return false
}

// Coder is implemented by every error that knows its client status.
type Coder interface {
	error
	StatusCode() StatusCode
}

// CodeOf returns the status of the outermost Coder in err's chain, OK for a
// nil error and RuntimeError for anything unclassified.
func CodeOf(err error) StatusCode {
	if err == nil {
		return OK
	}
	var c Coder
	if errors.As(err, &c) {
		return c.StatusCode()
	}
	return RuntimeError
}

// MessageOf returns the client-facing message for err: the Error's own
// message without the wrapped cause for subsystem errors, err.Error() otherwise.
func MessageOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Message
	}
	var c Coder
	if errors.As(err, &c) {
		return c.Error()
	}
	return err.Error()
}
