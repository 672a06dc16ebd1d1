package identity

import "github.com/jmerrifield20/assetledger/internal/fault"

const subsystem = "IDENTITY"

var (
	ErrInvalidSignature = fault.Kind{Subsystem: subsystem, Number: 1, Status: fault.InvalidSignature, Template: "signature verification failed"}
	ErrKeyNotFound      = fault.Kind{Subsystem: subsystem, Number: 2, Status: fault.KeyNotFound, Template: "entity %q has no key version %d"}
	ErrKeyExists        = fault.Kind{Subsystem: subsystem, Number: 3, Status: fault.KeyAlreadyRegistered, Template: "entity %q already has key version %d"}
	ErrUnsupportedKey   = fault.Kind{Subsystem: subsystem, Number: 4, Status: fault.InvalidArgument, Template: "unsupported key: %s"}
	ErrMixedKeys        = fault.Kind{Subsystem: subsystem, Number: 5, Status: fault.InvalidRequest, Template: "entity %q already signs with %s keys"}
)
