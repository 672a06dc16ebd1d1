package asset

import "github.com/jmerrifield20/assetledger/internal/fault"

const subsystem = "ASSET"

var (
	ErrInvalidKey       = fault.Kind{Subsystem: subsystem, Number: 1, Status: fault.InvalidArgument, Template: "invalid asset key: %s"}
	ErrMissingHashField = fault.Kind{Subsystem: subsystem, Number: 2, Status: fault.InvalidArgument, Template: "hash field %s is required"}
	ErrInvalidHash      = fault.Kind{Subsystem: subsystem, Number: 3, Status: fault.InvalidHash, Template: "asset %s age %d has an invalid hash"}
	ErrInvalidPrevHash  = fault.Kind{Subsystem: subsystem, Number: 4, Status: fault.InvalidPrevHash, Template: "asset %s age %d does not chain to its predecessor"}
	ErrAgeSequence      = fault.Kind{Subsystem: subsystem, Number: 5, Status: fault.InvalidAgeSequence, Template: "asset %s: expected age %d, found %d"}
	ErrInvalidFilter    = fault.Kind{Subsystem: subsystem, Number: 6, Status: fault.InvalidArgument, Template: "invalid asset filter: %s"}
	ErrNotCanonical     = fault.Kind{Subsystem: subsystem, Number: 7, Status: fault.InvalidArgument, Template: "value is not well-formed JSON"}
)
