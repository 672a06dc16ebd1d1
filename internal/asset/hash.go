package asset

import (
	"crypto/sha256"
	"encoding/binary"
)

// HashBuilder assembles the fields of an asset version into its sha256
// digest. Setters may be called in any order; Build always writes
//
//	id ‖ age ‖ input ‖ output ‖ contractId ‖ argument ‖ signature ‖ prevHash
//
// with the age as 8-byte big-endian and prevHash omitted at age 0.
type HashBuilder struct {
	id         *string
	age        *uint64
	input      []byte
	output     []byte
	contractID *string
	argument   []byte
	signature  []byte
	prevHash   []byte

	hasInput, hasOutput, hasArgument, hasSignature, hasPrevHash bool
}

// NewHashBuilder returns an empty builder.
func NewHashBuilder() *HashBuilder { return &HashBuilder{} }

func (b *HashBuilder) ID(id string) *HashBuilder { b.id = &id; return b }

func (b *HashBuilder) Age(age uint64) *HashBuilder { b.age = &age; return b }

func (b *HashBuilder) Input(input []byte) *HashBuilder {
	b.input, b.hasInput = input, true
	return b
}

// Output sets the asset data ("output" of the producing contract).
func (b *HashBuilder) Output(output []byte) *HashBuilder {
	b.output, b.hasOutput = output, true
	return b
}

func (b *HashBuilder) ContractID(id string) *HashBuilder { b.contractID = &id; return b }

func (b *HashBuilder) Argument(arg []byte) *HashBuilder {
	b.argument, b.hasArgument = arg, true
	return b
}

func (b *HashBuilder) Signature(sig []byte) *HashBuilder {
	b.signature, b.hasSignature = sig, true
	return b
}

func (b *HashBuilder) PrevHash(prev []byte) *HashBuilder {
	b.prevHash, b.hasPrevHash = prev, len(prev) > 0
	return b
}

// Build validates the collected fields and returns the 32-byte digest.
func (b *HashBuilder) Build() ([]byte, error) {
	switch {
	case b.id == nil || *b.id == "":
		return nil, ErrMissingHashField.New("id")
	case b.age == nil:
		return nil, ErrMissingHashField.New("age")
	case !b.hasInput:
		return nil, ErrMissingHashField.New("input")
	case !b.hasOutput:
		return nil, ErrMissingHashField.New("output")
	case b.contractID == nil || *b.contractID == "":
		return nil, ErrMissingHashField.New("contractId")
	case !b.hasArgument:
		return nil, ErrMissingHashField.New("argument")
	case !b.hasSignature:
		return nil, ErrMissingHashField.New("signature")
	case *b.age > 0 && !b.hasPrevHash:
		return nil, ErrMissingHashField.New("prevHash")
	}

	h := sha256.New()
	h.Write([]byte(*b.id))
	var age [8]byte
	binary.BigEndian.PutUint64(age[:], *b.age)
	h.Write(age[:])
	h.Write(b.input)
	h.Write(b.output)
	h.Write([]byte(*b.contractID))
	h.Write(b.argument)
	h.Write(b.signature)
	if *b.age > 0 {
		h.Write(b.prevHash)
	}
	return h.Sum(nil), nil
}
