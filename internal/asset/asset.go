package asset

import (
	"bytes"
	"cmp"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// DefaultNamespace is used when a caller does not name a namespace.
const DefaultNamespace = "default"

// Key identifies a logical asset. Keys order by namespace, then id.
type Key struct {
	Namespace string `json:"namespace"`
	ID        string `json:"id"`
}

// NewKey returns the key for id in namespace ns, substituting
// DefaultNamespace for an empty ns.
func NewKey(ns, id string) Key {
	if ns == "" {
		ns = DefaultNamespace
	}
	return Key{Namespace: ns, ID: id}
}

// String renders the namespace-qualified id, "namespace/id".
func (k Key) String() string { return k.Namespace + "/" + k.ID }

// Compare orders keys lexicographically by namespace, then id.
func (k Key) Compare(o Key) int {
	if c := cmp.Compare(k.Namespace, o.Namespace); c != 0 {
		return c
	}
	return cmp.Compare(k.ID, o.ID)
}

// Less reports whether k sorts before o.
func (k Key) Less(o Key) bool { return k.Compare(o) < 0 }

// Validate checks that the key can be stored and hashed unambiguously.
func (k Key) Validate() error {
	if k.ID == "" {
		return ErrInvalidKey.New("asset id is required")
	}
	if k.Namespace == "" {
		return ErrInvalidKey.New("namespace is required")
	}
	if strings.Contains(k.Namespace, "/") {
		return ErrInvalidKey.New(fmt.Sprintf("namespace %q must not contain '/'", k.Namespace))
	}
	if strings.ContainsRune(k.Namespace, 0) || strings.ContainsRune(k.ID, 0) {
		return ErrInvalidKey.New("key must not contain NUL bytes")
	}
	return nil
}

// Asset is one immutable version of a logical asset.
type Asset struct {
	Key        Key             `json:"key"`
	Age        uint64          `json:"age"`
	Data       json.RawMessage `json:"data"`
	Input      json.RawMessage `json:"input"`
	ContractID string          `json:"contract_id"`
	Argument   json.RawMessage `json:"argument"`
	Signature  []byte          `json:"signature"`
	Hash       []byte          `json:"hash"`
	PrevHash   []byte          `json:"prev_hash,omitempty"`
}

// ComputeHash returns the digest of a's fields; it never reads a.Hash.
func (a *Asset) ComputeHash() ([]byte, error) {
	b := NewHashBuilder().
		ID(a.Key.String()).
		Age(a.Age).
		Input(a.Input).
		Output(a.Data).
		ContractID(a.ContractID).
		Argument(a.Argument).
		Signature(a.Signature)
	if a.Age > 0 {
		b.PrevHash(a.PrevHash)
	}
	return b.Build()
}

// VerifyHash recomputes a's digest and compares it with a.Hash.
func (a *Asset) VerifyHash() error {
	h, err := a.ComputeHash()
	if err != nil {
		return err
	}
	if !bytes.Equal(h, a.Hash) {
		return ErrInvalidHash.New(a.Key.String(), a.Age)
	}
	return nil
}

// Proof returns the hash/age/prevHash triple attesting this version.
func (a *Asset) Proof() Proof {
	return Proof{
		Key:      a.Key,
		Age:      a.Age,
		Hash:     hex.EncodeToString(a.Hash),
		PrevHash: hex.EncodeToString(a.PrevHash),
	}
}

// Clone returns a deep copy of a.
func (a *Asset) Clone() *Asset {
	if a == nil {
		return nil
	}
	c := *a
	c.Data = bytes.Clone(a.Data)
	c.Input = bytes.Clone(a.Input)
	c.Argument = bytes.Clone(a.Argument)
	c.Signature = bytes.Clone(a.Signature)
	c.Hash = bytes.Clone(a.Hash)
	c.PrevHash = bytes.Clone(a.PrevHash)
	return &c
}

// Proof attests a specific asset version's place in its chain.
// Hashes are hex-encoded; PrevHash is empty at age 0.
type Proof struct {
	Key      Key    `json:"key"`
	Age      uint64 `json:"age"`
	Hash     string `json:"hash"`
	PrevHash string `json:"prev_hash,omitempty"`
}
