package model

import (
	"encoding/json"

	"github.com/jmerrifield20/assetledger/internal/asset"
	"github.com/jmerrifield20/assetledger/internal/identity"
)

// Signed is implemented by every request whose signature the ledger checks.
type Signed interface {
	Signer() (entityID string, keyVersion uint64)
	Payload() []byte
	Sig() []byte
}

// canonicalArgument returns the canonical form of raw, or raw unchanged
// when it is not valid JSON (verification then fails on the parse later).
func canonicalArgument(raw json.RawMessage) []byte {
	c, err := asset.Canonicalize(raw)
	if err != nil {
		return raw
	}
	return c
}

// RegisterCertificateRequest registers an asymmetric key. It is signed by
// the private key of the certificate being registered.
type RegisterCertificateRequest struct {
	EntityID    string `json:"entity_id"   binding:"required"`
	KeyVersion  uint64 `json:"key_version"`
	Certificate string `json:"certificate" binding:"required"`
	Signature   []byte `json:"signature"   binding:"required"`
}

func (r *RegisterCertificateRequest) Signer() (string, uint64) { return r.EntityID, r.KeyVersion }
func (r *RegisterCertificateRequest) Sig() []byte              { return r.Signature }

func (r *RegisterCertificateRequest) Payload() []byte {
	return identity.NewPayload(identity.TagRegisterCertificate).
		String(r.EntityID).
		Uint64(r.KeyVersion).
		String(r.Certificate).
		Build()
}

// RegisterSecretRequest registers an HMAC secret. It is authorised by the
// operator's admin secret, not by a signature.
type RegisterSecretRequest struct {
	EntityID   string `json:"entity_id"   binding:"required"`
	KeyVersion uint64 `json:"key_version"`
	Secret     []byte `json:"secret"      binding:"required"`
}

// RegisterContractRequest binds a contract id to a compiled-in
// implementation name and its properties.
type RegisterContractRequest struct {
	EntityID   string          `json:"entity_id"   binding:"required"`
	KeyVersion uint64          `json:"key_version"`
	ContractID string          `json:"contract_id" binding:"required"`
	Binary     string          `json:"binary"      binding:"required"`
	Properties json.RawMessage `json:"properties,omitempty"`
	Signature  []byte          `json:"signature"   binding:"required"`
}

func (r *RegisterContractRequest) Signer() (string, uint64) { return r.EntityID, r.KeyVersion }
func (r *RegisterContractRequest) Sig() []byte              { return r.Signature }

func (r *RegisterContractRequest) Payload() []byte {
	props := []byte(nil)
	if len(r.Properties) > 0 {
		props = canonicalArgument(r.Properties)
	}
	return identity.NewPayload(identity.TagRegisterContract).
		String(r.EntityID).
		Uint64(r.KeyVersion).
		String(r.ContractID).
		String(r.Binary).
		Bytes(props).
		Build()
}

// ExecuteRequest runs a registered contract.
type ExecuteRequest struct {
	EntityID   string          `json:"entity_id"   binding:"required"`
	KeyVersion uint64          `json:"key_version"`
	ContractID string          `json:"contract_id" binding:"required"`
	Argument   json.RawMessage `json:"argument"    binding:"required"`
	Nonce      string          `json:"nonce"       binding:"required"`
	Signature  []byte          `json:"signature"   binding:"required"`
}

func (r *ExecuteRequest) Signer() (string, uint64) { return r.EntityID, r.KeyVersion }
func (r *ExecuteRequest) Sig() []byte              { return r.Signature }

func (r *ExecuteRequest) Payload() []byte {
	return identity.NewPayload(identity.TagExecute).
		String(r.EntityID).
		Uint64(r.KeyVersion).
		String(r.ContractID).
		Bytes(canonicalArgument(r.Argument)).
		String(r.Nonce).
		Build()
}

// ValidateRequest asks the ledger to verify the chain of one asset over an
// age range. EndAge nil means up to the latest version.
type ValidateRequest struct {
	EntityID   string  `json:"entity_id"  binding:"required"`
	KeyVersion uint64  `json:"key_version"`
	Namespace  string  `json:"namespace,omitempty"`
	AssetID    string  `json:"asset_id"   binding:"required"`
	StartAge   uint64  `json:"start_age"`
	EndAge     *uint64 `json:"end_age,omitempty"`
	Nonce      string  `json:"nonce"      binding:"required"`
	Signature  []byte  `json:"signature"  binding:"required"`
}

func (r *ValidateRequest) Signer() (string, uint64) { return r.EntityID, r.KeyVersion }
func (r *ValidateRequest) Sig() []byte              { return r.Signature }

func (r *ValidateRequest) Payload() []byte {
	p := identity.NewPayload(identity.TagValidate).
		String(r.EntityID).
		Uint64(r.KeyVersion).
		String(r.Namespace).
		String(r.AssetID).
		Uint64(r.StartAge).
		Bool(r.EndAge != nil)
	if r.EndAge != nil {
		p.Uint64(*r.EndAge)
	}
	return p.String(r.Nonce).Build()
}

// AbortRequest cancels the execution started under Nonce.
type AbortRequest struct {
	EntityID   string `json:"entity_id"  binding:"required"`
	KeyVersion uint64 `json:"key_version"`
	Nonce      string `json:"nonce"      binding:"required"`
	Signature  []byte `json:"signature"  binding:"required"`
}

func (r *AbortRequest) Signer() (string, uint64) { return r.EntityID, r.KeyVersion }
func (r *AbortRequest) Sig() []byte              { return r.Signature }

func (r *AbortRequest) Payload() []byte {
	return identity.NewPayload(identity.TagAbort).
		String(r.EntityID).
		Uint64(r.KeyVersion).
		String(r.Nonce).
		Build()
}
