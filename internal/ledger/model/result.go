package model

import (
	"encoding/json"
	"time"

	"github.com/jmerrifield20/assetledger/internal/asset"
)

// ExecutionResult is what a node returns for one executed request. Two
// honest nodes executing the same request over the same state return equal
// results.
type ExecutionResult struct {
	TxID   string          `json:"tx_id"`
	Result json.RawMessage `json:"result"`
	Proofs []asset.Proof   `json:"proofs"`
}

// ValidationResult reports a verified range of one asset's chain.
type ValidationResult struct {
	Key    asset.Key     `json:"key"`
	Count  int           `json:"count"`
	Proofs []asset.Proof `json:"proofs"`
}

// HistoryResult lists versions of one asset.
type HistoryResult struct {
	Key     asset.Key      `json:"key"`
	Records []*asset.Asset `json:"records"`
}

// TxStatus is the resolved state of a transaction id.
type TxStatus struct {
	TxID  string `json:"tx_id"`
	State string `json:"state"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	StatusCode int    `json:"status_code"`
	Status     string `json:"status"`
	Message    string `json:"message"`
}

// Contract is a registered contract.
type Contract struct {
	ID         string          `json:"id"`
	Binary     string          `json:"binary"`
	EntityID   string          `json:"entity_id"`
	KeyVersion uint64          `json:"key_version"`
	Properties json.RawMessage `json:"properties,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// KeyInfo describes a registered key without its material.
type KeyInfo struct {
	EntityID   string `json:"entity_id"`
	KeyVersion uint64 `json:"key_version"`
	Algorithm  string `json:"algorithm"`
}
