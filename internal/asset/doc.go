// Package asset defines the versioned asset record of the ledger and the
// deterministic hash that chains each version to its predecessor.
//
// Every write to a logical asset produces a new version ("age") whose Hash
// covers the id, age, the transaction's read set (Input), the written data,
// the producing contract and argument, the request signature and, for ages
// above zero, the previous version's hash. VerifyChain walks a history and
// reports the first break.
package asset
