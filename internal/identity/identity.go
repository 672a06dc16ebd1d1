// Package identity binds ledger requests to the entities that sent them.
//
// It provides:
//   - Payload      canonical byte encoding of a request's signed fields
//   - Signer       signs payloads with an ECDSA P-256, ed25519 or HMAC key
//   - Key          a registered public key or shared secret, with Verify
//   - KeyRegistry  stores keys per (entity, version) in the ledger store
//
// Signatures use the golang-jwt signing methods ES256, EdDSA and HS256
// directly over the payload bytes; no JWT envelope is built.
package identity
