// Package store adapts transactional storage engines to the ledger's
// commit protocol.
//
// The ledger layers no locking of its own on top of a Store: the store is the
// single serialization point and must detect conflicting commits itself.
// Four implementations of the Store interface are provided:
//   - MemoryStore: in-process, for testing and single-process deployments.
//   - PostgresStore: durable, for production use.
//   - BadgerStore: embedded, using badger's optimistic transactions.
//   - SQLiteStore: embedded single-file SQL database.
package store
