/*
Package kv provides the single-writer transactional key/value store backing
the graph tables.

Built on bbolt: one database file, one bucket per table, concurrent read
transactions, serialized write transactions with fsync on commit. Values are
JSON-encoded lists or opaque bytes; interpretation belongs to pkg/store.

The store pre-sizes its memory map. When a write transaction fails for want
of backing space the map size doubles and the database reopens, guarded by a
cross-process advisory file lock, and the failed update runs again. Callers
never see a transient out-of-space failure.
*/
package kv
