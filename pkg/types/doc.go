// Package types defines the entities shared across the sync engine: node
// and short identifiers, views and expansion trees, change sets, last-sync
// snapshots, realtime packets, and the error taxonomy.
package types
