/*
Package store is the graph store: the typed layer over the key/value tables
that exclusively owns node content and adjacency.

The persistent model is a directed graph of content-bearing nodes. Nodes may
appear under multiple parents (shared subgraphs, not a tree) and the graph
may contain cycles; traversals are bounded by views, never by the store.

# Architecture

	┌───────────────────── GRAPH STORE ─────────────────────┐
	│                                                        │
	│  ┌──────────────────────────────────────┐             │
	│  │                Txn                    │             │
	│  │  content      get/set, encrypted opt  │             │
	│  │  adjacency    children ⇔ parents      │             │
	│  │  views        per main id, ±transposed│             │
	│  │  unsynced     set on write, popped by │             │
	│  │               peer syncs              │             │
	│  │  short ids    counter + base32        │             │
	│  │  bloom        keyword filter per node │             │
	│  │  metadata     root, client, flags     │             │
	│  └──────────────────┬───────────────────┘             │
	│                     │                                  │
	│  ┌──────────────────▼───────────────────┐             │
	│  │             pkg/kv tables             │             │
	│  └──────────────────────────────────────┘             │
	└────────────────────────────────────────────────────────┘

# Invariants

  - The root node always exists (EnsureRoot) and is recorded under a
    singleton metadata key.
  - Forward and reverse adjacency are mutually consistent: every edge write
    through SetDescendants updates both tables.
  - Content is never empty; absence is a single empty line.
  - NodeIDs are opaque to consumers; only types.NewNodeID mints them. Short
    ids are never recycled.
  - Every content, children or view write sets the matching unsynced flag so
    peers eventually see it.

# Concurrency

One write transaction is active at a time (the kv layer's serializer). The
editing cycle runs parse, sync and render inside a single Txn; the directory
and realtime syncs open their own transactions and tolerate state advancing
between their read and write phases, relying on the merge primitive for
convergence.
*/
package store
