/*
Package gitsync keeps the file-per-node git directory consistent with the
store, for offline sync with remote peers.

# Layout

One markdown file per node, named <NodeId>.md:

	content line 1
	...
	content line N
	<hr><ol start=0><li><a href='<search url><NodeId>+md'>Backlinks</a></li></ol>)

	1. [`<childId>`](<childId>.md)
	2. [`<childId>`](<childId>.md)

Parsing is bottom-up: trailing non-empty lines are child links until the
first empty line; the separator above it is dropped; the rest is content,
decrypted when the repository carries the .db_encryption_enabled marker.
The repository's .gitattributes sets `*.md merge=union` so concurrent peers
merge textually instead of conflicting.

# Cycle

Under the repository advisory lock, on the configured branch:

 1. add -A and commit divergent local state (may be empty)
 2. fetch; if FETCH_HEAD is not an ancestor, merge with
    --allow-unrelated-histories
 3. diff the pre-merge head against FETCH_HEAD for changed file names
 4. parse each valid node file into a pending change set
 5. apply with the unsynced-guarded rule: unsynced children union, unsynced
    content merges, clean values are overwritten
 6. pop the unsynced flags and regenerate those nodes' files; invalid nodes
    lose their file and their parents regenerate
 7. add, commit and push if dirty

A git merge conflict aborts the cycle before any store write; push failures
are retried next cycle.
*/
package gitsync
