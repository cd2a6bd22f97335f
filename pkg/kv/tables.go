package kv

// Table names. All tables are keyed by node id bytes except Metadata, which
// is keyed by ascii strings. Values are JSON-encoded lists or opaque bytes.
const (
	// Content: node id -> JSON list of content lines (or a single fernet
	// token line when the store is encrypted). Content is never empty;
	// absence of content is represented by a single empty line.
	Content = "content"

	// Children / Parents: node id -> JSON list of descendant ids. The two
	// tables are mutually consistent: every edge write updates both.
	Children = "children"
	Parents  = "parents"

	// Views / TransposedViews: main node id -> JSON expansion tree.
	Views           = "views"
	TransposedViews = "transposed_views"

	// Unsynced*: presence of a key means the node changed since the last
	// peer sync. Values are empty.
	UnsyncedContent  = "unsynced_content"
	UnsyncedChildren = "unsynced_children"
	UnsyncedViews    = "unsynced_views"

	// BloomFilters: node id -> serialized keyword bloom filter.
	BloomFilters = "bloom_filters"

	// NodeToShortID / ShortIDToNode: the two directions of the short-id
	// mapping. Short-id keys are the raw counter bytes, so the last key of
	// ShortIDToNode is the allocation high-water mark.
	NodeToShortID = "node_to_short_id"
	ShortIDToNode = "short_id_to_node"

	// Metadata: singleton keys (root id, client identity, encryption flag,
	// short-id encoding name).
	Metadata = "metadata"
)

// Tables lists every table, in creation order.
var Tables = []string{
	Content,
	Children,
	Parents,
	Views,
	TransposedViews,
	UnsyncedContent,
	UnsyncedChildren,
	UnsyncedViews,
	BloomFilters,
	NodeToShortID,
	ShortIDToNode,
	Metadata,
}
