// Package parser turns a flat outline buffer into a view and a set of node
// mutations. The buffer grammar is Markdown restricted to lists and inline
// link tags: the bullet rune carries expansion intent (- expanded,
// + collapsed, * expand fully), ordered bullets chain into the preceding
// item, and the `[](XID)` tag binds a list item to an existing node.
//
// The grammar is parsed line-wise rather than through a stock Markdown AST:
// bullet runes, the two-space tag tail and bullet-relative indentation are
// all semantically significant here and get normalized away by general
// Markdown parsers.
//
// The parser never writes. Every node id referenced in the returned view is
// either present in the change set or pre-existing in the store.
package parser

import (
	"regexp"
	"strings"

	"github.com/canopyhq/canopy/pkg/merge"
	"github.com/canopyhq/canopy/pkg/types"
)

// Resolver maps rendered short ids back to node ids. *store.Txn implements
// it.
type Resolver interface {
	NodeForShortID(types.ShortID) (types.NodeID, error)
}

// Options tunes parsing.
type Options struct {
	// LongIDs means line tags carry full node ids instead of short ids.
	LongIDs bool
	// ConflictMarker is used when one node occurs twice in the buffer with
	// diverged content.
	ConflictMarker string
}

// Parser parses outline buffers against a store snapshot.
type Parser struct {
	resolver Resolver
	opts     Options
}

func New(resolver Resolver, opts Options) *Parser {
	if opts.ConflictMarker == "" {
		opts.ConflictMarker = "<CONFLICT>"
	}
	return &Parser{resolver: resolver, opts: opts}
}

var (
	tagRe    = regexp.MustCompile(`^\[\]\(([nNtT])([0-9A-Za-z-]+)\) {0,2}`)
	bulletRe = regexp.MustCompile(`^( *)([-+*]|[1-9]\.)(?: (.*))?$`)
)

// item is one parsed list-item occurrence.
type item struct {
	id       types.NodeID
	bullet   string
	ordered  bool
	content  []string
	start    int // line range, end exclusive
	end      int
	children []*item
}

type run struct {
	p        *Parser
	lines    []string
	lastSync *types.LastSync
	changes  *types.ChangeSet
}

// Parse processes the buffer rooted at mainID against the last rendered
// snapshot. It returns the root view and the change set, or a
// DuplicateSiblingError / UncertainChildrenError.
func (p *Parser) Parse(lines []string, mainID types.NodeID, lastSync *types.LastSync, transposed bool) (*types.View, *types.ChangeSet, error) {
	if len(lines) == 0 {
		lines = []string{""}
	}
	r := &run{p: p, lines: lines, lastSync: lastSync, changes: types.NewChangeSet()}

	root := &item{id: mainID, bullet: "-", start: 0}

	// The first line is the root's first content line preceded by its id
	// tag. A missing tag still binds to the buffer's main node.
	first := lines[0]
	if tagID, rest, ok, err := r.splitTag(first); err != nil {
		return nil, nil, err
	} else if ok {
		root.id = tagID
		first = rest
	}
	root.content = []string{first}

	pos := 1
	for pos < len(lines) {
		if !isBullet(lines[pos]) {
			root.content = append(root.content, lines[pos])
			pos++
			continue
		}
		child, err := r.parseItem(&pos)
		if err != nil {
			return nil, nil, err
		}
		root.children = append(root.children, child)
	}
	root.children = chainOrdered(root.children)
	root.end = len(lines)

	subTree, err := r.processSiblings(root.children, root.id)
	if err != nil {
		return nil, nil, err
	}
	r.processNode(root, childOrder(root.children))

	view := &types.View{MainID: root.id, Transposed: transposed, Tree: subTree}
	return view, r.changes, nil
}

// parseItem parses the bullet line at *pos plus its continuation lines and
// sub-items. Bullets indented deeper than the item's own bullet belong to
// its sub-list.
func (r *run) parseItem(pos *int) (*item, error) {
	m := bulletRe.FindStringSubmatch(r.lines[*pos])
	indent := len(m[1])
	marker := m[2]
	rest := m[3]

	it := &item{
		bullet:  marker,
		ordered: strings.HasSuffix(marker, "."),
		start:   *pos,
	}
	contentIndent := indent + len(marker) + 1

	tagID, rest, tagged, err := r.splitTag(rest)
	if err != nil {
		return nil, err
	}
	if tagged {
		it.id = tagID
	} else {
		it.id = types.NewNodeID()
	}
	it.content = []string{rest}
	*pos++

	for *pos < len(r.lines) && !isBullet(r.lines[*pos]) {
		it.content = append(it.content, stripIndent(r.lines[*pos], contentIndent))
		*pos++
	}
	for *pos < len(r.lines) && isBullet(r.lines[*pos]) {
		childIndent := len(bulletRe.FindStringSubmatch(r.lines[*pos])[1])
		if childIndent <= indent {
			break
		}
		child, err := r.parseItem(pos)
		if err != nil {
			return nil, err
		}
		it.children = append(it.children, child)
	}
	it.children = chainOrdered(it.children)
	it.end = *pos
	return it, nil
}

// chainOrdered attaches each ordered item to the item immediately preceding
// it at the same indent, turning 1. sequences into linear descent chains.
func chainOrdered(items []*item) []*item {
	var out []*item
	var tail *item
	for _, it := range items {
		if it.ordered && tail != nil {
			tail.children = append(tail.children, it)
			tail.end = it.end
		} else {
			out = append(out, it)
		}
		tail = it
	}
	return out
}

// processSiblings walks one sibling sequence, detecting duplicate siblings
// and building the expansion tree bottom-up.
func (r *run) processSiblings(items []*item, parentID types.NodeID) (types.Tree, error) {
	tree := types.Tree{}
	ranges := make(map[types.NodeID]types.LineRange, len(items))
	for _, it := range items {
		subTree, err := r.processSiblings(it.children, it.id)
		if err != nil {
			return nil, err
		}

		cur := types.LineRange{Start: it.start, End: it.end}
		if prev, dup := ranges[it.id]; dup {
			return nil, &types.DuplicateSiblingError{NodeID: it.id, Ranges: orderRanges(prev, cur)}
		}
		ranges[it.id] = cur

		expand, considerSub, err := r.expandIntent(it, parentID, subTree)
		if err != nil {
			return nil, err
		}
		if expand {
			tree[it.id] = subTree
		} else {
			tree[it.id] = nil
		}

		var childIDs *types.OrderedSet
		if considerSub {
			childIDs = childOrder(it.children)
		}
		r.processNode(it, childIDs)
	}
	return tree, nil
}

// expandIntent applies the expansion rules: for a node already seen under
// this parent, a + or * bullet leaves the stored children untouched (only a
// - bullet takes the typed sub-list as the child set), while * still expands
// the node in the view;
// for a first-seen node a typed child set differing from the last rendered
// one is an uncertain edit the caller must resolve.
func (r *run) expandIntent(it *item, parentID types.NodeID, subTree types.Tree) (expand, considerSub bool, err error) {
	notNew := false
	if parentData, ok := r.lastSync.Nodes[parentID]; ok {
		notNew = parentData.Children.Has(it.id)
	}

	if notNew {
		considerSub = it.bullet != "+" && it.bullet != "*"
	} else if len(subTree) > 0 {
		if nodeData, ok := r.lastSync.Nodes[it.id]; ok && !treeKeysEqual(subTree, nodeData.Children) {
			return false, false, &types.UncertainChildrenError{
				NodeID: it.id,
				Range:  types.LineRange{Start: it.start, End: it.end},
			}
		}
		considerSub = true
	}

	expand = it.bullet == "*" || (it.bullet != "+" && len(subTree) > 0)
	return expand, considerSub, nil
}

// processNode records the occurrence's content and children in the change
// set. A repeated occurrence with diverged content merges through the
// conflict primitive so the write is deterministic regardless of which
// occurrence the user edited.
func (r *run) processNode(it *item, childIDs *types.OrderedSet) {
	snapshot, seen := r.lastSync.Nodes[it.id]
	if !seen {
		r.changes.Content[it.id] = it.content
		if childIDs != nil {
			r.changes.Children[it.id] = childIDs
		}
		return
	}

	if !stringsEqual(snapshot.Content, it.content) {
		if existing, ok := r.changes.Content[it.id]; ok {
			r.changes.Content[it.id] = merge.Content(it.content, existing, r.p.opts.ConflictMarker)
		} else {
			r.changes.Content[it.id] = it.content
		}
	}

	if childIDs != nil && !childIDs.EqualUnordered(snapshot.Children) {
		if existing, ok := r.changes.Children[it.id]; ok {
			existing.Update(childIDs)
		} else {
			r.changes.Children[it.id] = childIDs
		}
	}
}

// splitTag extracts a leading id tag. The tag letter (n/N/t/T) is display
// state and is ignored on parse.
func (r *run) splitTag(line string) (types.NodeID, string, bool, error) {
	m := tagRe.FindStringSubmatch(line)
	if m == nil {
		return "", line, false, nil
	}
	rest := line[len(m[0]):]
	raw := m[2]
	if r.p.opts.LongIDs {
		id := types.NodeID(raw)
		if !id.Valid() {
			return "", "", false, &types.InvalidShortIDError{ShortID: raw, Reason: "not a node id"}
		}
		return id, rest, true, nil
	}
	id, err := r.p.resolver.NodeForShortID(types.ShortID(raw))
	if err != nil {
		return "", "", false, err
	}
	return id, rest, true, nil
}

func childOrder(items []*item) *types.OrderedSet {
	out := types.NewOrderedSet()
	for _, it := range items {
		out.Add(it.id)
	}
	return out
}

func isBullet(line string) bool { return bulletRe.MatchString(line) }

func stripIndent(line string, indent int) string {
	i := 0
	for i < len(line) && i < indent && line[i] == ' ' {
		i++
	}
	return line[i:]
}

func treeKeysEqual(tree types.Tree, set types.IDSet) bool {
	if len(tree) != len(set) {
		return false
	}
	for id := range tree {
		if !set.Has(id) {
			return false
		}
	}
	return true
}

func orderRanges(a, b types.LineRange) [2]types.LineRange {
	if a.Start <= b.Start {
		return [2]types.LineRange{a, b}
	}
	return [2]types.LineRange{b, a}
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
