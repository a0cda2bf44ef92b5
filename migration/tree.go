// Package migration implements the schema migration engine: a pure,
// deterministic function that rebuilds a document tree against a new
// schema, using declared placeholder node/mark kinds to preserve content the
// new schema doesn't itself define.
package migration

// Node-kind constants for the four node placeholders a Schema may declare,
// distinguished by isInline x isLeaf.
const (
	KindBlockBranch  = "blockBranch"
	KindBlockLeaf    = "blockLeaf"
	KindInlineBranch = "inlineBranch"
	KindInlineLeaf   = "inlineLeaf"
)

// Node is one tree node of a document's content. The implicit "is this a
// placeholder" tag is PlaceholderKind rather than anything derived from
// Type, since a placeholder's Type name is schema-defined and may differ
// across schemas that both declare, say, a blockBranch placeholder.
type Node struct {
	Type     string
	IsLeaf   bool
	IsInline bool
	IsText   bool
	Text     string
	Attrs    map[string]any
	Children []*Node
	Marks    []*Mark

	// PlaceholderKind is one of the Kind* constants if this node was
	// produced by a previous migration's wrap step, or "" otherwise.
	PlaceholderKind string
}

// Mark is a single mark attached to a node.
type Mark struct {
	Type  string
	Attrs map[string]any

	// Placeholder is true if this mark was produced by a previous
	// migration's wrap step.
	Placeholder bool
}

// AttrSpec describes one declared attribute of a node or mark: whether it
// has a default, and if so, what it is. An attribute with no default is
// required; a node missing it fails validation.
type AttrSpec struct {
	Default    any
	HasDefault bool
}

// NodeSpec is one node kind a Schema declares.
type NodeSpec struct {
	Name     string
	IsLeaf   bool
	IsInline bool
	IsText   bool

	// InlineContent reports whether this node's own content expression is
	// inline; used to pick the block/inline half of a wrapped child's
	// placeholder kind (spec: "parent.inlineContent").
	InlineContent bool

	Attrs map[string]AttrSpec

	// AllowedMarks, if non-nil, is the set of mark type names this node
	// accepts; a mark not in the set is dropped after conversion. A nil
	// map means every mark is allowed.
	AllowedMarks map[string]bool
}

// MarkSpec is one mark kind a Schema declares.
type MarkSpec struct {
	Name  string
	Attrs map[string]AttrSpec

	// Excludes, if non-nil, names mark types that cannot coexist with this
	// mark on the same node (ProseMirror's markSpec.excludes). Exclusion is
	// one-directional per declaration: "b excludes a" drops a only where b
	// is also present, not the reverse, unless a's own spec separately
	// excludes b. Applied by dropExcludedMarks after every mark has been
	// converted to newSchema's types.
	Excludes map[string]bool
}

// Placeholders holds a Schema's (up to five) declared placeholder kinds.
// Any of the five may be nil, meaning that kind of content cannot be
// preserved under this schema.
type Placeholders struct {
	BlockBranch  *NodeSpec
	BlockLeaf    *NodeSpec
	InlineBranch *NodeSpec
	InlineLeaf   *NodeSpec
	Mark         *MarkSpec
}

// Schema is the target of a migration: the node and mark kinds it accepts,
// plus its placeholder declarations.
type Schema struct {
	Nodes        map[string]*NodeSpec
	Marks        map[string]*MarkSpec
	Placeholders Placeholders
}

func (s *Schema) placeholderNodeSpec(kind string) *NodeSpec {
	switch kind {
	case KindBlockBranch:
		return s.Placeholders.BlockBranch
	case KindBlockLeaf:
		return s.Placeholders.BlockLeaf
	case KindInlineBranch:
		return s.Placeholders.InlineBranch
	case KindInlineLeaf:
		return s.Placeholders.InlineLeaf
	default:
		return nil
	}
}

// NodeSize is the recursive structural size used by the shape checker:
// a text node's size is its rune length, a non-text leaf's size is 1, and a
// branch's size is 2 (open/close) plus the sum of its children's sizes.
func NodeSize(n *Node) int {
	if n.IsText {
		return len([]rune(n.Text))
	}
	if n.IsLeaf {
		return 1
	}
	size := 2
	for _, c := range n.Children {
		size += NodeSize(c)
	}
	return size
}
