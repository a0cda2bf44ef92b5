package migration

import "errors"

// ErrNilTree and ErrNilSchema are returned for malformed input to
// ChangeSchema. ErrShapeMismatch signals the post-condition failure: the
// rebuilt tree does not have the same shape as the input, which indicates a
// bug in the engine rather than a caller error.
var (
	ErrNilTree       = errors.New("migration: nil tree")
	ErrNilSchema     = errors.New("migration: nil schema")
	ErrShapeMismatch = errors.New("migration: output shape does not match input shape")
)

// ChangeSchema rebuilds tree against newSchema, returning (nil, nil) if no
// result can satisfy newSchema's top-level validity. Every other node in the
// tree is converted by, in order: restoring from a placeholder, preserving
// by name, or wrapping as a placeholder; descendants of an output
// placeholder branch are forced through wrapping only. See restoreFromPlaceholder,
// preserveByName, wrapAsPlaceholder.
func ChangeSchema(tree *Node, newSchema *Schema) (*Node, error) {
	if tree == nil {
		return nil, ErrNilTree
	}
	if newSchema == nil {
		return nil, ErrNilSchema
	}

	out := convertNode(tree, newSchema, false, false, false)
	if out == nil {
		return nil, nil
	}
	if !SameShape(tree, out) {
		return nil, ErrShapeMismatch
	}
	return out, nil
}

// convertNode converts one node. hasParent/parentInlineContent feed the
// placeholder-kind selection rule for a wrap at this level; forceWrap skips
// restore/preserve entirely, per the forced-placeholder-wrapping context
// rule (spec: every descendant of an output placeholder branch must itself
// be a placeholder).
func convertNode(n *Node, newSchema *Schema, hasParent, parentInlineContent, forceWrap bool) *Node {
	var built *Node
	var spec *NodeSpec

	if !forceWrap {
		built, spec = restoreFromPlaceholder(n, newSchema)
		if built == nil {
			built, spec = preserveByName(n, newSchema)
		}
	}
	if built == nil {
		built, spec = wrapAsPlaceholder(n, newSchema, hasParent, parentInlineContent)
	}
	if built == nil {
		return nil
	}

	built.Marks = convertMarks(n.Marks, newSchema, spec)
	return built
}

// restoreFromPlaceholder attempts step 1: if n is itself a placeholder and
// newSchema declares a node matching its embedded name, shape, and
// text-ness, rebuild that original node.
func restoreFromPlaceholder(n *Node, newSchema *Schema) (*Node, *NodeSpec) {
	if n.PlaceholderKind == "" {
		return nil, nil
	}
	name, _ := n.Attrs["name"].(string)
	innerAttrs, _ := n.Attrs["attrs"].(map[string]any)

	spec, ok := newSchema.Nodes[name]
	if !ok || spec.IsLeaf != n.IsLeaf || spec.IsText != n.IsText {
		return nil, nil
	}
	attrs, ok := fillAttrDefaults(spec.Attrs, innerAttrs)
	if !ok {
		return nil, nil
	}

	built := &Node{
		Type: spec.Name, IsLeaf: spec.IsLeaf, IsInline: spec.IsInline, IsText: spec.IsText,
		Text: n.Text, Attrs: attrs,
	}
	if !built.IsLeaf {
		for _, c := range n.Children {
			if cc := convertNode(c, newSchema, true, spec.InlineContent, false); cc != nil {
				built.Children = append(built.Children, cc)
			}
		}
	}
	return built, spec
}

// preserveByName attempts step 2: a regular node keeps its name if
// newSchema still declares it with a matching isLeaf and valid attributes;
// a node that is already a placeholder keeps the same placeholder kind
// under newSchema's node for that kind.
func preserveByName(n *Node, newSchema *Schema) (*Node, *NodeSpec) {
	if n.PlaceholderKind != "" {
		spec := newSchema.placeholderNodeSpec(n.PlaceholderKind)
		if spec == nil {
			return nil, nil
		}
		built := &Node{
			Type: spec.Name, PlaceholderKind: n.PlaceholderKind,
			IsLeaf: spec.IsLeaf, IsInline: spec.IsInline, IsText: n.IsText, Text: n.Text,
			Attrs: copyAnyMap(n.Attrs),
		}
		if !built.IsLeaf {
			force := n.PlaceholderKind == KindBlockBranch || n.PlaceholderKind == KindInlineBranch
			for _, c := range n.Children {
				if cc := convertNode(c, newSchema, true, spec.InlineContent, force); cc != nil {
					built.Children = append(built.Children, cc)
				}
			}
		}
		return built, spec
	}

	spec, ok := newSchema.Nodes[n.Type]
	if !ok || spec.IsLeaf != n.IsLeaf {
		return nil, nil
	}
	attrs, ok := fillAttrDefaults(spec.Attrs, n.Attrs)
	if !ok {
		return nil, nil
	}
	built := &Node{
		Type: spec.Name, IsLeaf: spec.IsLeaf, IsInline: spec.IsInline, IsText: spec.IsText,
		Text: n.Text, Attrs: attrs,
	}
	if !built.IsLeaf {
		for _, c := range n.Children {
			if cc := convertNode(c, newSchema, true, spec.InlineContent, false); cc != nil {
				built.Children = append(built.Children, cc)
			}
		}
	}
	return built, spec
}

// wrapAsPlaceholder attempts step 3: wrap n in the placeholder matching its
// kind, embedding its original identity. If n is already a placeholder, the
// embedded identity carried forward is n's own inner name/attrs, not n
// itself, so repeated re-wrapping across migrations never nests wrappers.
func wrapAsPlaceholder(n *Node, newSchema *Schema, hasParent, parentInlineContent bool) (*Node, *NodeSpec) {
	inline := n.IsInline
	if hasParent {
		inline = parentInlineContent
	}
	kind := placeholderKind(inline, n.IsLeaf)
	spec := newSchema.placeholderNodeSpec(kind)
	if spec == nil {
		return nil, nil
	}

	innerName, innerAttrs := n.Type, n.Attrs
	if n.PlaceholderKind != "" {
		if name, ok := n.Attrs["name"].(string); ok {
			innerName = name
		}
		if a, ok := n.Attrs["attrs"].(map[string]any); ok {
			innerAttrs = a
		} else {
			innerAttrs = nil
		}
	}

	built := &Node{
		Type: spec.Name, PlaceholderKind: kind,
		IsLeaf: spec.IsLeaf, IsInline: spec.IsInline, IsText: n.IsText, Text: n.Text,
		Attrs: map[string]any{"name": innerName, "attrs": copyAnyMap(innerAttrs)},
	}
	if !built.IsLeaf {
		force := kind == KindBlockBranch || kind == KindInlineBranch
		for _, c := range n.Children {
			if cc := convertNode(c, newSchema, true, spec.InlineContent, force); cc != nil {
				built.Children = append(built.Children, cc)
			}
		}
	}
	return built, spec
}

func placeholderKind(inline, isLeaf bool) string {
	switch {
	case inline && isLeaf:
		return KindInlineLeaf
	case inline && !isLeaf:
		return KindInlineBranch
	case !inline && isLeaf:
		return KindBlockLeaf
	default:
		return KindBlockBranch
	}
}

// convertMark mirrors convertNode for a single mark, but with only one
// placeholder kind: restore by embedded name, else preserve by name, else
// wrap. Marks never force-skip restore/preserve the way node descendants
// of a placeholder branch do; that rule is node-structural only.
func convertMark(m *Mark, newSchema *Schema) *Mark {
	innerName, innerAttrs := m.Type, m.Attrs
	if m.Placeholder {
		if name, ok := m.Attrs["name"].(string); ok {
			innerName = name
		}
		if a, ok := m.Attrs["attrs"].(map[string]any); ok {
			innerAttrs = a
		} else {
			innerAttrs = nil
		}
		if spec, ok := newSchema.Marks[innerName]; ok {
			if filled, ok := fillAttrDefaults(spec.Attrs, innerAttrs); ok {
				return &Mark{Type: innerName, Attrs: filled}
			}
		}
	} else if spec, ok := newSchema.Marks[m.Type]; ok {
		if filled, ok := fillAttrDefaults(spec.Attrs, m.Attrs); ok {
			return &Mark{Type: m.Type, Attrs: filled}
		}
	}

	if newSchema.Placeholders.Mark == nil {
		return nil
	}
	return &Mark{
		Type:        newSchema.Placeholders.Mark.Name,
		Placeholder: true,
		Attrs:       map[string]any{"name": innerName, "attrs": copyAnyMap(innerAttrs)},
	}
}

// convertMarks converts every mark, drops marks excluded by a co-present
// mark (dropExcludedMarks), then drops any mark the resulting node's
// AllowedMarks does not accept.
func convertMarks(marks []*Mark, newSchema *Schema, spec *NodeSpec) []*Mark {
	if len(marks) == 0 {
		return nil
	}
	converted := make([]*Mark, 0, len(marks))
	for _, m := range marks {
		if cm := convertMark(m, newSchema); cm != nil {
			converted = append(converted, cm)
		}
	}
	converted = dropExcludedMarks(converted, newSchema)

	var out []*Mark
	for _, cm := range converted {
		if spec != nil && spec.AllowedMarks != nil && !spec.AllowedMarks[cm.Type] {
			continue
		}
		out = append(out, cm)
	}
	return out
}

// dropExcludedMarks removes a mark if another present mark's spec excludes
// it (MarkSpec.Excludes), e.g. "b excludes a" drops a wherever both b and a
// converted onto the same node. Placeholder marks carry no schema spec and
// neither exclude nor are excluded.
func dropExcludedMarks(marks []*Mark, newSchema *Schema) []*Mark {
	if len(marks) < 2 {
		return marks
	}
	excluded := make([]bool, len(marks))
	for i, m := range marks {
		if m.Placeholder {
			continue
		}
		spec, ok := newSchema.Marks[m.Type]
		if !ok || len(spec.Excludes) == 0 {
			continue
		}
		for j, other := range marks {
			if j != i && spec.Excludes[other.Type] {
				excluded[j] = true
			}
		}
	}

	var out []*Mark
	for i, m := range marks {
		if !excluded[i] {
			out = append(out, m)
		}
	}
	return out
}

// fillAttrDefaults fills missing attributes from spec's defaults and drops
// any provided attribute spec doesn't declare. It fails if a required
// (no-default) attribute is missing.
func fillAttrDefaults(spec map[string]AttrSpec, provided map[string]any) (map[string]any, bool) {
	out := make(map[string]any, len(spec))
	for name, as := range spec {
		if v, ok := provided[name]; ok {
			out[name] = v
			continue
		}
		if as.HasDefault {
			out[name] = as.Default
			continue
		}
		return nil, false
	}
	return out, true
}

func copyAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
