package migration

// SameShape reports whether a and b have identical recursive structure:
// equal isLeaf/isText/nodeSize, and, after coalescing consecutive text
// children in both, same-shape children pairing up with identical coalesced
// text lengths. Used as the migration engine's post-condition.
func SameShape(a, b *Node) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.IsLeaf != b.IsLeaf || a.IsText != b.IsText {
		return false
	}
	if NodeSize(a) != NodeSize(b) {
		return false
	}
	if a.IsLeaf {
		return true
	}

	ca := coalesce(a.Children)
	cb := coalesce(b.Children)
	if len(ca) != len(cb) {
		return false
	}
	for i := range ca {
		if ca[i].isText != cb[i].isText {
			return false
		}
		if ca[i].isText {
			if ca[i].textLen != cb[i].textLen {
				return false
			}
			continue
		}
		if !SameShape(ca[i].node, cb[i].node) {
			return false
		}
	}
	return true
}

type shapeUnit struct {
	isText  bool
	textLen int
	node    *Node
}

// coalesce merges consecutive text children into a single shapeUnit
// carrying their combined rune length, leaving non-text children as-is.
func coalesce(children []*Node) []shapeUnit {
	var out []shapeUnit
	for _, c := range children {
		if c.IsText && len(out) > 0 && out[len(out)-1].isText {
			out[len(out)-1].textLen += len([]rune(c.Text))
			continue
		}
		if c.IsText {
			out = append(out, shapeUnit{isText: true, textLen: len([]rune(c.Text))})
			continue
		}
		out = append(out, shapeUnit{node: c})
	}
	return out
}
