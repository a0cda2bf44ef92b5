package migration

import "testing"

func textNode(s string) *Node { return &Node{IsLeaf: true, IsText: true, Text: s} }

func TestSameShape_IdenticalTreesMatch(t *testing.T) {
	a := &Node{Children: []*Node{textNode("ab"), {IsLeaf: true}}}
	b := &Node{Children: []*Node{textNode("xy"), {IsLeaf: true}}}
	if !SameShape(a, b) {
		t.Fatal("expected identical shapes to match")
	}
}

func TestSameShape_CoalescesAdjacentTextRuns(t *testing.T) {
	// a: one text run of length 5, split across two adjacent text nodes.
	a := &Node{Children: []*Node{textNode("hel"), textNode("lo")}}
	// b: same total length 5, as a single text node.
	b := &Node{Children: []*Node{textNode("world")}}
	if !SameShape(a, b) {
		t.Fatal("expected coalesced text runs of equal length to match")
	}
}

func TestSameShape_DifferentTextLengthMismatches(t *testing.T) {
	a := &Node{Children: []*Node{textNode("ab")}}
	b := &Node{Children: []*Node{textNode("abc")}}
	if SameShape(a, b) {
		t.Fatal("expected different text lengths to mismatch")
	}
}

func TestSameShape_DifferentChildCountMismatches(t *testing.T) {
	a := &Node{Children: []*Node{{IsLeaf: true}}}
	b := &Node{Children: []*Node{{IsLeaf: true}, {IsLeaf: true}}}
	if SameShape(a, b) {
		t.Fatal("expected different child counts to mismatch")
	}
}

func TestSameShape_LeafVsBranchMismatches(t *testing.T) {
	a := &Node{IsLeaf: true}
	b := &Node{IsLeaf: false}
	if SameShape(a, b) {
		t.Fatal("expected leaf/branch mismatch to be detected")
	}
}

func TestNodeSize_TextIsRuneLength(t *testing.T) {
	n := textNode("héllo")
	if got := NodeSize(n); got != 5 {
		t.Fatalf("NodeSize() = %d, want 5", got)
	}
}

func TestNodeSize_BranchIsTwoPlusChildren(t *testing.T) {
	n := &Node{Children: []*Node{{IsLeaf: true}, {IsLeaf: true}}}
	if got := NodeSize(n); got != 4 {
		t.Fatalf("NodeSize() = %d, want 4", got)
	}
}
