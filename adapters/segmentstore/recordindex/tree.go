// Package recordindex is a small balanced binary search tree over a
// segment's root table, letting a caller ask "does this segment declare a
// root of type T, and at what offset" in O(log n) instead of scanning the
// root list linearly.
package recordindex

import "sort"

// Entry is one (type, offset) pair taken from a segment's root table.
type Entry struct {
	Type   uint8
	Offset int
}

type entries []Entry

func (e entries) Len() int           { return len(e) }
func (e entries) Swap(i, j int)      { e[i], e[j] = e[j], e[i] }
func (e entries) Less(i, j int) bool { return e[i].Type < e[j].Type }

// Tree is a balanced binary tree laid out in array form: the children of
// node i live at 2i+1 and 2i+2, so a tree built from sorted input is
// always height-balanced regardless of insertion order.
type Tree struct {
	nodes []*Entry
}

// NewBalanced builds a Tree over root, producing a balanced layout
// regardless of the order root entries were declared in. Duplicate types
// are kept (a segment can carry more than one MAP or TEMPLATE root); Find
// returns the first match a balanced descent reaches.
func NewBalanced(root []Entry) Tree {
	if len(root) == 0 {
		return Tree{}
	}
	sorted := append(entries(nil), root...)
	sort.Stable(sorted)

	t := Tree{nodes: make([]*Entry, treeCapacity(len(sorted)))}
	t.build(sorted, 0, 0, len(sorted)-1)
	return t
}

// treeCapacity returns the array size needed for a heap-indexed balanced
// binary tree holding n nodes.
func treeCapacity(n int) int {
	if n <= 0 {
		return 0
	}
	size := 1
	for size <= n {
		size *= 2
	}
	return size
}

func (t *Tree) build(sorted []Entry, target, lo, hi int) {
	if lo > hi || target >= len(t.nodes) {
		return
	}
	mid := (lo + hi) / 2
	e := sorted[mid]
	t.nodes[target] = &e
	t.build(sorted, left(target), lo, mid-1)
	t.build(sorted, right(target), mid+1, hi)
}

func left(i int) int  { return 2*i + 1 }
func right(i int) int { return 2*i + 2 }

func (t *Tree) exists(i int) bool {
	return i >= 0 && i < len(t.nodes) && t.nodes[i] != nil
}

// Find reports the offset of a root of type t, descending the tree in
// O(log n) comparisons rather than scanning every entry.
func (t *Tree) Find(typ uint8) (int, bool) {
	return t.findAt(0, typ)
}

func (t *Tree) findAt(i int, typ uint8) (int, bool) {
	if !t.exists(i) {
		return 0, false
	}
	node := t.nodes[i]
	switch {
	case typ == node.Type:
		return node.Offset, true
	case typ < node.Type:
		return t.findAt(left(i), typ)
	default:
		return t.findAt(right(i), typ)
	}
}

// All returns every entry in the tree, in ascending type order.
func (t *Tree) All() []Entry {
	var out []Entry
	t.inorder(0, &out)
	return out
}

func (t *Tree) inorder(i int, out *[]Entry) {
	if !t.exists(i) {
		return
	}
	t.inorder(left(i), out)
	*out = append(*out, *t.nodes[i])
	t.inorder(right(i), out)
}
