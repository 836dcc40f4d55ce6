package treekem

import "fmt"

// The functions below provide the index calculus for the tree structures
// used by this package.  They are premised on a "flat" representation of a
// left-balanced binary tree.  Leaf nodes are even-numbered nodes, with the
// n-th leaf at 2*n.  Intermediate nodes are held in odd-numbered nodes.
// For example, a 5-leaf tree has the following structure:
//
//          X
//    X           X
// X     X     X     X     X
// 0  1  2  3  4  5  6  7  8
//
// This allows us to compute relationships between tree nodes simply by
// manipulating indices, rather than maintaining linked structures in
// memory.  The basic rule is that the high-order bits of parent and child
// node indices have the following relation:
//
//    01x = <00x, 10x>

type LeafIndex uint32
type LeafCount uint32
type NodeIndex uint32
type NodeCount uint32

func toNodeIndex(leaf LeafIndex) NodeIndex {
	return NodeIndex(2 * leaf)
}

func toLeafIndex(node NodeIndex) LeafIndex {
	if node&0x01 != 0 {
		panic(fmt.Errorf("treekem.tree-math: parent node index %d is not a leaf", node))
	}
	return LeafIndex(node >> 1)
}

// Position of the most significant 1 bit
func log2(x NodeCount) uint {
	if x == 0 {
		return 0
	}

	k := uint(0)
	for (x >> k) > 0 {
		k += 1
	}
	return k - 1
}

// Position of the least significant 0 bit
func level(x NodeIndex) uint {
	if x&0x01 == 0 {
		return 0
	}

	k := uint(0)
	for (x>>k)&0x01 == 1 {
		k += 1
	}
	return k
}

// Number of node slots for a tree with N leaves
func nodeWidth(n LeafCount) NodeCount {
	if n == 0 {
		return 0
	}
	return NodeCount(2*(n-1) + 1)
}

// Number of leaves described by a node count; only odd counts are trees
func leafWidth(c NodeCount) LeafCount {
	if c == 0 {
		return 0
	}

	if c&1 == 0 {
		panic(fmt.Errorf("treekem.tree-math: only odd node counts describe trees"))
	}
	return LeafCount((c >> 1) + 1)
}

// Index of the root of the tree with N leaves
func root(n LeafCount) NodeIndex {
	w := nodeWidth(n)
	return NodeIndex((1 << log2(w)) - 1)
}

// Left child of x
func left(x NodeIndex) NodeIndex {
	if level(x) == 0 {
		return x
	}

	return x ^ (0x01 << (level(x) - 1))
}

// Right child of x, accounting for incomplete right-hand subtrees
func right(x NodeIndex, n LeafCount) NodeIndex {
	if level(x) == 0 {
		return x
	}

	w := NodeIndex(nodeWidth(n))
	r := x ^ (0x03 << (level(x) - 1))
	for r >= w {
		r = left(r)
	}
	return r
}

// Immediate parent of x; may not exist in the tree
func parentStep(x NodeIndex) NodeIndex {
	// xy01 -> x011
	k := level(x)
	one := uint(1)
	return NodeIndex((uint(x) | (one << k)) & ^(one << (k + 1)))
}

// Parent of x; the root's parent is itself
func parent(x NodeIndex, n LeafCount) NodeIndex {
	if x == root(n) {
		return x
	}

	w := NodeIndex(nodeWidth(n))
	p := parentStep(x)
	for p >= w {
		p = parentStep(p)
	}
	return p
}

// Sibling of x; the root's sibling is itself
func sibling(x NodeIndex, n LeafCount) NodeIndex {
	p := parent(x, n)
	if x < p {
		return right(p, n)
	} else if x > p {
		return left(p)
	}

	return p
}

// Direct path for x, ordered from leaf to root, excluding x, including root
func dirpath(x NodeIndex, n LeafCount) []NodeIndex {
	d := []NodeIndex{}
	if n == 0 {
		return d
	}

	p := x
	r := root(n)
	for p != r {
		p = parent(p, n)
		d = append(d, p)
	}
	return d
}

// Copath for x, ordered from leaf to root: the sibling of x, then the
// sibling of each node on x's direct path below the root
func copath(x NodeIndex, n LeafCount) []NodeIndex {
	if n == 0 || x == root(n) {
		return []NodeIndex{}
	}

	d := append([]NodeIndex{x}, dirpath(x, n)...)
	c := make([]NodeIndex, len(d)-1)
	for i := 0; i < len(d)-1; i++ {
		c[i] = sibling(d[i], n)
	}
	return c
}
