package treekem

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// Hand-computed relations for a 5-leaf tree:
//
//              7
//        3
//     1     5
//    0 2   4 6     8
var (
	aLeafCount = LeafCount(5)
	aNodeWidth = NodeCount(9)
	aRoot      = NodeIndex(7)

	aLevel   = []uint{0, 1, 0, 2, 0, 1, 0, 3, 0}
	aLeft    = []NodeIndex{0, 0, 2, 1, 4, 4, 6, 3, 8}
	aRight   = []NodeIndex{0, 2, 2, 5, 4, 6, 6, 8, 8}
	aParent  = []NodeIndex{1, 3, 1, 7, 5, 3, 5, 7, 7}
	aSibling = []NodeIndex{2, 5, 0, 8, 6, 1, 4, 7, 3}

	aDirpath = [][]NodeIndex{
		{1, 3, 7},
		{3, 7},
		{1, 3, 7},
		{7},
		{5, 3, 7},
		{3, 7},
		{5, 3, 7},
		{},
		{7},
	}

	aCopath = [][]NodeIndex{
		{2, 5, 8},
		{5, 8},
		{0, 5, 8},
		{8},
		{6, 1, 8},
		{1, 8},
		{4, 1, 8},
		{},
		{3},
	}
)

func TestTreeMathVectors(t *testing.T) {
	require.Equal(t, aNodeWidth, nodeWidth(aLeafCount))
	require.Equal(t, aLeafCount, leafWidth(aNodeWidth))
	require.Equal(t, aRoot, root(aLeafCount))

	for i := NodeIndex(0); i < NodeIndex(aNodeWidth); i += 1 {
		require.Equal(t, aLevel[i], level(i))
		require.Equal(t, aLeft[i], left(i))
		require.Equal(t, aRight[i], right(i, aLeafCount))
		require.Equal(t, aParent[i], parent(i, aLeafCount))
		require.Equal(t, aSibling[i], sibling(i, aLeafCount))
		require.Equal(t, aDirpath[i], dirpath(i, aLeafCount))
		require.Equal(t, aCopath[i], copath(i, aLeafCount))
	}
}

func TestTreeMathProperties(t *testing.T) {
	for n := LeafCount(1); n <= 64; n += 1 {
		w := nodeWidth(n)
		require.Equal(t, n, leafWidth(w))

		r := root(n)
		require.True(t, NodeCount(r) < w)

		for x := NodeIndex(0); x < NodeIndex(w); x += 1 {
			// Parent/child consistency
			if x != r {
				p := parent(x, n)
				require.True(t, x == left(p) || x == right(p, n))
			}

			// A direct path ends at the root; a copath mirrors it
			d := dirpath(x, n)
			c := copath(x, n)
			require.Equal(t, len(d), len(c))
			if x != r {
				require.Equal(t, r, d[len(d)-1])
			}
			for i := range c {
				require.Equal(t, parent(c[i], n), d[i])
			}
		}

		// Leaf index round trip
		for l := LeafIndex(0); LeafCount(l) < n; l += 1 {
			x := toNodeIndex(l)
			require.Equal(t, uint(0), level(x))
			require.Equal(t, l, toLeafIndex(x))
		}
	}
}

func TestTreeMathPanics(t *testing.T) {
	require.Panics(t, func() { toLeafIndex(1) })
	require.Panics(t, func() { leafWidth(4) })
}
