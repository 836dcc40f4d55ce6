package treekem

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestGroup(t *testing.T, suite CipherSuite, size int) ([]*RatchetTree, []SignaturePrivateKey) {
	kps := make([]KeyPackage, size)
	sigs := make([]SignaturePrivateKey, size)
	inits := make([]HPKEPrivateKey, size)
	for i := range kps {
		kps[i], sigs[i], inits[i] = newTestKeyPackage(t, suite, fmt.Sprintf("member-%d", i))
	}

	// Each member holds its own view of the same tree
	trees := make([]*RatchetTree, size)
	for i := range trees {
		tree, err := NewRatchetTreeFromMembers(suite, LeafIndex(i), kps, inits[i])
		require.Nil(t, err)
		trees[i] = tree
	}
	return trees, sigs
}

// commitUpdate derives an update path at one member and applies it at every
// other occupied leaf, requiring all views to converge on the same root
// secret and public tree.
func commitUpdate(t *testing.T, trees []*RatchetTree, from int, sigs []SignaturePrivateKey, context []byte) []byte {
	suite := trees[from].CipherSuite
	leafSecret := suite.Digest(append([]byte("leaf-secret"), context...))

	path, rootSecret, err := trees[from].DeriveUpdatePath(LeafIndex(from), context, leafSecret, sigs[from])
	require.Nil(t, err)

	confirmation := trees[from].RootConfirmation(rootSecret)

	for i := range trees {
		if i == from || !trees[i].Occupied(trees[i].OwnLeaf) {
			continue
		}

		got, err := trees[i].ApplyUpdatePath(LeafIndex(from), path, context, confirmation)
		require.Nil(t, err)
		require.Equal(t, rootSecret, got)
		require.True(t, trees[from].Equals(trees[i]))
		require.Equal(t, trees[from].RootHash(), trees[i].RootHash())
	}

	return rootSecret
}

func TestTreeConstruction(t *testing.T) {
	suite := X25519_AES128GCM_SHA256_Ed25519
	trees, _ := newTestGroup(t, suite, 5)

	for i, tree := range trees {
		require.Equal(t, LeafCount(5), tree.Size())
		require.Equal(t, NodeCount(9), tree.NodeSize())
		require.Equal(t, LeafIndex(i), tree.OwnLeaf)

		for l := LeafIndex(0); l < 5; l += 1 {
			require.True(t, tree.Occupied(l))
			kp, ok := tree.KeyPackageFor(l)
			require.True(t, ok)
			require.Nil(t, kp.Verify())
		}

		// Only the own leaf private key is held at construction
		_, ok := tree.privateAt(toNodeIndex(LeafIndex(i)))
		require.True(t, ok)
		_, ok = tree.privateAt(tree.rootIndex())
		require.False(t, ok)
	}

	// All views agree on the public tree
	for i := 1; i < len(trees); i += 1 {
		require.True(t, trees[0].Equals(trees[i]))
		require.Equal(t, trees[0].RootHash(), trees[i].RootHash())
	}
}

func TestTreeConstructionFailures(t *testing.T) {
	suite := X25519_AES128GCM_SHA256_Ed25519
	kps := make([]KeyPackage, 2)
	inits := make([]HPKEPrivateKey, 2)
	for i := range kps {
		kps[i], _, inits[i] = newTestKeyPackage(t, suite, fmt.Sprintf("f-%d", i))
	}

	// Own leaf outside the tree
	_, err := NewRatchetTreeFromMembers(suite, 2, kps, inits[0])
	require.ErrorIs(t, err, ErrInvalidLeaf)

	// Init key does not match the claimed leaf
	_, err = NewRatchetTreeFromMembers(suite, 0, kps, inits[1])
	require.ErrorIs(t, err, ErrInvalidLeaf)

	// Ciphersuite mismatch is rejected at AddLeaf
	other, _, _ := newTestKeyPackage(t, X25519_CHACHA20POLY1305_SHA256_Ed25519, "f-2")
	tree := NewRatchetTree(suite)
	_, err = tree.AddLeaf(other)
	require.ErrorIs(t, err, ErrInvalidKeyPackage)

	// A corrupted signature is rejected at AddLeaf
	bad := kps[0]
	bad.Signature.Data = dup(bad.Signature.Data)
	bad.Signature.Data[0] ^= 0xff
	_, err = tree.AddLeaf(bad)
	require.ErrorIs(t, err, ErrInvalidKeyPackage)
}

func TestUpdatePathConvergence(t *testing.T) {
	for _, suite := range supportedSuites {
		trees, sigs := newTestGroup(t, suite, 4)

		// Every member commits in turn; all views stay convergent
		secrets := make([][]byte, len(trees))
		for i := range trees {
			secrets[i] = commitUpdate(t, trees, i, sigs, []byte(fmt.Sprintf("epoch-%d", i)))
		}

		// Each commit produced a fresh group secret
		for i := 1; i < len(secrets); i += 1 {
			require.NotEqual(t, secrets[i-1], secrets[i])
		}
	}
}

func TestUpdatePathDeterminism(t *testing.T) {
	suite := X25519_AES128GCM_SHA256_Ed25519

	a, sigsA := newTestGroup(t, suite, 4)
	b, sigsB := newTestGroup(t, suite, 4)

	context := []byte("same-context")
	leafSecret := suite.Digest([]byte("same-entropy"))

	_, rootA, err := a[0].DeriveUpdatePath(0, context, leafSecret, sigsA[0])
	require.Nil(t, err)
	_, rootB, err := b[0].DeriveUpdatePath(0, context, leafSecret, sigsB[0])
	require.Nil(t, err)

	// Same tree and same entropy produce the same tree and secret
	require.Equal(t, rootA, rootB)
	require.True(t, a[0].Equals(b[0]))
	require.Equal(t, a[0].RootHash(), b[0].RootHash())
}

func TestUpdatePathContract(t *testing.T) {
	suite := X25519_AES128GCM_SHA256_Ed25519
	trees, sigs := newTestGroup(t, suite, 4)
	context := []byte("contract")
	leafSecret := suite.Digest([]byte("contract-entropy"))

	// Deriving for another member's leaf is a programming error
	require.Panics(t, func() {
		trees[0].DeriveUpdatePath(1, context, leafSecret, sigs[0])
	})

	// So is applying our own path
	path, rootSecret, err := trees[0].DeriveUpdatePath(0, context, leafSecret, sigs[0])
	require.Nil(t, err)
	require.Panics(t, func() {
		trees[0].ApplyUpdatePath(0, path, context, nil)
	})

	confirmation := trees[0].RootConfirmation(rootSecret)

	// A path with the wrong number of nodes is rejected
	short := &UpdatePath{LeafKeyPackage: path.LeafKeyPackage, Nodes: path.Nodes[:1]}
	_, err = trees[1].ApplyUpdatePath(0, short, context, confirmation)
	require.ErrorIs(t, err, ErrBadPathLength)

	// A ciphertext list that does not match the resolution is rejected
	mangled := &UpdatePath{LeafKeyPackage: path.LeafKeyPackage, Nodes: make([]UpdatePathNode, len(path.Nodes))}
	copy(mangled.Nodes, path.Nodes)
	mangled.Nodes[0].EncryptedPathSecret = nil
	_, err = trees[1].ApplyUpdatePath(0, mangled, context, confirmation)
	require.ErrorIs(t, err, ErrCiphertextCount)

	// A bad confirmation is detected and the tree is left unchanged
	before := trees[1].clone()
	_, err = trees[1].ApplyUpdatePath(0, path, context, []byte("bogus"))
	require.ErrorIs(t, err, ErrRootMismatch)
	require.True(t, before.Equals(trees[1]))
	require.Equal(t, before.PathKeypairs.Keypairs, trees[1].PathKeypairs.Keypairs)

	// The genuine path still applies afterward
	got, err := trees[1].ApplyUpdatePath(0, path, context, confirmation)
	require.Nil(t, err)
	require.Equal(t, rootSecret, got)
}

// Path operations hand exactly one secret back to the caller and wipe the
// rest of the chain internally.  A failed derive or apply must leave the
// tree, including its private key material, exactly as it was, and a
// successful one must leave the returned root secret intact.
func TestUpdatePathSecretHygiene(t *testing.T) {
	suite := X25519_AES128GCM_SHA256_Ed25519
	trees, sigs := newTestGroup(t, suite, 4)
	context := []byte("hygiene")
	leafSecret := suite.Digest([]byte("hygiene-entropy"))

	// A failed encryption aborts the derive and leaves the sender's tree
	// and keypairs untouched
	broken := trees[0].clone()
	broken.Nodes[4].Leaf.InitKey = HPKEPublicKey{Data: []byte{1, 2, 3}}
	snapshot := broken.clone()
	_, _, err := broken.DeriveUpdatePath(0, context, leafSecret, sigs[0])
	require.Error(t, err)
	require.True(t, snapshot.Equals(broken))
	require.Equal(t, snapshot.PathKeypairs.Keypairs, broken.PathKeypairs.Keypairs)

	path, rootSecret, err := trees[0].DeriveUpdatePath(0, context, leafSecret, sigs[0])
	require.Nil(t, err)
	confirmation := trees[0].RootConfirmation(rootSecret)

	// An ancestor key that does not match the re-derived chain is rejected
	// above the merge point, leaving the receiver untouched
	tampered := &UpdatePath{LeafKeyPackage: path.LeafKeyPackage, Nodes: make([]UpdatePathNode, len(path.Nodes))}
	copy(tampered.Nodes, path.Nodes)
	last := len(tampered.Nodes) - 1
	tampered.Nodes[last].PublicKey = path.Nodes[0].PublicKey

	before := trees[1].clone()
	_, err = trees[1].ApplyUpdatePath(0, tampered, context, confirmation)
	require.ErrorIs(t, err, ErrPublicKeyMismatch)
	require.True(t, before.Equals(trees[1]))
	require.Equal(t, before.PathKeypairs.Keypairs, trees[1].PathKeypairs.Keypairs)

	// The secrets handed back to the callers survive the internal wipes
	got, err := trees[1].ApplyUpdatePath(0, path, context, confirmation)
	require.Nil(t, err)
	require.Equal(t, rootSecret, got)
	require.NotEqual(t, make([]byte, len(rootSecret)), rootSecret)
}

func TestRemoveThenCommit(t *testing.T) {
	suite := X25519_AES128GCM_SHA256_Ed25519
	trees, sigs := newTestGroup(t, suite, 4)
	context := []byte("remove")

	// Remove the member at leaf 2 from every view, including its own
	for _, tree := range trees {
		tree.BlankPath(2)
		require.False(t, tree.Occupied(2))
	}

	// The next commit re-keys around the blank
	leafSecret := suite.Digest([]byte("remove-entropy"))
	path, rootSecret, err := trees[0].DeriveUpdatePath(0, context, leafSecret, sigs[0])
	require.Nil(t, err)
	confirmation := trees[0].RootConfirmation(rootSecret)

	for _, i := range []int{1, 3} {
		got, err := trees[i].ApplyUpdatePath(0, path, context, confirmation)
		require.Nil(t, err)
		require.Equal(t, rootSecret, got)
		require.True(t, trees[0].Equals(trees[i]))
	}

	// The removed member holds no key in any resolution
	_, err = trees[2].ApplyUpdatePath(0, path, context, confirmation)
	require.ErrorIs(t, err, ErrNoDecryptionKey)
}

func TestAddLeafPlacement(t *testing.T) {
	suite := X25519_AES128GCM_SHA256_Ed25519
	trees, sigs := newTestGroup(t, suite, 3)

	// Give the tree populated parents
	commitUpdate(t, trees, 0, sigs, []byte("pre-add"))

	// A new member lands at the leftmost blank leaf, extending the tree
	kp, _, _ := newTestKeyPackage(t, suite, "member-3")
	for _, tree := range trees {
		index, err := tree.AddLeaf(kp)
		require.Nil(t, err)
		require.Equal(t, LeafIndex(3), index)
		require.Equal(t, LeafCount(4), tree.Size())
	}

	// Until the new member commits, it stays unmerged on populated
	// ancestors and appears individually in their resolutions
	rootNode := trees[0].rootIndex()
	require.Equal(t, []LeafIndex{3}, trees[0].Nodes[rootNode].Parent.UnmergedLeaves)
	require.Equal(t, []NodeIndex{3, 6}, trees[0].resolve(rootNode))

	// A removed slot is reused before extending
	for _, tree := range trees {
		tree.BlankPath(1)
	}
	replacement, _, _ := newTestKeyPackage(t, suite, "member-4")
	index, err := trees[0].AddLeaf(replacement)
	require.Nil(t, err)
	require.Equal(t, LeafIndex(1), index)
}

func TestResolution(t *testing.T) {
	suite := X25519_AES128GCM_SHA256_Ed25519
	trees, _ := newTestGroup(t, suite, 4)
	tree := trees[0]

	// All parents blank at construction: resolutions are the leaves below
	require.Equal(t, []NodeIndex{0, 2, 4, 6}, tree.resolve(3))
	require.Equal(t, []NodeIndex{4, 6}, tree.resolve(5))
	require.Equal(t, []NodeIndex{4}, tree.resolve(4))

	// A blanked leaf drops out
	tree.BlankPath(2)
	require.Equal(t, []NodeIndex{0, 2, 6}, tree.resolve(3))
	require.Equal(t, []NodeIndex{6}, tree.resolve(5))
	require.Equal(t, []NodeIndex{}, tree.resolve(4))
}

func TestRootHashChanges(t *testing.T) {
	suite := X25519_AES128GCM_SHA256_Ed25519
	trees, sigs := newTestGroup(t, suite, 4)

	h0 := trees[0].RootHash()
	commitUpdate(t, trees, 1, sigs, []byte("h1"))
	h1 := trees[0].RootHash()
	require.NotEqual(t, h0, h1)

	trees[0].BlankPath(3)
	require.NotEqual(t, h1, trees[0].RootHash())
}
