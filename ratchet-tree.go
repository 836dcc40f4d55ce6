package treekem

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/cisco/go-tls-syntax"
)

///
/// Tree hash inputs
///

type ParentNodeInfo struct {
	PublicKey      HPKEPublicKey
	UnmergedLeaves []LeafIndex `tls:"head=4"`
}

type ParentNodeHashInput struct {
	HashType  uint8
	Info      *ParentNodeInfo `tls:"optional"`
	LeftHash  []byte          `tls:"head=1"`
	RightHash []byte          `tls:"head=1"`
}

type LeafNodeInfo struct {
	KeyPackage KeyPackage
}

type LeafNodeHashInput struct {
	HashType uint8
	Info     *LeafNodeInfo `tls:"optional"`
}

///
/// Update paths
///

// UpdatePathNode carries the new public key for one ancestor on the
// committer's direct path, plus the path secret for that ancestor
// encrypted to every entry of the corresponding copath resolution, in
// ascending node-index order.  Receivers locate their ciphertext by
// position within the resolution.
type UpdatePathNode struct {
	PublicKey           HPKEPublicKey
	EncryptedPathSecret []HPKECiphertext `tls:"head=4"`
}

type UpdatePath struct {
	LeafKeyPackage KeyPackage
	Nodes          []UpdatePathNode `tls:"head=2"`
}

///
/// PathKeypairs
///

// PathKeypairs holds the local member's private halves along its own
// leaf-to-root path.  Entry 0 is the leaf; entry i+1 is the i-th ancestor.
// Entries with empty Data are nodes whose private key this member does not
// hold.  The whole set is replaced (and the old one wiped) whenever the
// member's path is re-derived.
type PathKeypairs struct {
	Keypairs []HPKEPrivateKey `tls:"head=4"`
}

func (pk *PathKeypairs) Wipe() {
	for i := range pk.Keypairs {
		zeroize(pk.Keypairs[i].Data)
	}
	pk.Keypairs = nil
}

func (pk PathKeypairs) Clone() PathKeypairs {
	out := PathKeypairs{Keypairs: make([]HPKEPrivateKey, len(pk.Keypairs))}
	for i, kp := range pk.Keypairs {
		if len(kp.Data) == 0 {
			continue
		}
		out.Keypairs[i] = HPKEPrivateKey{
			Data:      dup(kp.Data),
			PublicKey: HPKEPublicKey{dup(kp.PublicKey.Data)},
		}
	}
	return out
}

///
/// Ratchet tree
///

// RatchetTree is the TreeKEM state held by one member: the public tree,
// the member's own leaf index, and the private keys it holds along its own
// path.  The wire encoding below is for local checkpointing only; it
// embeds private key material and must never cross the network boundary.
type RatchetTree struct {
	CipherSuite  CipherSuite
	Nodes        []Node `tls:"head=4"`
	PathKeypairs PathKeypairs
	OwnLeaf      LeafIndex
}

func NewRatchetTree(suite CipherSuite) *RatchetTree {
	return &RatchetTree{
		CipherSuite: suite,
		Nodes:       []Node{},
	}
}

// NewRatchetTreeFromMembers builds the tree for a freshly created group:
// every initial member's key package at its leaf, with `own` marking the
// local member, whose HPKE init private key seeds PathKeypairs.
func NewRatchetTreeFromMembers(suite CipherSuite, own LeafIndex, members []KeyPackage, initPriv HPKEPrivateKey) (*RatchetTree, error) {
	t := NewRatchetTree(suite)
	for i := range members {
		index, err := t.AddLeaf(members[i])
		if err != nil {
			return nil, err
		}
		if index != LeafIndex(i) {
			return nil, fmt.Errorf("treekem.tree: unexpected leaf placement %d != %d", index, i)
		}
	}

	if LeafCount(own) >= t.Size() {
		return nil, fmt.Errorf("%w: own leaf %d outside tree", ErrInvalidLeaf, own)
	}

	if !initPriv.PublicKey.Equals(members[own].InitKey) {
		return nil, fmt.Errorf("%w: init key does not match own leaf", ErrInvalidLeaf)
	}

	t.OwnLeaf = own
	t.alignKeypairs(nil)
	t.setPrivateAt(toNodeIndex(own), initPriv)
	return t, nil
}

// Size is the number of leaves in the tree.
func (t *RatchetTree) Size() LeafCount {
	return leafWidth(NodeCount(len(t.Nodes)))
}

func (t *RatchetTree) NodeSize() NodeCount {
	return NodeCount(len(t.Nodes))
}

func (t *RatchetTree) rootIndex() NodeIndex {
	return root(t.Size())
}

func (t *RatchetTree) Occupied(l LeafIndex) bool {
	n := toNodeIndex(l)
	if int(n) >= len(t.Nodes) {
		return false
	}
	return !t.Nodes[n].Blank()
}

// KeyPackageFor returns the key package at a leaf, if any.
func (t *RatchetTree) KeyPackageFor(l LeafIndex) (KeyPackage, bool) {
	if !t.Occupied(l) {
		return KeyPackage{}, false
	}
	return *t.Nodes[toNodeIndex(l)].Leaf, true
}

// AddLeaf places a key package at the leftmost blank leaf, extending the
// tree if it is full.  The new leaf is marked unmerged on every non-blank
// ancestor until it contributes its own path update.
func (t *RatchetTree) AddLeaf(kp KeyPackage) (LeafIndex, error) {
	if kp.CipherSuite != t.CipherSuite {
		return 0, fmt.Errorf("%w: ciphersuite mismatch", ErrInvalidKeyPackage)
	}

	if err := kp.Verify(); err != nil {
		return 0, err
	}

	// Leftmost blank leaf, or extend
	index := LeafIndex(0)
	size := LeafIndex(t.Size())
	for index < size && t.Occupied(index) {
		index++
	}

	oldPath := t.ownPath()

	n := toNodeIndex(index)
	for len(t.Nodes) < int(n)+1 {
		t.Nodes = append(t.Nodes, Node{})
	}

	t.Nodes[n] = newLeafNode(kp)

	for _, v := range dirpath(n, t.Size()) {
		if t.Nodes[v].Parent == nil {
			continue
		}
		t.Nodes[v].Parent.AddUnmerged(index)
	}

	t.alignKeypairs(oldPath)
	return index, nil
}

// BlankPath implements Remove: the leaf and every ancestor on its direct
// path are blanked, shrinking resolutions for subsequent path derivations.
// No re-keying happens here; that is deferred to the next committed update
// path.
func (t *RatchetTree) BlankPath(index LeafIndex) {
	if len(t.Nodes) == 0 || LeafCount(index) >= t.Size() {
		return
	}

	n := toNodeIndex(index)
	t.Nodes[n] = Node{}
	t.dropPrivateAt(n)

	for _, v := range dirpath(n, t.Size()) {
		t.Nodes[v] = Node{}
		t.dropPrivateAt(v)
	}
}

// DeriveUpdatePath re-keys the local member's leaf-to-root path from fresh
// entropy and returns the update path for the other members along with the
// new group secret (the path secret at the root).  Calling it for a leaf
// other than the local member's, or for a blank or out-of-range leaf, is a
// programming-contract violation.
func (t *RatchetTree) DeriveUpdatePath(from LeafIndex, context, leafSecret []byte, sigPriv SignaturePrivateKey) (*UpdatePath, []byte, error) {
	if LeafCount(from) >= t.Size() || !t.Occupied(from) {
		panic(fmt.Errorf("treekem.tree: DeriveUpdatePath for invalid leaf %d", from))
	}
	if from != t.OwnLeaf {
		panic(fmt.Errorf("treekem.tree: DeriveUpdatePath for non-local leaf %d", from))
	}

	size := t.Size()
	leafNode := toNodeIndex(from)
	dp := dirpath(leafNode, size)

	// Derive the path secret chain and keypairs, leaf first.  Everything
	// but the returned root secret is wiped on the way out; a failure
	// wipes the root and the uncommitted keypairs as well.
	secrets := make([][]byte, len(dp)+1)
	keypairs := make([]HPKEPrivateKey, len(dp)+1)
	committed := false
	defer func() {
		for i := 0; i < len(secrets)-1; i++ {
			zeroize(secrets[i])
		}
		if !committed {
			zeroize(secrets[len(secrets)-1])
			for i := range keypairs {
				zeroize(keypairs[i].Data)
			}
		}
	}()

	secrets[0] = dup(leafSecret)
	for i := range dp {
		secrets[i+1] = t.pathStep(secrets[i])
	}

	var err error
	for i := range secrets {
		keypairs[i], err = t.nodePrivateKey(secrets[i])
		if err != nil {
			return nil, nil, err
		}
	}

	// Re-sign the leaf key package under the new init key
	kp := *t.Nodes[leafNode].Leaf
	kp.InitKey = keypairs[0].PublicKey
	if err := kp.Sign(sigPriv); err != nil {
		return nil, nil, err
	}

	// Encrypt each ancestor's path secret to the resolution of the copath
	// node below it
	cp := copath(leafNode, size)
	path := &UpdatePath{
		LeafKeyPackage: kp,
		Nodes:          make([]UpdatePathNode, len(dp)),
	}
	for i := range dp {
		pathNode := UpdatePathNode{PublicKey: keypairs[i+1].PublicKey}

		for _, nr := range t.resolve(cp[i]) {
			pub := t.Nodes[nr].PublicKey()
			ct, err := t.CipherSuite.hpke().Encrypt(*pub, context, secrets[i+1])
			if err != nil {
				return nil, nil, fmt.Errorf("treekem.tree: path secret encrypt failed: %v", err)
			}
			pathNode.EncryptedPathSecret = append(pathNode.EncryptedPathSecret, ct)
		}

		path.Nodes[i] = pathNode
	}

	// Commit the new path into the tree: leaf, then ancestors with cleared
	// unmerged lists; the old keypairs are wiped wholesale.
	t.Nodes[leafNode] = newLeafNode(kp)
	for i, v := range dp {
		t.Nodes[v] = newParentNode(keypairs[i+1].PublicKey)
	}

	t.PathKeypairs.Wipe()
	t.PathKeypairs.Keypairs = keypairs

	rootSecret := secrets[len(secrets)-1]
	committed = true
	return path, rootSecret, nil
}

// ApplyUpdatePath processes another member's update path: it decrypts the
// one ciphertext addressed to a key this member holds, re-derives the
// remaining ancestors up to the root, verifies every derived public key
// against the path, and returns the group secret.  When confirmation is
// non-nil it must match RootConfirmation over the new root secret; a
// mismatch is a hard integrity failure and leaves the tree unchanged.
func (t *RatchetTree) ApplyUpdatePath(from LeafIndex, path *UpdatePath, context, confirmation []byte) ([]byte, error) {
	if LeafCount(from) >= t.Size() {
		panic(fmt.Errorf("treekem.tree: ApplyUpdatePath for leaf %d outside tree", from))
	}
	if from == t.OwnLeaf {
		panic(fmt.Errorf("treekem.tree: ApplyUpdatePath for own update path"))
	}

	if err := path.LeafKeyPackage.Verify(); err != nil {
		return nil, err
	}

	size := t.Size()
	leafNode := toNodeIndex(from)
	dp := dirpath(leafNode, size)
	if len(path.Nodes) != len(dp) {
		return nil, fmt.Errorf("%w: %d != %d", ErrBadPathLength, len(path.Nodes), len(dp))
	}

	// All mutation happens on a scratch copy; the tree is only replaced
	// once the whole path checks out.
	next := t.clone()

	// Chain of recovered path secrets, merge point first.  Everything but
	// the returned root secret is wiped on the way out; a failure wipes
	// the root and the scratch keypairs as well.
	var chain [][]byte
	committed := false
	defer func() {
		if len(chain) == 0 {
			return
		}
		for i := 0; i < len(chain)-1; i++ {
			zeroize(chain[i])
		}
		if !committed {
			zeroize(chain[len(chain)-1])
			next.PathKeypairs.Wipe()
		}
	}()

	// Locate and decrypt the one path secret addressed to us
	cp := copath(leafNode, size)
	mergeAt := -1
	for i := range cp {
		res := t.resolve(cp[i])
		if len(path.Nodes[i].EncryptedPathSecret) != len(res) {
			return nil, fmt.Errorf("%w: node %d: %d != %d", ErrCiphertextCount,
				i, len(path.Nodes[i].EncryptedPathSecret), len(res))
		}

		if mergeAt >= 0 {
			continue
		}

		for idx, v := range res {
			priv, ok := t.privateAt(v)
			if !ok {
				continue
			}

			pt, err := t.CipherSuite.hpke().Decrypt(priv, context, path.Nodes[i].EncryptedPathSecret[idx])
			if err != nil {
				return nil, fmt.Errorf("%w: node %d: %v", ErrNoDecryptionKey, v, err)
			}

			mergeAt = i
			chain = append(chain, pt)
			break
		}
	}

	if mergeAt < 0 {
		return nil, ErrNoDecryptionKey
	}

	// Re-derive upward from the merge point, checking each public key
	for i := mergeAt; i < len(dp); i++ {
		priv, err := t.nodePrivateKey(chain[len(chain)-1])
		if err != nil {
			return nil, err
		}

		if !priv.PublicKey.Equals(path.Nodes[i].PublicKey) {
			return nil, fmt.Errorf("%w: ancestor %d", ErrPublicKeyMismatch, i)
		}

		next.setPrivateAt(dp[i], priv)
		if i < len(dp)-1 {
			chain = append(chain, t.pathStep(chain[len(chain)-1]))
		}
	}
	// The last chain entry is the path secret at the root
	rootSecret := chain[len(chain)-1]

	// Install the new public path
	next.Nodes[leafNode] = newLeafNode(path.LeafKeyPackage)
	for i, v := range dp {
		next.Nodes[v] = newParentNode(path.Nodes[i].PublicKey)
	}

	if confirmation != nil {
		expected := next.RootConfirmation(rootSecret)
		if !bytes.Equal(expected, confirmation) {
			return nil, ErrRootMismatch
		}
	}

	t.PathKeypairs.Wipe()
	t.Nodes = next.Nodes
	t.PathKeypairs = next.PathKeypairs
	committed = true
	return rootSecret, nil
}

// RootConfirmation binds a root secret to the current public tree; the
// handshake layer transmits it alongside an update path so receivers can
// detect divergent tree state.
func (t *RatchetTree) RootConfirmation(rootSecret []byte) []byte {
	return t.CipherSuite.hkdfExpandLabel(rootSecret, "confirm", t.RootHash(), t.CipherSuite.Constants().SecretSize)
}

///
/// Tree hashing
///

func (t *RatchetTree) RootHash() []byte {
	if len(t.Nodes) == 0 {
		return t.CipherSuite.Digest([]byte{})
	}
	return t.nodeHash(t.rootIndex())
}

func (t *RatchetTree) nodeHash(index NodeIndex) []byte {
	if level(index) == 0 {
		return t.leafHash(index)
	}

	l := t.nodeHash(left(index))
	r := t.nodeHash(right(index, t.Size()))

	phi := ParentNodeHashInput{HashType: 1, LeftHash: l, RightHash: r}
	if t.Nodes[index].Parent != nil {
		phi.Info = &ParentNodeInfo{
			PublicKey:      t.Nodes[index].Parent.PublicKey,
			UnmergedLeaves: t.Nodes[index].Parent.UnmergedLeaves,
		}
	}

	data, err := syntax.Marshal(phi)
	if err != nil {
		panic(fmt.Errorf("treekem.tree: parent hash marshal failure %v", err))
	}
	return t.CipherSuite.Digest(data)
}

func (t *RatchetTree) leafHash(index NodeIndex) []byte {
	lhi := LeafNodeHashInput{HashType: 0}
	if t.Nodes[index].Leaf != nil {
		lhi.Info = &LeafNodeInfo{KeyPackage: *t.Nodes[index].Leaf}
	}

	data, err := syntax.Marshal(lhi)
	if err != nil {
		panic(fmt.Errorf("treekem.tree: leaf hash marshal failure %v", err))
	}
	return t.CipherSuite.Digest(data)
}

///
/// Resolutions
///

// resolve computes the minimal covering set of non-blank nodes below
// index, in ascending node-index order.  A non-blank node resolves to
// itself plus its unmerged leaves; a blank leaf resolves to nothing; a
// blank parent resolves to the concatenation of its children's
// resolutions.
func (t *RatchetTree) resolve(index NodeIndex) []NodeIndex {
	if !t.Nodes[index].Blank() {
		res := []NodeIndex{index}
		if t.Nodes[index].Parent != nil {
			for _, v := range t.Nodes[index].Parent.UnmergedLeaves {
				res = append(res, toNodeIndex(v))
			}
		}
		sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
		return res
	}

	if level(index) == 0 {
		return []NodeIndex{}
	}

	l := t.resolve(left(index))
	r := t.resolve(right(index, t.Size()))
	l = append(l, r...)
	sort.Slice(l, func(i, j int) bool { return l[i] < l[j] })
	return l
}

///
/// Path secret derivation
///

func (t *RatchetTree) pathStep(pathSecret []byte) []byte {
	return t.CipherSuite.hkdfExpandLabel(pathSecret, "path", []byte{}, t.CipherSuite.Constants().SecretSize)
}

func (t *RatchetTree) nodeStep(pathSecret []byte) []byte {
	return t.CipherSuite.hkdfExpandLabel(pathSecret, "node", []byte{}, t.CipherSuite.Constants().SecretSize)
}

func (t *RatchetTree) nodePrivateKey(pathSecret []byte) (HPKEPrivateKey, error) {
	return t.CipherSuite.hpke().Derive(t.nodeStep(pathSecret))
}

///
/// Own-path private key bookkeeping
///

func (t *RatchetTree) ownPath() []NodeIndex {
	leafNode := toNodeIndex(t.OwnLeaf)
	return append([]NodeIndex{leafNode}, dirpath(leafNode, t.Size())...)
}

// alignKeypairs keeps PathKeypairs index-aligned with the own leaf's
// ancestor chain as the tree grows.  Growth can insert a fresh ancestor
// in the middle of the path, so entries are carried over by node index
// from the pre-growth path rather than padded at the end.
func (t *RatchetTree) alignKeypairs(oldPath []NodeIndex) {
	if len(t.Nodes) == 0 {
		return
	}

	newPath := t.ownPath()
	next := make([]HPKEPrivateKey, len(newPath))
	for i, n := range newPath {
		for j, o := range oldPath {
			if o == n && j < len(t.PathKeypairs.Keypairs) {
				next[i] = t.PathKeypairs.Keypairs[j]
				break
			}
		}
	}
	t.PathKeypairs.Keypairs = next
}

func (t *RatchetTree) privateAt(n NodeIndex) (HPKEPrivateKey, bool) {
	for i, v := range t.ownPath() {
		if v != n {
			continue
		}
		if i >= len(t.PathKeypairs.Keypairs) || len(t.PathKeypairs.Keypairs[i].Data) == 0 {
			return HPKEPrivateKey{}, false
		}
		return t.PathKeypairs.Keypairs[i], true
	}
	return HPKEPrivateKey{}, false
}

func (t *RatchetTree) setPrivateAt(n NodeIndex, priv HPKEPrivateKey) {
	t.alignKeypairs(t.ownPath())
	for i, v := range t.ownPath() {
		if v != n {
			continue
		}
		zeroize(t.PathKeypairs.Keypairs[i].Data)
		t.PathKeypairs.Keypairs[i] = priv
		return
	}
	panic(fmt.Errorf("treekem.tree: node %d not on own path", n))
}

func (t *RatchetTree) dropPrivateAt(n NodeIndex) {
	for i, v := range t.ownPath() {
		if v == n && i < len(t.PathKeypairs.Keypairs) {
			zeroize(t.PathKeypairs.Keypairs[i].Data)
			t.PathKeypairs.Keypairs[i] = HPKEPrivateKey{}
			return
		}
	}
}

///
/// Misc
///

func (t *RatchetTree) clone() *RatchetTree {
	nodes := make([]Node, len(t.Nodes))
	for i, n := range t.Nodes {
		nodes[i] = n.Clone()
	}

	return &RatchetTree{
		CipherSuite:  t.CipherSuite,
		Nodes:        nodes,
		PathKeypairs: t.PathKeypairs.Clone(),
		OwnLeaf:      t.OwnLeaf,
	}
}

func (t *RatchetTree) Equals(o *RatchetTree) bool {
	if len(t.Nodes) != len(o.Nodes) {
		return false
	}

	for i := range t.Nodes {
		if !t.Nodes[i].Equals(o.Nodes[i]) {
			return false
		}
	}
	return true
}

func (t *RatchetTree) Dump(label string) {
	fmt.Printf("===== tree(%s) [%04x] =====\n", label, uint16(t.CipherSuite))
	fmt.Printf("===== rootHash [%x] =====\n", t.RootHash())

	for i, n := range t.Nodes {
		if n.Blank() {
			fmt.Printf("  %2d _\n", i)
		} else {
			fmt.Printf("  %2d [%x]\n", i, n.PublicKey().Data)
		}
	}
}
