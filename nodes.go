package treekem

import (
	"fmt"
	"sort"

	"github.com/cisco/go-tls-syntax"
)

///
/// Node model
///
/// A tree slot is one of three shapes: empty, a leaf holding a member's
/// key package, or a parent holding an intermediate public key plus the
/// bookkeeping needed to compute resolutions.  On the wire the shape is a
/// one-byte discriminant followed by the variant payload.

type NodeType uint8

const (
	NodeTypeEmpty  NodeType = 0
	NodeTypeLeaf   NodeType = 1
	NodeTypeParent NodeType = 2
)

func (nt NodeType) ValidForTLS() error {
	return validateEnum(nt, NodeTypeEmpty, NodeTypeLeaf, NodeTypeParent)
}

// ParentNode tracks the leaves that were added below this node after its
// key was last set; until those members contribute their own path update
// they cannot decrypt to this node's key, so they must appear in the
// resolution individually.
type ParentNode struct {
	PublicKey      HPKEPublicKey
	UnmergedLeaves []LeafIndex `tls:"head=4"`
}

func (n *ParentNode) AddUnmerged(l LeafIndex) {
	n.UnmergedLeaves = append(n.UnmergedLeaves, l)
	sort.Slice(n.UnmergedLeaves, func(i, j int) bool {
		return n.UnmergedLeaves[i] < n.UnmergedLeaves[j]
	})
}

func (n ParentNode) Clone() ParentNode {
	cloned := ParentNode{
		PublicKey:      n.PublicKey,
		UnmergedLeaves: make([]LeafIndex, len(n.UnmergedLeaves)),
	}
	copy(cloned.UnmergedLeaves, n.UnmergedLeaves)
	return cloned
}

func (n ParentNode) Equals(o ParentNode) bool {
	if !n.PublicKey.Equals(o.PublicKey) {
		return false
	}
	if len(n.UnmergedLeaves) != len(o.UnmergedLeaves) {
		return false
	}
	for i := range n.UnmergedLeaves {
		if n.UnmergedLeaves[i] != o.UnmergedLeaves[i] {
			return false
		}
	}
	return true
}

// Node is the closed sum over the three slot shapes; both pointers nil
// means the slot is empty (blank).
type Node struct {
	Leaf   *KeyPackage
	Parent *ParentNode
}

func newLeafNode(kp KeyPackage) Node {
	kp.InitPrivateKey = nil
	return Node{Leaf: &kp}
}

func newParentNode(pub HPKEPublicKey) Node {
	return Node{Parent: &ParentNode{
		PublicKey:      pub,
		UnmergedLeaves: []LeafIndex{},
	}}
}

func (n Node) Type() NodeType {
	switch {
	case n.Leaf != nil:
		return NodeTypeLeaf
	case n.Parent != nil:
		return NodeTypeParent
	default:
		return NodeTypeEmpty
	}
}

func (n Node) Blank() bool {
	return n.Type() == NodeTypeEmpty
}

// PublicKey of whatever occupies the slot; nil for a blank.
func (n Node) PublicKey() *HPKEPublicKey {
	switch n.Type() {
	case NodeTypeLeaf:
		return &n.Leaf.InitKey
	case NodeTypeParent:
		return &n.Parent.PublicKey
	default:
		return nil
	}
}

func (n Node) Clone() Node {
	switch n.Type() {
	case NodeTypeLeaf:
		kp := *n.Leaf
		return Node{Leaf: &kp}
	case NodeTypeParent:
		p := n.Parent.Clone()
		return Node{Parent: &p}
	default:
		return Node{}
	}
}

func (n Node) Equals(o Node) bool {
	if n.Type() != o.Type() {
		return false
	}

	switch n.Type() {
	case NodeTypeLeaf:
		return n.Leaf.Equals(*o.Leaf)
	case NodeTypeParent:
		return n.Parent.Equals(*o.Parent)
	default:
		return true
	}
}

func (n Node) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	err := s.Write(n.Type())
	if err != nil {
		return nil, fmt.Errorf("treekem.node: Marshal failed: %v", err)
	}

	switch n.Type() {
	case NodeTypeEmpty:
		// no payload
	case NodeTypeLeaf:
		err = s.Write(n.Leaf)
	case NodeTypeParent:
		err = s.Write(n.Parent)
	}

	if err != nil {
		return nil, fmt.Errorf("treekem.node: Marshal failed: %v", err)
	}
	return s.Data(), nil
}

func (n *Node) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)

	// Read the discriminant as a raw byte so an unrecognized value is
	// reported as an unknown-variant error rather than a generic one.
	var rawType uint8
	_, err := s.Read(&rawType)
	if err != nil {
		return 0, fmt.Errorf("%w: node: %v", ErrDecode, err)
	}

	n.Leaf = nil
	n.Parent = nil
	switch NodeType(rawType) {
	case NodeTypeEmpty:
		// no payload
	case NodeTypeLeaf:
		n.Leaf = new(KeyPackage)
		_, err = s.Read(n.Leaf)
	case NodeTypeParent:
		n.Parent = new(ParentNode)
		_, err = s.Read(n.Parent)
	default:
		return 0, fmt.Errorf("%w: node type %d", ErrUnknownVariant, rawType)
	}

	if err != nil {
		return 0, fmt.Errorf("%w: node: %v", ErrDecode, err)
	}
	return s.Position(), nil
}
