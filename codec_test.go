package treekem

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNodeCodec(t *testing.T) {
	suite := X25519_AES128GCM_SHA256_Ed25519
	kp, _, _ := newTestKeyPackage(t, suite, "node-codec")

	cases := map[string]Node{
		"empty": {},
		"leaf":  newLeafNode(kp),
		"parent": {Parent: &ParentNode{
			PublicKey:      kp.InitKey,
			UnmergedLeaves: []LeafIndex{1, 3},
		}},
	}

	for name, node := range cases {
		encoded, err := marshal(name, node)
		require.Nil(t, err)
		require.Equal(t, uint8(node.Type()), encoded[0])

		var decoded Node
		read, err := unmarshal(name, encoded, &decoded)
		require.Nil(t, err)
		require.Equal(t, len(encoded), read)
		require.True(t, node.Equals(decoded))
	}
}

func TestNodeCodecFailures(t *testing.T) {
	var node Node

	// Unknown discriminant
	_, err := node.UnmarshalTLS([]byte{0x03})
	require.ErrorIs(t, err, ErrUnknownVariant)

	// Truncated payload
	_, err = unmarshal("node", []byte{uint8(NodeTypeParent), 0x00}, &node)
	require.ErrorIs(t, err, ErrDecode)

	// Empty input
	_, err = unmarshal("node", []byte{}, &node)
	require.ErrorIs(t, err, ErrDecode)
}

func TestUpdatePathCodec(t *testing.T) {
	suite := X25519_AES128GCM_SHA256_Ed25519
	kp, _, _ := newTestKeyPackage(t, suite, "path-codec")

	path := UpdatePath{
		LeafKeyPackage: kp,
		Nodes: []UpdatePathNode{
			{
				PublicKey: kp.InitKey,
				EncryptedPathSecret: []HPKECiphertext{
					{KEMOutput: []byte{1, 2}, Ciphertext: []byte{3, 4, 5}},
					{KEMOutput: []byte{6}, Ciphertext: []byte{7}},
				},
			},
			{
				PublicKey:           kp.InitKey,
				EncryptedPathSecret: []HPKECiphertext{},
			},
		},
	}

	encoded, err := marshal("updatePath", path)
	require.Nil(t, err)

	var decoded UpdatePath
	read, err := unmarshal("updatePath", encoded, &decoded)
	require.Nil(t, err)
	require.Equal(t, len(encoded), read)
	require.True(t, path.LeafKeyPackage.Equals(decoded.LeafKeyPackage))
	require.Equal(t, path.Nodes, decoded.Nodes)

	// Truncation anywhere fails cleanly
	_, err = unmarshal("updatePath", encoded[:len(encoded)-1], &decoded)
	require.ErrorIs(t, err, ErrDecode)
}

func TestSmallTypeCodec(t *testing.T) {
	node := ASTreeNode{Secret: []byte{1, 2, 3}}
	encoded, err := marshal("astreeNode", node)
	require.Nil(t, err)

	var decodedNode ASTreeNode
	_, err = unmarshal("astreeNode", encoded, &decodedNode)
	require.Nil(t, err)
	require.Equal(t, node, decodedNode)

	caps := RequiredCapabilities{
		Extensions:      []ExtensionType{ExtensionTypeLifetime},
		CredentialTypes: []CredentialType{CredentialTypeBasic},
	}
	encoded, err = marshal("requiredCapabilities", caps)
	require.Nil(t, err)

	var decodedCaps RequiredCapabilities
	_, err = unmarshal("requiredCapabilities", encoded, &decodedCaps)
	require.Nil(t, err)
	require.Equal(t, caps, decodedCaps)
}

// The tree encoding is a local checkpoint: it carries the private path
// keypairs and the own leaf index, and restoring it yields a tree that is
// operationally identical to the original.
func TestRatchetTreeCheckpoint(t *testing.T) {
	suite := X25519_AES128GCM_SHA256_Ed25519
	trees, sigs := newTestGroup(t, suite, 4)
	commitUpdate(t, trees, 0, sigs, []byte("checkpoint"))

	encoded, err := marshal("ratchetTree", *trees[0])
	require.Nil(t, err)

	var decoded RatchetTree
	read, err := unmarshal("ratchetTree", encoded, &decoded)
	require.Nil(t, err)
	require.Equal(t, len(encoded), read)

	require.Equal(t, trees[0].CipherSuite, decoded.CipherSuite)
	require.Equal(t, trees[0].OwnLeaf, decoded.OwnLeaf)
	require.True(t, trees[0].Equals(&decoded))
	require.Equal(t, trees[0].RootHash(), decoded.RootHash())
	require.Equal(t, trees[0].PathKeypairs.Keypairs, decoded.PathKeypairs.Keypairs)

	// The restored tree can process a subsequent commit
	restored := []*RatchetTree{&decoded, trees[1], trees[2], trees[3]}
	commitUpdate(t, restored, 1, sigs, []byte("after-restore"))
}
