package treekem

import (
	"errors"
	"fmt"

	"github.com/cisco/go-tls-syntax"
)

// Error taxonomy.  Codec and tree-integrity errors are fatal to the
// enclosing group operation; secret-availability errors are recoverable at
// the message layer (the message is reported undecryptable, group state is
// unaffected).  Callers must distinguish the two: "cannot decrypt this one
// message" is not "cannot trust this tree state".
var (
	// Codec errors
	ErrDecode         = errors.New("treekem: decode failure")
	ErrUnknownVariant = errors.New("treekem: unknown variant discriminant")

	// Tree integrity errors
	ErrBadPathLength     = errors.New("treekem: update path length does not match tree height")
	ErrCiphertextCount   = errors.New("treekem: ciphertext count does not match resolution size")
	ErrNoDecryptionKey   = errors.New("treekem: no private key available to decrypt path secret")
	ErrPublicKeyMismatch = errors.New("treekem: derived public key does not match update path")
	ErrRootMismatch      = errors.New("treekem: recomputed root does not match confirmation")
	ErrInvalidLeaf       = errors.New("treekem: operation on a blank or invalid leaf")
	ErrInvalidKeyPackage = errors.New("treekem: key package validation failure")

	// Secret availability errors
	ErrKeyRetired   = errors.New("treekem: generation already consumed and erased")
	ErrKeyTooFar    = errors.New("treekem: generation beyond maximum forward distance")
	ErrEpochRetired = errors.New("treekem: epoch outside the retention window")
)

// marshal and unmarshal wrap go-tls-syntax so that decode failures carry
// both the structure name and the ErrDecode class.  Encoding a valid value
// must not fail; decode must be the exact left-inverse of encode.

func marshal(label string, val interface{}) ([]byte, error) {
	enc, err := syntax.Marshal(val)
	if err != nil {
		return nil, fmt.Errorf("treekem.%s: Marshal failed: %v", label, err)
	}
	return enc, nil
}

func unmarshal(label string, data []byte, val interface{}) (int, error) {
	read, err := syntax.Unmarshal(data, val)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrDecode, label, err)
	}
	return read, nil
}
