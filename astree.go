package treekem

import (
	"fmt"
)

// KeyAndNonce is one message key: the symmetric encryption key and nonce
// for a single (sender, generation) pair.  The caller owns the copy it
// receives and must erase the generation once the message is processed.
type KeyAndNonce struct {
	Key   []byte `tls:"head=1"`
	Nonce []byte `tls:"head=1"`
}

func (k KeyAndNonce) clone() KeyAndNonce {
	return KeyAndNonce{
		Key:   dup(k.Key),
		Nonce: dup(k.Nonce),
	}
}

func (k KeyAndNonce) wipe() {
	zeroize(k.Key)
	zeroize(k.Nonce)
}

///
/// Sender ratchet
///

// senderRatchet is one member's forward-secret chain within an epoch.
// Each step derives the key, nonce, and next chain secret for one
// generation; the consumed chain secret is wiped immediately, so earlier
// generations are unrecoverable once they leave the cache.
type senderRatchet struct {
	Suite          CipherSuite
	Node           NodeIndex
	NextSecret     []byte `tls:"head=1"`
	NextGeneration uint32
	Cache          map[uint32]KeyAndNonce `tls:"head=4"`

	config SenderRatchetConfiguration
}

func newSenderRatchet(suite CipherSuite, node NodeIndex, baseSecret []byte, config SenderRatchetConfiguration) *senderRatchet {
	return &senderRatchet{
		Suite:          suite,
		Node:           node,
		NextSecret:     baseSecret,
		NextGeneration: 0,
		Cache:          map[uint32]KeyAndNonce{},
		config:         config,
	}
}

func (sr *senderRatchet) Next() (uint32, KeyAndNonce) {
	cc := sr.Suite.Constants()
	key := sr.Suite.deriveAppSecret(sr.NextSecret, "app-key", sr.Node, sr.NextGeneration, cc.KeySize)
	nonce := sr.Suite.deriveAppSecret(sr.NextSecret, "app-nonce", sr.Node, sr.NextGeneration, cc.NonceSize)
	secret := sr.Suite.deriveAppSecret(sr.NextSecret, "app-secret", sr.Node, sr.NextGeneration, cc.SecretSize)

	generation := sr.NextGeneration

	sr.NextGeneration += 1
	zeroize(sr.NextSecret)
	sr.NextSecret = secret

	kn := KeyAndNonce{key, nonce}
	sr.Cache[generation] = kn
	sr.expire()
	return generation, kn.clone()
}

// expire drops cached generations that have fallen out of the
// out-of-order tolerance window.
func (sr *senderRatchet) expire() {
	tolerance := sr.config.OutOfOrderTolerance
	if sr.NextGeneration <= tolerance {
		return
	}

	horizon := sr.NextGeneration - tolerance
	for gen, kn := range sr.Cache {
		if gen < horizon {
			kn.wipe()
			delete(sr.Cache, gen)
		}
	}
}

func (sr *senderRatchet) Get(generation uint32) (KeyAndNonce, error) {
	if kn, ok := sr.Cache[generation]; ok {
		return kn.clone(), nil
	}

	if generation < sr.NextGeneration {
		return KeyAndNonce{}, fmt.Errorf("%w: generation %d", ErrKeyRetired, generation)
	}

	if generation-sr.NextGeneration > sr.config.MaximumForwardDistance {
		return KeyAndNonce{}, fmt.Errorf("%w: generation %d, next %d", ErrKeyTooFar, generation, sr.NextGeneration)
	}

	for sr.NextGeneration < generation {
		sr.Next()
	}

	_, kn := sr.Next()
	return kn, nil
}

func (sr *senderRatchet) Erase(generation uint32) {
	kn, ok := sr.Cache[generation]
	if !ok {
		return
	}

	kn.wipe()
	delete(sr.Cache, generation)
}

func (sr *senderRatchet) Wipe() {
	zeroize(sr.NextSecret)
	for gen, kn := range sr.Cache {
		kn.wipe()
		delete(sr.Cache, gen)
	}
}

///
/// Application secret tree
///

// ASTreeNode is a single secret in the derivation tree; its wire form is
// used only for local checkpointing.
type ASTreeNode struct {
	Secret []byte `tls:"head=1"`
}

// ASTree derives one forward-ratcheting secret chain per group member from
// a single per-epoch application secret.  It mirrors the group's leaf
// index space: internal node secrets are derived down toward the leaves on
// demand and wiped as soon as both children exist, so the tree holds the
// minimal state needed to serve the remaining leaves.  Construction is
// deterministic; all randomness comes from the epoch secret.
type ASTree struct {
	Suite    CipherSuite
	Size     LeafCount
	Secrets  map[NodeIndex]ASTreeNode
	Ratchets map[LeafIndex]*senderRatchet

	config SenderRatchetConfiguration
}

func NewASTree(suite CipherSuite, config SenderRatchetConfiguration, applicationSecret []byte, size LeafCount) *ASTree {
	if size == 0 {
		panic(fmt.Errorf("treekem.astree: tree must have at least one leaf"))
	}

	t := &ASTree{
		Suite:    suite,
		Size:     size,
		Secrets:  map[NodeIndex]ASTreeNode{},
		Ratchets: map[LeafIndex]*senderRatchet{},
		config:   config,
	}
	t.Secrets[root(size)] = ASTreeNode{dup(applicationSecret)}
	return t
}

// Get derives the key and nonce for one (sender, generation) pair,
// advancing the sender's chain as needed.  A generation that has already
// been consumed and erased yields ErrKeyRetired; a generation further
// ahead than the configured skip window yields ErrKeyTooFar.  Both are
// message-level outcomes: the tree itself stays valid.  Once the tree has
// been wiped, every key it ever covered is retired.
func (t *ASTree) Get(sender LeafIndex, generation uint32) (KeyAndNonce, error) {
	r, err := t.ratchet(sender)
	if err != nil {
		return KeyAndNonce{}, err
	}
	return r.Get(generation)
}

// Next is the sending side: it consumes and returns the next generation
// for the local member's chain.
func (t *ASTree) Next(sender LeafIndex) (uint32, KeyAndNonce, error) {
	r, err := t.ratchet(sender)
	if err != nil {
		return 0, KeyAndNonce{}, err
	}
	generation, kn := r.Next()
	return generation, kn, nil
}

// Erase wipes the cached key for one generation after use.
func (t *ASTree) Erase(sender LeafIndex, generation uint32) {
	if r, ok := t.Ratchets[sender]; ok {
		r.Erase(generation)
	}
}

// Wipe zeroizes all remaining secrets; called when the epoch is retired.
func (t *ASTree) Wipe() {
	for n, node := range t.Secrets {
		zeroize(node.Secret)
		delete(t.Secrets, n)
	}
	for _, r := range t.Ratchets {
		r.Wipe()
	}
	t.Ratchets = map[LeafIndex]*senderRatchet{}
}

func (t *ASTree) ratchet(sender LeafIndex) (*senderRatchet, error) {
	if LeafCount(sender) >= t.Size {
		panic(fmt.Errorf("treekem.astree: leaf %d outside tree of size %d", sender, t.Size))
	}

	if r, ok := t.Ratchets[sender]; ok {
		return r, nil
	}

	base, err := t.baseSecret(sender)
	if err != nil {
		return nil, err
	}

	t.Ratchets[sender] = newSenderRatchet(t.Suite, toNodeIndex(sender), base, t.config)
	return t.Ratchets[sender], nil
}

// baseSecret walks down from the nearest populated ancestor to the
// sender's leaf, deriving child secrets with the "tree" label and wiping
// each parent as soon as its children are populated.  A tree with no
// remaining source secret has been wiped, so every key is retired.
func (t *ASTree) baseSecret(sender LeafIndex) ([]byte, error) {
	senderNode := toNodeIndex(sender)
	d := append([]NodeIndex{senderNode}, dirpath(senderNode, t.Size)...)

	curr := -1
	for i, node := range d {
		if _, ok := t.Secrets[node]; ok {
			curr = i
			break
		}
	}

	if curr < 0 {
		return nil, fmt.Errorf("%w: no source secret for leaf %d", ErrKeyRetired, sender)
	}

	secretSize := t.Suite.Constants().SecretSize
	for ; curr > 0; curr -= 1 {
		node := d[curr]
		l := left(node)
		r := right(node, t.Size)

		secret := t.Secrets[node].Secret
		t.Secrets[l] = ASTreeNode{t.Suite.deriveAppSecret(secret, "tree", l, 0, secretSize)}
		t.Secrets[r] = ASTreeNode{t.Suite.deriveAppSecret(secret, "tree", r, 0, secretSize)}
		zeroize(secret)
		delete(t.Secrets, node)
	}

	out := dup(t.Secrets[senderNode].Secret)
	zeroize(t.Secrets[senderNode].Secret)
	delete(t.Secrets, senderNode)
	return out, nil
}
