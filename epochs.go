package treekem

import (
	"fmt"
)

// Epoch numbers a generation of the group's key schedule.  Every path
// update that commits produces a new epoch with a fresh application
// secret tree.
type Epoch uint64

// ASTreeStore retains the application secret trees of recent epochs so
// that late-arriving messages from a previous epoch can still be decrypted.
// Retention is bounded: once an epoch falls more than MaxPastEpochs behind
// the current one, its tree is wiped and dropped, and keys from it are
// permanently unavailable.
type ASTreeStore struct {
	MaxPastEpochs uint64

	current Epoch
	started bool
	trees   map[Epoch]*ASTree
}

func NewASTreeStore(maxPastEpochs uint64) *ASTreeStore {
	return &ASTreeStore{
		MaxPastEpochs: maxPastEpochs,
		trees:         map[Epoch]*ASTree{},
	}
}

// Advance installs the secret tree for a new epoch and evicts any epoch
// that has fallen out of the retention window.  Epochs must be installed
// in increasing order for the lifetime of the store, including after a
// Wipe.
func (s *ASTreeStore) Advance(epoch Epoch, tree *ASTree) {
	if s.started && epoch <= s.current {
		panic(fmt.Errorf("treekem.epochs: epoch %d does not advance past %d", epoch, s.current))
	}

	s.current = epoch
	s.started = true
	s.trees[epoch] = tree

	for e, t := range s.trees {
		if uint64(e)+s.MaxPastEpochs < uint64(s.current) {
			t.Wipe()
			delete(s.trees, e)
		}
	}
}

// Get fetches the key and nonce for one (epoch, sender, generation)
// triple.  An epoch outside the retention window yields ErrEpochRetired.
func (s *ASTreeStore) Get(epoch Epoch, sender LeafIndex, generation uint32) (KeyAndNonce, error) {
	tree, ok := s.trees[epoch]
	if !ok {
		return KeyAndNonce{}, fmt.Errorf("%w: epoch %d", ErrEpochRetired, epoch)
	}
	return tree.Get(sender, generation)
}

// Erase wipes a consumed key in a retained epoch; unknown epochs are a
// no-op since their keys are already gone.
func (s *ASTreeStore) Erase(epoch Epoch, sender LeafIndex, generation uint32) {
	if tree, ok := s.trees[epoch]; ok {
		tree.Erase(sender, generation)
	}
}

// Current returns the most recently installed epoch.
func (s *ASTreeStore) Current() Epoch {
	return s.current
}

// Retained reports how many epochs are currently held.
func (s *ASTreeStore) Retained() int {
	return len(s.trees)
}

// Wipe zeroizes every retained tree.
func (s *ASTreeStore) Wipe() {
	for e, t := range s.trees {
		t.Wipe()
		delete(s.trees, e)
	}
}
