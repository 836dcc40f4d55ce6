package commands

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cipherspace/treekem"
)

func simulateCmd() *cobra.Command {
	var members int
	var commits int
	var remove int

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a group through a series of commits and removals",
		RunE: func(cmd *cobra.Command, args []string) error {
			suite, err := selectedSuite()
			if err != nil {
				return err
			}
			if members < 2 {
				return fmt.Errorf("need at least 2 members")
			}
			if remove >= members {
				return fmt.Errorf("cannot remove leaf %d from a %d-member group", remove, members)
			}

			kps := make([]treekem.KeyPackage, members)
			sigs := make([]treekem.SignaturePrivateKey, members)
			for i := range kps {
				sigs[i], err = treekem.Ed25519.Generate()
				if err != nil {
					return err
				}

				cred := treekem.NewBasicCredential(
					[]byte(fmt.Sprintf("member-%d", i)), treekem.Ed25519, sigs[i].PublicKey)
				kp, err := treekem.NewKeyPackage(suite, cred, sigs[i])
				if err != nil {
					return err
				}
				kps[i] = *kp
			}

			// One tree per member, all views of the same group
			trees := make([]*treekem.RatchetTree, members)
			for i := range trees {
				initPriv, ok := kps[i].PrivateKey()
				if !ok {
					return fmt.Errorf("member %d key package has no private key", i)
				}
				trees[i], err = treekem.NewRatchetTreeFromMembers(
					suite, treekem.LeafIndex(i), kps, initPriv)
				if err != nil {
					return err
				}
			}

			config, err := treekem.NewGroupConfigBuilder(suite).MaxPastEpochs(2).Build()
			if err != nil {
				return err
			}
			store := config.NewASTreeStore()

			fmt.Printf("group: %d members, suite %s\n", members, suite)
			fmt.Printf("initial root hash: %s\n", hex.EncodeToString(trees[0].RootHash()))

			removed := map[int]bool{}
			for epoch := treekem.Epoch(1); epoch <= treekem.Epoch(commits); epoch += 1 {
				// Halfway through, drop the requested member
				if remove >= 0 && !removed[remove] && int(epoch) > commits/2 {
					for _, tree := range trees {
						tree.BlankPath(treekem.LeafIndex(remove))
					}
					removed[remove] = true
					fmt.Printf("epoch %d: removed leaf %d\n", epoch, remove)
				}

				committer := int(epoch-1) % members
				for removed[committer] {
					committer = (committer + 1) % members
				}

				leafSecret := make([]byte, 32)
				if _, err := rand.Read(leafSecret); err != nil {
					return err
				}
				context := []byte(fmt.Sprintf("epoch-%d", epoch))

				path, rootSecret, err := trees[committer].DeriveUpdatePath(
					treekem.LeafIndex(committer), context, leafSecret, sigs[committer])
				if err != nil {
					return err
				}
				confirmation := trees[committer].RootConfirmation(rootSecret)

				for i := range trees {
					if i == committer {
						continue
					}
					if removed[i] {
						if _, err := trees[i].ApplyUpdatePath(
							treekem.LeafIndex(committer), path, context, confirmation); err == nil {
							return fmt.Errorf("removed member %d still decrypts", i)
						}
						continue
					}

					got, err := trees[i].ApplyUpdatePath(
						treekem.LeafIndex(committer), path, context, confirmation)
					if err != nil {
						return fmt.Errorf("member %d: %v", i, err)
					}
					if !bytes.Equal(got, rootSecret) {
						return fmt.Errorf("member %d derived a different group secret", i)
					}
					if !trees[committer].Equals(trees[i]) {
						return fmt.Errorf("member %d diverged after epoch %d", i, epoch)
					}
				}

				store.Advance(epoch, config.NewASTree(rootSecret, trees[committer].Size()))
				fmt.Printf("epoch %d: committer %d, root hash %s\n",
					epoch, committer, hex.EncodeToString(trees[committer].RootHash()))

				// Each surviving member sends one message in this epoch
				for i := range trees {
					if removed[i] {
						continue
					}
					kn, err := store.Get(epoch, treekem.LeafIndex(i), 0)
					if err != nil {
						return err
					}
					fmt.Printf("  sender %d gen 0 key %s\n", i, hex.EncodeToString(kn.Key))
					store.Erase(epoch, treekem.LeafIndex(i), 0)
				}
			}

			fmt.Printf("retained epochs: %d\n", store.Retained())
			return nil
		},
	}

	cmd.Flags().IntVar(&members, "members", 4, "number of group members")
	cmd.Flags().IntVar(&commits, "commits", 4, "number of commit rounds")
	cmd.Flags().IntVar(&remove, "remove", -1, "leaf index to remove halfway through (-1 for none)")
	return cmd
}
