package commands

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cipherspace/treekem"
)

type memberVector struct {
	Identity  string `json:"identity"`
	InitKey   string `json:"init_key"`
	SigPubKey string `json:"sig_pub_key"`
}

type messageKeyVector struct {
	Sender     uint32 `json:"sender"`
	Generation uint32 `json:"generation"`
	Key        string `json:"key"`
	Nonce      string `json:"nonce"`
}

type derivationVectors struct {
	CipherSuite  string             `json:"cipher_suite"`
	Seed         string             `json:"seed"`
	Members      []memberVector     `json:"members"`
	RootHash     string             `json:"root_hash"`
	RootSecret   string             `json:"root_secret"`
	Confirmation string             `json:"confirmation"`
	MessageKeys  []messageKeyVector `json:"message_keys"`
}

// vectorsCmd emits a deterministic derivation transcript: every key in the
// output is a pure function of the seed, so two builds can be compared
// byte for byte.
func vectorsCmd() *cobra.Command {
	var seed string
	var leaves int
	var generations int

	cmd := &cobra.Command{
		Use:   "vectors",
		Short: "Emit deterministic derivation vectors as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			suite, err := selectedSuite()
			if err != nil {
				return err
			}
			if leaves < 2 {
				return fmt.Errorf("need at least 2 leaves")
			}

			out := derivationVectors{
				CipherSuite: suite.String(),
				Seed:        seed,
			}

			kps := make([]treekem.KeyPackage, leaves)
			sigs := make([]treekem.SignaturePrivateKey, leaves)
			inits := make([]treekem.HPKEPrivateKey, leaves)
			for i := range kps {
				identity := fmt.Sprintf("%s-member-%d", seed, i)

				sigs[i], err = treekem.Ed25519.Derive([]byte(identity))
				if err != nil {
					return err
				}
				inits[i], err = suite.DeriveHPKEKeyPair(suite.Digest([]byte(identity)))
				if err != nil {
					return err
				}

				cred := treekem.NewBasicCredential([]byte(identity), treekem.Ed25519, sigs[i].PublicKey)
				kp, err := treekem.NewKeyPackageWithInitKey(suite, inits[i], cred, sigs[i])
				if err != nil {
					return err
				}
				kps[i] = *kp

				out.Members = append(out.Members, memberVector{
					Identity:  identity,
					InitKey:   hex.EncodeToString(kp.InitKey.Data),
					SigPubKey: hex.EncodeToString(sigs[i].PublicKey.Data),
				})
			}

			tree, err := treekem.NewRatchetTreeFromMembers(suite, 0, kps, inits[0])
			if err != nil {
				return err
			}

			leafSecret := suite.Digest([]byte(seed + "-commit"))
			_, rootSecret, err := tree.DeriveUpdatePath(0, []byte(seed), leafSecret, sigs[0])
			if err != nil {
				return err
			}

			out.RootHash = hex.EncodeToString(tree.RootHash())
			out.RootSecret = hex.EncodeToString(rootSecret)
			out.Confirmation = hex.EncodeToString(tree.RootConfirmation(rootSecret))

			config, err := treekem.NewGroupConfigBuilder(suite).Build()
			if err != nil {
				return err
			}
			astree := config.NewASTree(rootSecret, tree.Size())
			for sender := treekem.LeafIndex(0); int(sender) < leaves; sender += 1 {
				for g := uint32(0); g < uint32(generations); g += 1 {
					kn, err := astree.Get(sender, g)
					if err != nil {
						return err
					}
					out.MessageKeys = append(out.MessageKeys, messageKeyVector{
						Sender:     uint32(sender),
						Generation: g,
						Key:        hex.EncodeToString(kn.Key),
						Nonce:      hex.EncodeToString(kn.Nonce),
					})
				}
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}

	cmd.Flags().StringVar(&seed, "seed", "treekem", "seed string for all derivations")
	cmd.Flags().IntVar(&leaves, "leaves", 4, "number of leaves in the tree")
	cmd.Flags().IntVar(&generations, "generations", 3, "message generations per sender")
	return cmd
}
