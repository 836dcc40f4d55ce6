package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cipherspace/treekem"
)

var suiteName string

func Execute() error {
	root := &cobra.Command{
		Use:   "treekem",
		Short: "TreeKEM group key agreement toolbox",
	}

	root.PersistentFlags().StringVar(&suiteName, "suite", "aes",
		"ciphersuite: aes or chacha")

	root.AddCommand(simulateCmd(), vectorsCmd())
	return root.Execute()
}

func selectedSuite() (treekem.CipherSuite, error) {
	switch suiteName {
	case "aes":
		return treekem.X25519_AES128GCM_SHA256_Ed25519, nil
	case "chacha":
		return treekem.X25519_CHACHA20POLY1305_SHA256_Ed25519, nil
	}
	return 0, fmt.Errorf("unknown ciphersuite %q", suiteName)
}
