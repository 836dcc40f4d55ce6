package main

import (
	"os"

	"github.com/cipherspace/treekem/cmd/treekem/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
