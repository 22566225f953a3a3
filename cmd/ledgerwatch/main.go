package main

import (
	"os"

	"ledgerwatch/cmd/ledgerwatch/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
