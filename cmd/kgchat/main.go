package main

import (
	"os"

	"github.com/kgchat/kgchat/cmd/kgchat/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
