package main

import (
	"os"

	"chunkdrop/cmd/cdrop/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
