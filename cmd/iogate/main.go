package main

import (
	"os"

	"github.com/iogate/iogate/internal/cli"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := cli.NewRootCommand(version).Execute(); err != nil {
		os.Exit(1)
	}
}
