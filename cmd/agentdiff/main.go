package main

import (
	"os"

	"github.com/agentdiff/agentdiff/cmd/agentdiff/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
