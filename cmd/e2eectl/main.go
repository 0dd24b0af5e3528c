package main

import (
	"os"

	"sentinal-e2ee/cmd/e2eectl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
