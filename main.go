package main

import (
	"os"

	"github.com/crewline/relay/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
