package main

import (
	"os"

	"github.com/hkuds/sandboxd/cmd/sandboxd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
