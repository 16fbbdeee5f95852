package main

import (
	"os"

	"github.com/psantana5/edgedash/cmd/edgedash/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
