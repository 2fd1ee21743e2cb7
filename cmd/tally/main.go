// Package main is the entry point for the tally CLI.
package main

import (
	"os"

	"github.com/xraph/tally/cmd/tally/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
