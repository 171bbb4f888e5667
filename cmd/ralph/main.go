// Package main provides the entry point for the ralph CLI.
package main

import (
	"os"

	"github.com/randalmurphal/ralph/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
