// Package main is the entry point for the firelab CLI.
package main

import (
	"os"

	"github.com/firelab-io/firelab/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
